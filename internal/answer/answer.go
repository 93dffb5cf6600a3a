// Package answer builds the configuration artifact consumed by the
// unattended installer. Build is pure: identical inputs yield byte-identical
// output, which keeps media reproducible and testable.
package answer

import (
	"bytes"
	"fmt"

	"github.com/BurntSushi/toml"
)

// DefaultSetupScriptURL is where the post-install hook fetches the
// first-boot provisioner from.
const DefaultSetupScriptURL = "https://get.pvforge.dev/pvforge-firstboot"

// FirstBootBinaryPath is where the post-install hook installs the
// provisioner on the target host.
const FirstBootBinaryPath = "/usr/local/bin/pvforge-firstboot"

// Identity is the [global] section of the answer artifact.
type Identity struct {
	FQDN         string `toml:"fqdn"`
	Mailto       string `toml:"mailto"`
	Country      string `toml:"country"`
	Keyboard     string `toml:"keyboard"`
	Timezone     string `toml:"timezone"`
	RootPassword string `toml:"root-password"`
}

// NetworkSource selects how the installed host gets its addressing.
type NetworkSource string

const (
	NetworkFromDHCP   NetworkSource = "from-dhcp"
	NetworkFromAnswer NetworkSource = "from-answer"
)

// Network is the [network] section. The static fields are only meaningful
// when Source is from-answer.
type Network struct {
	Source  NetworkSource `toml:"source"`
	CIDR    string        `toml:"cidr,omitempty"`
	Gateway string        `toml:"gateway,omitempty"`
	DNS     string        `toml:"dns,omitempty"`
}

// ZFSOptions carries the redundancy selection for a zfs root.
type ZFSOptions struct {
	RAID string `toml:"raid"`
}

// DiskSetup is the [disk-setup] section.
type DiskSetup struct {
	Filesystem string      `toml:"filesystem"`
	ZFS        *ZFSOptions `toml:"zfs,omitempty"`
	DiskList   []string    `toml:"disk-list"`
}

// PostInstall is the ordered [post-install] command list. Ordering is
// significant: each command assumes its predecessors succeeded.
type PostInstall struct {
	Commands []string `toml:"commands"`
}

// Config is the complete answer artifact.
type Config struct {
	Global      Identity    `toml:"global"`
	Network     Network     `toml:"network"`
	DiskSetup   DiskSetup   `toml:"disk-setup"`
	PostInstall PostInstall `toml:"post-install"`
}

// Build assembles an answer configuration. When cleanupRequested is set the
// command list starts with directives that tear down a previous installation
// (pool destruction, signature wipes, cluster state removal) so the media
// can reinstall over an existing deployment. No I/O happens here.
func Build(identity Identity, network Network, storage DiskSetup, cleanupRequested bool) Config {
	var commands []string
	if cleanupRequested {
		commands = append(commands, cleanupCommands(storage)...)
	}
	commands = append(commands, setupCommands()...)

	return Config{
		Global:      identity,
		Network:     network,
		DiskSetup:   storage,
		PostInstall: PostInstall{Commands: commands},
	}
}

// cleanupCommands tears down remnants of a prior installation. They run
// inside the installer environment before the new system is laid down.
func cleanupCommands(storage DiskSetup) []string {
	commands := []string{
		"zpool destroy -f rpool",
	}
	for _, disk := range storage.DiskList {
		commands = append(commands, fmt.Sprintf("wipefs --all /dev/%s", disk))
	}
	commands = append(commands, "rm -rf /var/lib/pve-cluster")
	return commands
}

// setupCommands installs and registers the first-boot provisioner. The
// download must come before the permission change, which must come before
// the unit registration.
func setupCommands() []string {
	u := FirstBootUnit()
	return []string{
		fmt.Sprintf("curl -fsSL %s -o %s", DefaultSetupScriptURL, FirstBootBinaryPath),
		fmt.Sprintf("chmod 0755 %s", FirstBootBinaryPath),
		writeFileCommand(u.Path(), u.Render()),
		"systemctl daemon-reload",
		fmt.Sprintf("systemctl enable %s", u.Name),
	}
}

// writeFileCommand renders a single shell directive that writes content to
// path via a quoted heredoc.
func writeFileCommand(path, content string) string {
	return fmt.Sprintf("cat > %s <<'PVFORGE_EOF'\n%sPVFORGE_EOF", path, content)
}

// Render encodes the configuration as TOML. The encoder emits struct fields
// in declaration order, so output is deterministic.
func Render(cfg Config) ([]byte, error) {
	var buf bytes.Buffer
	enc := toml.NewEncoder(&buf)
	enc.Indent = ""
	if err := enc.Encode(cfg); err != nil {
		return nil, fmt.Errorf("encoding answer config: %w", err)
	}
	return buf.Bytes(), nil
}

// Parse decodes a rendered answer artifact back into a Config.
func Parse(data []byte) (Config, error) {
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("decoding answer config: %w", err)
	}
	return cfg, nil
}
