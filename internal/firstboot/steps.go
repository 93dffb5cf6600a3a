package firstboot

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// SessionName is the persistent multiplexer session operators attach to.
const SessionName = "claude"

// AssistantBinary is the management CLI installed in step 6.
const AssistantBinary = "claude"

// MinRuntimeMajor is the lowest acceptable major version of the managed
// runtime; anything older gets replaced.
const MinRuntimeMajor = 18

// networkWaitTimeout bounds the total time spent polling for a route in
// automatic mode.
const networkWaitTimeout = 2 * time.Minute

// vendorURL is the HTTPS reachability target of the connectivity test.
const vendorURL = "https://www.proxmox.com"

// dependencyPackages is the fixed utility set installed in step 4.
var dependencyPackages = []string{"curl", "git", "tmux", "jq"}

func resolveHost(host string) error {
	_, err := net.LookupHost(host)
	return err
}

// networkWait polls until a default route appears or the bounded wait runs
// out. A timeout is a warning, never fatal: the connectivity test and the
// installs surface their own errors if the network really never comes up.
func (r *Runner) networkWait() error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 2 * time.Second
	policy.MaxInterval = 15 * time.Second
	policy.MaxElapsedTime = networkWaitTimeout

	err := backoff.Retry(func() error {
		if r.defaultGateway() == "" {
			return fmt.Errorf("no default route yet")
		}
		return nil
	}, policy)
	if err != nil {
		r.Logger.Warnf("network did not come up within %s, proceeding anyway", networkWaitTimeout)
	}
	// deliberate: proceed regardless
	return nil
}

func (r *Runner) defaultGateway() string {
	out, err := r.run("ip", "route", "show", "default")
	if err != nil {
		return ""
	}
	fields := strings.Fields(string(out))
	for i, f := range fields {
		if f == "via" && i+1 < len(fields) {
			return fields[i+1]
		}
	}
	return ""
}

// connectivityTest counts four sub-checks: gateway ping, public-internet
// ping, name resolution, and HTTPS to the vendor site. Fewer than two
// passing is reported as a failure, which the runner treats as soft.
func (r *Runner) connectivityTest() error {
	passed := 0

	if gw := r.defaultGateway(); gw != "" {
		if _, err := r.run("ping", "-c", "1", "-W", "2", gw); err == nil {
			passed++
		} else {
			r.Logger.Warnf("gateway %s unreachable", gw)
		}
	} else {
		r.Logger.Warn("no default gateway found")
	}

	if _, err := r.run("ping", "-c", "1", "-W", "2", "1.1.1.1"); err == nil {
		passed++
	} else {
		r.Logger.Warn("public internet unreachable by ping")
	}

	if err := r.resolve("www.proxmox.com"); err == nil {
		passed++
	} else {
		r.Logger.Warnf("name resolution failing: %v", err)
	}

	if resp, err := r.httpClient.Get(vendorURL); err == nil {
		resp.Body.Close()
		passed++
	} else {
		r.Logger.Warnf("HTTPS to %s failing: %v", vendorURL, err)
	}

	r.Logger.Infof("connectivity: %d/4 checks passed", passed)
	if passed < 2 {
		return fmt.Errorf("only %d of 4 connectivity checks passed", passed)
	}
	return nil
}

// configureRepositories disables the enterprise entries by commenting them
// out (never deleting), adds the community entry if it is not already
// present, and refreshes package metadata. Every mutation is idempotent.
func (r *Runner) configureRepositories() error {
	for _, name := range []string{"pve-enterprise.list", "ceph.list"} {
		path := filepath.Join(r.AptSourcesDir, name)
		if err := commentOutDebLines(path); err != nil {
			r.Logger.Warnf("disabling %s: %v", name, err)
		}
	}

	communityPath := filepath.Join(r.AptSourcesDir, "pve-no-subscription.list")
	if err := ensureLine(communityPath, r.CommunityRepo); err != nil {
		return fmt.Errorf("adding community repository: %w", err)
	}

	if out, err := r.run("apt-get", "update"); err != nil {
		return fmt.Errorf("refreshing package metadata: %w (%s)", err, truncate(out))
	}
	return nil
}

// commentOutDebLines prefixes every active directive with "# "; already
// commented lines and missing files are left alone.
func commentOutDebLines(path string) error {
	content, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	lines := strings.Split(string(content), "\n")
	changed := false
	for i, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "deb") {
			lines[i] = "# " + line
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return os.WriteFile(path, []byte(strings.Join(lines, "\n")), 0o644)
}

// ensureLine appends line to path unless an identical active line exists.
func ensureLine(path, line string) error {
	content, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	for _, existing := range strings.Split(string(content), "\n") {
		if strings.TrimSpace(existing) == line {
			return nil
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = fmt.Fprintln(f, line)
	return err
}

func (r *Runner) installDependencies() error {
	args := append([]string{"install", "-y"}, dependencyPackages...)
	if out, err := r.run("apt-get", args...); err != nil {
		return fmt.Errorf("installing %s: %w (%s)", strings.Join(dependencyPackages, " "), err, truncate(out))
	}
	return nil
}

// installRuntime installs the managed runtime unless a new enough one is
// already present. Version comparison uses the leading numeric component
// only.
func (r *Runner) installRuntime() error {
	if out, err := r.run("node", "--version"); err == nil {
		if major := leadingMajor(string(out)); major >= MinRuntimeMajor {
			r.Logger.Infof("runtime v%d already installed", major)
			return nil
		}
		r.Logger.Infof("runtime too old (%s), upgrading", strings.TrimSpace(string(out)))
	}

	if out, err := r.run("bash", "-c",
		"curl -fsSL https://deb.nodesource.com/setup_22.x | bash -"); err != nil {
		return fmt.Errorf("configuring runtime repository: %w (%s)", err, truncate(out))
	}
	if out, err := r.run("apt-get", "install", "-y", "nodejs"); err != nil {
		return fmt.Errorf("installing runtime: %w (%s)", err, truncate(out))
	}
	return nil
}

// leadingMajor extracts the leading numeric component of a version string
// like "v18.20.1\n". Returns -1 when none is found.
func leadingMajor(version string) int {
	s := strings.TrimSpace(version)
	s = strings.TrimPrefix(s, "v")
	end := 0
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	if end == 0 {
		return -1
	}
	major, err := strconv.Atoi(s[:end])
	if err != nil {
		return -1
	}
	return major
}

// installCLI installs the assistant CLI only when its binary is not already
// resolvable on the path.
func (r *Runner) installCLI() error {
	if _, err := r.lookPath(AssistantBinary); err == nil {
		r.Logger.Infof("%s already on PATH", AssistantBinary)
		return nil
	}
	if out, err := r.run("npm", "install", "-g", "@anthropic-ai/claude-code"); err != nil {
		return fmt.Errorf("installing %s: %w (%s)", AssistantBinary, err, truncate(out))
	}
	return nil
}

const shellBlockBegin = "# >>> pvforge firstboot >>>"
const shellBlockEnd = "# <<< pvforge firstboot <<<"

// configureShell appends the alias block to the shell profile, guarded by a
// sentinel comment so re-runs never duplicate it.
func (r *Runner) configureShell() error {
	content, err := os.ReadFile(r.ProfilePath)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("reading shell profile: %w", err)
	}
	if strings.Contains(string(content), shellBlockBegin) {
		r.Logger.Info("shell profile already configured")
		return nil
	}

	block := strings.Join([]string{
		"",
		shellBlockBegin,
		"alias cc='" + AssistantBinary + "'",
		"alias cc-session='tmux attach -t " + SessionName + "'",
		shellBlockEnd,
		"",
	}, "\n")

	f, err := os.OpenFile(r.ProfilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening shell profile: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(block); err != nil {
		return fmt.Errorf("writing shell profile: %w", err)
	}
	return nil
}

// startSession tears down and recreates the persistent session, then
// injects the banner and the interactive command. Kill-then-create makes
// the step idempotent.
func (r *Runner) startSession() error {
	if _, err := r.run("tmux", "kill-session", "-t", SessionName); err == nil {
		r.Logger.Debugf("replaced existing %s session", SessionName)
	}
	if out, err := r.run("tmux", "new-session", "-d", "-s", SessionName); err != nil {
		return fmt.Errorf("creating session: %w (%s)", err, truncate(out))
	}

	banner := fmt.Sprintf("echo 'pvforge: provisioned %s'", time.Now().Format("2006-01-02"))
	if out, err := r.run("tmux", "send-keys", "-t", SessionName, banner, "Enter"); err != nil {
		return fmt.Errorf("injecting banner: %w (%s)", err, truncate(out))
	}
	if out, err := r.run("tmux", "send-keys", "-t", SessionName, AssistantBinary, "Enter"); err != nil {
		return fmt.Errorf("injecting command: %w (%s)", err, truncate(out))
	}
	return nil
}

// report prints access information; in interactive mode it attaches the
// operator to the session after a short delay.
func (r *Runner) report() error {
	ip := r.primaryAddress()
	r.Logger.Infof("web interface: https://%s:8006", ip)
	r.Logger.Infof("session: tmux attach -t %s", SessionName)

	if r.Auto {
		r.Logger.Info("automatic mode: leaving session detached")
		return nil
	}

	r.sleep(3 * time.Second)
	return r.attach(r)
}

func (r *Runner) primaryAddress() string {
	out, err := r.run("hostname", "-I")
	if err != nil {
		return "<host>"
	}
	fields := strings.Fields(string(out))
	if len(fields) == 0 {
		return "<host>"
	}
	return fields[0]
}

// truncate keeps command output in error messages readable.
func truncate(out []byte) string {
	const max = 200
	s := strings.TrimSpace(string(out))
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
