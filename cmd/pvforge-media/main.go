package main

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	units "github.com/docker/go-units"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/pvforge/pvforge/internal/answer"
	"github.com/pvforge/pvforge/internal/answerpart"
	"github.com/pvforge/pvforge/internal/blockdev"
	"github.com/pvforge/pvforge/internal/imaging"
	"github.com/pvforge/pvforge/internal/progress"
	"github.com/pvforge/pvforge/internal/transfer"
)

// imageURLTemplate locates the installer image for a given version string.
const imageURLTemplate = "https://enterprise.proxmox.com/iso/proxmox-ve_%s.iso"

// minImageSize rejects anything that cannot plausibly be an installer image.
const minImageSize = 500 << 20

var (
	deviceFlag   string
	versionFlag  string
	skipDownload bool
	listDevices  bool
	sha256Flag   string

	hostnameFlag     string
	domainFlag       string
	rootPasswordFlag string
	mailtoFlag       string

	filesystemFlag string
	zfsRaidFlag    string
	disksFlag      string
	cleanupFlag    bool

	ipFlag      string
	gatewayFlag string
	dnsFlag     string

	downloadDir string
)

var logger = logrus.New()

var mediaCmd = &cobra.Command{
	Use:          "pvforge-media",
	Short:        "Create bootable unattended-install media for a hypervisor host",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if listDevices {
			return printDevices()
		}
		if os.Geteuid() != 0 {
			return fmt.Errorf("raw device access requires root")
		}
		if hostnameFlag == "" || rootPasswordFlag == "" {
			return fmt.Errorf("--hostname and --root-password are required")
		}
		if len(targetDisks()) == 0 {
			return fmt.Errorf("--disks is required: the installer needs at least one target disk")
		}
		return run()
	},
}

func main() {
	flags := mediaCmd.Flags()
	flags.StringVarP(&deviceFlag, "device", "d", "", "target device path (skips enumeration)")
	flags.StringVarP(&versionFlag, "version", "v", "8.2-1", "installer version string")
	flags.BoolVar(&skipDownload, "skip-download", false, "reuse a previously downloaded image")
	flags.BoolVar(&listDevices, "list-devices", false, "list removable device candidates and exit")
	flags.StringVar(&sha256Flag, "sha256", "", "expected image checksum (verified when set)")
	flags.StringVar(&hostnameFlag, "hostname", "", "target hostname")
	flags.StringVar(&domainFlag, "domain", "local", "target domain")
	flags.StringVar(&rootPasswordFlag, "root-password", "", "root credential for the installed system")
	flags.StringVar(&mailtoFlag, "mailto", "root@localhost", "notification address")
	flags.StringVar(&filesystemFlag, "filesystem", "ext4", "root filesystem: ext4 or zfs")
	flags.StringVar(&zfsRaidFlag, "zfs-raid", "raid1", "zfs redundancy when --filesystem=zfs")
	flags.StringVar(&disksFlag, "disks", "", "comma-separated disks the installer targets (e.g. sda,sdb)")
	flags.BoolVar(&cleanupFlag, "cleanup", false, "wipe remnants of a previous installation first")
	flags.StringVar(&ipFlag, "ip", "", "static address in CIDR form (default: DHCP)")
	flags.StringVar(&gatewayFlag, "gateway", "", "static gateway")
	flags.StringVar(&dnsFlag, "dns", "", "static DNS server")
	flags.StringVar(&downloadDir, "download-dir", os.TempDir(), "where downloaded images are kept")

	if err := mediaCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func printDevices() error {
	devices, err := blockdev.NewEnumerator(logger).ListRemovable()
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		fmt.Println("no removable devices found")
		return nil
	}
	for _, d := range devices {
		fmt.Printf("%-12s %-10s %-8s %s\n", d.Path,
			units.BytesSize(float64(d.Size)), d.Transport, d.Model)
	}
	return nil
}

func run() error {
	device, err := pickDevice()
	if err == blockdev.ErrAborted {
		fmt.Println("aborted")
		return nil
	}
	if err != nil {
		return err
	}

	// device numbering can shift between enumeration and action
	if err := blockdev.RefreshCapacity(&device); err != nil {
		return err
	}

	imagePath, err := fetchImage()
	if err != nil {
		return err
	}
	if sha256Flag != "" {
		if err := verifyChecksum(imagePath, sha256Flag); err != nil {
			return err
		}
	}

	renderer := progress.NewRenderer(os.Stderr)
	imager := imaging.New(logger, renderer)
	if _, err := imager.WriteImage(imaging.Operation{
		ImagePath: imagePath,
		Device:    device,
	}); err != nil {
		return err
	}

	cfg := answer.Build(identity(), network(), storage(), cleanupFlag)
	rendered, err := answer.Render(cfg)
	if err != nil {
		return err
	}
	// trace header ties an installed host back to the media that produced it
	header := fmt.Sprintf("# generated by pvforge-media, media id %s\n", uuid.New())
	rendered = append([]byte(header), rendered...)

	result, err := answerpart.New(logger).Provision(device, rendered)
	if err != nil {
		return err
	}
	if result.Fallback {
		logger.Warnf("answer artifact at %s; copy it to the installer manually", result.SidePath)
	}

	logger.Infof("media ready on %s", device.Path)
	return nil
}

func pickDevice() (blockdev.Device, error) {
	enumerator := blockdev.NewEnumerator(logger)
	devices, err := enumerator.ListRemovable()
	if err != nil {
		return blockdev.Device{}, err
	}

	if deviceFlag != "" {
		for _, d := range devices {
			if d.Path == deviceFlag {
				return d, blockdev.ConfirmWipe(d, os.Stdin, os.Stdout)
			}
		}
		return blockdev.Device{}, fmt.Errorf("%s is not a removable device candidate", deviceFlag)
	}

	device, err := blockdev.Select(devices, os.Stdin, os.Stdout)
	if err != nil {
		return blockdev.Device{}, err
	}
	return device, blockdev.ConfirmWipe(device, os.Stdin, os.Stdout)
}

func fetchImage() (string, error) {
	url := fmt.Sprintf(imageURLTemplate, versionFlag)
	dest := filepath.Join(downloadDir, filepath.Base(url))

	engine := transfer.NewEngine(logger, progress.NewRenderer(os.Stderr))
	return engine.Fetch(transfer.Job{
		URL:     url,
		Dest:    dest,
		MinSize: minImageSize,
		Reuse:   skipDownload,
	})
}

func verifyChecksum(path, expected string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return err
	}
	got := hex.EncodeToString(h.Sum(nil))
	if got != expected {
		return fmt.Errorf("checksum mismatch: got %s, expected %s", got, expected)
	}
	logger.Info("image checksum verified")
	return nil
}

func identity() answer.Identity {
	return answer.Identity{
		FQDN:         hostnameFlag + "." + domainFlag,
		Mailto:       mailtoFlag,
		Country:      "us",
		Keyboard:     "en-us",
		Timezone:     "UTC",
		RootPassword: rootPasswordFlag,
	}
}

func network() answer.Network {
	if ipFlag == "" {
		return answer.Network{Source: answer.NetworkFromDHCP}
	}
	return answer.Network{
		Source:  answer.NetworkFromAnswer,
		CIDR:    ipFlag,
		Gateway: gatewayFlag,
		DNS:     dnsFlag,
	}
}

func storage() answer.DiskSetup {
	setup := answer.DiskSetup{
		Filesystem: filesystemFlag,
		DiskList:   targetDisks(),
	}
	if filesystemFlag == "zfs" {
		setup.ZFS = &answer.ZFSOptions{RAID: zfsRaidFlag}
	}
	return setup
}

// targetDisks normalizes --disks into kernel names; the answer format wants
// "sda", not "/dev/sda".
func targetDisks() []string {
	var disks []string
	for _, d := range strings.Split(disksFlag, ",") {
		d = strings.TrimPrefix(strings.TrimSpace(d), "/dev/")
		if d != "" {
			disks = append(disks, d)
		}
	}
	return disks
}
