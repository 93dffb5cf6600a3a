// Package storagepool validates a disk set against a redundancy topology,
// destructively prepares the disks, creates the pool with a fixed dataset
// layout, and registers the datasets with the host storage layer when one
// is present.
package storagepool

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/pvforge/pvforge/internal/blockdev"
)

// Spec describes the pool to create.
type Spec struct {
	Name      string
	MountRoot string // defaults to /<Name>
	Topology  Topology
	Disks     []string // device paths
}

// Dataset is one fixed child dataset of the pool.
type Dataset struct {
	Name    string
	Content string // host storage-layer content type
	Kind    string // zfspool or dir registration
}

// datasets is the fixed layout every pool gets.
var datasets = []Dataset{
	{Name: "vm-disks", Content: "images", Kind: "zfspool"},
	{Name: "templates", Content: "vztmpl", Kind: "dir"},
	{Name: "iso", Content: "iso", Kind: "dir"},
	{Name: "backups", Content: "backup", Kind: "dir"},
}

// createProperties are applied at pool creation: 4K alignment, transparent
// compression, xattrs in inodes, and relaxed atime.
var createProperties = []string{
	"-o", "ashift=12",
	"-O", "compression=on",
	"-O", "xattr=sa",
	"-O", "relatime=on",
}

type runFunc func(name string, args ...string) ([]byte, error)

func runCommand(name string, args ...string) ([]byte, error) {
	return exec.Command(name, args...).CombinedOutput()
}

type Provisioner struct {
	Logger *logrus.Logger

	run        runFunc
	lookPath   func(string) (string, error)
	mountsPath string
	statDevice func(string) error
}

func New(logger *logrus.Logger) *Provisioner {
	return &Provisioner{
		Logger:     logger,
		run:        runCommand,
		lookPath:   exec.LookPath,
		mountsPath: "/proc/mounts",
		statDevice: statBlockDevice,
	}
}

func statBlockDevice(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("disk %s not found: %w", path, err)
	}
	if info.Mode()&os.ModeDevice == 0 {
		return fmt.Errorf("%s is not a block device", path)
	}
	return nil
}

// Validate checks the disk set against the topology. Validation must pass
// before anything destructive happens; a failing disk count is a hard error,
// never a warning.
func (pr *Provisioner) Validate(spec Spec) error {
	if spec.Name == "" {
		return fmt.Errorf("pool name must not be empty")
	}
	if len(spec.Disks) == 0 {
		return fmt.Errorf("no disks given")
	}

	for _, disk := range spec.Disks {
		if err := pr.statDevice(disk); err != nil {
			return err
		}
		mounted, err := pr.isMounted(disk)
		if err != nil {
			return err
		}
		if mounted {
			return fmt.Errorf("disk %s is mounted; unmount it first", disk)
		}
	}

	min := spec.Topology.MinDisks()
	if len(spec.Disks) < min {
		return fmt.Errorf("topology %s requires at least %d disks, got %d",
			spec.Topology, min, len(spec.Disks))
	}
	if spec.Topology == Single && len(spec.Disks) > 1 {
		// Refuse instead of silently using the first disk: extra disks
		// passed to a non-redundant pool are almost always a typo.
		return fmt.Errorf("topology single takes exactly 1 disk, got %d", len(spec.Disks))
	}
	return nil
}

func (pr *Provisioner) isMounted(disk string) (bool, error) {
	mounts, err := os.ReadFile(pr.mountsPath)
	if err != nil {
		return false, fmt.Errorf("reading mount table: %w", err)
	}
	for _, line := range strings.Split(string(mounts), "\n") {
		fields := strings.Fields(line)
		if len(fields) > 0 && mountEntryCovers(fields[0], disk) {
			return true, nil
		}
	}
	return false, nil
}

// mountEntryCovers reports whether a mount table source is disk itself or
// one of its partitions. A bare prefix test is not enough: /dev/sdaa is a
// different disk, not a partition of /dev/sda.
func mountEntryCovers(entry, disk string) bool {
	if !strings.HasPrefix(entry, disk) {
		return false
	}
	rest := entry[len(disk):]
	if rest == "" {
		return true
	}
	// partition suffixes are "1" (sda1) or "p1" (nvme0n1p1)
	rest = strings.TrimPrefix(rest, "p")
	return len(rest) > 0 && rest[0] >= '0' && rest[0] <= '9'
}

// Setup validates, confirms, wipes the disks, creates the pool and its
// dataset layout, and registers the datasets. in/out carry the interactive
// confirmation gate.
func (pr *Provisioner) Setup(spec Spec, in io.Reader, out io.Writer) error {
	if err := pr.Validate(spec); err != nil {
		return err
	}

	fmt.Fprintf(out, "Pool %s (%s) will be created on: %s\n",
		spec.Name, spec.Topology, strings.Join(spec.Disks, ", "))
	fmt.Fprintf(out, "ALL DATA on these disks will be destroyed.\n")
	fmt.Fprintf(out, "Type %s to continue: ", blockdev.ConfirmToken)
	if err := readConfirmation(in); err != nil {
		return err
	}

	for _, disk := range spec.Disks {
		if err := pr.wipeDisk(disk); err != nil {
			return err
		}
	}
	if err := pr.createPool(spec); err != nil {
		return err
	}
	if err := pr.createDatasets(spec); err != nil {
		return err
	}
	return pr.registerDatasets(spec, out)
}

func readConfirmation(in io.Reader) error {
	var token string
	if _, err := fmt.Fscanln(in, &token); err != nil {
		return blockdev.ErrAborted
	}
	if token != blockdev.ConfirmToken {
		return blockdev.ErrAborted
	}
	return nil
}

// wipeDisk clears filesystem signatures, the partition table, and any stale
// pool label left by a previous pool.
func (pr *Provisioner) wipeDisk(disk string) error {
	pr.Logger.Infof("wiping %s", disk)
	if out, err := pr.run("wipefs", "--all", disk); err != nil {
		return fmt.Errorf("wipefs %s: %w (%s)", disk, err, out)
	}
	if out, err := pr.run("sgdisk", "--zap-all", disk); err != nil {
		return fmt.Errorf("sgdisk --zap-all %s: %w (%s)", disk, err, out)
	}
	// labelclear fails when there is no label; that is the desired state
	if out, err := pr.run("zpool", "labelclear", "-f", disk); err != nil {
		pr.Logger.Debugf("zpool labelclear %s: %v (%s)", disk, err, out)
	}
	return nil
}

func (pr *Provisioner) createPool(spec Spec) error {
	mountRoot := spec.MountRoot
	if mountRoot == "" {
		mountRoot = "/" + spec.Name
	}

	args := []string{"create", "-f"}
	args = append(args, createProperties...)
	args = append(args, "-m", mountRoot, spec.Name)
	args = append(args, spec.Topology.vdevArgs(spec.Disks)...)

	pr.Logger.Infof("creating pool %s (%s)", spec.Name, spec.Topology)
	if out, err := pr.run("zpool", args...); err != nil {
		return fmt.Errorf("zpool create %s: %w (%s)", spec.Name, err, out)
	}
	return nil
}

func (pr *Provisioner) createDatasets(spec Spec) error {
	mountRoot := spec.MountRoot
	if mountRoot == "" {
		mountRoot = "/" + spec.Name
	}
	for _, ds := range datasets {
		full := spec.Name + "/" + ds.Name
		mountpoint := mountRoot + "/" + ds.Name
		pr.Logger.Infof("creating dataset %s", full)
		if out, err := pr.run("zfs", "create", "-o", "mountpoint="+mountpoint, full); err != nil {
			return fmt.Errorf("zfs create %s: %w (%s)", full, err, out)
		}
	}
	return nil
}

// registerDatasets adds each dataset as typed storage when the host storage
// CLI is available; otherwise it prints the exact commands for later use.
func (pr *Provisioner) registerDatasets(spec Spec, out io.Writer) error {
	mountRoot := spec.MountRoot
	if mountRoot == "" {
		mountRoot = "/" + spec.Name
	}

	_, err := pr.lookPath("pvesm")
	present := err == nil
	if !present {
		fmt.Fprintln(out, "host storage layer not detected; register manually with:")
	}

	for _, ds := range datasets {
		storageID := spec.Name + "-" + ds.Name
		var args []string
		switch ds.Kind {
		case "zfspool":
			args = []string{"add", "zfspool", storageID,
				"--pool", spec.Name + "/" + ds.Name, "--content", ds.Content}
		case "dir":
			args = []string{"add", "dir", storageID,
				"--path", mountRoot + "/" + ds.Name, "--content", ds.Content}
		}

		if !present {
			fmt.Fprintf(out, "  pvesm %s\n", strings.Join(args, " "))
			continue
		}
		if cmdOut, err := pr.run("pvesm", args...); err != nil {
			return fmt.Errorf("registering storage %s: %w (%s)", storageID, err, cmdOut)
		}
		pr.Logger.Infof("registered storage %s (%s)", storageID, ds.Content)
	}
	return nil
}
