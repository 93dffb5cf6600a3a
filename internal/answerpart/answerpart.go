// Package answerpart places the rendered answer artifact where the
// unattended installer finds it: a small vfat partition with a fixed label,
// appended to the freshly imaged media. When the media has no room or the
// partition tooling fails, the artifact is written to a local side-channel
// path instead and the run reports degraded success; an administrator can
// still apply it manually.
package answerpart

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/pvforge/pvforge/internal/blockdev"
)

// MinFreeSpace is the smallest tail of unallocated space worth partitioning.
const MinFreeSpace = 10 << 20 // 10 MiB

// VolumeLabel is the label the unattended installer searches for.
const VolumeLabel = "PVFORGE-ANSWER"

// DefaultSidePath receives the artifact when partition creation degrades.
const DefaultSidePath = "/var/lib/pvforge/answer.toml"

// ArtifactName is the filename inside the answer partition.
const ArtifactName = "answer.toml"

// Result reports where the artifact ended up.
type Result struct {
	PartitionPath string // set when the partition path was taken
	SidePath      string // set when the side-channel fallback was taken
	Fallback      bool
}

type runFunc func(name string, args ...string) ([]byte, error)

func runCommand(name string, args ...string) ([]byte, error) {
	return exec.Command(name, args...).CombinedOutput()
}

type Provisioner struct {
	Logger   *logrus.Logger
	SidePath string

	run    runFunc
	rescan func(path string) error
}

func New(logger *logrus.Logger) *Provisioner {
	return &Provisioner{
		Logger:   logger,
		SidePath: DefaultSidePath,
		run:      runCommand,
		rescan:   blockdev.RescanPartitions,
	}
}

// Provision writes the rendered artifact to the device's answer partition,
// or to the side channel when that cannot work. It only returns an error
// when even the fallback write fails.
func (pr *Provisioner) Provision(device blockdev.Device, rendered []byte) (Result, error) {
	free, err := pr.freeSpace(device)
	if err != nil {
		pr.Logger.Warnf("cannot inspect partition table on %s: %v", device.Path, err)
		return pr.fallback(rendered)
	}
	if free < MinFreeSpace {
		pr.Logger.Warnf("only %d bytes free on %s (need %d), using side channel",
			free, device.Path, uint64(MinFreeSpace))
		return pr.fallback(rendered)
	}

	partPath, err := pr.createPartition(device)
	if err != nil {
		pr.Logger.Warnf("answer partition creation failed: %v", err)
		return pr.fallback(rendered)
	}
	if err := pr.copyArtifact(partPath, rendered); err != nil {
		pr.Logger.Warnf("copying answer artifact to %s failed: %v", partPath, err)
		return pr.fallback(rendered)
	}

	pr.Logger.Infof("answer artifact placed on %s (label %s)", partPath, VolumeLabel)
	return Result{PartitionPath: partPath}, nil
}

// freeSpace rescans the partition table and computes the unallocated tail.
func (pr *Provisioner) freeSpace(device blockdev.Device) (uint64, error) {
	if err := pr.rescan(device.Path); err != nil {
		pr.Logger.Debugf("partition rescan: %v", err)
	}
	out, err := pr.run("lsblk", "--bytes", "--json", "-o", "NAME,SIZE,TYPE", device.Path)
	if err != nil {
		return 0, fmt.Errorf("listing partitions on %s: %w", device.Path, err)
	}
	table, err := parsePartitionTable(out)
	if err != nil {
		return 0, err
	}
	return table.FreeSpace(), nil
}

// createPartition appends a partition filling the free tail and formats it.
func (pr *Provisioner) createPartition(device blockdev.Device) (string, error) {
	out, err := pr.run("sgdisk", "--new=0:0:0", "--typecode=0:0700",
		"--change-name=0:"+VolumeLabel, device.Path)
	if err != nil {
		return "", fmt.Errorf("sgdisk: %w (%s)", err, out)
	}
	if err := pr.rescan(device.Path); err != nil {
		pr.Logger.Debugf("partition rescan: %v", err)
	}

	partPath, err := pr.newestPartition(device)
	if err != nil {
		return "", err
	}
	if out, err := pr.run("mkfs.vfat", "-n", VolumeLabel, partPath); err != nil {
		return "", fmt.Errorf("mkfs.vfat %s: %w (%s)", partPath, err, out)
	}
	return partPath, nil
}

// newestPartition returns the node of the highest-numbered partition.
func (pr *Provisioner) newestPartition(device blockdev.Device) (string, error) {
	out, err := pr.run("lsblk", "--bytes", "--json", "-o", "NAME,SIZE,TYPE", device.Path)
	if err != nil {
		return "", fmt.Errorf("listing partitions on %s: %w", device.Path, err)
	}
	table, err := parsePartitionTable(out)
	if err != nil {
		return "", err
	}
	if len(table.Partitions) == 0 {
		return "", fmt.Errorf("no partitions visible on %s after creation", device.Path)
	}
	last := table.Partitions[len(table.Partitions)-1]
	return "/dev/" + last.Name, nil
}

func (pr *Provisioner) copyArtifact(partPath string, rendered []byte) error {
	mountDir, err := os.MkdirTemp("", "pvforge-answer-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(mountDir)

	if out, err := pr.run("mount", partPath, mountDir); err != nil {
		return fmt.Errorf("mounting %s: %w (%s)", partPath, err, out)
	}
	defer func() {
		if out, err := pr.run("umount", mountDir); err != nil {
			pr.Logger.Warnf("unmounting %s: %v (%s)", mountDir, err, out)
		}
	}()

	return os.WriteFile(filepath.Join(mountDir, ArtifactName), rendered, 0o644)
}

// fallback writes the artifact to the local side channel. This is degraded
// success, not failure: media creation must not abort over it.
func (pr *Provisioner) fallback(rendered []byte) (Result, error) {
	if err := os.MkdirAll(filepath.Dir(pr.SidePath), 0o755); err != nil {
		return Result{}, fmt.Errorf("creating side-channel directory: %w", err)
	}
	if err := os.WriteFile(pr.SidePath, rendered, 0o644); err != nil {
		return Result{}, fmt.Errorf("writing side-channel artifact: %w", err)
	}
	pr.Logger.Infof("answer artifact written to %s; apply it manually", pr.SidePath)
	return Result{SidePath: pr.SidePath, Fallback: true}, nil
}
