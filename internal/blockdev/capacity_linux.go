//go:build linux

package blockdev

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// RefreshCapacity re-queries the device size from the kernel. Enumeration
// snapshots go stale when devices are replugged, so destructive callers must
// not trust the Size captured earlier.
func RefreshCapacity(device *Device) error {
	f, err := os.Open(device.Path)
	if err != nil {
		return fmt.Errorf("opening %s: %w", device.Path, err)
	}
	defer f.Close()

	size, err := unix.IoctlGetInt(int(f.Fd()), unix.BLKGETSIZE64)
	if err != nil {
		return fmt.Errorf("querying size of %s: %w", device.Path, err)
	}
	device.Size = uint64(size)
	return nil
}

// RescanPartitions asks the kernel to re-read the partition table, so that
// partitions written by the installer image become visible.
func RescanPartitions(path string) error {
	f, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	if _, err := unix.IoctlRetInt(int(f.Fd()), unix.BLKRRPART); err != nil {
		return fmt.Errorf("rescanning partitions on %s: %w", path, err)
	}
	return nil
}
