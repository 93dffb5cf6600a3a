//go:build !linux

package blockdev

import (
	"fmt"
	"runtime"
)

func RefreshCapacity(device *Device) error {
	return fmt.Errorf("block device access not supported on %s", runtime.GOOS)
}

func RescanPartitions(path string) error {
	return fmt.Errorf("block device access not supported on %s", runtime.GOOS)
}
