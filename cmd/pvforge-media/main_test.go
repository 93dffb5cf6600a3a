package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pvforge/pvforge/internal/answer"
)

func TestTargetDisksNormalization(t *testing.T) {
	defer func() { disksFlag = "" }()

	disksFlag = "/dev/sda, sdb,"
	assert.Equal(t, []string{"sda", "sdb"}, targetDisks())

	disksFlag = " , "
	assert.Empty(t, targetDisks())
}

func TestCleanupWipesEveryTargetDisk(t *testing.T) {
	defer func() {
		disksFlag, filesystemFlag, zfsRaidFlag = "", "ext4", "raid1"
		hostnameFlag, rootPasswordFlag = "", ""
	}()

	disksFlag = "sda,sdb"
	filesystemFlag = "zfs"
	hostnameFlag = "node1"
	rootPasswordFlag = "secret"

	cfg := answer.Build(identity(), network(), storage(), true)
	require.Equal(t, []string{"sda", "sdb"}, cfg.DiskSetup.DiskList)
	require.NotNil(t, cfg.DiskSetup.ZFS)

	wipes := 0
	firstDownload := -1
	for i, c := range cfg.PostInstall.Commands {
		switch {
		case c == "wipefs --all /dev/sda" || c == "wipefs --all /dev/sdb":
			wipes++
			assert.Equal(t, -1, firstDownload, "wipe directive after the setup download")
		case firstDownload == -1 && len(c) > 4 && c[:4] == "curl":
			firstDownload = i
		}
	}
	assert.Equal(t, 2, wipes)
	assert.NotEqual(t, -1, firstDownload)
}
