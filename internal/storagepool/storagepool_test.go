package storagepool

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pvforge/pvforge/internal/blockdev"
)

func newTestProvisioner(t *testing.T) (*Provisioner, *[][]string) {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(&bytes.Buffer{})

	mounts := filepath.Join(t.TempDir(), "mounts")
	require.NoError(t, os.WriteFile(mounts,
		[]byte("/dev/sda1 / ext4 rw 0 0\nproc /proc proc rw 0 0\n"), 0o644))

	var calls [][]string
	pr := New(logger)
	pr.mountsPath = mounts
	pr.statDevice = func(string) error { return nil }
	pr.lookPath = func(string) (string, error) { return "", errors.New("not found") }
	pr.run = func(name string, args ...string) ([]byte, error) {
		calls = append(calls, append([]string{name}, args...))
		return nil, nil
	}
	return pr, &calls
}

func TestParseTopology(t *testing.T) {
	for keyword, want := range map[string]Topology{
		"single": Single, "mirror": Mirror, "raidz1": RAIDZ1, "raidz2": RAIDZ2,
		" Mirror ": Mirror,
	} {
		got, err := ParseTopology(keyword)
		require.NoError(t, err, keyword)
		assert.Equal(t, want, got)
	}

	_, err := ParseTopology("raid5")
	assert.Error(t, err)
}

func TestValidateDiskCountGrid(t *testing.T) {
	disks := func(n int) []string {
		var out []string
		for i := 0; i < n; i++ {
			out = append(out, fmt.Sprintf("/dev/sd%c", 'b'+i))
		}
		return out
	}

	for _, tc := range []struct {
		topology Topology
		count    int
		ok       bool
	}{
		{Single, 1, true},
		{Single, 2, false}, // extra disks are refused, not silently dropped
		{Mirror, 1, false},
		{Mirror, 2, true},
		{Mirror, 5, true},
		{RAIDZ1, 2, false},
		{RAIDZ1, 3, true},
		{RAIDZ2, 3, false},
		{RAIDZ2, 4, true},
	} {
		t.Run(fmt.Sprintf("%s-%d", tc.topology, tc.count), func(t *testing.T) {
			pr, _ := newTestProvisioner(t)
			err := pr.Validate(Spec{Name: "tank", Topology: tc.topology, Disks: disks(tc.count)})
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestValidateMirrorErrorNamesMinimum(t *testing.T) {
	pr, _ := newTestProvisioner(t)
	err := pr.Validate(Spec{Name: "tank", Topology: Mirror, Disks: []string{"/dev/sdb"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mirror")
	assert.Contains(t, err.Error(), "2")
}

func TestValidateRejectsMissingDisk(t *testing.T) {
	pr, _ := newTestProvisioner(t)
	pr.statDevice = func(path string) error {
		return fmt.Errorf("disk %s not found", path)
	}
	err := pr.Validate(Spec{Name: "tank", Topology: Single, Disks: []string{"/dev/sdz"}})
	assert.ErrorContains(t, err, "not found")
}

func TestValidateRejectsMountedDisk(t *testing.T) {
	pr, _ := newTestProvisioner(t)
	err := pr.Validate(Spec{Name: "tank", Topology: Single, Disks: []string{"/dev/sda"}})
	assert.ErrorContains(t, err, "mounted")
}

func TestMountEntryCovers(t *testing.T) {
	for _, tc := range []struct {
		entry, disk string
		want        bool
	}{
		{"/dev/sda", "/dev/sda", true},
		{"/dev/sda1", "/dev/sda", true},
		{"/dev/nvme0n1p2", "/dev/nvme0n1", true},
		{"/dev/sdaa", "/dev/sda", false},
		{"/dev/sdaa1", "/dev/sda", false},
		{"/dev/sdb", "/dev/sda", false},
		{"proc", "/dev/sda", false},
	} {
		assert.Equal(t, tc.want, mountEntryCovers(tc.entry, tc.disk),
			"%s vs %s", tc.entry, tc.disk)
	}
}

func TestValidateAcceptsDiskShadowedByLongerName(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(&bytes.Buffer{})

	mounts := filepath.Join(t.TempDir(), "mounts")
	require.NoError(t, os.WriteFile(mounts,
		[]byte("/dev/sdaa1 /data ext4 rw 0 0\n"), 0o644))

	pr := New(logger)
	pr.mountsPath = mounts
	pr.statDevice = func(string) error { return nil }

	err := pr.Validate(Spec{Name: "tank", Topology: Single, Disks: []string{"/dev/sda"}})
	assert.NoError(t, err)
}

func TestSetupWipesCreatesAndLaysOutDatasets(t *testing.T) {
	pr, calls := newTestProvisioner(t)
	var out bytes.Buffer

	spec := Spec{Name: "tank", Topology: Mirror, Disks: []string{"/dev/sdb", "/dev/sdc"}}
	err := pr.Setup(spec, strings.NewReader("ERASE\n"), &out)
	require.NoError(t, err)

	var flat []string
	for _, c := range *calls {
		flat = append(flat, strings.Join(c, " "))
	}
	joined := strings.Join(flat, "\n")

	// wipe sequence per disk
	assert.Contains(t, joined, "wipefs --all /dev/sdb")
	assert.Contains(t, joined, "sgdisk --zap-all /dev/sdb")
	assert.Contains(t, joined, "zpool labelclear -f /dev/sdc")

	// pool creation with fixed properties and mirror vdev
	assert.Contains(t, joined, "zpool create -f -o ashift=12 -O compression=on -O xattr=sa -O relatime=on -m /tank tank mirror /dev/sdb /dev/sdc")

	// fixed dataset layout with explicit mountpoints
	for _, ds := range []string{"vm-disks", "templates", "iso", "backups"} {
		assert.Contains(t, joined, "zfs create -o mountpoint=/tank/"+ds+" tank/"+ds)
	}

	// storage layer absent: commands printed, not executed
	assert.NotContains(t, joined, "pvesm")
	assert.Contains(t, out.String(), "pvesm add zfspool tank-vm-disks --pool tank/vm-disks --content images")
	assert.Contains(t, out.String(), "pvesm add dir tank-backups --path /tank/backups --content backup")
}

func TestSetupRegistersWhenStorageLayerPresent(t *testing.T) {
	pr, calls := newTestProvisioner(t)
	pr.lookPath = func(string) (string, error) { return "/usr/sbin/pvesm", nil }

	var out bytes.Buffer
	spec := Spec{Name: "tank", Topology: Single, Disks: []string{"/dev/sdb"}}
	require.NoError(t, pr.Setup(spec, strings.NewReader("ERASE\n"), &out))

	var pvesmCalls int
	for _, c := range *calls {
		if c[0] == "pvesm" {
			pvesmCalls++
		}
	}
	assert.Equal(t, 4, pvesmCalls)
}

func TestSetupConfirmationGate(t *testing.T) {
	for _, input := range []string{"no\n", "erase\n", "\n", ""} {
		pr, calls := newTestProvisioner(t)
		var out bytes.Buffer
		spec := Spec{Name: "tank", Topology: Single, Disks: []string{"/dev/sdb"}}
		err := pr.Setup(spec, strings.NewReader(input), &out)
		assert.ErrorIs(t, err, blockdev.ErrAborted, "input %q", input)
		assert.Empty(t, *calls, "nothing may run after a declined confirmation")
	}
}

func TestSetupValidationFailureRunsNothing(t *testing.T) {
	pr, calls := newTestProvisioner(t)
	var out bytes.Buffer
	spec := Spec{Name: "tank", Topology: Mirror, Disks: []string{"/dev/sdb"}}
	err := pr.Setup(spec, strings.NewReader("ERASE\n"), &out)
	require.Error(t, err)
	assert.Empty(t, *calls)
}

func TestVdevArgs(t *testing.T) {
	assert.Equal(t, []string{"/dev/sdb"}, Single.vdevArgs([]string{"/dev/sdb"}))
	assert.Equal(t, []string{"mirror", "a", "b"}, Mirror.vdevArgs([]string{"a", "b"}))
	assert.Equal(t, []string{"raidz", "a", "b", "c"}, RAIDZ1.vdevArgs([]string{"a", "b", "c"}))
	assert.Equal(t, []string{"raidz2", "a", "b", "c", "d"}, RAIDZ2.vdevArgs([]string{"a", "b", "c", "d"}))
}
