// Package blockdev enumerates removable block devices that are candidates
// for installer media and drives the destructive-action confirmation gate.
package blockdev

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

// Device describes one candidate target. Values are a snapshot taken at
// enumeration time; device numbering can shift, so capacity must be
// re-queried with RefreshCapacity immediately before any destructive use.
type Device struct {
	Name      string // kernel name, e.g. sdb
	Path      string // /dev/sdb
	Size      uint64 // bytes, as reported at enumeration time
	Model     string
	Transport string // bus classification, e.g. usb, sata, nvme
	Removable bool
	Mounted   bool
}

func (d Device) String() string {
	model := d.Model
	if model == "" {
		model = "unknown model"
	}
	return fmt.Sprintf("%s (%s, %d bytes, %s)", d.Path, model, d.Size, d.Transport)
}

// runFunc executes an external command and returns its stdout.
type runFunc func(name string, args ...string) ([]byte, error)

func runCommand(name string, args ...string) ([]byte, error) {
	return exec.Command(name, args...).Output()
}

// Enumerator lists removable devices using a ladder of detection
// strategies; the first strategy that yields candidates wins.
type Enumerator struct {
	run    runFunc
	sysfs  string
	logger *logrus.Logger
}

func NewEnumerator(logger *logrus.Logger) *Enumerator {
	return &Enumerator{run: runCommand, sysfs: "/sys/block", logger: logger}
}

// lsblk --bytes --json output. Size is numeric when --bytes is passed.
type lsblkTree struct {
	Blockdevices []lsblkDevice `json:"blockdevices"`
}

type lsblkDevice struct {
	Name       string        `json:"name"`
	KName      string        `json:"kname"`
	Path       string        `json:"path"`
	Size       uint64        `json:"size"`
	Type       string        `json:"type"`
	Tran       string        `json:"tran,omitempty"`
	Model      string        `json:"model,omitempty"`
	RM         bool          `json:"rm"`
	Mountpoint *string       `json:"mountpoint,omitempty"`
	Children   []lsblkDevice `json:"children,omitempty"`
}

// ListRemovable runs the detection ladder: transport attribute first, then
// sysfs bus hints, then removable-volume inference. Results are deduplicated
// by kernel name.
func (e *Enumerator) ListRemovable() ([]Device, error) {
	tree, err := e.lsblk()
	if err != nil {
		return nil, fmt.Errorf("enumerating block devices: %w", err)
	}

	candidates := byTransport(tree)
	if len(candidates) == 0 {
		e.logger.Debug("no usb-transport devices, trying sysfs bus hints")
		candidates = e.bySysfsBus(tree)
	}
	if len(candidates) == 0 {
		e.logger.Debug("no sysfs bus hints, falling back to removable flag")
		candidates = byRemovableFlag(tree)
	}
	return dedupe(candidates), nil
}

func (e *Enumerator) lsblk() (*lsblkTree, error) {
	out, err := e.run("lsblk", "--bytes", "--json",
		"-o", "NAME,KNAME,PATH,SIZE,TYPE,TRAN,MODEL,RM,MOUNTPOINT")
	if err != nil {
		return nil, err
	}
	var tree lsblkTree
	if err := json.Unmarshal(out, &tree); err != nil {
		return nil, fmt.Errorf("parsing lsblk output: %w", err)
	}
	return &tree, nil
}

// byTransport selects whole disks whose transport attribute marks a
// removable bus.
func byTransport(tree *lsblkTree) []Device {
	var devices []Device
	for _, raw := range tree.Blockdevices {
		if raw.Type != "disk" || raw.Tran != "usb" {
			continue
		}
		devices = append(devices, fromRaw(raw))
	}
	return devices
}

// bySysfsBus inspects /sys/block/<dev>/device/uevent for bus hints when
// lsblk reports no transport (older kernels, some adapters).
func (e *Enumerator) bySysfsBus(tree *lsblkTree) []Device {
	var devices []Device
	for _, raw := range tree.Blockdevices {
		if raw.Type != "disk" {
			continue
		}
		uevent, err := os.ReadFile(filepath.Join(e.sysfs, raw.KName, "device", "uevent"))
		if err != nil {
			continue
		}
		s := string(uevent)
		if strings.Contains(s, "DRIVER=sd") && strings.Contains(s, "usb") ||
			strings.Contains(s, "ID_BUS=usb") {
			devices = append(devices, fromRaw(raw))
		}
	}
	return devices
}

// byRemovableFlag walks volumes flagged removable back to their owning disk.
func byRemovableFlag(tree *lsblkTree) []Device {
	var devices []Device
	for _, raw := range tree.Blockdevices {
		if raw.Type != "disk" {
			continue
		}
		if raw.RM {
			devices = append(devices, fromRaw(raw))
			continue
		}
		for _, child := range raw.Children {
			if child.RM {
				devices = append(devices, fromRaw(raw))
				break
			}
		}
	}
	return devices
}

func fromRaw(raw lsblkDevice) Device {
	mounted := raw.Mountpoint != nil && *raw.Mountpoint != ""
	for _, child := range raw.Children {
		if child.Mountpoint != nil && *child.Mountpoint != "" {
			mounted = true
		}
	}
	path := raw.Path
	if path == "" {
		path = "/dev/" + raw.KName
	}
	return Device{
		Name:      raw.KName,
		Path:      path,
		Size:      raw.Size,
		Model:     strings.TrimSpace(raw.Model),
		Transport: raw.Tran,
		Removable: raw.RM,
		Mounted:   mounted,
	}
}

func dedupe(devices []Device) []Device {
	seen := make(map[string]bool, len(devices))
	var out []Device
	for _, d := range devices {
		if seen[d.Name] {
			continue
		}
		seen[d.Name] = true
		out = append(out, d)
	}
	return out
}
