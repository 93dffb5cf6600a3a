package answer

import (
	"fmt"
	"io"
	"strings"

	"github.com/coreos/go-systemd/v22/unit"
)

// MarkerPath is the file whose existence tells the one-shot unit that the
// first-boot run already completed. The unit writes it; the provisioner
// itself never does.
const MarkerPath = "/var/lib/pvforge/firstboot-done"

// ServiceUnit is a typed one-shot systemd unit definition. It is rendered
// through the systemd unit serializer rather than assembled from strings.
type ServiceUnit struct {
	Name        string
	Description string
	After       string
	Wants       string
	// ConditionAbsent guards the unit on the absence of this path.
	ConditionAbsent string
	ExecStart       string
	// ExecStartPost runs in order after a successful start; the unit uses
	// it to write the completion marker and disable itself.
	ExecStartPost []string
	WantedBy      string
}

// FirstBootUnit returns the supervisor definition for the first-boot
// provisioner: runs once after the network is up, marks itself done, and
// never runs again.
func FirstBootUnit() ServiceUnit {
	return ServiceUnit{
		Name:            "pvforge-firstboot.service",
		Description:     "PVForge first-boot provisioning",
		After:           "network-online.target",
		Wants:           "network-online.target",
		ConditionAbsent: MarkerPath,
		ExecStart:       FirstBootBinaryPath + " --auto",
		ExecStartPost: []string{
			"/usr/bin/mkdir -p /var/lib/pvforge",
			"/usr/bin/touch " + MarkerPath,
			"/usr/bin/systemctl disable pvforge-firstboot.service",
		},
		WantedBy: "multi-user.target",
	}
}

// Path returns where the unit file lives on the installed system.
func (u ServiceUnit) Path() string {
	return "/etc/systemd/system/" + u.Name
}

// Options returns the unit as serializer options, in file order.
func (u ServiceUnit) Options() []*unit.UnitOption {
	opts := []*unit.UnitOption{
		unit.NewUnitOption("Unit", "Description", u.Description),
		unit.NewUnitOption("Unit", "After", u.After),
		unit.NewUnitOption("Unit", "Wants", u.Wants),
		unit.NewUnitOption("Unit", "ConditionPathExists", "!"+u.ConditionAbsent),
		unit.NewUnitOption("Service", "Type", "oneshot"),
		unit.NewUnitOption("Service", "ExecStart", u.ExecStart),
	}
	for _, post := range u.ExecStartPost {
		opts = append(opts, unit.NewUnitOption("Service", "ExecStartPost", post))
	}
	opts = append(opts,
		unit.NewUnitOption("Service", "TimeoutStartSec", "0"),
		unit.NewUnitOption("Install", "WantedBy", u.WantedBy),
	)
	return opts
}

// Render serializes the unit to its on-disk text.
func (u ServiceUnit) Render() string {
	reader := unit.Serialize(u.Options())
	var b strings.Builder
	if _, err := io.Copy(&b, reader); err != nil {
		// Serialize reads from an in-memory buffer; this cannot fail.
		panic(fmt.Sprintf("serializing unit %s: %v", u.Name, err))
	}
	return b.String()
}
