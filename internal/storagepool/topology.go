package storagepool

import (
	"fmt"
	"strings"
)

// Topology is the redundancy scheme for a pool. Each topology has a minimum
// disk count; there is no maximum.
type Topology int

const (
	Single Topology = iota
	Mirror
	RAIDZ1
	RAIDZ2
)

var topologyNames = []string{"single", "mirror", "raidz1", "raidz2"}

func (t Topology) String() string {
	if int(t) < 0 || int(t) >= len(topologyNames) {
		return "invalid"
	}
	return topologyNames[t]
}

// ParseTopology converts a CLI keyword into a Topology.
func ParseTopology(s string) (Topology, error) {
	for i, name := range topologyNames {
		if name == strings.ToLower(strings.TrimSpace(s)) {
			return Topology(i), nil
		}
	}
	return 0, fmt.Errorf("unknown redundancy topology %q (expected one of %s)",
		s, strings.Join(topologyNames, ", "))
}

// MinDisks returns the smallest disk set the topology can be built from.
func (t Topology) MinDisks() int {
	switch t {
	case Single:
		return 1
	case Mirror:
		return 2
	case RAIDZ1:
		return 3
	case RAIDZ2:
		return 4
	}
	return 0
}

// vdevArgs renders the zpool-create vdev specification.
func (t Topology) vdevArgs(disks []string) []string {
	switch t {
	case Mirror:
		return append([]string{"mirror"}, disks...)
	case RAIDZ1:
		return append([]string{"raidz"}, disks...)
	case RAIDZ2:
		return append([]string{"raidz2"}, disks...)
	}
	return disks
}
