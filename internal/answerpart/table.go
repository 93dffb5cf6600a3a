package answerpart

import (
	"encoding/json"
	"fmt"
)

// PartitionTable is the post-imaging layout of the target device, as read
// back from the kernel. Only sizes matter here; the free tail of the device
// is what the answer partition is carved from.
type PartitionTable struct {
	Size       uint64 // size of the whole device in bytes
	Partitions []Partition
}

type Partition struct {
	Name string // kernel name, e.g. sdb2
	Size uint64
}

// FreeSpace computes the unallocated bytes as device capacity minus the sum
// of existing partition sizes. Inter-partition gaps are deliberately not
// counted; the answer partition is always appended at the end.
func (pt *PartitionTable) FreeSpace() uint64 {
	var used uint64
	for _, p := range pt.Partitions {
		used += p.Size
	}
	if used >= pt.Size {
		return 0
	}
	return pt.Size - used
}

type lsblkPartTree struct {
	Blockdevices []struct {
		Name     string `json:"name"`
		Size     uint64 `json:"size"`
		Children []struct {
			Name string `json:"name"`
			Size uint64 `json:"size"`
			Type string `json:"type"`
		} `json:"children,omitempty"`
	} `json:"blockdevices"`
}

func parsePartitionTable(lsblkJSON []byte) (*PartitionTable, error) {
	var tree lsblkPartTree
	if err := json.Unmarshal(lsblkJSON, &tree); err != nil {
		return nil, fmt.Errorf("parsing lsblk output: %w", err)
	}
	if len(tree.Blockdevices) == 0 {
		return nil, fmt.Errorf("lsblk returned no devices")
	}

	root := tree.Blockdevices[0]
	pt := &PartitionTable{Size: root.Size}
	for _, child := range root.Children {
		if child.Type != "part" {
			continue
		}
		pt.Partitions = append(pt.Partitions, Partition{Name: child.Name, Size: child.Size})
	}
	return pt, nil
}
