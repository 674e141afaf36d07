package topology

import "fmt"

// Node identifies the process owning a partition at a point in time.
type Node struct {
	PartitionID int    `json:"partition"`
	HostAddress string `json:"host"`
	Port        int    `json:"port"`
	NodeID      string `json:"nodeId,omitempty"`
}

func (n Node) Address() string {
	return fmt.Sprintf("%s:%d", n.HostAddress, n.Port)
}

// Snapshot is an immutable view of the cluster membership.  It is always
// replaced as a whole and must never be modified once published.
type Snapshot struct {
	Version        int64
	Nodes          []Node
	PartitionCount int
}

func (s *Snapshot) NodeForPartition(partitionID int) (Node, bool) {
	for _, node := range s.Nodes {
		if node.PartitionID == partitionID {
			return node, true
		}
	}
	return Node{}, false
}
