package topology

import (
	"encoding/json"
	"sort"

	"github.com/couchbase/stellar-stream/contrib/coordkv"
	"go.uber.org/zap"
)

// ComputeSnapshot derives a snapshot from the cluster's task and process
// listings.  The partition count is the number of tasks, independently of
// how many of them are currently owned.  Should two process entries claim the
// same partition, the one created first wins so that a partition never maps
// to more than one node.
func ComputeSnapshot(tasks, processes *coordkv.Listing, logger *zap.Logger) *Snapshot {
	type claim struct {
		node           Node
		createRevision int64
	}
	claims := make(map[int]claim)

	for _, entry := range processes.Entries {
		var node Node
		err := json.Unmarshal(entry.Value, &node)
		if err != nil {
			// a broken entry only hides that process, it must not hide the others
			logger.Warn("skipping undecodable process entry",
				zap.String("key", entry.Key),
				zap.Error(err))
			continue
		}

		existing, ok := claims[node.PartitionID]
		if ok && existing.createRevision <= entry.CreateRevision {
			logger.Warn("ignoring duplicate partition owner",
				zap.Int("partition", node.PartitionID),
				zap.String("owner", existing.node.NodeID),
				zap.String("duplicate", node.NodeID))
			continue
		}

		claims[node.PartitionID] = claim{
			node:           node,
			createRevision: entry.CreateRevision,
		}
	}

	nodes := make([]Node, 0, len(claims))
	for _, c := range claims {
		nodes = append(nodes, c.node)
	}
	sort.Slice(nodes, func(i, j int) bool {
		return nodes[i].PartitionID < nodes[j].PartitionID
	})

	version := tasks.Revision
	if processes.Revision > version {
		version = processes.Revision
	}

	return &Snapshot{
		Version:        version,
		Nodes:          nodes,
		PartitionCount: len(tasks.Entries),
	}
}
