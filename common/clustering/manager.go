package clustering

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/couchbase/stellar-stream/common/clusterpaths"
	"github.com/couchbase/stellar-stream/common/topology"
	"github.com/couchbase/stellar-stream/contrib/coordkv"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrNoFreePartition  = errors.New("no free partition available")
	ErrPartitionClaimed = errors.New("partition already claimed")
	ErrUnknownPartition = errors.New("partition does not exist in cluster")
	ErrAlreadyLeft      = errors.New("membership already left")
)

type Manager struct {
	Store  coordkv.Store
	Paths  clusterpaths.Paths
	Logger *zap.Logger
}

func (m *Manager) logger() *zap.Logger {
	if m.Logger == nil {
		return zap.NewNop()
	}
	return m.Logger
}

// CreateCluster makes sure partitionCount task keys exist.  Existing tasks are
// left untouched so the call may safely be repeated.
func (m *Manager) CreateCluster(ctx context.Context, partitionCount int) error {
	if partitionCount <= 0 {
		return fmt.Errorf("invalid partition count %d", partitionCount)
	}

	for partition := 0; partition < partitionCount; partition++ {
		err := m.Store.Create(ctx, m.Paths.TaskKey(partition), nil)
		if err != nil && !errors.Is(err, coordkv.ErrKeyExists) {
			return fmt.Errorf("failed to create task %d: %w", partition, err)
		}
	}

	return nil
}

type JoinOptions struct {
	NodeID        string
	AdvertiseAddr string
	AdvertisePort int

	// Partition requests a specific partition, -1 claims the first free one.
	Partition int
}

// Join claims a partition for this process by creating an ephemeral process
// entry owned by session.  The claim disappears with the session.
func (m *Manager) Join(ctx context.Context, session coordkv.Session, opts *JoinOptions) (*Membership, error) {
	nodeID := opts.NodeID
	if nodeID == "" {
		nodeID = uuid.NewString()
	}

	tasks, err := m.Store.List(ctx, m.Paths.TasksPrefix())
	if err != nil {
		return nil, err
	}

	var candidates []int
	for _, entry := range tasks.Entries {
		partition, err := clusterpaths.PartitionFromKey(entry.Key)
		if err != nil {
			m.logger().Warn("ignoring malformed task key", zap.String("key", entry.Key))
			continue
		}

		if opts.Partition >= 0 && partition != opts.Partition {
			continue
		}
		candidates = append(candidates, partition)
	}

	sort.Ints(candidates)

	if opts.Partition >= 0 && len(candidates) == 0 {
		return nil, ErrUnknownPartition
	}

	for _, partition := range candidates {
		node := topology.Node{
			PartitionID: partition,
			HostAddress: opts.AdvertiseAddr,
			Port:        opts.AdvertisePort,
			NodeID:      nodeID,
		}

		nodeBytes, err := json.Marshal(node)
		if err != nil {
			return nil, err
		}

		err = session.Create(ctx, m.Paths.ProcessKey(partition), nodeBytes)
		if errors.Is(err, coordkv.ErrKeyExists) {
			continue
		} else if err != nil {
			return nil, err
		}

		claim, err := m.Store.Get(ctx, m.Paths.ProcessKey(partition))
		if err != nil {
			return nil, fmt.Errorf("failed to read back partition %d claim: %w", partition, err)
		}

		m.logger().Info("joined cluster",
			zap.String("cluster", m.Paths.Cluster),
			zap.String("nodeId", nodeID),
			zap.Int("partition", partition))

		return &Membership{
			store:          m.Store,
			key:            m.Paths.ProcessKey(partition),
			createRevision: claim.CreateRevision,
			logger:         m.logger(),
			Node:           node,
		}, nil
	}

	if opts.Partition >= 0 {
		return nil, ErrPartitionClaimed
	}
	return nil, ErrNoFreePartition
}

type Membership struct {
	store          coordkv.Store
	key            string
	createRevision int64
	logger         *zap.Logger
	left           bool

	Node topology.Node
}

// Leave releases the claimed partition.  Closing the owning session has the
// same effect.  A claim that has already been lost, and possibly taken over
// by another node, is left alone.
func (m *Membership) Leave(ctx context.Context) error {
	if m.left {
		return ErrAlreadyLeft
	}

	deleted, err := m.store.DeleteIfCreated(ctx, m.key, m.createRevision)
	if err != nil {
		return err
	}
	if !deleted {
		m.logger.Debug("partition claim already released",
			zap.String("key", m.key))
	}

	m.left = true
	return nil
}
