package clustering

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/couchbase/stellar-stream/common/clusterpaths"
	"github.com/couchbase/stellar-stream/common/topology"
	"github.com/couchbase/stellar-stream/contrib/coordkv"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestManager(t *testing.T) (*Manager, *coordkv.InProcStore) {
	store := coordkv.NewInProcStore(coordkv.InProcStoreOptions{})
	t.Cleanup(func() { _ = store.Close() })

	return &Manager{
		Store:  store,
		Paths:  clusterpaths.New("", "cluster1"),
		Logger: zaptest.NewLogger(t),
	}, store
}

func TestCreateClusterIsRepeatable(t *testing.T) {
	ctx := context.Background()
	m, store := newTestManager(t)

	require.NoError(t, m.CreateCluster(ctx, 2))
	require.NoError(t, m.CreateCluster(ctx, 3))
	require.Error(t, m.CreateCluster(ctx, 0))

	listing, err := store.List(ctx, m.Paths.TasksPrefix())
	require.NoError(t, err)
	require.Len(t, listing.Entries, 3)
}

func TestJoinClaimsFreePartitions(t *testing.T) {
	ctx := context.Background()
	m, store := newTestManager(t)
	require.NoError(t, m.CreateCluster(ctx, 2))

	sessA, err := store.NewSession(ctx, 5*time.Second)
	require.NoError(t, err)
	sessB, err := store.NewSession(ctx, 5*time.Second)
	require.NoError(t, err)
	sessC, err := store.NewSession(ctx, 5*time.Second)
	require.NoError(t, err)

	mbA, err := m.Join(ctx, sessA, &JoinOptions{NodeID: "A", AdvertiseAddr: "h", AdvertisePort: 1, Partition: -1})
	require.NoError(t, err)
	require.Equal(t, 0, mbA.Node.PartitionID)

	mbB, err := m.Join(ctx, sessB, &JoinOptions{AdvertiseAddr: "h", AdvertisePort: 2, Partition: -1})
	require.NoError(t, err)
	require.Equal(t, 1, mbB.Node.PartitionID)
	require.NotEmpty(t, mbB.Node.NodeID)

	_, err = m.Join(ctx, sessC, &JoinOptions{NodeID: "C", Partition: -1})
	require.ErrorIs(t, err, ErrNoFreePartition)

	_, err = m.Join(ctx, sessC, &JoinOptions{NodeID: "C", Partition: 0})
	require.ErrorIs(t, err, ErrPartitionClaimed)

	_, err = m.Join(ctx, sessC, &JoinOptions{NodeID: "C", Partition: 7})
	require.ErrorIs(t, err, ErrUnknownPartition)

	// the session expiring frees the partition for someone else
	store.ExpireSession(sessA)

	mbC, err := m.Join(ctx, sessC, &JoinOptions{NodeID: "C", Partition: -1})
	require.NoError(t, err)
	require.Equal(t, 0, mbC.Node.PartitionID)

	require.NoError(t, mbC.Leave(ctx))
	require.ErrorIs(t, mbC.Leave(ctx), ErrAlreadyLeft)
}

func TestLeaveKeepsClaimTakenOverByAnotherNode(t *testing.T) {
	ctx := context.Background()
	m, store := newTestManager(t)
	require.NoError(t, m.CreateCluster(ctx, 1))

	sessA, err := store.NewSession(ctx, 5*time.Second)
	require.NoError(t, err)
	sessB, err := store.NewSession(ctx, 5*time.Second)
	require.NoError(t, err)

	mbA, err := m.Join(ctx, sessA, &JoinOptions{NodeID: "A", AdvertiseAddr: "h", AdvertisePort: 1, Partition: 0})
	require.NoError(t, err)

	// A's lease runs out and B claims the partition before A gets to leave
	store.ExpireSession(sessA)
	_, err = m.Join(ctx, sessB, &JoinOptions{NodeID: "B", AdvertiseAddr: "h", AdvertisePort: 2, Partition: 0})
	require.NoError(t, err)

	require.NoError(t, mbA.Leave(ctx))

	entry, err := store.Get(ctx, m.Paths.ProcessKey(0))
	require.NoError(t, err)

	var owner topology.Node
	require.NoError(t, json.Unmarshal(entry.Value, &owner))
	require.Equal(t, "B", owner.NodeID)
}
