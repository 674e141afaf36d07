package topology

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/couchbase/stellar-stream/common/clusterpaths"
	"github.com/couchbase/stellar-stream/contrib/coordkv"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func mustNodeJSON(t *testing.T, node Node) []byte {
	data, err := json.Marshal(node)
	require.NoError(t, err)
	return data
}

func TestComputeSnapshot(t *testing.T) {
	tasks := &coordkv.Listing{
		Revision: 4,
		Entries: []*coordkv.Entry{
			{Key: "/t/0"}, {Key: "/t/1"}, {Key: "/t/2"},
		},
	}
	procs := &coordkv.Listing{
		Revision: 9,
		Entries: []*coordkv.Entry{
			{Key: "/p/1", CreateRevision: 7, Value: mustNodeJSON(t, Node{PartitionID: 1, HostAddress: "b", Port: 2, NodeID: "B"})},
			{Key: "/p/0", CreateRevision: 5, Value: mustNodeJSON(t, Node{PartitionID: 0, HostAddress: "a", Port: 1, NodeID: "A"})},
			{Key: "/p/x", CreateRevision: 8, Value: mustNodeJSON(t, Node{PartitionID: 0, HostAddress: "z", Port: 9, NodeID: "Z"})},
			{Key: "/p/bad", CreateRevision: 6, Value: []byte("{")},
		},
	}

	snap := ComputeSnapshot(tasks, procs, zaptest.NewLogger(t))
	require.Equal(t, int64(9), snap.Version)
	require.Equal(t, 3, snap.PartitionCount)
	require.Len(t, snap.Nodes, 2)
	require.Equal(t, "A", snap.Nodes[0].NodeID)
	require.Equal(t, "B", snap.Nodes[1].NodeID)

	_, ok := snap.NodeForPartition(2)
	require.False(t, ok)

	node, ok := snap.NodeForPartition(1)
	require.True(t, ok)
	require.Equal(t, "b:2", node.Address())
}

func TestStaticProviderNotifies(t *testing.T) {
	p := NewStaticProvider(nil)
	require.Equal(t, 0, p.Current().PartitionCount)

	var calls atomic.Int32
	sub := p.Subscribe(func() { calls.Add(1) })

	p.Update(&Snapshot{Version: 1, PartitionCount: 2})
	require.Equal(t, int32(1), calls.Load())
	require.Equal(t, 2, p.Current().PartitionCount)

	sub.Unsubscribe()
	p.Update(&Snapshot{Version: 2, PartitionCount: 3})
	require.Equal(t, int32(1), calls.Load())
}

func TestWatcherFollowsMembership(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store := coordkv.NewInProcStore(coordkv.InProcStoreOptions{})
	defer store.Close()
	paths := clusterpaths.New("", "cluster1")

	for i := 0; i < 3; i++ {
		require.NoError(t, store.Create(ctx, paths.TaskKey(i), nil))
	}
	require.NoError(t, store.Create(ctx, paths.ProcessKey(0),
		mustNodeJSON(t, Node{PartitionID: 0, HostAddress: "127.0.0.1", Port: 1000, NodeID: "A"})))

	w := NewWatcher(WatcherOptions{
		Store:  store,
		Paths:  paths,
		Logger: zaptest.NewLogger(t),
	})
	require.NoError(t, w.Start(ctx))
	defer w.Close()

	require.Equal(t, 3, w.Current().PartitionCount)
	require.Len(t, w.Current().Nodes, 1)

	changedCh := make(chan struct{}, 16)
	w.Subscribe(func() { changedCh <- struct{}{} })

	sess, err := store.NewSession(ctx, 5*time.Second)
	require.NoError(t, err)
	require.NoError(t, sess.Create(ctx, paths.ProcessKey(1),
		mustNodeJSON(t, Node{PartitionID: 1, HostAddress: "127.0.0.1", Port: 1001, NodeID: "B"})))

	require.Eventually(t, func() bool {
		_, ok := w.Current().NodeForPartition(1)
		return ok
	}, 5*time.Second, 5*time.Millisecond)

	select {
	case <-changedCh:
	case <-ctx.Done():
		t.Fatalf("listener was never notified")
	}

	store.ExpireSession(sess)

	require.Eventually(t, func() bool {
		_, ok := w.Current().NodeForPartition(1)
		return !ok
	}, 5*time.Second, 5*time.Millisecond)
	require.Equal(t, 3, w.Current().PartitionCount)
}

func TestWatcherCloseWithoutStart(t *testing.T) {
	w := NewWatcher(WatcherOptions{})
	require.ErrorIs(t, w.Close(), ErrNotStarted)
}
