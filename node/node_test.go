package node

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/couchbase/stellar-stream/activation"
	"github.com/couchbase/stellar-stream/comm"
	"github.com/couchbase/stellar-stream/common/clustering"
	"github.com/couchbase/stellar-stream/common/clusterpaths"
	"github.com/couchbase/stellar-stream/common/topology"
	"github.com/couchbase/stellar-stream/contrib/coordkv"
	"github.com/couchbase/stellar-stream/deploy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type runningNode struct {
	node  *Node
	info  *StartupInfo
	errCh chan error
}

func startTestNode(t *testing.T, store coordkv.Store, transport string) *runningNode {
	startedCh := make(chan *StartupInfo, 1)

	n, err := NewNode(&Config{
		Logger:      zaptest.NewLogger(t),
		Store:       store,
		Cluster:     "cluster1",
		Partition:   -1,
		BindAddress: "127.0.0.1",
		Transport:   transport,
		StagingDir:  t.TempDir(),
		RetryPolicy: deploy.RetryPolicy{
			MaxAttempts:     1,
			InitialInterval: time.Millisecond,
		},
		StartupCallback: func(info *StartupInfo) {
			startedCh <- info
		},
	})
	require.NoError(t, err)

	rn := &runningNode{
		node:  n,
		errCh: make(chan error, 1),
	}
	go func() {
		rn.errCh <- n.Run(context.Background())
	}()

	select {
	case rn.info = <-startedCh:
	case err := <-rn.errCh:
		require.NoError(t, err)
		t.Fatal("node exited before starting")
	case <-time.After(5 * time.Second):
		t.Fatal("node did not start in time")
	}

	t.Cleanup(func() {
		n.Shutdown()
		<-rn.errCh
	})

	return rn
}

func writeSignalBundle(t *testing.T) string {
	data, err := activation.BuildBundle(&activation.Manifest{Kind: "signal"})
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "app.bundle")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return "file://" + path
}

func newTestCluster(t *testing.T, partitions int) (*coordkv.InProcStore, clusterpaths.Paths) {
	store := coordkv.NewInProcStore(coordkv.InProcStoreOptions{})
	t.Cleanup(func() { _ = store.Close() })

	paths := clusterpaths.New("", "cluster1")
	mgr := &clustering.Manager{Store: store, Paths: paths}
	require.NoError(t, mgr.CreateCluster(context.Background(), partitions))

	return store, paths
}

func TestDeployAndProcessEvent(t *testing.T) {
	for _, transport := range []string{"udp", "tcp"} {
		transport := transport
		t.Run(transport, func(t *testing.T) {
			store, paths := newTestCluster(t, 1)
			rn := startTestNode(t, store, transport)
			assert.Equal(t, 0, rn.info.Partition)

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			_, err := deploy.Announce(ctx, store, paths, "s4App", writeSignalBundle(t))
			require.NoError(t, err)

			require.NoError(t, coordkv.WaitForKey(ctx, store,
				paths.MarkerKey(clusterpaths.MarkerInitialized, "s4App", rn.node.NodeID())))
			require.NoError(t, coordkv.WaitForKey(ctx, store,
				paths.MarkerKey(clusterpaths.MarkerStarted, "s4App", rn.node.NodeID())))

			// an external emitter that follows the cluster topology
			watcher := topology.NewWatcher(topology.WatcherOptions{Store: store, Paths: paths})
			require.NoError(t, watcher.Start(ctx))
			defer watcher.Close()

			emitter, err := comm.NewEmitter(transport, comm.EmitterOptions{Logger: zaptest.NewLogger(t)})
			require.NoError(t, err)
			defer emitter.Close()

			binding := comm.BindTopology(watcher, emitter)
			defer binding.Close()

			value := strconv.FormatInt(time.Now().UnixNano(), 10)
			sent, err := emitter.Send(0, []byte(value))
			require.NoError(t, err)
			require.True(t, sent)

			require.NoError(t, coordkv.WaitForKey(ctx, store, paths.EventMarkerKey(value)))

			statuses := rn.node.Deployments()
			require.Len(t, statuses, 1)
			assert.Equal(t, deploy.StateStarted, statuses[0].State)
		})
	}
}

func TestDeployUnreachableBundle(t *testing.T) {
	store, paths := newTestCluster(t, 1)
	rn := startTestNode(t, store, "udp")

	ctx := context.Background()
	_, err := deploy.Announce(ctx, store, paths, "s4App", "http://127.0.0.1:1/s4/missing")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		state, ok := rn.node.Status("s4App")
		return ok && state == deploy.StateFailed
	}, 10*time.Second, 20*time.Millisecond)

	listing, err := store.List(ctx, paths.MarkerParent(clusterpaths.MarkerInitialized, "s4App")+"/")
	require.NoError(t, err)
	assert.Empty(t, listing.Entries)
}

func TestNodesSharePartitions(t *testing.T) {
	store, paths := newTestCluster(t, 2)

	first := startTestNode(t, store, "udp")
	second := startTestNode(t, store, "udp")
	assert.ElementsMatch(t, []int{0, 1}, []int{first.info.Partition, second.info.Partition})

	require.Eventually(t, func() bool {
		provider := first.node.Topology()
		return provider != nil && len(provider.Current().Nodes) == 2
	}, 5*time.Second, 20*time.Millisecond)

	// a third node has nowhere to go
	n, err := NewNode(&Config{
		Logger:      zaptest.NewLogger(t),
		Store:       store,
		Cluster:     paths.Cluster,
		Partition:   -1,
		BindAddress: "127.0.0.1",
	})
	require.NoError(t, err)
	require.ErrorIs(t, n.Run(context.Background()), clustering.ErrNoFreePartition)
}

func TestShutdownReleasesPartition(t *testing.T) {
	store, paths := newTestCluster(t, 1)

	startedCh := make(chan struct{}, 1)
	n, err := NewNode(&Config{
		Logger:      zaptest.NewLogger(t),
		Store:       store,
		Cluster:     paths.Cluster,
		Partition:   -1,
		BindAddress: "127.0.0.1",
		StartupCallback: func(*StartupInfo) {
			startedCh <- struct{}{}
		},
	})
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		errCh <- n.Run(context.Background())
	}()
	<-startedCh

	_, err = store.Get(context.Background(), paths.ProcessKey(0))
	require.NoError(t, err)

	n.Shutdown()
	require.NoError(t, <-errCh)

	_, err = store.Get(context.Background(), paths.ProcessKey(0))
	require.ErrorIs(t, err, coordkv.ErrKeyNotFound)
	assert.Empty(t, n.Deployments())
}

func TestNewNodeValidation(t *testing.T) {
	_, err := NewNode(&Config{Cluster: "c"})
	require.Error(t, err)

	_, err = NewNode(&Config{Store: coordkv.NewInProcStore(coordkv.InProcStoreOptions{})})
	require.Error(t, err)
}
