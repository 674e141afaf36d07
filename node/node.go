package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/couchbase/stellar-stream/activation"
	"github.com/couchbase/stellar-stream/activation/builtin"
	"github.com/couchbase/stellar-stream/bundlefetch"
	"github.com/couchbase/stellar-stream/comm"
	"github.com/couchbase/stellar-stream/common/clustering"
	"github.com/couchbase/stellar-stream/common/clusterpaths"
	"github.com/couchbase/stellar-stream/common/topology"
	"github.com/couchbase/stellar-stream/contrib/coordkv"
	"github.com/couchbase/stellar-stream/deploy"
	"github.com/couchbase/stellar-stream/pkg/metrics"
	"github.com/google/uuid"
	etcd "go.etcd.io/etcd/client/v3"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

var ErrSessionLost = errors.New("coordination session lost")

type StartupInfo struct {
	NodeID        string
	Partition     int
	AdvertiseAddr string
	EventPort     int
}

type Config struct {
	Logger *zap.Logger

	// Store is used as-is when set, otherwise a client is dialled to
	// EtcdEndpoints and owned by the node.
	Store         coordkv.Store
	EtcdEndpoints []string
	DialTimeout   time.Duration

	RootPath  string
	Cluster   string
	NodeID    string
	Partition int

	BindAddress      string
	AdvertiseAddress string
	EventPort        int
	Transport        string

	StagingDir              string
	FetchTimeout            time.Duration
	RetryPolicy             deploy.RetryPolicy
	RetryFailedOnReannounce bool
	SessionTTL              time.Duration

	Registry *activation.Registry
	Metrics  *metrics.StreamMetrics

	StartupCallback func(*StartupInfo)
}

/*
Node runs one process of the cluster.

Components are brought up in dependency order: coordination store, session,
event listener, cluster membership, topology watcher, emitter and finally the
deployment coordinator.  Shutdown releases them in the reverse order.
*/
type Node struct {
	config *Config
	logger *zap.Logger
	paths  clusterpaths.Paths

	lock        sync.Mutex
	coordinator *deploy.Coordinator
	emitter     comm.Emitter
	watcher     *topology.Watcher

	sessionDoneCh <-chan struct{}

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

func NewNode(config *Config) (*Node, error) {
	if config.Store == nil && len(config.EtcdEndpoints) == 0 {
		return nil, errors.New("either a store or etcd endpoints must be specified")
	}
	if config.Cluster == "" {
		return nil, errors.New("cluster name must be specified")
	}

	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	cfg := *config
	cfg.Logger = logger
	if cfg.NodeID == "" {
		cfg.NodeID = uuid.NewString()
	}
	if cfg.Transport == "" {
		cfg.Transport = "udp"
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 10 * time.Second
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.AdvertiseAddress == "" {
		cfg.AdvertiseAddress = cfg.BindAddress
	}
	if cfg.AdvertiseAddress == "" || cfg.AdvertiseAddress == "0.0.0.0" {
		cfg.AdvertiseAddress = "127.0.0.1"
	}
	if cfg.Registry == nil {
		cfg.Registry = builtin.NewRegistry()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.GetStreamMetrics()
	}

	return &Node{
		config:     &cfg,
		logger:     logger.With(zap.String("nodeId", cfg.NodeID)),
		paths:      clusterpaths.New(cfg.RootPath, cfg.Cluster),
		shutdownCh: make(chan struct{}),
	}, nil
}

func (n *Node) NodeID() string {
	return n.config.NodeID
}

func (n *Node) Paths() clusterpaths.Paths {
	return n.paths
}

// Deployments lists the local deployment table, empty until the node is
// running.
func (n *Node) Deployments() []deploy.DeploymentStatus {
	n.lock.Lock()
	coordinator := n.coordinator
	n.lock.Unlock()

	if coordinator == nil {
		return []deploy.DeploymentStatus{}
	}
	return coordinator.Deployments()
}

func (n *Node) Status(appID string) (deploy.State, bool) {
	n.lock.Lock()
	coordinator := n.coordinator
	n.lock.Unlock()

	if coordinator == nil {
		return deploy.StateUnseen, false
	}
	return coordinator.Status(appID)
}

// Emitter returns the node's emitter while it is running.
func (n *Node) Emitter() comm.Emitter {
	n.lock.Lock()
	defer n.lock.Unlock()
	return n.emitter
}

func (n *Node) Topology() topology.Provider {
	n.lock.Lock()
	defer n.lock.Unlock()
	if n.watcher == nil {
		return nil
	}
	return n.watcher
}

// Shutdown asks Run to tear everything down and return.
func (n *Node) Shutdown() {
	n.shutdownOnce.Do(func() {
		close(n.shutdownCh)
	})
}

type closer struct {
	name string
	fn   func() error
}

func (n *Node) openStore() (coordkv.Store, bool, error) {
	if n.config.Store != nil {
		return n.config.Store, false, nil
	}

	etcdClient, err := etcd.New(etcd.Config{
		Endpoints:   n.config.EtcdEndpoints,
		DialTimeout: n.config.DialTimeout,
		Logger:      n.logger.Named("etcd-client"),
		DialOptions: []grpc.DialOption{
			grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
		},
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to connect to etcd: %w", err)
	}

	store, err := coordkv.NewEtcdStore(coordkv.EtcdStoreOptions{
		EtcdClient: etcdClient,
		Logger:     n.logger.Named("coordkv"),
	})
	if err != nil {
		_ = etcdClient.Close()
		return nil, false, err
	}

	return store, true, nil
}

// Run starts the node and blocks until ctx is cancelled, Shutdown is called
// or the coordination session is lost.
func (n *Node) Run(ctx context.Context) error {
	var closers []closer
	teardown := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			err := closers[i].fn()
			if err != nil {
				n.logger.Warn("error during shutdown",
					zap.String("component", closers[i].name),
					zap.Error(err))
			}
		}
	}

	err := n.start(ctx, &closers)
	if err != nil {
		teardown()
		return err
	}

	n.lock.Lock()
	sessionDoneCh := n.sessionDoneCh
	n.lock.Unlock()

	var runErr error
	select {
	case <-ctx.Done():
		n.logger.Info("context cancelled, shutting down")
	case <-n.shutdownCh:
		n.logger.Info("shutdown requested")
	case <-sessionDoneCh:
		n.logger.Error("coordination session lost, shutting down")
		runErr = ErrSessionLost
	}

	teardown()

	n.lock.Lock()
	n.coordinator = nil
	n.emitter = nil
	n.watcher = nil
	n.sessionDoneCh = nil
	n.lock.Unlock()

	return runErr
}

func (n *Node) start(ctx context.Context, closers *[]closer) error {
	logger := n.logger
	addCloser := func(name string, fn func() error) {
		*closers = append(*closers, closer{name: name, fn: fn})
	}

	store, ownsStore, err := n.openStore()
	if err != nil {
		return err
	}
	if ownsStore {
		addCloser("store", store.Close)
	}

	session, err := store.NewSession(ctx, n.config.SessionTTL)
	if err != nil {
		return fmt.Errorf("failed to create coordination session: %w", err)
	}
	addCloser("session", func() error {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return session.Close(closeCtx)
	})

	bindAddr := net.JoinHostPort(n.config.BindAddress, strconv.Itoa(n.config.EventPort))
	listener, err := comm.NewListener(n.config.Transport, bindAddr, comm.ListenerOptions{
		Logger: logger.Named("listener"),
	})
	if err != nil {
		return fmt.Errorf("failed to start event listener: %w", err)
	}

	eventPort := n.config.EventPort
	if eventPort == 0 {
		_, portStr, _ := net.SplitHostPort(listener.Addr().String())
		eventPort, _ = strconv.Atoi(portStr)
	}

	clusterManager := &clustering.Manager{
		Store:  store,
		Paths:  n.paths,
		Logger: logger.Named("clustering"),
	}
	membership, err := clusterManager.Join(ctx, session, &clustering.JoinOptions{
		NodeID:        n.config.NodeID,
		AdvertiseAddr: n.config.AdvertiseAddress,
		AdvertisePort: eventPort,
		Partition:     n.config.Partition,
	})
	if err != nil {
		_ = listener.Close()
		return fmt.Errorf("failed to join cluster: %w", err)
	}
	addCloser("membership", func() error {
		select {
		case <-session.Done():
			// the claim went with the session and may belong to another node now
			return nil
		default:
		}

		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := membership.Leave(closeCtx)
		if errors.Is(err, coordkv.ErrStoreClosed) {
			return nil
		}
		return err
	})

	watcher := topology.NewWatcher(topology.WatcherOptions{
		Store:  store,
		Paths:  n.paths,
		Logger: logger.Named("topology"),
	})
	err = watcher.Start(ctx)
	if err != nil {
		_ = listener.Close()
		return fmt.Errorf("failed to start topology watcher: %w", err)
	}
	addCloser("topology", watcher.Close)

	emitter, err := comm.NewEmitter(n.config.Transport, comm.EmitterOptions{
		Logger:  logger.Named("emitter"),
		Metrics: n.config.Metrics,
	})
	if err != nil {
		_ = listener.Close()
		return err
	}
	addCloser("emitter", emitter.Close)

	binding := comm.BindTopology(watcher, emitter)
	addCloser("topology-binding", func() error {
		binding.Close()
		return nil
	})

	// the listener is closed before the emitter, after the coordinator
	addCloser("listener", listener.Close)

	fetcher := bundlefetch.NewURIFetcher(bundlefetch.URIFetcherOptions{
		Logger:  logger.Named("fetcher"),
		Metrics: n.config.Metrics,
		Timeout: n.config.FetchTimeout,
	})

	coordinator, err := deploy.NewCoordinator(deploy.CoordinatorOptions{
		Store:   store,
		Session: session,
		Paths:   n.paths,
		Fetcher: fetcher,
		Activator: activation.NewBundleActivator(activation.BundleActivatorOptions{
			Registry: n.config.Registry,
			Logger:   logger.Named("activation"),
		}),
		Env: &activation.Env{
			NodeID:    n.config.NodeID,
			Partition: membership.Node.PartitionID,
			Emitter:   emitter,
			Store:     store,
			Paths:     n.paths,
			Logger:    logger.Named("app"),
		},
		StagingDir:              n.config.StagingDir,
		RetryPolicy:             n.config.RetryPolicy,
		RetryFailedOnReannounce: n.config.RetryFailedOnReannounce,
		Logger:                  logger.Named("deploy"),
		Metrics:                 n.config.Metrics,
	})
	if err != nil {
		return err
	}

	recvCtx, recvCancel := context.WithCancel(context.Background())
	recvDoneCh := make(chan struct{})
	go func() {
		defer close(recvDoneCh)
		n.receiveLoop(recvCtx, listener, coordinator)
	}()
	addCloser("receive-loop", func() error {
		recvCancel()
		<-recvDoneCh
		return nil
	})

	err = coordinator.Start(ctx)
	if err != nil {
		return fmt.Errorf("failed to start deployment coordinator: %w", err)
	}
	addCloser("coordinator", coordinator.Close)

	n.lock.Lock()
	n.coordinator = coordinator
	n.emitter = emitter
	n.watcher = watcher
	n.sessionDoneCh = session.Done()
	n.lock.Unlock()

	logger.Info("node started",
		zap.String("cluster", n.paths.Cluster),
		zap.Int("partition", membership.Node.PartitionID),
		zap.String("eventAddress", membership.Node.Address()),
		zap.String("transport", n.config.Transport))

	if n.config.StartupCallback != nil {
		n.config.StartupCallback(&StartupInfo{
			NodeID:        n.config.NodeID,
			Partition:     membership.Node.PartitionID,
			AdvertiseAddr: n.config.AdvertiseAddress,
			EventPort:     eventPort,
		})
	}

	return nil
}

func (n *Node) receiveLoop(ctx context.Context, listener comm.Listener, coordinator *deploy.Coordinator) {
	for {
		payload, err := listener.Recv(ctx)
		if err != nil {
			if !errors.Is(err, comm.ErrListenerClosed) && ctx.Err() == nil {
				n.logger.Warn("event receive failed", zap.Error(err))
			}
			return
		}

		n.config.Metrics.ReceivedEvents.Add(ctx, 1)

		delivered, err := coordinator.Dispatch(ctx, payload)
		if err != nil {
			n.logger.Warn("failed to deliver event to some apps",
				zap.Int("delivered", delivered),
				zap.Error(err))
		}
	}
}
