package deploy

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/couchbase/stellar-stream/activation"
	"github.com/couchbase/stellar-stream/bundlefetch"
	"github.com/couchbase/stellar-stream/common/clusterpaths"
	"github.com/couchbase/stellar-stream/contrib/coordkv"
	"github.com/couchbase/stellar-stream/pkg/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var (
	ErrNotStarted     = errors.New("deployment coordinator not started")
	ErrAlreadyStarted = errors.New("deployment coordinator already started")
)

// RetryPolicy bounds how hard a node tries to fetch a bundle before the
// deployment is marked as failed.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	AttemptTimeout  time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     3,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		AttemptTimeout:  30 * time.Second,
	}
}

type CoordinatorOptions struct {
	Store     coordkv.Store
	Session   coordkv.Session
	Paths     clusterpaths.Paths
	Fetcher   bundlefetch.Fetcher
	Activator activation.Activator

	// Env is handed to every activated app.  NodeID identifies this node's
	// readiness markers.
	Env *activation.Env

	StagingDir  string
	RetryPolicy RetryPolicy

	// RetryFailedOnReannounce restarts a FAILED deployment when its
	// announcement is rewritten.
	RetryFailedOnReannounce bool

	Logger         *zap.Logger
	Metrics        *metrics.StreamMetrics
	TracerProvider trace.TracerProvider
}

/*
Coordinator drives every application announced to the cluster through its
local lifecycle: fetch the bundle, activate it, publish the initialized
marker, start it and publish the started marker.

Announcements are observed by a single watch goroutine which never runs the
pipeline itself.  Each app is deployed on its own goroutine, and an app that
has already been seen is never fetched again, regardless of how many times
its announcement is delivered.
*/
type Coordinator struct {
	store     coordkv.Store
	paths     clusterpaths.Paths
	fetcher   bundlefetch.Fetcher
	activator activation.Activator
	markers   *MarkerPublisher
	env       activation.Env

	stagingDir              string
	retryFailedOnReannounce bool

	logger  *zap.Logger
	metrics *metrics.StreamMetrics
	tracer  trace.Tracer

	table *deploymentTable

	lock      sync.Mutex
	ctxCancel context.CancelFunc
	closed    bool
	wg        sync.WaitGroup
}

func NewCoordinator(opts CoordinatorOptions) (*Coordinator, error) {
	if opts.Store == nil {
		return nil, errors.New("coordination store must be specified")
	}
	if opts.Session == nil {
		return nil, errors.New("coordination session must be specified")
	}
	if opts.Fetcher == nil {
		return nil, errors.New("bundle fetcher must be specified")
	}
	if opts.Activator == nil {
		return nil, errors.New("activator must be specified")
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	streamMetrics := opts.Metrics
	if streamMetrics == nil {
		streamMetrics = metrics.GetStreamMetrics()
	}

	tracerProvider := opts.TracerProvider
	if tracerProvider == nil {
		tracerProvider = otel.GetTracerProvider()
	}

	var env activation.Env
	if opts.Env != nil {
		env = *opts.Env
	}
	if env.Store == nil {
		env.Store = opts.Store
	}
	if env.Paths == (clusterpaths.Paths{}) {
		env.Paths = opts.Paths
	}
	if env.Logger == nil {
		env.Logger = logger
	}

	stagingDir := opts.StagingDir
	if stagingDir == "" {
		stagingDir = filepath.Join(os.TempDir(), "stellar-stream", env.NodeID)
	}

	retryPolicy := opts.RetryPolicy
	if retryPolicy.MaxAttempts <= 0 {
		retryPolicy = DefaultRetryPolicy()
	}

	fetcher := bundlefetch.NewRetryingFetcher(bundlefetch.RetryingFetcherOptions{
		Fetcher:         opts.Fetcher,
		Logger:          logger,
		MaxAttempts:     retryPolicy.MaxAttempts,
		InitialInterval: retryPolicy.InitialInterval,
		MaxInterval:     retryPolicy.MaxInterval,
		AttemptTimeout:  retryPolicy.AttemptTimeout,
	})

	return &Coordinator{
		store:                   opts.Store,
		paths:                   opts.Paths,
		fetcher:                 fetcher,
		activator:               opts.Activator,
		markers:                 NewMarkerPublisher(opts.Session, opts.Paths, env.NodeID),
		env:                     env,
		stagingDir:              stagingDir,
		retryFailedOnReannounce: opts.RetryFailedOnReannounce,
		logger:                  logger,
		metrics:                 streamMetrics,
		tracer:                  tracerProvider.Tracer("com.couchbase.stellar-stream/deploy"),
		table:                   newDeploymentTable(),
	}, nil
}

// Start reads the current announcements and keeps watching for new ones.
// It returns once the initial read has been handed off.  ctx is not retained,
// the coordinator runs until Close.
func (c *Coordinator) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.lock.Lock()
	if c.closed || c.ctxCancel != nil {
		c.lock.Unlock()
		return ErrAlreadyStarted
	}
	runCtx, runCancel := context.WithCancel(context.Background())
	c.ctxCancel = runCancel
	c.lock.Unlock()

	appsCh, err := coordkv.Mirror(runCtx, c.store, c.paths.AppPrefix())
	if err != nil {
		c.lock.Lock()
		c.ctxCancel = nil
		c.lock.Unlock()
		runCancel()
		return err
	}

	// Mirror always emits its first listing before returning
	listing := <-appsCh
	c.handleListing(runCtx, listing)

	c.wg.Add(1)
	go c.watchThread(runCtx, appsCh)

	c.logger.Info("deployment coordinator started",
		zap.String("prefix", c.paths.AppPrefix()),
		zap.Int("announced", len(listing.Entries)))

	return nil
}

func (c *Coordinator) watchThread(ctx context.Context, appsCh <-chan *coordkv.Listing) {
	defer c.wg.Done()

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 0
	b.Reset()

	for {
		for listing := range appsCh {
			c.handleListing(ctx, listing)
		}

		if ctx.Err() != nil {
			return
		}

		c.logger.Debug("app announcement watch closed, re-establishing")

		for {
			newCh, err := coordkv.Mirror(ctx, c.store, c.paths.AppPrefix())
			if err == nil {
				appsCh = newCh
				b.Reset()
				break
			}

			c.logger.Warn("failed to re-establish app announcement watch", zap.Error(err))

			select {
			case <-time.After(b.NextBackOff()):
			case <-ctx.Done():
				return
			}
		}
	}
}

func (c *Coordinator) handleListing(ctx context.Context, listing *coordkv.Listing) {
	for _, entry := range listing.Entries {
		c.handleAnnouncement(ctx, entry)
	}
}

// handleAnnouncement runs on the watch goroutine.  It never blocks on a
// deployment in progress.
func (c *Coordinator) handleAnnouncement(ctx context.Context, entry *coordkv.Entry) {
	desc, err := ParseAnnouncement(c.paths, entry)
	if err != nil {
		c.logger.Warn("ignoring malformed app announcement",
			zap.String("key", entry.Key),
			zap.Error(err))
		return
	}

	d, created := c.table.getOrCreate(desc.AppID)

	d.lock.Lock()
	if !created {
		if !c.shouldRestartLocked(d, entry.ModRevision) {
			d.lock.Unlock()
			return
		}

		c.logger.Info("re-announced failed app, restarting deployment",
			zap.String("appId", desc.AppID))
		c.transitionLocked(d, StateUnseen, nil)
	}

	d.desc = desc
	d.modRevision = entry.ModRevision
	d.running = true
	d.lock.Unlock()

	c.lock.Lock()
	if c.closed {
		c.lock.Unlock()

		d.lock.Lock()
		d.running = false
		d.lock.Unlock()
		return
	}
	c.wg.Add(1)
	c.lock.Unlock()

	go func() {
		defer c.wg.Done()
		c.runDeployment(ctx, d, desc)
	}()
}

func (c *Coordinator) shouldRestartLocked(d *deployment, modRevision int64) bool {
	if d.running || d.state != StateFailed {
		return false
	}

	return c.retryFailedOnReannounce && modRevision > d.modRevision
}

func (c *Coordinator) transitionLocked(d *deployment, to State, cause error) {
	from := d.state
	if !canTransition(from, to) {
		c.logger.DPanic("invalid deployment state transition",
			zap.String("appId", d.appID),
			zap.Stringer("from", from),
			zap.Stringer("to", to))
		return
	}

	d.state = to
	d.err = cause
	d.updatedAt = time.Now()

	c.metrics.DeploymentTransitions.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("state", to.String())))

	c.logger.Debug("deployment state changed",
		zap.String("appId", d.appID),
		zap.Stringer("from", from),
		zap.Stringer("to", to))
}

func (c *Coordinator) transition(d *deployment, to State, cause error) {
	d.lock.Lock()
	c.transitionLocked(d, to, cause)
	d.lock.Unlock()
}

func (c *Coordinator) runDeployment(ctx context.Context, d *deployment, desc *AppDescriptor) {
	d.runLock.Lock()
	defer d.runLock.Unlock()

	ctx, span := c.tracer.Start(ctx, "deploy app",
		trace.WithAttributes(
			attribute.String("app.id", desc.AppID),
			attribute.String("app.bundle_uri", desc.BundleURI)))
	defer span.End()

	logger := c.logger.With(zap.String("appId", desc.AppID))
	logger.Info("deploying app", zap.String("bundleUri", desc.BundleURI))

	_, err := c.deploy(ctx, d, desc)

	d.lock.Lock()
	d.running = false
	if err != nil {
		c.transitionLocked(d, StateFailed, err)
	}
	d.lock.Unlock()

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "deployment failed")
		logger.Error("app deployment failed", zap.Error(err))
		return
	}

	logger.Info("app deployed and started")
}

// deploy performs every step of the pipeline after UNSEEN, returning the
// started app.  On failure no further marker is published and any partially
// activated app is closed.
func (c *Coordinator) deploy(ctx context.Context, d *deployment, desc *AppDescriptor) (activation.App, error) {
	c.transition(d, StateFetching, nil)

	data, err := c.fetcher.Fetch(ctx, desc.BundleURI)
	if err != nil {
		return nil, err
	}

	bundlePath, err := bundlefetch.Materialize(c.stagingDir, desc.AppID, data)
	if err != nil {
		return nil, err
	}

	c.transition(d, StateActivating, nil)

	env := c.env
	app, err := c.activator.Activate(ctx, &activation.Request{
		AppID:      desc.AppID,
		BundlePath: bundlePath,
		Env:        &env,
	})
	if err != nil {
		return nil, err
	}

	err = c.markers.Publish(ctx, clusterpaths.MarkerInitialized, desc.AppID)
	if err != nil {
		_ = app.Close()
		return nil, err
	}

	c.transition(d, StateInitialized, nil)

	err = app.Start(ctx)
	if err != nil {
		_ = app.Close()
		return nil, err
	}

	err = c.markers.Publish(ctx, clusterpaths.MarkerStarted, desc.AppID)
	if err != nil {
		_ = app.Close()
		return nil, err
	}

	d.lock.Lock()
	d.app = app
	c.transitionLocked(d, StateStarted, nil)
	d.lock.Unlock()

	return app, nil
}

// Status reports the local state of an app, or false if it was never seen.
func (c *Coordinator) Status(appID string) (State, bool) {
	d := c.table.get(appID)
	if d == nil {
		return StateUnseen, false
	}

	d.lock.Lock()
	defer d.lock.Unlock()
	return d.state, true
}

func (c *Coordinator) Deployments() []DeploymentStatus {
	deployments := c.table.all()

	statuses := make([]DeploymentStatus, 0, len(deployments))
	for _, d := range deployments {
		d.lock.Lock()
		statuses = append(statuses, d.statusLocked())
		d.lock.Unlock()
	}

	return statuses
}

// Dispatch delivers an inbound event to every started app, returning how
// many accepted it.
func (c *Coordinator) Dispatch(ctx context.Context, payload []byte) (int, error) {
	var apps []activation.App
	for _, d := range c.table.all() {
		d.lock.Lock()
		if d.state == StateStarted && d.app != nil {
			apps = append(apps, d.app)
		}
		d.lock.Unlock()
	}

	delivered := 0
	var errs []error
	for _, app := range apps {
		err := app.Deliver(ctx, payload)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		delivered++
	}

	return delivered, errors.Join(errs...)
}

// Close stops watching, waits for in-flight deployments and closes every
// app.  Markers disappear with the node session, which the caller owns.
func (c *Coordinator) Close() error {
	c.lock.Lock()
	if c.closed {
		c.lock.Unlock()
		return nil
	}
	c.closed = true
	ctxCancel := c.ctxCancel
	c.lock.Unlock()

	if ctxCancel == nil {
		return ErrNotStarted
	}

	ctxCancel()
	c.wg.Wait()

	var errs []error
	for _, d := range c.table.all() {
		d.lock.Lock()
		app := d.app
		d.app = nil
		d.lock.Unlock()

		if app != nil {
			err := app.Close()
			if err != nil {
				errs = append(errs, err)
			}
		}
	}

	return errors.Join(errs...)
}
