package comm

import (
	"context"
	"fmt"
	"time"

	"github.com/couchbase/stellar-stream/common/topology"
	"github.com/couchbase/stellar-stream/pkg/metrics"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

/*
Emitter delivers opaque payloads to the node owning a partition.

Send returns false with a nil error when the partition is not visible in the
current topology; no network call is made in that case.  A transport failure
is returned as a *TransportError and is never retried by the emitter.  Send
copies the payload before transmitting so callers may reuse their buffer as
soon as it returns.
*/
type Emitter interface {
	Send(partitionID int, payload []byte) (bool, error)
	PartitionCount() int
	OnTopologyChange(snap *topology.Snapshot)
	Close() error
}

type EmitterOptions struct {
	Logger  *zap.Logger
	Metrics *metrics.StreamMetrics

	// DialTimeout and WriteTimeout only apply to stream transports.
	DialTimeout  time.Duration
	WriteTimeout time.Duration
}

func NewEmitter(transport string, opts EmitterOptions) (Emitter, error) {
	switch transport {
	case "udp":
		return NewUDPEmitter(opts)
	case "tcp":
		return NewTCPEmitter(opts)
	}

	return nil, fmt.Errorf("%w: %s", ErrUnknownTransport, transport)
}

type emitterBase struct {
	logger  *zap.Logger
	metrics *metrics.StreamMetrics
	routes  atomicRouteTable
	attrs   metric.MeasurementOption
}

func (e *emitterBase) init(transport string, opts EmitterOptions) {
	e.logger = opts.Logger
	if e.logger == nil {
		e.logger = zap.NewNop()
	}

	e.metrics = opts.Metrics
	if e.metrics == nil {
		e.metrics = metrics.GetStreamMetrics()
	}

	e.attrs = metric.WithAttributes(attribute.String("transport", transport))
	e.routes.Store(&routeTable{Routes: map[int]*routeEntry{}})
}

func (e *emitterBase) lookup(partitionID int) (*routeEntry, bool) {
	route, ok := e.routes.Load().Routes[partitionID]
	if !ok {
		e.metrics.EmitterUnknownPartitions.Add(context.Background(), 1, e.attrs)
		e.logger.Debug("cannot send to partition not visible to this emitter",
			zap.Int("partition", partitionID))
	}
	return route, ok
}

func (e *emitterBase) recordSent() {
	e.metrics.EmitterSends.Add(context.Background(), 1, e.attrs)
}

func (e *emitterBase) recordFailure(partitionID int, addr string, err error) error {
	e.metrics.EmitterFailures.Add(context.Background(), 1, e.attrs)
	e.logger.Debug("failed to send to partition",
		zap.Int("partition", partitionID),
		zap.String("address", addr),
		zap.Error(err))

	return &TransportError{
		PartitionID: partitionID,
		Address:     addr,
		Err:         err,
	}
}

func (e *emitterBase) PartitionCount() int {
	return e.routes.Load().PartitionCount
}

// applyTopology swaps in a table built from snap, returning the new table or
// nil if snap is older than what is already published.
func (e *emitterBase) applyTopology(snap *topology.Snapshot) *routeTable {
	table := newRouteTable(snap)
	if !e.routes.StoreIfNewer(table) {
		e.logger.Debug("ignoring stale topology",
			zap.Int64("version", snap.Version))
		return nil
	}

	e.logger.Debug("applied new topology",
		zap.Int64("version", table.Version),
		zap.Int("partitionCount", table.PartitionCount),
		zap.Int("routes", len(table.Routes)))

	return table
}
