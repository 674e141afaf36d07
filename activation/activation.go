package activation

import (
	"context"
	"fmt"

	"github.com/couchbase/stellar-stream/comm"
	"github.com/couchbase/stellar-stream/common/clusterpaths"
	"github.com/couchbase/stellar-stream/contrib/coordkv"
	"go.uber.org/zap"
)

// App is a running application instance on this node.
type App interface {
	// Start begins processing.  It is called exactly once, after the
	// initialized marker has been published.
	Start(ctx context.Context) error

	// Deliver hands the app one inbound event addressed to this node.
	Deliver(ctx context.Context, payload []byte) error

	Close() error
}

// Env is everything a running app may use from its hosting node.
type Env struct {
	NodeID    string
	Partition int
	Emitter   comm.Emitter
	Store     coordkv.Store
	Paths     clusterpaths.Paths
	Logger    *zap.Logger
}

type Request struct {
	AppID      string
	BundlePath string
	Env        *Env
}

// Activator turns a staged bundle into an initialized App.
type Activator interface {
	Activate(ctx context.Context, req *Request) (App, error)
}

type ActivationError struct {
	AppID string
	Err   error
}

func (e *ActivationError) Error() string {
	return fmt.Sprintf("failed to activate app %s: %s", e.AppID, e.Err)
}

func (e *ActivationError) Unwrap() error {
	return e.Err
}
