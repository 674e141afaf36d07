// Package signalapp is a built-in application that makes event processing
// observable from the coordination service.  Every delivered event creates a
// marker key named after its payload.
package signalapp

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"

	"github.com/couchbase/stellar-stream/activation"
	"go.uber.org/zap"
)

const Kind = "signal"

var ErrNotStarted = errors.New("signal app not started")

type Config struct {
	// ResourceKey and ResourceValue, when set, are written once on start.
	ResourceKey   string `json:"resource_key,omitempty"`
	ResourceValue string `json:"resource_value,omitempty"`
}

type App struct {
	env     *activation.Env
	config  Config
	started atomic.Bool
	events  atomic.Int64
}

var _ activation.App = (*App)(nil)

func New(env *activation.Env, rawConfig json.RawMessage) (activation.App, error) {
	var config Config
	if len(rawConfig) > 0 {
		err := json.Unmarshal(rawConfig, &config)
		if err != nil {
			return nil, err
		}
	}

	if env.Store == nil {
		return nil, errors.New("signal app requires a coordination store")
	}

	logger := env.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	appEnv := *env
	appEnv.Logger = logger.Named("signalapp")

	return &App{
		env:    &appEnv,
		config: config,
	}, nil
}

func Register(registry *activation.Registry) error {
	return registry.Register(Kind, New)
}

func (a *App) Start(ctx context.Context) error {
	if a.config.ResourceKey != "" {
		err := a.env.Store.Put(ctx, a.config.ResourceKey, []byte(a.config.ResourceValue))
		if err != nil {
			return err
		}
	}

	a.started.Store(true)
	return nil
}

func (a *App) Deliver(ctx context.Context, payload []byte) error {
	if !a.started.Load() {
		return ErrNotStarted
	}

	key := a.env.Paths.EventMarkerKey(string(payload))
	err := a.env.Store.Put(ctx, key, nil)
	if err != nil {
		return err
	}

	a.events.Add(1)
	a.env.Logger.Debug("signalled event",
		zap.String("key", key))

	return nil
}

// EventCount is the number of events that produced a marker.
func (a *App) EventCount() int64 {
	return a.events.Load()
}

func (a *App) Close() error {
	a.started.Store(false)
	return nil
}
