// Package logapp is a built-in application that logs each event it receives.
package logapp

import (
	"context"
	"encoding/json"

	"github.com/couchbase/stellar-stream/activation"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const Kind = "log"

type Config struct {
	Level string `json:"level,omitempty"`
}

type App struct {
	logger *zap.Logger
	level  zapcore.Level
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

	level := zapcore.InfoLevel
	if config.Level != "" {
		err := level.UnmarshalText([]byte(config.Level))
		if err != nil {
			return nil, err
		}
	}

	logger := env.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &App{
		logger: logger.Named("logapp"),
		level:  level,
	}, nil
}

func Register(registry *activation.Registry) error {
	return registry.Register(Kind, New)
}

func (a *App) Start(ctx context.Context) error {
	a.logger.Info("log app started")
	return nil
}

func (a *App) Deliver(ctx context.Context, payload []byte) error {
	if ce := a.logger.Check(a.level, "received event"); ce != nil {
		ce.Write(zap.ByteString("payload", payload))
	}
	return nil
}

func (a *App) Close() error {
	a.logger.Info("log app stopped")
	return nil
}
