package logapp

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/couchbase/stellar-stream/activation"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestLogApp(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)

	app, err := New(&activation.Env{Logger: zap.New(core)}, json.RawMessage(`{"level":"warn"}`))
	require.NoError(t, err)

	require.NoError(t, app.Start(context.Background()))
	require.NoError(t, app.Deliver(context.Background(), []byte("evt")))
	require.NoError(t, app.Close())

	received := logs.FilterMessage("received event").All()
	require.Len(t, received, 1)
	require.Equal(t, zap.WarnLevel, received[0].Level)
}

func TestLogAppBadLevel(t *testing.T) {
	_, err := New(&activation.Env{}, json.RawMessage(`{"level":"loud"}`))
	require.Error(t, err)
}
