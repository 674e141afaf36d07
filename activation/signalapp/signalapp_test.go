package signalapp

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/couchbase/stellar-stream/activation"
	"github.com/couchbase/stellar-stream/common/clusterpaths"
	"github.com/couchbase/stellar-stream/contrib/coordkv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestSignalApp(t *testing.T) {
	ctx := context.Background()
	store := coordkv.NewInProcStore(coordkv.InProcStoreOptions{})
	defer store.Close()

	paths := clusterpaths.New("", "cluster1")
	app, err := New(&activation.Env{
		Store:  store,
		Paths:  paths,
		Logger: zaptest.NewLogger(t),
	}, json.RawMessage(`{"resource_key":"/resourceData","resource_value":"Salut!"}`))
	require.NoError(t, err)

	require.ErrorIs(t, app.Deliver(ctx, []byte("early")), ErrNotStarted)

	require.NoError(t, app.Start(ctx))

	resource, err := store.Get(ctx, "/resourceData")
	require.NoError(t, err)
	assert.Equal(t, []byte("Salut!"), resource.Value)

	require.NoError(t, app.Deliver(ctx, []byte("1234")))
	require.NoError(t, app.Deliver(ctx, []byte("1234")))

	_, err = store.Get(ctx, "/s4/onEvent@1234")
	require.NoError(t, err)
	assert.Equal(t, int64(2), app.(*App).EventCount())

	require.NoError(t, app.Close())
}

func TestSignalAppRequiresStore(t *testing.T) {
	_, err := New(&activation.Env{}, nil)
	require.Error(t, err)
}
