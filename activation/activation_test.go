package activation

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type testApp struct {
	config json.RawMessage
	env    *Env
}

func (a *testApp) Start(ctx context.Context) error { return nil }
func (a *testApp) Deliver(ctx context.Context, payload []byte) error { return nil }
func (a *testApp) Close() error { return nil }

func writeBundle(t *testing.T, manifest *Manifest) string {
	data, err := BuildBundle(manifest)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "app.bundle")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func newTestActivator(t *testing.T) *BundleActivator {
	registry := NewRegistry()
	require.NoError(t, registry.Register("test", func(env *Env, config json.RawMessage) (App, error) {
		return &testApp{config: config, env: env}, nil
	}))
	require.NoError(t, registry.Register("broken", func(env *Env, config json.RawMessage) (App, error) {
		return nil, errors.New("cannot build")
	}))

	return NewBundleActivator(BundleActivatorOptions{
		Registry: registry,
		Logger:   zaptest.NewLogger(t),
	})
}

func TestActivateBundle(t *testing.T) {
	path := writeBundle(t, &Manifest{
		Kind:   "test",
		Config: json.RawMessage(`{"greeting":"Salut!"}`),
	})

	app, err := newTestActivator(t).Activate(context.Background(), &Request{
		AppID:      "app1",
		BundlePath: path,
		Env:        &Env{NodeID: "node-a", Partition: 2},
	})
	require.NoError(t, err)

	tApp := app.(*testApp)
	assert.JSONEq(t, `{"greeting":"Salut!"}`, string(tApp.config))
	assert.Equal(t, "node-a", tApp.env.NodeID)
	assert.Equal(t, 2, tApp.env.Partition)
	assert.NotNil(t, tApp.env.Logger)
}

func TestActivateUnknownKind(t *testing.T) {
	path := writeBundle(t, &Manifest{Kind: "nope"})

	_, err := newTestActivator(t).Activate(context.Background(), &Request{
		AppID:      "app1",
		BundlePath: path,
	})
	require.ErrorIs(t, err, ErrUnknownKind)

	var activationErr *ActivationError
	require.True(t, errors.As(err, &activationErr))
	assert.Equal(t, "app1", activationErr.AppID)
}

func TestActivateFactoryFailure(t *testing.T) {
	path := writeBundle(t, &Manifest{Kind: "broken"})

	_, err := newTestActivator(t).Activate(context.Background(), &Request{
		AppID:      "app1",
		BundlePath: path,
	})

	var activationErr *ActivationError
	require.True(t, errors.As(err, &activationErr))
}

func TestActivateNotAnArchive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.bundle")
	require.NoError(t, os.WriteFile(path, []byte("definitely not a zip"), 0o644))

	_, err := newTestActivator(t).Activate(context.Background(), &Request{
		AppID:      "app1",
		BundlePath: path,
	})

	var activationErr *ActivationError
	require.True(t, errors.As(err, &activationErr))
}

func TestActivateMissingManifest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.bundle")
	f, err := os.Create(path)
	require.NoError(t, err)
	w := zip.NewWriter(f)
	fw, err := w.Create("README")
	require.NoError(t, err)
	_, err = fw.Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, f.Close())

	_, err = ReadManifest(path)
	require.Error(t, err)
}

func TestRegistryDuplicate(t *testing.T) {
	registry := NewRegistry()
	factory := func(env *Env, config json.RawMessage) (App, error) { return nil, nil }

	require.NoError(t, registry.Register("a", factory))
	require.ErrorIs(t, registry.Register("a", factory), ErrDuplicateKind)

	_, err := registry.Lookup("b")
	require.ErrorIs(t, err, ErrUnknownKind)
}
