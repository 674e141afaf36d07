package bundlefetch

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMaterialize(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "staging")

	path, err := Materialize(dir, "app1", []byte("v1"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "app1.bundle"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), data)

	// overwriting leaves exactly one file and no temporaries behind
	_, err = Materialize(dir, "app1", []byte("v2"))
	require.NoError(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	data, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), data)
}

func TestMaterializeRejectsPathEscapes(t *testing.T) {
	dir := t.TempDir()

	for _, appID := range []string{"", ".", "..", "../evil", "a/b", `a\b`} {
		_, err := Materialize(dir, appID, []byte("x"))
		assert.ErrorIs(t, err, ErrInvalidAppID, appID)
	}
}
