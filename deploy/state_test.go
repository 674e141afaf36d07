package deploy

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/couchbase/stellar-stream/common/clusterpaths"
	"github.com/couchbase/stellar-stream/contrib/coordkv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLifecycleTransitions(t *testing.T) {
	happyPath := []State{StateUnseen, StateFetching, StateActivating, StateInitialized, StateStarted}
	for i := 0; i+1 < len(happyPath); i++ {
		assert.True(t, canTransition(happyPath[i], happyPath[i+1]))
		assert.False(t, canTransition(happyPath[i+1], happyPath[i]))
	}

	for _, s := range []State{StateUnseen, StateFetching, StateActivating, StateInitialized} {
		assert.True(t, canTransition(s, StateFailed), s.String())
	}

	assert.False(t, canTransition(StateStarted, StateFailed))
	assert.False(t, canTransition(StateFailed, StateStarted))
	assert.False(t, canTransition(StateFetching, StateStarted))
	assert.True(t, canTransition(StateFailed, StateUnseen))
}

func TestStateText(t *testing.T) {
	out, err := json.Marshal(map[string]State{"s": StateInitialized})
	require.NoError(t, err)
	assert.JSONEq(t, `{"s":"INITIALIZED"}`, string(out))
	assert.Equal(t, "State(42)", State(42).String())
}

func TestParseAnnouncement(t *testing.T) {
	paths := clusterpaths.New("", "cluster1")

	desc, err := ParseAnnouncement(paths, &coordkv.Entry{
		Key:   "/s4/clusters/cluster1/app/s4App",
		Value: []byte(`{"bundle_uri":"file:///tmp/app.bundle","announced_at":"2024-01-02T03:04:05Z"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, "s4App", desc.AppID)
	assert.Equal(t, "file:///tmp/app.bundle", desc.BundleURI)
	assert.Equal(t, time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC), desc.AnnouncedAt)

	_, err = ParseAnnouncement(paths, &coordkv.Entry{
		Key:   "/s4/clusters/cluster1/app/s4App",
		Value: []byte(`{}`),
	})
	require.ErrorIs(t, err, ErrInvalidAnnouncement)

	_, err = ParseAnnouncement(paths, &coordkv.Entry{
		Key:   "/s4/clusters/cluster1/app/s4App",
		Value: []byte(`not json`),
	})
	require.ErrorIs(t, err, ErrInvalidAnnouncement)

	_, err = ParseAnnouncement(paths, &coordkv.Entry{
		Key:   "/s4/clusters/cluster1/app/nested/key",
		Value: []byte(`{"bundle_uri":"file:///x"}`),
	})
	require.ErrorIs(t, err, ErrInvalidAnnouncement)
}
