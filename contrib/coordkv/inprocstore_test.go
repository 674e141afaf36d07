package coordkv

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestInProcCreateGetList(t *testing.T) {
	ctx := context.Background()
	s := NewInProcStore(InProcStoreOptions{})
	defer s.Close()

	_, err := s.Get(ctx, "/a/x")
	require.ErrorIs(t, err, ErrKeyNotFound)

	require.NoError(t, s.Create(ctx, "/a/x", []byte("1")))
	require.ErrorIs(t, s.Create(ctx, "/a/x", []byte("2")), ErrKeyExists)
	require.NoError(t, s.Put(ctx, "/a/w", []byte("3")))
	require.NoError(t, s.Put(ctx, "/b/y", []byte("4")))

	entry, err := s.Get(ctx, "/a/x")
	require.NoError(t, err)
	require.Equal(t, []byte("1"), entry.Value)
	require.Equal(t, entry.CreateRevision, entry.ModRevision)

	listing, err := s.List(ctx, "/a/")
	require.NoError(t, err)
	require.Len(t, listing.Entries, 2)
	require.Equal(t, "/a/w", listing.Entries[0].Key)
	require.Equal(t, "/a/x", listing.Entries[1].Key)
	require.Equal(t, int64(3), listing.Revision)

	require.NoError(t, s.Delete(ctx, "/a/x"))
	_, err = s.Get(ctx, "/a/x")
	require.ErrorIs(t, err, ErrKeyNotFound)
}

func TestInProcDeleteIfCreated(t *testing.T) {
	ctx := context.Background()
	s := NewInProcStore(InProcStoreOptions{})
	defer s.Close()

	require.NoError(t, s.Create(ctx, "/p/0", []byte("old")))
	old, err := s.Get(ctx, "/p/0")
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, "/p/0"))
	require.NoError(t, s.Create(ctx, "/p/0", []byte("new")))

	deleted, err := s.DeleteIfCreated(ctx, "/p/0", old.CreateRevision)
	require.NoError(t, err)
	require.False(t, deleted)

	current, err := s.Get(ctx, "/p/0")
	require.NoError(t, err)
	require.Equal(t, []byte("new"), current.Value)

	deleted, err = s.DeleteIfCreated(ctx, "/p/0", current.CreateRevision)
	require.NoError(t, err)
	require.True(t, deleted)

	deleted, err = s.DeleteIfCreated(ctx, "/p/0", current.CreateRevision)
	require.NoError(t, err)
	require.False(t, deleted)
}

func TestInProcWatchReplaysFromRevision(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := NewInProcStore(InProcStoreOptions{})
	defer s.Close()

	require.NoError(t, s.Put(ctx, "/p/1", []byte("a")))
	listing, err := s.List(ctx, "/p/")
	require.NoError(t, err)

	require.NoError(t, s.Put(ctx, "/p/2", []byte("b")))
	require.NoError(t, s.Put(ctx, "/q/1", []byte("ignored")))

	watchCh, err := s.Watch(ctx, "/p/", listing.Revision)
	require.NoError(t, err)

	resp := <-watchCh
	require.Len(t, resp.Events, 1)
	require.Equal(t, EventPut, resp.Events[0].Type)
	require.Equal(t, "/p/2", resp.Events[0].Entry.Key)

	require.NoError(t, s.Delete(ctx, "/p/1"))
	resp = <-watchCh
	require.Equal(t, EventDelete, resp.Events[0].Type)
	require.Equal(t, "/p/1", resp.Events[0].Entry.Key)

	cancel()
	for range watchCh {
	}
}

func TestInProcSessionExpiry(t *testing.T) {
	ctx := context.Background()
	s := NewInProcStore(InProcStoreOptions{})
	defer s.Close()

	sess, err := s.NewSession(ctx, 5*time.Second)
	require.NoError(t, err)

	require.NoError(t, sess.Create(ctx, "/e/1", []byte("x")))
	require.ErrorIs(t, sess.Create(ctx, "/e/1", []byte("x")), ErrKeyExists)
	require.NoError(t, s.Create(ctx, "/e/persistent", []byte("y")))

	s.ExpireSession(sess)

	select {
	case <-sess.Done():
	default:
		t.Fatalf("session should have been marked done")
	}

	listing, err := s.List(ctx, "/e/")
	require.NoError(t, err)
	require.Len(t, listing.Entries, 1)
	require.Equal(t, "/e/persistent", listing.Entries[0].Key)

	require.ErrorIs(t, sess.Create(ctx, "/e/2", nil), ErrSessionClosed)
}

func TestMirrorTracksChanges(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := NewInProcStore(InProcStoreOptions{})
	defer s.Close()

	require.NoError(t, s.Put(ctx, "/m/a", []byte("1")))

	mirrorCh, err := Mirror(ctx, s, "/m/")
	require.NoError(t, err)

	first := <-mirrorCh
	require.Len(t, first.Entries, 1)

	require.NoError(t, s.Put(ctx, "/m/b", []byte("2")))
	second := <-mirrorCh
	require.Len(t, second.Entries, 2)
	require.Greater(t, second.Revision, first.Revision)

	require.NoError(t, s.Delete(ctx, "/m/a"))
	third := <-mirrorCh
	require.Len(t, third.Entries, 1)
	require.Equal(t, "/m/b", third.Entries[0].Key)
}

func TestWaitForKey(t *testing.T) {
	ctx := context.Background()
	s := NewInProcStore(InProcStoreOptions{})
	defer s.Close()

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = s.Create(ctx, "/w/other", nil)
		_ = s.Create(ctx, "/w/target", nil)
	}()

	waitCtx, waitCancel := context.WithTimeout(ctx, 5*time.Second)
	defer waitCancel()
	require.NoError(t, WaitForKey(waitCtx, s, "/w/target"))

	shortCtx, shortCancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer shortCancel()
	require.ErrorIs(t, WaitForKey(shortCtx, s, "/w/missing"), context.DeadlineExceeded)
}

func TestWaitForChildren(t *testing.T) {
	ctx := context.Background()
	s := NewInProcStore(InProcStoreOptions{})
	defer s.Close()

	require.NoError(t, s.Create(ctx, "/c/parent/n1", nil))

	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = s.Create(ctx, "/c/parent/n2", nil)
	}()

	waitCtx, waitCancel := context.WithTimeout(ctx, 5*time.Second)
	defer waitCancel()
	require.NoError(t, WaitForChildren(waitCtx, s, "/c/parent", 2))
}
