/*
Copyright 2022-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package coordkv

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/exp/slices"
)

type InProcStoreOptions struct {
}

type inProcEntry struct {
	entry   Entry
	session *inProcSession
}

type inProcWatcher struct {
	prefix  string
	pending []*WatchResponse
	signal  chan struct{}
}

// InProcStore is a Store kept entirely in memory.  It keeps its full change
// history so that watches can resume from any revision, which makes it only
// suitable for tests and single process setups.
type InProcStore struct {
	lock     sync.Mutex
	closed   bool
	revision int64
	entries  map[string]*inProcEntry
	history  []*WatchResponse
	watchers []*inProcWatcher
	sessions []*inProcSession
	closeCh  chan struct{}
}

var _ Store = (*InProcStore)(nil)

func NewInProcStore(opts InProcStoreOptions) *InProcStore {
	return &InProcStore{
		entries: make(map[string]*inProcEntry),
		closeCh: make(chan struct{}),
	}
}

func cloneEntry(e *Entry) *Entry {
	return &Entry{
		Key:            e.Key,
		Value:          slices.Clone(e.Value),
		CreateRevision: e.CreateRevision,
		ModRevision:    e.ModRevision,
	}
}

func (s *InProcStore) signalLocked(evt *Event) {
	resp := &WatchResponse{
		Revision: s.revision,
		Events:   []*Event{evt},
	}
	s.history = append(s.history, resp)

	for _, w := range s.watchers {
		if !strings.HasPrefix(evt.Entry.Key, w.prefix) {
			continue
		}

		w.pending = append(w.pending, resp)
		select {
		case w.signal <- struct{}{}:
		default:
		}
	}
}

func (s *InProcStore) putLocked(key string, value []byte, session *inProcSession) {
	s.revision++

	existing := s.entries[key]
	createRevision := s.revision
	if existing != nil {
		createRevision = existing.entry.CreateRevision
	}

	e := &inProcEntry{
		entry: Entry{
			Key:            key,
			Value:          slices.Clone(value),
			CreateRevision: createRevision,
			ModRevision:    s.revision,
		},
		session: session,
	}
	s.entries[key] = e

	s.signalLocked(&Event{
		Type:  EventPut,
		Entry: cloneEntry(&e.entry),
	})
}

func (s *InProcStore) deleteLocked(key string) {
	existing := s.entries[key]
	if existing == nil {
		return
	}

	s.revision++
	delete(s.entries, key)

	s.signalLocked(&Event{
		Type: EventDelete,
		Entry: &Entry{
			Key:         key,
			ModRevision: s.revision,
		},
	})
}

func (s *InProcStore) Get(ctx context.Context, key string) (*Entry, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	e := s.entries[key]
	if e == nil {
		return nil, ErrKeyNotFound
	}

	return cloneEntry(&e.entry), nil
}

func (s *InProcStore) List(ctx context.Context, prefix string) (*Listing, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	var entries []*Entry
	for key, e := range s.entries {
		if strings.HasPrefix(key, prefix) {
			entries = append(entries, cloneEntry(&e.entry))
		}
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Key < entries[j].Key
	})

	return &Listing{
		Revision: s.revision,
		Entries:  entries,
	}, nil
}

func (s *InProcStore) create(key string, value []byte, session *inProcSession) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	if session != nil && session.expired {
		return ErrSessionClosed
	}

	if s.entries[key] != nil {
		return ErrKeyExists
	}

	s.putLocked(key, value, session)
	return nil
}

func (s *InProcStore) Create(ctx context.Context, key string, value []byte) error {
	return s.create(key, value, nil)
}

func (s *InProcStore) Put(ctx context.Context, key string, value []byte) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	s.putLocked(key, value, nil)
	return nil
}

func (s *InProcStore) Delete(ctx context.Context, key string) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	s.deleteLocked(key)
	return nil
}

func (s *InProcStore) DeleteIfCreated(ctx context.Context, key string, createRevision int64) (bool, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.closed {
		return false, ErrStoreClosed
	}

	e := s.entries[key]
	if e == nil || e.entry.CreateRevision != createRevision {
		return false, nil
	}

	s.deleteLocked(key)
	return true, nil
}

func (s *InProcStore) removeWatcher(w *inProcWatcher) {
	s.lock.Lock()
	idx := slices.Index(s.watchers, w)
	if idx >= 0 {
		s.watchers = slices.Delete(s.watchers, idx, idx+1)
	}
	s.lock.Unlock()
}

func (s *InProcStore) Watch(ctx context.Context, prefix string, afterRevision int64) (<-chan *WatchResponse, error) {
	w := &inProcWatcher{
		prefix: prefix,
		signal: make(chan struct{}, 1),
	}

	s.lock.Lock()
	if s.closed {
		s.lock.Unlock()
		return nil, ErrStoreClosed
	}

	// replay anything the caller has not seen yet
	for _, resp := range s.history {
		if resp.Revision <= afterRevision {
			continue
		}
		if strings.HasPrefix(resp.Events[0].Entry.Key, prefix) {
			w.pending = append(w.pending, resp)
		}
	}
	if len(w.pending) > 0 {
		w.signal <- struct{}{}
	}

	s.watchers = append(s.watchers, w)
	s.lock.Unlock()

	outputCh := make(chan *WatchResponse)
	go func() {
		defer close(outputCh)
		defer s.removeWatcher(w)

		for {
			select {
			case <-w.signal:
			case <-ctx.Done():
				return
			case <-s.closeCh:
				return
			}

			s.lock.Lock()
			pending := w.pending
			w.pending = nil
			s.lock.Unlock()

			for _, resp := range pending {
				select {
				case outputCh <- resp:
				case <-ctx.Done():
					return
				case <-s.closeCh:
					return
				}
			}
		}
	}()

	return outputCh, nil
}

func (s *InProcStore) NewSession(ctx context.Context, ttl time.Duration) (Session, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	sess := &inProcSession{
		parent: s,
		doneCh: make(chan struct{}),
	}
	s.sessions = append(s.sessions, sess)

	return sess, nil
}

// ExpireSession simulates the session's lease running out, removing every
// ephemeral key it owns.
func (s *InProcStore) ExpireSession(sess Session) {
	ipSess, ok := sess.(*inProcSession)
	if !ok {
		return
	}

	s.lock.Lock()
	s.expireLocked(ipSess)
	s.lock.Unlock()
}

func (s *InProcStore) expireLocked(sess *inProcSession) {
	if sess.expired {
		return
	}
	sess.expired = true

	var owned []string
	for key, e := range s.entries {
		if e.session == sess {
			owned = append(owned, key)
		}
	}
	sort.Strings(owned)

	for _, key := range owned {
		s.deleteLocked(key)
	}

	idx := slices.Index(s.sessions, sess)
	if idx >= 0 {
		s.sessions = slices.Delete(s.sessions, idx, idx+1)
	}

	close(sess.doneCh)
}

func (s *InProcStore) Close() error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.closed {
		return nil
	}

	for len(s.sessions) > 0 {
		s.expireLocked(s.sessions[0])
	}

	s.closed = true
	close(s.closeCh)

	return nil
}

type inProcSession struct {
	parent  *InProcStore
	expired bool
	doneCh  chan struct{}
}

func (s *inProcSession) Create(ctx context.Context, key string, value []byte) error {
	return s.parent.create(key, value, s)
}

func (s *inProcSession) Done() <-chan struct{} {
	return s.doneCh
}

func (s *inProcSession) Close(ctx context.Context) error {
	s.parent.ExpireSession(s)
	return nil
}
