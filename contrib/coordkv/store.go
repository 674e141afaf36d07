package coordkv

import (
	"context"
	"errors"
	"time"
)

var (
	ErrKeyNotFound   = errors.New("key not found")
	ErrKeyExists     = errors.New("key already exists")
	ErrSessionClosed = errors.New("session closed")
	ErrStoreClosed   = errors.New("store closed")
)

type EventType int

const (
	EventPut EventType = iota
	EventDelete
)

func (t EventType) String() string {
	switch t {
	case EventPut:
		return "put"
	case EventDelete:
		return "delete"
	}
	return "unknown"
}

type Entry struct {
	Key            string
	Value          []byte
	CreateRevision int64
	ModRevision    int64
}

type Listing struct {
	Revision int64
	Entries  []*Entry
}

type Event struct {
	Type  EventType
	Entry *Entry
}

type WatchResponse struct {
	Revision int64
	Events   []*Event
}

/*
Store is the subset of a hierarchical coordination service the node depends on.
Keys are flat strings, hierarchy is expressed through `/` separated prefixes.

Watch delivers every change under prefix with a revision strictly greater than
afterRevision, in revision order.  The returned channel is closed when ctx is
cancelled or the underlying watch fails; callers wanting a durable view should
use Mirror.
*/
type Store interface {
	Get(ctx context.Context, key string) (*Entry, error)
	List(ctx context.Context, prefix string) (*Listing, error)
	Create(ctx context.Context, key string, value []byte) error
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	// DeleteIfCreated removes key only while it is still the entry created
	// at createRevision, reporting whether it was removed.
	DeleteIfCreated(ctx context.Context, key string, createRevision int64) (bool, error)
	Watch(ctx context.Context, prefix string, afterRevision int64) (<-chan *WatchResponse, error)
	NewSession(ctx context.Context, ttl time.Duration) (Session, error)
	Close() error
}

// Session owns ephemeral keys.  They are removed once the session is closed
// or expires.
type Session interface {
	Create(ctx context.Context, key string, value []byte) error
	Done() <-chan struct{}
	Close(ctx context.Context) error
}
