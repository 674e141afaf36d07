package topology

import (
	"sync"

	"golang.org/x/exp/slices"
)

/*
Provider exposes the latest Snapshot along with change notifications.

Listeners are invoked synchronously from the goroutine delivering the change,
and receive no diff: they must re-read Current().  Redundant notifications are
possible so listeners must be idempotent.  Subscribing does not replay the
current state, new subscribers should call Current() once to seed themselves.
*/
type Provider interface {
	Current() *Snapshot
	Subscribe(fn func()) *Subscription
}

type Subscription struct {
	parent *listenerSet
	fn     *func()
}

func (s *Subscription) Unsubscribe() {
	if s == nil || s.parent == nil {
		return
	}
	s.parent.remove(s.fn)
}

type listenerSet struct {
	lock      sync.Mutex
	listeners []*func()
}

func (l *listenerSet) add(fn func()) *Subscription {
	fnPtr := &fn

	l.lock.Lock()
	l.listeners = append(l.listeners, fnPtr)
	l.lock.Unlock()

	return &Subscription{
		parent: l,
		fn:     fnPtr,
	}
}

func (l *listenerSet) remove(fnPtr *func()) {
	l.lock.Lock()
	idx := slices.Index(l.listeners, fnPtr)
	if idx >= 0 {
		l.listeners = slices.Delete(l.listeners, idx, idx+1)
	}
	l.lock.Unlock()
}

func (l *listenerSet) notify() {
	l.lock.Lock()
	listeners := slices.Clone(l.listeners)
	l.lock.Unlock()

	for _, fn := range listeners {
		(*fn)()
	}
}
