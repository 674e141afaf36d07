package topology

import (
	"sync/atomic"
)

// StaticProvider serves snapshots supplied directly by its owner.  It is
// used for single node setups and tests.
type StaticProvider struct {
	current   atomic.Pointer[Snapshot]
	listeners listenerSet
}

var _ Provider = (*StaticProvider)(nil)

func NewStaticProvider(snap *Snapshot) *StaticProvider {
	p := &StaticProvider{}
	if snap == nil {
		snap = &Snapshot{}
	}
	p.current.Store(snap)
	return p
}

func (p *StaticProvider) Current() *Snapshot {
	return p.current.Load()
}

func (p *StaticProvider) Subscribe(fn func()) *Subscription {
	return p.listeners.add(fn)
}

// Update publishes a new snapshot and notifies every listener before
// returning.
func (p *StaticProvider) Update(snap *Snapshot) {
	p.current.Store(snap)
	p.listeners.notify()
}
