package comm

import (
	"sync"

	"github.com/couchbase/stellar-stream/common/topology"
)

// TopologyListener is the part of an Emitter that consumes topology updates.
type TopologyListener interface {
	OnTopologyChange(snap *topology.Snapshot)
}

// TopologyBinding forwards every snapshot published by a provider to a
// single target until it is closed.
type TopologyBinding struct {
	provider topology.Provider
	target   TopologyListener

	lock   sync.Mutex
	closed bool
	sub    *topology.Subscription
}

// BindTopology subscribes target to provider and seeds it with the current
// snapshot.  Subscribing happens first so no change can be missed between
// the seed and the first notification.
func BindTopology(provider topology.Provider, target TopologyListener) *TopologyBinding {
	b := &TopologyBinding{
		provider: provider,
		target:   target,
	}

	sub := provider.Subscribe(b.forward)

	b.lock.Lock()
	b.sub = sub
	b.lock.Unlock()

	b.forward()

	return b
}

func (b *TopologyBinding) forward() {
	b.lock.Lock()
	closed := b.closed
	b.lock.Unlock()
	if closed {
		return
	}

	snap := b.provider.Current()
	if snap == nil {
		return
	}

	b.target.OnTopologyChange(snap)
}

func (b *TopologyBinding) Close() {
	b.lock.Lock()
	if b.closed {
		b.lock.Unlock()
		return
	}
	b.closed = true
	sub := b.sub
	b.lock.Unlock()

	sub.Unsubscribe()
}
