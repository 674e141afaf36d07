package comm

import (
	"net"
	"sync/atomic"

	"github.com/couchbase/stellar-stream/common/topology"
)

type routeEntry struct {
	Node topology.Node

	// resolved addresses are scoped to the table they were resolved in, a
	// new topology always starts with an empty cache.
	udpAddr atomic.Pointer[net.UDPAddr]
}

func (e *routeEntry) resolveUDP() (*net.UDPAddr, error) {
	if addr := e.udpAddr.Load(); addr != nil {
		return addr, nil
	}

	addr, err := net.ResolveUDPAddr("udp", e.Node.Address())
	if err != nil {
		return nil, err
	}

	e.udpAddr.Store(addr)
	return addr, nil
}

type routeTable struct {
	Version        int64
	PartitionCount int
	Routes         map[int]*routeEntry
}

func newRouteTable(snap *topology.Snapshot) *routeTable {
	routes := make(map[int]*routeEntry, len(snap.Nodes))
	for _, node := range snap.Nodes {
		routes[node.PartitionID] = &routeEntry{
			Node: node,
		}
	}

	return &routeTable{
		Version:        snap.Version,
		PartitionCount: snap.PartitionCount,
		Routes:         routes,
	}
}

type atomicRouteTable struct {
	Value atomic.Value
}

func (t *atomicRouteTable) Load() *routeTable {
	table, _ := t.Value.Load().(*routeTable)
	return table
}

func (t *atomicRouteTable) Store(new *routeTable) {
	t.Value.Store(new)
}

func (t *atomicRouteTable) CompareAndSwap(old, new *routeTable) bool {
	return t.Value.CompareAndSwap(old, new)
}

// StoreIfNewer publishes new unless a table with a higher version is already
// visible, reporting whether new was published.
func (t *atomicRouteTable) StoreIfNewer(new *routeTable) bool {
	for {
		old := t.Load()
		if old != nil && old.Version > new.Version {
			return false
		}

		if old == nil {
			if t.Value.CompareAndSwap(nil, new) {
				return true
			}
			continue
		}

		if t.CompareAndSwap(old, new) {
			return true
		}
	}
}
