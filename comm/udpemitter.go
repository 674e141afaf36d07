package comm

import (
	"errors"
	"net"
	"sync/atomic"

	"github.com/couchbase/stellar-stream/common/topology"
	"golang.org/x/exp/slices"
)

// UDPEmitter is a best-effort transport: a single shared datagram socket, no
// queueing and no retransmission.  Send blocks only for the socket write.
type UDPEmitter struct {
	emitterBase

	conn   *net.UDPConn
	closed atomic.Bool
}

var _ Emitter = (*UDPEmitter)(nil)

func NewUDPEmitter(opts EmitterOptions) (*UDPEmitter, error) {
	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, err
	}

	e := &UDPEmitter{
		conn: conn,
	}
	e.init("udp", opts)

	return e, nil
}

func (e *UDPEmitter) Send(partitionID int, payload []byte) (bool, error) {
	if e.closed.Load() {
		return false, ErrEmitterClosed
	}

	route, ok := e.lookup(partitionID)
	if !ok {
		return false, nil
	}

	addr, err := route.resolveUDP()
	if err != nil {
		return false, e.recordFailure(partitionID, route.Node.Address(), err)
	}

	buf := slices.Clone(payload)
	_, err = e.conn.WriteToUDP(buf, addr)
	if err != nil {
		if errors.Is(err, net.ErrClosed) && e.closed.Load() {
			return false, ErrEmitterClosed
		}
		return false, e.recordFailure(partitionID, addr.String(), err)
	}

	e.recordSent()
	return true, nil
}

func (e *UDPEmitter) OnTopologyChange(snap *topology.Snapshot) {
	e.applyTopology(snap)
}

func (e *UDPEmitter) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}

	return e.conn.Close()
}
