package comm

import (
	"net"
	"sync"
	"time"

	"github.com/couchbase/stellar-stream/common/topology"
	"go.uber.org/zap"
)

const (
	defaultDialTimeout  = 5 * time.Second
	defaultWriteTimeout = 5 * time.Second
)

// connKey identifies a pooled connection by the owning node as well as its
// address, a node restarted at the same address never inherits the old
// node's connection.
type connKey struct {
	nodeID string
	addr   string
}

func connKeyFor(node topology.Node) connKey {
	return connKey{nodeID: node.NodeID, addr: node.Address()}
}

type tcpConn struct {
	lock    sync.Mutex
	conn    net.Conn
	retired bool
}

// TCPEmitter is the reliable stream transport.  It keeps one connection per
// destination node and reuses it across sends.  A connection that fails is
// discarded, and the failure is returned to the caller.
type TCPEmitter struct {
	emitterBase

	dialTimeout  time.Duration
	writeTimeout time.Duration

	lock   sync.Mutex
	closed bool
	conns  map[connKey]*tcpConn
}

var _ Emitter = (*TCPEmitter)(nil)

func NewTCPEmitter(opts EmitterOptions) (*TCPEmitter, error) {
	dialTimeout := opts.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = defaultDialTimeout
	}

	writeTimeout := opts.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}

	e := &TCPEmitter{
		dialTimeout:  dialTimeout,
		writeTimeout: writeTimeout,
		conns:        make(map[connKey]*tcpConn),
	}
	e.init("tcp", opts)

	return e, nil
}

func (e *TCPEmitter) connFor(key connKey) (*tcpConn, error) {
	e.lock.Lock()
	defer e.lock.Unlock()

	if e.closed {
		return nil, ErrEmitterClosed
	}

	c := e.conns[key]
	if c == nil {
		c = &tcpConn{}
		e.conns[key] = c
	}

	return c, nil
}

func (e *TCPEmitter) dropConn(key connKey, c *tcpConn) {
	e.lock.Lock()
	if e.conns[key] == c {
		delete(e.conns, key)
	}
	e.lock.Unlock()
}

func (e *TCPEmitter) Send(partitionID int, payload []byte) (bool, error) {
	route, ok := e.lookup(partitionID)
	if !ok {
		e.lock.Lock()
		closed := e.closed
		e.lock.Unlock()
		if closed {
			return false, ErrEmitterClosed
		}
		return false, nil
	}

	frame, err := encodeFrame(payload)
	if err != nil {
		return false, e.recordFailure(partitionID, route.Node.Address(), err)
	}

	key := connKeyFor(route.Node)
	addr := key.addr

	for {
		c, err := e.connFor(key)
		if err != nil {
			return false, err
		}

		c.lock.Lock()
		if c.retired {
			// pruned by a topology change or close between lookup and lock
			c.lock.Unlock()
			continue
		}

		err = e.writeLocked(c, addr, frame)
		c.lock.Unlock()

		if err != nil {
			e.dropConn(key, c)
			return false, e.recordFailure(partitionID, addr, err)
		}

		e.recordSent()
		return true, nil
	}
}

func (e *TCPEmitter) writeLocked(c *tcpConn, addr string, frame []byte) error {
	if c.conn == nil {
		conn, err := net.DialTimeout("tcp", addr, e.dialTimeout)
		if err != nil {
			c.retired = true
			return err
		}
		c.conn = conn
	}

	err := c.conn.SetWriteDeadline(time.Now().Add(e.writeTimeout))
	if err == nil {
		_, err = c.conn.Write(frame)
	}
	if err != nil {
		_ = c.conn.Close()
		c.conn = nil
		c.retired = true
		return err
	}

	return nil
}

func (e *TCPEmitter) retire(conns []*tcpConn) {
	for _, c := range conns {
		c.lock.Lock()
		if c.conn != nil {
			_ = c.conn.Close()
			c.conn = nil
		}
		c.retired = true
		c.lock.Unlock()
	}
}

// OnTopologyChange swaps the routing table and closes connections to nodes
// that no longer own any partition, including a node replaced by another at
// the same address.
func (e *TCPEmitter) OnTopologyChange(snap *topology.Snapshot) {
	table := e.applyTopology(snap)
	if table == nil {
		return
	}

	liveNodes := make(map[connKey]struct{}, len(table.Routes))
	for _, route := range table.Routes {
		liveNodes[connKeyFor(route.Node)] = struct{}{}
	}

	var stale []*tcpConn
	e.lock.Lock()
	for key, c := range e.conns {
		if _, ok := liveNodes[key]; !ok {
			stale = append(stale, c)
			delete(e.conns, key)
		}
	}
	e.lock.Unlock()

	if len(stale) > 0 {
		e.logger.Debug("closing connections to departed nodes",
			zap.Int("count", len(stale)))
	}
	e.retire(stale)
}

func (e *TCPEmitter) Close() error {
	e.lock.Lock()
	if e.closed {
		e.lock.Unlock()
		return nil
	}

	e.closed = true
	conns := make([]*tcpConn, 0, len(e.conns))
	for _, c := range e.conns {
		conns = append(conns, c)
	}
	e.conns = nil
	e.lock.Unlock()

	e.retire(conns)
	return nil
}
