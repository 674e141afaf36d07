package comm

import (
	"context"
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"
)

// Listener receives payloads sent by an Emitter of the same transport.
type Listener interface {
	Recv(ctx context.Context) ([]byte, error)
	Addr() net.Addr
	Close() error
}

type ListenerOptions struct {
	Logger *zap.Logger

	// QueueSize bounds the number of received payloads waiting for Recv.
	// Datagrams arriving while the queue is full are dropped, stream reads
	// block instead.
	QueueSize int
}

const defaultListenerQueueSize = 1024

func NewListener(transport string, bindAddr string, opts ListenerOptions) (Listener, error) {
	switch transport {
	case "udp":
		return NewUDPListener(bindAddr, opts)
	case "tcp":
		return NewTCPListener(bindAddr, opts)
	}

	return nil, fmt.Errorf("%w: %s", ErrUnknownTransport, transport)
}

type listenerQueue struct {
	logger  *zap.Logger
	queueCh chan []byte

	closeOnce sync.Once
	closeCh   chan struct{}
}

func (q *listenerQueue) init(opts ListenerOptions) {
	q.logger = opts.Logger
	if q.logger == nil {
		q.logger = zap.NewNop()
	}

	queueSize := opts.QueueSize
	if queueSize <= 0 {
		queueSize = defaultListenerQueueSize
	}

	q.queueCh = make(chan []byte, queueSize)
	q.closeCh = make(chan struct{})
}

func (q *listenerQueue) Recv(ctx context.Context) ([]byte, error) {
	select {
	case payload := <-q.queueCh:
		return payload, nil
	case <-q.closeCh:
		return nil, ErrListenerClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// offer enqueues without blocking, reporting whether the payload was kept.
func (q *listenerQueue) offer(payload []byte) bool {
	select {
	case q.queueCh <- payload:
		return true
	default:
		return false
	}
}

// push enqueues, blocking until there is room or the listener closes.
func (q *listenerQueue) push(payload []byte) bool {
	select {
	case q.queueCh <- payload:
		return true
	case <-q.closeCh:
		return false
	}
}

// markClosed reports whether this call performed the close.
func (q *listenerQueue) markClosed() bool {
	closed := false
	q.closeOnce.Do(func() {
		close(q.closeCh)
		closed = true
	})
	return closed
}

func (q *listenerQueue) isClosed() bool {
	select {
	case <-q.closeCh:
		return true
	default:
		return false
	}
}
