package comm

import (
	"net"
	"sync"

	"golang.org/x/exp/slices"
	"go.uber.org/zap"
)

const maxDatagramSize = 64 * 1024

type UDPListener struct {
	listenerQueue

	conn *net.UDPConn
	wg   sync.WaitGroup
}

var _ Listener = (*UDPListener)(nil)

func NewUDPListener(bindAddr string, opts ListenerOptions) (*UDPListener, error) {
	addr, err := net.ResolveUDPAddr("udp", bindAddr)
	if err != nil {
		return nil, err
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, err
	}

	l := &UDPListener{
		conn: conn,
	}
	l.init(opts)

	l.wg.Add(1)
	go l.readThread()

	return l, nil
}

func (l *UDPListener) readThread() {
	defer l.wg.Done()

	buf := make([]byte, maxDatagramSize)
	for {
		n, _, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			if !l.isClosed() {
				l.logger.Warn("udp listener read failed", zap.Error(err))
			}
			return
		}

		if !l.offer(slices.Clone(buf[:n])) {
			l.logger.Debug("dropping datagram, receive queue is full")
		}
	}
}

func (l *UDPListener) Addr() net.Addr {
	return l.conn.LocalAddr()
}

func (l *UDPListener) Close() error {
	if !l.markClosed() {
		return nil
	}

	err := l.conn.Close()
	l.wg.Wait()
	return err
}
