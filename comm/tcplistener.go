package comm

import (
	"bufio"
	"errors"
	"io"
	"net"
	"sync"

	"go.uber.org/zap"
)

type TCPListener struct {
	listenerQueue

	listener net.Listener

	lock  sync.Mutex
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup
}

var _ Listener = (*TCPListener)(nil)

func NewTCPListener(bindAddr string, opts ListenerOptions) (*TCPListener, error) {
	lis, err := net.Listen("tcp", bindAddr)
	if err != nil {
		return nil, err
	}

	l := &TCPListener{
		listener: lis,
		conns:    make(map[net.Conn]struct{}),
	}
	l.init(opts)

	l.wg.Add(1)
	go l.acceptThread()

	return l, nil
}

func (l *TCPListener) acceptThread() {
	defer l.wg.Done()

	for {
		conn, err := l.listener.Accept()
		if err != nil {
			if !l.isClosed() {
				l.logger.Warn("tcp listener accept failed", zap.Error(err))
			}
			return
		}

		l.lock.Lock()
		if l.isClosed() {
			l.lock.Unlock()
			_ = conn.Close()
			return
		}
		l.conns[conn] = struct{}{}
		l.wg.Add(1)
		l.lock.Unlock()

		go l.connThread(conn)
	}
}

func (l *TCPListener) connThread(conn net.Conn) {
	defer l.wg.Done()
	defer func() {
		l.lock.Lock()
		delete(l.conns, conn)
		l.lock.Unlock()
		_ = conn.Close()
	}()

	reader := bufio.NewReader(conn)
	for {
		payload, err := readFrame(reader)
		if err != nil {
			if !errors.Is(err, io.EOF) && !l.isClosed() {
				l.logger.Debug("closing inbound stream",
					zap.String("remote", conn.RemoteAddr().String()),
					zap.Error(err))
			}
			return
		}

		if !l.push(payload) {
			return
		}
	}
}

func (l *TCPListener) Addr() net.Addr {
	return l.listener.Addr()
}

func (l *TCPListener) Close() error {
	if !l.markClosed() {
		return nil
	}

	err := l.listener.Close()

	l.lock.Lock()
	for conn := range l.conns {
		_ = conn.Close()
	}
	l.lock.Unlock()

	l.wg.Wait()
	return err
}
