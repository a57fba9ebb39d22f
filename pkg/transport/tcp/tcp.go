// Package tcp carries framed protocol streams over TCP.
package tcp

import (
	"context"
	"net"
	"sync"

	"hsocket/pkg/protocol/stream"
	"hsocket/pkg/transport"
)

// Transport dials and listens on TCP. Every connection becomes a stream.Conn.
type Transport struct{}

func New() *Transport { return &Transport{} }

func (t *Transport) Kind() transport.Kind { return transport.KindTCP }

func (t *Transport) Listen(ctx context.Context, address string) (transport.Listener, error) {
	lc := net.ListenConfig{}
	l, err := lc.Listen(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	tl := &listener{l: l, newCh: make(chan *stream.Conn), closeCh: make(chan struct{})}
	go tl.acceptLoop()
	go func() {
		select {
		case <-ctx.Done():
			_ = tl.Close()
		case <-tl.closeCh:
		}
	}()
	return tl, nil
}

func (t *Transport) Dial(ctx context.Context, address string) (transport.Stream, error) {
	d := &net.Dialer{}
	c, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	if tc, ok := c.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	return stream.NewNetConn(c), nil
}

// Wrap turns an already connected net.Conn into a stream.
func Wrap(c net.Conn) transport.Stream { return stream.NewNetConn(c) }

type listener struct {
	l         net.Listener
	newCh     chan *stream.Conn
	closeCh   chan struct{}
	closeOnce sync.Once
	errMu     sync.Mutex
	err       error
}

func (l *listener) Addr() net.Addr { return l.l.Addr() }

func (l *listener) Accept(ctx context.Context) (transport.Stream, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.closeCh:
		l.errMu.Lock()
		defer l.errMu.Unlock()
		if l.err != nil {
			return nil, l.err
		}
		return nil, transport.ErrClosed
	case s := <-l.newCh:
		return s, nil
	}
}

func (l *listener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.closeCh)
		err = l.l.Close()
	})
	return err
}

func (l *listener) acceptLoop() {
	for {
		c, err := l.l.Accept()
		if err != nil {
			l.errMu.Lock()
			if l.err == nil {
				l.err = transport.Classify(err)
			}
			l.errMu.Unlock()
			_ = l.Close()
			return
		}
		if tc, ok := c.(*net.TCPConn); ok {
			_ = tc.SetNoDelay(true)
		}
		select {
		case l.newCh <- stream.NewNetConn(c):
		case <-l.closeCh:
			_ = c.Close()
			return
		}
	}
}
