// Package mem is an in-process transport built on net.Pipe, used by tests and
// by the threaded server when both ends live in one process.
package mem

import (
	"context"
	"errors"
	"net"
	"sync"

	"hsocket/pkg/protocol/stream"
	"hsocket/pkg/transport"
)

var (
	ErrAddrInUse  = errors.New("mem: listener already exists")
	ErrNoListener = errors.New("mem: no such listener")
)

// Transport keeps named listeners. Dial pairs a net.Pipe with the listener of
// the same name.
type Transport struct {
	mu        sync.Mutex
	listeners map[string]*listener
}

func New() *Transport { return &Transport{listeners: make(map[string]*listener)} }

func (t *Transport) Kind() transport.Kind { return transport.KindMem }

func (t *Transport) Listen(ctx context.Context, name string) (transport.Listener, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.listeners[name]; ok {
		return nil, ErrAddrInUse
	}
	l := &listener{name: name, newCh: make(chan *stream.Conn), closeCh: make(chan struct{})}
	l.onClose = func() {
		t.mu.Lock()
		if t.listeners[name] == l {
			delete(t.listeners, name)
		}
		t.mu.Unlock()
	}
	t.listeners[name] = l
	go func() {
		select {
		case <-ctx.Done():
			_ = l.Close()
		case <-l.closeCh:
		}
	}()
	return l, nil
}

// Dial blocks until the listener accepts the pipe or ctx is done.
func (t *Transport) Dial(ctx context.Context, name string) (transport.Stream, error) {
	t.mu.Lock()
	l := t.listeners[name]
	t.mu.Unlock()
	if l == nil {
		return nil, ErrNoListener
	}
	c1, c2 := net.Pipe()
	srv := stream.New(&pipeConn{Conn: c1, local: Addr(name), remote: Addr(name + "#client")})
	select {
	case l.newCh <- srv:
	case <-l.closeCh:
		_ = c1.Close()
		_ = c2.Close()
		return nil, ErrNoListener
	case <-ctx.Done():
		_ = c1.Close()
		_ = c2.Close()
		return nil, ctx.Err()
	}
	return stream.New(&pipeConn{Conn: c2, local: Addr(name + "#client"), remote: Addr(name)}), nil
}

type listener struct {
	name      string
	newCh     chan *stream.Conn
	closeCh   chan struct{}
	closeOnce sync.Once
	onClose   func()
}

func (l *listener) Addr() net.Addr { return Addr(l.name) }

func (l *listener) Accept(ctx context.Context) (transport.Stream, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.closeCh:
		return nil, transport.ErrClosed
	case s := <-l.newCh:
		return s, nil
	}
}

func (l *listener) Close() error {
	l.closeOnce.Do(func() {
		close(l.closeCh)
		if l.onClose != nil {
			l.onClose()
		}
	})
	return nil
}

// Addr is the address of a mem endpoint.
type Addr string

func (a Addr) Network() string { return "mem" }
func (a Addr) String() string  { return string(a) }

// pipeConn gives net.Pipe ends readable addresses.
type pipeConn struct {
	net.Conn
	local, remote net.Addr
}

func (p *pipeConn) LocalAddr() net.Addr  { return p.local }
func (p *pipeConn) RemoteAddr() net.Addr { return p.remote }
