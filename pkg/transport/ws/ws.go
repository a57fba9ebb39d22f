// Package ws carries protocol frames over WebSocket. Each binary WebSocket
// message holds exactly one frame.
package ws

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"hsocket/pkg/protocol"
	"hsocket/pkg/transport"
)

// DefaultPath is where the listener upgrades connections.
const DefaultPath = "/ws"

// Transport dials and listens on WebSocket.
type Transport struct {
	Path        string
	CheckOrigin func(r *http.Request) bool
	Dialer      *websocket.Dialer
}

func New() *Transport { return &Transport{Path: DefaultPath} }

func (t *Transport) Kind() transport.Kind { return transport.KindWS }

func (t *Transport) path() string {
	if t.Path == "" {
		return DefaultPath
	}
	return t.Path
}

// Listen serves the upgrade endpoint on address with a chi router.
func (t *Transport) Listen(ctx context.Context, address string) (transport.Listener, error) {
	lc := net.ListenConfig{}
	nl, err := lc.Listen(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	checkOrigin := t.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	l := &listener{
		nl:      nl,
		newCh:   make(chan *Conn),
		closeCh: make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
	}
	r := chi.NewRouter()
	r.Get(t.path(), l.handleUpgrade)
	l.srv = &http.Server{Handler: r, ReadHeaderTimeout: 10 * time.Second}
	go func() { _ = l.srv.Serve(nl) }()
	go func() {
		select {
		case <-ctx.Done():
			_ = l.Close()
		case <-l.closeCh:
		}
	}()
	return l, nil
}

// Dial connects to address, which is either host:port or a full ws:// URL.
func (t *Transport) Dial(ctx context.Context, address string) (transport.Stream, error) {
	url := address
	if !strings.Contains(address, "://") {
		url = "ws://" + address + t.path()
	}
	d := t.Dialer
	if d == nil {
		d = websocket.DefaultDialer
	}
	c, _, err := d.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return NewConn(c), nil
}

type listener struct {
	nl        net.Listener
	srv       *http.Server
	upgrader  websocket.Upgrader
	newCh     chan *Conn
	closeCh   chan struct{}
	closeOnce sync.Once
}

func (l *listener) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	c, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	select {
	case l.newCh <- NewConn(c):
	case <-l.closeCh:
		_ = c.Close()
	case <-r.Context().Done():
		_ = c.Close()
	}
}

func (l *listener) Addr() net.Addr { return l.nl.Addr() }

func (l *listener) Accept(ctx context.Context) (transport.Stream, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.closeCh:
		return nil, transport.ErrClosed
	case c := <-l.newCh:
		return c, nil
	}
}

func (l *listener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.closeCh)
		err = l.srv.Close()
	})
	return err
}

type readResult struct {
	m   protocol.Message
	err error
}

// Conn is a transport.Stream over one WebSocket connection. A read pump owns
// the socket's read side, so a read timeout leaves the connection usable.
type Conn struct {
	ws      *websocket.Conn
	wmu     sync.Mutex
	results chan readResult
	done    chan struct{}
	timeout atomic.Int64
	closed  atomic.Bool
	once    sync.Once
}

var _ transport.Stream = (*Conn)(nil)

func NewConn(c *websocket.Conn) *Conn {
	wc := &Conn{ws: c, results: make(chan readResult, 16), done: make(chan struct{})}
	go wc.readPump()
	return wc
}

func (c *Conn) readPump() {
	defer close(c.results)
	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case c.results <- readResult{err: err}:
			case <-c.done:
			}
			return
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		m, n, err := protocol.ParseFrame(data)
		if err == nil && n != len(data) {
			err = fmt.Errorf("%w: %d trailing bytes", protocol.ErrContentMismatch, len(data)-n)
		} else if errors.Is(err, protocol.ErrShortFrame) {
			err = fmt.Errorf("%w: message holds a partial frame", protocol.ErrContentMismatch)
		}
		select {
		case c.results <- readResult{m: m, err: err}:
		case <-c.done:
			return
		}
	}
}

func (c *Conn) SendMessage(m protocol.Message) error {
	if c.closed.Load() {
		return transport.ErrClosed
	}
	frame, err := protocol.Encode(m)
	if err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.ws.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return mapErr(err)
	}
	return nil
}

func (c *Conn) ReceiveMessage() (protocol.Message, error) {
	if c.closed.Load() {
		return protocol.Empty(), transport.ErrClosed
	}
	var timer <-chan time.Time
	if d := time.Duration(c.timeout.Load()); d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		timer = t.C
	}
	select {
	case r, ok := <-c.results:
		if !ok {
			return protocol.Empty(), transport.ErrClosed
		}
		if r.err != nil {
			if websocket.IsCloseError(r.err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return protocol.Empty(), nil
			}
			if protocol.IsMalformed(r.err) {
				return protocol.Empty(), r.err
			}
			return protocol.Empty(), mapErr(r.err)
		}
		return r.m, nil
	case <-timer:
		return protocol.Empty(), transport.ErrTimeout
	case <-c.done:
		return protocol.Empty(), transport.ErrClosed
	}
}

func (c *Conn) SetReadTimeout(d time.Duration) { c.timeout.Store(int64(d)) }

func (c *Conn) LocalAddr() net.Addr  { return c.ws.LocalAddr() }
func (c *Conn) RemoteAddr() net.Addr { return c.ws.RemoteAddr() }

// Close sends a normal close frame and closes the socket. It is idempotent.
func (c *Conn) Close() error {
	var err error
	c.once.Do(func() {
		c.closed.Store(true)
		close(c.done)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		c.wmu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		c.wmu.Unlock()
		err = c.ws.Close()
	})
	return err
}

func mapErr(err error) error {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return fmt.Errorf("%w: %v", transport.ErrConnReset, err)
	}
	if errors.Is(err, websocket.ErrCloseSent) {
		return fmt.Errorf("%w: %v", transport.ErrClosed, err)
	}
	return transport.Classify(err)
}
