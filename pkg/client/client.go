// Package client connects to an hsocket server over any stream transport.
// A sync client sends requests and reads replies on the caller's goroutine;
// an async client runs a receiver goroutine that dispatches every incoming
// message by opcode.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"hsocket/pkg/config"
	"hsocket/pkg/core/netstack"
	"hsocket/pkg/filetransfer"
	"hsocket/pkg/observability"
	"hsocket/pkg/protocol"
	"hsocket/pkg/transport"
	"hsocket/pkg/transport/tcp"
)

var (
	// ErrNoResponse is returned by Request when no reply arrived. It wraps
	// transport.ErrTimeout (connection kept) or transport.ErrConnReset.
	ErrNoResponse = errors.New("client: no response")
	// ErrAsyncRequest is returned by Request on an async client.
	ErrAsyncRequest = errors.New("client: request needs a sync client")
	// ErrNotConnected is returned before Connect and after a disconnect.
	ErrNotConnected = errors.New("client: not connected")
)

type Mode int

const (
	ModeSync Mode = iota
	ModeAsync
)

func (m Mode) String() string {
	if m == ModeAsync {
		return config.ModeAsync
	}
	return config.ModeSync
}

// Options configure a Client. Zero values are usable and dial tcp.
type Options struct {
	Mode      Mode
	Transport transport.Transport
	Dial      netstack.Options
	Logger    *zap.Logger
	Metrics   *observability.Metrics
	// Timeout bounds Request; zero waits forever
	Timeout time.Duration
	// FileTransferHost overrides the side channel host; empty uses the peer's host
	FileTransferHost    string
	FileTransferTimeout time.Duration
	DownloadDir         string
	ChunkSize           int
}

// OptionsFrom builds Options from the loaded configuration.
func OptionsFrom(cfg *config.Config, log *zap.Logger, m *observability.Metrics) (Options, error) {
	tr, err := netstack.NewByKind(cfg.Client.Kind)
	if err != nil {
		return Options{}, err
	}
	mode := ModeSync
	if cfg.Client.Mode == config.ModeAsync {
		mode = ModeAsync
	}
	return Options{
		Mode:                mode,
		Transport:           tr,
		Dial:                netstack.OptionsFrom(cfg.Net),
		Logger:              log,
		Metrics:             m,
		Timeout:             cfg.Client.Timeout(),
		FileTransferTimeout: cfg.FileTransfer.Timeout(),
		DownloadDir:         cfg.FileTransfer.DownloadDir,
		ChunkSize:           cfg.FileTransfer.ChunkSize,
	}, nil
}

// session is one connected control stream.
type session struct {
	st   transport.Stream
	host string
	once sync.Once
	// done is closed when the receiver exits; nil in sync mode
	done chan struct{}
	// dispatching is set while the receiver runs a callback
	dispatching atomic.Bool
}

// Client is safe for concurrent use. Callbacks should be registered before
// Connect.
type Client struct {
	addr     string
	opts     Options
	log      *zap.Logger
	dispatch *protocol.Dispatcher[*Client]
	ports    portSlot

	mu             sync.Mutex
	cur            *session
	onConnected    func()
	onDisconnected func()
}

// New returns an unconnected client for addr.
func New(addr string, opts Options) *Client {
	if opts.Transport == nil {
		opts.Transport = tcp.New()
	}
	log := opts.Logger
	if log == nil {
		log = zap.L()
	}
	if opts.FileTransferTimeout <= 0 {
		opts.FileTransferTimeout = 15 * time.Second
	}
	if opts.DownloadDir == "" {
		opts.DownloadDir = "download"
	}
	return &Client{
		addr:     addr,
		opts:     opts,
		log:      log.Named("client"),
		dispatch: protocol.NewDispatcher[*Client](nil),
	}
}

func (c *Client) Mode() Mode { return c.opts.Mode }

// OnOpcode registers fn for op. Returning true claims the message; returning
// false lets the OnMessage callback run too. Only async clients dispatch.
func (c *Client) OnOpcode(op uint16, fn func(protocol.Message) bool) {
	c.dispatch.Handle(op, func(_ *Client, m protocol.Message) bool { return fn(m) })
}

func (c *Client) RemoveOpcode(op uint16) { c.dispatch.Remove(op) }

// OnMessage sets the callback for messages no opcode handler claimed.
func (c *Client) OnMessage(fn func(protocol.Message)) {
	if fn == nil {
		c.dispatch.SetFallback(nil)
		return
	}
	c.dispatch.SetFallback(func(_ *Client, m protocol.Message) { fn(m) })
}

func (c *Client) OnConnected(fn func()) {
	c.mu.Lock()
	c.onConnected = fn
	c.mu.Unlock()
}

// OnDisconnected sets the callback fired at most once per connection.
func (c *Client) OnDisconnected(fn func()) {
	c.mu.Lock()
	c.onDisconnected = fn
	c.mu.Unlock()
}

// Connect dials the server, retrying with backoff until ctx is done.
// Connecting an already connected client is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.cur != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	st, err := netstack.DialWithBackoff(ctx, c.opts.Transport, c.addr, c.opts.Dial)
	if err != nil {
		return err
	}
	s := &session{st: st, host: c.opts.FileTransferHost}
	if s.host == "" {
		s.host = filetransfer.HostOf(st.RemoteAddr())
	}
	c.ports.Reset()

	c.mu.Lock()
	if c.cur != nil {
		c.mu.Unlock()
		_ = st.Close()
		return nil
	}
	c.cur = s
	onConnected := c.onConnected
	c.mu.Unlock()

	c.opts.Metrics.ConnOpened("client")
	c.log.Info("connected", zap.String("addr", c.addr), zap.Stringer("mode", c.opts.Mode))
	if onConnected != nil {
		onConnected()
	}
	if c.opts.Mode == ModeAsync {
		s.done = make(chan struct{})
		go c.receive(s)
	}
	return nil
}

// Connected reports whether a control connection is open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cur != nil
}

func (c *Client) session() (*session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cur == nil {
		return nil, ErrNotConnected
	}
	return c.cur, nil
}

// Send writes one message. A broken connection is closed and reported
// through OnDisconnected.
func (c *Client) Send(m protocol.Message) error {
	s, err := c.session()
	if err != nil {
		return err
	}
	if err := s.st.SendMessage(m); err != nil {
		if broken(err) {
			c.sendFailed(s, err)
		}
		return err
	}
	c.opts.Metrics.MessageOut("client")
	return nil
}

// sendFailed closes s after a failed write. In async mode the receiver is
// given the chance to observe the reset first.
func (c *Client) sendFailed(s *session, cause error) {
	_ = s.st.Close()
	if s.done != nil && !s.dispatching.Load() {
		<-s.done
	}
	c.lost(s, cause)
}

// Request sends m and waits for one reply. Only sync clients can request.
func (c *Client) Request(ctx context.Context, m protocol.Message) (protocol.Message, error) {
	if c.opts.Mode == ModeAsync {
		return protocol.Empty(), ErrAsyncRequest
	}
	s, err := c.session()
	if err != nil {
		return protocol.Empty(), err
	}
	if err := s.st.SendMessage(m); err != nil {
		if broken(err) {
			c.lost(s, err)
			return protocol.Empty(), fmt.Errorf("%w: %w", ErrNoResponse, err)
		}
		return protocol.Empty(), err
	}
	c.opts.Metrics.MessageOut("client")
	return c.receiveOn(ctx, s, c.opts.Timeout)
}

// Receive waits for the next message on a sync client.
func (c *Client) Receive(ctx context.Context) (protocol.Message, error) {
	if c.opts.Mode == ModeAsync {
		return protocol.Empty(), ErrAsyncRequest
	}
	s, err := c.session()
	if err != nil {
		return protocol.Empty(), err
	}
	return c.receiveOn(ctx, s, c.opts.Timeout)
}

// receiveOn reads one message from a sync session. The shorter of timeout
// and the ctx deadline applies.
func (c *Client) receiveOn(ctx context.Context, s *session, timeout time.Duration) (protocol.Message, error) {
	if dl, ok := ctx.Deadline(); ok {
		if left := time.Until(dl); timeout <= 0 || left < timeout {
			timeout = max(left, time.Millisecond)
		}
	}
	s.st.SetReadTimeout(timeout)
	m, err := s.st.ReceiveMessage()
	switch {
	case err == nil && m.IsValid():
		c.opts.Metrics.MessageIn("client")
		return m, nil
	case err == nil:
		c.lost(s, nil)
		return protocol.Empty(), fmt.Errorf("%w: %w", ErrNoResponse, transport.ErrConnReset)
	case errors.Is(err, transport.ErrTimeout), protocol.IsMalformed(err):
		if protocol.IsMalformed(err) {
			c.opts.Metrics.Malformed("client")
		}
		return protocol.Empty(), fmt.Errorf("%w: %w", ErrNoResponse, err)
	default:
		c.lost(s, err)
		return protocol.Empty(), fmt.Errorf("%w: %w", ErrNoResponse, err)
	}
}

// receive is the async receiver. It owns reads on the control stream.
func (c *Client) receive(s *session) {
	defer close(s.done)
	for {
		m, err := s.st.ReceiveMessage()
		if err != nil {
			if errors.Is(err, transport.ErrTimeout) {
				continue
			}
			if protocol.IsMalformed(err) {
				c.opts.Metrics.Malformed("client")
				c.log.Warn("skipping malformed frame", zap.Error(err))
				continue
			}
			c.lost(s, err)
			return
		}
		if !m.IsValid() {
			c.lost(s, nil)
			return
		}
		c.opts.Metrics.MessageIn("client")
		if m.Opcode() == protocol.FTTransferPort {
			if port, err := filetransfer.PortFrom(m); err == nil {
				c.ports.Publish(port)
				continue
			}
		}
		s.dispatching.Store(true)
		c.dispatch.Dispatch(c, m)
		s.dispatching.Store(false)
	}
}

// lost closes s and fires OnDisconnected once for it.
func (c *Client) lost(s *session, cause error) {
	_ = s.st.Close()
	s.once.Do(func() {
		c.mu.Lock()
		if c.cur == s {
			c.cur = nil
		}
		fn := c.onDisconnected
		c.mu.Unlock()
		c.ports.Reset()
		c.opts.Metrics.ConnClosed("client")
		if cause != nil {
			c.log.Info("connection lost", zap.Error(cause))
		} else {
			c.log.Info("disconnected")
		}
		if fn != nil {
			fn()
		}
	})
}

// Close closes the connection and fires OnDisconnected if it has not fired yet.
func (c *Client) Close() error {
	c.mu.Lock()
	s := c.cur
	c.mu.Unlock()
	if s == nil {
		return nil
	}
	_ = s.st.Close()
	if s.done != nil && !s.dispatching.Load() {
		<-s.done
	}
	c.lost(s, nil)
	return nil
}

func broken(err error) bool {
	return errors.Is(err, transport.ErrConnReset) ||
		errors.Is(err, transport.ErrClosed) ||
		errors.Is(err, transport.ErrShortWrite)
}
