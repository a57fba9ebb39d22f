package server

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"hsocket/pkg/protocol"
	"hsocket/pkg/transport"
)

// ThreadedServer runs one goroutine per connection over any stream listener
// (tcp, mem, quic, ws). Each goroutine fires OnConnected, then receives and
// dispatches messages in order, and fires OnDisconnected when the loop ends.
type ThreadedServer struct {
	core
	l     transport.Listener
	conns *transport.Registry[*streamConn]
	wg    sync.WaitGroup

	mu      sync.Mutex
	running bool
	stopped bool
	cancel  context.CancelFunc
}

func NewThreadedServer(l transport.Listener, h Handler, opts Options) *ThreadedServer {
	return &ThreadedServer{
		core:  newCore("threaded", h, opts),
		l:     l,
		conns: transport.NewRegistry[*streamConn](),
	}
}

func (s *ThreadedServer) Addr() net.Addr { return s.l.Addr() }

// ConnCount returns the number of live connections.
func (s *ThreadedServer) ConnCount() int { return s.conns.Len() }

// ConnIDs returns the ids of the live connections, sorted.
func (s *ThreadedServer) ConnIDs() []string { return s.conns.IDs() }

// Conn looks up a live connection by id.
func (s *ThreadedServer) Conn(id string) (Conn, bool) {
	c, ok := s.conns.Get(id)
	if !ok {
		return nil, false
	}
	return c, true
}

// Serve accepts until Stop is called or ctx is done. It returns nil on a
// requested stop.
func (s *ThreadedServer) Serve(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrServerRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	s.running, s.cancel = true, cancel
	s.mu.Unlock()
	defer cancel()

	s.log.Info("threaded server serving", zap.Stringer("addr", s.l.Addr()))
	for {
		st, err := s.l.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || s.isStopped() || errors.Is(err, transport.ErrClosed) {
				s.Stop()
				return nil
			}
			s.log.Warn("accept failed", zap.Error(err))
			s.Stop()
			return err
		}
		s.mu.Lock()
		if s.stopped {
			s.mu.Unlock()
			_ = st.Close()
			continue
		}
		s.wg.Add(1)
		s.mu.Unlock()
		c := &streamConn{srv: s, id: uuid.NewString(), st: st, addr: st.RemoteAddr(), limiter: s.limiter()}
		go s.handle(c)
	}
}

func (s *ThreadedServer) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// Stop closes the listener and every connection, then waits for the
// connection goroutines to finish. OnDisconnected fires from each
// connection's own goroutine once its current callback returns.
func (s *ThreadedServer) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		s.wg.Wait()
		return
	}
	s.stopped = true
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	_ = s.l.Close()
	for _, id := range s.ConnIDs() {
		if c, ok := s.conns.Get(id); ok {
			c.shutdown()
		}
	}
	s.wg.Wait()
	s.log.Info("threaded server stopped")
}

func (s *ThreadedServer) handle(c *streamConn) {
	defer s.wg.Done()
	s.conns.Add(c.id, c)
	if s.isStopped() {
		s.conns.Remove(c.id)
		_ = c.st.Close()
		return
	}
	s.opts.Metrics.ConnOpened(s.name)
	defer func() {
		s.conns.Remove(c.id)
		_ = c.st.Close()
		s.opts.Metrics.ConnClosed(s.name)
		c.fireDisconnect()
	}()

	s.log.Info("connected", zap.String("conn", c.id), zap.Stringer("addr", c.addr))
	s.handler.OnConnected(c, c.addr)
	c.st.SetReadTimeout(s.opts.ReadTimeout)
	for !c.closing.Load() {
		m, err := c.st.ReceiveMessage()
		if err != nil {
			switch {
			case errors.Is(err, transport.ErrTimeout):
				continue
			case protocol.IsMalformed(err):
				s.opts.Metrics.Malformed(s.name)
				s.log.Warn("skipping malformed frame", zap.String("conn", c.id), zap.Error(err))
				continue
			}
			if !c.closing.Load() {
				s.log.Info("connection lost", zap.String("conn", c.id), zap.Error(err))
			}
			return
		}
		if !m.IsValid() {
			s.log.Info("disconnected", zap.String("conn", c.id))
			return
		}
		if c.limiter != nil && !c.limiter.Allow() {
			s.opts.Metrics.RateLimited(s.name)
			s.log.Warn("rate limit exceeded", zap.String("conn", c.id))
			return
		}
		s.opts.Metrics.MessageIn(s.name)
		s.dispatch.Dispatch(c, m)
	}
}

type streamConn struct {
	srv     *ThreadedServer
	id      string
	st      transport.Stream
	addr    net.Addr
	limiter *rate.Limiter
	closing atomic.Bool
	once    sync.Once
}

func (c *streamConn) ID() string           { return c.id }
func (c *streamConn) RemoteAddr() net.Addr { return c.addr }

func (c *streamConn) Send(m protocol.Message) error {
	if err := c.st.SendMessage(m); err != nil {
		return err
	}
	c.srv.opts.Metrics.MessageOut(c.srv.name)
	return nil
}

// Close closes the stream, which also ends the connection goroutine, and
// reports the disconnect once.
func (c *streamConn) Close() error {
	if c.closing.Swap(true) {
		return nil
	}
	err := c.st.Close()
	c.fireDisconnect()
	return err
}

// shutdown ends the connection goroutine without reporting the disconnect;
// the goroutine reports it on its way out.
func (c *streamConn) shutdown() {
	c.closing.Store(true)
	_ = c.st.Close()
}

func (c *streamConn) fireDisconnect() {
	c.once.Do(func() { c.srv.handler.OnDisconnected(c, c.addr) })
}
