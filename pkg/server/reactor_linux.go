//go:build linux

package server

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"

	"hsocket/pkg/protocol"
	"hsocket/pkg/transport"
)

type connState int

const (
	stateReadable connState = iota
	stateWritablePending
)

const (
	evRead  = uint32(unix.EPOLLIN | unix.EPOLLRDHUP)
	evWrite = uint32(unix.EPOLLOUT)
	backlog = 128

	// maxQueued bounds the unsent bytes held for one connection.
	maxQueued = 2 * (protocol.MaxPayloadSize + protocol.HeaderLength)
)

// EventServer is a single goroutine reactor over epoll. The reactor goroutine
// owns the connection table and every registration. A complete inbound frame
// is parked on its connection and dispatched on the next write readiness, so
// handlers only run when the socket can take a reply. A reply the kernel
// cannot take at once is queued and flushed on write readiness, so a peer
// that stops reading never blocks the reactor.
type EventServer struct {
	core
	addr string

	mu      sync.Mutex
	running bool
	lfd     int
	epfd    int
	wakefd  int
	laddr   net.Addr
	done    chan struct{}
	stopReq atomic.Bool

	// set while a handler callback runs on the reactor goroutine
	inCallback atomic.Bool
	outMu      sync.Mutex
	flushq     []*reactorConn

	// owned by the reactor goroutine
	conns   map[int]*reactorConn
	scratch []byte
	live    atomic.Int64
}

// NewEventServer returns a reactor that will listen on addr (host:port).
func NewEventServer(addr string, h Handler, opts Options) *EventServer {
	return &EventServer{
		core:    newCore("reactor", h, opts),
		addr:    addr,
		lfd:     -1,
		epfd:    -1,
		wakefd:  -1,
		conns:   make(map[int]*reactorConn),
		scratch: make([]byte, 64<<10),
	}
}

// Listen binds the listening socket so Addr is known before Serve runs.
func (s *EventServer) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listenLocked()
}

func (s *EventServer) listenLocked() error {
	if s.lfd >= 0 {
		return nil
	}
	ta, err := net.ResolveTCPAddr("tcp", s.addr)
	if err != nil {
		return err
	}
	family, sa := sockaddrOf(ta)
	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return fmt.Errorf("socket: %w", err)
	}
	_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return fmt.Errorf("bind %s: %w", s.addr, err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		_ = unix.Close(fd)
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}
	bound, err := unix.Getsockname(fd)
	if err != nil {
		_ = unix.Close(fd)
		return err
	}
	s.lfd = fd
	s.laddr = tcpAddrOf(bound)
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *EventServer) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.laddr
}

// ConnCount returns the number of live connections.
func (s *EventServer) ConnCount() int { return int(s.live.Load()) }

// Serve runs the reactor until Stop is called or ctx is done.
func (s *EventServer) Serve(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrServerRunning
	}
	if err := s.listenLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("epoll_create1: %w", err)
	}
	wakefd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		_ = unix.Close(epfd)
		s.mu.Unlock()
		return fmt.Errorf("eventfd: %w", err)
	}
	s.epfd, s.wakefd = epfd, wakefd
	s.running = true
	s.done = make(chan struct{})
	s.mu.Unlock()
	defer close(s.done)

	if err := s.register(s.lfd, unix.EPOLLIN); err != nil {
		s.shutdown()
		return err
	}
	if err := s.register(s.wakefd, unix.EPOLLIN); err != nil {
		s.shutdown()
		return err
	}
	stop := context.AfterFunc(ctx, s.wake)
	defer stop()

	s.log.Info("reactor serving", zap.String("addr", s.laddr.String()))
	events := make([]unix.EpollEvent, 128)
	for {
		n, err := unix.EpollWait(s.epfd, events, -1)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			s.shutdown()
			return fmt.Errorf("epoll_wait: %w", err)
		}
		for i := 0; i < n; i++ {
			ev := events[i]
			fd := int(ev.Fd)
			switch {
			case fd == s.wakefd:
				var b [8]byte
				_, _ = unix.Read(s.wakefd, b[:])
			case fd == s.lfd:
				s.acceptAll()
			default:
				c := s.conns[fd]
				if c == nil {
					continue
				}
				if c.state == stateWritablePending || c.backlog.Load() > 0 {
					s.onWritable(c)
				} else {
					s.onReadable(c)
				}
			}
		}
		s.armQueued()
		if s.stopReq.Load() || ctx.Err() != nil {
			s.shutdown()
			return nil
		}
	}
}

// Stop asks the reactor to close every connection and return from Serve,
// and waits for it to finish.
func (s *EventServer) Stop() {
	s.mu.Lock()
	running, done := s.running, s.done
	if !running && s.lfd >= 0 {
		_ = unix.Close(s.lfd)
		s.lfd = -1
	}
	s.mu.Unlock()
	if !running {
		return
	}
	s.wake()
	<-done
}

func (s *EventServer) wake() {
	s.stopReq.Store(true)
	s.kick()
}

// kick interrupts EpollWait.
func (s *EventServer) kick() {
	var one [8]byte
	binary.LittleEndian.PutUint64(one[:], 1)
	s.mu.Lock()
	fd := s.wakefd
	s.mu.Unlock()
	if fd >= 0 {
		_, _ = unix.Write(fd, one[:])
	}
}

// shutdown runs on the reactor goroutine: every connection is unregistered,
// closed and reported, then the listener and the epoll instance are released.
func (s *EventServer) shutdown() {
	for _, c := range s.conns {
		s.release(c)
		c.fireDisconnect()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lfd >= 0 {
		_ = unix.Close(s.lfd)
		s.lfd = -1
	}
	if s.wakefd >= 0 {
		_ = unix.Close(s.wakefd)
		s.wakefd = -1
	}
	_ = unix.Close(s.epfd)
	s.epfd = -1
	s.running = false
	s.stopReq.Store(false)
	s.log.Info("reactor stopped")
}

// callback runs a handler callback on the reactor goroutine. Sends made
// meanwhile queue instead of waiting for the socket.
func (s *EventServer) callback(fn func()) {
	s.inCallback.Store(true)
	defer s.inCallback.Store(false)
	fn()
}

// noteQueued schedules c for write readiness. Any goroutine may call it.
func (s *EventServer) noteQueued(c *reactorConn) {
	s.outMu.Lock()
	s.flushq = append(s.flushq, c)
	s.outMu.Unlock()
	s.kick()
}

// armQueued switches connections with queued output to write readiness.
func (s *EventServer) armQueued() {
	s.outMu.Lock()
	q := s.flushq
	s.flushq = nil
	s.outMu.Unlock()
	for _, c := range q {
		if s.conns[c.fd] != c || c.closing.Load() || c.backlog.Load() == 0 {
			continue
		}
		if err := s.setEvents(c, evWrite); err != nil {
			s.drop(c, err)
		}
	}
}

func (s *EventServer) register(fd int, events uint32) error {
	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	if err := unix.EpollCtl(s.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("epoll add %d: %w", fd, err)
	}
	return nil
}

func (s *EventServer) setEvents(c *reactorConn, events uint32) error {
	if c.events == events {
		return nil
	}
	ev := unix.EpollEvent{Events: events, Fd: int32(c.fd)}
	if err := unix.EpollCtl(s.epfd, unix.EPOLL_CTL_MOD, c.fd, &ev); err != nil {
		return err
	}
	c.events = events
	return nil
}

func (s *EventServer) acceptAll() {
	for {
		nfd, sa, err := unix.Accept4(s.lfd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.ECONNABORTED) || errors.Is(err, unix.EINTR) {
				return
			}
			s.log.Warn("accept failed", zap.Error(err))
			return
		}
		_ = unix.SetsockoptInt(nfd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
		c := &reactorConn{
			srv:     s,
			id:      uuid.NewString(),
			fd:      nfd,
			addr:    tcpAddrOf(sa),
			limiter: s.limiter(),
		}
		if err := s.register(nfd, evRead); err != nil {
			s.log.Warn("register failed", zap.Error(err))
			_ = unix.Close(nfd)
			continue
		}
		c.events = evRead
		s.conns[nfd] = c
		s.live.Add(1)
		s.opts.Metrics.ConnOpened(s.name)
		s.log.Info("connected", zap.String("conn", c.id), zap.Stringer("addr", c.addr))
		s.callback(func() { s.handler.OnConnected(c, c.addr) })
		if c.closing.Load() {
			s.finish(c)
		}
	}
}

// onReadable drains the socket into the accumulation buffer.
func (s *EventServer) onReadable(c *reactorConn) {
	if c.closing.Load() {
		s.finish(c)
		return
	}
	for {
		n, err := unix.Read(c.fd, s.scratch)
		if n > 0 {
			c.buf = append(c.buf, s.scratch[:n]...)
		}
		if err != nil {
			if errors.Is(err, unix.EAGAIN) {
				break
			}
			if errors.Is(err, unix.EINTR) {
				continue
			}
			s.drop(c, transport.Classify(err))
			return
		}
		if n == 0 {
			c.eof = true
			break
		}
		if n < len(s.scratch) {
			break
		}
	}
	s.advance(c)
}

// advance parks the next complete frame, or returns the connection to
// READABLE. A peer that has closed is dropped once nothing is left.
func (s *EventServer) advance(c *reactorConn) {
	for {
		m, n, err := protocol.ParseFrame(c.buf)
		if errors.Is(err, protocol.ErrShortFrame) {
			break
		}
		if err != nil && n == 0 {
			s.drop(c, err)
			return
		}
		c.consume(n)
		if err != nil {
			s.opts.Metrics.Malformed(s.name)
			s.log.Warn("skipping malformed frame", zap.String("conn", c.id), zap.Error(err))
			continue
		}
		if c.limiter != nil && !c.limiter.Allow() {
			s.opts.Metrics.RateLimited(s.name)
			s.drop(c, fmt.Errorf("rate limit of %v msg/s exceeded", c.limiter.Limit()))
			return
		}
		s.opts.Metrics.MessageIn(s.name)
		c.pending, c.state = m, stateWritablePending
		if err := s.setEvents(c, evWrite); err != nil {
			s.drop(c, err)
		}
		return
	}
	c.state = stateReadable
	if c.backlog.Load() > 0 {
		// stop reading until the peer takes what we owe it
		if err := s.setEvents(c, evWrite); err != nil {
			s.drop(c, err)
		}
		return
	}
	if c.eof {
		s.drop(c, nil)
		return
	}
	if err := s.setEvents(c, evRead); err != nil {
		s.drop(c, err)
	}
}

// onWritable flushes queued output, then dispatches the parked frame.
func (s *EventServer) onWritable(c *reactorConn) {
	if c.closing.Load() {
		s.finish(c)
		return
	}
	more, err := c.flush()
	if err != nil {
		s.drop(c, err)
		return
	}
	if more {
		if err := s.setEvents(c, evWrite); err != nil {
			s.drop(c, err)
		}
		return
	}
	if c.state == stateWritablePending {
		m := c.pending
		c.pending = protocol.Message{}
		c.state = stateReadable
		s.callback(func() { s.dispatch.Dispatch(c, m) })
		if c.closing.Load() {
			s.finish(c)
			return
		}
	}
	s.advance(c)
}

// finish releases a connection closed from our side. Close has normally
// reported it already; a Send that gave up mid-frame has not.
func (s *EventServer) finish(c *reactorConn) {
	s.release(c)
	c.fireDisconnect()
}

// drop handles a peer-side end of the connection.
func (s *EventServer) drop(c *reactorConn, cause error) {
	if cause != nil {
		s.log.Info("connection lost", zap.String("conn", c.id), zap.Error(cause))
	} else {
		s.log.Info("disconnected", zap.String("conn", c.id))
	}
	s.release(c)
	c.fireDisconnect()
}

// release unregisters and closes c together with removing its table entry.
func (s *EventServer) release(c *reactorConn) {
	if _, ok := s.conns[c.fd]; !ok {
		return
	}
	_ = unix.EpollCtl(s.epfd, unix.EPOLL_CTL_DEL, c.fd, nil)
	delete(s.conns, c.fd)
	c.closeFD()
	s.live.Add(-1)
	s.opts.Metrics.ConnClosed(s.name)
}

type reactorConn struct {
	srv     *EventServer
	id      string
	fd      int
	addr    net.Addr
	limiter *rate.Limiter

	// reactor goroutine only
	buf     []byte
	pending protocol.Message
	state   connState
	events  uint32
	eof     bool

	wmu      sync.Mutex
	outq     []byte
	drained  *drain
	fdClosed bool
	backlog  atomic.Int64
	closing  atomic.Bool
	once     sync.Once
}

func (c *reactorConn) ID() string           { return c.id }
func (c *reactorConn) RemoteAddr() net.Addr { return c.addr }

// Send writes the frame to the non-blocking socket. What the kernel cannot
// take at once is queued for the reactor to flush. Called from a handler
// callback, Send returns as soon as the frame is queued; from any other
// goroutine it waits until the queue drains, bounded by the write timeout.
func (c *reactorConn) Send(m protocol.Message) error {
	frame, err := protocol.Encode(m)
	if err != nil {
		return err
	}
	c.wmu.Lock()
	if c.fdClosed || c.closing.Load() {
		c.wmu.Unlock()
		return transport.ErrClosed
	}
	off := 0
	if len(c.outq) == 0 {
		if off, err = c.writeLocked(frame); err != nil {
			c.wmu.Unlock()
			return err
		}
	}
	if off == len(frame) {
		c.wmu.Unlock()
		c.srv.opts.Metrics.MessageOut(c.srv.name)
		return nil
	}
	drained, err := c.enqueueLocked(frame[off:])
	c.wmu.Unlock()
	if err != nil {
		return err
	}
	c.srv.opts.Metrics.MessageOut(c.srv.name)
	if c.srv.inCallback.Load() {
		return nil
	}
	return c.await(drained)
}

// writeLocked writes as much of b as the socket takes without blocking.
func (c *reactorConn) writeLocked(b []byte) (int, error) {
	off := 0
	for off < len(b) {
		n, err := unix.SendmsgN(c.fd, b[off:], nil, nil, unix.MSG_NOSIGNAL)
		if n > 0 {
			off += n
		}
		switch {
		case err == nil, errors.Is(err, unix.EINTR):
		case errors.Is(err, unix.EAGAIN):
			return off, nil
		default:
			return off, transport.Classify(err)
		}
	}
	return off, nil
}

// drain is signalled when a run of queued output leaves the connection.
type drain struct {
	done chan struct{}
	lost bool // the socket closed before everything was written
}

func (c *reactorConn) enqueueLocked(b []byte) (*drain, error) {
	if len(c.outq)+len(b) > maxQueued {
		c.abortLocked()
		return nil, fmt.Errorf("%w: %d bytes already queued", transport.ErrShortWrite, len(c.outq))
	}
	if len(c.outq) == 0 {
		c.drained = &drain{done: make(chan struct{})}
		c.srv.noteQueued(c)
	}
	c.outq = append(c.outq, b...)
	c.backlog.Store(int64(len(c.outq)))
	return c.drained, nil
}

// await waits for drained. A queue still stuck after the write timeout
// aborts the connection.
func (c *reactorConn) await(d *drain) error {
	t := time.NewTimer(c.srv.opts.WriteTimeout)
	defer t.Stop()
	select {
	case <-d.done:
	case <-t.C:
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	select {
	case <-d.done:
		if d.lost {
			return transport.ErrConnReset
		}
		return nil
	default:
	}
	c.abortLocked()
	return fmt.Errorf("%w: %d bytes still queued", transport.ErrTimeout, len(c.outq))
}

// flush writes queued bytes on the reactor goroutine and reports whether
// some remain.
func (c *reactorConn) flush() (bool, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if len(c.outq) == 0 {
		return false, nil
	}
	off, err := c.writeLocked(c.outq)
	c.outq = c.outq[off:]
	c.backlog.Store(int64(len(c.outq)))
	if err != nil {
		return true, err
	}
	if len(c.outq) > 0 {
		return true, nil
	}
	c.outq = nil
	close(c.drained.done)
	c.drained = nil
	return false, nil
}

// Close shuts the socket down and reports the disconnect. The reactor
// releases the descriptor on its next pass.
func (c *reactorConn) Close() error {
	if c.closing.Swap(true) {
		return nil
	}
	c.wmu.Lock()
	c.abortLocked()
	c.wmu.Unlock()
	c.fireDisconnect()
	return nil
}

// abortLocked shuts the socket down so the reactor notices; the descriptor
// itself is only closed by the reactor. Callers hold wmu.
func (c *reactorConn) abortLocked() {
	c.closing.Store(true)
	if !c.fdClosed {
		_ = unix.Shutdown(c.fd, unix.SHUT_RDWR)
	}
}

func (c *reactorConn) closeFD() {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if !c.fdClosed {
		c.fdClosed = true
		_ = unix.Close(c.fd)
	}
	if len(c.outq) > 0 {
		c.outq = nil
		c.backlog.Store(0)
		c.drained.lost = true
		close(c.drained.done)
		c.drained = nil
	}
}

func (c *reactorConn) fireDisconnect() {
	c.once.Do(func() { c.srv.handler.OnDisconnected(c, c.addr) })
}

func (c *reactorConn) consume(n int) {
	c.buf = c.buf[n:]
	if len(c.buf) == 0 {
		c.buf = nil
	}
}

func sockaddrOf(a *net.TCPAddr) (int, unix.Sockaddr) {
	if a.IP == nil || a.IP.To4() != nil {
		sa := &unix.SockaddrInet4{Port: a.Port}
		if ip4 := a.IP.To4(); ip4 != nil {
			copy(sa.Addr[:], ip4)
		}
		return unix.AF_INET, sa
	}
	sa := &unix.SockaddrInet6{Port: a.Port}
	copy(sa.Addr[:], a.IP.To16())
	return unix.AF_INET6, sa
}

func tcpAddrOf(sa unix.Sockaddr) net.Addr {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: net.IP(v.Addr[:]).To4(), Port: v.Port}
	case *unix.SockaddrInet6:
		return &net.TCPAddr{IP: net.IP(v.Addr[:]), Port: v.Port}
	}
	return &net.TCPAddr{}
}
