// Package server implements the stream servers (an epoll reactor and a
// goroutine-per-connection server) and a datagram server. All of them route
// messages by opcode with claim-or-fall-through semantics and share the same
// handler contract and file transfer helpers.
package server

import (
	"bufio"
	"context"
	"errors"
	"net"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"hsocket/pkg/config"
	"hsocket/pkg/filetransfer"
	"hsocket/pkg/observability"
	"hsocket/pkg/protocol"
)

var (
	// ErrReactorUnsupported is returned by EventServer on platforms without epoll.
	ErrReactorUnsupported = errors.New("server: event reactor needs linux epoll")
	// ErrServerRunning is returned when Serve is called twice.
	ErrServerRunning = errors.New("server: already running")
)

// Conn is one accepted connection as seen by handlers.
type Conn interface {
	// ID is unique for the lifetime of the server.
	ID() string
	RemoteAddr() net.Addr
	// Send writes one whole frame. Safe for concurrent use.
	Send(protocol.Message) error
	// Close closes the connection and fires OnDisconnected exactly once.
	Close() error
}

// Handler receives connection events. Embed NopHandler to implement only some.
type Handler interface {
	OnConnected(c Conn, addr net.Addr)
	OnMessage(c Conn, m protocol.Message)
	OnDisconnected(c Conn, addr net.Addr)
}

// NopHandler ignores every event.
type NopHandler struct{}

func (NopHandler) OnConnected(Conn, net.Addr)       {}
func (NopHandler) OnMessage(Conn, protocol.Message) {}
func (NopHandler) OnDisconnected(Conn, net.Addr)    {}

// RateLimit is a per-connection token bucket on inbound messages. A
// connection that runs out of tokens is closed.
type RateLimit struct {
	PerSecond rate.Limit
	Burst     int
}

// Options configure the servers. Zero values are usable.
type Options struct {
	Logger  *zap.Logger
	Metrics *observability.Metrics
	// RateLimit is nil when disabled
	RateLimit *RateLimit
	// FileTransferHost is where side channels listen; empty means all interfaces
	FileTransferHost    string
	FileTransferTimeout time.Duration
	DownloadDir         string
	ChunkSize           int
	// ReadTimeout bounds each receive of the threaded server; zero waits forever
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// OptionsFrom builds Options from the loaded configuration.
func OptionsFrom(cfg *config.Config, log *zap.Logger, m *observability.Metrics) Options {
	o := Options{
		Logger:              log,
		Metrics:             m,
		FileTransferHost:    cfg.Server.FileTransferHost,
		FileTransferTimeout: cfg.FileTransfer.Timeout(),
		DownloadDir:         cfg.FileTransfer.DownloadDir,
		ChunkSize:           cfg.FileTransfer.ChunkSize,
		ReadTimeout:         cfg.Server.ReadTimeout(),
		WriteTimeout:        cfg.Server.WriteTimeout(),
	}
	if o.FileTransferHost == "" {
		if h, _, err := net.SplitHostPort(cfg.Server.Addr); err == nil {
			o.FileTransferHost = h
		}
	}
	if cfg.RateLimit.Enabled {
		o.RateLimit = &RateLimit{PerSecond: rate.Limit(cfg.RateLimit.MessagesPerSecond), Burst: cfg.RateLimit.Burst}
	}
	return o
}

// core is what both stream servers share: the handler, the opcode
// dispatcher, options and the file transfer helpers.
type core struct {
	name     string
	opts     Options
	log      *zap.Logger
	handler  Handler
	dispatch *protocol.Dispatcher[Conn]
}

func newCore(name string, h Handler, opts Options) core {
	if h == nil {
		h = NopHandler{}
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
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	return core{
		name:     name,
		opts:     opts,
		log:      log.Named(name),
		handler:  h,
		dispatch: protocol.NewDispatcher[Conn](h.OnMessage),
	}
}

// HandleOpcode registers fn for op. Returning true claims the message;
// returning false lets OnMessage run too.
func (s *core) HandleOpcode(op uint16, fn func(Conn, protocol.Message) bool) {
	s.dispatch.Handle(op, protocol.OpcodeHandler[Conn](fn))
}

// RemoveOpcode drops the handler for op.
func (s *core) RemoveOpcode(op uint16) { s.dispatch.Remove(op) }

func (s *core) limiter() *rate.Limiter {
	if s.opts.RateLimit == nil {
		return nil
	}
	return rate.NewLimiter(s.opts.RateLimit.PerSecond, s.opts.RateLimit.Burst)
}

// CloseConnection closes c and fires OnDisconnected once.
func (s *core) CloseConnection(c Conn) error { return c.Close() }

// sideChannel announces a fresh side channel on c and waits for the peer.
func (s *core) sideChannel(ctx context.Context, c Conn) (net.Conn, error) {
	return filetransfer.OpenSideChannel(ctx, s.opts.FileTransferHost, s.opts.FileTransferTimeout, func(port uint16) error {
		s.log.Debug("announcing side channel", zap.String("conn", c.ID()), zap.Uint16("port", port))
		return c.Send(filetransfer.PortMessage(port))
	})
}

func (s *core) receiver() filetransfer.Receiver {
	return filetransfer.Receiver{Dir: s.opts.DownloadDir, ChunkSize: s.opts.ChunkSize, Logger: s.log}
}

// SendFile sends the file at path to the peer of c under name.
// It blocks until the transfer ends; on the reactor it stalls other connections.
func (s *core) SendFile(ctx context.Context, c Conn, path, name string) error {
	sc, err := s.sideChannel(ctx, c)
	if err != nil {
		s.opts.Metrics.FileTransfer("send", false)
		return err
	}
	defer sc.Close()
	err = filetransfer.SendFile(sc, path, name, s.opts.ChunkSize)
	s.opts.Metrics.FileTransfer("send", err == nil)
	return err
}

// RecvFile receives one file from the peer of c into the download directory.
func (s *core) RecvFile(ctx context.Context, c Conn) (string, error) {
	sc, err := s.sideChannel(ctx, c)
	if err != nil {
		s.opts.Metrics.FileTransfer("recv", false)
		return "", err
	}
	defer sc.Close()
	path, err := s.receiver().ReadFile(bufio.NewReader(sc))
	s.opts.Metrics.FileTransfer("recv", err == nil)
	return path, err
}

// SendFiles sends a batch and returns how many files went out completely.
func (s *core) SendFiles(ctx context.Context, c Conn, srcs []filetransfer.Source) (int, error) {
	sc, err := s.sideChannel(ctx, c)
	if err != nil {
		return 0, err
	}
	defer sc.Close()
	n, err := filetransfer.WriteFiles(sc, srcs, s.opts.ChunkSize, s.log)
	for i := 0; i < n; i++ {
		s.opts.Metrics.FileTransfer("send", true)
	}
	if err != nil {
		s.opts.Metrics.FileTransfer("send", false)
	}
	return n, err
}

// RecvFiles receives a batch and returns the stored paths.
func (s *core) RecvFiles(ctx context.Context, c Conn) ([]string, error) {
	sc, err := s.sideChannel(ctx, c)
	if err != nil {
		return nil, err
	}
	defer sc.Close()
	paths, err := s.receiver().ReadFiles(sc)
	for range paths {
		s.opts.Metrics.FileTransfer("recv", true)
	}
	if err != nil {
		s.opts.Metrics.FileTransfer("recv", false)
	}
	return paths, err
}
