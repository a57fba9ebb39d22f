package server

import (
	"context"
	"errors"
	"net"
	"sync"

	"go.uber.org/zap"

	"hsocket/pkg/protocol"
	"hsocket/pkg/transport"
	"hsocket/pkg/transport/udp"
)

// Peer is the sender of a datagram.
type Peer struct {
	srv  *PacketServer
	Addr *net.UDPAddr
}

// Reply sends m back to the peer in one datagram.
func (p Peer) Reply(m protocol.Message) error { return p.srv.SendTo(m, p.Addr) }

// PacketServer receives single-frame datagrams and dispatches them by opcode.
type PacketServer struct {
	pc       *udp.PacketConn
	log      *zap.Logger
	opts     Options
	dispatch *protocol.Dispatcher[Peer]
	once     sync.Once
	stopped  chan struct{}
}

// NewPacketServer serves pc. onMessage receives messages no opcode handler claimed.
func NewPacketServer(pc *udp.PacketConn, onMessage func(Peer, protocol.Message), opts Options) *PacketServer {
	log := opts.Logger
	if log == nil {
		log = zap.L()
	}
	return &PacketServer{
		pc:       pc,
		log:      log.Named("udp"),
		opts:     opts,
		dispatch: protocol.NewDispatcher[Peer](onMessage),
		stopped:  make(chan struct{}),
	}
}

func (s *PacketServer) HandleOpcode(op uint16, fn func(Peer, protocol.Message) bool) {
	s.dispatch.Handle(op, protocol.OpcodeHandler[Peer](fn))
}

func (s *PacketServer) RemoveOpcode(op uint16) { s.dispatch.Remove(op) }

func (s *PacketServer) Addr() net.Addr { return s.pc.LocalAddr() }

// SendTo sends m to addr in one datagram.
func (s *PacketServer) SendTo(m protocol.Message, addr *net.UDPAddr) error {
	if err := s.pc.SendMessage(m, addr); err != nil {
		return err
	}
	s.opts.Metrics.MessageOut("udp")
	return nil
}

// Serve receives until Stop is called or ctx is done. Delivery failures and
// malformed datagrams are logged and skipped.
func (s *PacketServer) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, s.Stop)
	defer stop()
	s.log.Info("udp server serving", zap.Stringer("addr", s.pc.LocalAddr()))
	for {
		m, addr, err := s.pc.ReceiveMessage()
		if err != nil {
			if errors.Is(err, transport.ErrTimeout) {
				continue
			}
			select {
			case <-s.stopped:
				return nil
			default:
			}
			return err
		}
		switch m.ContentType() {
		case protocol.ContentError:
			s.log.Warn("datagram delivery failed", zap.Stringer("peer", addr))
			continue
		case protocol.ContentNone:
			s.opts.Metrics.Malformed("udp")
			s.log.Debug("skipping malformed datagram", zap.Stringer("peer", addr))
			continue
		}
		s.opts.Metrics.MessageIn("udp")
		s.dispatch.Dispatch(Peer{srv: s, Addr: addr}, m)
	}
}

// Stop closes the socket, which ends Serve.
func (s *PacketServer) Stop() {
	s.once.Do(func() {
		close(s.stopped)
		_ = s.pc.Close()
	})
}
