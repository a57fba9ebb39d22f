package transport

import (
	"context"
	"net"
	"time"

	"hsocket/pkg/protocol"
)

// Kind identifies the carrier of a stream.
type Kind int

const (
	KindUnknown Kind = iota
	KindTCP
	KindMem
	KindQUIC
	KindWS
	KindUDP
)

func (k Kind) String() string {
	switch k {
	case KindTCP:
		return "tcp"
	case KindMem:
		return "mem"
	case KindQUIC:
		return "quic"
	case KindWS:
		return "ws"
	case KindUDP:
		return "udp"
	default:
		return "unknown"
	}
}

// Stream is a framed, bidirectional message connection.
// One reader goroutine and any number of writers are allowed; writes are
// serialized so frames never interleave.
type Stream interface {
	// SendMessage writes one whole frame or fails.
	SendMessage(protocol.Message) error
	// ReceiveMessage returns the next frame. A graceful close before any byte
	// arrives yields protocol.Empty() with a nil error.
	ReceiveMessage() (protocol.Message, error)
	// SetReadTimeout bounds each ReceiveMessage call; zero disables it.
	SetReadTimeout(time.Duration)
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
	Close() error
}

// Listener accepts inbound streams.
type Listener interface {
	// Accept blocks until an inbound stream is available or ctx is done.
	Accept(ctx context.Context) (Stream, error)
	// Addr returns the local listening address.
	Addr() net.Addr
	// Close stops the listener and unblocks Accept.
	Close() error
}

// Transport provides dialing/listening for one carrier kind.
type Transport interface {
	Kind() Kind
	Listen(ctx context.Context, address string) (Listener, error)
	Dial(ctx context.Context, address string) (Stream, error)
}
