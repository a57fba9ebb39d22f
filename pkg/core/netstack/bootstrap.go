// Package netstack builds stream transports by kind and dials them with backoff.
package netstack

import (
	"context"

	"go.uber.org/zap"

	"hsocket/pkg/transport"
	"hsocket/pkg/transport/mem"
	tquic "hsocket/pkg/transport/quic"
	ttcp "hsocket/pkg/transport/tcp"
	"hsocket/pkg/transport/ws"
)

// shared so that mem listeners and dialers in one process find each other
var inproc = mem.New()

// NewByKind constructs a stream Transport by string kind.
func NewByKind(kind string) (transport.Transport, error) {
	switch kind {
	case "tcp", "":
		return ttcp.New(), nil
	case "quic", "h3", "http3":
		return tquic.New(), nil
	case "ws", "websocket":
		return ws.New(), nil
	case "mem", "inproc", "shared":
		return inproc, nil
	default:
		return nil, ErrUnknownKind(kind)
	}
}

// Listen builds the transport for kind and listens on addr.
func Listen(ctx context.Context, kind, addr string) (transport.Listener, error) {
	tr, err := NewByKind(kind)
	if err != nil {
		return nil, err
	}
	l, err := tr.Listen(ctx, addr)
	if err != nil {
		zap.L().Error("listen failed", zap.String("kind", tr.Kind().String()), zap.String("addr", addr), zap.Error(err))
		return nil, err
	}
	zap.L().Info("listening", zap.String("kind", tr.Kind().String()), zap.String("addr", l.Addr().String()))
	return l, nil
}

// ErrUnknownKind is returned for kinds without a stream transport. Datagrams
// use transport/udp directly.
type ErrUnknownKind string

func (e ErrUnknownKind) Error() string { return "unknown transport kind: " + string(e) }
