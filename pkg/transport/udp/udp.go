// Package udp sends and receives single-frame datagrams.
package udp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"syscall"
	"time"

	"hsocket/pkg/protocol"
	"hsocket/pkg/transport"
)

// MaxDatagram is the largest UDP payload over IPv4.
const MaxDatagram = 65507

// PacketConn carries one protocol frame per datagram. Frames are never split
// or reassembled. One goroutine may receive while others send.
type PacketConn struct {
	c         *net.UDPConn
	connected bool
	timeout   atomic.Int64
	buf       []byte
}

// Listen binds address for a datagram server.
func Listen(ctx context.Context, address string) (*PacketConn, error) {
	lc := net.ListenConfig{}
	pc, err := lc.ListenPacket(ctx, "udp", address)
	if err != nil {
		return nil, err
	}
	return New(pc.(*net.UDPConn), false), nil
}

// Dial returns a PacketConn connected to address. Connected sockets observe
// ICMP port-unreachable as ECONNREFUSED on the next receive.
func Dial(ctx context.Context, address string) (*PacketConn, error) {
	d := net.Dialer{}
	c, err := d.DialContext(ctx, "udp", address)
	if err != nil {
		return nil, err
	}
	return New(c.(*net.UDPConn), true), nil
}

func New(c *net.UDPConn, connected bool) *PacketConn {
	return &PacketConn{c: c, connected: connected, buf: make([]byte, 64<<10)}
}

func (p *PacketConn) SetReadTimeout(d time.Duration) { p.timeout.Store(int64(d)) }

func (p *PacketConn) LocalAddr() net.Addr { return p.c.LocalAddr() }

// RemoteAddr is the peer of a connected PacketConn, nil otherwise.
func (p *PacketConn) RemoteAddr() net.Addr {
	if !p.connected {
		return nil
	}
	return p.c.RemoteAddr()
}

// SendMessage writes m to addr in one datagram. Connected sockets ignore addr.
func (p *PacketConn) SendMessage(m protocol.Message, addr *net.UDPAddr) error {
	frame, err := protocol.Encode(m)
	if err != nil {
		return err
	}
	if len(frame) > MaxDatagram {
		return fmt.Errorf("%w: %d byte frame", transport.ErrShortWrite, len(frame))
	}
	var n int
	if p.connected {
		n, err = p.c.Write(frame)
	} else {
		if addr == nil {
			return fmt.Errorf("udp: no destination address")
		}
		n, err = p.c.WriteToUDP(frame, addr)
	}
	if err != nil {
		return transport.Classify(err)
	}
	if n != len(frame) {
		return fmt.Errorf("%w: %d of %d bytes", transport.ErrShortWrite, n, len(frame))
	}
	return nil
}

// Send writes m to the connected peer.
func (p *PacketConn) Send(m protocol.Message) error { return p.SendMessage(m, nil) }

// ReceiveMessage waits for one datagram. Delivery failures reported by the OS
// (port or host unreachable) come back as protocol.ErrorMessage() with a nil
// error so receive loops keep running. Datagrams that do not hold exactly one
// well-formed frame come back as protocol.Empty().
func (p *PacketConn) ReceiveMessage() (protocol.Message, *net.UDPAddr, error) {
	if d := time.Duration(p.timeout.Load()); d > 0 {
		_ = p.c.SetReadDeadline(time.Now().Add(d))
	} else {
		_ = p.c.SetReadDeadline(time.Time{})
	}
	n, addr, err := p.c.ReadFromUDP(p.buf)
	if err != nil {
		if isUnreachable(err) {
			return protocol.ErrorMessage(), addr, nil
		}
		return protocol.Empty(), addr, transport.Classify(err)
	}
	m, used, err := protocol.ParseFrame(p.buf[:n])
	if err != nil || used != n {
		return protocol.Empty(), addr, nil
	}
	return m, addr, nil
}

func (p *PacketConn) Close() error { return p.c.Close() }

func isUnreachable(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EHOSTUNREACH) ||
		errors.Is(err, syscall.ENETUNREACH)
}
