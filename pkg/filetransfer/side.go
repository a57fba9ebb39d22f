package filetransfer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"hsocket/pkg/protocol"
	"hsocket/pkg/transport"
)

// PortMessage builds the FTTransferPort announcement.
func PortMessage(port uint16) protocol.Message {
	return protocol.JSON(protocol.FTTransferPort, 0, map[string]any{"port": int(port)})
}

// PortFrom extracts the announced port from an FTTransferPort message.
func PortFrom(m protocol.Message) (uint16, error) {
	if m.Opcode() != protocol.FTTransferPort || m.ContentType() != protocol.ContentJSON {
		return 0, fmt.Errorf("%w: got %v", ErrNoPort, m)
	}
	p, ok := m.GetInt("port")
	if !ok || p <= 0 || p > 65535 {
		return 0, fmt.Errorf("%w: bad port %v", ErrNoPort, m.Get("port"))
	}
	return uint16(p), nil
}

// OpenSideChannel listens on host with an OS-assigned port, hands the port to
// announce and accepts one connection within timeout. The listener is closed
// before returning.
func OpenSideChannel(ctx context.Context, host string, timeout time.Duration, announce func(port uint16) error) (net.Conn, error) {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return nil, fmt.Errorf("side channel listen: %w", err)
	}
	defer ln.Close()

	port := uint16(ln.Addr().(*net.TCPAddr).Port)
	if err := announce(port); err != nil {
		return nil, fmt.Errorf("announce port %d: %w", port, err)
	}
	if timeout > 0 {
		_ = ln.(*net.TCPListener).SetDeadline(time.Now().Add(timeout))
	}
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	c, err := ln.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("side channel accept: %w", transport.Classify(err))
	}
	return c, nil
}

// DialSideChannel connects to an announced side channel.
func DialSideChannel(ctx context.Context, host string, port uint16, timeout time.Duration) (net.Conn, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	d := net.Dialer{}
	c, err := d.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(int(port))))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("side channel dial: %w", transport.ErrTimeout)
		}
		return nil, fmt.Errorf("side channel dial: %w", transport.Classify(err))
	}
	return c, nil
}

// HostOf returns the host part of addr, or "" if it has none.
func HostOf(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.IP.String()
	case *net.UDPAddr:
		return a.IP.String()
	}
	h, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return ""
	}
	return h
}
