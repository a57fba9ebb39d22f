package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"hsocket/pkg/protocol"
	"hsocket/pkg/transport"
	"hsocket/pkg/transport/udp"
)

// PacketClient talks to a PacketServer, one frame per datagram. There is no
// connection, so there are no connect or disconnect callbacks.
type PacketClient struct {
	pc       *udp.PacketConn
	opts     Options
	log      *zap.Logger
	dispatch *protocol.Dispatcher[*PacketClient]

	start sync.Once
	done  chan struct{}
	once  sync.Once
}

// DialPacket binds a UDP socket connected to addr. Transport and Dial in
// opts are ignored.
func DialPacket(ctx context.Context, addr string, opts Options) (*PacketClient, error) {
	pc, err := udp.Dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	log := opts.Logger
	if log == nil {
		log = zap.L()
	}
	return &PacketClient{
		pc:       pc,
		opts:     opts,
		log:      log.Named("udp-client"),
		dispatch: protocol.NewDispatcher[*PacketClient](nil),
		done:     make(chan struct{}),
	}, nil
}

func (c *PacketClient) OnOpcode(op uint16, fn func(protocol.Message) bool) {
	c.dispatch.Handle(op, func(_ *PacketClient, m protocol.Message) bool { return fn(m) })
}

func (c *PacketClient) RemoveOpcode(op uint16) { c.dispatch.Remove(op) }

func (c *PacketClient) OnMessage(fn func(protocol.Message)) {
	if fn == nil {
		c.dispatch.SetFallback(nil)
		return
	}
	c.dispatch.SetFallback(func(_ *PacketClient, m protocol.Message) { fn(m) })
}

// Send writes m in one datagram. The first Send of an async client starts
// its receiver.
func (c *PacketClient) Send(m protocol.Message) error {
	if c.opts.Mode == ModeAsync {
		c.start.Do(func() { go c.receive() })
	}
	if err := c.pc.Send(m); err != nil {
		return err
	}
	c.opts.Metrics.MessageOut("udp-client")
	return nil
}

// Request sends m and waits for one reply datagram. Datagrams that fail to
// parse are skipped while waiting.
func (c *PacketClient) Request(ctx context.Context, m protocol.Message) (protocol.Message, error) {
	if c.opts.Mode == ModeAsync {
		return protocol.Empty(), ErrAsyncRequest
	}
	if err := c.Send(m); err != nil {
		return protocol.Empty(), err
	}
	timeout := c.opts.Timeout
	if dl, ok := ctx.Deadline(); ok {
		if left := time.Until(dl); timeout <= 0 || left < timeout {
			timeout = max(left, time.Millisecond)
		}
	}
	deadline := time.Now().Add(timeout)
	for {
		if timeout > 0 {
			c.pc.SetReadTimeout(max(time.Until(deadline), time.Millisecond))
		}
		got, _, err := c.pc.ReceiveMessage()
		if err != nil {
			return protocol.Empty(), fmt.Errorf("%w: %w", ErrNoResponse, err)
		}
		switch got.ContentType() {
		case protocol.ContentError:
			return protocol.Empty(), fmt.Errorf("%w: %w", ErrNoResponse, transport.ErrConnReset)
		case protocol.ContentNone:
			c.opts.Metrics.Malformed("udp-client")
			continue
		}
		c.opts.Metrics.MessageIn("udp-client")
		return got, nil
	}
}

func (c *PacketClient) receive() {
	defer close(c.done)
	c.pc.SetReadTimeout(0)
	for {
		m, _, err := c.pc.ReceiveMessage()
		if err != nil {
			if errors.Is(err, transport.ErrTimeout) {
				continue
			}
			return
		}
		switch m.ContentType() {
		case protocol.ContentError:
			c.log.Debug("datagram delivery failed")
			continue
		case protocol.ContentNone:
			c.opts.Metrics.Malformed("udp-client")
			continue
		}
		c.opts.Metrics.MessageIn("udp-client")
		c.dispatch.Dispatch(c, m)
	}
}

// Close closes the socket and waits for an async receiver to exit. It must
// not be called from a callback.
func (c *PacketClient) Close() error {
	var err error
	c.once.Do(func() {
		err = c.pc.Close()
		started := true
		c.start.Do(func() { started = false })
		if started {
			<-c.done
		}
	})
	return err
}
