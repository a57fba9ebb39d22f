// Package stream frames protocol messages over any byte stream.
package stream

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"hsocket/pkg/protocol"
	"hsocket/pkg/transport"
)

// keep the accumulation buffer between frames only while it stays small
const retainLimit = 64 << 10

type readDeadliner interface{ SetReadDeadline(time.Time) error }
type writeDeadliner interface{ SetWriteDeadline(time.Time) error }

// Conn wraps an io.ReadWriter to send and receive whole protocol frames.
// Partial reads are accumulated across calls, so a read timeout in the middle
// of a frame leaves the stream aligned and the next call resumes it.
type Conn struct {
	rw io.ReadWriter
	br *bufio.Reader

	wmu          sync.Mutex
	writeTimeout atomic.Int64
	readTimeout  atomic.Int64
	closed       atomic.Bool

	pending []byte
	scratch [4096]byte
}

var _ transport.Stream = (*Conn)(nil)

func New(rw io.ReadWriter) *Conn {
	return &Conn{rw: rw, br: bufio.NewReader(rw)}
}

func NewNetConn(c net.Conn) *Conn { return New(c) }

// SetReadTimeout bounds each ReceiveMessage call. It only takes effect when the
// underlying stream supports read deadlines.
func (c *Conn) SetReadTimeout(d time.Duration) { c.readTimeout.Store(int64(d)) }

// SetWriteTimeout bounds each SendMessage call.
func (c *Conn) SetWriteTimeout(d time.Duration) { c.writeTimeout.Store(int64(d)) }

// SendMessage writes m as one frame. Concurrent senders never interleave.
func (c *Conn) SendMessage(m protocol.Message) error {
	if c.closed.Load() {
		return transport.ErrClosed
	}
	frame, err := protocol.Encode(m)
	if err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if wd, ok := c.rw.(writeDeadliner); ok {
		if d := time.Duration(c.writeTimeout.Load()); d > 0 {
			_ = wd.SetWriteDeadline(time.Now().Add(d))
		}
	}
	n, err := c.rw.Write(frame)
	if err == nil && n < len(frame) {
		err = io.ErrShortWrite
	}
	if err != nil {
		return transport.Classify(err)
	}
	return nil
}

// ReceiveMessage returns the next frame. A graceful close before the first
// header byte yields protocol.Empty() and a nil error; a close inside a frame
// is ErrConnReset. Malformed frames are consumed and reported with the
// protocol error so the caller may keep reading.
func (c *Conn) ReceiveMessage() (protocol.Message, error) {
	if c.closed.Load() {
		return protocol.Empty(), transport.ErrClosed
	}
	if rd, ok := c.rw.(readDeadliner); ok {
		if d := time.Duration(c.readTimeout.Load()); d > 0 {
			_ = rd.SetReadDeadline(time.Now().Add(d))
		} else {
			_ = rd.SetReadDeadline(time.Time{})
		}
	}

	if err := c.fill(protocol.HeaderLength); err != nil {
		if errors.Is(err, io.EOF) && len(c.pending) == 0 {
			return protocol.Empty(), nil
		}
		return protocol.Empty(), c.readErr(err)
	}
	h, err := protocol.DecodeHeader(c.pending[:protocol.HeaderLength])
	if err != nil {
		return protocol.Empty(), err
	}
	if h.PayloadLen > protocol.MaxPayloadSize {
		// the stream cannot be realigned past a frame we refuse to buffer
		c.reset()
		return protocol.Empty(), fmt.Errorf("%w: %d", protocol.ErrPayloadTooLarge, h.PayloadLen)
	}
	need := protocol.HeaderLength + int(h.PayloadLen)
	if err := c.fill(need); err != nil {
		return protocol.Empty(), c.readErr(err)
	}
	m, err := protocol.DecodeMessage(h, c.pending[protocol.HeaderLength:need])
	c.reset()
	if err != nil {
		return protocol.Empty(), err
	}
	return m, nil
}

func (c *Conn) readErr(err error) error {
	if errors.Is(err, io.EOF) {
		err = io.ErrUnexpectedEOF
	}
	return transport.Classify(err)
}

// fill reads until at least n bytes are pending.
func (c *Conn) fill(n int) error {
	for len(c.pending) < n {
		want := min(n-len(c.pending), len(c.scratch))
		k, err := c.br.Read(c.scratch[:want])
		c.pending = append(c.pending, c.scratch[:k]...)
		if err != nil {
			if len(c.pending) >= n {
				return nil
			}
			return err
		}
	}
	return nil
}

func (c *Conn) reset() {
	if cap(c.pending) > retainLimit {
		c.pending = nil
		return
	}
	c.pending = c.pending[:0]
}

func (c *Conn) LocalAddr() net.Addr {
	if a, ok := c.rw.(interface{ LocalAddr() net.Addr }); ok {
		return a.LocalAddr()
	}
	return nil
}

func (c *Conn) RemoteAddr() net.Addr {
	if a, ok := c.rw.(interface{ RemoteAddr() net.Addr }); ok {
		return a.RemoteAddr()
	}
	return nil
}

// Close closes the underlying stream if it is an io.Closer. It is idempotent.
func (c *Conn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	if cl, ok := c.rw.(io.Closer); ok {
		return cl.Close()
	}
	return nil
}

// Closed reports whether Close was called.
func (c *Conn) Closed() bool { return c.closed.Load() }
