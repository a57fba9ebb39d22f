package transport

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"
)

var (
	// ErrConnReset means the peer reset or aborted the connection, or it ended
	// in the middle of a frame. Fatal to the connection.
	ErrConnReset = errors.New("transport: connection reset")
	// ErrTimeout means a configured deadline expired. The connection stays usable.
	ErrTimeout = errors.New("transport: timed out")
	// ErrClosed means the connection was already closed locally.
	ErrClosed = errors.New("transport: connection closed")
	// ErrShortWrite means a datagram could not carry the whole frame.
	ErrShortWrite = errors.New("transport: frame not sent in one datagram")
)

// Classify maps platform errors onto ErrConnReset, ErrTimeout and ErrClosed so
// callers can tell a reset from a timeout without inspecting syscall values.
// Errors that match none of them are returned unchanged.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, ErrConnReset), errors.Is(err, ErrTimeout), errors.Is(err, ErrClosed):
		return err
	case errors.Is(err, os.ErrDeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	case errors.Is(err, net.ErrClosed):
		return fmt.Errorf("%w: %v", ErrClosed, err)
	case errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, io.EOF),
		errors.Is(err, io.ErrClosedPipe),
		errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.ECONNABORTED),
		errors.Is(err, syscall.EPIPE), errors.Is(err, syscall.ENOTCONN):
		return fmt.Errorf("%w: %v", ErrConnReset, err)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return err
}

// IsFatal reports whether err ends the connection (anything but a timeout).
func IsFatal(err error) bool {
	return err != nil && !errors.Is(err, ErrTimeout)
}
