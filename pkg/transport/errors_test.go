package transport

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"
	"testing"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"reset", &net.OpError{Op: "read", Err: os.NewSyscallError("read", syscall.ECONNRESET)}, ErrConnReset},
		{"aborted", syscall.ECONNABORTED, ErrConnReset},
		{"broken pipe", fmt.Errorf("write: %w", syscall.EPIPE), ErrConnReset},
		{"eof mid frame", io.ErrUnexpectedEOF, ErrConnReset},
		{"closed pipe", io.ErrClosedPipe, ErrConnReset},
		{"deadline", os.ErrDeadlineExceeded, ErrTimeout},
		{"net timeout", timeoutErr{}, ErrTimeout},
		{"closed", net.ErrClosed, ErrClosed},
		{"already classified", ErrTimeout, ErrTimeout},
	}
	for _, tt := range tests {
		got := Classify(tt.err)
		if !errors.Is(got, tt.want) {
			t.Errorf("%s: Classify = %v, want %v", tt.name, got, tt.want)
		}
	}
	if Classify(nil) != nil {
		t.Fatalf("Classify(nil) != nil")
	}
	other := errors.New("other")
	if Classify(other) != other {
		t.Fatalf("unknown errors must pass through unchanged")
	}
}

func TestIsFatal(t *testing.T) {
	if IsFatal(nil) {
		t.Fatalf("nil is not fatal")
	}
	if IsFatal(Classify(os.ErrDeadlineExceeded)) {
		t.Fatalf("timeout is not fatal")
	}
	if !IsFatal(Classify(io.ErrUnexpectedEOF)) {
		t.Fatalf("reset is fatal")
	}
}
