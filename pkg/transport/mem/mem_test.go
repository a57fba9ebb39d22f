package mem

import (
	"context"
	"errors"
	"testing"
	"time"

	"hsocket/pkg/protocol"
	"hsocket/pkg/transport"
)

func TestDialAccept(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	tr := New()
	l, err := tr.Listen(ctx, "svc")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()

	accepted := make(chan transport.Stream, 1)
	go func() {
		s, err := l.Accept(ctx)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		accepted <- s
	}()
	cli, err := tr.Dial(ctx, "svc")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer cli.Close()
	srv := <-accepted
	defer srv.Close()

	go func() { _ = cli.SendMessage(protocol.PlainText(9, 1, "ping")) }()
	m, err := srv.ReceiveMessage()
	if err != nil || m.Text() != "ping" || m.Opcode() != 9 || m.StatusCode() != 1 {
		t.Fatalf("got %v, %v", m, err)
	}
	if srv.RemoteAddr().String() != "svc#client" {
		t.Fatalf("remote addr = %v", srv.RemoteAddr())
	}
}

func TestListenerNames(t *testing.T) {
	ctx := context.Background()
	tr := New()
	l, err := tr.Listen(ctx, "a")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	if _, err := tr.Listen(ctx, "a"); !errors.Is(err, ErrAddrInUse) {
		t.Fatalf("duplicate listen: %v", err)
	}
	_ = l.Close()
	if _, err := tr.Dial(ctx, "a"); !errors.Is(err, ErrNoListener) {
		t.Fatalf("dial closed listener: %v", err)
	}
	if _, err := l.Accept(ctx); !errors.Is(err, transport.ErrClosed) {
		t.Fatalf("accept after close: %v", err)
	}
	if _, err := tr.Listen(ctx, "a"); err != nil {
		t.Fatalf("relisten: %v", err)
	}
}
