package tcp

import (
	"context"
	"errors"
	"testing"
	"time"

	"hsocket/pkg/protocol"
	"hsocket/pkg/transport"
)

func TestLoopback(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	tr := New()
	l, err := tr.Listen(ctx, "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()

	go func() {
		s, err := l.Accept(ctx)
		if err != nil {
			return
		}
		defer s.Close()
		for {
			m, err := s.ReceiveMessage()
			if err != nil || !m.IsValid() {
				return
			}
			_ = s.SendMessage(protocol.PlainText(m.Opcode(), 200, "echo:"+m.Text()))
		}
	}()

	c, err := tr.Dial(ctx, l.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()
	if err := c.SendMessage(protocol.PlainText(42, 0, "hi")); err != nil {
		t.Fatalf("send: %v", err)
	}
	m, err := c.ReceiveMessage()
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if m.Text() != "echo:hi" || m.StatusCode() != 200 || m.Opcode() != 42 {
		t.Fatalf("got %v", m)
	}
}

func TestReadTimeoutKeepsConnection(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	tr := New()
	l, err := tr.Listen(ctx, "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()
	go func() {
		s, err := l.Accept(ctx)
		if err != nil {
			return
		}
		time.Sleep(150 * time.Millisecond)
		_ = s.SendMessage(protocol.HeaderOnly(1, 0))
		<-ctx.Done()
		_ = s.Close()
	}()

	c, err := tr.Dial(ctx, l.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()
	c.SetReadTimeout(30 * time.Millisecond)
	if _, err := c.ReceiveMessage(); !errors.Is(err, transport.ErrTimeout) {
		t.Fatalf("err = %v, want timeout", err)
	}
	c.SetReadTimeout(0)
	m, err := c.ReceiveMessage()
	if err != nil || m.ContentType() != protocol.ContentHeaderOnly {
		t.Fatalf("got %v, %v", m, err)
	}
}

func TestListenerClose(t *testing.T) {
	ctx := context.Background()
	l, err := New().Listen(ctx, "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	_ = l.Close()
	if _, err := l.Accept(ctx); err == nil {
		t.Fatalf("accept after close succeeded")
	}
}
