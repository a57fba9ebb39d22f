package udp

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"hsocket/pkg/protocol"
	"hsocket/pkg/transport"
)

func TestDatagramRoundTrip(t *testing.T) {
	ctx := context.Background()
	srv, err := Listen(ctx, "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer srv.Close()
	cli, err := Dial(ctx, srv.LocalAddr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer cli.Close()

	if err := cli.Send(protocol.JSON(1, 0, map[string]any{"a": "b"})); err != nil {
		t.Fatalf("send: %v", err)
	}
	srv.SetReadTimeout(2 * time.Second)
	m, from, err := srv.ReceiveMessage()
	if err != nil || m.Get("a") != "b" {
		t.Fatalf("got %v, %v", m, err)
	}
	if err := srv.SendMessage(protocol.PlainText(1, 1, "ack"), from); err != nil {
		t.Fatalf("reply: %v", err)
	}
	cli.SetReadTimeout(2 * time.Second)
	m, _, err = cli.ReceiveMessage()
	if err != nil || m.Text() != "ack" {
		t.Fatalf("got %v, %v", m, err)
	}
}

func TestOversizedFrame(t *testing.T) {
	cli, err := Dial(context.Background(), "127.0.0.1:9")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer cli.Close()
	err = cli.Send(protocol.Binary(1, 0, make([]byte, MaxDatagram)))
	if !errors.Is(err, transport.ErrShortWrite) {
		t.Fatalf("err = %v, want ErrShortWrite", err)
	}
}

func TestReceiveTimeout(t *testing.T) {
	srv, err := Listen(context.Background(), "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer srv.Close()
	srv.SetReadTimeout(20 * time.Millisecond)
	if _, _, err := srv.ReceiveMessage(); !errors.Is(err, transport.ErrTimeout) {
		t.Fatalf("err = %v, want timeout", err)
	}
}

func TestUnreachableYieldsErrorMessage(t *testing.T) {
	// grab a free port and release it so nothing listens there
	spare, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("spare: %v", err)
	}
	addr := spare.LocalAddr().String()
	_ = spare.Close()

	cli, err := Dial(context.Background(), addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer cli.Close()
	_ = cli.Send(protocol.HeaderOnly(1, 0))
	cli.SetReadTimeout(time.Second)
	m, _, err := cli.ReceiveMessage()
	if err != nil {
		t.Skipf("platform did not report unreachable: %v", err)
	}
	if m.ContentType() != protocol.ContentError {
		t.Fatalf("got %v, want ERROR", m)
	}
}

func TestMalformedDatagramYieldsEmpty(t *testing.T) {
	srv, err := Listen(context.Background(), "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer srv.Close()
	raw, err := net.Dial("udp", srv.LocalAddr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer raw.Close()
	_, _ = raw.Write([]byte{1, 2, 3})
	srv.SetReadTimeout(2 * time.Second)
	m, _, err := srv.ReceiveMessage()
	if err != nil || m.ContentType() != protocol.ContentNone {
		t.Fatalf("got %v, %v", m, err)
	}
}
