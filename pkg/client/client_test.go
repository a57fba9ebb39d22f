package client

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"hsocket/pkg/filetransfer"
	"hsocket/pkg/protocol"
	"hsocket/pkg/server"
	"hsocket/pkg/transport"
	"hsocket/pkg/transport/tcp"
)

func startServer(t *testing.T, opts server.Options) *server.ThreadedServer {
	t.Helper()
	l, err := tcp.New().Listen(context.Background(), "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	if opts.FileTransferHost == "" {
		opts.FileTransferHost = "127.0.0.1"
	}
	if opts.FileTransferTimeout == 0 {
		opts.FileTransferTimeout = 3 * time.Second
	}
	s := server.NewThreadedServer(l, server.NopHandler{}, opts)
	// opcode i answers {"reply": "hello i"} with status 1
	for op := uint16(0); op < 2; op++ {
		s.HandleOpcode(op, func(c server.Conn, m protocol.Message) bool {
			_ = c.Send(protocol.JSON(op, 1, map[string]any{"reply": fmt.Sprintf("hello %d", op)}))
			return true
		})
	}
	s.HandleOpcode(9, func(c server.Conn, _ protocol.Message) bool {
		_ = c.Close()
		return true
	})
	done := make(chan error, 1)
	go func() { done <- s.Serve(context.Background()) }()
	t.Cleanup(func() {
		s.Stop()
		<-done
	})
	return s
}

func connect(t *testing.T, s *server.ThreadedServer, opts Options) *Client {
	t.Helper()
	if opts.DownloadDir == "" {
		opts.DownloadDir = filepath.Join(t.TempDir(), "download")
	}
	if opts.FileTransferTimeout == 0 {
		opts.FileTransferTimeout = 3 * time.Second
	}
	c := New(s.Addr().String(), opts)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestSyncRequest(t *testing.T) {
	s := startServer(t, server.Options{})
	c := connect(t, s, Options{Timeout: 3 * time.Second})

	got, err := c.Request(context.Background(), protocol.JSON(0, 0, map[string]any{"text0": "hi"}))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	want := protocol.JSON(0, 1, map[string]any{"reply": "hello 0"})
	if !got.Equal(want) {
		t.Fatalf("reply = %v", got)
	}
}

func TestSyncRequestTimeoutKeepsConnection(t *testing.T) {
	s := startServer(t, server.Options{})
	c := connect(t, s, Options{Timeout: 100 * time.Millisecond})

	_, err := c.Request(context.Background(), protocol.PlainText(42, 0, "unanswered"))
	if !errors.Is(err, ErrNoResponse) || !errors.Is(err, transport.ErrTimeout) {
		t.Fatalf("err = %v", err)
	}
	if !c.Connected() {
		t.Fatalf("timeout closed the connection")
	}
	if _, err := c.Request(context.Background(), protocol.HeaderOnly(1, 0)); err != nil {
		t.Fatalf("request after timeout: %v", err)
	}
}

func TestSyncRequestResetDisconnects(t *testing.T) {
	s := startServer(t, server.Options{})
	c := connect(t, s, Options{Timeout: 3 * time.Second})
	var fired int
	c.OnDisconnected(func() { fired++ })

	_, err := c.Request(context.Background(), protocol.HeaderOnly(9, 0))
	if !errors.Is(err, ErrNoResponse) || !errors.Is(err, transport.ErrConnReset) {
		t.Fatalf("err = %v", err)
	}
	if c.Connected() {
		t.Fatalf("still connected")
	}
	_ = c.Close()
	if fired != 1 {
		t.Fatalf("disconnect fired %d times", fired)
	}
	if err := c.Send(protocol.HeaderOnly(0, 0)); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("send after disconnect: %v", err)
	}
}

func TestAsyncDispatchOrder(t *testing.T) {
	s := startServer(t, server.Options{})
	c := New(s.Addr().String(), Options{Mode: ModeAsync})

	var mu sync.Mutex
	var ops []uint16
	all := make(chan struct{})
	c.OnMessage(func(m protocol.Message) {
		mu.Lock()
		defer mu.Unlock()
		ops = append(ops, m.Opcode())
		if len(ops) == 4 {
			close(all)
		}
	})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Close()

	if _, err := c.Request(context.Background(), protocol.HeaderOnly(0, 0)); !errors.Is(err, ErrAsyncRequest) {
		t.Fatalf("request on async client: %v", err)
	}
	for _, op := range []uint16{0, 1, 0, 1} {
		if err := c.Send(protocol.JSON(op, 0, map[string]any{fmt.Sprintf("text%d", op): "hi"})); err != nil {
			t.Fatalf("send: %v", err)
		}
	}
	select {
	case <-all:
	case <-time.After(3 * time.Second):
		t.Fatalf("got %v", ops)
	}
	mu.Lock()
	defer mu.Unlock()
	for i, want := range []uint16{0, 1, 0, 1} {
		if ops[i] != want {
			t.Fatalf("order = %v", ops)
		}
	}
}

func TestAsyncDisconnectFiresOnce(t *testing.T) {
	s := startServer(t, server.Options{})
	c := New(s.Addr().String(), Options{Mode: ModeAsync})
	var mu sync.Mutex
	fired := 0
	gone := make(chan struct{}, 2)
	c.OnDisconnected(func() {
		mu.Lock()
		fired++
		mu.Unlock()
		gone <- struct{}{}
	})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := c.Send(protocol.HeaderOnly(9, 0)); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case <-gone:
	case <-time.After(3 * time.Second):
		t.Fatalf("no disconnect")
	}
	_ = c.Send(protocol.HeaderOnly(0, 0))
	_ = c.Close()
	mu.Lock()
	defer mu.Unlock()
	if fired != 1 {
		t.Fatalf("disconnect fired %d times", fired)
	}
}

func TestConnectedCallbackAndReconnect(t *testing.T) {
	s := startServer(t, server.Options{})
	c := New(s.Addr().String(), Options{Timeout: 3 * time.Second})
	connected := 0
	c.OnConnected(func() { connected++ })
	for i := 0; i < 2; i++ {
		if err := c.Connect(context.Background()); err != nil {
			t.Fatalf("connect: %v", err)
		}
		if _, err := c.Request(context.Background(), protocol.HeaderOnly(0, 0)); err != nil {
			t.Fatalf("request: %v", err)
		}
		_ = c.Close()
	}
	if connected != 2 {
		t.Fatalf("connected fired %d times", connected)
	}
}

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return p
}

func TestSyncClientDownloadsFile(t *testing.T) {
	dir := t.TempDir()
	src := writeFile(t, dir, "report.txt", "quarterly numbers")
	s := startServer(t, server.Options{})
	sent := make(chan error, 1)
	s.HandleOpcode(100, func(c server.Conn, _ protocol.Message) bool {
		sent <- s.SendFile(context.Background(), c, src, "report.txt")
		return true
	})
	c := connect(t, s, Options{Timeout: 3 * time.Second})

	if err := c.Send(protocol.HeaderOnly(100, 0)); err != nil {
		t.Fatalf("send: %v", err)
	}
	path, err := c.RecvFile(context.Background())
	if err != nil {
		t.Fatalf("recv file: %v", err)
	}
	if err := <-sent; err != nil {
		t.Fatalf("server send: %v", err)
	}
	b, _ := os.ReadFile(path)
	if string(b) != "quarterly numbers" {
		t.Fatalf("content = %q", b)
	}
}

func TestAsyncClientUploadsFile(t *testing.T) {
	dir := t.TempDir()
	src := writeFile(t, dir, "up.bin", "uploaded")
	s := startServer(t, server.Options{DownloadDir: filepath.Join(dir, "server")})
	type result struct {
		path string
		err  error
	}
	got := make(chan result, 1)
	s.HandleOpcode(101, func(c server.Conn, _ protocol.Message) bool {
		p, err := s.RecvFile(context.Background(), c)
		got <- result{p, err}
		return true
	})
	c := connect(t, s, Options{Mode: ModeAsync})

	if err := c.Send(protocol.HeaderOnly(101, 0)); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := c.SendFile(context.Background(), src, "up.bin"); err != nil {
		t.Fatalf("send file: %v", err)
	}
	r := <-got
	if r.err != nil {
		t.Fatalf("server recv: %v", r.err)
	}
	b, _ := os.ReadFile(r.path)
	if string(b) != "uploaded" || filepath.Dir(r.path) != filepath.Join(dir, "server") {
		t.Fatalf("%s = %q", r.path, b)
	}
}

func TestAsyncClientDownloadsBatch(t *testing.T) {
	dir := t.TempDir()
	srcs := []filetransfer.Source{
		{Path: writeFile(t, dir, "a.txt", "alpha"), Name: "a.txt"},
		{Path: filepath.Join(dir, "missing.txt"), Name: "missing.txt"},
		{Path: writeFile(t, dir, "c.txt", "gamma"), Name: "c.txt"},
	}
	s := startServer(t, server.Options{})
	sent := make(chan int, 1)
	s.HandleOpcode(102, func(c server.Conn, _ protocol.Message) bool {
		n, _ := s.SendFiles(context.Background(), c, srcs)
		sent <- n
		return true
	})
	c := connect(t, s, Options{Mode: ModeAsync})

	if err := c.Send(protocol.HeaderOnly(102, 0)); err != nil {
		t.Fatalf("send: %v", err)
	}
	paths, err := c.RecvFiles(context.Background())
	if err != nil {
		t.Fatalf("recv files: %v", err)
	}
	if n := <-sent; n != 2 || len(paths) != 2 {
		t.Fatalf("sent %d, received %v", n, paths)
	}
	for i, want := range []string{"alpha", "gamma"} {
		b, _ := os.ReadFile(paths[i])
		if string(b) != want {
			t.Fatalf("%s = %q", paths[i], b)
		}
	}
}

func TestFileTransferWithoutAnnouncement(t *testing.T) {
	s := startServer(t, server.Options{})
	for _, mode := range []Mode{ModeSync, ModeAsync} {
		c := connect(t, s, Options{Mode: mode, Timeout: time.Second, FileTransferTimeout: 100 * time.Millisecond})
		path, err := c.RecvFile(context.Background())
		if path != "" || !errors.Is(err, filetransfer.ErrNoPort) {
			t.Fatalf("%s: path=%q err=%v", mode, path, err)
		}
	}
}
