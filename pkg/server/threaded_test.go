package server

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"hsocket/pkg/filetransfer"
	"hsocket/pkg/protocol"
	"hsocket/pkg/transport"
	"hsocket/pkg/transport/mem"
	"hsocket/pkg/transport/tcp"
)

func startThreaded(t *testing.T, tr transport.Transport, addr string, h Handler, opts Options) *ThreadedServer {
	t.Helper()
	l, err := tr.Listen(context.Background(), addr)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := NewThreadedServer(l, h, opts)
	done := make(chan error, 1)
	go func() { done <- s.Serve(context.Background()) }()
	t.Cleanup(func() {
		s.Stop()
		if err := <-done; err != nil {
			t.Errorf("serve: %v", err)
		}
	})
	return s
}

func dial(t *testing.T, tr transport.Transport, addr string) transport.Stream {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	st, err := tr.Dial(ctx, addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestThreadedRequestReplyOverMem(t *testing.T) {
	tr := mem.New()
	rec := newRecorder()
	s := startThreaded(t, tr, "threaded-mem", rec, Options{})
	greet(s, 0)

	st := dial(t, tr, "threaded-mem")
	rec.waitConn(t)
	wantReply(t, request(t, st, protocol.JSON(0, 0, map[string]any{"text0": "hi"})), 0)

	// unclaimed messages fall through to OnMessage
	if err := st.SendMessage(protocol.PlainText(7, 0, "free")); err != nil {
		t.Fatalf("send: %v", err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for {
		rec.mu.Lock()
		n := len(rec.msgs)
		rec.mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("OnMessage not called")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestThreadedUnclaimedOpcodeFallsThrough(t *testing.T) {
	tr := mem.New()
	rec := newRecorder()
	s := startThreaded(t, tr, "threaded-fall", rec, Options{})
	s.HandleOpcode(3, func(Conn, protocol.Message) bool { return false })
	st := dial(t, tr, "threaded-fall")
	rec.waitConn(t)
	_ = st.SendMessage(protocol.HeaderOnly(3, 0))
	s.RemoveOpcode(3)
	time.Sleep(100 * time.Millisecond)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.msgs) != 1 || rec.msgs[0].Opcode() != 3 {
		t.Fatalf("msgs = %v", rec.msgs)
	}
}

func TestThreadedDisconnectFiresOnce(t *testing.T) {
	tr := tcp.New()
	rec := newRecorder()
	s := startThreaded(t, tr, "127.0.0.1:0", rec, Options{ReadTimeout: 50 * time.Millisecond})
	st := dial(t, tr, s.Addr().String())
	c := rec.waitConn(t)
	// read timeouts alone keep the connection
	time.Sleep(150 * time.Millisecond)
	if n := s.ConnCount(); n != 1 {
		t.Fatalf("live connections = %d", n)
	}
	_ = st.Close()
	if id := rec.waitGone(t); id != c.ID() {
		t.Fatalf("disconnected %q", id)
	}
	_ = c.Close()
	time.Sleep(50 * time.Millisecond)
	if _, d := rec.counts(); d != 1 {
		t.Fatalf("disconnects = %d", d)
	}
}

func TestThreadedStopClosesConnections(t *testing.T) {
	tr := mem.New()
	rec := newRecorder()
	l, err := tr.Listen(context.Background(), "threaded-stop")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := NewThreadedServer(l, rec, Options{})
	done := make(chan error, 1)
	go func() { done <- s.Serve(context.Background()) }()
	dial(t, tr, "threaded-stop")
	dial(t, tr, "threaded-stop")
	rec.waitConn(t)
	rec.waitConn(t)
	s.Stop()
	if err := <-done; err != nil {
		t.Fatalf("serve: %v", err)
	}
	if c, d := rec.counts(); c != 2 || d != 2 {
		t.Fatalf("connected=%d disconnected=%d", c, d)
	}
	if err := s.Serve(context.Background()); err != ErrServerRunning {
		t.Fatalf("second serve: %v", err)
	}
}

// slowHandler blocks in OnMessage until release is closed and logs the order
// of callbacks.
type slowHandler struct {
	*recorder
	entered chan struct{}
	release chan struct{}
	mu      sync.Mutex
	order   []string
}

func (h *slowHandler) OnMessage(c Conn, m protocol.Message) {
	h.entered <- struct{}{}
	<-h.release
	h.mu.Lock()
	h.order = append(h.order, "message")
	h.mu.Unlock()
}

func (h *slowHandler) OnDisconnected(c Conn, addr net.Addr) {
	h.mu.Lock()
	h.order = append(h.order, "disconnect")
	h.mu.Unlock()
	h.recorder.OnDisconnected(c, addr)
}

func TestThreadedStopDisconnectsAfterCallback(t *testing.T) {
	tr := mem.New()
	h := &slowHandler{recorder: newRecorder(), entered: make(chan struct{}, 1), release: make(chan struct{})}
	l, err := tr.Listen(context.Background(), "threaded-slow")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := NewThreadedServer(l, h, Options{})
	done := make(chan error, 1)
	go func() { done <- s.Serve(context.Background()) }()
	st := dial(t, tr, "threaded-slow")
	h.waitConn(t)
	if err := st.SendMessage(protocol.PlainText(5, 0, "slow")); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case <-h.entered:
	case <-time.After(3 * time.Second):
		t.Fatalf("OnMessage not called")
	}

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()
	time.Sleep(100 * time.Millisecond)
	if _, d := h.counts(); d != 0 {
		t.Fatalf("OnDisconnected fired while OnMessage was running")
	}
	select {
	case <-stopped:
		t.Fatalf("Stop returned before the connection goroutine finished")
	default:
	}

	close(h.release)
	select {
	case <-stopped:
	case <-time.After(3 * time.Second):
		t.Fatalf("Stop did not return")
	}
	if err := <-done; err != nil {
		t.Fatalf("serve: %v", err)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if !slices.Equal(h.order, []string{"message", "disconnect"}) {
		t.Fatalf("callback order = %v", h.order)
	}
}

func TestThreadedConnLookup(t *testing.T) {
	tr := mem.New()
	rec := newRecorder()
	s := startThreaded(t, tr, "threaded-lookup", rec, Options{})
	st1 := dial(t, tr, "threaded-lookup")
	c1 := rec.waitConn(t)
	dial(t, tr, "threaded-lookup")
	c2 := rec.waitConn(t)

	want := []string{c1.ID(), c2.ID()}
	slices.Sort(want)
	if got := s.ConnIDs(); !slices.Equal(got, want) {
		t.Fatalf("ids = %v, want %v", got, want)
	}
	c, ok := s.Conn(c1.ID())
	if !ok || c.ID() != c1.ID() {
		t.Fatalf("lookup %s = %v, %v", c1.ID(), c, ok)
	}
	if err := c.Send(protocol.PlainText(4, 0, "pushed")); err != nil {
		t.Fatalf("send: %v", err)
	}
	st1.SetReadTimeout(3 * time.Second)
	m, err := st1.ReceiveMessage()
	if err != nil || m.Text() != "pushed" {
		t.Fatalf("receive = %v, %v", m, err)
	}

	_ = st1.Close()
	if id := rec.waitGone(t); id != c1.ID() {
		t.Fatalf("disconnected %q", id)
	}
	if _, ok := s.Conn(c1.ID()); ok {
		t.Fatalf("closed connection still registered")
	}
	if got := s.ConnIDs(); !slices.Equal(got, []string{c2.ID()}) {
		t.Fatalf("ids after close = %v", got)
	}
}

func TestThreadedReceivesFile(t *testing.T) {
	dir := t.TempDir()
	tr := tcp.New()
	rec := newRecorder()
	s := startThreaded(t, tr, "127.0.0.1:0", rec, Options{FileTransferHost: "127.0.0.1", DownloadDir: filepath.Join(dir, "in"), FileTransferTimeout: 3 * time.Second})
	type result struct {
		paths []string
		err   error
	}
	got := make(chan result, 1)
	s.HandleOpcode(200, func(c Conn, _ protocol.Message) bool {
		paths, err := s.RecvFiles(context.Background(), c)
		got <- result{paths, err}
		return true
	})

	var srcs []filetransfer.Source
	for _, name := range []string{"one.txt", "two.txt"} {
		p := filepath.Join(dir, name)
		if err := os.WriteFile(p, []byte(name), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
		srcs = append(srcs, filetransfer.Source{Path: p, Name: name})
	}

	st := dial(t, tr, s.Addr().String())
	rec.waitConn(t)
	if err := st.SendMessage(protocol.HeaderOnly(200, 0)); err != nil {
		t.Fatalf("send: %v", err)
	}
	st.SetReadTimeout(3 * time.Second)
	m, err := st.ReceiveMessage()
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	port, err := filetransfer.PortFrom(m)
	if err != nil {
		t.Fatalf("port: %v", err)
	}
	sc, err := filetransfer.DialSideChannel(context.Background(), "127.0.0.1", port, time.Second)
	if err != nil {
		t.Fatalf("dial side: %v", err)
	}
	n, err := filetransfer.WriteFiles(sc, srcs, 0, nil)
	_ = sc.Close()
	if err != nil || n != 2 {
		t.Fatalf("write files: %d, %v", n, err)
	}
	r := <-got
	if r.err != nil || len(r.paths) != 2 {
		t.Fatalf("recv files: %v, %v", r.paths, r.err)
	}
	for i, p := range r.paths {
		b, _ := os.ReadFile(p)
		if string(b) != srcs[i].Name {
			t.Fatalf("%s = %q", p, b)
		}
	}
}
