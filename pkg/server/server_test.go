package server

import (
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"hsocket/pkg/protocol"
	"hsocket/pkg/transport"
)

// recorder counts lifecycle events and collects unclaimed messages.
type recorder struct {
	mu           sync.Mutex
	connected    int
	disconnected int
	msgs         []protocol.Message
	conns        chan Conn
	gone         chan string
}

func newRecorder() *recorder {
	return &recorder{conns: make(chan Conn, 16), gone: make(chan string, 16)}
}

func (r *recorder) OnConnected(c Conn, _ net.Addr) {
	r.mu.Lock()
	r.connected++
	r.mu.Unlock()
	r.conns <- c
}

func (r *recorder) OnMessage(_ Conn, m protocol.Message) {
	r.mu.Lock()
	r.msgs = append(r.msgs, m)
	r.mu.Unlock()
}

func (r *recorder) OnDisconnected(c Conn, _ net.Addr) {
	r.mu.Lock()
	r.disconnected++
	r.mu.Unlock()
	r.gone <- c.ID()
}

func (r *recorder) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connected, r.disconnected
}

func (r *recorder) waitConn(t *testing.T) Conn {
	t.Helper()
	select {
	case c := <-r.conns:
		return c
	case <-time.After(3 * time.Second):
		t.Fatalf("no connection")
		return nil
	}
}

func (r *recorder) waitGone(t *testing.T) string {
	t.Helper()
	select {
	case id := <-r.gone:
		return id
	case <-time.After(3 * time.Second):
		t.Fatalf("no disconnect")
		return ""
	}
}

type opcodeRouter interface {
	HandleOpcode(op uint16, fn func(Conn, protocol.Message) bool)
}

// greet answers {"text<i>": ...} on opcode i with {"reply": "hello <i>"} and status 1.
func greet(s opcodeRouter, op uint16) {
	s.HandleOpcode(op, func(c Conn, m protocol.Message) bool {
		if _, ok := m.Get(fmt.Sprintf("text%d", op)).(string); !ok {
			return false
		}
		_ = c.Send(protocol.JSON(op, 1, map[string]any{"reply": fmt.Sprintf("hello %d", op)}))
		return true
	})
}

func request(t *testing.T, st transport.Stream, m protocol.Message) protocol.Message {
	t.Helper()
	if err := st.SendMessage(m); err != nil {
		t.Fatalf("send: %v", err)
	}
	st.SetReadTimeout(3 * time.Second)
	got, err := st.ReceiveMessage()
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	return got
}

func wantReply(t *testing.T, got protocol.Message, op uint16) {
	t.Helper()
	want := protocol.JSON(op, 1, map[string]any{"reply": fmt.Sprintf("hello %d", op)})
	if !got.Equal(want) {
		t.Fatalf("reply = %v, want %v", got, want)
	}
}
