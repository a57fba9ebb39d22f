//go:build !linux

package server

import (
	"context"
	"net"
)

// EventServer needs epoll. On other platforms Serve fails with
// ErrReactorUnsupported; use ThreadedServer instead.
type EventServer struct {
	core
	addr string
}

func NewEventServer(addr string, h Handler, opts Options) *EventServer {
	return &EventServer{core: newCore("reactor", h, opts), addr: addr}
}

func (s *EventServer) Listen() error               { return ErrReactorUnsupported }
func (s *EventServer) Serve(context.Context) error { return ErrReactorUnsupported }
func (s *EventServer) Addr() net.Addr              { return nil }
func (s *EventServer) ConnCount() int              { return 0 }
func (s *EventServer) Stop()                       {}
