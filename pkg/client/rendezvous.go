package client

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"hsocket/pkg/filetransfer"
	"hsocket/pkg/transport"
)

// portSlot hands announced side channel ports from the receiver to the
// goroutine running a file transfer. It holds at most one port; the
// receiver is the only publisher.
type portSlot struct {
	mu     sync.Mutex
	port   uint16
	has    bool
	notify chan struct{}
}

// Publish stores port, replacing an unclaimed one, and wakes a waiting Take.
func (p *portSlot) Publish(port uint16) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.port, p.has = port, true
	if p.notify != nil {
		close(p.notify)
		p.notify = nil
	}
}

// Take waits for a port and consumes it. It gives up when ctx is done or
// gone is closed.
func (p *portSlot) Take(ctx context.Context, gone <-chan struct{}) (uint16, error) {
	for {
		p.mu.Lock()
		if p.has {
			port := p.port
			p.has = false
			p.mu.Unlock()
			return port, nil
		}
		if p.notify == nil {
			p.notify = make(chan struct{})
		}
		ch := p.notify
		p.mu.Unlock()

		select {
		case <-ch:
		case <-gone:
			return 0, fmt.Errorf("%w: %w", filetransfer.ErrNoPort, transport.ErrConnReset)
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return 0, fmt.Errorf("%w: %w", filetransfer.ErrNoPort, transport.ErrTimeout)
			}
			return 0, fmt.Errorf("%w: %w", filetransfer.ErrNoPort, ctx.Err())
		}
	}
}

// Reset drops an unclaimed port.
func (p *portSlot) Reset() {
	p.mu.Lock()
	p.has = false
	p.mu.Unlock()
}
