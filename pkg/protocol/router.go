package protocol

import "sync"

// OpcodeHandler handles a message routed by opcode. Returning true claims the
// message; returning false lets the fallback handler run as well.
type OpcodeHandler[C any] func(c C, m Message) bool

// Dispatcher routes messages by opcode with claim-or-fall-through semantics.
// The same routine serves servers (C is the connection) and clients.
// Registration is safe from any goroutine; Dispatch runs handlers on the
// caller's goroutine.
type Dispatcher[C any] struct {
	mu       sync.RWMutex
	byOp     map[uint16]OpcodeHandler[C]
	fallback func(C, Message)
}

// NewDispatcher returns a dispatcher with the given fallback (may be nil).
func NewDispatcher[C any](fallback func(C, Message)) *Dispatcher[C] {
	return &Dispatcher[C]{byOp: make(map[uint16]OpcodeHandler[C]), fallback: fallback}
}

// Handle registers h for opcode, replacing any previous handler.
func (d *Dispatcher[C]) Handle(opcode uint16, h OpcodeHandler[C]) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.byOp[opcode] = h
}

// Remove drops the handler for opcode.
func (d *Dispatcher[C]) Remove(opcode uint16) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.byOp, opcode)
}

// SetFallback replaces the handler that runs for unclaimed messages.
func (d *Dispatcher[C]) SetFallback(f func(C, Message)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fallback = f
}

// Dispatch runs the opcode handler for m, then the fallback unless the
// message was claimed.
func (d *Dispatcher[C]) Dispatch(c C, m Message) {
	d.mu.RLock()
	h := d.byOp[m.Opcode()]
	fb := d.fallback
	d.mu.RUnlock()

	if h != nil && h(c, m) {
		return
	}
	if fb != nil {
		fb(c, m)
	}
}
