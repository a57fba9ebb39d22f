// Package transport defines the framed stream abstraction shared by servers
// and clients, the error taxonomy for transport failures, and a registry of
// live connections.
//
// Key concepts:
//   - Stream: whole-message send/receive over one connection (see protocol/stream)
//   - Listener/Transport: accept and dial streams over a carrier kind
//     (tcp, mem, quic, ws); datagrams live in transport/udp
//   - Classify: maps platform errors onto ErrConnReset, ErrTimeout, ErrClosed
//   - Registry: id-keyed set of live connections closed together on shutdown
package transport
