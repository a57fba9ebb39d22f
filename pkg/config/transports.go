package config

import "time"

// Server models and client modes.
const (
	ModelReactor  = "reactor"
	ModelThreaded = "threaded"
	ModelUDP      = "udp"

	ModeSync  = "sync"
	ModeAsync = "async"
)

// ServerConfig describes where and how the server listens.
// Example YAML:
// server:
//   kind: tcp          # tcp, mem, quic, ws (threaded model); tcp only for reactor
//   addr: "0.0.0.0:5000"
//   model: reactor     # reactor, threaded or udp
//   file_transfer_host: "0.0.0.0"
type ServerConfig struct {
	Kind  string `mapstructure:"kind"`
	Addr  string `mapstructure:"addr"`
	Model string `mapstructure:"model"`
	// FileTransferHost is the bind host for side channels; empty uses the host of Addr
	FileTransferHost string `mapstructure:"file_transfer_host"`
	ReadTimeoutMS    int    `mapstructure:"read_timeout_ms"`
	WriteTimeoutMS   int    `mapstructure:"write_timeout_ms"`
}

func (s ServerConfig) ReadTimeout() time.Duration  { return ms(s.ReadTimeoutMS) }
func (s ServerConfig) WriteTimeout() time.Duration { return ms(s.WriteTimeoutMS) }

// ClientConfig describes the server a client connects to.
type ClientConfig struct {
	Kind string `mapstructure:"kind"`
	Addr string `mapstructure:"addr"`
	// Mode: sync or async
	Mode      string `mapstructure:"mode"`
	TimeoutMS int    `mapstructure:"timeout_ms"`
}

func (c ClientConfig) Timeout() time.Duration { return ms(c.TimeoutMS) }
