package codec

import "sync"

// Codec marshals typed values carried inside BINARY message bodies.
// Implementations must be deterministic so peers agree on the bytes.
type Codec interface {
	MediaType() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// Registry maps media types to codecs. Safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	byType map[string]Codec
}

// NewRegistry constructs a registry preloaded with JSON, CBOR and Protobuf.
func NewRegistry() *Registry {
	r := &Registry{byType: make(map[string]Codec)}
	r.Register(JSON())
	r.Register(Proto())
	if c, err := CBOR(); err == nil {
		r.Register(c)
	}
	return r
}

// Register adds or replaces a codec.
func (r *Registry) Register(c Codec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byType[c.MediaType()] = c
}

// Get returns a codec by media type, or nil.
func (r *Registry) Get(mediaType string) Codec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byType[mediaType]
}
