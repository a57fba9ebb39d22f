package protocol

import (
	"fmt"

	"hsocket/pkg/protocol/codec"
)

// Format is a compact on-wire indicator of a typed body encoding.
// It is carried as the first byte of a BINARY payload built by BinaryBody.
type Format uint8

const (
	FormatUnknown Format = iota
	FormatJSON
	FormatCBOR
	FormatProto
)

func (f Format) String() string {
	switch f {
	case FormatJSON:
		return MediaJSON
	case FormatCBOR:
		return MediaCBOR
	case FormatProto:
		return MediaProto
	default:
		return MediaUnknown
	}
}

var defaultRegistry = codec.NewRegistry()

// CodecFor returns the codec for f from r, falling back to the built-ins.
func CodecFor(r *codec.Registry, f Format) (codec.Codec, error) {
	if f == FormatUnknown || f > FormatProto {
		return nil, fmt.Errorf("unknown body format: %d", f)
	}
	if r != nil {
		if c := r.Get(f.String()); c != nil {
			return c, nil
		}
	}
	if c := defaultRegistry.Get(f.String()); c != nil {
		return c, nil
	}
	return nil, fmt.Errorf("no codec for %s", f)
}

// EncodeBody serializes v with the codec for f and prefixes the result with a
// single format byte.
func EncodeBody(r *codec.Registry, f Format, v any) ([]byte, error) {
	c, err := CodecFor(r, f)
	if err != nil {
		return nil, err
	}
	b, err := c.Marshal(v)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 1+len(b))
	out[0] = byte(f)
	copy(out[1:], b)
	return out, nil
}

// DecodeBody decodes a payload produced by EncodeBody into v.
func DecodeBody(r *codec.Registry, payload []byte, v any) (Format, error) {
	if len(payload) == 0 {
		return FormatUnknown, fmt.Errorf("empty body")
	}
	f := Format(payload[0])
	c, err := CodecFor(r, f)
	if err != nil {
		return f, err
	}
	if err := c.Unmarshal(payload[1:], v); err != nil {
		return f, err
	}
	return f, nil
}

// BinaryBody builds a BINARY message whose payload is v encoded with format f.
// A nil registry uses the built-in codecs.
func BinaryBody(opcode, status uint16, f Format, v any, r *codec.Registry) (Message, error) {
	b, err := EncodeBody(r, f, v)
	if err != nil {
		return Message{}, err
	}
	return Message{contentType: ContentBinary, opcode: opcode, status: status, data: b}, nil
}

// DecodeBinaryBody decodes the typed body of a BINARY message built by BinaryBody.
func DecodeBinaryBody(m Message, v any, r *codec.Registry) (Format, error) {
	if m.contentType != ContentBinary {
		return FormatUnknown, fmt.Errorf("%w: typed body needs binary content, got %s", ErrContentMismatch, m.contentType)
	}
	return DecodeBody(r, m.data, v)
}
