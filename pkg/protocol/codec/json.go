package codec

import (
	"bytes"
	"encoding/json"
	"errors"
)

type jsonCodec struct{}

// JSON returns a JSON codec (RFC 8259). HTML characters are not escaped and no
// trailing newline is emitted, so the bytes are exactly the object text.
func JSON() Codec { return jsonCodec{} }

func (jsonCodec) MediaType() string { return "application/json" }

func (jsonCodec) Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}), nil
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("json: trailing data after value")
	}
	return nil
}
