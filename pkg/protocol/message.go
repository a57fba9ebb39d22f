package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"reflect"
)

// Message is one typed, opcode-routed unit of the protocol. It is an immutable
// value: constructors copy their inputs and accessors must not be used to
// mutate the returned data.
type Message struct {
	contentType ContentType
	opcode      uint16
	status      uint16
	text        string
	data        []byte
	obj         map[string]any
}

// Empty returns the NONE message used to signal "no message / closed".
func Empty() Message { return Message{contentType: ContentNone} }

// ErrorMessage returns the ERROR sentinel produced by transports; it is never sent.
func ErrorMessage() Message { return Message{contentType: ContentError} }

// HeaderOnly returns a message without payload.
func HeaderOnly(opcode, status uint16) Message {
	return Message{contentType: ContentHeaderOnly, opcode: opcode, status: status}
}

// PlainText returns a UTF-8 text message.
func PlainText(opcode, status uint16, text string) Message {
	return Message{contentType: ContentPlainText, opcode: opcode, status: status, text: text}
}

// JSON returns a JSON object message. A nil map encodes as {}.
// Values are stored in decoded form (numbers as float64, arrays as []any), so a
// message equals itself after a trip through the wire.
func JSON(opcode, status uint16, obj map[string]any) Message {
	return Message{contentType: ContentJSON, opcode: opcode, status: status, obj: normalize(obj)}
}

// normalize round-trips obj through the wire codec. Values the codec rejects
// are kept as a plain copy so Encode reports ErrContentMismatch.
func normalize(obj map[string]any) map[string]any {
	if b, err := jsonCodec.Marshal(obj); err == nil {
		var out map[string]any
		if err := jsonCodec.Unmarshal(b, &out); err == nil && out != nil {
			return out
		}
	}
	cp := make(map[string]any, len(obj))
	maps.Copy(cp, obj)
	return cp
}

// Binary returns an opaque bytes message.
func Binary(opcode, status uint16, data []byte) Message {
	return Message{contentType: ContentBinary, opcode: opcode, status: status, data: bytes.Clone(data)}
}

func (m Message) ContentType() ContentType { return m.contentType }
func (m Message) Opcode() uint16           { return m.opcode }
func (m Message) StatusCode() uint16       { return m.status }

// IsValid holds iff the content type is neither NONE nor ERROR.
func (m Message) IsValid() bool {
	return m.contentType != ContentNone && m.contentType != ContentError
}

// Text returns the payload of a PLAIN_TEXT message.
func (m Message) Text() string { return m.text }

// Bytes returns the payload of a BINARY message. Do not modify it.
func (m Message) Bytes() []byte { return m.data }

// Object returns the decoded JSON object. Do not modify it.
func (m Message) Object() map[string]any { return m.obj }

// Get returns the JSON field key, or nil when absent or not a JSON message.
func (m Message) Get(key string) any { return m.obj[key] }

// GetInt returns a JSON numeric field as int. JSON numbers decode as float64,
// so integral floats are accepted.
func (m Message) GetInt(key string) (int, bool) {
	switch v := m.obj[key].(type) {
	case float64:
		if v != float64(int(v)) {
			return 0, false
		}
		return int(v), true
	case int:
		return v, true
	case int64:
		return int(v), true
	case uint16:
		return int(v), true
	case uint64:
		return int(v), true
	case json.Number:
		n, err := v.Int64()
		return int(n), err == nil
	default:
		return 0, false
	}
}

// Equal compares content type, opcode, status code and payload.
func (m Message) Equal(o Message) bool {
	if m.contentType != o.contentType || m.opcode != o.opcode || m.status != o.status {
		return false
	}
	switch m.contentType {
	case ContentPlainText:
		return m.text == o.text
	case ContentBinary:
		return bytes.Equal(m.data, o.data)
	case ContentJSON:
		return reflect.DeepEqual(m.obj, o.obj)
	default:
		return true
	}
}

func (m Message) String() string {
	var body string
	switch m.contentType {
	case ContentPlainText:
		body = m.text
	case ContentJSON:
		b, _ := json.Marshal(m.obj)
		body = string(b)
	case ContentBinary:
		body = fmt.Sprintf("%d bytes", len(m.data))
	}
	return fmt.Sprintf("content:%s op:%d status:%d %s", m.contentType, m.opcode, m.status, body)
}
