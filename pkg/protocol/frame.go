package protocol

import (
	"errors"
	"fmt"
	"io"
	"math"
	"unicode/utf8"

	"hsocket/pkg/protocol/codec"
)

var jsonCodec = codec.JSON()

// encodePayload serializes the payload according to the content type.
func encodePayload(m Message) ([]byte, error) {
	switch m.contentType {
	case ContentHeaderOnly:
		return nil, nil
	case ContentPlainText:
		if !utf8.ValidString(m.text) {
			return nil, fmt.Errorf("%w: plain text is not valid UTF-8", ErrContentMismatch)
		}
		return []byte(m.text), nil
	case ContentJSON:
		obj := m.obj
		if obj == nil {
			obj = map[string]any{}
		}
		b, err := jsonCodec.Marshal(obj)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrContentMismatch, err)
		}
		return b, nil
	case ContentBinary:
		return m.data, nil
	case ContentNone, ContentError:
		return nil, fmt.Errorf("%w: %s", ErrNotTransmittable, m.contentType)
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownContent, uint16(m.contentType))
	}
}

// Encode returns header + payload as a single frame.
func Encode(m Message) ([]byte, error) {
	payload, err := encodePayload(m)
	if err != nil {
		return nil, err
	}
	if uint64(len(payload)) > math.MaxUint32 {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload))
	}
	h := Header{ContentType: m.contentType, Opcode: m.opcode, StatusCode: m.status, PayloadLen: uint32(len(payload))}
	out := make([]byte, HeaderLength+len(payload))
	h.put(out)
	copy(out[HeaderLength:], payload)
	return out, nil
}

// DecodeMessage interprets payload according to h. The payload length must
// match h.PayloadLen. Malformed JSON is reported, never swallowed.
func DecodeMessage(h Header, payload []byte) (Message, error) {
	if int64(len(payload)) != int64(h.PayloadLen) {
		return Message{}, fmt.Errorf("%w: header declares %d bytes, got %d", ErrShortFrame, h.PayloadLen, len(payload))
	}
	m := Message{contentType: h.ContentType, opcode: h.Opcode, status: h.StatusCode}
	switch h.ContentType {
	case ContentHeaderOnly:
		if len(payload) != 0 {
			return Message{}, fmt.Errorf("%w: header-only frame carries %d bytes", ErrContentMismatch, len(payload))
		}
	case ContentPlainText:
		if !utf8.Valid(payload) {
			return Message{}, fmt.Errorf("%w: plain text is not valid UTF-8", ErrContentMismatch)
		}
		m.text = string(payload)
	case ContentJSON:
		if !utf8.Valid(payload) {
			return Message{}, fmt.Errorf("%w: json is not valid UTF-8", ErrContentMismatch)
		}
		var obj map[string]any
		if err := jsonCodec.Unmarshal(payload, &obj); err != nil {
			return Message{}, fmt.Errorf("%w: %v", ErrContentMismatch, err)
		}
		if obj == nil {
			obj = map[string]any{}
		}
		m.obj = obj
	case ContentBinary:
		m.data = append([]byte(nil), payload...)
	default:
		return Message{}, fmt.Errorf("%w: %d", ErrUnknownContent, uint16(h.ContentType))
	}
	return m, nil
}

// WriteMessage writes one whole frame to w with a single Write call.
func WriteMessage(w io.Writer, m Message) (int64, error) {
	frame, err := Encode(m)
	if err != nil {
		return 0, err
	}
	n, err := w.Write(frame)
	return int64(n), err
}

// ReadMessage reads exactly one frame from r. A clean io.EOF before the first
// header byte is returned as-is; an EOF inside the frame becomes
// io.ErrUnexpectedEOF. Payload bytes are consumed even when they turn out to be
// malformed, so the stream stays aligned.
func ReadMessage(r io.Reader) (Message, error) {
	var hb [HeaderLength]byte
	if _, err := io.ReadFull(r, hb[:]); err != nil {
		return Message{}, err
	}
	h, err := DecodeHeader(hb[:])
	if err != nil {
		return Message{}, err
	}
	if h.PayloadLen > MaxPayloadSize {
		return Message{}, fmt.Errorf("%w: %d", ErrPayloadTooLarge, h.PayloadLen)
	}
	payload := make([]byte, int(h.PayloadLen))
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return Message{}, err
	}
	return DecodeMessage(h, payload)
}

// ParseFrame decodes the first frame of buf and returns how many bytes it
// occupied. ErrShortFrame means more bytes are needed. For malformed frames the
// returned size is still valid so the caller can skip them.
func ParseFrame(buf []byte) (Message, int, error) {
	if len(buf) < HeaderLength {
		return Message{}, 0, ErrShortFrame
	}
	h, err := DecodeHeader(buf[:HeaderLength])
	if err != nil {
		return Message{}, 0, err
	}
	if h.PayloadLen > MaxPayloadSize {
		return Message{}, 0, fmt.Errorf("%w: %d", ErrPayloadTooLarge, h.PayloadLen)
	}
	need := HeaderLength + int(h.PayloadLen)
	if len(buf) < need {
		return Message{}, 0, ErrShortFrame
	}
	m, err := DecodeMessage(h, buf[HeaderLength:need])
	return m, need, err
}
