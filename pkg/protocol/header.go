package protocol

import (
	"encoding/binary"
	"fmt"
)

// Fixed header layout (10 bytes). All integer fields are unsigned little-endian.
//
//	0 ..1   ContentType u16
//	2 ..3   Opcode      u16
//	4 ..5   StatusCode  u16
//	6 ..9   PayloadLen  u32
const HeaderLength = 10

// MaxPayloadSize bounds the payload length accepted from the wire.
const MaxPayloadSize = 64 << 20

// Header describes one frame. PayloadLen always equals the byte length of the
// encoded payload that follows it.
type Header struct {
	ContentType ContentType
	Opcode      uint16
	StatusCode  uint16
	PayloadLen  uint32
}

// MarshalBinary encodes the header into a 10-byte buffer.
func (h *Header) MarshalBinary() ([]byte, error) {
	buf := make([]byte, HeaderLength)
	h.put(buf)
	return buf, nil
}

func (h *Header) put(buf []byte) {
	binary.LittleEndian.PutUint16(buf[0:2], uint16(h.ContentType))
	binary.LittleEndian.PutUint16(buf[2:4], h.Opcode)
	binary.LittleEndian.PutUint16(buf[4:6], h.StatusCode)
	binary.LittleEndian.PutUint32(buf[6:10], h.PayloadLen)
}

// UnmarshalBinary decodes a header from exactly HeaderLength bytes.
func (h *Header) UnmarshalBinary(buf []byte) error {
	if len(buf) != HeaderLength {
		return fmt.Errorf("%w: got %d", ErrShortHeader, len(buf))
	}
	h.ContentType = ContentType(binary.LittleEndian.Uint16(buf[0:2]))
	h.Opcode = binary.LittleEndian.Uint16(buf[2:4])
	h.StatusCode = binary.LittleEndian.Uint16(buf[4:6])
	h.PayloadLen = binary.LittleEndian.Uint32(buf[6:10])
	return nil
}

// DecodeHeader parses buf, which must be exactly HeaderLength bytes long.
func DecodeHeader(buf []byte) (Header, error) {
	var h Header
	if err := h.UnmarshalBinary(buf); err != nil {
		return Header{}, err
	}
	return h, nil
}
