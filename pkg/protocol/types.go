package protocol

import "fmt"

// ContentType identifies how a Message payload is represented on the wire.
// It occupies the first u16 of the header.
type ContentType uint16

const (
	ContentNone       ContentType = iota // no message / connection closed
	ContentError                         // transport failure sentinel, never transmitted
	ContentHeaderOnly                    // no payload
	ContentPlainText                     // UTF-8 text
	ContentJSON                          // UTF-8 JSON object
	ContentBinary                        // opaque bytes
)

func (c ContentType) String() string {
	switch c {
	case ContentNone:
		return "none"
	case ContentError:
		return "error"
	case ContentHeaderOnly:
		return "header-only"
	case ContentPlainText:
		return "plain-text"
	case ContentJSON:
		return "json"
	case ContentBinary:
		return "binary"
	default:
		return fmt.Sprintf("unknown(%d)", uint16(c))
	}
}

// Transmittable reports whether frames of this content type may be put on the wire.
func (c ContentType) Transmittable() bool {
	return c >= ContentHeaderOnly && c <= ContentBinary
}

// Built-in opcodes reserved by the file-transfer sub-protocol. Application
// opcodes should stay below FTTransferPort.
const (
	FTTransferPort    uint16 = 60020 // {"port": <u16>}
	FTSendFilesHeader uint16 = 62000 // {"file_count": <int>}
)

// Media types used by the codec registry for typed binary bodies.
// Not serialized in the header; the body carries a one-byte Format instead.
const (
	MediaUnknown = "application/octet-stream"
	MediaCBOR    = "application/cbor"
	MediaJSON    = "application/json"
	MediaProto   = "application/x-protobuf"
)
