package protocol

import "errors"

var (
	// ErrShortHeader is returned when a header buffer is not exactly HeaderLength bytes.
	ErrShortHeader = errors.New("protocol: header must be exactly 10 bytes")
	// ErrShortFrame means the buffer does not hold a complete frame yet.
	ErrShortFrame = errors.New("protocol: incomplete frame")
	// ErrContentMismatch means the payload does not match its declared content type.
	ErrContentMismatch = errors.New("protocol: payload does not match content type")
	// ErrUnknownContent is returned for content types outside the known set.
	ErrUnknownContent = errors.New("protocol: unknown content type")
	// ErrNotTransmittable is returned when encoding a NONE or ERROR message.
	ErrNotTransmittable = errors.New("protocol: content type is never transmitted")
	// ErrPayloadTooLarge guards against absurd declared payload lengths.
	ErrPayloadTooLarge = errors.New("protocol: payload too large")
)

// IsMalformed reports whether err describes a bad frame whose bytes were fully
// consumed, so the stream is still in sync and the connection may be kept.
func IsMalformed(err error) bool {
	return errors.Is(err, ErrContentMismatch) || errors.Is(err, ErrUnknownContent)
}
