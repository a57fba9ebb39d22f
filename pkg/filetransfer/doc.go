// Package filetransfer moves files over a dedicated side channel.
//
// The sink of the side channel (always the side that listens) opens an
// ephemeral TCP listener, announces its port on the control connection with
// an FTTransferPort message and accepts exactly one connection. On that
// connection each file is a raw frame:
//
//	name bytes, 0x00, size (u32 little-endian), size bytes of content
//
// A batch is a JSON message {"file_count": N} followed by N raw frames.
package filetransfer
