package filetransfer

import "errors"

var (
	// ErrUnsafeFilename is returned when a received name is not a single
	// plain path element. The file's bytes are drained so the stream stays usable.
	ErrUnsafeFilename = errors.New("filetransfer: unsafe filename")
	// ErrNameTooLong means no NUL arrived within MaxNameLength bytes; the stream
	// cannot be realigned.
	ErrNameTooLong = errors.New("filetransfer: filename too long")
	// ErrFileTooLarge is returned for sources that do not fit the u32 size field.
	ErrFileTooLarge = errors.New("filetransfer: file larger than 4 GiB")
	// ErrNoPort means no usable FTTransferPort announcement arrived.
	ErrNoPort = errors.New("filetransfer: no transfer port announced")
	// ErrBadBatchHeader means the batch did not start with a file_count message.
	ErrBadBatchHeader = errors.New("filetransfer: invalid batch header")
)
