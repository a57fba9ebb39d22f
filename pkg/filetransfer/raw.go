package filetransfer

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

const (
	// DefaultChunkSize is how many file bytes go into one write.
	DefaultChunkSize = 2048
	// MaxNameLength bounds the filename read before its NUL terminator.
	MaxNameLength = 4096
)

// WriteFile writes one raw frame: name, NUL, size as u32 LE, then size bytes
// read from r in chunks of chunk bytes. If r ends early the frame is left
// incomplete and io.ErrUnexpectedEOF is returned; the connection must be dropped.
func WriteFile(w io.Writer, r io.Reader, name string, size int64, chunk int) error {
	if size < 0 || size > math.MaxUint32 {
		return fmt.Errorf("%w: %s is %d bytes", ErrFileTooLarge, name, size)
	}
	if strings.IndexByte(name, 0) >= 0 {
		return fmt.Errorf("%w: %q contains NUL", ErrUnsafeFilename, name)
	}
	if chunk <= 0 {
		chunk = DefaultChunkSize
	}
	head := make([]byte, len(name)+1+4)
	copy(head, name)
	binary.LittleEndian.PutUint32(head[len(name)+1:], uint32(size))
	if _, err := w.Write(head); err != nil {
		return err
	}

	buf := make([]byte, chunk)
	for left := size; left > 0; {
		n := int(min(int64(chunk), left))
		k, err := io.ReadFull(r, buf[:n])
		if k > 0 {
			if _, werr := w.Write(buf[:k]); werr != nil {
				return werr
			}
			left -= int64(k)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return fmt.Errorf("read %s: %w", name, err)
		}
	}
	return nil
}

// SendFile opens path and writes it as a raw frame named name.
func SendFile(w io.Writer, path, name string, chunk int) error {
	f, size, err := openSource(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return WriteFile(w, f, name, size, chunk)
}

func openSource(path string) (*os.File, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, 0, err
	}
	if !st.Mode().IsRegular() {
		_ = f.Close()
		return nil, 0, fmt.Errorf("%s is not a regular file", path)
	}
	if st.Size() > math.MaxUint32 {
		_ = f.Close()
		return nil, 0, fmt.Errorf("%w: %s", ErrFileTooLarge, path)
	}
	return f, st.Size(), nil
}

// Receiver stores incoming raw frames under Dir, created on demand.
type Receiver struct {
	Dir       string
	ChunkSize int
	Logger    *zap.Logger
}

func (rc Receiver) logger() *zap.Logger {
	if rc.Logger != nil {
		return rc.Logger
	}
	return zap.L()
}

// ReadFile reads one raw frame from src and writes the content to Dir/name.
// It returns the new file's path, or "" when the name is empty or the size is
// zero. src is read exactly up to the end of the frame.
func (rc Receiver) ReadFile(src io.Reader) (string, error) {
	name, err := readName(src)
	if err != nil {
		return "", err
	}
	var sb [4]byte
	if _, err := io.ReadFull(src, sb[:]); err != nil {
		return "", unexpected(err)
	}
	size := int64(binary.LittleEndian.Uint32(sb[:]))

	if name == "" || size == 0 {
		if size > 0 {
			if _, err := io.CopyN(io.Discard, src, size); err != nil {
				return "", unexpected(err)
			}
		}
		return "", nil
	}
	if !SafeName(name) {
		if _, err := io.CopyN(io.Discard, src, size); err != nil {
			return "", unexpected(err)
		}
		return "", fmt.Errorf("%w: %q", ErrUnsafeFilename, name)
	}

	dir := rc.Dir
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		// keep the stream aligned for the next frame
		if _, derr := io.CopyN(io.Discard, src, size); derr != nil {
			return "", unexpected(derr)
		}
		return "", err
	}
	chunk := rc.ChunkSize
	if chunk <= 0 {
		chunk = DefaultChunkSize
	}
	n, err := io.CopyBuffer(onlyWriter{f}, io.LimitReader(src, size), make([]byte, chunk))
	if err == nil && n < size {
		err = io.ErrUnexpectedEOF
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(path)
		return "", unexpected(err)
	}
	rc.logger().Debug("file received", zap.String("path", path), zap.Int64("size", size))
	return path, nil
}

// SafeName reports whether name is a single, plain path element.
func SafeName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	if strings.ContainsAny(name, "/\\\x00") {
		return false
	}
	if filepath.IsAbs(name) || filepath.VolumeName(name) != "" {
		return false
	}
	return filepath.Base(name) == name
}

func readName(src io.Reader) (string, error) {
	var name []byte
	var b [1]byte
	for {
		if _, err := io.ReadFull(src, b[:]); err != nil {
			if len(name) == 0 && errors.Is(err, io.EOF) {
				return "", io.EOF
			}
			return "", unexpected(err)
		}
		if b[0] == 0 {
			return string(name), nil
		}
		if len(name) >= MaxNameLength {
			return "", ErrNameTooLong
		}
		name = append(name, b[0])
	}
}

func unexpected(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}

// onlyWriter hides ReadFrom so CopyBuffer uses the chunk buffer.
type onlyWriter struct{ w io.Writer }

func (o onlyWriter) Write(p []byte) (int, error) { return o.w.Write(p) }
