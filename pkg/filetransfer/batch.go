package filetransfer

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"

	"hsocket/pkg/protocol"
)

// Source names one file to send: the local path and the name announced to the
// receiver.
type Source struct {
	Path string
	Name string
}

// Sources pairs paths with names. It fails when the lengths differ.
func Sources(paths, names []string) ([]Source, error) {
	if len(paths) != len(names) {
		return nil, fmt.Errorf("filetransfer: %d paths but %d names", len(paths), len(names))
	}
	out := make([]Source, len(paths))
	for i := range paths {
		out[i] = Source{Path: paths[i], Name: names[i]}
	}
	return out, nil
}

// FilesHeader builds the batch header message.
func FilesHeader(count int) protocol.Message {
	return protocol.JSON(protocol.FTSendFilesHeader, 0, map[string]any{"file_count": count})
}

type openSrc struct {
	f    *os.File
	size int64
	name string
}

// WriteFiles sends a batch. Every source is opened first; unreadable ones are
// logged and left out, and the header counts only the opened files. It
// returns how many files were written completely. A write error aborts the
// rest of the batch and is returned together with the count so far.
func WriteFiles(w io.Writer, srcs []Source, chunk int, log *zap.Logger) (int, error) {
	if log == nil {
		log = zap.L()
	}
	opened := make([]openSrc, 0, len(srcs))
	defer func() {
		for _, o := range opened {
			_ = o.f.Close()
		}
	}()
	for _, s := range srcs {
		f, size, err := openSource(s.Path)
		if err != nil {
			log.Warn("skipping unreadable file", zap.String("path", s.Path), zap.Error(err))
			continue
		}
		opened = append(opened, openSrc{f: f, size: size, name: s.Name})
	}

	if _, err := protocol.WriteMessage(w, FilesHeader(len(opened))); err != nil {
		return 0, err
	}
	sent := 0
	for _, o := range opened {
		if err := WriteFile(w, o.f, o.name, o.size, chunk); err != nil {
			return sent, err
		}
		sent++
	}
	return sent, nil
}

// ReadFiles reads a batch header and then that many raw frames. Frames with
// unsafe names are skipped; empty frames add no path. Any other error aborts
// the batch and is returned with the paths stored so far.
func (rc Receiver) ReadFiles(src io.Reader) ([]string, error) {
	br, ok := src.(*bufio.Reader)
	if !ok {
		br = bufio.NewReader(src)
	}
	head, err := protocol.ReadMessage(br)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadBatchHeader, err)
	}
	count, ok := head.GetInt("file_count")
	if head.ContentType() != protocol.ContentJSON || !ok || count < 0 {
		return nil, fmt.Errorf("%w: %v", ErrBadBatchHeader, head)
	}

	paths := make([]string, 0, count)
	for i := 0; i < count; i++ {
		p, err := rc.ReadFile(br)
		if errors.Is(err, ErrUnsafeFilename) {
			rc.logger().Warn("skipping file with unsafe name", zap.Error(err))
			continue
		}
		if err != nil {
			return paths, err
		}
		if p != "" {
			paths = append(paths, p)
		}
	}
	return paths, nil
}
