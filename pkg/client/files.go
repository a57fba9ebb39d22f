package client

import (
	"bufio"
	"context"
	"fmt"
	"net"

	"go.uber.org/zap"

	"hsocket/pkg/filetransfer"
	"hsocket/pkg/protocol"
	"hsocket/pkg/transport"
)

// File transfers run on a side channel the server opens: the server
// announces a port with FTTransferPort on the control connection and the
// client dials it. Every helper blocks until the transfer ends or the
// file-transfer timeout passes without an announcement.

// awaitPort returns the next announced port. Sync clients read it from the
// control connection, dispatching anything that arrives first; async clients
// wait for the receiver to publish it.
func (c *Client) awaitPort(ctx context.Context, s *session) (uint16, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.FileTransferTimeout)
	defer cancel()
	if s.done != nil {
		return c.ports.Take(ctx, s.done)
	}
	for {
		m, err := c.receiveOn(ctx, s, c.opts.FileTransferTimeout)
		if err != nil {
			return 0, fmt.Errorf("%w: %w", filetransfer.ErrNoPort, err)
		}
		if m.Opcode() == protocol.FTTransferPort {
			return filetransfer.PortFrom(m)
		}
		c.dispatch.Dispatch(c, m)
	}
}

func (c *Client) sideChannel(ctx context.Context) (net.Conn, error) {
	s, err := c.session()
	if err != nil {
		return nil, err
	}
	port, err := c.awaitPort(ctx, s)
	if err != nil {
		return nil, err
	}
	c.log.Debug("dialing side channel", zap.String("host", s.host), zap.Uint16("port", port))
	return filetransfer.DialSideChannel(ctx, s.host, port, c.opts.FileTransferTimeout)
}

func (c *Client) receiver() filetransfer.Receiver {
	return filetransfer.Receiver{Dir: c.opts.DownloadDir, ChunkSize: c.opts.ChunkSize, Logger: c.log}
}

// SendFile uploads the file at path under name once the server announces a
// side channel.
func (c *Client) SendFile(ctx context.Context, path, name string) error {
	sc, err := c.sideChannel(ctx)
	if err != nil {
		c.opts.Metrics.FileTransfer("send", false)
		return err
	}
	defer sc.Close()
	err = filetransfer.SendFile(sc, path, name, c.opts.ChunkSize)
	c.opts.Metrics.FileTransfer("send", err == nil)
	return err
}

// RecvFile downloads one file into the download directory and returns its
// path. An empty path with a nil error means the server sent an empty frame.
func (c *Client) RecvFile(ctx context.Context) (string, error) {
	sc, err := c.sideChannel(ctx)
	if err != nil {
		c.opts.Metrics.FileTransfer("recv", false)
		return "", err
	}
	defer sc.Close()
	path, err := c.receiver().ReadFile(bufio.NewReader(sc))
	c.opts.Metrics.FileTransfer("recv", err == nil)
	return path, err
}

// SendFiles uploads a batch and returns how many files went out completely.
func (c *Client) SendFiles(ctx context.Context, srcs []filetransfer.Source) (int, error) {
	sc, err := c.sideChannel(ctx)
	if err != nil {
		return 0, err
	}
	defer sc.Close()
	n, err := filetransfer.WriteFiles(sc, srcs, c.opts.ChunkSize, c.log)
	for i := 0; i < n; i++ {
		c.opts.Metrics.FileTransfer("send", true)
	}
	if err != nil {
		c.opts.Metrics.FileTransfer("send", false)
		c.log.Warn("batch upload aborted", zap.Int("sent", n), zap.Error(transport.Classify(err)))
	}
	return n, err
}

// RecvFiles downloads a batch and returns the stored paths.
func (c *Client) RecvFiles(ctx context.Context) ([]string, error) {
	sc, err := c.sideChannel(ctx)
	if err != nil {
		return nil, err
	}
	defer sc.Close()
	paths, err := c.receiver().ReadFiles(sc)
	for range paths {
		c.opts.Metrics.FileTransfer("recv", true)
	}
	if err != nil {
		c.opts.Metrics.FileTransfer("recv", false)
	}
	return paths, err
}
