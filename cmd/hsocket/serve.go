package main

import (
	"context"
	"fmt"
	"net"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"hsocket/pkg/config"
	"hsocket/pkg/core/netstack"
	"hsocket/pkg/filetransfer"
	"hsocket/pkg/protocol"
	"hsocket/pkg/server"
	"hsocket/pkg/transport/udp"
)

func serveCmd(configPath *string) *cobra.Command {
	var (
		addr  string
		model string
		share string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the server",
		Long: `Run the server with the configured model (reactor, threaded or udp).

Every message no handler claims is echoed back with status 1. Opcode 1000
receives an upload batch and opcode 1001 {"name": ...} sends a file from the
share directory.

Examples:
  hsocket serve
  hsocket serve --model threaded --addr 127.0.0.1:6000
  hsocket serve --share ./public`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(*configPath)
			if err != nil {
				return err
			}
			defer a.close()
			if addr != "" {
				a.cfg.Server.Addr = addr
			}
			if model != "" {
				a.cfg.Server.Model = model
				if err := a.cfg.Validate(); err != nil {
					return err
				}
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, a, share)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&model, "model", "", "server model: reactor|threaded|udp")
	cmd.Flags().StringVar(&share, "share", ".", "directory served by the download opcode")
	return cmd
}

// streamServer is what the reactor and the threaded server have in common.
type streamServer interface {
	HandleOpcode(op uint16, fn func(server.Conn, protocol.Message) bool)
	SendFile(ctx context.Context, c server.Conn, path, name string) error
	RecvFiles(ctx context.Context, c server.Conn) ([]string, error)
	Serve(ctx context.Context) error
	Stop()
}

func runServe(ctx context.Context, a *app, share string) error {
	if a.metrics != nil {
		startAdmin(ctx, a.cfg.Metrics.Addr, a.metrics, a.log)
	}
	opts := server.OptionsFrom(a.cfg, a.log, a.metrics)
	h := echoHandler{log: a.log.Named("echo")}

	var s streamServer
	switch a.cfg.Server.Model {
	case config.ModelUDP:
		return runPacketServer(ctx, a, opts)
	case config.ModelThreaded:
		l, err := netstack.Listen(ctx, a.cfg.Server.Kind, a.cfg.Server.Addr)
		if err != nil {
			return err
		}
		s = server.NewThreadedServer(l, h, opts)
	default:
		es := server.NewEventServer(a.cfg.Server.Addr, h, opts)
		if err := es.Listen(); err != nil {
			return err
		}
		s = es
	}
	registerFileOps(ctx, s, share, a.log)
	zap.L().Info("hsocket server started", zap.String("app", a.cfg.AppName), zap.String("model", a.cfg.Server.Model))
	return s.Serve(ctx)
}

// registerFileOps wires the upload and download opcodes. Transfers run on
// their own goroutine so a reactor keeps serving other connections.
func registerFileOps(ctx context.Context, s streamServer, share string, log *zap.Logger) {
	s.HandleOpcode(opUpload, func(c server.Conn, _ protocol.Message) bool {
		go func() {
			paths, err := s.RecvFiles(ctx, c)
			log.Info("upload finished", zap.String("conn", c.ID()), zap.Strings("paths", paths), zap.Error(err))
		}()
		return true
	})
	s.HandleOpcode(opDownload, func(c server.Conn, m protocol.Message) bool {
		name, _ := m.Get("name").(string)
		if !filetransfer.SafeName(name) {
			_ = c.Send(protocol.PlainText(opDownload, 400, fmt.Sprintf("bad file name %q", name)))
			return true
		}
		go func() {
			err := s.SendFile(ctx, c, filepath.Join(share, name), name)
			log.Info("download finished", zap.String("conn", c.ID()), zap.String("name", name), zap.Error(err))
		}()
		return true
	})
}

type echoHandler struct {
	log *zap.Logger
}

func (h echoHandler) OnConnected(c server.Conn, addr net.Addr) {
	h.log.Info("client connected", zap.String("conn", c.ID()), zap.Stringer("addr", addr))
}

func (h echoHandler) OnMessage(c server.Conn, m protocol.Message) {
	h.log.Debug("message", zap.String("conn", c.ID()), zap.Stringer("msg", m))
	if err := c.Send(withStatus(m, 1)); err != nil {
		h.log.Warn("echo failed", zap.String("conn", c.ID()), zap.Error(err))
	}
}

func (h echoHandler) OnDisconnected(c server.Conn, addr net.Addr) {
	h.log.Info("client disconnected", zap.String("conn", c.ID()), zap.Stringer("addr", addr))
}

func runPacketServer(ctx context.Context, a *app, opts server.Options) error {
	pc, err := udp.Listen(ctx, a.cfg.Server.Addr)
	if err != nil {
		return err
	}
	s := server.NewPacketServer(pc, func(p server.Peer, m protocol.Message) {
		if err := p.Reply(withStatus(m, 1)); err != nil {
			a.log.Warn("echo failed", zap.Stringer("peer", p.Addr), zap.Error(err))
		}
	}, opts)
	return s.Serve(ctx)
}

// withStatus copies m with a new status code.
func withStatus(m protocol.Message, status uint16) protocol.Message {
	switch m.ContentType() {
	case protocol.ContentPlainText:
		return protocol.PlainText(m.Opcode(), status, m.Text())
	case protocol.ContentJSON:
		return protocol.JSON(m.Opcode(), status, m.Object())
	case protocol.ContentBinary:
		return protocol.Binary(m.Opcode(), status, m.Bytes())
	default:
		return protocol.HeaderOnly(m.Opcode(), status)
	}
}
