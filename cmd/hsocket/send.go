package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"hsocket/pkg/client"
	"hsocket/pkg/filetransfer"
	"hsocket/pkg/protocol"
	"hsocket/pkg/protocol/codec"
)

// messageFlags build one message from the command line.
type messageFlags struct {
	opcode uint16
	status uint16
	text   string
	json   string
	hex    string
}

func (f *messageFlags) register(cmd *cobra.Command) {
	cmd.Flags().Uint16VarP(&f.opcode, "opcode", "o", 0, "message opcode")
	cmd.Flags().Uint16Var(&f.status, "status", 0, "status code")
	cmd.Flags().StringVar(&f.text, "text", "", "plain text payload")
	cmd.Flags().StringVar(&f.json, "json", "", "JSON object payload")
	cmd.Flags().StringVar(&f.hex, "hex", "", "binary payload as hex")
	cmd.MarkFlagsMutuallyExclusive("text", "json", "hex")
}

func (f *messageFlags) message() (protocol.Message, error) {
	switch {
	case f.json != "":
		var obj map[string]any
		if err := codec.JSON().Unmarshal([]byte(f.json), &obj); err != nil {
			return protocol.Message{}, fmt.Errorf("--json: %w", err)
		}
		return protocol.JSON(f.opcode, f.status, obj), nil
	case f.hex != "":
		b, err := hex.DecodeString(f.hex)
		if err != nil {
			return protocol.Message{}, fmt.Errorf("--hex: %w", err)
		}
		return protocol.Binary(f.opcode, f.status, b), nil
	case f.text != "":
		return protocol.PlainText(f.opcode, f.status, f.text), nil
	default:
		return protocol.HeaderOnly(f.opcode, f.status), nil
	}
}

// sender is the part of Client and PacketClient the commands use.
type sender interface {
	Send(protocol.Message) error
	Request(context.Context, protocol.Message) (protocol.Message, error)
	OnMessage(func(protocol.Message))
	Close() error
}

// dialClient connects the configured client. Kind udp yields a PacketClient.
func dialClient(ctx context.Context, a *app, addr string, mode client.Mode) (sender, error) {
	opts, err := clientOptions(a, mode)
	if err != nil && a.cfg.Client.Kind != "udp" {
		return nil, err
	}
	if addr == "" {
		addr = a.cfg.Client.Addr
	}
	if a.cfg.Client.Kind == "udp" {
		return client.DialPacket(ctx, addr, opts)
	}
	c := client.New(addr, opts)
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func clientOptions(a *app, mode client.Mode) (client.Options, error) {
	opts, err := client.OptionsFrom(a.cfg, a.log, a.metrics)
	opts.Mode = mode
	opts.Logger = a.log
	opts.Timeout = a.cfg.Client.Timeout()
	return opts, err
}

func sendCmd(configPath *string) *cobra.Command {
	var (
		mf   messageFlags
		addr string
		wait time.Duration
	)
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send one message and print whatever arrives",
		Long: `Send one message on an async client and print every message received
until --wait elapses.

Examples:
  hsocket send --opcode 0 --json '{"text0":"hi"}'
  hsocket send --opcode 7 --text hello --wait 5s`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(*configPath)
			if err != nil {
				return err
			}
			defer a.close()
			m, err := mf.message()
			if err != nil {
				return err
			}
			c, err := dialClient(cmd.Context(), a, addr, client.ModeAsync)
			if err != nil {
				return err
			}
			defer c.Close()
			c.OnMessage(func(m protocol.Message) { fmt.Println(m) })
			if err := c.Send(m); err != nil {
				return err
			}
			time.Sleep(wait)
			return nil
		},
	}
	mf.register(cmd)
	cmd.Flags().StringVar(&addr, "addr", "", "server address (default from config)")
	cmd.Flags().DurationVar(&wait, "wait", time.Second, "how long to print replies")
	return cmd
}

func requestCmd(configPath *string) *cobra.Command {
	var (
		mf   messageFlags
		addr string
	)
	cmd := &cobra.Command{
		Use:   "request",
		Short: "Send one message and wait for the reply",
		Example: `  hsocket request --opcode 0 --json '{"text0":"hi"}'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(*configPath)
			if err != nil {
				return err
			}
			defer a.close()
			m, err := mf.message()
			if err != nil {
				return err
			}
			c, err := dialClient(cmd.Context(), a, addr, client.ModeSync)
			if err != nil {
				return err
			}
			defer c.Close()
			reply, err := c.Request(cmd.Context(), m)
			if err != nil {
				return err
			}
			fmt.Println(reply)
			return nil
		},
	}
	mf.register(cmd)
	cmd.Flags().StringVar(&addr, "addr", "", "server address (default from config)")
	return cmd
}

func streamClient(cmd *cobra.Command, a *app, addr string) (*client.Client, error) {
	if a.cfg.Client.Kind == "udp" {
		return nil, errors.New("file transfer needs a stream transport")
	}
	s, err := dialClient(cmd.Context(), a, addr, client.ModeSync)
	if err != nil {
		return nil, err
	}
	return s.(*client.Client), nil
}

func sendfileCmd(configPath *string) *cobra.Command {
	var (
		addr  string
		names []string
	)
	cmd := &cobra.Command{
		Use:   "sendfile <path>...",
		Short: "Upload files to the server",
		Long: `Upload one or more files as a batch. Unreadable files are skipped and
the rest still go out.

Examples:
  hsocket sendfile report.pdf
  hsocket sendfile a.txt b.txt --name first.txt --name second.txt`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(*configPath)
			if err != nil {
				return err
			}
			defer a.close()
			if len(names) == 0 {
				for _, p := range args {
					names = append(names, filepath.Base(p))
				}
			}
			srcs, err := filetransfer.Sources(args, names)
			if err != nil {
				return err
			}
			c, err := streamClient(cmd, a, addr)
			if err != nil {
				return err
			}
			defer c.Close()
			if err := c.Send(protocol.HeaderOnly(opUpload, 0)); err != nil {
				return err
			}
			n, err := c.SendFiles(cmd.Context(), srcs)
			fmt.Printf("sent %d of %d files\n", n, len(srcs))
			return err
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "server address (default from config)")
	cmd.Flags().StringArrayVar(&names, "name", nil, "remote name per file (default: base name)")
	return cmd
}

func getfileCmd(configPath *string) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "getfile <name>",
		Short: "Download a file from the server's share directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(*configPath)
			if err != nil {
				return err
			}
			defer a.close()
			c, err := streamClient(cmd, a, addr)
			if err != nil {
				return err
			}
			defer c.Close()
			if err := c.Send(protocol.JSON(opDownload, 0, map[string]any{"name": args[0]})); err != nil {
				return err
			}
			path, err := c.RecvFile(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Println("saved", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "server address (default from config)")
	return cmd
}
