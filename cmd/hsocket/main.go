package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Opcodes the bundled server understands besides echo.
const (
	opUpload   uint16 = 1000 // client uploads a batch on the announced side channel
	opDownload uint16 = 1001 // {"name": <file>} server sends one file from its share dir
)

func main() {
	var configPath string
	rootCmd := &cobra.Command{
		Use:   "hsocket",
		Short: "Length-framed message server and client",
		Long: `hsocket serves and speaks a small binary protocol: a 10-byte header
(content type, opcode, status, length) followed by a text, JSON or binary
payload. Files move over a side channel negotiated on the control connection.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config file")

	rootCmd.AddCommand(
		serveCmd(&configPath),
		sendCmd(&configPath),
		requestCmd(&configPath),
		sendfileCmd(&configPath),
		getfileCmd(&configPath),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", err)
		os.Exit(1)
	}
}
