// Package cmd holds the tunneld CLI: serve runs the public tunnel server,
// connect runs the client that publishes a local port.
package cmd

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var logLevel string

var rootCmd = &cobra.Command{
	Use:   "tunneld",
	Short: "Single-user HTTP/WebSocket reverse tunnel",
	Long: `tunneld exposes a local HTTP or WebSocket app on a public subdomain
through one persistent WebSocket control channel.`,
	SilenceUsage: true,
}

// Execute runs the CLI.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")
}

// newLogger builds the process logger: human-readable on a terminal, JSON
// lines otherwise.
func newLogger() zerolog.Logger {
	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	var logger zerolog.Logger
	if term.IsTerminal(int(os.Stderr.Fd())) {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		logger = zerolog.New(os.Stderr)
	}
	return logger.Level(level).With().Timestamp().Logger()
}
