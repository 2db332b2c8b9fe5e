// tunneld-client is the standalone tunnel client: the connect half of
// tunneld as a single small binary for machines that never run the server.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/tunneld/tunneld/internal/agent"
)

var (
	server      string
	apiKey      string
	subdomainF  string
	configPath  string
	showQR      bool
	openBrowser bool
	logLevel    string
)

var rootCmd = &cobra.Command{
	Use:   "tunneld-client <port>",
	Short: "Publish a local port through a tunneld server",
	Long: `Connect to a tunneld server and forward public traffic to a local
HTTP server. Flags override the config file (default ~/.tunneld/config.json).`,
	Args:         cobra.ExactArgs(1),
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := newLogger()

		port, err := strconv.Atoi(args[0])
		if err != nil {
			return errors.New("port must be a number")
		}

		if configPath == "" {
			configPath = agent.DefaultConfigPath()
		}
		cfg, err := agent.LoadConfig(configPath)
		if err != nil {
			return err
		}
		if server == "" {
			server = cfg.ServerURL
		}
		if apiKey == "" {
			apiKey = cfg.APIKey
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		err = agent.RunConnect(ctx, agent.ConnectOptions{
			Server:      server,
			APIKey:      apiKey,
			Port:        port,
			Subdomain:   subdomainF,
			ConfigPath:  configPath,
			ShowQR:      showQR,
			OpenBrowser: openBrowser,
		}, logger)
		if errors.Is(err, context.Canceled) {
			logger.Info().Msg("disconnected")
			return nil
		}
		return err
	},
}

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

func init() {
	rootCmd.Flags().StringVar(&server, "server", "", "Tunnel server URL (e.g. https://tunnel.example.com)")
	rootCmd.Flags().StringVar(&apiKey, "api-key", "", "API key for the tunnel server")
	rootCmd.Flags().StringVar(&subdomainF, "subdomain", "", "Requested subdomain (default: sticky or random)")
	rootCmd.Flags().StringVar(&configPath, "config", "", "Config file path (default ~/.tunneld/config.json)")
	rootCmd.Flags().BoolVar(&showQR, "qr", false, "Print the public URL as a QR code")
	rootCmd.Flags().BoolVar(&openBrowser, "open", false, "Open the public URL in the browser")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
