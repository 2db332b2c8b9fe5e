package cmd

import (
	"context"
	"errors"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tunneld/tunneld/internal/agent"
)

var (
	connectServer    string
	connectAPIKey    string
	connectSubdomain string
	connectConfig    string
	connectQR        bool
	connectOpen      bool
)

var connectCmd = &cobra.Command{
	Use:   "connect <port>",
	Short: "Publish a local port through the tunnel server",
	Long: `Connect to the tunnel server and forward public traffic to a local
HTTP server.

Flags override the config file (default ~/.tunneld/config.json). The
subdomain assigned on the first connect is remembered per port, so the
public URL survives restarts.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := newLogger()

		port, err := strconv.Atoi(args[0])
		if err != nil {
			return errors.New("port must be a number")
		}

		if connectConfig == "" {
			connectConfig = agent.DefaultConfigPath()
		}
		cfg, err := agent.LoadConfig(connectConfig)
		if err != nil {
			return err
		}
		if connectServer == "" {
			connectServer = cfg.ServerURL
		}
		if connectAPIKey == "" {
			connectAPIKey = cfg.APIKey
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		err = agent.RunConnect(ctx, agent.ConnectOptions{
			Server:      connectServer,
			APIKey:      connectAPIKey,
			Port:        port,
			Subdomain:   connectSubdomain,
			ConfigPath:  connectConfig,
			ShowQR:      connectQR,
			OpenBrowser: connectOpen,
		}, logger)
		if errors.Is(err, context.Canceled) {
			logger.Info().Msg("disconnected")
			return nil
		}
		return err
	},
}

func init() {
	rootCmd.AddCommand(connectCmd)
	connectCmd.Flags().StringVar(&connectServer, "server", "", "Tunnel server URL (e.g. https://tunnel.example.com)")
	connectCmd.Flags().StringVar(&connectAPIKey, "api-key", "", "API key for the tunnel server")
	connectCmd.Flags().StringVar(&connectSubdomain, "subdomain", "", "Requested subdomain (default: sticky or random)")
	connectCmd.Flags().StringVar(&connectConfig, "config", "", "Config file path (default ~/.tunneld/config.json)")
	connectCmd.Flags().BoolVar(&connectQR, "qr", false, "Print the public URL as a QR code")
	connectCmd.Flags().BoolVar(&connectOpen, "open", false, "Open the public URL in the browser")
}
