package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"nhooyr.io/websocket"

	"github.com/tunneld/tunneld/internal/server"
	"github.com/tunneld/tunneld/internal/subdomain"
	"github.com/tunneld/tunneld/internal/tunnel"
)

// drainTimeout bounds how long shutdown waits for in-flight tunnelled
// requests before closing every control channel.
const drainTimeout = 5 * time.Second

var (
	servePort      int
	serveCacheFile string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the public tunnel server",
	Long: `Run the tunnel server behind a TLS-terminating edge proxy.

Configuration comes from the environment: API_KEY and BASE_DOMAIN are
required; TUNNEL_PORT (default 3100), CADDY_ADMIN_URL and
SUBDOMAIN_CACHE_FILE are optional. Flags override the environment.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := newLogger()

		apiKey := os.Getenv("API_KEY")
		if apiKey == "" {
			return errors.New("API_KEY is required")
		}
		baseDomain := os.Getenv("BASE_DOMAIN")
		if baseDomain == "" {
			return errors.New("BASE_DOMAIN is required")
		}
		if !cmd.Flags().Changed("port") {
			if v := os.Getenv("TUNNEL_PORT"); v != "" {
				p, err := strconv.Atoi(v)
				if err != nil {
					return fmt.Errorf("invalid TUNNEL_PORT %q: %w", v, err)
				}
				servePort = p
			}
		}
		if !cmd.Flags().Changed("cache-file") {
			if v := os.Getenv("SUBDOMAIN_CACHE_FILE"); v != "" {
				serveCacheFile = v
			}
		}
		if serveCacheFile == "" {
			serveCacheFile = defaultCacheFile()
		}

		cfg := server.Config{
			APIKey:        apiKey,
			BaseDomain:    baseDomain,
			Port:          servePort,
			CaddyAdminURL: os.Getenv("CADDY_ADMIN_URL"),
			CacheFile:     serveCacheFile,
		}

		registry := tunnel.NewRegistry()
		cache := subdomain.NewCache(cfg.CacheFile, logger)
		srv := server.New(cfg, registry, cache, logger)

		httpServer := &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.Port),
			Handler: srv.Router(),
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			logger.Info().Int("port", cfg.Port).Str("base_domain", cfg.BaseDomain).Msg("tunnel server listening")
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			logger.Info().Msg("shutting down")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = httpServer.Shutdown(shutdownCtx)

			// Give in-flight requests a moment to finish before dropping
			// every client.
			deadline := time.Now().Add(drainTimeout)
			for registry.PendingRequests() > 0 && time.Now().Before(deadline) {
				time.Sleep(100 * time.Millisecond)
			}
			registry.CloseAll(websocket.StatusGoingAway, "server shutting down")

			if err := cache.Flush(); err != nil {
				logger.Error().Err(err).Msg("subdomain cache flush failed")
			}
			return nil
		})

		if err := g.Wait(); err != nil {
			logger.Error().Err(err).Msg("server failed")
			return err
		}
		logger.Info().Msg("server stopped")
		return nil
	},
}

func defaultCacheFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".tunneld", "subdomains.json")
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 3100, "Port to listen on (env TUNNEL_PORT)")
	serveCmd.Flags().StringVar(&serveCacheFile, "cache-file", "", "Subdomain stickiness cache file (env SUBDOMAIN_CACHE_FILE)")
}
