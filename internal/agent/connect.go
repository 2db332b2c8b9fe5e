package agent

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"sync"

	"github.com/mdp/qrterminal/v3"
	"github.com/pkg/browser"
	"github.com/rs/zerolog"

	"github.com/tunneld/tunneld/internal/events"
)

// ConnectOptions holds everything the connect command resolved from flags
// and the config file.
type ConnectOptions struct {
	Server    string
	APIKey    string
	Port      int
	Subdomain string
	// ConfigPath is where the port→subdomain mapping is persisted; empty
	// disables persistence.
	ConfigPath string
	// ShowQR renders the public URL as a terminal QR code on first connect.
	ShowQR bool
	// OpenBrowser opens the public URL locally on first connect.
	OpenBrowser bool
}

// RunConnect verifies the key, starts the tunnel client, and renders its
// events until ctx is cancelled. A failure before the first successful
// connection is returned so the command exits non-zero.
func RunConnect(ctx context.Context, opts ConnectOptions, logger zerolog.Logger) error {
	if opts.Server == "" {
		return errors.New("server URL is required (--server or config file)")
	}
	if opts.APIKey == "" {
		return errors.New("api key is required (--api-key or config file)")
	}
	if opts.Port <= 0 || opts.Port > 65535 {
		return fmt.Errorf("invalid local port %d", opts.Port)
	}

	client := NewClient(opts.Server, opts.APIKey, opts.Port, logger, events.NewBus(0))
	client.Subdomain = opts.Subdomain
	client.ConfigPath = opts.ConfigPath

	if opts.Subdomain == "" && opts.ConfigPath != "" {
		if cfg, err := LoadConfig(opts.ConfigPath); err == nil {
			client.Subdomain = cfg.Subdomain(opts.Port)
		}
	}

	if err := client.Verify(ctx); err != nil {
		return err
	}
	logger.Info().Str("server", opts.Server).Int("port", opts.Port).Msg("api key verified")

	go renderEvents(client, opts, logger)
	return client.Run(ctx)
}

// renderEvents turns bus events into log lines and runs the one-time public
// URL announcement.
func renderEvents(client *Client, opts ConnectOptions, logger zerolog.Logger) {
	var announce sync.Once
	for e := range client.bus.Events() {
		switch e.Kind {
		case events.KindConnection:
			logger.Info().Str("state", string(e.State)).Str("subdomain", e.Subdomain).Msg("connection state")
			if e.State == events.StateConnected {
				announce.Do(func() {
					announcePublicURL(opts, e.Subdomain, logger)
				})
			}

		case events.KindRequestCompleted:
			evt := logger.Info()
			if e.Status >= 500 || e.Error != "" {
				evt = logger.Warn()
			}
			if e.Error != "" {
				evt = evt.Str("error", e.Error)
			}
			evt.Str("method", e.Method).
				Str("path", e.Path).
				Int("status", e.Status).
				Int64("bytes", e.Bytes).
				Dur("duration", e.Duration).
				Str("mode", e.Mode).
				Msg("request")

		case events.KindRequestTimed:
			logger.Debug().Str("request_id", e.RequestID).Dur("server_duration", e.Duration).Msg("server timing")
		}
	}
}

// announcePublicURL prints the URL the tunnel is reachable at, optionally
// with a QR code and a browser launch.
func announcePublicURL(opts ConnectOptions, subdomain string, logger zerolog.Logger) {
	publicURL := buildPublicURL(opts.Server, subdomain)
	fmt.Fprintf(os.Stderr, "\n  tunnel ready: %s\n\n", publicURL)
	if opts.ShowQR {
		qrterminal.GenerateWithConfig(publicURL, qrterminal.Config{
			Level:     qrterminal.L,
			Writer:    os.Stderr,
			BlackChar: qrterminal.BLACK,
			WhiteChar: qrterminal.WHITE,
			QuietZone: 1,
		})
	}
	if opts.OpenBrowser {
		if err := browser.OpenURL(publicURL); err != nil {
			logger.Warn().Err(err).Msg("could not open browser")
		}
	}
}

// buildPublicURL derives https://<subdomain>.<server-host> from the server
// URL, dropping any port: the public side is always behind the edge proxy.
func buildPublicURL(serverURL, subdomain string) string {
	u, err := url.Parse(serverURL)
	if err != nil || u.Hostname() == "" {
		return "https://" + subdomain + "." + serverURL
	}
	return "https://" + subdomain + "." + u.Hostname()
}
