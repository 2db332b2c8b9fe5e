package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// caddyServerName is the http server entry in Caddy's config that carries
// tunnel routes. Deployments that name theirs differently mount the admin
// API path accordingly.
const caddyServerName = "srv0"

// caddyRegistrar publishes per-subdomain routes to a Caddy admin API so new
// subdomains get TLS-terminated vhosts without a wildcard certificate.
// Everything here is best effort: failures are logged, never surfaced to the
// handshake.
type caddyRegistrar struct {
	adminURL   string
	baseDomain string
	tunnelPort int
	client     *http.Client
	logger     zerolog.Logger
}

func newCaddyRegistrar(adminURL, baseDomain string, tunnelPort int, logger zerolog.Logger) *caddyRegistrar {
	return &caddyRegistrar{
		adminURL:   strings.TrimRight(adminURL, "/"),
		baseDomain: baseDomain,
		tunnelPort: tunnelPort,
		client:     &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
	}
}

type caddyRoute struct {
	ID     string         `json:"@id"`
	Match  []caddyMatch   `json:"match"`
	Handle []caddyHandler `json:"handle"`
}

type caddyMatch struct {
	Host []string `json:"host"`
}

type caddyHandler struct {
	Handler   string          `json:"handler"`
	Upstreams []caddyUpstream `json:"upstreams"`
	Headers   *caddyHeaders   `json:"headers,omitempty"`
}

type caddyUpstream struct {
	Dial string `json:"dial"`
}

type caddyHeaders struct {
	Request caddyHeaderOps `json:"request"`
}

type caddyHeaderOps struct {
	Set map[string][]string `json:"set"`
}

// RegisterRoute upserts the route for a subdomain: replace by @id when Caddy
// already knows it, append otherwise. Run it on its own goroutine.
func (c *caddyRegistrar) RegisterRoute(sub string) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	routeID := "tunneld-" + sub
	route := caddyRoute{
		ID:    routeID,
		Match: []caddyMatch{{Host: []string{sub + "." + c.baseDomain}}},
		Handle: []caddyHandler{{
			Handler:   "reverse_proxy",
			Upstreams: []caddyUpstream{{Dial: fmt.Sprintf("127.0.0.1:%d", c.tunnelPort)}},
			Headers: &caddyHeaders{Request: caddyHeaderOps{
				Set: map[string][]string{tunnelHeader: {sub}},
			}},
		}},
	}
	body, err := json.Marshal(route)
	if err != nil {
		c.logger.Error().Err(err).Msg("caddy route marshal failed")
		return
	}

	// Replace an existing route in place.
	status, err := c.send(ctx, http.MethodPut, c.adminURL+"/id/"+routeID, body)
	if err == nil && status < 300 {
		c.logger.Debug().Str("subdomain", sub).Msg("caddy route replaced")
		return
	}

	// Unknown id: append a fresh route.
	appendURL := fmt.Sprintf("%s/config/apps/http/servers/%s/routes", c.adminURL, caddyServerName)
	status, err = c.send(ctx, http.MethodPost, appendURL, body)
	if err != nil {
		c.logger.Warn().Err(err).Str("subdomain", sub).Msg("caddy route registration failed")
		return
	}
	if status >= 300 {
		c.logger.Warn().Int("status", status).Str("subdomain", sub).Msg("caddy rejected route registration")
		return
	}
	c.logger.Info().Str("subdomain", sub).Str("host", sub+"."+c.baseDomain).Msg("caddy route registered")
}

func (c *caddyRegistrar) send(ctx context.Context, method, url string, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}
