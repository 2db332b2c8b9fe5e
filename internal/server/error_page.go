package server

import (
	"fmt"
	"net/http"
	"strings"
)

// errorPageInfo defines one dispatcher error page.
type errorPageInfo struct {
	Title       string
	Description string
	StatusCode  int
}

var (
	errPageTunnelNotFound = errorPageInfo{
		Title:       "Tunnel Not Found",
		Description: "No tunnel is registered for this subdomain. The developer may have stopped sharing, or the link is stale.",
		StatusCode:  http.StatusNotFound,
	}
	errPageTunnelClosed = errorPageInfo{
		Title:       "Tunnel Disconnected",
		Description: "The tunnel client dropped while handling this request. It usually reconnects within seconds; try again.",
		StatusCode:  http.StatusBadGateway,
	}
	errPageRequestTimeout = errorPageInfo{
		Title:       "Request Timed Out",
		Description: "The local application did not answer in time. Check that it is still running and responsive.",
		StatusCode:  http.StatusGatewayTimeout,
	}
)

// writeErrorPage renders an HTML error page for browsers and plain text for
// everything else.
func writeErrorPage(w http.ResponseWriter, r *http.Request, info errorPageInfo) {
	if !strings.Contains(r.Header.Get("Accept"), "text/html") {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(info.StatusCode)
		fmt.Fprintf(w, "%s: %s\n", info.Title, info.Description)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(info.StatusCode)

	// A disconnect usually heals on its own; let the page retry.
	autoRefresh := ""
	if info.StatusCode == http.StatusBadGateway {
		autoRefresh = `<meta http-equiv="refresh" content="5">`
	}

	fmt.Fprintf(w, errorPageTemplate,
		autoRefresh,
		info.Title,
		info.Title,
		info.Description,
		info.StatusCode,
	)
}

const errorPageTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
%s
<title>%s</title>
<style>
  body {
    font-family: system-ui, -apple-system, sans-serif;
    background: #fafafa;
    color: #18181b;
    display: flex;
    align-items: center;
    justify-content: center;
    min-height: 100vh;
    margin: 0;
  }
  @media (prefers-color-scheme: dark) {
    body { background: #111113; color: #ededef; }
    .status { background: #26262a; color: #b4b4bb; }
    p { color: #9b9ba3; }
  }
  main { max-width: 26rem; padding: 1.5rem; text-align: center; }
  h1 { font-size: 1.25rem; margin: 0 0 0.5rem; }
  p { color: #52525b; font-size: 0.9rem; line-height: 1.5; margin: 0 0 1.25rem; }
  .status {
    font-family: ui-monospace, monospace;
    font-size: 0.75rem;
    background: #e5e5e8;
    color: #52525b;
    border-radius: 1rem;
    padding: 0.2rem 0.7rem;
  }
</style>
</head>
<body>
  <main>
    <h1>%s</h1>
    <p>%s</p>
    <span class="status">HTTP %d</span>
  </main>
</body>
</html>`
