package transport

import (
	"fmt"
	"net/url"
	"strings"
)

// WebSocketURL converts an endpoint to the URL to dial. ws and wss URLs are
// used as-is. http and https URLs are treated as SockJS endpoints and
// mapped to their raw WebSocket transport, <base>/websocket.
func WebSocketURL(endpoint string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(endpoint))
	if err != nil {
		return "", fmt.Errorf("parse endpoint %q: %w", endpoint, err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("endpoint %q has no host", endpoint)
	}

	switch strings.ToLower(u.Scheme) {
	case "ws", "wss":
		return u.String(), nil
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("endpoint %q: unsupported scheme %q", endpoint, u.Scheme)
	}
	if !strings.HasSuffix(u.Path, "/websocket") {
		u.Path = strings.TrimSuffix(u.Path, "/") + "/websocket"
	}
	return u.String(), nil
}
