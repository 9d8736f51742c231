package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/teranos/segpulse/errors"
)

// checkOrigin validates the Origin header against server.allowed_origins.
// Requests without an Origin (CLI clients, tests) are allowed.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	// Prefix matching allows any port number
	for _, allowedOrigin := range s.cfg.Server.AllowedOrigins {
		if strings.HasPrefix(origin, allowedOrigin) {
			return true
		}
	}
	return false
}

// isPortAvailable checks if a port is available for binding
func isPortAvailable(port int) bool {
	addr := fmt.Sprintf(":%d", port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return false
	}
	_ = listener.Close() // Error ignored: best-effort port check, caller will retry on actual bind
	return true
}

// findAvailablePort tries the requested port, then up to 10 ports above it
func findAvailablePort(requestedPort int) (int, error) {
	if isPortAvailable(requestedPort) {
		return requestedPort, nil
	}
	for port := requestedPort + 1; port <= requestedPort+10; port++ {
		if isPortAvailable(port) {
			return port, nil
		}
	}
	return 0, errors.Newf("no available port in range %d-%d", requestedPort, requestedPort+10)
}

// timeoutContext derives a timeout context that still works after parent is cancelled
func timeoutContext(parent context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(parent), d)
}
