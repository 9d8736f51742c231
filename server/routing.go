package server

import (
	"net/http"

	"github.com/teranos/segpulse/logger"
)

// routes registers every handler on a fresh mux
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("OPTIONS /", s.corsMiddleware(func(http.ResponseWriter, *http.Request) {})) // Preflight
	mux.HandleFunc("GET /health", s.corsMiddleware(s.HandleHealth))
	mux.HandleFunc("GET /ws", s.corsMiddleware(s.HandleWebSocket)) // authenticates itself; browsers cannot set headers

	mux.HandleFunc("POST /api/jobs", s.authed(s.HandleEnqueue))                       // Create job
	mux.HandleFunc("GET /api/jobs/active", s.authed(s.HandleActiveJobs))              // Caller's runs executing on this node
	mux.HandleFunc("POST /api/jobs/cancel-all", s.authed(s.HandleCancelAll))          // Cancel every active job of the caller
	mux.HandleFunc("GET /api/jobs/{id}", s.authed(s.HandleGetJob))                    // Job status
	mux.HandleFunc("GET /api/jobs/{id}/artifact", s.authed(s.HandleArtifact))         // Download result
	mux.HandleFunc("POST /api/jobs/{id}/cancel", s.authed(s.HandleCancelJob))         // Cancel one job
	mux.HandleFunc("POST /api/jobs/{id}/release", s.authed(s.HandleReleaseJob))       // Queue a pending job
	mux.HandleFunc("POST /api/projects/{id}/cancel", s.authed(s.HandleCancelProject)) // Cancel caller's jobs in a project
	mux.HandleFunc("GET /api/projects/{id}/stats", s.authed(s.HandleProjectStats))    // Active job counts
	mux.HandleFunc("POST /api/batches/{id}/cancel", s.authed(s.HandleCancelBatch))    // Cancel caller's jobs in a batch

	return mux
}

// corsMiddleware adds CORS headers for configured origins
func (s *Server) corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.checkOrigin(r) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next(w, r)
	}
}

// authed resolves the bearer credential and rejects the request with 401
// before the handler runs when it is missing or invalid
func (s *Server) authed(next http.HandlerFunc) http.HandlerFunc {
	return s.corsMiddleware(func(w http.ResponseWriter, r *http.Request) {
		if s.getState() != ServerStateRunning {
			w.Header().Set("Retry-After", "5")
			writeError(w, http.StatusServiceUnavailable, "server is shutting down")
			return
		}

		userID, err := s.auth.Authenticate(r.Context(), credentialFrom(r))
		if err != nil {
			s.logger.Debugw("Authentication failed", "path", r.URL.Path, logger.FieldError, err)
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r.WithContext(withUser(r.Context(), userID)))
	})
}
