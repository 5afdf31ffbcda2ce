package server

import (
	"net/http"
	"strings"
)

// setupRoutes registers all HTTP handlers. Everything under /api and /ws
// requires a bearer session; /healthz stays open for load balancers.
func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/healthz", s.corsMiddleware(s.handleHealthz))

	s.mux.HandleFunc("/api/jobs", s.corsMiddleware(s.requireAuth(s.handleJobs)))                            // List/create jobs (GET/POST)
	s.mux.HandleFunc("/api/jobs/{id}", s.corsMiddleware(s.requireAuth(s.handleJob)))                        // Job detail (GET/PATCH/DELETE)
	s.mux.HandleFunc("/api/jobs/{id}/endpoints", s.corsMiddleware(s.requireAuth(s.handleJobEndpoints)))     // List/create endpoints (GET/POST)
	s.mux.HandleFunc("/api/endpoints/{id}", s.corsMiddleware(s.requireAuth(s.handleEndpoint)))              // Endpoint detail (GET/PATCH/DELETE)
	s.mux.HandleFunc("/api/endpoints/{id}/pause", s.corsMiddleware(s.requireAuth(s.handleEndpointPause)))   // Pause until a time or indefinitely (POST)
	s.mux.HandleFunc("/api/endpoints/{id}/resume", s.corsMiddleware(s.requireAuth(s.handleEndpointResume))) // Clear pause (POST)
	s.mux.HandleFunc("/api/endpoints/{id}/hints/clear", s.corsMiddleware(s.requireAuth(s.handleEndpointHintsClear)))
	s.mux.HandleFunc("/api/endpoints/{id}/test", s.corsMiddleware(s.requireAuth(s.handleEndpointTest)))         // Immediate dispatch, no reschedule (POST)
	s.mux.HandleFunc("/api/endpoints/{id}/runs", s.corsMiddleware(s.requireAuth(s.handleEndpointRuns)))         // Run history (GET)
	s.mux.HandleFunc("/api/endpoints/{id}/analyses", s.corsMiddleware(s.requireAuth(s.handleEndpointAnalyses))) // AI sessions (GET)
	s.mux.HandleFunc("/api/usage", s.corsMiddleware(s.requireAuth(s.handleUsage)))                              // Current-month runs and tokens vs caps (GET)

	s.mux.HandleFunc("/ws/events", s.corsMiddleware(s.requireAuth(s.handleEventsWebSocket)))
}

// corsMiddleware adds CORS headers using the configured allowed origins.
// The same origin list gates websocket upgrades.
func (s *Server) corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.checkOrigin(r) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next(w, r)
	}
}

// checkOrigin validates a browser origin against server.allowed_origins.
// Requests with no Origin header (curl, SDKs, tests) pass; prefix matching
// lets one entry cover any port.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || strings.HasPrefix(origin, allowed) {
			return true
		}
	}
	return false
}
