package runtime

import (
	"net/http"
	"strings"

	"github.com/drblury/dqueue/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/dqueue/internal/runtime/logging"
)

// StartWebUIServer registers the introspection API when enabled.
func (s *Service) StartWebUIServer() {
	if !s.Conf.WebUIEnabled {
		return
	}

	port := s.Conf.WebUIPort
	if port == 0 {
		port = 8081
	}

	s.RegisterHTTPHandler(port, "/api/consumers", http.HandlerFunc(s.handleGetConsumers))
	s.RegisterHTTPHandler(port, "/api/health", http.HandlerFunc(s.handleGetHealth))
}

func (s *Service) handleGetConsumers(w http.ResponseWriter, r *http.Request) {
	if !s.prepareJSON(w, r) {
		return
	}

	consumers := s.Consumers()
	stats := make([]ConsumerStats, 0, len(consumers))
	for _, c := range consumers {
		stats = append(stats, c.Stats())
	}
	s.writeJSON(w, stats)
}

// handleGetHealth returns the last diagnose snapshot, or 204 before the
// first pass.
func (s *Service) handleGetHealth(w http.ResponseWriter, r *http.Request) {
	if !s.prepareJSON(w, r) {
		return
	}

	status := s.monitor.Last()
	if status == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	s.writeJSON(w, status)
}

// prepareJSON sets the response headers and answers preflight requests. It
// reports whether the handler should write a body.
func (s *Service) prepareJSON(w http.ResponseWriter, r *http.Request) bool {
	w.Header().Set("Content-Type", "application/json")

	// Set CORS headers based on configuration
	if s.Conf != nil && len(s.Conf.WebUICORSAllowedOrigins) > 0 {
		origin := r.Header.Get("Origin")
		allowedOrigin := s.getAllowedCORSOrigin(origin)
		if allowedOrigin != "" {
			w.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}
	}

	switch r.Method {
	case http.MethodOptions:
		w.WriteHeader(http.StatusNoContent)
		return false
	case http.MethodGet, http.MethodHead:
		return true
	default:
		w.Header().Set("Allow", "GET, OPTIONS")
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return false
	}
}

func (s *Service) writeJSON(w http.ResponseWriter, v any) {
	if err := jsoncodec.Encode(w, v); err != nil {
		s.Logger.Error("Failed to encode response", err, loggingpkg.LogFields{})
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

// getAllowedCORSOrigin checks if the request origin is allowed and returns the appropriate
// Access-Control-Allow-Origin value.
func (s *Service) getAllowedCORSOrigin(requestOrigin string) string {
	if s.Conf == nil {
		return ""
	}
	for _, allowed := range s.Conf.WebUICORSAllowedOrigins {
		if allowed == "*" {
			return "*"
		}
		if strings.EqualFold(allowed, requestOrigin) {
			return requestOrigin
		}
	}
	return ""
}
