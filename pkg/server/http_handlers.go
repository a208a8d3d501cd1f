package server

import (
	"encoding/json"
	"net/http"
	"time"
)

// HTTPHandler returns the side-server routes: health, metrics and the
// WebSocket transport
func (s *Server) HTTPHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.HealthHandler)
	mux.Handle("/metrics", s.metrics.Handler())
	mux.HandleFunc("/ws", s.HandleWebSocket)
	return mux
}

// HealthHandler serves health check status
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status":          "healthy",
		"uptime_seconds":  int64(time.Since(s.startTime).Seconds()),
		"active_sessions": s.sessions.Count(),
		"online_users":    s.registry.Len(),
		"history_size":    s.history.Len(),
		"history_evicted": s.history.Evicted(),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(health); err != nil {
		s.logger.Warn().Err(err).Msg("Error encoding health JSON")
	}
}
