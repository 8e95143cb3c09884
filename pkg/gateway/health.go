package gateway

import (
	"net/http"
	"time"
)

// handleHealthz reports liveness plus the active default provider and
// persistence posture.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	payload := map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(s.startedAt).Round(time.Second).String(),
		"persistence": map[string]interface{}{
			"enabled":        s.persisting(),
			"retention_days": s.retentionDays,
		},
	}
	if def := s.providers.Default(); def != nil {
		payload["provider"] = def.ID()
		payload["model"] = def.DefaultModel()
	}
	writeJSON(w, http.StatusOK, payload)
}
