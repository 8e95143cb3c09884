package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/qduc/relay/pkg/auth"
)

type abortRequest struct {
	RequestID string `json:"request_id"`
}

// handleAbort cancels an in-flight chat request by its client request id.
// Ownership is enforced when the original request carried a user.
func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	var req abortRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, invalidRequest("invalid JSON body"))
		return
	}
	if req.RequestID == "" {
		writeError(w, invalidRequest("request_id is required"))
		return
	}

	aborted := s.aborts.Abort(req.RequestID, auth.UserID(r))
	if aborted {
		s.logger.Info("request aborted", "request_id", req.RequestID)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"aborted":    aborted,
		"request_id": req.RequestID,
	})
}
