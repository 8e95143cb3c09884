package gateway

import (
	"encoding/json"
	"net/http"
)

// Error kinds surfaced to clients.
const (
	kindInvalidRequest    = "invalid_request_error"
	kindValidation        = "validation_error"
	kindLimitExceeded     = "limit_exceeded"
	kindRateLimitExceeded = "rate_limit_exceeded"
	kindProviderError     = "provider_error"
	kindToolOrchestration = "tool_orchestration_error"
	kindUpstreamError     = "upstream_error"
	kindInternalError     = "internal_error"
)

// Intent validation error codes.
const (
	codeMissingRequiredField = "missing_required_field"
	codeSeqMismatch          = "seq_mismatch"
	codeConversationNotFound = "conversation_not_found"
	codeEditNotAllowed       = "edit_not_allowed"
	codeInvalidIntent        = "invalid_intent"
)

// apiError is the uniform error envelope. Success is serialized only for
// intent validation failures, where clients key on success:false.
type apiError struct {
	Success         *bool                  `json:"success,omitempty"`
	Kind            string                 `json:"error"`
	Message         string                 `json:"message"`
	ErrorCode       string                 `json:"error_code,omitempty"`
	ClientOperation string                 `json:"client_operation,omitempty"`
	Details         map[string]interface{} `json:"details,omitempty"`

	status int
}

func (e *apiError) Error() string { return e.Message }

func invalidRequest(msg string) *apiError {
	return &apiError{Kind: kindInvalidRequest, Message: msg, status: http.StatusBadRequest}
}

func internalError(msg string) *apiError {
	return &apiError{Kind: kindInternalError, Message: msg, status: http.StatusInternalServerError}
}

func providerError(status int, msg string) *apiError {
	if status < 400 || status > 599 {
		status = http.StatusBadGateway
	}
	return &apiError{Kind: kindProviderError, Message: msg, status: status}
}

// intentError builds the validation envelope used by intent rejections.
func intentError(code, msg, clientOperation string, details map[string]interface{}) *apiError {
	no := false
	return &apiError{
		Success:         &no,
		Kind:            kindValidation,
		Message:         msg,
		ErrorCode:       code,
		ClientOperation: clientOperation,
		Details:         details,
		status:          http.StatusBadRequest,
	}
}

func writeError(w http.ResponseWriter, e *apiError) {
	status := e.status
	if status == 0 {
		status = http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(e)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
