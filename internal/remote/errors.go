package remote

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/tonimelisma/tillsync/internal/apperr"
)

// errorBody is the JSON error envelope returned by the document store:
// {"error": {"code": "stock/insufficient", "message": "..."}}.
type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// decodeError classifies a non-2xx response. Bodies that are not the JSON
// envelope are kept verbatim as the message.
func decodeError(status int, body []byte, requestID string) error {
	var eb errorBody

	code, message := "", strings.TrimSpace(string(body))

	if err := json.Unmarshal(body, &eb); err == nil && (eb.Error.Code != "" || eb.Error.Message != "") {
		code, message = eb.Error.Code, eb.Error.Message
	}

	if requestID != "" {
		message += " (request-id: " + requestID + ")"
	}

	return apperr.FromStatus(status, code, message)
}

// isRetryable reports whether the given HTTP status code should be retried.
func isRetryable(code int) bool {
	switch code {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}
