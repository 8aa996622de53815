package proxy

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/infergate/infergate/internal/gwerr"
)

// statusFor maps gateway error kinds onto HTTP status codes: 401 for
// authentication, 403 for authorization, 404 for unknown models and
// providers, 429 for rate limits, 402 for quota breaches, 400 for every
// other gateway kind, 500 for anything unclassified.
func statusFor(err error) int {
	switch gwerr.KindOf(err) {
	case gwerr.KindAuthentication:
		return http.StatusUnauthorized
	case gwerr.KindAuthorization:
		return http.StatusForbidden
	case gwerr.KindModelNotFound, gwerr.KindProviderNotFound:
		return http.StatusNotFound
	case gwerr.KindRateLimitExceeded:
		return http.StatusTooManyRequests
	case gwerr.KindQuotaExceeded:
		return http.StatusPaymentRequired
	case "":
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

func errorBody(err error, status int) map[string]any {
	var ge *gwerr.Error
	if !errors.As(err, &ge) {
		return map[string]any{
			"message": fmt.Sprintf("Internal server error: %v", err),
			"type":    "internal_server_error",
			"code":    status,
		}
	}

	body := map[string]any{
		"message": ge.Message,
		"type":    string(ge.Kind),
		"code":    status,
	}
	switch {
	case ge.Param != "":
		body["param"] = ge.Param
	case ge.Kind == gwerr.KindGuardrail:
		body["param"] = "content"
	}
	return body
}

// WriteError renders err as the canonical error envelope
// {"error": {"message", "type", "param", "code"}}.
func WriteError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": errorBody(err, status)})
}
