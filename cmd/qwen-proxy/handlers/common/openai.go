package common

import (
	"context"
	"errors"
	"net/http"

	"github.com/tidwall/gjson"

	"github.com/wrale/qwen-device-proxy/internal/router"
	"github.com/wrale/qwen-device-proxy/internal/tokens"
)

// OpenAI error types
const (
	TypeInvalidRequest = "invalid_request_error"
	TypeAuthentication = "authentication_error"
	TypeQuotaExceeded  = "insufficient_quota"
	TypeUpstream       = "upstream_error"
	TypeServer         = "internal_server_error"
)

// OpenAIError is the error body used on /v1 routes
type OpenAIError struct {
	Error OpenAIErrorDetail `json:"error"`
}

// OpenAIErrorDetail describes one error
type OpenAIErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}

// WriteOpenAIError sends an OpenAI-style error body
func WriteOpenAIError(w http.ResponseWriter, status int, errType, code, message string) {
	WriteJSON(w, status, OpenAIError{Error: OpenAIErrorDetail{
		Message: message,
		Type:    errType,
		Code:    code,
	}})
}

// WriteDispatchError maps a dispatcher failure onto an HTTP response.
// Upstream errors keep their status, and their body when it is already an
// OpenAI error object.
func WriteDispatchError(w http.ResponseWriter, err error) {
	var uerr *router.UpstreamError

	switch {
	case errors.Is(err, router.ErrAllAccountsExhausted):
		WriteOpenAIError(w, http.StatusTooManyRequests, TypeQuotaExceeded, "all_accounts_exhausted", err.Error())

	case errors.Is(err, tokens.ErrNoCredential),
		errors.Is(err, tokens.ErrRefreshUnavailable),
		errors.Is(err, tokens.ErrRefreshFailed):
		WriteOpenAIError(w, http.StatusUnauthorized, TypeAuthentication, "",
			"Not authenticated with Qwen: "+err.Error())

	case errors.As(err, &uerr):
		if gjson.Get(uerr.Body, "error.message").Exists() {
			SetJSONHeaders(w)
			w.WriteHeader(uerr.StatusCode)
			_, _ = w.Write([]byte(uerr.Body))
			return
		}
		WriteOpenAIError(w, uerr.StatusCode, TypeUpstream, "", err.Error())

	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, router.ErrStreamIdle):
		WriteOpenAIError(w, http.StatusGatewayTimeout, TypeUpstream, "timeout", err.Error())

	default:
		WriteOpenAIError(w, http.StatusInternalServerError, TypeServer, "", err.Error())
	}
}
