package token

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/wrale/qwen-device-proxy/cmd/qwen-proxy/handlers/common"
	"github.com/wrale/qwen-device-proxy/internal/broker"
	"github.com/wrale/qwen-device-proxy/internal/credentials"
	"github.com/wrale/qwen-device-proxy/internal/deviceflow"
)

// Poller completes device authorizations
type Poller interface {
	Poll(ctx context.Context, deviceCode, verifier, accountID string) (credentials.Credential, string, error)
}

// Response is returned once the user has approved the device
type Response struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in,omitempty"`
	AccountID   string `json:"account_id"`
	Message     string `json:"message"`
}

// Handler processes /auth/poll requests. It blocks while the flow polls the vendor.
type Handler struct {
	poller Poller
	now    func() time.Time
}

// New creates a new token request handler
func New(poller Poller) *Handler {
	return &Handler{
		poller: poller,
		now:    time.Now,
	}
}

// ServeHTTP handles token polling requests
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	common.SetJSONHeaders(w)

	if r.Method != http.MethodPost {
		common.WriteError(w, deviceflow.ErrorCodeInvalidRequest, "POST method required")
		return
	}

	params, err := common.ReadParams(r, "device_code", "code_verifier", "account_id")
	if err != nil {
		common.WriteError(w, deviceflow.ErrorCodeInvalidRequest, err.Error())
		return
	}

	deviceCode, verifier := params["device_code"], params["code_verifier"]
	if deviceCode == "" || verifier == "" {
		common.WriteError(w, deviceflow.ErrorCodeInvalidRequest,
			"The device_code and code_verifier parameters are REQUIRED")
		return
	}

	cred, accountID, err := h.poller.Poll(r.Context(), deviceCode, verifier, params["account_id"])
	if err != nil {
		h.writePollError(w, r, err)
		return
	}

	response := Response{
		AccessToken: cred.AccessToken,
		TokenType:   cred.TokenType,
		AccountID:   credentials.Label(accountID),
		Message:     "Authentication successful",
	}
	if exp, ok := cred.Expiry(); ok {
		response.ExpiresIn = int64(exp.Sub(h.now()).Seconds())
	}

	if err := json.NewEncoder(w).Encode(response); err != nil {
		common.WriteJSONError(w, err)
		return
	}
}

// writePollError maps flow failures to OAuth error responses per RFC 8628 section 3.5
func (h *Handler) writePollError(w http.ResponseWriter, r *http.Request, err error) {
	logger := common.Logger(r.Context())

	switch {
	case errors.Is(err, context.Canceled) && r.Context().Err() != nil:
		logger.Info("client went away while polling")
		return
	case errors.Is(err, broker.ErrAccountMismatch):
		common.WriteError(w, deviceflow.ErrorCodeInvalidRequest, err.Error())
		return
	}

	code := deviceflow.ErrorCode(err)
	if code != deviceflow.ErrorCodeServerError {
		logger.Warnf("device authorization ended: %v", err)
		common.WriteError(w, code, err.Error())
		return
	}

	logger.Errorf("polling for token failed: %v", err)
	common.WriteErrorStatus(w, http.StatusInternalServerError, code, err.Error())
}
