package device

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/wrale/qwen-device-proxy/cmd/qwen-proxy/handlers/common"
	"github.com/wrale/qwen-device-proxy/internal/credentials"
	"github.com/wrale/qwen-device-proxy/internal/deviceflow"
)

// CodeResponse is the /auth/initiate response. It extends the RFC 8628 section 3.2
// fields with the PKCE verifier, which the caller must send back to /auth/poll.
type CodeResponse struct {
	DeviceCode              string `json:"device_code"`
	UserCode                string `json:"user_code"`
	VerificationURI         string `json:"verification_uri"`
	VerificationURIComplete string `json:"verification_uri_complete,omitempty"`
	ExpiresIn               int    `json:"expires_in"`
	Interval                int    `json:"interval"`
	CodeVerifier            string `json:"code_verifier"`
	AccountID               string `json:"account_id"`
}

// Initiator starts device authorizations
type Initiator interface {
	Initiate(ctx context.Context, accountID string) (*deviceflow.Session, error)
}

// Handler processes /auth/initiate requests
type Handler struct {
	initiator Initiator
}

// New creates a new device code request handler
func New(initiator Initiator) *Handler {
	return &Handler{
		initiator: initiator,
	}
}

// ServeHTTP handles device code requests
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	common.SetJSONHeaders(w)

	if r.Method != http.MethodPost {
		common.WriteError(w, deviceflow.ErrorCodeInvalidRequest, "POST method required")
		return
	}

	params, err := common.ReadParams(r, "account_id")
	if err != nil {
		common.WriteError(w, deviceflow.ErrorCodeInvalidRequest, err.Error())
		return
	}
	accountID := params["account_id"]

	sess, err := h.initiator.Initiate(r.Context(), accountID)
	if err != nil {
		if errors.Is(err, credentials.ErrInvalidAccountID) {
			common.WriteError(w, deviceflow.ErrorCodeInvalidRequest, err.Error())
			return
		}

		common.Logger(r.Context()).Errorf("device authorization failed: %v", err)
		var dferr *deviceflow.Error
		if errors.As(err, &dferr) {
			common.WriteErrorStatus(w, http.StatusBadGateway, deviceflow.ErrorCodeServerError, dferr.Error())
			return
		}
		common.WriteErrorStatus(w, http.StatusInternalServerError, deviceflow.ErrorCodeServerError,
			"Failed to start device authorization")
		return
	}

	response := CodeResponse{
		DeviceCode:              sess.DeviceCode,
		UserCode:                sess.UserCode,
		VerificationURI:         sess.VerificationURI,
		VerificationURIComplete: sess.VerificationURIComplete,
		ExpiresIn:               sess.ExpiresIn,
		Interval:                sess.Interval,
		CodeVerifier:            sess.CodeVerifier,
		AccountID:               credentials.Label(accountID),
	}

	if err := json.NewEncoder(w).Encode(response); err != nil {
		common.WriteJSONError(w, err)
		return
	}
}
