package accounts

import (
	"context"
	"net/http"

	"github.com/wrale/qwen-device-proxy/cmd/qwen-proxy/handlers/common"
	"github.com/wrale/qwen-device-proxy/internal/broker"
	"github.com/wrale/qwen-device-proxy/internal/deviceflow"
)

// Lister reports the configured accounts
type Lister interface {
	ListAccounts(ctx context.Context) ([]broker.AccountStatus, error)
}

// Response lists every credential slot
type Response struct {
	Accounts []broker.AccountStatus `json:"accounts"`
}

// Handler serves GET /auth/accounts
type Handler struct {
	lister Lister
}

// New creates an account listing handler
func New(lister Lister) *Handler {
	return &Handler{lister: lister}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.lister.ListAccounts(r.Context())
	if err != nil {
		common.Logger(r.Context()).Errorf("listing accounts: %v", err)
		common.WriteErrorStatus(w, http.StatusInternalServerError, deviceflow.ErrorCodeServerError, err.Error())
		return
	}
	if accounts == nil {
		accounts = []broker.AccountStatus{}
	}
	common.WriteJSON(w, http.StatusOK, Response{Accounts: accounts})
}
