package embeddings

import (
	"context"
	"net/http"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/wrale/qwen-device-proxy/cmd/qwen-proxy/handlers/common"
	"github.com/wrale/qwen-device-proxy/internal/router"
)

// Dispatcher sends unary calls upstream with account failover
type Dispatcher interface {
	Dispatch(ctx context.Context, req router.Request) (*router.Response, error)
}

// Handler serves POST /v1/embeddings
type Handler struct {
	dispatcher   Dispatcher
	defaultModel string
}

// New creates an embeddings handler
func New(dispatcher Dispatcher, defaultModel string) *Handler {
	return &Handler{dispatcher: dispatcher, defaultModel: defaultModel}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := common.ReadBody(r)
	if err != nil {
		common.WriteOpenAIError(w, http.StatusBadRequest, common.TypeInvalidRequest, "", err.Error())
		return
	}

	input := gjson.GetBytes(body, "input")
	if !input.Exists() || input.Type == gjson.Null || (input.Type == gjson.String && input.Str == "") {
		common.WriteOpenAIError(w, http.StatusBadRequest, common.TypeInvalidRequest, "", "input is required")
		return
	}

	if gjson.GetBytes(body, "model").String() == "" {
		if body, err = sjson.SetBytes(body, "model", h.defaultModel); err != nil {
			common.WriteOpenAIError(w, http.StatusInternalServerError, common.TypeServer, "", err.Error())
			return
		}
	}

	resp, err := h.dispatcher.Dispatch(r.Context(), router.Request{Path: "/embeddings", Body: body})
	if err != nil {
		common.Logger(r.Context()).Errorf("embeddings failed: %v", err)
		common.WriteDispatchError(w, err)
		return
	}

	common.SetJSONHeaders(w)
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(resp.Body)
}
