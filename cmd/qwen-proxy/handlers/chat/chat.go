package chat

import (
	"context"
	"net/http"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/wrale/qwen-device-proxy/cmd/qwen-proxy/handlers/common"
	"github.com/wrale/qwen-device-proxy/internal/router"
)

const upstreamPath = "/chat/completions"

// Dispatcher sends completions upstream with account failover
type Dispatcher interface {
	Dispatch(ctx context.Context, req router.Request) (*router.Response, error)
	DispatchStream(ctx context.Context, req router.Request) (<-chan router.Chunk, error)
}

// Handler serves POST /v1/chat/completions
type Handler struct {
	dispatcher   Dispatcher
	defaultModel string
}

// New creates a chat completion handler
func New(dispatcher Dispatcher, defaultModel string) *Handler {
	return &Handler{dispatcher: dispatcher, defaultModel: defaultModel}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := common.ReadBody(r)
	if err != nil {
		common.WriteOpenAIError(w, http.StatusBadRequest, common.TypeInvalidRequest, "", err.Error())
		return
	}
	if !gjson.GetBytes(body, "messages").IsArray() {
		common.WriteOpenAIError(w, http.StatusBadRequest, common.TypeInvalidRequest, "",
			"messages is required and must be an array")
		return
	}

	if gjson.GetBytes(body, "model").String() == "" {
		if body, err = sjson.SetBytes(body, "model", h.defaultModel); err != nil {
			common.WriteOpenAIError(w, http.StatusInternalServerError, common.TypeServer, "", err.Error())
			return
		}
	}

	logger := common.Logger(r.Context()).WithField("model", gjson.GetBytes(body, "model").String())

	if gjson.GetBytes(body, "stream").Bool() {
		// usage arrives in the final chunk only when asked for
		if body, err = sjson.SetBytes(body, "stream_options.include_usage", true); err != nil {
			common.WriteOpenAIError(w, http.StatusInternalServerError, common.TypeServer, "", err.Error())
			return
		}
		h.stream(w, r, body)
		return
	}

	resp, err := h.dispatcher.Dispatch(r.Context(), router.Request{Path: upstreamPath, Body: body})
	if err != nil {
		logger.Errorf("chat completion failed: %v", err)
		common.WriteDispatchError(w, err)
		return
	}

	usage := gjson.GetBytes(resp.Body, "usage")
	logger.WithField("account_id", resp.AccountID).Infof("chat completion done (prompt %d, completion %d, total %d tokens)",
		usage.Get("prompt_tokens").Int(), usage.Get("completion_tokens").Int(), usage.Get("total_tokens").Int())

	common.SetJSONHeaders(w)
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(resp.Body)
}

func (h *Handler) stream(w http.ResponseWriter, r *http.Request, body []byte) {
	logger := common.Logger(r.Context())

	chunks, err := h.dispatcher.DispatchStream(r.Context(), router.Request{Path: upstreamPath, Body: body})
	if err != nil {
		logger.Errorf("opening chat stream failed: %v", err)
		common.WriteDispatchError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	for chunk := range chunks {
		if _, err := w.Write(chunk.Data); err != nil {
			logger.Warnf("client write failed: %v", err)
			// drain so the relay goroutine can exit
			for range chunks {
			}
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
		if chunk.Err != nil {
			logger.Errorf("chat stream ended with error: %v", chunk.Err)
		}
	}
}
