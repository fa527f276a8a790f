package models

import (
	"net/http"

	"github.com/wrale/qwen-device-proxy/cmd/qwen-proxy/handlers/common"
)

// created is the fixed creation timestamp reported for every model
const created = 1754686206

// IDs are the models the vendor serves through the compatible-mode API
var IDs = []string{
	"qwen3-coder-plus",
	"qwen3-coder-turbo",
	"qwen3-plus",
	"qwen3-turbo",
}

// Model is one entry of the OpenAI model list
type Model struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// List is the OpenAI model list body
type List struct {
	Object string  `json:"object"`
	Data   []Model `json:"data"`
}

// Handler serves GET /v1/models
type Handler struct {
	list List
}

// New creates a model list handler
func New() *Handler {
	list := List{Object: "list", Data: make([]Model, 0, len(IDs))}
	for _, id := range IDs {
		list.Data = append(list.Data, Model{ID: id, Object: "model", Created: created, OwnedBy: "qwen"})
	}
	return &Handler{list: list}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	common.WriteJSON(w, http.StatusOK, h.list)
}
