package handler

import (
	"encoding/json"
	"net/http"

	"github.com/kiroproxy/gateway/internal/kiro"
)

// ModelsHandler serves GET /v1/models with the static list of model names
// the gateway maps onto Kiro model IDs.
type ModelsHandler struct{}

// NewModelsHandler creates a models listing handler.
func NewModelsHandler() *ModelsHandler {
	return &ModelsHandler{}
}

type modelEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

type modelList struct {
	Object string       `json:"object"`
	Data   []modelEntry `json:"data"`
}

func (h *ModelsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	names := kiro.SupportedModels()
	data := make([]modelEntry, 0, len(names))
	for _, name := range names {
		data = append(data, modelEntry{ID: name, Object: "model", Created: 0, OwnedBy: "kiro"})
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(modelList{Object: "list", Data: data})
}
