package handlers

import "net/http"

// ModelLister lists routable models. *chat.Orchestrator implements it.
type ModelLister interface {
	ListSupportedModels() []string
}

type ModelsHandler struct {
	lister ModelLister
}

func NewModelsHandler(lister ModelLister) *ModelsHandler {
	return &ModelsHandler{lister: lister}
}

// List handles GET /api/v1/models
func (h *ModelsHandler) List(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"models": h.lister.ListSupportedModels()})
}
