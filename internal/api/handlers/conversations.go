package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/matiasleandrokruk/chatrelay/internal/domain/chat"
	"github.com/matiasleandrokruk/chatrelay/internal/domain/conversation"
)

// ConversationService exposes owner operations. *chat.Orchestrator implements it.
type ConversationService interface {
	History(ctx context.Context, identity, id string) (conversation.Conversation, error)
	DeleteConversation(ctx context.Context, identity, id string) error
}

type ConversationHandler struct {
	service ConversationService
}

func NewConversationHandler(service ConversationService) *ConversationHandler {
	return &ConversationHandler{service: service}
}

// Get handles GET /api/v1/conversations/{id}
func (h *ConversationHandler) Get(w http.ResponseWriter, r *http.Request) {
	identity, err := getIdentity(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, chat.CodeInvalidCredential, "missing identity")
		return
	}

	conv, err := h.service.History(r.Context(), identity, chi.URLParam(r, "id"))
	if err != nil {
		writeChatError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

// Delete handles DELETE /api/v1/conversations/{id}
func (h *ConversationHandler) Delete(w http.ResponseWriter, r *http.Request) {
	identity, err := getIdentity(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, chat.CodeInvalidCredential, "missing identity")
		return
	}

	if err := h.service.DeleteConversation(r.Context(), identity, chi.URLParam(r, "id")); err != nil {
		writeChatError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
