// Route registration and go-chi router setup.
// Public: /health. Everything under /api/v1 requires a Bearer credential.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/matiasleandrokruk/chatrelay/internal/api/handlers"
	apmiddleware "github.com/matiasleandrokruk/chatrelay/internal/api/middleware"
	"github.com/matiasleandrokruk/chatrelay/internal/domain/chat"
	pkgauth "github.com/matiasleandrokruk/chatrelay/pkg/auth"
)

// Deps are the services behind the router. Ledger and Providers may be nil.
type Deps struct {
	Chat      *chat.Orchestrator
	Verifier  pkgauth.Verifier
	IsAdmin   func(identity string) bool
	Ledger    handlers.ExchangeLedger
	Providers handlers.ProviderChecker
	Options   handlers.ChatOptions
}

// NewRouter creates and configures a chi router with all routes.
func NewRouter(d Deps) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware (runs on all routes)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(apmiddleware.AccessLog)
	r.Use(middleware.Recoverer)

	// ===== PUBLIC ROUTES =====

	// Health check, used by load balancers and probes
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`)) //nolint:errcheck
	})

	// ===== PROTECTED ROUTES =====

	chatHandler := handlers.NewChatHandler(d.Chat, d.Options)
	conversationHandler := handlers.NewConversationHandler(d.Chat)
	modelsHandler := handlers.NewModelsHandler(d.Chat)
	adminHandler := handlers.NewAdminHandler(d.Chat, d.Ledger, d.Providers)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(apmiddleware.Auth(d.Verifier))

		r.Route("/chat", func(r chi.Router) {
			r.Post("/", chatHandler.Send)         // POST /api/v1/chat
			r.Post("/stream", chatHandler.Stream) // POST /api/v1/chat/stream
			r.Get("/ws", chatHandler.WebSocket)   // GET /api/v1/chat/ws
		})

		r.Get("/models", modelsHandler.List) // GET /api/v1/models

		r.Route("/conversations", func(r chi.Router) {
			r.Get("/{id}", conversationHandler.Get)       // GET /api/v1/conversations/{id}
			r.Delete("/{id}", conversationHandler.Delete) // DELETE /api/v1/conversations/{id}
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(apmiddleware.RequireAdmin(d.IsAdmin))
			r.Get("/stats", adminHandler.Stats)         // GET /api/v1/admin/stats
			r.Post("/sweep", adminHandler.Sweep)        // POST /api/v1/admin/sweep
			r.Get("/exchanges", adminHandler.Exchanges) // GET /api/v1/admin/exchanges?limit=
			r.Get("/providers", adminHandler.Providers) // GET /api/v1/admin/providers
		})
	})

	return r
}
