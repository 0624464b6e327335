package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/matiasleandrokruk/chatrelay/internal/domain/chat"
	"github.com/matiasleandrokruk/chatrelay/internal/domain/usage"
	"github.com/matiasleandrokruk/chatrelay/internal/infra/llm"
)

// AdminService is the operator surface of the orchestrator.
type AdminService interface {
	Stats() chat.Stats
	ForceExpireSweep(now time.Time) chat.SweepResult
}

// ExchangeLedger reads recorded exchanges. *usage.Recorder implements it.
type ExchangeLedger interface {
	List(ctx context.Context, limit int) ([]usage.ExchangeRecord, error)
	Totals(ctx context.Context) (map[usage.Outcome]int, error)
}

// ProviderChecker probes upstream providers. *llm.Registry implements it.
type ProviderChecker interface {
	Providers() []llm.Binding
	HealthCheck(ctx context.Context) map[string]error
}

type AdminHandler struct {
	service   AdminService
	ledger    ExchangeLedger
	providers ProviderChecker
	now       func() time.Time
}

// NewAdminHandler builds the admin handler. ledger and providers may be nil.
func NewAdminHandler(service AdminService, ledger ExchangeLedger, providers ProviderChecker) *AdminHandler {
	return &AdminHandler{service: service, ledger: ledger, providers: providers, now: time.Now}
}

type statsResponse struct {
	chat.Stats
	Exchanges map[usage.Outcome]int `json:"exchanges,omitempty"`
}

// Stats handles GET /api/v1/admin/stats
func (h *AdminHandler) Stats(w http.ResponseWriter, r *http.Request) {
	resp := statsResponse{Stats: h.service.Stats()}
	if h.ledger != nil {
		totals, err := h.ledger.Totals(r.Context())
		if err != nil {
			writeChatError(w, err)
			return
		}
		resp.Exchanges = totals
	}
	writeJSON(w, http.StatusOK, resp)
}

// Sweep handles POST /api/v1/admin/sweep
func (h *AdminHandler) Sweep(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.service.ForceExpireSweep(h.now()))
}

// Exchanges handles GET /api/v1/admin/exchanges?limit=
func (h *AdminHandler) Exchanges(w http.ResponseWriter, r *http.Request) {
	if h.ledger == nil {
		writeError(w, http.StatusNotFound, chat.CodeNotFound, "exchange ledger disabled")
		return
	}
	records, err := h.ledger.List(r.Context(), parseLimit(r))
	if err != nil {
		writeChatError(w, err)
		return
	}
	if records == nil {
		records = []usage.ExchangeRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": records})
}

type providerStatus struct {
	Name  string `json:"name"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// Providers handles GET /api/v1/admin/providers. Responds 503 when any provider is unhealthy.
func (h *AdminHandler) Providers(w http.ResponseWriter, r *http.Request) {
	if h.providers == nil {
		writeError(w, http.StatusNotFound, chat.CodeNotFound, "provider registry unavailable")
		return
	}
	failures := h.providers.HealthCheck(r.Context())
	bindings := h.providers.Providers()
	out := make([]providerStatus, 0, len(bindings))
	for _, b := range bindings {
		st := providerStatus{Name: b.ProviderName, OK: true}
		if err, bad := failures[b.ProviderName]; bad {
			st.OK = false
			st.Error = err.Error()
		}
		out = append(out, st)
	}

	status := http.StatusOK
	if len(failures) > 0 {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{"providers": out})
}
