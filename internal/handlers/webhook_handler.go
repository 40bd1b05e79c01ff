package handlers

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/vikasavnish/agentbridge/internal/middleware"
	"github.com/vikasavnish/agentbridge/internal/models"
	"github.com/vikasavnish/agentbridge/internal/services"
)

// WebhookHandler serves the agent-facing endpoints: liveness, account and
// trade reports, faults and instruction polling.
type WebhookHandler struct {
	health       services.HealthService
	trades       services.TradeSyncService
	instructions services.InstructionService
	limiter      *middleware.WebhookLimiter
	logger       *zap.Logger
}

// NewWebhookHandler creates a new agent webhook handler
func NewWebhookHandler(
	health services.HealthService,
	trades services.TradeSyncService,
	instructions services.InstructionService,
	limiter *middleware.WebhookLimiter,
	logger *zap.Logger,
) *WebhookHandler {
	return &WebhookHandler{
		health:       health,
		trades:       trades,
		instructions: instructions,
		limiter:      limiter,
		logger:       logger.Named("webhook"),
	}
}

// RegisterRoutes registers agent routes
func (h *WebhookHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/webhook/heartbeat", h.Heartbeat).Methods("POST")
	router.HandleFunc("/webhook/account", h.AccountUpdate).Methods("POST")
	router.HandleFunc("/webhook/trade", h.TradeUpdate).Methods("POST")
	router.HandleFunc("/webhook/error", h.ReportError).Methods("POST")
	router.HandleFunc("/poll", h.Poll).Methods("GET")
}

// credential resolves the agent credential: header first, then fallback.
// It writes the response and returns false when the request must stop.
func (h *WebhookHandler) credential(w http.ResponseWriter, r *http.Request, fallback string) (string, bool) {
	cred := r.Header.Get(credentialHeader)
	if cred == "" {
		cred = fallback
	}
	if cred == "" {
		h.limiter.RecordAuthFailure(r.Context(), middleware.ClientIP(r))
		respondError(w, http.StatusUnauthorized, "invalid_credential", "invalid credential")
		return "", false
	}
	if !h.limiter.AllowCredential(r.Context(), cred) {
		respondError(w, http.StatusTooManyRequests, "rate_limited", "too many requests")
		return "", false
	}
	return cred, true
}

func (h *WebhookHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, services.ErrInvalidCredential) {
		h.limiter.RecordAuthFailure(r.Context(), middleware.ClientIP(r))
	}
	writeServiceError(w, h.logger, err)
}

// Heartbeat records agent liveness
func (h *WebhookHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	var req models.HeartbeatRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	cred, ok := h.credential(w, r, req.Credential)
	if !ok {
		return
	}
	req.Credential = cred

	summary, err := h.health.RecordHeartbeat(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"ok":           true,
		"connectionId": summary.ID,
		"status":       summary.Status,
		"quality":      summary.Quality,
	})
}

// AccountUpdate stores the latest account snapshot
func (h *WebhookHandler) AccountUpdate(w http.ResponseWriter, r *http.Request) {
	var req models.AccountUpdateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	cred, ok := h.credential(w, r, req.Credential)
	if !ok {
		return
	}
	req.Credential = cred

	if err := h.health.RecordAccountUpdate(r.Context(), req); err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}

// TradeUpdate reconciles one order report
func (h *WebhookHandler) TradeUpdate(w http.ResponseWriter, r *http.Request) {
	var req models.TradeReport
	if !decodeJSON(w, r, &req) {
		return
	}
	cred, ok := h.credential(w, r, req.Credential)
	if !ok {
		return
	}
	req.Credential = cred

	trade, err := h.trades.ApplyTradeReport(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"ok":     true,
		"ticket": trade.Ticket,
		"status": trade.Status,
	})
}

// ReportError records an agent fault
func (h *WebhookHandler) ReportError(w http.ResponseWriter, r *http.Request) {
	var req models.AgentErrorRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	cred, ok := h.credential(w, r, req.Credential)
	if !ok {
		return
	}
	req.Credential = cred

	fault, err := h.health.RecordFault(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "critical": fault.Critical})
}

// Poll hands the agent its next instruction, or {"action":"none"}
func (h *WebhookHandler) Poll(w http.ResponseWriter, r *http.Request) {
	cred, ok := h.credential(w, r, r.URL.Query().Get("credential"))
	if !ok {
		return
	}

	d, err := h.instructions.PollNext(r.Context(), cred)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, models.PollResponse(d))
}
