package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/vikasavnish/agentbridge/internal/services"
	"github.com/vikasavnish/agentbridge/internal/utils"
)

// TrailingHandler exposes trailing configuration and adjustment history
type TrailingHandler struct {
	configs services.TrailingConfigService
	trades  services.TradeSyncService
	audit   services.AuditService
	logger  *zap.Logger
}

// NewTrailingHandler creates a new trailing handler
func NewTrailingHandler(configs services.TrailingConfigService, trades services.TradeSyncService, audit services.AuditService, logger *zap.Logger) *TrailingHandler {
	return &TrailingHandler{configs: configs, trades: trades, audit: audit, logger: logger.Named("trailing")}
}

// RegisterRoutes registers trailing routes
func (h *TrailingHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/connections/{id}/trailing", h.GetConfig).Methods("GET")
	router.HandleFunc("/connections/{id}/trailing", h.UpdateConfig).Methods("PATCH")
	router.HandleFunc("/trades/{ticket}/trailing-logs", h.GetLogs).Methods("GET")
}

// GetConfig returns the connection's trailing configuration
func (h *TrailingHandler) GetConfig(w http.ResponseWriter, r *http.Request) {
	userID, err := utils.GetUserIDFromContext(r.Context())
	if err != nil {
		respondError(w, http.StatusUnauthorized, "unauthorized", "unauthorized")
		return
	}
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	cfg, err := h.configs.Get(r.Context(), userID, id)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, cfg)
}

// UpdateConfig applies a partial configuration update
func (h *TrailingHandler) UpdateConfig(w http.ResponseWriter, r *http.Request) {
	userID, err := utils.GetUserIDFromContext(r.Context())
	if err != nil {
		respondError(w, http.StatusUnauthorized, "unauthorized", "unauthorized")
		return
	}
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	var fields map[string]json.RawMessage
	if !decodeJSON(w, r, &fields) {
		return
	}

	cfg, err := h.configs.Update(r.Context(), userID, id, fields)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, cfg)
}

// GetLogs returns the adjustment history of one of the caller's trades
func (h *TrailingHandler) GetLogs(w http.ResponseWriter, r *http.Request) {
	userID, err := utils.GetUserIDFromContext(r.Context())
	if err != nil {
		respondError(w, http.StatusUnauthorized, "unauthorized", "unauthorized")
		return
	}
	ticket, err := strconv.ParseInt(mux.Vars(r)["ticket"], 10, 64)
	if err != nil || ticket <= 0 {
		respondError(w, http.StatusBadRequest, "invalid_request", "Invalid ticket")
		return
	}

	trade, err := h.trades.GetOwnedTrade(r.Context(), userID, ticket)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	logs, err := h.audit.TrailingLogsForTicket(r.Context(), trade.Ticket)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, logs)
}
