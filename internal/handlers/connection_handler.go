package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/vikasavnish/agentbridge/internal/models"
	"github.com/vikasavnish/agentbridge/internal/services"
	"github.com/vikasavnish/agentbridge/internal/utils"
)

// ConnectionHandler handles the user-facing connection registry
type ConnectionHandler struct {
	connections services.ConnectionService
	trades      services.TradeSyncService
	audit       services.AuditService
	logger      *zap.Logger
}

// NewConnectionHandler creates a new connection handler
func NewConnectionHandler(connections services.ConnectionService, trades services.TradeSyncService, audit services.AuditService, logger *zap.Logger) *ConnectionHandler {
	return &ConnectionHandler{
		connections: connections,
		trades:      trades,
		audit:       audit,
		logger:      logger.Named("connections"),
	}
}

// RegisterRoutes registers connection routes
func (h *ConnectionHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/connections", h.CreateConnection).Methods("POST")
	router.HandleFunc("/connections", h.ListConnections).Methods("GET")
	router.HandleFunc("/connections/{id}", h.RevokeConnection).Methods("DELETE")
	router.HandleFunc("/connections/{id}/risk", h.UpdateRisk).Methods("PATCH")
	router.HandleFunc("/connections/{id}/trades", h.ListTrades).Methods("GET")
	router.HandleFunc("/connections/{id}/errors", h.ListErrors).Methods("GET")
	router.HandleFunc("/connections/{id}/audit", h.ListAudit).Methods("GET")
}

// CreateConnection registers a device and returns its one-time credential
func (h *ConnectionHandler) CreateConnection(w http.ResponseWriter, r *http.Request) {
	userID, err := utils.GetUserIDFromContext(r.Context())
	if err != nil {
		respondError(w, http.StatusUnauthorized, "unauthorized", "unauthorized")
		return
	}

	var req models.CreateConnectionRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	resp, err := h.connections.Create(r.Context(), userID, req)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusCreated, resp)
}

// ListConnections returns the caller's connections with health annotations
func (h *ConnectionHandler) ListConnections(w http.ResponseWriter, r *http.Request) {
	userID, err := utils.GetUserIDFromContext(r.Context())
	if err != nil {
		respondError(w, http.StatusUnauthorized, "unauthorized", "unauthorized")
		return
	}

	conns, err := h.connections.List(r.Context(), userID)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, conns)
}

// RevokeConnection revokes a connection with no open trades
func (h *ConnectionHandler) RevokeConnection(w http.ResponseWriter, r *http.Request) {
	userID, err := utils.GetUserIDFromContext(r.Context())
	if err != nil {
		respondError(w, http.StatusUnauthorized, "unauthorized", "unauthorized")
		return
	}
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	if err := h.connections.Revoke(r.Context(), userID, id); err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

// UpdateRisk applies a partial update of the connection's risk settings
func (h *ConnectionHandler) UpdateRisk(w http.ResponseWriter, r *http.Request) {
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

	summary, err := h.connections.UpdateRisk(r.Context(), userID, id, fields)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, summary)
}

// ListTrades returns the connection's trades, optionally filtered by status
func (h *ConnectionHandler) ListTrades(w http.ResponseWriter, r *http.Request) {
	userID, err := utils.GetUserIDFromContext(r.Context())
	if err != nil {
		respondError(w, http.StatusUnauthorized, "unauthorized", "unauthorized")
		return
	}
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	trades, err := h.trades.GetTradesForConnection(r.Context(), userID, id, r.URL.Query().Get("status"))
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, trades)
}

// ownedFromPath resolves the {id} path variable to a connection owned by
// the caller and parses the optional limit query.
func (h *ConnectionHandler) ownedFromPath(w http.ResponseWriter, r *http.Request) (uint, int, bool) {
	userID, err := utils.GetUserIDFromContext(r.Context())
	if err != nil {
		respondError(w, http.StatusUnauthorized, "unauthorized", "unauthorized")
		return 0, 0, false
	}
	id, ok := pathID(w, r, "id")
	if !ok {
		return 0, 0, false
	}
	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		if limit, err = strconv.Atoi(s); err != nil {
			respondError(w, http.StatusBadRequest, "invalid_request", "Invalid limit")
			return 0, 0, false
		}
	}
	if _, err := h.connections.GetOwned(r.Context(), userID, id); err != nil {
		writeServiceError(w, h.logger, err)
		return 0, 0, false
	}
	return id, limit, true
}

// ListErrors returns the faults the connection's agent reported, newest first
func (h *ConnectionHandler) ListErrors(w http.ResponseWriter, r *http.Request) {
	id, limit, ok := h.ownedFromPath(w, r)
	if !ok {
		return
	}
	faults, err := h.audit.ListAgentErrors(r.Context(), id, limit)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, faults)
}

// ListAudit returns the connection's audit history, newest first
func (h *ConnectionHandler) ListAudit(w http.ResponseWriter, r *http.Request) {
	id, limit, ok := h.ownedFromPath(w, r)
	if !ok {
		return
	}
	entries, err := h.audit.ListForResource(r.Context(), "connection", strconv.FormatUint(uint64(id), 10), limit)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, entries)
}
