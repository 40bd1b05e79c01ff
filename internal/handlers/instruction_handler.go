package handlers

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/vikasavnish/agentbridge/internal/models"
	"github.com/vikasavnish/agentbridge/internal/services"
	"github.com/vikasavnish/agentbridge/internal/utils"
)

// InstructionHandler lets owners queue manual commands and view history
type InstructionHandler struct {
	instructions services.InstructionService
	logger       *zap.Logger
}

// NewInstructionHandler creates a new instruction handler
func NewInstructionHandler(instructions services.InstructionService, logger *zap.Logger) *InstructionHandler {
	return &InstructionHandler{instructions: instructions, logger: logger.Named("instructions")}
}

// RegisterRoutes registers instruction routes
func (h *InstructionHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/connections/{id}/instructions", h.ListInstructions).Methods("GET")
	router.HandleFunc("/connections/{id}/instructions", h.CreateInstruction).Methods("POST")
}

// ListInstructions returns recent instructions for a connection
func (h *InstructionHandler) ListInstructions(w http.ResponseWriter, r *http.Request) {
	userID, err := utils.GetUserIDFromContext(r.Context())
	if err != nil {
		respondError(w, http.StatusUnauthorized, "unauthorized", "unauthorized")
		return
	}
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		if limit, err = strconv.Atoi(s); err != nil {
			respondError(w, http.StatusBadRequest, "invalid_request", "Invalid limit")
			return
		}
	}

	list, err := h.instructions.ListForConnection(r.Context(), userID, id, limit)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, list)
}

// CreateInstruction queues an open, close or modify command
func (h *InstructionHandler) CreateInstruction(w http.ResponseWriter, r *http.Request) {
	userID, err := utils.GetUserIDFromContext(r.Context())
	if err != nil {
		respondError(w, http.StatusUnauthorized, "unauthorized", "unauthorized")
		return
	}
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	var req models.ManualInstructionRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	in, err := h.instructions.EnqueueManual(r.Context(), userID, id, req)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusCreated, in)
}
