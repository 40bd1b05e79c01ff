package handlers

import (
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/vikasavnish/agentbridge/internal/services"
	"github.com/vikasavnish/agentbridge/internal/utils"
)

// AdminHandler handles operator actions on any connection. Routes must be
// mounted behind middleware.RequireRole(utils.RoleAdmin).
type AdminHandler struct {
	connections services.ConnectionService
	logger      *zap.Logger
}

// NewAdminHandler creates a new admin handler
func NewAdminHandler(connections services.ConnectionService, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{connections: connections, logger: logger.Named("admin")}
}

// RegisterRoutes registers admin routes
func (h *AdminHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/connections/{id}/suspend", h.setSuspended(true)).Methods("POST")
	router.HandleFunc("/connections/{id}/resume", h.setSuspended(false)).Methods("POST")
}

func (h *AdminHandler) setSuspended(suspended bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		adminID, err := utils.GetUserIDFromContext(r.Context())
		if err != nil {
			respondError(w, http.StatusUnauthorized, "unauthorized", "unauthorized")
			return
		}
		id, ok := pathID(w, r, "id")
		if !ok {
			return
		}

		conn, err := h.connections.SetSuspended(r.Context(), fmt.Sprintf("admin:%d", adminID), id, suspended)
		if err != nil {
			writeServiceError(w, h.logger, err)
			return
		}
		respondJSON(w, http.StatusOK, conn)
	}
}
