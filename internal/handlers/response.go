package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/vikasavnish/agentbridge/internal/services"
)

// credentialHeader carries the agent credential on webhook, poll and
// stream requests.
const credentialHeader = "X-Agent-Credential"

func respondJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func respondError(w http.ResponseWriter, status int, code, msg string) {
	respondJSON(w, status, map[string]interface{}{"error": msg, "code": code})
}

// writeServiceError maps service errors onto HTTP responses. Unknown
// errors are logged and reported as 500 without detail.
func writeServiceError(w http.ResponseWriter, logger *zap.Logger, err error) {
	var (
		planErr *services.PlanLimitError
		openErr *services.OpenTradesError
		valErr  *services.ValidationError
	)
	switch {
	case errors.Is(err, services.ErrInvalidCredential):
		respondError(w, http.StatusUnauthorized, "invalid_credential", "invalid credential")
	case errors.As(err, &planErr):
		respondJSON(w, http.StatusForbidden, map[string]interface{}{
			"error":   planErr.Error(),
			"code":    "plan_limit_exceeded",
			"limit":   planErr.Limit,
			"max":     planErr.Max,
			"current": planErr.Current,
			"upgrade": true,
		})
	case errors.Is(err, services.ErrConnectionSuspended):
		respondError(w, http.StatusForbidden, "connection_suspended", "connection suspended or revoked")
	case errors.Is(err, services.ErrConnectionNotActive):
		respondError(w, http.StatusForbidden, "connection_not_active", "connection not active")
	case errors.Is(err, services.ErrForbidden):
		respondError(w, http.StatusForbidden, "forbidden", "forbidden")
	case errors.As(err, &openErr):
		respondJSON(w, http.StatusBadRequest, map[string]interface{}{
			"error":      openErr.Error(),
			"code":       "open_trades_exist",
			"openTrades": openErr.Count,
		})
	case errors.Is(err, services.ErrDuplicateDevice):
		respondError(w, http.StatusConflict, "duplicate_device", err.Error())
	case errors.As(err, &valErr):
		respondJSON(w, http.StatusBadRequest, map[string]interface{}{
			"error": valErr.Error(),
			"code":  "validation_error",
			"field": valErr.Field,
		})
	case errors.Is(err, services.ErrNotFound):
		respondError(w, http.StatusNotFound, "not_found", "not found")
	default:
		logger.Error("Request failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "internal_error", "internal error")
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "Invalid request")
		return false
	}
	return true
}

// pathID parses a numeric path variable.
func pathID(w http.ResponseWriter, r *http.Request, name string) (uint, bool) {
	id, err := strconv.ParseUint(mux.Vars(r)[name], 10, 32)
	if err != nil || id == 0 {
		respondError(w, http.StatusBadRequest, "invalid_request", "Invalid "+name)
		return 0, false
	}
	return uint(id), true
}
