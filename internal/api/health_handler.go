package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

// Version is reported by the health endpoint.
const Version = "1.0.0"

// NewHealthHandler responds to health check requests with the state of the
// database and, when configured, Redis.
func NewHealthHandler(db *gorm.DB, redisClient *redis.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, code := "ok", http.StatusOK
		checks := map[string]string{"database": "ok"}

		if sqlDB, err := db.DB(); err != nil || sqlDB.PingContext(r.Context()) != nil {
			checks["database"] = "unavailable"
			status, code = "degraded", http.StatusServiceUnavailable
		}
		if redisClient != nil {
			checks["redis"] = "ok"
			if err := redisClient.Ping(r.Context()).Err(); err != nil {
				// Limiter and lock fall back, so Redis loss is not fatal.
				checks["redis"] = "unavailable"
				status = "degraded"
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":  status,
			"version": Version,
			"checks":  checks,
		})
	}
}
