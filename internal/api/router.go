package api

import (
	"net/http"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/vikasavnish/agentbridge/internal/config"
	"github.com/vikasavnish/agentbridge/internal/handlers"
	"github.com/vikasavnish/agentbridge/internal/middleware"
	"github.com/vikasavnish/agentbridge/internal/services"
	"github.com/vikasavnish/agentbridge/internal/utils"
	"github.com/vikasavnish/agentbridge/internal/websocket"
)

// Services is the service graph shared by the router, the scheduler and
// the stream hub.
type Services struct {
	Audit        services.AuditService
	Connections  services.ConnectionService
	Health       services.HealthService
	Trades       services.TradeSyncService
	Instructions services.InstructionService
	Trailing     services.TrailingConfigService
}

// NewServices wires every service over db.
func NewServices(db *gorm.DB, cfg *config.Config, logger *zap.Logger) *Services {
	audit := services.NewAuditService(db, logger)
	return &Services{
		Audit:        audit,
		Connections:  services.NewConnectionService(db, services.NewConfigPlanService(cfg.Plans), audit, logger),
		Health:       services.NewHealthService(db, audit, logger),
		Trades:       services.NewTradeSyncService(db, logger),
		Instructions: services.NewInstructionService(db, logger),
		Trailing:     services.NewTrailingConfigService(db, audit, logger),
	}
}

// SetupRouter configures all routes and returns the router
func SetupRouter(
	db *gorm.DB,
	redisClient *redis.Client,
	svc *Services,
	wsHub *websocket.Hub,
	cfg *config.Config,
	logger *zap.Logger,
) *mux.Router {
	router := mux.NewRouter()

	// Ops endpoints
	router.HandleFunc("/api/health", NewHealthHandler(db, redisClient)).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// Agent endpoints, authenticated by connection credential
	limiter := middleware.NewWebhookLimiter(redisClient, cfg.Webhook, logger)
	agentRouter := router.PathPrefix("/api/v1").Subrouter()
	agentRouter.Use(limiter.Guard)
	handlers.NewWebhookHandler(svc.Health, svc.Trades, svc.Instructions, limiter, logger).RegisterRoutes(agentRouter)
	wsHub.SetThrottle(limiter)
	agentRouter.HandleFunc("/agent/stream", wsHub.HandleStream).Methods("GET")

	// User endpoints, authenticated by platform JWT
	authRouter := router.PathPrefix("/api").Subrouter()
	authRouter.Use(middleware.AuthMiddleware(cfg.JWT.SecretKey(), logger))

	handlers.NewConnectionHandler(svc.Connections, svc.Trades, svc.Audit, logger).RegisterRoutes(authRouter)
	handlers.NewTrailingHandler(svc.Trailing, svc.Trades, svc.Audit, logger).RegisterRoutes(authRouter)
	handlers.NewInstructionHandler(svc.Instructions, logger).RegisterRoutes(authRouter)

	adminRouter := authRouter.PathPrefix("/admin").Subrouter()
	adminRouter.Use(middleware.RequireRole(utils.RoleAdmin))
	handlers.NewAdminHandler(svc.Connections, logger).RegisterRoutes(adminRouter)

	return router
}

// WithCORS wraps the router for browser clients of the user API.
func WithCORS(h http.Handler) http.Handler {
	return cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization", "X-Agent-Credential"},
		AllowCredentials: true,
	}).Handler(h)
}
