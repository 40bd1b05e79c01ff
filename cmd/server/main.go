package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/vikasavnish/agentbridge/internal/api"
	"github.com/vikasavnish/agentbridge/internal/config"
	"github.com/vikasavnish/agentbridge/internal/db"
	"github.com/vikasavnish/agentbridge/internal/lock"
	"github.com/vikasavnish/agentbridge/internal/logger"
	"github.com/vikasavnish/agentbridge/internal/marketdata"
	"github.com/vikasavnish/agentbridge/internal/tasks"
	"github.com/vikasavnish/agentbridge/internal/trailing"
	"github.com/vikasavnish/agentbridge/internal/websocket"
)

func main() {
	configDir := flag.String("config", ".", "directory containing config.yml")
	flag.Parse()

	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	cfg, err := config.Load(*configDir)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	zl, err := logger.NewLogger(cfg.Logger.Level, cfg.Logger.Format)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zl.Sync()

	database, err := db.Connect(cfg.Database)
	if err != nil {
		zl.Fatal("Failed to connect to database", zap.Error(err))
	}

	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient, err = db.ConnectRedis(cfg.Redis)
		if err != nil {
			// Rate limits and the scheduler lock degrade to single-instance mode.
			zl.Warn("Failed to connect to Redis, continuing without it", zap.Error(err))
			redisClient = nil
		} else {
			defer redisClient.Close()
		}
	}

	svc := api.NewServices(database, cfg, zl)
	wsHub := websocket.NewHub(svc.Connections, svc.Instructions, cfg.Stream.PollInterval, zl)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize scheduled tasks
	taskManager := tasks.NewManager(zl)
	if cfg.Server.RunScheduler {
		engine := trailing.NewEngine(database, svc.Trailing, svc.Instructions, svc.Audit,
			marketdata.NewClient(cfg.MarketData, zl),
			trailing.Options{CandleCloseWindow: cfg.Trailing.CandleCloseWindow, CandleLimit: cfg.Trailing.CandleLimit},
			zl)
		taskManager.RegisterTask(tasks.NewTrailingTask(engine, lock.New(redisClient, "agentbridge:lock:"),
			cfg.Trailing.Interval, cfg.Trailing.LockTTL, zl))
	}
	taskManager.RegisterTask(tasks.NewInstructionCleanupTask(svc.Instructions, cfg.Instructions.SentRetention, time.Hour, zl))
	waitTasks := taskManager.Start(ctx)

	router := api.SetupRouter(database, redisClient, svc, wsHub, cfg, zl)
	server := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           api.WithCORS(router),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		zl.Info("Server starting", zap.String("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zl.Fatal("Server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	zl.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	wsHub.Close()
	if err := server.Shutdown(shutdownCtx); err != nil {
		zl.Error("Server shutdown failed", zap.Error(err))
	}
	waitTasks()

	if sqlDB, err := database.DB(); err == nil {
		sqlDB.Close()
	}
	zl.Info("Server stopped")
}
