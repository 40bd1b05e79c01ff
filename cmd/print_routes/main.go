package main

import (
	"log"
	"os"

	"go.uber.org/zap"

	"github.com/vikasavnish/agentbridge/internal/api"
	"github.com/vikasavnish/agentbridge/internal/config"
	"github.com/vikasavnish/agentbridge/internal/db"
	"github.com/vikasavnish/agentbridge/internal/websocket"
)

// print_routes builds the real router over a throwaway in-memory database
// and prints every registered route.
func main() {
	cfg, err := config.Load(".")
	if err != nil {
		log.Fatal(err)
	}
	cfg.Database.DSN = "sqlite::memory:"

	database, err := db.Connect(cfg.Database)
	if err != nil {
		log.Fatal(err)
	}

	zl := zap.NewNop()
	svc := api.NewServices(database, cfg, zl)
	hub := websocket.NewHub(svc.Connections, svc.Instructions, cfg.Stream.PollInterval, zl)
	router := api.SetupRouter(database, nil, svc, hub, cfg, zl)

	if err := api.PrintRoutes(os.Stdout, router); err != nil {
		log.Fatal(err)
	}
}
