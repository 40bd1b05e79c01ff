package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/vikasavnish/agentbridge/internal/config"
	"github.com/vikasavnish/agentbridge/internal/db"
	"github.com/vikasavnish/agentbridge/internal/models"
)

type testEnv struct {
	db           *gorm.DB
	audit        AuditService
	connections  ConnectionService
	health       HealthService
	trades       TradeSyncService
	instructions InstructionService
	trailing     TrailingConfigService
}

// setupTest creates a full service graph over a fresh in-memory database.
func setupTest(t *testing.T) *testEnv {
	t.Helper()
	return setupTestWithPlans(t, config.PlansConfig{
		Default: config.Plan{MaxAccounts: 3, MaxDevices: 3, BridgingEnabled: true},
	})
}

func setupTestWithPlans(t *testing.T, plans config.PlansConfig) *testEnv {
	t.Helper()
	gdb, err := db.Connect(config.DatabaseConfig{DSN: "sqlite::memory:"})
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := gdb.DB(); err == nil {
			sqlDB.Close()
		}
	})

	log := zap.NewNop()
	audit := NewAuditService(gdb, log)
	return &testEnv{
		db:           gdb,
		audit:        audit,
		connections:  NewConnectionService(gdb, NewConfigPlanService(plans), audit, log),
		health:       NewHealthService(gdb, audit, log),
		trades:       NewTradeSyncService(gdb, log),
		instructions: NewInstructionService(gdb, log),
		trailing:     NewTrailingConfigService(gdb, audit, log),
	}
}

// activeConnection registers a device for userID and activates it with a
// heartbeat.
func (e *testEnv) activeConnection(t *testing.T, userID uint, fingerprint string) (uint, string) {
	t.Helper()
	ctx := context.Background()
	resp, err := e.connections.Create(ctx, userID, models.CreateConnectionRequest{
		DeviceFingerprint: fingerprint,
		DeviceName:        "vps-" + fingerprint,
		AccountNumber:     "1000" + fingerprint,
		Platform:          "mt5",
		BrokerName:        "Demo Broker",
		BrokerServer:      "Demo-Server",
	})
	require.NoError(t, err)
	_, err = e.health.RecordHeartbeat(ctx, models.HeartbeatRequest{
		Credential:   resp.Credential,
		AgentVersion: "1.0.0",
		Status:       "online",
	})
	require.NoError(t, err)
	return resp.ConnectionID, resp.Credential
}

func ptr(v float64) *float64 { return &v }
