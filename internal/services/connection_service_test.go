package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vikasavnish/agentbridge/internal/config"
	"github.com/vikasavnish/agentbridge/internal/models"
)

func TestConnectionService_Create(t *testing.T) {
	env := setupTest(t)
	ctx := context.Background()

	resp, err := env.connections.Create(ctx, 1, models.CreateConnectionRequest{
		DeviceFingerprint: "fp-1",
		AccountNumber:     "5550001",
		Platform:          "mt4",
	})
	require.NoError(t, err)
	assert.Len(t, resp.Credential, 64)
	assert.NotZero(t, resp.ConnectionID)

	var stored models.Connection
	require.NoError(t, env.db.First(&stored, resp.ConnectionID).Error)
	assert.Equal(t, models.ConnectionPending, stored.Status)
	assert.Equal(t, HashSecret(resp.Credential), stored.CredentialHash)
	assert.NotEqual(t, resp.Credential, stored.CredentialHash)
	assert.Equal(t, HashSecret("fp-1"), stored.DeviceHash)
	assert.True(t, stored.AllowBuy)
	assert.True(t, stored.AllowSell)

	entries, err := env.audit.ListForResource(ctx, "connection", idString(resp.ConnectionID), 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "connection.create", entries[0].Action)
}

func TestConnectionService_Create_Validation(t *testing.T) {
	env := setupTest(t)

	_, err := env.connections.Create(context.Background(), 1, models.CreateConnectionRequest{AccountNumber: "1", Platform: "mt5"})
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "deviceFingerprint", verr.Field)
}

func TestConnectionService_DuplicateDeviceAcrossUsers(t *testing.T) {
	env := setupTest(t)
	ctx := context.Background()

	_, err := env.connections.Create(ctx, 1, models.CreateConnectionRequest{
		DeviceFingerprint: "F", AccountNumber: "111", Platform: "mt5",
	})
	require.NoError(t, err)

	_, err = env.connections.Create(ctx, 2, models.CreateConnectionRequest{
		DeviceFingerprint: "F", AccountNumber: "222", Platform: "mt5",
	})
	assert.ErrorIs(t, err, ErrDuplicateDevice)
}

func TestConnectionService_PlanLimits(t *testing.T) {
	env := setupTestWithPlans(t, config.PlansConfig{
		Default: config.Plan{MaxAccounts: 1, MaxDevices: 1, BridgingEnabled: true},
		Overrides: map[string]config.Plan{
			"9": {MaxAccounts: 5, MaxDevices: 5, BridgingEnabled: false},
		},
	})
	ctx := context.Background()

	_, err := env.connections.Create(ctx, 1, models.CreateConnectionRequest{DeviceFingerprint: "a", AccountNumber: "1", Platform: "mt5"})
	require.NoError(t, err)

	_, err = env.connections.Create(ctx, 1, models.CreateConnectionRequest{DeviceFingerprint: "b", AccountNumber: "2", Platform: "mt5"})
	var plErr *PlanLimitError
	require.True(t, errors.As(err, &plErr))
	assert.Equal(t, "accounts", plErr.Limit)
	assert.Equal(t, int64(1), plErr.Current)
	assert.ErrorIs(t, err, ErrPlanLimitExceeded)

	_, err = env.connections.Create(ctx, 9, models.CreateConnectionRequest{DeviceFingerprint: "c", AccountNumber: "3", Platform: "mt5"})
	require.True(t, errors.As(err, &plErr))
	assert.Equal(t, "bridging", plErr.Limit)
}

func TestConnectionService_ConcurrentCreatesRespectPlan(t *testing.T) {
	env := setupTestWithPlans(t, config.PlansConfig{
		Default: config.Plan{MaxAccounts: 2, MaxDevices: 2, BridgingEnabled: true},
	})
	ctx := context.Background()

	const creators = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
		limited int
	)
	for i := 0; i < creators; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := env.connections.Create(ctx, 1, models.CreateConnectionRequest{
				DeviceFingerprint: fmt.Sprintf("dev-%d", i),
				AccountNumber:     fmt.Sprintf("%d", 100+i),
				Platform:          "mt5",
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				created++
			case errors.Is(err, ErrPlanLimitExceeded):
				limited++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 2, created)
	assert.Equal(t, creators-2, limited)

	var count int64
	require.NoError(t, env.db.Model(&models.Connection{}).Where("user_id = ?", 1).Count(&count).Error)
	assert.Equal(t, int64(2), count)
}

func TestConnectionService_RevokeGuard(t *testing.T) {
	env := setupTest(t)
	ctx := context.Background()
	connID, cred := env.activeConnection(t, 1, "rev")

	_, err := env.trades.ApplyTradeReport(ctx, models.TradeReport{
		Credential: cred, Ticket: 1001, Symbol: "EURUSD", Type: models.DirectionBuy,
		Size: 0.1, EntryPrice: 1.1, CurrentPrice: 1.1, Status: models.TradeOpen,
	})
	require.NoError(t, err)

	err = env.connections.Revoke(ctx, 2, connID)
	assert.ErrorIs(t, err, ErrForbidden)

	err = env.connections.Revoke(ctx, 1, connID)
	var openErr *OpenTradesError
	require.True(t, errors.As(err, &openErr))
	assert.Equal(t, int64(1), openErr.Count)

	_, err = env.trades.ApplyTradeReport(ctx, models.TradeReport{
		Credential: cred, Ticket: 1001, Symbol: "EURUSD", Type: models.DirectionBuy,
		Size: 0.1, EntryPrice: 1.1, CurrentPrice: 1.101, Status: models.TradeClosed,
	})
	require.NoError(t, err)

	require.NoError(t, env.connections.Revoke(ctx, 1, connID))

	_, err = env.instructions.PollNext(ctx, cred)
	assert.ErrorIs(t, err, ErrConnectionNotActive)

	var stored models.Connection
	require.NoError(t, env.db.First(&stored, connID).Error)
	assert.Equal(t, models.ConnectionRevoked, stored.Status)
	assert.False(t, stored.IsOnline)
	assert.NotNil(t, stored.RevokedAt)
}

func TestConnectionService_RevokedDeviceStillBlocksReuse(t *testing.T) {
	env := setupTest(t)
	ctx := context.Background()
	connID, _ := env.activeConnection(t, 1, "dev")
	require.NoError(t, env.connections.Revoke(ctx, 1, connID))

	_, err := env.connections.Create(ctx, 1, models.CreateConnectionRequest{DeviceFingerprint: "dev", AccountNumber: "9", Platform: "mt5"})
	assert.ErrorIs(t, err, ErrDuplicateDevice)
}

func TestConnectionService_UpdateRisk(t *testing.T) {
	env := setupTest(t)
	ctx := context.Background()
	connID, _ := env.activeConnection(t, 1, "risk")

	fields := map[string]json.RawMessage{
		"riskPerTrade":  json.RawMessage(`2.5`),
		"allowSell":     json.RawMessage(`false`),
		"maxOpenTrades": json.RawMessage(`3`),
		"somethingElse": json.RawMessage(`"ignored"`),
	}
	summary, err := env.connections.UpdateRisk(ctx, 1, connID, fields)
	require.NoError(t, err)
	assert.Equal(t, 2.5, summary.RiskPerTrade)
	assert.False(t, summary.AllowSell)
	assert.True(t, summary.AllowBuy)
	assert.Equal(t, 3, summary.MaxOpenTrades)

	tests := []struct {
		name  string
		field string
		raw   string
	}{
		{"risk not numeric", "riskPerTrade", `"lots"`},
		{"risk out of range", "riskPerTrade", `150`},
		{"flag not boolean", "allowBuy", `"yes"`},
		{"fractional max trades", "maxOpenTrades", `2.5`},
		{"negative loss limit", "dailyLossLimit", `-1`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.connections.UpdateRisk(ctx, 1, connID, map[string]json.RawMessage{tt.field: json.RawMessage(tt.raw)})
			var verr *ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Equal(t, tt.field, verr.Field)
		})
	}

	_, err = env.connections.UpdateRisk(ctx, 2, connID, fields)
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestConnectionService_SuspendResume(t *testing.T) {
	env := setupTest(t)
	ctx := context.Background()
	connID, cred := env.activeConnection(t, 1, "sus")

	conn, err := env.connections.SetSuspended(ctx, "admin:1", connID, true)
	require.NoError(t, err)
	assert.Equal(t, models.ConnectionSuspended, conn.Status)

	_, err = env.health.RecordHeartbeat(ctx, models.HeartbeatRequest{Credential: cred, Status: "online"})
	assert.ErrorIs(t, err, ErrConnectionSuspended)

	_, err = env.instructions.PollNext(ctx, cred)
	assert.ErrorIs(t, err, ErrConnectionNotActive)

	conn, err = env.connections.SetSuspended(ctx, "admin:1", connID, false)
	require.NoError(t, err)
	assert.Equal(t, models.ConnectionActive, conn.Status)

	require.NoError(t, env.connections.Revoke(ctx, 1, connID))
	_, err = env.connections.SetSuspended(ctx, "admin:1", connID, false)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestConnectionService_AuthenticateUnknownCredential(t *testing.T) {
	env := setupTest(t)

	_, err := env.connections.Authenticate(context.Background(), "deadbeef")
	assert.ErrorIs(t, err, ErrInvalidCredential)

	_, err = env.connections.RequireActive(context.Background(), "")
	assert.ErrorIs(t, err, ErrInvalidCredential)
}
