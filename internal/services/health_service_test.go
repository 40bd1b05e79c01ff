package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vikasavnish/agentbridge/internal/models"
)

func TestClassifyQuality(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	at := func(ago time.Duration) *time.Time {
		ts := now.Add(-ago)
		return &ts
	}

	tests := []struct {
		name string
		last *time.Time
		want models.Quality
	}{
		{"never", nil, models.QualityOffline},
		{"just now", at(10 * time.Second), models.QualityExcellent},
		{"two minutes", at(2 * time.Minute), models.QualityGood},
		{"ten minutes", at(10 * time.Minute), models.QualityPoor},
		{"fifteen minutes", at(15 * time.Minute), models.QualityOffline},
		{"an hour", at(time.Hour), models.QualityOffline},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyQuality(now, tt.last))
		})
	}
}

func TestSummarize_FaultOverridesRecency(t *testing.T) {
	now := time.Now()
	conn := models.Connection{LastHeartbeat: &now, FaultOffline: true, Quality: models.QualityExcellent}

	s := Summarize(now, conn, 2)
	assert.Equal(t, models.QualityOffline, s.Quality)
	assert.False(t, s.IsOnline)
	assert.Equal(t, int64(2), s.OpenTrades)
	require.NotNil(t, s.SecondsSince)
	assert.Equal(t, int64(0), *s.SecondsSince)
}

func TestHealthService_HeartbeatActivatesPending(t *testing.T) {
	env := setupTest(t)
	ctx := context.Background()

	resp, err := env.connections.Create(ctx, 1, models.CreateConnectionRequest{DeviceFingerprint: "hb", AccountNumber: "1", Platform: "mt5"})
	require.NoError(t, err)

	summary, err := env.health.RecordHeartbeat(ctx, models.HeartbeatRequest{Credential: resp.Credential, AgentVersion: "2.1", Status: "online"})
	require.NoError(t, err)
	assert.Equal(t, models.ConnectionActive, summary.Status)
	assert.Equal(t, models.QualityExcellent, summary.Quality)
	assert.True(t, summary.IsOnline)
	assert.Equal(t, "2.1", summary.AgentVersion)

	summary, err = env.health.RecordHeartbeat(ctx, models.HeartbeatRequest{Credential: resp.Credential, Status: "reconnecting"})
	require.NoError(t, err)
	assert.Equal(t, models.QualityPoor, summary.Quality)
}

func TestHealthService_HeartbeatInvalidCredential(t *testing.T) {
	env := setupTest(t)

	_, err := env.health.RecordHeartbeat(context.Background(), models.HeartbeatRequest{Credential: "nope", Status: "online"})
	assert.ErrorIs(t, err, ErrInvalidCredential)
}

func TestHealthService_CriticalFaultForcesOffline(t *testing.T) {
	env := setupTest(t)
	ctx := context.Background()
	connID, cred := env.activeConnection(t, 1, "fault")

	ticket := int64(77)
	fault, err := env.health.RecordFault(ctx, models.AgentErrorRequest{
		Credential: cred,
		FaultType:  models.FaultConnectionLost,
		Code:       "E42",
		Message:    "broker link dropped",
		Ticket:     &ticket,
	})
	require.NoError(t, err)
	assert.True(t, fault.Critical)

	list, err := env.connections.List(ctx, 1)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, models.QualityOffline, list[0].Quality)
	assert.False(t, list[0].IsOnline)
	assert.Equal(t, models.ConnectionActive, list[0].Status)

	errs, err := env.audit.ListAgentErrors(ctx, connID, 10)
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Equal(t, "E42", errs[0].Code)

	_, err = env.health.RecordHeartbeat(ctx, models.HeartbeatRequest{Credential: cred, Status: "online"})
	require.NoError(t, err)
	list, err = env.connections.List(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, models.QualityExcellent, list[0].Quality)
}

func TestHealthService_NonCriticalFaultKeepsOnline(t *testing.T) {
	env := setupTest(t)
	ctx := context.Background()
	_, cred := env.activeConnection(t, 1, "warn")

	fault, err := env.health.RecordFault(ctx, models.AgentErrorRequest{
		Credential: cred, FaultType: "order_rejected", Message: "invalid stops",
	})
	require.NoError(t, err)
	assert.False(t, fault.Critical)

	list, err := env.connections.List(ctx, 1)
	require.NoError(t, err)
	assert.True(t, list[0].IsOnline)
}

func TestHealthService_AccountUpdate(t *testing.T) {
	env := setupTest(t)
	ctx := context.Background()
	connID, cred := env.activeConnection(t, 1, "acct")

	err := env.health.RecordAccountUpdate(ctx, models.AccountUpdateRequest{
		Credential: cred, Balance: 10000, Equity: 10120.5, Leverage: 500,
		FreeMargin: 9800, MarginLevel: 3200, Currency: "usd",
	})
	require.NoError(t, err)

	var stored models.Connection
	require.NoError(t, env.db.First(&stored, connID).Error)
	assert.Equal(t, 10120.5, stored.Equity)
	assert.Equal(t, 500, stored.Leverage)
	assert.Equal(t, "USD", stored.Currency)
	assert.NotNil(t, stored.AccountUpdatedAt)
}
