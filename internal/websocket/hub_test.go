package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vikasavnish/agentbridge/internal/config"
	"github.com/vikasavnish/agentbridge/internal/db"
	"github.com/vikasavnish/agentbridge/internal/models"
	"github.com/vikasavnish/agentbridge/internal/services"
)

type streamEnv struct {
	hub          *Hub
	server       *httptest.Server
	instructions services.InstructionService
	connID       uint
	credential   string
}

func setupStream(t *testing.T) *streamEnv {
	t.Helper()
	gdb, err := db.Connect(config.DatabaseConfig{DSN: "sqlite::memory:"})
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := gdb.DB(); err == nil {
			sqlDB.Close()
		}
	})

	log := zap.NewNop()
	audit := services.NewAuditService(gdb, log)
	plans := services.NewConfigPlanService(config.PlansConfig{Default: config.Plan{MaxAccounts: 1, MaxDevices: 1, BridgingEnabled: true}})
	connections := services.NewConnectionService(gdb, plans, audit, log)
	instructions := services.NewInstructionService(gdb, log)

	ctx := context.Background()
	resp, err := connections.Create(ctx, 1, models.CreateConnectionRequest{DeviceFingerprint: "ws", AccountNumber: "1", Platform: "mt5"})
	require.NoError(t, err)
	_, err = services.NewHealthService(gdb, audit, log).RecordHeartbeat(ctx, models.HeartbeatRequest{Credential: resp.Credential, Status: "online"})
	require.NoError(t, err)

	hub := NewHub(connections, instructions, 10*time.Millisecond, log)
	server := httptest.NewServer(http.HandlerFunc(hub.HandleStream))
	t.Cleanup(func() {
		hub.Close()
		server.Close()
	})
	return &streamEnv{hub: hub, server: server, instructions: instructions, connID: resp.ConnectionID, credential: resp.Credential}
}

func (e *streamEnv) url() string {
	return "ws" + strings.TrimPrefix(e.server.URL, "http")
}

func TestStream_PushesQueuedInstructions(t *testing.T) {
	env := setupStream(t)
	ctx := context.Background()

	_, err := env.instructions.Enqueue(ctx, env.connID, models.TrailCommand{Ticket: 5, StopLoss: 1.2}, models.PriorityTrail)
	require.NoError(t, err)
	_, err = env.instructions.Enqueue(ctx, env.connID, models.CloseCommand{Ticket: 6}, models.PriorityClose)
	require.NoError(t, err)

	header := http.Header{}
	header.Set("X-Agent-Credential", env.credential)
	ws, _, err := websocket.DefaultDialer.Dial(env.url(), header)
	require.NoError(t, err)
	defer ws.Close()

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var first, second map[string]interface{}
	require.NoError(t, ws.ReadJSON(&first))
	require.NoError(t, ws.ReadJSON(&second))
	assert.Equal(t, "close", first["action"])
	assert.Equal(t, "trail", second["action"])
	assert.Equal(t, 1.2, second["stopLoss"])

	// Queued after the stream opened.
	_, err = env.instructions.Enqueue(ctx, env.connID, models.CloseCommand{Ticket: 7}, models.PriorityClose)
	require.NoError(t, err)
	var third map[string]interface{}
	require.NoError(t, ws.ReadJSON(&third))
	assert.Equal(t, float64(7), third["ticket"])

	assert.Equal(t, 1, env.hub.Sessions())

	// Delivered over the stream, so polling finds nothing.
	d, err := env.instructions.PollNext(ctx, env.credential)
	require.NoError(t, err)
	assert.Nil(t, d)
}

func TestStream_RejectsUnknownCredential(t *testing.T) {
	env := setupStream(t)

	_, resp, err := websocket.DefaultDialer.Dial(env.url()+"?credential=nope", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, 0, env.hub.Sessions())
}

type mockThrottle struct {
	mock.Mock
}

func (m *mockThrottle) AllowCredential(ctx context.Context, credential string) bool {
	return m.Called(credential).Bool(0)
}

func (m *mockThrottle) RecordAuthFailure(ctx context.Context, ip string) {
	m.Called(ip)
}

func TestStream_UnknownCredentialCountsAsAuthFailure(t *testing.T) {
	env := setupStream(t)
	throttle := &mockThrottle{}
	throttle.On("AllowCredential", "nope").Return(true)
	throttle.On("RecordAuthFailure", "127.0.0.1").Return()
	env.hub.SetThrottle(throttle)

	_, resp, err := websocket.DefaultDialer.Dial(env.url()+"?credential=nope", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	throttle.AssertExpectations(t)
}

func TestStream_MissingCredentialCountsAsAuthFailure(t *testing.T) {
	env := setupStream(t)
	throttle := &mockThrottle{}
	throttle.On("RecordAuthFailure", "127.0.0.1").Return()
	env.hub.SetThrottle(throttle)

	_, resp, err := websocket.DefaultDialer.Dial(env.url(), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	throttle.AssertExpectations(t)
	throttle.AssertNotCalled(t, "AllowCredential", mock.Anything)
}

func TestStream_OverBudgetCredentialRejected(t *testing.T) {
	env := setupStream(t)
	throttle := &mockThrottle{}
	throttle.On("AllowCredential", env.credential).Return(false)
	env.hub.SetThrottle(throttle)

	header := http.Header{}
	header.Set("X-Agent-Credential", env.credential)
	_, resp, err := websocket.DefaultDialer.Dial(env.url(), header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, 0, env.hub.Sessions())
	throttle.AssertNotCalled(t, "RecordAuthFailure", mock.Anything)
}
