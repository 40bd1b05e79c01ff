package tasks

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vikasavnish/agentbridge/internal/config"
	"github.com/vikasavnish/agentbridge/internal/db"
	"github.com/vikasavnish/agentbridge/internal/indicators"
	"github.com/vikasavnish/agentbridge/internal/models"
	"github.com/vikasavnish/agentbridge/internal/services"
	"github.com/vikasavnish/agentbridge/internal/trailing"
)

type MockLocker struct {
	mock.Mock
}

func (m *MockLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	args := m.Called(key, ttl)
	return args.Bool(0), args.Error(1)
}

func (m *MockLocker) Unlock(ctx context.Context, key string) error {
	return m.Called(key).Error(0)
}

type noCandles struct{}

func (noCandles) Candles(context.Context, string, string, int) ([]indicators.Candle, error) {
	return nil, nil
}

type countingTask struct {
	runs atomic.Int32
}

func (c *countingTask) Name() string            { return "counting" }
func (c *countingTask) Interval() time.Duration { return 5 * time.Millisecond }
func (c *countingTask) Run(context.Context) error {
	c.runs.Add(1)
	return nil
}

func TestManager_RunsUntilCancelled(t *testing.T) {
	m := NewManager(zap.NewNop())
	task := &countingTask{}
	m.RegisterTask(task)

	ctx, cancel := context.WithCancel(context.Background())
	wait := m.Start(ctx)
	require.Eventually(t, func() bool { return task.runs.Load() >= 3 }, time.Second, time.Millisecond)
	cancel()
	wait()

	after := task.runs.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, after, task.runs.Load())
}

func setupServices(t *testing.T) (*trailing.Engine, services.InstructionService, services.ConnectionService, services.HealthService) {
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
	instructions := services.NewInstructionService(gdb, log)
	engine := trailing.NewEngine(gdb, services.NewTrailingConfigService(gdb, audit, log), instructions, audit,
		noCandles{}, trailing.Options{CandleCloseWindow: time.Minute}, log)
	return engine, instructions, services.NewConnectionService(gdb, plans, audit, log), services.NewHealthService(gdb, audit, log)
}

func TestTrailingTask_SkipsWhenLockHeld(t *testing.T) {
	locker := new(MockLocker)
	locker.On("TryLock", trailingLockKey, 40*time.Second).Return(false, nil)

	// A nil engine would panic if the pass ran.
	task := NewTrailingTask(nil, locker, 45*time.Second, 40*time.Second, zap.NewNop())
	require.NoError(t, task.Run(context.Background()))
	locker.AssertExpectations(t)
	locker.AssertNotCalled(t, "Unlock", mock.Anything)
}

func TestTrailingTask_RunsPassAndReleases(t *testing.T) {
	engine, _, _, _ := setupServices(t)
	locker := new(MockLocker)
	locker.On("TryLock", trailingLockKey, 40*time.Second).Return(true, nil)
	locker.On("Unlock", trailingLockKey).Return(nil)

	task := NewTrailingTask(engine, locker, 45*time.Second, 40*time.Second, zap.NewNop())
	require.NoError(t, task.Run(context.Background()))
	locker.AssertExpectations(t)
}

func TestInstructionCleanupTask_PurgesOldSent(t *testing.T) {
	_, instructions, connections, health := setupServices(t)
	ctx := context.Background()

	resp, err := connections.Create(ctx, 1, models.CreateConnectionRequest{
		DeviceFingerprint: "cleanup", AccountNumber: "7", Platform: "mt4",
	})
	require.NoError(t, err)
	_, err = health.RecordHeartbeat(ctx, models.HeartbeatRequest{Credential: resp.Credential, Status: "online"})
	require.NoError(t, err)

	_, err = instructions.Enqueue(ctx, resp.ConnectionID, models.CloseCommand{Ticket: 1}, models.PriorityClose)
	require.NoError(t, err)
	_, err = instructions.Enqueue(ctx, resp.ConnectionID, models.CloseCommand{Ticket: 2}, models.PriorityClose)
	require.NoError(t, err)
	d, err := instructions.PollNext(ctx, resp.Credential)
	require.NoError(t, err)
	require.NotNil(t, d)

	task := NewInstructionCleanupTask(instructions, time.Hour, time.Hour, zap.NewNop())
	require.NoError(t, task.Run(ctx))
	history, err := instructions.ListForConnection(ctx, 1, resp.ConnectionID, 0)
	require.NoError(t, err)
	assert.Len(t, history, 2, "recently sent instructions are retained")

	task.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	require.NoError(t, task.Run(ctx))
	history, err = instructions.ListForConnection(ctx, 1, resp.ConnectionID, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, models.InstructionPending, history[0].Status)
}
