package tasks

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vikasavnish/agentbridge/internal/lock"
	"github.com/vikasavnish/agentbridge/internal/services"
	"github.com/vikasavnish/agentbridge/internal/trailing"
)

// Manager handles the execution of scheduled tasks
type Manager struct {
	logger *zap.Logger
	tasks  []Task
}

// Task represents a scheduled task that needs to be executed
type Task interface {
	Name() string
	Interval() time.Duration
	// Run performs one iteration. Errors are logged and the next tick retries.
	Run(ctx context.Context) error
}

// NewManager creates a new task manager
func NewManager(logger *zap.Logger) *Manager {
	return &Manager{logger: logger.Named("tasks")}
}

// RegisterTask registers a task with the manager
func (m *Manager) RegisterTask(task Task) {
	m.tasks = append(m.tasks, task)
}

// Start runs every registered task on its own ticker until ctx is done.
// The returned function blocks until all task loops have exited.
func (m *Manager) Start(ctx context.Context) (wait func()) {
	var wg sync.WaitGroup
	for _, task := range m.tasks {
		wg.Add(1)
		go func(task Task) {
			defer wg.Done()
			m.loop(ctx, task)
		}(task)
	}
	m.logger.Info("Started all scheduled tasks", zap.Int("count", len(m.tasks)))
	return wg.Wait
}

func (m *Manager) loop(ctx context.Context, task Task) {
	log := m.logger.With(zap.String("task", task.Name()))
	ticker := time.NewTicker(task.Interval())
	defer ticker.Stop()

	for {
		if err := task.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error("Task run failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			log.Info("Task stopped")
			return
		case <-ticker.C:
		}
	}
}

// trailingLockKey guards the trailing pass so only one instance runs it.
const trailingLockKey = "trailing-pass"

// TrailingTask runs one engine pass per tick under a distributed lock.
type TrailingTask struct {
	engine   *trailing.Engine
	locker   lock.Locker
	interval time.Duration
	lockTTL  time.Duration
	logger   *zap.Logger
}

// NewTrailingTask creates the periodic trailing pass. lockTTL should be
// shorter than interval so a crashed holder cannot block the next tick.
func NewTrailingTask(engine *trailing.Engine, locker lock.Locker, interval, lockTTL time.Duration, logger *zap.Logger) *TrailingTask {
	return &TrailingTask{
		engine:   engine,
		locker:   locker,
		interval: interval,
		lockTTL:  lockTTL,
		logger:   logger.Named("trailing-task"),
	}
}

func (t *TrailingTask) Name() string            { return "trailing" }
func (t *TrailingTask) Interval() time.Duration { return t.interval }

func (t *TrailingTask) Run(ctx context.Context) error {
	ok, err := t.locker.TryLock(ctx, trailingLockKey, t.lockTTL)
	if err != nil {
		return err
	}
	if !ok {
		t.logger.Debug("Trailing pass held by another instance")
		return nil
	}
	defer func() {
		if err := t.locker.Unlock(context.Background(), trailingLockKey); err != nil {
			t.logger.Warn("Failed to release trailing lock", zap.Error(err))
		}
	}()

	passCtx, cancel := context.WithTimeout(ctx, t.lockTTL)
	defer cancel()
	_, err = t.engine.RunPass(passCtx)
	return err
}

// InstructionCleanupTask deletes delivered instructions past retention.
type InstructionCleanupTask struct {
	instructions services.InstructionService
	retention    time.Duration
	interval     time.Duration
	logger       *zap.Logger
	now          func() time.Time
}

// NewInstructionCleanupTask creates the sent-instruction retention task.
func NewInstructionCleanupTask(instructions services.InstructionService, retention, interval time.Duration, logger *zap.Logger) *InstructionCleanupTask {
	return &InstructionCleanupTask{
		instructions: instructions,
		retention:    retention,
		interval:     interval,
		logger:       logger.Named("cleanup-task"),
		now:          time.Now,
	}
}

func (t *InstructionCleanupTask) Name() string            { return "instruction-cleanup" }
func (t *InstructionCleanupTask) Interval() time.Duration { return t.interval }

func (t *InstructionCleanupTask) Run(ctx context.Context) error {
	n, err := t.instructions.PurgeSent(ctx, t.now().Add(-t.retention))
	if err != nil {
		return err
	}
	if n > 0 {
		t.logger.Info("Purged delivered instructions", zap.Int64("count", n))
	}
	return nil
}
