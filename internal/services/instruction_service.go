package services

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/vikasavnish/agentbridge/internal/metrics"
	"github.com/vikasavnish/agentbridge/internal/models"
)

// InstructionService is the per-connection priority outbox drained by
// agent polls.
type InstructionService interface {
	Enqueue(ctx context.Context, connectionID uint, cmd models.Command, priority int) (*models.Instruction, error)
	EnqueueTx(tx *gorm.DB, connectionID uint, cmd models.Command, priority int) (*models.Instruction, error)
	EnqueueManual(ctx context.Context, userID, connectionID uint, req models.ManualInstructionRequest) (*models.Instruction, error)
	PollNext(ctx context.Context, credential string) (*models.Delivery, error)
	ListForConnection(ctx context.Context, userID, connectionID uint, limit int) ([]models.Instruction, error)
	PurgeSent(ctx context.Context, olderThan time.Time) (int64, error)
}

type instructionService struct {
	db     *gorm.DB
	logger *zap.Logger
	now    func() time.Time
}

// NewInstructionService creates a new instruction channel
func NewInstructionService(db *gorm.DB, logger *zap.Logger) InstructionService {
	return &instructionService{db: db, logger: logger.Named("instructions"), now: time.Now}
}

// maxClaimAttempts bounds retries when a concurrent poll claims the row
// we selected.
const maxClaimAttempts = 5

func (s *instructionService) Enqueue(ctx context.Context, connectionID uint, cmd models.Command, priority int) (*models.Instruction, error) {
	return s.EnqueueTx(s.db.WithContext(ctx), connectionID, cmd, priority)
}

// EnqueueTx appends a pending instruction. No de-duplication happens here.
func (s *instructionService) EnqueueTx(tx *gorm.DB, connectionID uint, cmd models.Command, priority int) (*models.Instruction, error) {
	if err := cmd.Validate(); err != nil {
		return nil, invalid(string(cmd.Action()), err.Error())
	}
	in := models.NewInstruction(connectionID, cmd, priority)
	in.CreatedAt = s.now()
	if err := tx.Create(in).Error; err != nil {
		return nil, fmt.Errorf("enqueue %s: %w", cmd.Action(), err)
	}
	metrics.RecordInstructionEnqueued(string(cmd.Action()))
	return in, nil
}

// EnqueueManual queues a user-issued command after checking the
// connection's risk limits.
func (s *instructionService) EnqueueManual(ctx context.Context, userID, connectionID uint, req models.ManualInstructionRequest) (*models.Instruction, error) {
	db := s.db.WithContext(ctx)
	conn, err := getOwnedConnection(db, userID, connectionID)
	if err != nil {
		return nil, err
	}
	if conn.Status != models.ConnectionActive {
		return nil, ErrConnectionNotActive
	}

	cmd, priority, err := req.Command()
	if err != nil {
		return nil, invalid(string(req.Action), err.Error())
	}

	switch c := cmd.(type) {
	case models.OpenCommand:
		if err := checkOpenAllowed(db, conn, c); err != nil {
			return nil, err
		}
	case models.CloseCommand:
		if err := checkTicketOpen(db, conn.ID, c.Ticket); err != nil {
			return nil, err
		}
	case models.ModifyCommand:
		if err := checkTicketOpen(db, conn.ID, c.Ticket); err != nil {
			return nil, err
		}
	}

	in, err := s.EnqueueTx(db, conn.ID, cmd, priority)
	if err != nil {
		return nil, err
	}
	s.logger.Info("Manual instruction queued",
		zap.Uint("connection_id", conn.ID),
		zap.String("action", string(in.Action)),
		zap.Int("priority", in.Priority))
	return in, nil
}

// checkTicketOpen rejects commands aimed at a ticket this connection
// does not hold open.
func checkTicketOpen(db *gorm.DB, connectionID uint, ticket int64) error {
	var n int64
	if err := db.Model(&models.Trade{}).
		Where("connection_id = ? AND ticket = ? AND status = ?", connectionID, ticket, models.TradeOpen).
		Count(&n).Error; err != nil {
		return err
	}
	if n == 0 {
		return invalid("ticket", fmt.Sprintf("no open trade %d on this connection", ticket))
	}
	return nil
}

func checkOpenAllowed(db *gorm.DB, conn *models.Connection, cmd models.OpenCommand) error {
	if cmd.Type == models.DirectionBuy && !conn.AllowBuy {
		return invalid("type", "buy orders are disabled for this connection")
	}
	if cmd.Type == models.DirectionSell && !conn.AllowSell {
		return invalid("type", "sell orders are disabled for this connection")
	}
	if conn.MaxLotSize > 0 && cmd.Size > conn.MaxLotSize {
		return invalid("size", fmt.Sprintf("exceeds max lot size %.2f", conn.MaxLotSize))
	}
	if conn.MaxOpenTrades > 0 {
		var open int64
		if err := db.Model(&models.Trade{}).
			Where("connection_id = ? AND status = ?", conn.ID, models.TradeOpen).
			Count(&open).Error; err != nil {
			return err
		}
		if open >= int64(conn.MaxOpenTrades) {
			return invalid("size", fmt.Sprintf("connection already has %d open trades", open))
		}
	}
	return nil
}

// PollNext claims the highest-priority pending instruction for the
// credential's connection. A nil delivery means nothing is pending. The
// pending->sent transition is a conditional update, so two concurrent polls
// never receive the same instruction.
func (s *instructionService) PollNext(ctx context.Context, credential string) (*models.Delivery, error) {
	db := s.db.WithContext(ctx)
	conn, err := requireActive(db, credential)
	if err != nil {
		metrics.RecordPoll("rejected")
		return nil, err
	}

	for attempt := 0; attempt < maxClaimAttempts; attempt++ {
		var (
			claimed *models.Instruction
			empty   bool
		)
		err := db.Transaction(func(tx *gorm.DB) error {
			var rows []models.Instruction
			if err := forUpdateSkipLocked(tx).
				Where("connection_id = ? AND status = ?", conn.ID, models.InstructionPending).
				Order("priority desc, id asc").
				Limit(1).
				Find(&rows).Error; err != nil {
				return err
			}
			if len(rows) == 0 {
				empty = true
				return nil
			}

			now := s.now()
			res := tx.Model(&models.Instruction{}).
				Where("id = ? AND status = ?", rows[0].ID, models.InstructionPending).
				Updates(map[string]interface{}{"status": models.InstructionSent, "sent_at": now})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 1 {
				rows[0].Status = models.InstructionSent
				rows[0].SentAt = &now
				claimed = &rows[0]
			}
			return nil
		})
		if err != nil {
			metrics.RecordPoll("error")
			return nil, err
		}
		if empty {
			metrics.RecordPoll("empty")
			return nil, nil
		}
		if claimed == nil {
			continue
		}

		cmd, err := claimed.Command()
		if err != nil {
			metrics.RecordPoll("error")
			return nil, err
		}
		metrics.RecordPoll("delivered")
		s.logger.Info("Instruction delivered",
			zap.Uint("connection_id", conn.ID),
			zap.Uint("instruction_id", claimed.ID),
			zap.String("action", string(claimed.Action)))
		return &models.Delivery{InstructionID: claimed.ID, Command: cmd}, nil
	}

	// Every attempt lost to a concurrent poll; the agent will poll again.
	metrics.RecordPoll("contended")
	return nil, nil
}

func (s *instructionService) ListForConnection(ctx context.Context, userID, connectionID uint, limit int) ([]models.Instruction, error) {
	db := s.db.WithContext(ctx)
	if _, err := getOwnedConnection(db, userID, connectionID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var out []models.Instruction
	err := db.Where("connection_id = ?", connectionID).
		Order("id desc").
		Limit(limit).
		Find(&out).Error
	return out, err
}

// PurgeSent deletes delivered instructions sent before olderThan.
func (s *instructionService) PurgeSent(ctx context.Context, olderThan time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("status = ? AND sent_at < ?", models.InstructionSent, olderThan).
		Delete(&models.Instruction{})
	return res.RowsAffected, res.Error
}
