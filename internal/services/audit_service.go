package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/vikasavnish/agentbridge/internal/models"
)

// AuditEvent is one append-only audit record.
type AuditEvent struct {
	Actor      string
	Action     string
	Resource   string
	ResourceID string
	Metadata   map[string]interface{}
}

// AuditService is the append-only audit sink plus the agent fault and
// trailing-decision history readers.
type AuditService interface {
	Record(ctx context.Context, ev AuditEvent) error
	RecordTx(tx *gorm.DB, ev AuditEvent) error
	ListForResource(ctx context.Context, resource, resourceID string, limit int) ([]models.AuditEntry, error)
	ListAgentErrors(ctx context.Context, connectionID uint, limit int) ([]models.AgentError, error)
	TrailingLogsForTicket(ctx context.Context, ticket int64) ([]models.TrailingLog, error)
	LastTrailingLog(ctx context.Context, ticket int64) (*models.TrailingLog, error)
}

type auditService struct {
	db     *gorm.DB
	logger *zap.Logger
	now    func() time.Time
}

// NewAuditService creates a new audit service
func NewAuditService(db *gorm.DB, logger *zap.Logger) AuditService {
	return &auditService{db: db, logger: logger.Named("audit"), now: time.Now}
}

func (s *auditService) Record(ctx context.Context, ev AuditEvent) error {
	return s.RecordTx(s.db.WithContext(ctx), ev)
}

// RecordTx writes the entry inside the caller's transaction.
func (s *auditService) RecordTx(tx *gorm.DB, ev AuditEvent) error {
	meta := []byte("{}")
	if len(ev.Metadata) > 0 {
		b, err := json.Marshal(ev.Metadata)
		if err != nil {
			return fmt.Errorf("encode audit metadata: %w", err)
		}
		meta = b
	}
	entry := models.AuditEntry{
		Actor:      ev.Actor,
		Action:     ev.Action,
		Resource:   ev.Resource,
		ResourceID: ev.ResourceID,
		Metadata:   datatypes.JSON(meta),
		CreatedAt:  s.now(),
	}
	if err := tx.Create(&entry).Error; err != nil {
		s.logger.Error("Failed to write audit entry", zap.String("action", ev.Action), zap.Error(err))
		return fmt.Errorf("write audit entry: %w", err)
	}
	return nil
}

// historyLimit bounds history reads. Zero or negative means the default.
func historyLimit(limit int) int {
	switch {
	case limit <= 0:
		return 50
	case limit > 500:
		return 500
	}
	return limit
}

func (s *auditService) ListForResource(ctx context.Context, resource, resourceID string, limit int) ([]models.AuditEntry, error) {
	entries := []models.AuditEntry{}
	err := s.db.WithContext(ctx).
		Where("resource = ? AND resource_id = ?", resource, resourceID).
		Order("id desc").
		Limit(historyLimit(limit)).
		Find(&entries).Error
	return entries, err
}

func (s *auditService) ListAgentErrors(ctx context.Context, connectionID uint, limit int) ([]models.AgentError, error) {
	errs := []models.AgentError{}
	err := s.db.WithContext(ctx).
		Where("connection_id = ?", connectionID).
		Order("id desc").
		Limit(historyLimit(limit)).
		Find(&errs).Error
	return errs, err
}

func (s *auditService) TrailingLogsForTicket(ctx context.Context, ticket int64) ([]models.TrailingLog, error) {
	logs := []models.TrailingLog{}
	err := s.db.WithContext(ctx).
		Where("ticket = ?", ticket).
		Order("id asc").
		Find(&logs).Error
	return logs, err
}

// LastTrailingLog returns nil when the ticket has never been adjusted.
func (s *auditService) LastTrailingLog(ctx context.Context, ticket int64) (*models.TrailingLog, error) {
	var logs []models.TrailingLog
	err := s.db.WithContext(ctx).
		Where("ticket = ?", ticket).
		Order("id desc").
		Limit(1).
		Find(&logs).Error
	if err != nil || len(logs) == 0 {
		return nil, err
	}
	return &logs[0], nil
}
