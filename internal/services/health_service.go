package services

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/vikasavnish/agentbridge/internal/metrics"
	"github.com/vikasavnish/agentbridge/internal/models"
)

// HealthService consumes agent liveness pings, account snapshots and
// fault reports.
type HealthService interface {
	RecordHeartbeat(ctx context.Context, req models.HeartbeatRequest) (*models.ConnectionSummary, error)
	RecordAccountUpdate(ctx context.Context, req models.AccountUpdateRequest) error
	RecordFault(ctx context.Context, req models.AgentErrorRequest) (*models.AgentError, error)
}

type healthService struct {
	db     *gorm.DB
	audit  AuditService
	logger *zap.Logger
	now    func() time.Time
}

// NewHealthService creates a new heartbeat and health tracker
func NewHealthService(db *gorm.DB, audit AuditService, logger *zap.Logger) HealthService {
	return &healthService{
		db:     db,
		audit:  audit,
		logger: logger.Named("health"),
		now:    time.Now,
	}
}

// Heartbeat age thresholds for read-time quality.
const (
	excellentWithin = time.Minute
	goodWithin      = 5 * time.Minute
	poorWithin      = 15 * time.Minute
)

// ClassifyQuality derives the quality tier from heartbeat recency.
func ClassifyQuality(now time.Time, lastHeartbeat *time.Time) models.Quality {
	if lastHeartbeat == nil {
		return models.QualityOffline
	}
	age := now.Sub(*lastHeartbeat)
	switch {
	case age < excellentWithin:
		return models.QualityExcellent
	case age < goodWithin:
		return models.QualityGood
	case age < poorWithin:
		return models.QualityPoor
	}
	return models.QualityOffline
}

var qualityRank = map[models.Quality]int{
	models.QualityExcellent: 0,
	models.QualityGood:      1,
	models.QualityPoor:      2,
	models.QualityOffline:   3,
}

// Summarize annotates a connection with health computed at now. A critical
// fault pins the connection offline; a degraded agent-reported status
// caps the tier at poor.
func Summarize(now time.Time, conn models.Connection, openTrades int64) models.ConnectionSummary {
	q := ClassifyQuality(now, conn.LastHeartbeat)
	if conn.FaultOffline || conn.Status == models.ConnectionRevoked {
		q = models.QualityOffline
	} else if conn.Quality == models.QualityPoor && qualityRank[q] < qualityRank[models.QualityPoor] {
		q = models.QualityPoor
	}

	s := models.ConnectionSummary{
		Connection: conn,
		Quality:    q,
		IsOnline:   q != models.QualityOffline,
		OpenTrades: openTrades,
	}
	if conn.LastHeartbeat != nil {
		secs := int64(now.Sub(*conn.LastHeartbeat) / time.Second)
		s.SecondsSince = &secs
	}
	return s
}

func (s *healthService) RecordHeartbeat(ctx context.Context, req models.HeartbeatRequest) (*models.ConnectionSummary, error) {
	db := s.db.WithContext(ctx)
	conn, err := authenticate(db, req.Credential)
	if err != nil {
		return nil, err
	}
	if conn.Status == models.ConnectionSuspended || conn.Status == models.ConnectionRevoked {
		return nil, ErrConnectionSuspended
	}

	quality := models.QualityPoor
	if strings.EqualFold(req.Status, "online") {
		quality = models.QualityExcellent
	}
	now := s.now()
	updates := map[string]interface{}{
		"last_heartbeat": now,
		"is_online":      true,
		"quality":        quality,
		"fault_offline":  false,
		"status":         models.ConnectionActive,
	}
	if req.AgentVersion != "" {
		updates["agent_version"] = req.AgentVersion
	}

	// Only pending and active rows take a heartbeat; a concurrent suspend wins.
	res := db.Model(&models.Connection{}).
		Where("id = ? AND status IN ?", conn.ID, []models.ConnectionStatus{models.ConnectionPending, models.ConnectionActive}).
		Updates(updates)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, ErrConnectionSuspended
	}

	if conn.Status == models.ConnectionPending {
		s.logger.Info("Connection activated by first heartbeat", zap.Uint("connection_id", conn.ID))
		if err := s.audit.Record(ctx, AuditEvent{
			Actor:      connectionActor(conn.ID),
			Action:     "connection.activate",
			Resource:   "connection",
			ResourceID: idString(conn.ID),
			Metadata:   map[string]interface{}{"agentVersion": req.AgentVersion},
		}); err != nil {
			return nil, err
		}
	}

	if err := db.First(conn, conn.ID).Error; err != nil {
		return nil, err
	}
	metrics.RecordHeartbeat(string(quality))

	summary := Summarize(now, *conn, 0)
	return &summary, nil
}

func (s *healthService) RecordAccountUpdate(ctx context.Context, req models.AccountUpdateRequest) error {
	db := s.db.WithContext(ctx)
	conn, err := requireActive(db, req.Credential)
	if err != nil {
		return err
	}
	if req.Leverage < 0 {
		return invalid("leverage", "must not be negative")
	}

	updates := map[string]interface{}{
		"balance":            req.Balance,
		"equity":             req.Equity,
		"free_margin":        req.FreeMargin,
		"margin_level":       req.MarginLevel,
		"leverage":           req.Leverage,
		"account_updated_at": s.now(),
	}
	if req.Currency != "" {
		updates["currency"] = strings.ToUpper(req.Currency)
	}
	return db.Model(&models.Connection{}).Where("id = ?", conn.ID).Updates(updates).Error
}

// RecordFault stores an agent fault. Critical faults force the connection
// offline until its next heartbeat; the caller still acknowledges them.
func (s *healthService) RecordFault(ctx context.Context, req models.AgentErrorRequest) (*models.AgentError, error) {
	db := s.db.WithContext(ctx)
	conn, err := authenticate(db, req.Credential)
	if err != nil {
		return nil, err
	}
	if conn.Status == models.ConnectionRevoked {
		return nil, ErrConnectionNotActive
	}
	if strings.TrimSpace(req.FaultType) == "" {
		return nil, invalid("faultType", "is required")
	}
	if strings.TrimSpace(req.Message) == "" {
		return nil, invalid("message", "is required")
	}

	fault := models.AgentError{
		ConnectionID: conn.ID,
		FaultType:    req.FaultType,
		Code:         req.Code,
		Message:      req.Message,
		Ticket:       req.Ticket,
		Critical:     models.IsCriticalFault(req.FaultType),
		CreatedAt:    s.now(),
	}

	err = db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&fault).Error; err != nil {
			return err
		}
		if fault.Critical {
			if err := tx.Model(&models.Connection{}).Where("id = ?", conn.ID).Updates(map[string]interface{}{
				"is_online":     false,
				"quality":       models.QualityOffline,
				"fault_offline": true,
			}).Error; err != nil {
				return err
			}
		}
		meta := map[string]interface{}{
			"faultType": fault.FaultType,
			"code":      fault.Code,
			"message":   fault.Message,
			"critical":  fault.Critical,
		}
		if fault.Ticket != nil {
			meta["ticket"] = *fault.Ticket
		}
		return s.audit.RecordTx(tx, AuditEvent{
			Actor:      connectionActor(conn.ID),
			Action:     "agent.fault",
			Resource:   "connection",
			ResourceID: idString(conn.ID),
			Metadata:   meta,
		})
	})
	if err != nil {
		return nil, err
	}

	metrics.RecordAgentFault(fault.FaultType, fault.Critical)
	if fault.Critical {
		s.logger.Warn("Critical agent fault, connection forced offline",
			zap.Uint("connection_id", conn.ID),
			zap.String("fault_type", fault.FaultType),
			zap.String("message", fault.Message))
	}
	return &fault, nil
}
