package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/vikasavnish/agentbridge/internal/models"
)

// ConnectionService is the connection registry: lifecycle of
// (user, device, broker account) bindings.
type ConnectionService interface {
	Create(ctx context.Context, userID uint, req models.CreateConnectionRequest) (*models.CreateConnectionResponse, error)
	List(ctx context.Context, userID uint) ([]models.ConnectionSummary, error)
	GetOwned(ctx context.Context, userID, connectionID uint) (*models.Connection, error)
	Revoke(ctx context.Context, userID, connectionID uint) error
	UpdateRisk(ctx context.Context, userID, connectionID uint, fields map[string]json.RawMessage) (*models.ConnectionSummary, error)
	SetSuspended(ctx context.Context, actor string, connectionID uint, suspended bool) (*models.Connection, error)

	// Authenticate resolves a credential to its connection whatever the status.
	Authenticate(ctx context.Context, credential string) (*models.Connection, error)
	// RequireActive resolves a credential and rejects non-active connections.
	RequireActive(ctx context.Context, credential string) (*models.Connection, error)
}

type connectionService struct {
	db     *gorm.DB
	plans  PlanService
	audit  AuditService
	logger *zap.Logger
	now    func() time.Time
}

// NewConnectionService creates a new connection registry
func NewConnectionService(db *gorm.DB, plans PlanService, audit AuditService, logger *zap.Logger) ConnectionService {
	return &connectionService{
		db:     db,
		plans:  plans,
		audit:  audit,
		logger: logger.Named("connections"),
		now:    time.Now,
	}
}

// HashSecret is the stored form of credentials and device fingerprints.
func HashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

func newCredential() string {
	return strings.ReplaceAll(uuid.NewString()+uuid.NewString(), "-", "")
}

func (s *connectionService) Create(ctx context.Context, userID uint, req models.CreateConnectionRequest) (*models.CreateConnectionResponse, error) {
	if strings.TrimSpace(req.DeviceFingerprint) == "" {
		return nil, invalid("deviceFingerprint", "is required")
	}
	if strings.TrimSpace(req.AccountNumber) == "" {
		return nil, invalid("accountNumber", "is required")
	}
	if strings.TrimSpace(req.Platform) == "" {
		return nil, invalid("platform", "is required")
	}

	ent, err := s.plans.EntitlementsFor(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("lookup entitlements: %w", err)
	}
	if !ent.BridgingEnabled {
		return nil, &PlanLimitError{Limit: "bridging"}
	}

	credential := newCredential()
	deviceHash := HashSecret(req.DeviceFingerprint)
	conn := models.Connection{
		UserID:         userID,
		DeviceHash:     deviceHash,
		DeviceName:     req.DeviceName,
		CredentialHash: HashSecret(credential),
		AccountNumber:  req.AccountNumber,
		Platform:       req.Platform,
		BrokerName:     req.BrokerName,
		BrokerServer:   req.BrokerServer,
		Status:         models.ConnectionPending,
		Quality:        models.QualityOffline,
		RiskPerTrade:   1,
		MaxLotSize:     1,
		MaxOpenTrades:  5,
		AllowBuy:       true,
		AllowSell:      true,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := lockUser(tx, userID); err != nil {
			return err
		}
		var inUse int64
		if err := tx.Model(&models.Connection{}).
			Where("user_id = ? AND status <> ?", userID, models.ConnectionRevoked).
			Count(&inUse).Error; err != nil {
			return err
		}
		if inUse >= int64(ent.MaxAccounts) {
			return &PlanLimitError{Limit: "accounts", Max: ent.MaxAccounts, Current: inUse}
		}
		if inUse >= int64(ent.MaxDevices) {
			return &PlanLimitError{Limit: "devices", Max: ent.MaxDevices, Current: inUse}
		}

		var dup int64
		if err := tx.Model(&models.Connection{}).Where("device_hash = ?", deviceHash).Count(&dup).Error; err != nil {
			return err
		}
		if dup > 0 {
			return ErrDuplicateDevice
		}

		if err := tx.Create(&conn).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return ErrDuplicateDevice
			}
			return err
		}

		return s.audit.RecordTx(tx, AuditEvent{
			Actor:      userActor(userID),
			Action:     "connection.create",
			Resource:   "connection",
			ResourceID: idString(conn.ID),
			Metadata: map[string]interface{}{
				"accountNumber": conn.AccountNumber,
				"platform":      conn.Platform,
				"broker":        conn.BrokerName,
			},
		})
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Connection created",
		zap.Uint("connection_id", conn.ID),
		zap.Uint("user_id", userID),
		zap.String("platform", conn.Platform))

	return &models.CreateConnectionResponse{ConnectionID: conn.ID, Credential: credential}, nil
}

func (s *connectionService) List(ctx context.Context, userID uint) ([]models.ConnectionSummary, error) {
	var conns []models.Connection
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("id asc").
		Find(&conns).Error; err != nil {
		return nil, err
	}

	now := s.now()
	out := make([]models.ConnectionSummary, 0, len(conns))
	for _, c := range conns {
		var open int64
		if err := s.db.WithContext(ctx).Model(&models.Trade{}).
			Where("connection_id = ? AND status = ?", c.ID, models.TradeOpen).
			Count(&open).Error; err != nil {
			return nil, err
		}
		out = append(out, Summarize(now, c, open))
	}
	return out, nil
}

func (s *connectionService) GetOwned(ctx context.Context, userID, connectionID uint) (*models.Connection, error) {
	return getOwnedConnection(s.db.WithContext(ctx), userID, connectionID)
}

func getOwnedConnection(db *gorm.DB, userID, connectionID uint) (*models.Connection, error) {
	var conn models.Connection
	if err := db.First(&conn, connectionID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if conn.UserID != userID {
		return nil, ErrForbidden
	}
	return &conn, nil
}

func (s *connectionService) Revoke(ctx context.Context, userID, connectionID uint) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		conn, err := getOwnedConnection(tx, userID, connectionID)
		if err != nil {
			return err
		}
		if conn.Status == models.ConnectionRevoked {
			return nil
		}

		var open int64
		if err := tx.Model(&models.Trade{}).
			Where("connection_id = ? AND status = ?", conn.ID, models.TradeOpen).
			Count(&open).Error; err != nil {
			return err
		}
		if open > 0 {
			return &OpenTradesError{Count: open}
		}

		now := s.now()
		if err := tx.Model(&models.Connection{}).Where("id = ?", conn.ID).Updates(map[string]interface{}{
			"status":     models.ConnectionRevoked,
			"is_online":  false,
			"quality":    models.QualityOffline,
			"revoked_at": now,
		}).Error; err != nil {
			return err
		}

		return s.audit.RecordTx(tx, AuditEvent{
			Actor:      userActor(userID),
			Action:     "connection.revoke",
			Resource:   "connection",
			ResourceID: idString(conn.ID),
			Metadata:   map[string]interface{}{"previousStatus": conn.Status},
		})
	})
	if err != nil {
		return err
	}

	s.logger.Info("Connection revoked", zap.Uint("connection_id", connectionID), zap.Uint("user_id", userID))
	return nil
}

// riskField decodes and validates one risk setting.
type riskField struct {
	column string
	decode func(raw json.RawMessage) (interface{}, error)
}

func floatField(column string, check func(float64) error) riskField {
	return riskField{column: column, decode: func(raw json.RawMessage) (interface{}, error) {
		var v float64
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, errors.New("must be a number")
		}
		if err := check(v); err != nil {
			return nil, err
		}
		return v, nil
	}}
}

func boolField(column string) riskField {
	return riskField{column: column, decode: func(raw json.RawMessage) (interface{}, error) {
		var v bool
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, errors.New("must be a boolean")
		}
		return v, nil
	}}
}

var riskFields = map[string]riskField{
	"riskPerTrade": floatField("risk_per_trade", func(v float64) error {
		if v <= 0 || v > 100 {
			return errors.New("must be between 0 and 100")
		}
		return nil
	}),
	"maxLotSize": floatField("max_lot_size", func(v float64) error {
		if v <= 0 {
			return errors.New("must be positive")
		}
		return nil
	}),
	"maxOpenTrades": floatField("max_open_trades", func(v float64) error {
		if v < 0 || v != float64(int(v)) {
			return errors.New("must be a non-negative integer")
		}
		return nil
	}),
	"dailyLossLimit": floatField("daily_loss_limit", func(v float64) error {
		if v < 0 {
			return errors.New("must not be negative")
		}
		return nil
	}),
	"allowBuy":  boolField("allow_buy"),
	"allowSell": boolField("allow_sell"),
}

// UpdateRisk applies a partial update. Unknown fields are ignored; any
// invalid known field rejects the whole update.
func (s *connectionService) UpdateRisk(ctx context.Context, userID, connectionID uint, fields map[string]json.RawMessage) (*models.ConnectionSummary, error) {
	updates := map[string]interface{}{}
	for name, raw := range fields {
		f, ok := riskFields[name]
		if !ok {
			continue
		}
		v, err := f.decode(raw)
		if err != nil {
			return nil, invalid(name, err.Error())
		}
		if f.column == "max_open_trades" {
			v = int(v.(float64))
		}
		updates[f.column] = v
	}

	var conn *models.Connection
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		conn, err = getOwnedConnection(tx, userID, connectionID)
		if err != nil {
			return err
		}
		if len(updates) == 0 {
			return nil
		}
		if err := tx.Model(&models.Connection{}).Where("id = ?", conn.ID).Updates(updates).Error; err != nil {
			return err
		}
		if err := tx.First(conn, conn.ID).Error; err != nil {
			return err
		}
		return s.audit.RecordTx(tx, AuditEvent{
			Actor:      userActor(userID),
			Action:     "connection.risk_update",
			Resource:   "connection",
			ResourceID: idString(conn.ID),
			Metadata:   updates,
		})
	})
	if err != nil {
		return nil, err
	}

	var open int64
	if err := s.db.WithContext(ctx).Model(&models.Trade{}).
		Where("connection_id = ? AND status = ?", conn.ID, models.TradeOpen).
		Count(&open).Error; err != nil {
		return nil, err
	}
	summary := Summarize(s.now(), *conn, open)
	return &summary, nil
}

// SetSuspended moves active<->suspended. Other transitions are rejected.
func (s *connectionService) SetSuspended(ctx context.Context, actor string, connectionID uint, suspended bool) (*models.Connection, error) {
	from, to, action := models.ConnectionActive, models.ConnectionSuspended, "connection.suspend"
	if !suspended {
		from, to, action = models.ConnectionSuspended, models.ConnectionActive, "connection.resume"
	}

	var conn models.Connection
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&conn, connectionID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		if conn.Status == to {
			return nil
		}
		res := tx.Model(&models.Connection{}).
			Where("id = ? AND status = ?", connectionID, from).
			Update("status", to)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return invalid("status", fmt.Sprintf("cannot move from %s to %s", conn.Status, to))
		}
		conn.Status = to
		return s.audit.RecordTx(tx, AuditEvent{
			Actor:      actor,
			Action:     action,
			Resource:   "connection",
			ResourceID: idString(conn.ID),
		})
	})
	if err != nil {
		return nil, err
	}
	return &conn, nil
}

func (s *connectionService) Authenticate(ctx context.Context, credential string) (*models.Connection, error) {
	return authenticate(s.db.WithContext(ctx), credential)
}

func authenticate(db *gorm.DB, credential string) (*models.Connection, error) {
	if strings.TrimSpace(credential) == "" {
		return nil, ErrInvalidCredential
	}
	var conns []models.Connection
	if err := db.Where("credential_hash = ?", HashSecret(credential)).Limit(1).Find(&conns).Error; err != nil {
		return nil, err
	}
	if len(conns) == 0 {
		return nil, ErrInvalidCredential
	}
	return &conns[0], nil
}

func (s *connectionService) RequireActive(ctx context.Context, credential string) (*models.Connection, error) {
	return requireActive(s.db.WithContext(ctx), credential)
}

func requireActive(db *gorm.DB, credential string) (*models.Connection, error) {
	conn, err := authenticate(db, credential)
	if err != nil {
		return nil, err
	}
	if conn.Status != models.ConnectionActive {
		return nil, ErrConnectionNotActive
	}
	return conn, nil
}

func userActor(userID uint) string {
	return "user:" + idString(userID)
}

func connectionActor(connectionID uint) string {
	return "agent:" + idString(connectionID)
}

func idString(id uint) string {
	return strconv.FormatUint(uint64(id), 10)
}
