package services

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/vikasavnish/agentbridge/internal/models"
)

// TrailingConfigService owns the one-per-connection trailing configuration.
type TrailingConfigService interface {
	Get(ctx context.Context, userID, connectionID uint) (*models.TrailingConfig, error)
	Update(ctx context.Context, userID, connectionID uint, fields map[string]json.RawMessage) (*models.TrailingConfig, error)
	ForConnection(ctx context.Context, connectionID uint) (*models.TrailingConfig, error)
	Enabled(ctx context.Context) ([]models.TrailingConfig, error)
}

type trailingConfigService struct {
	db     *gorm.DB
	audit  AuditService
	logger *zap.Logger
}

// NewTrailingConfigService creates a new trailing configuration service
func NewTrailingConfigService(db *gorm.DB, audit AuditService, logger *zap.Logger) TrailingConfigService {
	return &trailingConfigService{db: db, audit: audit, logger: logger.Named("trailing_config")}
}

func (s *trailingConfigService) Get(ctx context.Context, userID, connectionID uint) (*models.TrailingConfig, error) {
	db := s.db.WithContext(ctx)
	if _, err := getOwnedConnection(db, userID, connectionID); err != nil {
		return nil, err
	}
	return loadOrCreateConfig(db, connectionID)
}

// ForConnection returns the configuration, creating the default row on
// first read.
func (s *trailingConfigService) ForConnection(ctx context.Context, connectionID uint) (*models.TrailingConfig, error) {
	return loadOrCreateConfig(s.db.WithContext(ctx), connectionID)
}

func loadOrCreateConfig(db *gorm.DB, connectionID uint) (*models.TrailingConfig, error) {
	def := models.DefaultTrailingConfig(connectionID)
	if err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "connection_id"}},
		DoNothing: true,
	}).Create(&def).Error; err != nil {
		return nil, err
	}
	var cfg models.TrailingConfig
	if err := db.Where("connection_id = ?", connectionID).First(&cfg).Error; err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Enabled lists configurations with trailing switched on.
func (s *trailingConfigService) Enabled(ctx context.Context) ([]models.TrailingConfig, error) {
	var cfgs []models.TrailingConfig
	err := s.db.WithContext(ctx).Where("enabled = ?", true).Order("connection_id asc").Find(&cfgs).Error
	return cfgs, err
}

var immutableConfigFields = map[string]bool{
	"id":           true,
	"connectionId": true,
	"createdAt":    true,
	"updatedAt":    true,
}

// Update applies a partial update. Each known field is decoded on its own
// so a bad value names its field; unknown fields are ignored.
func (s *trailingConfigService) Update(ctx context.Context, userID, connectionID uint, fields map[string]json.RawMessage) (*models.TrailingConfig, error) {
	db := s.db.WithContext(ctx)
	if _, err := getOwnedConnection(db, userID, connectionID); err != nil {
		return nil, err
	}

	var cfg *models.TrailingConfig
	err := db.Transaction(func(tx *gorm.DB) error {
		current, err := loadOrCreateConfig(tx, connectionID)
		if err != nil {
			return err
		}
		known, err := configFieldNames(*current)
		if err != nil {
			return err
		}

		next := *current
		changed := map[string]interface{}{}
		for name, raw := range fields {
			if !known[name] || immutableConfigFields[name] {
				continue
			}
			single, _ := json.Marshal(map[string]json.RawMessage{name: raw})
			if err := json.Unmarshal(single, &next); err != nil {
				return invalid(name, "has the wrong type")
			}
			changed[name] = raw
		}
		next.ID, next.ConnectionID, next.CreatedAt = current.ID, current.ConnectionID, current.CreatedAt

		if err := ValidateTrailingConfig(next); err != nil {
			return err
		}
		if len(changed) == 0 {
			cfg = current
			return nil
		}
		if err := tx.Save(&next).Error; err != nil {
			return err
		}
		cfg = &next
		return s.audit.RecordTx(tx, AuditEvent{
			Actor:      userActor(userID),
			Action:     "trailing.update",
			Resource:   "connection",
			ResourceID: idString(connectionID),
			Metadata:   changed,
		})
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Trailing configuration updated",
		zap.Uint("connection_id", connectionID),
		zap.Bool("enabled", cfg.Enabled),
		zap.String("mode", string(cfg.Mode)))
	return cfg, nil
}

func configFieldNames(cfg models.TrailingConfig) (map[string]bool, error) {
	b, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	names := make(map[string]bool, len(m))
	for k := range m {
		names[k] = true
	}
	return names, nil
}

// ValidateTrailingConfig checks value ranges of a full configuration.
func ValidateTrailingConfig(c models.TrailingConfig) error {
	checks := []struct {
		field string
		bad   bool
		msg   string
	}{
		{"mode", c.Mode != models.ModeATR && c.Mode != models.ModeStructure && c.Mode != models.ModeHybrid, "must be atr, structure or hybrid"},
		{"timeframe", !validTimeframe(c.Timeframe), "unknown timeframe"},
		{"atrPeriod", c.ATRPeriod < 1 || c.ATRPeriod > 200, "must be between 1 and 200"},
		{"atrMultiplier", c.ATRMultiplier <= 0, "must be positive"},
		{"atrSmoothing", c.ATRSmoothing != models.SmoothingSMA && c.ATRSmoothing != models.SmoothingEMA && c.ATRSmoothing != models.SmoothingWilder, "must be sma, ema or wilder"},
		{"structureSensitivity", c.StructureSensitivity < 0, "must not be negative"},
		{"structureSwingStrength", c.StructureSwingStrength < 1 || c.StructureSwingStrength > 10, "must be between 1 and 10"},
		{"structureMinSwingPips", c.StructureMinSwingPips < 0, "must not be negative"},
		{"breakEvenR", c.BreakEvenR <= 0, "must be positive"},
		{"breakEvenPaddingPips", c.BreakEvenPaddingPips < 0, "must not be negative"},
		{"trailStepR", c.TrailStepR < 0, "must not be negative"},
		{"minTrailDistancePips", c.MinTrailDistancePips < 0, "must not be negative"},
		{"maxPullbackPercent", c.MaxPullbackPercent < 0 || c.MaxPullbackPercent > 100, "must be between 0 and 100"},
		{"volatilityThreshold", c.VolatilityThreshold <= 0, "must be positive"},
		{"volatilityPolicy", c.VolatilityPolicy != models.VolatilitySkip && c.VolatilityPolicy != models.VolatilityWiden, "must be skip or widen"},
		{"volatilityWidenFactor", c.VolatilityWidenFactor < 1, "must be at least 1"},
		{"delayBetweenModsSec", c.DelayBetweenModsSec < 0, "must not be negative"},
		{"ignoreNoiseUnderPips", c.IgnoreNoiseUnderPips < 0, "must not be negative"},
		{"tighterTrailMultiplier", c.TighterTrailMultiplier <= 0 || c.TighterTrailMultiplier > 1, "must be in (0, 1]"},
	}
	for _, ch := range checks {
		if ch.bad {
			return invalid(ch.field, ch.msg)
		}
	}
	return nil
}

func validTimeframe(tf string) bool {
	_, ok := models.TimeframeDuration(tf)
	return ok
}
