package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/vikasavnish/agentbridge/internal/metrics"
	"github.com/vikasavnish/agentbridge/internal/models"
)

// TradeSyncService reconciles agent-reported order state into trades.
type TradeSyncService interface {
	ApplyTradeReport(ctx context.Context, report models.TradeReport) (*models.Trade, error)
	GetTradesForConnection(ctx context.Context, userID, connectionID uint, status string) ([]models.TradeView, error)
	GetOwnedTrade(ctx context.Context, userID uint, ticket int64) (*models.Trade, error)
}

type tradeSyncService struct {
	db     *gorm.DB
	logger *zap.Logger
	now    func() time.Time
}

// NewTradeSyncService creates a new trade state synchronizer
func NewTradeSyncService(db *gorm.DB, logger *zap.Logger) TradeSyncService {
	return &tradeSyncService{db: db, logger: logger.Named("trades"), now: time.Now}
}

func validateReport(r *models.TradeReport) error {
	if r.Ticket <= 0 {
		return invalid("ticket", "must be positive")
	}
	if r.Status == "" {
		r.Status = models.TradeOpen
	}
	if r.Status != models.TradeOpen && r.Status != models.TradeClosed {
		return invalid("status", "must be open or closed")
	}
	r.Type = models.Direction(strings.ToLower(string(r.Type)))
	if r.Type != "" && r.Type != models.DirectionBuy && r.Type != models.DirectionSell {
		return invalid("type", "must be buy or sell")
	}
	return nil
}

// ApplyTradeReport upserts the trade for the report's ticket. Re-applying
// the same report leaves the stored trade unchanged.
func (s *tradeSyncService) ApplyTradeReport(ctx context.Context, report models.TradeReport) (*models.Trade, error) {
	db := s.db.WithContext(ctx)
	conn, err := requireActive(db, report.Credential)
	if err != nil {
		return nil, err
	}
	if err := validateReport(&report); err != nil {
		metrics.RecordTradeReport("invalid")
		return nil, err
	}

	var (
		trade  models.Trade
		result string
	)
	err = db.Transaction(func(tx *gorm.DB) error {
		fresh := s.newTrade(conn.ID, report)
		res := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "ticket"}},
			DoNothing: true,
		}).Create(&fresh)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 1 {
			trade, result = fresh, "created"
			return nil
		}

		if err := forUpdate(tx).Where("ticket = ?", report.Ticket).First(&trade).Error; err != nil {
			return err
		}
		if trade.ConnectionID != conn.ID {
			return ErrForbidden
		}
		if trade.Status == models.TradeClosed {
			result = "ignored"
			return nil
		}

		s.merge(&trade, report)
		result = "updated"
		if trade.Status == models.TradeClosed {
			result = "closed"
		}
		return tx.Save(&trade).Error
	})
	if err != nil {
		if errors.Is(err, ErrForbidden) {
			s.logger.Warn("Trade report for ticket owned by another connection",
				zap.Uint("connection_id", conn.ID), zap.Int64("ticket", report.Ticket))
		}
		metrics.RecordTradeReport("error")
		return nil, err
	}

	metrics.RecordTradeReport(result)
	s.logger.Debug("Trade report applied",
		zap.Int64("ticket", trade.Ticket),
		zap.String("result", result),
		zap.Float64("profit", trade.Profit))
	return &trade, nil
}

func (s *tradeSyncService) newTrade(connectionID uint, r models.TradeReport) models.Trade {
	t := models.Trade{
		Ticket:       r.Ticket,
		ConnectionID: connectionID,
		Symbol:       strings.ToUpper(r.Symbol),
		Type:         r.Type,
		Size:         r.Size,
		EntryPrice:   r.EntryPrice,
		CurrentPrice: r.CurrentPrice,
		Status:       models.TradeOpen,
		Profit:       r.Profit,
		MaxProfit:    r.Profit,
		MaxDrawdown:  r.Profit,
	}
	if t.Type == "" {
		t.Type = models.DirectionBuy
	}
	if r.StopLoss != nil {
		t.StopLoss = *r.StopLoss
		t.InitialStopLoss = *r.StopLoss
	}
	if r.TakeProfit != nil {
		t.TakeProfit = *r.TakeProfit
	}
	applyTPLevels(&t, r)
	markTPHits(&t)
	if r.Status == models.TradeClosed {
		s.close(&t, r)
	}
	return t
}

// merge folds a report into an open trade. Extremes and hit flags only
// move one way.
func (s *tradeSyncService) merge(t *models.Trade, r models.TradeReport) {
	t.CurrentPrice = r.CurrentPrice
	if r.StopLoss != nil {
		t.StopLoss = *r.StopLoss
		if t.InitialStopLoss == 0 {
			t.InitialStopLoss = *r.StopLoss
		}
	}
	if r.TakeProfit != nil {
		t.TakeProfit = *r.TakeProfit
	}
	if t.EntryPrice == 0 {
		t.EntryPrice = r.EntryPrice
	}
	if r.Size > 0 {
		t.Size = r.Size
	}

	t.Profit = r.Profit
	if r.Profit > t.MaxProfit {
		t.MaxProfit = r.Profit
	}
	if r.Profit < t.MaxDrawdown {
		t.MaxDrawdown = r.Profit
	}

	applyTPLevels(t, r)
	markTPHits(t)
	if r.Status == models.TradeClosed {
		s.close(t, r)
	}
}

func (s *tradeSyncService) close(t *models.Trade, r models.TradeReport) {
	now := s.now()
	t.Status = models.TradeClosed
	t.CloseTime = &now
	t.ClosePrice = r.ClosePrice
	if t.ClosePrice == 0 {
		t.ClosePrice = r.CurrentPrice
	}
	t.CloseReason = r.CloseReason
	t.TrailingActive = false
}

func applyTPLevels(t *models.Trade, r models.TradeReport) {
	set := func(dst *float64, v *float64) {
		if v != nil {
			*dst = *v
		}
	}
	set(&t.TP1, r.TP1)
	set(&t.TP2, r.TP2)
	set(&t.TP3, r.TP3)
	set(&t.TP4, r.TP4)
}

func markTPHits(t *models.Trade) {
	reached := func(level float64) bool {
		if level <= 0 || t.CurrentPrice <= 0 {
			return false
		}
		if t.IsLong() {
			return t.CurrentPrice >= level
		}
		return t.CurrentPrice <= level
	}
	t.TP1Hit = t.TP1Hit || reached(t.TP1)
	t.TP2Hit = t.TP2Hit || reached(t.TP2)
	t.TP3Hit = t.TP3Hit || reached(t.TP3)
	t.TP4Hit = t.TP4Hit || reached(t.TP4)
}

// ViewTrade derives pips and R-multiple from stored fields.
func ViewTrade(t models.Trade) models.TradeView {
	price := t.CurrentPrice
	if t.Status == models.TradeClosed && t.ClosePrice != 0 {
		price = t.ClosePrice
	}
	return models.TradeView{
		Trade:     t,
		Pips:      models.FavorablePips(t.Symbol, t.Type, t.EntryPrice, price),
		RMultiple: models.RMultiple(t.Symbol, t.Type, t.EntryPrice, t.RiskStop(), price),
	}
}

func (s *tradeSyncService) GetTradesForConnection(ctx context.Context, userID, connectionID uint, status string) ([]models.TradeView, error) {
	db := s.db.WithContext(ctx)
	if _, err := getOwnedConnection(db, userID, connectionID); err != nil {
		return nil, err
	}

	q := db.Where("connection_id = ?", connectionID)
	switch models.TradeStatus(status) {
	case "":
	case models.TradeOpen, models.TradeClosed:
		q = q.Where("status = ?", status)
	default:
		return nil, invalid("status", "must be open or closed")
	}

	var trades []models.Trade
	if err := q.Order("id desc").Find(&trades).Error; err != nil {
		return nil, err
	}
	views := make([]models.TradeView, 0, len(trades))
	for _, t := range trades {
		views = append(views, ViewTrade(t))
	}
	return views, nil
}

// GetOwnedTrade loads a trade by ticket and checks the caller owns its
// connection.
func (s *tradeSyncService) GetOwnedTrade(ctx context.Context, userID uint, ticket int64) (*models.Trade, error) {
	db := s.db.WithContext(ctx)
	var trade models.Trade
	if err := db.Where("ticket = ?", ticket).First(&trade).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if _, err := getOwnedConnection(db, userID, trade.ConnectionID); err != nil {
		return nil, err
	}
	return &trade, nil
}
