package trailing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/vikasavnish/agentbridge/internal/indicators"
	"github.com/vikasavnish/agentbridge/internal/marketdata"
	"github.com/vikasavnish/agentbridge/internal/metrics"
	"github.com/vikasavnish/agentbridge/internal/models"
	"github.com/vikasavnish/agentbridge/internal/services"
)

// Options tune the engine independently of per-connection configuration.
type Options struct {
	CandleCloseWindow time.Duration
	CandleLimit       int
}

// PassSummary counts what one pass did.
type PassSummary struct {
	Evaluated  int
	BreakEvens int
	Trails     int
	Skipped    map[string]int
}

func (s *PassSummary) skip(reason string) {
	if s.Skipped == nil {
		s.Skipped = map[string]int{}
	}
	s.Skipped[reason]++
}

// errRaced means another writer changed the trade first; the pass moves on.
var errRaced = errors.New("trade changed during evaluation")

// Engine is the trailing-stop decision engine. It does not schedule itself;
// callers invoke RunPass.
type Engine struct {
	db           *gorm.DB
	configs      services.TrailingConfigService
	instructions services.InstructionService
	audit        services.AuditService
	candles      marketdata.CandleSource
	opts         Options
	logger       *zap.Logger
	now          func() time.Time
}

// NewEngine creates a new decision engine.
func NewEngine(
	db *gorm.DB,
	configs services.TrailingConfigService,
	instructions services.InstructionService,
	audit services.AuditService,
	candles marketdata.CandleSource,
	opts Options,
	logger *zap.Logger,
) *Engine {
	if opts.CandleLimit <= 0 {
		opts.CandleLimit = 100
	}
	return &Engine{
		db:           db,
		configs:      configs,
		instructions: instructions,
		audit:        audit,
		candles:      candles,
		opts:         opts,
		logger:       logger.Named("trailing"),
		now:          time.Now,
	}
}

type candleKey struct{ symbol, timeframe string }

type candleResult struct {
	candles []indicators.Candle
	err     error
}

// RunPass evaluates every open trade of every connection with trailing
// enabled. A trade that cannot be evaluated is skipped until the next pass.
func (e *Engine) RunPass(ctx context.Context) (PassSummary, error) {
	start := e.now()
	summary := PassSummary{Skipped: map[string]int{}}
	defer func() { metrics.ObserveTrailingPass(time.Since(start)) }()

	cfgs, err := e.configs.Enabled(ctx)
	if err != nil {
		return summary, fmt.Errorf("load trailing configs: %w", err)
	}

	// Candles are shared by trades on the same symbol within one pass only.
	cache := map[candleKey]candleResult{}
	loader := func(symbol, timeframe string) CandleLoader {
		return func() ([]indicators.Candle, error) {
			k := candleKey{symbol, timeframe}
			if r, ok := cache[k]; ok {
				return r.candles, r.err
			}
			c, err := e.candles.Candles(ctx, symbol, timeframe, e.opts.CandleLimit)
			if err != nil {
				e.logger.Warn("Candles unavailable, skipping symbol this pass",
					zap.String("symbol", symbol), zap.String("timeframe", timeframe), zap.Error(err))
			}
			cache[k] = candleResult{c, err}
			return c, err
		}
	}

	for _, cfg := range cfgs {
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		var conn models.Connection
		if err := e.db.WithContext(ctx).Select("id", "status").First(&conn, cfg.ConnectionID).Error; err != nil {
			e.logger.Warn("Trailing config without connection", zap.Uint("connection_id", cfg.ConnectionID), zap.Error(err))
			continue
		}

		var trades []models.Trade
		if err := e.db.WithContext(ctx).
			Where("connection_id = ? AND status = ?", cfg.ConnectionID, models.TradeOpen).
			Order("id asc").
			Find(&trades).Error; err != nil {
			return summary, fmt.Errorf("load open trades: %w", err)
		}

		for _, trade := range trades {
			summary.Evaluated++
			if conn.Status != models.ConnectionActive {
				summary.skip(SkipConnection)
				metrics.RecordTrailingDecision(SkipConnection)
				continue
			}

			outcome, err := e.evaluate(ctx, cfg, trade, loader(trade.Symbol, cfg.Timeframe))
			if err != nil {
				if errors.Is(err, errRaced) {
					outcome = SkipRaced
				} else {
					e.logger.Error("Trailing evaluation failed",
						zap.Int64("ticket", trade.Ticket), zap.Error(err))
					outcome = "error"
				}
			}

			switch outcome {
			case string(KindBreakEven):
				summary.BreakEvens++
			case string(KindTrail):
				summary.Trails++
			default:
				summary.skip(outcome)
			}
			metrics.RecordTrailingDecision(outcome)
		}
	}

	e.logger.Info("Trailing pass complete",
		zap.Int("evaluated", summary.Evaluated),
		zap.Int("breakevens", summary.BreakEvens),
		zap.Int("trails", summary.Trails),
		zap.Any("skipped", summary.Skipped),
		zap.Duration("took", time.Since(start)))
	return summary, nil
}

// evaluate decides for one trade and persists the decision. It returns the
// decision kind or the skip reason.
func (e *Engine) evaluate(ctx context.Context, cfg models.TrailingConfig, trade models.Trade, load CandleLoader) (string, error) {
	last, err := e.audit.LastTrailingLog(ctx, trade.Ticket)
	if err != nil {
		return "", err
	}

	d := Decide(Input{
		Trade:             trade,
		Config:            cfg,
		LastAdjustment:    last,
		Now:               e.now(),
		CandleCloseWindow: e.opts.CandleCloseWindow,
	}, load)

	switch d.Kind {
	case KindBreakEven:
		if err := e.applyBreakEven(ctx, cfg, trade, d); err != nil {
			return "", err
		}
	case KindTrail:
		if err := e.applyTrail(ctx, cfg, trade, d); err != nil {
			return "", err
		}
	default:
		return d.SkipReason, nil
	}
	return string(d.Kind), nil
}

// applyBreakEven flips break_even_hit with a conditional update so the
// instruction is enqueued at most once per trade.
func (e *Engine) applyBreakEven(ctx context.Context, cfg models.TrailingConfig, trade models.Trade, d Decision) error {
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Trade{}).
			Where("id = ? AND status = ? AND break_even_hit = ?", trade.ID, models.TradeOpen, false).
			Updates(map[string]interface{}{"break_even_hit": true, "trailing_active": true})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errRaced
		}
		if !d.SendInstruction {
			return nil
		}

		cmd := models.BreakEvenCommand{Ticket: trade.Ticket, StopLoss: d.NewStopLoss}
		if _, err := e.instructions.EnqueueTx(tx, trade.ConnectionID, cmd, models.PriorityBreakEven); err != nil {
			return err
		}
		return tx.Create(e.logEntry(trade, d, models.ReasonBreakEven)).Error
	})
	if err != nil {
		return err
	}

	fields := []zap.Field{
		zap.Uint("connection_id", trade.ConnectionID),
		zap.Int64("ticket", trade.Ticket),
		zap.Float64("old_sl", d.OldStopLoss),
		zap.Float64("new_sl", d.NewStopLoss),
		zap.Float64("r_multiple", d.RMultiple),
		zap.Bool("instruction_sent", d.SendInstruction),
	}
	if cfg.AlertOnBreakEven {
		fields = append(fields, zap.Bool("alert", true))
	}
	e.logger.Info("Break-even triggered", fields...)
	return nil
}

func (e *Engine) applyTrail(ctx context.Context, cfg models.TrailingConfig, trade models.Trade, d Decision) error {
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Trade{}).
			Where("id = ? AND status = ?", trade.ID, models.TradeOpen).
			Updates(map[string]interface{}{
				"trail_count":     gorm.Expr("trail_count + ?", 1),
				"trailing_active": true,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errRaced
		}

		cmd := models.TrailCommand{Ticket: trade.Ticket, StopLoss: d.NewStopLoss}
		if _, err := e.instructions.EnqueueTx(tx, trade.ConnectionID, cmd, models.PriorityTrail); err != nil {
			return err
		}
		return tx.Create(e.logEntry(trade, d, models.ReasonTrailingStop)).Error
	})
	if err != nil {
		return err
	}

	fields := []zap.Field{
		zap.Uint("connection_id", trade.ConnectionID),
		zap.Int64("ticket", trade.Ticket),
		zap.String("mode", string(cfg.Mode)),
		zap.Float64("old_sl", d.OldStopLoss),
		zap.Float64("new_sl", d.NewStopLoss),
		zap.Float64("atr", d.ATR),
	}
	if cfg.AlertOnTrail {
		fields = append(fields, zap.Bool("alert", true))
	}
	e.logger.Info("Trailing stop moved", fields...)
	return nil
}

func (e *Engine) logEntry(trade models.Trade, d Decision, reason string) *models.TrailingLog {
	return &models.TrailingLog{
		TradeID:         trade.ID,
		Ticket:          trade.Ticket,
		OldSL:           d.OldStopLoss,
		NewSL:           d.NewStopLoss,
		MovePips:        d.MovePips,
		Reason:          reason,
		ATRValue:        d.ATR,
		RMultiple:       d.RMultiple,
		StructureType:   d.StructureType,
		PullbackPercent: d.PullbackPercent,
		CreatedAt:       e.now(),
	}
}
