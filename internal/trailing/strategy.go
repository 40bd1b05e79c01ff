package trailing

import (
	"math"

	"github.com/vikasavnish/agentbridge/internal/indicators"
	"github.com/vikasavnish/agentbridge/internal/models"
)

// Market is what a stop strategy sees of one trade at decision time.
type Market struct {
	Symbol  string
	Long    bool
	Price   float64
	Candles []indicators.Candle
	// ATR is the latest smoothed ATR; 0 when it could not be computed.
	ATR    float64
	Config models.TrailingConfig
}

// Candidate is a proposed stop-loss.
type Candidate struct {
	StopLoss      float64
	Source        string
	StructureType string
}

// Distance from price to the candidate stop.
func (c Candidate) Distance(price float64) float64 {
	return math.Abs(price - c.StopLoss)
}

// StopStrategy proposes a candidate stop for one trade.
type StopStrategy interface {
	// Name returns the mode the strategy implements.
	Name() models.TrailingMode

	// Candidate returns false when the strategy has nothing to propose.
	Candidate(m Market) (Candidate, bool)
}

// StrategyFor returns the strategy for a configured mode.
func StrategyFor(mode models.TrailingMode) StopStrategy {
	switch mode {
	case models.ModeStructure:
		return StructureStrategy{}
	case models.ModeHybrid:
		return HybridStrategy{}
	}
	return ATRStrategy{}
}

// ATRStrategy keeps the stop a multiple of ATR away from price.
type ATRStrategy struct{}

func (ATRStrategy) Name() models.TrailingMode { return models.ModeATR }

func (ATRStrategy) Candidate(m Market) (Candidate, bool) {
	if m.ATR <= 0 || m.Price <= 0 {
		return Candidate{}, false
	}
	offset := m.Config.ATRMultiplier * m.ATR
	sl := m.Price - offset
	if !m.Long {
		sl = m.Price + offset
	}
	return Candidate{StopLoss: sl, Source: string(models.ModeATR)}, true
}

// StructureStrategy places the stop just beyond the most recent swing on
// the protective side of price.
type StructureStrategy struct{}

func (StructureStrategy) Name() models.TrailingMode { return models.ModeStructure }

func (StructureStrategy) Candidate(m Market) (Candidate, bool) {
	cfg := m.Config
	opts := indicators.SwingOptions{Strength: cfg.StructureSwingStrength, IgnoreWicks: cfg.StructureIgnoreWicks}
	scale := models.PipScale(m.Symbol)
	buffer := cfg.StructureSensitivity / scale

	var swings []indicators.Swing
	if m.Long {
		swings = indicators.SwingLows(m.Candles, opts)
	} else {
		swings = indicators.SwingHighs(m.Candles, opts)
	}

	for i := len(swings) - 1; i >= 0; i-- {
		s := swings[i]
		gap := (m.Price - s.Price) * scale
		if !m.Long {
			gap = -gap
		}
		if gap <= 0 || gap < cfg.StructureMinSwingPips {
			continue
		}
		sl := s.Price - buffer
		if !m.Long {
			sl = s.Price + buffer
		}
		return Candidate{StopLoss: sl, Source: string(models.ModeStructure), StructureType: string(s.Kind)}, true
	}
	return Candidate{}, false
}

// HybridStrategy takes the looser of the ATR and structure candidates, or
// whichever one exists.
type HybridStrategy struct{}

func (HybridStrategy) Name() models.TrailingMode { return models.ModeHybrid }

func (HybridStrategy) Candidate(m Market) (Candidate, bool) {
	a, okA := ATRStrategy{}.Candidate(m)
	s, okS := StructureStrategy{}.Candidate(m)
	switch {
	case okA && okS:
		if s.Distance(m.Price) > a.Distance(m.Price) {
			return s, true
		}
		return a, true
	case okA:
		return a, true
	case okS:
		return s, true
	}
	return Candidate{}, false
}
