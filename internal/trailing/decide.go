package trailing

import (
	"math"
	"time"

	"github.com/vikasavnish/agentbridge/internal/indicators"
	"github.com/vikasavnish/agentbridge/internal/models"
)

// Kind of decision taken for one trade.
type Kind string

const (
	KindSkip      Kind = "skip"
	KindBreakEven Kind = "breakeven"
	KindTrail     Kind = "trail"
)

// Skip reasons.
const (
	SkipNoPrice          = "no_price"
	SkipCandleOpen       = "candle_open"
	SkipDelay            = "delay"
	SkipNoise            = "noise"
	SkipNotPastBreakEven = "not_past_breakeven"
	SkipNoMarketData     = "no_market_data"
	SkipNoCandidate      = "no_candidate"
	SkipVolatility       = "volatility"
	SkipNotTighter       = "not_tighter"
	SkipMinMove          = "min_move"
	SkipRaced            = "raced"
	SkipConnection       = "connection_inactive"
)

// CandleLoader fetches candles on demand; only trail steps need them.
type CandleLoader func() ([]indicators.Candle, error)

// Input is everything Decide reads for one trade.
type Input struct {
	Trade  models.Trade
	Config models.TrailingConfig
	// LastAdjustment is the newest trailing log for the ticket, if any.
	LastAdjustment *models.TrailingLog
	Now            time.Time
	// CandleCloseWindow is how long after a bar opens counts as its close.
	CandleCloseWindow time.Duration
}

// Decision is the outcome for one trade.
type Decision struct {
	Kind       Kind
	SkipReason string

	NewStopLoss float64
	// OldStopLoss is the stop the decision tightens from.
	OldStopLoss float64
	// SendInstruction is false for a break-even that would not tighten
	// the current stop; only the flag is set.
	SendInstruction bool

	MovePips        float64
	RMultiple       float64
	ATR             float64
	StructureType   string
	PullbackPercent *float64
}

// rTolerance absorbs float error in pip arithmetic, so 50 pips of profit
// on 50 pips of risk is exactly 1R.
const rTolerance = 1e-9

func reached(r, threshold float64) bool {
	return r+rTolerance >= threshold
}

func skip(reason string) Decision {
	return Decision{Kind: KindSkip, SkipReason: reason}
}

// effectiveStop is the tighter of the reported stop and the last stop we
// asked the agent to set. An unacknowledged instruction must not be repeated.
func effectiveStop(t models.Trade, last *models.TrailingLog) float64 {
	sl := t.StopLoss
	if last == nil || last.NewSL == 0 {
		return sl
	}
	if sl == 0 {
		return last.NewSL
	}
	if t.IsLong() {
		return math.Max(sl, last.NewSL)
	}
	return math.Min(sl, last.NewSL)
}

// tightens reports whether candidate reduces risk relative to current.
// With no current stop any candidate on the protective side of price does.
func tightens(long bool, current, candidate, price float64) bool {
	if current == 0 {
		if long {
			return candidate < price
		}
		return candidate > price
	}
	if long {
		return candidate > current
	}
	return candidate < current
}

// Decide evaluates one open trade: eligibility gates, then break-even,
// then the configured trailing strategy and its guards.
func Decide(in Input, load CandleLoader) Decision {
	t, cfg := in.Trade, in.Config
	price := t.CurrentPrice
	if price <= 0 || t.EntryPrice <= 0 {
		return skip(SkipNoPrice)
	}
	long := t.IsLong()
	scale := models.PipScale(t.Symbol)

	if cfg.OnlyTrailOnCandleClose {
		tf, ok := models.TimeframeDuration(cfg.Timeframe)
		if ok && in.Now.Sub(in.Now.Truncate(tf)) >= in.CandleCloseWindow {
			return skip(SkipCandleOpen)
		}
	}
	if in.LastAdjustment != nil && cfg.DelayBetweenModsSec > 0 &&
		in.Now.Sub(in.LastAdjustment.CreatedAt) < time.Duration(cfg.DelayBetweenModsSec)*time.Second {
		return skip(SkipDelay)
	}
	if math.Abs(price-t.EntryPrice)*scale < cfg.IgnoreNoiseUnderPips {
		return skip(SkipNoise)
	}

	riskKnown := models.RiskPips(t.Symbol, t.EntryPrice, t.RiskStop()) > 0
	r := models.RMultiple(t.Symbol, t.Type, t.EntryPrice, t.RiskStop(), price)
	current := effectiveStop(t, in.LastAdjustment)
	breakEvenOn := cfg.BreakEvenEnabled || cfg.BreakEvenAutoEnable

	if breakEvenOn && !t.BreakEvenHit && riskKnown && reached(r, cfg.BreakEvenR) {
		pad := cfg.BreakEvenPaddingPips / scale
		sl := t.EntryPrice + pad
		if !long {
			sl = t.EntryPrice - pad
		}
		sl = models.RoundPrice(t.Symbol, sl)
		return Decision{
			Kind:            KindBreakEven,
			NewStopLoss:     sl,
			OldStopLoss:     current,
			SendInstruction: tightens(long, current, sl, price),
			MovePips:        moveInPips(current, sl, scale),
			RMultiple:       r,
		}
	}

	pastEntry := current != 0 && ((long && current >= t.EntryPrice) || (!long && current <= t.EntryPrice))
	eligible := t.BreakEvenHit || pastEntry || (!breakEvenOn && riskKnown && reached(r, cfg.TrailStepR))
	if !eligible {
		return skip(SkipNotPastBreakEven)
	}

	candles, err := load()
	if err != nil || len(candles) == 0 {
		return skip(SkipNoMarketData)
	}

	vol, volErr := indicators.MeasureVolatility(candles, cfg.ATRPeriod, cfg.ATRSmoothing)
	if volErr != nil && (cfg.Mode == models.ModeATR || cfg.VolatilityFilterEnabled) {
		return skip(SkipNoMarketData)
	}

	m := Market{Symbol: t.Symbol, Long: long, Price: price, Candles: candles, ATR: vol.Current, Config: cfg}
	cand, ok := StrategyFor(cfg.Mode).Candidate(m)
	if !ok {
		return skip(SkipNoCandidate)
	}
	distance := cand.Distance(price)

	if cfg.VolatilityFilterEnabled && vol.Ratio() > cfg.VolatilityThreshold {
		if cfg.VolatilityPolicy != models.VolatilityWiden {
			return skip(SkipVolatility)
		}
		distance *= cfg.VolatilityWidenFactor
	}

	var pullback *float64
	if t.MaxProfit > 0 {
		pb := (t.MaxProfit - t.Profit) / t.MaxProfit * 100
		if pb > cfg.MaxPullbackPercent {
			pullback = &pb
			if cfg.TPHitTighterTrailing && t.AnyTPHit() {
				distance *= cfg.TighterTrailMultiplier
			}
		}
	}

	sl := price - distance
	if !long {
		sl = price + distance
	}
	sl = models.RoundPrice(t.Symbol, sl)

	if !tightens(long, current, sl, price) {
		return skip(SkipNotTighter)
	}
	if current != 0 && math.Abs(sl-current)*scale < cfg.MinTrailDistancePips {
		return skip(SkipMinMove)
	}

	return Decision{
		Kind:            KindTrail,
		NewStopLoss:     sl,
		OldStopLoss:     current,
		SendInstruction: true,
		MovePips:        moveInPips(current, sl, scale),
		RMultiple:       r,
		ATR:             vol.Current,
		StructureType:   cand.StructureType,
		PullbackPercent: pullback,
	}
}

func moveInPips(from, to, scale float64) float64 {
	if from == 0 {
		return 0
	}
	return math.Round(math.Abs(to-from)*scale*10) / 10
}
