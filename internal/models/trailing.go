package models

import (
	"time"
)

// TrailingMode selects the candidate-stop strategy.
type TrailingMode string

const (
	ModeATR       TrailingMode = "atr"
	ModeStructure TrailingMode = "structure"
	ModeHybrid    TrailingMode = "hybrid"
)

// ATR smoothing kinds.
const (
	SmoothingSMA    = "sma"
	SmoothingEMA    = "ema"
	SmoothingWilder = "wilder"
)

// Volatility filter policies.
const (
	VolatilitySkip  = "skip"
	VolatilityWiden = "widen"
)

// TrailingConfig governs the decision engine for one connection.
type TrailingConfig struct {
	ID           uint         `gorm:"primaryKey" json:"id"`
	ConnectionID uint         `json:"connectionId" gorm:"column:connection_id;uniqueIndex"`
	Enabled      bool         `json:"enabled"`
	Mode         TrailingMode `json:"mode"`
	Timeframe    string       `json:"timeframe"`

	ATRPeriod     int     `json:"atrPeriod" gorm:"column:atr_period"`
	ATRMultiplier float64 `json:"atrMultiplier" gorm:"column:atr_multiplier"`
	ATRSmoothing  string  `json:"atrSmoothing" gorm:"column:atr_smoothing"`

	StructureSensitivity   float64 `json:"structureSensitivity" gorm:"column:structure_sensitivity"`
	StructureSwingStrength int     `json:"structureSwingStrength" gorm:"column:structure_swing_strength"`
	StructureMinSwingPips  float64 `json:"structureMinSwingPips" gorm:"column:structure_min_swing_pips"`
	StructureIgnoreWicks   bool    `json:"structureIgnoreWicks" gorm:"column:structure_ignore_wicks"`

	BreakEvenEnabled     bool    `json:"breakEvenEnabled" gorm:"column:break_even_enabled"`
	BreakEvenR           float64 `json:"breakEvenR" gorm:"column:break_even_r"`
	BreakEvenPaddingPips float64 `json:"breakEvenPaddingPips" gorm:"column:break_even_padding_pips"`
	BreakEvenAutoEnable  bool    `json:"breakEvenAutoEnable" gorm:"column:break_even_auto_enable"`

	TrailStepR           float64 `json:"trailStepR" gorm:"column:trail_step_r"`
	MinTrailDistancePips float64 `json:"minTrailDistancePips" gorm:"column:min_trail_distance_pips"`
	MaxPullbackPercent   float64 `json:"maxPullbackPercent" gorm:"column:max_pullback_percent"`

	VolatilityFilterEnabled bool    `json:"volatilityFilterEnabled" gorm:"column:volatility_filter_enabled"`
	VolatilityThreshold     float64 `json:"volatilityThreshold" gorm:"column:volatility_threshold"`
	VolatilityPolicy        string  `json:"volatilityPolicy" gorm:"column:volatility_policy"`
	VolatilityWidenFactor   float64 `json:"volatilityWidenFactor" gorm:"column:volatility_widen_factor"`

	OnlyTrailOnCandleClose bool    `json:"onlyTrailOnCandleClose" gorm:"column:only_trail_on_candle_close"`
	DelayBetweenModsSec    int     `json:"delayBetweenModsSec" gorm:"column:delay_between_mods_sec"`
	IgnoreNoiseUnderPips   float64 `json:"ignoreNoiseUnderPips" gorm:"column:ignore_noise_under_pips"`

	TPHitTighterTrailing   bool    `json:"tpHitTighterTrailing" gorm:"column:tp_hit_tighter_trailing"`
	TighterTrailMultiplier float64 `json:"tighterTrailMultiplier" gorm:"column:tighter_trail_multiplier"`

	AlertOnBreakEven bool `json:"alertOnBreakEven" gorm:"column:alert_on_break_even"`
	AlertOnTrail     bool `json:"alertOnTrail" gorm:"column:alert_on_trail"`

	CreatedAt time.Time `json:"createdAt" gorm:"column:created_at"`
	UpdatedAt time.Time `json:"updatedAt" gorm:"column:updated_at"`
}

// TableName specifies the table name for TrailingConfig model
func (TrailingConfig) TableName() string {
	return "trailing_configs"
}

// DefaultTrailingConfig returns the safe defaults used when a connection
// has no configuration row yet. Trailing starts disabled.
func DefaultTrailingConfig(connectionID uint) TrailingConfig {
	return TrailingConfig{
		ConnectionID:           connectionID,
		Enabled:                false,
		Mode:                   ModeATR,
		Timeframe:              "M15",
		ATRPeriod:              14,
		ATRMultiplier:          2.0,
		ATRSmoothing:           SmoothingWilder,
		StructureSensitivity:   2.0,
		StructureSwingStrength: 2,
		StructureMinSwingPips:  5,
		BreakEvenEnabled:       true,
		BreakEvenR:             1.0,
		BreakEvenPaddingPips:   1.0,
		TrailStepR:             1.0,
		MinTrailDistancePips:   2,
		MaxPullbackPercent:     50,
		VolatilityThreshold:    1.5,
		VolatilityPolicy:       VolatilitySkip,
		VolatilityWidenFactor:  1.5,
		DelayBetweenModsSec:    60,
		IgnoreNoiseUnderPips:   3,
		TighterTrailMultiplier: 0.5,
		AlertOnBreakEven:       true,
	}
}

// Trailing log reasons.
const (
	ReasonBreakEven    = "breakeven"
	ReasonTrailingStop = "trailing_stop"
)

// TrailingLog records one stop-loss adjustment. Rows are never updated.
type TrailingLog struct {
	ID              uint      `gorm:"primaryKey" json:"id"`
	TradeID         uint      `json:"tradeId" gorm:"column:trade_id;index"`
	Ticket          int64     `json:"ticket" gorm:"index"`
	OldSL           float64   `json:"oldSl" gorm:"column:old_sl"`
	NewSL           float64   `json:"newSl" gorm:"column:new_sl"`
	MovePips        float64   `json:"movePips" gorm:"column:move_pips"`
	Reason          string    `json:"reason"`
	ATRValue        float64   `json:"atrValue" gorm:"column:atr_value"`
	RMultiple       float64   `json:"rMultiple" gorm:"column:r_multiple"`
	StructureType   string    `json:"structureType,omitempty" gorm:"column:structure_type"`
	PullbackPercent *float64  `json:"pullbackPercent,omitempty" gorm:"column:pullback_percent"`
	CreatedAt       time.Time `json:"createdAt" gorm:"column:created_at;index"`
}

// TableName specifies the table name for TrailingLog model
func (TrailingLog) TableName() string {
	return "trailing_logs"
}

var timeframes = map[string]time.Duration{
	"M1":  time.Minute,
	"M5":  5 * time.Minute,
	"M15": 15 * time.Minute,
	"M30": 30 * time.Minute,
	"H1":  time.Hour,
	"H4":  4 * time.Hour,
	"D1":  24 * time.Hour,
}

// TimeframeDuration maps a candle timeframe code such as "M15" to its length.
func TimeframeDuration(tf string) (time.Duration, bool) {
	d, ok := timeframes[tf]
	return d, ok
}
