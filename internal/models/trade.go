package models

import (
	"math"
	"strings"
	"time"
)

// Direction of a trade.
type Direction string

const (
	DirectionBuy  Direction = "buy"
	DirectionSell Direction = "sell"
)

// TradeStatus of a tracked broker order.
type TradeStatus string

const (
	TradeOpen   TradeStatus = "open"
	TradeClosed TradeStatus = "closed"
)

// Trade is one broker order keyed by its ticket.
type Trade struct {
	ID           uint        `gorm:"primaryKey" json:"id"`
	Ticket       int64       `json:"ticket" gorm:"uniqueIndex"`
	ConnectionID uint        `json:"connectionId" gorm:"column:connection_id;index"`
	Symbol       string      `json:"symbol"`
	Type         Direction   `json:"type"`
	Size         float64     `json:"size"`
	EntryPrice   float64     `json:"entryPrice" gorm:"column:entry_price"`
	CurrentPrice float64     `json:"currentPrice" gorm:"column:current_price"`
	StopLoss     float64     `json:"stopLoss" gorm:"column:stop_loss"`
	TakeProfit   float64     `json:"takeProfit" gorm:"column:take_profit"`

	// InitialStopLoss is the first non-zero stop seen and fixes the trade's R scale.
	InitialStopLoss float64 `json:"initialStopLoss" gorm:"column:initial_stop_loss"`

	TP1    float64 `json:"tp1" gorm:"column:tp1"`
	TP2    float64 `json:"tp2" gorm:"column:tp2"`
	TP3    float64 `json:"tp3" gorm:"column:tp3"`
	TP4    float64 `json:"tp4" gorm:"column:tp4"`
	TP1Hit bool    `json:"tp1Hit" gorm:"column:tp1_hit"`
	TP2Hit bool    `json:"tp2Hit" gorm:"column:tp2_hit"`
	TP3Hit bool    `json:"tp3Hit" gorm:"column:tp3_hit"`
	TP4Hit bool    `json:"tp4Hit" gorm:"column:tp4_hit"`

	Status      TradeStatus `json:"status" gorm:"index"`
	Profit      float64     `json:"profit"`
	MaxProfit   float64     `json:"maxProfit" gorm:"column:max_profit"`
	MaxDrawdown float64     `json:"maxDrawdown" gorm:"column:max_drawdown"`

	TrailingActive bool `json:"trailingActive" gorm:"column:trailing_active"`
	TrailCount     int  `json:"trailCount" gorm:"column:trail_count"`
	BreakEvenHit   bool `json:"breakEvenHit" gorm:"column:break_even_hit"`

	CloseTime   *time.Time `json:"closeTime,omitempty" gorm:"column:close_time"`
	ClosePrice  float64    `json:"closePrice" gorm:"column:close_price"`
	CloseReason string     `json:"closeReason,omitempty" gorm:"column:close_reason"`

	CreatedAt time.Time `json:"createdAt" gorm:"column:created_at"`
	UpdatedAt time.Time `json:"updatedAt" gorm:"column:updated_at"`
}

// TableName specifies the table name for Trade model
func (Trade) TableName() string {
	return "trades"
}

// IsLong reports whether the trade is a buy.
func (t *Trade) IsLong() bool {
	return t.Type == DirectionBuy
}

// AnyTPHit reports whether any partial take-profit level has been reached.
func (t *Trade) AnyTPHit() bool {
	return t.TP1Hit || t.TP2Hit || t.TP3Hit || t.TP4Hit
}

// RiskStop is the stop used as the R denominator.
func (t *Trade) RiskStop() float64 {
	if t.InitialStopLoss != 0 {
		return t.InitialStopLoss
	}
	return t.StopLoss
}

// PipScale returns the price-to-pip multiplier: 100 for yen-quoted
// symbols, 10,000 otherwise.
func PipScale(symbol string) float64 {
	if strings.Contains(strings.ToUpper(symbol), "JPY") {
		return 100
	}
	return 10000
}

// PriceDigits is the rounding precision for stop prices of a symbol.
func PriceDigits(symbol string) int {
	if PipScale(symbol) == 100 {
		return 3
	}
	return 5
}

// RoundPrice rounds a price to the symbol's precision.
func RoundPrice(symbol string, price float64) float64 {
	p := math.Pow(10, float64(PriceDigits(symbol)))
	return math.Round(price*p) / p
}

// FavorablePips is the signed move from entry to price in pips, positive
// when the trade is in profit.
func FavorablePips(symbol string, dir Direction, entry, price float64) float64 {
	move := price - entry
	if dir == DirectionSell {
		move = -move
	}
	return move * PipScale(symbol)
}

// RiskPips is the entry-to-stop distance in pips; 0 when no stop is known.
func RiskPips(symbol string, entry, stop float64) float64 {
	if stop == 0 {
		return 0
	}
	return math.Abs(entry-stop) * PipScale(symbol)
}

// RMultiple is favorable pips divided by initial risk pips.
func RMultiple(symbol string, dir Direction, entry, stop, price float64) float64 {
	risk := RiskPips(symbol, entry, stop)
	if risk == 0 {
		return 0
	}
	return FavorablePips(symbol, dir, entry, price) / risk
}

// TradeReport is the body of webhook.tradeUpdate.
type TradeReport struct {
	Credential   string      `json:"credential"`
	Ticket       int64       `json:"ticket"`
	Symbol       string      `json:"symbol"`
	Type         Direction   `json:"type"`
	Size         float64     `json:"size"`
	EntryPrice   float64     `json:"entryPrice"`
	CurrentPrice float64     `json:"currentPrice"`
	StopLoss     *float64    `json:"stopLoss,omitempty"`
	TakeProfit   *float64    `json:"takeProfit,omitempty"`
	TP1          *float64    `json:"tp1,omitempty"`
	TP2          *float64    `json:"tp2,omitempty"`
	TP3          *float64    `json:"tp3,omitempty"`
	TP4          *float64    `json:"tp4,omitempty"`
	Profit       float64     `json:"profit"`
	Status       TradeStatus `json:"status"`
	ClosePrice   float64     `json:"closePrice,omitempty"`
	CloseReason  string      `json:"closeReason,omitempty"`
}

// TradeView is a trade with read-time derived figures.
type TradeView struct {
	Trade
	Pips      float64 `json:"pips"`
	RMultiple float64 `json:"rMultiple"`
}
