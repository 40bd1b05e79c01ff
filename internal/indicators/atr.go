package indicators

import (
	"fmt"
	"math"
)

// Smoothing kinds accepted by ATR.
const (
	SmoothingSMA    = "sma"
	SmoothingEMA    = "ema"
	SmoothingWilder = "wilder"
)

// TrueRange of one bar given the previous close.
func TrueRange(high, low, prevClose float64) float64 {
	return math.Max(high-low, math.Max(math.Abs(high-prevClose), math.Abs(low-prevClose)))
}

// TrueRangeSeries returns len(candles)-1 true ranges.
func TrueRangeSeries(candles []Candle) []float64 {
	if len(candles) < 2 {
		return nil
	}
	result := make([]float64, len(candles)-1)
	for i := 1; i < len(candles); i++ {
		result[i-1] = TrueRange(candles[i].High, candles[i].Low, candles[i-1].Close)
	}
	return result
}

// ATR computes the average true range series. It needs period+1 candles.
func ATR(candles []Candle, period int, smoothing string) ([]float64, error) {
	if period <= 0 {
		return nil, fmt.Errorf("atr period must be positive, got %d", period)
	}
	if len(candles) < period+1 {
		return nil, fmt.Errorf("atr(%d) needs %d candles, got %d", period, period+1, len(candles))
	}

	tr := TrueRangeSeries(candles)
	switch smoothing {
	case SmoothingSMA:
		return SMA(tr, period), nil
	case SmoothingEMA:
		return EMA(tr, period), nil
	case SmoothingWilder, "":
		return Wilder(tr, period), nil
	}
	return nil, fmt.Errorf("unknown atr smoothing %q", smoothing)
}

// Volatility summarizes an ATR series.
type Volatility struct {
	Current float64
	Mean    float64
}

// Ratio is current ATR over its mean; 0 when the mean is 0.
func (v Volatility) Ratio() float64 {
	if v.Mean == 0 {
		return 0
	}
	return v.Current / v.Mean
}

// MeasureVolatility returns the latest ATR and the mean of the series.
func MeasureVolatility(candles []Candle, period int, smoothing string) (Volatility, error) {
	series, err := ATR(candles, period, smoothing)
	if err != nil {
		return Volatility{}, err
	}
	return Volatility{Current: series[len(series)-1], Mean: Mean(series)}, nil
}
