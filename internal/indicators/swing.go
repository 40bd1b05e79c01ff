package indicators

// SwingKind marks a swing as a local high or low.
type SwingKind string

const (
	SwingHigh SwingKind = "swing_high"
	SwingLow  SwingKind = "swing_low"
)

// Swing is a confirmed local extreme.
type Swing struct {
	Index int
	Kind  SwingKind
	Price float64
}

// SwingOptions controls swing detection.
type SwingOptions struct {
	// Strength is the number of bars on each side that must be beyond the pivot.
	Strength int
	// IgnoreWicks uses candle bodies instead of high/low extremes.
	IgnoreWicks bool
}

func (o SwingOptions) strength() int {
	if o.Strength < 1 {
		return 1
	}
	return o.Strength
}

func lowOf(c Candle, bodies bool) float64 {
	if bodies {
		return c.BodyLow()
	}
	return c.Low
}

func highOf(c Candle, bodies bool) float64 {
	if bodies {
		return c.BodyHigh()
	}
	return c.High
}

// SwingLows returns confirmed swing lows oldest first. The last Strength
// bars can never be confirmed.
func SwingLows(candles []Candle, opts SwingOptions) []Swing {
	k := opts.strength()
	var out []Swing
	for i := k; i < len(candles)-k; i++ {
		p := lowOf(candles[i], opts.IgnoreWicks)
		pivot := true
		for j := i - k; j <= i+k && pivot; j++ {
			if j != i && lowOf(candles[j], opts.IgnoreWicks) <= p {
				pivot = false
			}
		}
		if pivot {
			out = append(out, Swing{Index: i, Kind: SwingLow, Price: p})
		}
	}
	return out
}

// SwingHighs returns confirmed swing highs oldest first.
func SwingHighs(candles []Candle, opts SwingOptions) []Swing {
	k := opts.strength()
	var out []Swing
	for i := k; i < len(candles)-k; i++ {
		p := highOf(candles[i], opts.IgnoreWicks)
		pivot := true
		for j := i - k; j <= i+k && pivot; j++ {
			if j != i && highOf(candles[j], opts.IgnoreWicks) >= p {
				pivot = false
			}
		}
		if pivot {
			out = append(out, Swing{Index: i, Kind: SwingHigh, Price: p})
		}
	}
	return out
}
