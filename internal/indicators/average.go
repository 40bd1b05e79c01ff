package indicators

// SMA simple moving average. The result has len(values)-period+1 points.
func SMA(values []float64, period int) []float64 {
	if period <= 0 || len(values) < period {
		return nil
	}

	result := make([]float64, len(values)-period+1)
	sum := 0.0
	for i := 0; i < period; i++ {
		sum += values[i]
	}
	result[0] = sum / float64(period)

	for i := period; i < len(values); i++ {
		sum = sum - values[i-period] + values[i]
		result[i-period+1] = sum / float64(period)
	}
	return result
}

// EMA exponential moving average seeded with the SMA of the first period.
func EMA(values []float64, period int) []float64 {
	return seededAverage(values, period, 2.0/(float64(period)+1.0))
}

// Wilder is Wilder's smoothing (RMA), an EMA with alpha 1/period.
func Wilder(values []float64, period int) []float64 {
	return seededAverage(values, period, 1.0/float64(period))
}

func seededAverage(values []float64, period int, alpha float64) []float64 {
	if period <= 0 || len(values) < period {
		return nil
	}

	result := make([]float64, len(values)-period+1)
	sum := 0.0
	for i := 0; i < period; i++ {
		sum += values[i]
	}
	result[0] = sum / float64(period)

	for i := period; i < len(values); i++ {
		prev := result[i-period]
		result[i-period+1] = values[i]*alpha + prev*(1-alpha)
	}
	return result
}

// Mean of values; 0 for an empty slice.
func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
