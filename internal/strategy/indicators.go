package strategy

// movingAverage returns the mean of the trailing period samples of a
// price window, or 0 until the window holds enough samples. Callers
// treat 0 as "filter off".
func movingAverage(window []float64, period int) float64 {
	if period <= 0 || len(window) < period {
		return 0
	}
	var sum float64
	for _, p := range window[len(window)-period:] {
		sum += p
	}
	return sum / float64(period)
}

// relativeStrength returns an unsmoothed RSI over the trailing period
// of a price window. Needs period+1 samples; returns 0 before that.
func relativeStrength(window []float64, period int) float64 {
	if period <= 0 || len(window) <= period {
		return 0
	}
	var up, down float64
	tail := window[len(window)-period-1:]
	for i := 1; i < len(tail); i++ {
		d := tail[i] - tail[i-1]
		if d >= 0 {
			up += d
		} else {
			down -= d
		}
	}
	if down == 0 {
		return 100
	}
	return 100 - 100/(1+up/down)
}
