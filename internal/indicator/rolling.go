package indicator

import "math"

// Rolling computations over float64 columns. All windows are trailing
// (backward-looking) and values are NaN until the window is full. NaN
// inputs propagate, so a column derived from a one-bar diff stays NaN for
// one extra bar.

func rollingMean(vals []float64, window int) []float64 {
	return rollingApply(vals, window, func(w []float64) float64 {
		sum := 0.0
		for _, v := range w {
			sum += v
		}
		return sum / float64(len(w))
	})
}

func rollingMax(vals []float64, window int) []float64 {
	return rollingApply(vals, window, func(w []float64) float64 {
		m := w[0]
		for _, v := range w[1:] {
			if v > m {
				m = v
			}
		}
		return m
	})
}

func rollingMin(vals []float64, window int) []float64 {
	return rollingApply(vals, window, func(w []float64) float64 {
		m := w[0]
		for _, v := range w[1:] {
			if v < m {
				m = v
			}
		}
		return m
	})
}

func rollingApply(vals []float64, window int, fn func([]float64) float64) []float64 {
	out := make([]float64, len(vals))
	for i := range out {
		out[i] = math.NaN()
	}
	for i := window - 1; i < len(vals); i++ {
		w := vals[i-window+1 : i+1]
		if anyNaN(w) {
			continue
		}
		out[i] = fn(w)
	}
	return out
}

// diff returns the one-bar difference, NaN at index 0.
func diff(vals []float64) []float64 {
	out := make([]float64, len(vals))
	if len(out) > 0 {
		out[0] = math.NaN()
	}
	for i := 1; i < len(vals); i++ {
		out[i] = vals[i] - vals[i-1]
	}
	return out
}

// pctChange returns the percentage change over period bars, NaN for the
// first period bars.
func pctChange(vals []float64, period int) []float64 {
	out := make([]float64, len(vals))
	for i := range out {
		out[i] = math.NaN()
	}
	for i := period; i < len(vals); i++ {
		out[i] = vals[i]/vals[i-period] - 1
	}
	return out
}

// ema computes an exponential moving average with the given span
// (alpha = 2/(span+1)), seeded from the first value.
func ema(vals []float64, span int) []float64 {
	out := make([]float64, len(vals))
	if len(vals) == 0 {
		return out
	}
	alpha := 2.0 / float64(span+1)
	out[0] = vals[0]
	for i := 1; i < len(vals); i++ {
		out[i] = vals[i]*alpha + out[i-1]*(1-alpha)
	}
	return out
}

// shift moves values forward by one bar, inserting NaN at index 0, so the
// current bar is compared against strictly prior history.
func shift(vals []float64) []float64 {
	out := make([]float64, len(vals))
	if len(out) > 0 {
		out[0] = math.NaN()
	}
	copy(out[1:], vals[:len(vals)-1])
	return out
}

func anyNaN(vals []float64) bool {
	for _, v := range vals {
		if math.IsNaN(v) {
			return true
		}
	}
	return false
}

// crossEvents derives Buy/Sell events from the sign change of a column
// through zero. NaN on either side resolves to None.
func crossEvents(vals []float64) []Event {
	out := make([]Event, len(vals))
	for i := 1; i < len(vals); i++ {
		prev, cur := vals[i-1], vals[i]
		if math.IsNaN(prev) || math.IsNaN(cur) {
			continue
		}
		switch {
		case cur > 0 && prev <= 0:
			out[i] = Buy
		case cur < 0 && prev >= 0:
			out[i] = Sell
		}
	}
	return out
}
