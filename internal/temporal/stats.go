package temporal

import (
	"math"
	"sort"
	"time"

	"github.com/rewired-gh/tenderwatch/internal/models"
)

// rollingAverage is the mean of points dated within window before end.
func rollingAverage(points []models.RiskPoint, end time.Time, window time.Duration) float64 {
	cutoff := end.Add(-window)
	var w Welford
	for _, p := range points {
		if p.Date.After(cutoff) && !p.Date.After(end) {
			w.Add(p.Score)
		}
	}
	return w.Mean
}

// olsSlope fits y = a + slope*i over the index and returns slope and R².
func olsSlope(values []float64) (slope, r2 float64) {
	n := float64(len(values))
	if n < 2 {
		return 0, 0
	}
	var sx, sy float64
	for i, v := range values {
		sx += float64(i)
		sy += v
	}
	mx, my := sx/n, sy/n
	var sxx, sxy, syy float64
	for i, v := range values {
		dx, dy := float64(i)-mx, v-my
		sxx += dx * dx
		sxy += dx * dy
		syy += dy * dy
	}
	if sxx == 0 {
		return 0, 0
	}
	slope = sxy / sxx
	if syy > 0 {
		r2 = sxy * sxy / (sxx * syy)
	}
	return slope, r2
}

// volatility is the sample standard deviation of first differences.
func volatility(values []float64) float64 {
	var w Welford
	for i := 1; i < len(values); i++ {
		w.Add(values[i] - values[i-1])
	}
	return w.StdDev()
}

// noiseLevel estimates the per-point noise from first differences with the
// median absolute deviation, so a handful of level shifts do not inflate it.
// The estimate is floored at floor times the series range, which keeps the
// threshold proportional to the data when the MAD is zero.
func noiseLevel(values []float64, floor float64) float64 {
	if len(values) == 0 {
		return 0
	}
	lo, hi := values[0], values[0]
	for _, v := range values[1:] {
		lo, hi = math.Min(lo, v), math.Max(hi, v)
	}
	minSigma := floor * (hi - lo)
	if len(values) < 3 {
		return minSigma
	}
	diffs := make([]float64, 0, len(values)-1)
	for i := 1; i < len(values); i++ {
		diffs = append(diffs, values[i]-values[i-1])
	}
	med := median(diffs)
	dev := make([]float64, len(diffs))
	for i, d := range diffs {
		dev[i] = math.Abs(d - med)
	}
	// 1.4826 scales MAD to sigma; differencing doubles the variance.
	sigma := 1.4826 * median(dev) / math.Sqrt2
	return math.Max(sigma, minSigma)
}

func median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	s := append([]float64(nil), values...)
	sort.Float64s(s)
	mid := len(s) / 2
	if len(s)%2 == 1 {
		return s[mid]
	}
	return (s[mid-1] + s[mid]) / 2
}

func mean(values []float64) float64 {
	var w Welford
	for _, v := range values {
		w.Add(v)
	}
	return w.Mean
}
