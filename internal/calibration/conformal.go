package calibration

import (
	"math"
	"sort"
)

// Nonconformity returns |y - p| for each calibration example.
func Nonconformity(probs []float64, labels []int) []float64 {
	out := make([]float64, len(probs))
	for i := range probs {
		out[i] = math.Abs(float64(labels[i]) - probs[i])
	}
	return out
}

// ConformalThreshold returns the split-conformal quantile of the
// nonconformity scores: the ceil((n+1)(1-alpha))-th smallest score. With
// exchangeable data the interval p +/- threshold covers the outcome with
// probability at least 1-alpha. When n is too small for that rank the
// threshold is 1, which always covers.
func ConformalThreshold(scores []float64, alpha float64) float64 {
	n := len(scores)
	if n == 0 {
		return 1
	}
	sorted := append([]float64(nil), scores...)
	sort.Float64s(sorted)
	rank := int(math.Ceil(float64(n+1) * (1 - alpha)))
	if rank > n {
		return 1
	}
	if rank < 1 {
		rank = 1
	}
	return sorted[rank-1]
}

// Interval clips p +/- threshold to [0, 1].
func Interval(p, threshold float64) (lower, upper float64) {
	return math.Max(0, p-threshold), math.Min(1, p+threshold)
}

// Coverage is the fraction of outcomes inside their interval.
func Coverage(probs []float64, labels []int, threshold float64) float64 {
	if len(probs) == 0 {
		return 0
	}
	hit := 0
	for i, p := range probs {
		lo, hi := Interval(p, threshold)
		y := float64(labels[i])
		if y >= lo && y <= hi {
			hit++
		}
	}
	return float64(hit) / float64(len(probs))
}
