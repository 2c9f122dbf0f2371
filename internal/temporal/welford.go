package temporal

import "math"

// Welford accumulates a running mean and variance in one pass.
type Welford struct {
	Count int
	Mean  float64
	M2    float64
}

func (w *Welford) Add(x float64) {
	w.Count++
	delta := x - w.Mean
	w.Mean += delta / float64(w.Count)
	delta2 := x - w.Mean
	w.M2 += delta * delta2
}

// Variance is the sample variance; zero below two observations.
func (w *Welford) Variance() float64 {
	if w.Count < 2 {
		return 0
	}
	return w.M2 / float64(w.Count-1)
}

func (w *Welford) StdDev() float64 {
	return math.Sqrt(w.Variance())
}
