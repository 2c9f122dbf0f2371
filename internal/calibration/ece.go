package calibration

import "math"

// CalibrationError buckets predictions into equal-width bins and returns the
// expected (count-weighted mean) and maximum absolute gap between the mean
// predicted probability and the observed positive rate of each bin.
func CalibrationError(probs []float64, labels []int, bins int) (ece, mce float64) {
	if len(probs) == 0 || bins < 1 {
		return 0, 0
	}
	conf := make([]float64, bins)
	acc := make([]float64, bins)
	count := make([]int, bins)
	for i, p := range probs {
		k := int(p * float64(bins))
		if k >= bins {
			k = bins - 1
		}
		if k < 0 {
			k = 0
		}
		conf[k] += p
		acc[k] += float64(labels[i])
		count[k]++
	}
	n := float64(len(probs))
	for k := 0; k < bins; k++ {
		if count[k] == 0 {
			continue
		}
		c := float64(count[k])
		gap := math.Abs(conf[k]/c - acc[k]/c)
		ece += c / n * gap
		if gap > mce {
			mce = gap
		}
	}
	return ece, mce
}
