package temporal

import (
	"math"
	"sort"

	"github.com/rewired-gh/tenderwatch/internal/models"
)

// minSegment is the shortest run a change point may split off.
const minSegment = 2

// detectChangePoints runs CUSUM binary segmentation. Within a segment the
// cumulative sum of (value - segment mean) peaks in absolute value at the most
// likely shift; the shift is reported when the peak exceeds
// multiplier * sigma * sqrt(segment length). Both halves are then searched again.
func detectChangePoints(points []models.RiskPoint, multiplier, sigma float64) []models.ChangePoint {
	values := make([]float64, len(points))
	for i, p := range points {
		values[i] = p.Score
	}
	var out []models.ChangePoint
	var segment func(lo, hi int)
	segment = func(lo, hi int) {
		n := hi - lo
		if n < 2*minSegment {
			return
		}
		m := mean(values[lo:hi])
		var cum, peak float64
		split := -1
		for i := lo; i < hi-1; i++ {
			cum += values[i] - m
			// the shift sits between i and i+1
			if i+1-lo < minSegment || hi-(i+1) < minSegment {
				continue
			}
			if math.Abs(cum) > peak {
				peak, split = math.Abs(cum), i+1
			}
		}
		threshold := multiplier * sigma * math.Sqrt(float64(n))
		if split < 0 || peak <= threshold {
			return
		}

		before := mean(values[lo:split])
		after := mean(values[split:hi])
		dir := models.DirectionIncrease
		if after < before {
			dir = models.DirectionDecrease
		}
		out = append(out, models.ChangePoint{
			Date:       points[split].Date,
			Index:      split,
			Direction:  dir,
			Magnitude:  round(math.Abs(after-before), 4),
			Confidence: round(1-threshold/peak, 4),
			BeforeAvg:  round(before, 4),
			AfterAvg:   round(after, 4),
		})
		segment(lo, split)
		segment(split, hi)
	}
	segment(0, len(values))

	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
