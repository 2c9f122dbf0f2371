package calibration

import (
	"errors"
	"math"
)

// Scores enter the logistic fit as raw_score/100 so A and B stay well scaled.
const scoreScale = 100.0

// FitPlatt fits P(y=1|f) = sigmoid(a*f + b) by Newton iteration with
// backtracking line search. Targets are smoothed the way Platt proposed
// (N+ + 1)/(N+ + 2) and 1/(N- + 2), which keeps separable data finite.
func FitPlatt(scores []float64, labels []int) (a, b float64, err error) {
	if len(scores) != len(labels) {
		return 0, 0, errors.New("scores and labels differ in length")
	}
	if len(scores) == 0 {
		return 0, 0, ErrInsufficientData
	}

	var nPos, nNeg float64
	for _, y := range labels {
		if y == 1 {
			nPos++
		} else {
			nNeg++
		}
	}
	hiTarget := (nPos + 1) / (nPos + 2)
	loTarget := 1 / (nNeg + 2)

	f := make([]float64, len(scores))
	t := make([]float64, len(scores))
	for i := range scores {
		f[i] = scores[i] / scoreScale
		if labels[i] == 1 {
			t[i] = hiTarget
		} else {
			t[i] = loTarget
		}
	}

	const (
		maxIter = 100
		minStep = 1e-10
		sigma   = 1e-12
		gradTol = 1e-6
		armijo  = 1e-4
	)
	a = 0
	b = math.Log((nPos + 1) / (nNeg + 1))
	loss := plattLoss(f, t, a, b)

	for iter := 0; iter < maxIter; iter++ {
		var g1, g2, h11, h22, h21 float64
		h11, h22 = sigma, sigma
		for i := range f {
			p := sigmoid(a*f[i] + b)
			d1 := p - t[i]
			d2 := p * (1 - p)
			g1 += f[i] * d1
			g2 += d1
			h11 += f[i] * f[i] * d2
			h22 += d2
			h21 += f[i] * d2
		}
		if math.Abs(g1) < gradTol && math.Abs(g2) < gradTol {
			break
		}

		det := h11*h22 - h21*h21
		if det == 0 {
			break
		}
		da := -(h22*g1 - h21*g2) / det
		db := -(-h21*g1 + h11*g2) / det
		gd := g1*da + g2*db

		step := 1.0
		for step >= minStep {
			na, nb := a+step*da, b+step*db
			nl := plattLoss(f, t, na, nb)
			if nl < loss+armijo*step*gd {
				a, b, loss = na, nb, nl
				break
			}
			step /= 2
		}
		if step < minStep {
			break
		}
	}
	return a, b, nil
}

// PlattProbability maps a raw 0-100 score through the fitted sigmoid.
func PlattProbability(a, b, rawScore float64) float64 {
	return sigmoid(a*rawScore/scoreScale + b)
}

func sigmoid(z float64) float64 {
	if z >= 0 {
		return 1 / (1 + math.Exp(-z))
	}
	e := math.Exp(z)
	return e / (1 + e)
}

// plattLoss is the cross-entropy against soft targets, written so that
// large |z| does not overflow.
func plattLoss(f, t []float64, a, b float64) float64 {
	var l float64
	for i := range f {
		z := a*f[i] + b
		// log(1+exp(z)) - t*z
		var softplus float64
		if z > 0 {
			softplus = z + math.Log1p(math.Exp(-z))
		} else {
			softplus = math.Log1p(math.Exp(z))
		}
		l += softplus - t[i]*z
	}
	return l
}
