package selfplay

import (
	"math"

	"golang.org/x/exp/rand"
)

// dirichlet fills dst with a sample from a symmetric Dirichlet(alpha).
func dirichlet(rng *rand.Rand, alpha float64, dst []float32) {
	var sum float64
	samples := make([]float64, len(dst))
	for i := range samples {
		samples[i] = gammaSample(rng, alpha)
		sum += samples[i]
	}
	if sum < 1e-12 {
		for i := range dst {
			dst[i] = 1 / float32(len(dst))
		}
		return
	}
	for i, s := range samples {
		dst[i] = float32(s / sum)
	}
}

// gammaSample draws from Gamma(alpha, 1) with the Marsaglia-Tsang method.
// Shapes below one are boosted: G(a) = G(a+1) * U^(1/a).
func gammaSample(rng *rand.Rand, alpha float64) float64 {
	if alpha < 1 {
		u := rng.Float64()
		for u == 0 {
			u = rng.Float64()
		}
		return gammaSample(rng, alpha+1) * math.Pow(u, 1/alpha)
	}
	d := alpha - 1.0/3
	c := 1 / math.Sqrt(9*d)
	for {
		x := rng.NormFloat64()
		v := 1 + c*x
		if v <= 0 {
			continue
		}
		v = v * v * v
		u := rng.Float64()
		if u < 1-0.0331*x*x*x*x {
			return d * v
		}
		if math.Log(u) < 0.5*x*x+d*(1-v+math.Log(v)) {
			return d * v
		}
	}
}
