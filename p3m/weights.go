package p3m

import (
	"math"
)

// BSplineWeights fills out[:cao] with the cardinal B-spline assignment
// weights of order cao for fractional offset w in [0, 1). out[i] belongs to
// the i-th point of the stencil returned by stencilStart.
func BSplineWeights(cao int, w float64, out []float64) {
	out = out[:cao]
	if cao == 1 {
		out[0] = 1
		return
	}
	out[0] = 1 - w
	out[1] = w
	for k := 3; k <= cao; k++ {
		div := 1 / float64(k-1)
		out[k-1] = div * w * out[k-2]
		for j := 1; j <= k-2; j++ {
			out[k-j-1] = div * ((w+float64(j))*out[k-j-2] + (float64(k-j)-w)*out[k-j-1])
		}
		out[0] = div * (1 - w) * out[0]
	}
}

// stencilStart returns the first mesh point touched by a charge at mesh
// coordinate u, and the fractional offset that selects its weights
func stencilStart(cao int, u float64) (int, float64) {
	s := u + 0.5*float64(cao)
	base := math.Floor(s)
	return int(base) - cao + 1, s - base
}
