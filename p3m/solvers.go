package p3m

import (
	"github.com/notargets/meshhalo/mesh"
)

// ConstantField is a Solver producing the same field everywhere, regardless
// of the charge density
type ConstantField struct {
	E [3]float64
}

func (c ConstantField) Solve(_ *mesh.LocalMesh, _ []float64, field [3][]float64) error {
	for a := range field {
		for i := range field[a] {
			field[a][i] = c.E[a]
		}
	}
	return nil
}

// ScaledDensity is a Solver setting every field component to Scale times the
// local charge density. It has no physical meaning and serves to drive the
// spread path with mesh-dependent data.
type ScaledDensity struct {
	Scale [3]float64
}

func (s ScaledDensity) Solve(_ *mesh.LocalMesh, rho []float64, field [3][]float64) error {
	for a := range field {
		for i, v := range rho {
			field[a][i] = s.Scale[a] * v
		}
	}
	return nil
}
