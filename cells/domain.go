package cells

import (
	"fmt"
	"math"
	"sort"

	"github.com/notargets/meshhalo/mesh"
	"github.com/notargets/meshhalo/topology"
	"gonum.org/v1/gonum/spatial/r3"
)

// Domain is the periodic simulation box split over a process grid
type Domain struct {
	Box      [3]float64 // Global box lengths
	LocalBox [3]float64 // Lengths of this rank's sub-box
	MyLeft   [3]float64 // Lower corner of this rank's sub-box
	MyRight  [3]float64 // Upper corner, exclusive
	Topo     *topology.Cartesian

	// Sub-box boundaries per axis, Dims+1 entries from 0 to Box
	bounds [3][]float64
}

// NewDomain splits box evenly over topo and returns the sub-box of topo's rank
func NewDomain(box [3]float64, topo *topology.Cartesian) (*Domain, error) {
	return newDomain(box, topo, func(a, c int) float64 {
		return float64(c) * box[a] / float64(topo.Dims[a])
	})
}

// NewMeshDomain splits box along the interior boundaries of a global mesh of
// the given size, so that every sub-box covers exactly the mesh interior of
// its rank. Particles owned by a rank then assign charge within its margins.
func NewMeshDomain(box [3]float64, topo *topology.Cartesian, global [3]int) (*Domain, error) {
	for a := 0; a < 3; a++ {
		if global[a] < topo.Dims[a] {
			return nil, fmt.Errorf("mesh of %d points along axis %d cannot split over %d ranks",
				global[a], a, topo.Dims[a])
		}
	}
	return newDomain(box, topo, func(a, c int) float64 {
		return float64(mesh.SplitStart(global[a], topo.Dims[a], c)) * box[a] / float64(global[a])
	})
}

func newDomain(box [3]float64, topo *topology.Cartesian, bound func(a, c int) float64) (*Domain, error) {
	d := &Domain{Box: box, Topo: topo}
	for a := 0; a < 3; a++ {
		if !(box[a] > 0) || math.IsInf(box[a], 0) {
			return nil, fmt.Errorf("box length %g along axis %d must be positive and finite", box[a], a)
		}
		n := topo.Dims[a]
		d.bounds[a] = make([]float64, n+1)
		for c := 0; c < n; c++ {
			d.bounds[a][c] = bound(a, c)
		}
		d.bounds[a][n] = box[a]

		c := topo.Coords[a]
		d.MyLeft[a] = d.bounds[a][c]
		d.MyRight[a] = d.bounds[a][c+1]
		d.LocalBox[a] = d.MyRight[a] - d.MyLeft[a]
	}
	return d, nil
}

// MinLocalBox returns the narrowest sub-box length of any rank along axis
func (d *Domain) MinLocalBox(axis int) float64 {
	b := d.bounds[axis]
	w := math.Inf(1)
	for c := 0; c+1 < len(b); c++ {
		w = math.Min(w, b[c+1]-b[c])
	}
	return w
}

// Fold maps pos periodically into [0, Box)
func (d *Domain) Fold(pos r3.Vec) r3.Vec {
	v := components(pos)
	for a := 0; a < 3; a++ {
		v[a] -= math.Floor(v[a]/d.Box[a]) * d.Box[a]
		if v[a] >= d.Box[a] {
			v[a] = 0
		}
	}
	return vec(v)
}

// OwnerCoords returns the process grid position owning pos
func (d *Domain) OwnerCoords(pos r3.Vec) [3]int {
	v := components(d.Fold(pos))
	var c [3]int
	for a := 0; a < 3; a++ {
		b := d.bounds[a]
		// First sub-box whose upper boundary lies above the position
		c[a] = min(sort.Search(len(b)-1, func(i int) bool { return b[i+1] > v[a] }), len(b)-2)
	}
	return c
}

// Owner returns the rank owning pos
func (d *Domain) Owner(pos r3.Vec) int {
	return d.Topo.RankOf(d.OwnerCoords(pos))
}

// Contains reports whether pos belongs to this rank
func (d *Domain) Contains(pos r3.Vec) bool {
	return d.OwnerCoords(pos) == d.Topo.Coords
}

// MinImage returns the shortest periodic displacement from a to b
func (d *Domain) MinImage(a, b r3.Vec) r3.Vec {
	r := components(r3.Sub(b, a))
	for k := 0; k < 3; k++ {
		r[k] -= math.Round(r[k]/d.Box[k]) * d.Box[k]
	}
	return vec(r)
}

// components and vec convert between r3 vectors and per-axis arrays
func components(v r3.Vec) [3]float64 {
	return [3]float64{v.X, v.Y, v.Z}
}

func vec(c [3]float64) r3.Vec {
	return r3.Vec{X: c[0], Y: c[1], Z: c[2]}
}
