// Package mesh describes the part of a global regular 3D mesh held by one rank:
// an interior region that tiles the global mesh, surrounded by ghost margins
// that reach into the neighbouring ranks' interiors.
package mesh

import (
	"fmt"

	"github.com/notargets/meshhalo/topology"
)

// MaxCAO is the highest supported charge assignment order
const MaxCAO = 7

// ConfigError reports a mesh/process-grid combination that cannot be decomposed
type ConfigError struct {
	Param  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("mesh configuration: %s: %s", e.Param, e.Reason)
}

// LocalMesh is the rank-local view of a distributed mesh. Local coordinates
// run over [0, Dim); the interior is [InLD, InUR).
type LocalMesh struct {
	Global [3]int // Global mesh points per axis
	Dim    [3]int // Local extent including margins
	Margin [6]int // Ghost thickness per face, ordered like topology.Directions
	InLD   [3]int // Lower-left-down corner of the interior
	InUR   [3]int // Upper-right corner of the interior, exclusive
	Start  [3]int // Global index of InLD
}

// GhostThickness returns the margin needed on every face for a charge
// assignment stencil of order cao
func GhostThickness(cao int) int {
	return (cao + 1) / 2
}

// FromCAO builds the local mesh with uniform margins sized for order cao
func FromCAO(global [3]int, cao int, topo *topology.Cartesian) (*LocalMesh, error) {
	if cao < 1 || cao > MaxCAO {
		return nil, &ConfigError{Param: "cao", Reason: fmt.Sprintf("order %d outside [1, %d]", cao, MaxCAO)}
	}
	g := GhostThickness(cao)
	return New(global, [6]int{g, g, g, g, g, g}, topo)
}

// SplitStart returns the first of the global points [0, n) owned by part c
// of parts. Parts own ratio-sized ranges, so their sizes differ by at most
// one point; part parts ends the axis.
func SplitStart(n, parts, c int) int {
	return (n*c + parts - 1) / parts
}

// SplitLen returns the number of points owned by part c of parts, with c
// wrapped periodically
func SplitLen(n, parts, c int) int {
	c = (c%parts + parts) % parts
	return SplitStart(n, parts, c+1) - SplitStart(n, parts, c)
}

// MinSplit returns the smallest part of n points split over parts
func MinSplit(n, parts int) int {
	return n / parts
}

// New computes the local mesh of topo's rank. The global mesh is split over
// the process grid by ratio, so interiors may differ by one point along an
// axis. No margin may be wider than the interior of the neighbour it reaches
// into.
func New(global [3]int, margin [6]int, topo *topology.Cartesian) (*LocalMesh, error) {
	lm := &LocalMesh{Global: global, Margin: margin}
	for a := 0; a < 3; a++ {
		axis := string(rune('x' + a))
		n, parts, c := global[a], topo.Dims[a], topo.Coords[a]
		if n < 1 {
			return nil, &ConfigError{Param: "global." + axis,
				Reason: fmt.Sprintf("mesh size %d must be positive", n)}
		}
		if n < parts {
			return nil, &ConfigError{Param: "global." + axis,
				Reason: fmt.Sprintf("mesh size %d leaves some of %d ranks without interior points", n, parts)}
		}
		for _, d := range []topology.Direction{topology.Face(a, false), topology.Face(a, true)} {
			m := margin[d]
			if m < 0 {
				return nil, &ConfigError{Param: "margin." + d.String(),
					Reason: fmt.Sprintf("negative ghost thickness %d", m)}
			}
			nb := c - 1
			if d.IsHigh() {
				nb = c + 1
			}
			if in := SplitLen(n, parts, nb); m > in {
				return nil, &ConfigError{Param: "margin." + d.String(),
					Reason: fmt.Sprintf("ghost thickness %d exceeds neighbour interior %d", m, in)}
			}
		}

		interior := SplitLen(n, parts, c)
		lm.Start[a] = SplitStart(n, parts, c)
		lm.InLD[a] = margin[2*a]
		lm.InUR[a] = margin[2*a] + interior
		lm.Dim[a] = interior + margin[2*a] + margin[2*a+1]
	}
	return lm, nil
}

// Len returns the number of local mesh points, ghosts included
func (lm *LocalMesh) Len() int {
	return lm.Dim[0] * lm.Dim[1] * lm.Dim[2]
}

// Interior returns the interior extent per axis
func (lm *LocalMesh) Interior() [3]int {
	return [3]int{lm.InUR[0] - lm.InLD[0], lm.InUR[1] - lm.InLD[1], lm.InUR[2] - lm.InLD[2]}
}

// InteriorLen returns the number of interior points
func (lm *LocalMesh) InteriorLen() int {
	in := lm.Interior()
	return in[0] * in[1] * in[2]
}

// Index returns the linear offset of local point p, last axis fastest
func (lm *LocalMesh) Index(p [3]int) int {
	return p[2] + lm.Dim[2]*(p[1]+lm.Dim[1]*p[0])
}

// Point inverts Index
func (lm *LocalMesh) Point(idx int) [3]int {
	z := idx % lm.Dim[2]
	idx /= lm.Dim[2]
	return [3]int{idx / lm.Dim[1], idx % lm.Dim[1], z}
}

// IsInterior reports whether local point p is owned by this rank
func (lm *LocalMesh) IsInterior(p [3]int) bool {
	for a := 0; a < 3; a++ {
		if p[a] < lm.InLD[a] || p[a] >= lm.InUR[a] {
			return false
		}
	}
	return true
}

// GlobalCoord maps local point p to its periodically wrapped global index
func (lm *LocalMesh) GlobalCoord(p [3]int) [3]int {
	var g [3]int
	for a := 0; a < 3; a++ {
		g[a] = ((lm.Start[a]+p[a]-lm.InLD[a])%lm.Global[a] + lm.Global[a]) % lm.Global[a]
	}
	return g
}

// GlobalIndex is the row-major linear offset of global point g
func (lm *LocalMesh) GlobalIndex(g [3]int) int {
	return g[2] + lm.Global[2]*(g[1]+lm.Global[1]*g[0])
}

// NewField allocates a zeroed field over the local mesh
func (lm *LocalMesh) NewField() []float64 {
	return make([]float64, lm.Len())
}

func (lm *LocalMesh) String() string {
	return fmt.Sprintf("dim=%v margin=%v interior=[%v,%v) start=%v", lm.Dim, lm.Margin, lm.InLD, lm.InUR, lm.Start)
}
