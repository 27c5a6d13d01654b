package cells

import (
	"iter"
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// Pair is two particles closer than the cutoff. A is always owned by this
// rank; B is a ghost when Ghost is set and must not be modified.
type Pair struct {
	A, B  *Particle
	Ghost bool
	R     r3.Vec // Displacement from A to B
	Dist2 float64
}

// Pairs yields every pair within the cutoff that involves a local particle.
// Pairs of two local particles are yielded once; a pair with a ghost is
// yielded once on each rank holding one of its particles. UpdateGhosts must
// have run since the last Assign or Resort.
func (cs *CellStructure) Pairs() iter.Seq[Pair] {
	return func(yield func(Pair) bool) {
		if cs.grid != nil {
			cs.grid.fill(cs)
			if !cs.cellPairs(yield) {
				return
			}
		}
		if cs.opts.Type != Regular {
			cs.nsquarePairs(yield)
		}
	}
}

// cellPairs walks the linked cells of the regular part
func (cs *CellStructure) cellPairs(yield func(Pair) bool) bool {
	g := cs.grid
	rc2 := cs.opts.Cutoff * cs.opts.Cutoff
	for x := 1; x <= g.n[0]; x++ {
		for y := 1; y <= g.n[1]; y++ {
			for z := 1; z <= g.n[2]; z++ {
				for _, i := range g.cells[g.index(x, y, z)].local {
					a := &cs.local[i]
					for _, nb := range g.neighbours(x, y, z) {
						cell := &g.cells[nb]
						for _, j := range cell.local {
							if j <= i {
								continue
							}
							if !emit(yield, a, &cs.local[j], false, r3.Sub(cs.local[j].Pos, a.Pos), rc2) {
								return false
							}
						}
						for _, j := range cell.ghost {
							b := &cs.halo[j].Particle
							if !emit(yield, a, b, true, r3.Sub(b.Pos, a.Pos), rc2) {
								return false
							}
						}
					}
				}
			}
		}
	}
	return true
}

// nsquarePairs covers every pair with an n-square particle, and in a Hybrid
// structure the pairs of regular particles with remote n-square ones
func (cs *CellStructure) nsquarePairs(yield func(Pair) bool) bool {
	rc2 := cs.opts.Cutoff * cs.opts.Cutoff
	rank := cs.dom.Topo.Rank
	for i := range cs.local {
		a := &cs.local[i]
		if !cs.isNSquare(a) {
			continue
		}
		for j := range cs.local {
			b := &cs.local[j]
			// n-square pairs once by index, mixed pairs from the n-square side
			if cs.isNSquare(b) && j <= i {
				continue
			}
			if !emit(yield, a, b, false, cs.dom.MinImage(a.Pos, b.Pos), rc2) {
				return false
			}
		}
		// Halo images of this rank's particles are covered by the minimum image
		for j := range cs.halo {
			if cs.halo[j].origin == rank {
				continue
			}
			b := &cs.halo[j].Particle
			if !emit(yield, a, b, true, r3.Sub(b.Pos, a.Pos), rc2) {
				return false
			}
		}
		for j := range cs.remote {
			b := &cs.remote[j].Particle
			if !emit(yield, a, b, true, cs.dom.MinImage(a.Pos, b.Pos), rc2) {
				return false
			}
		}
	}

	if cs.opts.Type != Hybrid {
		return true
	}
	for i := range cs.local {
		a := &cs.local[i]
		if cs.isNSquare(a) {
			continue
		}
		for j := range cs.remote {
			b := &cs.remote[j].Particle
			if !emit(yield, a, b, true, cs.dom.MinImage(a.Pos, b.Pos), rc2) {
				return false
			}
		}
	}
	return true
}

func emit(yield func(Pair) bool, a, b *Particle, ghost bool, r r3.Vec, rc2 float64) bool {
	d2 := r3.Norm2(r)
	if d2 >= rc2 {
		return true
	}
	return yield(Pair{A: a, B: b, Ghost: ghost, R: r, Dist2: d2})
}

// cellGrid bins the regular particles of the local sub-box into cells no
// smaller than the cutoff, with one layer of ghost cells on every face
type cellGrid struct {
	n     [3]int // Inner cells per axis
	size  [3]float64
	left  [3]float64
	cells []cell
}

type cell struct {
	local []int // Indices into CellStructure.local
	ghost []int // Indices into CellStructure.halo
}

func newCellGrid(dom *Domain, cutoff float64) *cellGrid {
	g := &cellGrid{left: dom.MyLeft}
	for a := 0; a < 3; a++ {
		g.n[a] = max(1, int(math.Floor(dom.LocalBox[a]/cutoff)))
		g.size[a] = dom.LocalBox[a] / float64(g.n[a])
	}
	g.cells = make([]cell, (g.n[0]+2)*(g.n[1]+2)*(g.n[2]+2))
	return g
}

func (g *cellGrid) index(x, y, z int) int {
	return z + (g.n[2]+2)*(y+(g.n[1]+2)*x)
}

// locate returns the cell of pos, clamped to [lo, n+1-lo] per axis
func (g *cellGrid) locate(pos r3.Vec, lo int) int {
	p := components(pos)
	var c [3]int
	for a := 0; a < 3; a++ {
		k := int(math.Floor((p[a]-g.left[a])/g.size[a])) + 1
		c[a] = min(max(k, lo), g.n[a]+1-lo)
	}
	return g.index(c[0], c[1], c[2])
}

func (g *cellGrid) fill(cs *CellStructure) {
	for i := range g.cells {
		g.cells[i].local = g.cells[i].local[:0]
		g.cells[i].ghost = g.cells[i].ghost[:0]
	}
	for i := range cs.local {
		if cs.isNSquare(&cs.local[i]) {
			continue
		}
		c := g.locate(cs.local[i].Pos, 1)
		g.cells[c].local = append(g.cells[c].local, i)
	}
	for j := range cs.halo {
		c := g.locate(cs.halo[j].Pos, 0)
		g.cells[c].ghost = append(g.cells[c].ghost, j)
	}
}

// neighbours returns the 27 cells around inner cell (x, y, z), itself included
func (g *cellGrid) neighbours(x, y, z int) [27]int {
	var out [27]int
	k := 0
	for dx := -1; dx <= 1; dx++ {
		for dy := -1; dy <= 1; dy++ {
			for dz := -1; dz <= 1; dz++ {
				out[k] = g.index(x+dx, y+dy, z+dz)
				k++
			}
		}
	}
	return out
}

// occupancy returns the local particle count of every inner cell
func (g *cellGrid) occupancy() []float64 {
	counts := make([]float64, 0, g.n[0]*g.n[1]*g.n[2])
	for x := 1; x <= g.n[0]; x++ {
		for y := 1; y <= g.n[1]; y++ {
			for z := 1; z <= g.n[2]; z++ {
				counts = append(counts, float64(len(g.cells[g.index(x, y, z)].local)))
			}
		}
	}
	return counts
}
