package halo

import (
	"fmt"
)

// Block is a rectangular sub-box of a local mesh, in local point coordinates
type Block struct {
	Origin [3]int // Lower corner
	Extent [3]int // Points per axis
}

// BlockFromCorners builds the block [ld, ur); an inverted axis yields an empty block
func BlockFromCorners(ld, ur [3]int) Block {
	var b Block
	b.Origin = ld
	for a := 0; a < 3; a++ {
		if ur[a] > ld[a] {
			b.Extent[a] = ur[a] - ld[a]
		}
	}
	return b
}

// Size returns the number of points in the block
func (b Block) Size() int {
	return b.Extent[0] * b.Extent[1] * b.Extent[2]
}

// Empty reports whether the block has no points
func (b Block) Empty() bool {
	return b.Size() == 0
}

// Upper returns the exclusive upper corner
func (b Block) Upper() [3]int {
	return [3]int{b.Origin[0] + b.Extent[0], b.Origin[1] + b.Extent[1], b.Origin[2] + b.Extent[2]}
}

// Contains reports whether local point p lies in the block
func (b Block) Contains(p [3]int) bool {
	for a := 0; a < 3; a++ {
		if p[a] < b.Origin[a] || p[a] >= b.Origin[a]+b.Extent[a] {
			return false
		}
	}
	return true
}

func (b Block) String() string {
	return fmt.Sprintf("[%v+%v]", b.Origin, b.Extent)
}

// Pack copies block b of mesh (dimensions dim) into buf, last axis fastest.
// buf must hold at least b.Size() values.
func Pack(mesh []float64, buf []float64, b Block, dim [3]int) {
	PackN(mesh, buf, b, dim, 1)
}

// Unpack overwrites block b of mesh with the values in buf
func Unpack(buf []float64, mesh []float64, b Block, dim [3]int) {
	UnpackN(buf, mesh, b, dim, 1)
}

// Accumulate adds the values in buf into block b of mesh
func Accumulate(buf []float64, mesh []float64, b Block, dim [3]int) {
	AccumulateN(buf, mesh, b, dim, 1)
}

// PackN is Pack for meshes holding element values per point
func PackN(mesh []float64, buf []float64, b Block, dim [3]int, element int) {
	if b.Empty() {
		return
	}
	row := element * b.Extent[2]
	k := 0
	for x := 0; x < b.Extent[0]; x++ {
		for y := 0; y < b.Extent[1]; y++ {
			start := element * rowStart(b, dim, x, y)
			copy(buf[k:k+row], mesh[start:start+row])
			k += row
		}
	}
}

// UnpackN is Unpack for meshes holding element values per point
func UnpackN(buf []float64, mesh []float64, b Block, dim [3]int, element int) {
	if b.Empty() {
		return
	}
	row := element * b.Extent[2]
	k := 0
	for x := 0; x < b.Extent[0]; x++ {
		for y := 0; y < b.Extent[1]; y++ {
			start := element * rowStart(b, dim, x, y)
			copy(mesh[start:start+row], buf[k:k+row])
			k += row
		}
	}
}

// AccumulateN is Accumulate for meshes holding element values per point
func AccumulateN(buf []float64, mesh []float64, b Block, dim [3]int, element int) {
	if b.Empty() {
		return
	}
	row := element * b.Extent[2]
	k := 0
	for x := 0; x < b.Extent[0]; x++ {
		for y := 0; y < b.Extent[1]; y++ {
			dst := mesh[element*rowStart(b, dim, x, y):]
			for i, v := range buf[k : k+row] {
				dst[i] += v
			}
			k += row
		}
	}
}

// rowStart is the point offset of row (x, y) of b
func rowStart(b Block, dim [3]int, x, y int) int {
	return b.Origin[2] + dim[2]*((b.Origin[1]+y)+dim[1]*(b.Origin[0]+x))
}
