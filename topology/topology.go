package topology

import (
	"fmt"
	"sort"
)

// Cartesian is a rank's view of a periodic 3D process grid.
// Ranks are numbered row-major with the last axis varying fastest.
type Cartesian struct {
	Dims   [3]int // Process grid extent per axis
	Rank   int    // This rank
	Coords [3]int // Position of Rank in the grid

	neighbors [NumDirections]int
}

// NewCartesian builds the topology of rank within a process grid of the given dims
func NewCartesian(dims [3]int, rank int) (*Cartesian, error) {
	size := 1
	for axis, d := range dims {
		if d < 1 {
			return nil, fmt.Errorf("process grid dimension %d is %d, must be positive", axis, d)
		}
		size *= d
	}
	if rank < 0 || rank >= size {
		return nil, fmt.Errorf("rank %d outside process grid of %d ranks", rank, size)
	}

	c := &Cartesian{
		Dims: dims,
		Rank: rank,
	}
	c.Coords = c.CoordsOf(rank)

	for _, d := range Directions {
		shifted := c.Coords
		if d.IsHigh() {
			shifted[d.Axis()]++
		} else {
			shifted[d.Axis()]--
		}
		c.neighbors[d] = c.RankOf(shifted)
	}

	return c, nil
}

// Size returns the number of ranks in the grid
func (c *Cartesian) Size() int {
	return c.Dims[0] * c.Dims[1] * c.Dims[2]
}

// RankOf returns the rank at the given grid position, wrapping periodically
func (c *Cartesian) RankOf(coords [3]int) int {
	var w [3]int
	for axis := 0; axis < 3; axis++ {
		w[axis] = ((coords[axis] % c.Dims[axis]) + c.Dims[axis]) % c.Dims[axis]
	}
	return (w[0]*c.Dims[1]+w[1])*c.Dims[2] + w[2]
}

// CoordsOf returns the grid position of rank
func (c *Cartesian) CoordsOf(rank int) [3]int {
	return [3]int{
		rank / (c.Dims[1] * c.Dims[2]),
		(rank / c.Dims[2]) % c.Dims[1],
		rank % c.Dims[2],
	}
}

// Neighbor returns the rank adjacent across face d
func (c *Cartesian) Neighbor(d Direction) int {
	return c.neighbors[d]
}

// Neighbors returns the adjacent rank for all 6 faces in Direction order
func (c *Cartesian) Neighbors() [NumDirections]int {
	return c.neighbors
}

// IsSelf reports whether the neighbour across face d is this rank (periodic self-wrap)
func (c *Cartesian) IsSelf(d Direction) bool {
	return c.neighbors[d] == c.Rank
}

// AtBoundary reports whether face d of this rank lies on the periodic boundary of the global domain
func (c *Cartesian) AtBoundary(d Direction) bool {
	axis := d.Axis()
	if d.IsHigh() {
		return c.Coords[axis] == c.Dims[axis]-1
	}
	return c.Coords[axis] == 0
}

// DimsCreate factors n ranks into a balanced 3D process grid. Entries of fixed
// greater than zero are kept as given; the remaining axes receive the prime
// factors of the leftover count, largest factor to the currently smallest
// axis. Free axes come out in non-increasing order.
func DimsCreate(n int, fixed [3]int) ([3]int, error) {
	if n < 1 {
		return [3]int{}, fmt.Errorf("number of ranks must be positive, got %d", n)
	}

	remaining := n
	var free []int
	dims := [3]int{1, 1, 1}
	for axis, f := range fixed {
		switch {
		case f < 0:
			return [3]int{}, fmt.Errorf("fixed grid dimension %d is negative (%d)", axis, f)
		case f > 0:
			if remaining%f != 0 {
				return [3]int{}, fmt.Errorf("fixed grid dimensions %v do not divide %d ranks", fixed, n)
			}
			remaining /= f
			dims[axis] = f
		default:
			free = append(free, axis)
		}
	}

	if len(free) == 0 {
		if remaining != 1 {
			return [3]int{}, fmt.Errorf("fixed grid dimensions %v do not multiply to %d ranks", fixed, n)
		}
		return dims, nil
	}

	// Distribute prime factors, largest first, onto the smallest free axis
	factors := primeFactors(remaining)
	sort.Sort(sort.Reverse(sort.IntSlice(factors)))
	products := make([]int, len(free))
	for i := range products {
		products[i] = 1
	}
	for _, f := range factors {
		smallest := 0
		for i := range products {
			if products[i] < products[smallest] {
				smallest = i
			}
		}
		products[smallest] *= f
	}
	sort.Sort(sort.Reverse(sort.IntSlice(products)))
	for i, axis := range free {
		dims[axis] = products[i]
	}

	return dims, nil
}

func primeFactors(n int) []int {
	var factors []int
	for p := 2; p*p <= n; p++ {
		for n%p == 0 {
			factors = append(factors, p)
			n /= p
		}
	}
	if n > 1 {
		factors = append(factors, n)
	}
	return factors
}
