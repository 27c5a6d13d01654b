// Package cells distributes particles over the ranks of a Cartesian process
// grid and finds the particle pairs within a short-range cutoff. Ownership is
// spatial for every variant: a particle lives on the rank whose sub-box holds
// its position. The variant decides how neighbours are found and which
// remote particles are replicated as ghosts.
package cells

import (
	"fmt"
	"iter"
	"slices"

	"github.com/notargets/meshhalo/comm"
	"github.com/notargets/meshhalo/utils"
	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat"
)

// Options configures a CellStructure
type Options struct {
	Type   CellStructureType
	Cutoff float64 // Pair interaction range
	// Particle types kept in the n-square set of a Hybrid structure
	NSquareTypes []int
}

// CellStructure owns this rank's particles and their ghosts
type CellStructure struct {
	opts Options
	dom  *Domain
	log  *logrus.Entry

	local []Particle
	// Ghosts from the face-by-face particle halo of the regular part
	halo []ghost
	// Remote members of the n-square set, positions folded into the box
	remote []ghost

	grid *cellGrid
}

// CellStats summarises the occupancy of the local cells
type CellStats struct {
	Cells     int
	Particles int
	Ghosts    int
	Mean      float64 // Particles per cell
	StdDev    float64
}

// New creates an empty cell structure over dom
func New(dom *Domain, opts Options, log *logrus.Entry) (*CellStructure, error) {
	if !opts.Type.Valid() {
		return nil, fmt.Errorf("cells: invalid cell structure type %d", int(opts.Type))
	}
	if !(opts.Cutoff > 0) {
		return nil, fmt.Errorf("cells: cutoff %g must be positive", opts.Cutoff)
	}
	for a := 0; a < 3; a++ {
		if 2*opts.Cutoff > dom.Box[a] {
			return nil, fmt.Errorf("cells: cutoff %g exceeds half the box length %g along axis %d",
				opts.Cutoff, dom.Box[a], a)
		}
		// Ghosts come from direct neighbours only, so no sub-box may be narrower
		if w := dom.MinLocalBox(a); opts.Type != NSquare && opts.Cutoff > w {
			return nil, fmt.Errorf("cells: cutoff %g exceeds the local box length %g along axis %d",
				opts.Cutoff, w, a)
		}
	}

	cs := &CellStructure{
		opts: opts,
		dom:  dom,
		log: utils.OrDiscard(log).WithFields(logrus.Fields{
			"cells": opts.Type.String(),
		}),
	}
	if opts.Type != NSquare {
		cs.grid = newCellGrid(dom, opts.Cutoff)
	}
	cs.log.WithField("cutoff", opts.Cutoff).Debug("cell structure created")
	return cs, nil
}

// Type returns the variant of the structure
func (cs *CellStructure) Type() CellStructureType {
	return cs.opts.Type
}

// Domain returns the spatial decomposition the structure lives on
func (cs *CellStructure) Domain() *Domain {
	return cs.dom
}

// Cutoff returns the pair interaction range
func (cs *CellStructure) Cutoff() float64 {
	return cs.opts.Cutoff
}

// isNSquare reports whether p belongs to the n-square set
func (cs *CellStructure) isNSquare(p *Particle) bool {
	switch cs.opts.Type {
	case NSquare:
		return true
	case Hybrid:
		return slices.Contains(cs.opts.NSquareTypes, p.Type)
	}
	return false
}

// Assign keeps the particles owned by this rank, folded into the box, and
// drops any ghosts from an earlier update. Every rank may be handed the same
// global particle list.
func (cs *CellStructure) Assign(particles []Particle) {
	cs.local = cs.local[:0]
	for _, p := range particles {
		p.Pos = cs.dom.Fold(p.Pos)
		if cs.dom.Contains(p.Pos) {
			cs.local = append(cs.local, p)
		}
	}
	cs.halo = cs.halo[:0]
	cs.remote = cs.remote[:0]
	cs.log.WithField("particles", len(cs.local)).Debug("particles assigned")
}

// Resort moves particles that left this rank's sub-box to their new owners.
// It is collective over the communicator.
func (cs *CellStructure) Resort(c comm.Communicator) error {
	var leaving []float64
	kept := cs.local[:0]
	for _, p := range cs.local {
		p.Pos = cs.dom.Fold(p.Pos)
		if cs.dom.Contains(p.Pos) {
			kept = append(kept, p)
			continue
		}
		leaving = appendParticle(leaving, &p, c.Rank())
	}
	cs.local = kept

	all, err := comm.AllGather(c, leaving)
	if err != nil {
		return fmt.Errorf("resort particles: %w", err)
	}
	arrived := 0
	for rank, buf := range all {
		if rank == c.Rank() {
			continue
		}
		moved, err := decodeGhosts(buf)
		if err != nil {
			return fmt.Errorf("resort particles from rank %d: %w", rank, err)
		}
		for _, g := range moved {
			if cs.dom.Contains(g.Pos) {
				cs.local = append(cs.local, g.Particle)
				arrived++
			}
		}
	}
	cs.halo = cs.halo[:0]
	cs.remote = cs.remote[:0]
	cs.log.WithFields(logrus.Fields{
		"left":    len(leaving) / particleWidth,
		"arrived": arrived,
	}).Debug("particles resorted")
	return nil
}

// NumLocal returns the number of owned particles
func (cs *CellStructure) NumLocal() int {
	return len(cs.local)
}

// NumGhosts returns the number of replicated remote particles
func (cs *CellStructure) NumGhosts() int {
	return len(cs.halo) + len(cs.remote)
}

// LocalParticles yields the owned particles; callers may update forces
func (cs *CellStructure) LocalParticles() iter.Seq[*Particle] {
	return func(yield func(*Particle) bool) {
		for i := range cs.local {
			if !yield(&cs.local[i]) {
				return
			}
		}
	}
}

// GhostParticles yields copies of the replicated remote particles
func (cs *CellStructure) GhostParticles() iter.Seq[Particle] {
	return func(yield func(Particle) bool) {
		for _, set := range [][]ghost{cs.halo, cs.remote} {
			for _, g := range set {
				if !yield(g.Particle) {
					return
				}
			}
		}
	}
}

// Stats reports the occupancy of the local cells. An n-square structure
// counts as a single cell.
func (cs *CellStructure) Stats() CellStats {
	var counts []float64
	if cs.grid != nil {
		cs.grid.fill(cs)
		counts = cs.grid.occupancy()
	} else {
		counts = []float64{float64(len(cs.local))}
	}
	mean, std := stat.PopMeanStdDev(counts, nil)
	return CellStats{
		Cells:     len(counts),
		Particles: len(cs.local),
		Ghosts:    cs.NumGhosts(),
		Mean:      mean,
		StdDev:    std,
	}
}
