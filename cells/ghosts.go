package cells

import (
	"fmt"

	"github.com/notargets/meshhalo/comm"
	"github.com/notargets/meshhalo/topology"
	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/spatial/r3"
)

// UpdateGhosts replaces all ghosts with fresh copies of the remote particles
// this rank needs for pair finding. It is collective over the communicator.
//
// The regular part receives every particle within the cutoff of a face of
// the local sub-box, one axis at a time so that edge and corner ghosts travel
// with the ghosts of earlier axes. The sender applies the periodic shift, so
// ghost positions lie just outside the local sub-box. The n-square part
// receives every n-square particle of every other rank.
func (cs *CellStructure) UpdateGhosts(c comm.Communicator) error {
	cs.halo = cs.halo[:0]
	cs.remote = cs.remote[:0]

	if cs.opts.Type != NSquare {
		if err := cs.exchangeHalo(c); err != nil {
			return err
		}
	}
	if cs.opts.Type != Regular {
		if err := cs.gatherNSquare(c); err != nil {
			return err
		}
	}

	cs.log.WithFields(logrus.Fields{
		"halo":   len(cs.halo),
		"remote": len(cs.remote),
	}).Debug("ghosts updated")
	return nil
}

func (cs *CellStructure) exchangeHalo(c comm.Communicator) error {
	topo := cs.dom.Topo
	rc := cs.opts.Cutoff
	for axis := 0; axis < 3; axis++ {
		// Ghosts received along this axis are not forwarded along it
		known := len(cs.halo)
		var received []ghost
		for _, high := range []bool{false, true} {
			d := topology.Face(axis, high)

			var shift float64
			if topo.AtBoundary(d) {
				shift = cs.dom.Box[axis]
				if high {
					shift = -shift
				}
			}
			inLayer := func(pos r3.Vec) bool {
				x := components(pos)[axis]
				if high {
					return x >= cs.dom.MyRight[axis]-rc
				}
				return x < cs.dom.MyLeft[axis]+rc
			}

			var offset [3]float64
			offset[axis] = shift
			var send []float64
			add := func(p Particle, origin int) {
				p.Pos = r3.Add(p.Pos, vec(offset))
				send = appendParticle(send, &p, origin)
			}
			for i := range cs.local {
				p := &cs.local[i]
				if !cs.isNSquare(p) && inLayer(p.Pos) {
					add(*p, topo.Rank)
				}
			}
			for _, g := range cs.halo[:known] {
				if inLayer(g.Pos) {
					add(g.Particle, g.origin)
				}
			}

			recv := send
			if !topo.IsSelf(d) {
				var err error
				if recv, err = cs.sendParticles(c, send, topo.Neighbor(d), topo.Neighbor(d.Opposite())); err != nil {
					return fmt.Errorf("ghost exchange %s: %w", d, err)
				}
			}
			ghosts, err := decodeGhosts(recv)
			if err != nil {
				return fmt.Errorf("ghost exchange %s: %w", d, err)
			}
			received = append(received, ghosts...)
		}
		cs.halo = append(cs.halo, received...)
	}
	return nil
}

// sendParticles ships a particle buffer to dest and returns the one sent by source
func (cs *CellStructure) sendParticles(c comm.Communicator, send []float64, dest, source int) ([]float64, error) {
	n, err := comm.SendRecvInt(c, len(send), dest, source, comm.TagGhostCount)
	if err != nil {
		return nil, err
	}
	recv := make([]float64, n)
	if err := c.SendRecv(send, dest, recv, source, comm.TagGhosts); err != nil {
		return nil, err
	}
	return recv, nil
}

func (cs *CellStructure) gatherNSquare(c comm.Communicator) error {
	var mine []float64
	for i := range cs.local {
		if cs.isNSquare(&cs.local[i]) {
			mine = appendParticle(mine, &cs.local[i], c.Rank())
		}
	}
	all, err := comm.AllGather(c, mine)
	if err != nil {
		return fmt.Errorf("n-square ghost gather: %w", err)
	}
	for rank, buf := range all {
		if rank == c.Rank() {
			continue
		}
		ghosts, err := decodeGhosts(buf)
		if err != nil {
			return fmt.Errorf("n-square ghosts from rank %d: %w", rank, err)
		}
		cs.remote = append(cs.remote, ghosts...)
	}
	return nil
}
