package cells

import (
	"fmt"

	"gonum.org/v1/gonum/spatial/r3"
)

// Particle is a point charge owned by exactly one rank
type Particle struct {
	ID     int
	Type   int
	Pos    r3.Vec
	Charge float64
	Force  r3.Vec // Accumulated by force kernels, never communicated
}

// Wire layout of one particle: ID, Type, Pos, Charge, origin rank
const particleWidth = 7

type ghost struct {
	Particle
	origin int // Rank owning the original particle
}

func appendParticle(buf []float64, p *Particle, origin int) []float64 {
	return append(buf,
		float64(p.ID), float64(p.Type),
		p.Pos.X, p.Pos.Y, p.Pos.Z,
		p.Charge, float64(origin))
}

func decodeGhosts(buf []float64) ([]ghost, error) {
	if len(buf)%particleWidth != 0 {
		return nil, fmt.Errorf("particle buffer of %d values is not a multiple of %d", len(buf), particleWidth)
	}
	out := make([]ghost, len(buf)/particleWidth)
	for i := range out {
		v := buf[i*particleWidth : (i+1)*particleWidth]
		out[i] = ghost{
			Particle: Particle{
				ID:     int(v[0]),
				Type:   int(v[1]),
				Pos:    r3.Vec{X: v[2], Y: v[3], Z: v[4]},
				Charge: v[5],
			},
			origin: int(v[6]),
		}
	}
	return out, nil
}
