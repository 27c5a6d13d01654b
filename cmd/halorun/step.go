package main

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/notargets/meshhalo/cells"
	"github.com/notargets/meshhalo/comm"
	"github.com/notargets/meshhalo/config"
	"github.com/notargets/meshhalo/p3m"
	"github.com/notargets/meshhalo/topology"
	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/spatial/r3"
	"gonum.org/v1/gonum/stat/distuv"
)

// Number of particle types handed out round robin by ID
const particleTypes = 3

// StepReport holds the global observables of one step
type StepReport struct {
	Step        int
	Particles   float64 // Owned particles summed over ranks
	Pairs       float64 // Distinct pairs within the cutoff
	TotalCharge float64 // Gathered mesh charge
	Force       [3]float64
}

// initialParticles builds the global particle list; every rank calls it with
// the same seed and keeps what it owns
func initialParticles(cfg *config.Config) []cells.Particle {
	src := rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)
	var pos [3]distuv.Uniform
	for a := range pos {
		pos[a] = distuv.Uniform{Min: 0, Max: cfg.Box[a], Src: src}
	}
	charge := distuv.Uniform{Min: -1, Max: 1, Src: src}
	ps := make([]cells.Particle, cfg.Particles)
	for i := range ps {
		ps[i] = cells.Particle{
			ID:     i,
			Type:   i % particleTypes,
			Pos:    r3.Vec{X: pos[0].Rand(), Y: pos[1].Rand(), Z: pos[2].Rand()},
			Charge: charge.Rand(),
		}
	}
	return ps
}

// displace moves every particle by a random step that depends only on its
// ID, the step and the seed, so runs agree for any number of ranks
func displace(cfg *config.Config, particles []*cells.Particle, step int) {
	for _, p := range particles {
		src := rand.NewPCG(cfg.Seed+uint64(p.ID), uint64(step))
		move := distuv.Uniform{Min: -cfg.Displacement, Max: cfg.Displacement, Src: src}
		p.Pos = r3.Add(p.Pos, r3.Vec{X: move.Rand(), Y: move.Rand(), Z: move.Rand()})
	}
}

func collect(cs *cells.CellStructure) []*cells.Particle {
	var out []*cells.Particle
	for p := range cs.LocalParticles() {
		out = append(out, p)
	}
	return out
}

// rankLoop runs the step loop on one rank. report, when set, receives the
// global observables after every step on every rank.
func rankLoop(ctx context.Context, c comm.Communicator, cfg *config.Config, log *logrus.Entry,
	report func(StepReport)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dims, err := cfg.ProcessGrid()
	if err != nil {
		return err
	}
	topo, err := topology.NewCartesian(dims, c.Rank())
	if err != nil {
		return err
	}
	// Sub-boxes follow the mesh interiors so owned particles stay within the margins
	dom, err := cells.NewMeshDomain(cfg.Box, topo, cfg.Mesh)
	if err != nil {
		return err
	}
	cs, err := cells.New(dom, cells.Options{
		Type:         cfg.Cells.Type,
		Cutoff:       cfg.Cells.Cutoff,
		NSquareTypes: cfg.Cells.NSquareTypes,
	}, log)
	if err != nil {
		return err
	}
	particles := initialParticles(cfg)
	var want float64
	for _, p := range particles {
		want += p.Charge
	}
	cs.Assign(particles)

	sys, err := p3m.New(c, topo, p3m.Params{Box: cfg.Box, Global: cfg.Mesh, CAO: cfg.CAO}, log)
	if err != nil {
		return err
	}
	log.WithFields(logrus.Fields{
		"grid":      dims,
		"mesh":      sys.LocalMesh().String(),
		"particles": cs.NumLocal(),
	}).Debug("rank ready")

	solver := p3m.ConstantField{E: cfg.Field}
	for step := 1; step <= cfg.Steps; step++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		r, err := runStep(c, cfg, cs, sys, solver, step, want)
		if err != nil {
			return fmt.Errorf("step %d: %w", step, err)
		}
		if report != nil {
			report(r)
		}
		if c.Rank() == 0 {
			log.WithFields(logrus.Fields{
				"step":      r.Step,
				"particles": r.Particles,
				"pairs":     r.Pairs,
				"charge":    r.TotalCharge,
			}).Info("step done")
		}
	}

	st := cs.Stats()
	log.WithFields(logrus.Fields{
		"cells":  st.Cells,
		"local":  st.Particles,
		"ghosts": st.Ghosts,
		"mean":   st.Mean,
		"stddev": st.StdDev,
	}).Info("cell occupancy")
	return nil
}

func runStep(c comm.Communicator, cfg *config.Config, cs *cells.CellStructure, sys *p3m.System,
	solver p3m.Solver, step int, want float64) (StepReport, error) {
	r := StepReport{Step: step}

	displace(cfg, collect(cs), step)
	if err := cs.Resort(c); err != nil {
		return r, err
	}
	if err := cs.UpdateGhosts(c); err != nil {
		return r, err
	}

	sys.AssignCharges(cs.LocalParticles())
	if err := sys.GatherCharges(); err != nil {
		return r, err
	}
	total, err := sys.TotalCharge()
	if err != nil {
		return r, err
	}
	if math.Abs(total-want) > 1e-9*math.Max(1, math.Abs(want)) {
		return r, fmt.Errorf("mesh holds charge %g, particles carry %g", total, want)
	}
	r.TotalCharge = total

	if err := sys.Solve(solver); err != nil {
		return r, err
	}
	for p := range cs.LocalParticles() {
		p.Force = r3.Vec{}
	}
	sys.Interpolate(cs.LocalParticles())

	var pairs float64
	for pair := range cs.Pairs() {
		if pair.Ghost {
			pairs += 0.5
		} else {
			pairs++
		}
	}
	if r.Pairs, err = comm.AllReduceSum(c, pairs); err != nil {
		return r, err
	}
	if r.Particles, err = comm.AllReduceSum(c, float64(cs.NumLocal())); err != nil {
		return r, err
	}
	var f r3.Vec
	for p := range cs.LocalParticles() {
		f = r3.Add(f, p.Force)
	}
	for a, v := range []float64{f.X, f.Y, f.Z} {
		if r.Force[a], err = comm.AllReduceSum(c, v); err != nil {
			return r, err
		}
	}
	return r, nil
}
