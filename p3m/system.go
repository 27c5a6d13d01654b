// Package p3m drives the mesh part of a particle-particle particle-mesh
// solver on one rank: charges are spread onto the local mesh, folded into the
// owning interiors, handed to an external field solver and the resulting
// field is copied back out to the ghosts and interpolated at the particles.
package p3m

import (
	"fmt"
	"iter"

	"github.com/notargets/meshhalo/cells"
	"github.com/notargets/meshhalo/comm"
	"github.com/notargets/meshhalo/halo"
	"github.com/notargets/meshhalo/mesh"
	"github.com/notargets/meshhalo/topology"
	"github.com/notargets/meshhalo/utils"
	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/spatial/r3"
)

// Largest offset error still taken as rounding of a position on a sub-box face
const faceRounding = 1e-9

// Params are the tunable mesh parameters
type Params struct {
	Box    [3]float64 // Simulation box lengths
	Global [3]int     // Global mesh points per axis
	CAO    int        // Charge assignment order, 1 to mesh.MaxCAO
}

// Solver turns the interior charge density of one rank into the interior
// electric field. Slices hold interior points only, last axis fastest; the
// interior extent is lm.Interior().
type Solver interface {
	Solve(lm *mesh.LocalMesh, rho []float64, field [3][]float64) error
}

// System holds the mesh state of one rank
type System struct {
	params Params
	h      [3]float64 // Mesh spacing
	topo   *topology.Cartesian
	comm   comm.Communicator
	lm     *mesh.LocalMesh
	sm     *halo.SendMesh
	log    *logrus.Entry

	charge []float64
	field  [3][]float64

	weights [3][]float64
}

// New builds the mesh state of c's rank and plans its halo exchange. It is
// collective over the communicator.
func New(c comm.Communicator, topo *topology.Cartesian, p Params, log *logrus.Entry) (*System, error) {
	s := &System{
		topo: topo,
		comm: c,
		log:  utils.OrDiscard(log).WithField("solver", "p3m"),
	}
	s.sm = halo.NewSendMesh(s.log)
	if err := s.Retune(p); err != nil {
		return nil, err
	}
	return s, nil
}

// Retune switches to new mesh parameters, recomputing the local mesh and the
// halo plan. It is collective over the communicator.
func (s *System) Retune(p Params) error {
	for a := 0; a < 3; a++ {
		if !(p.Box[a] > 0) {
			return &mesh.ConfigError{Param: "box", Reason: fmt.Sprintf("length %g along axis %d must be positive", p.Box[a], a)}
		}
	}
	lm, err := mesh.FromCAO(p.Global, p.CAO, s.topo)
	if err != nil {
		return err
	}
	if err := s.sm.Resize(s.comm, s.topo, lm); err != nil {
		return fmt.Errorf("plan halo exchange: %w", err)
	}

	s.params = p
	s.lm = lm
	for a := 0; a < 3; a++ {
		s.h[a] = p.Box[a] / float64(p.Global[a])
		s.weights[a] = make([]float64, p.CAO)
		s.field[a] = lm.NewField()
	}
	s.charge = lm.NewField()

	s.log.WithFields(logrus.Fields{
		"global": p.Global,
		"cao":    p.CAO,
		"local":  lm.String(),
	}).Debug("mesh tuned")
	return nil
}

// LocalMesh returns the current local mesh geometry
func (s *System) LocalMesh() *mesh.LocalMesh {
	return s.lm
}

// Params returns the current mesh parameters
func (s *System) Params() Params {
	return s.params
}

// ChargeMesh exposes the local charge mesh, ghosts included
func (s *System) ChargeMesh() []float64 {
	return s.charge
}

// FieldMesh exposes one component of the local field mesh, ghosts included
func (s *System) FieldMesh(axis int) []float64 {
	return s.field[axis]
}

// stencil fills s.weights for pos and returns the local index of the first
// stencil point per axis. ok is false when the stencil left the local mesh by
// more than face rounding explains; the stencil is then clamped onto the mesh.
func (s *System) stencil(pos r3.Vec) (first [3]int, ok bool) {
	ok = true
	cao := s.params.CAO
	for a, x := range [3]float64{pos.X, pos.Y, pos.Z} {
		// Local mesh coordinate: interior point InLD sits at Start*h
		u := x/s.h[a] - float64(s.lm.Start[a]) + float64(s.lm.InLD[a])
		k, w := stencilStart(cao, u)
		first[a] = min(max(k, 0), s.lm.Dim[a]-cao)
		// The weights are continuous across mesh points, so a stencil shifted
		// by one point with the offset moved by one spreads the same charge
		switch {
		case k == first[a]:
		case k-first[a] == 1 && w < faceRounding:
			w++
		case first[a]-k == 1 && w > 1-faceRounding:
			w--
		default:
			ok = false
		}
		BSplineWeights(cao, w, s.weights[a])
	}
	return first, ok
}

func (s *System) warnOutside(outside int, op string) {
	if outside == 0 {
		return
	}
	s.log.WithFields(logrus.Fields{
		"particles": outside,
		"op":        op,
	}).Warn("particles outside the local sub-box, stencils clamped onto the mesh")
}

// AssignCharges replaces the charge mesh with the charges of particles. The
// particles must lie in this rank's sub-box, as laid out by
// cells.NewMeshDomain; their stencils then stay within the ghost margins.
// Particles outside are clamped onto the mesh and reported at warn level.
func (s *System) AssignCharges(particles iter.Seq[*cells.Particle]) {
	clear(s.charge)
	cao := s.params.CAO
	dim := s.lm.Dim
	outside := 0
	for p := range particles {
		if p.Charge == 0 {
			continue
		}
		first, ok := s.stencil(p.Pos)
		if !ok {
			outside++
		}
		for i := 0; i < cao; i++ {
			qx := p.Charge * s.weights[0][i]
			for j := 0; j < cao; j++ {
				qxy := qx * s.weights[1][j]
				row := first[2] + dim[2]*((first[1]+j)+dim[1]*(first[0]+i))
				for k := 0; k < cao; k++ {
					s.charge[row+k] += qxy * s.weights[2][k]
				}
			}
		}
	}
	s.warnOutside(outside, "assign")
}

// GatherCharges folds the ghost contributions of the charge mesh into the
// owning interiors. It is collective over the communicator.
func (s *System) GatherCharges() error {
	if err := s.sm.Gather(s.comm, s.charge); err != nil {
		return fmt.Errorf("gather charge mesh: %w", err)
	}
	return nil
}

// Interior returns a copy of the interior of the charge mesh, last axis fastest
func (s *System) Interior() []float64 {
	in := halo.BlockFromCorners(s.lm.InLD, s.lm.InUR)
	out := make([]float64, in.Size())
	halo.Pack(s.charge, out, in, s.lm.Dim)
	return out
}

// SetInterior overwrites the interior of field component axis
func (s *System) SetInterior(axis int, values []float64) error {
	if axis < 0 || axis > 2 {
		return fmt.Errorf("field axis %d outside [0, 2]", axis)
	}
	in := halo.BlockFromCorners(s.lm.InLD, s.lm.InUR)
	if len(values) != in.Size() {
		return fmt.Errorf("field interior has %d values, mesh interior has %d", len(values), in.Size())
	}
	halo.Unpack(values, s.field[axis], in, s.lm.Dim)
	return nil
}

// Solve hands the gathered charge interior to solver, stores the returned
// field and spreads it into the ghost margins of all three components in one
// exchange. It is collective over the communicator.
func (s *System) Solve(solver Solver) error {
	rho := s.Interior()
	var field [3][]float64
	for a := range field {
		field[a] = make([]float64, len(rho))
	}
	if err := solver.Solve(s.lm, rho, field); err != nil {
		return fmt.Errorf("field solver: %w", err)
	}
	for a := range field {
		if err := s.SetInterior(a, field[a]); err != nil {
			return err
		}
	}
	if err := s.sm.Spread(s.comm, s.field[0], s.field[1], s.field[2]); err != nil {
		return fmt.Errorf("spread field mesh: %w", err)
	}
	return nil
}

// Interpolate adds q·E, with E interpolated from the field mesh, to the force
// of every particle. The particles must lie in this rank's sub-box, as for
// AssignCharges.
func (s *System) Interpolate(particles iter.Seq[*cells.Particle]) {
	cao := s.params.CAO
	dim := s.lm.Dim
	outside := 0
	for p := range particles {
		if p.Charge == 0 {
			continue
		}
		first, ok := s.stencil(p.Pos)
		if !ok {
			outside++
		}
		var e [3]float64
		for i := 0; i < cao; i++ {
			for j := 0; j < cao; j++ {
				wxy := s.weights[0][i] * s.weights[1][j]
				row := first[2] + dim[2]*((first[1]+j)+dim[1]*(first[0]+i))
				for k := 0; k < cao; k++ {
					w := wxy * s.weights[2][k]
					for a := 0; a < 3; a++ {
						e[a] += w * s.field[a][row+k]
					}
				}
			}
		}
		p.Force = r3.Add(p.Force, r3.Scale(p.Charge, r3.Vec{X: e[0], Y: e[1], Z: e[2]}))
	}
	s.warnOutside(outside, "interpolate")
}

// TotalCharge sums the interior charge over all ranks. After GatherCharges
// it equals the sum of all particle charges. It is collective over the
// communicator.
func (s *System) TotalCharge() (float64, error) {
	return comm.AllReduceSum(s.comm, floats.Sum(s.Interior()))
}
