package halo

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/notargets/meshhalo/comm"
	"github.com/notargets/meshhalo/mesh"
	"github.com/notargets/meshhalo/topology"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
)

// recordingComm logs the payload sizes of every exchange
type recordingComm struct {
	comm.Communicator
	mu    sync.Mutex
	calls []exchangeCall
}

type exchangeCall struct {
	tag        comm.Tag
	send, recv int
}

func (r *recordingComm) SendRecv(send []float64, dest int, recv []float64, source int, tag comm.Tag) error {
	r.mu.Lock()
	r.calls = append(r.calls, exchangeCall{tag: tag, send: len(send), recv: len(recv)})
	r.mu.Unlock()
	return r.Communicator.SendRecv(send, dest, recv, source, tag)
}

func (r *recordingComm) count(tag comm.Tag) int {
	n := 0
	for _, c := range r.calls {
		if c.tag == tag {
			n++
		}
	}
	return n
}

type rankState struct {
	topo *topology.Cartesian
	lm   *mesh.LocalMesh
	sm   *SendMesh
}

func planRank(c comm.Communicator, dims, global [3]int, margin [6]int) (*rankState, error) {
	topo, err := topology.NewCartesian(dims, c.Rank())
	if err != nil {
		return nil, err
	}
	lm, err := mesh.New(global, margin, topo)
	if err != nil {
		return nil, err
	}
	sm := NewSendMesh(nil)
	if err := sm.Resize(c, topo, lm); err != nil {
		return nil, err
	}
	return &rankState{topo: topo, lm: lm, sm: sm}, nil
}

// runRanks plans every rank of the grid, fills its field and applies step
func runRanks(t *testing.T, dims, global [3]int, margin [6]int,
	fill func(rs *rankState) []float64,
	step func(rs *rankState, c comm.Communicator, field []float64) error) ([]*rankState, [][]float64) {
	t.Helper()
	n := dims[0] * dims[1] * dims[2]
	states := make([]*rankState, n)
	fields := make([][]float64, n)
	err := comm.NewWorld(n).Run(func(c comm.Communicator) error {
		rs, err := planRank(c, dims, global, margin)
		if err != nil {
			return err
		}
		field := fill(rs)
		if err := step(rs, c, field); err != nil {
			return err
		}
		states[c.Rank()] = rs
		fields[c.Rank()] = field
		return nil
	})
	require.NoError(t, err)
	return states, fields
}

func forEachPoint(lm *mesh.LocalMesh, fn func(p [3]int, idx int)) {
	for x := 0; x < lm.Dim[0]; x++ {
		for y := 0; y < lm.Dim[1]; y++ {
			for z := 0; z < lm.Dim[2]; z++ {
				p := [3]int{x, y, z}
				fn(p, lm.Index(p))
			}
		}
	}
}

func interiorBlock(lm *mesh.LocalMesh) Block {
	return BlockFromCorners(lm.InLD, lm.InUR)
}

func ones(rs *rankState) []float64 {
	f := rs.lm.NewField()
	for i := range f {
		f[i] = 1
	}
	return f
}

func gather(rs *rankState, c comm.Communicator, field []float64) error {
	return rs.sm.Gather(c, field)
}

func gatherSpread(rs *rankState, c comm.Communicator, field []float64) error {
	if err := rs.sm.Gather(c, field); err != nil {
		return err
	}
	return rs.sm.Spread(c, field)
}

func TestGather_Conservation(t *testing.T) {
	tests := []struct {
		dims   [3]int
		global [3]int
		margin [6]int
	}{
		{[3]int{1, 1, 1}, [3]int{6, 6, 6}, [6]int{2, 2, 2, 2, 2, 2}},
		{[3]int{2, 1, 1}, [3]int{8, 6, 4}, [6]int{2, 2, 1, 1, 1, 1}},
		{[3]int{2, 1, 1}, [3]int{8, 8, 8}, [6]int{4, 4, 4, 4, 4, 4}},
		{[3]int{2, 2, 2}, [3]int{8, 8, 8}, [6]int{2, 2, 2, 2, 2, 2}},
		{[3]int{2, 2, 2}, [3]int{8, 8, 8}, [6]int{1, 2, 0, 1, 2, 1}},
		// Interiors of 4, 3 and 3 points along x
		{[3]int{3, 1, 1}, [3]int{10, 8, 8}, [6]int{2, 2, 2, 2, 2, 2}},
		{[3]int{3, 1, 1}, [3]int{10, 8, 8}, [6]int{3, 1, 1, 2, 0, 1}},
		{[3]int{3, 2, 1}, [3]int{11, 5, 7}, [6]int{3, 3, 2, 2, 1, 1}},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("Dims%v_Mesh%v_Margin%v", tt.dims, tt.global, tt.margin), func(t *testing.T) {
			states, fields := runRanks(t, tt.dims, tt.global, tt.margin, ones, gather)

			// Every local copy of a global point, ghosts included
			copies := make(map[[3]int]float64)
			total := 0
			for _, rs := range states {
				forEachPoint(rs.lm, func(p [3]int, _ int) { copies[rs.lm.GlobalCoord(p)]++ })
				total += rs.lm.Len()
			}

			sum := 0.0
			for rank, rs := range states {
				in := interiorBlock(rs.lm)
				buf := make([]float64, in.Size())
				Pack(fields[rank], buf, in, rs.lm.Dim)
				sum += floats.Sum(buf)

				forEachPoint(rs.lm, func(p [3]int, idx int) {
					if rs.lm.IsInterior(p) {
						g := rs.lm.GlobalCoord(p)
						if fields[rank][idx] != copies[g] {
							t.Fatalf("rank %d point %v: got %v, want %v", rank, g, fields[rank][idx], copies[g])
						}
					}
				})
			}
			assert.Equal(t, float64(total), sum)
		})
	}
}

func TestSpread_Consistency(t *testing.T) {
	even := [6]int{2, 2, 2, 2, 2, 2}
	tests := []struct {
		dims   [3]int
		global [3]int
		margin [6]int
	}{
		{[3]int{1, 1, 1}, [3]int{8, 8, 8}, even},
		{[3]int{2, 1, 1}, [3]int{8, 8, 8}, even},
		{[3]int{1, 2, 2}, [3]int{8, 8, 8}, even},
		{[3]int{2, 2, 2}, [3]int{8, 8, 8}, even},
		{[3]int{2, 2, 2}, [3]int{8, 8, 8}, [6]int{1, 2, 0, 1, 2, 1}},
		{[3]int{3, 1, 1}, [3]int{10, 8, 8}, even},
		{[3]int{3, 1, 1}, [3]int{10, 8, 8}, [6]int{3, 1, 1, 2, 0, 1}},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("Dims%v_Mesh%v_Margin%v", tt.dims, tt.global, tt.margin), func(t *testing.T) {
			fill := func(rs *rankState) []float64 {
				f := rs.lm.NewField()
				for i := range f {
					f[i] = float64(1000*rs.topo.Rank+i) + 0.125
				}
				return f
			}
			states, fields := runRanks(t, tt.dims, tt.global, tt.margin, fill, gatherSpread)

			owner := make(map[[3]int]float64)
			for rank, rs := range states {
				forEachPoint(rs.lm, func(p [3]int, idx int) {
					if rs.lm.IsInterior(p) {
						owner[rs.lm.GlobalCoord(p)] = fields[rank][idx]
					}
				})
			}
			require.Len(t, owner, tt.global[0]*tt.global[1]*tt.global[2])

			for rank, rs := range states {
				forEachPoint(rs.lm, func(p [3]int, idx int) {
					g := rs.lm.GlobalCoord(p)
					if fields[rank][idx] != owner[g] {
						t.Fatalf("rank %d local %v (global %v): got %v, owner has %v",
							rank, p, g, fields[rank][idx], owner[g])
					}
				})
			}
		})
	}
}

func TestResize_Idempotent(t *testing.T) {
	dims := [3]int{2, 2, 1}
	err := comm.NewWorld(4).Run(func(c comm.Communicator) error {
		rs, err := planRank(c, dims, [3]int{8, 4, 6}, [6]int{1, 2, 2, 1, 0, 3})
		if err != nil {
			return err
		}
		first := *rs.sm
		if err := rs.sm.Resize(c, rs.topo, rs.lm); err != nil {
			return err
		}
		if first.Send != rs.sm.Send || first.Recv != rs.sm.Recv ||
			first.RemoteMargin != rs.sm.RemoteMargin || first.MaxBlock != rs.sm.MaxBlock {
			return fmt.Errorf("second Resize changed the plan")
		}
		if rs.sm.BufferLen() < rs.sm.MaxBlock {
			return fmt.Errorf("buffer of %d values below max block %d", rs.sm.BufferLen(), rs.sm.MaxBlock)
		}
		return nil
	})
	require.NoError(t, err)
}

func TestResize_BlockGeometry(t *testing.T) {
	err := comm.NewWorld(1).Run(func(c comm.Communicator) error {
		rs, err := planRank(c, [3]int{1, 1, 1}, [3]int{4, 4, 4}, [6]int{1, 1, 1, 1, 1, 1})
		if err != nil {
			return err
		}
		sm := rs.sm
		// Along x the full extent is sent, along y only the x interior
		assert.Equal(t, Block{Origin: [3]int{0, 0, 0}, Extent: [3]int{1, 6, 6}}, sm.Send[topology.XLow])
		assert.Equal(t, Block{Origin: [3]int{5, 0, 0}, Extent: [3]int{1, 6, 6}}, sm.Send[topology.XHigh])
		assert.Equal(t, Block{Origin: [3]int{1, 0, 0}, Extent: [3]int{4, 1, 6}}, sm.Send[topology.YLow])
		assert.Equal(t, Block{Origin: [3]int{1, 1, 5}, Extent: [3]int{4, 4, 1}}, sm.Send[topology.ZHigh])
		assert.Equal(t, Block{Origin: [3]int{1, 0, 0}, Extent: [3]int{1, 6, 6}}, sm.Recv[topology.XLow])
		assert.Equal(t, Block{Origin: [3]int{4, 0, 0}, Extent: [3]int{1, 6, 6}}, sm.Recv[topology.XHigh])
		assert.Equal(t, Block{Origin: [3]int{1, 1, 4}, Extent: [3]int{4, 4, 1}}, sm.Recv[topology.ZHigh])
		assert.Equal(t, 36, sm.MaxBlock)
		return nil
	})
	require.NoError(t, err)
}

func TestSelfNeighbour_NoCommunication(t *testing.T) {
	w := comm.NewWorld(1)
	rec := &recordingComm{Communicator: w.Comm(0)}

	rs, err := planRank(rec, [3]int{1, 1, 1}, [3]int{6, 6, 6}, [6]int{2, 2, 2, 2, 2, 2})
	require.NoError(t, err)
	field := ones(rs)
	require.NoError(t, rs.sm.Gather(rec, field))

	// A single rank folds its own ghosts: every interior point gains the
	// ghost copies that wrap onto it
	sum := 0.0
	forEachPoint(rs.lm, func(p [3]int, idx int) {
		if rs.lm.IsInterior(p) {
			sum += field[idx]
		}
	})
	assert.Equal(t, float64(rs.lm.Len()), sum)

	require.NoError(t, rs.sm.Spread(rec, field))
	assert.Empty(t, rec.calls, "self-neighbour exchange must not communicate")
}

func TestZeroSizeDirection(t *testing.T) {
	dims := [3]int{1, 1, 2}
	margin := [6]int{1, 1, 1, 1, 0, 0}
	recs := make([]*recordingComm, 2)
	w := comm.NewWorld(2)
	err := w.Run(func(c comm.Communicator) error {
		rec := &recordingComm{Communicator: c}
		recs[c.Rank()] = rec
		rs, err := planRank(rec, dims, [3]int{4, 4, 4}, margin)
		if err != nil {
			return err
		}
		for _, d := range []topology.Direction{topology.ZLow, topology.ZHigh} {
			if !rs.sm.Send[d].Empty() || !rs.sm.Recv[d].Empty() {
				return fmt.Errorf("%s blocks not empty: %v %v", d, rs.sm.Send[d], rs.sm.Recv[d])
			}
		}
		// Ghosts along x and y wrap onto the rank itself; nothing crosses z
		field := ones(rs)
		if err := rs.sm.Gather(rec, field); err != nil {
			return err
		}
		return rs.sm.Spread(rec, field)
	})
	require.NoError(t, err)

	// Empty directions are skipped without reaching the transport
	for rank, rec := range recs {
		assert.Zero(t, rec.count(comm.TagGather), "rank %d", rank)
		assert.Zero(t, rec.count(comm.TagSpread), "rank %d", rank)
	}
}

func TestZeroMargins_FieldUntouched(t *testing.T) {
	fill := func(rs *rankState) []float64 {
		f := rs.lm.NewField()
		for i := range f {
			f[i] = float64(i) + 0.5
		}
		return f
	}
	states, fields := runRanks(t, [3]int{2, 2, 2}, [3]int{4, 4, 4}, [6]int{}, fill, gatherSpread)
	for rank, rs := range states {
		assert.Equal(t, fill(rs), fields[rank], "rank %d", rank)
	}
}

func TestRoundTrip_IsolatedInteriorPoint(t *testing.T) {
	var point [3]int
	fill := func(rs *rankState) []float64 {
		f := rs.lm.NewField()
		if rs.topo.Rank == 0 {
			// Outside the layers the neighbours hold as ghosts
			point = [3]int{rs.lm.InLD[0] + 3, rs.lm.InLD[1] + 3, rs.lm.InLD[2] + 2}
			f[rs.lm.Index(point)] = 3.5
		}
		return f
	}
	states, fields := runRanks(t, [3]int{2, 2, 2}, [3]int{12, 12, 12}, [6]int{2, 2, 2, 2, 2, 2}, fill, gatherSpread)

	for rank, rs := range states {
		for idx, v := range fields[rank] {
			if rank == 0 && idx == rs.lm.Index(point) {
				assert.Equal(t, 3.5, v)
				continue
			}
			if v != 0 {
				t.Fatalf("rank %d point %v picked up %v", rank, rs.lm.Point(idx), v)
			}
		}
	}
}

func TestGather_Batched(t *testing.T) {
	dims := [3]int{2, 1, 2}
	global := [3]int{6, 4, 6}
	margin := [6]int{2, 1, 1, 1, 1, 2}
	fillA := func(rs *rankState) []float64 {
		f := rs.lm.NewField()
		for i := range f {
			f[i] = float64(i%7) + float64(rs.topo.Rank)
		}
		return f
	}
	fillB := func(rs *rankState) []float64 {
		f := rs.lm.NewField()
		for i := range f {
			f[i] = -float64(i % 5)
		}
		return f
	}

	_, separateA := runRanks(t, dims, global, margin, fillA, gatherSpread)
	_, separateB := runRanks(t, dims, global, margin, fillB, gatherSpread)

	batchB := make([][]float64, 4)
	_, batchA := runRanks(t, dims, global, margin, fillA, func(rs *rankState, c comm.Communicator, a []float64) error {
		b := fillB(rs)
		batchB[rs.topo.Rank] = b
		if err := rs.sm.Gather(c, a, b); err != nil {
			return err
		}
		return rs.sm.Spread(c, a, b)
	})

	for rank := range batchA {
		assert.Equal(t, separateA[rank], batchA[rank], "rank %d mesh A", rank)
		assert.Equal(t, separateB[rank], batchB[rank], "rank %d mesh B", rank)
	}
}

func TestResize_DetectsMismatchedPlans(t *testing.T) {
	err := comm.NewWorld(2).Run(func(c comm.Communicator) error {
		// Ranks disagree on the y margins, so their x faces differ in size
		m := 1 + c.Rank()
		_, err := planRank(c, [3]int{2, 1, 1}, [3]int{8, 8, 8}, [6]int{1, 1, m, m, 1, 1})
		return err
	})
	require.Error(t, err)
	var mismatch *PlanMismatchError
	require.True(t, errors.As(err, &mismatch), "got %v", err)
	assert.Equal(t, topology.XLow, mismatch.Direction)
}

func TestExchange_Misuse(t *testing.T) {
	c := comm.NewWorld(1).Comm(0)
	sm := NewSendMesh(nil)
	assert.ErrorIs(t, sm.Gather(c, make([]float64, 8)), ErrNotPlanned)
	assert.ErrorIs(t, sm.Spread(c, make([]float64, 8)), ErrNotPlanned)

	rs, err := planRank(c, [3]int{1, 1, 1}, [3]int{4, 4, 4}, [6]int{1, 1, 1, 1, 1, 1})
	require.NoError(t, err)
	assert.Error(t, rs.sm.Gather(c, make([]float64, 8)))
}
