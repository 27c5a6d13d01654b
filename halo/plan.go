// Package halo moves mesh data between the ghost margins and interiors of
// neighbouring ranks. A SendMesh is planned once per mesh geometry with
// Resize, then Gather folds ghost contributions into the owning interiors and
// Spread copies interiors back out into the neighbours' ghosts.
package halo

import (
	"fmt"

	"github.com/notargets/meshhalo/comm"
	"github.com/notargets/meshhalo/mesh"
	"github.com/notargets/meshhalo/topology"
	"github.com/notargets/meshhalo/utils"
	"github.com/sirupsen/logrus"
)

// PlanMismatchError reports a direction whose planned send block does not
// match the block the partner rank expects to receive
type PlanMismatchError struct {
	Direction topology.Direction // Direction of the sender's block
	Partner   int                // Rank that planned the send
	Send      [3]int             // Partner's send extent
	Recv      [3]int             // Local receive extent
}

func (e *PlanMismatchError) Error() string {
	return fmt.Sprintf("halo plan mismatch for %s: rank %d sends %v, expected %v",
		e.Direction, e.Partner, e.Send, e.Recv)
}

// SendMesh holds the per-direction send and receive blocks of one local mesh
// geometry together with the transfer buffers used to move them.
type SendMesh struct {
	// Send[d] is the block sent towards Neighbor(d) during Gather and
	// overwritten from Neighbor(d) during Spread
	Send [topology.NumDirections]Block
	// Recv[d] is the interior block accumulated from Neighbor(d) during
	// Gather and sent to Neighbor(d) during Spread
	Recv [topology.NumDirections]Block

	// RemoteMargin[d] is the margin Neighbor(d) keeps on the face opposite d
	RemoteMargin [topology.NumDirections]int

	// Largest block over all directions
	MaxBlock int

	dim       [3]int
	neighbors [topology.NumDirections]int
	rank      int
	planned   bool

	// Transfer buffers, grown monotonically
	sendBuf []float64
	recvBuf []float64

	log *logrus.Entry
}

// NewSendMesh returns an unplanned SendMesh; call Resize before exchanging
func NewSendMesh(log *logrus.Entry) *SendMesh {
	return &SendMesh{log: utils.OrDiscard(log)}
}

// Resize plans the send and receive blocks for lm. It is collective over the
// communicator: every rank must call it after any change to its local mesh
// and before the next Gather or Spread.
func (sm *SendMesh) Resize(c comm.Communicator, topo *topology.Cartesian, lm *mesh.LocalMesh) error {
	sm.dim = lm.Dim
	sm.neighbors = topo.Neighbors()
	sm.rank = topo.Rank
	sm.planned = false

	// Send blocks, restricted to the interior along already finished axes
	var done [3]bool
	for i := 0; i < 3; i++ {
		var lowLD, lowUR, highLD, highUR [3]int
		for j := 0; j < 3; j++ {
			lo, hi := 0, lm.Dim[j]
			if done[j] {
				lo, hi = lm.Margin[2*j], lm.Dim[j]-lm.Margin[2*j+1]
			}
			lowLD[j], lowUR[j] = lo, hi
			highLD[j], highUR[j] = lo, hi
			if j == i {
				lowUR[j] = lm.Margin[2*j]
				highLD[j] = lm.InUR[j]
			}
		}
		sm.Send[2*i] = BlockFromCorners(lowLD, lowUR)
		sm.Send[2*i+1] = BlockFromCorners(highLD, highUR)
		done[i] = true
	}

	// Learn the neighbours' margins
	for _, d := range topology.Directions {
		opp := d.Opposite()
		if topo.IsSelf(d) && topo.IsSelf(opp) {
			sm.RemoteMargin[opp] = lm.Margin[d]
			continue
		}
		m, err := comm.SendRecvInt(c, lm.Margin[d], sm.neighbors[d], sm.neighbors[opp], comm.TagInit)
		if err != nil {
			return fmt.Errorf("exchange %s margin: %w", d, err)
		}
		sm.RemoteMargin[opp] = m
	}

	// Receive blocks, shifted into the interior by the partner's margin
	for i := 0; i < 3; i++ {
		low, high := 2*i, 2*i+1
		lowLD, lowUR := sm.Send[low].Origin, sm.Send[low].Upper()
		highLD, highUR := sm.Send[high].Origin, sm.Send[high].Upper()
		lowLD[i] += lm.Margin[low]
		lowUR[i] += sm.RemoteMargin[low]
		highLD[i] -= sm.RemoteMargin[high]
		highUR[i] -= lm.Margin[high]
		sm.Recv[low] = BlockFromCorners(lowLD, lowUR)
		sm.Recv[high] = BlockFromCorners(highLD, highUR)
	}

	sm.MaxBlock = 0
	for d := range topology.Directions {
		sm.MaxBlock = max(sm.MaxBlock, sm.Send[d].Size(), sm.Recv[d].Size())
	}
	sm.grow(sm.MaxBlock)

	if err := sm.verify(c); err != nil {
		return err
	}
	sm.planned = true

	sm.log.WithFields(logrus.Fields{
		"dim":      lm.Dim,
		"margin":   lm.Margin,
		"maxBlock": sm.MaxBlock,
	}).Debug("halo plan built")
	return nil
}

// verify checks every direction against the partner's plan: the block a rank
// sends towards d must have the extent of the block its neighbour receives
// from the opposite side
func (sm *SendMesh) verify(c comm.Communicator) error {
	send := make([]float64, 3)
	recv := make([]float64, 3)
	for _, d := range topology.Directions {
		opp := d.Opposite()
		var remote [3]int
		if sm.neighbors[d] == sm.rank && sm.neighbors[opp] == sm.rank {
			remote = sm.Send[d].Extent
		} else {
			for a := 0; a < 3; a++ {
				send[a] = float64(sm.Send[d].Extent[a])
			}
			if err := c.SendRecv(send, sm.neighbors[d], recv, sm.neighbors[opp], comm.TagVerify); err != nil {
				return fmt.Errorf("verify %s plan: %w", d, err)
			}
			for a := 0; a < 3; a++ {
				remote[a] = int(recv[a])
			}
		}
		if remote != sm.Recv[opp].Extent {
			return &PlanMismatchError{
				Direction: d,
				Partner:   sm.neighbors[opp],
				Send:      remote,
				Recv:      sm.Recv[opp].Extent,
			}
		}
	}
	return nil
}

// grow makes the transfer buffers hold at least n values
func (sm *SendMesh) grow(n int) {
	if len(sm.sendBuf) < n {
		sm.sendBuf = make([]float64, n)
		sm.recvBuf = make([]float64, n)
	}
}

// Planned reports whether Resize completed successfully
func (sm *SendMesh) Planned() bool {
	return sm.planned
}

// BufferLen returns the current transfer buffer capacity in values
func (sm *SendMesh) BufferLen() int {
	return len(sm.sendBuf)
}
