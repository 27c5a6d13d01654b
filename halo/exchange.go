package halo

import (
	"errors"
	"fmt"

	"github.com/notargets/meshhalo/comm"
	"github.com/notargets/meshhalo/topology"
)

// ErrNotPlanned is returned by Gather and Spread before a successful Resize
var ErrNotPlanned = errors.New("halo: send mesh used before Resize")

// Gather folds the ghost margins of every mesh into the interiors of the
// ranks that own them. Directions are processed XLow to ZHigh; ghost corners
// travel with the earlier axes and are folded in axis order. All meshes must
// have the planned local dimensions and are exchanged in one message per
// direction.
func (sm *SendMesh) Gather(c comm.Communicator, meshes ...[]float64) error {
	if err := sm.check(meshes); err != nil {
		return err
	}
	n := len(meshes)
	for _, s := range topology.Directions {
		r := s.Opposite()
		send, recv := sm.Send[s], sm.Recv[r]
		// Transports move nothing for empty sides, so neither partner waits
		if send.Size() == 0 && recv.Size() == 0 {
			continue
		}

		for i, m := range meshes {
			Pack(m, sm.sendBuf[i*send.Size():], send, sm.dim)
		}

		if sm.neighbors[s] != sm.rank {
			err := c.SendRecv(sm.sendBuf[:n*send.Size()], sm.neighbors[s],
				sm.recvBuf[:n*recv.Size()], sm.neighbors[r], comm.TagGather)
			if err != nil {
				return fmt.Errorf("gather %s: %w", s, err)
			}
		} else {
			sm.sendBuf, sm.recvBuf = sm.recvBuf, sm.sendBuf
		}

		for i, m := range meshes {
			Accumulate(sm.recvBuf[i*recv.Size():], m, recv, sm.dim)
		}
	}
	return nil
}

// Spread copies the interior of every mesh out into the neighbours' ghost
// margins, overwriting them. Directions are processed ZHigh to XLow so that
// ghost corners are filled after the faces they are copied from.
func (sm *SendMesh) Spread(c comm.Communicator, meshes ...[]float64) error {
	if err := sm.check(meshes); err != nil {
		return err
	}
	n := len(meshes)
	for k := topology.NumDirections - 1; k >= 0; k-- {
		s := topology.Directions[k]
		r := s.Opposite()
		send, recv := sm.Recv[r], sm.Send[s]
		if send.Size() == 0 && recv.Size() == 0 {
			continue
		}

		for i, m := range meshes {
			Pack(m, sm.sendBuf[i*send.Size():], send, sm.dim)
		}

		if sm.neighbors[r] != sm.rank {
			err := c.SendRecv(sm.sendBuf[:n*send.Size()], sm.neighbors[r],
				sm.recvBuf[:n*recv.Size()], sm.neighbors[s], comm.TagSpread)
			if err != nil {
				return fmt.Errorf("spread %s: %w", s, err)
			}
		} else {
			sm.sendBuf, sm.recvBuf = sm.recvBuf, sm.sendBuf
		}

		for i, m := range meshes {
			Unpack(sm.recvBuf[i*recv.Size():], m, recv, sm.dim)
		}
	}
	return nil
}

func (sm *SendMesh) check(meshes [][]float64) error {
	if !sm.planned {
		return ErrNotPlanned
	}
	want := sm.dim[0] * sm.dim[1] * sm.dim[2]
	for i, m := range meshes {
		if len(m) != want {
			return fmt.Errorf("halo: mesh %d has %d points, plan expects %d", i, len(m), want)
		}
	}
	sm.grow(len(meshes) * sm.MaxBlock)
	return nil
}
