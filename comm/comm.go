// Package comm defines the blocking point-to-point exchange primitive used by
// the halo engine and the cell system, together with an in-process world of
// goroutine ranks. All calls block; there is no asynchronous variant.
package comm

import (
	"errors"
	"fmt"
)

// Tag separates message streams between the same pair of ranks
type Tag int32

const (
	TagInit Tag = iota + 1 // Margin exchange while planning
	TagVerify              // Post-plan block size verification
	TagGather              // Halo gather
	TagSpread              // Halo spread
	TagGhostCount          // Particle ghost counts
	TagGhosts              // Particle ghost payloads
	TagReduce              // Reductions
)

// Communicator is one rank's endpoint into a group of ranks.
type Communicator interface {
	// Rank returns this endpoint's rank, 0 <= Rank() < Size()
	Rank() int

	// Size returns the number of ranks in the group
	Size() int

	// SendRecv sends send to dest and receives len(recv) values from source,
	// returning once both have completed. A zero-length send posts no message
	// and a zero-length receive waits for none, so partners must agree on
	// which side of an exchange is empty. The send buffer may be reused as
	// soon as SendRecv returns.
	SendRecv(send []float64, dest int, recv []float64, source int, tag Tag) error
}

// ErrAborted is returned by pending exchanges once the group has been torn down
var ErrAborted = errors.New("communicator aborted")

// SizeMismatchError reports a received message whose length differs from the
// posted receive buffer
type SizeMismatchError struct {
	Source int
	Tag    Tag
	Want   int
	Got    int
}

func (e *SizeMismatchError) Error() string {
	return fmt.Sprintf("message from rank %d (tag %d) carries %d values, receive expects %d",
		e.Source, e.Tag, e.Got, e.Want)
}

// SendRecvInt exchanges a single integer: v goes to dest, the result comes from source
func SendRecvInt(c Communicator, v int, dest, source int, tag Tag) (int, error) {
	send := []float64{float64(v)}
	recv := make([]float64, 1)
	if err := c.SendRecv(send, dest, recv, source, tag); err != nil {
		return 0, err
	}
	return int(recv[0]), nil
}

// AllReduceSum returns the sum of v over all ranks. The partial value is
// passed around the ring rank -> rank+1 for Size()-1 steps.
func AllReduceSum(c Communicator, v float64) (float64, error) {
	n := c.Size()
	if n == 1 {
		return v, nil
	}
	right := (c.Rank() + 1) % n
	left := (c.Rank() - 1 + n) % n

	sum := v
	send := []float64{v}
	recv := make([]float64, 1)
	for step := 0; step < n-1; step++ {
		if err := c.SendRecv(send, right, recv, left, TagReduce); err != nil {
			return 0, fmt.Errorf("all-reduce step %d: %w", step, err)
		}
		sum += recv[0]
		send[0] = recv[0]
	}
	return sum, nil
}

// AllGather returns every rank's data slice, indexed by rank. Lengths may
// differ between ranks; each step of the ring exchanges the length first.
func AllGather(c Communicator, data []float64) ([][]float64, error) {
	n := c.Size()
	rank := c.Rank()
	out := make([][]float64, n)
	out[rank] = append([]float64(nil), data...)
	if n == 1 {
		return out, nil
	}
	right := (rank + 1) % n
	left := (rank - 1 + n) % n

	// At step s this rank forwards the block that originated at rank-s
	for step := 0; step < n-1; step++ {
		sendOrigin := (rank - step + n) % n
		recvOrigin := (rank - step - 1 + n) % n
		send := out[sendOrigin]

		count, err := SendRecvInt(c, len(send), right, left, TagGhostCount)
		if err != nil {
			return nil, fmt.Errorf("all-gather step %d count: %w", step, err)
		}
		recv := make([]float64, count)
		if err := c.SendRecv(send, right, recv, left, TagGhosts); err != nil {
			return nil, fmt.Errorf("all-gather step %d payload: %w", step, err)
		}
		out[recvOrigin] = recv
	}
	return out, nil
}
