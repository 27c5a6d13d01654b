package comm

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
)

// World is an in-process group of ranks that exchange messages over channels.
// Each (source, dest, tag) triple has its own FIFO mailbox.
type World struct {
	size int

	mu    sync.Mutex
	boxes map[mailKey]chan []float64

	abortOnce sync.Once
	aborted   chan struct{}
}

type mailKey struct {
	source, dest int
	tag          Tag
}

// NewWorld creates a world of size ranks
func NewWorld(size int) *World {
	if size < 1 {
		panic(fmt.Sprintf("world size must be positive, got %d", size))
	}
	return &World{
		size:    size,
		boxes:   make(map[mailKey]chan []float64),
		aborted: make(chan struct{}),
	}
}

// Size returns the number of ranks in the world
func (w *World) Size() int {
	return w.size
}

// Comm returns the endpoint of rank
func (w *World) Comm(rank int) *LocalComm {
	if rank < 0 || rank >= w.size {
		panic(fmt.Sprintf("rank %d outside world of %d ranks", rank, w.size))
	}
	return &LocalComm{world: w, rank: rank}
}

// Abort releases every pending and future exchange with ErrAborted
func (w *World) Abort() {
	w.abortOnce.Do(func() { close(w.aborted) })
}

// Run executes fn once per rank, each on its own goroutine, and waits for all
// of them. The first error aborts the world so that ranks blocked in an
// exchange with the failed rank return instead of waiting forever. The
// returned error is the root cause rather than a peer's ErrAborted.
func (w *World) Run(fn func(c Communicator) error) error {
	var g errgroup.Group
	errs := make([]error, w.size)
	for rank := 0; rank < w.size; rank++ {
		c := w.Comm(rank)
		g.Go(func() error {
			if err := fn(c); err != nil {
				errs[c.rank] = fmt.Errorf("rank %d: %w", c.rank, err)
				w.Abort()
				return errs[c.rank]
			}
			return nil
		})
	}
	if err := g.Wait(); err == nil {
		return nil
	}
	var first error
	for _, err := range errs {
		if err == nil {
			continue
		}
		if !errors.Is(err, ErrAborted) {
			return err
		}
		if first == nil {
			first = err
		}
	}
	return first
}

func (w *World) mailbox(source, dest int, tag Tag) chan []float64 {
	key := mailKey{source: source, dest: dest, tag: tag}
	w.mu.Lock()
	defer w.mu.Unlock()
	box, ok := w.boxes[key]
	if !ok {
		box = make(chan []float64)
		w.boxes[key] = box
	}
	return box
}

// LocalComm is a rank endpoint of a World
type LocalComm struct {
	world *World
	rank  int
}

func (c *LocalComm) Rank() int { return c.rank }
func (c *LocalComm) Size() int { return c.world.size }

// SendRecv implements Communicator. The payload is copied before it is
// posted so the caller owns send again on return.
func (c *LocalComm) SendRecv(send []float64, dest int, recv []float64, source int, tag Tag) error {
	if dest < 0 || dest >= c.world.size || source < 0 || source >= c.world.size {
		return fmt.Errorf("exchange partners %d/%d outside world of %d ranks", dest, source, c.world.size)
	}

	sent := make(chan struct{})
	if len(send) > 0 {
		payload := make([]float64, len(send))
		copy(payload, send)
		out := c.world.mailbox(c.rank, dest, tag)
		go func() {
			defer close(sent)
			select {
			case out <- payload:
			case <-c.world.aborted:
			}
		}()
	} else {
		close(sent)
	}

	if len(recv) > 0 {
		in := c.world.mailbox(source, c.rank, tag)
		select {
		case got := <-in:
			if len(got) != len(recv) {
				return &SizeMismatchError{Source: source, Tag: tag, Want: len(recv), Got: len(got)}
			}
			copy(recv, got)
		case <-c.world.aborted:
			return ErrAborted
		}
	}

	<-sent
	select {
	case <-c.world.aborted:
		return ErrAborted
	default:
	}
	return nil
}
