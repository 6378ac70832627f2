package collective

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/tsawler/yolo-train/tensor"
)

// Group is an in-process collective: one Member per worker goroutine.
type Group struct {
	size int
	op   Op

	mu    sync.Mutex
	round *round
}

type round struct {
	acc     accumulator
	arrived int
	err     error
	done    chan struct{}
}

// NewGroup creates a collective for size workers
func NewGroup(size int, op Op) (*Group, error) {
	if size <= 0 {
		return nil, errors.Errorf("group size must be positive: %d", size)
	}
	return &Group{size: size, op: op}, nil
}

// Member returns the reducer handle for one rank
func (g *Group) Member(rank int) (*Member, error) {
	if rank < 0 || rank >= g.size {
		return nil, errors.Errorf("rank %d out of range for group of %d", rank, g.size)
	}
	return &Member{group: g, rank: rank}, nil
}

// Member is one worker's view of a Group
type Member struct {
	group *Group
	rank  int
}

func (m *Member) Rank() int { return m.rank }

func (m *Member) Size() int { return m.group.size }

// AllReduce blocks until every member of the group has contributed
func (m *Member) AllReduce(ctx context.Context, grads []*tensor.Tensor) error {
	g := m.group

	g.mu.Lock()
	r := g.round
	if r == nil {
		r = &round{done: make(chan struct{})}
		g.round = r
	}
	if r.err == nil {
		if err := r.acc.add(grads); err != nil {
			r.err = errors.Wrapf(err, "rank %d", m.rank)
		}
	}
	r.arrived++
	if r.arrived == g.size {
		if r.err == nil {
			r.acc.finish(g.op)
		}
		g.round = nil
		close(r.done)
	}
	g.mu.Unlock()

	select {
	case <-r.done:
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "all-reduce interrupted")
	}

	if r.err != nil {
		return r.err
	}
	r.acc.copyTo(grads)
	return nil
}
