package training

import (
	"github.com/pkg/errors"

	"github.com/tsawler/yolo-train/tensor"
)

// Accumulator sums finite micro-batch gradients until the accumulation
// target is reached. Callers must never pass non-finite gradients to Add.
type Accumulator struct {
	target int
	count  int
	sum    []*tensor.Tensor
}

// NewAccumulator creates an accumulator firing every target micro-batches
func NewAccumulator(target int) *Accumulator {
	a := &Accumulator{}
	a.SetTarget(target)
	return a
}

// SetTarget changes the accumulation target. A change mid-cycle keeps the
// running sum; the next Add compares against the new target.
func (a *Accumulator) SetTarget(target int) {
	a.target = max(target, 1)
}

func (a *Accumulator) Target() int { return a.target }

// Count returns the number of micro-batches in the running sum
func (a *Accumulator) Count() int { return a.count }

// Sum returns the running sum, nil when empty
func (a *Accumulator) Sum() []*tensor.Tensor { return a.sum }

// Add folds grads into the running sum and reports whether the optimizer
// should fire, that is count % target == 0 after the increment.
func (a *Accumulator) Add(grads []*tensor.Tensor) (bool, error) {
	if a.sum == nil {
		a.sum = make([]*tensor.Tensor, len(grads))
		for i, g := range grads {
			if g == nil {
				continue
			}
			c, err := g.Clone()
			if err != nil {
				return false, errors.Wrapf(err, "accumulate gradient %d", i)
			}
			a.sum[i] = c
		}
	} else {
		if len(grads) != len(a.sum) {
			return false, errors.Errorf("got %d gradients, accumulator holds %d", len(grads), len(a.sum))
		}
		for i, g := range grads {
			if g == nil {
				continue
			}
			if a.sum[i] == nil {
				c, err := g.Clone()
				if err != nil {
					return false, errors.Wrapf(err, "accumulate gradient %d", i)
				}
				a.sum[i] = c
				continue
			}
			if err := tensor.AddInPlace(a.sum[i], g); err != nil {
				return false, errors.Wrapf(err, "accumulate gradient %d", i)
			}
		}
	}
	a.count++
	return a.count%a.target == 0, nil
}

// Reset clears the running sum and counter
func (a *Accumulator) Reset() {
	a.sum = nil
	a.count = 0
}
