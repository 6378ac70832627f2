// Package collective implements the cross-worker gradient reduction that runs
// once per micro-batch before local accumulation. Every worker must call
// AllReduce the same number of times; a missing worker blocks the others.
package collective

import (
	"context"
	"strings"

	"github.com/pkg/errors"

	"github.com/tsawler/yolo-train/tensor"
)

// Op selects how gradients are combined across workers
type Op int

const (
	Mean Op = iota
	Sum
)

func (o Op) String() string {
	switch o {
	case Mean:
		return "mean"
	case Sum:
		return "sum"
	default:
		return "unknown"
	}
}

// ParseOp reads "mean" or "sum"
func ParseOp(s string) (Op, error) {
	switch strings.ToLower(s) {
	case "mean", "":
		return Mean, nil
	case "sum":
		return Sum, nil
	default:
		return Mean, errors.Errorf("unknown reduce op %q", s)
	}
}

// Reducer combines per-parameter gradients across all workers in place
type Reducer interface {
	AllReduce(ctx context.Context, grads []*tensor.Tensor) error
	Rank() int
	Size() int
}

// Identity is the single-device reducer
type Identity struct{}

func (Identity) AllReduce(ctx context.Context, grads []*tensor.Tensor) error {
	return nil
}

func (Identity) Rank() int { return 0 }

func (Identity) Size() int { return 1 }

// accumulator sums contributions from each worker in float32
type accumulator struct {
	shapes [][]int
	sums   [][]float32
	count  int
}

func (a *accumulator) add(grads []*tensor.Tensor) error {
	if a.count == 0 {
		a.shapes = make([][]int, len(grads))
		a.sums = make([][]float32, len(grads))
		for i, g := range grads {
			data, err := g.Float32Data()
			if err != nil {
				return errors.Wrapf(err, "gradient %d", i)
			}
			a.shapes[i] = g.Shape
			a.sums[i] = append([]float32(nil), data...)
		}
		a.count = 1
		return nil
	}

	if len(grads) != len(a.sums) {
		return errors.Errorf("worker sent %d gradients, expected %d", len(grads), len(a.sums))
	}
	for i, g := range grads {
		data, err := g.Float32Data()
		if err != nil {
			return errors.Wrapf(err, "gradient %d", i)
		}
		if len(data) != len(a.sums[i]) {
			return errors.Errorf("gradient %d has %d elements, expected %d", i, len(data), len(a.sums[i]))
		}
		sum := a.sums[i]
		for j, v := range data {
			sum[j] += v
		}
	}
	a.count++
	return nil
}

func (a *accumulator) finish(op Op) {
	if op != Mean || a.count <= 1 {
		return
	}
	inv := 1 / float32(a.count)
	for _, sum := range a.sums {
		for j := range sum {
			sum[j] *= inv
		}
	}
}

func (a *accumulator) copyTo(grads []*tensor.Tensor) {
	for i, g := range grads {
		copy(g.Data.([]float32), a.sums[i])
	}
}
