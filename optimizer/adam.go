package optimizer

import (
	"fmt"
	"math"

	"github.com/pkg/errors"

	"github.com/tsawler/yolo-train/network"
	"github.com/tsawler/yolo-train/tensor"
)

// Adam is bias-corrected Adam over parameter groups with L2 weight decay
// folded into the gradient.
type Adam struct {
	*groupSet
	Beta1   float32
	Beta2   float32
	Epsilon float32

	m [][]float32
	v [][]float32
}

// NewAdam creates an Adam optimizer; config.Momentum is used as beta1
func NewAdam(config Config, groups []Group) (*Adam, error) {
	if config.Momentum < 0 || config.Momentum >= 1 {
		return nil, errors.Errorf("beta1 must be in [0, 1): %f", config.Momentum)
	}
	if config.Beta2 < 0 || config.Beta2 >= 1 {
		return nil, errors.Errorf("beta2 must be in [0, 1): %f", config.Beta2)
	}
	if config.Epsilon <= 0 {
		return nil, errors.Errorf("epsilon must be positive: %g", config.Epsilon)
	}
	gs, err := newGroupSet(groups, config.LossScale)
	if err != nil {
		return nil, err
	}
	adam := &Adam{
		groupSet: gs,
		Beta1:    config.Momentum,
		Beta2:    config.Beta2,
		Epsilon:  config.Epsilon,
		m:        make([][]float32, len(gs.params)),
		v:        make([][]float32, len(gs.params)),
	}
	for i, p := range gs.params {
		adam.m[i] = make([]float32, p.Value.NumElems)
		adam.v[i] = make([]float32, p.Value.NumElems)
	}
	return adam, nil
}

func (adam *Adam) Kind() Kind { return KindAdam }

// SetMomentum updates beta1
func (adam *Adam) SetMomentum(momentum float32) {
	adam.Beta1 = momentum
}

// Step performs a single Adam optimization step
func (adam *Adam) Step(params []*network.Parameter, grads []*tensor.Tensor) error {
	t := float64(adam.steps + 1)
	b1, b2 := adam.Beta1, adam.Beta2
	c1 := float32(1 - math.Pow(float64(b1), t))
	c2 := float32(1 - math.Pow(float64(b2), t))
	return adam.each(params, grads, func(i int, group *Group, w, g []float32) {
		m, v := adam.m[i], adam.v[i]
		lr := group.LR
		for j := range w {
			m[j] = b1*m[j] + (1-b1)*g[j]
			v[j] = b2*v[j] + (1-b2)*g[j]*g[j]
			mHat := m[j] / c1
			vHat := v[j] / c2
			w[j] -= lr * mHat / (float32(math.Sqrt(float64(vHat))) + adam.Epsilon)
		}
	})
}

// GetState extracts optimizer state for checkpointing
func (adam *Adam) GetState() (*OptimizerState, error) {
	stateData := make([]OptimizerTensor, 0, 2*len(adam.m))
	for i := range adam.m {
		shape := adam.params[i].Value.Shape
		for _, buf := range []struct {
			kind string
			data []float32
		}{{"m", adam.m[i]}, {"v", adam.v[i]}} {
			data := make([]float32, len(buf.data))
			copy(data, buf.data)
			stateData = append(stateData, OptimizerTensor{
				Name:      fmt.Sprintf("%s_%d", buf.kind, i),
				Shape:     append([]int(nil), shape...),
				Data:      data,
				StateType: buf.kind,
			})
		}
	}

	return &OptimizerState{
		Type: "Adam",
		Parameters: map[string]interface{}{
			"beta1":      float64(adam.Beta1),
			"beta2":      float64(adam.Beta2),
			"epsilon":    float64(adam.Epsilon),
			"step_count": float64(adam.steps),
			"group_lr":   groupLRs(adam.groups),
		},
		StateData: stateData,
	}, nil
}

// LoadState restores optimizer state from checkpoint
func (adam *Adam) LoadState(state *OptimizerState) error {
	if err := validateStateType("Adam", state); err != nil {
		return err
	}

	adam.Beta1 = extractFloat32Param(state.Parameters, "beta1", adam.Beta1)
	adam.Beta2 = extractFloat32Param(state.Parameters, "beta2", adam.Beta2)
	adam.Epsilon = extractFloat32Param(state.Parameters, "epsilon", adam.Epsilon)
	adam.steps = extractUint64Param(state.Parameters, "step_count", adam.steps)
	restoreGroupLRs(state.Parameters, adam.groups)

	for _, t := range state.StateData {
		var bufs [][]float32
		switch t.StateType {
		case "m":
			bufs = adam.m
		case "v":
			bufs = adam.v
		default:
			continue
		}
		idx := extractBufferIndex(t.Name)
		if idx < 0 || idx >= len(bufs) {
			return errors.Errorf("invalid buffer index in tensor name: %s", t.Name)
		}
		if err := restoreBuffer(bufs[idx], t); err != nil {
			return err
		}
	}
	return nil
}
