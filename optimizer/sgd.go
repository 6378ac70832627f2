package optimizer

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/tsawler/yolo-train/network"
	"github.com/tsawler/yolo-train/tensor"
)

// SGD is momentum SGD over parameter groups. With Nesterov enabled the
// update is w -= lr*(g + m*v) after v = m*v + g.
type SGD struct {
	*groupSet
	kind     Kind
	Momentum float32
	Nesterov bool

	velocity [][]float32
}

// NewSGD creates an SGD or Momentum optimizer
func NewSGD(config Config, groups []Group) (*SGD, error) {
	if config.Momentum < 0 || config.Momentum >= 1 {
		return nil, errors.Errorf("momentum must be in [0, 1): %f", config.Momentum)
	}
	gs, err := newGroupSet(groups, config.LossScale)
	if err != nil {
		return nil, err
	}
	sgd := &SGD{
		groupSet: gs,
		kind:     config.Kind,
		Momentum: config.Momentum,
		Nesterov: config.Nesterov,
		velocity: make([][]float32, len(gs.params)),
	}
	for i, p := range gs.params {
		sgd.velocity[i] = make([]float32, p.Value.NumElems)
	}
	return sgd, nil
}

func (sgd *SGD) Kind() Kind { return sgd.kind }

// SetMomentum updates the momentum coefficient
func (sgd *SGD) SetMomentum(momentum float32) {
	sgd.Momentum = momentum
}

// Step performs a single optimization step
func (sgd *SGD) Step(params []*network.Parameter, grads []*tensor.Tensor) error {
	m := sgd.Momentum
	return sgd.each(params, grads, func(i int, group *Group, w, g []float32) {
		v := sgd.velocity[i]
		lr := group.LR
		for j := range w {
			v[j] = m*v[j] + g[j]
			if sgd.Nesterov {
				w[j] -= lr * (g[j] + m*v[j])
			} else {
				w[j] -= lr * v[j]
			}
		}
	})
}

// GetState extracts optimizer state for checkpointing
func (sgd *SGD) GetState() (*OptimizerState, error) {
	stateData := make([]OptimizerTensor, 0, len(sgd.velocity))
	for i, v := range sgd.velocity {
		data := make([]float32, len(v))
		copy(data, v)
		stateData = append(stateData, OptimizerTensor{
			Name:      fmt.Sprintf("momentum_%d", i),
			Shape:     append([]int(nil), sgd.params[i].Value.Shape...),
			Data:      data,
			StateType: "momentum",
		})
	}

	return &OptimizerState{
		Type: "SGD",
		Parameters: map[string]interface{}{
			"kind":       sgd.kind.String(),
			"momentum":   float64(sgd.Momentum),
			"nesterov":   sgd.Nesterov,
			"step_count": float64(sgd.steps),
			"group_lr":   groupLRs(sgd.groups),
		},
		StateData: stateData,
	}, nil
}

// LoadState restores optimizer state from checkpoint
func (sgd *SGD) LoadState(state *OptimizerState) error {
	if err := validateStateType("SGD", state); err != nil {
		return err
	}

	sgd.Momentum = extractFloat32Param(state.Parameters, "momentum", sgd.Momentum)
	sgd.Nesterov = extractBoolParam(state.Parameters, "nesterov", sgd.Nesterov)
	sgd.steps = extractUint64Param(state.Parameters, "step_count", sgd.steps)
	restoreGroupLRs(state.Parameters, sgd.groups)

	for _, t := range state.StateData {
		if t.StateType != "momentum" {
			continue
		}
		idx := extractBufferIndex(t.Name)
		if idx < 0 || idx >= len(sgd.velocity) {
			return errors.Errorf("invalid buffer index in tensor name: %s", t.Name)
		}
		if err := restoreBuffer(sgd.velocity[idx], t); err != nil {
			return err
		}
	}
	return nil
}
