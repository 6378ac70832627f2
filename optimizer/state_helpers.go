package optimizer

import (
	"github.com/pkg/errors"

	"github.com/tsawler/yolo-train/network"
	"github.com/tsawler/yolo-train/tensor"
)

// groupSet flattens parameter groups and remembers where each parameter lives
type groupSet struct {
	groups []Group
	params []*network.Parameter
	group  []int
	index  map[*network.Parameter]int
	scale  float32
	steps  uint64
}

func newGroupSet(groups []Group, lossScale float32) (*groupSet, error) {
	if len(groups) == 0 {
		return nil, errors.New("no parameter groups provided")
	}
	if lossScale <= 0 {
		return nil, errors.Errorf("optimizer loss scale must be positive: %g", lossScale)
	}
	gs := &groupSet{
		groups: make([]Group, len(groups)),
		index:  make(map[*network.Parameter]int),
		scale:  lossScale,
	}
	copy(gs.groups, groups)
	for g, group := range groups {
		if group.LR < 0 {
			return nil, errors.Errorf("group %s: learning rate cannot be negative: %f", group.Name, group.LR)
		}
		for _, p := range group.Params {
			if p.Value.DType != tensor.Float32 {
				return nil, errors.Errorf("parameter %s: only Float32 parameters can be optimized, got %s", p.Name, p.Value.DType)
			}
			if _, dup := gs.index[p]; dup {
				return nil, errors.Errorf("parameter %s appears in more than one group", p.Name)
			}
			gs.index[p] = len(gs.params)
			gs.params = append(gs.params, p)
			gs.group = append(gs.group, g)
		}
	}
	return gs, nil
}

func (gs *groupSet) NumGroups() int { return len(gs.groups) }

func (gs *groupSet) GetStepCount() uint64 { return gs.steps }

func (gs *groupSet) GroupLR(group int) float32 {
	if group < 0 || group >= len(gs.groups) {
		return 0
	}
	return gs.groups[group].LR
}

func (gs *groupSet) SetGroupLR(group int, lr float32) error {
	if group < 0 || group >= len(gs.groups) {
		return errors.Errorf("group %d out of range [0,%d)", group, len(gs.groups))
	}
	gs.groups[group].LR = lr
	return nil
}

// each resolves every (param, grad) pair and hands the unscaled, decayed
// gradient to fn together with the parameter's flat index and group.
func (gs *groupSet) each(params []*network.Parameter, grads []*tensor.Tensor, fn func(i int, group *Group, w, g []float32)) error {
	if len(params) != len(grads) {
		return errors.Errorf("got %d gradients for %d parameters", len(grads), len(params))
	}
	inv := 1 / gs.scale
	buf := []float32(nil)
	for k, p := range params {
		i, ok := gs.index[p]
		if !ok {
			return errors.Errorf("parameter %s is not managed by this optimizer", p.Name)
		}
		grad := grads[k]
		if grad == nil {
			continue
		}
		if grad.NumElems != p.Value.NumElems || grad.DType != tensor.Float32 {
			return errors.Errorf("gradient for %s has shape %v, expected %v", p.Name, grad.Shape, p.Value.Shape)
		}
		group := &gs.groups[gs.group[i]]
		w := p.Value.Data.([]float32)
		src := grad.Data.([]float32)
		if cap(buf) < len(src) {
			buf = make([]float32, len(src))
		}
		g := buf[:len(src)]
		for j, v := range src {
			g[j] = v*inv + group.WeightDecay*w[j]
		}
		fn(i, group, w, g)
	}
	gs.steps++
	return nil
}

// extractFloat32Param safely extracts a float32 parameter from the state map
func extractFloat32Param(params map[string]interface{}, key string, defaultValue float32) float32 {
	switch val := params[key].(type) {
	case float64:
		return float32(val)
	case float32:
		return val
	}
	return defaultValue
}

// extractBoolParam safely extracts a bool parameter from the state map
func extractBoolParam(params map[string]interface{}, key string, defaultValue bool) bool {
	if val, ok := params[key].(bool); ok {
		return val
	}
	return defaultValue
}

// extractUint64Param safely extracts a uint64 parameter from the state map
func extractUint64Param(params map[string]interface{}, key string, defaultValue uint64) uint64 {
	switch val := params[key].(type) {
	case float64:
		return uint64(val)
	case uint64:
		return val
	case int:
		return uint64(val)
	}
	return defaultValue
}

func groupLRs(groups []Group) []interface{} {
	out := make([]interface{}, len(groups))
	for i, g := range groups {
		out[i] = float64(g.LR)
	}
	return out
}

func restoreGroupLRs(params map[string]interface{}, groups []Group) {
	lrs, ok := params["group_lr"].([]interface{})
	if !ok || len(lrs) != len(groups) {
		return
	}
	for i, v := range lrs {
		switch lr := v.(type) {
		case float64:
			groups[i].LR = float32(lr)
		case float32:
			groups[i].LR = lr
		}
	}
}

// restoreBuffer copies checkpointed state into buf
func restoreBuffer(buf []float32, t OptimizerTensor) error {
	if len(t.Data) != len(buf) {
		return errors.Errorf("data size mismatch for %s: expected %d elements, got %d", t.Name, len(buf), len(t.Data))
	}
	copy(buf, t.Data)
	return nil
}
