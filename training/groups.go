package training

import (
	"strings"

	"github.com/tsawler/yolo-train/network"
	"github.com/tsawler/yolo-train/optimizer"
)

// Parameter group indices
const (
	GroupNoDecay = iota // batch-norm scales and other unregularized weights
	GroupDecay          // convolution and linear weights
	GroupBias           // biases, warmed up from warmup_bias_lr
	NumGroups
)

var groupNames = [NumGroups]string{"pg0", "pg1", "pg2"}

// groupOf classifies a parameter by name
func groupOf(name string) int {
	switch {
	case strings.HasSuffix(name, ".bias") || strings.HasSuffix(name, ".beta"):
		return GroupBias
	case strings.Contains(name, ".bn.") || strings.HasSuffix(name, ".gamma") || strings.Contains(name, "implicit"):
		return GroupNoDecay
	case strings.HasSuffix(name, ".weight"):
		return GroupDecay
	default:
		return GroupNoDecay
	}
}

// GroupParameters partitions the trainable parameters into the three groups.
// Only the decay group carries weightDecay; initial learning rates are taken
// from step 0 of the schedule.
func GroupParameters(params []*network.Parameter, weightDecay float64, schedule *Schedule) []optimizer.Group {
	groups := make([]optimizer.Group, NumGroups)
	for g := range groups {
		groups[g].Name = groupNames[g]
		groups[g].LR = float32(schedule.GroupLR(g, 0))
	}
	groups[GroupDecay].WeightDecay = float32(weightDecay)

	for _, p := range network.Trainable(params) {
		g := groupOf(p.Name)
		groups[g].Params = append(groups[g].Params, p)
	}
	return groups
}
