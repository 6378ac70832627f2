package optimizer

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/tsawler/yolo-train/network"
	"github.com/tsawler/yolo-train/tensor"
)

// ErrUnsupported is returned for optimizer names the trainer cannot run
var ErrUnsupported = errors.New("unsupported optimizer")

// Kind selects the update rule
type Kind int

const (
	KindSGD Kind = iota
	KindMomentum
	KindAdam
)

func (k Kind) String() string {
	switch k {
	case KindSGD:
		return "sgd"
	case KindMomentum:
		return "momentum"
	case KindAdam:
		return "adam"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// HasMomentum reports whether the warmup momentum ramp applies
func (k Kind) HasMomentum() bool {
	return k == KindSGD || k == KindMomentum
}

// ParseKind maps a configured optimizer name to its kind
func ParseKind(name string) (Kind, error) {
	switch strings.ToLower(name) {
	case "sgd":
		return KindSGD, nil
	case "momentum":
		return KindMomentum, nil
	case "adam":
		return KindAdam, nil
	default:
		return 0, errors.Wrapf(ErrUnsupported, "%q", name)
	}
}

// Group is a parameter group with its own learning rate and weight decay
type Group struct {
	Name        string
	Params      []*network.Parameter
	LR          float32
	WeightDecay float32
}

// Config holds the hyperparameters shared by every group
type Config struct {
	Kind     Kind
	Momentum float32 // momentum for SGD kinds, beta1 for Adam
	Beta2    float32
	Epsilon  float32
	Nesterov bool
	// LossScale divides every incoming gradient before the update
	LossScale float32
}

// DefaultConfig returns the detector recipe defaults for kind
func DefaultConfig(kind Kind) Config {
	return Config{
		Kind:      kind,
		Momentum:  0.937,
		Beta2:     0.999,
		Epsilon:   1e-8,
		Nesterov:  true,
		LossScale: 1,
	}
}

// Optimizer applies gradients to grouped parameters
type Optimizer interface {
	// Step applies grads to params; params must belong to the optimizer's groups
	Step(params []*network.Parameter, grads []*tensor.Tensor) error

	// GetState extracts optimizer state for checkpointing
	GetState() (*OptimizerState, error)

	// LoadState restores optimizer state from a checkpoint
	LoadState(state *OptimizerState) error

	// GetStepCount returns the number of applied updates
	GetStepCount() uint64

	NumGroups() int
	GroupLR(group int) float32
	SetGroupLR(group int, lr float32) error
	SetMomentum(momentum float32)
	Kind() Kind
}

// OptimizerState represents the complete state of an optimizer
type OptimizerState struct {
	Type       string                 `json:"type"`
	Parameters map[string]interface{} `json:"parameters"`
	StateData  []OptimizerTensor      `json:"state_data"`
}

// OptimizerTensor is one per-parameter state buffer
type OptimizerTensor struct {
	Name      string    `json:"name"`
	Shape     []int     `json:"shape"`
	Data      []float32 `json:"data"`
	StateType string    `json:"state_type"` // "momentum", "m", "v"
}

// New creates the optimizer selected by config.Kind
func New(config Config, groups []Group) (Optimizer, error) {
	switch config.Kind {
	case KindSGD, KindMomentum:
		return NewSGD(config, groups)
	case KindAdam:
		return NewAdam(config, groups)
	default:
		return nil, errors.Wrapf(ErrUnsupported, "%s", config.Kind)
	}
}

// extractBufferIndex extracts the buffer index from state tensor names like "momentum_0" or "v_3"
func extractBufferIndex(name string) int {
	i := strings.LastIndexByte(name, '_')
	if i < 0 {
		return -1
	}
	var idx int
	if n, err := fmt.Sscanf(name[i+1:], "%d", &idx); n == 1 && err == nil {
		return idx
	}
	return -1
}

// validateStateType ensures the state type matches the optimizer
func validateStateType(optimizerType string, state *OptimizerState) error {
	if state == nil {
		return errors.New("nil optimizer state")
	}
	if state.Type != optimizerType {
		return errors.Errorf("state type mismatch: expected %s, got %s", optimizerType, state.Type)
	}
	return nil
}
