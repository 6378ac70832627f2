package training

import (
	"log/slog"
	"math"

	"github.com/pkg/errors"

	"github.com/tsawler/yolo-train/checkpoints"
	"github.com/tsawler/yolo-train/network"
	"github.com/tsawler/yolo-train/tensor"
)

// EMAConfig configures the decay ramp decay(n) = MaxDecay*(1-exp(-n/Tau))
type EMAConfig struct {
	MaxDecay float64
	Tau      float64
}

// DefaultEMAConfig returns the detector defaults
func DefaultEMAConfig() EMAConfig {
	return EMAConfig{MaxDecay: 0.9999, Tau: 2000}
}

// EMA keeps a shadow copy of every model parameter, updated as a decayed
// running average of the live weights. Integer buffers are copied verbatim.
type EMA struct {
	config  EMAConfig
	live    []*network.Parameter
	shadow  []*network.Parameter
	updates int
}

// NewEMA creates the shadow set as a copy of params with the counter at zero
func NewEMA(params []*network.Parameter, config EMAConfig) (*EMA, error) {
	if config.MaxDecay <= 0 || config.MaxDecay >= 1 || config.Tau <= 0 {
		return nil, errors.Errorf("invalid EMA config: %+v", config)
	}
	e := &EMA{config: config, live: params, shadow: make([]*network.Parameter, len(params))}
	for i, p := range params {
		c, err := p.Value.Clone()
		if err != nil {
			return nil, errors.Wrapf(err, "clone %s", p.Name)
		}
		e.shadow[i] = &network.Parameter{Name: p.Name, Value: c}
	}
	return e, nil
}

// Decay returns the coefficient used for the n-th update
func (e *EMA) Decay(n int) float64 {
	return e.config.MaxDecay * (1 - math.Exp(-float64(n)/e.config.Tau))
}

func (e *EMA) Updates() int { return e.updates }

// Update advances the counter and blends the live weights into the shadow set
func (e *EMA) Update() error {
	e.updates++
	d := float32(e.Decay(e.updates))
	for i, p := range e.live {
		s := e.shadow[i].Value
		var err error
		switch {
		case p.Value.DType.IsFloat():
			err = tensor.MulAddInPlace(s, d, p.Value, 1-d)
		case p.Value.DType == tensor.Int32:
			err = s.CopyFrom(p.Value)
		default:
			err = errors.Errorf("unsupported dtype %s", p.Value.DType)
		}
		if err != nil {
			return errors.Wrapf(err, "ema %s", p.Name)
		}
	}
	return nil
}

// CloneFromModel resets the shadow set to the live weights and the counter to zero
func (e *EMA) CloneFromModel() error {
	for i, p := range e.live {
		if err := e.shadow[i].Value.CopyFrom(p.Value); err != nil {
			return errors.Wrapf(err, "ema %s", p.Name)
		}
	}
	e.updates = 0
	return nil
}

// Load restores shadow weights and the update counter from a checkpoint.
// A checkpoint without an updates entry keeps the current counter.
func (e *EMA) Load(checkpoint *checkpoints.Checkpoint, logger *slog.Logger) error {
	missing, err := checkpoints.LoadIntoParameters(checkpoint.Weights, e.shadow)
	if err != nil {
		return errors.Wrap(err, "load ema weights")
	}
	if len(missing) > 0 {
		logger.Warn("ema weights missing from checkpoint", "params", missing)
	}
	if checkpoint.TrainingState.HasUpdates {
		e.updates = checkpoint.TrainingState.Updates
	} else {
		logger.Warn("\"updates\" missing from ema checkpoint", "updates", e.updates)
	}
	return nil
}

// Parameters returns the shadow tensors under the live parameter names
func (e *EMA) Parameters() []*network.Parameter { return e.shadow }
