package training

import (
	"context"
	"log/slog"

	"github.com/pkg/errors"

	"github.com/tsawler/yolo-train/amp"
	"github.com/tsawler/yolo-train/collective"
	"github.com/tsawler/yolo-train/config"
	"github.com/tsawler/yolo-train/network"
	"github.com/tsawler/yolo-train/optimizer"
	"github.com/tsawler/yolo-train/tensor"
)

// Batch is the input of one micro-batch. Size, when set, is the [H, W] the
// normalized images are resized to before the forward pass.
type Batch struct {
	Images *tensor.Tensor
	Labels *tensor.Tensor
	Size   []int
}

// StepOutcome is returned for every micro-batch, applied or dropped
type StepOutcome struct {
	Loss      float32
	Items     network.LossItems
	Finite    bool
	Applied   bool
	LossScale float32
	// Accumulated is the accumulator count after the step
	Accumulated int
}

// Strategy is one way of running a training step, selected once at setup
type Strategy interface {
	TrainStep(ctx context.Context, batch Batch) (StepOutcome, error)
	// SetAccumulate changes the accumulation target; strategies without
	// accumulation reject anything but 1.
	SetAccumulate(target int) error
	Name() string
}

// StrategyKind selects the Strategy implementation
type StrategyKind int

const (
	StaticShape StrategyKind = iota
	StaticCell
)

func (k StrategyKind) String() string {
	if k == StaticCell {
		return "StaticCell"
	}
	return "StaticShape"
}

// ParseStrategyKind maps a configured strategy name to its kind
func ParseStrategyKind(name string) (StrategyKind, error) {
	switch name {
	case "StaticShape":
		return StaticShape, nil
	case "StaticCell":
		return StaticCell, nil
	default:
		return 0, config.Unsupportedf("strategy %q", name)
	}
}

// StepConfig holds the static settings of a step strategy
type StepConfig struct {
	RankSize            int
	AmpLevel            amp.Level
	OverflowStillUpdate bool
}

// stepCore is the forward, backward and reduction sequence shared by the strategies
type stepCore struct {
	grad    network.GradFunc
	opt     optimizer.Optimizer
	reducer collective.Reducer
	ema     *EMA
	params  []*network.Parameter
	config  StepConfig
	logger  *slog.Logger
}

func newStepCore(model network.Model, grad network.GradFunc, opt optimizer.Optimizer, reducer collective.Reducer, ema *EMA, cfg StepConfig, logger *slog.Logger) stepCore {
	if reducer == nil {
		reducer = collective.Identity{}
	}
	if cfg.RankSize <= 0 {
		cfg.RankSize = 1
	}
	return stepCore{
		grad:    grad,
		opt:     opt,
		reducer: reducer,
		ema:     ema,
		params:  network.Trainable(model.Parameters()),
		config:  cfg,
		logger:  logger,
	}
}

// prepare normalizes pixels to [0,1], resizes when asked and applies the
// input precision of the AMP level.
func (c *stepCore) prepare(b Batch) (*tensor.Tensor, error) {
	x, err := b.Images.Clone()
	if err != nil {
		return nil, err
	}
	if err := tensor.ScaleInPlace(x, 1/255.0); err != nil {
		return nil, err
	}
	if len(b.Size) == 2 {
		if x, err = tensor.ResizeBilinear(x, b.Size[0], b.Size[1]); err != nil {
			return nil, errors.Wrap(err, "multi-scale resize")
		}
	}
	if c.config.AmpLevel.InputDType() == tensor.Float16 {
		if err := tensor.RoundHalfInPlace(x); err != nil {
			return nil, err
		}
	}
	return x, nil
}

// gradients runs forward and backward seeded with scale, then the AMP cast,
// the all-reduce and the unscale. The returned gradients are unscaled.
func (c *stepCore) gradients(ctx context.Context, b Batch, scaler amp.LossScaler) (float32, network.LossItems, []*tensor.Tensor, error) {
	x, err := c.prepare(b)
	if err != nil {
		return 0, network.LossItems{}, nil, err
	}

	rank := float32(c.config.RankSize)
	loss, items, grads, err := c.grad.ValueAndGrad(x, b.Labels, scaler.Value()*rank)
	if err != nil {
		return 0, network.LossItems{}, nil, errors.Wrap(err, "forward/backward")
	}
	loss *= rank

	if err := c.config.AmpLevel.CastGradients(grads); err != nil {
		return 0, network.LossItems{}, nil, err
	}
	if err := c.reducer.AllReduce(ctx, grads); err != nil {
		return 0, network.LossItems{}, nil, errors.Wrap(err, "gradient all-reduce")
	}
	if err := scaler.Unscale(grads); err != nil {
		return 0, network.LossItems{}, nil, err
	}
	return loss, items, grads, nil
}

// apply runs the optimizer and, when enabled, the EMA update
func (c *stepCore) apply(grads []*tensor.Tensor) error {
	if err := c.opt.Step(c.params, grads); err != nil {
		return errors.Wrap(err, "optimizer step")
	}
	if c.ema != nil {
		if err := c.ema.Update(); err != nil {
			return err
		}
	}
	return nil
}

// Step is the StaticShape strategy: dynamic or static loss scaling with
// gradient accumulation and overflow dropping.
type Step struct {
	stepCore
	scaler amp.LossScaler
	acc    *Accumulator
}

// NewStep creates the StaticShape strategy
func NewStep(model network.Model, grad network.GradFunc, opt optimizer.Optimizer, scaler amp.LossScaler, reducer collective.Reducer, ema *EMA, cfg StepConfig, logger *slog.Logger) *Step {
	return &Step{
		stepCore: newStepCore(model, grad, opt, reducer, ema, cfg, logger),
		scaler:   scaler,
		acc:      NewAccumulator(1),
	}
}

func (s *Step) Name() string { return StaticShape.String() }

func (s *Step) SetAccumulate(target int) error {
	s.acc.SetTarget(target)
	return nil
}

// Accumulator exposes the gradient accumulator
func (s *Step) Accumulator() *Accumulator { return s.acc }

// TrainStep runs one micro-batch
func (s *Step) TrainStep(ctx context.Context, b Batch) (StepOutcome, error) {
	loss, items, grads, err := s.gradients(ctx, b, s.scaler)
	if err != nil {
		return StepOutcome{}, err
	}

	finite := tensor.AllFinite(grads)
	update := finite
	if !finite {
		if s.config.OverflowStillUpdate {
			s.logger.Warn("overflow, still update", "loss_scale", s.scaler.Value())
			update = true
		} else {
			s.logger.Warn("overflow, drop the step", "loss_scale", s.scaler.Value())
		}
	}

	applied := false
	if update {
		if s.acc.Target() == 1 {
			if err := s.apply(grads); err != nil {
				return StepOutcome{}, err
			}
			applied = true
		} else {
			fire, err := s.acc.Add(grads)
			if err != nil {
				return StepOutcome{}, err
			}
			if fire {
				if err := s.apply(s.acc.Sum()); err != nil {
					return StepOutcome{}, err
				}
				s.acc.Reset()
				applied = true
			}
		}
	}

	if s.scaler.Adjust(finite) && !finite {
		s.logger.Info("loss scale adjusted", "loss_scale", s.scaler.Value())
	}

	return StepOutcome{
		Loss:        loss,
		Items:       items,
		Finite:      finite,
		Applied:     applied,
		LossScale:   s.scaler.Value(),
		Accumulated: s.acc.Count(),
	}, nil
}

// Cell is the StaticCell strategy: a fixed loss scale, one optimizer update
// per micro-batch and no accumulation. Overflowing steps are skipped.
type Cell struct {
	stepCore
	scaler *amp.StaticLossScaler
}

// NewCell creates the StaticCell strategy. It requires gradSens to equal the
// static loss scale and an accumulation target of 1.
func NewCell(model network.Model, grad network.GradFunc, opt optimizer.Optimizer, gradSens, scaleValue float32, accumulate int, reducer collective.Reducer, ema *EMA, cfg StepConfig, logger *slog.Logger) (*Cell, error) {
	if accumulate != 1 {
		return nil, config.Unsupportedf("gradient accumulation must be 1 with StaticCell, got %d", accumulate)
	}
	if gradSens != scaleValue {
		return nil, config.Invalidf("grad sens %g must equal loss scale value %g with StaticCell", gradSens, scaleValue)
	}
	scaler, err := amp.NewStaticLossScaler(scaleValue)
	if err != nil {
		return nil, config.Invalidf("%v", err)
	}
	return &Cell{
		stepCore: newStepCore(model, grad, opt, reducer, ema, cfg, logger),
		scaler:   scaler,
	}, nil
}

func (c *Cell) Name() string { return StaticCell.String() }

func (c *Cell) SetAccumulate(target int) error {
	if target != 1 {
		return config.Unsupportedf("gradient accumulation must be 1 with StaticCell, got %d", target)
	}
	return nil
}

// TrainStep runs one micro-batch and reports loss and overflow only
func (c *Cell) TrainStep(ctx context.Context, b Batch) (StepOutcome, error) {
	loss, _, grads, err := c.gradients(ctx, b, c.scaler)
	if err != nil {
		return StepOutcome{}, err
	}

	finite := tensor.AllFinite(grads)
	if finite {
		if err := c.apply(grads); err != nil {
			return StepOutcome{}, err
		}
	}
	return StepOutcome{
		Loss:      loss,
		Finite:    finite,
		Applied:   finite,
		LossScale: c.scaler.Value(),
	}, nil
}
