// Package amp holds the mixed-precision pieces of a training step: the loss
// scale managers and the precision level that decides which tensors run in
// half precision.
package amp

import (
	"math"

	"github.com/pkg/errors"

	"github.com/tsawler/yolo-train/tensor"
)

// LossScaler tracks the multiplier applied to the loss before differentiation.
// Unscale must be called on the raw gradients before any finiteness check.
type LossScaler interface {
	// Value returns the current scale
	Value() float32

	// Unscale divides every gradient by the current scale in place
	Unscale(grads []*tensor.Tensor) error

	// Adjust updates the scale after a step and returns whether it changed
	Adjust(finite bool) bool

	// Name returns the scaler name for logging
	Name() string
}

// DynamicLossScaler grows the scale by Factor after Window consecutive finite
// steps and shrinks it by Factor on the first non-finite step.
type DynamicLossScaler struct {
	scale    float32
	factor   float32
	window   int
	counter  int
	minScale float32
}

// DynamicConfig holds configuration for the dynamic loss scaler
type DynamicConfig struct {
	InitialScale float32
	Factor       float32
	Window       int
	MinScale     float32
}

// DefaultDynamicConfig returns the recipe defaults: 2^12 scale, factor 2, window 1000
func DefaultDynamicConfig() DynamicConfig {
	return DynamicConfig{
		InitialScale: 1 << 12,
		Factor:       2,
		Window:       1000,
		MinScale:     1,
	}
}

// NewDynamicLossScaler creates a dynamic loss scaler
func NewDynamicLossScaler(config DynamicConfig) (*DynamicLossScaler, error) {
	if config.InitialScale <= 0 || math.IsInf(float64(config.InitialScale), 0) {
		return nil, errors.Errorf("initial loss scale must be positive and finite: %f", config.InitialScale)
	}
	if config.Factor <= 1 {
		return nil, errors.Errorf("loss scale factor must be greater than 1: %f", config.Factor)
	}
	if config.Window <= 0 {
		return nil, errors.Errorf("loss scale window must be positive: %d", config.Window)
	}
	if config.MinScale <= 0 {
		config.MinScale = 1
	}
	if config.InitialScale < config.MinScale {
		config.InitialScale = config.MinScale
	}

	return &DynamicLossScaler{
		scale:    config.InitialScale,
		factor:   config.Factor,
		window:   config.Window,
		minScale: config.MinScale,
	}, nil
}

func (s *DynamicLossScaler) Value() float32 {
	return s.scale
}

func (s *DynamicLossScaler) Unscale(grads []*tensor.Tensor) error {
	return unscale(grads, s.scale)
}

func (s *DynamicLossScaler) Adjust(finite bool) bool {
	if !finite {
		s.counter = 0
		next := s.scale / s.factor
		if next < s.minScale {
			next = s.minScale
		}
		changed := next != s.scale
		s.scale = next
		return changed
	}

	s.counter++
	if s.counter < s.window {
		return false
	}
	s.counter = 0
	next := s.scale * s.factor
	if math.IsInf(float64(next), 0) {
		return false
	}
	s.scale = next
	return true
}

func (s *DynamicLossScaler) Name() string {
	return "dynamic"
}

// StaticLossScaler applies a fixed scale and never adapts
type StaticLossScaler struct {
	scale float32
}

// NewStaticLossScaler creates a fixed loss scaler
func NewStaticLossScaler(scale float32) (*StaticLossScaler, error) {
	if scale <= 0 || math.IsInf(float64(scale), 0) || math.IsNaN(float64(scale)) {
		return nil, errors.Errorf("static loss scale must be positive and finite: %f", scale)
	}
	return &StaticLossScaler{scale: scale}, nil
}

func (s *StaticLossScaler) Value() float32 {
	return s.scale
}

func (s *StaticLossScaler) Unscale(grads []*tensor.Tensor) error {
	return unscale(grads, s.scale)
}

func (s *StaticLossScaler) Adjust(finite bool) bool {
	return false
}

func (s *StaticLossScaler) Name() string {
	return "static"
}

func unscale(grads []*tensor.Tensor, scale float32) error {
	if scale == 1 {
		return nil
	}
	inv := 1 / scale
	for i, g := range grads {
		if g == nil {
			continue
		}
		if err := tensor.ScaleInPlace(g, inv); err != nil {
			return errors.Wrapf(err, "unscale gradient %d", i)
		}
	}
	return nil
}
