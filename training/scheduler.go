package training

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"

	"github.com/tsawler/yolo-train/config"
)

// LRScheduler maps an epoch to a multiplier of the initial learning rate
type LRScheduler interface {
	// Factor returns lf(epoch)
	Factor(epoch int) float64

	// GetName returns the scheduler name for logging
	GetName() string
}

// OneCycleLRScheduler follows half a cosine from 1 down to Lrf over Epochs
type OneCycleLRScheduler struct {
	Epochs int
	Lrf    float64
}

func (s *OneCycleLRScheduler) Factor(epoch int) float64 {
	return ((1-math.Cos(float64(epoch)*math.Pi/float64(s.Epochs)))/2)*(s.Lrf-1) + 1
}

func (s *OneCycleLRScheduler) GetName() string {
	return "OneCycle"
}

// LinearLRScheduler decays linearly from 1 at epoch 0 to Lrf at the last epoch
type LinearLRScheduler struct {
	Epochs int
	Lrf    float64
}

func (s *LinearLRScheduler) Factor(epoch int) float64 {
	if s.Epochs <= 1 {
		return 1
	}
	return (1-float64(epoch)/float64(s.Epochs-1))*(1-s.Lrf) + s.Lrf
}

func (s *LinearLRScheduler) GetName() string {
	return "Linear"
}

// ScheduleConfig holds the inputs of the per-step schedules
type ScheduleConfig struct {
	LR0            float64
	Lrf            float64
	Momentum       float64
	WarmupEpochs   float64
	WarmupMomentum float64
	WarmupBiasLR   float64
	Epochs         int
	PerEpochSize   int
	// MinWarmupSteps is the lower bound of the warmup length in steps
	MinWarmupSteps int
	Linear         bool
	// WithMomentum enables the warmup momentum ramp
	WithMomentum bool
	// TotalBatchSize drives the warmup accumulation ramp
	TotalBatchSize int
}

// Schedule holds precomputed per-step learning rates for the three parameter
// groups, the warmup momentum ramp and the warmup accumulation ramp.
type Schedule struct {
	LR          [NumGroups][]float64
	Momentum    []float64
	WarmupSteps int
	scheduler   LRScheduler
	ramp        []float64
	accumEnd    float64
}

// NewSchedule builds the schedules for epochs*perEpochSize steps. During the
// first WarmupSteps steps groups 0 and 1 ramp from 0 and group 2 from
// WarmupBiasLR to the epoch learning rate lr0*lf(epoch).
func NewSchedule(sc ScheduleConfig) (*Schedule, error) {
	if sc.Epochs <= 0 || sc.PerEpochSize <= 0 {
		return nil, errors.Errorf("schedule needs positive epochs and steps per epoch, got %d and %d", sc.Epochs, sc.PerEpochSize)
	}
	if sc.TotalBatchSize <= 0 {
		return nil, errors.Errorf("total batch size must be positive: %d", sc.TotalBatchSize)
	}

	var lf LRScheduler = &OneCycleLRScheduler{Epochs: sc.Epochs, Lrf: sc.Lrf}
	if sc.Linear {
		lf = &LinearLRScheduler{Epochs: sc.Epochs, Lrf: sc.Lrf}
	}

	warmup := max(int(math.RoundToEven(sc.WarmupEpochs*float64(sc.PerEpochSize))), sc.MinWarmupSteps, 1)
	total := sc.Epochs * sc.PerEpochSize

	// ramp[i] = i/warmup, the interpolation weight of step i
	ramp := floats.Span(make([]float64, warmup+1), 0, 1)[:warmup]

	s := &Schedule{
		WarmupSteps: warmup,
		scheduler:   lf,
		ramp:        ramp,
		accumEnd:    float64(config.NominalBatchSize) / float64(sc.TotalBatchSize),
	}
	for g := range s.LR {
		s.LR[g] = make([]float64, total)
	}
	for i := 0; i < total; i++ {
		lr := sc.LR0 * lf.Factor(i/sc.PerEpochSize)
		if i < warmup {
			w := ramp[i]
			s.LR[GroupNoDecay][i] = lr * w
			s.LR[GroupDecay][i] = lr * w
			s.LR[GroupBias][i] = sc.WarmupBiasLR + (lr-sc.WarmupBiasLR)*w
			if sc.WithMomentum {
				s.Momentum = append(s.Momentum, sc.WarmupMomentum+(sc.Momentum-sc.WarmupMomentum)*w)
			}
			continue
		}
		for g := range s.LR {
			s.LR[g][i] = lr
		}
	}
	return s, nil
}

// Scheduler returns the epoch decay rule in use
func (s *Schedule) Scheduler() LRScheduler { return s.scheduler }

// InWarmup reports whether step i is in the warmup phase
func (s *Schedule) InWarmup(i int) bool { return i < s.WarmupSteps }

// GroupLR returns the learning rate of group g at step i
func (s *Schedule) GroupLR(g, i int) float64 {
	lrs := s.LR[g]
	if i >= len(lrs) {
		return lrs[len(lrs)-1]
	}
	return lrs[i]
}

// MomentumAt returns the warmup momentum at step i and whether one applies
func (s *Schedule) MomentumAt(i int) (float64, bool) {
	if i >= len(s.Momentum) {
		return 0, false
	}
	return s.Momentum[i], true
}

// WarmupAccumulate returns max(1, round(interp(i, [0,W], [1, nbs/total_batch])))
func (s *Schedule) WarmupAccumulate(i int) int {
	w := 1.0
	if i < len(s.ramp) {
		w = s.ramp[i]
	}
	return max(1, int(math.RoundToEven(1+(s.accumEnd-1)*w)))
}
