package training

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"github.com/pkg/errors"

	"github.com/tsawler/yolo-train/dataset"
	"github.com/tsawler/yolo-train/optimizer"
	"github.com/tsawler/yolo-train/runlog"
)

// BatchSource yields the micro-batches of one epoch
type BatchSource interface {
	// Next returns nil at the end of the epoch
	Next() (*dataset.Batch, error)
	Reset()
	Len() int
}

// LoopConfig holds the static settings of the training loop
type LoopConfig struct {
	Epochs       int
	PerEpochSize int
	ImgSize      int
	// GridSize is the largest model stride; multi-scale sizes are multiples of it
	GridSize   int
	MultiScale bool
	Rank       int
	Seed       int64
}

// Loop drives the step strategy over all epochs, applying the per-step
// schedules and saving checkpoints at epoch boundaries.
type Loop struct {
	config     LoopConfig
	strategy   Strategy
	opt        optimizer.Optimizer
	schedule   *Schedule
	source     BatchSource
	checkpoint *CheckpointManager
	sink       runlog.Sink
	logger     *slog.Logger
	rng        *rand.Rand
}

// NewLoop creates the loop. checkpoint and sink may be nil.
func NewLoop(config LoopConfig, strategy Strategy, opt optimizer.Optimizer, schedule *Schedule, source BatchSource, checkpoint *CheckpointManager, sink runlog.Sink, logger *slog.Logger) (*Loop, error) {
	if config.Epochs <= 0 {
		return nil, errors.Errorf("epochs must be positive: %d", config.Epochs)
	}
	if config.PerEpochSize <= 0 {
		config.PerEpochSize = source.Len()
	}
	if config.PerEpochSize <= 0 {
		return nil, errors.New("no batches per epoch")
	}
	if config.GridSize <= 0 {
		config.GridSize = 32
	}
	if sink == nil {
		sink = runlog.Nop{}
	}
	return &Loop{
		config:     config,
		strategy:   strategy,
		opt:        opt,
		schedule:   schedule,
		source:     source,
		checkpoint: checkpoint,
		sink:       sink,
		logger:     logger,
		rng:        rand.New(rand.NewSource(config.Seed)),
	}, nil
}

// Run trains until all epochs are done or ctx is cancelled
func (l *Loop) Run(ctx context.Context) error {
	epochs, per := l.config.Epochs, l.config.PerEpochSize
	for epoch := 1; epoch <= epochs; epoch++ {
		l.source.Reset()
		epochStart := time.Now()
		stepStart := time.Now()

		for step := 1; step <= per; step++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			i := (epoch-1)*per + step - 1

			data, err := l.source.Next()
			if err != nil {
				return errors.Wrapf(err, "epoch %d step %d", epoch, step)
			}
			if data == nil {
				return errors.Errorf("epoch %d ended after %d of %d steps", epoch, step-1, per)
			}

			lrs, err := l.applySchedule(i)
			if err != nil {
				return err
			}

			batch := Batch{Images: data.Images, Labels: data.Labels, Size: l.multiScale(data.Images.Shape)}
			trainStart := time.Now()
			out, err := l.strategy.TrainStep(ctx, batch)
			if err != nil {
				return errors.Wrapf(err, "epoch %d step %d", epoch, step)
			}
			fwdBwd := time.Since(trainStart)

			size := batch.Size
			if size == nil {
				size = data.Images.Shape[2:]
			}
			l.logger.Info(fmt.Sprintf("Epoch %d/%d, Step %d/%d, size %v, fp/bp time cost: %.2f ms",
				epochs, epoch, per, step, size, millis(fwdBwd)))
			stepTime := time.Since(stepStart)
			l.logger.Info(fmt.Sprintf("Epoch %d/%d, Step %d/%d, size %v, loss: %.4f, lbox: %.4f, lobj: %.4f, lcls: %.4f, cur_lr: [%.8f, %.8f, %.8f], step time: %.2f ms",
				epochs, epoch, per, step, size, out.Loss, out.Items.Box(), out.Items.Obj(), out.Items.Cls(),
				lrs[0], lrs[1], lrs[2], millis(stepTime)))

			rec := runlog.StepRecord{
				Epoch: epoch, Step: step, GlobalStep: i + 1, Size: size[0],
				Loss: float64(out.Loss), LBox: float64(out.Items.Box()), LObj: float64(out.Items.Obj()), LCls: float64(out.Items.Cls()),
				LR: lrs, LossScale: float64(out.LossScale), Finite: out.Finite, Applied: out.Applied,
				FwdBwd: fwdBwd, StepTime: stepTime,
			}
			if err := l.sink.RecordStep(ctx, rec); err != nil {
				l.logger.Warn("run log", "error", err)
			}
			stepStart = time.Now()
		}

		l.logger.Info(fmt.Sprintf("Epoch %d/%d, epoch time: %.2f min.", epochs, epoch, time.Since(epochStart).Minutes()))

		if l.checkpoint != nil && ShouldSave(l.config.Rank) {
			last := epoch*per - 1
			if _, err := l.checkpoint.SaveEpoch(ctx, epoch, epoch*per, float32(l.schedule.GroupLR(GroupDecay, last))); err != nil {
				return err
			}
		}
	}
	return nil
}

// applySchedule sets the learning rates, and during warmup the momentum and
// accumulation target, for loop step i.
func (l *Loop) applySchedule(i int) ([3]float64, error) {
	var lrs [3]float64
	if l.schedule.InWarmup(i) {
		if err := l.strategy.SetAccumulate(l.schedule.WarmupAccumulate(i)); err != nil {
			return lrs, err
		}
		if l.opt.Kind().HasMomentum() {
			if m, ok := l.schedule.MomentumAt(i); ok {
				l.opt.SetMomentum(float32(m))
			}
		}
	}
	for g := 0; g < NumGroups && g < l.opt.NumGroups(); g++ {
		lrs[g] = l.schedule.GroupLR(g, i)
		if err := l.opt.SetGroupLR(g, float32(lrs[g])); err != nil {
			return lrs, err
		}
	}
	return lrs, nil
}

// multiScale draws a random size in [0.5, 1.5) times the image size, snapped
// to the grid and never below one grid cell, and returns the stretched
// [H, W] or nil when unchanged.
func (l *Loop) multiScale(shape []int) []int {
	if !l.config.MultiScale || len(shape) != 4 {
		return nil
	}
	gs := l.config.GridSize
	lo := int(float64(l.config.ImgSize) * 0.5)
	hi := int(float64(l.config.ImgSize)*1.5) + gs
	sz := max((lo+l.rng.Intn(hi-lo))/gs*gs, gs)
	sf := float64(sz) / float64(max(shape[2], shape[3]))
	if sf == 1 {
		return nil
	}
	return []int{
		int(math.Ceil(float64(shape[2])*sf/float64(gs))) * gs,
		int(math.Ceil(float64(shape[3])*sf/float64(gs))) * gs,
	}
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
