package training

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/tsawler/yolo-train/amp"
	"github.com/tsawler/yolo-train/artifacts"
	"github.com/tsawler/yolo-train/checkpoints"
	"github.com/tsawler/yolo-train/collective"
	"github.com/tsawler/yolo-train/config"
	"github.com/tsawler/yolo-train/dataset"
	"github.com/tsawler/yolo-train/network"
	"github.com/tsawler/yolo-train/optimizer"
	"github.com/tsawler/yolo-train/runlog"
)

const (
	// label rows per image handed to the loss
	maxLabels      = 32
	imageCacheSize = 256
)

// Deps are the collaborators of a run supplied by the caller. Every field
// except Logger may be left nil.
type Deps struct {
	// Dataset overrides the dataset named by the descriptor's train split
	Dataset dataset.Dataset
	Syncer  artifacts.Syncer
	Reducer collective.Reducer
	Sink    runlog.Sink
	RunID   string
	Logger  *slog.Logger
}

// Run is a fully wired training run
type Run struct {
	Loop       *Loop
	Model      *network.Detector
	EMA        *EMA
	Optimizer  optimizer.Optimizer
	Strategy   Strategy
	Schedule   *Schedule
	Checkpoint *CheckpointManager
	Hyp        *config.Hyp
	Names      []string
	Accumulate int
	ImgSize    int
	WeightsDir string
}

// Build prepares a run from finalized options: it pulls data, writes the run
// settings, builds the model, optimizer and step strategy and wires the loop.
// hyp is scaled in place.
func Build(ctx context.Context, opts *config.Options, hyp *config.Hyp, data *config.Data, deps Deps) (*Run, error) {
	logger := deps.Logger
	if logger == nil {
		logger = runlog.Discard()
	}
	if _, err := collective.ParseOp(opts.ReduceOp); err != nil {
		return nil, config.Unsupportedf("%v", err)
	}
	if deps.Reducer == nil {
		deps.Reducer = collective.Identity{}
	}
	if deps.Sink == nil {
		deps.Sink = runlog.Nop{}
	}

	if opts.EnableSync {
		if deps.Syncer == nil {
			return nil, config.Invalidf("artifact sync enabled without a syncer")
		}
		if err := deps.Syncer.Sync(ctx, opts.DataURL, opts.DataDir); err != nil {
			return nil, errors.Wrap(err, "pull data")
		}
		data.Rebase(opts.DataDir)
	}

	nc, names, err := data.Classes(opts.SingleCls)
	if err != nil {
		return nil, err
	}

	wdir := filepath.Join(opts.SaveDir, "weights")
	if err := os.MkdirAll(wdir, 0755); err != nil {
		return nil, errors.Wrap(err, "create weights dir")
	}
	if err := hyp.Save(opts.SaveDir); err != nil {
		return nil, err
	}
	if err := opts.Save(opts.SaveDir); err != nil {
		return nil, err
	}
	if opts.EnableSync {
		if err := deps.Syncer.Sync(ctx, opts.SaveDir, opts.TrainURL); err != nil {
			return nil, errors.Wrap(err, "push run settings")
		}
	}

	dcfg := network.DefaultDetectorConfig(nc)
	dcfg.Name = opts.ModelName()
	dcfg.Seed = opts.Seed
	model, err := network.NewDetector(dcfg)
	if err != nil {
		return nil, err
	}

	var ema *EMA
	if opts.EMA {
		if ema, err = NewEMA(model.Parameters(), DefaultEMAConfig()); err != nil {
			return nil, err
		}
	}
	if err := loadPretrained(opts, model, ema, logger); err != nil {
		return nil, err
	}

	if frozen := network.Freeze(model, opts.FreezePrefixes()); len(frozen) > 0 {
		logger.Info("freezing", "params", frozen)
	}

	gs := max(network.MaxStride(model), 32)
	imgsz, changed := config.CheckImgSize(opts.ImgSize[0], gs)
	if changed {
		logger.Warn("image size must be a multiple of the max stride, updating", "from", opts.ImgSize[0], "to", imgsz, "stride", gs)
	}

	ds := deps.Dataset
	if ds == nil {
		if ds, err = openDataset(data, opts, nc, imgsz); err != nil {
			return nil, err
		}
	}
	loader, err := dataset.NewLoader(ds, dataset.LoaderConfig{
		BatchSize: opts.BatchSize,
		Shuffle:   true,
		Rank:      opts.Rank,
		RankSize:  opts.RankSize,
		MaxLabels: maxLabels,
		Seed:      opts.Seed,
	})
	if err != nil {
		return nil, err
	}
	if err := config.CheckLabels(dataset.MaxClass(ds), nc); err != nil {
		return nil, errors.Wrapf(err, "dataset %s", data.Train)
	}

	accumulate := config.Accumulate(opts.TotalBatchSize)
	hyp.ScaleForTraining(opts.TotalBatchSize, accumulate, model.NumLayers(), nc, imgsz, opts.LabelSmoothing)
	logger.Info("scaled hyperparameters", "weight_decay", hyp.WeightDecay, "box", hyp.Box, "obj", hyp.Obj, "cls", hyp.Cls, "accumulate", accumulate)

	kind, err := optimizer.ParseKind(opts.Optimizer)
	if err != nil {
		return nil, errors.Wrap(err, "optimizer")
	}
	perEpoch := loader.Len()
	schedule, err := NewSchedule(ScheduleConfig{
		LR0:            hyp.Lr0,
		Lrf:            hyp.Lrf,
		Momentum:       hyp.Momentum,
		WarmupEpochs:   hyp.WarmupEpochs,
		WarmupMomentum: hyp.WarmupMomentum,
		WarmupBiasLR:   hyp.WarmupBiasLr,
		Epochs:         opts.Epochs,
		PerEpochSize:   perEpoch,
		MinWarmupSteps: opts.MinWarmupSteps,
		Linear:         opts.LinearLR,
		WithMomentum:   kind.HasMomentum(),
		TotalBatchSize: opts.TotalBatchSize,
	})
	if err != nil {
		return nil, err
	}

	ocfg := optimizer.DefaultConfig(kind)
	ocfg.Momentum = float32(hyp.Momentum)
	ocfg.LossScale = float32(opts.OptimLossScale)
	logger.Info("optimizer", "kind", kind, "loss_scale", opts.OptimLossScale)
	opt, err := optimizer.New(ocfg, GroupParameters(model.Parameters(), hyp.WeightDecay, schedule))
	if err != nil {
		return nil, err
	}

	weights := network.ClassWeights(dataset.ClassCounts(ds, nc))
	for i := range weights {
		weights[i] *= float32(nc)
	}
	loss, err := network.NewComputeLoss(network.LossConfig{
		Box:            float32(hyp.Box),
		Obj:            float32(hyp.Obj),
		Cls:            float32(hyp.Cls),
		LabelSmoothing: float32(hyp.LabelSmoothing),
		ClassWeights:   weights,
		Balance:        balance(model.NumLayers()),
	}, nc)
	if err != nil {
		return nil, err
	}
	objective := network.NewObjective(model, loss)

	strategy, err := buildStrategy(opts, model, objective, opt, accumulate, deps.Reducer, ema, logger)
	if err != nil {
		return nil, err
	}

	format, err := checkpoints.ParseFormat(opts.CkptFormat)
	if err != nil {
		return nil, config.Unsupportedf("%v", err)
	}
	var syncer artifacts.Syncer
	trainURL := ""
	if opts.EnableSync {
		syncer, trainURL = deps.Syncer, opts.TrainURL
	}
	manager := NewCheckpointManager(CheckpointConfig{
		SaveDirectory:  wdir,
		Format:         format,
		ModelName:      opts.ModelName(),
		MaxCheckpoints: opts.MaxCheckpoints,
		TrainURL:       trainURL,
		RunID:          deps.RunID,
	}, model, ema, opt, syncer, deps.Sink, logger)

	loop, err := NewLoop(LoopConfig{
		Epochs:       opts.Epochs,
		PerEpochSize: perEpoch,
		ImgSize:      imgsz,
		GridSize:     gs,
		MultiScale:   opts.MultiScale,
		Rank:         opts.Rank,
		Seed:         opts.Seed,
	}, strategy, opt, schedule, loader, manager, deps.Sink, logger)
	if err != nil {
		return nil, err
	}

	return &Run{
		Loop:       loop,
		Model:      model,
		EMA:        ema,
		Optimizer:  opt,
		Strategy:   strategy,
		Schedule:   schedule,
		Checkpoint: manager,
		Hyp:        hyp,
		Names:      names,
		Accumulate: accumulate,
		ImgSize:    imgsz,
		WeightsDir: wdir,
	}, nil
}

// loadPretrained restores the model, and the EMA when it exists, from the
// configured checkpoints. Without an EMA checkpoint the shadow set starts as
// a copy of the pretrained model.
func loadPretrained(opts *config.Options, model *network.Detector, ema *EMA, logger *slog.Logger) error {
	if !isCheckpoint(opts.Weights) {
		return nil
	}
	ck, err := checkpoints.Load(opts.Weights)
	if err != nil {
		return errors.Wrap(err, "pretrained weights")
	}
	missing, err := checkpoints.LoadIntoParameters(ck.Weights, model.Parameters())
	if err != nil {
		return err
	}
	if len(missing) > 0 {
		logger.Warn("pretrained weights missing from checkpoint", "params", missing)
	}
	logger.Info("pretrain model loaded", "path", opts.Weights)

	if ema == nil {
		return nil
	}
	if isCheckpoint(opts.EMAWeight) {
		eck, err := checkpoints.Load(opts.EMAWeight)
		if err != nil {
			return errors.Wrap(err, "ema weights")
		}
		if err := ema.Load(eck, logger); err != nil {
			return err
		}
		logger.Info("ema pretrain model loaded", "path", opts.EMAWeight)
		return nil
	}
	logger.Info("ema_weight not exist, default pretrain weight is currently used")
	return ema.CloneFromModel()
}

func isCheckpoint(path string) bool {
	return strings.HasSuffix(path, ".ckpt") || strings.HasSuffix(path, ".json")
}

// openDataset resolves the train split: the built-in synthetic set or a
// directory of images with YOLO label files beside it.
func openDataset(data *config.Data, opts *config.Options, nc, imgsz int) (dataset.Dataset, error) {
	if data.Train != "" && data.Train != config.SyntheticSplit {
		if info, err := os.Stat(data.Train); err != nil || !info.IsDir() {
			return nil, config.Unsupportedf("train split %q: expected an image directory", data.Train)
		}
		folder, err := dataset.NewFolder(dataset.FolderConfig{
			Root:        data.Train,
			Size:        imgsz,
			CacheSize:   imageCacheSize,
			SingleClass: opts.SingleCls,
		})
		if err != nil {
			return nil, err
		}
		return folder, nil
	}
	return dataset.NewSynthetic(dataset.SyntheticConfig{
		Images:     opts.SyntheticImages,
		Size:       imgsz,
		Channels:   3,
		NumClasses: nc,
		MaxObjects: 4,
		Seed:       opts.Seed,
	})
}

// balance returns the objectness weight per detection layer
func balance(nl int) []float32 {
	if nl == 3 {
		return []float32{4.0, 1.0, 0.4}
	}
	b := []float32{4.0, 1.0, 0.25, 0.06, 0.02}
	out := make([]float32, nl)
	for i := range out {
		if i < len(b) {
			out[i] = b[i]
		} else {
			out[i] = b[len(b)-1]
		}
	}
	return out
}

func buildStrategy(opts *config.Options, model network.Model, grad network.GradFunc, opt optimizer.Optimizer, accumulate int, reducer collective.Reducer, ema *EMA, logger *slog.Logger) (Strategy, error) {
	kind, err := ParseStrategyKind(opts.Strategy)
	if err != nil {
		return nil, err
	}
	level, err := amp.ParseLevel(opts.AmpLevel)
	if err != nil {
		return nil, config.Unsupportedf("%v", err)
	}
	cfg := StepConfig{RankSize: opts.RankSize, AmpLevel: level, OverflowStillUpdate: opts.OverflowStillUpdate}

	if kind == StaticCell {
		cell, err := NewCell(model, grad, opt, float32(opts.GradSens), float32(opts.LossScalerValue), accumulate, reducer, ema, cfg, logger)
		if err != nil {
			return nil, err
		}
		return cell, nil
	}

	scaler, err := newScaler(opts)
	if err != nil {
		return nil, err
	}
	step := NewStep(model, grad, opt, scaler, reducer, ema, cfg, logger)
	if err := step.SetAccumulate(accumulate); err != nil {
		return nil, err
	}
	return step, nil
}

// newScaler builds the configured loss scaler. "none" runs with a fixed
// scale equal to the gradient sensitivity.
func newScaler(opts *config.Options) (amp.LossScaler, error) {
	var (
		s   amp.LossScaler
		err error
	)
	switch opts.LossScaler {
	case "dynamic":
		s, err = amp.NewDynamicLossScaler(amp.DefaultDynamicConfig())
	case "static":
		s, err = amp.NewStaticLossScaler(float32(opts.LossScalerValue))
	case "none":
		s, err = amp.NewStaticLossScaler(float32(opts.GradSens))
	default:
		return nil, config.Unsupportedf("loss scaler %q", opts.LossScaler)
	}
	if err != nil {
		return nil, config.Invalidf("%v", err)
	}
	return s, nil
}
