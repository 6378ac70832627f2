package training

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/tsawler/yolo-train/artifacts"
	"github.com/tsawler/yolo-train/checkpoints"
	"github.com/tsawler/yolo-train/network"
	"github.com/tsawler/yolo-train/optimizer"
	"github.com/tsawler/yolo-train/runlog"
)

// CheckpointConfig configures per-epoch checkpoint saving
type CheckpointConfig struct {
	SaveDirectory  string                       // weights directory
	Format         checkpoints.CheckpointFormat // .ckpt or .json
	ModelName      string                       // file stem, e.g. "yolov7-tiny"
	MaxCheckpoints int                          // epochs kept (0 = unlimited)
	TrainURL       string                       // mirror target, empty disables it
	RunID          string
}

// CheckpointManager writes the live and averaged weights at the end of every
// epoch and mirrors them to the train URL.
type CheckpointManager struct {
	config     CheckpointConfig
	model      network.Model
	ema        *EMA
	opt        optimizer.Optimizer
	saver      *checkpoints.CheckpointSaver
	syncer     artifacts.Syncer
	sink       runlog.Sink
	logger     *slog.Logger
	savedFiles [][]string // per epoch, oldest first
}

// NewCheckpointManager creates a checkpoint manager. ema, syncer and sink may be nil.
func NewCheckpointManager(config CheckpointConfig, model network.Model, ema *EMA, opt optimizer.Optimizer, syncer artifacts.Syncer, sink runlog.Sink, logger *slog.Logger) *CheckpointManager {
	if sink == nil {
		sink = runlog.Nop{}
	}
	return &CheckpointManager{
		config: config,
		model:  model,
		ema:    ema,
		opt:    opt,
		saver:  checkpoints.NewCheckpointSaver(config.Format),
		syncer: syncer,
		sink:   sink,
		logger: logger,
	}
}

// ShouldSave reports whether this rank writes checkpoints, one writer per
// group of eight devices.
func ShouldSave(rank int) bool {
	return rank%8 == 0
}

// SaveEpoch writes "<model>_<epoch>" and, with EMA enabled,
// "EMA_<model>_<epoch>", then mirrors both. It returns the written paths.
func (cm *CheckpointManager) SaveEpoch(ctx context.Context, epoch, step int, lr float32) ([]string, error) {
	if err := cm.ensureDirectory(); err != nil {
		return nil, errors.Wrap(err, "failed to create checkpoint directory")
	}

	state := checkpoints.TrainingState{Epoch: epoch, Step: step, LearningRate: lr}
	live, err := cm.createCheckpoint(cm.model.Parameters(), state)
	if err != nil {
		return nil, err
	}
	if cm.opt != nil && cm.config.Format == checkpoints.FormatJSON {
		if live.OptimizerState, err = cm.opt.GetState(); err != nil {
			return nil, errors.Wrap(err, "optimizer state")
		}
	}

	path := filepath.Join(cm.config.SaveDirectory, checkpoints.Filename("", cm.config.ModelName, epoch, cm.config.Format))
	if err := cm.saver.SaveCheckpoint(live, path); err != nil {
		return nil, errors.Wrapf(err, "failed to save checkpoint %s", path)
	}
	saved := []string{path}
	if err := cm.sink.RecordCheckpoint(ctx, runlog.CheckpointRecord{Epoch: epoch, Step: step, Path: path}); err != nil {
		cm.logger.Warn("run log", "error", err)
	}

	if cm.ema != nil {
		state.Updates = cm.ema.Updates()
		state.HasUpdates = true
		averaged, err := cm.createCheckpoint(cm.ema.Parameters(), state)
		if err != nil {
			return nil, err
		}
		emaPath := filepath.Join(cm.config.SaveDirectory, checkpoints.Filename("EMA_", cm.config.ModelName, epoch, cm.config.Format))
		if err := cm.saver.SaveCheckpoint(averaged, emaPath); err != nil {
			return nil, errors.Wrapf(err, "failed to save checkpoint %s", emaPath)
		}
		saved = append(saved, emaPath)
		if err := cm.sink.RecordCheckpoint(ctx, runlog.CheckpointRecord{Epoch: epoch, Step: step, Path: emaPath, EMA: true}); err != nil {
			cm.logger.Warn("run log", "error", err)
		}
	}
	cm.logger.Info("saved checkpoint", "epoch", epoch, "step", step, "files", saved)

	if cm.syncer != nil && cm.config.TrainURL != "" {
		for _, p := range saved {
			if err := cm.syncer.Sync(ctx, p, artifacts.WeightsURL(cm.config.TrainURL, p)); err != nil {
				return saved, errors.Wrap(err, "push checkpoint")
			}
		}
	}

	cm.savedFiles = append(cm.savedFiles, saved)
	if err := cm.cleanupOldCheckpoints(); err != nil {
		cm.logger.Warn("failed to cleanup old checkpoints", "error", err)
	}
	return saved, nil
}

func (cm *CheckpointManager) createCheckpoint(params []*network.Parameter, state checkpoints.TrainingState) (*checkpoints.Checkpoint, error) {
	weights, err := checkpoints.FromParameters(params)
	if err != nil {
		return nil, errors.Wrap(err, "failed to extract weights")
	}
	return &checkpoints.Checkpoint{
		Weights:       weights,
		TrainingState: state,
		Metadata: checkpoints.CheckpointMetadata{
			RunID: cm.config.RunID,
		},
	}, nil
}

func (cm *CheckpointManager) ensureDirectory() error {
	return os.MkdirAll(cm.config.SaveDirectory, 0755)
}

func (cm *CheckpointManager) cleanupOldCheckpoints() error {
	if cm.config.MaxCheckpoints <= 0 || len(cm.savedFiles) <= cm.config.MaxCheckpoints {
		return nil
	}
	toRemove := len(cm.savedFiles) - cm.config.MaxCheckpoints
	for _, files := range cm.savedFiles[:toRemove] {
		for _, f := range files {
			if err := os.Remove(f); err != nil && !os.IsNotExist(err) {
				return errors.Wrapf(err, "failed to remove old checkpoint %s", f)
			}
		}
	}
	cm.savedFiles = cm.savedFiles[toRemove:]
	return nil
}
