package checkpoints

import (
	"os"

	"github.com/pkg/errors"

	"github.com/tsawler/yolo-train/tensor"
)

const keyLearningRate = "learning_rate"

// saveProto writes weights followed by the training scalars as a .ckpt file
func (cs *CheckpointSaver) saveProto(checkpoint *Checkpoint, path string) error {
	items := make([]tensor.Named, 0, len(checkpoint.Weights)+4)
	for _, w := range checkpoint.Weights {
		t, err := w.Tensor()
		if err != nil {
			return err
		}
		items = append(items, tensor.Named{Name: w.Name, Tensor: t})
	}

	ts := checkpoint.TrainingState
	epoch, _ := tensor.NewTensor([]int{}, tensor.Int32, int32(ts.Epoch))
	step, _ := tensor.NewTensor([]int{}, tensor.Int32, int32(ts.Step))
	items = append(items,
		tensor.Named{Name: KeyEpoch, Tensor: epoch},
		tensor.Named{Name: KeyStep, Tensor: step},
		tensor.Named{Name: keyLearningRate, Tensor: tensor.FromScalar(ts.LearningRate)},
	)
	if ts.HasUpdates {
		updates, _ := tensor.NewTensor([]int{}, tensor.Int32, int32(ts.Updates))
		items = append(items, tensor.Named{Name: KeyUpdates, Tensor: updates})
	}

	b, err := tensor.MarshalNamed(items)
	if err != nil {
		return errors.Wrap(err, "failed to encode checkpoint")
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return errors.Wrap(err, "failed to write checkpoint file")
	}
	return nil
}

// loadProto reads a .ckpt file, separating the training scalars from weights
func (cs *CheckpointSaver) loadProto(path string) (*Checkpoint, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open checkpoint file")
	}
	items, err := tensor.UnmarshalNamed(b)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to decode checkpoint %s", path)
	}

	checkpoint := &Checkpoint{}
	for _, item := range items {
		switch item.Name {
		case KeyEpoch, KeyStep, keyLearningRate, KeyUpdates:
			v, err := item.Tensor.Item()
			if err != nil {
				return nil, errors.Wrapf(err, "checkpoint entry %s", item.Name)
			}
			switch item.Name {
			case KeyEpoch:
				checkpoint.TrainingState.Epoch = int(v)
			case KeyStep:
				checkpoint.TrainingState.Step = int(v)
			case keyLearningRate:
				checkpoint.TrainingState.LearningRate = float32(v)
			case KeyUpdates:
				checkpoint.TrainingState.Updates = int(v)
				checkpoint.TrainingState.HasUpdates = true
			}
			continue
		}
		w, err := FromNamed(item)
		if err != nil {
			return nil, err
		}
		checkpoint.Weights = append(checkpoint.Weights, w)
	}
	return checkpoint, nil
}
