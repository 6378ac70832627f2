package checkpoints

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/tsawler/yolo-train/network"
	"github.com/tsawler/yolo-train/optimizer"
	"github.com/tsawler/yolo-train/tensor"
)

// CheckpointFormat defines the serialization format
type CheckpointFormat int

const (
	// FormatProto is the protobuf .ckpt layout: a repeated list of tagged tensors
	FormatProto CheckpointFormat = iota
	FormatJSON
)

func (cf CheckpointFormat) String() string {
	switch cf {
	case FormatProto:
		return "Proto"
	case FormatJSON:
		return "JSON"
	default:
		return "Unknown"
	}
}

// Extension returns the file extension written for the format
func (cf CheckpointFormat) Extension() string {
	if cf == FormatJSON {
		return ".json"
	}
	return ".ckpt"
}

// ParseFormat maps a configured format name ("ckpt" or "json") to its format
func ParseFormat(name string) (CheckpointFormat, error) {
	switch strings.ToLower(strings.TrimPrefix(name, ".")) {
	case "ckpt", "proto", "":
		return FormatProto, nil
	case "json":
		return FormatJSON, nil
	default:
		return 0, errors.Errorf("unsupported checkpoint format %q", name)
	}
}

// FormatForPath picks the format from a file extension; anything other than
// .json is read as .ckpt.
func FormatForPath(path string) CheckpointFormat {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return FormatJSON
	}
	return FormatProto
}

// Names of the scalar entries stored next to the weights
const (
	KeyEpoch   = "epoch_num"
	KeyStep    = "step_num"
	KeyUpdates = "updates"
)

// Checkpoint represents model weights plus training progress
type Checkpoint struct {
	Weights []WeightTensor `json:"weights"`

	TrainingState TrainingState `json:"training_state"`

	// Optimizer state is only kept by the JSON format
	OptimizerState *optimizer.OptimizerState `json:"optimizer_state,omitempty"`

	Metadata CheckpointMetadata `json:"metadata"`
}

// WeightTensor represents a named model tensor with its data
type WeightTensor struct {
	Name   string    `json:"name"`
	Shape  []int     `json:"shape"`
	DType  string    `json:"dtype"`
	Data   []float32 `json:"data,omitempty"`
	Int32s []int32   `json:"int32_data,omitempty"`
}

// TrainingState captures the current training progress
type TrainingState struct {
	Epoch        int     `json:"epoch"`
	Step         int     `json:"step"`
	LearningRate float32 `json:"learning_rate"`
	// Updates is the EMA update counter, present for averaged weights
	Updates    int  `json:"updates,omitempty"`
	HasUpdates bool `json:"has_updates,omitempty"`
}

// CheckpointMetadata contains checkpoint metadata
type CheckpointMetadata struct {
	Version     string    `json:"version"`
	Framework   string    `json:"framework"`
	CreatedAt   time.Time `json:"created_at"`
	RunID       string    `json:"run_id,omitempty"`
	Description string    `json:"description,omitempty"`
}

// CheckpointSaver handles saving model checkpoints in various formats
type CheckpointSaver struct {
	format CheckpointFormat
}

// NewCheckpointSaver creates a new checkpoint saver for the specified format
func NewCheckpointSaver(format CheckpointFormat) *CheckpointSaver {
	return &CheckpointSaver{
		format: format,
	}
}

func (cs *CheckpointSaver) Format() CheckpointFormat { return cs.format }

// SaveCheckpoint saves a complete model checkpoint
func (cs *CheckpointSaver) SaveCheckpoint(checkpoint *Checkpoint, path string) error {
	if checkpoint.Metadata.Framework == "" {
		checkpoint.Metadata.Framework = "yolo-train"
		checkpoint.Metadata.Version = "1.0.0"
		checkpoint.Metadata.CreatedAt = time.Now()
	}

	switch cs.format {
	case FormatProto:
		return cs.saveProto(checkpoint, path)
	case FormatJSON:
		return cs.saveJSON(checkpoint, path)
	default:
		return errors.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
}

// LoadCheckpoint loads a model checkpoint
func (cs *CheckpointSaver) LoadCheckpoint(path string) (*Checkpoint, error) {
	switch cs.format {
	case FormatProto:
		return cs.loadProto(path)
	case FormatJSON:
		return cs.loadJSON(path)
	default:
		return nil, errors.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
}

// Load reads a checkpoint in the format implied by its extension
func Load(path string) (*Checkpoint, error) {
	return NewCheckpointSaver(FormatForPath(path)).LoadCheckpoint(path)
}

// saveJSON saves checkpoint in JSON format
func (cs *CheckpointSaver) saveJSON(checkpoint *Checkpoint, path string) error {
	file, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "failed to create checkpoint file")
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")

	if err := encoder.Encode(checkpoint); err != nil {
		return errors.Wrap(err, "failed to encode checkpoint")
	}

	return nil
}

// loadJSON loads checkpoint from JSON format
func (cs *CheckpointSaver) loadJSON(path string) (*Checkpoint, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open checkpoint file")
	}
	defer file.Close()

	var checkpoint Checkpoint
	if err := json.NewDecoder(file).Decode(&checkpoint); err != nil {
		return nil, errors.Wrap(err, "failed to decode checkpoint")
	}

	return &checkpoint, nil
}

// FromNamed converts a named tensor into its serializable form
func FromNamed(item tensor.Named) (WeightTensor, error) {
	w := WeightTensor{
		Name:  item.Name,
		Shape: append([]int{}, item.Tensor.Shape...),
		DType: item.Tensor.DType.String(),
	}
	switch item.Tensor.DType {
	case tensor.Int32:
		w.Int32s = append([]int32(nil), item.Tensor.Data.([]int32)...)
	case tensor.Float32:
		w.Data = append([]float32(nil), item.Tensor.Data.([]float32)...)
	default:
		full, err := tensor.Cast(item.Tensor, tensor.Float32)
		if err != nil {
			return WeightTensor{}, errors.Wrapf(err, "weight %s", item.Name)
		}
		w.Data = full.Data.([]float32)
	}
	return w, nil
}

// Tensor rebuilds the tensor held by w
func (w WeightTensor) Tensor() (*tensor.Tensor, error) {
	dtype, err := tensor.ParseDType(w.DType)
	if err != nil {
		return nil, errors.Wrapf(err, "weight %s", w.Name)
	}
	switch dtype {
	case tensor.Int32:
		return tensor.NewTensor(w.Shape, dtype, w.Int32s)
	case tensor.Float32:
		return tensor.NewTensor(w.Shape, dtype, w.Data)
	default:
		full, err := tensor.NewTensor(w.Shape, tensor.Float32, w.Data)
		if err != nil {
			return nil, err
		}
		return tensor.Cast(full, dtype)
	}
}

// FromParameters snapshots every parameter, including non-trainable buffers
func FromParameters(params []*network.Parameter) ([]WeightTensor, error) {
	weights := make([]WeightTensor, 0, len(params))
	for _, p := range params {
		w, err := FromNamed(tensor.Named{Name: p.Name, Tensor: p.Value})
		if err != nil {
			return nil, err
		}
		weights = append(weights, w)
	}
	return weights, nil
}

// LoadIntoParameters copies weights into the parameters with matching names.
// It returns the parameter names that had no entry in weights. A shape or
// dtype mismatch is an error.
func LoadIntoParameters(weights []WeightTensor, params []*network.Parameter) ([]string, error) {
	byName := make(map[string]WeightTensor, len(weights))
	for _, w := range weights {
		byName[w.Name] = w
	}

	var missing []string
	for _, p := range params {
		w, ok := byName[p.Name]
		if !ok {
			missing = append(missing, p.Name)
			continue
		}
		t, err := w.Tensor()
		if err != nil {
			return nil, err
		}
		if t.DType != p.Value.DType {
			if t, err = tensor.Cast(t, p.Value.DType); err != nil {
				return nil, errors.Wrapf(err, "weight %s", w.Name)
			}
		}
		if err := p.Value.CopyFrom(t); err != nil {
			return nil, errors.Wrapf(err, "failed to copy weight data for %s", w.Name)
		}
	}
	return missing, nil
}

// Filename builds "<prefix><model>_<epoch><ext>", the per-epoch checkpoint name
func Filename(prefix, model string, epoch int, format CheckpointFormat) string {
	return fmt.Sprintf("%s%s_%d%s", prefix, model, epoch, format.Extension())
}
