package config

import (
	"math"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// NominalBatchSize is the batch size the hyperparameters are tuned for
const NominalBatchSize = 64

// Hyp is the hyperparameter document. Keys the trainer does not read, such
// as augmentation settings, are preserved in Extra and written back out.
type Hyp struct {
	Lr0            float64 `yaml:"lr0"`
	Lrf            float64 `yaml:"lrf"`
	Momentum       float64 `yaml:"momentum"`
	WeightDecay    float64 `yaml:"weight_decay"`
	WarmupEpochs   float64 `yaml:"warmup_epochs"`
	WarmupMomentum float64 `yaml:"warmup_momentum"`
	WarmupBiasLr   float64 `yaml:"warmup_bias_lr"`
	Box            float64 `yaml:"box"`
	Cls            float64 `yaml:"cls"`
	ClsPw          float64 `yaml:"cls_pw"`
	Obj            float64 `yaml:"obj"`
	ObjPw          float64 `yaml:"obj_pw"`
	IouT           float64 `yaml:"iou_t"`
	AnchorT        float64 `yaml:"anchor_t"`
	FlGamma        float64 `yaml:"fl_gamma"`
	LabelSmoothing float64 `yaml:"label_smoothing"`
	LossOta        int     `yaml:"loss_ota"`
	Anchors        int     `yaml:"anchors,omitempty"`

	Extra map[string]interface{} `yaml:",inline"`
}

// DefaultHyp returns the scratch hyperparameters of the detector recipe
func DefaultHyp() *Hyp {
	return &Hyp{
		Lr0:            0.01,
		Lrf:            0.1,
		Momentum:       0.937,
		WeightDecay:    0.0005,
		WarmupEpochs:   3.0,
		WarmupMomentum: 0.8,
		WarmupBiasLr:   0.1,
		Box:            0.05,
		Cls:            0.3,
		ClsPw:          1.0,
		Obj:            0.7,
		ObjPw:          1.0,
		IouT:           0.2,
		AnchorT:        4.0,
		FlGamma:        0.0,
		LossOta:        1,
	}
}

// LoadHyp reads a hyperparameter document; missing keys keep their defaults
func LoadHyp(path string) (*Hyp, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read hyperparameters")
	}
	h := DefaultHyp()
	if err := yaml.Unmarshal(b, h); err != nil {
		return nil, errors.Wrapf(err, "failed to parse hyperparameters %s", path)
	}
	if h.Lr0 <= 0 {
		return nil, Invalidf("lr0 must be positive in %s, got %g", path, h.Lr0)
	}
	return h, nil
}

// Accumulate returns the nominal accumulation count for totalBatch
func Accumulate(totalBatch int) int {
	return max(int(math.RoundToEven(float64(NominalBatchSize)/float64(totalBatch))), 1)
}

// ScaleForTraining applies the batch, class, image size and layer scaling
// rules. It must be called exactly once, before the optimizer is built.
func (h *Hyp) ScaleForTraining(totalBatch, accumulate, numLayers, numClasses, imgSize int, labelSmoothing float64) {
	h.WeightDecay *= float64(totalBatch*accumulate) / NominalBatchSize
	nl := float64(numLayers)
	h.Box *= 3 / nl
	h.Cls *= float64(numClasses) / 80 * 3 / nl
	r := float64(imgSize) / 640
	h.Obj *= r * r * 3 / nl
	h.LabelSmoothing = labelSmoothing
}

// Save writes the document as YAML, keeping key order stable
func (h *Hyp) Save(dir string) error {
	return writeYAML(filepath.Join(dir, "hyp.yaml"), h)
}

func writeYAML(path string, v interface{}) error {
	b, err := yaml.Marshal(v)
	if err != nil {
		return errors.Wrapf(err, "failed to encode %s", filepath.Base(path))
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return errors.Wrapf(err, "failed to write %s", path)
	}
	return nil
}
