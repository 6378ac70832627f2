package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Options are the run options. They are bound to command-line flags by the
// CLI and written to opt.yaml in the run directory.
type Options struct {
	Weights   string `yaml:"weights"`
	EMAWeight string `yaml:"ema_weight"`
	Cfg       string `yaml:"cfg"`
	Data      string `yaml:"data"`
	Hyp       string `yaml:"hyp"`

	Epochs         int   `yaml:"epochs"`
	BatchSize      int   `yaml:"batch_size"`
	TotalBatchSize int   `yaml:"total_batch_size"`
	ImgSize        []int `yaml:"img_size"`
	Freeze         []int `yaml:"freeze"`

	SingleCls      bool    `yaml:"single_cls"`
	MultiScale     bool    `yaml:"multi_scale"`
	LabelSmoothing float64 `yaml:"label_smoothing"`
	LinearLR       bool    `yaml:"linear_lr"`
	Optimizer      string  `yaml:"optimizer"`
	EMA            bool    `yaml:"ema"`
	Seed           int64   `yaml:"seed"`
	MinWarmupSteps int     `yaml:"min_warmup_steps"`

	Strategy            string  `yaml:"ms_strategy"`
	AmpLevel            string  `yaml:"ms_amp_level"`
	LossScaler          string  `yaml:"ms_loss_scaler"`
	LossScalerValue     float64 `yaml:"ms_loss_scaler_value"`
	GradSens            float64 `yaml:"ms_grad_sens"`
	OptimLossScale      float64 `yaml:"ms_optim_loss_scale"`
	OverflowStillUpdate bool    `yaml:"overflow_still_update"`

	IsDistributed  bool   `yaml:"is_distributed"`
	Rank           int    `yaml:"rank"`
	RankSize       int    `yaml:"rank_size"`
	DeviceID       int    `yaml:"device_id"`
	CollectiveAddr string `yaml:"collective_addr"`
	ReduceOp       string `yaml:"reduce_op"`

	EnableSync bool   `yaml:"enable_modelarts"`
	DataURL    string `yaml:"data_url"`
	TrainURL   string `yaml:"train_url"`
	DataDir    string `yaml:"data_dir"`

	Project        string `yaml:"project"`
	Name           string `yaml:"name"`
	ExistOK        bool   `yaml:"exist_ok"`
	SaveDir        string `yaml:"save_dir"`
	CkptFormat     string `yaml:"ckpt_format"`
	// MaxCheckpoints is the number of epochs whose checkpoints are kept, 0 keeps all
	MaxCheckpoints int    `yaml:"max_checkpoints"`
	RunDB          string `yaml:"run_db"`
	LogLevel       string `yaml:"log_level"`
	LogFormat      string `yaml:"log_format"`
	Evolve         bool   `yaml:"evolve"`

	// Synthetic dataset size, used when the train split is "synthetic"
	SyntheticImages int `yaml:"synthetic_images"`
}

// DefaultOptions returns the option defaults of the training CLI
func DefaultOptions() *Options {
	return &Options{
		Cfg:             "yolov7-tiny.yaml",
		Epochs:          300,
		BatchSize:       16,
		ImgSize:         []int{640, 640},
		Freeze:          []int{0},
		Optimizer:       "sgd",
		EMA:             true,
		Seed:            2,
		MinWarmupSteps:  1000,
		Strategy:        "StaticShape",
		AmpLevel:        "O0",
		LossScaler:      "dynamic",
		LossScalerValue: 1.0,
		GradSens:        1024,
		OptimLossScale:  1.0,
		RankSize:        1,
		ReduceOp:        "mean",
		Project:         "runs/train",
		Name:            "exp",
		CkptFormat:      "ckpt",
		LogLevel:        "info",
		LogFormat:       "text",
		DataDir:         "/cache/data",
		SyntheticImages: 64,
	}
}

// ApplyEnv reads DEVICE_ID, RANK_ID and RANK_SIZE through getenv. Rank
// variables only apply to distributed runs.
func (o *Options) ApplyEnv(getenv func(string) string) error {
	if v := getenv("DEVICE_ID"); v != "" {
		id, err := strconv.Atoi(v)
		if err != nil {
			return Invalidf("DEVICE_ID=%q is not an integer", v)
		}
		o.DeviceID = id
	}
	if !o.IsDistributed {
		o.Rank, o.RankSize = 0, 1
		return nil
	}
	for _, env := range []struct {
		key string
		dst *int
	}{{"RANK_ID", &o.Rank}, {"RANK_SIZE", &o.RankSize}} {
		v := getenv(env.key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return Invalidf("%s=%q is not an integer", env.key, v)
		}
		*env.dst = n
	}
	return nil
}

// Finalize validates the options and derives the per-worker batch size and
// the train/test image sizes. It is called once after flags and env are applied.
func (o *Options) Finalize() error {
	if o.Evolve {
		return Unsupportedf("evolve training is not supported")
	}
	if o.Cfg == "" && o.Weights == "" {
		return Invalidf("either cfg or weights must be specified")
	}
	if o.MaxCheckpoints < 0 {
		return Invalidf("max checkpoints must not be negative, got %d", o.MaxCheckpoints)
	}
	if o.Epochs <= 0 || o.BatchSize <= 0 {
		return Invalidf("epochs and batch size must be positive, got %d and %d", o.Epochs, o.BatchSize)
	}
	if o.RankSize <= 0 || o.Rank < 0 || o.Rank >= o.RankSize {
		return Invalidf("rank %d is outside a group of %d workers", o.Rank, o.RankSize)
	}
	if len(o.ImgSize) == 0 || len(o.ImgSize) > 2 {
		return Invalidf("img size takes one or two values, got %v", o.ImgSize)
	}
	for len(o.ImgSize) < 2 {
		o.ImgSize = append(o.ImgSize, o.ImgSize[len(o.ImgSize)-1])
	}
	if len(o.Freeze) == 0 {
		o.Freeze = []int{0}
	}

	o.TotalBatchSize = o.BatchSize
	if o.RankSize > 1 {
		if o.BatchSize%o.RankSize != 0 {
			return Invalidf("batch size %d must be a multiple of device count %d", o.BatchSize, o.RankSize)
		}
		o.BatchSize = o.TotalBatchSize / o.RankSize
	}
	return nil
}

// FreezePrefixes expands the freeze option: a single value k freezes layers
// 0..k-1, several values freeze exactly those layers.
func (o *Options) FreezePrefixes() []string {
	var layers []int
	if len(o.Freeze) > 1 {
		layers = o.Freeze
	} else if len(o.Freeze) == 1 {
		for i := 0; i < o.Freeze[0]; i++ {
			layers = append(layers, i)
		}
	}
	prefixes := make([]string, len(layers))
	for i, l := range layers {
		prefixes[i] = fmt.Sprintf("model.%d.", l)
	}
	return prefixes
}

// ModelName is the cfg file name without directory or extension
func (o *Options) ModelName() string {
	base := filepath.Base(o.Cfg)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// Save writes the options to opt.yaml in dir
func (o *Options) Save(dir string) error {
	return writeYAML(filepath.Join(dir, "opt.yaml"), o)
}

// CheckImgSize rounds size up to a multiple of gridSize and reports whether it changed
func CheckImgSize(size, gridSize int) (int, bool) {
	n := (size + gridSize - 1) / gridSize * gridSize
	return n, n != size
}

// IncrementPath returns path, or path2, path3, ... when path already exists
// and existOK is false.
func IncrementPath(path string, existOK bool) (string, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) || existOK {
		return path, nil
	} else if err != nil {
		return "", errors.Wrapf(err, "failed to stat %s", path)
	}
	for n := 2; ; n++ {
		candidate := fmt.Sprintf("%s%d", path, n)
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate, nil
		}
	}
}
