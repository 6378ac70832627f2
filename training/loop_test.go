package training

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"

	"github.com/tsawler/yolo-train/artifacts"
	"github.com/tsawler/yolo-train/checkpoints"
	"github.com/tsawler/yolo-train/config"
	"github.com/tsawler/yolo-train/dataset"
	"github.com/tsawler/yolo-train/network"
	"github.com/tsawler/yolo-train/optimizer"
	"github.com/tsawler/yolo-train/runlog"
	"github.com/tsawler/yolo-train/tensor"
)

// recordingStrategy remembers what the loop asked of it
type recordingStrategy struct {
	targets []int
	sizes   [][]int
}

func (r *recordingStrategy) TrainStep(ctx context.Context, b Batch) (StepOutcome, error) {
	r.sizes = append(r.sizes, b.Size)
	return StepOutcome{Loss: 1, Finite: true, Applied: true, LossScale: 1}, nil
}

func (r *recordingStrategy) SetAccumulate(target int) error {
	r.targets = append(r.targets, target)
	return nil
}

func (r *recordingStrategy) Name() string { return "recording" }

// sliceSource yields n identical batches per epoch
type sliceSource struct {
	n, pos int
	batch  *dataset.Batch
	resets int
}

func newSliceSource(t *testing.T, n, size int) *sliceSource {
	t.Helper()
	images, err := tensor.Zeros([]int{1, 3, size, size}, tensor.Float32)
	if err != nil {
		t.Fatal(err)
	}
	labels, err := tensor.Zeros([]int{1, 1, 5}, tensor.Float32)
	if err != nil {
		t.Fatal(err)
	}
	return &sliceSource{n: n, batch: &dataset.Batch{Images: images, Labels: labels}}
}

func (s *sliceSource) Next() (*dataset.Batch, error) {
	if s.pos >= s.n {
		return nil, nil
	}
	s.pos++
	return s.batch, nil
}

func (s *sliceSource) Reset() { s.pos = 0; s.resets++ }

func (s *sliceSource) Len() int { return s.n }

func threeGroupSGD(t *testing.T) optimizer.Optimizer {
	t.Helper()
	var groups []optimizer.Group
	for g := 0; g < NumGroups; g++ {
		v, _ := tensor.Zeros([]int{1}, tensor.Float32)
		groups = append(groups, optimizer.Group{
			Name:   groupNames[g],
			Params: []*network.Parameter{{Name: groupNames[g], Value: v, RequiresGrad: true}},
		})
	}
	opt, err := optimizer.New(optimizer.DefaultConfig(optimizer.KindSGD), groups)
	if err != nil {
		t.Fatal(err)
	}
	return opt
}

func TestLoopAppliesSchedules(t *testing.T) {
	schedule := testSchedule(t, 5)
	strategy := &recordingStrategy{}
	opt := threeGroupSGD(t)
	source := newSliceSource(t, 10, 64)

	loop, err := NewLoop(LoopConfig{Epochs: 2, ImgSize: 64}, strategy, opt, schedule, source, nil, nil, runlog.Discard())
	if err != nil {
		t.Fatal(err)
	}
	if err := loop.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	if source.resets != 2 {
		t.Errorf("expected a reset per epoch, got %d", source.resets)
	}
	if len(strategy.targets) != 20 {
		t.Fatalf("expected an accumulation target for every warmup step, got %d", len(strategy.targets))
	}
	for i, target := range strategy.targets {
		if target != schedule.WarmupAccumulate(i) {
			t.Errorf("step %d: expected target %d, got %d", i, schedule.WarmupAccumulate(i), target)
		}
	}
	for g := 0; g < NumGroups; g++ {
		if got, want := opt.GroupLR(g), float32(schedule.GroupLR(g, 19)); got != want {
			t.Errorf("group %d: expected lr %g, got %g", g, want, got)
		}
	}
	if got, want := opt.(*optimizer.SGD).Momentum, float32(schedule.Momentum[19]); got != want {
		t.Errorf("expected warmup momentum %g, got %g", want, got)
	}
	for i, size := range strategy.sizes {
		if size != nil {
			t.Errorf("step %d: unexpected resize %v without multi-scale", i, size)
		}
	}
}

func TestLoopMultiScale(t *testing.T) {
	strategy := &recordingStrategy{}
	loop, err := NewLoop(LoopConfig{Epochs: 1, ImgSize: 64, GridSize: 32, MultiScale: true, Seed: 2},
		strategy, threeGroupSGD(t), testSchedule(t, 5), newSliceSource(t, 50, 64), nil, nil, runlog.Discard())
	if err != nil {
		t.Fatal(err)
	}
	if err := loop.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	seen := map[int]bool{}
	for _, size := range strategy.sizes {
		if size == nil {
			seen[64] = true
			continue
		}
		if size[0] != size[1] || size[0]%32 != 0 || size[0] < 32 || size[0] > 96 || size[0] == 64 {
			t.Errorf("unexpected multi-scale size %v", size)
		}
		seen[size[0]] = true
	}
	if len(seen) < 2 {
		t.Errorf("expected several sizes over 50 steps, got %v", seen)
	}
}

func TestLoopMultiScaleAtGridSize(t *testing.T) {
	loop, err := NewLoop(LoopConfig{Epochs: 1, ImgSize: 32, GridSize: 32, MultiScale: true, Seed: 2},
		&recordingStrategy{}, threeGroupSGD(t), testSchedule(t, 5), newSliceSource(t, 4, 32), nil, nil, runlog.Discard())
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 200; i++ {
		size := loop.multiScale([]int{1, 3, 32, 32})
		if size == nil {
			continue
		}
		if size[0] != size[1] || size[0] < 32 || size[0]%32 != 0 {
			t.Fatalf("draw %d: unexpected multi-scale size %v", i, size)
		}
	}
}

func TestLoopStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	loop, _ := NewLoop(LoopConfig{Epochs: 1}, &recordingStrategy{}, threeGroupSGD(t), testSchedule(t, 5), newSliceSource(t, 10, 64), nil, nil, runlog.Discard())
	if err := loop.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}

	// a source shorter than the configured epoch is an error
	loop, _ = NewLoop(LoopConfig{Epochs: 1, PerEpochSize: 12}, &recordingStrategy{}, threeGroupSGD(t), testSchedule(t, 5), newSliceSource(t, 10, 64), nil, nil, runlog.Discard())
	if err := loop.Run(context.Background()); err == nil {
		t.Error("expected error for a short epoch")
	}
}

func testOptions(t *testing.T) *config.Options {
	t.Helper()
	opts := config.DefaultOptions()
	opts.Cfg = "cfg/training/yolov7-tiny.yaml"
	opts.Epochs = 2
	opts.BatchSize = 4
	opts.ImgSize = []int{64}
	opts.SyntheticImages = 8
	opts.MinWarmupSteps = 1
	opts.SaveDir = filepath.Join(t.TempDir(), "exp")
	if err := opts.Finalize(); err != nil {
		t.Fatal(err)
	}
	return opts
}

func testData() *config.Data {
	return &config.Data{Nc: 2, Names: []string{"cat", "dog"}, Train: config.SyntheticSplit}
}

func TestBuildAndRun(t *testing.T) {
	ctx := context.Background()
	opts := testOptions(t)
	sink, err := runlog.OpenSQLite(ctx, filepath.Join(t.TempDir(), "runs.db"), map[string]any{"name": "exp"})
	if err != nil {
		t.Fatal(err)
	}
	defer sink.Close()

	run, err := Build(ctx, opts, config.DefaultHyp(), testData(), Deps{Sink: sink, RunID: sink.RunID(), Logger: runlog.Discard()})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if run.Accumulate != 16 || run.ImgSize != 64 {
		t.Errorf("unexpected accumulate %d or image size %d", run.Accumulate, run.ImgSize)
	}
	if run.Strategy.Name() != "StaticShape" || run.Optimizer.NumGroups() != NumGroups {
		t.Errorf("unexpected wiring: %s with %d groups", run.Strategy.Name(), run.Optimizer.NumGroups())
	}

	if err := run.Loop.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}

	for _, name := range []string{"hyp.yaml", "opt.yaml"} {
		if _, err := os.Stat(filepath.Join(opts.SaveDir, name)); err != nil {
			t.Errorf("expected %s: %v", name, err)
		}
	}
	for _, name := range []string{"yolov7-tiny_1.ckpt", "EMA_yolov7-tiny_1.ckpt", "yolov7-tiny_2.ckpt", "EMA_yolov7-tiny_2.ckpt"} {
		if _, err := os.Stat(filepath.Join(run.WeightsDir, name)); err != nil {
			t.Errorf("expected checkpoint %s: %v", name, err)
		}
	}

	live, err := checkpoints.Load(filepath.Join(run.WeightsDir, "yolov7-tiny_2.ckpt"))
	if err != nil {
		t.Fatal(err)
	}
	if live.TrainingState.Epoch != 2 || live.TrainingState.Step != 4 || live.TrainingState.HasUpdates {
		t.Errorf("unexpected live checkpoint state %+v", live.TrainingState)
	}
	averaged, err := checkpoints.Load(filepath.Join(run.WeightsDir, "EMA_yolov7-tiny_2.ckpt"))
	if err != nil {
		t.Fatal(err)
	}
	if !averaged.TrainingState.HasUpdates || averaged.TrainingState.Updates != run.EMA.Updates() {
		t.Errorf("expected updates %d in EMA checkpoint, got %+v", run.EMA.Updates(), averaged.TrainingState)
	}
	if run.EMA.Updates() != int(run.Optimizer.GetStepCount()) {
		t.Errorf("EMA updates %d should match optimizer updates %d", run.EMA.Updates(), run.Optimizer.GetStepCount())
	}

	steps, err := sink.Steps(ctx)
	if err != nil || len(steps) != 4 {
		t.Fatalf("expected 4 recorded steps, got %d (%v)", len(steps), err)
	}
	if steps[3].Epoch != 2 || steps[3].GlobalStep != 4 || steps[3].Size != 64 {
		t.Errorf("unexpected last step record %+v", steps[3])
	}
	cks, err := sink.Checkpoints(ctx)
	if err != nil || len(cks) != 4 {
		t.Errorf("expected 4 recorded checkpoints, got %d (%v)", len(cks), err)
	}
}

func TestBuildSyncsArtifacts(t *testing.T) {
	ctx := context.Background()
	opts := testOptions(t)
	opts.Epochs = 1
	opts.EnableSync = true
	opts.DataURL = t.TempDir()
	opts.DataDir = filepath.Join(t.TempDir(), "data")
	opts.TrainURL = filepath.Join(t.TempDir(), "remote")
	if err := os.WriteFile(filepath.Join(opts.DataURL, "README"), []byte("data"), 0o644); err != nil {
		t.Fatal(err)
	}

	logger := runlog.Discard()
	run, err := Build(ctx, opts, config.DefaultHyp(), testData(), Deps{Syncer: artifacts.NewLocalSyncer(logger), Logger: logger})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if err := run.Loop.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}

	for _, p := range []string{
		filepath.Join(opts.DataDir, "README"),
		filepath.Join(opts.TrainURL, "hyp.yaml"),
		filepath.Join(opts.TrainURL, "weights", "yolov7-tiny_1.ckpt"),
		filepath.Join(opts.TrainURL, "weights", "EMA_yolov7-tiny_1.ckpt"),
	} {
		if _, err := os.Stat(p); err != nil {
			t.Errorf("expected %s: %v", p, err)
		}
	}
}

func TestBuildLoadsPretrainedWeights(t *testing.T) {
	ctx := context.Background()
	opts := testOptions(t)
	first, err := Build(ctx, opts, config.DefaultHyp(), testData(), Deps{})
	if err != nil {
		t.Fatal(err)
	}
	first.Model.Parameters()[0].Value.Data.([]float32)[0] = 0.25
	if err := first.EMA.Update(); err != nil {
		t.Fatal(err)
	}
	saved, err := first.Checkpoint.SaveEpoch(ctx, 1, 2, 0.01)
	if err != nil || len(saved) != 2 {
		t.Fatalf("save: %v (%v)", saved, err)
	}

	tests := []struct {
		name        string
		emaWeight   string
		wantUpdates int
	}{
		{"ema falls back to the pretrained model", "", 0},
		{"ema restored with updates", saved[1], 1},
	}
	for _, tt := range tests {
		o := testOptions(t)
		o.Weights = saved[0]
		o.EMAWeight = tt.emaWeight
		run, err := Build(ctx, o, config.DefaultHyp(), testData(), Deps{})
		if err != nil {
			t.Fatalf("%s: %v", tt.name, err)
		}
		if got := run.Model.Parameters()[0].Value.Data.([]float32)[0]; got != 0.25 {
			t.Errorf("%s: pretrained weight not loaded, got %f", tt.name, got)
		}
		if run.EMA.Updates() != tt.wantUpdates {
			t.Errorf("%s: expected %d EMA updates, got %d", tt.name, tt.wantUpdates, run.EMA.Updates())
		}
	}
}

func TestBuildRejectsConfiguration(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*config.Options, *config.Data)
		want   error
	}{
		{"StaticCell with accumulation", func(o *config.Options, d *config.Data) { o.Strategy = "StaticCell" }, config.ErrUnsupported},
		{"unknown loss scaler", func(o *config.Options, d *config.Data) { o.LossScaler = "adaptive" }, config.ErrUnsupported},
		{"unknown strategy", func(o *config.Options, d *config.Data) { o.Strategy = "DynamicShape" }, config.ErrUnsupported},
		{"missing image folder", func(o *config.Options, d *config.Data) { d.Train = "images/train" }, config.ErrUnsupported},
		{"names mismatch", func(o *config.Options, d *config.Data) { d.Names = d.Names[:1] }, config.ErrInvalid},
		{"thor optimizer", func(o *config.Options, d *config.Data) { o.Optimizer = "thor" }, optimizer.ErrUnsupported},
		{"unknown reduce op", func(o *config.Options, d *config.Data) { o.ReduceOp = "max" }, config.ErrUnsupported},
		{"sync without syncer", func(o *config.Options, d *config.Data) { o.EnableSync = true }, config.ErrInvalid},
	}
	for _, tt := range tests {
		opts, data := testOptions(t), testData()
		tt.modify(opts, data)
		_, err := Build(context.Background(), opts, config.DefaultHyp(), data, Deps{})
		if errors.Cause(err) != tt.want {
			t.Errorf("%s: expected %v, got %v", tt.name, tt.want, err)
		}
	}
}
