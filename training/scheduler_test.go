package training

import (
	"math"
	"testing"

	"github.com/tsawler/yolo-train/network"
	"github.com/tsawler/yolo-train/tensor"
)

func TestOneCycleLRScheduler(t *testing.T) {
	scheduler := &OneCycleLRScheduler{Epochs: 10, Lrf: 0.1}

	tests := []struct {
		epoch    int
		expected float64
	}{
		{0, 1.0},
		{5, 0.55}, // halfway down the cosine
		{10, 0.1}, // ends at lrf
	}

	for _, tt := range tests {
		if got := scheduler.Factor(tt.epoch); math.Abs(got-tt.expected) > 1e-9 {
			t.Errorf("Epoch %d: expected factor %f, got %f", tt.epoch, tt.expected, got)
		}
	}
	if scheduler.GetName() != "OneCycle" {
		t.Errorf("unexpected name %s", scheduler.GetName())
	}
}

func TestLinearLRScheduler(t *testing.T) {
	scheduler := &LinearLRScheduler{Epochs: 5, Lrf: 0.2}

	tests := []struct {
		epoch    int
		expected float64
	}{
		{0, 1.0},
		{2, 0.6},
		{4, 0.2},
	}

	for _, tt := range tests {
		if got := scheduler.Factor(tt.epoch); math.Abs(got-tt.expected) > 1e-9 {
			t.Errorf("Epoch %d: expected factor %f, got %f", tt.epoch, tt.expected, got)
		}
	}
}

func testSchedule(t *testing.T, minWarmup int) *Schedule {
	t.Helper()
	s, err := NewSchedule(ScheduleConfig{
		LR0:            0.01,
		Lrf:            0.1,
		Momentum:       0.937,
		WarmupEpochs:   3,
		WarmupMomentum: 0.8,
		WarmupBiasLR:   0.1,
		Epochs:         5,
		PerEpochSize:   10,
		MinWarmupSteps: minWarmup,
		WithMomentum:   true,
		TotalBatchSize: 16,
	})
	if err != nil {
		t.Fatalf("NewSchedule: %v", err)
	}
	return s
}

func TestScheduleWarmup(t *testing.T) {
	s := testSchedule(t, 5)
	if s.WarmupSteps != 30 {
		t.Fatalf("expected 30 warmup steps, got %d", s.WarmupSteps)
	}

	lf := s.Scheduler()
	tests := []struct {
		name  string
		group int
		step  int
		want  float64
	}{
		{"decay group starts at zero", GroupDecay, 0, 0},
		{"bias group starts at warmup bias lr", GroupBias, 0, 0.1},
		{"no-decay group halfway", GroupNoDecay, 15, 0.01 * lf.Factor(1) * 0.5},
		{"bias group halfway", GroupBias, 15, 0.1 + (0.01*lf.Factor(1)-0.1)*0.5},
		{"after warmup", GroupDecay, 30, 0.01 * lf.Factor(3)},
		{"bias after warmup", GroupBias, 49, 0.01 * lf.Factor(4)},
		{"past the end clamps", GroupBias, 500, 0.01 * lf.Factor(4)},
	}
	for _, tt := range tests {
		if got := s.GroupLR(tt.group, tt.step); math.Abs(got-tt.want) > 1e-12 {
			t.Errorf("%s: expected %g, got %g", tt.name, tt.want, got)
		}
	}

	if len(s.Momentum) != 30 {
		t.Fatalf("expected 30 momentum entries, got %d", len(s.Momentum))
	}
	if m, ok := s.MomentumAt(0); !ok || m != 0.8 {
		t.Errorf("expected warmup momentum 0.8, got %f (%v)", m, ok)
	}
	if _, ok := s.MomentumAt(30); ok {
		t.Error("momentum schedule should end with warmup")
	}
	if !s.InWarmup(29) || s.InWarmup(30) {
		t.Error("warmup boundary misplaced")
	}
}

func TestScheduleMinWarmupSteps(t *testing.T) {
	s := testSchedule(t, 1000)
	if s.WarmupSteps != 1000 {
		t.Errorf("expected minimum warmup of 1000 steps, got %d", s.WarmupSteps)
	}
	// the whole run is warmup; the momentum ramp covers only the run
	if len(s.Momentum) != 50 {
		t.Errorf("expected 50 momentum entries, got %d", len(s.Momentum))
	}
}

func TestWarmupAccumulate(t *testing.T) {
	s := testSchedule(t, 5) // nbs/total batch = 4

	tests := []struct {
		step int
		want int
	}{
		{0, 1},
		{6, 2},
		{15, 2}, // 2.5 rounds to even
		{20, 3},
		{29, 4},
		{40, 4},
	}
	for _, tt := range tests {
		if got := s.WarmupAccumulate(tt.step); got != tt.want {
			t.Errorf("step %d: expected accumulate %d, got %d", tt.step, tt.want, got)
		}
	}
}

func TestNewScheduleRejectsEmptyRun(t *testing.T) {
	if _, err := NewSchedule(ScheduleConfig{Epochs: 0, PerEpochSize: 10, TotalBatchSize: 16}); err == nil {
		t.Error("expected error for zero epochs")
	}
	if _, err := NewSchedule(ScheduleConfig{Epochs: 1, PerEpochSize: 10}); err == nil {
		t.Error("expected error for zero batch size")
	}
}

func TestGroupParameters(t *testing.T) {
	names := []string{
		"model.0.bn.weight",
		"model.0.bn.bias",
		"model.1.m.weight",
		"model.1.m.bias",
		"model.2.implicit",
		"model.3.norm.gamma",
		"model.4.conv.weight",
	}
	var params []*network.Parameter
	for _, n := range names {
		v, _ := tensor.Zeros([]int{1}, tensor.Float32)
		params = append(params, &network.Parameter{Name: n, Value: v, RequiresGrad: true})
	}
	params[6].RequiresGrad = false

	groups := GroupParameters(params, 0.0005, testSchedule(t, 5))
	if len(groups) != NumGroups {
		t.Fatalf("expected %d groups, got %d", NumGroups, len(groups))
	}

	want := map[int][]string{
		GroupNoDecay: {"model.0.bn.weight", "model.2.implicit", "model.3.norm.gamma"},
		GroupDecay:   {"model.1.m.weight"},
		GroupBias:    {"model.0.bn.bias", "model.1.m.bias"},
	}
	for g, expected := range want {
		if len(groups[g].Params) != len(expected) {
			t.Errorf("group %s: expected %d params, got %d", groups[g].Name, len(expected), len(groups[g].Params))
			continue
		}
		for i, p := range groups[g].Params {
			if p.Name != expected[i] {
				t.Errorf("group %s[%d]: expected %s, got %s", groups[g].Name, i, expected[i], p.Name)
			}
		}
	}

	if groups[GroupDecay].WeightDecay != float32(0.0005) || groups[GroupNoDecay].WeightDecay != 0 || groups[GroupBias].WeightDecay != 0 {
		t.Error("only the decay group should carry weight decay")
	}
	if groups[GroupBias].LR != float32(0.1) || groups[GroupDecay].LR != 0 {
		t.Errorf("initial learning rates should come from step 0, got %f and %f", groups[GroupBias].LR, groups[GroupDecay].LR)
	}
}
