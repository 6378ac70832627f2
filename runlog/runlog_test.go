package runlog

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		level, format string
		wantErr       bool
	}{
		{"info", "text", false},
		{"debug", "json", false},
		{"WARN", "", false},
		{"loud", "text", true},
		{"info", "xml", true},
	}
	for _, tt := range tests {
		var buf bytes.Buffer
		logger, err := NewLogger(&buf, tt.level, tt.format)
		if (err != nil) != tt.wantErr {
			t.Errorf("NewLogger(%q, %q) error = %v, wantErr %v", tt.level, tt.format, err, tt.wantErr)
		}
		if err != nil {
			continue
		}
		logger.Warn("overflow", "loss_scale", 512)
		if !strings.Contains(buf.String(), "overflow") {
			t.Errorf("expected message in output, got %q", buf.String())
		}
	}

	var buf bytes.Buffer
	logger, _ := NewLogger(&buf, "info", "json")
	logger.Info("step", "loss", 1.5)
	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("expected JSON line: %v", err)
	}
	if line["loss"] != 1.5 {
		t.Errorf("loss = %v", line["loss"])
	}

	buf.Reset()
	logger.Debug("hidden")
	if buf.Len() != 0 {
		t.Error("debug line written at info level")
	}
}

func TestSQLiteSink(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "runs.db")

	sink, err := OpenSQLite(ctx, path, map[string]any{"name": "exp"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer sink.Close()
	if sink.RunID() == "" {
		t.Fatal("empty run id")
	}

	for i := 1; i <= 3; i++ {
		rec := StepRecord{
			Epoch: 1, Step: i, GlobalStep: i, Size: 640,
			Loss: float64(i), LBox: 0.1, LObj: 0.2, LCls: 0.3,
			LR:        [3]float64{0.01, 0.01, 0.1},
			LossScale: 1024, Finite: i != 2, Applied: i != 2,
			FwdBwd: 20 * time.Millisecond, StepTime: 25 * time.Millisecond,
		}
		if err := sink.RecordStep(ctx, rec); err != nil {
			t.Fatalf("record step: %v", err)
		}
	}
	if err := sink.RecordCheckpoint(ctx, CheckpointRecord{Epoch: 1, Step: 3, Path: "w/EMA_yolov7_1.ckpt", EMA: true}); err != nil {
		t.Fatalf("record checkpoint: %v", err)
	}

	steps, err := sink.Steps(ctx)
	if err != nil {
		t.Fatalf("steps: %v", err)
	}
	if len(steps) != 3 {
		t.Fatalf("expected 3 steps, got %d", len(steps))
	}
	if steps[1].Finite || steps[1].Applied {
		t.Error("second step should be recorded as overflow")
	}
	if steps[2].Loss != 3 || steps[2].LR[2] != 0.1 {
		t.Errorf("unexpected step record %+v", steps[2])
	}

	cks, err := sink.Checkpoints(ctx)
	if err != nil || len(cks) != 1 || !cks[0].EMA {
		t.Fatalf("unexpected checkpoints %+v (%v)", cks, err)
	}

	other, err := OpenSQLite(ctx, path, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer other.Close()
	if other.RunID() == sink.RunID() {
		t.Error("runs share an id")
	}
	if steps, _ := other.Steps(ctx); len(steps) != 0 {
		t.Errorf("new run sees %d foreign steps", len(steps))
	}
}

func TestDevice(t *testing.T) {
	d := Device(3)
	if d.DeviceID != 3 || d.GOMAXPROCS < 1 {
		t.Errorf("unexpected report %+v", d)
	}
	var buf bytes.Buffer
	logger, _ := NewLogger(&buf, "info", "text")
	d.Log(logger)
	if !strings.Contains(buf.String(), "device_id=3") {
		t.Errorf("unexpected log %q", buf.String())
	}
}
