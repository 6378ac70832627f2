package runlog

import (
	"context"
	"time"
)

// StepRecord is one logged training step
type StepRecord struct {
	Epoch      int
	Step       int
	GlobalStep int
	Size       int
	Loss       float64
	LBox       float64
	LObj       float64
	LCls       float64
	LR         [3]float64
	LossScale  float64
	Finite     bool
	Applied    bool
	FwdBwd     time.Duration
	StepTime   time.Duration
}

// CheckpointRecord is one saved checkpoint file
type CheckpointRecord struct {
	Epoch int
	Step  int
	Path  string
	EMA   bool
}

// Sink persists the run history
type Sink interface {
	RecordStep(ctx context.Context, rec StepRecord) error
	RecordCheckpoint(ctx context.Context, rec CheckpointRecord) error
	Close() error
}

// Nop is a Sink that keeps nothing
type Nop struct{}

func (Nop) RecordStep(context.Context, StepRecord) error             { return nil }
func (Nop) RecordCheckpoint(context.Context, CheckpointRecord) error { return nil }
func (Nop) Close() error                                             { return nil }
