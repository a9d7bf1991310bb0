// Package tasks holds the scheduled jobs of the SLA engine.
package tasks

import (
	"context"
	"time"

	"github.com/gotrs-io/gotrs-sla/internal/config"
	"github.com/gotrs-io/gotrs-sla/internal/runner"
	"github.com/gotrs-io/gotrs-sla/internal/services/engine"
)

// Engine is the part of the compliance engine the ticks drive.
type Engine interface {
	Evaluate(ctx context.Context) (engine.TickReport, error)
	RollupAll(ctx context.Context) error
	Archive(ctx context.Context) (int, error)
}

const (
	EvaluationTaskName = "sla-evaluation"
	RollupTaskName     = "sla-rollup"
	ArchiveTaskName    = "sla-archive"
)

// EvaluationTask advances every tracked case and fires due escalations.
type EvaluationTask struct {
	engine   Engine
	schedule string
	timeout  time.Duration
}

// NewEvaluationTask creates the evaluation tick.
func NewEvaluationTask(e Engine, cfg config.RunnerConfig) runner.Task {
	return &EvaluationTask{engine: e, schedule: cfg.EvaluationSchedule, timeout: orDefault(cfg.EvaluationTimeout, 25*time.Second)}
}

func (t *EvaluationTask) Name() string           { return EvaluationTaskName }
func (t *EvaluationTask) Schedule() string       { return t.schedule }
func (t *EvaluationTask) Timeout() time.Duration { return t.timeout }

// Run executes one evaluation tick.
func (t *EvaluationTask) Run(ctx context.Context) error {
	_, err := t.engine.Evaluate(ctx)
	return err
}

// RollupTask recomputes compliance metrics.
type RollupTask struct {
	engine   Engine
	schedule string
	timeout  time.Duration
}

// NewRollupTask creates the metrics rollup tick.
func NewRollupTask(e Engine, cfg config.RunnerConfig) runner.Task {
	return &RollupTask{engine: e, schedule: cfg.RollupSchedule, timeout: orDefault(cfg.RollupTimeout, 5*time.Minute)}
}

func (t *RollupTask) Name() string           { return RollupTaskName }
func (t *RollupTask) Schedule() string       { return t.schedule }
func (t *RollupTask) Timeout() time.Duration { return t.timeout }

// Run executes one rollup.
func (t *RollupTask) Run(ctx context.Context) error {
	return t.engine.RollupAll(ctx)
}

// ArchiveTask moves finished cases into case history.
type ArchiveTask struct {
	engine   Engine
	schedule string
	timeout  time.Duration
}

// NewArchiveTask creates the archive sweep.
func NewArchiveTask(e Engine, cfg config.RunnerConfig) runner.Task {
	return &ArchiveTask{engine: e, schedule: cfg.ArchiveSchedule, timeout: orDefault(cfg.ArchiveTimeout, 2*time.Minute)}
}

func (t *ArchiveTask) Name() string           { return ArchiveTaskName }
func (t *ArchiveTask) Schedule() string       { return t.schedule }
func (t *ArchiveTask) Timeout() time.Duration { return t.timeout }

// Run executes one archive sweep.
func (t *ArchiveTask) Run(ctx context.Context) error {
	_, err := t.engine.Archive(ctx)
	return err
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}
