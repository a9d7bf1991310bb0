package runner

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/gotrs-io/gotrs-sla/internal/logging"
)

// Runner manages and executes scheduled background tasks. A task whose
// previous run is still going is skipped, so ticks of one kind never overlap.
type Runner struct {
	cron     *cron.Cron
	registry *TaskRegistry
	logger   *zap.Logger
	wg       sync.WaitGroup
	signals  bool
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger injects a logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Runner) { r.logger = l }
}

// WithoutSignals stops Start from reacting to SIGINT/SIGTERM; only ctx ends it.
func WithoutSignals() Option {
	return func(r *Runner) { r.signals = false }
}

// NewRunner creates a new task runner
func NewRunner(registry *TaskRegistry, opts ...Option) *Runner {
	r := &Runner{registry: registry, signals: true}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = logging.OrNop(r.logger)
	cl := cronLogger{r.logger}
	r.cron = cron.New(
		cron.WithSeconds(),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	return r
}

// Schedule registers every task with cron without starting it.
func (r *Runner) Schedule(ctx context.Context) error {
	for _, name := range r.registry.Names() {
		task, _ := r.registry.Get(name)
		r.logger.Info("registering task", zap.String("task", name), zap.String("schedule", task.Schedule()))
		if _, err := r.cron.AddFunc(task.Schedule(), func() {
			r.executeTask(ctx, task)
		}); err != nil {
			return fmt.Errorf("failed to schedule task %s: %w", name, err)
		}
	}
	return nil
}

// Start schedules the tasks, runs them until ctx is done or a termination
// signal arrives, then waits for running tasks to finish.
func (r *Runner) Start(ctx context.Context) error {
	if err := r.Schedule(ctx); err != nil {
		return err
	}
	r.cron.Start()
	r.logger.Info("task runner started", zap.Int("tasks", len(r.registry.All())))
	return r.waitForShutdown(ctx)
}

// RunOnce executes one task immediately, outside the schedule.
func (r *Runner) RunOnce(ctx context.Context, name string) error {
	task, ok := r.registry.Get(name)
	if !ok {
		return fmt.Errorf("unknown task %q", name)
	}
	return r.executeTask(ctx, task)
}

// executeTask runs a single task with timeout and error handling
func (r *Runner) executeTask(ctx context.Context, task Task) error {
	r.wg.Add(1)
	defer r.wg.Done()

	taskCtx, cancel := context.WithTimeout(ctx, task.Timeout())
	defer cancel()

	start := time.Now()
	err := task.Run(taskCtx)
	duration := time.Since(start)

	if err != nil {
		r.logger.Warn("task failed", zap.String("task", task.Name()), zap.Duration("took", duration), zap.Error(err))
	} else {
		r.logger.Debug("task completed", zap.String("task", task.Name()), zap.Duration("took", duration))
	}
	return err
}

// Stop gracefully shuts down the runner
func (r *Runner) Stop() {
	r.logger.Info("stopping task runner")
	ctx := r.cron.Stop()
	r.wg.Wait()
	<-ctx.Done()
	r.logger.Info("task runner stopped")
}

// waitForShutdown waits for termination signals
func (r *Runner) waitForShutdown(ctx context.Context) error {
	sigChan := make(chan os.Signal, 1)
	if r.signals {
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigChan)
	}

	select {
	case sig := <-sigChan:
		r.logger.Info("received signal", zap.String("signal", sig.String()))
		r.Stop()
		return nil
	case <-ctx.Done():
		r.Stop()
		return ctx.Err()
	}
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct{ l *zap.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Sugar().Debugw("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Sugar().Errorw("cron: "+msg, append(keysAndValues, "error", err)...)
}
