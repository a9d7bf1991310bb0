package tasks

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/gotrs-io/gotrs-sla/internal/config"
	"github.com/gotrs-io/gotrs-sla/internal/logging"
	"github.com/gotrs-io/gotrs-sla/internal/runner"
)

// MailFlushTaskName is the registry name of the mail queue flush.
const MailFlushTaskName = "email-queue-processor"

// Flusher sends due queued mail. *mailqueue.Sender implements it.
type Flusher interface {
	Flush(ctx context.Context) (int, error)
}

// EmailQueueTask relays queued notification mail over SMTP.
type EmailQueueTask struct {
	sender   Flusher
	enabled  bool
	schedule string
	timeout  time.Duration
	logger   *zap.Logger
}

// NewEmailQueueTask creates the mail flush task.
func NewEmailQueueTask(sender Flusher, enabled bool, cfg config.RunnerConfig, logger *zap.Logger) runner.Task {
	return &EmailQueueTask{
		sender:   sender,
		enabled:  enabled,
		schedule: cfg.MailSchedule,
		timeout:  orDefault(cfg.MailTimeout, 50*time.Second),
		logger:   logging.OrNop(logger),
	}
}

// Name returns the task name
func (t *EmailQueueTask) Name() string { return MailFlushTaskName }

// Schedule returns the cron schedule
func (t *EmailQueueTask) Schedule() string { return t.schedule }

// Timeout returns the task timeout
func (t *EmailQueueTask) Timeout() time.Duration { return t.timeout }

// Run sends one batch of due mail.
func (t *EmailQueueTask) Run(ctx context.Context) error {
	if !t.enabled {
		t.logger.Debug("email notifications disabled, skipping queue processing")
		return nil
	}
	sent, err := t.sender.Flush(ctx)
	if sent > 0 {
		t.logger.Info("queued mail sent", zap.Int("count", sent))
	}
	return err
}
