package notifications

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"go.uber.org/zap"

	"github.com/gotrs-io/gotrs-sla/internal/logging"
	"github.com/gotrs-io/gotrs-sla/internal/mailqueue"
	"github.com/gotrs-io/gotrs-sla/internal/models"
	"github.com/gotrs-io/gotrs-sla/internal/services/dispatch"
	"github.com/gotrs-io/gotrs-sla/internal/slaerrors"
)

// EmailAdapter renders notifications to HTML and hands them to the mail
// queue. Delivery to the relay happens later in mailqueue.Sender.
type EmailAdapter struct {
	queue      mailqueue.Store
	renderer   *Renderer
	recipients Directory
	from       string
	domain     string
	md         goldmark.Markdown
	policy     *bluemonday.Policy
	logger     *zap.Logger
}

// NewEmailAdapter returns an adapter queueing into q.
func NewEmailAdapter(q mailqueue.Store, r *Renderer, recipients Directory, from, domain string, logger *zap.Logger) *EmailAdapter {
	if domain == "" {
		domain = "localhost"
	}
	return &EmailAdapter{
		queue:      q,
		renderer:   r,
		recipients: recipients,
		from:       from,
		domain:     domain,
		md: goldmark.New(
			goldmark.WithExtensions(extension.GFM, extension.Table),
		),
		policy: bluemonday.UGCPolicy(),
		logger: logging.OrNop(logger),
	}
}

// Channel implements dispatch.ChannelAdapter.
func (a *EmailAdapter) Channel() models.NotificationMethod { return models.MethodEmail }

// Send queues one email. A notification already queued under the same key
// counts as sent.
func (a *EmailAdapter) Send(ctx context.Context, n dispatch.Notification) error {
	to, err := a.recipients.Resolve("email", n.RecipientClass)
	if err != nil {
		return err
	}
	body, err := a.HTMLBody(n)
	if err != nil {
		return err
	}

	raw := mailqueue.BuildCaseThreadMessage(a.from, to, n.Subject, body, a.domain, n.CaseID)
	item := &mailqueue.MailQueueItem{
		Sender:     &a.from,
		Recipient:  to,
		RawMessage: raw,
	}
	if n.Key != "" {
		key := n.Key
		item.InsertFingerprint = &key
	}
	if n.CaseID != "" {
		caseID := n.CaseID
		item.CaseID = &caseID
	}

	if err := a.queue.Insert(ctx, item); err != nil {
		if errors.Is(err, mailqueue.ErrAlreadyQueued) {
			a.logger.Debug("email already queued", zap.String("key", n.Key))
			return nil
		}
		return slaerrors.Transient("email.queue", err)
	}
	return nil
}

// HTMLBody renders the markdown template and sanitises the resulting HTML.
func (a *EmailAdapter) HTMLBody(n dispatch.Notification) (string, error) {
	text, err := a.renderer.Render(n.BodyTemplateID, FormatMarkdown, n.Variables)
	if err != nil {
		return "", slaerrors.Configuration("email.render", err)
	}
	var buf bytes.Buffer
	if err := a.md.Convert([]byte(text), &buf); err != nil {
		return "", fmt.Errorf("convert markdown: %w", err)
	}
	return "<div>" + a.policy.Sanitize(buf.String()) + "</div>", nil
}
