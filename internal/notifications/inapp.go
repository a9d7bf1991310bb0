package notifications

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gotrs-io/gotrs-sla/internal/logging"
	"github.com/gotrs-io/gotrs-sla/internal/models"
	"github.com/gotrs-io/gotrs-sla/internal/services/dispatch"
	"github.com/gotrs-io/gotrs-sla/internal/slaerrors"
)

// InAppMessage is one entry of a recipient's in-app inbox.
type InAppMessage struct {
	Key       string          `json:"key"`
	Recipient string          `json:"recipient"`
	CaseID    string          `json:"case_id"`
	Subject   string          `json:"subject"`
	Body      string          `json:"body"`
	Severity  models.Severity `json:"severity"`
	CreatedAt time.Time       `json:"created_at"`
}

// Hub stores in-app messages per recipient class until they are consumed.
type Hub interface {
	Dispatch(ctx context.Context, msg InAppMessage) error
	Consume(recipient string) []InAppMessage
	Peek(recipient string) []InAppMessage
}

type memoryHub struct {
	mu       sync.Mutex
	capacity int
	inbox    map[string][]InAppMessage
}

// NewMemoryHub returns a hub holding at most capacity messages per
// recipient; the oldest are dropped first.
func NewMemoryHub(capacity int) Hub {
	if capacity <= 0 {
		capacity = 200
	}
	return &memoryHub{capacity: capacity, inbox: make(map[string][]InAppMessage)}
}

func (m *memoryHub) Dispatch(_ context.Context, msg InAppMessage) error {
	if msg.Recipient == "" {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.inbox[msg.Recipient]
	replaced := false
	for i := range list {
		if msg.Key != "" && list[i].Key == msg.Key {
			list[i] = msg
			replaced = true
			break
		}
	}
	if !replaced {
		list = append(list, msg)
	}
	if over := len(list) - m.capacity; over > 0 {
		list = append([]InAppMessage(nil), list[over:]...)
	}
	m.inbox[msg.Recipient] = list
	return nil
}

func (m *memoryHub) Consume(recipient string) []InAppMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.inbox[recipient]
	delete(m.inbox, recipient)
	if len(list) == 0 {
		return nil
	}
	return list
}

func (m *memoryHub) Peek(recipient string) []InAppMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.inbox[recipient]
	if len(list) == 0 {
		return nil
	}
	out := make([]InAppMessage, len(list))
	copy(out, list)
	return out
}

// Publisher fans in-app messages out to other processes.
type Publisher interface {
	Publish(ctx context.Context, msg InAppMessage) error
}

// InAppAdapter stores notifications in the hub and, when a publisher is
// configured, publishes them as well.
type InAppAdapter struct {
	hub       Hub
	publisher Publisher
	renderer  *Renderer
	now       func() time.Time
	logger    *zap.Logger
}

// NewInAppAdapter returns an adapter over hub. publisher may be nil.
func NewInAppAdapter(hub Hub, publisher Publisher, r *Renderer, logger *zap.Logger) *InAppAdapter {
	return &InAppAdapter{
		hub:       hub,
		publisher: publisher,
		renderer:  r,
		now:       func() time.Time { return time.Now().UTC() },
		logger:    logging.OrNop(logger),
	}
}

// Channel implements dispatch.ChannelAdapter.
func (a *InAppAdapter) Channel() models.NotificationMethod { return models.MethodInApp }

// Send implements dispatch.ChannelAdapter.
func (a *InAppAdapter) Send(ctx context.Context, n dispatch.Notification) error {
	body, err := a.renderer.Render(n.BodyTemplateID, FormatText, n.Variables)
	if err != nil {
		return slaerrors.Configuration("inapp.render", err)
	}
	msg := InAppMessage{
		Key:       n.Key,
		Recipient: n.RecipientClass,
		CaseID:    n.CaseID,
		Subject:   n.Subject,
		Body:      body,
		Severity:  n.Severity,
		CreatedAt: a.now(),
	}
	if err := a.hub.Dispatch(ctx, msg); err != nil {
		return err
	}
	if a.publisher != nil {
		if err := a.publisher.Publish(ctx, msg); err != nil {
			// The inbox already holds the message; a retry would only republish.
			a.logger.Warn("in-app publish failed", zap.String("key", n.Key), zap.Error(err))
		}
	}
	return nil
}
