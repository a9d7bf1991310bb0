package notifications

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"

	"github.com/gotrs-io/gotrs-sla/internal/config"
	"github.com/gotrs-io/gotrs-sla/internal/slaerrors"
)

// NATSPublisher publishes in-app messages on "<subject>.<recipient>". The
// message key travels in the Nats-Msg-Id header so JetStream streams can
// de-duplicate.
type NATSPublisher struct {
	conn    *nats.Conn
	subject string
}

// ConnectNATS dials the configured server.
func ConnectNATS(cfg config.NATSConfig) (*NATSPublisher, error) {
	conn, err := nats.Connect(cfg.URL,
		nats.Name("gotrs-sla"),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", cfg.URL, err)
	}
	return NewNATSPublisher(conn, cfg.Subject), nil
}

// NewNATSPublisher wraps an existing connection.
func NewNATSPublisher(conn *nats.Conn, subject string) *NATSPublisher {
	if subject == "" {
		subject = "sla.notifications.in_app"
	}
	return &NATSPublisher{conn: conn, subject: subject}
}

// SubjectFor returns the subject a recipient's messages are published on.
func (p *NATSPublisher) SubjectFor(recipient string) string {
	return p.subject + "." + strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_").Replace(recipient)
}

// Publish implements Publisher.
func (p *NATSPublisher) Publish(ctx context.Context, msg InAppMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode in-app message: %w", err)
	}
	m := nats.NewMsg(p.SubjectFor(msg.Recipient))
	m.Data = data
	if msg.Key != "" {
		m.Header.Set(nats.MsgIdHdr, msg.Key)
	}
	if err := p.conn.PublishMsg(m); err != nil {
		return slaerrors.Transient("nats.publish", err)
	}
	return nil
}

// Close drains the connection.
func (p *NATSPublisher) Close() error {
	return p.conn.Drain()
}
