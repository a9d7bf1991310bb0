package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gotrs-io/gotrs-sla/internal/models"
	"github.com/gotrs-io/gotrs-sla/internal/services/dispatch"
	"github.com/gotrs-io/gotrs-sla/internal/slaerrors"
)

// SMSAdapter posts short text notifications to an HTTP SMS gateway.
type SMSAdapter struct {
	gatewayURL string
	token      string
	client     *http.Client
	renderer   *Renderer
	recipients Directory
}

type smsRequest struct {
	To        string `json:"to"`
	Text      string `json:"text"`
	Reference string `json:"reference,omitempty"`
}

// NewSMSAdapter returns an adapter for the gateway at url.
func NewSMSAdapter(url, token string, timeout time.Duration, r *Renderer, recipients Directory) *SMSAdapter {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &SMSAdapter{
		gatewayURL: url,
		token:      token,
		client:     &http.Client{Timeout: timeout},
		renderer:   r,
		recipients: recipients,
	}
}

// Channel implements dispatch.ChannelAdapter.
func (a *SMSAdapter) Channel() models.NotificationMethod { return models.MethodSMS }

// Send posts one message. 5xx and 429 responses are transient; any other
// non-2xx status is a configuration problem and is not retried.
func (a *SMSAdapter) Send(ctx context.Context, n dispatch.Notification) error {
	to, err := a.recipients.Resolve("sms", n.RecipientClass)
	if err != nil {
		return err
	}
	text, err := a.renderer.Render(n.BodyTemplateID, FormatText, n.Variables)
	if err != nil {
		return slaerrors.Configuration("sms.render", err)
	}

	payload, err := json.Marshal(smsRequest{To: to, Text: text, Reference: n.Key})
	if err != nil {
		return fmt.Errorf("encode sms: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.gatewayURL, bytes.NewReader(payload))
	if err != nil {
		return slaerrors.Configuration("sms.request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}
	if n.Key != "" {
		req.Header.Set("Idempotency-Key", n.Key)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return slaerrors.Transient("sms.send", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return slaerrors.Transient("sms.send", fmt.Errorf("gateway returned %d: %s", resp.StatusCode, body))
	default:
		return slaerrors.Configuration("sms.send", fmt.Errorf("gateway rejected message with %d: %s", resp.StatusCode, body))
	}
}
