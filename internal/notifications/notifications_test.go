package notifications

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gotrs-io/gotrs-sla/internal/config"
	"github.com/gotrs-io/gotrs-sla/internal/mailqueue"
	"github.com/gotrs-io/gotrs-sla/internal/models"
	"github.com/gotrs-io/gotrs-sla/internal/services/dispatch"
	"github.com/gotrs-io/gotrs-sla/internal/slaerrors"
)

var firedAt = time.Date(2024, 3, 4, 10, 30, 0, 0, time.UTC)

func escalationNotification(ch models.NotificationMethod, class string) dispatch.Notification {
	m := dispatch.FromEscalation(models.EscalationEvent{
		ID:                  "ev-1",
		CaseID:              "C-100",
		TierID:              "enterprise",
		RuleID:              "enterprise-l2",
		Level:               2,
		EscalateTo:          class,
		TriggerType:         models.TriggerTimeBased,
		Priority:            models.PriorityCritical,
		Milestone:           "resolution",
		Severity:            models.SeverityCritical,
		NotificationMethods: models.MethodList{ch},
		FiredAt:             firedAt,
	})
	return dispatch.Notification{
		Key:            m.DedupKey(ch),
		CaseID:         m.CaseID,
		Severity:       m.Severity,
		RecipientClass: m.Recipient,
		Channel:        ch,
		Subject:        m.Subject,
		BodyTemplateID: m.TemplateID,
		Variables:      m.Variables,
	}
}

func TestRenderer(t *testing.T) {
	r := NewRenderer()
	n := escalationNotification(models.MethodSMS, "tier2-support")

	text, err := r.Render(n.BodyTemplateID, FormatText, n.Variables)
	require.NoError(t, err)
	assert.Equal(t, "SLA L2 C-100 (critical) -> tier2-support: time-based on resolution", text)

	md, err := r.Render(n.BodyTemplateID, FormatMarkdown, n.Variables)
	require.NoError(t, err)
	assert.Contains(t, md, "## Case C-100 escalated to level 2")
	assert.Contains(t, md, "2024-03-04 10:30 UTC")

	breach := dispatch.FromBreach(models.SLABreach{
		CaseID: "C-7", SLAID: "standard", BreachType: models.BreachResponse,
		ExpectedTime: firedAt, DetectedAt: firedAt.Add(time.Minute), Severity: models.SeverityMinor,
	}, "sla-managers", models.MethodList{models.MethodInApp})
	text, err = r.Render(breach.TemplateID, FormatText, breach.Variables)
	require.NoError(t, err)
	assert.Equal(t, "SLA BREACH C-7: response missed, severity minor", text)

	_, err = r.Render("nope", FormatText, nil)
	assert.Error(t, err)
}

func TestEmailAdapter(t *testing.T) {
	ctx := context.Background()
	store := mailqueue.NewMemoryStore()
	adapter := NewEmailAdapter(store, NewRenderer(),
		Directory{"tier2-support": "l2@example.com"}, "sla@example.com", "example.com", nil)
	assert.Equal(t, models.MethodEmail, adapter.Channel())

	n := escalationNotification(models.MethodEmail, "tier2-support")
	require.NoError(t, adapter.Send(ctx, n))
	// Same key: already queued, still a success.
	require.NoError(t, adapter.Send(ctx, n))
	assert.Equal(t, 1, store.Len())

	items, err := store.GetPending(ctx, time.Now().Add(time.Hour), 5, 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "l2@example.com", items[0].Recipient)
	require.NotNil(t, items[0].CaseID)
	assert.Equal(t, "C-100", *items[0].CaseID)

	raw := string(items[0].RawMessage)
	assert.Contains(t, raw, "To: l2@example.com")
	assert.Contains(t, raw, "References: <case-C-100@example.com>")
	assert.Contains(t, raw, "<h2>Case C-100 escalated to level 2</h2>")
	assert.Contains(t, raw, "<table>")

	n.RecipientClass = "nobody"
	err = adapter.Send(ctx, n)
	assert.True(t, slaerrors.IsConfiguration(err))
}

func TestEmailAdapterSanitises(t *testing.T) {
	adapter := NewEmailAdapter(mailqueue.NewMemoryStore(), NewRenderer(), nil, "", "", nil)
	n := escalationNotification(models.MethodEmail, "a@example.com")
	n.Variables["escalate_to"] = `<script>alert(1)</script>`

	body, err := adapter.HTMLBody(n)
	require.NoError(t, err)
	assert.NotContains(t, body, "<script>")
}

func TestSMSAdapter(t *testing.T) {
	var got smsRequest
	var auth, idem string
	status := http.StatusAccepted
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		idem = r.Header.Get("Idempotency-Key")
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(status)
	}))
	defer srv.Close()

	adapter := NewSMSAdapter(srv.URL, "secret", time.Second, NewRenderer(), Directory{"tier2-support": "+15550100"})
	n := escalationNotification(models.MethodSMS, "tier2-support")
	ctx := context.Background()

	require.NoError(t, adapter.Send(ctx, n))
	assert.Equal(t, "+15550100", got.To)
	assert.True(t, strings.HasPrefix(got.Text, "SLA L2 C-100"))
	assert.Equal(t, "Bearer secret", auth)
	assert.Equal(t, n.Key, idem)

	status = http.StatusServiceUnavailable
	err := adapter.Send(ctx, n)
	assert.True(t, slaerrors.IsTransient(err), "got %v", err)

	status = http.StatusBadRequest
	err = adapter.Send(ctx, n)
	assert.True(t, slaerrors.IsConfiguration(err), "got %v", err)
}

type failingPublisher struct{ calls int }

func (p *failingPublisher) Publish(context.Context, InAppMessage) error {
	p.calls++
	return errors.New("nats down")
}

func TestInAppAdapter(t *testing.T) {
	ctx := context.Background()
	hub := NewMemoryHub(2)
	pub := &failingPublisher{}
	adapter := NewInAppAdapter(hub, pub, NewRenderer(), nil)

	n := escalationNotification(models.MethodInApp, "tier2-support")
	require.NoError(t, adapter.Send(ctx, n))
	require.NoError(t, adapter.Send(ctx, n))
	assert.Equal(t, 2, pub.calls)
	require.Len(t, hub.Peek("tier2-support"), 1, "same key replaces the entry")

	for _, k := range []string{"k2", "k3"} {
		n.Key = k
		require.NoError(t, adapter.Send(ctx, n))
	}
	inbox := hub.Consume("tier2-support")
	require.Len(t, inbox, 2)
	assert.Equal(t, "k2", inbox[0].Key)
	assert.Equal(t, models.SeverityCritical, inbox[0].Severity)
	assert.Empty(t, hub.Consume("tier2-support"))
}

func TestDirectoryResolve(t *testing.T) {
	d := Directory{"ops": "ops@example.com"}
	addr, err := d.Resolve("email", "ops")
	require.NoError(t, err)
	assert.Equal(t, "ops@example.com", addr)

	addr, err = d.Resolve("email", "direct@example.com")
	require.NoError(t, err)
	assert.Equal(t, "direct@example.com", addr)

	_, err = d.Resolve("sms", "ops-pager")
	assert.True(t, slaerrors.IsConfiguration(err))
}

func TestSMTPTransport(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())

	transport := NewSMTPTransport(config.SMTPConfig{Host: "127.0.0.1", Port: port}, "sla@example.com")

	err = transport.Send(context.Background(), "", nil, []byte("x"))
	assert.True(t, slaerrors.IsConfiguration(err))

	err = transport.Send(context.Background(), "", []string{"a@example.com"}, []byte("x"))
	assert.True(t, slaerrors.IsTransient(err), "got %v", err)
	assert.Equal(t, "starttls", NewSMTPTransport(config.SMTPConfig{TLSMode: " STARTTLS "}, "").tlsMode())
}

func TestNATSSubjectFor(t *testing.T) {
	p := NewNATSPublisher(nil, "")
	assert.Equal(t, "sla.notifications.in_app.tier2-support", p.SubjectFor("tier2-support"))
	assert.Equal(t, "sla.notifications.in_app.a_b_c", p.SubjectFor("a.b c"))
}
