package notifications

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/gotrs-io/gotrs-sla/internal/config"
	"github.com/gotrs-io/gotrs-sla/internal/slaerrors"
)

// SMTPTransport relays raw queued messages over SMTP. It implements
// mailqueue.Transport.
type SMTPTransport struct {
	cfg         config.SMTPConfig
	defaultFrom string
	dialTimeout time.Duration
}

// NewSMTPTransport returns a transport for cfg. defaultFrom is the envelope
// sender when a queued item has none.
func NewSMTPTransport(cfg config.SMTPConfig, defaultFrom string) *SMTPTransport {
	return &SMTPTransport{cfg: cfg, defaultFrom: defaultFrom, dialTimeout: 10 * time.Second}
}

// Send delivers raw to every recipient in one SMTP transaction.
func (s *SMTPTransport) Send(ctx context.Context, from string, to []string, raw []byte) error {
	if len(to) == 0 {
		return slaerrors.Configurationf("smtp.send", "no recipients specified")
	}
	if from == "" {
		from = s.defaultFrom
	}
	if from == "" {
		from = "noreply@localhost"
	}

	client, err := s.dialSMTPClient(ctx)
	if err != nil {
		return slaerrors.Transient("smtp.dial", err)
	}
	defer client.Close()

	if err := s.authenticate(client); err != nil {
		return err
	}
	if err := client.Mail(from); err != nil {
		return fmt.Errorf("failed to set sender: %w", err)
	}
	for _, rcpt := range to {
		if err := client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("failed to set recipient %s: %w", rcpt, err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("failed to initiate data transfer: %w", err)
	}
	if _, err := w.Write(raw); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close data transfer: %w", err)
	}
	if err := client.Quit(); err != nil {
		return fmt.Errorf("failed to quit SMTP session: %w", err)
	}
	return nil
}

// tlsMode is the normalised tls_mode setting.
func (s *SMTPTransport) tlsMode() string {
	return strings.ToLower(strings.TrimSpace(s.cfg.TLSMode))
}

func (s *SMTPTransport) dialSMTPClient(ctx context.Context) (*smtp.Client, error) {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	tlsConfig := &tls.Config{
		ServerName:         s.cfg.Host,
		InsecureSkipVerify: s.cfg.SkipVerify, //nolint:gosec // operator opt-in for test relays
	}
	dialer := &net.Dialer{Timeout: s.dialTimeout}

	var conn net.Conn
	var err error
	if s.tlsMode() == "smtps" {
		conn, err = (&tls.Dialer{NetDialer: dialer, Config: tlsConfig}).DialContext(ctx, "tcp", addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to SMTP server %s: %w", addr, err)
	}

	client, err := smtp.NewClient(conn, s.cfg.Host)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create SMTP client: %w", err)
	}
	if s.tlsMode() == "starttls" {
		if err := client.StartTLS(tlsConfig); err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to start TLS: %w", err)
		}
	}
	return client, nil
}

func (s *SMTPTransport) authenticate(client *smtp.Client) error {
	if s.cfg.User == "" || s.cfg.Password == "" {
		return nil
	}

	var auth smtp.Auth
	switch strings.ToLower(strings.TrimSpace(s.cfg.AuthType)) {
	case "login":
		auth = &loginAuth{username: s.cfg.User, password: s.cfg.Password}
	default:
		auth = smtp.PlainAuth("", s.cfg.User, s.cfg.Password, s.cfg.Host)
	}

	if err := client.Auth(auth); err != nil {
		return slaerrors.Configuration("smtp.auth", fmt.Errorf("SMTP authentication failed: %w", err))
	}
	return nil
}

// loginAuth implements SMTP LOGIN authentication
type loginAuth struct {
	username, password string
}

func (a *loginAuth) Start(_ *smtp.ServerInfo) (string, []byte, error) {
	return "LOGIN", []byte{}, nil
}

func (a *loginAuth) Next(fromServer []byte, more bool) ([]byte, error) {
	if more {
		switch string(fromServer) {
		case "Username:":
			return []byte(a.username), nil
		case "Password:":
			return []byte(a.password), nil
		default:
			return nil, fmt.Errorf("unexpected server challenge: %s", fromServer)
		}
	}
	return nil, nil
}
