// Package mailer delivers outbound mail through an authenticated SMTP relay.
package mailer

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/irispro/lambda-comms/internal/config"
	"github.com/irispro/lambda-comms/internal/email"
	"github.com/jarrod-lowe/jmap-service-libs/tracing"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	// DialTimeout bounds the TCP connect to the relay and the greeting plus
	// STARTTLS exchange that follows it.
	DialTimeout = 10 * time.Second

	// CommandTimeout bounds each SMTP command once the session is encrypted.
	CommandTimeout = 30 * time.Second
)

// ErrMissingCredentials is returned before any network call when the relay
// username, password or sender address is unset.
var ErrMissingCredentials = errors.New("smtp credentials or sender not configured")

// session is the subset of *smtp.Client used after STARTTLS.
type session interface {
	Auth(a sasl.Client) error
	SendMail(from string, to []string, r io.Reader) error
	Quit() error
	Close() error
}

var _ session = (*smtp.Client)(nil)

// Client sends mail via the configured relay using STARTTLS and PLAIN auth.
type Client struct {
	relay            config.SMTP
	from             string
	rootCAs          *x509.CertPool
	handshakeTimeout time.Duration
	dial             func(ctx context.Context, addr string) (session, error)
	dialTCP          func(ctx context.Context, network, addr string) (net.Conn, error)
}

// NewClient creates a Client for relay. from is the default sender.
func NewClient(relay config.SMTP, from string) *Client {
	d := &net.Dialer{Timeout: DialTimeout}
	c := &Client{
		relay:            relay,
		from:             from,
		handshakeTimeout: DialTimeout,
		dialTCP:          d.DialContext,
	}
	c.dial = c.dialStartTLS
	return c
}

func (c *Client) tlsConfig() *tls.Config {
	return &tls.Config{ServerName: c.relay.Host, RootCAs: c.rootCAs, MinVersion: tls.VersionTLS12}
}

// dialStartTLS connects to addr and upgrades the session with STARTTLS.
// The connection is closed if the greeting and upgrade do not finish within
// the handshake timeout.
func (c *Client) dialStartTLS(ctx context.Context, addr string) (session, error) {
	conn, err := c.dialTCP(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	hctx, cancel := context.WithTimeout(ctx, c.handshakeTimeout)
	defer cancel()
	stop := context.AfterFunc(hctx, func() { conn.Close() })

	sc, err := smtp.NewClientStartTLS(conn, c.tlsConfig())
	if !stop() {
		if sc != nil {
			sc.Close()
		}
		return nil, fmt.Errorf("starttls: %w", hctx.Err())
	}
	if err != nil {
		return nil, fmt.Errorf("starttls: %w", err)
	}
	sc.CommandTimeout = CommandTimeout
	return sc, nil
}

func (c *Client) auth() sasl.Client {
	return sasl.NewPlainClient("", c.relay.Username, c.relay.Password)
}

// Send composes m and delivers it. An empty m.From uses the client's sender.
func (c *Client) Send(ctx context.Context, m email.Message) error {
	tracer := tracing.Tracer("lambda-comms-mailer")
	ctx, span := tracer.Start(ctx, "mailer.Send", trace.WithAttributes(
		attribute.String("smtp.host", c.relay.Host),
		attribute.Int("smtp.port", c.relay.Port),
	))
	defer span.End()

	if m.From == "" {
		m.From = c.from
	}
	if c.relay.Username == "" || c.relay.Password == "" || m.From == "" {
		tracing.RecordError(span, ErrMissingCredentials)
		return ErrMissingCredentials
	}

	msg, err := email.Compose(m)
	if err != nil {
		tracing.RecordError(span, err)
		return fmt.Errorf("compose message: %w", err)
	}
	span.SetAttributes(attribute.Int("smtp.recipients", len(msg.Recipients)))

	if err := ctx.Err(); err != nil {
		return err
	}

	s, err := c.dial(ctx, c.relay.Addr())
	if err != nil {
		tracing.RecordError(span, err)
		return err
	}
	defer s.Close()

	if err := s.Auth(c.auth()); err != nil {
		tracing.RecordError(span, err)
		return fmt.Errorf("smtp auth: %w", err)
	}
	if err := s.SendMail(msg.From, msg.Recipients, bytes.NewReader(msg.Data)); err != nil {
		tracing.RecordError(span, err)
		return fmt.Errorf("send mail: %w", err)
	}
	if err := s.Quit(); err != nil {
		tracing.RecordError(span, err)
		return fmt.Errorf("quit: %w", err)
	}
	return nil
}
