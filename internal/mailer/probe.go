package mailer

import (
	"context"
	"log/slog"
)

// Step is the outcome of one diagnostic stage.
type Step struct {
	OK    bool
	Error string
}

func (s Step) LogValue() slog.Value {
	if s.OK {
		return slog.GroupValue(slog.Bool("ok", true))
	}
	return slog.GroupValue(slog.Bool("ok", false), slog.String("error", s.Error))
}

// Report is the result of Probe. Stages after a failure are not attempted
// and remain zero.
type Report struct {
	Addr     string
	TCP      Step
	StartTLS Step
	Login    Step
}

// OK reports whether every stage passed.
func (r Report) OK() bool {
	return r.TCP.OK && r.StartTLS.OK && r.Login.OK
}

func (r Report) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("addr", r.Addr),
		slog.Any("tcp", r.TCP),
		slog.Any("starttls", r.StartTLS),
		slog.Any("login", r.Login),
	)
}

func failed(err error) Step {
	return Step{Error: err.Error()}
}

// Probe checks relay reachability: a plain TCP connect, then an SMTP
// session upgraded with STARTTLS, then PLAIN login. No mail is sent.
func (c *Client) Probe(ctx context.Context) Report {
	r := Report{Addr: c.relay.Addr()}

	conn, err := c.dialTCP(ctx, "tcp", r.Addr)
	if err != nil {
		r.TCP = failed(err)
		return r
	}
	conn.Close()
	r.TCP = Step{OK: true}

	s, err := c.dial(ctx, r.Addr)
	if err != nil {
		r.StartTLS = failed(err)
		return r
	}
	defer s.Close()
	r.StartTLS = Step{OK: true}

	if c.relay.Username == "" || c.relay.Password == "" {
		r.Login = failed(ErrMissingCredentials)
		return r
	}
	if err := s.Auth(c.auth()); err != nil {
		r.Login = failed(err)
		return r
	}
	r.Login = Step{OK: true}
	_ = s.Quit()
	return r
}
