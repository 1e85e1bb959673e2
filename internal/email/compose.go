package email

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
)

// ErrNoRecipients is returned when a message has no parseable recipient.
var ErrNoRecipients = errors.New("no recipients")

// Message is an outbound email.
type Message struct {
	From     string
	To       string
	Subject  string
	TextBody string
	HTMLBody string
	Date     time.Time
}

// Composed is a serialized message with its SMTP envelope.
type Composed struct {
	From       string
	Recipients []string
	Data       []byte
}

// Compose renders m as a multipart/alternative message with a text part and,
// when HTMLBody is set, an HTML alternative.
func Compose(m Message) (*Composed, error) {
	from, err := mail.ParseAddress(m.From)
	if err != nil {
		return nil, fmt.Errorf("parse from address %q: %w", m.From, err)
	}
	to, err := mail.ParseAddressList(m.To)
	if err != nil {
		return nil, fmt.Errorf("parse to address %q: %w", m.To, err)
	}
	if len(to) == 0 {
		return nil, ErrNoRecipients
	}

	date := m.Date
	if date.IsZero() {
		date = time.Now().UTC()
	}

	var h mail.Header
	h.SetAddressList("From", []*mail.Address{from})
	h.SetAddressList("To", to)
	h.SetSubject(m.Subject)
	h.SetDate(date)
	if err := h.GenerateMessageID(); err != nil {
		return nil, fmt.Errorf("generate message id: %w", err)
	}
	h.Set("MIME-Version", "1.0")
	h.SetContentType("multipart/alternative", nil)

	var buf bytes.Buffer
	w, err := message.CreateWriter(&buf, h.Header)
	if err != nil {
		return nil, fmt.Errorf("create writer: %w", err)
	}
	if err := writePart(w, "text/plain", m.TextBody); err != nil {
		return nil, err
	}
	if m.HTMLBody != "" {
		if err := writePart(w, "text/html", m.HTMLBody); err != nil {
			return nil, err
		}
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close message: %w", err)
	}

	recipients := make([]string, len(to))
	for i, addr := range to {
		recipients[i] = addr.Address
	}
	return &Composed{
		From:       from.Address,
		Recipients: recipients,
		Data:       buf.Bytes(),
	}, nil
}

func writePart(w *message.Writer, mediaType, body string) error {
	var h message.Header
	h.SetContentType(mediaType, map[string]string{"charset": "utf-8"})
	h.Set("Content-Transfer-Encoding", "quoted-printable")

	pw, err := w.CreatePart(h)
	if err != nil {
		return fmt.Errorf("create %s part: %w", mediaType, err)
	}
	if _, err := io.WriteString(pw, body); err != nil {
		return fmt.Errorf("write %s part: %w", mediaType, err)
	}
	return pw.Close()
}
