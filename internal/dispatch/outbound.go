package dispatch

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/irispro/lambda-comms/internal/email"
	"github.com/irispro/lambda-comms/internal/metadata"
	"github.com/jarrod-lowe/jmap-service-libs/tracing"
	"go.opentelemetry.io/otel/attribute"
)

// Defaults applied to absent outbound fields.
const (
	DefaultToEmail  = "test@example.com"
	DefaultSubject  = "Test Email"
	DefaultBodyText = "This is a test email."
)

// outgoingBackupPrefix is the key prefix for outbound JSON backups.
const outgoingBackupPrefix = "outgoing-emails/"

// outgoingBackup is the JSON document written for each sent message.
type outgoingBackup struct {
	ToEmail   string  `json:"to_email"`
	FromEmail string  `json:"from_email"`
	Subject   string  `json:"subject"`
	BodyText  string  `json:"body_text"`
	BodyHTML  *string `json:"body_html"`
	Timestamp string  `json:"timestamp"`
}

type sentResponse struct {
	Message   string `json:"message"`
	MessageID string `json:"message_id"`
}

// lookup returns the named field when it is present as a JSON string.
func (e event) lookup(name string) (string, bool) {
	raw, ok := e[name]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

func (e event) stringOr(name, def string) string {
	if s, ok := e.lookup(name); ok {
		return s
	}
	return def
}

// outboundPayload selects the object holding the send fields. A body that
// is a JSON object encoded as a string (optionally base64) wins; anything
// else falls back to the event itself. ok is false when a base64 body
// cannot be decoded.
func outboundPayload(ev event) (payload event, ok bool) {
	if _, present := ev["body"]; !present {
		return ev, true
	}

	body, isString := ev.lookup("body")
	if ev.truthy("isBase64Encoded") {
		if !isString {
			return nil, false
		}
		decoded, err := base64.StdEncoding.DecodeString(body)
		if err != nil || !utf8.Valid(decoded) {
			return nil, false
		}
		body = string(decoded)
	} else if !isString {
		return ev, true
	}

	var inner event
	if err := json.Unmarshal([]byte(body), &inner); err != nil || inner == nil {
		return ev, true
	}
	return inner, true
}

// handleOutgoing sends one message and records it.
func (d *Dispatcher) handleOutgoing(ctx context.Context, ev event) Response {
	tracer := tracing.Tracer("lambda-comms-dispatch")
	ctx, span := tracer.Start(ctx, "OutgoingEmailHandler")
	defer span.End()

	payload, ok := outboundPayload(ev)
	if !ok {
		d.logger.WarnContext(ctx, "Failed to decode base64 body")
		return jsonResponse(400, map[string]string{"error": "Failed to decode base64 body"})
	}

	msg := email.Message{
		From:     payload.stringOr("from_email", d.cfg.FromEmail),
		To:       payload.stringOr("to_email", DefaultToEmail),
		Subject:  payload.stringOr("subject", DefaultSubject),
		TextBody: payload.stringOr("body_text", DefaultBodyText),
	}
	var bodyHTML *string
	if html, ok := payload.lookup("body_html"); ok {
		msg.HTMLBody = html
		bodyHTML = &html
	}

	d.logger.InfoContext(ctx, "Sending email",
		slog.String("to", msg.To),
		slog.String("subject", msg.Subject),
	)

	if err := d.mail.Send(ctx, msg); err != nil {
		tracing.RecordError(span, err)
		d.logger.ErrorContext(ctx, "Failed to send email",
			slog.String("to", msg.To),
			slog.String("error", err.Error()),
		)
		return jsonResponse(500, map[string]string{"message": "Failed to send email"})
	}

	messageID := d.newID()
	timestamp := d.now()
	span.SetAttributes(attribute.String("message_id", messageID))

	var s3Key string
	if d.cfg.OutputBucket != "" {
		s3Key = outgoingBackupPrefix + messageID + ".json"
		backup := outgoingBackup{
			ToEmail:   msg.To,
			FromEmail: msg.From,
			Subject:   msg.Subject,
			BodyText:  msg.TextBody,
			BodyHTML:  bodyHTML,
			Timestamp: timestamp.Format(time.RFC3339Nano),
		}
		if err := d.objects.PutJSON(ctx, d.cfg.OutputBucket, s3Key, backup); err != nil {
			d.logger.WarnContext(ctx, "Could not store outgoing backup",
				slog.String("message_id", messageID),
				slog.String("key", s3Key),
				slog.String("error", err.Error()),
			)
		}
	}

	err := d.meta.Store(ctx, metadata.Entry{
		MessageID: messageID,
		Sender:    msg.From,
		Recipient: msg.To,
		Subject:   msg.Subject,
		Timestamp: timestamp,
		S3Key:     s3Key,
		Type:      metadata.DirectionOutgoing,
		BodyText:  &msg.TextBody,
	})
	if err != nil {
		tracing.RecordError(span, err)
		d.logger.WarnContext(ctx, "Metadata not saved",
			slog.String("message_id", messageID),
			slog.String("error", err.Error()),
		)
	}

	d.logger.InfoContext(ctx, "Email sent", slog.String("message_id", messageID))
	return jsonResponse(200, sentResponse{Message: "Email sent successfully", MessageID: messageID})
}
