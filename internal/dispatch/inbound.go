package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/irispro/lambda-comms/internal/blob"
	"github.com/irispro/lambda-comms/internal/email"
	"github.com/irispro/lambda-comms/internal/metadata"
	"github.com/jarrod-lowe/jmap-service-libs/tracing"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// incomingBackupPrefix is the key prefix for inbound JSON backups.
const incomingBackupPrefix = "incoming-emails/"

// ErrMalformedRecord is returned when Records is not an array of objects or
// an SES record lacks ses.mail.
var ErrMalformedRecord = errors.New("malformed SES record")

// sesEvent is an SES receipt notification. The mail timestamp is left
// untyped so unparseable values fall back to the current time instead of
// failing the whole batch.
type sesEvent struct {
	Records []sesRecord `json:"Records"`
}

type sesRecord struct {
	EventSource string      `json:"eventSource"`
	SES         *sesMessage `json:"ses"`
}

type sesMessage struct {
	Mail *sesMail `json:"mail"`
}

type sesMail struct {
	MessageID     string                          `json:"messageId"`
	Source        string                          `json:"source"`
	Timestamp     any                             `json:"timestamp"`
	Destination   []string                        `json:"destination"`
	CommonHeaders events.SimpleEmailCommonHeaders `json:"commonHeaders"`
}

// incomingBackup is the JSON document written for each inbound message.
type incomingBackup struct {
	MessageID          string   `json:"message_id"`
	Timestamp          string   `json:"timestamp"`
	Sender             string   `json:"sender"`
	Recipients         []string `json:"recipients"`
	Subject            string   `json:"subject"`
	BodyText           string   `json:"body_text"`
	OriginalS3Location string   `json:"original_s3_location"`
}

// handleIncoming processes every record of an SES notification.
func (d *Dispatcher) handleIncoming(ctx context.Context, payload json.RawMessage) Response {
	tracer := tracing.Tracer("lambda-comms-dispatch")
	ctx, span := tracer.Start(ctx, "IncomingEmailHandler")
	defer span.End()

	var ev sesEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		err = fmt.Errorf("decode SES event: %w", err)
		tracing.RecordError(span, err)
		d.logger.ErrorContext(ctx, "Failed to decode SES event", slog.String("error", err.Error()))
		return errorResponse(500, err)
	}
	for i, rec := range ev.Records {
		if rec.SES == nil || rec.SES.Mail == nil {
			err := fmt.Errorf("%w: record %d has no ses.mail", ErrMalformedRecord, i)
			tracing.RecordError(span, err)
			d.logger.ErrorContext(ctx, "Malformed SES record", slog.Int("record", i))
			return errorResponse(500, err)
		}
	}
	span.SetAttributes(attribute.Int("record_count", len(ev.Records)))

	for _, rec := range ev.Records {
		d.processIncoming(ctx, rec.SES.Mail)
	}

	return jsonResponse(200, map[string]string{"message": "Incoming email processed successfully"})
}

func (d *Dispatcher) processIncoming(ctx context.Context, mail *sesMail) {
	ctx, span := tracing.Tracer("lambda-comms-dispatch").Start(ctx, "ProcessIncoming", trace.WithAttributes(
		attribute.String("message_id", mail.MessageID),
		attribute.Int("recipient_count", len(mail.Destination)),
	))
	defer span.End()

	timestamp, err := email.NormalizeTimestamp(mail.Timestamp)
	if err != nil {
		d.logger.WarnContext(ctx, "Using current time for unparseable timestamp",
			slog.String("message_id", mail.MessageID),
			slog.String("error", err.Error()),
		)
	}

	subject := mail.CommonHeaders.Subject
	if subject == "" {
		subject = email.FallbackSubject
	}

	d.logger.InfoContext(ctx, "Processing incoming email",
		slog.String("message_id", mail.MessageID),
		slog.String("sender", mail.Source),
		slog.Any("recipients", mail.Destination),
		slog.String("subject", subject),
	)

	sesKey := d.cfg.InboundKey(mail.MessageID)
	bodyText := d.fetchBody(ctx, mail.MessageID, sesKey)

	s3Key := sesKey
	if d.cfg.OutputBucket != "" {
		s3Key = incomingBackupPrefix + mail.MessageID + ".json"
		backup := incomingBackup{
			MessageID:          mail.MessageID,
			Timestamp:          timestamp.Format(time.RFC3339Nano),
			Sender:             mail.Source,
			Recipients:         mail.Destination,
			Subject:            subject,
			BodyText:           bodyText,
			OriginalS3Location: blob.Location(d.cfg.InboundBucket, sesKey),
		}
		if err := d.objects.PutJSON(ctx, d.cfg.OutputBucket, s3Key, backup); err != nil {
			tracing.RecordError(span, err)
			d.logger.WarnContext(ctx, "Could not store backup",
				slog.String("message_id", mail.MessageID),
				slog.String("key", s3Key),
				slog.String("error", err.Error()),
			)
		}
	}

	for _, recipient := range mail.Destination {
		err := d.meta.Store(ctx, metadata.Entry{
			MessageID: mail.MessageID,
			Sender:    mail.Source,
			Recipient: recipient,
			Subject:   subject,
			Timestamp: timestamp,
			S3Key:     s3Key,
			Type:      metadata.DirectionIncoming,
			BodyText:  &bodyText,
		})
		if err != nil {
			tracing.RecordError(span, err)
			d.logger.ErrorContext(ctx, "Failed to store email metadata",
				slog.String("message_id", mail.MessageID),
				slog.String("recipient", recipient),
				slog.String("error", err.Error()),
			)
		}
	}

	if email.ShouldAutoReply(subject) {
		d.sendAutoReply(ctx, mail.MessageID, mail.Source, subject)
	}
}

// fetchBody returns the extracted text of the stored raw message, or a
// placeholder when it cannot be fetched or parsed.
func (d *Dispatcher) fetchBody(ctx context.Context, messageID, key string) string {
	raw, err := d.objects.Fetch(ctx, d.cfg.InboundBucket, key)
	if err != nil {
		d.logger.ErrorContext(ctx, "Failed to fetch raw email",
			slog.String("message_id", messageID),
			slog.String("location", blob.Location(d.cfg.InboundBucket, key)),
			slog.String("error", err.Error()),
		)
		return email.PlaceholderFetchError
	}

	text, err := email.ExtractText(raw)
	if err != nil || text == "" {
		attrs := []any{slog.String("message_id", messageID)}
		if err != nil {
			attrs = append(attrs, slog.String("error", err.Error()))
		}
		d.logger.WarnContext(ctx, "Could not extract plain text body", attrs...)
		return email.PlaceholderUnparsed
	}
	return text
}

func (d *Dispatcher) sendAutoReply(ctx context.Context, messageID, sender, subject string) {
	replySubject, replyBody := email.AutoReply(subject)
	err := d.mail.Send(ctx, email.Message{
		From:     d.cfg.FromEmail,
		To:       sender,
		Subject:  replySubject,
		TextBody: replyBody,
	})
	if err != nil {
		d.logger.ErrorContext(ctx, "Failed to send auto-reply",
			slog.String("message_id", messageID),
			slog.String("to", sender),
			slog.String("error", err.Error()),
		)
		return
	}
	d.logger.InfoContext(ctx, "Sent auto-reply",
		slog.String("message_id", messageID),
		slog.String("to", sender),
	)
}
