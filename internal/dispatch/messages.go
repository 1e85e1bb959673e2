package dispatch

import (
	"context"
	"log/slog"
	"time"

	"github.com/irispro/lambda-comms/internal/embeddings"
	"github.com/irispro/lambda-comms/internal/metadata"
	"github.com/jarrod-lowe/jmap-service-libs/tracing"
	"go.opentelemetry.io/otel/attribute"
)

// messageView is one entry of the list-messages response.
type messageView struct {
	ID                string `json:"id"`
	MessageID         string `json:"message_id"`
	Timestamp         string `json:"timestamp"`
	SourceEmail       string `json:"source_email"`
	DestinationEmails string `json:"destination_emails"`
	S3Location        string `json:"s3_location"`
	EmailType         string `json:"email_type"`
	CreatedAt         string `json:"created_at"`
	Subject           string `json:"subject"`
	BodyText          string `json:"body_text"`
}

func newMessageView(r metadata.Record) messageView {
	return messageView{
		ID:                r.MessageID,
		MessageID:         r.MessageID,
		Timestamp:         r.Timestamp.Format(time.RFC3339Nano),
		SourceEmail:       r.SourceEmail,
		DestinationEmails: r.DestinationEmails,
		S3Location:        r.S3Location,
		EmailType:         string(r.EmailType),
		CreatedAt:         r.CreatedAt.Format(time.RFC3339Nano),
		Subject:           r.Subject,
		BodyText:          r.BodyText,
	}
}

// handleGetMessages lists metadata rows for the event's email filter.
func (d *Dispatcher) handleGetMessages(ctx context.Context, ev event) Response {
	tracer := tracing.Tracer("lambda-comms-dispatch")
	ctx, span := tracer.Start(ctx, "GetMessagesHandler")
	defer span.End()

	filter := ev.stringOr("email", d.cfg.DefaultFilterEmail)
	d.logger.InfoContext(ctx, "Listing messages", slog.String("filter_email", filter))

	records, err := d.meta.ListByAddress(ctx, filter, metadata.DefaultListLimit)
	if err != nil {
		tracing.RecordError(span, err)
		d.logger.ErrorContext(ctx, "Failed to list messages",
			slog.String("filter_email", filter),
			slog.String("error", err.Error()),
		)
		return errorResponse(500, err)
	}

	views := make([]messageView, len(records))
	for i, r := range records {
		views[i] = newMessageView(r)
	}
	span.SetAttributes(attribute.Int("result_count", len(views)))

	return jsonResponse(200, map[string][]messageView{"messages": views})
}

// embeddingResult is returned as an object, not an encoded string.
type embeddingResult struct {
	Message string `json:"message"`
	Success bool   `json:"success"`
}

func (d *Dispatcher) handleTestEmbedding(ctx context.Context) Response {
	d.logger.InfoContext(ctx, "Testing embedding functionality",
		slog.Bool("api_key_configured", d.cfg.APIKey != ""),
	)
	ok := embeddings.SelfTest(ctx, d.embedder, d.logger)
	return Response{
		StatusCode: 200,
		Body:       embeddingResult{Message: "Embedding test completed", Success: ok},
	}
}
