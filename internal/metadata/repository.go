package metadata

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/irispro/lambda-comms/internal/email"
	"github.com/jarrod-lowe/jmap-service-libs/tracing"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Error types for repository operations.
var (
	ErrNoConnection  = errors.New("database connection failed")
	ErrEmptyMessage  = errors.New("message id is required")
	ErrInvalidRecord = errors.New("invalid metadata record")
)

const insertSQL = `
INSERT INTO email_metadata (
	message_id, timestamp, source_email, destination_emails,
	s3_location, email_type, created_at, subject, body_text
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

const listSQL = `
SELECT message_id, timestamp, source_email, destination_emails,
	s3_location, email_type, created_at, subject, body_text
FROM email_metadata
WHERE source_email = $1
	OR destination_emails::text LIKE $2
ORDER BY created_at DESC
LIMIT $3`

// Conn is the subset of *sqlx.DB used by the repository.
type Conn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
	Close() error
}

// Connector opens a connection for a single operation.
type Connector func(ctx context.Context) (Conn, error)

// PostgresConnector returns a Connector that dials dsn with lib/pq. Each call
// opens a fresh single-connection handle that the caller must close.
func PostgresConnector(dsn string) Connector {
	return func(ctx context.Context) (Conn, error) {
		db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
		if err != nil {
			return nil, err
		}
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(0)
		return db, nil
	}
}

// Repository stores and lists email metadata.
type Repository struct {
	connect Connector
	now     func() time.Time
}

// NewRepository creates a new Repository.
func NewRepository(connect Connector) *Repository {
	return &Repository{
		connect: connect,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Store inserts one metadata row for e. Recipients are normalized to a JSON
// array, a zero timestamp is replaced by the current time, all times are
// stored in UTC, and the body is truncated to MaxBodyLength characters.
func (r *Repository) Store(ctx context.Context, e Entry) error {
	tracer := tracing.Tracer("lambda-comms-metadata")
	ctx, span := tracer.Start(ctx, "metadata.Store", trace.WithAttributes(
		attribute.String("message_id", e.MessageID),
		attribute.String("email_type", string(e.Type)),
	))
	defer span.End()

	if e.MessageID == "" {
		tracing.RecordError(span, ErrEmptyMessage)
		return ErrEmptyMessage
	}
	if e.Type != DirectionIncoming && e.Type != DirectionOutgoing {
		err := fmt.Errorf("%w: email type %q", ErrInvalidRecord, e.Type)
		tracing.RecordError(span, err)
		return err
	}

	recipients, err := NormalizeRecipients(e.Recipient)
	if err != nil {
		tracing.RecordError(span, err)
		return fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}

	ts := e.Timestamp
	if ts.IsZero() {
		ts = r.now()
	}

	var body any
	if e.BodyText != nil {
		body = email.Truncate(*e.BodyText, MaxBodyLength)
	}

	conn, err := r.connect(ctx)
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrNoConnection, err)
		tracing.RecordError(span, err)
		return err
	}
	defer conn.Close()

	_, err = conn.ExecContext(ctx, insertSQL,
		e.MessageID,
		ts.UTC(),
		e.Sender,
		recipients,
		e.S3Key,
		string(e.Type),
		r.now().UTC(),
		e.Subject,
		body,
	)
	if err != nil {
		err = fmt.Errorf("insert email metadata: %w", err)
		tracing.RecordError(span, err)
		return err
	}
	return nil
}

// ListByAddress returns up to limit rows where address is the sender or
// appears anywhere in the destination list text, newest first. The
// destination match is a substring match on the JSON text.
func (r *Repository) ListByAddress(ctx context.Context, address string, limit int) ([]Record, error) {
	tracer := tracing.Tracer("lambda-comms-metadata")
	ctx, span := tracer.Start(ctx, "metadata.ListByAddress", trace.WithAttributes(
		attribute.String("filter_email", address),
	))
	defer span.End()

	if limit <= 0 || limit > DefaultListLimit {
		limit = DefaultListLimit
	}

	conn, err := r.connect(ctx)
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrNoConnection, err)
		tracing.RecordError(span, err)
		return nil, err
	}
	defer conn.Close()

	var rows []row
	if err := conn.SelectContext(ctx, &rows, listSQL, address, "%"+address+"%", limit); err != nil {
		err = fmt.Errorf("select email metadata: %w", err)
		tracing.RecordError(span, err)
		return nil, err
	}

	records := make([]Record, len(rows))
	for i, rw := range rows {
		records[i] = rw.record()
	}
	span.SetAttributes(attribute.Int("result_count", len(records)))
	return records, nil
}
