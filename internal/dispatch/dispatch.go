// Package dispatch routes a single Lambda event to the inbound, outbound,
// list-messages or embedding self-test handler.
package dispatch

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/irispro/lambda-comms/internal/config"
	"github.com/irispro/lambda-comms/internal/email"
	"github.com/irispro/lambda-comms/internal/embeddings"
	"github.com/irispro/lambda-comms/internal/mailer"
	"github.com/irispro/lambda-comms/internal/metadata"
)

// ObjectStore reads raw mail and writes JSON backups.
type ObjectStore interface {
	Fetch(ctx context.Context, bucket, key string) ([]byte, error)
	PutJSON(ctx context.Context, bucket, key string, v any) error
}

// Mailer sends mail through the SMTP relay.
type Mailer interface {
	Send(ctx context.Context, m email.Message) error
	Probe(ctx context.Context) mailer.Report
}

// MetadataStore persists and lists email metadata rows.
type MetadataStore interface {
	Store(ctx context.Context, e metadata.Entry) error
	ListByAddress(ctx context.Context, address string, limit int) ([]metadata.Record, error)
}

// Response is the Lambda proxy-style result.
type Response struct {
	StatusCode int `json:"statusCode"`
	Body       any `json:"body"`
}

// Dispatcher holds the per-process dependencies shared by all handlers.
type Dispatcher struct {
	cfg      *config.Config
	objects  ObjectStore
	mail     Mailer
	meta     MetadataStore
	embedder embeddings.Client
	logger   *slog.Logger

	newID func() string
	now   func() time.Time
}

// New creates a Dispatcher. embedder may be nil, in which case the
// embedding self-test reports failure.
func New(cfg *config.Config, objects ObjectStore, mail Mailer, meta MetadataStore, embedder embeddings.Client, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		cfg:      cfg,
		objects:  objects,
		mail:     mail,
		meta:     meta,
		embedder: embedder,
		logger:   logger,
		newID:    newMessageID,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// newMessageID returns "msg_" followed by 32 lowercase hex digits.
func newMessageID() string {
	id := uuid.New()
	return "msg_" + hex.EncodeToString(id[:])
}

// jsonResponse encodes body as a JSON string, the shape API Gateway expects.
func jsonResponse(status int, body any) Response {
	data, err := json.Marshal(body)
	if err != nil {
		return Response{StatusCode: 500, Body: `{"error":"failed to encode response"}`}
	}
	return Response{StatusCode: status, Body: string(data)}
}

func errorResponse(status int, err error) Response {
	return jsonResponse(status, map[string]string{"error": err.Error()})
}
