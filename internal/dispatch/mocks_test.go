package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/irispro/lambda-comms/internal/config"
	"github.com/irispro/lambda-comms/internal/email"
	"github.com/irispro/lambda-comms/internal/mailer"
	"github.com/irispro/lambda-comms/internal/metadata"
)

type putCall struct {
	bucket string
	key    string
	value  any
}

// mockObjectStore implements ObjectStore for testing.
type mockObjectStore struct {
	fetchFunc func(ctx context.Context, bucket, key string) ([]byte, error)
	putFunc   func(ctx context.Context, bucket, key string, v any) error
	fetches   []string
	puts      []putCall
}

func (m *mockObjectStore) Fetch(ctx context.Context, bucket, key string) ([]byte, error) {
	m.fetches = append(m.fetches, bucket+"/"+key)
	if m.fetchFunc != nil {
		return m.fetchFunc(ctx, bucket, key)
	}
	return nil, errors.New("not found")
}

func (m *mockObjectStore) PutJSON(ctx context.Context, bucket, key string, v any) error {
	m.puts = append(m.puts, putCall{bucket: bucket, key: key, value: v})
	if m.putFunc != nil {
		return m.putFunc(ctx, bucket, key, v)
	}
	return nil
}

// mockMailer implements Mailer for testing.
type mockMailer struct {
	sendFunc  func(ctx context.Context, m email.Message) error
	probeFunc func(ctx context.Context) mailer.Report
	sent      []email.Message
	probes    int
}

func (m *mockMailer) Send(ctx context.Context, msg email.Message) error {
	m.sent = append(m.sent, msg)
	if m.sendFunc != nil {
		return m.sendFunc(ctx, msg)
	}
	return nil
}

func (m *mockMailer) Probe(ctx context.Context) mailer.Report {
	m.probes++
	if m.probeFunc != nil {
		return m.probeFunc(ctx)
	}
	return mailer.Report{}
}

// mockMetadataStore implements MetadataStore for testing.
type mockMetadataStore struct {
	storeFunc func(ctx context.Context, e metadata.Entry) error
	listFunc  func(ctx context.Context, address string, limit int) ([]metadata.Record, error)
	entries   []metadata.Entry
}

func (m *mockMetadataStore) Store(ctx context.Context, e metadata.Entry) error {
	m.entries = append(m.entries, e)
	if m.storeFunc != nil {
		return m.storeFunc(ctx, e)
	}
	return nil
}

func (m *mockMetadataStore) ListByAddress(ctx context.Context, address string, limit int) ([]metadata.Record, error) {
	if m.listFunc != nil {
		return m.listFunc(ctx, address, limit)
	}
	return nil, nil
}

// mockEmbedder implements embeddings.Client for testing.
type mockEmbedder struct {
	generateFunc func(ctx context.Context, text string) ([]float32, error)
}

func (m *mockEmbedder) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	return m.generateFunc(ctx, text)
}

type testDeps struct {
	objects  *mockObjectStore
	mail     *mockMailer
	meta     *mockMetadataStore
	embedder *mockEmbedder
}

var fixedNow = time.Date(2025, 3, 4, 5, 6, 7, 0, time.UTC)

func testConfig() *config.Config {
	return &config.Config{
		FromEmail:          "noreply@irispro.xyz",
		OutputBucket:       "backup-bucket",
		InboundBucket:      "iris-bucket101425",
		InboundPrefix:      "emails/",
		DefaultFilterEmail: "demo@irispro.xyz",
	}
}

func newTestDispatcher(cfg *config.Config) (*Dispatcher, *testDeps) {
	deps := &testDeps{
		objects: &mockObjectStore{},
		mail:    &mockMailer{},
		meta:    &mockMetadataStore{},
		embedder: &mockEmbedder{generateFunc: func(ctx context.Context, text string) ([]float32, error) {
			return []float32{0.1, 0.2}, nil
		}},
	}
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	d := New(cfg, deps.objects, deps.mail, deps.meta, deps.embedder, logger)
	d.now = func() time.Time { return fixedNow }
	return d, deps
}

func handle(t *testing.T, d *Dispatcher, event string) Response {
	t.Helper()
	resp, err := d.Handle(context.Background(), json.RawMessage(event))
	if err != nil {
		t.Fatalf("Handle returned error: %v", err)
	}
	return resp
}

// decodeBody parses a JSON-string response body.
func decodeBody(t *testing.T, resp Response) map[string]any {
	t.Helper()
	s, ok := resp.Body.(string)
	if !ok {
		t.Fatalf("body is %T, want string", resp.Body)
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		t.Fatalf("body is not JSON: %v (%s)", err, s)
	}
	return out
}
