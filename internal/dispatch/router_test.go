package dispatch

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/irispro/lambda-comms/internal/email"
	"github.com/irispro/lambda-comms/internal/mailer"
	"github.com/irispro/lambda-comms/internal/metadata"
)

func TestHandle_Routing(t *testing.T) {
	tests := []struct {
		name      string
		event     string
		wantRoute string
	}{
		{name: "action getMessages", event: `{"action":"getMessages"}`, wantRoute: routeGetMessages},
		{name: "operation get_messages", event: `{"operation":"get_messages"}`, wantRoute: routeGetMessages},
		{name: "testEmbedding", event: `{"action":"testEmbedding"}`, wantRoute: routeTestEmbedding},
		{name: "ses", event: `{"Records":[{"eventSource":"aws:ses","ses":{"mail":{"messageId":"m","destination":[]}}}]}`, wantRoute: routeIncoming},
		{name: "non-ses records", event: `{"Records":[{"eventSource":"aws:sqs"}]}`, wantRoute: routeOutgoing},
		{name: "empty records", event: `{"Records":[]}`, wantRoute: routeOutgoing},
		{name: "default", event: `{"to_email":"bob@example.com"}`, wantRoute: routeOutgoing},
		{name: "unknown action", event: `{"action":"somethingElse"}`, wantRoute: routeOutgoing},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, deps := newTestDispatcher(testConfig())
			listed := false
			deps.meta.listFunc = func(ctx context.Context, address string, limit int) ([]metadata.Record, error) {
				listed = true
				return nil, nil
			}

			resp := handle(t, d, tt.event)

			var got string
			switch {
			case listed:
				got = routeGetMessages
			case len(deps.mail.sent) > 0:
				got = routeOutgoing
			case resp.Body == `{"message":"Incoming email processed successfully"}`:
				got = routeIncoming
			default:
				if _, ok := resp.Body.(embeddingResult); ok {
					got = routeTestEmbedding
				}
			}
			if got != tt.wantRoute {
				t.Errorf("route = %q, want %q (status %d, body %v)", got, tt.wantRoute, resp.StatusCode, resp.Body)
			}
		})
	}
}

func TestHandle_MalformedRecords(t *testing.T) {
	tests := []struct {
		name  string
		event string
	}{
		{name: "later record not an object", event: `{"Records":[{"eventSource":"aws:ses","ses":{"mail":{"messageId":"m","destination":[]}}},"junk"]}`},
		{name: "null first record", event: `{"Records":[null]}`},
		{name: "string first record", event: `{"Records":["junk"]}`},
		{name: "records null", event: `{"Records":null}`},
		{name: "records not an array", event: `{"Records":42}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, deps := newTestDispatcher(testConfig())

			resp := handle(t, d, tt.event)
			if resp.StatusCode != 500 {
				t.Errorf("StatusCode = %d, want 500 (body %v)", resp.StatusCode, resp.Body)
			}
			if _, ok := decodeBody(t, resp)["error"]; !ok {
				t.Errorf("body = %v, want error", resp.Body)
			}
			if len(deps.mail.sent) != 0 {
				t.Errorf("sent %d messages, want none", len(deps.mail.sent))
			}
			if len(deps.meta.entries) != 0 {
				t.Errorf("stored %d rows, want none", len(deps.meta.entries))
			}
			if len(deps.objects.puts) != 0 {
				t.Errorf("wrote %d backups, want none", len(deps.objects.puts))
			}
		})
	}
}

func TestHandle_DebugSMTP(t *testing.T) {
	tests := []struct {
		event      string
		wantProbes int
	}{
		{event: `{"debug_smtp":true,"action":"getMessages"}`, wantProbes: 1},
		{event: `{"debug_smtp":"yes","action":"getMessages"}`, wantProbes: 1},
		{event: `{"debug_smtp":false,"action":"getMessages"}`, wantProbes: 0},
		{event: `{"action":"getMessages"}`, wantProbes: 0},
	}

	for _, tt := range tests {
		t.Run(tt.event, func(t *testing.T) {
			d, deps := newTestDispatcher(testConfig())
			deps.mail.probeFunc = func(ctx context.Context) mailer.Report {
				return mailer.Report{Addr: "smtp.example.com:587", TCP: mailer.Step{Error: "timeout"}}
			}

			resp := handle(t, d, tt.event)
			if deps.mail.probes != tt.wantProbes {
				t.Errorf("probes = %d, want %d", deps.mail.probes, tt.wantProbes)
			}
			if resp.StatusCode != 200 {
				t.Errorf("StatusCode = %d, probe must not affect response", resp.StatusCode)
			}
		})
	}
}

func TestHandle_InvalidInput(t *testing.T) {
	for _, input := range []string{`not json`, `[1,2,3]`, `"string"`, `null`, ``} {
		t.Run(input, func(t *testing.T) {
			d, deps := newTestDispatcher(testConfig())
			resp := handle(t, d, input)
			if resp.StatusCode != 500 {
				t.Errorf("StatusCode = %d, want 500", resp.StatusCode)
			}
			if _, ok := decodeBody(t, resp)["error"]; !ok {
				t.Errorf("body = %v, want error", resp.Body)
			}
			if len(deps.mail.sent) != 0 {
				t.Error("nothing should be sent")
			}
		})
	}
}

func TestHandle_RecoversPanic(t *testing.T) {
	d, deps := newTestDispatcher(testConfig())
	deps.mail.sendFunc = func(ctx context.Context, m email.Message) error {
		panic("relay exploded")
	}

	resp := handle(t, d, `{"to_email":"bob@example.com"}`)
	if resp.StatusCode != 500 {
		t.Fatalf("StatusCode = %d, want 500", resp.StatusCode)
	}
	if msg, _ := decodeBody(t, resp)["error"].(string); !strings.Contains(msg, "relay exploded") {
		t.Errorf("error = %q", msg)
	}
}

func TestHandleTestEmbedding(t *testing.T) {
	d, deps := newTestDispatcher(testConfig())

	resp := handle(t, d, `{"action":"testEmbedding"}`)
	body, ok := resp.Body.(embeddingResult)
	if !ok {
		t.Fatalf("Body = %T, want embeddingResult object", resp.Body)
	}
	if resp.StatusCode != 200 || body.Message != "Embedding test completed" || !body.Success {
		t.Errorf("resp = %d %+v", resp.StatusCode, body)
	}

	deps.embedder.generateFunc = func(ctx context.Context, text string) ([]float32, error) {
		return nil, errors.New("throttled")
	}
	resp = handle(t, d, `{"action":"testEmbedding"}`)
	if body := resp.Body.(embeddingResult); resp.StatusCode != 200 || body.Success {
		t.Errorf("resp = %d %+v, want 200 with success=false", resp.StatusCode, body)
	}
}

func TestHandleTestEmbedding_ReportsAPIKeyPresence(t *testing.T) {
	for _, key := range []string{"", "sk-live-123"} {
		t.Run("key="+key, func(t *testing.T) {
			cfg := testConfig()
			cfg.APIKey = key
			d, _ := newTestDispatcher(cfg)
			var buf bytes.Buffer
			d.logger = slog.New(slog.NewJSONHandler(&buf, nil))

			handle(t, d, `{"action":"testEmbedding"}`)

			want := `"api_key_configured":` + strconv.FormatBool(key != "")
			if !strings.Contains(buf.String(), want) {
				t.Errorf("logs missing %s:\n%s", want, buf.String())
			}
			if key != "" && strings.Contains(buf.String(), key) {
				t.Error("API key value must not be logged")
			}
		})
	}
}

func TestHandleGetMessages(t *testing.T) {
	d, deps := newTestDispatcher(testConfig())
	var gotAddress string
	var gotLimit int
	deps.meta.listFunc = func(ctx context.Context, address string, limit int) ([]metadata.Record, error) {
		gotAddress, gotLimit = address, limit
		return []metadata.Record{{
			MessageID:         "msg_1",
			Timestamp:         time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
			SourceEmail:       "bob@example.com",
			DestinationEmails: `["alice@example.com"]`,
			S3Location:        "outgoing-emails/msg_1.json",
			EmailType:         metadata.DirectionOutgoing,
			CreatedAt:         time.Date(2024, 1, 2, 3, 4, 6, 0, time.UTC),
			Subject:           "Hi",
			BodyText:          "hello",
		}}, nil
	}

	resp := handle(t, d, `{"action":"getMessages","email":"alice@example.com"}`)
	if resp.StatusCode != 200 {
		t.Fatalf("StatusCode = %d", resp.StatusCode)
	}
	if gotAddress != "alice@example.com" || gotLimit != 100 {
		t.Errorf("ListByAddress(%q, %d)", gotAddress, gotLimit)
	}

	messages := decodeBody(t, resp)["messages"].([]any)
	if len(messages) != 1 {
		t.Fatalf("messages = %d, want 1", len(messages))
	}
	m := messages[0].(map[string]any)
	want := map[string]string{
		"id":                 "msg_1",
		"message_id":         "msg_1",
		"timestamp":          "2024-01-02T03:04:05Z",
		"source_email":       "bob@example.com",
		"destination_emails": `["alice@example.com"]`,
		"s3_location":        "outgoing-emails/msg_1.json",
		"email_type":         "outgoing",
		"created_at":         "2024-01-02T03:04:06Z",
		"subject":            "Hi",
		"body_text":          "hello",
	}
	for k, v := range want {
		if m[k] != v {
			t.Errorf("%s = %v, want %q", k, m[k], v)
		}
	}
}

func TestHandleGetMessages_DefaultFilterAndEmpty(t *testing.T) {
	d, deps := newTestDispatcher(testConfig())
	var gotAddress string
	deps.meta.listFunc = func(ctx context.Context, address string, limit int) ([]metadata.Record, error) {
		gotAddress = address
		return nil, nil
	}

	resp := handle(t, d, `{"operation":"get_messages"}`)
	if gotAddress != "demo@irispro.xyz" {
		t.Errorf("filter = %q, want default", gotAddress)
	}
	if resp.Body != `{"messages":[]}` {
		t.Errorf("Body = %v", resp.Body)
	}
}

func TestHandleGetMessages_Failure(t *testing.T) {
	d, deps := newTestDispatcher(testConfig())
	deps.meta.listFunc = func(ctx context.Context, address string, limit int) ([]metadata.Record, error) {
		return nil, metadata.ErrNoConnection
	}

	resp := handle(t, d, `{"action":"getMessages"}`)
	if resp.StatusCode != 500 {
		t.Fatalf("StatusCode = %d, want 500", resp.StatusCode)
	}
	if msg, _ := decodeBody(t, resp)["error"].(string); msg != metadata.ErrNoConnection.Error() {
		t.Errorf("error = %q", msg)
	}
}
