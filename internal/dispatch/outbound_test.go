package dispatch

import (
	"context"
	"encoding/base64"
	"errors"
	"regexp"
	"strconv"
	"testing"

	"github.com/irispro/lambda-comms/internal/config"
	"github.com/irispro/lambda-comms/internal/email"
	"github.com/irispro/lambda-comms/internal/mailer"
	"github.com/irispro/lambda-comms/internal/metadata"
)

var messageIDPattern = regexp.MustCompile(`^msg_[0-9a-f]{32}$`)

func TestHandleOutgoing_DirectInvoke(t *testing.T) {
	d, deps := newTestDispatcher(testConfig())

	resp := handle(t, d, `{"to_email":"bob@example.com","subject":"Hi","body_text":"hello","body_html":"<p>hello</p>"}`)
	if resp.StatusCode != 200 {
		t.Fatalf("StatusCode = %d, want 200 (%v)", resp.StatusCode, resp.Body)
	}
	body := decodeBody(t, resp)
	if body["message"] != "Email sent successfully" {
		t.Errorf("message = %v", body["message"])
	}
	id, _ := body["message_id"].(string)
	if !messageIDPattern.MatchString(id) {
		t.Errorf("message_id = %q, want msg_<32 hex>", id)
	}

	if len(deps.mail.sent) != 1 {
		t.Fatalf("sent = %d, want 1", len(deps.mail.sent))
	}
	sent := deps.mail.sent[0]
	if sent.To != "bob@example.com" || sent.From != "noreply@irispro.xyz" || sent.Subject != "Hi" {
		t.Errorf("sent = %+v", sent)
	}
	if sent.HTMLBody != "<p>hello</p>" {
		t.Errorf("HTMLBody = %q", sent.HTMLBody)
	}

	wantKey := "outgoing-emails/" + id + ".json"
	if len(deps.objects.puts) != 1 || deps.objects.puts[0].key != wantKey {
		t.Fatalf("puts = %+v, want key %s", deps.objects.puts, wantKey)
	}
	backup := deps.objects.puts[0].value.(outgoingBackup)
	if backup.BodyHTML == nil || *backup.BodyHTML != "<p>hello</p>" {
		t.Errorf("backup BodyHTML = %v", backup.BodyHTML)
	}
	if backup.Timestamp != "2025-03-04T05:06:07Z" {
		t.Errorf("backup Timestamp = %q", backup.Timestamp)
	}

	if len(deps.meta.entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(deps.meta.entries))
	}
	e := deps.meta.entries[0]
	if e.MessageID != id || e.Type != metadata.DirectionOutgoing || e.S3Key != wantKey {
		t.Errorf("entry = %+v", e)
	}
	if e.Sender != "noreply@irispro.xyz" || e.Recipient != "bob@example.com" {
		t.Errorf("entry addresses = %v -> %v", e.Sender, e.Recipient)
	}
	if !e.Timestamp.Equal(fixedNow) {
		t.Errorf("entry timestamp = %v", e.Timestamp)
	}
}

func TestHandleOutgoing_Defaults(t *testing.T) {
	cfg := testConfig()
	cfg.OutputBucket = ""
	d, deps := newTestDispatcher(cfg)

	resp := handle(t, d, `{}`)
	if resp.StatusCode != 200 {
		t.Fatalf("StatusCode = %d", resp.StatusCode)
	}

	sent := deps.mail.sent[0]
	if sent.To != DefaultToEmail || sent.Subject != DefaultSubject || sent.TextBody != DefaultBodyText {
		t.Errorf("sent = %+v", sent)
	}
	if sent.HTMLBody != "" {
		t.Errorf("HTMLBody = %q, want empty", sent.HTMLBody)
	}
	if len(deps.objects.puts) != 0 {
		t.Errorf("puts = %d, want 0", len(deps.objects.puts))
	}
	if deps.meta.entries[0].S3Key != "" {
		t.Errorf("S3Key = %q, want empty", deps.meta.entries[0].S3Key)
	}
}

func TestHandleOutgoing_APIGatewayBody(t *testing.T) {
	inner := `{"to_email":"carol@example.com","subject":"From API"}`

	tests := []struct {
		name  string
		event string
	}{
		{name: "plain string", event: `{"body":` + strconv.Quote(inner) + `}`},
		{name: "base64", event: `{"isBase64Encoded":true,"body":"` + base64.StdEncoding.EncodeToString([]byte(inner)) + `"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, deps := newTestDispatcher(testConfig())
			resp := handle(t, d, tt.event)
			if resp.StatusCode != 200 {
				t.Fatalf("StatusCode = %d (%v)", resp.StatusCode, resp.Body)
			}
			sent := deps.mail.sent[0]
			if sent.To != "carol@example.com" || sent.Subject != "From API" {
				t.Errorf("sent = %+v", sent)
			}
		})
	}
}

func TestHandleOutgoing_NonJSONBodyUsesEvent(t *testing.T) {
	d, deps := newTestDispatcher(testConfig())

	handle(t, d, `{"body":"not json","to_email":"dave@example.com"}`)
	if sent := deps.mail.sent[0]; sent.To != "dave@example.com" {
		t.Errorf("To = %q, want event-level to_email", sent.To)
	}
}

func TestHandleOutgoing_BadBase64(t *testing.T) {
	tests := map[string]string{
		"invalid base64": `{"isBase64Encoded":true,"body":"%%%not-base64%%%"}`,
		"invalid utf-8":  `{"isBase64Encoded":true,"body":"` + base64.StdEncoding.EncodeToString([]byte{0xff, 0xfe}) + `"}`,
		"non-string":     `{"isBase64Encoded":true,"body":{"to_email":"x@example.com"}}`,
	}

	for name, event := range tests {
		t.Run(name, func(t *testing.T) {
			d, deps := newTestDispatcher(testConfig())
			resp := handle(t, d, event)
			if resp.StatusCode != 400 {
				t.Fatalf("StatusCode = %d, want 400", resp.StatusCode)
			}
			if resp.Body != `{"error":"Failed to decode base64 body"}` {
				t.Errorf("Body = %v", resp.Body)
			}
			if len(deps.mail.sent) != 0 {
				t.Error("nothing should be sent")
			}
		})
	}
}

func TestHandleOutgoing_SendFailure(t *testing.T) {
	d, deps := newTestDispatcher(testConfig())
	deps.mail.sendFunc = func(ctx context.Context, m email.Message) error {
		return errors.New("535 authentication failed")
	}

	resp := handle(t, d, `{"to_email":"bob@example.com"}`)
	if resp.StatusCode != 500 {
		t.Fatalf("StatusCode = %d, want 500", resp.StatusCode)
	}
	if resp.Body != `{"message":"Failed to send email"}` {
		t.Errorf("Body = %v", resp.Body)
	}
	if len(deps.meta.entries) != 0 || len(deps.objects.puts) != 0 {
		t.Error("failed sends should not be recorded")
	}
}

func TestHandleOutgoing_MissingCredentials(t *testing.T) {
	d, deps := newTestDispatcher(testConfig())
	// Port 1 on loopback is never dialled: credentials are checked first.
	d.mail = mailer.NewClient(config.SMTP{Host: "127.0.0.1", Port: 1}, "noreply@irispro.xyz")

	resp := handle(t, d, `{"to_email":"bob@example.com"}`)
	if resp.StatusCode != 500 {
		t.Fatalf("StatusCode = %d, want 500", resp.StatusCode)
	}
	if len(deps.meta.entries) != 0 {
		t.Error("nothing should be recorded")
	}
}

func TestHandleOutgoing_MetadataFailureStillSucceeds(t *testing.T) {
	d, deps := newTestDispatcher(testConfig())
	deps.meta.storeFunc = func(ctx context.Context, e metadata.Entry) error {
		return metadata.ErrNoConnection
	}

	resp := handle(t, d, `{"to_email":"bob@example.com"}`)
	if resp.StatusCode != 200 {
		t.Fatalf("StatusCode = %d, want 200", resp.StatusCode)
	}
	id, _ := decodeBody(t, resp)["message_id"].(string)
	if !messageIDPattern.MatchString(id) {
		t.Errorf("message_id = %q", id)
	}
}

func TestNewMessageID_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := newMessageID()
		if !messageIDPattern.MatchString(id) {
			t.Fatalf("id = %q", id)
		}
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}
