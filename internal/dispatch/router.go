package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jarrod-lowe/jmap-service-libs/tracing"
	"go.opentelemetry.io/otel/attribute"
)

// Route names recorded on the dispatch span.
const (
	routeGetMessages   = "get_messages"
	routeTestEmbedding = "test_embedding"
	routeIncoming      = "incoming"
	routeOutgoing      = "outgoing"
)

// ErrNotObject is returned for events that are not JSON objects.
var ErrNotObject = errors.New("event must be a JSON object")

// event is the top-level JSON object with fields decoded lazily.
type event map[string]json.RawMessage

// str returns the named field when it is a JSON string.
func (e event) str(name string) string {
	s, _ := e.lookup(name)
	return s
}

// truthy reports whether the named field is present with a truthy value.
func (e event) truthy(name string) bool {
	raw, ok := e[name]
	if !ok {
		return false
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return false
	}
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case float64:
		return t != 0
	case string:
		return t != ""
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	}
	return false
}

// isSES reports whether the first record came from SES. Only the first
// record is inspected; a first record that is not an object is malformed.
func (e event) isSES() (bool, error) {
	raw, ok := e["Records"]
	if !ok {
		return false, nil
	}
	var records []json.RawMessage
	if trimmed := bytes.TrimSpace(raw); len(trimmed) == 0 || trimmed[0] != '[' {
		return false, fmt.Errorf("%w: Records is not an array", ErrMalformedRecord)
	}
	if err := json.Unmarshal(raw, &records); err != nil {
		return false, fmt.Errorf("%w: Records is not an array", ErrMalformedRecord)
	}
	if len(records) == 0 {
		return false, nil
	}
	var first event
	if err := decodeEvent(records[0], &first); err != nil {
		return false, fmt.Errorf("%w: record 0 is not an object", ErrMalformedRecord)
	}
	return first.str("eventSource") == "aws:ses", nil
}

// Handle routes one event. It never returns an error; failures, including
// panics in a handler, become 500 responses.
func (d *Dispatcher) Handle(ctx context.Context, payload json.RawMessage) (resp Response, err error) {
	tracer := tracing.Tracer("lambda-comms-dispatch")
	ctx, span := tracer.Start(ctx, "Dispatch")
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			perr := fmt.Errorf("panic: %v", r)
			tracing.RecordError(span, perr)
			d.logger.ErrorContext(ctx, "Handler panicked", slog.String("error", perr.Error()))
			resp, err = errorResponse(500, perr), nil
		}
		span.SetAttributes(attribute.Int("status_code", resp.StatusCode))
	}()

	var ev event
	if err := decodeEvent(payload, &ev); err != nil {
		tracing.RecordError(span, err)
		d.logger.ErrorContext(ctx, "Failed to decode event", slog.String("error", err.Error()))
		return errorResponse(500, err), nil
	}

	if ev.truthy("debug_smtp") {
		d.debugSMTP(ctx)
	}

	if ev.str("action") == "getMessages" || ev.str("operation") == "get_messages" {
		span.SetAttributes(attribute.String("route", routeGetMessages))
		return d.handleGetMessages(ctx, ev), nil
	}
	if ev.str("action") == "testEmbedding" {
		span.SetAttributes(attribute.String("route", routeTestEmbedding))
		return d.handleTestEmbedding(ctx), nil
	}

	ses, err := ev.isSES()
	if err != nil {
		tracing.RecordError(span, err)
		d.logger.ErrorContext(ctx, "Malformed event records", slog.String("error", err.Error()))
		return errorResponse(500, err), nil
	}
	if ses {
		span.SetAttributes(attribute.String("route", routeIncoming))
		return d.handleIncoming(ctx, payload), nil
	}
	span.SetAttributes(attribute.String("route", routeOutgoing))
	return d.handleOutgoing(ctx, ev), nil
}

func decodeEvent(payload json.RawMessage, ev *event) error {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		if !json.Valid(trimmed) {
			return errors.New("decode event: invalid JSON")
		}
		return ErrNotObject
	}
	if err := json.Unmarshal(trimmed, ev); err != nil {
		return fmt.Errorf("decode event: %w", err)
	}
	return nil
}

// debugSMTP runs the relay diagnostic and logs each stage. The result never
// affects the response.
func (d *Dispatcher) debugSMTP(ctx context.Context) {
	ctx, span := tracing.Tracer("lambda-comms-dispatch").Start(ctx, "DebugSMTP")
	defer span.End()

	report := d.mail.Probe(ctx)
	span.SetAttributes(attribute.Bool("smtp.ok", report.OK()))
	level := slog.LevelInfo
	if !report.OK() {
		level = slog.LevelWarn
	}
	d.logger.Log(ctx, level, "SMTP diagnostics", slog.Any("report", report))
}
