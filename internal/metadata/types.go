// Package metadata persists email metadata rows in PostgreSQL.
package metadata

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/irispro/lambda-comms/internal/email"
)

// Direction is the email_type column value.
type Direction string

const (
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"
)

// DefaultListLimit caps the rows returned by ListByAddress.
const DefaultListLimit = 100

// MaxBodyLength is the maximum number of characters stored in body_text.
const MaxBodyLength = email.MaxBodyLength

// Entry is the input to Repository.Store.
//
// Recipient may be a single address, a string already holding a JSON array,
// or a []string; it is normalized to JSON array text before storage.
type Entry struct {
	MessageID string
	Sender    string
	Recipient any
	Subject   string
	Timestamp time.Time
	S3Key     string
	Type      Direction
	BodyText  *string
}

// Record is a stored email_metadata row.
type Record struct {
	MessageID         string
	Timestamp         time.Time
	SourceEmail       string
	DestinationEmails string
	S3Location        string
	EmailType         Direction
	CreatedAt         time.Time
	Subject           string
	BodyText          string
}

// row mirrors the table for scanning; text columns may be NULL.
type row struct {
	MessageID         string         `db:"message_id"`
	Timestamp         time.Time      `db:"timestamp"`
	SourceEmail       sql.NullString `db:"source_email"`
	DestinationEmails sql.NullString `db:"destination_emails"`
	S3Location        sql.NullString `db:"s3_location"`
	EmailType         sql.NullString `db:"email_type"`
	CreatedAt         time.Time      `db:"created_at"`
	Subject           sql.NullString `db:"subject"`
	BodyText          sql.NullString `db:"body_text"`
}

func (r row) record() Record {
	return Record{
		MessageID:         r.MessageID,
		Timestamp:         r.Timestamp.UTC(),
		SourceEmail:       r.SourceEmail.String,
		DestinationEmails: r.DestinationEmails.String,
		S3Location:        r.S3Location.String,
		EmailType:         Direction(r.EmailType.String),
		CreatedAt:         r.CreatedAt.UTC(),
		Subject:           r.Subject.String,
		BodyText:          r.BodyText.String,
	}
}

// NormalizeRecipients renders a recipient value as JSON array text.
//
// A string that already parses as a JSON array is returned unchanged; any
// other string becomes a single-element array.
func NormalizeRecipients(v any) (string, error) {
	switch r := v.(type) {
	case string:
		var parsed any
		if err := json.Unmarshal([]byte(r), &parsed); err == nil {
			if _, ok := parsed.([]any); ok {
				return r, nil
			}
		}
		return marshalRecipients([]string{r})
	case []string:
		if r == nil {
			r = []string{}
		}
		return marshalRecipients(r)
	case nil:
		return "[]", nil
	default:
		out, err := json.Marshal(r)
		if err != nil {
			return "", fmt.Errorf("marshal recipients: %w", err)
		}
		return string(out), nil
	}
}

func marshalRecipients(r []string) (string, error) {
	out, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("marshal recipients: %w", err)
	}
	return string(out), nil
}
