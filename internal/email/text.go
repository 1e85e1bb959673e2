// Package email parses inbound MIME messages and composes outbound ones.
package email

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime"
	"strings"
	"unicode/utf8"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/irispro/lambda-comms/internal/charset"
	"github.com/irispro/lambda-comms/internal/htmlstrip"
)

// MaxBodyLength is the maximum number of characters kept from a body.
const MaxBodyLength = 5000

// Placeholders stored when no body text is available.
const (
	PlaceholderUnparsed   = "[Email content could not be parsed]"
	PlaceholderFetchError = "[Error fetching email content]"
)

// ErrNoText is returned when a message yields no usable text.
var ErrNoText = errors.New("no text content")

var errStopWalk = errors.New("stop walk")

// ExtractText returns the body text of a raw RFC 5322 message, truncated to
// MaxBodyLength characters.
//
// The first non-empty text/plain part in depth-first order wins. Failing
// that, the first other text part is used, with HTML rendered to plain text.
// Messages whose headers cannot be parsed fall back to the bytes after the
// header block.
func ExtractText(raw []byte) (string, error) {
	entity, err := message.Read(bytes.NewReader(raw))
	if err != nil && !tolerable(err) {
		if text := strings.TrimSpace(rawBody(raw)); text != "" {
			return Truncate(text, MaxBodyLength), nil
		}
		return "", fmt.Errorf("%w: %v", ErrNoText, err)
	}

	rootErr := err
	var plain, fallback string
	walkErr := entity.Walk(func(path []int, part *message.Entity, err error) error {
		if len(path) == 0 {
			err = rootErr
		}
		if part == nil || (err != nil && !tolerable(err)) {
			return nil
		}

		mediaType, params, ctErr := part.Header.ContentType()
		if ctErr != nil || mediaType == "" {
			mediaType = "text/plain"
		}
		if strings.HasPrefix(mediaType, "multipart/") || isAttachment(part.Header) {
			return nil
		}
		if !strings.HasPrefix(mediaType, "text/") {
			return nil
		}

		text, readErr := readText(part, params, message.IsUnknownCharset(err))
		if readErr != nil {
			return nil
		}

		switch {
		case mediaType == "text/plain":
			if strings.TrimSpace(text) != "" {
				plain = text
				return errStopWalk
			}
		case fallback == "":
			if mediaType == "text/html" {
				text = htmlstrip.String(text)
			}
			fallback = strings.TrimSpace(text)
		}
		return nil
	})
	if walkErr != nil && !errors.Is(walkErr, errStopWalk) && plain == "" && fallback == "" {
		return "", fmt.Errorf("%w: %v", ErrNoText, walkErr)
	}

	if plain != "" {
		return Truncate(plain, MaxBodyLength), nil
	}
	if fallback != "" {
		return Truncate(fallback, MaxBodyLength), nil
	}
	return "", ErrNoText
}

// Truncate returns s cut to at most n characters.
func Truncate(s string, n int) string {
	if n < 0 {
		n = 0
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}

// tolerable reports whether a go-message error still leaves a usable entity.
func tolerable(err error) bool {
	return message.IsUnknownCharset(err) || message.IsUnknownEncoding(err)
}

func isAttachment(h message.Header) bool {
	disposition := h.Get("Content-Disposition")
	if disposition == "" {
		return false
	}
	dispType, _, err := mime.ParseMediaType(disposition)
	return err == nil && strings.EqualFold(dispType, "attachment")
}

// readText reads a part body as UTF-8. Bodies in charsets go-message could
// not convert are decoded with the local charset fallbacks.
func readText(part *message.Entity, params map[string]string, unknownCharset bool) (string, error) {
	data, err := io.ReadAll(part.Body)
	if err != nil {
		return "", err
	}
	label := "utf-8"
	if unknownCharset {
		label = params["charset"]
	}
	text, _ := charset.Decode(data, label)
	return text, nil
}

// rawBody returns the bytes after the first blank line, or all of raw.
func rawBody(raw []byte) string {
	for _, sep := range [][]byte{[]byte("\r\n\r\n"), []byte("\n\n")} {
		if i := bytes.Index(raw, sep); i >= 0 {
			raw = raw[i+len(sep):]
			break
		}
	}
	text, _ := charset.Decode(raw, "utf-8")
	return text
}
