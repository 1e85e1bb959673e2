// Package charset converts mail body bytes to UTF-8 text.
package charset

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/ianaindex"
)

// Decode converts data in the named charset to a UTF-8 string.
//
// An empty label is treated as us-ascii. UTF-8 and ASCII input is validated;
// invalid bytes and unknown labels fall back to ISO-8859-1, which maps every
// byte. The second return value reports whether a fallback was needed.
func Decode(data []byte, label string) (string, bool) {
	label = strings.ToLower(strings.TrimSpace(label))
	if label == "" {
		label = "us-ascii"
	}

	switch label {
	case "utf-8", "utf8", "ascii", "us-ascii":
		if utf8.Valid(data) {
			return string(data), false
		}
		return latin1(data), true
	}

	enc, err := lookup(label)
	if err != nil || enc == nil {
		if utf8.Valid(data) {
			return string(data), true
		}
		return latin1(data), true
	}

	out, err := enc.NewDecoder().Bytes(data)
	if err != nil {
		return latin1(data), true
	}
	return string(out), false
}

// lookup resolves a charset label, including aliases missing from the IANA index.
func lookup(label string) (encoding.Encoding, error) {
	switch label {
	case "latin1", "latin-1":
		return charmap.ISO8859_1, nil
	case "cp1252":
		return charmap.Windows1252, nil
	}
	return ianaindex.IANA.Encoding(label)
}

func latin1(data []byte) string {
	out, err := charmap.ISO8859_1.NewDecoder().Bytes(data)
	if err != nil {
		return string(data)
	}
	return string(out)
}
