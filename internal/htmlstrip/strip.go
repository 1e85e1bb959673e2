// Package htmlstrip renders HTML mail bodies as plain text.
package htmlstrip

import (
	"io"
	"strings"

	"golang.org/x/net/html"
)

// skipElements are elements whose text content is discarded.
var skipElements = map[string]bool{
	"script":   true,
	"style":    true,
	"noscript": true,
	"head":     true,
	"title":    true,
}

// blockElements are separated from surrounding text by whitespace.
var blockElements = map[string]bool{
	"p": true, "div": true, "h1": true, "h2": true, "h3": true,
	"h4": true, "h5": true, "h6": true, "li": true, "blockquote": true,
	"pre": true, "table": true, "tr": true, "td": true, "th": true,
	"section": true, "article": true, "header": true, "footer": true,
	"br": true, "hr": true,
}

// Text reads HTML from r and returns its visible text with whitespace
// collapsed to single spaces. Malformed markup is tolerated.
func Text(r io.Reader) string {
	var b textBuilder
	z := html.NewTokenizer(r)
	skip := 0

	for {
		switch z.Next() {
		case html.ErrorToken:
			return strings.TrimSpace(b.String())

		case html.StartTagToken, html.SelfClosingTagToken:
			name, hasAttr := z.TagName()
			tag := string(name)
			if skipElements[tag] {
				skip++
				continue
			}
			if blockElements[tag] {
				b.space()
			}
			if tag == "img" && hasAttr {
				for {
					key, val, more := z.TagAttr()
					if string(key) == "alt" && len(val) > 0 {
						b.text(string(val))
					}
					if !more {
						break
					}
				}
			}

		case html.EndTagToken:
			name, _ := z.TagName()
			tag := string(name)
			if skipElements[tag] && skip > 0 {
				skip--
				continue
			}
			if blockElements[tag] {
				b.space()
			}

		case html.TextToken:
			if skip == 0 {
				b.text(string(z.Text()))
			}
		}
	}
}

// String is Text for an in-memory document.
func String(s string) string {
	return Text(strings.NewReader(s))
}

// textBuilder accumulates text while collapsing runs of whitespace.
type textBuilder struct {
	strings.Builder
	pendingSpace bool
}

func (b *textBuilder) space() {
	if b.Len() > 0 {
		b.pendingSpace = true
	}
}

func (b *textBuilder) text(s string) {
	if s == "" {
		return
	}
	if isSpace(s[0]) {
		b.space()
	}
	for i, word := range strings.Fields(s) {
		if i > 0 {
			b.space()
		}
		if b.pendingSpace {
			b.WriteByte(' ')
			b.pendingSpace = false
		}
		b.WriteString(word)
	}
	if isSpace(s[len(s)-1]) {
		b.space()
	}
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\f'
}
