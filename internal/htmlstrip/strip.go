// Package htmlstrip converts HTML message bodies to plain text. Retention
// legal-hold checks match keywords against the stripped text; export
// writers use it for text renditions of HTML-only messages.
package htmlstrip

import (
	"bytes"
	"io"
	"strings"

	"golang.org/x/net/html"
)

// discardElements are elements whose text content carries no body terms.
var discardElements = map[string]bool{
	"script":   true,
	"style":    true,
	"noscript": true,
	"head":     true,
}

// breakElements are elements that separate words when flattened.
var breakElements = map[string]bool{
	"p": true, "div": true, "h1": true, "h2": true, "h3": true,
	"h4": true, "h5": true, "h6": true, "li": true, "blockquote": true,
	"pre": true, "table": true, "tr": true, "td": true, "th": true,
	"section": true, "article": true, "header": true, "footer": true,
	"nav": true, "main": true, "aside": true, "figure": true,
	"figcaption": true, "details": true, "summary": true,
}

// stripper incrementally flattens an HTML stream into whitespace-normalized
// plain text.
type stripper struct {
	tokenizer *html.Tokenizer
	buf       bytes.Buffer
	done      bool
	discard   int // nesting depth inside discarded elements
	lastSpace bool
	hasOutput bool
}

// NewReader returns a reader producing the plain-text rendition of the
// HTML stream r. Consecutive whitespace collapses to single spaces.
func NewReader(r io.Reader) io.Reader {
	return &stripper{tokenizer: html.NewTokenizer(r)}
}

// Text strips r fully and returns the text, reading at most limit bytes of
// output (0 means unlimited). Tokenizer errors other than EOF end the text
// at the last well-formed token rather than failing; hold matching must
// not be defeated by malformed markup.
func Text(r io.Reader, limit int64) (string, error) {
	src := NewReader(r)
	if limit > 0 {
		src = io.LimitReader(src, limit)
	}
	var sb strings.Builder
	if _, err := io.Copy(&sb, src); err != nil {
		return sb.String(), err
	}
	return sb.String(), nil
}

// ContainsAny reports whether any of terms occurs in the stripped text of
// r, case-insensitively. Empty terms never match.
func ContainsAny(r io.Reader, terms []string) bool {
	text, err := Text(r, 0)
	if err != nil && text == "" {
		return false
	}
	lower := strings.ToLower(text)
	for _, term := range terms {
		if term == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(term)) {
			return true
		}
	}
	return false
}

func (s *stripper) Read(p []byte) (int, error) {
	for s.buf.Len() < len(p) && !s.done {
		if !s.advance() {
			break
		}
	}
	if s.buf.Len() == 0 && s.done {
		return 0, io.EOF
	}
	return s.buf.Read(p)
}

func (s *stripper) advance() bool {
	switch s.tokenizer.Next() {
	case html.ErrorToken:
		s.done = true
		trimmed := strings.TrimRight(s.buf.String(), " ")
		s.buf.Reset()
		s.buf.WriteString(trimmed)
		return false

	case html.StartTagToken:
		name, hasAttr := s.tokenizer.TagName()
		tag := string(name)
		if discardElements[tag] {
			s.discard++
			return true
		}
		if tag == "br" || breakElements[tag] {
			s.space()
		}
		if tag == "img" && hasAttr {
			s.altText()
		}
		return true

	case html.EndTagToken:
		name, _ := s.tokenizer.TagName()
		tag := string(name)
		if discardElements[tag] && s.discard > 0 {
			s.discard--
		}
		if breakElements[tag] {
			s.space()
		}
		return true

	case html.SelfClosingTagToken:
		name, hasAttr := s.tokenizer.TagName()
		tag := string(name)
		if tag == "br" {
			s.space()
		}
		if tag == "img" && hasAttr {
			s.altText()
		}
		return true

	case html.TextToken:
		if s.discard == 0 {
			s.text(s.tokenizer.Text())
		}
		return true
	}
	return true
}

// altText surfaces img alt attributes; keywords in image descriptions
// still count as body terms.
func (s *stripper) altText() {
	for {
		key, val, more := s.tokenizer.TagAttr()
		if string(key) == "alt" && len(val) > 0 {
			s.text(val)
		}
		if !more {
			break
		}
	}
}

func (s *stripper) space() {
	if s.hasOutput && !s.lastSpace {
		s.buf.WriteByte(' ')
		s.lastSpace = true
	}
}

func (s *stripper) text(raw []byte) {
	for _, b := range raw {
		switch b {
		case ' ', '\t', '\n', '\r', '\f':
			s.space()
		default:
			s.buf.WriteByte(b)
			s.lastSpace = false
			s.hasOutput = true
		}
	}
}
