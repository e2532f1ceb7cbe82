// Package charset decodes stored message bodies to UTF-8 for export
// serialization and policy text matching.
package charset

import (
	"bytes"
	"io"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/ianaindex"
	"golang.org/x/text/transform"
)

// fallbackCharset is assumed when a message carries no charset parameter.
// RFC 2045 defaults body content to US-ASCII.
const fallbackCharset = "us-ascii"

// aliases maps label spellings the IANA index does not resolve.
var aliases = map[string]string{
	"utf8":    "utf-8",
	"latin1":  "iso-8859-1",
	"latin-1": "iso-8859-1",
	"ascii":   "us-ascii",
}

// DecodeReader returns a reader yielding r's content as UTF-8, decoded
// from the named charset. The bool result reports an encoding problem:
// either the label was unknown, or the content was not valid in the
// declared encoding and a Latin-1 reinterpretation was substituted.
// Output is always readable; a problem never fails the export.
func DecodeReader(r io.Reader, label string) (io.Reader, bool, error) {
	name := normalize(label)

	// The ASCII family is a UTF-8 subset, so both take the validation
	// path: well-formed content passes through, mojibake falls back.
	if name == "utf-8" || name == "us-ascii" {
		return validateUTF8(r)
	}

	enc, err := ianaindex.IANA.Encoding(name)
	if err != nil {
		// Unknown label. Ship the raw bytes and flag it rather than
		// dropping the message from the archive.
		raw, readErr := io.ReadAll(r)
		if readErr != nil {
			return nil, false, readErr
		}
		return bytes.NewReader(raw), true, nil
	}
	if enc == nil {
		// The index resolves a handful of labels to a nil Encoding.
		return validateUTF8(r)
	}
	return transform.NewReader(r, enc.NewDecoder()), false, nil
}

func normalize(label string) string {
	name := strings.ToLower(strings.TrimSpace(label))
	if name == "" {
		return fallbackCharset
	}
	if canonical, ok := aliases[name]; ok {
		return canonical
	}
	return name
}

// validateUTF8 passes well-formed UTF-8 through untouched. Anything else
// is reinterpreted as Latin-1, which cannot fail: every byte sequence is
// valid ISO-8859-1.
func validateUTF8(r io.Reader) (io.Reader, bool, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, false, err
	}
	if utf8.Valid(raw) {
		return bytes.NewReader(raw), false, nil
	}
	return bytes.NewReader(latin1ToUTF8(raw)), true, nil
}

func latin1ToUTF8(raw []byte) []byte {
	out, _, err := transform.Bytes(latin1Decoder(), raw)
	if err != nil {
		return raw
	}
	return out
}

func latin1Decoder() *encoding.Decoder {
	return charmap.ISO8859_1.NewDecoder()
}
