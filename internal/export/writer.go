package export

import (
	"archive/zip"
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"time"

	"github.com/enterprise-email/mailplane/internal/charset"
	"github.com/enterprise-email/mailplane/internal/message"
)

// formatWriter serializes messages one at a time into an output artifact.
type formatWriter interface {
	// Add appends one message. contentType is the stored object's content
	// type, carrying the charset parameter when known.
	Add(m *message.Message, contentType string, body io.Reader) error
	Close() error
}

// newFormatWriter returns the writer for a format, emitting to w.
func newFormatWriter(format Format, w io.Writer) (formatWriter, error) {
	switch format {
	case FormatMbox:
		return &mboxWriter{w: bufio.NewWriter(w)}, nil
	case FormatEml:
		return &emlWriter{zw: zip.NewWriter(w)}, nil
	case FormatJSON:
		return newJSONWriter(w), nil
	case FormatPst:
		return &pstWriter{w: w}, nil
	}
	return nil, fmt.Errorf("unknown export format %q", format)
}

// mboxWriter emits the mboxrd dialect: messages separated by "From "
// lines, with body lines beginning "From " quoted with '>'.
type mboxWriter struct {
	w *bufio.Writer
}

func (mw *mboxWriter) Add(m *message.Message, _ string, body io.Reader) error {
	from := m.From
	if from == "" {
		from = "MAILER-DAEMON"
	}
	date := m.Date
	if date.IsZero() {
		date = m.CreatedAt
	}
	if _, err := fmt.Fprintf(mw.w, "From %s %s\n", from, date.UTC().Format(time.ANSIC)); err != nil {
		return err
	}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if isFromLine(line) {
			if err := mw.w.WriteByte('>'); err != nil {
				return err
			}
		}
		if _, err := mw.w.Write(line); err != nil {
			return err
		}
		if err := mw.w.WriteByte('\n'); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return mw.w.WriteByte('\n')
}

// isFromLine matches "From " optionally preceded by '>' quoting.
func isFromLine(line []byte) bool {
	i := 0
	for i < len(line) && line[i] == '>' {
		i++
	}
	return bytes.HasPrefix(line[i:], []byte("From "))
}

func (mw *mboxWriter) Close() error {
	return mw.w.Flush()
}

// emlWriter packs one .eml file per message into a zip archive.
type emlWriter struct {
	zw *zip.Writer
}

func (ew *emlWriter) Add(m *message.Message, _ string, body io.Reader) error {
	header := &zip.FileHeader{
		Name:   m.MessageID + ".eml",
		Method: zip.Deflate,
	}
	if !m.Date.IsZero() {
		header.Modified = m.Date
	}
	f, err := ew.zw.CreateHeader(header)
	if err != nil {
		return err
	}
	_, err = io.Copy(f, body)
	return err
}

func (ew *emlWriter) Close() error {
	return ew.zw.Close()
}

// jsonEntry is one exported message in the json format.
type jsonEntry struct {
	MessageID       string    `json:"messageId"`
	MailboxID       string    `json:"mailboxId"`
	FolderID        string    `json:"folderId"`
	Subject         string    `json:"subject"`
	From            string    `json:"from"`
	To              []string  `json:"to"`
	Date            time.Time `json:"date"`
	Size            int64     `json:"size"`
	HasAttachments  bool      `json:"hasAttachments"`
	Flags           []string  `json:"flags,omitempty"`
	Labels          []string  `json:"labels,omitempty"`
	Body            string    `json:"body"`
	EncodingProblem bool      `json:"encodingProblem,omitempty"`
}

// jsonWriter emits a JSON array of metadata-plus-body entries. Bodies are
// decoded to UTF-8 from the stored charset.
type jsonWriter struct {
	w     io.Writer
	first bool
	open  bool
}

func newJSONWriter(w io.Writer) *jsonWriter {
	return &jsonWriter{w: w, first: true}
}

func (jw *jsonWriter) Add(m *message.Message, contentType string, body io.Reader) error {
	if !jw.open {
		if _, err := io.WriteString(jw.w, "[\n"); err != nil {
			return err
		}
		jw.open = true
	}
	if !jw.first {
		if _, err := io.WriteString(jw.w, ",\n"); err != nil {
			return err
		}
	}
	jw.first = false

	decoded, problem, err := charset.DecodeReader(body, charsetOf(contentType))
	if err != nil {
		return err
	}
	text, err := io.ReadAll(decoded)
	if err != nil {
		return err
	}

	entry := jsonEntry{
		MessageID:       m.MessageID,
		MailboxID:       m.MailboxID,
		FolderID:        m.FolderID,
		Subject:         m.Subject,
		From:            m.From,
		To:              m.To,
		Date:            m.Date,
		Size:            m.Size,
		HasAttachments:  m.HasAttachments,
		Flags:           m.Flags,
		Labels:          m.Labels,
		Body:            string(text),
		EncodingProblem: problem,
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	_, err = jw.w.Write(raw)
	return err
}

func (jw *jsonWriter) Close() error {
	if !jw.open {
		_, err := io.WriteString(jw.w, "[]\n")
		return err
	}
	_, err := io.WriteString(jw.w, "\n]\n")
	return err
}

// charsetOf extracts the charset parameter from a content type.
func charsetOf(contentType string) string {
	if contentType == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ""
	}
	return params["charset"]
}

// pstMagic is the PST file signature.
var pstMagic = []byte("!BDN")

// pstWriter emits placeholder bytes only: the PST signature plus a JSON
// manifest of the selected message ids. Full PST serialization is not
// implemented.
type pstWriter struct {
	w   io.Writer
	ids []string
}

func (pw *pstWriter) Add(m *message.Message, _ string, body io.Reader) error {
	// Drain so the pipeline's accounting sees the object as read.
	if _, err := io.Copy(io.Discard, body); err != nil {
		return err
	}
	pw.ids = append(pw.ids, m.MessageID)
	return nil
}

func (pw *pstWriter) Close() error {
	if _, err := pw.w.Write(pstMagic); err != nil {
		return err
	}
	manifest, err := json.Marshal(map[string]any{
		"placeholder": true,
		"messageIds":  pw.ids,
	})
	if err != nil {
		return err
	}
	_, err = pw.w.Write(manifest)
	return err
}
