package htmlstrip

import (
	"io"
	"strings"
	"testing"
)

func readAll(t *testing.T, r io.Reader) string {
	t.Helper()
	b, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	return string(b)
}

func TestNewReader(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"plain paragraph", "<p>Hello, world!</p>", "Hello, world!"},
		{"nested tags", "<div><p>Hello <b>bold</b> text</p></div>", "Hello bold text"},
		{"script discarded", "<p>Before</p><script>var x = 1;</script><p>After</p>", "Before After"},
		{"style discarded", "<p>Before</p><style>.foo { color: red; }</style><p>After</p>", "Before After"},
		{"img alt surfaced", `<p>See <img alt="a cat" src="cat.jpg"> here</p>`, "See a cat here"},
		{"img without alt", `<p>See <img src="cat.jpg"> here</p>`, "See here"},
		{"whitespace collapsed", "<p>  Hello   world  </p>", "Hello world"},
		{"block elements separated", "<h1>Title</h1><p>Paragraph</p>", "Title Paragraph"},
		{"br separates", "Line one<br>Line two<br/>Line three", "Line one Line two Line three"},
		{"empty input", "", ""},
		{"no markup", "Just plain text", "Just plain text"},
		{"entities decoded", "<p>Hello &amp; goodbye &lt;world&gt;</p>", "Hello & goodbye <world>"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := readAll(t, NewReader(strings.NewReader(tt.input)))
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestText_Limit(t *testing.T) {
	got, err := Text(strings.NewReader("<p>abcdefghij</p>"), 4)
	if err != nil {
		t.Fatalf("Text failed: %v", err)
	}
	if got != "abcd" {
		t.Errorf("got %q, want %q", got, "abcd")
	}
}

func TestContainsAny(t *testing.T) {
	body := `<html><body><p>Quarterly merger discussion with <b>Acme Corp</b>.</p>
<script>tracking()</script></body></html>`

	if !ContainsAny(strings.NewReader(body), []string{"acme corp"}) {
		t.Error("case-insensitive term not found")
	}
	if !ContainsAny(strings.NewReader(body), []string{"nothing", "MERGER"}) {
		t.Error("second term not found")
	}
	if ContainsAny(strings.NewReader(body), []string{"tracking"}) {
		t.Error("matched text inside a discarded script element")
	}
	if ContainsAny(strings.NewReader(body), nil) {
		t.Error("empty term list matched")
	}
	if ContainsAny(strings.NewReader(body), []string{""}) {
		t.Error("empty term matched")
	}
}
