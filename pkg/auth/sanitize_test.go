package auth

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizer_Sanitize(t *testing.T) {
	s := NewSanitizer()

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			name:  "plain text untouched",
			input: "hello world",
			want:  "hello world",
		},
		{
			name:  "script block removed with content",
			input: `before<script>alert("xss")</script>after`,
			want:  "beforeafter",
		},
		{
			name:  "script with attributes removed",
			input: `<script src="https://evil.example/x.js"></script>text`,
			want:  "text",
		},
		{
			name:  "style block removed",
			input: `<style>body{display:none}</style>text`,
			want:  "text",
		},
		{
			name:  "html comment removed",
			input: `a<!-- payload -->b`,
			want:  "ab",
		},
		{
			name:  "allowed tags kept",
			input: `<p>hello <strong>world</strong></p>`,
			want:  `<p>hello <strong>world</strong></p>`,
		},
		{
			name:  "disallowed tag stripped text kept",
			input: `<div>content</div>`,
			want:  "content",
		},
		{
			name:  "iframe stripped",
			input: `<iframe src="https://evil.example"></iframe>x`,
			want:  "x",
		},
		{
			name:  "event handler attribute dropped",
			input: `<p onclick="steal()">text</p>`,
			want:  "<p>text</p>",
		},
		{
			name:  "safe href kept",
			input: `<a href="https://example.com" title="t">link</a>`,
			want:  `<a href="https://example.com" title="t">link</a>`,
		},
		{
			name:  "javascript href dropped",
			input: `<a href="javascript:alert(1)">link</a>`,
			want:  "<a>link</a>",
		},
		{
			name:  "data href dropped",
			input: `<a href="data:text/html;base64,PHNjcmlwdD4=">link</a>`,
			want:  "<a>link</a>",
		},
		{
			name:  "relative path href kept",
			input: `<a href="/docs/intro">link</a>`,
			want:  `<a href="/docs/intro">link</a>`,
		},
		{
			name:  "root href kept",
			input: `<a href="/">home</a>`,
			want:  `<a href="/">home</a>`,
		},
		{
			name:  "fragment href kept",
			input: `<a href="#section-2">jump</a>`,
			want:  `<a href="#section-2">jump</a>`,
		},
		{
			name:  "scheme relative href dropped",
			input: `<a href="//evil.example/x">link</a>`,
			want:  "<a>link</a>",
		},
		{
			name:  "case insensitive tag names",
			input: `<SCRIPT>alert(1)</SCRIPT><P>ok</P>`,
			want:  "<p>ok</p>",
		},
		{
			name:  "img stripped entirely",
			input: `<img src="x" onerror="alert(1)">text`,
			want:  "text",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, s.Sanitize(tt.input))
		})
	}
}

func TestSanitizer_NeverEmitsScript(t *testing.T) {
	s := NewSanitizer()

	payloads := []string{
		`<script>x</script>`,
		`<scRiPt >x</scRiPt >`,
		`<p><script>nested</script></p>`,
		`<a href="javascript:void(0)">x</a>`,
	}
	for _, payload := range payloads {
		out := s.Sanitize(payload)
		assert.NotContains(t, strings.ToLower(out), "<script", "payload %q", payload)
		assert.NotContains(t, strings.ToLower(out), "javascript:", "payload %q", payload)
	}
}

func TestSanitizer_CustomAllowList(t *testing.T) {
	s := NewSanitizerWithTags(map[string]map[string]bool{
		"em": {},
	})

	assert.Equal(t, "<em>x</em>", s.Sanitize("<em>x</em>"))
	assert.Equal(t, "x", s.Sanitize("<p>x</p>"))
}
