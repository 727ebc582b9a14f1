package auth

import (
	"fmt"
	"regexp"
	"strings"
)

// Patterns used by the sanitizer. Compiled once; sanitization runs on the
// request path.
var (
	// Script and style blocks are removed wholly, content included.
	scriptBlockPattern = regexp.MustCompile(`(?is)<script\b[^>]*>.*?</script\s*>`)
	styleBlockPattern  = regexp.MustCompile(`(?is)<style\b[^>]*>.*?</style\s*>`)

	// HTML comments can smuggle conditional payloads.
	htmlCommentPattern = regexp.MustCompile(`(?s)<!--.*?-->`)

	// Any remaining tag, matched for allow-list filtering.
	htmlTagPattern = regexp.MustCompile(`(?s)<\s*(/?)\s*([a-zA-Z][a-zA-Z0-9]*)((?:[^>"']|"[^"]*"|'[^']*')*)>`)

	// Attribute key/value pairs inside a kept tag.
	attrPattern = regexp.MustCompile(`([a-zA-Z-]+)\s*=\s*("([^"]*)"|'([^']*)'|([^\s>]+))`)

	// URL schemes that may appear in kept href attributes. Relative paths
	// and fragments are fine; a leading "//" is scheme-relative and is not.
	safeURLPattern = regexp.MustCompile(`(?i)^(https?:|mailto:|#|/($|[^/]))`)
)

// defaultAllowedTags maps each permitted tag to the attributes it may
// carry. Everything else is stripped, leaving inner text intact.
var defaultAllowedTags = map[string]map[string]bool{
	"a":          {"href": true, "title": true},
	"b":          {},
	"blockquote": {},
	"br":         {},
	"code":       {},
	"em":         {},
	"i":          {},
	"li":         {},
	"ol":         {},
	"p":          {},
	"pre":        {},
	"strong":     {},
	"ul":         {},
}

// Sanitizer applies an allow-list transform to untrusted input destined for
// later rendering. It is not applied to values consumed only as data;
// encoding non-HTML payloads would corrupt them.
type Sanitizer struct {
	allowedTags map[string]map[string]bool
}

// NewSanitizer creates a sanitizer with the default tag allow-list.
func NewSanitizer() *Sanitizer {
	return &Sanitizer{allowedTags: defaultAllowedTags}
}

// NewSanitizerWithTags creates a sanitizer with a custom allow-list.
func NewSanitizerWithTags(allowed map[string]map[string]bool) *Sanitizer {
	return &Sanitizer{allowedTags: allowed}
}

// Sanitize strips script/style blocks, comments, disallowed tags, and
// dangerous attributes from the input. The text content of removed tags is
// preserved.
func (s *Sanitizer) Sanitize(raw string) string {
	out := scriptBlockPattern.ReplaceAllString(raw, "")
	out = styleBlockPattern.ReplaceAllString(out, "")
	out = htmlCommentPattern.ReplaceAllString(out, "")
	out = htmlTagPattern.ReplaceAllStringFunc(out, s.rewriteTag)
	return out
}

// rewriteTag drops disallowed tags and rebuilds allowed ones with only
// their permitted attributes.
func (s *Sanitizer) rewriteTag(tag string) string {
	parts := htmlTagPattern.FindStringSubmatch(tag)
	if parts == nil {
		return ""
	}
	closing := parts[1] == "/"
	name := strings.ToLower(parts[2])
	rawAttrs := parts[3]

	allowedAttrs, allowed := s.allowedTags[name]
	if !allowed {
		return ""
	}
	if closing {
		return fmt.Sprintf("</%s>", name)
	}

	var kept []string
	for _, match := range attrPattern.FindAllStringSubmatch(rawAttrs, -1) {
		attrName := strings.ToLower(match[1])
		if !allowedAttrs[attrName] {
			continue
		}
		value := match[3]
		if value == "" {
			value = match[4]
		}
		if value == "" {
			value = match[5]
		}
		if attrName == "href" && !safeURLPattern.MatchString(value) {
			continue
		}
		kept = append(kept, fmt.Sprintf(`%s="%s"`, attrName, value))
	}

	if len(kept) == 0 {
		return fmt.Sprintf("<%s>", name)
	}
	return fmt.Sprintf("<%s %s>", name, strings.Join(kept, " "))
}
