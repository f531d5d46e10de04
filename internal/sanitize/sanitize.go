// Package sanitize normalizes and strips untrusted strings received from
// upstream MCP servers before they reach an index, a client, or a log line.
package sanitize

import (
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

const (
	// DefaultMaxLength is the default code-point budget for a sanitized description.
	DefaultMaxLength = 2000
	redactedToken    = "[REDACTED]"
)

// Options controls SanitizeDescription behavior. The zero value is the
// default: whitespace normalization on, DefaultMaxLength, default pattern set.
type Options struct {
	// MaxLength is the maximum number of code points kept, trailing ellipsis
	// included. Zero means DefaultMaxLength.
	MaxLength int
	// KeepWhitespace disables the default whitespace-collapsing pass.
	KeepWhitespace bool
	// Patterns overrides the default injection pattern set. Nil uses the
	// compiled default set.
	Patterns []*regexp.Regexp
}

func (o Options) maxLength() int {
	if o.MaxLength > 0 {
		return o.MaxLength
	}
	return DefaultMaxLength
}

func (o Options) patterns() []*regexp.Regexp {
	if o.Patterns != nil {
		return o.Patterns
	}
	return defaultPatterns
}

// defaultPatterns is the compiled default injection pattern set. Each entry
// is case-insensitive. regexp.Regexp carries no cursor state across
// MatchString/ReplaceAll calls, so a package-level compiled slice is safe
// to share across goroutines without recompiling per call.
var defaultPatterns = compileDefaultPatterns()

func compileDefaultPatterns() []*regexp.Regexp {
	raw := []string{
		// instruction-override phrases
		`(?i)ignore\s+(all\s+)?(the\s+)?previous\s+instructions?`,
		`(?i)ignore\s+(all\s+)?(the\s+)?above\s+instructions?`,
		`(?i)disregard\s+(all\s+)?(the\s+)?(previous|prior|above)\s+instructions?`,
		// role-reassignment phrases
		`(?i)you\s+are\s+now\s+[a-z0-9 _-]{1,40}`,
		`(?i)act\s+as\s+(an?\s+)?[a-z0-9 _-]{1,40}`,
		`(?i)pretend\s+(to\s+be|you('re| are))\s+[a-z0-9 _-]{1,40}`,
		// system-prompt extraction
		`(?i)(reveal|show|print|output)\s+(your|the)\s+system\s+prompt`,
		`(?i)what\s+(is|was)\s+your\s+system\s+prompt`,
		// jailbreak / persona markers
		`(?i)developer\s+mode`,
		`(?i)\bdan\s+mode\b`,
		// fake role tags
		`(?i)\[\s*(system|admin|assistant|user)\s*\]`,
		`(?i)<<\s*(system|admin)\s*>>`,
		// encoding / exec markers
		`(?i)base64\s*:`,
		`(?i)decode\s+this`,
		`(?i)execute\s+the\s+following`,
	}
	out := make([]*regexp.Regexp, 0, len(raw))
	for _, p := range raw {
		out = append(out, regexp.MustCompile(p))
	}
	return out
}

var (
	controlStrip     = regexp.MustCompile(`[\x00-\x08\x0B\x0C\x0E-\x1F\x7F]`)
	multiNewline     = regexp.MustCompile(`\n{3,}`)
	horizWhitespace  = regexp.MustCompile(`[ \t\f\v]+`)
)

// SanitizeDescription normalizes, strips control characters, redacts
// injection patterns, collapses whitespace, and truncates an
// upstream-supplied description. A nil input returns nil.
func SanitizeDescription(s *string, opts Options) *string {
	if s == nil {
		return nil
	}
	out := norm.NFC.String(*s)
	out = controlStrip.ReplaceAllString(out, "")
	for _, p := range opts.patterns() {
		out = p.ReplaceAllString(out, redactedToken)
	}
	if !opts.KeepWhitespace {
		out = horizWhitespace.ReplaceAllString(out, " ")
		out = multiNewline.ReplaceAllString(out, "\n\n")
		out = strings.TrimSpace(out)
	}
	out = truncate(out, opts.maxLength())
	return &out
}

func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return string(runes[:maxLen])
	}
	return string(runes[:maxLen-3]) + "..."
}

// SanitizeToolName replaces any character outside [A-Za-z0-9_-] with an
// underscore and truncates to 256 characters.
func SanitizeToolName(n string) string {
	runes := []rune(n)
	out := make([]rune, 0, len(runes))
	for _, r := range runes {
		if isToolNameRune(r) {
			out = append(out, r)
		} else {
			out = append(out, '_')
		}
	}
	if len(out) > 256 {
		out = out[:256]
	}
	return string(out)
}

func isToolNameRune(r rune) bool {
	return (r >= '0' && r <= '9') || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || r == '_' || r == '-'
}

// ContainsSuspiciousPatterns is a pure predicate over the same pattern set
// used by SanitizeDescription. It never mutates its input.
func ContainsSuspiciousPatterns(s string, opts Options) bool {
	for _, p := range opts.patterns() {
		if p.MatchString(s) {
			return true
		}
	}
	return false
}
