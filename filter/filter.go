// Package filter redacts secrets and PII from text before it is written to
// the audit log or returned in an error message, using layered phrase and
// pattern matching, NFKC normalization, zero-width-character stripping, and
// a base64 decode-and-recheck pass to catch encoded secrets.
package filter

import (
	"encoding/base64"
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// zeroWidthChars strips invisible obfuscation characters before pattern
// matching, so a secret split by them is still caught.
var zeroWidthChars = strings.NewReplacer(
	"\u200b", "",
	"\u200c", "",
	"\u200d", "",
	"\ufeff", "",
	"\u2060", "",
	"\u180e", "",
	"\u00ad", "",
)

// Pattern is one named secret/PII shape to redact.
type Pattern struct {
	Name string
	Re   *regexp.Regexp
}

// defaultPatterns cover the common secret/PII shapes worth catching before
// they reach an audit log or a bridge error body.
var defaultPatterns = []Pattern{
	{"bearer-token", regexp.MustCompile(`(?i)bearer\s+[a-z0-9._-]{16,}`)},
	{"aws-access-key", regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`)},
	{"private-key-block", regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----[\s\S]*?-----END [A-Z ]*PRIVATE KEY-----`)},
	{"generic-api-key", regexp.MustCompile(`(?i)(api[_-]?key|secret|token)\s*[:=]\s*["']?[a-z0-9._-]{16,}["']?`)},
	{"email", regexp.MustCompile(`\b[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}\b`)},
	{"ssn", regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)},
}

var base64Block = regexp.MustCompile(`[A-Za-z0-9+/]{20,}={0,2}`)

// Redactor applies a fixed set of patterns to text, replacing matches with
// a named placeholder.
type Redactor struct {
	patterns []Pattern
}

// New creates a Redactor with the default pattern set plus any extra
// patterns supplied.
func New(extra ...Pattern) *Redactor {
	patterns := append([]Pattern{}, defaultPatterns...)
	patterns = append(patterns, extra...)
	return &Redactor{patterns: patterns}
}

// Redact returns text with every recognized secret/PII pattern replaced by
// "[REDACTED:<name>]". Input is NFKC-normalized and stripped of zero-width
// characters first so obfuscated secrets are still caught; the returned
// string otherwise preserves layout.
func (r *Redactor) Redact(text string) string {
	cleaned := zeroWidthChars.Replace(text)
	cleaned = norm.NFKC.String(cleaned)
	cleaned = r.redactBase64Blocks(cleaned)

	for _, p := range r.patterns {
		cleaned = p.Re.ReplaceAllString(cleaned, "[REDACTED:"+p.Name+"]")
	}
	return cleaned
}

// redactBase64Blocks decodes candidate base64 runs and, if a decoded block
// itself contains a recognizable secret, replaces the original encoded run
// rather than leaving the encoded secret to slip through unredacted.
func (r *Redactor) redactBase64Blocks(text string) string {
	return base64Block.ReplaceAllStringFunc(text, func(match string) string {
		if len(match)%4 != 0 {
			return match
		}
		decoded, err := base64.StdEncoding.DecodeString(match)
		if err != nil {
			decoded, err = base64.RawStdEncoding.DecodeString(match)
		}
		if err != nil {
			return match
		}
		decodedStr := string(decoded)
		for _, p := range r.patterns {
			if p.Re.MatchString(decodedStr) {
				return "[REDACTED:base64-" + p.Name + "]"
			}
		}
		return match
	})
}

// Contains reports whether text matches any configured pattern, without
// redacting — useful for a fast pre-check before the more expensive full
// Redact pass.
func (r *Redactor) Contains(text string) bool {
	cleaned := norm.NFKC.String(zeroWidthChars.Replace(text))
	for _, p := range r.patterns {
		if p.Re.MatchString(cleaned) {
			return true
		}
	}
	return false
}
