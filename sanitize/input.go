// Package sanitize scrubs untrusted text: user input headed for storage or
// display, and error bodies headed back to clients.
//
// Input checks:
//
//	if sanitize.ContainsXSS(comment) {
//		// reject
//	}
//	name := sanitize.Clean(r.FormValue("name"))
//
// Error bodies (strips stack traces and file paths from 4xx/5xx responses):
//
//	r.Use(sanitize.Responses())
package sanitize

import (
	"html"
	"regexp"
	"strings"
	"unicode"
)

// xssPatterns are the markup and script shapes rejected in user input.
var xssPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?is)<\s*script\b`),
	regexp.MustCompile(`(?is)<\s*/\s*script\s*>`),
	regexp.MustCompile(`(?is)<\s*(iframe|object|embed|applet|meta|link|base)\b`),
	regexp.MustCompile(`(?i)javascript\s*:`),
	regexp.MustCompile(`(?i)vbscript\s*:`),
	regexp.MustCompile(`(?i)data\s*:\s*text/html`),
	regexp.MustCompile(`(?i)\bon[a-z]+\s*=`),
	regexp.MustCompile(`(?i)\beval\s*\(`),
	regexp.MustCompile(`(?i)\bexpression\s*\(`),
}

// ContainsXSS reports whether s matches a known script-injection pattern.
func ContainsXSS(s string) bool {
	if s == "" {
		return false
	}
	for _, p := range xssPatterns {
		if p.MatchString(s) {
			return true
		}
	}
	return false
}

// Clean strips control characters (except tab and newline), HTML-escapes the
// result and trims surrounding whitespace.
func Clean(s string) string {
	s = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
	return strings.TrimSpace(html.EscapeString(s))
}
