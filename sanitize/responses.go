package sanitize

import (
	"bufio"
	"bytes"
	"net"
	"net/http"
	"regexp"
	"strings"
)

var (
	// stackTracePattern matches Go panic output and "at fn()" frames.
	stackTracePattern = regexp.MustCompile(`(?m)^\s*at\s+.*$|^\s*goroutine\s+\d+.*$|^\s*\S+\.go:\d+.*$`)

	// filePathPattern matches Unix and Windows source paths with line numbers.
	filePathPattern = regexp.MustCompile(`(/[a-zA-Z0-9_\-./]+\.go:\d+)|([A-Z]:\\[a-zA-Z0-9_\-\\./]+\.go:\d+)`)
)

const defaultReplacement = "Internal Server Error"

// ResponseConfig configures the Responses middleware.
type ResponseConfig struct {
	StripStackTraces bool
	StripFilePaths   bool
	// Replacement is written when nothing survives scrubbing.
	Replacement string
}

// ResponseOption configures the Responses middleware.
type ResponseOption func(*ResponseConfig)

// WithStackTraces controls whether stack traces are stripped (default: true).
func WithStackTraces(strip bool) ResponseOption {
	return func(c *ResponseConfig) {
		c.StripStackTraces = strip
	}
}

// WithFilePaths controls whether source paths are stripped (default: true).
func WithFilePaths(strip bool) ResponseOption {
	return func(c *ResponseConfig) {
		c.StripFilePaths = strip
	}
}

// WithReplacement sets the body used when scrubbing leaves nothing.
func WithReplacement(msg string) ResponseOption {
	return func(c *ResponseConfig) {
		c.Replacement = msg
	}
}

// Scrub applies cfg to an error body.
func Scrub(body string, cfg ResponseConfig) string {
	if cfg.StripStackTraces {
		body = stackTracePattern.ReplaceAllString(body, "")
	}
	if cfg.StripFilePaths {
		body = filePathPattern.ReplaceAllString(body, cfg.Replacement)
	}
	body = strings.TrimSpace(body)
	if body == "" {
		body = cfg.Replacement
	}
	return body
}

type scrubWriter struct {
	http.ResponseWriter
	cfg      ResponseConfig
	buf      bytes.Buffer
	status   int
	wrote    bool
	buffered bool
}

func (sw *scrubWriter) WriteHeader(code int) {
	if sw.wrote {
		return
	}
	sw.status = code
	sw.wrote = true
	sw.buffered = code >= 400
	if !sw.buffered {
		sw.ResponseWriter.WriteHeader(code)
	}
}

func (sw *scrubWriter) Write(b []byte) (int, error) {
	if !sw.wrote {
		sw.WriteHeader(http.StatusOK)
	}
	if !sw.buffered {
		return sw.ResponseWriter.Write(b)
	}
	return sw.buf.Write(b)
}

func (sw *scrubWriter) Flush() {
	if sw.buffered {
		return
	}
	if f, ok := sw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sw *scrubWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return sw.ResponseWriter.(http.Hijacker).Hijack()
}

func (sw *scrubWriter) finish() {
	if !sw.buffered {
		return
	}
	body := Scrub(sw.buf.String(), sw.cfg)
	sw.ResponseWriter.Header().Del("Content-Length")
	sw.ResponseWriter.WriteHeader(sw.status)
	sw.ResponseWriter.Write([]byte(body))
}

// Responses returns middleware that buffers 4xx/5xx bodies and removes stack
// traces and source file paths before they reach the client. Success and
// redirect responses pass through unbuffered.
func Responses(opts ...ResponseOption) func(http.Handler) http.Handler {
	cfg := ResponseConfig{
		StripStackTraces: true,
		StripFilePaths:   true,
		Replacement:      defaultReplacement,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sw := &scrubWriter{ResponseWriter: w, cfg: cfg, status: http.StatusOK}
			defer sw.finish()
			next.ServeHTTP(sw, r)
		})
	}
}
