package logger

import (
	"io"
	"regexp"
)

const redactedPlaceholder = "[REDACTED]"

// defaultPatterns cover the credential material this service handles:
// provider API keys from the credential profiles, bearer tokens on gateway
// requests, and the generic assignment forms they leak through when configs
// or headers end up in log fields.
var defaultPatterns = []string{
	`sk-ant-[a-zA-Z0-9_-]{20,}`,
	`sk-[a-zA-Z0-9_-]{20,}`,
	`Bearer\s+[a-zA-Z0-9._-]+`,
	`x-api-key["\s:=]+[^\s"]+`,
	`api_key["\s:=]+[^\s"]+`,
	`password["\s:=]+[^\s"]+`,
	`token["\s:=]+[a-zA-Z0-9._-]{20,}`,
	`secret["\s:=]+[^\s"]+`,
}

// Redactor strips credential material from log output before it is written
type Redactor struct {
	patterns []*regexp.Regexp
}

// NewRedactor creates a redactor with the default pattern set
func NewRedactor() *Redactor {
	r := &Redactor{patterns: make([]*regexp.Regexp, 0, len(defaultPatterns))}
	for _, p := range defaultPatterns {
		r.patterns = append(r.patterns, regexp.MustCompile(p))
	}
	return r
}

// AddPattern registers an additional redaction pattern
func (r *Redactor) AddPattern(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	r.patterns = append(r.patterns, re)
	return nil
}

// Redact replaces every pattern match in s with a placeholder
func (r *Redactor) Redact(s string) string {
	for _, pattern := range r.patterns {
		s = pattern.ReplaceAllString(s, redactedPlaceholder)
	}
	return s
}

// Wrap returns a writer that redacts everything written through it
func (r *Redactor) Wrap(w io.Writer) io.Writer {
	return &redactingWriter{dst: w, redactor: r}
}

type redactingWriter struct {
	dst      io.Writer
	redactor *Redactor
}

// Write reports the original length on success: redaction may change the
// byte count, and callers compare n against len(p).
func (w *redactingWriter) Write(p []byte) (int, error) {
	if _, err := w.dst.Write([]byte(w.redactor.Redact(string(p)))); err != nil {
		return 0, err
	}
	return len(p), nil
}
