package logger

import (
	"io"
	"regexp"
)

const redacted = "[REDACTED]"

type rule struct {
	re   *regexp.Regexp
	repl string
}

// Redactor masks credentials that leak into log lines through step commands,
// DSNs and config dumps.
type Redactor struct {
	rules []rule
}

// NewRedactor creates a new redactor with default patterns
func NewRedactor() *Redactor {
	return &Redactor{
		rules: []rule{
			// sshpass -p <password>
			{regexp.MustCompile(`(sshpass\s+-p\s*)\S+`), "${1}" + redacted},
			// PGPASSWORD=... and friends in remote commands
			{regexp.MustCompile(`\b((?:PGPASSWORD|MYSQL_PWD|REDISCLI_AUTH)=)\S+`), "${1}" + redacted},
			// user:pass@host in DSNs and URLs
			{regexp.MustCompile(`(://[^:/\s"@]+:)[^@\s"]+@`), "${1}" + redacted + "@"},
			{regexp.MustCompile(`Bearer\s+[A-Za-z0-9._~+/-]+=*`), "Bearer " + redacted},
			{regexp.MustCompile(`(?i)((?:password|passwd|pwd)["\s:=]+)[^\s",]+`), "${1}" + redacted},
			{regexp.MustCompile(`(?i)((?:secret_key|access_key|secret|token)["\s:=]+)[^\s",]+`), "${1}" + redacted},
			{regexp.MustCompile(`AKIA[0-9A-Z]{16}`), redacted},
			{regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----[\s\S]*?-----END [A-Z ]*PRIVATE KEY-----`), "[REDACTED PRIVATE KEY]"},
		},
	}
}

// AddPattern adds a custom pattern whose whole match is masked
func (r *Redactor) AddPattern(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	r.rules = append(r.rules, rule{re: re, repl: redacted})
	return nil
}

// Redact redacts sensitive information from a string
func (r *Redactor) Redact(s string) string {
	for _, rl := range r.rules {
		s = rl.re.ReplaceAllString(s, rl.repl)
	}
	return s
}

// Wrap wraps an io.Writer to redact sensitive information
func (r *Redactor) Wrap(w io.Writer) io.Writer {
	return &redactingWriter{
		writer:   w,
		redactor: r,
	}
}

type redactingWriter struct {
	writer   io.Writer
	redactor *Redactor
}

// Write reports len(p) on success so callers never see a short write when
// masking changes the length.
func (w *redactingWriter) Write(p []byte) (int, error) {
	if _, err := w.writer.Write([]byte(w.redactor.Redact(string(p)))); err != nil {
		return 0, err
	}
	return len(p), nil
}
