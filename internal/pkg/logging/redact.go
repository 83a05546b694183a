package logging

import "regexp"

var redactions = []struct {
	re   *regexp.Regexp
	repl string
}{
	// Authorization headers
	{regexp.MustCompile(`(?i)(bearer\s+)[A-Za-z0-9\-._~+/]+=*`), "${1}[REDACTED]"},
	// JWTs appearing anywhere
	{regexp.MustCompile(`eyJ[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+\.[A-Za-z0-9_-]*`), "[REDACTED-JWT]"},
	// "access_token":"..." and friends, in JSON or form encoding
	{regexp.MustCompile(`(?i)("?(?:access|refresh|id)[_-]?token"?\s*[:=]\s*"?)[^"&,\s}]+`), "${1}[REDACTED]"},
	{regexp.MustCompile(`(?i)("?(?:client[_-]?secret|password)"?\s*[:=]\s*"?)[^"&,\s}]+`), "${1}[REDACTED]"},
	// e-mail addresses
	{regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`), "[REDACTED-EMAIL]"},
}

// Redact masks credentials and personal identifiers in s
func Redact(s string) string {
	for _, r := range redactions {
		s = r.re.ReplaceAllString(s, r.repl)
	}
	return s
}
