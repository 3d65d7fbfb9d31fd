package safety

import (
	"strings"

	"go.uber.org/zap"
)

// Blocked is the redaction marker left in place of a dangerous pattern.
const Blocked = "[BLOCKED]"

var dangerousPatterns = []string{
	"rm -rf",
	"format c:",
	"shutdown",
	"del /f /q",
	"mkfs",
	"poweroff",
}

// Dangerous returns the first blocked pattern found in text, or "".
func Dangerous(text string) string {
	if text == "" {
		return ""
	}
	lowered := strings.ToLower(text)
	for _, p := range dangerousPatterns {
		if strings.Contains(lowered, p) {
			return p
		}
	}
	return ""
}

// Firewall redacts dangerous command fragments from user input before it is
// routed anywhere.
type Firewall struct {
	logger *zap.Logger
}

// NewFirewall creates an input firewall.
func NewFirewall(logger *zap.Logger) *Firewall {
	return &Firewall{logger: logger}
}

// Sanitize replaces every dangerous pattern (case-insensitive) with Blocked
// and returns the patterns it found.
func (f *Firewall) Sanitize(text string) (string, []string) {
	var found []string
	for _, p := range dangerousPatterns {
		if !strings.Contains(strings.ToLower(text), p) {
			continue
		}
		found = append(found, p)
		text = replaceFold(text, p, Blocked)
	}
	if len(found) > 0 {
		f.logger.Warn("blocked dangerous input", zap.Strings("patterns", found))
	}
	return text, found
}

// replaceFold replaces every case-insensitive occurrence of old. old must be
// lower case ASCII.
func replaceFold(s, old, repl string) string {
	var sb strings.Builder
	lowered := strings.ToLower(s)
	i := 0
	for {
		j := strings.Index(lowered[i:], old)
		if j < 0 {
			break
		}
		sb.WriteString(s[i : i+j])
		sb.WriteString(repl)
		i += j + len(old)
	}
	sb.WriteString(s[i:])
	return sb.String()
}
