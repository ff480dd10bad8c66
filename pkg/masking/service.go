// Package masking scrubs credentials users paste into queries before the
// text reaches analytics or failure records. The conversation log keeps
// what the user wrote; telemetry does not.
package masking

import (
	"log/slog"
	"regexp"
)

// CompiledPattern holds a pre-compiled regex pattern with its replacement.
type CompiledPattern struct {
	Name        string
	Regex       *regexp.Regexp
	Replacement string
}

// Built-in patterns, applied in order. They target secrets with
// recognisable shapes; free-form passwords are only caught behind an
// explicit "password:"-style label.
var builtinPatterns = []struct {
	name        string
	pattern     string
	replacement string
}{
	{"api_key", `(?i)\b(sk|pk|rk)[-_][A-Za-z0-9]{16,}\b`, "[MASKED_API_KEY]"},
	{"bearer_token", `(?i)\bbearer\s+[A-Za-z0-9._~+/-]{16,}=*`, "[MASKED_TOKEN]"},
	{"jwt", `\beyJ[A-Za-z0-9_-]{8,}\.[A-Za-z0-9_-]{8,}\.[A-Za-z0-9_-]{8,}\b`, "[MASKED_TOKEN]"},
	{"labelled_password", `(?i)\b(password|passwd|pwd)\s*[:=]\s*\S+`, "$1: [MASKED_PASSWORD]"},
	{"card_number", `\b(?:\d[ -]?){13,16}\b`, "[MASKED_NUMBER]"},
}

// Service applies credential masking. Created once at startup;
// thread-safe and stateless aside from compiled patterns.
type Service struct {
	patterns []*CompiledPattern
}

// NewService compiles the built-in patterns plus any custom ones.
// Invalid custom patterns are logged and skipped.
func NewService(custom map[string]string) *Service {
	s := &Service{}
	for _, p := range builtinPatterns {
		s.patterns = append(s.patterns, &CompiledPattern{
			Name:        p.name,
			Regex:       regexp.MustCompile(p.pattern),
			Replacement: p.replacement,
		})
	}
	for name, pattern := range custom {
		compiled, err := regexp.Compile(pattern)
		if err != nil {
			slog.Error("Failed to compile custom masking pattern, skipping",
				"pattern", name, "error", err)
			continue
		}
		s.patterns = append(s.patterns, &CompiledPattern{
			Name:        name,
			Regex:       compiled,
			Replacement: "[MASKED]",
		})
	}
	return s
}

// Mask applies every pattern to the text.
func (s *Service) Mask(text string) string {
	if text == "" {
		return text
	}
	masked := text
	for _, p := range s.patterns {
		masked = p.Regex.ReplaceAllString(masked, p.Replacement)
	}
	return masked
}
