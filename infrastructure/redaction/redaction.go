// Package redaction implements the secret redactor gated P0 in the Boot
// Orchestrator (§4.7 step 3a). It scrubs audit payloads (§4.2) before they
// are written to the append-only log.
package redaction

import (
	"fmt"
	"regexp"
	"strings"
)

var defaultSecretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(api[_-]?key|apikey)["']?\s*[:=]\s*["']?([^"'\s,}]+)["']?`),
	regexp.MustCompile(`(?i)(secret|token|auth)["']?\s*[:=]\s*["']?([^"'\s,}]+)["']?`),
	regexp.MustCompile(`(?i)(Bearer)\s+([a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+)`),
	regexp.MustCompile(`(?i)(password)["']?\s*[:=]\s*["']?([^"'\s,}]+)["']?`),
	regexp.MustCompile(`(?i)(private[_-]?key|privkey)["']?\s*[:=]\s*["']?([^"'\s,}]+)["']?`),
	regexp.MustCompile(`(?i)(access[_-]?key|aws[_-]?secret)["']?\s*[:=]\s*["']?([^"'\s,}]+)["']?`),
}

// ExtraPattern is a caller-supplied redaction rule, matching the Boot
// Configuration's `extraRedactionPatterns` field (§6).
type ExtraPattern struct {
	Name        string
	Pattern     string
	Replacement string // defaults to Config.RedactionText when empty
}

// Config configures a Redactor.
type Config struct {
	Enabled         bool
	RedactionText   string
	BlockedFields   []string
	ExtraPatterns   []ExtraPattern
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:       true,
		RedactionText: "***REDACTED***",
		BlockedFields: []string{
			"password", "secret", "token", "apikey", "private_key", "credential", "dedupkey",
		},
	}
}

// compiledExtra pairs a compiled extra pattern with its replacement text.
type compiledExtra struct {
	name        string
	re          *regexp.Regexp
	replacement string
}

// Redactor scrubs secret-shaped substrings and fields from structured
// payloads before they are persisted or logged.
type Redactor struct {
	config  Config
	extra   []compiledExtra
}

// NewRedactor builds a Redactor, compiling any extra patterns. An
// uncompilable extra pattern is skipped; callers that need to surface the
// error should validate patterns at boot time via CompileExtraPatterns.
func NewRedactor(cfg Config) *Redactor {
	if cfg.RedactionText == "" {
		cfg.RedactionText = "***REDACTED***"
	}
	r := &Redactor{config: cfg}
	for _, ep := range cfg.ExtraPatterns {
		re, err := regexp.Compile(ep.Pattern)
		if err != nil {
			continue
		}
		repl := ep.Replacement
		if repl == "" {
			repl = cfg.RedactionText
		}
		r.extra = append(r.extra, compiledExtra{name: ep.Name, re: re, replacement: repl})
	}
	return r
}

// CompileExtraPatterns validates that every extra pattern compiles,
// returning the first error encountered. Intended for use during boot
// config validation (§4.7 step 1) so a bad pattern fails fast.
func CompileExtraPatterns(patterns []ExtraPattern) error {
	for _, ep := range patterns {
		if _, err := regexp.Compile(ep.Pattern); err != nil {
			return fmt.Errorf("redaction pattern %q: %w", ep.Name, err)
		}
	}
	return nil
}

// RedactString applies every built-in and extra pattern to s.
func (r *Redactor) RedactString(s string) string {
	if !r.config.Enabled {
		return s
	}
	result := s
	for _, pattern := range defaultSecretPatterns {
		result = pattern.ReplaceAllString(result, "${1}: "+r.config.RedactionText)
	}
	for _, ce := range r.extra {
		result = ce.re.ReplaceAllString(result, ce.replacement)
	}
	return result
}

// RedactMap recursively redacts a structured payload, matching the
// audit-record payload shape (§3.1): blocked field names are fully
// replaced; string values are scanned for secret-shaped substrings.
func (r *Redactor) RedactMap(m map[string]interface{}) map[string]interface{} {
	if !r.config.Enabled {
		return m
	}
	result := make(map[string]interface{}, len(m))
	for k, v := range m {
		switch {
		case r.isBlockedField(k):
			result[k] = r.config.RedactionText
		case v == nil:
			result[k] = v
		default:
			switch val := v.(type) {
			case string:
				result[k] = r.RedactString(val)
			case map[string]interface{}:
				result[k] = r.RedactMap(val)
			case []interface{}:
				result[k] = r.RedactSlice(val)
			default:
				result[k] = v
			}
		}
	}
	return result
}

// RedactSlice redacts each element of a structured payload slice.
func (r *Redactor) RedactSlice(s []interface{}) []interface{} {
	if !r.config.Enabled {
		return s
	}
	result := make([]interface{}, len(s))
	for i, v := range s {
		switch val := v.(type) {
		case string:
			result[i] = r.RedactString(val)
		case map[string]interface{}:
			result[i] = r.RedactMap(val)
		default:
			result[i] = val
		}
	}
	return result
}

func (r *Redactor) isBlockedField(fieldName string) bool {
	lowerName := strings.ToLower(fieldName)
	for _, blocked := range r.config.BlockedFields {
		if strings.Contains(lowerName, strings.ToLower(blocked)) {
			return true
		}
	}
	return false
}
