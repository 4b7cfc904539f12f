package redaction

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRedactMapBlocksSecretFields(t *testing.T) {
	r := NewRedactor(DefaultConfig())
	out := r.RedactMap(map[string]interface{}{
		"dedupKey": "k2",
		"note":     "fine",
	})
	require.Equal(t, "***REDACTED***", out["dedupKey"])
	require.Equal(t, "fine", out["note"])
}

func TestRedactStringScrubsInlineSecrets(t *testing.T) {
	r := NewRedactor(DefaultConfig())
	out := r.RedactString(`token: "abc123xyz"`)
	require.Contains(t, out, "***REDACTED***")
	require.NotContains(t, out, "abc123xyz")
}

func TestExtraPatternsApply(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ExtraPatterns = []ExtraPattern{{Name: "ssn", Pattern: `\d{3}-\d{2}-\d{4}`, Replacement: "[SSN]"}}
	r := NewRedactor(cfg)
	require.Equal(t, "ssn is [SSN]", r.RedactString("ssn is 123-45-6789"))
}

func TestDisabledRedactorPassesThrough(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = false
	r := NewRedactor(cfg)
	require.Equal(t, `token: "abc"`, r.RedactString(`token: "abc"`))
}

func TestCompileExtraPatternsRejectsInvalidRegex(t *testing.T) {
	err := CompileExtraPatterns([]ExtraPattern{{Name: "bad", Pattern: "(unterminated"}})
	require.Error(t, err)
}
