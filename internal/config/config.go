// Package config loads and validates the durability kernel's boot
// configuration: the handful of values the Boot Orchestrator's first two
// steps check before any subsystem is constructed (§4.7 steps 1-2).
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// RedactionPattern is a caller-supplied extra secret pattern layered on top
// of the redactor's built-in defaults.
type RedactionPattern struct {
	Name        string
	Pattern     string
	Replacement string
}

// ActionPolicy is the allow/deny/constraints bundle the Boot Orchestrator
// cross-checks the tool registry against (step 4).
type ActionPolicy struct {
	Allow       []string
	Deny        []string
	Constraints map[string]string
}

// Config is the kernel's boot configuration (spec §6, "Boot configuration
// (enumerated)"). Only DataDir is required; everything else has a zero
// value that degrades gracefully (no HMAC chaining, no extra redaction
// patterns, no dev-mode fallback).
type Config struct {
	DataDir                 string
	AllowDev                bool
	AuditTrailPath          string
	HMACKey                 []byte
	MCPToolNames            []string
	ActionPolicy            ActionPolicy
	ExtraRedactionPatterns  []RedactionPattern
	Now                     func() time.Time

	LogLevel  string
	LogFormat string

	// TrackerBinary is the external issue-tracker CLI the Work Queue and
	// WAL Adapter drive (§6 "CLI contract").
	TrackerBinary string
	// AgentCommand is the argv prefix the Work Queue appends <taskId>
	// <sessionId> to when spawning an agent session.
	AgentCommand []string

	// RecoveryMountDir / RecoveryVCSDir are the Recovery Engine's
	// restore-cascade sources (§4.10); either may be empty to skip that
	// source (fallback.Handler.Execute tolerates a source that always
	// errors, but an empty dir is treated as "no source configured" by
	// main's wiring rather than spent as a wasted cascade attempt).
	RecoveryMountDir string
	RecoveryVCSDir   string
	// RecoverySigningKeyHex is the hex-encoded Ed25519 private key seed
	// used to sign regenerated manifests. A fresh key is generated at
	// boot when unset, which is fine for a single-process deployment but
	// means a restart after a restore cannot trust its own prior
	// manifest across process boundaries without persisting this value.
	RecoverySigningKeyHex string
}

// Load reads an optional `.env` file (via godotenv) and then the process
// environment into a Config. Missing `.env` is not an error; a malformed
// one is.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("config: load .env: %w", err)
	}

	cfg := &Config{
		DataDir:               getEnv("KERNEL_DATA_DIR", ""),
		AllowDev:              getBoolEnv("KERNEL_ALLOW_DEV", false),
		AuditTrailPath:        getEnv("KERNEL_AUDIT_TRAIL_PATH", ""),
		LogLevel:              getEnv("KERNEL_LOG_LEVEL", "info"),
		LogFormat:             getEnv("KERNEL_LOG_FORMAT", "json"),
		TrackerBinary:         getEnv("KERNEL_TRACKER_BINARY", "tracker"),
		RecoveryMountDir:      getEnv("KERNEL_RECOVERY_MOUNT_DIR", ""),
		RecoveryVCSDir:        getEnv("KERNEL_RECOVERY_VCS_DIR", ""),
		RecoverySigningKeyHex: getEnv("KERNEL_RECOVERY_SIGNING_KEY", ""),
		Now:                   time.Now,
	}

	if raw := getEnv("KERNEL_AGENT_COMMAND", ""); raw != "" {
		cfg.AgentCommand = strings.Fields(raw)
	}

	if raw := getEnv("KERNEL_HMAC_KEY", ""); raw != "" {
		key, err := hex.DecodeString(raw)
		if err != nil {
			return nil, fmt.Errorf("config: KERNEL_HMAC_KEY is not valid hex: %w", err)
		}
		cfg.HMACKey = key
	}

	if raw := getEnv("KERNEL_MCP_TOOL_NAMES", ""); raw != "" {
		cfg.MCPToolNames = splitAndTrimCSV(raw)
	}

	cfg.ActionPolicy = ActionPolicy{
		Allow: splitAndTrimCSV(getEnv("KERNEL_ACTION_ALLOW", "")),
		Deny:  splitAndTrimCSV(getEnv("KERNEL_ACTION_DENY", "")),
	}

	return cfg, nil
}

// Validate enforces the Boot Orchestrator's step-1/step-2 preconditions:
// the data directory is set, exists and is a directory, and Now defaults
// to time.Now when unset. The HMAC key's hex encoding is checked by Load,
// not here. It does not touch the filesystem beyond a Stat — step 2's write-access
// probe is a separate concern the orchestrator performs itself, since it
// wants to log the attempt regardless of which step failed.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.DataDir) == "" {
		return errors.New("config: dataDir is required")
	}

	info, err := os.Stat(c.DataDir)
	if err != nil {
		return fmt.Errorf("config: dataDir %q: %w", c.DataDir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("config: dataDir %q is not a directory", c.DataDir)
	}

	if c.Now == nil {
		c.Now = time.Now
	}

	return nil
}

// ResolvedAuditTrailPath returns AuditTrailPath if set, otherwise the
// default location under DataDir.
func (c *Config) ResolvedAuditTrailPath() string {
	if c.AuditTrailPath != "" {
		return c.AuditTrailPath
	}
	return filepath.Join(c.DataDir, "audit-trail.jsonl")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if raw == "" {
		return defaultValue
	}
	switch raw {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return defaultValue
	}
}

func splitAndTrimCSV(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
