package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidateRequiresDataDir(t *testing.T) {
	cfg := &Config{}
	err := cfg.Validate()
	require.Error(t, err)
}

func TestValidateRejectsMissingDirectory(t *testing.T) {
	cfg := &Config{DataDir: filepath.Join(t.TempDir(), "does-not-exist")}
	err := cfg.Validate()
	require.Error(t, err)
}

func TestValidateAcceptsExistingDirectory(t *testing.T) {
	cfg := &Config{DataDir: t.TempDir()}
	require.NoError(t, cfg.Validate())
	require.NotNil(t, cfg.Now)
}

func TestResolvedAuditTrailPathDefaultsUnderDataDir(t *testing.T) {
	cfg := &Config{DataDir: "/var/lib/kernel"}
	require.Equal(t, filepath.Join("/var/lib/kernel", "audit-trail.jsonl"), cfg.ResolvedAuditTrailPath())
}

func TestResolvedAuditTrailPathHonorsOverride(t *testing.T) {
	cfg := &Config{DataDir: "/var/lib/kernel", AuditTrailPath: "/custom/path.jsonl"}
	require.Equal(t, "/custom/path.jsonl", cfg.ResolvedAuditTrailPath())
}

func TestSplitAndTrimCSV(t *testing.T) {
	require.Equal(t, []string{"a", "b", "c"}, splitAndTrimCSV(" a, b ,c"))
	require.Nil(t, splitAndTrimCSV(""))
	require.Nil(t, splitAndTrimCSV("   "))
}

func TestLoadDefaultsTrackerBinaryAndParsesAgentCommand(t *testing.T) {
	t.Setenv("KERNEL_DATA_DIR", "")
	t.Setenv("KERNEL_TRACKER_BINARY", "")
	t.Setenv("KERNEL_AGENT_COMMAND", "agent-runner --flag value")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "tracker", cfg.TrackerBinary)
	require.Equal(t, []string{"agent-runner", "--flag", "value"}, cfg.AgentCommand)
}

func TestGetBoolEnvDefaults(t *testing.T) {
	t.Setenv("KERNEL_TEST_BOOL", "")
	require.True(t, getBoolEnv("KERNEL_TEST_BOOL", true))

	t.Setenv("KERNEL_TEST_BOOL", "false")
	require.False(t, getBoolEnv("KERNEL_TEST_BOOL", true))

	t.Setenv("KERNEL_TEST_BOOL", "yes")
	require.True(t, getBoolEnv("KERNEL_TEST_BOOL", false))
}
