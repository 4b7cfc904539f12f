package boot

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/0xHoneyJar/loa-beauvoir-sub001/internal/config"
	"github.com/0xHoneyJar/loa-beauvoir-sub001/internal/idempotency"
	"github.com/0xHoneyJar/loa-beauvoir-sub001/internal/store"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{DataDir: t.TempDir(), Now: time.Now}
}

func TestBootReachesAutonomousModeWithValidConfig(t *testing.T) {
	cfg := testConfig(t)
	svc, report, shutdown, err := New(cfg).Boot(context.Background())
	require.NoError(t, err)
	require.Equal(t, ModeAutonomous, report.Mode)
	require.NotNil(t, svc.AuditTrail)
	require.NotNil(t, svc.Locks)
	require.NotNil(t, svc.Breaker)
	require.NotNil(t, svc.RateLimiter)
	require.NotNil(t, svc.Idempotency)
	require.NotNil(t, svc.Scheduler)

	require.NoError(t, shutdown(context.Background()))
	// Idempotent.
	require.NoError(t, shutdown(context.Background()))
}

func TestBootAbortsWithoutDataDir(t *testing.T) {
	cfg := &config.Config{DataDir: "", Now: time.Now}
	_, report, shutdown, err := New(cfg).Boot(context.Background())
	require.Error(t, err)
	require.Nil(t, shutdown)
	require.Equal(t, StatusFailed, report.Subsystems[0].Status)
}

func TestBootFallsBackToDevModeWhenAllowDevSet(t *testing.T) {
	cfg := &config.Config{DataDir: "", AllowDev: true, Now: time.Now}
	svc, report, shutdown, err := New(cfg).Boot(context.Background())
	require.NoError(t, err)
	require.Equal(t, ModeDev, report.Mode)
	require.NotEmpty(t, report.Warnings)
	require.Equal(t, ModeDev, svc.Mode)
	require.NoError(t, shutdown(context.Background()))
}

// Action-policy denial is a P0 failure (spec.md:128), so with an allowDev
// override boot falls back to dev mode rather than degrading — computeMode
// only reaches ModeDegraded via a P1 failure. The next test covers the
// abort without the override.
func TestBootFallsBackToDevModeWhenActionPolicyDeniesRegisteredTool(t *testing.T) {
	cfg := testConfig(t)
	cfg.AllowDev = true
	cfg.MCPToolNames = []string{"create_pr"}
	cfg.ActionPolicy = config.ActionPolicy{Deny: []string{"create_pr"}}

	_, report, shutdown, err := New(cfg).Boot(context.Background())
	require.NoError(t, err)
	require.Equal(t, ModeDev, report.Mode)
	defer shutdown(context.Background())

	var policyReport *SubsystemReport
	for i := range report.Subsystems {
		if report.Subsystems[i].Name == "action_policy" {
			policyReport = &report.Subsystems[i]
		}
	}
	require.NotNil(t, policyReport)
	require.Equal(t, StatusFailed, policyReport.Status)
}

func TestBootAbortsWhenActionPolicyDeniesRegisteredToolWithoutDevOverride(t *testing.T) {
	cfg := testConfig(t)
	cfg.MCPToolNames = []string{"create_pr"}
	cfg.ActionPolicy = config.ActionPolicy{Deny: []string{"create_pr"}}

	_, report, shutdown, err := New(cfg).Boot(context.Background())
	require.Error(t, err)
	require.Nil(t, shutdown)
	require.Equal(t, Mode(""), report.Mode)
}

// Step 5 must call ReconcilePending, not just log GetPendingIntents: an
// idempotency entry with no matching audit result stays pending and
// surfaces as a boot warning, without aborting or degrading boot.
func TestBootReconcilesPendingIdempotencyEntriesAtStartup(t *testing.T) {
	cfg := testConfig(t)

	s, err := store.New(cfg.DataDir, "idempotency")
	require.NoError(t, err)
	seeded := struct {
		Entries map[string]idempotency.Entry `json:"entries"`
	}{
		Entries: map[string]idempotency.Entry{
			"dedup-1": {DedupKey: "dedup-1", IntentSeq: 999, Status: idempotency.StatusPending, CreatedAt: 1},
		},
	}
	require.NoError(t, s.Save(context.Background(), seeded))
	require.NoError(t, s.Close(context.Background()))

	svc, report, shutdown, err := New(cfg).Boot(context.Background())
	require.NoError(t, err)
	require.Equal(t, ModeAutonomous, report.Mode)

	entry, ok := svc.Idempotency.Check("dedup-1")
	require.True(t, ok)
	require.Equal(t, idempotency.StatusPending, entry.Status)

	found := false
	for _, w := range report.Warnings {
		if w == "1 idempotency entries still pending after reconciliation" {
			found = true
		}
	}
	require.True(t, found, "expected a reconciliation warning, got %v", report.Warnings)

	require.NoError(t, shutdown(context.Background()))
}

func TestCheckActionPolicyAllowsWhenAllowListEmpty(t *testing.T) {
	err := checkActionPolicy([]string{"create_pr"}, config.ActionPolicy{})
	require.NoError(t, err)
}

func TestCheckActionPolicyRejectsToolNotOnAllowList(t *testing.T) {
	err := checkActionPolicy([]string{"create_pr"}, config.ActionPolicy{Allow: []string{"label_issue"}})
	require.Error(t, err)
}

func TestComputeModeAutonomousWhenAllSubsystemsOK(t *testing.T) {
	subs := []SubsystemReport{
		{Priority: PriorityP0, Status: StatusOK},
		{Priority: PriorityP1, Status: StatusOK},
	}
	require.Equal(t, ModeAutonomous, computeMode(subs, false))
}

func TestComputeModeDegradedWhenP1Unhealthy(t *testing.T) {
	subs := []SubsystemReport{
		{Priority: PriorityP0, Status: StatusOK},
		{Priority: PriorityP1, Status: StatusDegraded},
	}
	require.Equal(t, ModeDegraded, computeMode(subs, false))
}

func TestComputeModeAbortsWhenP0FailedAndNoDevOverride(t *testing.T) {
	subs := []SubsystemReport{
		{Priority: PriorityP0, Status: StatusFailed},
	}
	require.Equal(t, Mode(""), computeMode(subs, false))
}

func TestComputeModeDevWhenP0FailedAndDevOverrideSet(t *testing.T) {
	subs := []SubsystemReport{
		{Priority: PriorityP0, Status: StatusFailed},
	}
	require.Equal(t, ModeDev, computeMode(subs, true))
}
