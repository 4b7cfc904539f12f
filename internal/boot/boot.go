// Package boot implements the Boot Orchestrator (§4.7): a fixed 7-step
// startup sequence that brings up the durability kernel's P0/P1
// subsystems, cross-checks the tool registry against the action policy,
// runs the pending-intent and stale-lock sweeps, and computes an
// operating mode before handing a services bag to the Hardened Executor
// and Work Queue. Grounded on the teacher's boot-sequencing style in
// cmd/slctl (validate-then-construct, one status per step) generalized
// from a single CLI command into a component-by-component subsystem
// report.
package boot

import (
	"context"
	"fmt"
	"time"

	kernelerrors "github.com/0xHoneyJar/loa-beauvoir-sub001/infrastructure/errors"
	"github.com/0xHoneyJar/loa-beauvoir-sub001/infrastructure/logging"
	"github.com/0xHoneyJar/loa-beauvoir-sub001/infrastructure/metrics"
	"github.com/0xHoneyJar/loa-beauvoir-sub001/infrastructure/ratelimit"
	"github.com/0xHoneyJar/loa-beauvoir-sub001/infrastructure/redaction"
	"github.com/0xHoneyJar/loa-beauvoir-sub001/infrastructure/resilience"
	"github.com/0xHoneyJar/loa-beauvoir-sub001/internal/audit"
	"github.com/0xHoneyJar/loa-beauvoir-sub001/internal/config"
	"github.com/0xHoneyJar/loa-beauvoir-sub001/internal/idempotency"
	"github.com/0xHoneyJar/loa-beauvoir-sub001/internal/lock"
	"github.com/0xHoneyJar/loa-beauvoir-sub001/internal/scheduler"
	"github.com/0xHoneyJar/loa-beauvoir-sub001/internal/system"
)

// Status is a single subsystem's boot-step outcome.
type Status string

const (
	StatusOK       Status = "ok"
	StatusDegraded Status = "degraded"
	StatusFailed   Status = "failed"
)

// Priority is the subsystem's gating class.
type Priority string

const (
	PriorityP0 Priority = "p0"
	PriorityP1 Priority = "p1"
)

// Mode is the computed operating mode (§4.7 step 7).
type Mode string

const (
	ModeAutonomous Mode = "autonomous"
	ModeDegraded   Mode = "degraded"
	ModeDev        Mode = "dev"
)

// SubsystemReport is one row of the boot health report.
type SubsystemReport struct {
	Name     string
	Priority Priority
	Status   Status
	Err      error
}

// Report is the full boot health report returned alongside the services
// bag.
type Report struct {
	Mode       Mode
	Subsystems []SubsystemReport
	Warnings   []string
}

// Services is the bag of long-lived component handles the Boot
// Orchestrator owns for the process lifetime (components 1-6 and 11) and
// hands to the Hardened Executor and Work Queue.
type Services struct {
	Config      *config.Config
	Logger      *logging.Logger
	Redactor    *redaction.Redactor
	AuditTrail  *audit.Trail
	Idempotency *idempotency.Index
	Locks       *lock.Manager
	Breaker     *resilience.Breaker
	RateLimiter *ratelimit.Limiter
	Scheduler   *scheduler.Scheduler
	Mode        Mode

	manager *system.Manager
}

// Degraded reports whether the boot mode rejects writes, satisfying the
// Hardened Executor's ModeProvider (§4.8 step 1) directly off the
// services bag so main doesn't need its own adapter type.
func (s *Services) Degraded() bool {
	return s.Mode == ModeDegraded
}

// Orchestrator runs the 7-step boot sequence.
type Orchestrator struct {
	cfg *config.Config
}

// New constructs an Orchestrator over an already-loaded configuration.
func New(cfg *config.Config) *Orchestrator {
	return &Orchestrator{cfg: cfg}
}

// Boot executes the fixed 7-step sequence and returns the services bag,
// health report, and idempotent shutdown. Every step records a status
// into the report before the sequence moves on — the mode/abort decision
// is made once, at step 7, over the full report, not step by step. The
// only exceptions are steps 1-2: without a validated, writable data
// directory no other subsystem can be constructed at all, so those two
// short-circuit straight to the step-7 decision.
func (o *Orchestrator) Boot(ctx context.Context) (*Services, *Report, func(context.Context) error, error) {
	report := &Report{}
	svc := &Services{Config: o.cfg, manager: system.NewManager()}

	now := o.cfg.Now
	if now == nil {
		now = time.Now
	}

	// Step 1: validate config.
	if err := o.cfg.Validate(); err != nil {
		report.Subsystems = append(report.Subsystems, SubsystemReport{Name: "config", Priority: PriorityP0, Status: StatusFailed, Err: err})
		return o.finish(ctx, svc, report, now)
	}
	report.Subsystems = append(report.Subsystems, SubsystemReport{Name: "config", Priority: PriorityP0, Status: StatusOK})

	// Step 2: validate filesystem access to the data directory.
	if err := probeWriteAccess(o.cfg.DataDir); err != nil {
		report.Subsystems = append(report.Subsystems, SubsystemReport{Name: "filesystem", Priority: PriorityP0, Status: StatusFailed, Err: err})
		return o.finish(ctx, svc, report, now)
	}
	report.Subsystems = append(report.Subsystems, SubsystemReport{Name: "filesystem", Priority: PriorityP0, Status: StatusOK})

	// Step 3a: secret redactor (P0). A bad extra pattern degrades to the
	// built-in pattern set rather than blocking every later step that
	// needs a redactor.
	redactorCfg := redaction.DefaultConfig()
	for _, p := range o.cfg.ExtraRedactionPatterns {
		redactorCfg.ExtraPatterns = append(redactorCfg.ExtraPatterns, redaction.ExtraPattern{
			Name: p.Name, Pattern: p.Pattern, Replacement: p.Replacement,
		})
	}
	if err := redaction.CompileExtraPatterns(redactorCfg.ExtraPatterns); err != nil {
		report.Subsystems = append(report.Subsystems, SubsystemReport{Name: "redactor", Priority: PriorityP0, Status: StatusFailed, Err: err})
		redactorCfg = redaction.DefaultConfig()
	} else {
		report.Subsystems = append(report.Subsystems, SubsystemReport{Name: "redactor", Priority: PriorityP0, Status: StatusOK})
	}
	svc.Redactor = redaction.NewRedactor(redactorCfg)

	// Step 3b: structured logger (P0). logging.New never fails; any
	// misconfigured level/format falls back inside the logger itself.
	svc.Logger = logging.New("kernel", o.cfg.LogLevel, o.cfg.LogFormat)
	report.Subsystems = append(report.Subsystems, SubsystemReport{Name: "logger", Priority: PriorityP0, Status: StatusOK})

	// Step 3c: audit trail with torn-write recovery (P0).
	svc.AuditTrail = audit.New(o.cfg.ResolvedAuditTrailPath(), o.cfg.HMACKey, svc.Redactor, now)
	auditOK := true
	if err := svc.AuditTrail.Initialize(ctx); err != nil {
		report.Subsystems = append(report.Subsystems, SubsystemReport{Name: "audit_trail", Priority: PriorityP0, Status: StatusFailed, Err: err})
		auditOK = false
	} else {
		report.Subsystems = append(report.Subsystems, SubsystemReport{Name: "audit_trail", Priority: PriorityP0, Status: StatusOK})
	}

	// Step 3d: persistent-store factory (P1) — the lock manager exercises
	// it first since locks/ is the first store-backed directory created.
	locks, err := lock.New(lock.Config{Dir: storeSubdir(o.cfg.DataDir, "locks"), BootID: bootID(now), Now: now})
	if err != nil {
		report.Subsystems = append(report.Subsystems, SubsystemReport{Name: "store", Priority: PriorityP1, Status: StatusDegraded, Err: err})
	} else {
		svc.Locks = locks
		report.Subsystems = append(report.Subsystems, SubsystemReport{Name: "store", Priority: PriorityP1, Status: StatusOK})
	}

	// Step 3e: circuit breaker (P1). OnStateChange feeds the breaker-state
	// gauge so a trip/recovery is observable without polling State().
	breakerCfg := resilience.DefaultConfig()
	breakerCfg.OnStateChange = func(_, to resilience.State) {
		metrics.Global().BreakerState.WithLabelValues("kernel", "kernel").Set(metrics.BreakerStateValue(to.String()))
	}
	svc.Breaker = resilience.New("kernel", breakerCfg)
	report.Subsystems = append(report.Subsystems, SubsystemReport{Name: "circuit_breaker", Priority: PriorityP1, Status: StatusOK})

	// Step 3f: rate limiter (P1).
	svc.RateLimiter = ratelimit.New(ratelimit.DefaultConfig())
	report.Subsystems = append(report.Subsystems, SubsystemReport{Name: "rate_limiter", Priority: PriorityP1, Status: StatusOK})

	// Step 3g: idempotency index (P1).
	idx, err := idempotency.Open(ctx, o.cfg.DataDir, now)
	if err != nil {
		report.Subsystems = append(report.Subsystems, SubsystemReport{Name: "idempotency_index", Priority: PriorityP1, Status: StatusDegraded, Err: err})
	} else {
		if auditOK {
			idx.SetAuditQuery(func(intentSeq int64) (bool, error) {
				_, found := svc.AuditTrail.FindResultByIntentSeq(intentSeq)
				return found, nil
			})
		}
		svc.Idempotency = idx
		report.Subsystems = append(report.Subsystems, SubsystemReport{Name: "idempotency_index", Priority: PriorityP1, Status: StatusOK})
	}

	// Step 4: cross-check tool registry against the action-policy
	// allow/deny list (P0).
	if err := checkActionPolicy(o.cfg.MCPToolNames, o.cfg.ActionPolicy); err != nil {
		report.Subsystems = append(report.Subsystems, SubsystemReport{Name: "action_policy", Priority: PriorityP0, Status: StatusFailed, Err: err})
	} else {
		report.Subsystems = append(report.Subsystems, SubsystemReport{Name: "action_policy", Priority: PriorityP0, Status: StatusOK})
	}

	// Step 5: getPendingIntents() plus reconcilePending() — reconcile the
	// Audit Trail against the Idempotency Index, promoting any pending
	// entry whose intent already has a durable result, and warn (without
	// blocking boot) about whatever is still pending afterward.
	if auditOK {
		if pending := svc.AuditTrail.GetPendingIntents(); len(pending) > 0 {
			msg := fmt.Sprintf("%d intent(s) pending from a previous run", len(pending))
			report.Warnings = append(report.Warnings, msg)
			svc.Logger.WithFields(map[string]interface{}{"count": len(pending)}).Warn("pending intents detected at boot")
		}
	}
	if svc.Idempotency != nil {
		remaining, err := svc.Idempotency.ReconcilePending(ctx)
		if err != nil {
			report.Warnings = append(report.Warnings, "reconcile pending: "+err.Error())
		} else if len(remaining) > 0 {
			report.Warnings = append(report.Warnings, fmt.Sprintf("%d idempotency entries still pending after reconciliation", len(remaining)))
			svc.Logger.WithFields(map[string]interface{}{"count": len(remaining)}).Warn("idempotency entries still pending after reconciliation")
		}
	}

	// Step 6: recoverStaleLocks() — log warnings.
	if svc.Locks != nil {
		recovered, err := svc.Locks.RecoverStaleLocks(ctx)
		if err != nil {
			report.Warnings = append(report.Warnings, "stale lock recovery: "+err.Error())
		} else if len(recovered) > 0 {
			report.Warnings = append(report.Warnings, fmt.Sprintf("reclaimed %d stale lock(s)", len(recovered)))
		}
	}

	return o.finish(ctx, svc, report, now)
}

// finish implements step 7: compute the operating mode over the
// accumulated subsystem report, then either abort, fall back to dev
// mode, or start the remaining always-on services (currently just the
// scheduler) and return a live services bag.
func (o *Orchestrator) finish(ctx context.Context, svc *Services, report *Report, now func() time.Time) (*Services, *Report, func(context.Context) error, error) {
	mode := computeMode(report.Subsystems, o.cfg.AllowDev)
	if mode == "" {
		return nil, report, nil, kernelerrors.BootAborted("no viable operating mode").WithDetails("subsystems", report.Subsystems)
	}
	report.Mode = mode
	svc.Mode = mode
	metrics.Global().SetBootMode("kernel", string(mode))

	if mode == ModeDev {
		for _, s := range report.Subsystems {
			if s.Priority == PriorityP0 && s.Status != StatusOK {
				report.Warnings = append(report.Warnings, fmt.Sprintf("dev mode: suppressed P0 failure in %q: %v", s.Name, s.Err))
			}
		}
	}

	if svc.Logger == nil {
		svc.Logger = logging.New("kernel", o.cfg.LogLevel, o.cfg.LogFormat)
	}
	svc.Scheduler = scheduler.New(svc.Logger)
	svc.manager.Register(svc.Scheduler)
	if err := svc.manager.Start(ctx); err != nil {
		return nil, report, nil, fmt.Errorf("boot: start services: %w", err)
	}

	shutdown := func(shutdownCtx context.Context) error {
		results := svc.manager.Shutdown(shutdownCtx, 5*time.Second)
		if svc.AuditTrail != nil {
			_ = svc.AuditTrail.Close()
		}
		for name, err := range results {
			if err != nil {
				return fmt.Errorf("boot: shutdown %q: %w", name, err)
			}
		}
		return nil
	}

	return svc, report, shutdown, nil
}

// computeMode implements §4.7 step 7's decision table. Returns "" if no
// mode applies (caller treats this as BootAborted).
func computeMode(subsystems []SubsystemReport, allowDev bool) Mode {
	p0Failed := false
	p1Degraded := false
	for _, s := range subsystems {
		switch {
		case s.Priority == PriorityP0 && s.Status != StatusOK:
			p0Failed = true
		case s.Priority == PriorityP1 && s.Status != StatusOK:
			p1Degraded = true
		}
	}
	switch {
	case !p0Failed && !p1Degraded:
		return ModeAutonomous
	case !p0Failed && p1Degraded:
		return ModeDegraded
	case p0Failed && allowDev:
		return ModeDev
	default:
		return ""
	}
}

// checkActionPolicy verifies every registered MCP tool name is not on the
// deny list, and — when an allow list is non-empty — is present on it.
func checkActionPolicy(toolNames []string, policy config.ActionPolicy) error {
	deny := make(map[string]bool, len(policy.Deny))
	for _, d := range policy.Deny {
		deny[d] = true
	}
	allow := make(map[string]bool, len(policy.Allow))
	for _, a := range policy.Allow {
		allow[a] = true
	}
	for _, name := range toolNames {
		if deny[name] {
			return fmt.Errorf("boot: tool %q is on the action-policy deny list", name)
		}
		if len(allow) > 0 && !allow[name] {
			return fmt.Errorf("boot: tool %q is not on the action-policy allow list", name)
		}
	}
	return nil
}

func bootID(now func() time.Time) string {
	return fmt.Sprintf("boot-%d", now().UnixNano())
}
