// Package executor implements the Hardened Executor (§4.8): the 5-step
// pipeline every durable write (and read) step flows through — admission,
// dedup lookup, circuit check, durable write pipeline, and settlement.
// Grounded on the teacher's pattern of wrapping an inner call with
// layered guards (rate limiter, circuit breaker) before the call is
// allowed to execute, generalized here into one fixed pipeline shared by
// every skill rather than per-endpoint middleware.
package executor

import (
	"context"
	"fmt"

	kernelerrors "github.com/0xHoneyJar/loa-beauvoir-sub001/infrastructure/errors"
	"github.com/0xHoneyJar/loa-beauvoir-sub001/infrastructure/ratelimit"
	"github.com/0xHoneyJar/loa-beauvoir-sub001/infrastructure/resilience"
	"github.com/0xHoneyJar/loa-beauvoir-sub001/internal/audit"
	"github.com/0xHoneyJar/loa-beauvoir-sub001/internal/idempotency"
)

// Capability is the step's read/write classification (§4.8 step 1).
type Capability string

const (
	CapabilityRead  Capability = "read"
	CapabilityWrite Capability = "write"
)

// Step is a single unit of work submitted to the executor.
type Step struct {
	ID         string
	Skill      string
	Scope      string
	Resource   string
	Capability Capability
	Input      interface{}
}

// Fn is the underlying operation the executor guards. It is invoked
// through the circuit breaker at step 4.3.
type Fn func(ctx context.Context) (outputs map[string]interface{}, err error)

// Outcome is what Run returns.
type Outcome struct {
	Skipped    bool
	Outputs    map[string]interface{}
	Err        error
	DedupKey   string
	IntentSeq  int64
}

// compensationStrategies is the static skill->strategy table (§4.8).
// Unlisted skills default to idempotency.StrategySkip.
var compensationStrategies = map[string]idempotency.Strategy{
	"create_pull_request": idempotency.StrategyCheckThenRetry,
	"label_issue":         idempotency.StrategySafeRetry,
	"post_comment":        idempotency.StrategySafeRetry,
	"close_issue":         idempotency.StrategyCheckThenRetry,
	"merge_pull_request":  idempotency.StrategySkip,
}

// StrategyFor returns the compensation strategy for skill, defaulting to
// skip when the skill is not in the static table.
func StrategyFor(skill string) idempotency.Strategy {
	if s, ok := compensationStrategies[skill]; ok {
		return s
	}
	return idempotency.StrategySkip
}

// ModeProvider reports the current operating mode so the admission step
// can reject writes while degraded (§4.8 step 1). A one-method interface
// so this package never imports internal/boot and creates a dependency
// cycle (boot constructs the executor's collaborators).
type ModeProvider interface {
	Degraded() bool
}

// Executor wires the rate limiter, idempotency index, audit trail, and
// circuit breaker into the 5-step pipeline.
type Executor struct {
	limiter     *ratelimit.Limiter
	idempotency *idempotency.Index
	audit       *audit.Trail
	breaker     *resilience.Breaker
	mode        ModeProvider
}

// New constructs an Executor. mode may be nil, in which case degraded-mode
// admission gating is skipped (useful for dev-mode boots with no
// operating-mode concept).
func New(limiter *ratelimit.Limiter, idx *idempotency.Index, trail *audit.Trail, breaker *resilience.Breaker, mode ModeProvider) *Executor {
	return &Executor{limiter: limiter, idempotency: idx, audit: trail, breaker: breaker, mode: mode}
}

// Run drives step through the 5-step pipeline.
func (e *Executor) Run(ctx context.Context, step Step, fn Fn) Outcome {
	// Step 1: admission.
	if res := e.limiter.TryConsume(step.Scope); !res.Allowed {
		return Outcome{Err: kernelerrors.RateLimited(step.Scope, res.RetryAfterMs)}
	}
	if step.Capability == CapabilityWrite && e.mode != nil && e.mode.Degraded() {
		return Outcome{Err: kernelerrors.DegradedMode(step.Skill)}
	}

	// Step 2: dedup lookup.
	dedupKey, err := idempotency.Fingerprint(step.Skill, step.Scope, step.Resource, step.Input)
	if err != nil {
		return Outcome{Err: fmt.Errorf("executor: fingerprint step: %w", err)}
	}
	if entry, found := e.idempotency.Check(dedupKey); found {
		switch entry.Status {
		case idempotency.StatusCompleted, idempotency.StatusFailed:
			var priorErr error
			if entry.LastError != "" {
				priorErr = fmt.Errorf("%s", entry.LastError)
			}
			return Outcome{Skipped: true, Err: priorErr, DedupKey: dedupKey, IntentSeq: entry.IntentSeq}
		}
	}

	// Step 3: circuit check.
	if e.breaker.State() == resilience.StateOpen {
		return Outcome{Err: kernelerrors.CircuitOpen(step.Scope), DedupKey: dedupKey}
	}

	// Step 4: durable write pipeline.
	return e.durablePipeline(ctx, step, dedupKey, fn)
}

func (e *Executor) durablePipeline(ctx context.Context, step Step, dedupKey string, fn Fn) Outcome {
	// 4.1: recordIntent (audit fsync).
	payload, _ := step.Input.(map[string]interface{})
	intentSeq, err := e.audit.RecordIntent(ctx, step.Skill, step.Resource, payload, dedupKey)
	if err != nil {
		return Outcome{Err: fmt.Errorf("executor: record intent: %w", err), DedupKey: dedupKey}
	}

	// 4.2: markPending(key, intentSeq, strategyFor(skill)).
	if err := e.idempotency.MarkPending(ctx, dedupKey, intentSeq, StrategyFor(step.Skill)); err != nil {
		return Outcome{Err: fmt.Errorf("executor: mark pending: %w", err), DedupKey: dedupKey, IntentSeq: intentSeq}
	}

	// 4.3: invoke the underlying executor through the circuit breaker.
	var outputs map[string]interface{}
	callErr := e.breaker.Execute(ctx, func(ctx context.Context) error {
		var innerErr error
		outputs, innerErr = fn(ctx)
		return innerErr
	})

	// 4.4: recordResult(intentSeq, outputs|null, error?).
	if recErr := e.audit.RecordResult(ctx, intentSeq, step.Skill, step.Resource, outputs, callErr); recErr != nil {
		// Best-effort: a result-recording failure on the error path must
		// not mask the original failure surfaced to the caller.
		if callErr == nil {
			callErr = fmt.Errorf("executor: record result: %w", recErr)
		}
	}

	// 4.5: markCompleted(key) or markFailed(key, error).
	if callErr != nil {
		_ = e.idempotency.MarkFailed(ctx, dedupKey, callErr)
		return Outcome{Err: callErr, DedupKey: dedupKey, IntentSeq: intentSeq}
	}
	if err := e.idempotency.MarkCompleted(ctx, dedupKey); err != nil {
		return Outcome{Err: fmt.Errorf("executor: mark completed: %w", err), DedupKey: dedupKey, IntentSeq: intentSeq, Outputs: outputs}
	}
	return Outcome{Outputs: outputs, DedupKey: dedupKey, IntentSeq: intentSeq}
}
