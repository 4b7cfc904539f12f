// Package idempotency implements the Idempotency Index (§4.6): a
// dedup-key-keyed ledger of in-flight and completed operations, persisted
// through the Resilient Store (internal/store) and held in an in-process
// map so Check does not round-trip to disk on the Hardened Executor's hot
// path. Dedup key fingerprints are computed with zeebo/blake3 over the
// canonical (skill, scope, resource, input) tuple.
package idempotency

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/zeebo/blake3"

	kernelerrors "github.com/0xHoneyJar/loa-beauvoir-sub001/infrastructure/errors"
	"github.com/0xHoneyJar/loa-beauvoir-sub001/infrastructure/metrics"
	"github.com/0xHoneyJar/loa-beauvoir-sub001/internal/store"
)

// Status is the lifecycle state of a dedup entry.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Strategy is the compensation approach for a skill's dedup entries.
type Strategy string

const (
	StrategySkip           Strategy = "skip"
	StrategySafeRetry      Strategy = "safe_retry"
	StrategyCheckThenRetry Strategy = "check_then_retry"
)

// Entry is a single dedup index record (§3.2).
type Entry struct {
	DedupKey              string   `json:"dedupKey"`
	IntentSeq             int64    `json:"intentSeq"`
	Status                Status   `json:"status"`
	CompensationStrategy  Strategy `json:"compensationStrategy"`
	LastError             string   `json:"lastError,omitempty"`
	CreatedAt             int64    `json:"createdAt"`
	CompletedAt           int64    `json:"completedAt,omitempty"`
}

// AuditQuery is the one-method capability the reconciler uses to check
// whether an intent already has a recorded result (usually
// audit.Trail.FindResultByIntentSeq adapted to this signature).
type AuditQuery func(intentSeq int64) (found bool, err error)

// document is what's persisted in the Resilient Store.
type document struct {
	Entries map[string]Entry `json:"entries"`
}

// Index is the Idempotency Index.
type Index struct {
	mu      sync.Mutex
	store   *store.Store
	entries map[string]Entry
	now     func() time.Time
	query   AuditQuery
}

// Open loads (or initializes empty) the Idempotency Index persisted under
// dataDir.
func Open(ctx context.Context, dataDir string, now func() time.Time) (*Index, error) {
	if now == nil {
		now = time.Now
	}
	s, err := store.New(dataDir, "idempotency")
	if err != nil {
		return nil, fmt.Errorf("idempotency: open store: %w", err)
	}

	idx := &Index{store: s, entries: make(map[string]Entry), now: now}

	var doc document
	found, err := s.Load(ctx, &doc)
	if err != nil {
		return nil, fmt.Errorf("idempotency: load: %w", err)
	}
	if found && doc.Entries != nil {
		idx.entries = doc.Entries
	}
	return idx, nil
}

// SetAuditQuery wires the audit-query callback used by ReconcilePending.
func (idx *Index) SetAuditQuery(q AuditQuery) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.query = q
}

func (idx *Index) persistLocked(ctx context.Context) error {
	return idx.store.Save(ctx, document{Entries: idx.entries})
}

// Check returns the entry for key, if any.
func (idx *Index) Check(key string) (Entry, bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	e, ok := idx.entries[key]
	return e, ok
}

// MarkPending asserts key is new, or already bound to the same
// intentSeq; a conflicting intentSeq is rejected.
func (idx *Index) MarkPending(ctx context.Context, key string, intentSeq int64, strategy Strategy) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if existing, ok := idx.entries[key]; ok {
		if existing.IntentSeq != intentSeq {
			return kernelerrors.DedupConflict(key)
		}
		return nil
	}

	idx.entries[key] = Entry{
		DedupKey:             key,
		IntentSeq:            intentSeq,
		Status:               StatusPending,
		CompensationStrategy: strategy,
		CreatedAt:            idx.now().UnixMilli(),
	}
	return idx.persistLocked(ctx)
}

// MarkCompleted transitions a pending entry to completed.
func (idx *Index) MarkCompleted(ctx context.Context, key string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	e, ok := idx.entries[key]
	if !ok || e.Status != StatusPending {
		return fmt.Errorf("idempotency: %q is not pending", key)
	}
	e.Status = StatusCompleted
	e.CompletedAt = idx.now().UnixMilli()
	idx.entries[key] = e
	return idx.persistLocked(ctx)
}

// MarkFailed transitions a pending entry to failed.
func (idx *Index) MarkFailed(ctx context.Context, key string, failure error) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	e, ok := idx.entries[key]
	if !ok || e.Status != StatusPending {
		return fmt.Errorf("idempotency: %q is not pending", key)
	}
	e.Status = StatusFailed
	e.CompletedAt = idx.now().UnixMilli()
	if failure != nil {
		e.LastError = failure.Error()
	}
	idx.entries[key] = e
	return idx.persistLocked(ctx)
}

// ReconcilePending promotes pending entries whose intent already has an
// audit result to completed, and returns the entries that remain pending
// for caller compensation.
func (idx *Index) ReconcilePending(ctx context.Context) ([]Entry, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	var remaining []Entry
	changed := false

	for key, e := range idx.entries {
		if e.Status != StatusPending {
			continue
		}
		if idx.query == nil {
			remaining = append(remaining, e)
			continue
		}
		found, err := idx.query(e.IntentSeq)
		if err != nil {
			remaining = append(remaining, e)
			continue
		}
		if found {
			e.Status = StatusCompleted
			e.CompletedAt = idx.now().UnixMilli()
			idx.entries[key] = e
			changed = true
			metrics.Global().RecordReconcileOutcome("kernel", "promoted")
			continue
		}
		remaining = append(remaining, e)
	}
	for range remaining {
		metrics.Global().RecordReconcileOutcome("kernel", "pending")
	}

	if changed {
		if err := idx.persistLocked(ctx); err != nil {
			return remaining, err
		}
	}
	return remaining, nil
}

// Fingerprint computes the deterministic dedup key for a Hardened
// Executor step: identical semantic operations (same skill, scope,
// resource, and input) always produce identical keys regardless of call
// site.
func Fingerprint(skill, scope, resource string, input interface{}) (string, error) {
	inputJSON, err := json.Marshal(input)
	if err != nil {
		return "", fmt.Errorf("idempotency: marshal input: %w", err)
	}

	h := blake3.New()
	for _, part := range []string{skill, scope, resource} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	h.Write(inputJSON)

	return hex.EncodeToString(h.Sum(nil)), nil
}
