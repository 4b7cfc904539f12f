package idempotency

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	kernelerrors "github.com/0xHoneyJar/loa-beauvoir-sub001/infrastructure/errors"
)

func newTestIndex(t *testing.T) *Index {
	t.Helper()
	idx, err := Open(context.Background(), t.TempDir(), func() time.Time { return time.Unix(1000, 0) })
	require.NoError(t, err)
	return idx
}

func TestMarkPendingThenCompleted(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()

	require.NoError(t, idx.MarkPending(ctx, "key-1", 10, StrategySafeRetry))
	entry, ok := idx.Check("key-1")
	require.True(t, ok)
	require.Equal(t, StatusPending, entry.Status)

	require.NoError(t, idx.MarkCompleted(ctx, "key-1"))
	entry, ok = idx.Check("key-1")
	require.True(t, ok)
	require.Equal(t, StatusCompleted, entry.Status)
}

func TestMarkPendingIsIdempotentForSameIntent(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()
	require.NoError(t, idx.MarkPending(ctx, "key-1", 10, StrategySkip))
	require.NoError(t, idx.MarkPending(ctx, "key-1", 10, StrategySkip))
}

func TestMarkPendingRejectsConflictingIntent(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()
	require.NoError(t, idx.MarkPending(ctx, "key-1", 10, StrategySkip))

	err := idx.MarkPending(ctx, "key-1", 11, StrategySkip)
	kerr, ok := kernelerrors.AsKernelError(err)
	require.True(t, ok)
	require.Equal(t, kernelerrors.CodeDedupConflict, kerr.Code)
}

func TestMarkFailedRecordsError(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()
	require.NoError(t, idx.MarkPending(ctx, "key-1", 10, StrategyCheckThenRetry))
	require.NoError(t, idx.MarkFailed(ctx, "key-1", errors.New("boom")))

	entry, ok := idx.Check("key-1")
	require.True(t, ok)
	require.Equal(t, StatusFailed, entry.Status)
	require.Equal(t, "boom", entry.LastError)
}

func TestMarkCompletedRequiresPending(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()
	err := idx.MarkCompleted(ctx, "missing")
	require.Error(t, err)
}

func TestReconcilePendingPromotesFoundIntents(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()
	require.NoError(t, idx.MarkPending(ctx, "key-1", 10, StrategySafeRetry))
	require.NoError(t, idx.MarkPending(ctx, "key-2", 20, StrategySafeRetry))

	idx.SetAuditQuery(func(intentSeq int64) (bool, error) {
		return intentSeq == 10, nil
	})

	remaining, err := idx.ReconcilePending(ctx)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	require.Equal(t, int64(20), remaining[0].IntentSeq)

	e, ok := idx.Check("key-1")
	require.True(t, ok)
	require.Equal(t, StatusCompleted, e.Status)
}

func TestReconcilePendingWithoutQueryRetainsAll(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()
	require.NoError(t, idx.MarkPending(ctx, "key-1", 10, StrategySafeRetry))

	remaining, err := idx.ReconcilePending(ctx)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
}

func TestFingerprintIsDeterministic(t *testing.T) {
	fp1, err := Fingerprint("create_pull_request", "repo", "path/to/file", map[string]interface{}{"a": 1, "b": 2})
	require.NoError(t, err)
	fp2, err := Fingerprint("create_pull_request", "repo", "path/to/file", map[string]interface{}{"a": 1, "b": 2})
	require.NoError(t, err)
	require.Equal(t, fp1, fp2)

	fp3, err := Fingerprint("create_pull_request", "repo", "path/to/file", map[string]interface{}{"a": 1, "b": 3})
	require.NoError(t, err)
	require.NotEqual(t, fp1, fp3)
}

func TestIndexPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	now := func() time.Time { return time.Unix(5000, 0) }

	idx1, err := Open(context.Background(), dir, now)
	require.NoError(t, err)
	require.NoError(t, idx1.MarkPending(context.Background(), "key-1", 1, StrategySkip))

	idx2, err := Open(context.Background(), dir, now)
	require.NoError(t, err)
	entry, ok := idx2.Check("key-1")
	require.True(t, ok)
	require.Equal(t, StatusPending, entry.Status)
}
