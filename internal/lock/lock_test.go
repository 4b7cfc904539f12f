package lock

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	kernelerrors "github.com/0xHoneyJar/loa-beauvoir-sub001/infrastructure/errors"
)

func newTestManager(t *testing.T, now func() time.Time, alive func(int) bool) *Manager {
	t.Helper()
	m, err := New(Config{
		Dir:          t.TempDir(),
		BootID:       "boot-1",
		MaxAge:       time.Minute,
		Now:          now,
		ProcessAlive: alive,
	})
	require.NoError(t, err)
	return m
}

func TestAcquireThenReleaseRoundTrips(t *testing.T) {
	m := newTestManager(t, time.Now, func(int) bool { return true })
	h, err := m.Acquire(context.Background(), "my-lock")
	require.NoError(t, err)
	require.Equal(t, "my-lock", h.Name)

	require.NoError(t, m.Release("my-lock"))

	h2, err := m.Acquire(context.Background(), "my-lock")
	require.NoError(t, err)
	require.NotEqual(t, h.Record.ID, h2.Record.ID)
}

func TestAcquireRejectsInvalidName(t *testing.T) {
	m := newTestManager(t, time.Now, func(int) bool { return true })
	_, err := m.Acquire(context.Background(), "bad/name")
	kerr, ok := kernelerrors.AsKernelError(err)
	require.True(t, ok)
	require.Equal(t, kernelerrors.CodeInvalidLockName, kerr.Code)
}

func TestAcquireContendsOnLiveOwner(t *testing.T) {
	m := newTestManager(t, time.Now, func(int) bool { return true })
	_, err := m.Acquire(context.Background(), "contended")
	require.NoError(t, err)

	_, err = m.Acquire(context.Background(), "contended")
	kerr, ok := kernelerrors.AsKernelError(err)
	require.True(t, ok)
	require.Equal(t, kernelerrors.CodeLockContention, kerr.Code)
}

func TestAcquireReclaimsStaleLockFromDeadProcess(t *testing.T) {
	now := time.Now()
	clock := now
	m := newTestManager(t, func() time.Time { return clock }, func(int) bool { return false })

	h1, err := m.Acquire(context.Background(), "stale-lock")
	require.NoError(t, err)

	h2, err := m.Acquire(context.Background(), "stale-lock")
	require.NoError(t, err)
	require.NotEqual(t, h1.Record.ID, h2.Record.ID)
}

func TestAcquireReclaimsStaleLockByAge(t *testing.T) {
	now := time.Now()
	clock := now
	m := newTestManager(t, func() time.Time { return clock }, func(int) bool { return true })

	_, err := m.Acquire(context.Background(), "aged-lock")
	require.NoError(t, err)

	clock = now.Add(2 * time.Minute)
	_, err = m.Acquire(context.Background(), "aged-lock")
	require.NoError(t, err)
}

func TestReleaseRefusesMismatchedOwnership(t *testing.T) {
	m := newTestManager(t, time.Now, func(int) bool { return true })
	_, err := m.Acquire(context.Background(), "foreign")
	require.NoError(t, err)

	other, err := New(Config{Dir: m.dir, BootID: "boot-2", Now: time.Now, ProcessAlive: func(int) bool { return true }})
	require.NoError(t, err)

	require.NoError(t, other.Release("foreign"))

	path := filepath.Join(m.dir, "foreign.lock")
	_, statErr := os.Stat(path)
	require.NoError(t, statErr)
}

func TestRecoverStaleLocksUnlinksDeadOwners(t *testing.T) {
	now := time.Now()
	clock := now
	m := newTestManager(t, func() time.Time { return clock }, func(int) bool { return false })

	_, err := m.Acquire(context.Background(), "orphaned")
	require.NoError(t, err)

	recovered, err := m.RecoverStaleLocks(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"orphaned"}, recovered)
}

func TestValidNameRejectsSlashes(t *testing.T) {
	require.True(t, ValidName("valid_name-1"))
	require.False(t, ValidName("bad/name"))
	require.False(t, ValidName(""))
}
