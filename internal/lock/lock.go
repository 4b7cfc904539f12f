// Package lock implements the Lock Manager (§4.3): per-name exclusive
// file locks under a locks/ directory, identified by (pid, bootId), with
// staleness detection and a TOCTOU re-check before reclaiming a lock file
// left behind by a dead process. There is no flock/gofrs-flock dependency
// anywhere in the retrieved corpus, so this is built directly on
// os.OpenFile's O_EXCL per DESIGN.md — the justified stdlib exception for
// this component.
package lock

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	kernelerrors "github.com/0xHoneyJar/loa-beauvoir-sub001/infrastructure/errors"
	"github.com/0xHoneyJar/loa-beauvoir-sub001/infrastructure/metrics"
)

var nameRe = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,128}$`)

// ValidName reports whether name satisfies the Lock Manager's restricted
// character set.
func ValidName(name string) bool {
	return nameRe.MatchString(name)
}

// OwnershipRecord is the JSON document written into a lock file (§3.3).
type OwnershipRecord struct {
	ID          string `json:"id"`
	PID         int    `json:"pid"`
	BootID      string `json:"bootId"`
	CreatedAt   int64  `json:"createdAt"`
	LockVersion int    `json:"lockVersion"`
}

// Handle represents a held lock, returned by Acquire.
type Handle struct {
	Name   string
	Record OwnershipRecord
}

// Manager is the Lock Manager (§4.3).
type Manager struct {
	mu     sync.Mutex
	dir    string
	bootID string
	pid    int
	maxAge time.Duration
	now    func() time.Time

	// processAlive is overridable in tests; defaults to a real PID liveness
	// check via signal 0.
	processAlive func(pid int) bool
}

// Config configures a Manager.
type Config struct {
	Dir          string
	BootID       string
	MaxAge       time.Duration
	Now          func() time.Time
	ProcessAlive func(pid int) bool
}

// New constructs a Manager rooted at cfg.Dir, creating it if necessary.
func New(cfg Config) (*Manager, error) {
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 2 * time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.ProcessAlive == nil {
		cfg.ProcessAlive = defaultProcessAlive
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("lock: create dir: %w", err)
	}
	return &Manager{
		dir:          cfg.Dir,
		bootID:       cfg.BootID,
		pid:          os.Getpid(),
		maxAge:       cfg.MaxAge,
		now:          cfg.Now,
		processAlive: cfg.ProcessAlive,
	}, nil
}

func defaultProcessAlive(pid int) bool {
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true
	}
	// EPERM means the process exists but we lack permission to signal it —
	// treated conservatively as live (§4.3 "EPERM = conservatively live").
	return err == syscall.EPERM
}

func (m *Manager) path(name string) string {
	return filepath.Join(m.dir, name+".lock")
}

// Acquire attempts to create the named lock exclusively, reclaiming a
// stale holder's file via a TOCTOU-safe unlink-and-retry.
func (m *Manager) Acquire(ctx context.Context, name string) (*Handle, error) {
	return m.acquire(ctx, name, 0)
}

const maxReclaimAttempts = 3

func (m *Manager) acquire(ctx context.Context, name string, attempt int) (*Handle, error) {
	if !ValidName(name) {
		return nil, kernelerrors.InvalidLockName(name)
	}

	record := OwnershipRecord{
		ID:          uuid.New().String(),
		PID:         m.pid,
		BootID:      m.bootID,
		CreatedAt:   m.now().UnixMilli(),
		LockVersion: 1,
	}
	data, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("lock: marshal ownership record: %w", err)
	}

	path := m.path(name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if !os.IsExist(err) {
			return nil, fmt.Errorf("lock: create %q: %w", name, err)
		}
		return m.handleCollision(ctx, name, attempt)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return nil, fmt.Errorf("lock: write ownership record: %w", err)
	}
	if err := f.Sync(); err != nil {
		return nil, fmt.Errorf("lock: fsync ownership record: %w", err)
	}
	m.fsyncDir()

	return &Handle{Name: name, Record: record}, nil
}

// handleCollision inspects the existing lock file: a live holder is
// contention; a stale holder is reclaimed after a TOCTOU re-check that
// the file still belongs to the same ownership id we just read.
func (m *Manager) handleCollision(ctx context.Context, name string, attempt int) (*Handle, error) {
	path := m.path(name)
	existing, err := m.readRecord(path)
	if err != nil {
		// The file vanished between OpenFile and our read; retry, up to
		// maxReclaimAttempts attempts in all.
		if attempt < maxReclaimAttempts {
			return m.acquire(ctx, name, attempt+1)
		}
		return nil, kernelerrors.LockContention(name)
	}

	if !m.isStale(existing) {
		metrics.Global().LockContentions.Inc()
		return nil, kernelerrors.LockContention(name)
	}

	// TOCTOU re-check: re-read and confirm the id has not changed under us
	// before unlinking.
	current, err := m.readRecord(path)
	if err != nil || current.ID != existing.ID {
		if attempt < maxReclaimAttempts {
			return m.acquire(ctx, name, attempt+1)
		}
		return nil, kernelerrors.LockContention(name)
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("lock: remove stale lock %q: %w", name, err)
	}

	if attempt >= maxReclaimAttempts {
		return nil, kernelerrors.LockContention(name)
	}
	return m.acquire(ctx, name, attempt+1)
}

func (m *Manager) readRecord(path string) (OwnershipRecord, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return OwnershipRecord{}, err
	}
	var rec OwnershipRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return OwnershipRecord{}, err
	}
	return rec, nil
}

func (m *Manager) isStale(rec OwnershipRecord) bool {
	age := m.now().Sub(time.UnixMilli(rec.CreatedAt))
	if age > m.maxAge {
		return true
	}
	return !m.processAlive(rec.PID)
}

func (m *Manager) fsyncDir() {
	if dirHandle, err := os.Open(m.dir); err == nil {
		_ = dirHandle.Sync()
		dirHandle.Close()
	}
}

// Release unlinks the named lock if it is still owned by (our pid, our
// bootId). A mismatch is not an error, per §4.3: the file is left in
// place and Release returns nil. The mismatch is not logged, and the
// caller cannot tell it apart from a successful release.
func (m *Manager) Release(name string) error {
	path := m.path(name)
	rec, err := m.readRecord(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return nil
	}
	if rec.PID != m.pid || rec.BootID != m.bootID {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("lock: release %q: %w", name, err)
	}
	return nil
}

// RecoverStaleLocks scans the lock directory and unlinks every stale
// entry, returning the names recovered.
func (m *Manager) RecoverStaleLocks(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("lock: read lock dir: %w", err)
	}

	var recovered []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".lock" {
			continue
		}
		name := e.Name()[:len(e.Name())-len(".lock")]
		path := m.path(name)
		rec, err := m.readRecord(path)
		if err != nil {
			continue
		}
		if !m.isStale(rec) {
			continue
		}
		current, err := m.readRecord(path)
		if err != nil || current.ID != rec.ID {
			continue
		}
		if err := os.Remove(path); err == nil {
			recovered = append(recovered, name)
		}
	}
	return recovered, nil
}
