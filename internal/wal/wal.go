// Package wal implements the WAL Adapter for External Store (§4.11): a
// write-ahead log that brackets every mutation of the external
// issue-tracker CLI so its state is replayable after a crash, since the
// CLI's own on-disk database may lag behind in-memory state. Grounded on
// the teacher's append-only durability pattern already generalized in
// internal/audit (fsync-before-return, torn-write tolerance via a
// sibling ".torn-<ts>" file) and on internal/trackercli for the actual
// command dispatch replay re-issues.
package wal

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	kernelerrors "github.com/0xHoneyJar/loa-beauvoir-sub001/infrastructure/errors"
	"github.com/0xHoneyJar/loa-beauvoir-sub001/infrastructure/logging"
)

// Operation names the CLI command family a record replays into.
type Operation string

const (
	OpCreate      Operation = "create"
	OpUpdate      Operation = "update"
	OpClose       Operation = "close"
	OpReopen      Operation = "reopen"
	OpLabelAdd    Operation = "label_add"
	OpLabelRemove Operation = "label_remove"
	OpDepAdd      Operation = "dep_add"
	OpDepRemove   Operation = "dep_remove"
	OpCommentAdd  Operation = "comment_add"
)

// Dispatcher re-issues a WAL-recorded mutation against the external CLI.
// A one-method capability so tests can substitute a fake instead of
// spawning the real tracker binary.
type Dispatcher interface {
	Dispatch(ctx context.Context, op Operation, targetID string, payload map[string]string) error
}

// Record is one WAL entry (§6 "wal/<segment>.log").
type Record struct {
	Seq      int64             `json:"seq"`
	TS       int64             `json:"ts"`
	Op       Operation         `json:"op"`
	TargetID string            `json:"targetId"`
	Payload  map[string]string `json:"payload,omitempty"`
	Checksum string            `json:"checksum"`
}

func (r Record) withoutChecksum() Record {
	r.Checksum = ""
	return r
}

func computeChecksum(r Record) string {
	r = r.withoutChecksum()
	canonical, _ := json.Marshal(r)
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

// Config configures an Adapter.
type Config struct {
	// Dir is the wal/ directory under the data directory.
	Dir string
	// StorePath is the external CLI's own on-disk store file, whose mtime
	// needsRecovery compares against the newest WAL timestamp.
	StorePath string
	// MaxSegmentBytes rotates the active segment once exceeded. Defaults
	// to 8 MiB.
	MaxSegmentBytes int64
	Dispatcher      Dispatcher
	Logger          *logging.Logger
	Now             func() time.Time
}

// Adapter is the WAL Adapter for External Store (§4.11).
type Adapter struct {
	mu sync.Mutex

	dir             string
	storePath       string
	maxSegmentBytes int64
	dispatcher      Dispatcher
	logger          *logging.Logger
	now             func() time.Time

	activePath string
	file       *os.File
	size       int64
	nextSeq    int64
}

const activeSegmentName = "active.log"

// New constructs an Adapter. Call Open before use.
func New(cfg Config) *Adapter {
	if cfg.MaxSegmentBytes <= 0 {
		cfg.MaxSegmentBytes = 8 << 20
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.New("wal", "info", "text")
	}
	return &Adapter{
		dir:             cfg.Dir,
		storePath:       cfg.StorePath,
		maxSegmentBytes: cfg.MaxSegmentBytes,
		dispatcher:      cfg.Dispatcher,
		logger:          cfg.Logger,
		now:             cfg.Now,
	}
}

// Open creates the wal directory and the active segment, seeding nextSeq
// from the highest seq found across every existing segment.
func (a *Adapter) Open(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := os.MkdirAll(a.dir, 0o755); err != nil {
		return fmt.Errorf("wal: create dir: %w", err)
	}

	segments, err := a.segmentPaths()
	if err != nil {
		return err
	}
	for _, seg := range segments {
		raw, err := os.ReadFile(seg)
		if err != nil {
			continue
		}
		validLen, records := parseSegment(raw)
		if validLen < len(raw) && seg == a.activeSegmentPath() {
			tornTail := raw[validLen:]
			tornPath := fmt.Sprintf("%s.torn-%d", seg, a.now().UnixNano())
			_ = os.WriteFile(tornPath, tornTail, 0o644)
			_ = os.WriteFile(seg, raw[:validLen], 0o644)
		}
		for _, rec := range records {
			if rec.Seq >= a.nextSeq {
				a.nextSeq = rec.Seq + 1
			}
		}
	}

	a.activePath = a.activeSegmentPath()
	f, err := os.OpenFile(a.activePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return fmt.Errorf("wal: open active segment: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("wal: stat active segment: %w", err)
	}
	a.file = f
	a.size = info.Size()
	return nil
}

func (a *Adapter) activeSegmentPath() string {
	return filepath.Join(a.dir, activeSegmentName)
}

func (a *Adapter) segmentPaths() ([]string, error) {
	entries, err := os.ReadDir(a.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("wal: list segments: %w", err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".log") {
			continue
		}
		out = append(out, filepath.Join(a.dir, e.Name()))
	}
	sort.Strings(out)
	return out, nil
}

// Close releases the active segment's file handle.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file == nil {
		return nil
	}
	return a.file.Close()
}

// RecordTransition durably appends a WAL record before the caller invokes
// the corresponding CLI command (§4.11 "appends to the WAL (fsync)
// *before* the CLI command is invoked").
func (a *Adapter) RecordTransition(ctx context.Context, op Operation, targetID string, payload map[string]string) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	seq := a.nextSeq
	rec := Record{Seq: seq, TS: a.now().UnixNano(), Op: op, TargetID: targetID, Payload: payload}
	rec.Checksum = computeChecksum(rec)

	line, err := json.Marshal(rec)
	if err != nil {
		return 0, fmt.Errorf("wal: marshal record: %w", err)
	}
	line = append(line, '\n')

	if err := a.rotateIfNeeded(int64(len(line))); err != nil {
		return 0, err
	}

	if _, err := a.file.Write(line); err != nil {
		return 0, fmt.Errorf("wal: write record: %w", err)
	}
	if err := a.file.Sync(); err != nil {
		return 0, fmt.Errorf("wal: fsync: %w", err)
	}

	a.size += int64(len(line))
	a.nextSeq++
	return seq, nil
}

func (a *Adapter) rotateIfNeeded(nextWriteLen int64) error {
	if a.size+nextWriteLen <= a.maxSegmentBytes {
		return nil
	}
	if err := a.file.Close(); err != nil {
		return fmt.Errorf("wal: close segment for rotation: %w", err)
	}
	rotated := filepath.Join(a.dir, fmt.Sprintf("segment-%d.log", a.now().UnixNano()))
	if err := os.Rename(a.activePath, rotated); err != nil {
		return fmt.Errorf("wal: rotate segment: %w", err)
	}
	f, err := os.OpenFile(a.activePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return fmt.Errorf("wal: reopen active segment: %w", err)
	}
	a.file = f
	a.size = 0
	return nil
}

// Execute records the transition, then invokes the CLI command via the
// dispatcher. The record is never retracted on dispatch failure: replay
// will re-issue it on the next boot, and the external commands this
// adapter wraps are idempotent from the tracker's perspective (label/dep
// add-remove, close, comment) or tolerate a duplicate attempt.
func (a *Adapter) Execute(ctx context.Context, op Operation, targetID string, payload map[string]string) error {
	if _, err := a.RecordTransition(ctx, op, targetID, payload); err != nil {
		return err
	}
	return a.dispatcher.Dispatch(ctx, op, targetID, payload)
}

// parseSegment parses raw as newline-delimited JSON records, stopping at
// the first line that fails to parse (a torn final write). It returns the
// byte length consumed by valid lines and the records themselves,
// unverified — checksum verification happens in Replay, which may still
// skip individual corrupt-but-well-formed lines.
func parseSegment(raw []byte) (validLen int, records []Record) {
	scanner := bufio.NewScanner(bytes.NewReader(raw))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	offset := 0
	for scanner.Scan() {
		line := scanner.Bytes()
		lineLen := len(line) + 1
		if len(line) == 0 {
			offset += lineLen
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			break
		}
		records = append(records, rec)
		offset += lineLen
	}
	return offset, records
}

// ReplayResult reports one record's outcome during Replay.
type ReplayResult struct {
	Record  Record
	Skipped bool
	Err     error
}

// Replay streams every segment's entries in timestamp order, verifies
// each checksum (skipping corrupt entries with a warning rather than
// failing the whole replay), groups the surviving entries by targetId,
// and re-issues the corresponding CLI commands group by group, each
// group's entries still in timestamp order (§4.11).
func (a *Adapter) Replay(ctx context.Context) ([]ReplayResult, error) {
	a.mu.Lock()
	segments, err := a.segmentPaths()
	a.mu.Unlock()
	if err != nil {
		return nil, err
	}

	var all []Record
	for _, seg := range segments {
		raw, err := os.ReadFile(seg)
		if err != nil {
			continue
		}
		_, records := parseSegment(raw)
		all = append(all, records...)
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].TS < all[j].TS })

	var order []string
	groups := make(map[string][]Record)
	for _, rec := range all {
		if computeChecksum(rec) != rec.Checksum {
			a.logger.WithField("seq", rec.Seq).WithField("targetId", rec.TargetID).
				Warn("wal: skipping entry with invalid checksum")
			continue
		}
		if _, ok := groups[rec.TargetID]; !ok {
			order = append(order, rec.TargetID)
		}
		groups[rec.TargetID] = append(groups[rec.TargetID], rec)
	}

	var results []ReplayResult
	for _, targetID := range order {
		for _, rec := range groups[targetID] {
			if err := a.dispatcher.Dispatch(ctx, rec.Op, rec.TargetID, rec.Payload); err != nil {
				results = append(results, ReplayResult{Record: rec, Err: err})
				continue
			}
			results = append(results, ReplayResult{Record: rec})
		}
	}
	return results, nil
}

// NeedsRecovery compares the newest WAL entry's timestamp to the external
// CLI store's file mtime: a newer WAL entry means the CLI's own
// persistence lagged and replay is required.
func (a *Adapter) NeedsRecovery() (bool, error) {
	a.mu.Lock()
	segments, err := a.segmentPaths()
	a.mu.Unlock()
	if err != nil {
		return false, err
	}

	var newest int64
	for _, seg := range segments {
		raw, err := os.ReadFile(seg)
		if err != nil {
			continue
		}
		_, records := parseSegment(raw)
		for _, rec := range records {
			if rec.TS > newest {
				newest = rec.TS
			}
		}
	}
	if newest == 0 {
		return false, nil
	}

	info, err := os.Stat(a.storePath)
	if err != nil {
		if os.IsNotExist(err) {
			return true, nil
		}
		return false, fmt.Errorf("wal: stat store: %w", err)
	}
	return newest > info.ModTime().UnixNano(), nil
}

// VerifyIntegrity is a lightweight boot-time check surfacing
// CodeChecksumInvalid when any segment entry's checksum does not verify,
// without performing a replay. Callers that want the tolerant
// skip-and-warn behavior should call Replay directly instead.
func (a *Adapter) VerifyIntegrity() error {
	a.mu.Lock()
	segments, err := a.segmentPaths()
	a.mu.Unlock()
	if err != nil {
		return err
	}
	for _, seg := range segments {
		raw, err := os.ReadFile(seg)
		if err != nil {
			continue
		}
		_, records := parseSegment(raw)
		for _, rec := range records {
			if computeChecksum(rec) != rec.Checksum {
				return kernelerrors.New(kernelerrors.CodeChecksumInvalid, "wal entry checksum mismatch").
					WithDetails("seq", rec.Seq).WithDetails("targetId", rec.TargetID)
			}
		}
	}
	return nil
}
