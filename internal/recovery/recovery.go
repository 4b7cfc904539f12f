// Package recovery implements the Recovery Engine (§4.10): a state
// machine that verifies a signed integrity manifest on boot and, on
// mismatch, falls through an ordered restore cascade (mount -> vcs ->
// template) before resuming normal operation, with a sliding-window loop
// detector guarding against repeated restore failure. Grounded on
// infrastructure/fallback.Handler for the ordered-cascade-with-backoff
// shape, generalized from "retry the same function" to "try a different
// trusted source each attempt", and on the teacher's
// cmd/slctl/manifest.go Ed25519 signing pattern for the manifest itself.
package recovery

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/0xHoneyJar/loa-beauvoir-sub001/infrastructure/fallback"
	"github.com/0xHoneyJar/loa-beauvoir-sub001/infrastructure/logging"
)

// State is one node of the Recovery Engine's state machine (§4.10).
type State string

const (
	StateStart         State = "start"
	StateCheckIntegrity State = "check_integrity"
	StateIntegrityOK   State = "integrity_ok"
	StateRestoreMount  State = "restore_mount"
	StateRestoreVCS    State = "restore_vcs"
	StateRestoreTemplate State = "restore_template"
	StateVerifyRestore State = "verify_restore"
	StateRunning       State = "running"
	StateDegraded      State = "degraded"
	StateLoopDetected  State = "loop_detected"
)

// AuditSink is the one-method slice of internal/audit.Trail the engine
// needs, so a tampering event observed during restore gets a durable
// record without importing internal/audit directly.
type AuditSink interface {
	RecordIntent(ctx context.Context, action, target string, payload map[string]interface{}, dedupKey string) (int64, error)
}

// Outcome is the result of one Engine.Run pass.
type Outcome struct {
	State             State
	RestoreCount      int
	LastRestoreSource string
	Degraded          bool
	RetryAfter        time.Duration
	Err               error
}

// Config configures an Engine.
type Config struct {
	// DataDir is the directory whose manifest.json and listed files are
	// checked and, if necessary, restored.
	DataDir string
	// PrivateKey signs every manifest the engine regenerates after a
	// successful restore.
	PrivateKey ed25519.PrivateKey
	// TrustedPublicKey verifies DataDir's own manifest during
	// CHECK_INTEGRITY. If nil, that manifest's embedded public key is
	// trusted instead. Mount/vcs manifests are verified with the key
	// passed to NewMountSource/NewVCSSource, not this one.
	TrustedPublicKey ed25519.PublicKey

	Mount    Source
	VCS      Source
	Template Source

	// Cascade overrides the backoff between restore-source attempts.
	// Defaults to fallback.DefaultConfig().
	Cascade fallback.Config

	Audit AuditSink

	LoopMaxFailures int
	LoopWindow      time.Duration
	CoolDown        time.Duration

	Logger *logging.Logger
	Now    func() time.Time
}

// Engine is the Recovery Engine (§4.10).
type Engine struct {
	mu sync.Mutex

	dataDir    string
	privateKey ed25519.PrivateKey
	trustedPub ed25519.PublicKey

	mount    Source
	vcs      Source
	template Source
	cascade  *fallback.Handler

	audit AuditSink

	loopMaxFailures int
	loopWindow      time.Duration
	coolDown        time.Duration

	logger *logging.Logger
	now    func() time.Time

	failures          []time.Time
	restoreCount      int
	lastRestoreSource string
	degraded          bool
}

// New constructs an Engine.
func New(cfg Config) *Engine {
	if cfg.LoopMaxFailures <= 0 {
		cfg.LoopMaxFailures = 3
	}
	if cfg.LoopWindow <= 0 {
		cfg.LoopWindow = 5 * time.Minute
	}
	if cfg.CoolDown <= 0 {
		cfg.CoolDown = 30 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.New("recovery", "info", "text")
	}
	if cfg.Cascade == (fallback.Config{}) {
		cfg.Cascade = fallback.DefaultConfig()
	}
	return &Engine{
		dataDir:         cfg.DataDir,
		privateKey:      cfg.PrivateKey,
		trustedPub:      cfg.TrustedPublicKey,
		mount:           cfg.Mount,
		vcs:             cfg.VCS,
		template:        cfg.Template,
		cascade:         fallback.NewHandler(cfg.Cascade),
		audit:           cfg.Audit,
		loopMaxFailures: cfg.LoopMaxFailures,
		loopWindow:      cfg.LoopWindow,
		coolDown:        cfg.CoolDown,
		logger:          cfg.Logger,
		now:             cfg.Now,
	}
}

// Degraded reports whether the loop detector has tripped, the flag
// §4.10 requires be "observable to other subsystems".
func (e *Engine) Degraded() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.degraded
}

// Run drives one pass of the state machine: START -> CHECK_INTEGRITY,
// then either straight to RUNNING or through the restore cascade.
func (e *Engine) Run(ctx context.Context) Outcome {
	manifestPath := filepath.Join(e.dataDir, "manifest.json")

	manifest, files, err := e.loadLocal(manifestPath)
	if err == nil {
		return Outcome{State: StateRunning, RestoreCount: e.restoreCountSnapshot(), LastRestoreSource: e.lastSourceSnapshot()}
	}
	_ = manifest
	_ = files

	return e.restore(ctx)
}

// loadLocal implements CHECK_INTEGRITY: load the local manifest, verify
// its signature, and re-hash every listed file.
func (e *Engine) loadLocal(manifestPath string) (*Manifest, map[string][]byte, error) {
	raw, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, nil, fmt.Errorf("recovery: read local manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, nil, fmt.Errorf("recovery: decode local manifest: %w", err)
	}
	if err := VerifySignature(m, e.trustedPub); err != nil {
		return nil, nil, err
	}
	files := make(map[string][]byte, len(m.Files))
	for _, entry := range m.Files {
		content, err := os.ReadFile(filepath.Join(e.dataDir, entry.Path))
		if err != nil {
			return nil, nil, fmt.Errorf("recovery: read %q: %w", entry.Path, err)
		}
		files[entry.Path] = content
	}
	if err := VerifyChecksums(m, files); err != nil {
		return nil, nil, err
	}
	return &m, files, nil
}

// restore runs the mount -> vcs -> template cascade via
// infrastructure/fallback.Handler, each source function performing its
// own manifest/checksum verification so "success" here always means
// "verified", not merely "did not error".
func (e *Engine) restore(ctx context.Context) Outcome {
	type loaded struct {
		source string
		files  map[string][]byte
	}

	attempt := func(s Source) fallback.Func {
		return func(ctx context.Context) (interface{}, error) {
			files, _, err := s.Load(ctx)
			if err != nil {
				if e.audit != nil {
					_, _ = e.audit.RecordIntent(ctx, "restore_source_tamper_detected", s.Name(),
						map[string]interface{}{"reason": err.Error()}, "")
				}
				return nil, err
			}
			return loaded{source: s.Name(), files: files}, nil
		}
	}

	result := e.cascade.Execute(ctx, attempt(e.mount), attempt(e.vcs), attempt(e.template))
	if result.Err != nil {
		return e.recordFailure(result.Err)
	}

	won := result.Value.(loaded)
	if err := e.applyRestore(won.source, won.files); err != nil {
		return e.recordFailure(err)
	}

	e.mu.Lock()
	e.failures = nil
	e.degraded = false
	outcome := Outcome{State: StateRunning, RestoreCount: e.restoreCount, LastRestoreSource: e.lastRestoreSource}
	e.mu.Unlock()
	return outcome
}

// applyRestore implements VERIFY_RESTORE and Post-restore: write the
// winning source's files to dataDir, regenerate and sign a fresh
// manifest, bump restoreCount, and record lastRestoreSource.
func (e *Engine) applyRestore(source string, files map[string][]byte) error {
	if err := os.MkdirAll(e.dataDir, 0o755); err != nil {
		return fmt.Errorf("recovery: create data dir: %w", err)
	}
	for path, content := range files {
		full := filepath.Join(e.dataDir, path)
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return fmt.Errorf("recovery: create dir for %q: %w", path, err)
		}
		if err := os.WriteFile(full, content, 0o644); err != nil {
			return fmt.Errorf("recovery: write %q: %w", path, err)
		}
	}

	e.mu.Lock()
	e.restoreCount++
	e.lastRestoreSource = source
	restoreCount := e.restoreCount
	e.mu.Unlock()

	fresh := BuildManifest(files, restoreCount, source, e.now().UnixNano())
	Sign(&fresh, e.privateKey)

	raw, err := json.MarshalIndent(fresh, "", "  ")
	if err != nil {
		return fmt.Errorf("recovery: marshal fresh manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(e.dataDir, "manifest.json"), raw, 0o644); err != nil {
		return fmt.Errorf("recovery: write fresh manifest: %w", err)
	}
	return nil
}

// recordFailure implements the loop detector: a sliding window of
// failure timestamps. Crossing loopMaxFailures within loopWindow trips
// DEGRADED, exports the flag via Degraded(), and resets the counter
// after handing back a cool-down retry hint.
func (e *Engine) recordFailure(cause error) Outcome {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	e.failures = append(e.failures, now)
	cutoff := now.Add(-e.loopWindow)
	kept := e.failures[:0]
	for _, ts := range e.failures {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	e.failures = kept

	if len(e.failures) >= e.loopMaxFailures {
		e.degraded = true
		e.failures = nil
		return Outcome{
			State:      StateLoopDetected,
			Degraded:   true,
			RetryAfter: e.coolDown,
			Err:        cause,
		}
	}

	return Outcome{State: StateDegraded, Degraded: e.degraded, Err: cause}
}

func (e *Engine) restoreCountSnapshot() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.restoreCount
}

func (e *Engine) lastSourceSnapshot() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastRestoreSource
}
