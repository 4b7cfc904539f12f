// Package workqueue implements the Work Queue (§4.9): bounded-time
// sessions, one task per session, claimed from the external tracker's
// `ready`-labeled tasks on each scheduler tick and driven through an
// external agent child process. Grounded on the teacher's scheduler
// callback pattern (internal/app/services/automation) generalized from a
// fixed job list into a claim/execute/release state machine over
// internal/trackercli.
package workqueue

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/0xHoneyJar/loa-beauvoir-sub001/infrastructure/cache"
	"github.com/0xHoneyJar/loa-beauvoir-sub001/infrastructure/metrics"
	"github.com/0xHoneyJar/loa-beauvoir-sub001/internal/trackercli"
)

// Tracker is the subset of trackercli.Client's methods the Work Queue
// needs, narrowed to an interface so tests can substitute a fake tracker
// instead of spawning a real CLI process.
type Tracker interface {
	List(ctx context.Context, label, status string) ([]trackercli.Task, error)
	Show(ctx context.Context, id string) (trackercli.Task, error)
	LabelAdd(ctx context.Context, id, label string) error
	LabelRemove(ctx context.Context, id, label string) error
	CommentAdd(ctx context.Context, id, text string) error
	CommentsList(ctx context.Context, id string) ([]trackercli.Comment, error)
	Close(ctx context.Context, id string) error
}

const (
	labelReady      = "ready"
	labelInProgress = "in_progress"
	labelBlocked    = "blocked"
	labelDone       = "done"
	sessionLabelPfx = "session:"

	handoffBegin = "--- SESSION HANDOFF ---"
	handoffEnd   = "--- END HANDOFF ---"
)

// RunState is the system state the Claim step checks before acting.
type RunState string

const (
	StateRunning RunState = "running"
	StateStopped RunState = "stopped"
)

// Handoff is the structured payload recordHandoff posts as a comment and
// getPreviousHandoff parses back.
type Handoff struct {
	SessionID    string
	FilesChanged []string
	CurrentState string
	NextSteps    string
	TokensUsed   int64
	Timestamp    time.Time
}

// SessionResult classifies how Execute's child process ended.
type SessionResult string

const (
	SessionSuccess SessionResult = "success"
	SessionTimeout SessionResult = "timeout"
	SessionError   SessionResult = "error"
)

// AgentSpawner launches the external agent for a claimed task and
// returns how the session ended. A one-method interface so tests can
// substitute a fake without spawning a real process.
type AgentSpawner interface {
	Spawn(ctx context.Context, taskID, sessionID string, timeout time.Duration) (SessionResult, error)
}

// execSpawner runs command as the agent session, honoring a hard
// wall-clock timeout via context cancellation.
type execSpawner struct {
	command []string
}

// NewExecSpawner builds an AgentSpawner that runs command (binary plus
// args) as the session process. taskID and sessionID are appended as the
// final two arguments.
func NewExecSpawner(command ...string) AgentSpawner {
	return &execSpawner{command: command}
}

func (s *execSpawner) Spawn(ctx context.Context, taskID, sessionID string, timeout time.Duration) (SessionResult, error) {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := append(append([]string{}, s.command[1:]...), taskID, sessionID)
	cmd := exec.CommandContext(runCtx, s.command[0], args...)
	out, err := cmd.CombinedOutput()

	if err == nil {
		return SessionSuccess, nil
	}
	if runCtx.Err() == context.DeadlineExceeded {
		return SessionTimeout, fmt.Errorf("workqueue: session %s timed out: %s", sessionID, string(out))
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() && status.Signal() == syscall.SIGTERM {
			return SessionTimeout, fmt.Errorf("workqueue: session %s killed by SIGTERM: %s", sessionID, string(out))
		}
	}
	return SessionError, fmt.Errorf("workqueue: session %s failed: %s: %w", sessionID, string(out), err)
}

// Queue drives the claim/execute/release cycle against an external
// tracker.
type Queue struct {
	tracker        Tracker
	spawner        AgentSpawner
	sessionTimeout time.Duration
	now            func() time.Time
	handoffCache   *cache.TTLCache[*Handoff]
}

// Config configures a Queue.
type Config struct {
	Tracker        Tracker
	Spawner        AgentSpawner
	SessionTimeout time.Duration
	Now            func() time.Time
}

// New constructs a Queue.
func New(cfg Config) *Queue {
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = 30 * time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Queue{
		tracker:        cfg.Tracker,
		spawner:        cfg.Spawner,
		sessionTimeout: cfg.SessionTimeout,
		now:            cfg.Now,
		handoffCache:   cache.NewTTLCache[*Handoff](time.Minute),
	}
}

// Tick runs one claim/execute/release cycle. No-op (and no external CLI
// calls) when state is not "running".
func (q *Queue) Tick(ctx context.Context, state RunState) error {
	if state != StateRunning {
		return nil
	}

	task, sessionID, err := q.claim(ctx)
	if err != nil {
		return fmt.Errorf("workqueue: claim: %w", err)
	}
	if task == nil {
		return nil
	}

	result, execErr := q.spawner.Spawn(ctx, task.ID, sessionID, q.sessionTimeout)

	switch result {
	case SessionSuccess:
		return q.release(ctx, task.ID, true, "session completed successfully")
	case SessionTimeout:
		return q.release(ctx, task.ID, false, fmt.Sprintf("session %s timed out", sessionID))
	default:
		msg := "session error"
		if execErr != nil {
			msg = execErr.Error()
		}
		if err := q.tracker.CommentAdd(ctx, task.ID, "session failed: "+truncate(msg, 500)); err != nil {
			return err
		}
		return q.release(ctx, task.ID, false, msg)
	}
}

// claim implements §4.9 "Claim": list ready tasks sorted by priority,
// pick the first, label it, and TOCTOU re-check before treating the
// claim as won.
func (q *Queue) claim(ctx context.Context) (*trackercli.Task, string, error) {
	ready, err := q.tracker.List(ctx, labelReady, "")
	if err != nil {
		return nil, "", err
	}
	if len(ready) == 0 {
		metrics.Global().RecordQueueClaim("kernel", "none")
		return nil, "", nil
	}
	sort.SliceStable(ready, func(i, j int) bool { return ready[i].Priority < ready[j].Priority })
	task := ready[0]

	sessionID := uuid.NewString()
	claimedAt := q.now()

	if err := q.tracker.LabelRemove(ctx, task.ID, labelReady); err != nil {
		return nil, "", err
	}
	if err := q.tracker.LabelAdd(ctx, task.ID, labelInProgress); err != nil {
		return nil, "", err
	}
	sessionLabel := sessionLabelPfx + sessionID
	if err := q.tracker.LabelAdd(ctx, task.ID, sessionLabel); err != nil {
		return nil, "", err
	}
	if err := q.tracker.CommentAdd(ctx, task.ID, fmt.Sprintf("Claimed by session %s at %s", sessionID, claimedAt.Format(time.RFC3339))); err != nil {
		return nil, "", err
	}

	// TOCTOU re-check.
	fresh, err := q.tracker.Show(ctx, task.ID)
	if err != nil {
		return nil, "", err
	}
	if len(fresh.SessionLabels()) > 1 {
		// Another claimant won the race; back off.
		_ = q.tracker.LabelRemove(ctx, task.ID, sessionLabel)
		_ = q.tracker.LabelRemove(ctx, task.ID, labelInProgress)
		_ = q.tracker.LabelAdd(ctx, task.ID, labelReady)
		metrics.Global().RecordQueueClaim("kernel", "lost_race")
		return nil, "", nil
	}

	metrics.Global().RecordQueueClaim("kernel", "claimed")
	return &task, sessionID, nil
}

// release implements §4.9 "Release": done closes the task; blocked does
// not.
func (q *Queue) release(ctx context.Context, taskID string, done bool, reason string) error {
	if err := q.tracker.LabelRemove(ctx, taskID, labelInProgress); err != nil {
		return err
	}
	if done {
		if err := q.tracker.LabelAdd(ctx, taskID, labelDone); err != nil {
			return err
		}
		if err := q.tracker.CommentAdd(ctx, taskID, "Completed at "+q.now().Format(time.RFC3339)); err != nil {
			return err
		}
		return q.tracker.Close(ctx, taskID)
	}
	if err := q.tracker.LabelAdd(ctx, taskID, labelBlocked); err != nil {
		return err
	}
	return q.tracker.CommentAdd(ctx, taskID, "Blocked: "+reason)
}

// RecordHandoff posts a strictly-formatted handoff comment.
func (q *Queue) RecordHandoff(ctx context.Context, taskID string, h Handoff) error {
	var b strings.Builder
	b.WriteString(handoffBegin + "\n")
	fmt.Fprintf(&b, "sessionId: %s\n", h.SessionID)
	fmt.Fprintf(&b, "filesChanged: %s\n", strings.Join(h.FilesChanged, ","))
	fmt.Fprintf(&b, "currentState: %s\n", h.CurrentState)
	fmt.Fprintf(&b, "nextSteps: %s\n", h.NextSteps)
	fmt.Fprintf(&b, "tokensUsed: %d\n", h.TokensUsed)
	fmt.Fprintf(&b, "timestamp: %s\n", h.Timestamp.Format(time.RFC3339))
	b.WriteString(handoffEnd)

	q.handoffCache.Delete(ctx, taskID)
	return q.tracker.CommentAdd(ctx, taskID, b.String())
}

// GetPreviousHandoff scans comments newest-first for a handoff block,
// falling back to the task description for backward compatibility.
// Results are cached briefly since re-parsing the full comment history on
// every claim tick would make this scan run far more often than the
// handoff actually changes.
func (q *Queue) GetPreviousHandoff(ctx context.Context, taskID string) (*Handoff, error) {
	if cached, ok := q.handoffCache.Get(ctx, taskID); ok {
		return cached, nil
	}

	comments, err := q.tracker.CommentsList(ctx, taskID)
	if err != nil {
		return nil, err
	}
	for i := len(comments) - 1; i >= 0; i-- {
		if h := parseHandoff(comments[i].Body); h != nil {
			q.handoffCache.Set(ctx, taskID, h)
			return h, nil
		}
	}

	task, err := q.tracker.Show(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if h := parseHandoff(task.Description); h != nil {
		q.handoffCache.Set(ctx, taskID, h)
		return h, nil
	}
	return nil, nil
}

func parseHandoff(body string) *Handoff {
	start := strings.Index(body, handoffBegin)
	end := strings.Index(body, handoffEnd)
	if start < 0 || end < 0 || end < start {
		return nil
	}
	block := body[start+len(handoffBegin) : end]

	h := &Handoff{}
	scanner := bufio.NewScanner(strings.NewReader(block))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.TrimSpace(key) {
		case "sessionId":
			h.SessionID = value
		case "filesChanged":
			if value != "" {
				h.FilesChanged = strings.Split(value, ",")
			}
		case "currentState":
			h.CurrentState = value
		case "nextSteps":
			h.NextSteps = value
		case "tokensUsed":
			if n, err := strconv.ParseInt(value, 10, 64); err == nil {
				h.TokensUsed = n
			}
		case "timestamp":
			if ts, err := time.Parse(time.RFC3339, value); err == nil {
				h.Timestamp = ts
			}
		}
	}
	return h
}

// RecoverStaleSessions implements §4.9's periodic stale-session pass:
// for every in_progress task, parse the claim timestamp from comments;
// if elapsed exceeds the session timeout, release it back to ready.
// Malformed timestamps are skipped, not recovered, to avoid false
// positives.
func (q *Queue) RecoverStaleSessions(ctx context.Context) error {
	inProgress, err := q.tracker.List(ctx, labelInProgress, "")
	if err != nil {
		return err
	}
	for _, task := range inProgress {
		claimedAt, ok, err := q.parseClaimTimestamp(ctx, task.ID)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if q.now().Sub(claimedAt) <= q.sessionTimeout {
			continue
		}
		if err := q.recoverOne(ctx, task); err != nil {
			return err
		}
		metrics.Global().StaleRecovered.Inc()
	}
	return nil
}

func (q *Queue) parseClaimTimestamp(ctx context.Context, taskID string) (time.Time, bool, error) {
	comments, err := q.tracker.CommentsList(ctx, taskID)
	if err != nil {
		return time.Time{}, false, err
	}
	for i := len(comments) - 1; i >= 0; i-- {
		body := comments[i].Body
		const prefix = "Claimed by session "
		idx := strings.Index(body, prefix)
		if idx < 0 {
			continue
		}
		rest := body[idx+len(prefix):]
		atIdx := strings.Index(rest, " at ")
		if atIdx < 0 {
			continue
		}
		ts, err := time.Parse(time.RFC3339, strings.TrimSpace(rest[atIdx+len(" at "):]))
		if err != nil {
			// Malformed timestamp: skipped, not recovered.
			continue
		}
		return ts, true, nil
	}
	return time.Time{}, false, nil
}

func (q *Queue) recoverOne(ctx context.Context, task trackercli.Task) error {
	if err := q.tracker.LabelRemove(ctx, task.ID, labelInProgress); err != nil {
		return err
	}
	for _, sl := range task.SessionLabels() {
		if err := q.tracker.LabelRemove(ctx, task.ID, sl); err != nil {
			return err
		}
	}
	if err := q.tracker.LabelAdd(ctx, task.ID, labelReady); err != nil {
		return err
	}
	return q.tracker.CommentAdd(ctx, task.ID, "stale session detected, returned to ready")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
