// Package resilience implements the durability kernel's circuit breaker
// (§4.4): a classic three-state machine whose CLOSED->OPEN transition is
// driven by a rolling time window of classified failures instead of a
// plain consecutive-failure counter. The OPEN->HALF_OPEN lazy timeout and
// HALF_OPEN probe counting reuse github.com/sony/gobreaker/v2's state
// machine; only the trip decision is replaced with our own windowed
// count, fed by a pluggable classifier.
package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
)

// State mirrors gobreaker's three states under kernel-local names.
type State int

const (
	StateClosed   State = State(gobreaker.StateClosed)
	StateHalfOpen State = State(gobreaker.StateHalfOpen)
	StateOpen     State = State(gobreaker.StateOpen)
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

var (
	ErrCircuitOpen     = errors.New("circuit breaker is open")
	ErrTooManyRequests = errors.New("too many requests in half-open state")
)

// FailureClass is the classifier's output vocabulary (§4.4).
type FailureClass string

const (
	ClassTransient   FailureClass = "transient"
	ClassPermanent   FailureClass = "permanent"
	ClassExpected    FailureClass = "expected"
	ClassExternal    FailureClass = "external"
	ClassRateLimited FailureClass = "rate_limited"
)

// Classifiable lets a caller's error type carry the fields the default
// classifier inspects, without this package importing any HTTP client.
type Classifiable interface {
	StatusCode() int
	Headers() map[string]string
	Body() string
	NetworkCode() string
}

// ClassifyInput is what a Classifier decides a FailureClass from. Override
// takes precedence over every other field when set by the caller via
// WithOverride.
type ClassifyInput struct {
	StatusCode          int
	Headers             map[string]string
	Body                string
	NetworkErrCode      string
	ResourceShouldExist bool
	Override            *FailureClass
}

// Classifier maps a classification input to a FailureClass.
type Classifier func(ClassifyInput) FailureClass

// DefaultClassifier implements the precedence spelled out for the
// breaker: caller override, then rate-limit markers (429 status or a
// Retry-After header), then 404/422/5xx status defaults, then
// network-error codes, falling back to transient.
func DefaultClassifier(in ClassifyInput) FailureClass {
	if in.Override != nil {
		return *in.Override
	}

	if in.StatusCode == 429 {
		return ClassRateLimited
	}
	if _, ok := headerLookup(in.Headers, "retry-after"); ok {
		return ClassRateLimited
	}

	switch {
	case in.StatusCode == 404:
		if in.ResourceShouldExist {
			return ClassTransient
		}
		return ClassExpected
	case in.StatusCode == 422:
		return ClassPermanent
	case in.StatusCode >= 500 && in.StatusCode < 600:
		return ClassTransient
	}

	if in.NetworkErrCode != "" {
		return ClassExternal
	}

	return ClassTransient
}

func headerLookup(headers map[string]string, key string) (string, bool) {
	for k, v := range headers {
		if equalFold(k, key) {
			return v, true
		}
	}
	return "", false
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

// failureRecord is one entry in the rolling window.
type failureRecord struct {
	at    time.Time
	class FailureClass
}

// Config configures a Breaker.
type Config struct {
	RollingWindow      time.Duration
	FailureThreshold   int
	OpenDuration       time.Duration
	HalfOpenProbeCount int
	CountableClasses   map[FailureClass]bool
	Classifier         Classifier
	OnStateChange      func(from, to State)
	Clock              func() time.Time
}

// DefaultConfig returns sensible defaults: rate_limited, transient and
// external failures count toward the threshold; expected (e.g. a 404 for
// a resource that is allowed to be absent) and permanent (e.g. a 422
// validation error that a retry cannot fix) do not.
func DefaultConfig() Config {
	return Config{
		RollingWindow:      30 * time.Second,
		FailureThreshold:   5,
		OpenDuration:       30 * time.Second,
		HalfOpenProbeCount: 3,
		CountableClasses: map[FailureClass]bool{
			ClassTransient:   true,
			ClassExternal:    true,
			ClassRateLimited: true,
		},
		Classifier: DefaultClassifier,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.RollingWindow <= 0 {
		c.RollingWindow = d.RollingWindow
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.OpenDuration <= 0 {
		c.OpenDuration = d.OpenDuration
	}
	if c.HalfOpenProbeCount <= 0 {
		c.HalfOpenProbeCount = d.HalfOpenProbeCount
	}
	if c.CountableClasses == nil {
		c.CountableClasses = d.CountableClasses
	}
	if c.Classifier == nil {
		c.Classifier = DefaultClassifier
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

// Breaker is the rolling-window circuit breaker.
type Breaker struct {
	mu     sync.Mutex
	window []failureRecord
	cfg    Config
	gb     *gobreaker.CircuitBreaker[any]
}

// New constructs a Breaker. name labels OnStateChange callbacks.
func New(name string, cfg Config) *Breaker {
	cfg.applyDefaults()
	cb := &Breaker{cfg: cfg}

	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: uint32(cfg.HalfOpenProbeCount),
		Interval:    0,
		Timeout:     cfg.OpenDuration,
		ReadyToTrip: func(gobreaker.Counts) bool {
			return cb.countableCount(cfg.Clock()) >= cfg.FailureThreshold
		},
	}
	if cfg.OnStateChange != nil {
		settings.OnStateChange = func(_ string, from, to gobreaker.State) {
			cfg.OnStateChange(State(from), State(to))
		}
	}

	cb.gb = gobreaker.NewCircuitBreaker[any](settings)
	return cb
}

// State returns the breaker's current state, lazily resolving an
// OPEN->HALF_OPEN transition if the open duration has elapsed.
func (cb *Breaker) State() State {
	return State(cb.gb.State())
}

// ExecuteOption customizes the ClassifyInput derived for one call.
type ExecuteOption func(*ClassifyInput)

// WithOverride forces a specific classification for this call,
// regardless of what the error or any Classifiable fields say.
func WithOverride(class FailureClass) ExecuteOption {
	return func(in *ClassifyInput) { in.Override = &class }
}

// WithResourceShouldExist tells the default classifier that a 404 in
// this call represents an unexpected absence (transient) rather than an
// expected one.
func WithResourceShouldExist(v bool) ExecuteOption {
	return func(in *ClassifyInput) { in.ResourceShouldExist = v }
}

// Execute fast-fails with ErrCircuitOpen/ErrTooManyRequests when the
// breaker is not CLOSED or accepting HALF_OPEN probes; otherwise it runs
// fn and routes the outcome through RecordSuccess/RecordFailure.
func (cb *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error, opts ...ExecuteOption) error {
	var in ClassifyInput
	for _, opt := range opts {
		opt(&in)
	}

	_, err := cb.gb.Execute(func() (any, error) {
		callErr := fn(ctx)
		cb.record(callErr, in)
		return nil, callErr
	})
	return mapGobreakerError(err)
}

func (cb *Breaker) record(err error, in ClassifyInput) {
	now := cb.cfg.Clock()

	if err == nil {
		cb.RecordSuccess()
		return
	}

	if in.Override == nil {
		if c, ok := err.(Classifiable); ok {
			in.StatusCode = c.StatusCode()
			in.Headers = c.Headers()
			in.Body = c.Body()
			in.NetworkErrCode = c.NetworkCode()
		}
	}

	class := cb.cfg.Classifier(in)
	cb.RecordFailure(class)
	_ = now
}

// RecordFailure appends a (now, class) entry to the rolling window.
func (cb *Breaker) RecordFailure(class FailureClass) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	now := cb.cfg.Clock()
	cb.window = append(cb.window, failureRecord{at: now, class: class})
	cb.pruneLocked(now)
}

// RecordSuccess removes the oldest failure from the window. In HALF_OPEN,
// gobreaker's own consecutive-success counting (via MaxRequests) governs
// the HALF_OPEN->CLOSED transition, so this is a no-op against the
// window in that state.
func (cb *Breaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	now := cb.cfg.Clock()
	cb.pruneLocked(now)

	if State(cb.gb.State()) == StateHalfOpen {
		return
	}
	if len(cb.window) > 0 {
		cb.window = cb.window[1:]
	}
}

func (cb *Breaker) pruneLocked(now time.Time) {
	cutoff := now.Add(-cb.cfg.RollingWindow)
	i := 0
	for ; i < len(cb.window); i++ {
		if cb.window[i].at.After(cutoff) {
			break
		}
	}
	if i > 0 {
		cb.window = cb.window[i:]
	}
}

// countableCount returns the number of countable-class failures
// currently within the rolling window, as of now.
func (cb *Breaker) countableCount(now time.Time) int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.pruneLocked(now)

	count := 0
	for _, rec := range cb.window {
		if cb.cfg.CountableClasses[rec.class] {
			count++
		}
	}
	return count
}

func mapGobreakerError(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) {
		return ErrCircuitOpen
	}
	if errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrTooManyRequests
	}
	return err
}
