package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeErr struct {
	status  int
	headers map[string]string
	code    string
}

func (e fakeErr) Error() string               { return "fake error" }
func (e fakeErr) StatusCode() int             { return e.status }
func (e fakeErr) Headers() map[string]string  { return e.headers }
func (e fakeErr) Body() string                { return "" }
func (e fakeErr) NetworkCode() string         { return e.code }

func TestDefaultClassifierPrecedence(t *testing.T) {
	expected := ClassExpected
	require.Equal(t, ClassExpected, DefaultClassifier(ClassifyInput{StatusCode: 429, Override: &expected}))
	require.Equal(t, ClassRateLimited, DefaultClassifier(ClassifyInput{StatusCode: 429}))
	require.Equal(t, ClassRateLimited, DefaultClassifier(ClassifyInput{StatusCode: 403, Headers: map[string]string{"Retry-After": "5"}}))
	require.Equal(t, ClassExpected, DefaultClassifier(ClassifyInput{StatusCode: 404}))
	require.Equal(t, ClassTransient, DefaultClassifier(ClassifyInput{StatusCode: 404, ResourceShouldExist: true}))
	require.Equal(t, ClassPermanent, DefaultClassifier(ClassifyInput{StatusCode: 422}))
	require.Equal(t, ClassExternal, DefaultClassifier(ClassifyInput{NetworkErrCode: "ECONNRESET"}))
	require.Equal(t, ClassTransient, DefaultClassifier(ClassifyInput{}))
}

func TestBreakerOpensOnFailureThresholdWithinWindow(t *testing.T) {
	now := time.Now()
	cfg := DefaultConfig()
	cfg.FailureThreshold = 1
	cfg.RollingWindow = time.Minute
	cfg.Clock = func() time.Time { return now }

	cb := New("test", cfg)
	require.Equal(t, StateClosed, cb.State())

	err := cb.Execute(context.Background(), func(ctx context.Context) error {
		return fakeErr{status: 500}
	})
	require.Error(t, err)
	require.Equal(t, StateOpen, cb.State())
}

func TestBreakerExecuteFastFailsWhenOpen(t *testing.T) {
	now := time.Now()
	cfg := DefaultConfig()
	cfg.FailureThreshold = 1
	cfg.Clock = func() time.Time { return now }

	cb := New("test", cfg)
	_ = cb.Execute(context.Background(), func(ctx context.Context) error {
		return fakeErr{status: 500}
	})
	require.Equal(t, StateOpen, cb.State())

	err := cb.Execute(context.Background(), func(ctx context.Context) error {
		return nil
	})
	require.ErrorIs(t, err, ErrCircuitOpen)
}

func TestBreakerDoesNotCountNonCountableClasses(t *testing.T) {
	now := time.Now()
	cfg := DefaultConfig()
	cfg.FailureThreshold = 1
	cfg.Clock = func() time.Time { return now }

	cb := New("test", cfg)
	err := cb.Execute(context.Background(), func(ctx context.Context) error {
		return fakeErr{status: 422}
	})
	require.Error(t, err)
	require.Equal(t, StateClosed, cb.State())
}

func TestBreakerWindowExpiresOldFailures(t *testing.T) {
	now := time.Now()
	clock := now
	cfg := DefaultConfig()
	cfg.FailureThreshold = 2
	cfg.RollingWindow = 10 * time.Second
	cfg.Clock = func() time.Time { return clock }

	cb := New("test", cfg)
	_ = cb.Execute(context.Background(), func(ctx context.Context) error {
		return fakeErr{status: 500}
	})
	require.Equal(t, StateClosed, cb.State())

	clock = now.Add(20 * time.Second)
	require.Equal(t, 0, cb.countableCount(clock))
}

func TestRecordFailureWithOverrideError(t *testing.T) {
	cb := New("test", DefaultConfig())
	cb.RecordFailure(ClassPermanent)
	require.Equal(t, 0, cb.countableCount(time.Now().Add(time.Hour)))
}

func TestExecuteSuccessLeavesBreakerClosed(t *testing.T) {
	cb := New("test", DefaultConfig())
	err := cb.Execute(context.Background(), func(ctx context.Context) error {
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, StateClosed, cb.State())
}

func TestMapGobreakerErrorPassesThroughUnrelated(t *testing.T) {
	custom := errors.New("boom")
	require.Equal(t, custom, mapGobreakerError(custom))
}
