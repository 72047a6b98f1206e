package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// recordingTimer fires immediately and captures the requested delays.
type recordingTimer struct {
	delays []time.Duration
	c      chan time.Time
}

func newRecordingTimer() *recordingTimer {
	return &recordingTimer{c: make(chan time.Time, 1)}
}

func (r *recordingTimer) Start(d time.Duration) {
	r.delays = append(r.delays, d)
	r.c <- time.Time{}
}

func (r *recordingTimer) Stop()               {}
func (r *recordingTimer) C() <-chan time.Time { return r.c }

func testPolicy(timer *recordingTimer) Policy {
	p := DefaultPolicy()
	p.Timer = timer
	return p
}

func TestDoFailsAfterExactlyThreeAttempts(t *testing.T) {
	timer := newRecordingTimer()
	calls := 0
	boom := errors.New("download failed")

	err := Do(context.Background(), testPolicy(timer), func(context.Context, int) error {
		calls++
		return boom
	})

	require.Error(t, err)
	require.Equal(t, 3, calls)
	require.Equal(t, []time.Duration{time.Second, time.Second}, timer.delays)
	require.True(t, IsExhausted(err))
	require.ErrorIs(t, err, boom)

	var exhausted *ExhaustedError
	require.True(t, errors.As(err, &exhausted))
	require.Equal(t, 3, exhausted.Attempts)
}

func TestDoSucceedsAfterTransientFailure(t *testing.T) {
	timer := newRecordingTimer()
	var attempts []int

	v, err := DoValue(context.Background(), testPolicy(timer), func(_ context.Context, attempt int) (string, error) {
		attempts = append(attempts, attempt)
		if attempt < 2 {
			return "", errors.New("temporary")
		}
		return "ok", nil
	})

	require.NoError(t, err)
	require.Equal(t, "ok", v)
	require.Equal(t, []int{1, 2}, attempts)
	require.Len(t, timer.delays, 1)
}

func TestPermanentErrorStopsImmediately(t *testing.T) {
	timer := newRecordingTimer()
	notFound := errors.New("no reference image")
	calls := 0

	err := Do(context.Background(), testPolicy(timer), func(context.Context, int) error {
		calls++
		return Permanent(notFound)
	})

	require.Equal(t, 1, calls)
	require.Empty(t, timer.delays)
	require.ErrorIs(t, err, notFound)
	require.False(t, IsPermanent(err), "the marker is stripped before returning")
	require.False(t, IsExhausted(err))
}

func TestRetryablePredicate(t *testing.T) {
	timer := newRecordingTimer()
	fatal := errors.New("fatal")
	p := testPolicy(timer)
	p.Retryable = func(err error) bool { return !errors.Is(err, fatal) }
	calls := 0

	err := Do(context.Background(), p, func(context.Context, int) error {
		calls++
		return fatal
	})

	require.ErrorIs(t, err, fatal)
	require.False(t, IsExhausted(err))
	require.Equal(t, 1, calls)
}

// cancellingTimer cancels the context instead of firing.
type cancellingTimer struct {
	cancel context.CancelFunc
}

func (c cancellingTimer) Start(time.Duration) { c.cancel() }
func (c cancellingTimer) Stop()               {}
func (c cancellingTimer) C() <-chan time.Time { return nil }

func TestCancelledContextStopsLoop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	p := DefaultPolicy()
	p.Timer = cancellingTimer{cancel: cancel}

	err := Do(ctx, p, func(context.Context, int) error {
		calls++
		return errors.New("unreachable host")
	})

	require.ErrorIs(t, err, context.Canceled)
	require.False(t, IsExhausted(err))
	require.Equal(t, 1, calls)
}

func TestDoneContextSkipsFirstAttempt(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0

	err := Do(ctx, DefaultPolicy(), func(context.Context, int) error {
		calls++
		return nil
	})

	require.ErrorIs(t, err, context.Canceled)
	require.Zero(t, calls)
}

func TestZeroAttemptsMeansOne(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Policy{}, func(context.Context, int) error {
		calls++
		return errors.New("timeout")
	})

	require.True(t, IsExhausted(err))
	require.Equal(t, 1, calls)
}
