package async

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/meltica-md/errs"
)

func TestSchedulerRunsJobRepeatedly(t *testing.T) {
	s := NewScheduler(context.Background(), nil)
	defer s.Stop()

	runs := make(chan struct{}, 8)
	require.NoError(t, s.Every("refresh", 5*time.Millisecond, func(context.Context) error {
		select {
		case runs <- struct{}{}:
		default:
		}
		return nil
	}))

	for i := 0; i < 3; i++ {
		select {
		case <-runs:
		case <-time.After(time.Second):
			t.Fatalf("expected run %d", i+1)
		}
	}
}

func TestSchedulerStopInterruptsSleep(t *testing.T) {
	s := NewScheduler(context.Background(), nil)
	var ran atomic.Bool
	require.NoError(t, s.Every("keepalive", time.Hour, func(context.Context) error {
		ran.Store(true)
		return nil
	}))

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatalf("stop did not interrupt the sleeping job")
	}
	if ran.Load() {
		t.Fatalf("job must not run after stop")
	}
}

func TestSchedulerStopWaitsForRunningUnit(t *testing.T) {
	s := NewScheduler(context.Background(), nil)
	started := make(chan struct{})
	release := make(chan struct{})
	var ctxErr atomic.Value

	var once atomic.Bool
	require.NoError(t, s.Every("refresh", time.Millisecond, func(ctx context.Context) error {
		if !once.CompareAndSwap(false, true) {
			return nil
		}
		close(started)
		<-release
		if err := ctx.Err(); err != nil {
			ctxErr.Store(err)
		}
		return nil
	}))

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatalf("job never started")
	}

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatalf("stop returned while a unit was running")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatalf("stop did not return after the unit finished")
	}
	if v := ctxErr.Load(); v != nil {
		t.Fatalf("running unit saw cancelled context: %v", v)
	}
}

func TestSchedulerJobErrorsDoNotStopLoop(t *testing.T) {
	s := NewScheduler(context.Background(), nil)
	defer s.Stop()

	var calls atomic.Int32
	require.NoError(t, s.Every("flaky", 2*time.Millisecond, func(context.Context) error {
		if calls.Add(1) == 1 {
			panic("boom")
		}
		return errors.New("venue down")
	}))
	require.Eventually(t, func() bool { return calls.Load() >= 3 }, time.Second, 5*time.Millisecond)
}

func TestSchedulerValidation(t *testing.T) {
	s := NewScheduler(context.Background(), nil)
	noop := func(context.Context) error { return nil }

	require.True(t, errs.Is(s.Every("", time.Second, noop), errs.CodeInvalid))
	require.True(t, errs.Is(s.Every("job", 0, noop), errs.CodeInvalid))
	require.True(t, errs.Is(s.Every("job", time.Second, nil), errs.CodeInvalid))
	require.NoError(t, s.Every("job", time.Second, noop))
	require.True(t, errs.Is(s.Every("job", time.Second, noop), errs.CodeInvalid))
	require.Equal(t, 1, s.Jobs())

	s.Stop()
	s.Stop()
	require.True(t, errs.Is(s.Every("late", time.Second, noop), errs.CodeUnavailable))
}

func TestSchedulerParentCancellation(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	s := NewScheduler(parent, nil)
	require.NoError(t, s.Every("refresh", time.Hour, func(context.Context) error { return nil }))
	cancel()

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("scheduler did not stop after parent cancellation")
	}
}
