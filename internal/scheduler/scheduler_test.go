package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func counting(n *atomic.Int32, err error) Action {
	return func(context.Context) error {
		n.Add(1)
		return err
	}
}

func TestCoalesceWindow(t *testing.T) {
	assert.Equal(t, 5100*time.Millisecond, coalesceWindow(10*time.Second))
	assert.Equal(t, 100*time.Millisecond, coalesceWindow(0))
}

func TestScheduleInCoalesces(t *testing.T) {
	s := New(nil, nil)
	defer s.Close()

	var fired atomic.Int32
	f := counting(&fired, nil)
	require.True(t, s.ScheduleIn(300*time.Millisecond, "v1", f))
	time.Sleep(50 * time.Millisecond)
	assert.False(t, s.ScheduleIn(300*time.Millisecond, "v1", f))
	assert.Equal(t, 1, s.Pending())

	// another bucket is independent
	var other atomic.Int32
	assert.True(t, s.ScheduleIn(300*time.Millisecond, "v2", counting(&other, nil)))

	time.Sleep(400 * time.Millisecond)
	assert.Equal(t, int32(1), fired.Load())
	assert.Equal(t, int32(1), other.Load())
	// both re-armed themselves
	assert.Equal(t, 2, s.Pending())
}

func TestScheduleInOutsideWindow(t *testing.T) {
	s := New(nil, nil)
	defer s.Close()

	var fired atomic.Int32
	f := counting(&fired, nil)
	assert.True(t, s.ScheduleIn(time.Second, "v1", f))
	// 3s away from the pending timer, window is 100ms + 1.5s
	assert.True(t, s.ScheduleIn(4*time.Second, "v1", f))
	assert.Equal(t, 2, s.Pending())
}

func TestFailingActionKeepsCadence(t *testing.T) {
	s := New(nil, nil)
	defer s.Close()

	var fired atomic.Int32
	s.ScheduleIn(20*time.Millisecond, "v1", counting(&fired, errors.New("datastore unavailable")))
	assert.Eventually(t, func() bool { return fired.Load() >= 3 }, 2*time.Second, 10*time.Millisecond)
}

func TestPanickingActionKeepsCadence(t *testing.T) {
	s := New(nil, nil)
	defer s.Close()

	var fired atomic.Int32
	s.ScheduleIn(20*time.Millisecond, "v1", func(context.Context) error {
		fired.Add(1)
		panic("boom")
	})
	assert.Eventually(t, func() bool { return fired.Load() >= 2 }, 2*time.Second, 10*time.Millisecond)
}

func TestLimitedRetryGivesUp(t *testing.T) {
	s := New(LimitedRetry(2), nil)
	defer s.Close()

	var fired atomic.Int32
	s.ScheduleIn(10*time.Millisecond, "v1", counting(&fired, errors.New("no route to host")))
	assert.Eventually(t, func() bool {
		return fired.Load() == 3 && s.Pending() == 0
	}, 2*time.Second, 5*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(3), fired.Load())
}

func TestErrDoneEndsCadence(t *testing.T) {
	s := New(nil, nil)
	defer s.Close()

	var fired atomic.Int32
	s.ScheduleIn(10*time.Millisecond, "v1", counting(&fired, fmt.Errorf("vehicle gone: %w", ErrDone)))
	assert.Eventually(t, func() bool {
		return fired.Load() == 1 && s.Pending() == 0
	}, 2*time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), fired.Load())
	// the bucket can be armed again
	assert.True(t, s.ScheduleIn(10*time.Millisecond, "v1", counting(&fired, ErrDone)))
}

func TestCloseCancelsPending(t *testing.T) {
	s := New(nil, nil)

	var fired atomic.Int32
	s.ScheduleIn(50*time.Millisecond, "v1", counting(&fired, nil))
	s.ScheduleIn(50*time.Millisecond, "v2", counting(&fired, nil))
	s.Close()
	assert.Zero(t, s.Pending())

	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, fired.Load())
	assert.False(t, s.ScheduleIn(10*time.Millisecond, "v1", counting(&fired, nil)))
}

func TestCloseCancelsRunningContext(t *testing.T) {
	s := New(nil, nil)

	started := make(chan struct{})
	var cancelled atomic.Bool
	s.ScheduleIn(time.Millisecond, "v1", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		cancelled.Store(true)
		return ctx.Err()
	})
	<-started
	s.Close()
	assert.True(t, cancelled.Load())
	assert.Zero(t, s.Pending())
}
