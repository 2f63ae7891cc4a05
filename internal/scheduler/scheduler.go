// Package scheduler re-runs per-vehicle prognoses at a steady cadence.
// Bursts of requests for the same bucket collapse into one pending timer.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// minCoalesce is added to half the delay to form the coalescing window.
const minCoalesce = 100 * time.Millisecond

// Action is run when a timer fires. Its error is logged and fed to the
// bucket's retry policy.
type Action func(ctx context.Context) error

// ErrDone, returned by an action, ends its bucket's cadence without
// counting as a failure.
var ErrDone = errors.New("scheduler: bucket done")

// RetryPolicy builds the backoff consulted after an action failed. The
// returned backoff is kept per bucket until the action succeeds again;
// backoff.Stop ends the bucket's cadence.
type RetryPolicy func(interval time.Duration) backoff.BackOff

// ConstantRetry re-arms at the regular interval no matter how often the
// action fails.
func ConstantRetry(interval time.Duration) backoff.BackOff {
	return backoff.NewConstantBackOff(interval)
}

// LimitedRetry gives up a bucket after maxRetries consecutive failures.
func LimitedRetry(maxRetries uint64) RetryPolicy {
	return func(interval time.Duration) backoff.BackOff {
		return backoff.WithMaxRetries(backoff.NewConstantBackOff(interval), maxRetries)
	}
}

// ExponentialRetry stretches the interval after consecutive failures and
// gives up after maxElapsed.
func ExponentialRetry(maxElapsed time.Duration) RetryPolicy {
	return func(interval time.Duration) backoff.BackOff {
		b := &backoff.ExponentialBackOff{
			InitialInterval:     interval,
			RandomizationFactor: 0.2,
			Multiplier:          2,
			MaxInterval:         10 * interval,
			MaxElapsedTime:      maxElapsed,
			Stop:                backoff.Stop,
			Clock:               backoff.SystemClock,
		}
		b.Reset()
		return b
	}
}

type Scheduler struct {
	log   *zap.Logger
	retry RetryPolicy
	now   func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	pending  map[string][]time.Time // sorted fire times per bucket
	timers   map[uint64]*time.Timer
	nextID   uint64
	failures map[string]backoff.BackOff
	closed   bool
	running  sync.WaitGroup
}

func New(retry RetryPolicy, log *zap.Logger) *Scheduler {
	if retry == nil {
		retry = ConstantRetry
	}
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		log:      log,
		retry:    retry,
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
		pending:  make(map[string][]time.Time),
		timers:   make(map[uint64]*time.Timer),
		failures: make(map[string]backoff.BackOff),
	}
}

func coalesceWindow(delay time.Duration) time.Duration {
	return minCoalesce + time.Duration(math.Ceil(float64(delay)/2))
}

// ScheduleIn arms action to run for bucket after delay, unless a timer of
// the bucket is already due within the coalescing window of that time.
// It reports whether a new timer was armed. After firing, the timer
// re-arms itself.
func (s *Scheduler) ScheduleIn(delay time.Duration, bucket string, action Action) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}

	at := s.now().Add(delay)
	window := coalesceWindow(delay)
	for _, t := range s.pending[bucket] {
		d := at.Sub(t)
		if d < 0 {
			d = -d
		}
		if d <= window {
			return false
		}
	}

	times := s.pending[bucket]
	i := sort.Search(len(times), func(i int) bool { return !times[i].Before(at) })
	times = append(times, time.Time{})
	copy(times[i+1:], times[i:])
	times[i] = at
	s.pending[bucket] = times

	s.nextID++
	id := s.nextID
	s.timers[id] = time.AfterFunc(delay, func() {
		s.fire(id, bucket, at, delay, action)
	})
	return true
}

func (s *Scheduler) fire(id uint64, bucket string, at time.Time, delay time.Duration, action Action) {
	s.mu.Lock()
	delete(s.timers, id)
	s.removePending(bucket, at)
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.running.Add(1)
	s.mu.Unlock()
	defer s.running.Done()

	err := s.run(action)
	if errors.Is(err, ErrDone) {
		s.mu.Lock()
		delete(s.failures, bucket)
		s.mu.Unlock()
		return
	}
	next := delay
	if err != nil {
		s.log.Error("scheduled action failed", zap.String("bucket", bucket), zap.Error(err))
		if next = s.nextRetry(bucket, delay); next == backoff.Stop {
			s.log.Warn("giving up on bucket", zap.String("bucket", bucket))
			return
		}
	} else {
		s.mu.Lock()
		delete(s.failures, bucket)
		s.mu.Unlock()
	}
	s.ScheduleIn(next, bucket, action)
}

func (s *Scheduler) run(action Action) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return action(s.ctx)
}

func (s *Scheduler) nextRetry(bucket string, interval time.Duration) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.failures[bucket]
	if !ok {
		b = s.retry(interval)
		s.failures[bucket] = b
	}
	next := b.NextBackOff()
	if next == backoff.Stop {
		delete(s.failures, bucket)
	}
	return next
}

// removePending drops at from the bucket. Callers hold mu.
func (s *Scheduler) removePending(bucket string, at time.Time) {
	times := s.pending[bucket]
	for i, t := range times {
		if t.Equal(at) {
			times = append(times[:i], times[i+1:]...)
			break
		}
	}
	if len(times) == 0 {
		delete(s.pending, bucket)
		return
	}
	s.pending[bucket] = times
}

// Pending returns the number of armed timers.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Close cancels every pending timer and waits for running actions, whose
// context is cancelled.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	for _, timer := range s.timers {
		timer.Stop()
	}
	s.timers = make(map[uint64]*time.Timer)
	s.pending = make(map[string][]time.Time)
	s.mu.Unlock()

	s.cancel()
	s.running.Wait()
}
