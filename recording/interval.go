package recording

import (
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"flybox/tracking"
)

// State of an Interval
type State int

const (
	StateIdle State = iota
	StateRunning
	StateCancelled
	// StateFailed is entered when a flush fails; the timer has stopped
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// PersistenceError is reported when a flush fails. The interval stops
// after reporting it.
type PersistenceError struct {
	At  time.Time
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failed at %s: %v", e.At.Format(time.RFC3339), e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// Interval forwards motion events to a MotionHandler and asks it to flush
// on a fixed period. Flush failures are delivered on Errors() instead of
// being returned to the caller, which lets the capture loop pick them up on
// its own goroutine.
type Interval struct {
	handler  MotionHandler
	interval time.Duration
	clock    clock.Clock
	logger   *zap.SugaredLogger

	errs chan error

	mu    sync.Mutex
	state State
	stop  chan struct{}
	done  chan struct{}
}

// IntervalOption customizes an Interval
type IntervalOption func(*Interval)

// WithClock replaces the wall clock, mostly for tests
func WithClock(c clock.Clock) IntervalOption {
	return func(i *Interval) {
		i.clock = c
	}
}

// WithLogger sets the logger used for flush diagnostics
func WithLogger(logger *zap.SugaredLogger) IntervalOption {
	return func(i *Interval) {
		i.logger = logger
	}
}

// NewInterval creates an idle interval. Call Start to begin flushing.
func NewInterval(handler MotionHandler, interval time.Duration, opts ...IntervalOption) *Interval {
	i := &Interval{
		handler:  handler,
		interval: interval,
		clock:    clock.New(),
		logger:   zap.NewNop().Sugar(),
		errs:     make(chan error, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Handle implements tracking.EventHandler
func (i *Interval) Handle(event tracking.MotionEvent) {
	i.handler.OnEvent(event)
}

// State returns the current lifecycle state
func (i *Interval) State() State {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

// Errors delivers flush failures as *PersistenceError
func (i *Interval) Errors() <-chan error {
	return i.errs
}

// Start schedules the first flush one interval from now
func (i *Interval) Start() error {
	if i.interval <= 0 {
		return fmt.Errorf("flush interval must be positive, got %s", i.interval)
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	if i.state != StateIdle {
		return fmt.Errorf("interval cannot start from state %s", i.state)
	}
	i.state = StateRunning

	// Create the timer before returning so a clock advanced right after
	// Start always finds it registered.
	timer := i.clock.Timer(i.interval)
	go i.run(timer)
	return nil
}

// Cancel stops future flushes. It is idempotent, safe before Start, and
// waits for an in-flight flush to finish, so no flush starts after Cancel
// returns.
func (i *Interval) Cancel() {
	i.mu.Lock()
	prev := i.state
	if prev == StateCancelled {
		i.mu.Unlock()
		return
	}
	i.state = StateCancelled
	close(i.stop)
	i.mu.Unlock()

	if prev == StateRunning || prev == StateFailed {
		<-i.done
	}
}

func (i *Interval) run(timer *clock.Timer) {
	defer close(i.done)
	defer timer.Stop()

	for {
		select {
		case <-i.stop:
			return
		case <-timer.C:
		}

		// Cancel may have raced with the timer firing
		select {
		case <-i.stop:
			return
		default:
		}

		timer.Reset(i.interval)
		now := i.clock.Now()
		if err := i.flush(now); err != nil {
			i.logger.Errorw("flush failed, stopping interval", "error", err)
			i.fail()
			i.report(&PersistenceError{At: now, Err: err})
			return
		}
		i.logger.Debugw("flushed", "at", now)
	}
}

// flush calls OnFlush, turning a panic into an error so a broken handler
// stops the recording instead of the process
func (i *Interval) flush(now time.Time) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("flush panicked: %v", r)
		}
	}()
	return i.handler.OnFlush(now)
}

// fail records that the timer stopped on its own. A concurrent Cancel wins.
func (i *Interval) fail() {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.state == StateRunning {
		i.state = StateFailed
	}
}

func (i *Interval) report(err error) {
	select {
	case i.errs <- err:
	default:
		i.logger.Warnw("dropping persistence error, previous one not consumed", "error", err)
	}
}
