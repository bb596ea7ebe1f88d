package scheduler

import (
	"context"
	"errors"
	"fmt"

	"marketsim/internal/clock"
	"marketsim/internal/stats"

	"github.com/rs/zerolog"
	"github.com/tidwall/btree"
)

var (
	ErrInvalidSchedule = errors.New("invalid schedule")
	ErrNilActivity     = errors.New("nil activity")
)

// Activity is a deferred unit of work. It is owned by the scheduler from the
// moment it is scheduled until it has executed.
type Activity interface {
	Execute(now clock.TimeStamp) error
}

// ActivityFunc adapts a plain function to an Activity.
type ActivityFunc func(now clock.TimeStamp) error

func (f ActivityFunc) Execute(now clock.TimeStamp) error { return f(now) }

// entry is a queued activity keyed by (time, seq). seq is assigned at
// insertion and is unique, so the key order is total.
type entry struct {
	time clock.TimeStamp
	seq  uint64
	act  Activity
}

func entryLess(a, b *entry) bool {
	if a.time != b.time {
		return a.time < b.time
	}
	return a.seq < b.seq
}

// Scheduler is the single driver of a simulation. Activities execute one at a
// time, each to completion, in (time, insertion sequence) order.
type Scheduler struct {
	queue *btree.BTreeG[*entry]
	now   clock.TimeStamp
	seq   uint64

	executed uint64
	failed   uint64

	log   zerolog.Logger
	stats *stats.Collector
}

type Option func(*Scheduler)

func WithLogger(log zerolog.Logger) Option {
	return func(s *Scheduler) { s.log = log }
}

func WithStats(c *stats.Collector) Option {
	return func(s *Scheduler) { s.stats = c }
}

func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		queue: btree.NewBTreeGOptions(entryLess, btree.Options{NoLocks: true}),
		now:   clock.Zero,
		log:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Now returns the current tick.
func (s *Scheduler) Now() clock.TimeStamp { return s.now }

// Len returns the number of pending activities, including those at Infinite.
func (s *Scheduler) Len() int { return s.queue.Len() }

// Executed returns how many activities have run and how many of them failed.
func (s *Scheduler) Executed() (total, failed uint64) { return s.executed, s.failed }

// Peek returns the time of the next pending activity.
func (s *Scheduler) Peek() (clock.TimeStamp, bool) {
	e, ok := s.queue.Min()
	if !ok {
		return 0, false
	}
	return e.time, true
}

// Schedule enqueues act at t. Finite times strictly before the current tick
// are rejected; Immediate is always accepted.
func (s *Scheduler) Schedule(t clock.TimeStamp, act Activity) error {
	if act == nil {
		return ErrNilActivity
	}
	if t.IsFinite() && t.Before(s.now) {
		return fmt.Errorf("%w: %v is before current time %v", ErrInvalidSchedule, t, s.now)
	}
	if t < clock.Immediate {
		return fmt.Errorf("%w: %d is not a timestamp", ErrInvalidSchedule, int64(t))
	}
	s.seq++
	s.queue.Set(&entry{time: t, seq: s.seq, act: act})
	return nil
}

// ScheduleFunc is Schedule for a plain function.
func (s *Scheduler) ScheduleFunc(t clock.TimeStamp, fn func(now clock.TimeStamp) error) error {
	return s.Schedule(t, ActivityFunc(fn))
}

// After schedules act at now+delay, or in the Immediate lane when delay is
// Immediate.
func (s *Scheduler) After(delay clock.TimeStamp, act Activity) error {
	if delay.IsImmediate() {
		return s.Schedule(clock.Immediate, act)
	}
	return s.Schedule(s.now.Add(delay), act)
}

// RunUntil executes every activity whose time is at or before t, then moves
// the clock to t. Activities at Infinite never run.
func (s *Scheduler) RunUntil(t clock.TimeStamp) {
	for s.runnable(t) {
		s.executeNext()
	}
	if t.IsFinite() && t.After(s.now) {
		s.now = t
	}
}

// Run is RunUntil that stops early when ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context, t clock.TimeStamp) error {
	for s.runnable(t) {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.executeNext()
	}
	if t.IsFinite() && t.After(s.now) {
		s.now = t
	}
	return nil
}

// RunImmediate drains the Immediate lane without advancing the clock,
// including Immediate activities scheduled while draining.
func (s *Scheduler) RunImmediate() {
	for {
		e, ok := s.queue.Min()
		if !ok || !e.time.IsImmediate() {
			return
		}
		s.executeNext()
	}
}

// Step executes the next runnable activity. It returns false when nothing but
// Infinite activities remain.
func (s *Scheduler) Step() bool {
	if !s.runnable(clock.Infinite - 1) {
		return false
	}
	s.executeNext()
	return true
}

func (s *Scheduler) runnable(t clock.TimeStamp) bool {
	e, ok := s.queue.Min()
	if !ok || e.time.IsInfinite() {
		return false
	}
	return e.time <= t
}

// executeNext pops the minimum entry and runs it. An error aborts only that
// activity.
func (s *Scheduler) executeNext() {
	e, ok := s.queue.PopMin()
	if !ok {
		return
	}
	if e.time.IsFinite() {
		s.now = clock.Max(s.now, e.time)
	}

	err := e.act.Execute(s.now)
	s.executed++
	if err != nil {
		s.failed++
		s.log.Warn().
			Err(err).
			Stringer("time", s.now).
			Uint64("seq", e.seq).
			Msg("activity failed")
	}
	s.stats.ActivityExecuted(err)
}
