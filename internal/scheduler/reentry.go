package scheduler

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"

	"marketsim/internal/clock"
)

// Reentry is a lazy, restartable sequence of future execution times.
type Reentry interface {
	// Next returns the next time in the sequence, or false when exhausted.
	Next() (clock.TimeStamp, bool)
	// Reset restarts the sequence from its first element.
	Reset()
}

// ScheduleReentry runs act at every time produced by gen. Only one pending
// activity exists at any moment: the next time is pulled from gen after the
// current execution completes.
func (s *Scheduler) ScheduleReentry(gen Reentry, act Activity) error {
	if act == nil {
		return ErrNilActivity
	}
	t, ok := gen.Next()
	if !ok {
		return nil
	}
	return s.Schedule(t, &reentry{sched: s, gen: gen, act: act})
}

type reentry struct {
	sched *Scheduler
	gen   Reentry
	act   Activity
}

func (r *reentry) Execute(now clock.TimeStamp) error {
	err := r.act.Execute(now)
	next, ok := r.gen.Next()
	if !ok {
		return err
	}
	if serr := r.sched.Schedule(next, r); serr != nil {
		return errors.Join(err, fmt.Errorf("reentry stopped: %w", serr))
	}
	return err
}

// Periodic produces start, start+interval, start+2*interval, ...
type Periodic struct {
	start    clock.TimeStamp
	interval clock.TimeStamp
	next     clock.TimeStamp
}

// Every returns a periodic sequence. interval must be a positive tick count.
func Every(start, interval clock.TimeStamp) *Periodic {
	if !start.IsFinite() || !interval.IsFinite() || interval <= 0 {
		panic(fmt.Sprintf("scheduler: invalid periodic reentry start=%v interval=%v", start, interval))
	}
	return &Periodic{start: start, interval: interval, next: start}
}

func (p *Periodic) Next() (clock.TimeStamp, bool) {
	t := p.next
	if t > clock.Infinite-1-p.interval {
		p.next = clock.Infinite
	} else {
		p.next = t.Add(p.interval)
	}
	return t, t.IsFinite()
}

func (p *Periodic) Reset() { p.next = p.start }

// PoissonProcess produces arrival times with exponential inter-arrival gaps of
// mean 1/rate ticks, rounded up to at least one tick.
type PoissonProcess struct {
	start clock.TimeStamp
	rate  float64
	seed  uint64
	rng   *rand.Rand
	last  clock.TimeStamp
}

// Poisson returns a seeded arrival process beginning after start.
func Poisson(start clock.TimeStamp, rate float64, seed uint64) *PoissonProcess {
	if !start.IsFinite() || rate <= 0 || math.IsNaN(rate) || math.IsInf(rate, 0) {
		panic(fmt.Sprintf("scheduler: invalid poisson reentry start=%v rate=%v", start, rate))
	}
	p := &PoissonProcess{start: start, rate: rate, seed: seed}
	p.Reset()
	return p
}

func (p *PoissonProcess) Next() (clock.TimeStamp, bool) {
	gap := math.Ceil(p.rng.ExpFloat64() / p.rate)
	if gap < 1 {
		gap = 1
	}
	from := p.last
	if gap >= float64(clock.Infinite-1-from) {
		return clock.Infinite, false
	}
	p.last = from.Add(clock.TimeStamp(gap))
	return p.last, true
}

func (p *PoissonProcess) Reset() {
	p.rng = rand.New(rand.NewPCG(p.seed, p.seed^0x9e3779b97f4a7c15))
	p.last = p.start
}

// List replays a fixed, non-decreasing list of times.
type List struct {
	times []clock.TimeStamp
	pos   int
}

func Times(times ...clock.TimeStamp) *List {
	return &List{times: times}
}

func (l *List) Next() (clock.TimeStamp, bool) {
	if l.pos >= len(l.times) {
		return 0, false
	}
	t := l.times[l.pos]
	l.pos++
	return t, true
}

func (l *List) Reset() { l.pos = 0 }
