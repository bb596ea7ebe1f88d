package clock

import (
	"fmt"
	"math"
	"strconv"
)

// TimeStamp is a logical simulation time measured in ticks. Finite values are
// non-negative. Two sentinels bracket the finite range: Immediate sorts before
// every tick and Infinite after every tick.
type TimeStamp int64

const (
	// Immediate is the lane that drains before the clock advances.
	Immediate TimeStamp = -1
	// Zero is the first tick of a simulation.
	Zero TimeStamp = 0
	// Infinite is never reached.
	Infinite TimeStamp = math.MaxInt64
)

func (t TimeStamp) IsImmediate() bool { return t == Immediate }
func (t TimeStamp) IsInfinite() bool  { return t == Infinite }

// IsFinite reports whether t is an ordinary tick.
func (t TimeStamp) IsFinite() bool { return t >= 0 && t != Infinite }

func (t TimeStamp) Before(other TimeStamp) bool { return t < other }
func (t TimeStamp) After(other TimeStamp) bool  { return t > other }

// Compare returns -1, 0 or 1.
func (t TimeStamp) Compare(other TimeStamp) int {
	switch {
	case t < other:
		return -1
	case t > other:
		return 1
	}
	return 0
}

// Add shifts a finite timestamp by a finite duration. Arithmetic on the
// sentinels is a programming error.
func (t TimeStamp) Add(d TimeStamp) TimeStamp {
	if !t.IsFinite() || !d.IsFinite() {
		panic(fmt.Sprintf("clock: add on non-finite operands %v + %v", t, d))
	}
	if d > Infinite-1-t {
		panic(fmt.Sprintf("clock: overflow %v + %v", t, d))
	}
	return t + d
}

// Sub returns t-d. The result must be a finite tick.
func (t TimeStamp) Sub(d TimeStamp) TimeStamp {
	if !t.IsFinite() || !d.IsFinite() || d > t {
		panic(fmt.Sprintf("clock: sub on invalid operands %v - %v", t, d))
	}
	return t - d
}

// Ticks returns the raw tick count.
func (t TimeStamp) Ticks() int64 { return int64(t) }

func (t TimeStamp) String() string {
	switch t {
	case Immediate:
		return "immediate"
	case Infinite:
		return "infinite"
	}
	return strconv.FormatInt(int64(t), 10)
}

// Parse reads a tick count or one of the sentinel names.
func Parse(s string) (TimeStamp, error) {
	switch s {
	case "immediate":
		return Immediate, nil
	case "infinite", "inf":
		return Infinite, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("invalid timestamp %q: negative ticks", s)
	}
	return TimeStamp(n), nil
}

// Max returns the later of two timestamps.
func Max(a, b TimeStamp) TimeStamp {
	if a > b {
		return a
	}
	return b
}
