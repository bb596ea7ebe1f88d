package common

type Side int8

const (
	Buy Side = iota
	Sell
)

func (s Side) String() string {
	switch s {
	case Buy:
		return "BUY"
	case Sell:
		return "SELL"
	}
	return "UNKNOWN"
}

// Opposite returns the side an order would match against.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// Valid reports whether s is one of the two defined sides.
func (s Side) Valid() bool { return s == Buy || s == Sell }

// Price is a limit or execution price in integer ticks.
type Price int64

// AgentID identifies the owner of an order. The core never interprets it.
type AgentID string

// MarketID identifies a market within one simulation.
type MarketID string

func (m MarketID) String() string { return string(m) }
