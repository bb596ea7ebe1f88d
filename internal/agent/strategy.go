package agent

import (
	"fmt"

	"marketsim/internal/clock"
	"marketsim/internal/common"
	"marketsim/internal/sip"
)

// Observation is everything a strategy may look at when it wakes up. Quote
// and Transactions come from the agent's latency view of its market; NBBO is
// the consolidator's possibly stale value.
type Observation struct {
	Now   clock.TimeStamp
	Agent common.AgentID

	Quote        common.Quote
	Transactions []common.Transaction
	NBBO         sip.NBBO

	// Position is the agent's net filled quantity, positive when long.
	Position int64
	// Open lists the agent's orders that still rest in the book.
	Open []common.OrderHandle
}

type IntentKind int

const (
	Submit IntentKind = iota
	Withdraw
)

func (k IntentKind) String() string {
	switch k {
	case Submit:
		return "submit"
	case Withdraw:
		return "withdraw"
	}
	return fmt.Sprintf("intent(%d)", int(k))
}

// Intent is one action a strategy wants taken on its behalf.
type Intent struct {
	Kind     IntentKind
	Side     common.Side
	Price    common.Price
	Quantity int64
	Order    common.OrderHandle // Withdraw target
}

func SubmitIntent(side common.Side, price common.Price, quantity int64) Intent {
	return Intent{Kind: Submit, Side: side, Price: price, Quantity: quantity}
}

func WithdrawIntent(h common.OrderHandle) Intent {
	return Intent{Kind: Withdraw, Order: h}
}

// Strategy turns an observation into intents. Implementations hold their own
// state and randomness; they never touch a market directly.
type Strategy interface {
	Decide(obs Observation) []Intent
}

// StrategyFunc adapts a plain function to a Strategy.
type StrategyFunc func(obs Observation) []Intent

func (f StrategyFunc) Decide(obs Observation) []Intent { return f(obs) }

// Idle never trades.
type Idle struct{}

func (Idle) Decide(Observation) []Intent { return nil }
