// Package agent binds trading strategies to markets. An agent wakes up on a
// reentry schedule, observes its market through a latency view, and applies
// whatever its strategy decides.
package agent

import (
	"errors"
	"fmt"
	"slices"

	"marketsim/internal/clock"
	"marketsim/internal/common"
	"marketsim/internal/market"
	"marketsim/internal/scheduler"
	"marketsim/internal/sip"

	"github.com/rs/zerolog"
)

type Agent struct {
	id       common.AgentID
	strategy Strategy
	market   *market.Market
	view     *market.View
	sip      *sip.SIP
	reentry  scheduler.Reentry

	position int64
	open     []common.OrderHandle
	seen     int // market transactions already folded into position

	log zerolog.Logger
}

type Option func(*Agent)

func WithLogger(log zerolog.Logger) Option {
	return func(a *Agent) { a.log = log }
}

// WithSIP lets the strategy see the consolidated quote.
func WithSIP(s *sip.SIP) Option {
	return func(a *Agent) { a.sip = s }
}

// New binds a strategy to a market. The agent observes the market through the
// view with the given latency.
func New(id common.AgentID, strategy Strategy, m *market.Market, latency clock.TimeStamp, reentry scheduler.Reentry, opts ...Option) (*Agent, error) {
	if id == "" || strategy == nil || m == nil || reentry == nil {
		return nil, errors.New("agent: id, strategy, market and reentry are required")
	}
	view, err := m.View(latency)
	if err != nil {
		return nil, fmt.Errorf("agent %s: %w", id, err)
	}
	a := &Agent{
		id:       id,
		strategy: strategy,
		market:   m,
		view:     view,
		reentry:  reentry,
		log:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.log = a.log.With().Str("agent", string(id)).Logger()
	return a, nil
}

func (a *Agent) ID() common.AgentID { return a.id }

// Position is the agent's net filled quantity as of its last wake-up.
func (a *Agent) Position() int64 { return a.position }

// Open returns the agent's resting orders as of its last wake-up.
func (a *Agent) Open() []common.OrderHandle { return slices.Clone(a.open) }

// Start schedules the agent's wake-ups.
func (a *Agent) Start(sched *scheduler.Scheduler) error {
	if err := sched.ScheduleReentry(a.reentry, a); err != nil {
		return fmt.Errorf("agent %s: %w", a.id, err)
	}
	return nil
}

// Execute is one wake-up: observe, decide, act.
func (a *Agent) Execute(now clock.TimeStamp) error {
	a.refresh()

	obs := Observation{
		Now:          now,
		Agent:        a.id,
		Quote:        a.view.Quote(),
		Transactions: a.view.Transactions(),
		Position:     a.position,
		Open:         slices.Clone(a.open),
	}
	if a.sip != nil {
		obs.NBBO = a.sip.NBBO()
	}

	var errs []error
	for _, in := range a.strategy.Decide(obs) {
		if err := a.apply(in, now); err != nil {
			errs = append(errs, err)
		}
	}
	a.refresh()
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("agent %s: %w", a.id, err)
	}
	return nil
}

func (a *Agent) apply(in Intent, now clock.TimeStamp) error {
	switch in.Kind {
	case Submit:
		h, err := a.market.Submit(a.id, in.Side, in.Price, in.Quantity, now)
		if err != nil {
			return err
		}
		a.open = append(a.open, h)
		a.log.Debug().
			Stringer("side", in.Side).
			Int64("price", int64(in.Price)).
			Int64("quantity", in.Quantity).
			Msg("submitted")
	case Withdraw:
		return a.market.Withdraw(in.Order, now)
	default:
		return fmt.Errorf("unknown intent %v", in.Kind)
	}
	return nil
}

// refresh folds the agent's own fills into its position and drops orders that
// no longer rest in the book. An agent learns of its own fills without delay.
func (a *Agent) refresh() {
	txs := a.market.Transactions()
	for _, tx := range txs[a.seen:] {
		if tx.Buyer == a.id {
			a.position += tx.Quantity
		}
		if tx.Seller == a.id {
			a.position -= tx.Quantity
		}
	}
	a.seen = len(txs)
	a.open = slices.DeleteFunc(a.open, func(h common.OrderHandle) bool {
		_, ok := a.market.Order(h)
		return !ok
	})
}
