package market

import (
	"encoding/binary"
	"errors"
	"fmt"

	"marketsim/internal/clock"
	"marketsim/internal/common"
	"marketsim/internal/engine"
	"marketsim/internal/scheduler"
	"marketsim/internal/stats"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrInvalidOrder is returned by Submit for malformed orders. Such orders never
// reach the book.
var ErrInvalidOrder = engine.ErrInvalidOrder

// Update is what one propagation delivers: the quote after an operation and
// the transactions it produced.
type Update struct {
	Quote        common.Quote
	Transactions []common.Transaction
}

// Subscriber receives the market's updates after a fixed latency.
type Subscriber interface {
	Deliver(now clock.TimeStamp, u Update)
}

type subscription struct {
	latency clock.TimeStamp
	sub     Subscriber
}

// Market wraps one order book with a clearing policy and publishes its quotes
// and transactions to latency-delayed subscribers through the scheduler.
type Market struct {
	cfg   Config
	sched *scheduler.Scheduler
	book  *engine.OrderBook

	namespace uuid.UUID
	orderSeq  uint64
	txSeq     uint64

	quote        common.Quote
	transactions []common.Transaction
	subs         []subscription
	views        map[clock.TimeStamp]*View
	checks       bool

	log   zerolog.Logger
	stats *stats.Collector
}

type Option func(*Market)

func WithLogger(log zerolog.Logger) Option {
	return func(m *Market) { m.log = log }
}

func WithStats(c *stats.Collector) Option {
	return func(m *Market) { m.stats = c }
}

// WithInvariantChecks verifies the order book after every change and panics
// on the first violation.
func WithInvariantChecks() Option {
	return func(m *Market) { m.checks = true }
}

// New validates cfg and builds a market driven by sched.
func New(sched *scheduler.Scheduler, cfg Config, opts ...Option) (*Market, error) {
	if sched == nil {
		return nil, errors.New("market: nil scheduler")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &Market{
		cfg:       cfg,
		sched:     sched,
		book:      engine.NewOrderBook(),
		namespace: uuid.NewSHA1(uuid.NameSpaceOID, []byte("marketsim/market/"+cfg.ID)),
		views:     make(map[clock.TimeStamp]*View),
		log:       zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log = m.log.With().Stringer("market", cfg.ID).Logger()
	m.quote = m.stamp(m.book.Quote(), sched.Now())
	if cfg.Policy == Periodic {
		if err := m.startClearing(); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Market) ID() common.MarketID      { return m.cfg.ID }
func (m *Market) Config() Config           { return m.cfg }
func (m *Market) Latency() clock.TimeStamp { return m.cfg.Latency }

// Quote returns the current, undelayed quote.
func (m *Market) Quote() common.Quote { return m.quote }

// Transactions returns every transaction executed so far, in execution order.
func (m *Market) Transactions() []common.Transaction {
	return m.transactions[:len(m.transactions):len(m.transactions)]
}

// Order returns a snapshot of a live order.
func (m *Market) Order(h common.OrderHandle) (common.Order, bool) {
	if h.Market != m.cfg.ID {
		return common.Order{}, false
	}
	o, ok := m.book.Lookup(h.ID)
	if !ok {
		return common.Order{}, false
	}
	return *o, true
}

// startClearing schedules the recurring clear of a Periodic market, first at
// one interval from now.
func (m *Market) startClearing() error {
	gen := scheduler.Every(m.sched.Now().Add(m.cfg.ClearInterval), m.cfg.ClearInterval)
	if err := m.sched.ScheduleReentry(gen, scheduler.ActivityFunc(m.clear)); err != nil {
		return fmt.Errorf("market %s: start clearing: %w", m.cfg.ID, err)
	}
	return nil
}

// Submit places a limit order at time t, which is the current tick or later;
// Immediate means the current tick. Malformed orders are rejected at once. An
// order for a later tick is handed back immediately but only enters the book
// when the scheduler reaches t. Continuous markets realize any resulting
// matches as the order enters the book.
func (m *Market) Submit(agent common.AgentID, side common.Side, price common.Price, quantity int64, t clock.TimeStamp) (common.OrderHandle, error) {
	at, err := m.at(t)
	if err != nil {
		return common.OrderHandle{}, err
	}
	if !side.Valid() || price < 0 || quantity <= 0 {
		m.stats.OrderRejected()
		return common.OrderHandle{}, fmt.Errorf("%w: %v %d @ %d", ErrInvalidOrder, side, quantity, price)
	}

	m.orderSeq++
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], m.orderSeq)
	order := &common.Order{
		ID:         uuid.NewSHA1(m.namespace, buf[:]),
		Agent:      agent,
		Market:     m.cfg.ID,
		Side:       side,
		Price:      price,
		Quantity:   quantity,
		Remaining:  quantity,
		SubmitTime: at,
	}
	h := common.OrderHandle{ID: order.ID, Market: m.cfg.ID}

	if at.After(m.sched.Now()) {
		err := m.sched.ScheduleFunc(at, func(clock.TimeStamp) error {
			return m.insert(order)
		})
		if err != nil {
			return common.OrderHandle{}, fmt.Errorf("market %s: %w", m.cfg.ID, err)
		}
		return h, nil
	}
	if err := m.insert(order); err != nil {
		return common.OrderHandle{}, err
	}
	return h, nil
}

func (m *Market) insert(order *common.Order) error {
	matches, err := m.book.Insert(order)
	if err != nil {
		m.stats.OrderRejected()
		return err
	}
	m.check()
	m.stats.OrderSubmitted(*order)
	m.log.Debug().
		Str("agent", string(order.Agent)).
		Stringer("side", order.Side).
		Int64("price", int64(order.Price)).
		Int64("quantity", order.Quantity).
		Stringer("time", order.SubmitTime).
		Msg("order submitted")

	var txs []common.Transaction
	if m.cfg.Policy == Continuous && matches != nil {
		txs = m.realize(order.SubmitTime)
	}
	m.publish(order.SubmitTime, txs)
	return nil
}

// Withdraw removes what remains of an order. Filled, withdrawn and unknown
// orders are a no-op.
func (m *Market) Withdraw(h common.OrderHandle, t clock.TimeStamp) error {
	return m.WithdrawQuantity(h, -1, t)
}

// WithdrawQuantity removes up to quantity units of an order. A negative
// quantity withdraws everything. A withdrawal for a later tick takes effect
// when the scheduler reaches t, and is a no-op if the order is gone by then
// or has not entered the book yet.
func (m *Market) WithdrawQuantity(h common.OrderHandle, quantity int64, t clock.TimeStamp) error {
	at, err := m.at(t)
	if err != nil {
		return err
	}
	if h.Market != m.cfg.ID || quantity == 0 {
		return nil
	}
	if at.After(m.sched.Now()) {
		err := m.sched.ScheduleFunc(at, func(now clock.TimeStamp) error {
			m.withdraw(h, quantity, now)
			return nil
		})
		if err != nil {
			return fmt.Errorf("market %s: %w", m.cfg.ID, err)
		}
		return nil
	}
	m.withdraw(h, quantity, at)
	return nil
}

func (m *Market) withdraw(h common.OrderHandle, quantity int64, now clock.TimeStamp) {
	var removed int64
	if quantity < 0 {
		removed = m.book.Withdraw(h.ID)
	} else {
		removed = m.book.WithdrawQuantity(h.ID, quantity)
	}
	if removed == 0 {
		return
	}
	m.check()
	m.stats.OrderWithdrawn(h)
	m.log.Debug().Stringer("order", h).Int64("quantity", removed).Msg("order withdrawn")
	m.publish(now, nil)
}

// View returns the projection of this market seen with the given latency.
// Views are shared per latency and see only updates published after they were
// created.
func (m *Market) View(latency clock.TimeStamp) (*View, error) {
	if v, ok := m.views[latency]; ok {
		return v, nil
	}
	v := newView(m.cfg.ID, latency)
	if err := m.Subscribe(latency, v); err != nil {
		return nil, err
	}
	m.views[latency] = v
	return v, nil
}

// Subscribe registers sub to receive every future update after latency.
func (m *Market) Subscribe(latency clock.TimeStamp, sub Subscriber) error {
	if !latency.IsImmediate() && !latency.IsFinite() {
		return fmt.Errorf("%w: market %s subscriber latency %d", ErrInvalidConfig, m.cfg.ID, int64(latency))
	}
	if sub == nil {
		return fmt.Errorf("market %s: nil subscriber", m.cfg.ID)
	}
	m.subs = append(m.subs, subscription{latency: latency, sub: sub})
	return nil
}

func (m *Market) at(t clock.TimeStamp) (clock.TimeStamp, error) {
	now := m.sched.Now()
	if t.IsImmediate() {
		return now, nil
	}
	if !t.IsFinite() || t.Before(now) {
		return 0, fmt.Errorf("market %s: %w: time %v, now %v", m.cfg.ID, scheduler.ErrInvalidSchedule, t, now)
	}
	return t, nil
}

// clear is the recurring activity of a Periodic market.
func (m *Market) clear(now clock.TimeStamp) error {
	txs := m.realize(now)
	if len(txs) == 0 {
		return nil
	}
	m.log.Debug().Int("transactions", len(txs)).Stringer("time", now).Msg("call market cleared")
	m.publish(now, txs)
	return nil
}

// realize clears the book and records the fills as transactions.
func (m *Market) realize(now clock.TimeStamp) []common.Transaction {
	fills := m.book.Clear(m.cfg.Pricing)
	m.check()
	if len(fills) == 0 {
		return nil
	}
	txs := make([]common.Transaction, 0, len(fills))
	for _, f := range fills {
		m.txSeq++
		tx := common.Transaction{
			Seq:       m.txSeq,
			Market:    m.cfg.ID,
			Time:      now,
			Price:     f.Price,
			Quantity:  f.Quantity,
			BuyOrder:  f.Buy.ID,
			SellOrder: f.Sell.ID,
			Buyer:     f.Buy.Agent,
			Seller:    f.Sell.Agent,
		}
		txs = append(txs, tx)
		m.stats.Transaction(tx)
		m.log.Debug().
			Uint64("seq", tx.Seq).
			Int64("price", int64(tx.Price)).
			Int64("quantity", tx.Quantity).
			Str("buyer", string(tx.Buyer)).
			Str("seller", string(tx.Seller)).
			Msg("transaction")
	}
	m.transactions = append(m.transactions, txs...)
	return txs
}

// check panics if invariant checks are on and the book is corrupt.
func (m *Market) check() {
	if !m.checks {
		return
	}
	if err := m.book.CheckInvariants(); err != nil {
		panic(fmt.Sprintf("market %s: %v", m.cfg.ID, err))
	}
}

func (m *Market) stamp(q common.Quote, now clock.TimeStamp) common.Quote {
	q.Market = m.cfg.ID
	q.Time = now
	return q
}

// publish refreshes the quote and schedules one delivery per subscriber at
// now+latency.
func (m *Market) publish(now clock.TimeStamp, txs []common.Transaction) {
	m.quote = m.stamp(m.book.Quote(), now)
	m.stats.Quote(m.quote)

	u := Update{Quote: m.quote, Transactions: txs}
	for _, s := range m.subs {
		at := clock.Immediate
		if !s.latency.IsImmediate() {
			at = now.Add(s.latency)
		}
		sub := s.sub
		err := m.sched.ScheduleFunc(at, func(now clock.TimeStamp) error {
			sub.Deliver(now, u)
			return nil
		})
		if err != nil {
			// Unreachable: now is never before the scheduler's clock.
			panic(fmt.Sprintf("market %s: schedule propagation: %v", m.cfg.ID, err))
		}
	}
}
