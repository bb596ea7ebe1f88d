// Package sip consolidates the delayed quote streams of several markets into
// a national best bid and offer.
package sip

import (
	"errors"
	"fmt"
	"slices"

	"marketsim/internal/clock"
	"marketsim/internal/common"
	"marketsim/internal/market"
	"marketsim/internal/stats"

	"github.com/rs/zerolog"
)

var ErrUnknownMarket = errors.New("market not attached")

// NBBO is the best bid and best offer across markets with their sources.
type NBBO struct {
	Bid       common.Level
	BidMarket common.MarketID
	HasBid    bool

	Ask       common.Level
	AskMarket common.MarketID
	HasAsk    bool

	Time clock.TimeStamp
}

// Spread returns ask minus bid when both sides are present. It may be
// negative when markets are crossed against each other.
func (n NBBO) Spread() (common.Price, bool) {
	if !n.HasBid || !n.HasAsk {
		return 0, false
	}
	return n.Ask.Price - n.Bid.Price, true
}

func (n NBBO) String() string {
	bid, ask := "-", "-"
	if n.HasBid {
		bid = fmt.Sprintf("%d@%d (%s)", n.Bid.Quantity, n.Bid.Price, n.BidMarket)
	}
	if n.HasAsk {
		ask = fmt.Sprintf("%d@%d (%s)", n.Ask.Quantity, n.Ask.Price, n.AskMarket)
	}
	return fmt.Sprintf("NBBO[bid %s, ask %s, t %v]", bid, ask, n.Time)
}

// SIP holds the last quote it has received from each market. Its view of a
// market lags the market by that market's latency.
type SIP struct {
	quotes  map[common.MarketID]common.Quote
	markets []common.MarketID

	nbbo         NBBO
	transactions []common.Transaction

	log   zerolog.Logger
	stats *stats.Collector
}

type Option func(*SIP)

func WithLogger(log zerolog.Logger) Option {
	return func(s *SIP) { s.log = log }
}

func WithStats(c *stats.Collector) Option {
	return func(s *SIP) { s.stats = c }
}

func New(opts ...Option) *SIP {
	s := &SIP{
		quotes: make(map[common.MarketID]common.Quote),
		log:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Attach subscribes to a market at the market's configured latency.
func (s *SIP) Attach(m *market.Market) error {
	if _, ok := s.quotes[m.ID()]; ok {
		return fmt.Errorf("sip: market %s already attached", m.ID())
	}
	if err := m.Subscribe(m.Latency(), s); err != nil {
		return fmt.Errorf("sip: attach %s: %w", m.ID(), err)
	}
	s.quotes[m.ID()] = common.Quote{Market: m.ID()}
	s.markets = append(s.markets, m.ID())
	return nil
}

// Deliver implements market.Subscriber.
func (s *SIP) Deliver(now clock.TimeStamp, u market.Update) {
	s.transactions = append(s.transactions, u.Transactions...)
	if err := s.ProcessQuote(u.Quote.Market, u.Quote, now); err != nil {
		s.log.Error().Err(err).Msg("quote dropped")
	}
}

// ProcessQuote replaces the stored quote of a market and recomputes the NBBO.
// Quotes derived at an older book sequence than the stored one are ignored.
// Only attached markets are accepted.
func (s *SIP) ProcessQuote(id common.MarketID, q common.Quote, arrival clock.TimeStamp) error {
	last, ok := s.quotes[id]
	if !ok {
		return fmt.Errorf("sip: %w: %s", ErrUnknownMarket, id)
	}
	if q.Seq < last.Seq {
		s.log.Debug().Stringer("market", id).Uint64("seq", q.Seq).Msg("stale quote ignored")
		return nil
	}
	s.quotes[id] = q
	s.recompute(arrival)
	return nil
}

// NBBO returns the last computed consolidated quote.
func (s *SIP) NBBO() NBBO { return s.nbbo }

// Quote returns the last quote received from a market.
func (s *SIP) Quote(id common.MarketID) (common.Quote, bool) {
	q, ok := s.quotes[id]
	return q, ok
}

// Transactions returns the consolidated tape in arrival order.
func (s *SIP) Transactions() []common.Transaction {
	return s.transactions[:len(s.transactions):len(s.transactions)]
}

// recompute folds the per-market quotes in attach order, so ties go to the
// market attached first.
func (s *SIP) recompute(now clock.TimeStamp) {
	n := NBBO{Time: now}
	for _, id := range s.markets {
		q := s.quotes[id]
		if q.HasBid && (!n.HasBid || q.Bid.Price > n.Bid.Price) {
			n.Bid, n.BidMarket, n.HasBid = q.Bid, id, true
		}
		if q.HasAsk && (!n.HasAsk || q.Ask.Price < n.Ask.Price) {
			n.Ask, n.AskMarket, n.HasAsk = q.Ask, id, true
		}
	}
	s.nbbo = n
	if spread, ok := n.Spread(); ok {
		s.stats.NBBOSpread(now, spread)
	}
	s.log.Debug().Stringer("nbbo", n).Msg("nbbo updated")
}

// Markets returns the attached markets in attach order.
func (s *SIP) Markets() []common.MarketID { return slices.Clone(s.markets) }
