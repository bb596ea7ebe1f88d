package agent

import (
	"math/rand/v2"
	"testing"

	"marketsim/internal/clock"
	. "marketsim/internal/common"
	"marketsim/internal/market"
	"marketsim/internal/scheduler"
	"marketsim/internal/sip"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Setup & Helpers --------------------------------------------------------

func createTestMarket(t *testing.T) (*market.Market, *scheduler.Scheduler) {
	t.Helper()
	sched := scheduler.New()
	m, err := market.New(sched, market.NewDefaultConfig("A"))
	require.NoError(t, err)
	return m, sched
}

// script replays a fixed list of intents, one batch per wake-up, and records
// what it observed.
type script struct {
	batches [][]Intent
	seen    []Observation
}

func (s *script) Decide(obs Observation) []Intent {
	s.seen = append(s.seen, obs)
	if len(s.batches) == 0 {
		return nil
	}
	next := s.batches[0]
	s.batches = s.batches[1:]
	return next
}

// --- Tests ------------------------------------------------------------------

func TestAgent_TracksPositionAndOpenOrders(t *testing.T) {
	m, sched := createTestMarket(t)

	seller := &script{batches: [][]Intent{
		{SubmitIntent(Sell, 100, 3)},
	}}
	buyer := &script{batches: [][]Intent{
		nil,
		{SubmitIntent(Buy, 105, 2)},
	}}

	s, err := New("seller", seller, m, clock.Immediate, scheduler.Times(1, 3))
	require.NoError(t, err)
	b, err := New("buyer", buyer, m, 1, scheduler.Times(1, 2, 3))
	require.NoError(t, err)
	require.NoError(t, s.Start(sched))
	require.NoError(t, b.Start(sched))

	sched.RunUntil(2)
	assert.Equal(t, int64(2), b.Position())
	assert.Empty(t, b.Open())
	require.Len(t, s.Open(), 1)

	sched.RunUntil(3)
	assert.Equal(t, int64(-2), s.Position())
	assert.Len(t, s.Open(), 1, "one unit still rests")

	// The buyer's delayed view shows the trade at t=3, the seller's at t=2.
	require.Len(t, buyer.seen, 3)
	assert.Empty(t, buyer.seen[1].Transactions)
	assert.Len(t, buyer.seen[2].Transactions, 1)
	require.Len(t, seller.seen, 2)
	assert.Len(t, seller.seen[1].Transactions, 1)
	assert.Equal(t, int64(-2), seller.seen[1].Position)
	assert.Equal(t, Level{Price: 100, Quantity: 1}, seller.seen[1].Quote.Ask)
}

func TestAgent_ErrorsDoNotStopOtherIntents(t *testing.T) {
	m, _ := createTestMarket(t)
	strat := &script{batches: [][]Intent{{
		SubmitIntent(Buy, 100, 0),
		SubmitIntent(Buy, 99, 1),
		{Kind: IntentKind(9)},
	}}}
	a, err := New("a", strat, m, clock.Immediate, scheduler.Times(5))
	require.NoError(t, err)

	err = a.Execute(5)
	assert.ErrorIs(t, err, market.ErrInvalidOrder)
	assert.ErrorContains(t, err, "unknown intent")
	assert.Equal(t, Price(99), m.Quote().Bid.Price)
	assert.Len(t, a.Open(), 1)
}

func TestAgent_WithdrawIntent(t *testing.T) {
	m, sched := createTestMarket(t)

	var placed OrderHandle
	strat := StrategyFunc(func(obs Observation) []Intent {
		if len(obs.Open) > 0 {
			placed = obs.Open[0]
			return []Intent{WithdrawIntent(obs.Open[0])}
		}
		return []Intent{SubmitIntent(Buy, 50, 1)}
	})
	a, err := New("a", strat, m, 0, scheduler.Every(1, 1))
	require.NoError(t, err)
	require.NoError(t, a.Start(sched))

	sched.RunUntil(1)
	assert.True(t, m.Quote().HasBid)
	sched.RunUntil(2)
	assert.False(t, m.Quote().HasBid)
	assert.Equal(t, MarketID("A"), placed.Market)
	assert.Empty(t, a.Open())
}

func TestAgent_SeesNBBO(t *testing.T) {
	m, sched := createTestMarket(t)
	consolidator := sip.New()
	require.NoError(t, consolidator.Attach(m))

	_, err := m.Submit("other", Sell, 120, 1, clock.Immediate)
	require.NoError(t, err)

	strat := &script{}
	a, err := New("a", strat, m, 0, scheduler.Times(4), WithSIP(consolidator))
	require.NoError(t, err)
	require.NoError(t, a.Start(sched))
	sched.RunUntil(4)

	require.Len(t, strat.seen, 1)
	assert.True(t, strat.seen[0].NBBO.HasAsk)
	assert.Equal(t, Price(120), strat.seen[0].NBBO.Ask.Price)
	assert.False(t, strat.seen[0].Quote.HasAsk, "the view was created after the order")
}

func TestNew_Validates(t *testing.T) {
	m, _ := createTestMarket(t)
	_, err := New("", Idle{}, m, 0, scheduler.Times())
	assert.Error(t, err)
	_, err = New("a", Idle{}, m, -7, scheduler.Times())
	assert.ErrorIs(t, err, market.ErrInvalidConfig)
}

func TestFundamental(t *testing.T) {
	a, err := NewFundamental(0.05, 100000, 1e6, 1)
	require.NoError(t, err)
	b, err := NewFundamental(0.05, 100000, 1e6, 1)
	require.NoError(t, err)

	// Reads in different orders agree.
	late := a.ValueAt(500)
	for ts := clock.TimeStamp(0); ts <= 500; ts++ {
		b.ValueAt(ts)
	}
	assert.Equal(t, late, b.ValueAt(500))
	assert.Equal(t, a.ValueAt(0), a.ValueAt(clock.Immediate))

	// Mean reversion keeps the walk near its mean.
	var sum float64
	for ts := clock.TimeStamp(1000); ts < 6000; ts++ {
		sum += float64(a.ValueAt(ts))
	}
	assert.InDelta(t, 100000, sum/5000, 2000)

	flat, err := NewFundamental(1, 500, 0, 3)
	require.NoError(t, err)
	assert.Equal(t, Price(500), flat.ValueAt(42))

	_, err = NewFundamental(1.5, 1, 1, 0)
	assert.Error(t, err)
	_, err = NewFundamental(0.5, 1, -1, 0)
	assert.Error(t, err)
}

func TestPrivateValue(t *testing.T) {
	pv := NewPrivateValue(3, 100, rand.New(rand.NewPCG(1, 2)))
	assert.Equal(t, int64(3), pv.MaxPosition())

	// Diminishing: each additional unit bought is worth no more than the last.
	for p := int64(-3); p < 2; p++ {
		assert.GreaterOrEqual(t, pv.Value(p, Buy), pv.Value(p+1, Buy))
	}
	// Selling the unit just bought is worth what it was bought for.
	assert.Equal(t, pv.Value(0, Buy), pv.Value(1, Sell))
	assert.Equal(t, Price(0), pv.Value(3, Buy))
	assert.Equal(t, Price(0), pv.Value(-3, Sell))
}

func TestZeroIntelligence(t *testing.T) {
	f, err := NewFundamental(1, 1000, 0, 0)
	require.NoError(t, err)
	cfg := ZIConfig{MaxPosition: 2, BidRangeMin: 10, BidRangeMax: 20, TickSize: 5, WithdrawOpen: true}

	zi, err := NewZeroIntelligence(cfg, f, 9)
	require.NoError(t, err)
	twin, err := NewZeroIntelligence(cfg, f, 9)
	require.NoError(t, err)

	open := []OrderHandle{{Market: "A"}}
	for i := range 200 {
		obs := Observation{Now: clock.TimeStamp(i), Open: open}
		intents := zi.Decide(obs)
		assert.Equal(t, intents, twin.Decide(obs))

		require.Len(t, intents, 2)
		assert.Equal(t, Withdraw, intents[0].Kind)
		sub := intents[1]
		assert.Equal(t, Submit, sub.Kind)
		assert.Equal(t, int64(1), sub.Quantity)
		assert.Zero(t, sub.Price%5)

		value := 1000 + zi.PrivateValue().Value(0, sub.Side)
		if sub.Side == Buy {
			assert.LessOrEqual(t, sub.Price, value-10)
			assert.GreaterOrEqual(t, sub.Price, value-20-5)
		} else {
			assert.GreaterOrEqual(t, sub.Price, value+10-5)
			assert.LessOrEqual(t, sub.Price, value+20)
		}
	}

	// At the position limit only the reducing side is submitted.
	for i := range 50 {
		for _, in := range zi.Decide(Observation{Now: clock.TimeStamp(i), Position: 2}) {
			assert.Equal(t, Sell, in.Side)
		}
	}

	_, err = NewZeroIntelligence(ZIConfig{}, f, 0)
	assert.Error(t, err)
	_, err = NewZeroIntelligence(NewDefaultZIConfig(), nil, 0)
	assert.Error(t, err)
}
