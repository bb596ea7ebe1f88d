package engine

import (
	"encoding/binary"
	"testing"

	"marketsim/internal/clock"
	. "marketsim/internal/common"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Setup & Helpers --------------------------------------------------------

type testBook struct {
	*OrderBook
	t    *testing.T
	next uint64
}

func createTestOrderBook(t *testing.T) *testBook {
	return &testBook{OrderBook: NewOrderBook(), t: t}
}

func (b *testBook) newOrder(side Side, price Price, qty int64, at clock.TimeStamp) *Order {
	b.next++
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], b.next)
	return &Order{
		ID:         uuid.NewSHA1(uuid.NameSpaceOID, buf[:]),
		Agent:      "test-agent",
		Market:     "test",
		Side:       side,
		Price:      price,
		Quantity:   qty,
		Remaining:  qty,
		SubmitTime: at,
	}
}

// place inserts an order at t=0 and checks the book afterwards.
func (b *testBook) place(side Side, price Price, qty int64) *Order {
	return b.placeAt(side, price, qty, 0)
}

func (b *testBook) placeAt(side Side, price Price, qty int64, at clock.TimeStamp) *Order {
	b.t.Helper()
	order := b.newOrder(side, price, qty, at)
	_, err := b.Insert(order)
	require.NoError(b.t, err)
	require.NoError(b.t, b.CheckInvariants())
	return order
}

func (b *testBook) withdraw(order *Order) int64 {
	b.t.Helper()
	n := b.Withdraw(order.ID)
	require.NoError(b.t, b.CheckInvariants())
	return n
}

// matchedQuantity returns how much of an order sits in the matched set.
func (b *testBook) matchedQuantity(order *Order) int64 {
	e, ok := b.orders[order.ID]
	if !ok {
		return 0
	}
	return e.matched
}

// --- Tests ------------------------------------------------------------------

func TestInsert_RejectsInvalid(t *testing.T) {
	book := createTestOrderBook(t)

	zero := book.newOrder(Buy, 100, 0, 0)
	_, err := book.Insert(zero)
	assert.ErrorIs(t, err, ErrInvalidOrder)

	negative := book.newOrder(Sell, -1, 1, 0)
	_, err = book.Insert(negative)
	assert.ErrorIs(t, err, ErrInvalidOrder)

	terminal := book.newOrder(Buy, 100, 2, 0)
	terminal.Remaining = 0
	_, err = book.Insert(terminal)
	assert.ErrorIs(t, err, ErrInvalidOrder)

	_, err = book.Insert(nil)
	assert.ErrorIs(t, err, ErrInvalidOrder)

	ok := book.place(Buy, 100, 1)
	_, err = book.Insert(ok)
	assert.ErrorIs(t, err, ErrInvalidOrder, "duplicate id")

	assert.Equal(t, 1, book.Len())
	assert.Equal(t, uint64(1), book.Seq())
}

func TestInsert_NoCross(t *testing.T) {
	book := createTestOrderBook(t)

	// 1. Setup: two levels on each side, not crossing.
	book.place(Buy, 99, 100)
	book.place(Buy, 99, 90)
	book.place(Buy, 98, 50)
	book.place(Sell, 100, 10)
	book.place(Sell, 101, 20)

	// 2. Assertions
	q := book.Quote()
	require.True(t, q.HasBid)
	require.True(t, q.HasAsk)
	assert.Equal(t, Level{Price: 99, Quantity: 190}, q.Bid)
	assert.Equal(t, Level{Price: 100, Quantity: 10}, q.Ask)
	assert.Equal(t, int64(0), book.MatchedVolume())
	assert.Empty(t, book.Matched())
}

func TestInsert_ReturnsPendingMatches(t *testing.T) {
	book := createTestOrderBook(t)

	buy := book.place(Buy, 110, 3)
	sell := book.newOrder(Sell, 100, 2, 0)
	matches, err := book.Insert(sell)
	require.NoError(t, err)

	require.Len(t, matches, 1)
	assert.Same(t, buy, matches[0].Buy)
	assert.Same(t, sell, matches[0].Sell)
	assert.Equal(t, int64(2), matches[0].Quantity)
	assert.True(t, matches[0].BuyFirst())

	// A non-crossing order does not change the matched volume.
	matches, err = book.Insert(book.newOrder(Sell, 120, 1, 0))
	require.NoError(t, err)
	assert.Nil(t, matches)

	// The quote only shows unmatched quantity.
	q := book.Quote()
	assert.Equal(t, Level{Price: 110, Quantity: 1}, q.Bid)
	assert.Equal(t, Level{Price: 120, Quantity: 1}, q.Ask)
}

func TestClear_SimpleCross(t *testing.T) {
	book := createTestOrderBook(t)

	buy := book.place(Buy, 110, 1)
	sell := book.place(Sell, 100, 1)

	fills := book.Clear(EarliestPrice{})
	require.Len(t, fills, 1)
	assert.Equal(t, Price(110), fills[0].Price)
	assert.Equal(t, int64(1), fills[0].Quantity)
	assert.Equal(t, buy.ID, fills[0].Buy.ID)
	assert.Equal(t, sell.ID, fills[0].Sell.ID)

	assert.Equal(t, 0, book.Len())
	assert.True(t, buy.Done())
	assert.True(t, sell.Done())
	require.NoError(t, book.CheckInvariants())
}

func TestClear_PartialFill(t *testing.T) {
	book := createTestOrderBook(t)

	buy := book.place(Buy, 110, 3)
	book.place(Sell, 100, 2)

	fills := book.Clear(EarliestPrice{})
	require.Len(t, fills, 1)
	assert.Equal(t, Price(110), fills[0].Price)
	assert.Equal(t, int64(2), fills[0].Quantity)

	require.Equal(t, 1, book.Len())
	resting, ok := book.Lookup(buy.ID)
	require.True(t, ok)
	assert.Equal(t, int64(1), resting.Remaining)
	assert.Equal(t, Level{Price: 110, Quantity: 1}, book.Quote().Bid)
	require.NoError(t, book.CheckInvariants())
}

func TestClear_SellRestingSetsPrice(t *testing.T) {
	book := createTestOrderBook(t)

	book.placeAt(Sell, 100, 1, 0)
	book.placeAt(Buy, 110, 1, 1)

	fills := book.Clear(EarliestPrice{})
	require.Len(t, fills, 1)
	assert.Equal(t, Price(100), fills[0].Price)
}

func TestClear_PriorityOrder(t *testing.T) {
	book := createTestOrderBook(t)

	// 1. Setup: buys at three prices, then a sell that crosses two of them.
	low := book.place(Buy, 101, 5)
	high := book.place(Buy, 103, 2)
	mid := book.place(Buy, 102, 2)
	book.place(Sell, 100, 3)

	// 2. The best buys are matched first and the lowest stays resting.
	assert.Equal(t, int64(2), book.matchedQuantity(high))
	assert.Equal(t, int64(1), book.matchedQuantity(mid))
	assert.Equal(t, int64(0), book.matchedQuantity(low))

	fills := book.Clear(EarliestPrice{})
	require.Len(t, fills, 2)
	assert.Equal(t, high.ID, fills[0].Buy.ID)
	assert.Equal(t, int64(2), fills[0].Quantity)
	assert.Equal(t, mid.ID, fills[1].Buy.ID)
	assert.Equal(t, int64(1), fills[1].Quantity)

	assert.Equal(t, Level{Price: 102, Quantity: 1}, book.Quote().Bid)
}

func TestClear_TimePriorityWithinLevel(t *testing.T) {
	book := createTestOrderBook(t)

	first := book.place(Sell, 100, 2)
	second := book.place(Sell, 100, 2)
	book.place(Buy, 100, 3)

	fills := book.Clear(EarliestPrice{})
	require.Len(t, fills, 2)
	assert.Equal(t, first.ID, fills[0].Sell.ID)
	assert.Equal(t, int64(2), fills[0].Quantity)
	assert.Equal(t, second.ID, fills[1].Sell.ID)
	assert.Equal(t, int64(1), fills[1].Quantity)
	assert.Equal(t, int64(1), second.Remaining)
}

func TestClear_UniformPrice(t *testing.T) {
	book := createTestOrderBook(t)

	book.place(Buy, 110, 1)
	book.place(Sell, 100, 1)

	fills := book.Clear(UniformPrice{Ratio: 0.5, TickSize: 1})
	require.Len(t, fills, 1)
	assert.Equal(t, Price(105), fills[0].Price)
}

func TestClear_Empty(t *testing.T) {
	book := createTestOrderBook(t)
	book.place(Buy, 90, 1)
	book.place(Sell, 100, 1)

	seq := book.Seq()
	assert.Nil(t, book.Clear(EarliestPrice{}))
	assert.Equal(t, seq, book.Seq())
}

func TestInsert_DisplacesWorstMatched(t *testing.T) {
	book := createTestOrderBook(t)

	// 1. Setup: sell@4 matched with buy@5, sell@6 resting.
	sell4 := book.place(Sell, 4, 1)
	buy5 := book.place(Buy, 5, 1)
	sell6 := book.place(Sell, 6, 1)
	require.Equal(t, int64(1), book.MatchedVolume())

	// 2. A better buy for two units displaces buy@5 and also crosses sell@6.
	buy7 := book.place(Buy, 7, 2)

	assert.Equal(t, int64(2), book.MatchedVolume())
	assert.Equal(t, int64(2), book.matchedQuantity(buy7))
	assert.Equal(t, int64(0), book.matchedQuantity(buy5))
	assert.Equal(t, int64(1), book.matchedQuantity(sell4))
	assert.Equal(t, int64(1), book.matchedQuantity(sell6))

	q := book.Quote()
	assert.Equal(t, Level{Price: 5, Quantity: 1}, q.Bid)
	assert.False(t, q.HasAsk)
}

func TestInsert_SplitOrder(t *testing.T) {
	book := createTestOrderBook(t)

	buy := book.place(Buy, 10, 5)
	book.place(Sell, 9, 2)

	e := book.orders[buy.ID]
	assert.Equal(t, int64(2), e.matched)
	assert.Equal(t, int64(3), e.unmatched)
	assert.Equal(t, Level{Price: 10, Quantity: 3}, book.Quote().Bid)
}

func TestWithdraw_Unmatched(t *testing.T) {
	book := createTestOrderBook(t)

	buy := book.place(Buy, 100, 1)
	assert.Equal(t, Price(100), book.Quote().Bid.Price)

	assert.Equal(t, int64(1), book.withdraw(buy))
	assert.False(t, book.Quote().HasBid)
	assert.Equal(t, 0, book.Len())
	assert.True(t, buy.Done())
}

func TestWithdraw_Idempotent(t *testing.T) {
	book := createTestOrderBook(t)

	buy := book.place(Buy, 100, 1)
	book.place(Sell, 105, 1)
	book.withdraw(buy)

	seq, quote := book.Seq(), book.Quote()
	assert.Equal(t, int64(0), book.withdraw(buy))
	assert.Equal(t, int64(0), book.Withdraw(uuid.New()))
	assert.Equal(t, seq, book.Seq())
	assert.Equal(t, quote, book.Quote())
}

func TestWithdraw_MatchedReplacedBySameSide(t *testing.T) {
	book := createTestOrderBook(t)

	book.place(Sell, 5, 1)
	best := book.place(Buy, 8, 1)
	next := book.place(Buy, 7, 1)
	require.Equal(t, int64(1), book.matchedQuantity(best))

	book.withdraw(best)
	assert.Equal(t, int64(1), book.MatchedVolume())
	assert.Equal(t, int64(1), book.matchedQuantity(next))
}

func TestWithdraw_MatchedReleasesCounterparty(t *testing.T) {
	book := createTestOrderBook(t)

	// 1. Setup: buy@10 qty 2 matched with sells @5 and @3; buy@4 resting.
	sell5 := book.place(Sell, 5, 1)
	sell3 := book.place(Sell, 3, 1)
	big := book.place(Buy, 10, 2)
	buy4 := book.place(Buy, 4, 1)
	require.Equal(t, int64(2), book.MatchedVolume())
	require.Equal(t, int64(0), book.matchedQuantity(buy4))

	// 2. Withdrawing buy@10 lets buy@4 take sell@3, while sell@5 is released.
	book.withdraw(big)

	assert.Equal(t, int64(1), book.MatchedVolume())
	assert.Equal(t, int64(1), book.matchedQuantity(buy4))
	assert.Equal(t, int64(1), book.matchedQuantity(sell3))
	assert.Equal(t, int64(0), book.matchedQuantity(sell5))

	q := book.Quote()
	assert.False(t, q.HasBid)
	assert.Equal(t, Level{Price: 5, Quantity: 1}, q.Ask)
}

func TestWithdrawQuantity(t *testing.T) {
	book := createTestOrderBook(t)

	buy := book.place(Buy, 10, 5)
	book.place(Sell, 9, 2)

	// Unmatched quantity goes first.
	assert.Equal(t, int64(3), book.WithdrawQuantity(buy.ID, 3))
	require.NoError(t, book.CheckInvariants())
	assert.Equal(t, int64(2), buy.Remaining)
	assert.Equal(t, int64(2), book.matchedQuantity(buy))
	assert.False(t, book.Quote().HasBid)

	// Then matched quantity, which releases the sell.
	assert.Equal(t, int64(1), book.WithdrawQuantity(buy.ID, 1))
	require.NoError(t, book.CheckInvariants())
	assert.Equal(t, int64(1), book.MatchedVolume())
	assert.Equal(t, Level{Price: 9, Quantity: 1}, book.Quote().Ask)

	// Over-withdrawal is capped at what remains.
	assert.Equal(t, int64(1), book.WithdrawQuantity(buy.ID, 10))
	assert.Equal(t, int64(0), book.WithdrawQuantity(buy.ID, 1))
	assert.Equal(t, int64(0), book.WithdrawQuantity(buy.ID, -1))
	assert.True(t, buy.Done())
	require.NoError(t, book.CheckInvariants())
}

func TestSelfTradeAllowed(t *testing.T) {
	book := createTestOrderBook(t)

	buy := book.newOrder(Buy, 100, 1, 0)
	sell := book.newOrder(Sell, 100, 1, 0)
	buy.Agent, sell.Agent = "same", "same"

	_, err := book.Insert(buy)
	require.NoError(t, err)
	_, err = book.Insert(sell)
	require.NoError(t, err)

	fills := book.Clear(EarliestPrice{})
	require.Len(t, fills, 1)
	assert.Equal(t, AgentID("same"), fills[0].Buy.Agent)
	assert.Equal(t, AgentID("same"), fills[0].Sell.Agent)
}
