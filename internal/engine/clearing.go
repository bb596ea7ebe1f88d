package engine

import (
	"fmt"
	"math"

	"marketsim/internal/common"

	"github.com/google/uuid"
)

// Match pairs quantity of a matched buy with a matched sell.
type Match struct {
	Buy      *common.Order
	Sell     *common.Order
	Quantity int64

	buySeq  uint64
	sellSeq uint64
}

// BuyFirst reports whether the buy order arrived before the sell order.
func (m Match) BuyFirst() bool {
	if m.Buy.SubmitTime != m.Sell.SubmitTime {
		return m.Buy.SubmitTime < m.Sell.SubmitTime
	}
	return m.buySeq < m.sellSeq
}

// Fill is a priced match realized by Clear.
type Fill struct {
	Match
	Price common.Price
}

// Bounds are the prices of the marginal matched orders of a batch: the lowest
// matched buy and the highest matched sell.
type Bounds struct {
	LowestBuy   common.Price
	HighestSell common.Price
}

// PricingRule decides the execution price of each pair in a clear.
type PricingRule interface {
	Price(m Match, b Bounds) common.Price
}

// EarliestPrice executes at the price of whichever order arrived first, so
// the resting order sets the price in a continuous market.
type EarliestPrice struct{}

func (EarliestPrice) Price(m Match, _ Bounds) common.Price {
	if m.BuyFirst() {
		return m.Buy.Price
	}
	return m.Sell.Price
}

func (EarliestPrice) String() string { return "earliest" }

// UniformPrice executes the whole batch at one price between the marginal
// orders: Ratio*LowestBuy + (1-Ratio)*HighestSell, rounded to TickSize.
type UniformPrice struct {
	Ratio    float64
	TickSize common.Price
}

func (u UniformPrice) Price(_ Match, b Bounds) common.Price {
	tick := u.TickSize
	if tick <= 0 {
		tick = 1
	}
	p := u.Ratio*float64(b.LowestBuy) + (1-u.Ratio)*float64(b.HighestSell)
	rounded := common.Price(math.Round(p/float64(tick))) * tick
	return min(max(rounded, b.HighestSell), b.LowestBuy)
}

func (u UniformPrice) String() string {
	return fmt.Sprintf("uniform(ratio=%g, tick=%d)", u.Ratio, u.TickSize)
}

// Matched returns the pending pairing of all matched quantity: buys and sells
// are zipped unit by unit, each in priority order.
func (book *OrderBook) Matched() []Match {
	buys := book.matchedBestFirst(common.Buy)
	sells := book.matchedBestFirst(common.Sell)

	var out []Match
	i, j := 0, 0
	var bq, sq int64
	if len(buys) > 0 {
		bq = buys[0].matched
	}
	if len(sells) > 0 {
		sq = sells[0].matched
	}
	for i < len(buys) && j < len(sells) {
		q := min(bq, sq)
		out = append(out, Match{
			Buy:      buys[i].order,
			Sell:     sells[j].order,
			Quantity: q,
			buySeq:   buys[i].seq,
			sellSeq:  sells[j].seq,
		})
		bq -= q
		sq -= q
		if bq == 0 {
			if i++; i < len(buys) {
				bq = buys[i].matched
			}
		}
		if sq == 0 {
			if j++; j < len(sells) {
				sq = sells[j].matched
			}
		}
	}
	return out
}

// Clear realizes every matched pair at the price chosen by rule, decrements
// the orders' remaining quantity and removes filled orders. The matched
// partitions are empty afterwards.
func (book *OrderBook) Clear(rule PricingRule) []Fill {
	matches := book.Matched()
	if len(matches) == 0 {
		return nil
	}
	lowest, _ := book.matched[common.Buy].Min()
	highest, _ := book.matched[common.Sell].Min()
	bounds := Bounds{LowestBuy: lowest.price(), HighestSell: highest.price()}

	fills := make([]Fill, 0, len(matches))
	for _, m := range matches {
		fills = append(fills, Fill{Match: m, Price: rule.Price(m, bounds)})
		book.fill(m.Buy.ID, m.Quantity)
		book.fill(m.Sell.ID, m.Quantity)
	}
	book.seq++
	return fills
}

func (book *OrderBook) fill(id uuid.UUID, quantity int64) {
	e, ok := book.orders[id]
	if !ok || e.matched < quantity {
		panic(fmt.Sprintf("engine: fill of %d exceeds matched quantity of %v", quantity, id))
	}
	book.addMatched(e, -quantity)
	e.order.Remaining -= quantity
	if e.order.Remaining == 0 {
		delete(book.orders, id)
	}
}
