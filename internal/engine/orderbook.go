package engine

import (
	"errors"
	"fmt"

	"marketsim/internal/common"

	"github.com/google/uuid"
	"github.com/tidwall/btree"
)

var (
	ErrInvalidOrder = errors.New("invalid order")
)

type partition = btree.BTreeG[*entry]

// OrderBook is the four-partition order set of one instrument. Every unit of
// live quantity sits in exactly one of unmatched-buy, unmatched-sell,
// matched-buy or matched-sell. After every public operation the matched set
// is the largest volume that keeps every matched buy priced at or above every
// matched sell.
//
// Unmatched partitions iterate best-first, matched partitions worst-first, so
// Min of each tree is the order that moves next.
type OrderBook struct {
	orders map[uuid.UUID]*entry

	unmatched [2]*partition
	matched   [2]*partition

	// Aggregate unmatched quantity per price level, for quotes.
	levels [2]map[common.Price]int64

	// Total matched quantity per side. Equal on both sides outside of an
	// operation.
	volume [2]int64

	orderSeq uint64
	seq      uint64
}

func NewOrderBook() *OrderBook {
	opts := btree.Options{NoLocks: true}
	book := &OrderBook{orders: make(map[uuid.UUID]*entry)}

	// Best first.
	book.unmatched[common.Buy] = btree.NewBTreeGOptions(buyBefore, opts)
	book.unmatched[common.Sell] = btree.NewBTreeGOptions(sellBefore, opts)
	// Worst first.
	book.matched[common.Buy] = btree.NewBTreeGOptions(func(a, b *entry) bool {
		return buyBefore(b, a)
	}, opts)
	book.matched[common.Sell] = btree.NewBTreeGOptions(func(a, b *entry) bool {
		return sellBefore(b, a)
	}, opts)

	for _, side := range []common.Side{common.Buy, common.Sell} {
		book.levels[side] = make(map[common.Price]int64)
	}
	return book
}

// Seq is the book's state sequence number. It advances on every operation
// that changes the book.
func (book *OrderBook) Seq() uint64 { return book.seq }

// Len returns the number of live orders.
func (book *OrderBook) Len() int { return len(book.orders) }

// MatchedVolume returns the quantity currently matched on each side.
func (book *OrderBook) MatchedVolume() int64 { return book.volume[common.Buy] }

// Lookup returns the live order with the given id.
func (book *OrderBook) Lookup(id uuid.UUID) (*common.Order, bool) {
	e, ok := book.orders[id]
	if !ok {
		return nil, false
	}
	return e.order, true
}

// Insert adds a live order to the book and restores the maximal match. The
// book keeps the pointer and mutates order.Remaining on fills and
// withdrawals.
//
// When the matched volume changed, Insert returns the pending pairing of all
// matched quantity. Continuous markets realize it immediately with Clear;
// call markets leave it pending.
func (book *OrderBook) Insert(order *common.Order) ([]Match, error) {
	switch {
	case order == nil:
		return nil, fmt.Errorf("%w: nil order", ErrInvalidOrder)
	case !order.Side.Valid():
		return nil, fmt.Errorf("%w: unknown side %d", ErrInvalidOrder, order.Side)
	case order.Price < 0:
		return nil, fmt.Errorf("%w: negative price %d", ErrInvalidOrder, order.Price)
	case order.Quantity <= 0:
		return nil, fmt.Errorf("%w: non-positive quantity %d", ErrInvalidOrder, order.Quantity)
	case order.Remaining <= 0 || order.Remaining > order.Quantity:
		return nil, fmt.Errorf("%w: remaining %d of %d", ErrInvalidOrder, order.Remaining, order.Quantity)
	}
	if _, ok := book.orders[order.ID]; ok {
		return nil, fmt.Errorf("%w: duplicate id %v", ErrInvalidOrder, order.ID)
	}

	book.orderSeq++
	e := &entry{order: order, seq: book.orderSeq}
	book.orders[order.ID] = e
	book.addUnmatched(e, order.Remaining)
	book.seq++

	before := book.MatchedVolume()
	book.restore()
	if book.MatchedVolume() == before {
		return nil, nil
	}
	return book.Matched(), nil
}

// Withdraw removes all remaining quantity of an order. Unknown and terminal
// orders are a no-op. It returns the quantity removed.
func (book *OrderBook) Withdraw(id uuid.UUID) int64 {
	e, ok := book.orders[id]
	if !ok {
		return 0
	}
	return book.withdraw(e, e.order.Remaining)
}

// WithdrawQuantity removes up to quantity units of an order, taking unmatched
// quantity before matched. It returns the quantity removed.
func (book *OrderBook) WithdrawQuantity(id uuid.UUID, quantity int64) int64 {
	e, ok := book.orders[id]
	if !ok || quantity <= 0 {
		return 0
	}
	return book.withdraw(e, min(quantity, e.order.Remaining))
}

func (book *OrderBook) withdraw(e *entry, quantity int64) int64 {
	fromUnmatched := min(quantity, e.unmatched)
	fromMatched := quantity - fromUnmatched

	book.addUnmatched(e, -fromUnmatched)
	book.addMatched(e, -fromMatched)
	e.order.Remaining -= quantity
	if e.order.Remaining == 0 {
		delete(book.orders, e.order.ID)
	}

	if fromMatched > 0 {
		book.rebalance(e.side(), fromMatched)
	}
	book.extend()
	book.seq++
	return quantity
}

// Quote returns the best unmatched level of each side.
func (book *OrderBook) Quote() common.Quote {
	q := common.Quote{Seq: book.seq}
	if e, ok := book.unmatched[common.Buy].Min(); ok {
		q.HasBid = true
		q.Bid = common.Level{Price: e.price(), Quantity: book.levels[common.Buy][e.price()]}
	}
	if e, ok := book.unmatched[common.Sell].Min(); ok {
		q.HasAsk = true
		q.Ask = common.Level{Price: e.price(), Quantity: book.levels[common.Sell][e.price()]}
	}
	return q
}

// restore re-establishes priority on both sides, then extends the match.
func (book *OrderBook) restore() {
	book.displace(common.Buy)
	book.displace(common.Sell)
	book.extend()
}

// displace swaps quantity while the best unmatched order of a side has
// priority over the worst matched order of that side. Matched volume is
// unchanged and the matched set only improves, so price compatibility holds.
func (book *OrderBook) displace(side common.Side) {
	better := before(side)
	for {
		u, uok := book.unmatched[side].Min()
		w, wok := book.matched[side].Min()
		if !uok || !wok || !better(u, w) {
			return
		}
		q := min(u.unmatched, w.matched)
		book.addUnmatched(u, -q)
		book.addMatched(u, q)
		book.addMatched(w, -q)
		book.addUnmatched(w, q)
	}
}

// extend moves quantity into the matched set while the best unmatched buy and
// sell cross. With no unmatched order ahead of a matched one on its side, the
// new pair is compatible with every matched order.
func (book *OrderBook) extend() {
	for {
		b, bok := book.unmatched[common.Buy].Min()
		s, sok := book.unmatched[common.Sell].Min()
		if !bok || !sok || !compatible(b.price(), s.price()) {
			return
		}
		q := min(b.unmatched, s.unmatched)
		book.addUnmatched(b, -q)
		book.addMatched(b, q)
		book.addUnmatched(s, -q)
		book.addMatched(s, q)
	}
}

// rebalance repairs the matched set after deficit units were withdrawn from
// matched orders of side. Each unit is either replaced by the best unmatched
// order of the same side, when that order is compatible with every matched
// counter order, or offset by releasing the worst matched counter order.
func (book *OrderBook) rebalance(side common.Side, deficit int64) {
	counter := side.Opposite()
	for deficit > 0 {
		w, ok := book.matched[counter].Min()
		if !ok {
			panic(fmt.Sprintf("engine: matched %v deficit %d with no matched %v", side, deficit, counter))
		}
		u, uok := book.unmatched[side].Min()
		if uok && pairable(side, u.price(), w.price()) {
			q := min(u.unmatched, deficit)
			book.addUnmatched(u, -q)
			book.addMatched(u, q)
			deficit -= q
			continue
		}
		q := min(w.matched, deficit)
		book.addMatched(w, -q)
		book.addUnmatched(w, q)
		deficit -= q
	}
}

// pairable reports whether an order of side at price can trade with a
// counter order at counterPrice.
func pairable(side common.Side, price, counterPrice common.Price) bool {
	if side == common.Buy {
		return compatible(price, counterPrice)
	}
	return compatible(counterPrice, price)
}

func (book *OrderBook) addUnmatched(e *entry, d int64) {
	if d == 0 {
		return
	}
	side, tree := e.side(), book.unmatched[e.side()]
	was := e.unmatched
	e.unmatched += d
	if e.unmatched < 0 {
		panic(fmt.Sprintf("engine: negative unmatched quantity for %v", e.order.ID))
	}

	level := book.levels[side][e.price()] + d
	if level == 0 {
		delete(book.levels[side], e.price())
	} else {
		book.levels[side][e.price()] = level
	}

	switch {
	case was == 0 && e.unmatched > 0:
		tree.Set(e)
	case was > 0 && e.unmatched == 0:
		tree.Delete(e)
	}
}

func (book *OrderBook) addMatched(e *entry, d int64) {
	if d == 0 {
		return
	}
	tree := book.matched[e.side()]
	was := e.matched
	e.matched += d
	if e.matched < 0 {
		panic(fmt.Sprintf("engine: negative matched quantity for %v", e.order.ID))
	}
	book.volume[e.side()] += d

	switch {
	case was == 0 && e.matched > 0:
		tree.Set(e)
	case was > 0 && e.matched == 0:
		tree.Delete(e)
	}
}
