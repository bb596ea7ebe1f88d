package engine

import (
	"marketsim/internal/common"
)

// entry is the book's record of one live order. Its quantity is split between
// the unmatched and matched partitions of its side; an order carrying both is
// a split order. The key (price, submit time, seq) never changes while the
// entry is in a tree, so quantities may be mutated in place.
type entry struct {
	order *common.Order
	seq   uint64

	unmatched int64
	matched   int64
}

func (e *entry) side() common.Side   { return e.order.Side }
func (e *entry) price() common.Price { return e.order.Price }

// earlier orders entries by submission time, then by insertion sequence.
func earlier(a, b *entry) bool {
	if a.order.SubmitTime != b.order.SubmitTime {
		return a.order.SubmitTime < b.order.SubmitTime
	}
	return a.seq < b.seq
}

// buyBefore reports whether a has priority over b among buys: higher price
// first, then earlier.
func buyBefore(a, b *entry) bool {
	if a.price() != b.price() {
		return a.price() > b.price()
	}
	return earlier(a, b)
}

// sellBefore reports whether a has priority over b among sells: lower price
// first, then earlier.
func sellBefore(a, b *entry) bool {
	if a.price() != b.price() {
		return a.price() < b.price()
	}
	return earlier(a, b)
}

func before(side common.Side) func(a, b *entry) bool {
	if side == common.Buy {
		return buyBefore
	}
	return sellBefore
}

// compatible reports whether a buy at bid and a sell at ask may trade.
func compatible(bid, ask common.Price) bool { return bid >= ask }
