package engine

import (
	"errors"
	"fmt"

	"marketsim/internal/common"
)

var errCorrupt = errors.New("corrupt order book")

// matchedBestFirst returns the matched entries of a side, highest priority
// first.
func (book *OrderBook) matchedBestFirst(side common.Side) []*entry {
	items := book.matched[side].Items()
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
	return items
}

// CheckInvariants verifies the partition accounting and the match
// invariants: every matched buy is priced at or above every matched sell, no
// unmatched pair crosses, and no unmatched order has priority over a matched
// order of its side.
func (book *OrderBook) CheckInvariants() error {
	var matched [2]int64
	var counts [2]struct{ unmatched, matched int }
	levels := [2]map[common.Price]int64{{}, {}}

	for id, e := range book.orders {
		if e.order.ID != id {
			return fmt.Errorf("%w: order %v filed under %v", errCorrupt, e.order.ID, id)
		}
		if e.unmatched+e.matched != e.order.Remaining || e.order.Remaining <= 0 {
			return fmt.Errorf("%w: order %v has unmatched %d + matched %d, remaining %d",
				errCorrupt, id, e.unmatched, e.matched, e.order.Remaining)
		}
		side := e.side()
		if _, in := book.unmatched[side].Get(e); in != (e.unmatched > 0) {
			return fmt.Errorf("%w: order %v unmatched membership", errCorrupt, id)
		}
		if _, in := book.matched[side].Get(e); in != (e.matched > 0) {
			return fmt.Errorf("%w: order %v matched membership", errCorrupt, id)
		}
		matched[side] += e.matched
		if e.unmatched > 0 {
			counts[side].unmatched++
			levels[side][e.price()] += e.unmatched
		}
		if e.matched > 0 {
			counts[side].matched++
		}
	}

	for _, side := range []common.Side{common.Buy, common.Sell} {
		if book.unmatched[side].Len() != counts[side].unmatched || book.matched[side].Len() != counts[side].matched {
			return fmt.Errorf("%w: %v partitions hold orders not in the book", errCorrupt, side)
		}
		if matched[side] != book.volume[side] {
			return fmt.Errorf("%w: %v matched volume %d, tracked %d", errCorrupt, side, matched[side], book.volume[side])
		}
		if len(levels[side]) != len(book.levels[side]) {
			return fmt.Errorf("%w: %v has %d levels, tracked %d", errCorrupt, side, len(levels[side]), len(book.levels[side]))
		}
		for p, q := range levels[side] {
			if book.levels[side][p] != q {
				return fmt.Errorf("%w: %v level %d holds %d, tracked %d", errCorrupt, side, p, q, book.levels[side][p])
			}
		}
		u, uok := book.unmatched[side].Min()
		w, wok := book.matched[side].Min()
		if uok && wok && before(side)(u, w) {
			return fmt.Errorf("%w: unmatched %v %v ahead of matched %v", errCorrupt, side, u.order.ID, w.order.ID)
		}
	}

	if book.volume[common.Buy] != book.volume[common.Sell] {
		return fmt.Errorf("%w: matched buy volume %d, sell volume %d", errCorrupt, book.volume[common.Buy], book.volume[common.Sell])
	}
	if wb, ok := book.matched[common.Buy].Min(); ok {
		ws, _ := book.matched[common.Sell].Min()
		if !compatible(wb.price(), ws.price()) {
			return fmt.Errorf("%w: matched buy %d below matched sell %d", errCorrupt, wb.price(), ws.price())
		}
	}
	if b, ok := book.unmatched[common.Buy].Min(); ok {
		if s, ok := book.unmatched[common.Sell].Min(); ok && compatible(b.price(), s.price()) {
			return fmt.Errorf("%w: unmatched buy %d crosses unmatched sell %d", errCorrupt, b.price(), s.price())
		}
	}
	return nil
}
