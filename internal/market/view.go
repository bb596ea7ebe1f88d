package market

import (
	"slices"

	"marketsim/internal/clock"
	"marketsim/internal/common"
)

// View is a market's quote and transaction stream as seen with a fixed
// latency. It reflects only updates whose propagation has executed.
type View struct {
	market  common.MarketID
	latency clock.TimeStamp

	quote        common.Quote
	updated      clock.TimeStamp
	transactions []common.Transaction
}

func newView(market common.MarketID, latency clock.TimeStamp) *View {
	return &View{
		market:  market,
		latency: latency,
		quote:   common.Quote{Market: market},
		updated: clock.Immediate,
	}
}

func (v *View) Market() common.MarketID     { return v.market }
func (v *View) Latency() clock.TimeStamp    { return v.latency }
func (v *View) Quote() common.Quote         { return v.quote }
func (v *View) LastUpdate() clock.TimeStamp { return v.updated }

// Transactions returns the delivered transactions ordered by their market
// sequence number.
func (v *View) Transactions() []common.Transaction {
	return v.transactions[:len(v.transactions):len(v.transactions)]
}

// Deliver applies an update. A quote derived at an older book sequence than
// the one held is ignored; its transactions are still recorded.
func (v *View) Deliver(now clock.TimeStamp, u Update) {
	if u.Quote.Seq >= v.quote.Seq {
		v.quote = u.Quote
		v.updated = now
	}
	for _, tx := range u.Transactions {
		i, found := slices.BinarySearchFunc(v.transactions, tx.Seq, func(t common.Transaction, seq uint64) int {
			switch {
			case t.Seq < seq:
				return -1
			case t.Seq > seq:
				return 1
			}
			return 0
		})
		if !found {
			v.transactions = slices.Insert(v.transactions, i, tx)
		}
	}
}
