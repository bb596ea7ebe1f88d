package common

import (
	"fmt"

	"marketsim/internal/clock"
)

// Level is a price together with the aggregate quantity resting at it.
type Level struct {
	Price    Price
	Quantity int64
}

// Quote is the top of one market's book: the best unmatched buy and sell
// levels. A side without resting orders has its Has flag unset. Seq is the
// matching engine sequence number the quote was derived at and is used to
// discard quotes that arrive out of order.
type Quote struct {
	Market MarketID
	Bid    Level
	Ask    Level
	HasBid bool
	HasAsk bool
	Seq    uint64
	Time   clock.TimeStamp
}

// Spread returns ask minus bid when both sides are present.
func (q Quote) Spread() (Price, bool) {
	if !q.HasBid || !q.HasAsk {
		return 0, false
	}
	return q.Ask.Price - q.Bid.Price, true
}

// Midquote returns the midpoint in ticks, rounded down.
func (q Quote) Midquote() (Price, bool) {
	if !q.HasBid || !q.HasAsk {
		return 0, false
	}
	return (q.Ask.Price + q.Bid.Price) / 2, true
}

func (q Quote) String() string {
	bid, ask := "-", "-"
	if q.HasBid {
		bid = fmt.Sprintf("%d@%d", q.Bid.Quantity, q.Bid.Price)
	}
	if q.HasAsk {
		ask = fmt.Sprintf("%d@%d", q.Ask.Quantity, q.Ask.Price)
	}
	return fmt.Sprintf("%s[bid %s, ask %s, seq %d, t %v]", q.Market, bid, ask, q.Seq, q.Time)
}
