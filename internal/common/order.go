package common

import (
	"fmt"

	"marketsim/internal/clock"

	"github.com/google/uuid"
)

// Order is a good-until-cancelled limit order. Everything except Remaining is
// fixed at submission; Remaining only ever decreases, through fills and
// withdrawals, and an order with Remaining 0 is terminal.
type Order struct {
	ID         uuid.UUID       // Deterministic per-market id
	Agent      AgentID         // Owner of the order
	Market     MarketID        // Market the order rests in
	Side       Side            // Order side
	Price      Price           // Limit price in ticks
	Quantity   int64           // Quantity at submission
	Remaining  int64           // Quantity not yet filled or withdrawn
	SubmitTime clock.TimeStamp // Logical submission time
}

// Done reports whether the order is terminal.
func (order Order) Done() bool { return order.Remaining == 0 }

func (order Order) String() string {
	return fmt.Sprintf(
		`ID:         %v
Agent:      %s
Market:     %s
Side:       %v
Price:      %d
Quantity:   %d (Remaining: %d)
SubmitTime: %v`,
		order.ID,
		order.Agent,
		order.Market,
		order.Side,
		order.Price,
		order.Quantity,
		order.Remaining,
		order.SubmitTime,
	)
}

// OrderHandle is what a market hands back on submission. It is a plain value
// so agents can keep it around after the order is gone.
type OrderHandle struct {
	ID     uuid.UUID
	Market MarketID
}

func (h OrderHandle) String() string {
	return fmt.Sprintf("%s/%s", h.Market, h.ID)
}
