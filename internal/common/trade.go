package common

import (
	"fmt"

	"marketsim/internal/clock"

	"github.com/google/uuid"
)

// Transaction records one completed match between a buy and a sell order.
// Transactions are append-only and never change after creation.
type Transaction struct {
	Seq       uint64 // Per-market transaction counter, starting at 1
	Market    MarketID
	Time      clock.TimeStamp
	Price     Price
	Quantity  int64
	BuyOrder  uuid.UUID
	SellOrder uuid.UUID
	Buyer     AgentID
	Seller    AgentID
}

func (t Transaction) String() string {
	return fmt.Sprintf(
		`Seq:       %d
Market:    %s
Time:      %v
Price:     %d
Quantity:  %d
BuyOrder:  %v (%s)
SellOrder: %v (%s)`,
		t.Seq,
		t.Market,
		t.Time,
		t.Price,
		t.Quantity,
		t.BuyOrder, t.Buyer,
		t.SellOrder, t.Seller,
	)
}
