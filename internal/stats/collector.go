package stats

import (
	"encoding/json"
	"io"
	"math"
	"slices"

	"marketsim/internal/clock"
	"marketsim/internal/common"

	"github.com/rs/zerolog"
)

// Series is a time-indexed list of integer samples.
type Series struct {
	Times  []clock.TimeStamp
	Values []int64
}

func (s *Series) add(t clock.TimeStamp, v int64) {
	s.Times = append(s.Times, t)
	s.Values = append(s.Values, v)
}

// Median returns the median sample, or NaN for an empty series.
func (s *Series) Median() float64 {
	if s == nil || len(s.Values) == 0 {
		return math.NaN()
	}
	sorted := slices.Clone(s.Values)
	slices.Sort(sorted)
	n := len(sorted)
	if n%2 == 1 {
		return float64(sorted[n/2])
	}
	return float64(sorted[n/2-1]+sorted[n/2]) / 2
}

// Collector accumulates observations for one simulation. It is handed to the
// scheduler, markets and SIP at construction. A nil *Collector is valid and
// records nothing.
type Collector struct {
	log     zerolog.Logger
	started bool

	activities     uint64
	activityErrors uint64
	orders         uint64
	rejected       uint64
	withdrawals    uint64
	transactions   uint64
	volume         int64
	notional       int64

	spreads map[common.MarketID]*Series
	markets []common.MarketID
	nbbo    Series
}

// Summary is the flushed view of a Collector.
type Summary struct {
	Activities       uint64             `json:"activities"`
	ActivityErrors   uint64             `json:"activity_errors"`
	Orders           uint64             `json:"orders"`
	RejectedOrders   uint64             `json:"rejected_orders"`
	Withdrawals      uint64             `json:"withdrawals"`
	Transactions     uint64             `json:"transactions"`
	Volume           int64              `json:"volume"`
	VWAP             float64            `json:"vwap"`
	MedianSpread     map[string]float64 `json:"median_spread"`
	MedianNBBOSpread float64            `json:"median_nbbo_spread"`
}

func New(log zerolog.Logger) *Collector {
	c := &Collector{log: log}
	c.Init()
	return c
}

// Init resets every observation. It is called by New and may be called again
// to reuse a collector between runs.
func (c *Collector) Init() {
	if c == nil {
		return
	}
	*c = Collector{
		log:     c.log,
		started: true,
		spreads: make(map[common.MarketID]*Series),
	}
}

func (c *Collector) ActivityExecuted(err error) {
	if c == nil {
		return
	}
	c.activities++
	if err != nil {
		c.activityErrors++
	}
}

func (c *Collector) OrderSubmitted(common.Order) {
	if c == nil {
		return
	}
	c.orders++
}

func (c *Collector) OrderRejected() {
	if c == nil {
		return
	}
	c.rejected++
}

func (c *Collector) OrderWithdrawn(common.OrderHandle) {
	if c == nil {
		return
	}
	c.withdrawals++
}

func (c *Collector) Transaction(tx common.Transaction) {
	if c == nil {
		return
	}
	c.transactions++
	c.volume += tx.Quantity
	c.notional += tx.Quantity * int64(tx.Price)
}

// Quote records the spread of a market quote when both sides are present.
func (c *Collector) Quote(q common.Quote) {
	if c == nil {
		return
	}
	spread, ok := q.Spread()
	if !ok {
		return
	}
	s, ok := c.spreads[q.Market]
	if !ok {
		s = &Series{}
		c.spreads[q.Market] = s
		c.markets = append(c.markets, q.Market)
	}
	s.add(q.Time, int64(spread))
}

func (c *Collector) NBBOSpread(t clock.TimeStamp, spread common.Price) {
	if c == nil {
		return
	}
	c.nbbo.add(t, int64(spread))
}

// Spreads returns the recorded spread series of a market.
func (c *Collector) Spreads(market common.MarketID) *Series {
	if c == nil {
		return nil
	}
	return c.spreads[market]
}

// NBBOSpreads returns the recorded consolidated spread series.
func (c *Collector) NBBOSpreads() *Series {
	if c == nil {
		return nil
	}
	return &c.nbbo
}

// Flush computes the summary and logs it.
func (c *Collector) Flush() Summary {
	if c == nil {
		return Summary{}
	}
	s := Summary{
		Activities:       c.activities,
		ActivityErrors:   c.activityErrors,
		Orders:           c.orders,
		RejectedOrders:   c.rejected,
		Withdrawals:      c.withdrawals,
		Transactions:     c.transactions,
		Volume:           c.volume,
		MedianSpread:     make(map[string]float64, len(c.markets)),
		MedianNBBOSpread: c.nbbo.Median(),
	}
	if c.volume > 0 {
		s.VWAP = float64(c.notional) / float64(c.volume)
	}
	for _, m := range c.markets {
		s.MedianSpread[string(m)] = c.spreads[m].Median()
	}

	c.log.Info().
		Uint64("activities", s.Activities).
		Uint64("activity_errors", s.ActivityErrors).
		Uint64("orders", s.Orders).
		Uint64("transactions", s.Transactions).
		Int64("volume", s.Volume).
		Float64("vwap", s.VWAP).
		Msg("simulation statistics")
	return s
}

// WriteJSON writes the summary as one JSON object. NaN medians are written
// as null.
func (s Summary) WriteJSON(w io.Writer) error {
	type out struct {
		Summary
		MedianSpread     map[string]*float64 `json:"median_spread"`
		MedianNBBOSpread *float64            `json:"median_nbbo_spread"`
	}
	o := out{Summary: s, MedianSpread: make(map[string]*float64, len(s.MedianSpread))}
	for k, v := range s.MedianSpread {
		o.MedianSpread[k] = finite(v)
	}
	o.MedianNBBOSpread = finite(s.MedianNBBOSpread)
	return json.NewEncoder(w).Encode(o)
}

func finite(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}
