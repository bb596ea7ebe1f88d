package agent

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"slices"

	"marketsim/internal/common"
)

// PrivateValue holds an agent's idiosyncratic value for each unit of position
// change, indexed so that values[max+p] is the value of moving from position p
// to p+1. Values are decreasing in position.
type PrivateValue struct {
	max    int64
	values []common.Price
}

// NewPrivateValue draws 2*maxPosition Gaussian values with the given
// variance.
func NewPrivateValue(maxPosition int64, variance float64, rng *rand.Rand) *PrivateValue {
	pv := &PrivateValue{max: maxPosition, values: make([]common.Price, 2*maxPosition)}
	for i := range pv.values {
		pv.values[i] = common.Price(math.Round(rng.NormFloat64() * math.Sqrt(variance)))
	}
	slices.Sort(pv.values)
	slices.Reverse(pv.values)
	return pv
}

// Value returns the private value of trading one unit on side from position.
// Positions outside the table are worth nothing.
func (pv *PrivateValue) Value(position int64, side common.Side) common.Price {
	i := pv.max + position
	if side == common.Sell {
		i--
	}
	if i < 0 || i >= int64(len(pv.values)) {
		return 0
	}
	return pv.values[i]
}

// MaxPosition is the largest absolute position the table covers.
func (pv *PrivateValue) MaxPosition() int64 { return pv.max }

type ZIConfig struct {
	PrivateValueVar float64
	MaxPosition     int64
	BidRangeMin     common.Price
	BidRangeMax     common.Price
	TickSize        common.Price
	// WithdrawOpen withdraws the agent's resting orders before each new
	// submission.
	WithdrawOpen bool
}

func NewDefaultZIConfig() ZIConfig {
	return ZIConfig{
		PrivateValueVar: 1e8,
		MaxPosition:     10,
		BidRangeMin:     0,
		BidRangeMax:     5000,
		TickSize:        1,
		WithdrawOpen:    true,
	}
}

func (c ZIConfig) Validate() error {
	var errs []error
	if c.MaxPosition <= 0 {
		errs = append(errs, fmt.Errorf("max position %d", c.MaxPosition))
	}
	if c.PrivateValueVar < 0 {
		errs = append(errs, fmt.Errorf("private value variance %g", c.PrivateValueVar))
	}
	if c.BidRangeMin < 0 || c.BidRangeMax < c.BidRangeMin {
		errs = append(errs, fmt.Errorf("bid range [%d, %d]", c.BidRangeMin, c.BidRangeMax))
	}
	if c.TickSize <= 0 {
		errs = append(errs, fmt.Errorf("tick size %d", c.TickSize))
	}
	return errors.Join(errs...)
}

// ZeroIntelligence submits one unit on a random side each time it wakes up.
// The limit price shades its valuation, fundamental plus private value, by a
// uniform draw from the bid range: buys below it, sells above it.
type ZeroIntelligence struct {
	cfg         ZIConfig
	fundamental *Fundamental
	pv          *PrivateValue
	rng         *rand.Rand
}

func NewZeroIntelligence(cfg ZIConfig, fundamental *Fundamental, seed uint64) (*ZeroIntelligence, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("zero intelligence: %w", err)
	}
	if fundamental == nil {
		return nil, errors.New("zero intelligence: nil fundamental")
	}
	rng := rand.New(rand.NewPCG(seed, seed^0xda942042e4dd58b5))
	return &ZeroIntelligence{
		cfg:         cfg,
		fundamental: fundamental,
		pv:          NewPrivateValue(cfg.MaxPosition, cfg.PrivateValueVar, rng),
		rng:         rng,
	}, nil
}

func (z *ZeroIntelligence) PrivateValue() *PrivateValue { return z.pv }

func (z *ZeroIntelligence) Decide(obs Observation) []Intent {
	var intents []Intent
	if z.cfg.WithdrawOpen {
		for _, h := range obs.Open {
			intents = append(intents, WithdrawIntent(h))
		}
	}

	side := common.Sell
	if z.rng.IntN(2) == 0 {
		side = common.Buy
	}
	next := obs.Position + 1
	if side == common.Sell {
		next = obs.Position - 1
	}
	if next > z.cfg.MaxPosition || next < -z.cfg.MaxPosition {
		return intents
	}

	value := z.fundamental.ValueAt(obs.Now) + z.pv.Value(obs.Position, side)
	shade := z.cfg.BidRangeMin
	if span := int64(z.cfg.BidRangeMax - z.cfg.BidRangeMin); span > 0 {
		shade += common.Price(z.rng.Int64N(span + 1))
	}
	price := value - shade
	if side == common.Sell {
		price = value + shade
	}
	price = max(0, price/z.cfg.TickSize*z.cfg.TickSize)
	return append(intents, SubmitIntent(side, price, 1))
}
