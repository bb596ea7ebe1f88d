package market

import (
	"errors"
	"fmt"

	"marketsim/internal/clock"
	"marketsim/internal/common"
	"marketsim/internal/engine"
)

var ErrInvalidConfig = errors.New("invalid market config")

// Policy decides when matched orders are realized as transactions.
type Policy int

const (
	// Continuous clears synchronously after every insert.
	Continuous Policy = iota
	// Periodic clears on a fixed interval (a call market). The recurring
	// clear is scheduled by New, first at one interval after creation.
	Periodic
)

func (p Policy) String() string {
	switch p {
	case Continuous:
		return "continuous"
	case Periodic:
		return "periodic"
	}
	return fmt.Sprintf("policy(%d)", int(p))
}

// ParsePolicy reads a policy name.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "continuous", "":
		return Continuous, nil
	case "periodic", "call":
		return Periodic, nil
	}
	return 0, fmt.Errorf("%w: unknown policy %q", ErrInvalidConfig, s)
}

type Config struct {
	ID     common.MarketID
	Policy Policy

	// Latency is the delay before external subscribers such as the SIP see
	// an update: a finite tick count, or clock.Immediate to deliver before the
	// clock advances. Immediate is the only accepted value below zero, so
	// write the constant rather than -1; every other negative is rejected.
	Latency clock.TimeStamp

	// ClearInterval is the period of a Periodic market.
	ClearInterval clock.TimeStamp

	// Pricing prices cleared pairs. Nil selects the policy's default.
	Pricing engine.PricingRule
}

// NewDefaultConfig returns a continuous, zero-latency market.
func NewDefaultConfig(id common.MarketID) Config {
	return Config{
		ID:      id,
		Policy:  Continuous,
		Latency: clock.Zero,
	}
}

// Validate checks the config and fills in the default pricing rule.
func (c *Config) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("%w: empty market id", ErrInvalidConfig)
	}
	if !c.Latency.IsImmediate() && !c.Latency.IsFinite() {
		return fmt.Errorf("%w: market %s latency %d", ErrInvalidConfig, c.ID, int64(c.Latency))
	}
	switch c.Policy {
	case Continuous:
		if c.Pricing == nil {
			c.Pricing = engine.EarliestPrice{}
		}
	case Periodic:
		if !c.ClearInterval.IsFinite() || c.ClearInterval <= 0 {
			return fmt.Errorf("%w: market %s clear interval %d", ErrInvalidConfig, c.ID, int64(c.ClearInterval))
		}
		if c.Pricing == nil {
			c.Pricing = engine.UniformPrice{Ratio: 0.5, TickSize: 1}
		}
	default:
		return fmt.Errorf("%w: market %s policy %v", ErrInvalidConfig, c.ID, c.Policy)
	}
	if u, ok := c.Pricing.(engine.UniformPrice); ok && (u.Ratio < 0 || u.Ratio > 1) {
		return fmt.Errorf("%w: market %s pricing ratio %g", ErrInvalidConfig, c.ID, u.Ratio)
	}
	return nil
}
