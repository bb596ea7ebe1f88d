// Package config loads a simulation description from YAML.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"marketsim/internal/agent"
	"marketsim/internal/clock"
	"marketsim/internal/common"
	"marketsim/internal/engine"
	"marketsim/internal/market"

	"gopkg.in/yaml.v3"
)

var ErrInvalidConfig = errors.New("invalid config")

// Ticks is a timestamp in config files: a tick count, or one of the names
// "immediate" and "infinite".
type Ticks clock.TimeStamp

func (t Ticks) TimeStamp() clock.TimeStamp { return clock.TimeStamp(t) }

func (t *Ticks) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: timestamp must be a scalar", node.Line)
	}
	ts, err := clock.Parse(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*t = Ticks(ts)
	return nil
}

func (t Ticks) MarshalYAML() (any, error) {
	ts := clock.TimeStamp(t)
	if !ts.IsFinite() {
		return ts.String(), nil
	}
	return ts.Ticks(), nil
}

type Config struct {
	Seed        uint64            `yaml:"seed"`
	End         Ticks             `yaml:"end"`
	Fundamental FundamentalConfig `yaml:"fundamental"`
	Markets     []MarketConfig    `yaml:"markets"`
	Agents      []AgentConfig     `yaml:"agents"`

	// CheckInvariants verifies every order book after each change and
	// aborts the run on the first violation. It slows runs down.
	CheckInvariants bool `yaml:"check_invariants"`
}

type FundamentalConfig struct {
	Mean     common.Price `yaml:"mean"`
	Kappa    float64      `yaml:"kappa"`
	ShockVar float64      `yaml:"shock_var"`
}

type MarketConfig struct {
	ID            common.MarketID `yaml:"id"`
	Policy        string          `yaml:"policy"`
	Latency       Ticks           `yaml:"latency"`
	ClearInterval Ticks           `yaml:"clear_interval"`
	Pricing       *PricingConfig  `yaml:"pricing"`
}

type PricingConfig struct {
	Rule     string       `yaml:"rule"`
	Ratio    float64      `yaml:"ratio"`
	TickSize common.Price `yaml:"tick_size"`
}

type AgentConfig struct {
	Name        string          `yaml:"name"`
	Strategy    string          `yaml:"strategy"`
	Count       int             `yaml:"count"`
	Market      common.MarketID `yaml:"market"`
	Latency     Ticks           `yaml:"latency"`
	Start       Ticks           `yaml:"start"`
	ArrivalRate float64         `yaml:"arrival_rate"`
	UseSIP      bool            `yaml:"use_sip"`
	ZI          *ZIConfig       `yaml:"zi"`
}

type ZIConfig struct {
	PrivateValueVar *float64      `yaml:"private_value_var"`
	MaxPosition     *int64        `yaml:"max_position"`
	BidRangeMin     *common.Price `yaml:"bid_range_min"`
	BidRangeMax     *common.Price `yaml:"bid_range_max"`
	TickSize        *common.Price `yaml:"tick_size"`
	WithdrawOpen    *bool         `yaml:"withdraw_open"`
}

// NewDefaultConfig returns a single continuous market with a small population
// of zero-intelligence traders.
func NewDefaultConfig() *Config {
	return &Config{
		Seed: 1,
		End:  10000,
		Fundamental: FundamentalConfig{
			Mean:     100000,
			Kappa:    0.05,
			ShockVar: 1e6,
		},
		Markets: []MarketConfig{
			{ID: "NYSE", Policy: "continuous", Latency: 0},
		},
		Agents: []AgentConfig{
			{Name: "zi", Strategy: "zi", Count: 10, Market: "NYSE", ArrivalRate: 0.01},
		},
	}
}

// Load reads and validates a YAML config file.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	cfg, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Decode reads and validates a YAML config. Unknown keys are rejected.
func Decode(r io.Reader) (*Config, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty document", ErrInvalidConfig)
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Parse is Decode over a byte slice.
func Parse(data []byte) (*Config, error) {
	return Decode(bytes.NewReader(data))
}

// Encode writes cfg as YAML.
func (c *Config) Encode(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return err
	}
	return enc.Close()
}

// Validate checks the whole config, reporting every problem found.
func (c *Config) Validate() error {
	var errs []error
	if !c.End.TimeStamp().IsFinite() {
		errs = append(errs, fmt.Errorf("end %v must be a finite tick", c.End.TimeStamp()))
	}
	if _, err := agent.NewFundamental(c.Fundamental.Kappa, c.Fundamental.Mean, c.Fundamental.ShockVar, 0); err != nil {
		errs = append(errs, err)
	}
	if len(c.Markets) == 0 {
		errs = append(errs, errors.New("no markets"))
	}

	ids := make(map[common.MarketID]bool, len(c.Markets))
	for i := range c.Markets {
		mc := &c.Markets[i]
		if ids[mc.ID] {
			errs = append(errs, fmt.Errorf("duplicate market %q", mc.ID))
		}
		ids[mc.ID] = true
		if _, err := mc.Market(); err != nil {
			errs = append(errs, err)
		}
	}

	names := make(map[string]bool, len(c.Agents))
	for i := range c.Agents {
		ac := &c.Agents[i]
		if ac.Name == "" {
			errs = append(errs, fmt.Errorf("agent group %d has no name", i))
		} else if names[ac.Name] {
			errs = append(errs, fmt.Errorf("duplicate agent group %q", ac.Name))
		}
		names[ac.Name] = true
		if !ids[ac.Market] {
			errs = append(errs, fmt.Errorf("agent group %q: unknown market %q", ac.Name, ac.Market))
		}
		if ac.Count <= 0 {
			errs = append(errs, fmt.Errorf("agent group %q: count %d", ac.Name, ac.Count))
		}
		lat := ac.Latency.TimeStamp()
		if !lat.IsImmediate() && !lat.IsFinite() {
			errs = append(errs, fmt.Errorf("agent group %q: latency %v", ac.Name, lat))
		}
		if !ac.Start.TimeStamp().IsFinite() {
			errs = append(errs, fmt.Errorf("agent group %q: start %v", ac.Name, ac.Start.TimeStamp()))
		}
		if ac.ArrivalRate <= 0 {
			errs = append(errs, fmt.Errorf("agent group %q: arrival rate %g", ac.Name, ac.ArrivalRate))
		}
		switch ac.Strategy {
		case "zi":
			if err := ac.ZIParams().Validate(); err != nil {
				errs = append(errs, fmt.Errorf("agent group %q: %w", ac.Name, err))
			}
		case "idle":
		default:
			errs = append(errs, fmt.Errorf("agent group %q: unknown strategy %q", ac.Name, ac.Strategy))
		}
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

// Market converts the entry to a market config and validates it.
func (mc MarketConfig) Market() (market.Config, error) {
	policy, err := market.ParsePolicy(mc.Policy)
	if err != nil {
		return market.Config{}, fmt.Errorf("market %q: %w", mc.ID, err)
	}
	cfg := market.Config{
		ID:            mc.ID,
		Policy:        policy,
		Latency:       mc.Latency.TimeStamp(),
		ClearInterval: mc.ClearInterval.TimeStamp(),
	}
	if mc.Pricing != nil {
		switch mc.Pricing.Rule {
		case "earliest":
			cfg.Pricing = engine.EarliestPrice{}
		case "uniform":
			cfg.Pricing = engine.UniformPrice{Ratio: mc.Pricing.Ratio, TickSize: mc.Pricing.TickSize}
		default:
			return market.Config{}, fmt.Errorf("market %q: unknown pricing rule %q", mc.ID, mc.Pricing.Rule)
		}
	}
	if err := cfg.Validate(); err != nil {
		return market.Config{}, err
	}
	return cfg, nil
}

// ZIParams overlays the group's settings on the default ZI parameters.
func (ac AgentConfig) ZIParams() agent.ZIConfig {
	cfg := agent.NewDefaultZIConfig()
	z := ac.ZI
	if z == nil {
		return cfg
	}
	if z.PrivateValueVar != nil {
		cfg.PrivateValueVar = *z.PrivateValueVar
	}
	if z.MaxPosition != nil {
		cfg.MaxPosition = *z.MaxPosition
	}
	if z.BidRangeMin != nil {
		cfg.BidRangeMin = *z.BidRangeMin
	}
	if z.BidRangeMax != nil {
		cfg.BidRangeMax = *z.BidRangeMax
	}
	if z.TickSize != nil {
		cfg.TickSize = *z.TickSize
	}
	if z.WithdrawOpen != nil {
		cfg.WithdrawOpen = *z.WithdrawOpen
	}
	return cfg
}
