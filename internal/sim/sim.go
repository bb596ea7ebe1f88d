// Package sim assembles a complete simulation from a config: scheduler,
// markets, SIP, agents and a tape recorder, all driven by one seed.
package sim

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"marketsim/internal/agent"
	"marketsim/internal/clock"
	"marketsim/internal/common"
	"marketsim/internal/config"
	"marketsim/internal/market"
	"marketsim/internal/scheduler"
	"marketsim/internal/sip"
	"marketsim/internal/stats"
	"marketsim/internal/tape"

	"github.com/rs/zerolog"
)

// Result is the outcome of one run.
type Result struct {
	Run       int
	Seed      uint64
	End       clock.TimeStamp
	Summary   stats.Summary
	NBBO      sip.NBBO
	Positions map[common.AgentID]int64 // Net filled quantity at the end
	Tape      []byte
}

type Simulation struct {
	cfg  *config.Config
	run  int
	seed uint64

	sched     *scheduler.Scheduler
	collector *stats.Collector
	markets   []*market.Market
	sip       *sip.SIP
	agents    []*agent.Agent

	tape     bytes.Buffer
	recorder *tape.Recorder

	log zerolog.Logger
}

type Option func(*Simulation)

func WithLogger(log zerolog.Logger) Option {
	return func(s *Simulation) { s.log = log }
}

// WithRun numbers the simulation within a batch and offsets the config seed
// by the run number.
func WithRun(run int) Option {
	return func(s *Simulation) { s.run = run }
}

// New builds a simulation from a validated config. Nothing runs until Run.
func New(cfg *config.Config, opts ...Option) (*Simulation, error) {
	if cfg == nil {
		return nil, errors.New("sim: nil config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Simulation{cfg: cfg, log: zerolog.Nop()}
	for _, opt := range opts {
		opt(s)
	}
	s.seed = cfg.Seed + uint64(s.run)
	s.log = s.log.With().Int("run", s.run).Uint64("seed", s.seed).Logger()

	s.collector = stats.New(s.log)
	s.sched = scheduler.New(scheduler.WithLogger(s.log), scheduler.WithStats(s.collector))
	s.sip = sip.New(sip.WithLogger(s.log), sip.WithStats(s.collector))
	s.recorder = tape.NewRecorder(tape.NewWriter(&s.tape), s.log)

	if err := s.buildMarkets(); err != nil {
		return nil, err
	}
	if err := s.buildAgents(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Simulation) buildMarkets() error {
	for _, mc := range s.cfg.Markets {
		mcfg, err := mc.Market()
		if err != nil {
			return err
		}
		opts := []market.Option{market.WithLogger(s.log), market.WithStats(s.collector)}
		if s.cfg.CheckInvariants {
			opts = append(opts, market.WithInvariantChecks())
		}
		m, err := market.New(s.sched, mcfg, opts...)
		if err != nil {
			return err
		}
		if err := s.recorder.Attach(m); err != nil {
			return err
		}
		if err := s.sip.Attach(m); err != nil {
			return err
		}
		s.markets = append(s.markets, m)
	}
	return nil
}

func (s *Simulation) buildAgents() error {
	fc := s.cfg.Fundamental
	fundamental, err := agent.NewFundamental(fc.Kappa, fc.Mean, fc.ShockVar, mix(s.seed, 0))
	if err != nil {
		return err
	}

	n := uint64(0)
	for _, group := range s.cfg.Agents {
		m := s.market(group.Market)
		for i := range group.Count {
			n++
			id := common.AgentID(fmt.Sprintf("%s-%d", group.Name, i))

			var strategy agent.Strategy
			switch group.Strategy {
			case "zi":
				strategy, err = agent.NewZeroIntelligence(group.ZIParams(), fundamental, mix(s.seed, 2*n))
				if err != nil {
					return fmt.Errorf("agent %s: %w", id, err)
				}
			default:
				strategy = agent.Idle{}
			}

			opts := []agent.Option{agent.WithLogger(s.log)}
			if group.UseSIP {
				opts = append(opts, agent.WithSIP(s.sip))
			}
			arrivals := scheduler.Poisson(group.Start.TimeStamp(), group.ArrivalRate, mix(s.seed, 2*n+1))
			a, err := agent.New(id, strategy, m, group.Latency.TimeStamp(), arrivals, opts...)
			if err != nil {
				return err
			}
			if err := a.Start(s.sched); err != nil {
				return err
			}
			s.agents = append(s.agents, a)
		}
	}
	return nil
}

func (s *Simulation) market(id common.MarketID) *market.Market {
	for _, m := range s.markets {
		if m.ID() == id {
			return m
		}
	}
	// Unreachable: agent markets are checked by config validation.
	panic(fmt.Sprintf("sim: unknown market %q", id))
}

// Markets returns the simulated markets in config order.
func (s *Simulation) Markets() []*market.Market { return s.markets }

func (s *Simulation) SIP() *sip.SIP { return s.sip }

// Run drives the scheduler to the configured end and collects the result.
// A cancelled context stops the run between activities.
func (s *Simulation) Run(ctx context.Context) (Result, error) {
	end := s.cfg.End.TimeStamp()
	s.log.Info().
		Int("markets", len(s.markets)).
		Int("agents", len(s.agents)).
		Stringer("end", end).
		Msg("simulation starting")

	if err := s.sched.Run(ctx, end); err != nil {
		return Result{}, fmt.Errorf("run %d: %w", s.run, err)
	}
	if err := s.recorder.Err(); err != nil {
		return Result{}, fmt.Errorf("run %d: %w", s.run, err)
	}

	res := Result{
		Run:       s.run,
		Seed:      s.seed,
		End:       s.sched.Now(),
		Summary:   s.collector.Flush(),
		NBBO:      s.sip.NBBO(),
		Positions: make(map[common.AgentID]int64, len(s.agents)),
		Tape:      bytes.Clone(s.tape.Bytes()),
	}
	for _, a := range s.agents {
		res.Positions[a.ID()] = 0
	}
	for _, m := range s.markets {
		for _, tx := range m.Transactions() {
			res.Positions[tx.Buyer] += tx.Quantity
			res.Positions[tx.Seller] -= tx.Quantity
		}
	}
	executed, failed := s.sched.Executed()
	s.log.Info().
		Uint64("activities", executed).
		Uint64("failed", failed).
		Int("tape_bytes", len(res.Tape)).
		Msg("simulation finished")
	return res, nil
}

// mix derives independent stream seeds from one simulation seed (splitmix64).
func mix(seed, stream uint64) uint64 {
	z := seed + (stream+1)*0x9e3779b97f4a7c15
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return z ^ (z >> 31)
}
