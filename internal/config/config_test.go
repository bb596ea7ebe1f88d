package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"marketsim/internal/clock"
	"marketsim/internal/common"
	"marketsim/internal/engine"
	"marketsim/internal/market"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
seed: 7
end: 5000
check_invariants: true
fundamental:
  mean: 100000
  kappa: 0.05
  shock_var: 1000000
markets:
  - id: NYSE
    policy: continuous
    latency: immediate
  - id: CALL
    policy: periodic
    latency: 10
    clear_interval: 100
    pricing:
      rule: uniform
      ratio: 0.25
      tick_size: 5
agents:
  - name: zi
    strategy: zi
    count: 4
    market: NYSE
    latency: 2
    arrival_rate: 0.01
    use_sip: true
    zi:
      max_position: 3
      bid_range_max: 100
  - name: lazy
    strategy: idle
    count: 1
    market: CALL
    arrival_rate: 1
`

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	require.NoError(t, err)

	assert.Equal(t, uint64(7), cfg.Seed)
	assert.True(t, cfg.CheckInvariants)
	assert.Equal(t, clock.TimeStamp(5000), cfg.End.TimeStamp())
	require.Len(t, cfg.Markets, 2)
	assert.Equal(t, clock.Immediate, cfg.Markets[0].Latency.TimeStamp())

	call, err := cfg.Markets[1].Market()
	require.NoError(t, err)
	assert.Equal(t, market.Periodic, call.Policy)
	assert.Equal(t, clock.TimeStamp(10), call.Latency)
	assert.Equal(t, clock.TimeStamp(100), call.ClearInterval)
	assert.Equal(t, engine.UniformPrice{Ratio: 0.25, TickSize: 5}, call.Pricing)

	nyse, err := cfg.Markets[0].Market()
	require.NoError(t, err)
	assert.Equal(t, engine.EarliestPrice{}, nyse.Pricing)

	zi := cfg.Agents[0].ZIParams()
	assert.Equal(t, int64(3), zi.MaxPosition)
	assert.Equal(t, common.Price(100), zi.BidRangeMax)
	assert.Equal(t, 1e8, zi.PrivateValueVar, "unset fields keep their defaults")
	assert.True(t, cfg.Agents[0].UseSIP)
}

func TestParse_Invalid(t *testing.T) {
	cases := map[string]string{
		"unknown key":      "seed: 1\nend: 10\nbogus: 1\nmarkets: [{id: A}]\n",
		"negative latency": "end: 10\nmarkets: [{id: A, latency: -5}]\n",
		"no markets":       "end: 10\n",
		"infinite end":     "end: infinite\nmarkets: [{id: A}]\n",
		"zero interval":    "end: 10\nmarkets: [{id: A, policy: periodic}]\n",
		"duplicate market": "end: 10\nmarkets: [{id: A}, {id: A}]\n",
		"bad policy":       "end: 10\nmarkets: [{id: A, policy: dark}]\n",
		"bad pricing":      "end: 10\nmarkets: [{id: A, pricing: {rule: vwap}}]\n",
		"unknown market":   "end: 10\nmarkets: [{id: A}]\nagents: [{name: x, strategy: zi, count: 1, market: B, arrival_rate: 1}]\n",
		"zero count":       "end: 10\nmarkets: [{id: A}]\nagents: [{name: x, strategy: zi, market: A, arrival_rate: 1}]\n",
		"bad strategy":     "end: 10\nmarkets: [{id: A}]\nagents: [{name: x, strategy: hft, count: 1, market: A, arrival_rate: 1}]\n",
		"bad zi":           "end: 10\nmarkets: [{id: A}]\nagents: [{name: x, strategy: zi, count: 1, market: A, arrival_rate: 1, zi: {max_position: 0}}]\n",
		"bad kappa":        "end: 10\nfundamental: {kappa: 2}\nmarkets: [{id: A}]\n",
		"empty":            "",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestValidate_ReportsEveryProblem(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Agents[0].Count = 0
	cfg.Agents[0].ArrivalRate = 0

	err := cfg.Validate()
	require.ErrorIs(t, err, ErrInvalidConfig)
	assert.ErrorContains(t, err, "count 0")
	assert.ErrorContains(t, err, "arrival rate 0")
}

func TestDefaultConfig_RoundTrips(t *testing.T) {
	cfg := NewDefaultConfig()
	require.NoError(t, cfg.Validate())

	var buf bytes.Buffer
	require.NoError(t, cfg.Encode(&buf))

	path := filepath.Join(t.TempDir(), "sim.yaml")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
