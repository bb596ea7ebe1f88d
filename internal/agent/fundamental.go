package agent

import (
	"fmt"
	"math"
	"math/rand/v2"

	"marketsim/internal/clock"
	"marketsim/internal/common"
)

// Fundamental is a mean-reverting random walk of the asset's true value, one
// step per tick:
//
//	v[t] = max(0, kappa*mean + (1-kappa)*v[t-1] + N(0, shockVar))
//
// Values are generated lazily and memoized, so reads in any order agree.
type Fundamental struct {
	kappa    float64
	mean     common.Price
	shockVar float64

	rng    *rand.Rand
	values []common.Price
}

func NewFundamental(kappa float64, mean common.Price, shockVar float64, seed uint64) (*Fundamental, error) {
	if kappa < 0 || kappa > 1 || math.IsNaN(kappa) {
		return nil, fmt.Errorf("fundamental: kappa %g outside [0, 1]", kappa)
	}
	if shockVar < 0 || math.IsNaN(shockVar) || math.IsInf(shockVar, 0) {
		return nil, fmt.Errorf("fundamental: shock variance %g", shockVar)
	}
	if mean < 0 {
		return nil, fmt.Errorf("fundamental: negative mean %d", mean)
	}
	f := &Fundamental{
		kappa:    kappa,
		mean:     mean,
		shockVar: shockVar,
		rng:      rand.New(rand.NewPCG(seed, seed^0x5851f42d4c957f2d)),
	}
	f.values = append(f.values, f.clamp(float64(mean)+f.shock()))
	return f, nil
}

func (f *Fundamental) Mean() common.Price { return f.mean }

// ValueAt returns the fundamental at tick t. Immediate reads tick 0.
func (f *Fundamental) ValueAt(t clock.TimeStamp) common.Price {
	if t.IsImmediate() {
		t = clock.Zero
	}
	if !t.IsFinite() {
		panic(fmt.Sprintf("fundamental: value at %v", t))
	}
	for int64(len(f.values)) <= t.Ticks() {
		prev := f.values[len(f.values)-1]
		next := f.kappa*float64(f.mean) + (1-f.kappa)*float64(prev) + f.shock()
		f.values = append(f.values, f.clamp(next))
	}
	return f.values[t.Ticks()]
}

func (f *Fundamental) shock() float64 {
	return f.rng.NormFloat64() * math.Sqrt(f.shockVar)
}

func (f *Fundamental) clamp(v float64) common.Price {
	return common.Price(max(0, math.Round(v)))
}
