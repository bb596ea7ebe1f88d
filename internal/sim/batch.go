package sim

import (
	"context"
	"fmt"

	"marketsim/internal/config"
	"marketsim/internal/runner"

	"github.com/rs/zerolog"
)

// RunBatch runs the config runs times on a pool of workers. Run i uses seed
// cfg.Seed+i, so results do not depend on the number of workers. Results are
// ordered by run.
func RunBatch(ctx context.Context, cfg *config.Config, runs, workers int, log zerolog.Logger) ([]Result, error) {
	if runs < 1 {
		return nil, fmt.Errorf("sim: %d runs", runs)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	results := make([]Result, runs)
	pool, err := runner.NewWorkerPool[int](min(workers, runs), func(ctx context.Context, run int) error {
		s, err := New(cfg, WithRun(run), WithLogger(log))
		if err != nil {
			return err
		}
		res, err := s.Run(ctx)
		if err != nil {
			return err
		}
		results[run] = res
		return nil
	}, log)
	if err != nil {
		return nil, err
	}

	tasks := make([]int, runs)
	for i := range tasks {
		tasks[i] = i
	}
	if err := pool.Run(ctx, tasks); err != nil {
		return nil, err
	}
	return results, nil
}
