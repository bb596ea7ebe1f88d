// Package runner executes independent tasks on a fixed pool of goroutines
// supervised by a tomb.
package runner

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	tomb "gopkg.in/tomb.v2"
)

var ErrNoWorkers = errors.New("worker pool needs at least one worker")

// WorkerFunction does the work of one task. The context is cancelled when the
// pool is dying.
type WorkerFunction[T any] func(ctx context.Context, task T) error

type WorkerPool[T any] struct {
	n    int               // number of workers
	work WorkerFunction[T] // do work method
	log  zerolog.Logger
}

func NewWorkerPool[T any](size int, work WorkerFunction[T], log zerolog.Logger) (*WorkerPool[T], error) {
	if size < 1 {
		return nil, ErrNoWorkers
	}
	if work == nil {
		return nil, errors.New("worker pool: nil work function")
	}
	return &WorkerPool[T]{n: size, work: work, log: log}, nil
}

// Size returns the number of workers.
func (pool *WorkerPool[T]) Size() int { return pool.n }

// Run hands every task to the workers and waits for them to finish. The first
// failing task kills the pool: tasks not yet started are skipped and its error
// is returned. Cancelling ctx does the same with ctx.Err().
func (pool *WorkerPool[T]) Run(ctx context.Context, tasks []T) error {
	t, ctx := tomb.WithContext(ctx)
	queue := make(chan T)

	t.Go(func() error {
		for id := range pool.n {
			t.Go(func() error {
				return pool.worker(t, ctx, id, queue)
			})
		}
		defer close(queue)
		for _, task := range tasks {
			select {
			case <-t.Dying():
				return nil
			case queue <- task:
			}
		}
		return nil
	})
	return t.Wait()
}

// Workers wait on tasks in the queue and action them.
func (pool *WorkerPool[T]) worker(t *tomb.Tomb, ctx context.Context, id int, queue <-chan T) error {
	for {
		select {
		case <-t.Dying():
			return nil
		case task, ok := <-queue:
			if !ok {
				return nil
			}
			if err := pool.work(ctx, task); err != nil {
				pool.log.Error().Err(err).Int("id", id).Msg("worker exiting")
				return fmt.Errorf("worker %d: %w", id, err)
			}
		}
	}
}
