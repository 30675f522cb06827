package worker

import (
	"context"
	"errors"
	"runtime"
	"sync"

	"github.com/rs/zerolog"
)

// Task is a unit of work submitted to the pool.
type Task func(ctx context.Context) error

// Pool is a small fixed-size worker pool. Reconciliation tasks and webhook
// follow-ups run here so HTTP handlers never block on the database.
type Pool struct {
	wg   sync.WaitGroup
	jobs chan Task
	quit chan struct{}
	n    int
	log  *zerolog.Logger
}

func NewPool(workers int, logger *zerolog.Logger) *Pool {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	poolLog := logger.With().Str("component", "WorkerPool").Logger()
	return &Pool{
		jobs: make(chan Task, workers*4),
		quit: make(chan struct{}),
		n:    workers,
		log:  &poolLog,
	}
}

func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.n; i++ {
		p.wg.Add(1)
		go func(id int) {
			defer p.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case <-p.quit:
					return
				case task := <-p.jobs:
					if task == nil {
						continue
					}
					if err := task(ctx); err != nil {
						p.log.Error().Err(err).Int("worker", id).Msg("task failed")
					}
				}
			}
		}(i)
	}
}

func (p *Pool) Stop() {
	close(p.quit)
	p.wg.Wait()
}

func (p *Pool) Submit(task Task) error {
	if task == nil {
		return errors.New("nil task")
	}
	select {
	case p.jobs <- task:
		return nil
	default:
		// Saturated queue: better to drop and let the retry sweep pick the
		// event up than to block the webhook handler.
		return errors.New("worker queue full")
	}
}
