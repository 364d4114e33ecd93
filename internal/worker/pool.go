package worker

import (
	"context"

	"golang.org/x/sync/errgroup"

	"pubscreen/internal/config"
	"pubscreen/internal/llm"
	"pubscreen/internal/logging"
	"pubscreen/internal/store"
)

// Pool runs N workers against one store and one shared LLM client. The
// client serialises requests internally, so extra workers overlap store and
// planning work rather than model calls.
type Pool struct {
	workers []*Worker
	logger  logging.Logger
}

func NewPool(size int, st store.Store, cfg *config.Manager, client llm.Client) *Pool {
	if size < 1 {
		size = 1
	}
	workers := make([]*Worker, size)
	for i := range workers {
		workers[i] = New(st, cfg, client)
	}
	return &Pool{
		workers: workers,
		logger:  logging.NewComponentLogger("pool"),
	}
}

// Run starts all workers and blocks until every one has exited after ctx is
// cancelled.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.Info("Starting %d worker(s)", len(p.workers))
	g, gctx := errgroup.WithContext(ctx)
	for _, w := range p.workers {
		w := w
		g.Go(func() error {
			return w.Run(gctx)
		})
	}
	return g.Wait()
}
