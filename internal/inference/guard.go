package inference

import (
	"context"

	"github.com/rotisserie/eris"
	"golang.org/x/sync/semaphore"
)

// Guard bounds concurrent calls into a model handle whose thread safety is unknown.
type Guard struct {
	sem *semaphore.Weighted
}

func NewGuard(maxConcurrent int64) *Guard {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Guard{sem: semaphore.NewWeighted(maxConcurrent)}
}

// Do runs fn once a slot is free. It gives up if ctx ends first.
func (g *Guard) Do(ctx context.Context, fn func() error) error {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return eris.Wrap(err, "inference: wait for model")
	}
	defer g.sem.Release(1)
	return fn()
}
