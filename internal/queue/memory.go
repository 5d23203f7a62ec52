package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// MemoryQueue runs jobs in-process. Nothing survives a restart; it backs
// tests and deployments without Redis.
type MemoryQueue struct {
	ready   chan ProcessingJob
	policy  RetryPolicy
	hooks   Hooks
	workers int

	mu      sync.Mutex
	dead    []ProcessingJob
	timers  map[*time.Timer]struct{}
	closed  chan struct{}
	once    sync.Once
	delayed int64
	running int64
}

func NewMemoryQueue(workers, capacity int, policy RetryPolicy, hooks Hooks) *MemoryQueue {
	if workers < 1 {
		workers = 1
	}
	if capacity < 1 {
		capacity = 1024
	}
	return &MemoryQueue{
		ready:   make(chan ProcessingJob, capacity),
		policy:  policy,
		hooks:   hooks,
		workers: workers,
		timers:  make(map[*time.Timer]struct{}),
		closed:  make(chan struct{}),
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, job ProcessingJob) error {
	select {
	case q.ready <- job:
		return nil
	case <-q.closed:
		return ErrQueueClosed
	case <-ctx.Done():
		return eris.Wrap(ctx.Err(), "queue: enqueue")
	}
}

func (q *MemoryQueue) Consume(ctx context.Context, handler Handler) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < q.workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-q.closed:
					return nil
				case job := <-q.ready:
					q.process(gctx, handler, job)
				}
			}
		})
	}
	return g.Wait()
}

func (q *MemoryQueue) process(ctx context.Context, handler Handler, job ProcessingJob) {
	atomic.AddInt64(&q.running, 1)
	defer atomic.AddInt64(&q.running, -1)

	err := runHandler(ctx, handler, &job)
	switch out, delay := q.policy.settle(&job, err); out {
	case outcomeRetry:
		if q.hooks.OnRetry != nil {
			q.hooks.OnRetry(job, err, delay)
		}
		q.schedule(job, delay)
	case outcomeDead:
		q.mu.Lock()
		q.dead = append(q.dead, job)
		q.mu.Unlock()
		zap.L().Warn("job dead-lettered",
			zap.String("job_id", job.JobID),
			zap.String("media_id", job.MediaID),
			zap.Int("tries", job.Tries),
			zap.Error(err))
		if q.hooks.OnDeadLetter != nil {
			q.hooks.OnDeadLetter(job, err)
		}
	}
}

func (q *MemoryQueue) schedule(job ProcessingJob, delay time.Duration) {
	atomic.AddInt64(&q.delayed, 1)
	q.mu.Lock()
	defer q.mu.Unlock()

	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		q.mu.Lock()
		delete(q.timers, t)
		q.mu.Unlock()
		atomic.AddInt64(&q.delayed, -1)
		select {
		case q.ready <- job:
		case <-q.closed:
		}
	})
	q.timers[t] = struct{}{}
}

func (q *MemoryQueue) Stats(ctx context.Context) (Stats, error) {
	q.mu.Lock()
	dead := int64(len(q.dead))
	q.mu.Unlock()
	return Stats{
		Ready:    int64(len(q.ready)),
		Delayed:  atomic.LoadInt64(&q.delayed),
		InFlight: atomic.LoadInt64(&q.running),
		Dead:     dead,
	}, nil
}

// DeadLetters returns the most recent dead jobs first.
func (q *MemoryQueue) DeadLetters(ctx context.Context, limit int64) ([]ProcessingJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]ProcessingJob, 0, len(q.dead))
	for i := len(q.dead) - 1; i >= 0; i-- {
		if limit > 0 && int64(len(out)) >= limit {
			break
		}
		out = append(out, q.dead[i])
	}
	return out, nil
}

func (q *MemoryQueue) RequeueDeadLetter(ctx context.Context, jobID string, update func(*ProcessingJob)) error {
	q.mu.Lock()
	var (
		job   ProcessingJob
		found bool
	)
	for i, j := range q.dead {
		if j.JobID == jobID {
			job, found = j, true
			q.dead = append(q.dead[:i], q.dead[i+1:]...)
			break
		}
	}
	q.mu.Unlock()
	if !found {
		return ErrJobNotFound
	}

	job.Tries = 0
	job.LastError = ""
	if update != nil {
		update(&job)
	}
	return q.Enqueue(ctx, job)
}

// Close stops pending retry timers and releases blocked producers.
func (q *MemoryQueue) Close() {
	q.once.Do(func() {
		close(q.closed)
		q.mu.Lock()
		for t := range q.timers {
			if t.Stop() {
				atomic.AddInt64(&q.delayed, -1)
			}
		}
		q.timers = map[*time.Timer]struct{}{}
		q.mu.Unlock()
	})
}
