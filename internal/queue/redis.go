package queue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// promoteScript moves due jobs from the delayed set onto the ready list.
var promoteScript = redis.NewScript(`
local items = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, item in ipairs(items) do
  redis.call('ZREM', KEYS[1], item)
  redis.call('LPUSH', KEYS[2], item)
end
return #items
`)

type RedisOptions struct {
	Prefix string
	// Consumer names this process's in-flight lists. Reusing the name after a
	// crash returns its unfinished jobs to the ready list.
	Consumer     string
	Workers      int
	PollInterval time.Duration
	Policy       RetryPolicy
	Hooks        Hooks
}

// RedisQueue is an at-least-once work queue. Jobs move atomically from the
// ready list to a per-worker in-flight list while they run, failed jobs wait
// in a sorted set scored by due time, and exhausted jobs land on a dead list.
type RedisQueue struct {
	rdb  *redis.Client
	opts RedisOptions
}

func NewRedisQueue(rdb *redis.Client, opts RedisOptions) *RedisQueue {
	if opts.Prefix == "" {
		opts.Prefix = DefaultPrefix
	}
	if opts.Consumer == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "worker"
		}
		opts.Consumer = host
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.Policy.MaxAttempts < 1 {
		opts.Policy = DefaultRetryPolicy()
	}
	return &RedisQueue{rdb: rdb, opts: opts}
}

func (q *RedisQueue) readyKey() string   { return q.opts.Prefix + ":ready" }
func (q *RedisQueue) delayedKey() string { return q.opts.Prefix + ":delayed" }
func (q *RedisQueue) deadKey() string    { return q.opts.Prefix + ":dead" }

func (q *RedisQueue) inflightKey(worker int) string {
	return fmt.Sprintf("%s:inflight:%s:%d", q.opts.Prefix, q.opts.Consumer, worker)
}

func (q *RedisQueue) Enqueue(ctx context.Context, job ProcessingJob) error {
	raw, err := job.encode()
	if err != nil {
		return err
	}
	if err := q.rdb.LPush(ctx, q.readyKey(), raw).Err(); err != nil {
		return eris.Wrap(err, "queue: enqueue job")
	}
	zap.L().Debug("job enqueued",
		zap.String("job_id", job.JobID),
		zap.String("media_id", job.MediaID),
		zap.String("kind", string(job.Kind)))
	return nil
}

func (q *RedisQueue) Consume(ctx context.Context, handler Handler) error {
	for i := 0; i < q.opts.Workers; i++ {
		if err := q.recoverInflight(ctx, i); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return q.promoteLoop(gctx) })
	for i := 0; i < q.opts.Workers; i++ {
		worker := i
		g.Go(func() error { return q.work(gctx, worker, handler) })
	}

	zap.L().Info("queue consumers started",
		zap.String("prefix", q.opts.Prefix),
		zap.String("consumer", q.opts.Consumer),
		zap.Int("workers", q.opts.Workers))

	err := g.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// recoverInflight returns jobs left in a worker's in-flight list by a previous run.
func (q *RedisQueue) recoverInflight(ctx context.Context, worker int) error {
	key := q.inflightKey(worker)
	moved := 0
	for {
		err := q.rdb.LMove(ctx, key, q.readyKey(), "RIGHT", "RIGHT").Err()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			return eris.Wrapf(err, "queue: recover %s", key)
		}
		moved++
	}
	if moved > 0 {
		zap.L().Warn("recovered in-flight jobs", zap.String("list", key), zap.Int("jobs", moved))
	}
	return nil
}

func (q *RedisQueue) promoteLoop(ctx context.Context) error {
	ticker := time.NewTicker(q.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := q.promoteDue(ctx); err != nil && ctx.Err() == nil {
				zap.L().Error("promote delayed jobs", zap.Error(err))
			}
		}
	}
}

func (q *RedisQueue) promoteDue(ctx context.Context) (int, error) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	n, err := promoteScript.Run(ctx, q.rdb, []string{q.delayedKey(), q.readyKey()}, now, 100).Int()
	if err != nil {
		return 0, eris.Wrap(err, "queue: promote delayed")
	}
	return n, nil
}

func (q *RedisQueue) work(ctx context.Context, worker int, handler Handler) error {
	inflight := q.inflightKey(worker)
	for {
		raw, err := q.rdb.BLMove(ctx, q.readyKey(), inflight, "RIGHT", "LEFT", q.opts.PollInterval).Result()
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			zap.L().Error("queue receive", zap.String("list", inflight), zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(q.opts.PollInterval):
			}
			continue
		}
		q.handle(ctx, inflight, raw, handler)
	}
}

func (q *RedisQueue) handle(ctx context.Context, inflight, raw string, handler Handler) {
	job, err := decodeJob(raw)
	if err != nil {
		// Unreadable payloads go straight to the dead list untouched.
		zap.L().Error("dropping malformed job", zap.Error(err))
		_, _ = q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.LRem(ctx, inflight, 1, raw)
			pipe.LPush(ctx, q.deadKey(), raw)
			return nil
		})
		return
	}

	handlerErr := runHandler(ctx, handler, &job)
	out, delay := q.opts.Policy.settle(&job, handlerErr)
	updated, err := job.encode()
	if err != nil {
		zap.L().Error("encode job", zap.String("job_id", job.JobID), zap.Error(err))
		return
	}

	// The in-flight entry is only released once the follow-up is recorded.
	// Use a fresh context so shutdown does not strand the job mid-way.
	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = q.rdb.TxPipelined(sctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(sctx, inflight, 1, raw)
		switch out {
		case outcomeRetry:
			pipe.ZAdd(sctx, q.delayedKey(), redis.Z{
				Score:  float64(time.Now().Add(delay).UnixMilli()),
				Member: updated,
			})
		case outcomeDead:
			pipe.LPush(sctx, q.deadKey(), updated)
		}
		return nil
	})
	if err != nil {
		zap.L().Error("settle job", zap.String("job_id", job.JobID), zap.Error(err))
		return
	}

	switch out {
	case outcomeRetry:
		zap.L().Info("job scheduled for retry",
			zap.String("job_id", job.JobID),
			zap.String("media_id", job.MediaID),
			zap.Int("tries", job.Tries),
			zap.Duration("delay", delay),
			zap.Error(handlerErr))
		if q.opts.Hooks.OnRetry != nil {
			q.opts.Hooks.OnRetry(job, handlerErr, delay)
		}
	case outcomeDead:
		zap.L().Warn("job dead-lettered",
			zap.String("job_id", job.JobID),
			zap.String("media_id", job.MediaID),
			zap.Int("tries", job.Tries),
			zap.Error(handlerErr))
		if q.opts.Hooks.OnDeadLetter != nil {
			q.opts.Hooks.OnDeadLetter(job, handlerErr)
		}
	}
}

func (q *RedisQueue) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	pipe := q.rdb.Pipeline()
	ready := pipe.LLen(ctx, q.readyKey())
	delayed := pipe.ZCard(ctx, q.delayedKey())
	dead := pipe.LLen(ctx, q.deadKey())
	if _, err := pipe.Exec(ctx); err != nil {
		return s, eris.Wrap(err, "queue: stats")
	}
	s.Ready, s.Delayed, s.Dead = ready.Val(), delayed.Val(), dead.Val()

	iter := q.rdb.Scan(ctx, 0, q.opts.Prefix+":inflight:*", 100).Iterator()
	for iter.Next(ctx) {
		n, err := q.rdb.LLen(ctx, iter.Val()).Result()
		if err != nil {
			return s, eris.Wrap(err, "queue: stats in-flight")
		}
		s.InFlight += n
	}
	if err := iter.Err(); err != nil {
		return s, eris.Wrap(err, "queue: scan in-flight")
	}
	return s, nil
}

// DeadLetters lists dead jobs, newest first.
func (q *RedisQueue) DeadLetters(ctx context.Context, limit int64) ([]ProcessingJob, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = limit - 1
	}
	raws, err := q.rdb.LRange(ctx, q.deadKey(), 0, stop).Result()
	if err != nil {
		return nil, eris.Wrap(err, "queue: list dead letters")
	}
	jobs := make([]ProcessingJob, 0, len(raws))
	for _, raw := range raws {
		job, err := decodeJob(raw)
		if err != nil {
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (q *RedisQueue) RequeueDeadLetter(ctx context.Context, jobID string, update func(*ProcessingJob)) error {
	raws, err := q.rdb.LRange(ctx, q.deadKey(), 0, -1).Result()
	if err != nil {
		return eris.Wrap(err, "queue: list dead letters")
	}
	for _, raw := range raws {
		job, err := decodeJob(raw)
		if err != nil || job.JobID != jobID {
			continue
		}
		job.Tries = 0
		job.LastError = ""
		if update != nil {
			update(&job)
		}
		updated, err := job.encode()
		if err != nil {
			return err
		}
		var removed *redis.IntCmd
		_, err = q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			removed = pipe.LRem(ctx, q.deadKey(), 1, raw)
			pipe.LPush(ctx, q.readyKey(), updated)
			return nil
		})
		if err != nil {
			return eris.Wrap(err, "queue: requeue dead letter")
		}
		if removed.Val() == 0 {
			// Requeued concurrently by someone else; undo our push.
			q.rdb.LRem(ctx, q.readyKey(), 1, updated)
			return ErrJobNotFound
		}
		return nil
	}
	return ErrJobNotFound
}
