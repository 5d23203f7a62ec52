package queue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// startRedis runs a throwaway Redis server. Skipped in -short mode or without Docker.
func startRedis(t *testing.T) *redis.Client {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping Redis container test in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	endpoint, err := container.Endpoint(ctx, "")
	require.NoError(t, err)

	rdb := redis.NewClient(&redis.Options{Addr: endpoint})
	t.Cleanup(func() { _ = rdb.Close() })
	require.NoError(t, rdb.Ping(ctx).Err())
	return rdb
}

func TestRedisQueueLifecycle(t *testing.T) {
	rdb := startRedis(t)
	ctx := context.Background()

	deadCh := make(chan ProcessingJob, 1)
	q := NewRedisQueue(rdb, RedisOptions{
		Prefix:       "test_lifecycle",
		Consumer:     "t1",
		Workers:      2,
		PollInterval: 50 * time.Millisecond,
		Policy:       RetryPolicy{MaxAttempts: 2, InitialBackoff: 10 * time.Millisecond, MaxBackoff: 50 * time.Millisecond, Multiplier: 2},
		Hooks: Hooks{
			OnDeadLetter: func(job ProcessingJob, err error) { deadCh <- job },
		},
	})

	ok := newJob()
	flaky := newJob()
	broken := newJob()
	for _, j := range []ProcessingJob{ok, flaky, broken} {
		require.NoError(t, q.Enqueue(ctx, j))
	}

	var okCalls, flakyCalls, brokenCalls int32
	done := make(chan struct{})
	var finished int32
	finish := func() {
		if atomic.AddInt32(&finished, 1) == 3 {
			close(done)
		}
	}
	go func() {
		<-deadCh
		finish()
	}()

	consumeUntil(t, q, func(ctx context.Context, job *ProcessingJob) error {
		switch job.JobID {
		case ok.JobID:
			atomic.AddInt32(&okCalls, 1)
			finish()
			return nil
		case flaky.JobID:
			if atomic.AddInt32(&flakyCalls, 1) == 1 {
				return errors.New("classifier unavailable")
			}
			finish()
			return nil
		default:
			atomic.AddInt32(&brokenCalls, 1)
			return Permanent(errors.New("undecodable"))
		}
	}, done)

	assert.Equal(t, int32(1), okCalls)
	assert.Equal(t, int32(2), flakyCalls)
	assert.Equal(t, int32(1), brokenCalls)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.Ready)
	assert.Equal(t, int64(0), stats.Delayed)
	assert.Equal(t, int64(0), stats.InFlight)
	assert.Equal(t, int64(1), stats.Dead)

	dead, err := q.DeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, broken.JobID, dead[0].JobID)
	assert.Equal(t, "undecodable", dead[0].LastError)

	require.NoError(t, q.RequeueDeadLetter(ctx, broken.JobID, nil))
	assert.ErrorIs(t, q.RequeueDeadLetter(ctx, broken.JobID, nil), ErrJobNotFound)
	stats, err = q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Ready)
	assert.Equal(t, int64(0), stats.Dead)
}

func TestRedisQueueRecoversInflight(t *testing.T) {
	rdb := startRedis(t)
	ctx := context.Background()

	q := NewRedisQueue(rdb, RedisOptions{
		Prefix:       "test_recover",
		Consumer:     "crashed",
		Workers:      1,
		PollInterval: 50 * time.Millisecond,
	})

	// Simulate a worker that died holding a job.
	orphan := newJob()
	raw, err := orphan.encode()
	require.NoError(t, err)
	require.NoError(t, rdb.LPush(ctx, q.inflightKey(0), raw).Err())

	done := make(chan struct{})
	consumeUntil(t, q, func(ctx context.Context, job *ProcessingJob) error {
		assert.Equal(t, orphan.JobID, job.JobID)
		close(done)
		return nil
	}, done)

	n, err := rdb.LLen(ctx, q.inflightKey(0)).Result()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRedisQueuePromotesDelayedJobs(t *testing.T) {
	rdb := startRedis(t)
	ctx := context.Background()
	q := NewRedisQueue(rdb, RedisOptions{Prefix: "test_promote"})

	job := newJob()
	raw, err := job.encode()
	require.NoError(t, err)
	require.NoError(t, rdb.ZAdd(ctx, q.delayedKey(), redis.Z{Score: float64(time.Now().Add(-time.Second).UnixMilli()), Member: raw}).Err())
	require.NoError(t, rdb.ZAdd(ctx, q.delayedKey(), redis.Z{Score: float64(time.Now().Add(time.Hour).UnixMilli()), Member: "later"}).Err())

	n, err := q.promoteDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Ready)
	assert.Equal(t, int64(1), stats.Delayed)
}
