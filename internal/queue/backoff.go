package queue

import (
	"context"
	"math"
	"math/rand"
	"time"
)

type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	// Jitter spreads each delay by up to this fraction either way.
	Jitter float64
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		InitialBackoff: 5 * time.Second,
		MaxBackoff:     5 * time.Minute,
		Multiplier:     2,
		Jitter:         0.2,
	}
}

// Backoff is the delay before try number try+1, where try counts completed tries.
func (p RetryPolicy) Backoff(try int) time.Duration {
	if try < 1 {
		try = 1
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(p.InitialBackoff) * math.Pow(mult, float64(try-1))
	if p.MaxBackoff > 0 && d > float64(p.MaxBackoff) {
		d = float64(p.MaxBackoff)
	}
	if p.Jitter > 0 {
		d += d * p.Jitter * (2*rand.Float64() - 1)
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

type outcome int

const (
	outcomeAck outcome = iota
	outcomeRetry
	outcomeDead
)

// settle records err on job and decides what happens to it next.
func (p RetryPolicy) settle(job *ProcessingJob, err error) (outcome, time.Duration) {
	job.Tries++
	if err == nil {
		job.LastError = ""
		return outcomeAck, 0
	}
	job.LastError = err.Error()
	if IsPermanent(err) || job.Tries >= p.MaxAttempts {
		return outcomeDead, 0
	}
	return outcomeRetry, p.Backoff(job.Tries)
}

// runHandler calls h and turns a panic into an ordinary error.
func runHandler(ctx context.Context, h Handler, job *ProcessingJob) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = panicError(r)
		}
	}()
	return h(ctx, job)
}
