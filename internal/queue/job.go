package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"wildlife-backend/internal/models"
)

const DefaultPrefix = "media_processing"

// ProcessingJob asks a worker to classify one media item.
type ProcessingJob struct {
	JobID   string           `json:"job_id"`
	MediaID string           `json:"media_id"`
	Kind    models.MediaKind `json:"kind"`
	// Attempt is the processing attempt this job belongs to. Empty means the
	// item is still pending and the worker claims it.
	Attempt    string    `json:"attempt,omitempty"`
	Force      bool      `json:"force,omitempty"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	Tries      int       `json:"tries"`
	LastError  string    `json:"last_error,omitempty"`
}

func NewProcessingJob(mediaID uuid.UUID, kind models.MediaKind, attempt *uuid.UUID, force bool) ProcessingJob {
	job := ProcessingJob{
		JobID:      uuid.New().String(),
		MediaID:    mediaID.String(),
		Kind:       kind,
		Force:      force,
		EnqueuedAt: time.Now().UTC(),
	}
	if attempt != nil {
		job.Attempt = attempt.String()
	}
	return job
}

func (j ProcessingJob) encode() (string, error) {
	b, err := json.Marshal(j)
	if err != nil {
		return "", eris.Wrap(err, "queue: marshal job")
	}
	return string(b), nil
}

func decodeJob(raw string) (ProcessingJob, error) {
	var job ProcessingJob
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return job, eris.Wrap(err, "queue: unmarshal job")
	}
	return job, nil
}

// Handler processes one job. Returning nil acknowledges it, an error schedules
// a retry and Permanent(err) sends it straight to the dead-letter list.
type Handler func(ctx context.Context, job *ProcessingJob) error

type Stats struct {
	Ready    int64 `json:"ready"`
	Delayed  int64 `json:"delayed"`
	InFlight int64 `json:"in_flight"`
	Dead     int64 `json:"dead"`
}

// Hooks observe job outcomes. Any of them may be nil.
type Hooks struct {
	OnRetry      func(job ProcessingJob, err error, delay time.Duration)
	OnDeadLetter func(job ProcessingJob, err error)
}

type Queue interface {
	Enqueue(ctx context.Context, job ProcessingJob) error
	// Consume runs handlers until ctx is cancelled.
	Consume(ctx context.Context, handler Handler) error
	Stats(ctx context.Context) (Stats, error)
	DeadLetters(ctx context.Context, limit int64) ([]ProcessingJob, error)
	// RequeueDeadLetter moves a dead job back to the ready list with its tries
	// reset. update, when non-nil, may rewrite the job first.
	RequeueDeadLetter(ctx context.Context, jobID string, update func(*ProcessingJob)) error
}
