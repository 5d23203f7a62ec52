package services

import (
	"strconv"
	"time"

	"github.com/getsentry/sentry-go"
	"go.uber.org/zap"

	"wildlife-backend/internal/metrics"
	"wildlife-backend/internal/queue"
)

// QueueHooks reports retries and dead letters to metrics and, for dead
// letters, to Sentry. Without sentry.Init the capture is a no-op.
func QueueHooks(m *metrics.Metrics) queue.Hooks {
	return queue.Hooks{
		OnRetry: func(job queue.ProcessingJob, err error, delay time.Duration) {
			zap.L().Info("job scheduled for retry",
				zap.String("job_id", job.JobID),
				zap.String("media_id", job.MediaID),
				zap.Int("tries", job.Tries),
				zap.Duration("delay", delay))
		},
		OnDeadLetter: func(job queue.ProcessingJob, err error) {
			m.RecordOutcome(string(job.Kind), metrics.OutcomeDeadLettered)
			reportDeadLetter(job, err)
		},
	}
}

func reportDeadLetter(job queue.ProcessingJob, err error) {
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetLevel(sentry.LevelError)
		scope.SetTag("component", "media-queue")
		scope.SetTag("media_kind", string(job.Kind))
		scope.SetTag("permanent", strconv.FormatBool(queue.IsPermanent(err)))
		scope.SetContext("job", map[string]any{
			"job_id":      job.JobID,
			"media_id":    job.MediaID,
			"attempt":     job.Attempt,
			"tries":       job.Tries,
			"enqueued_at": job.EnqueuedAt,
		})
		sentry.CaptureException(err)
	})
}
