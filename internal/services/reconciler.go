package services

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"wildlife-backend/internal/models"
	"wildlife-backend/internal/queue"
	"wildlife-backend/internal/repository"
)

const (
	reconcileBatch = 100
	// TimedOutMessage is recorded on items abandoned in processing.
	TimedOutMessage = "processing timed out"
)

// Reconciler repairs items the queue lost track of: attempts that never
// finished and uploads that never got queued.
type Reconciler struct {
	media      *repository.MediaRepository
	queue      queue.Queue
	events     queue.EventPublisher
	staleAfter time.Duration
	interval   time.Duration
	// requeued remembers pending items already put back on the queue, so a
	// backlog is not flooded with duplicates every pass.
	requeued *cache.Cache
}

func NewReconciler(media *repository.MediaRepository, q queue.Queue, events queue.EventPublisher, staleAfter, interval time.Duration) *Reconciler {
	if staleAfter <= 0 {
		staleAfter = 30 * time.Minute
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Reconciler{
		media:      media,
		queue:      q,
		events:     events,
		staleAfter: staleAfter,
		interval:   interval,
		requeued:   cache.New(staleAfter, staleAfter),
	}
}

type ReconcileResult struct {
	TimedOut int `json:"timed_out"`
	Requeued int `json:"requeued"`
}

// RunOnce performs a single pass.
func (r *Reconciler) RunOnce(ctx context.Context) (ReconcileResult, error) {
	var res ReconcileResult
	cutoff := time.Now().UTC().Add(-r.staleAfter)

	stale, err := r.media.FindStale(ctx, cutoff, reconcileBatch)
	if err != nil {
		return res, err
	}
	for i := range stale {
		item := &stale[i]
		if item.ProcessingAttempt == nil {
			continue
		}
		err := r.media.Fail(ctx, item.ID, *item.ProcessingAttempt, TimedOutMessage)
		if errors.Is(err, repository.ErrStaleAttempt) {
			continue
		}
		if err != nil {
			return res, err
		}
		res.TimedOut++
		r.publish(ctx, item, models.StatusFailed, TimedOutMessage)
		zap.L().Warn("processing timed out",
			zap.String("media_id", item.ID.String()),
			zap.Timep("started_at", item.ProcessingStartedAt))
	}

	pending, err := r.media.FindUnqueued(ctx, cutoff, r.recentlyRequeued(), reconcileBatch)
	if err != nil {
		return res, err
	}
	for _, item := range pending {
		// A duplicate of a job still in the queue is harmless: only one of
		// them can claim the pending item.
		if err := r.queue.Enqueue(ctx, queue.NewProcessingJob(item.ID, item.Kind, nil, false)); err != nil {
			return res, err
		}
		r.requeued.SetDefault(item.ID.String(), item.ID)
		res.Requeued++
		zap.L().Info("requeued pending media", zap.String("media_id", item.ID.String()))
	}
	return res, nil
}

// recentlyRequeued lists items requeued within the last stale_after window.
// They get another chance only once that window has passed.
func (r *Reconciler) recentlyRequeued() []uuid.UUID {
	items := r.requeued.Items()
	ids := make([]uuid.UUID, 0, len(items))
	for _, it := range items {
		ids = append(ids, it.Object.(uuid.UUID))
	}
	return ids
}

// Run reconciles every interval until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		if res, err := r.RunOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			zap.L().Error("reconcile pass failed", zap.Error(err))
		} else if res.TimedOut > 0 || res.Requeued > 0 {
			zap.L().Info("reconcile pass",
				zap.Int("timed_out", res.TimedOut),
				zap.Int("requeued", res.Requeued))
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (r *Reconciler) publish(ctx context.Context, item *models.MediaItem, status models.ProcessingStatus, msg string) {
	if r.events == nil {
		return
	}
	if err := r.events.Publish(ctx, statusEvent(item, status, msg)); err != nil {
		zap.L().Warn("could not publish status event", zap.Error(err))
	}
}
