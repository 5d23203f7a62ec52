package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"gorm.io/gorm"

	"wildlife-backend/internal/models"
)

type MediaRepository struct {
	db *gorm.DB
}

func NewMediaRepository(db *gorm.DB) *MediaRepository {
	return &MediaRepository{db: db}
}

// MediaSummary is a media item with the number of detections attached to it.
type MediaSummary struct {
	models.MediaItem
	DetectionCount int64 `json:"detection_count"`
}

type ListFilter struct {
	Status      models.ProcessingStatus
	NeedsReview *bool
	Limit       int
	Offset      int
}

// Completion is everything written when an attempt succeeds.
type Completion struct {
	Detections       []models.Detection
	UnmatchedSpecies []string
	NeedsReview      bool
	ReviewReason     *string
}

func (r *MediaRepository) Create(ctx context.Context, item *models.MediaItem) error {
	err := r.db.WithContext(ctx).Create(item).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrDuplicateFilename
	}
	if err != nil {
		return eris.Wrap(err, "media: create")
	}
	return nil
}

// GetByID loads an item only if its survey belongs to the organisation.
func (r *MediaRepository) GetByID(ctx context.Context, orgID, id uuid.UUID, withDetections bool) (*models.MediaItem, error) {
	q := r.db.WithContext(ctx).
		Preload("Survey").
		Joins("JOIN surveys ON surveys.id = media_items.survey_id").
		Where("media_items.id = ? AND surveys.organisation_id = ?", id, orgID)
	if withDetections {
		q = q.Preload("Detections", func(db *gorm.DB) *gorm.DB {
			return db.Order("confidence DESC")
		})
	}
	var item models.MediaItem
	if err := q.First(&item).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrMediaNotFound
		}
		return nil, eris.Wrap(err, "media: get")
	}
	return &item, nil
}

// Get loads an item without tenant scoping, for workers.
func (r *MediaRepository) Get(ctx context.Context, id uuid.UUID) (*models.MediaItem, error) {
	var item models.MediaItem
	if err := r.db.WithContext(ctx).Preload("Survey").First(&item, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrMediaNotFound
		}
		return nil, eris.Wrap(err, "media: get")
	}
	return &item, nil
}

func (r *MediaRepository) List(ctx context.Context, orgID, surveyID uuid.UUID, kind models.MediaKind, f ListFilter) ([]MediaSummary, error) {
	q := r.db.WithContext(ctx).
		Joins("JOIN surveys ON surveys.id = media_items.survey_id").
		Where("surveys.organisation_id = ? AND media_items.survey_id = ? AND media_items.kind = ?", orgID, surveyID, kind)
	if f.Status != "" {
		q = q.Where("media_items.processing_status = ?", f.Status)
	}
	if f.NeedsReview != nil {
		q = q.Where("media_items.needs_review = ?", *f.NeedsReview)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	if f.Offset > 0 {
		q = q.Offset(f.Offset)
	}

	var items []models.MediaItem
	if err := q.Order("media_items.created_at DESC, media_items.filename").Find(&items).Error; err != nil {
		return nil, eris.Wrap(err, "media: list")
	}

	counts, err := r.detectionCounts(ctx, items)
	if err != nil {
		return nil, err
	}
	out := make([]MediaSummary, len(items))
	for i, item := range items {
		out[i] = MediaSummary{MediaItem: item, DetectionCount: counts[item.ID]}
	}
	return out, nil
}

func (r *MediaRepository) detectionCounts(ctx context.Context, items []models.MediaItem) (map[uuid.UUID]int64, error) {
	counts := make(map[uuid.UUID]int64, len(items))
	if len(items) == 0 {
		return counts, nil
	}
	ids := make([]uuid.UUID, len(items))
	for i, item := range items {
		ids[i] = item.ID
	}

	var rows []struct {
		MediaItemID uuid.UUID
		Count       int64
	}
	err := r.db.WithContext(ctx).Model(&models.Detection{}).
		Select("media_item_id, COUNT(*) AS count").
		Where("media_item_id IN ?", ids).
		Group("media_item_id").
		Scan(&rows).Error
	if err != nil {
		return nil, eris.Wrap(err, "media: count detections")
	}
	for _, row := range rows {
		counts[row.MediaItemID] = row.Count
	}
	return counts, nil
}

func (r *MediaRepository) CountDetections(ctx context.Context, id uuid.UUID) (int64, error) {
	var n int64
	if err := r.db.WithContext(ctx).Model(&models.Detection{}).Where("media_item_id = ?", id).Count(&n).Error; err != nil {
		return 0, eris.Wrap(err, "media: count detections")
	}
	return n, nil
}

func (r *MediaRepository) ExistsByFilename(ctx context.Context, surveyID uuid.UUID, filename string) (bool, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&models.MediaItem{}).
		Where("survey_id = ? AND filename = ?", surveyID, filename).
		Count(&n).Error
	if err != nil {
		return false, eris.Wrap(err, "media: check filename")
	}
	return n > 0, nil
}

func startColumns(attempt uuid.UUID, now time.Time) map[string]interface{} {
	return map[string]interface{}{
		"processing_status":       models.StatusProcessing,
		"processing_attempt":      attempt,
		"processing_started_at":   now,
		"processing_completed_at": nil,
		"processing_error":        nil,
		"needs_review":            false,
		"review_reason":           nil,
		"unmatched_species":       models.JSONStringArray{},
	}
}

// clearResults drops the detections of earlier attempts. Only completed
// items carry detections.
func clearResults(tx *gorm.DB, id uuid.UUID) error {
	if err := tx.Where("media_item_id = ?", id).Delete(&models.Detection{}).Error; err != nil {
		return eris.Wrap(err, "media: clear detections")
	}
	return nil
}

// ClaimPending moves a pending item to processing. ok is false when the item
// is no longer pending.
func (r *MediaRepository) ClaimPending(ctx context.Context, id uuid.UUID) (attempt uuid.UUID, ok bool, err error) {
	attempt = uuid.New()
	res := r.db.WithContext(ctx).Model(&models.MediaItem{}).
		Where("id = ? AND processing_status = ?", id, models.StatusPending).
		Updates(startColumns(attempt, time.Now().UTC()))
	if res.Error != nil {
		return uuid.Nil, false, eris.Wrap(res.Error, "media: claim pending")
	}
	if res.RowsAffected != 1 {
		return uuid.Nil, false, nil
	}
	return attempt, true, nil
}

// StartAttempt atomically opens a new processing attempt. Items already
// processing are refused; completed items only with force.
func (r *MediaRepository) StartAttempt(ctx context.Context, id uuid.UUID, force bool) (uuid.UUID, error) {
	attempt := uuid.New()
	started := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.MediaItem{}).
			Where("id = ? AND processing_status IN ?", id, models.TriggerableStatuses(force)).
			Updates(startColumns(attempt, time.Now().UTC()))
		if res.Error != nil {
			return eris.Wrap(res.Error, "media: start attempt")
		}
		if res.RowsAffected != 1 {
			return nil
		}
		started = true
		return clearResults(tx, id)
	})
	if err != nil {
		return uuid.Nil, err
	}
	if started {
		return attempt, nil
	}

	var item models.MediaItem
	if err := r.db.WithContext(ctx).Select("id", "processing_status").First(&item, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return uuid.Nil, ErrMediaNotFound
		}
		return uuid.Nil, eris.Wrap(err, "media: start attempt")
	}
	switch item.ProcessingStatus {
	case models.StatusProcessing:
		return uuid.Nil, ErrAlreadyProcessing
	case models.StatusCompleted:
		return uuid.Nil, ErrAlreadyCompleted
	}
	// Status moved between the update and the read; report as busy.
	return uuid.Nil, ErrAlreadyProcessing
}

func currentAttempt(db *gorm.DB, id, attempt uuid.UUID) *gorm.DB {
	return db.Model(&models.MediaItem{}).
		Where("id = ? AND processing_status = ? AND processing_attempt = ?", id, models.StatusProcessing, attempt)
}

// Complete replaces the item's detections and marks it completed in one
// transaction, provided attempt is still the current one.
func (r *MediaRepository) Complete(ctx context.Context, id, attempt uuid.UUID, c Completion) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		unmatched := models.JSONStringArray(c.UnmatchedSpecies)
		if unmatched == nil {
			unmatched = models.JSONStringArray{}
		}
		res := currentAttempt(tx, id, attempt).Updates(map[string]interface{}{
			"processing_status":       models.StatusCompleted,
			"processing_completed_at": time.Now().UTC(),
			"processing_error":        nil,
			"needs_review":            c.NeedsReview,
			"review_reason":           c.ReviewReason,
			"unmatched_species":       unmatched,
		})
		if res.Error != nil {
			return eris.Wrap(res.Error, "media: complete")
		}
		if res.RowsAffected != 1 {
			return ErrStaleAttempt
		}

		if err := clearResults(tx, id); err != nil {
			return err
		}
		if len(c.Detections) == 0 {
			return nil
		}
		for i := range c.Detections {
			c.Detections[i].MediaItemID = id
		}
		if err := tx.CreateInBatches(c.Detections, 100).Error; err != nil {
			return eris.Wrap(err, "media: insert detections")
		}
		return nil
	})
}

// Fail records a terminal failure for the current attempt. A failed item
// carries no detections and no review flag.
func (r *MediaRepository) Fail(ctx context.Context, id, attempt uuid.UUID, message string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := currentAttempt(tx, id, attempt).Updates(map[string]interface{}{
			"processing_status":       models.StatusFailed,
			"processing_completed_at": time.Now().UTC(),
			"processing_error":        message,
			"needs_review":            false,
			"review_reason":           nil,
			"unmatched_species":       models.JSONStringArray{},
		})
		if res.Error != nil {
			return eris.Wrap(res.Error, "media: fail")
		}
		if res.RowsAffected != 1 {
			return ErrStaleAttempt
		}
		return clearResults(tx, id)
	})
}

// Touch restarts the clock of the current attempt. Workers call it when they
// pick the attempt up, so time spent waiting in the queue or between retries
// does not count towards the stale timeout.
func (r *MediaRepository) Touch(ctx context.Context, id, attempt uuid.UUID) error {
	res := currentAttempt(r.db.WithContext(ctx), id, attempt).Update("processing_started_at", time.Now().UTC())
	if res.Error != nil {
		return eris.Wrap(res.Error, "media: touch")
	}
	if res.RowsAffected != 1 {
		return ErrStaleAttempt
	}
	return nil
}

// Delete removes the item and its detections.
func (r *MediaRepository) Delete(ctx context.Context, id uuid.UUID) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("media_item_id = ?", id).Delete(&models.Detection{}).Error; err != nil {
			return eris.Wrap(err, "media: delete detections")
		}
		res := tx.Delete(&models.MediaItem{}, "id = ?", id)
		if res.Error != nil {
			return eris.Wrap(res.Error, "media: delete")
		}
		if res.RowsAffected == 0 {
			return ErrMediaNotFound
		}
		return nil
	})
}

// FindStale lists items stuck in processing since before cutoff.
func (r *MediaRepository) FindStale(ctx context.Context, cutoff time.Time, limit int) ([]models.MediaItem, error) {
	var items []models.MediaItem
	err := r.db.WithContext(ctx).
		Preload("Survey").
		Where("processing_status = ? AND processing_started_at < ?", models.StatusProcessing, cutoff).
		Order("processing_started_at").
		Limit(limit).
		Find(&items).Error
	if err != nil {
		return nil, eris.Wrap(err, "media: find stale")
	}
	return items, nil
}

// FindUnqueued lists items left pending since before cutoff, apart from the
// excluded ones.
func (r *MediaRepository) FindUnqueued(ctx context.Context, cutoff time.Time, exclude []uuid.UUID, limit int) ([]models.MediaItem, error) {
	var items []models.MediaItem
	q := r.db.WithContext(ctx).
		Where("processing_status = ? AND created_at < ?", models.StatusPending, cutoff)
	if len(exclude) > 0 {
		q = q.Where("id NOT IN ?", exclude)
	}
	err := q.
		Order("created_at").
		Limit(limit).
		Find(&items).Error
	if err != nil {
		return nil, eris.Wrap(err, "media: find unqueued")
	}
	return items, nil
}
