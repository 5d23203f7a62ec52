package services

import (
	"context"
	"errors"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"wildlife-backend/internal/inference"
	"wildlife-backend/internal/metrics"
	"wildlife-backend/internal/models"
	"wildlife-backend/internal/queue"
	"wildlife-backend/internal/repository"
	"wildlife-backend/internal/review"
	"wildlife-backend/internal/storage"
)

// imageDetections is the primary prediction plus four runner-ups.
const imageDetections = 5

// Processing stages, used as the prefix of a stored processing error.
const (
	stageStorage   = "storage"
	stageInference = "inference"
	stagePersist   = "persist"
)

type stageError struct {
	stage string
	err   error
}

func (e *stageError) Error() string {
	msg := e.err.Error()
	if strings.HasPrefix(msg, e.stage+":") {
		return msg
	}
	return e.stage + ": " + msg
}

func (e *stageError) Unwrap() error { return e.err }

type ProcessorConfig struct {
	// Timeout bounds one attempt, download and inference included.
	Timeout    time.Duration
	ScratchDir string
	// MaxAttempts must match the queue's retry policy; the try that reaches
	// it marks the item failed.
	MaxAttempts int
	Review      review.Policy
	// Audio defaults used when the survey has no location.
	Audio inference.AudioOptions
}

// Processor runs one processing attempt per queue job.
type Processor struct {
	media   *repository.MediaRepository
	catalog *CatalogService
	store   storage.ObjectStore
	audio   inference.AudioClassifier
	image   inference.ImageClassifier
	events  queue.EventPublisher
	metrics *metrics.Metrics
	cfg     ProcessorConfig
}

// NewProcessor wires the processing handler. Either classifier may be nil,
// in which case items of that kind fail as unsupported.
func NewProcessor(
	media *repository.MediaRepository,
	catalog *CatalogService,
	store storage.ObjectStore,
	audio inference.AudioClassifier,
	image inference.ImageClassifier,
	events queue.EventPublisher,
	m *metrics.Metrics,
	cfg ProcessorConfig,
) *Processor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Minute
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = queue.DefaultRetryPolicy().MaxAttempts
	}
	return &Processor{
		media:   media,
		catalog: catalog,
		store:   store,
		audio:   audio,
		image:   image,
		events:  events,
		metrics: m,
		cfg:     cfg,
	}
}

// Handle is a queue.Handler.
func (p *Processor) Handle(ctx context.Context, job *queue.ProcessingJob) error {
	mediaID, err := uuid.Parse(job.MediaID)
	if err != nil {
		return queue.Permanent(eris.Wrapf(err, "job %s: media id", job.JobID))
	}
	log := zap.L().With(zap.String("media_id", job.MediaID), zap.String("job_id", job.JobID))

	claimed := false
	if job.Attempt == "" {
		attempt, ok, err := p.media.ClaimPending(ctx, mediaID)
		if err != nil {
			return err
		}
		if !ok {
			log.Debug("item no longer pending, skipping job")
			return nil
		}
		job.Attempt = attempt.String()
		claimed = true
	}
	attempt, err := uuid.Parse(job.Attempt)
	if err != nil {
		return queue.Permanent(eris.Wrapf(err, "job %s: attempt", job.JobID))
	}

	item, err := p.media.Get(ctx, mediaID)
	if errors.Is(err, repository.ErrMediaNotFound) {
		log.Info("item deleted before processing")
		return nil
	}
	if err != nil {
		return err
	}
	if item.ProcessingStatus != models.StatusProcessing ||
		item.ProcessingAttempt == nil || *item.ProcessingAttempt != attempt {
		log.Info("attempt superseded, skipping job",
			zap.String("status", string(item.ProcessingStatus)))
		return nil
	}
	if claimed {
		p.publish(ctx, item, models.StatusProcessing, "")
	} else if err := p.media.Touch(ctx, item.ID, attempt); err != nil {
		if errors.Is(err, repository.ErrStaleAttempt) {
			log.Info("attempt superseded, skipping job")
			return nil
		}
		return err
	}

	runCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	completion, err := p.run(runCtx, item)
	if err == nil {
		err = p.media.Complete(ctx, item.ID, attempt, *completion)
		if errors.Is(err, repository.ErrStaleAttempt) {
			log.Info("attempt superseded before completion, discarding results")
			return nil
		}
		if err != nil {
			err = &stageError{stage: stagePersist, err: err}
		}
	}
	if err != nil {
		return p.fail(ctx, job, item, attempt, err)
	}

	kind := string(item.Kind)
	p.metrics.RecordOutcome(kind, metrics.OutcomeCompleted)
	if completion.NeedsReview {
		p.metrics.RecordFlagged(kind)
	}
	event := statusEvent(item, models.StatusCompleted, "")
	event.NeedsReview = completion.NeedsReview
	event.DetectionCount = len(completion.Detections)
	p.emit(ctx, event)

	log.Info("processing completed",
		zap.Int("detections", len(completion.Detections)),
		zap.Strings("unmatched", completion.UnmatchedSpecies),
		zap.Bool("needs_review", completion.NeedsReview))
	return nil
}

// fail decides between a retry and a terminal failure. Permanent errors and
// the last allowed try mark the item failed.
func (p *Processor) fail(ctx context.Context, job *queue.ProcessingJob, item *models.MediaItem, attempt uuid.UUID, err error) error {
	log := zap.L().With(zap.String("media_id", job.MediaID), zap.String("job_id", job.JobID))
	kind := string(item.Kind)

	if ctx.Err() != nil {
		// Shutting down; the queue hands the job out again.
		log.Warn("processing interrupted", zap.Error(err))
		return err
	}

	permanent := queue.IsPermanent(err) ||
		inference.IsPermanent(err) ||
		errors.Is(err, storage.ErrObjectNotFound)
	if !permanent && job.Tries+1 < p.cfg.MaxAttempts {
		p.metrics.RecordOutcome(kind, metrics.OutcomeRetried)
		log.Warn("processing failed, will retry",
			zap.Int("try", job.Tries+1),
			zap.Int("max_attempts", p.cfg.MaxAttempts),
			zap.Error(err))
		return err
	}

	msg := err.Error()
	switch ferr := p.media.Fail(ctx, item.ID, attempt, msg); {
	case errors.Is(ferr, repository.ErrStaleAttempt):
		log.Info("attempt superseded before failure was recorded")
		return nil
	case ferr != nil:
		log.Error("could not record processing failure", zap.Error(ferr))
		return ferr
	default:
		p.metrics.RecordOutcome(kind, metrics.OutcomeFailed)
		p.publish(ctx, item, models.StatusFailed, msg)
		log.Error("processing failed", zap.Bool("permanent", permanent), zap.Error(err))
	}

	if permanent {
		return queue.Permanent(err)
	}
	return err
}

// run downloads the object into a scratch directory, classifies it and
// prepares everything the completion writes.
func (p *Processor) run(ctx context.Context, item *models.MediaItem) (*repository.Completion, error) {
	dir, err := os.MkdirTemp(p.cfg.ScratchDir, "media-*")
	if err != nil {
		return nil, &stageError{stage: stageStorage, err: eris.Wrap(err, "create scratch dir")}
	}
	defer os.RemoveAll(dir)

	local := filepath.Join(dir, path.Base(item.Filename))
	if err := p.store.Download(ctx, item.StorageKey, local); err != nil {
		return nil, &stageError{stage: stageStorage, err: err}
	}

	start := time.Now()
	preds, err := p.classify(ctx, item, local)
	p.metrics.ObserveInference(string(item.Kind), time.Since(start))
	if err != nil {
		return nil, &stageError{stage: stageInference, err: err}
	}

	completion, err := p.buildCompletion(ctx, item.Kind, preds)
	if err != nil {
		return nil, &stageError{stage: stagePersist, err: err}
	}
	return completion, nil
}

func (p *Processor) classify(ctx context.Context, item *models.MediaItem, local string) ([]inference.Prediction, error) {
	switch item.Kind {
	case models.MediaKindAudio:
		if p.audio == nil {
			return nil, eris.Wrap(inference.ErrUnsupportedFormat, "no audio classifier loaded")
		}
		return p.audio.Classify(ctx, local, p.audioOptions(item))
	case models.MediaKindImage:
		if p.image == nil {
			return nil, eris.Wrap(inference.ErrUnsupportedFormat, "no image classifier configured")
		}
		return p.image.Classify(ctx, local)
	}
	return nil, eris.Wrapf(inference.ErrUnsupportedFormat, "media kind %q", item.Kind)
}

// audioOptions seeds the location filter from the survey, falling back to the
// configured coordinates, and dates it by the recording time.
func (p *Processor) audioOptions(item *models.MediaItem) inference.AudioOptions {
	opts := p.cfg.Audio
	if lat, lon, ok := item.Survey.Coordinates(); ok {
		opts.Latitude, opts.Longitude = lat, lon
	}
	opts.Date = item.CreatedAt
	if item.CapturedAt != nil {
		opts.Date = *item.CapturedAt
	}
	return opts
}

func (p *Processor) buildCompletion(ctx context.Context, kind models.MediaKind, preds []inference.Prediction) (*repository.Completion, error) {
	sort.SliceStable(preds, func(i, j int) bool { return preds[i].Confidence > preds[j].Confidence })
	if kind == models.MediaKindImage && len(preds) > imageDetections {
		preds = preds[:imageDetections]
	}

	c := &repository.Completion{
		Detections:       make([]models.Detection, 0, len(preds)),
		UnmatchedSpecies: []string{},
	}
	unmatched := make(map[string]bool)
	for i, pred := range preds {
		det := models.Detection{
			Label:          pred.Label,
			SpeciesName:    pred.CommonName,
			ScientificName: pred.ScientificName,
			Confidence:     pred.Confidence,
			StartTime:      pred.Start,
			EndTime:        pred.End,
		}
		if det.SpeciesName == "" {
			det.SpeciesName = pred.ScientificName
		}
		if kind == models.MediaKindImage {
			det.IsPrimary = i == 0
			if pred.TaxonomicLevel != "" {
				level := pred.TaxonomicLevel
				det.TaxonomicLevel = &level
			}
		}

		sp, err := p.catalog.Lookup(ctx, pred.ScientificName)
		if err != nil {
			return nil, err
		}
		if sp != nil {
			id := sp.ID
			det.SpeciesID = &id
			if sp.CommonName != "" {
				det.SpeciesName = sp.CommonName
			}
		} else if name := strings.TrimSpace(pred.ScientificName); name != "" && !unmatched[strings.ToLower(name)] {
			unmatched[strings.ToLower(name)] = true
			c.UnmatchedSpecies = append(c.UnmatchedSpecies, name)
		}
		c.Detections = append(c.Detections, det)
	}

	if len(preds) > 0 {
		c.NeedsReview, c.ReviewReason = p.cfg.Review.Evaluate(&review.Classification{
			ScientificName: preds[0].ScientificName,
			Confidence:     preds[0].Confidence,
		})
	}
	return c, nil
}

func (p *Processor) publish(ctx context.Context, item *models.MediaItem, status models.ProcessingStatus, msg string) {
	p.emit(ctx, statusEvent(item, status, msg))
}

func (p *Processor) emit(ctx context.Context, event queue.StatusEvent) {
	if p.events == nil {
		return
	}
	if err := p.events.Publish(ctx, event); err != nil {
		zap.L().Warn("could not publish status event", zap.Error(err))
	}
}
