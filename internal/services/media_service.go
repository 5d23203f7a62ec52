package services

import (
	"context"
	"errors"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"wildlife-backend/internal/metrics"
	"wildlife-backend/internal/models"
	"wildlife-backend/internal/queue"
	"wildlife-backend/internal/repository"
	"wildlife-backend/internal/storage"
	"wildlife-backend/internal/tenant"
	"wildlife-backend/internal/utils"
)

// UploadFile is one file of a multipart upload, already read into memory.
type UploadFile struct {
	Filename string
	Data     []byte
}

// MediaService is the entry point of the pipeline for API callers: it stores
// uploads, opens processing attempts and removes media.
type MediaService struct {
	media   *repository.MediaRepository
	surveys *repository.SurveyRepository
	store   storage.ObjectStore
	queue   queue.Queue
	events  queue.EventPublisher
	metrics *metrics.Metrics
	urlTTL  time.Duration
}

func NewMediaService(
	media *repository.MediaRepository,
	surveys *repository.SurveyRepository,
	store storage.ObjectStore,
	q queue.Queue,
	events queue.EventPublisher,
	m *metrics.Metrics,
	urlTTL time.Duration,
) *MediaService {
	if urlTTL <= 0 {
		urlTTL = time.Hour
	}
	return &MediaService{
		media:   media,
		surveys: surveys,
		store:   store,
		queue:   q,
		events:  events,
		metrics: m,
		urlTTL:  urlTTL,
	}
}

func organisation(ctx context.Context) (tenant.Organisation, error) {
	org, ok := tenant.FromContext(ctx)
	if !ok {
		return tenant.Organisation{}, ErrNoTenant
	}
	return org, nil
}

// cleanFilename strips any client supplied directories.
func cleanFilename(name string) string {
	return path.Base(strings.ReplaceAll(strings.TrimSpace(name), "\\", "/"))
}

// Upload stores every file and creates a pending item for each. The batch is
// validated up front so a rejected file leaves neither a row nor an object.
func (s *MediaService) Upload(ctx context.Context, surveyID uuid.UUID, kind models.MediaKind, files []UploadFile) ([]models.MediaItem, error) {
	org, err := organisation(ctx)
	if err != nil {
		return nil, err
	}
	survey, err := s.surveys.GetForOrganisation(ctx, org.ID, surveyID)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, ErrNoFiles
	}

	seen := make(map[string]bool, len(files))
	for i := range files {
		name := cleanFilename(files[i].Filename)
		files[i].Filename = name
		if name == "" || name == "." || name == "/" {
			return nil, eris.Wrap(ErrUnsupportedExtension, "missing filename")
		}
		if !kind.Accepts(path.Ext(name)) {
			return nil, eris.Wrapf(ErrUnsupportedExtension, "%s (accepted: %s)",
				name, strings.Join(kind.Extensions(), ", "))
		}
		if len(files[i].Data) == 0 {
			return nil, eris.Wrap(ErrEmptyFile, name)
		}
		if seen[name] {
			return nil, eris.Wrap(repository.ErrDuplicateFilename, name)
		}
		seen[name] = true
		exists, err := s.media.ExistsByFilename(ctx, survey.ID, name)
		if err != nil {
			return nil, err
		}
		if exists {
			return nil, eris.Wrap(repository.ErrDuplicateFilename, name)
		}
	}

	items := make([]models.MediaItem, 0, len(files))
	for _, f := range files {
		item, err := s.storeOne(ctx, org, survey.ID, kind, f)
		if err != nil {
			return items, err
		}
		items = append(items, *item)
	}
	return items, nil
}

// storeOne uploads a single validated file, records it and queues it.
func (s *MediaService) storeOne(ctx context.Context, org tenant.Organisation, surveyID uuid.UUID, kind models.MediaKind, f UploadFile) (*models.MediaItem, error) {
	ext := path.Ext(f.Filename)
	item := &models.MediaItem{
		ID:          uuid.New(),
		SurveyID:    surveyID,
		Kind:        kind,
		Filename:    f.Filename,
		ContentType: utils.ContentTypeFor(ext),
		SizeBytes:   int64(len(f.Data)),
	}
	item.StorageKey = storage.Key(org.Slug, kind, surveyID, item.ID, f.Filename)
	item.DeviceSerial, item.CapturedAt = utils.ParseMediaFilename(f.Filename)

	if _, err := s.store.Upload(ctx, f.Data, item.StorageKey, item.ContentType); err != nil {
		return nil, err
	}
	if err := s.media.Create(ctx, item); err != nil {
		if delErr := s.store.Delete(ctx, item.StorageKey); delErr != nil {
			zap.L().Warn("orphaned object after failed insert",
				zap.String("key", item.StorageKey), zap.Error(delErr))
		}
		if errors.Is(err, repository.ErrDuplicateFilename) {
			return nil, eris.Wrap(err, f.Filename)
		}
		return nil, err
	}
	s.metrics.RecordUpload(string(kind))

	job := queue.NewProcessingJob(item.ID, kind, nil, false)
	if err := s.queue.Enqueue(ctx, job); err != nil {
		// The reconciler re-queues pending items nobody picked up.
		zap.L().Warn("could not queue uploaded media",
			zap.String("media_id", item.ID.String()), zap.Error(err))
	}

	zap.L().Info("media uploaded",
		zap.String("media_id", item.ID.String()),
		zap.String("kind", string(kind)),
		zap.String("filename", item.Filename),
		zap.Int64("size", item.SizeBytes))
	return item, nil
}

// load fetches an item of the given kind inside the caller's organisation.
func (s *MediaService) load(ctx context.Context, kind models.MediaKind, id uuid.UUID, withDetections bool) (*models.MediaItem, error) {
	org, err := organisation(ctx)
	if err != nil {
		return nil, err
	}
	item, err := s.media.GetByID(ctx, org.ID, id, withDetections)
	if err != nil {
		return nil, err
	}
	if item.Kind != kind {
		return nil, repository.ErrMediaNotFound
	}
	return item, nil
}

// Get returns the item with its detections, strongest first.
func (s *MediaService) Get(ctx context.Context, kind models.MediaKind, id uuid.UUID) (*repository.MediaSummary, error) {
	item, err := s.load(ctx, kind, id, true)
	if err != nil {
		return nil, err
	}
	return &repository.MediaSummary{
		MediaItem:      *item,
		DetectionCount: int64(len(item.Detections)),
	}, nil
}

func (s *MediaService) List(ctx context.Context, surveyID uuid.UUID, kind models.MediaKind, f repository.ListFilter) ([]repository.MediaSummary, error) {
	org, err := organisation(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := s.surveys.GetForOrganisation(ctx, org.ID, surveyID); err != nil {
		return nil, err
	}
	return s.media.List(ctx, org.ID, surveyID, kind, f)
}

// TriggerProcessing opens a new attempt and queues it. Items already
// processing are refused, completed ones unless force is set.
func (s *MediaService) TriggerProcessing(ctx context.Context, kind models.MediaKind, id uuid.UUID, force bool) (*models.MediaItem, error) {
	item, err := s.load(ctx, kind, id, false)
	if err != nil {
		return nil, err
	}
	if err := s.trigger(ctx, item, force); err != nil {
		return nil, err
	}
	return s.load(ctx, kind, id, false)
}

// Reprocess is TriggerProcessing for operators, without tenant scoping.
func (s *MediaService) Reprocess(ctx context.Context, id uuid.UUID, force bool) (*models.MediaItem, error) {
	item, err := s.media.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.trigger(ctx, item, force); err != nil {
		return nil, err
	}
	return s.media.Get(ctx, id)
}

func (s *MediaService) trigger(ctx context.Context, item *models.MediaItem, force bool) error {
	attempt, err := s.media.StartAttempt(ctx, item.ID, force)
	if err != nil {
		return err
	}
	job := queue.NewProcessingJob(item.ID, item.Kind, &attempt, force)
	if err := s.queue.Enqueue(ctx, job); err != nil {
		s.abandon(ctx, item, attempt, err)
		return eris.Wrap(ErrEnqueue, err.Error())
	}
	s.publish(ctx, item, models.StatusProcessing, "")

	zap.L().Info("processing triggered",
		zap.String("media_id", item.ID.String()),
		zap.String("job_id", job.JobID),
		zap.Bool("force", force))
	return nil
}

// abandon fails an attempt that never reached the queue so the item does
// not sit in processing until the reconciler notices.
func (s *MediaService) abandon(ctx context.Context, item *models.MediaItem, attempt uuid.UUID, cause error) {
	msg := "queue: " + cause.Error()
	if err := s.media.Fail(ctx, item.ID, attempt, msg); err != nil {
		zap.L().Error("could not fail unqueued attempt",
			zap.String("media_id", item.ID.String()), zap.Error(err))
		return
	}
	s.publish(ctx, item, models.StatusFailed, msg)
}

// Delete removes the object first. The row is only deleted once storage
// confirmed, so a failed delete never leaves an orphaned blob.
func (s *MediaService) Delete(ctx context.Context, kind models.MediaKind, id uuid.UUID) error {
	item, err := s.load(ctx, kind, id, false)
	if err != nil {
		return err
	}
	if err := s.store.Delete(ctx, item.StorageKey); err != nil {
		zap.L().Error("storage delete failed",
			zap.String("media_id", item.ID.String()),
			zap.String("key", item.StorageKey),
			zap.Error(err))
		return eris.Wrapf(ErrStorageDelete, "%s: %v", item.StorageKey, err)
	}
	if err := s.media.Delete(ctx, item.ID); err != nil {
		return err
	}
	zap.L().Info("media deleted", zap.String("media_id", item.ID.String()))
	return nil
}

// DownloadURL returns a presigned GET link valid for the configured expiry.
func (s *MediaService) DownloadURL(ctx context.Context, kind models.MediaKind, id uuid.UUID) (string, time.Time, error) {
	item, err := s.load(ctx, kind, id, false)
	if err != nil {
		return "", time.Time{}, err
	}
	url, err := s.store.PresignedURL(ctx, item.StorageKey, s.urlTTL)
	if err != nil {
		return "", time.Time{}, err
	}
	return url, time.Now().UTC().Add(s.urlTTL), nil
}

// RequeueDeadLetter gives a dead job a fresh attempt and puts it back on the
// queue. Items that were reprocessed since are refused like a trigger. It is
// the operator variant and ignores organisations.
func (s *MediaService) RequeueDeadLetter(ctx context.Context, jobID string) error {
	return s.requeueDeadLetter(ctx, jobID, func(id uuid.UUID) (*models.MediaItem, error) {
		return s.media.Get(ctx, id)
	})
}

// RequeueOrganisationDeadLetter is RequeueDeadLetter limited to jobs of the
// caller's organisation. Other jobs are reported as not found.
func (s *MediaService) RequeueOrganisationDeadLetter(ctx context.Context, jobID string) error {
	org, err := organisation(ctx)
	if err != nil {
		return err
	}
	return s.requeueDeadLetter(ctx, jobID, func(id uuid.UUID) (*models.MediaItem, error) {
		return s.ownedItem(ctx, org, id)
	})
}

// OrganisationDeadLetters lists the dead jobs of the caller's organisation,
// most recent first. Jobs of deleted items are left to operators.
func (s *MediaService) OrganisationDeadLetters(ctx context.Context, limit int64) ([]queue.ProcessingJob, error) {
	org, err := organisation(ctx)
	if err != nil {
		return nil, err
	}
	dead, err := s.queue.DeadLetters(ctx, 0)
	if err != nil {
		return nil, err
	}
	jobs := make([]queue.ProcessingJob, 0)
	for _, job := range dead {
		if limit > 0 && int64(len(jobs)) >= limit {
			break
		}
		id, err := uuid.Parse(job.MediaID)
		if err != nil {
			continue
		}
		_, err = s.ownedItem(ctx, org, id)
		if errors.Is(err, queue.ErrJobNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (s *MediaService) ownedItem(ctx context.Context, org tenant.Organisation, id uuid.UUID) (*models.MediaItem, error) {
	item, err := s.media.GetByID(ctx, org.ID, id, false)
	if errors.Is(err, repository.ErrMediaNotFound) {
		return nil, queue.ErrJobNotFound
	}
	return item, err
}

func (s *MediaService) requeueDeadLetter(ctx context.Context, jobID string, load func(uuid.UUID) (*models.MediaItem, error)) error {
	dead, err := s.queue.DeadLetters(ctx, 0)
	if err != nil {
		return err
	}
	var job *queue.ProcessingJob
	for i := range dead {
		if dead[i].JobID == jobID {
			job = &dead[i]
			break
		}
	}
	if job == nil {
		return queue.ErrJobNotFound
	}
	mediaID, err := uuid.Parse(job.MediaID)
	if err != nil {
		return eris.Wrapf(queue.ErrJobNotFound, "invalid media id %q", job.MediaID)
	}
	item, err := load(mediaID)
	if err != nil {
		return err
	}

	attempt, err := s.media.StartAttempt(ctx, mediaID, job.Force)
	if err != nil {
		return err
	}
	err = s.queue.RequeueDeadLetter(ctx, jobID, func(j *queue.ProcessingJob) {
		j.Attempt = attempt.String()
	})
	if err != nil {
		s.abandon(ctx, item, attempt, err)
		return err
	}
	s.publish(ctx, item, models.StatusProcessing, "")
	return nil
}

func (s *MediaService) publish(ctx context.Context, item *models.MediaItem, status models.ProcessingStatus, msg string) {
	if s.events == nil {
		return
	}
	event := statusEvent(item, status, msg)
	if err := s.events.Publish(ctx, event); err != nil {
		zap.L().Warn("could not publish status event", zap.Error(err))
	}
}

func statusEvent(item *models.MediaItem, status models.ProcessingStatus, msg string) queue.StatusEvent {
	event := queue.StatusEvent{
		MediaID:  item.ID.String(),
		SurveyID: item.SurveyID.String(),
		Kind:     item.Kind,
		Status:   status,
		Error:    msg,
		At:       time.Now().UTC(),
	}
	if item.Survey.ID != uuid.Nil {
		event.OrganisationID = item.Survey.OrganisationID.String()
	}
	return event
}
