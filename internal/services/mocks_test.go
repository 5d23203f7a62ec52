package services

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"wildlife-backend/internal/database"
	"wildlife-backend/internal/inference"
	"wildlife-backend/internal/models"
	"wildlife-backend/internal/queue"
	"wildlife-backend/internal/repository"
	"wildlife-backend/internal/tenant"
)

/* ==================== MOCKS ==================== */

/* -------- ObjectStore -------- */

type MockObjectStore struct {
	mock.Mock
}

func (m *MockObjectStore) Upload(ctx context.Context, body []byte, key, contentType string) (string, error) {
	args := m.Called(ctx, body, key, contentType)
	return args.String(0), args.Error(1)
}

func (m *MockObjectStore) Download(ctx context.Context, key, localPath string) error {
	args := m.Called(ctx, key, localPath)
	return args.Error(0)
}

func (m *MockObjectStore) Delete(ctx context.Context, key string) error {
	args := m.Called(ctx, key)
	return args.Error(0)
}

func (m *MockObjectStore) PresignedURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	args := m.Called(ctx, key, ttl)
	return args.String(0), args.Error(1)
}

func (m *MockObjectStore) Ping(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

// writesFile makes a Download expectation create the local file.
func writesFile(data []byte) func(mock.Arguments) {
	return func(args mock.Arguments) {
		_ = os.WriteFile(args.String(2), data, 0o644)
	}
}

/* -------- Classifiers -------- */

type MockAudioClassifier struct {
	mock.Mock
}

func (m *MockAudioClassifier) Classify(ctx context.Context, path string, opts inference.AudioOptions) ([]inference.Prediction, error) {
	args := m.Called(ctx, path, opts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]inference.Prediction), args.Error(1)
}

type MockImageClassifier struct {
	mock.Mock
}

func (m *MockImageClassifier) Classify(ctx context.Context, path string) ([]inference.Prediction, error) {
	args := m.Called(ctx, path)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]inference.Prediction), args.Error(1)
}

/* -------- Queue and events -------- */

type fakeQueue struct {
	mu         sync.Mutex
	jobs       []queue.ProcessingJob
	dead       []queue.ProcessingJob
	enqueueErr error
}

func (q *fakeQueue) Enqueue(_ context.Context, job queue.ProcessingJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.enqueueErr != nil {
		return q.enqueueErr
	}
	q.jobs = append(q.jobs, job)
	return nil
}

func (q *fakeQueue) Consume(ctx context.Context, _ queue.Handler) error {
	<-ctx.Done()
	return nil
}

func (q *fakeQueue) Stats(context.Context) (queue.Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return queue.Stats{Ready: int64(len(q.jobs)), Dead: int64(len(q.dead))}, nil
}

func (q *fakeQueue) DeadLetters(context.Context, int64) ([]queue.ProcessingJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]queue.ProcessingJob(nil), q.dead...), nil
}

func (q *fakeQueue) RequeueDeadLetter(_ context.Context, jobID string, update func(*queue.ProcessingJob)) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, job := range q.dead {
		if job.JobID != jobID {
			continue
		}
		q.dead = append(q.dead[:i], q.dead[i+1:]...)
		job.Tries = 0
		if update != nil {
			update(&job)
		}
		q.jobs = append(q.jobs, job)
		return nil
	}
	return queue.ErrJobNotFound
}

func (q *fakeQueue) enqueued() []queue.ProcessingJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]queue.ProcessingJob(nil), q.jobs...)
}

type recordingEvents struct {
	mu     sync.Mutex
	events []queue.StatusEvent
}

func (r *recordingEvents) Publish(_ context.Context, event queue.StatusEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recordingEvents) statuses() []models.ProcessingStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.ProcessingStatus, len(r.events))
	for i, e := range r.events {
		out[i] = e.Status
	}
	return out
}

func (r *recordingEvents) last() queue.StatusEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

/* ==================== FIXTURE ==================== */

type fixture struct {
	db      *gorm.DB
	media   *repository.MediaRepository
	surveys *repository.SurveyRepository
	catalog *CatalogService
	org     models.Organisation
	survey  models.Survey
	ctx     context.Context
}

func setup(t *testing.T) *fixture {
	t.Helper()
	db, err := database.OpenSQLite(":memory:")
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	f := &fixture{
		db:      db,
		media:   repository.NewMediaRepository(db),
		surveys: repository.NewSurveyRepository(db),
		catalog: NewCatalogService(repository.NewSpeciesRepository(db), time.Minute),
	}
	f.org = models.Organisation{Slug: "cairngorms", Name: "Cairngorms Connect"}
	require.NoError(t, db.Create(&f.org).Error)
	f.survey = models.Survey{OrganisationID: f.org.ID, Name: "Spring 2025"}
	require.NoError(t, f.survey.SetLocation(57.1, -3.7))
	require.NoError(t, db.Create(&f.survey).Error)

	for _, sp := range []models.Species{
		{ScientificName: "Turdus merula", CommonName: "Eurasian Blackbird"},
		{ScientificName: "Felis silvestris", CommonName: "Wildcat"},
		{ScientificName: "Vulpes vulpes", CommonName: "Red Fox"},
		{ScientificName: "Meles meles", CommonName: "European Badger"},
	} {
		require.NoError(t, db.Create(&sp).Error)
	}

	f.ctx = tenant.WithOrganisation(context.Background(), tenant.Organisation{ID: f.org.ID, Slug: f.org.Slug})
	return f
}

func (f *fixture) newItem(t *testing.T, kind models.MediaKind, filename string) *models.MediaItem {
	t.Helper()
	item := &models.MediaItem{
		SurveyID:   f.survey.ID,
		Kind:       kind,
		Filename:   filename,
		StorageKey: "cairngorms/" + string(kind) + "/" + f.survey.ID.String() + "/" + filename,
		SizeBytes:  42,
	}
	require.NoError(t, f.media.Create(context.Background(), item))
	return item
}

func (f *fixture) reload(t *testing.T, item *models.MediaItem) *models.MediaItem {
	t.Helper()
	got, err := f.media.GetByID(context.Background(), f.org.ID, item.ID, true)
	require.NoError(t, err)
	return got
}
