package services

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"wildlife-backend/internal/inference"
	"wildlife-backend/internal/models"
	"wildlife-backend/internal/queue"
	"wildlife-backend/internal/repository"
	"wildlife-backend/internal/review"
	"wildlife-backend/internal/storage"
)

type processorDeps struct {
	store  *MockObjectStore
	audio  *MockAudioClassifier
	image  *MockImageClassifier
	events *recordingEvents
	scrat  string
}

func newProcessor(t *testing.T, f *fixture) (*Processor, *processorDeps) {
	t.Helper()
	d := &processorDeps{
		store:  new(MockObjectStore),
		audio:  new(MockAudioClassifier),
		image:  new(MockImageClassifier),
		events: &recordingEvents{},
		scrat:  t.TempDir(),
	}
	p := NewProcessor(f.media, f.catalog, d.store, d.audio, d.image, d.events, nil, ProcessorConfig{
		Timeout:     time.Minute,
		ScratchDir:  d.scrat,
		MaxAttempts: 3,
		Review:      review.DefaultPolicy(),
		Audio: inference.AudioOptions{
			LocationThreshold: 0.03,
			MinConfidence:     0.25,
			Sensitivity:       1,
		},
	})
	return p, d
}

func seconds(v float64) *float64 { return &v }

func (d *processorDeps) downloads(item *models.MediaItem) {
	d.store.On("Download", mock.Anything, item.StorageKey, mock.Anything).Run(writesFile([]byte("media"))).Return(nil)
}

func (d *processorDeps) scratchEmpty(t *testing.T) {
	t.Helper()
	entries, err := os.ReadDir(d.scrat)
	require.NoError(t, err)
	assert.Empty(t, entries, "scratch files must be removed")
}

func TestProcessAudioCompletes(t *testing.T) {
	f := setup(t)
	item := f.newItem(t, models.MediaKindAudio, "2MM24020_20250601_143000.wav")
	captured := time.Date(2025, 6, 1, 14, 30, 0, 0, time.UTC)
	require.NoError(t, f.db.Model(item).Update("captured_at", captured).Error)

	p, d := newProcessor(t, f)
	d.downloads(item)
	d.audio.On("Classify", mock.Anything, mock.MatchedBy(func(path string) bool {
		return filepath.Base(path) == item.Filename
	}), mock.MatchedBy(func(opts inference.AudioOptions) bool {
		return opts.Latitude == 57.1 && opts.Longitude == -3.7 && opts.Date.Equal(captured) && opts.MinConfidence == 0.25
	})).Return([]inference.Prediction{
		{Label: "Strix aluco_Tawny Owl", ScientificName: "Strix aluco", CommonName: "Tawny Owl", Confidence: 0.81, Start: seconds(3), End: seconds(6)},
		{Label: "Turdus merula_Eurasian Blackbird", ScientificName: "Turdus merula", CommonName: "Eurasian Blackbird", Confidence: 0.92, Start: seconds(0), End: seconds(3)},
		{Label: "Strix aluco_Tawny Owl", ScientificName: "Strix aluco", CommonName: "Tawny Owl", Confidence: 0.4, Start: seconds(6), End: seconds(9)},
	}, nil)

	job := queue.NewProcessingJob(item.ID, item.Kind, nil, false)
	require.NoError(t, p.Handle(context.Background(), &job))
	assert.NotEmpty(t, job.Attempt, "a claimed job carries its attempt into retries")

	got := f.reload(t, item)
	assert.Equal(t, models.StatusCompleted, got.ProcessingStatus)
	assert.Nil(t, got.ProcessingError)
	require.NotNil(t, got.ProcessingCompletedAt)
	assert.False(t, got.NeedsReview)
	assert.Equal(t, models.JSONStringArray{"Strix aluco"}, got.UnmatchedSpecies)

	require.Len(t, got.Detections, 3)
	top := got.Detections[0]
	assert.Equal(t, "Turdus merula", top.ScientificName)
	require.NotNil(t, top.SpeciesID)
	assert.Equal(t, "Eurasian Blackbird", top.SpeciesName)
	require.NotNil(t, top.StartTime)
	assert.Equal(t, 0.0, *top.StartTime)
	assert.False(t, top.IsPrimary)
	assert.Nil(t, got.Detections[1].SpeciesID)

	assert.Equal(t, []models.ProcessingStatus{models.StatusProcessing, models.StatusCompleted}, d.events.statuses())
	assert.Equal(t, 3, d.events.last().DetectionCount)
	assert.Equal(t, f.org.ID.String(), d.events.last().OrganisationID)
	d.scratchEmpty(t)
}

func imagePredictions(top string, conf float64) []inference.Prediction {
	preds := []inference.Prediction{
		{Label: top, ScientificName: top, Confidence: conf, TaxonomicLevel: "species"},
	}
	for i, name := range []string{"Vulpes vulpes", "Meles meles", "Martes martes", "Sciurus vulgaris", "Capreolus capreolus", "Cervus elaphus"} {
		preds = append(preds, inference.Prediction{
			Label:          name,
			ScientificName: name,
			Confidence:     conf / float64(i+2),
			TaxonomicLevel: "species",
		})
	}
	return preds
}

func TestProcessImageFlagsWildcat(t *testing.T) {
	f := setup(t)
	item := f.newItem(t, models.MediaKindImage, "IMG_0042.JPG")
	p, d := newProcessor(t, f)
	d.downloads(item)
	d.image.On("Classify", mock.Anything, mock.Anything).Return(imagePredictions("Felis silvestris", 0.97), nil)

	job := queue.NewProcessingJob(item.ID, item.Kind, nil, false)
	require.NoError(t, p.Handle(context.Background(), &job))

	got := f.reload(t, item)
	assert.Equal(t, models.StatusCompleted, got.ProcessingStatus)
	assert.True(t, got.NeedsReview)
	require.NotNil(t, got.ReviewReason)
	assert.Equal(t, review.ReasonCatConfusion, *got.ReviewReason)

	// Primary plus four runner-ups.
	require.Len(t, got.Detections, 5)
	assert.True(t, got.Detections[0].IsPrimary)
	assert.Equal(t, "Wildcat", got.Detections[0].SpeciesName)
	require.NotNil(t, got.Detections[0].TaxonomicLevel)
	assert.Equal(t, "species", *got.Detections[0].TaxonomicLevel)
	for _, det := range got.Detections[1:] {
		assert.False(t, det.IsPrimary)
	}
	assert.ElementsMatch(t, []string{"Martes martes", "Sciurus vulgaris"}, got.UnmatchedSpecies)
	assert.True(t, d.events.last().NeedsReview)
}

func TestProcessImageConfidenceReasons(t *testing.T) {
	cases := []struct {
		conf   float64
		flag   bool
		reason string
	}{
		{0.35, true, "very low confidence (35.0%)"},
		{0.55, true, "low confidence (55.0%)"},
		{0.9, false, ""},
	}
	for _, tc := range cases {
		f := setup(t)
		item := f.newItem(t, models.MediaKindImage, "a.jpg")
		p, d := newProcessor(t, f)
		d.downloads(item)
		d.image.On("Classify", mock.Anything, mock.Anything).Return(imagePredictions("Vulpes vulpes", tc.conf), nil)

		job := queue.NewProcessingJob(item.ID, item.Kind, nil, false)
		require.NoError(t, p.Handle(context.Background(), &job))

		got := f.reload(t, item)
		assert.Equal(t, tc.flag, got.NeedsReview, "confidence %v", tc.conf)
		if tc.flag {
			require.NotNil(t, got.ReviewReason)
			assert.Equal(t, tc.reason, *got.ReviewReason)
		} else {
			assert.Nil(t, got.ReviewReason)
		}
	}
}

func TestProcessEmptyPredictionsCompletes(t *testing.T) {
	f := setup(t)
	item := f.newItem(t, models.MediaKindAudio, "quiet.wav")
	p, d := newProcessor(t, f)
	d.downloads(item)
	d.audio.On("Classify", mock.Anything, mock.Anything, mock.Anything).Return([]inference.Prediction{}, nil)

	job := queue.NewProcessingJob(item.ID, item.Kind, nil, false)
	require.NoError(t, p.Handle(context.Background(), &job))

	got := f.reload(t, item)
	assert.Equal(t, models.StatusCompleted, got.ProcessingStatus)
	assert.Empty(t, got.Detections)
	assert.False(t, got.NeedsReview)
	assert.Empty(t, got.UnmatchedSpecies)
}

func TestProcessPermanentInferenceError(t *testing.T) {
	f := setup(t)
	item := f.newItem(t, models.MediaKindAudio, "broken.wav")
	p, d := newProcessor(t, f)
	d.downloads(item)
	d.audio.On("Classify", mock.Anything, mock.Anything, mock.Anything).
		Return(nil, errors.Join(errors.New("audio: read wav header"), inference.ErrUndecodable))

	job := queue.NewProcessingJob(item.ID, item.Kind, nil, false)
	err := p.Handle(context.Background(), &job)
	require.Error(t, err)
	assert.True(t, queue.IsPermanent(err))

	got := f.reload(t, item)
	assert.Equal(t, models.StatusFailed, got.ProcessingStatus)
	require.NotNil(t, got.ProcessingError)
	assert.Contains(t, *got.ProcessingError, "inference: ")
	assert.Contains(t, *got.ProcessingError, "read wav header")
	assert.Empty(t, got.Detections)
	assert.Equal(t, models.StatusFailed, d.events.last().Status)
	d.scratchEmpty(t)
}

func TestProcessTransientStorageErrorRetriesThenFails(t *testing.T) {
	f := setup(t)
	item := f.newItem(t, models.MediaKindImage, "a.jpg")
	p, d := newProcessor(t, f)
	d.store.On("Download", mock.Anything, item.StorageKey, mock.Anything).
		Return(errors.New("storage: get object a.jpg: connection reset"))

	job := queue.NewProcessingJob(item.ID, item.Kind, nil, false)
	err := p.Handle(context.Background(), &job)
	require.Error(t, err)
	assert.False(t, queue.IsPermanent(err))
	assert.Equal(t, models.StatusProcessing, f.reload(t, item).ProcessingStatus)
	d.image.AssertNotCalled(t, "Classify", mock.Anything, mock.Anything)

	// The queue counts tries; the last one records the failure.
	job.Tries = 2
	err = p.Handle(context.Background(), &job)
	require.Error(t, err)

	got := f.reload(t, item)
	assert.Equal(t, models.StatusFailed, got.ProcessingStatus)
	require.NotNil(t, got.ProcessingError)
	assert.Equal(t, "storage: get object a.jpg: connection reset", *got.ProcessingError)
}

func TestProcessMissingObjectIsPermanent(t *testing.T) {
	f := setup(t)
	item := f.newItem(t, models.MediaKindImage, "a.jpg")
	p, d := newProcessor(t, f)
	d.store.On("Download", mock.Anything, item.StorageKey, mock.Anything).Return(storage.ErrObjectNotFound)

	job := queue.NewProcessingJob(item.ID, item.Kind, nil, false)
	err := p.Handle(context.Background(), &job)
	assert.True(t, queue.IsPermanent(err))

	got := f.reload(t, item)
	assert.Equal(t, models.StatusFailed, got.ProcessingStatus)
	assert.Equal(t, "storage: object not found", *got.ProcessingError)
}

func TestProcessSkipsSupersededAttempt(t *testing.T) {
	f := setup(t)
	item := f.newItem(t, models.MediaKindAudio, "a.wav")
	old, err := f.media.StartAttempt(context.Background(), item.ID, false)
	require.NoError(t, err)
	require.NoError(t, f.media.Fail(context.Background(), item.ID, old, "inference: boom"))
	current, err := f.media.StartAttempt(context.Background(), item.ID, false)
	require.NoError(t, err)

	p, d := newProcessor(t, f)
	stale := queue.NewProcessingJob(item.ID, item.Kind, &old, false)
	require.NoError(t, p.Handle(context.Background(), &stale))

	d.store.AssertNotCalled(t, "Download", mock.Anything, mock.Anything, mock.Anything)
	got := f.reload(t, item)
	assert.Equal(t, models.StatusProcessing, got.ProcessingStatus)
	assert.Equal(t, current, *got.ProcessingAttempt)
}

func TestProcessIgnoresJobsForSettledItems(t *testing.T) {
	f := setup(t)
	item := f.newItem(t, models.MediaKindAudio, "a.wav")
	attempt, err := f.media.StartAttempt(context.Background(), item.ID, false)
	require.NoError(t, err)
	require.NoError(t, f.media.Complete(context.Background(), item.ID, attempt, repository.Completion{}))

	p, d := newProcessor(t, f)
	// A duplicate upload job arriving after completion.
	job := queue.NewProcessingJob(item.ID, item.Kind, nil, false)
	require.NoError(t, p.Handle(context.Background(), &job))
	d.store.AssertNotCalled(t, "Download", mock.Anything, mock.Anything, mock.Anything)

	// A job for an item that was deleted meanwhile.
	gone := queue.NewProcessingJob(uuid.New(), models.MediaKindAudio, nil, false)
	require.NoError(t, p.Handle(context.Background(), &gone))

	bad := queue.ProcessingJob{JobID: "x", MediaID: "not-a-uuid"}
	assert.True(t, queue.IsPermanent(p.Handle(context.Background(), &bad)))
}

func TestForcedReprocessReplacesDetections(t *testing.T) {
	f := setup(t)
	item := f.newItem(t, models.MediaKindImage, "a.jpg")
	p, d := newProcessor(t, f)
	d.downloads(item)
	d.image.On("Classify", mock.Anything, mock.Anything).Return(imagePredictions("Vulpes vulpes", 0.9), nil)

	job := queue.NewProcessingJob(item.ID, item.Kind, nil, false)
	require.NoError(t, p.Handle(context.Background(), &job))
	require.Len(t, f.reload(t, item).Detections, 5)

	svc := newMediaService(f, d.store, &fakeQueue{}, nil)
	_, err := svc.TriggerProcessing(f.ctx, models.MediaKindImage, item.ID, true)
	require.NoError(t, err)
	attempt := *f.reload(t, item).ProcessingAttempt

	again := queue.NewProcessingJob(item.ID, item.Kind, &attempt, true)
	require.NoError(t, p.Handle(context.Background(), &again))

	n, err := f.media.CountDetections(context.Background(), item.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)
}

func TestFailedForcedReprocessLeavesNoResults(t *testing.T) {
	f := setup(t)
	item := f.newItem(t, models.MediaKindImage, "a.jpg")
	p, d := newProcessor(t, f)
	d.downloads(item)
	d.image.On("Classify", mock.Anything, mock.Anything).Return(imagePredictions("Felis silvestris", 0.97), nil).Once()
	d.image.On("Classify", mock.Anything, mock.Anything).Return(nil, inference.ErrUndecodable).Once()

	job := queue.NewProcessingJob(item.ID, item.Kind, nil, false)
	require.NoError(t, p.Handle(context.Background(), &job))
	completed := f.reload(t, item)
	require.Len(t, completed.Detections, 5)
	require.True(t, completed.NeedsReview)

	svc := newMediaService(f, d.store, &fakeQueue{}, nil)
	_, err := svc.TriggerProcessing(f.ctx, models.MediaKindImage, item.ID, true)
	require.NoError(t, err)
	attempt := *f.reload(t, item).ProcessingAttempt

	again := queue.NewProcessingJob(item.ID, item.Kind, &attempt, true)
	assert.True(t, queue.IsPermanent(p.Handle(context.Background(), &again)))

	got := f.reload(t, item)
	assert.Equal(t, models.StatusFailed, got.ProcessingStatus)
	n, err := f.media.CountDetections(context.Background(), item.ID)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.False(t, got.NeedsReview)
	assert.Nil(t, got.ReviewReason)
	assert.Empty(t, got.UnmatchedSpecies)
}

func TestProcessRestartsClockOfQueuedAttempt(t *testing.T) {
	f := setup(t)
	item := f.newItem(t, models.MediaKindImage, "a.jpg")
	attempt, err := f.media.StartAttempt(context.Background(), item.ID, false)
	require.NoError(t, err)
	// Waited behind a backlog longer than the stale timeout.
	require.NoError(t, f.db.Model(item).Update("processing_started_at", time.Now().UTC().Add(-2*time.Hour)).Error)

	p, d := newProcessor(t, f)
	d.downloads(item)
	d.image.On("Classify", mock.Anything, mock.Anything).Return(nil, errors.New("classifier: 503 service unavailable"))

	job := queue.NewProcessingJob(item.ID, item.Kind, &attempt, false)
	require.Error(t, p.Handle(context.Background(), &job))

	got := f.reload(t, item)
	assert.Equal(t, models.StatusProcessing, got.ProcessingStatus)
	require.NotNil(t, got.ProcessingStartedAt)
	assert.WithinDuration(t, time.Now().UTC(), *got.ProcessingStartedAt, time.Minute)

	r := NewReconciler(f.media, &fakeQueue{}, nil, 30*time.Minute, time.Minute)
	res, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.TimedOut, "a retrying attempt is not stale")
}

func TestProcessWithoutClassifierFails(t *testing.T) {
	f := setup(t)
	item := f.newItem(t, models.MediaKindAudio, "a.wav")
	store := new(MockObjectStore)
	store.On("Download", mock.Anything, item.StorageKey, mock.Anything).Run(writesFile([]byte("x"))).Return(nil)
	p := NewProcessor(f.media, f.catalog, store, nil, nil, nil, nil, ProcessorConfig{ScratchDir: t.TempDir()})

	job := queue.NewProcessingJob(item.ID, item.Kind, nil, false)
	assert.True(t, queue.IsPermanent(p.Handle(context.Background(), &job)))
	got := f.reload(t, item)
	assert.Equal(t, models.StatusFailed, got.ProcessingStatus)
	assert.Contains(t, *got.ProcessingError, "inference: ")
}

func TestProcessThroughMemoryQueue(t *testing.T) {
	f := setup(t)
	item := f.newItem(t, models.MediaKindImage, "a.jpg")
	p, d := newProcessor(t, f)
	d.downloads(item)
	d.image.On("Classify", mock.Anything, mock.Anything).Return(imagePredictions("Meles meles", 0.88), nil)

	q := queue.NewMemoryQueue(1, 8, queue.DefaultRetryPolicy(), queue.Hooks{})
	defer q.Close()
	require.NoError(t, q.Enqueue(context.Background(), queue.NewProcessingJob(item.ID, item.Kind, nil, false)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- q.Consume(ctx, p.Handle) }()

	require.Eventually(t, func() bool {
		got, err := f.media.Get(context.Background(), item.ID)
		return err == nil && got.ProcessingStatus == models.StatusCompleted
	}, 5*time.Second, 20*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}
