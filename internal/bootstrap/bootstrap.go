// Package bootstrap wires the pipeline from configuration. The API server and
// the operator CLI share it so both see the same queue, storage and models.
package bootstrap

import (
	"context"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"wildlife-backend/config"
	"wildlife-backend/internal/database"
	"wildlife-backend/internal/inference"
	"wildlife-backend/internal/inference/audio"
	"wildlife-backend/internal/inference/image"
	"wildlife-backend/internal/inference/tflite"
	"wildlife-backend/internal/metrics"
	"wildlife-backend/internal/queue"
	"wildlife-backend/internal/repository"
	"wildlife-backend/internal/review"
	"wildlife-backend/internal/services"
	"wildlife-backend/internal/storage"
)

type App struct {
	Config     *config.Config
	DB         *gorm.DB
	Redis      *redis.Client
	Store      *storage.S3Store
	Metrics    *metrics.Metrics
	Queue      queue.Queue
	Events     queue.EventBus
	Media      *services.MediaService
	Processor  *services.Processor
	Reconciler *services.Reconciler
	Hub        *services.StatusHub

	closers []func()
}

// New connects every dependency. On error whatever was opened is closed again.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{Config: cfg, Hub: services.NewStatusHub()}
	if err := a.connect(ctx, cfg); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) connect(ctx context.Context, cfg *config.Config) (err error) {
	// 1. Database
	if a.DB, err = database.ConnectDB(cfg); err != nil {
		return err
	}
	a.onClose(func() {
		if sqlDB, err := a.DB.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	if err = database.Migrate(a.DB); err != nil {
		return err
	}

	// 2. Redis (optional)
	if a.Redis, err = database.ConnectRedis(cfg); err != nil {
		return err
	}
	if a.Redis != nil {
		a.onClose(func() { _ = a.Redis.Close() })
	}

	// 3. Object storage
	if a.Store, err = storage.NewS3Store(ctx, cfg.S3); err != nil {
		return err
	}

	// 4. Metrics
	if a.Metrics, err = metrics.New(prometheus.NewRegistry()); err != nil {
		return err
	}

	// 5. Queue and status events
	policy := queue.RetryPolicy{
		MaxAttempts:    cfg.Queue.MaxAttempts,
		InitialBackoff: cfg.Queue.InitialBackoff,
		MaxBackoff:     cfg.Queue.MaxBackoff,
		Multiplier:     cfg.Queue.Multiplier,
		Jitter:         cfg.Queue.Jitter,
	}
	hooks := services.QueueHooks(a.Metrics)
	if a.Redis != nil {
		a.Queue = queue.NewRedisQueue(a.Redis, queue.RedisOptions{
			Prefix:       cfg.Queue.Prefix,
			Workers:      cfg.Queue.Workers,
			PollInterval: cfg.Queue.PollInterval,
			Policy:       policy,
			Hooks:        hooks,
		})
		a.Events = queue.NewRedisEvents(a.Redis)
	} else {
		mq := queue.NewMemoryQueue(cfg.Queue.Workers, 0, policy, hooks)
		a.onClose(mq.Close)
		a.Queue = mq
		a.Events = queue.NewMemoryEvents()
	}

	// 6. Inference, one guard per model
	audioClassifier := a.loadAudioClassifier(cfg.Audio, inference.NewGuard(cfg.Inference.MaxConcurrent))
	imageClassifier := image.NewClient(cfg.Image, inference.NewGuard(cfg.Inference.MaxConcurrent), nil)

	// 7. Services
	mediaRepo := repository.NewMediaRepository(a.DB)
	catalog := services.NewCatalogService(repository.NewSpeciesRepository(a.DB), cfg.Catalog.CacheTTL)
	a.Media = services.NewMediaService(mediaRepo, repository.NewSurveyRepository(a.DB),
		a.Store, a.Queue, a.Events, a.Metrics, cfg.S3.URLExpiry)
	a.Processor = services.NewProcessor(mediaRepo, catalog, a.Store, audioClassifier, imageClassifier,
		a.Events, a.Metrics, services.ProcessorConfig{
			Timeout:     cfg.Processing.Timeout,
			ScratchDir:  cfg.Processing.ScratchDir,
			MaxAttempts: cfg.Queue.MaxAttempts,
			Review: review.Policy{
				ConfidenceThreshold: cfg.Review.ConfidenceThreshold,
				ReviewThreshold:     cfg.Review.ReviewThreshold,
			},
			Audio: inference.AudioOptions{
				Latitude:          cfg.Audio.Latitude,
				Longitude:         cfg.Audio.Longitude,
				LocationThreshold: cfg.Audio.LocationThreshold,
				MinConfidence:     cfg.Audio.MinConfidence,
				Sensitivity:       cfg.Audio.Sensitivity,
				Overlap:           cfg.Audio.Overlap,
			},
		})
	a.Reconciler = services.NewReconciler(mediaRepo, a.Queue, a.Events,
		cfg.Processing.StaleAfter, cfg.Processing.ReconcileInterval)

	return nil
}

// loadAudioClassifier returns nil when the acoustic model is not installed;
// audio items then fail as unsupported instead of blocking startup.
func (a *App) loadAudioClassifier(cfg config.AudioConfig, guard *inference.Guard) inference.AudioClassifier {
	if _, err := os.Stat(cfg.ModelPath); err != nil {
		zap.L().Warn("audio model not found, audio processing disabled", zap.String("path", cfg.ModelPath))
		return nil
	}
	model, err := tflite.NewAcousticModel(cfg.ModelPath, cfg.LabelsPath, cfg.Threads)
	if err != nil {
		zap.L().Error("could not load audio model, audio processing disabled", zap.Error(err))
		return nil
	}
	a.onClose(model.Close)

	var rangeModel audio.RangeModel
	if cfg.RangeModelPath != "" {
		rm, err := tflite.NewRangeModel(cfg.RangeModelPath)
		if err != nil {
			zap.L().Warn("range model unavailable, location filter disabled", zap.Error(err))
		} else {
			a.onClose(rm.Close)
			rangeModel = rm
		}
	}
	zap.L().Info("audio classifier ready", zap.Bool("location_filter", rangeModel != nil))
	return audio.NewClassifier(model, rangeModel, guard)
}

func (a *App) onClose(fn func()) {
	a.closers = append(a.closers, fn)
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// ErrNoRedis is returned by operations that only make sense on the shared queue.
var ErrNoRedis = eris.New("redis is disabled; the in-process queue is not shared between processes")
