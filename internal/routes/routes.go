package routes

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/websocket/v2"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"wildlife-backend/config"
	"wildlife-backend/internal/handlers"
	"wildlife-backend/internal/metrics"
	"wildlife-backend/internal/middleware"
	"wildlife-backend/internal/models"
	"wildlife-backend/internal/queue"
	"wildlife-backend/internal/repository"
	"wildlife-backend/internal/services"
	"wildlife-backend/internal/storage"
)

// Deps is everything the HTTP surface talks to.
type Deps struct {
	Config     *config.Config
	DB         *gorm.DB
	Redis      *redis.Client
	Store      storage.ObjectStore
	Queue      queue.Queue
	Media      *services.MediaService
	Reconciler *services.Reconciler
	Hub        *services.StatusHub
	Metrics    *metrics.Metrics
}

func SetupRoutes(app *fiber.App, d Deps) {
	app.Get("/metrics", adaptor.HTTPHandler(d.Metrics.Handler()))

	api := app.Group("/api/v1")

	// Health Check
	api.Get("/health", handlers.NewHealthHandler(d.Config.App.Name, d.DB, d.Store, d.Redis).Check)

	// Everything below is scoped to the caller's organisation
	protected := api.Group("", middleware.Tenant(middleware.TenantConfig{
		Secret:      d.Config.JWT.Secret,
		AllowHeader: d.Config.App.TenantHeader,
	}, repository.NewOrganisationRepository(d.DB)))

	// Media, once per kind
	for _, kind := range []models.MediaKind{models.MediaKindAudio, models.MediaKindImage} {
		h := handlers.NewMediaHandler(d.Media, kind)
		prefix := "/" + kind.RoutePrefix()

		protected.Post("/surveys/:survey_id"+prefix, h.Upload)
		protected.Get("/surveys/:survey_id"+prefix, h.List)
		protected.Get(prefix+"/:id", h.Get)
		protected.Delete(prefix+"/:id", h.Delete)
		protected.Post(prefix+"/:id/process", h.Process)
		protected.Get(prefix+"/:id/url", h.DownloadURL)
	}

	// Queue monitoring and recovery
	admin := protected.Group("/admin")
	adminHandler := handlers.NewAdminHandler(d.Media, d.Queue, d.Reconciler, d.Metrics)
	admin.Get("/dead-letters", adminHandler.GetDeadLetters)
	admin.Post("/dead-letters/:job_id/requeue", adminHandler.RequeueDeadLetter)

	operator := middleware.RequireOperator(d.Config.App.OperatorOrganisations)
	admin.Get("/queue-stats", operator, adminHandler.GetQueueStats)
	admin.Post("/reconcile", operator, adminHandler.Reconcile)

	// WebSocket (token may be passed as ?token=)
	stream := handlers.NewStatusStream(d.Hub)
	protected.Get("/ws/media", stream.Upgrade, websocket.New(stream.Handle))
}
