package handlers

import (
	"github.com/gofiber/fiber/v2"

	"wildlife-backend/internal/metrics"
	"wildlife-backend/internal/queue"
	"wildlife-backend/internal/services"
)

// AdminHandler exposes queue monitoring and dead-letter recovery. Dead letters
// are scoped to the caller; queue stats and reconcile are operator routes.
type AdminHandler struct {
	media      *services.MediaService
	queue      queue.Queue
	reconciler *services.Reconciler
	metrics    *metrics.Metrics
}

func NewAdminHandler(media *services.MediaService, q queue.Queue, reconciler *services.Reconciler, m *metrics.Metrics) *AdminHandler {
	return &AdminHandler{media: media, queue: q, reconciler: reconciler, metrics: m}
}

// GetQueueStats returns the queue depth per state and refreshes the gauge.
func (h *AdminHandler) GetQueueStats(c *fiber.Ctx) error {
	stats, err := h.queue.Stats(c.UserContext())
	if err != nil {
		return respondError(c, err)
	}
	h.metrics.SetQueueDepth(stats.Ready, stats.Delayed, stats.InFlight, stats.Dead)
	return c.JSON(stats)
}

// GetDeadLetters lists the caller's dead jobs.
func (h *AdminHandler) GetDeadLetters(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", defaultPageSize)
	if limit < 1 {
		return badRequest(c, "limit must be positive")
	}
	jobs, err := h.media.OrganisationDeadLetters(c.UserContext(), int64(limit))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"jobs": jobs, "count": len(jobs)})
}

func (h *AdminHandler) RequeueDeadLetter(c *fiber.Ctx) error {
	jobID := c.Params("job_id")
	if err := h.media.RequeueOrganisationDeadLetter(c.UserContext(), jobID); err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"message": "Job requeued", "job_id": jobID})
}

// Reconcile runs one reconciliation pass immediately.
func (h *AdminHandler) Reconcile(c *fiber.Ctx) error {
	res, err := h.reconciler.RunOnce(c.UserContext())
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(res)
}
