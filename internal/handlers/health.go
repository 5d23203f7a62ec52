package handlers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"wildlife-backend/internal/storage"
)

// HealthHandler reports the reachability of the pipeline's dependencies.
// A nil Redis client means the in-process queue is in use.
type HealthHandler struct {
	db    *gorm.DB
	store storage.ObjectStore
	rdb   *redis.Client
	name  string
}

func NewHealthHandler(name string, db *gorm.DB, store storage.ObjectStore, rdb *redis.Client) *HealthHandler {
	return &HealthHandler{db: db, store: store, rdb: rdb, name: name}
}

func (h *HealthHandler) Check(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), 3*time.Second)
	defer cancel()

	checks := fiber.Map{
		"database": h.checkDB(ctx),
		"storage":  result(h.store.Ping(ctx)),
	}
	if h.rdb != nil {
		checks["redis"] = result(h.rdb.Ping(ctx).Err())
	}

	status, code := "ok", fiber.StatusOK
	for _, v := range checks {
		if v != "ok" {
			status, code = "degraded", fiber.StatusServiceUnavailable
		}
	}
	return c.Status(code).JSON(fiber.Map{
		"status":  status,
		"service": h.name,
		"checks":  checks,
	})
}

func (h *HealthHandler) checkDB(ctx context.Context) string {
	sqlDB, err := h.db.DB()
	if err != nil {
		return err.Error()
	}
	return result(sqlDB.PingContext(ctx))
}

func result(err error) string {
	if err != nil {
		return err.Error()
	}
	return "ok"
}
