package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"wildlife-backend/config"
	"wildlife-backend/internal/bootstrap"
	"wildlife-backend/internal/routes"
	"wildlife-backend/internal/services"
)

func main() {
	// 1. Load Configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	// 2. Logger
	if err := config.InitLogger(cfg.Log); err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer func() { _ = zap.L().Sync() }()

	// 3. Error reporting
	if cfg.Sentry.DSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         cfg.Sentry.DSN,
			Environment: cfg.App.Env,
		}); err != nil {
			zap.L().Warn("sentry disabled", zap.Error(err))
		}
		defer sentry.Flush(2 * time.Second)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 4. Database, Redis, S3, models and services
	app, err := bootstrap.New(ctx, cfg)
	if err != nil {
		zap.L().Fatal("startup failed", zap.Error(err))
	}
	defer app.Close()

	// 5. Initialize Fiber App
	server := fiber.New(fiber.Config{
		AppName:      cfg.App.Name,
		ServerHeader: "Wildlife-Survey",
		BodyLimit:    512 * 1024 * 1024,
	})

	// 6. Middleware
	server.Use(logger.New())  // Request logging
	server.Use(recover.New()) // Panic recovery
	server.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Organisation",
		AllowMethods: "GET, POST, HEAD, DELETE",
	}))

	// 7. Routes
	routes.SetupRoutes(server, routes.Deps{
		Config:     cfg,
		DB:         app.DB,
		Redis:      app.Redis,
		Store:      app.Store,
		Queue:      app.Queue,
		Media:      app.Media,
		Reconciler: app.Reconciler,
		Hub:        app.Hub,
		Metrics:    app.Metrics,
	})

	// 8. Workers, reconciler and status stream (in background)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return app.Queue.Consume(gctx, app.Processor.Handle) })
	g.Go(func() error { return app.Reconciler.Run(gctx) })
	g.Go(func() error { return services.NewStatusSubscriber(app.Events, app.Hub).Run(gctx) })

	// 9. Start Server
	g.Go(func() error {
		zap.L().Info("server starting", zap.String("port", cfg.App.Port), zap.String("env", cfg.App.Env))
		return server.Listen(":" + cfg.App.Port)
	})
	g.Go(func() error {
		<-gctx.Done()
		zap.L().Info("shutting down")
		return server.ShutdownWithTimeout(30 * time.Second)
	})

	if err := g.Wait(); err != nil {
		zap.L().Error("server stopped with error", zap.Error(err))
	}
}
