package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/clipforge/api/internal/auth"
	"github.com/clipforge/api/internal/client"
	"github.com/clipforge/api/internal/config"
	"github.com/clipforge/api/internal/emitter"
	"github.com/clipforge/api/internal/handler"
	"github.com/clipforge/api/internal/logger"
	"github.com/clipforge/api/internal/middleware"
	"github.com/clipforge/api/internal/projector"
	"github.com/clipforge/api/internal/reconciler"
	"github.com/clipforge/api/internal/relay"
	"github.com/clipforge/api/internal/resolver"
	"github.com/clipforge/api/internal/service"
	"github.com/clipforge/api/internal/store"
	"github.com/clipforge/api/internal/worker"
	ws "github.com/clipforge/api/internal/websocket"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	appLog, err := logger.New(cfg.Server.LogLevel, cfg.Server.Env)
	if err != nil {
		log.Fatalf("Failed to init logger: %v", err)
	}
	defer appLog.Sync()

	// Initialize Postgres
	db, err := store.Open(cfg.Database.DSN)
	if err != nil {
		appLog.Fatalw("database_open_failed", "error", err)
	}
	taskStore := store.NewTaskStore(db, appLog)
	eventStore := store.NewEventStore(db, appLog)
	mediaStore := store.NewMediaStore(db, appLog)

	// Initialize Redis client
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	// Test Redis connection
	ctx := context.Background()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		appLog.Warnw("redis_unavailable", "error", err)
	}

	// Initialize Asynq client
	asynqClient := asynq.NewClient(asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer asynqClient.Close()

	// Initialize validator
	validate := validator.New()

	// Initialize WebSocket hub
	hub := ws.NewHub(appLog)
	go hub.Run()

	// Orchestrator fleet client (optional - mock execution when absent)
	fleetClient := client.NewOrchestratorClient(&cfg.Orchestrator)
	var jobRunner client.JobRunner
	var artifactFetcher client.ArtifactFetcher
	if fleetClient.IsConfigured() {
		jobRunner = fleetClient
		artifactFetcher = fleetClient
	} else {
		appLog.Infow("fleet_not_configured_using_mock")
	}

	// Initialize R2 client (optional - continues if not configured)
	var r2Client *client.R2Client
	if cfg.R2.AccessKeyID != "" && cfg.R2.SecretAccessKey != "" {
		r2Client, err = client.NewR2Client(&cfg.R2)
		if err != nil {
			appLog.Warnw("r2_client_init_failed", "error", err)
		}
	} else {
		appLog.Infow("r2_not_configured")
	}
	var presigner resolver.Presigner
	if r2Client != nil {
		presigner = r2Client
	}

	// Initialize Zitadel JWKS verifier (optional - falls back to legacy JWT)
	var jwksVerifier *auth.JWKSVerifier
	if cfg.Zitadel.Issuer != "" {
		jwksVerifier, err = auth.NewJWKSVerifier(&cfg.Zitadel)
		if err != nil {
			appLog.Warnw("jwks_verifier_init_failed", "error", err)
		} else {
			defer jwksVerifier.Close()
		}
	}

	// Projection pipeline
	proj := projector.New(taskStore, eventStore, mediaStore, hub, appLog)
	reconcileLoop := reconciler.New(taskStore, fleetClient, proj, cfg.Reconcile, appLog)

	// Content and streaming surfaces
	contentResolver := resolver.New(mediaStore, presigner, artifactFetcher, nil, appLog)
	statusRelay := relay.New(taskStore, fleetClient, cfg.Relay, appLog)

	// Status emitter for locally executed mock jobs: reports back through the
	// same webhook the fleet uses.
	callbackURL := fmt.Sprintf("http://localhost:%s/callbacks/jobs", cfg.Server.Port)
	statusEmitter := emitter.New(emitter.Options{
		CallbackURL: callbackURL,
		Token:       cfg.Orchestrator.CallbackToken,
		Logger:      appLog,
	})

	// Initialize services
	dispatchService := service.NewDispatchService(taskStore, mediaStore, jobRunner, asynqClient, appLog)

	// Initialize handlers
	taskHandler := handler.NewTaskHandler(dispatchService, taskStore, eventStore, validate)
	webhookHandler := handler.NewWebhookHandler(proj, cfg.Orchestrator.CallbackToken, appLog)
	contentHandler := handler.NewContentHandler(mediaStore, contentResolver, appLog)

	// Initialize auth handler for ForwardAuth verification
	var tokenVerifier auth.TokenVerifier
	if jwksVerifier != nil {
		tokenVerifier = jwksVerifier
	}
	authHandler := handler.NewAuthHandler(tokenVerifier, cfg.JWT.Secret)

	// Initialize middleware (with fallback support)
	var apiAuthMiddleware fiber.Handler
	if cfg.Gateway.Enabled {
		// Behind Traefik: auth is handled by ForwardAuth, read X-User-* headers
		appLog.Infow("gateway_mode_enabled")
		apiAuthMiddleware = middleware.GatewayAuthMiddleware()
	} else {
		var authMiddleware *middleware.AuthMiddleware
		if jwksVerifier != nil && cfg.JWT.Secret != "" {
			authMiddleware = middleware.NewAuthMiddlewareWithFallback(jwksVerifier, cfg.JWT.Secret)
		} else if jwksVerifier != nil {
			authMiddleware = middleware.NewAuthMiddleware(jwksVerifier)
		} else {
			authMiddleware = middleware.NewLegacyAuthMiddleware(cfg.JWT.Secret)
		}
		apiAuthMiddleware = authMiddleware.Authenticate()
	}
	rateLimiter := middleware.NewRateLimiter(redisClient)

	// Initialize Fiber app
	app := fiber.New(fiber.Config{
		ErrorHandler: customErrorHandler,
		BodyLimit:    10 * 1024 * 1024, // 10MB
	})

	// Global middleware
	app.Use(recover.New())
	isDebug := strings.EqualFold(cfg.Server.LogLevel, "debug")
	logFormat := "[${time}] ${status} - ${latency} ${method} ${path}\n"
	if isDebug {
		logFormat = "[${time}] ${status} - ${latency} ${method} ${path} ${queryParams} ${body} ${reqHeaders}\n"
	}
	app.Use(fiberlogger.New(fiberlogger.Config{
		Format: logFormat,
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,PUT,DELETE,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization",
	}))

	// Base URL - timestamp
	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"timestamp": time.Now().Unix(),
		})
	})

	// Health check
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "ok",
			"services": fiber.Map{
				"fleet": fleetClient.IsConfigured(),
				"r2":    r2Client != nil,
				"redis": redisClient.Ping(c.Context()).Err() == nil,
				"auth":  jwksVerifier != nil || cfg.JWT.Secret != "",
			},
		})
	})

	// ForwardAuth verification endpoint (internal, called by Traefik)
	app.Get("/auth/verify", authHandler.Verify)

	// Fleet callback webhook. Token-authed, not user-authed.
	app.Post("/callbacks/jobs", webhookHandler.Receive)

	// API routes
	api := app.Group("/api", apiAuthMiddleware)

	// Job routes. The events route must precede the :taskId routes.
	jobs := api.Group("/jobs")
	jobs.Get("/events", statusRelay.Handle)
	jobs.Post("/", rateLimiter.DispatchLimit(cfg.RateLimit.DispatchPerHour), taskHandler.Dispatch)
	jobs.Get("/", taskHandler.List)
	jobs.Get("/:taskId", taskHandler.Get)
	jobs.Get("/:taskId/events", taskHandler.Events)

	// Media content proxy
	media := api.Group("/media", rateLimiter.ContentLimit(cfg.RateLimit.ContentPerMin))
	media.Get("/:mediaId/content", contentHandler.Serve)

	// WebSocket routes
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	app.Get("/ws/tasks/:taskId", websocket.New(func(c *websocket.Conn) {
		taskID := c.Params("taskId")
		hub.HandleConnection(c, taskID)
	}))

	// Start Asynq worker server and the reconcile schedule
	var workerStorage client.StorageClient
	if r2Client != nil {
		workerStorage = r2Client
	}
	go startWorkerServer(cfg, statusEmitter, workerStorage, reconcileLoop, fleetClient, appLog)
	if fleetClient.IsConfigured() {
		go startReconcileScheduler(cfg, appLog)
	}

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		appLog.Infow("server_shutting_down")
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			appLog.Errorw("server_shutdown_failed", "error", err)
		}
	}()

	// Start server
	addr := ":" + cfg.Server.Port
	appLog.Infow("server_starting", "addr", addr)
	if err := app.Listen(addr); err != nil {
		appLog.Fatalw("server_failed", "error", err)
	}
}

func startWorkerServer(
	cfg *config.Config,
	statusEmitter *emitter.Emitter,
	storage client.StorageClient,
	reconcileLoop *reconciler.Loop,
	fleetClient *client.OrchestratorClient,
	appLog *logger.Logger,
) {
	asynqLogLevel := asynq.InfoLevel
	if strings.EqualFold(cfg.Server.LogLevel, "debug") {
		asynqLogLevel = asynq.DebugLevel
	} else if strings.EqualFold(cfg.Server.LogLevel, "warn") {
		asynqLogLevel = asynq.WarnLevel
	} else if strings.EqualFold(cfg.Server.LogLevel, "error") {
		asynqLogLevel = asynq.ErrorLevel
	}

	srv := asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		},
		asynq.Config{
			Concurrency: 10,
			Queues: map[string]int{
				"execute": 6,
				"default": 4,
			},
			LogLevel: asynqLogLevel,
		},
	)

	executeWorker := worker.NewExecuteWorker(statusEmitter, storage, emitter.NewUploader(nil, appLog), appLog)

	mux := asynq.NewServeMux()
	mux.HandleFunc(service.TaskTypeExecute, executeWorker.ProcessTask)
	if fleetClient.IsConfigured() {
		mux.HandleFunc(service.TaskTypeReconcile, func(ctx context.Context, t *asynq.Task) error {
			reconcileLoop.Run(ctx)
			return nil
		})
	}

	if err := srv.Run(mux); err != nil {
		appLog.Errorw("asynq_worker_failed", "error", err)
	}
}

// startReconcileScheduler enqueues a reconcile run on a fixed interval. The
// run itself is a normal asynq task so a crashed run is retried like any
// other job.
func startReconcileScheduler(cfg *config.Config, appLog *logger.Logger) {
	scheduler := asynq.NewScheduler(
		asynq.RedisClientOpt{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		},
		&asynq.SchedulerOpts{},
	)

	spec := fmt.Sprintf("@every %ds", cfg.Reconcile.IntervalSec)
	if _, err := scheduler.Register(spec, asynq.NewTask(service.TaskTypeReconcile, nil)); err != nil {
		appLog.Errorw("reconcile_schedule_register_failed", "error", err)
		return
	}
	if err := scheduler.Run(); err != nil {
		appLog.Errorw("reconcile_scheduler_failed", "error", err)
	}
}

func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
		message = e.Message
	}

	return c.Status(code).JSON(fiber.Map{
		"error": fiber.Map{
			"code":    "SERVICE_ERROR",
			"message": message,
		},
	})
}
