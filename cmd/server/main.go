package main

import (
	"context"
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
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/renderfleet/api/internal/client"
	"github.com/renderfleet/api/internal/config"
	"github.com/renderfleet/api/internal/cost"
	"github.com/renderfleet/api/internal/dispatch"
	"github.com/renderfleet/api/internal/handler"
	"github.com/renderfleet/api/internal/middleware"
	"github.com/renderfleet/api/internal/notify"
	"github.com/renderfleet/api/internal/progress"
	"github.com/renderfleet/api/internal/service"
	"github.com/renderfleet/api/internal/worker"
	ws "github.com/renderfleet/api/internal/websocket"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize Redis client
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	// Test Redis connection
	ctx := context.Background()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Printf("Warning: Redis not available: %v", err)
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
	hub := ws.NewHub()
	go hub.Run()

	// Initialize external clients
	workerClient := client.NewWorkerClient(&cfg.Worker)
	muxerClient := client.NewMuxerClient(&cfg.Muxer)

	storageClient, err := client.NewS3Client(&cfg.Storage)
	if err != nil {
		log.Fatalf("Failed to initialize storage client: %v", err)
	}

	// Progress store, pricing, webhooks
	store := progress.NewRedisStore(redisClient)
	estimator := cost.NewEstimator(cfg.Pricing.Region)
	notifier := notify.NewNotifier()

	// Initialize services
	renderService := service.NewRenderService(store, storageClient, asynqClient, estimator, notifier, cfg)

	// Initialize handlers
	renderHandler := handler.NewRenderHandler(renderService, validate)

	// Initialize middleware
	authMiddleware := middleware.NewAuthMiddleware(cfg.JWT.Secret)
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
		log.Println("Debug logging enabled")
	}
	app.Use(logger.New(logger.Config{
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
				"redis":   redisClient.Ping(c.Context()).Err() == nil,
				"storage": storageClient.IsConfigured(),
				"worker":  workerClient.IsConfigured(),
				"muxer":   muxerClient.IsConfigured(),
				"auth":    cfg.JWT.Secret != "",
			},
		})
	})

	// API routes
	api := app.Group("/api", authMiddleware.Authenticate())

	// Render routes
	render := api.Group("/render")
	render.Post("/start", rateLimiter.RenderLimit(cfg.RateLimit.RendersPerHour), renderHandler.Start)
	render.Get("/status/:renderId", renderHandler.Status)
	render.Post("/cancel/:renderId", renderHandler.Cancel)
	render.Delete("/:renderId", renderHandler.Delete)

	// WebSocket routes
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	app.Get("/ws/renders/:renderId", websocket.New(func(c *websocket.Conn) {
		renderID := c.Params("renderId")
		hub.HandleConnection(c, renderID)
	}))

	// Start Asynq worker server
	orchestrator := worker.NewOrchestrator(
		store,
		workerClient,
		storageClient,
		muxerClient,
		estimator,
		notifier,
		hub,
		worker.OrchestratorOptions{
			Retry: dispatch.RetryPolicy{
				MaxRetries:  cfg.Render.MaxRetriesPerChunk,
				BackoffBase: time.Duration(cfg.Render.RetryBackoffMs) * time.Millisecond,
				BackoffCap:  time.Duration(cfg.Render.RetryBackoffCapMs) * time.Millisecond,
			},
			MemoryMb:  cfg.Render.MemoryMb,
			DiskMb:    cfg.Render.DiskMb,
			Pipelined: cfg.Render.PipelinedStitching,
		},
	)
	go startWorkerServer(cfg, orchestrator)

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Println("Shutting down server...")
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
	}()

	// Start server
	addr := ":" + cfg.Server.Port
	log.Printf("Server starting on %s", addr)
	if err := app.Listen(addr); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}

func startWorkerServer(cfg *config.Config, orchestrator *worker.Orchestrator) {
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
			// One slot per in-flight render; each render fans its chunks
			// out internally up to its own concurrency limit.
			Concurrency: 10,
			Queues: map[string]int{
				"render": 10,
			},
			LogLevel: asynqLogLevel,
		},
	)

	mux := asynq.NewServeMux()
	mux.HandleFunc(service.TaskTypeRender, orchestrator.ProcessTask)

	if err := srv.Run(mux); err != nil {
		log.Printf("Asynq worker error: %v", err)
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
