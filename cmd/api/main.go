package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/chiscode/orchestrator/internal/auth"
	"github.com/chiscode/orchestrator/internal/config"
	"github.com/chiscode/orchestrator/internal/gateway"
	"github.com/chiscode/orchestrator/internal/logger"
	"github.com/chiscode/orchestrator/internal/metrics"
	"github.com/chiscode/orchestrator/internal/orchestration"
	"github.com/chiscode/orchestrator/internal/storage"

	_ "github.com/chiscode/orchestrator/docs" // swagger docs
)

// @title Generation Orchestrator API
// @version 1.0
// @description Session-based orchestrator for AI application generation.
// @description
// @description Drives generation requests through analysis, stack selection, a user
// @description confirmation gate, streamed generation, validation with bounded repair,
// @description preview provisioning and finalization.

// @contact.name API Support
// @contact.email support@chiscode.dev

// @license.name MIT
// @license.url https://opensource.org/licenses/MIT

// @host localhost:8080
// @BasePath /api

// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
// @description Type "Bearer" followed by a space and the JWT token.

func main() {
	cfg := config.Load()

	log := logger.New(cfg.App.LogFilePath, cfg.App.Environment == "production")
	defer log.Sync()

	if err := initTracer(); err != nil {
		log.Fatal("failed to initialize tracer", zap.Error(err))
	}

	// Postgres is optional: without it the service runs with in-memory quota
	// and no login or project archive.
	var pool *pgxpool.Pool
	if cfg.Database.URL != "" {
		pool = connectDatabase(cfg.Database.URL, log)
		defer pool.Close()
	} else {
		log.Warn("DATABASE_URL not set, running without persistence")
	}

	jwtManager, err := auth.NewJWTManager(cfg.Auth.JWTSecret)
	if err != nil {
		log.Fatal("failed to initialize JWT manager", zap.Error(err))
	}

	runMetrics, err := metrics.NewRunMetrics()
	if err != nil {
		log.Fatal("failed to initialize run metrics", zap.Error(err))
	}

	var (
		quotaSource orchestration.QuotaSource
		users       *storage.UserStore
		archive     *storage.ProjectArchive
		archiver    orchestration.ProjectArchiver
	)
	if pool != nil {
		quotaSource = storage.NewQuotaSource(pool)
		users = storage.NewUserStore(pool)
		archive = storage.NewProjectArchive(pool)
		archiver = archive
	} else {
		quotaSource = orchestration.NewMemoryQuotaSource()
	}

	quota := orchestration.NewQuotaGuard(quotaSource,
		cfg.Quota.FreeDailyLimit,
		cfg.Quota.BasicDailyLimit,
		cfg.Quota.ProDailyLimit)

	store := orchestration.NewSessionStore(cfg.Pipeline.SessionIdleTTL, cfg.Pipeline.EvictionAckWait, log)
	engineClient := orchestration.NewHTTPEngineClient(cfg.Engine.BaseURL, log)
	previewClient := orchestration.NewHTTPPreviewClient(cfg.Engine.PreviewBaseURL, cfg.Engine.PreviewTimeout)

	orch := orchestration.NewOrchestrator(store, quota, engineClient, previewClient, log, orchestration.Options{
		ConfirmTimeout:    cfg.Pipeline.ConfirmTimeout,
		MaxRepairAttempts: cfg.Pipeline.MaxRepairAttempts,
		Metrics:           runMetrics,
		Archive:           archiver,
	})

	gatewayHandler := gateway.NewHandler(orch, jwtManager, users, archive, log, cfg.Auth.TokenDuration)
	runStream := gateway.NewRunStreamHandler(orch, log)

	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLoggingMiddleware(log))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})

	router.GET("/ready", func(c *gin.Context) {
		if pool != nil {
			if err := pool.Ping(c.Request.Context()); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"status": "not ready",
					"error":  "database connection failed",
				})
				return
			}
		}
		if !engineClient.IsHealthy(c.Request.Context()) {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "not ready",
				"error":  "generation engine unavailable",
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})

	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	api := router.Group("/api")
	api.POST("/auth/login", gatewayHandler.Login)
	api.GET("/templates", gatewayHandler.ListTemplates)

	protected := api.Group("")
	protected.Use(auth.RequireAuth(jwtManager, log))

	protected.POST("/sessions/:id/requests", gatewayHandler.Submit)
	protected.POST("/sessions/:id/confirm", gatewayHandler.Confirm)
	protected.POST("/sessions/:id/cancel", gatewayHandler.Cancel)
	protected.GET("/sessions/:id/status", gatewayHandler.Status)
	protected.GET("/sessions/:id/project", gatewayHandler.GetProject)
	protected.GET("/sessions/:id/projects", gatewayHandler.ListProjects)
	protected.DELETE("/sessions/:id", gatewayHandler.Reset)

	protected.GET("/ws/runs/:id", runStream.Stream)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.App.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("starting orchestrator API server", zap.String("port", cfg.App.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatal("server forced to shutdown", zap.Error(err))
	}

	log.Info("server exited")
}

// connectDatabase opens the pool with a retry loop so the service tolerates
// the database coming up after it.
func connectDatabase(dbURL string, log *zap.Logger) *pgxpool.Pool {
	var (
		pool *pgxpool.Pool
		err  error
	)
	for i := 0; i < 10; i++ {
		pool, err = pgxpool.New(context.Background(), dbURL)
		if err == nil {
			err = pool.Ping(context.Background())
			if err == nil {
				log.Info("connected to PostgreSQL database")
				return pool
			}
		}
		log.Warn("waiting for database", zap.Int("attempt", i+1), zap.Error(err))
		time.Sleep(3 * time.Second)
	}
	log.Fatal("failed to connect to database after retries", zap.Error(err))
	return nil
}

// initTracer initializes OpenTelemetry tracing
func initTracer() error {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return fmt.Errorf("failed to create stdout exporter: %w", err)
	}

	tp := trace.NewTracerProvider(
		trace.WithBatcher(exporter),
	)

	otel.SetTracerProvider(tp)

	return nil
}

// requestLoggingMiddleware logs every request through the service logger.
func requestLoggingMiddleware(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Int64("latency_ms", time.Since(start).Milliseconds()),
			zap.String("client_ip", c.ClientIP()),
		}
		if userID, ok := c.Get("user_id"); ok {
			fields = append(fields, zap.Any("user_id", userID))
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}

		log.Info("request", fields...)
	}
}
