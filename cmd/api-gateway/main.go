package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	_ "github.com/noah-isme/evaluation-api/api/swagger"
	"github.com/noah-isme/evaluation-api/internal/handler"
	"github.com/noah-isme/evaluation-api/internal/middleware"
	"github.com/noah-isme/evaluation-api/internal/models"
	"github.com/noah-isme/evaluation-api/internal/repository"
	"github.com/noah-isme/evaluation-api/internal/service"
	"github.com/noah-isme/evaluation-api/pkg/cache"
	"github.com/noah-isme/evaluation-api/pkg/config"
	"github.com/noah-isme/evaluation-api/pkg/database"
	"github.com/noah-isme/evaluation-api/pkg/jobs"
	"github.com/noah-isme/evaluation-api/pkg/logger"
	corsmiddleware "github.com/noah-isme/evaluation-api/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/evaluation-api/pkg/middleware/requestid"
)

// @title Evaluation API
// @version 1.0.0
// @description Evaluation copy lifecycle, result declaration and bundle read model
// @BasePath /api/v1
// @schemes http https
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

type redisPinger struct{ client *redis.Client }

func (p redisPinger) PingContext(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Fatal("failed to connect postgres", zap.Error(err))
	}
	defer db.Close()

	deps := map[string]handler.Pinger{"postgres": db}
	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient, err = cache.NewRedis(cfg.Redis)
		if err != nil {
			logr.Warn("redis unavailable, bundle cache and sweep lock disabled", zap.Error(err))
			redisClient = nil
		} else {
			defer redisClient.Close()
			deps["redis"] = redisPinger{client: redisClient}
		}
	}

	validate := validator.New()
	metrics := service.NewMetricsService()

	paperRepo := repository.NewPaperRepository(db)
	copyRepo := repository.NewEvaluationCopyRepository(db)
	resultRepo := repository.NewResultRepository(db)
	bundleRepo := repository.NewBundleRepository(db)
	reviewRepo := repository.NewCopyReviewRepository(db)
	ledgerRepo := repository.NewEvaluatorHistoryRepository(db)
	purchasedRepo := repository.NewPurchasedBundleRepository(db)
	cacheRepo := repository.NewCacheRepository(redisClient, cfg.ServiceName, logger.Named(logr, "cache"))

	cacheSvc := service.NewCacheService(cacheRepo, metrics, cfg.Bundle.CacheTTL, logger.Named(logr, "cache"), redisClient != nil)
	bundleSvc := service.NewBundleService(copyRepo, bundleRepo, paperRepo, cacheSvc, metrics, logger.Named(logr, "bundle"), cfg.Bundle.CacheTTL)
	if err := bundleSvc.Purge(ctx); err != nil {
		logr.Warn("failed to purge cached bundles", zap.Error(err))
	}

	dispatcher := service.NewBundleDispatcher(bundleSvc, logger.Named(logr, "bundle-dispatcher"))
	bundleQueue := jobs.NewQueue("bundle-refresh", dispatcher.Handle, jobs.QueueConfig{
		Workers:    cfg.Bundle.DispatchWorkers,
		BufferSize: cfg.Bundle.DispatchBuffer,
		MaxRetries: cfg.Bundle.DispatchRetries,
		RetryDelay: cfg.Bundle.DispatchRetryWait,
		Logger:     logger.Named(logr, "bundle-queue"),
	})
	dispatcher.Attach(bundleQueue)
	bundleQueue.Start(ctx)
	defer bundleQueue.Stop()

	ledgerSvc := service.NewLedgerService(ledgerRepo, validate, logger.Named(logr, "ledger"), service.LedgerConfig{
		RecheckPenalty: cfg.Ledger.RecheckPenalty,
		ReviewPayout:   cfg.Ledger.ReviewPayout,
		DefaultRating:  cfg.Ledger.DefaultRating,
	}, service.WithLedgerMetrics(metrics))
	purchasedSvc := service.NewPurchasedBundleService(purchasedRepo, logger.Named(logr, "purchased"))
	notificationSvc := service.NewNotificationService(service.NewLogNotifier(logger.Named(logr, "notify")), logger.Named(logr, "notify"),
		cfg.Notifications.Enabled, cfg.Notifications.Concurrency)

	resultSvc := service.NewResultService(copyRepo, resultRepo, paperRepo, dispatcher, purchasedSvc, validate, logger.Named(logr, "result"),
		service.WithResultMetrics(metrics))
	copySvc := service.NewCopyService(copyRepo, resultRepo, paperRepo, ledgerSvc, resultSvc, dispatcher, validate, logger.Named(logr, "copy"),
		service.CopyServiceConfig{CheckingTTL: cfg.Lease.CheckingTTL, ReviewTTL: cfg.Lease.ReviewTTL, Transactional: cfg.Transactional()},
		service.WithCopyMetrics(metrics), service.WithCopyPurchasedSync(purchasedSvc))
	reviewSvc := service.NewReviewService(copyRepo, reviewRepo, paperRepo, ledgerSvc, notificationSvc, dispatcher, validate, logger.Named(logr, "review"),
		service.WithReviewTTL(cfg.Lease.ReviewTTL), service.WithReviewMetrics(metrics))

	leaseSvc := service.NewLeaseService(copyRepo, cache.NewLocker(redisClient), reviewSvc, ledgerSvc, dispatcher, logger.Named(logr, "lease"),
		service.LeaseConfig{Interval: cfg.Lease.SweepInterval, Batch: cfg.Lease.SweepBatch, LockTTL: cfg.Lease.LockTTL},
		service.WithLeaseMetrics(metrics))
	if cfg.Lease.SweepEnabled {
		leaseSvc.Start(ctx)
		defer leaseSvc.Stop()
	}

	tokens := service.NewTokenService(service.TokenConfig{Secret: cfg.JWT.Secret, Issuer: cfg.JWT.Issuer})

	copyHandler := handler.NewCopyHandler(copySvc)
	resultHandler := handler.NewResultHandler(resultSvc)
	reviewHandler := handler.NewReviewHandler(reviewSvc)
	bundleHandler := handler.NewBundleHandler(bundleSvc)
	evaluatorHandler := handler.NewEvaluatorHandler(ledgerSvc)
	metricsHandler := handler.NewMetricsHandler(metrics, deps)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins, cfg.CORS.AllowedHeaders))
	r.Use(middleware.Metrics(metrics, "/health", "/ready", "/metrics"))

	r.GET("/health", metricsHandler.Health)
	r.GET("/ready", metricsHandler.Ready)
	r.GET("/metrics", metricsHandler.Prometheus)
	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	audit := logger.Named(logr, "audit")
	staff := []models.UserRole{models.RoleSuperAdmin, models.RoleAdmin}
	checkers := append(append([]models.UserRole{}, staff...), models.RoleTeacher, models.RoleEvaluator)

	api := r.Group(cfg.APIPrefix)
	api.Use(middleware.JWT(tokens))

	copies := api.Group("/copies")
	copies.GET("", middleware.RequireRoles(checkers...), copyHandler.List)
	copies.GET("/:id", middleware.RequireRoles(checkers...), copyHandler.Get)
	copies.POST("", middleware.RequireRoles(append(staff, models.RoleStudent)...), middleware.Audit(audit, "copy.create"), copyHandler.Create)
	copies.POST("/assign", middleware.RequireRoles(checkers...), middleware.Audit(audit, "copy.assign"), copyHandler.Assign)
	copies.POST("/:id/check", middleware.RequireRoles(checkers...), copyHandler.Check)
	copies.POST("/submit", middleware.RequireRoles(checkers...), middleware.Audit(audit, "copy.submit"), copyHandler.Submit)
	copies.POST("/reclaim", middleware.RequireRoles(staff...), middleware.Audit(audit, "copy.reclaim"), copyHandler.Reclaim)
	copies.POST("/:id/rejection", middleware.RequireRoles(checkers...), middleware.Audit(audit, "copy.rejection"), copyHandler.Rejection)
	copies.DELETE("", middleware.RequireRoles(staff...), middleware.Audit(audit, "copy.delete"), copyHandler.Delete)

	api.POST("/results/declare", middleware.RequireRoles(staff...), middleware.Audit(audit, "result.declare"), resultHandler.Declare)
	api.GET("/papers/:id/ranks", resultHandler.Ranks)

	reviews := api.Group("/reviews")
	reviews.POST("/assign", middleware.RequireRoles(staff...), middleware.Audit(audit, "review.assign"), reviewHandler.Assign)
	reviews.POST("/drop", middleware.RequireRoles(checkers...), middleware.Audit(audit, "review.drop"), reviewHandler.Drop)
	reviews.POST("/:copyId", middleware.RequireRoles(checkers...), middleware.Audit(audit, "review.submit"), reviewHandler.Submit)

	bundles := api.Group("/bundles")
	bundles.GET("", middleware.RequireRoles(checkers...), bundleHandler.List)
	bundles.GET("/:paperId", middleware.RequireRoles(checkers...), bundleHandler.Get)
	bundles.POST("/refresh", middleware.RequireRoles(staff...), bundleHandler.Refresh)

	selfOrStaff := middleware.RBAC(string(models.RoleSuperAdmin), string(models.RoleAdmin), "SELF")
	evaluators := api.Group("/evaluators/:id")
	evaluators.GET("/rating", evaluatorHandler.Rating)
	evaluators.GET("/wallet", selfOrStaff, evaluatorHandler.Wallet)
	evaluators.GET("/history", selfOrStaff, evaluatorHandler.History)
	evaluators.GET("/statement", selfOrStaff, evaluatorHandler.Statement)
	evaluators.POST("/payouts", middleware.RequireRoles(staff...), middleware.Audit(audit, "evaluator.payout"), evaluatorHandler.Payout)

	api.GET("/metrics/summary", middleware.RequireRoles(staff...), metricsHandler.Snapshot)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logr.Sugar().Infow("server starting", "addr", srv.Addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Sugar().Errorw("server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logr.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Error("graceful shutdown failed", zap.Error(err))
	}
}
