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
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	_ "github.com/noah-isme/sma-adp-console/api/swagger"
	"github.com/noah-isme/sma-adp-console/internal/batch"
	"github.com/noah-isme/sma-adp-console/internal/handler"
	internalmiddleware "github.com/noah-isme/sma-adp-console/internal/middleware"
	"github.com/noah-isme/sma-adp-console/internal/models"
	"github.com/noah-isme/sma-adp-console/internal/repository"
	"github.com/noah-isme/sma-adp-console/internal/selection"
	"github.com/noah-isme/sma-adp-console/internal/service"
	"github.com/noah-isme/sma-adp-console/internal/upstream"
	"github.com/noah-isme/sma-adp-console/pkg/cache"
	"github.com/noah-isme/sma-adp-console/pkg/config"
	"github.com/noah-isme/sma-adp-console/pkg/database"
	"github.com/noah-isme/sma-adp-console/pkg/export"
	"github.com/noah-isme/sma-adp-console/pkg/logger"
	corsmiddleware "github.com/noah-isme/sma-adp-console/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/sma-adp-console/pkg/middleware/requestid"
)

// @title SMA ADP Console Gateway
// @version 0.2.0
// @description Cascading selection forms and batch entry sheets for the school console
// @BasePath /api/v1
// @schemes http
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

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

	metricsSvc := service.NewMetricsService()
	checks := map[string]handler.Pinger{}

	var (
		fetcher selection.Fetcher
		source  batch.Source
		db      *sqlx.DB
	)
	switch cfg.DataSource {
	case config.SourcePostgres:
		db, err = database.NewPostgres(ctx, cfg.Database)
		if err != nil {
			logr.Fatal("failed to connect postgres", zap.Error(err))
		}
		defer db.Close()
		fetcher = repository.NewOptionRepository(db)
		source = repository.NewSheetRepository(db)
		checks["postgres"] = handler.PingFunc(db.PingContext)
	default:
		client := upstream.NewClient(cfg.Upstream, logr.Named("upstream"), metricsSvc)
		fetcher = client
		source = client
	}

	var redisClient *redis.Client
	if cfg.Options.CacheEnabled {
		redisClient, err = cache.NewRedis(ctx, cfg.Redis)
		if err != nil {
			logr.Warn("redis unavailable, option cache disabled", zap.Error(err))
		}
	}
	cacheRepo := repository.NewCacheRepository(redisClient, "console", logr.Named("cache"))
	defer cacheRepo.Close() //nolint:errcheck
	if cacheRepo.Enabled() {
		checks["redis"] = cacheRepo
		cacheSvc := service.NewCacheService(cacheRepo, metricsSvc, cfg.Options.CacheTTL, logr.Named("cache"), true)
		fetcher = service.NewCachedFetcher(fetcher, cacheSvc, cfg.Options.CacheTTL, logr.Named("options"))
	}

	validate := validator.New()
	tokenSvc := service.NewTokenService(cfg.JWT)
	if tokenSvc.Disabled() {
		logr.Warn("JWT validation disabled, every request acts as a local admin")
	}
	formSvc := service.NewFormService(fetcher, metricsSvc, cfg.Sessions, logr.Named("forms"))
	sheetSvc := service.NewSheetService(source, validate, metricsSvc, cfg.Sheets, cfg.Sessions, logr.Named("sheets"),
		export.NewCSVExporter(), export.NewPDFExporter())
	formSvc.Start(ctx)
	sheetSvc.Start(ctx)

	formHandler := handler.NewFormHandler(formSvc)
	sheetHandler := handler.NewSheetHandler(sheetSvc)
	metricsHandler := handler.NewMetricsHandler(metricsSvc, checks)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(internalmiddleware.Metrics(metricsSvc))

	r.GET("/health", metricsHandler.Health)
	r.GET("/ready", metricsHandler.Ready)
	r.GET("/metrics", metricsHandler.Prometheus)

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	api := r.Group(cfg.APIPrefix)
	api.Use(internalmiddleware.JWT(tokenSvc))

	forms := api.Group("/forms")
	forms.POST("", formHandler.Create)
	forms.GET("/:id", formHandler.Get)
	forms.PUT("/:id/selections/:level", formHandler.Select)
	forms.POST("/:id/levels/:level/refresh", formHandler.Refresh)
	forms.DELETE("/:id", formHandler.Close)

	writers := internalmiddleware.RequireRoles(models.RoleAdmin, models.RoleTeacher)
	sheets := api.Group("/sheets")
	sheets.POST("", writers, sheetHandler.Open)
	sheets.GET("/:id", sheetHandler.Get)
	sheets.PATCH("/:id/rows/:identity", writers, sheetHandler.UpdateRow)
	sheets.POST("/:id/submit", writers, sheetHandler.Submit)
	sheets.POST("/:id/reload", sheetHandler.Reload)
	sheets.GET("/:id/export", sheetHandler.Export)
	sheets.DELETE("/:id", sheetHandler.Close)

	api.GET("/stats", internalmiddleware.RequireRoles(models.RoleAdmin), metricsHandler.Stats)

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logr.Info("server starting",
			zap.String("addr", addr),
			zap.String("env", cfg.Env),
			zap.String("data_source", cfg.DataSource),
			zap.Bool("option_cache", cacheRepo.Enabled()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logr.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Error("graceful shutdown failed", zap.Error(err))
	}
}
