package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"

	"github.com/golang-migrate/migrate/v4"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skylarryan212-maker/llm-client-1-sub003/config"
	"github.com/skylarryan212-maker/llm-client-1-sub003/internal/artifacts"
	"github.com/skylarryan212-maker/llm-client-1-sub003/internal/assembler"
	"github.com/skylarryan212-maker/llm-client-1-sub003/internal/cache"
	"github.com/skylarryan212-maker/llm-client-1-sub003/internal/memory"
	"github.com/skylarryan212-maker/llm-client-1-sub003/internal/pipeline"
	"github.com/skylarryan212-maker/llm-client-1-sub003/internal/router"
	"github.com/skylarryan212-maker/llm-client-1-sub003/internal/store"
	"github.com/skylarryan212-maker/llm-client-1-sub003/internal/topics"
	"github.com/skylarryan212-maker/llm-client-1-sub003/provider"
)

// Run wires the whole pipeline behind an HTTP API and blocks serving it.
func Run(cfg *config.Config, addr string) error {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	// Unified HTTP error handler with structured JSON and logging
	baseLogger := log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		baseLogger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, HTTPError{Error: msg})
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Cookie", "Authorization"},
		AllowCredentials: true,
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	if err := cfg.Storage.Postgres.Validate(); err != nil {
		return err
	}
	dsn := cfg.Storage.Postgres.DSN()
	if err := Migrate("file://migrations", dsn, "up", 0); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate: %w", err)
	}

	ctx := context.Background()
	st, err := store.NewWithDSN(ctx, dsn)
	if err != nil {
		return err
	}

	prov, err := provider.NewProvider(cfg.LLM)
	if err != nil {
		return err
	}

	var topicCache *cache.Cache
	if cfg.Storage.Redis.Validate() == nil {
		topicCache, err = cache.New(cfg.Storage.Redis)
		if err != nil {
			log.Printf("redis unavailable, continuing without topic cache: %v", err)
			topicCache = nil
		}
	}

	engine := router.NewEngine(cfg.Router, cfg.LLM.Routing.Decision, prov)
	var clsOpts []topics.Option
	if topicCache != nil {
		clsOpts = append(clsOpts, topics.WithActiveTopicCache(topicCache))
	}
	classifier := topics.NewClassifier(cfg.Topics, cfg.LLM.Routing.Classifier, prov, st, clsOpts...)
	memSvc := memory.NewService(cfg.Memory, prov, st)
	asm := assembler.New(cfg.Context)

	idx, err := artifacts.NewIndex()
	if err != nil {
		return err
	}

	opts := []pipeline.Option{pipeline.WithArtifacts(idx)}
	if topicCache != nil {
		opts = append(opts, pipeline.WithTopicCache(topicCache))
	}

	pipe := pipeline.New(cfg, st, engine, classifier, memSvc, asm, opts...)

	secret := cfg.General.JWTSecret
	if secret == "" {
		return fmt.Errorf("jwt secret not configured (general.jwt_secret)")
	}

	api := e.Group("/api")
	(&AuthHandler{Store: st, Secret: []byte(secret)}).Register(api.Group("/auth"))
	(&RouteHandler{Store: st, Pipeline: pipe}).Register(api.Group("/conversations"), []byte(secret))
	(&TopicsHandler{Store: st}).Register(api.Group("/conversations"), []byte(secret))
	(&MemoriesHandler{Memory: memSvc}).Register(api.Group("/memories"), []byte(secret))
	(&InstructionsHandler{Store: st}).Register(api.Group("/instructions"), []byte(secret))
	(&ArtifactsHandler{Index: idx}).Register(api.Group("/artifacts"), []byte(secret))

	if addr == "" {
		addr = cfg.Server.Address
		if addr == "" {
			addr = ":10010"
		}
	}
	log.Printf("listening on %s", addr)
	return e.Start(addr)
}
