// Package server exposes the HTTP surface: health, config, history,
// threads, traces and the synchronous, streaming and async chat endpoints.
package server

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"

	"github.com/finsight-ai/finsight/config"
	"github.com/finsight-ai/finsight/internal/memory"
	"github.com/finsight-ai/finsight/internal/pipeline"
	"github.com/finsight-ai/finsight/internal/store"
	"github.com/finsight-ai/finsight/internal/telemetry"
	"github.com/finsight-ai/finsight/internal/vector"
	openai_provider "github.com/finsight-ai/finsight/provider/openai"
	"github.com/finsight-ai/finsight/tools/marketdata"
	"github.com/finsight-ai/finsight/tools/scrape"
	"github.com/finsight-ai/finsight/tools/websearch"
)

// pipelineRunner is the orchestrator surface the handlers need.
type pipelineRunner interface {
	Run(ctx context.Context, req pipeline.Request, conversationSummary string) (pipeline.Result, error)
	RunObserved(ctx context.Context, req pipeline.Request, conversationSummary string, observe func(store.TraceEvent)) (pipeline.Result, error)
}

// memoryManager is the memory surface the handlers need.
type memoryManager interface {
	IndexMessage(ctx context.Context, msg store.Message) error
	BuildContext(ctx context.Context, threadID, userMessage string) string
}

// Server holds the request handlers' dependencies.
type Server struct {
	cfg     config.Config
	store   *store.Store
	memory  memoryManager
	orch    pipelineRunner
	metrics *telemetry.Metrics
	jobs    *JobRegistry
	logger  *log.Logger
}

func NewServer(cfg config.Config, st *store.Store, mem memoryManager, orch pipelineRunner, metrics *telemetry.Metrics, jobs *JobRegistry, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	}
	if jobs == nil {
		jobs = NewJobRegistry(time.Hour)
	}
	return &Server{cfg: cfg, store: st, memory: mem, orch: orch, metrics: metrics, jobs: jobs, logger: logger}
}

// Run wires all dependencies from configuration and serves until the
// listener fails.
func Run(ctx context.Context, cfg config.Config) error {
	dsn, err := cfg.Storage.Postgres.DSN()
	if err != nil {
		return err
	}
	st, err := store.NewWithDSN(ctx, dsn)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	if err := store.MigrateUp(dsn); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}

	idx, err := vector.Open(cfg.Memory.IndexPath)
	if err != nil {
		return fmt.Errorf("open vector index: %w", err)
	}

	var cache *redis.Client
	if addr := cfg.Storage.Redis.Addr(); addr != "" {
		cache = redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: cfg.Storage.Redis.Password,
			DB:       cfg.Storage.Redis.DB,
		})
	}

	provider := openai_provider.NewClient(
		cfg.LLM.APIKey, cfg.LLM.BaseURL,
		cfg.LLM.CompletionModel, cfg.LLM.EmbeddingModel,
		cfg.LLM.Temperature, cfg.LLM.MaxTokens, cfg.LLM.Timeout,
	)

	metrics := telemetry.New()
	memLogger := log.New(log.Writer(), "[MEMORY] ", log.LstdFlags)
	mem := memory.NewManager(provider, st, idx, cache, metrics, memory.Options{
		RecentLimit:  cfg.Memory.RecentLimit,
		RelatedTopK:  cfg.Memory.RelatedTopK,
		RecentChars:  cfg.Memory.RecentChars,
		RelatedChars: cfg.Memory.RelatedChars,
	}, memLogger)

	runner := pipeline.NewRunner(
		provider,
		websearch.Credentials{SerpAPIKey: cfg.Search.SerpAPIKey, SerperAPIKey: cfg.Search.SerperAPIKey},
		marketdata.New(cfg.MarketData.TwelveDataAPIKey, cfg.MarketData.Timeout),
		scrape.New(cfg.Search.Timeout, 0),
		cfg.Search.Timeout,
	)
	orchLogger := log.New(log.Writer(), "[ORCH] ", log.LstdFlags)
	orch := pipeline.NewOrchestrator(runner, metrics, cfg.Pipeline.MaxRetries, orchLogger)

	jobs := NewJobRegistry(time.Hour)
	jobs.StartJanitor(ctx, 5*time.Minute)

	srv := NewServer(cfg, st, mem, orch, metrics, jobs, nil)
	e := srv.echoServer()
	return e.Start(cfg.General.Listen)
}

func (s *Server) echoServer() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
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
		s.logger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, map[string]interface{}{"error": msg})
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST", "OPTIONS"},
		AllowHeaders: []string{"Content-Type", "Authorization", "X-API-Key"},
	}))
	e.Use(s.authGuard)

	s.register(e)
	return e
}

func (s *Server) register(e *echo.Echo) {
	e.GET("/health", s.handleHealth)
	if s.metrics != nil {
		e.GET("/metrics", echo.WrapHandler(s.metrics.Handler()))
	}
	e.GET("/config", s.handleConfig)
	e.GET("/history", s.handleHistory)
	e.GET("/threads", s.handleThreads)
	e.GET("/trace", s.handleTrace)
	e.POST("/chat", s.handleChat)
	e.POST("/chat/stream", s.handleChatStream)
	e.POST("/chat/async", s.handleChatAsync)
	e.GET("/chat/async/:id/status", s.handleJobStatus)
	e.GET("/chat/async/:id/result", s.handleJobResult)
}

// authGuard compares a bearer token or X-API-Key header against the
// configured secret. An empty secret disables auth; /health and /metrics
// are always exempt.
func (s *Server) authGuard(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		path := c.Request().URL.Path
		if s.cfg.General.APIKey == "" || path == "/health" || path == "/metrics" {
			return next(c)
		}
		token := ""
		if header := c.Request().Header.Get("Authorization"); strings.HasPrefix(strings.ToLower(header), "bearer ") {
			token = strings.TrimSpace(header[len("bearer "):])
		}
		if token == "" {
			token = strings.TrimSpace(c.Request().Header.Get("X-API-Key"))
		}
		if token != s.cfg.General.APIKey {
			return echo.NewHTTPError(http.StatusUnauthorized, "Unauthorized")
		}
		return next(c)
	}
}
