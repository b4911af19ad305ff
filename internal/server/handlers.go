package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/finsight-ai/finsight/internal/pipeline"
	"github.com/finsight-ai/finsight/internal/store"
)

func (s *Server) handleHealth(c echo.Context) error {
	pg := "ok"
	if err := s.store.Ping(c.Request().Context()); err != nil {
		pg = "error"
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok", "postgres": pg})
}

func (s *Server) handleConfig(c echo.Context) error {
	var marketData interface{} = "stooq_fallback"
	if s.cfg.MarketData.TwelveDataAPIKey != "" {
		marketData = true
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"services": map[string]bool{
			"openai":     s.cfg.LLM.APIKey != "",
			"serper":     s.cfg.Search.SerperAPIKey != "",
			"serpapi":    s.cfg.Search.SerpAPIKey != "",
			"twelveData": s.cfg.MarketData.TwelveDataAPIKey != "",
		},
		"capabilities": map[string]interface{}{
			"news_search": s.cfg.Search.SerperAPIKey != "" || s.cfg.Search.SerpAPIKey != "",
			"market_data": marketData,
			"ai_agents":   s.cfg.LLM.APIKey != "",
		},
	})
}

func (s *Server) handleHistory(c echo.Context) error {
	ctx := c.Request().Context()
	threadID := strings.TrimSpace(c.QueryParam("threadId"))
	if threadID == "" {
		latest, err := s.store.LatestThread(ctx)
		switch {
		case err == nil:
			threadID = latest.ID
		case errors.Is(err, store.ErrNotFound):
		default:
			return fmt.Errorf("latest thread: %w", err)
		}
	}

	var (
		msgs []store.Message
		err  error
	)
	if threadID != "" {
		msgs, err = s.store.ListMessages(ctx, threadID, 60, false)
	} else {
		msgs, err = s.store.ListRecentMessages(ctx, 60)
	}
	if err != nil {
		return fmt.Errorf("list messages: %w", err)
	}

	payload := make([]map[string]interface{}, 0, len(msgs))
	for _, msg := range msgs {
		payload = append(payload, map[string]interface{}{
			"id":        msg.ID,
			"role":      msg.Role,
			"content":   msg.Content,
			"createdAt": msg.CreatedAt,
		})
	}
	return c.JSON(http.StatusOK, payload)
}

func (s *Server) handleThreads(c echo.Context) error {
	threads, err := s.store.ListThreads(c.Request().Context(), 50)
	if err != nil {
		return fmt.Errorf("list threads: %w", err)
	}
	payload := make([]map[string]interface{}, 0, len(threads))
	for _, th := range threads {
		summary := th.Summary
		if len(summary) > 100 {
			summary = summary[:100]
		}
		payload = append(payload, map[string]interface{}{
			"id":        th.ID,
			"title":     th.Title,
			"summary":   summary,
			"createdAt": th.CreatedAt,
			"updatedAt": th.UpdatedAt,
		})
	}
	return c.JSON(http.StatusOK, payload)
}

func (s *Server) handleTrace(c echo.Context) error {
	threadID := strings.TrimSpace(c.QueryParam("threadId"))
	if threadID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "threadId is required")
	}
	events, err := s.store.ListTraces(c.Request().Context(), threadID, 500)
	if err != nil {
		return fmt.Errorf("list traces: %w", err)
	}
	return c.JSON(http.StatusOK, events)
}

func (s *Server) handleChat(c echo.Context) error {
	var req pipeline.Request
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid payload")
	}
	if strings.TrimSpace(req.Message) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "Empty message")
	}

	reply, threadID, traces, err := s.runTurn(c.Request().Context(), req, nil)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"reply":    reply,
		"threadId": threadID,
		"traces":   traces,
	})
}

func (s *Server) handleChatAsync(c echo.Context) error {
	var req pipeline.Request
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid payload")
	}
	if strings.TrimSpace(req.Message) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "Empty message")
	}

	job := s.jobs.Create()
	go func() {
		// Detached from the request context: the run continues even if the
		// client stops polling.
		ctx := context.Background()
		s.jobs.SetRunning(job.ID)
		reply, threadID, _, err := s.runTurn(ctx, req, func(ev store.TraceEvent) {
			s.jobs.AppendTrace(job.ID, ev)
		})
		if err != nil {
			s.logger.Printf("async job %s failed: %v", job.ID, err)
			s.jobs.Fail(job.ID, err.Error())
			return
		}
		s.jobs.Complete(job.ID, reply, threadID)
	}()

	return c.JSON(http.StatusAccepted, map[string]string{"jobId": job.ID})
}

func (s *Server) handleJobStatus(c echo.Context) error {
	job, ok := s.jobs.Get(c.Param("id"))
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "unknown job")
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"jobId":     job.ID,
		"status":    job.Status,
		"updatedAt": job.UpdatedAt,
	})
}

func (s *Server) handleJobResult(c echo.Context) error {
	job, ok := s.jobs.Get(c.Param("id"))
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "unknown job")
	}
	if !job.Terminal() {
		return echo.NewHTTPError(http.StatusConflict, "job still running")
	}
	if job.Status == JobFailed {
		return c.JSON(http.StatusOK, map[string]interface{}{
			"jobId":  job.ID,
			"status": job.Status,
			"error":  job.Error,
		})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"jobId":    job.ID,
		"status":   job.Status,
		"reply":    job.Reply,
		"threadId": job.ThreadID,
		"traces":   job.Traces,
	})
}

// runTurn executes one full chat turn: resolve the thread, persist and index
// the user message, build the memory context, run the pipeline, persist and
// index the reply, and record the run's traces.
func (s *Server) runTurn(ctx context.Context, req pipeline.Request, observe func(store.TraceEvent)) (string, string, []store.TraceEvent, error) {
	message := strings.TrimSpace(req.Message)

	threadID := strings.TrimSpace(req.ThreadID)
	if threadID != "" {
		if _, err := s.store.GetThread(ctx, threadID); err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				return "", "", nil, fmt.Errorf("get thread: %w", err)
			}
			threadID = ""
		}
	}
	if threadID == "" {
		title := message
		if len(title) > 60 {
			title = title[:60]
		}
		thread, err := s.store.CreateThread(ctx, title)
		if err != nil {
			return "", "", nil, fmt.Errorf("create thread: %w", err)
		}
		threadID = thread.ID
	}

	userMsg, err := s.store.AddMessage(ctx, threadID, "user", message, nil)
	if err != nil {
		return "", "", nil, fmt.Errorf("store user message: %w", err)
	}
	if err := s.memory.IndexMessage(ctx, userMsg); err != nil {
		s.logger.Printf("index user message: %v", err)
	}

	summary := s.memory.BuildContext(ctx, threadID, message)
	if err := s.store.UpdateThreadSummary(ctx, threadID, summary); err != nil {
		s.logger.Printf("update thread summary: %v", err)
	}

	res, err := s.orch.RunObserved(ctx, req, summary, observe)
	if err != nil {
		return "", "", nil, err
	}

	assistantMsg, err := s.store.AddMessage(ctx, threadID, "assistant", res.Reply, nil)
	if err != nil {
		return "", "", nil, fmt.Errorf("store assistant message: %w", err)
	}
	if err := s.memory.IndexMessage(ctx, assistantMsg); err != nil {
		s.logger.Printf("index assistant message: %v", err)
	}

	for _, ev := range res.Traces {
		if err := s.store.AddTrace(ctx, threadID, ev); err != nil {
			s.logger.Printf("persist trace: %v", err)
			break
		}
	}
	return res.Reply, threadID, res.Traces, nil
}
