package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/finsight-ai/finsight/internal/pipeline"
	"github.com/finsight-ai/finsight/internal/store"
)

const heartbeatInterval = 10 * time.Second

// frame is one server-sent event payload.
type frame struct {
	Type     string            `json:"type"`
	Trace    *store.TraceEvent `json:"trace,omitempty"`
	Reply    string            `json:"reply,omitempty"`
	ThreadID string            `json:"threadId,omitempty"`
	Error    string            `json:"error,omitempty"`
}

// handleChatStream runs a chat turn and streams its trace events as SSE
// frames, with heartbeats while the pipeline works. The run itself is
// detached from the connection: a client going away does not cancel it.
func (s *Server) handleChatStream(c echo.Context) error {
	var req pipeline.Request
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid payload")
	}
	if strings.TrimSpace(req.Message) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "Empty message")
	}

	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "text/event-stream")
	resp.Header().Set("Cache-Control", "no-cache")
	resp.Header().Set("Connection", "keep-alive")
	resp.WriteHeader(http.StatusOK)

	frames := make(chan frame, 64)
	done := make(chan struct{})

	go func() {
		defer close(done)
		reply, threadID, _, err := s.runTurn(context.Background(), req, func(ev store.TraceEvent) {
			select {
			case frames <- frame{Type: "trace", Trace: &ev}:
			default:
				// Slow consumer; drop the trace rather than stall the run.
			}
		})
		final := frame{Type: "response", Reply: reply, ThreadID: threadID}
		if err != nil {
			final = frame{Type: "error", Error: err.Error()}
		}
		select {
		case frames <- final:
		default:
			// Nobody draining; the result is already persisted in the store.
		}
	}()

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	clientGone := c.Request().Context().Done()
	for {
		select {
		case f := <-frames:
			if err := writeFrame(resp, f); err != nil {
				return nil
			}
			if f.Type == "response" || f.Type == "error" {
				return nil
			}
		case <-ticker.C:
			if err := writeFrame(resp, frame{Type: "heartbeat"}); err != nil {
				return nil
			}
		case <-clientGone:
			// The pipeline keeps running; results land in the store.
			return nil
		case <-done:
			// Drain any frames buffered before the goroutine exited.
			for {
				select {
				case f := <-frames:
					if err := writeFrame(resp, f); err != nil {
						return nil
					}
					if f.Type == "response" || f.Type == "error" {
						return nil
					}
				default:
					return nil
				}
			}
		}
	}
}

func writeFrame(resp *echo.Response, f frame) error {
	raw, err := json.Marshal(f)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(resp, "data: %s\n\n", raw); err != nil {
		return err
	}
	resp.Flush()
	return nil
}
