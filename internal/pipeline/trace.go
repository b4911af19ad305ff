package pipeline

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/finsight-ai/finsight/internal/store"
)

const (
	argPreviewChars    = 300
	codePreviewChars   = 500
	outputPreviewChars = 300
	stageOutputChars   = 800
)

// codeExecTool is reported by code preview and payload shape only, never by
// full contents.
const codeExecTool = "code_exec"

// Collector gathers the trace events of a single pipeline run. Each run owns
// its collector; events from concurrent runs never mix.
type Collector struct {
	mu       sync.Mutex
	events   []store.TraceEvent
	observer func(store.TraceEvent)
}

func NewCollector() *Collector {
	return &Collector{}
}

// NewObservedCollector also forwards each event to observe as it is
// recorded, for live streaming surfaces.
func NewObservedCollector(observe func(store.TraceEvent)) *Collector {
	return &Collector{observer: observe}
}

// Events returns a copy of the observations so far.
func (c *Collector) Events() []store.TraceEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]store.TraceEvent, len(c.events))
	copy(out, c.events)
	return out
}

func (c *Collector) record(ev store.TraceEvent) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
	if c.observer != nil {
		c.observer(ev)
	}
}

func (c *Collector) StageStarted(task, agent string) {
	c.record(store.TraceEvent{
		Type:    "task_started",
		Task:    task,
		Agent:   agent,
		Summary: "Started " + task,
	})
}

func (c *Collector) StageCompleted(task, agent, output string) {
	ev := store.TraceEvent{
		Type:    "task_completed",
		Task:    task,
		Agent:   agent,
		Summary: "Completed " + task,
	}
	if out := strings.TrimSpace(output); out != "" {
		ev.Output = map[string]interface{}{"output_preview": trimText(out, stageOutputChars)}
	}
	c.record(ev)
}

func (c *Collector) StageFailed(task, agent string, err error) {
	c.record(store.TraceEvent{
		Type:    "task_failed",
		Task:    task,
		Agent:   agent,
		Summary: "Failed " + task + ": " + err.Error(),
	})
}

func (c *Collector) StageSkipped(task, agent, reason string) {
	c.record(store.TraceEvent{
		Type:    "task_skipped",
		Task:    task,
		Agent:   agent,
		Summary: "Skipped " + task + ": " + reason,
	})
}

func (c *Collector) ToolStarted(task, agent, tool string, args map[string]interface{}) {
	c.record(store.TraceEvent{
		Type:    "tool_started",
		Task:    task,
		Agent:   agent,
		Tool:    tool,
		Args:    sanitizeToolArgs(tool, args),
		Summary: "Tool start: " + tool,
	})
}

func (c *Collector) ToolCompleted(task, agent, tool string, output interface{}) {
	c.record(store.TraceEvent{
		Type:    "tool_completed",
		Task:    task,
		Agent:   agent,
		Tool:    tool,
		Output:  summarizeToolOutput(tool, output),
		Summary: "Tool done: " + tool,
	})
}

func (c *Collector) ToolFailed(task, agent, tool string, err error) {
	c.record(store.TraceEvent{
		Type:    "tool_failed",
		Task:    task,
		Agent:   agent,
		Tool:    tool,
		Summary: "Tool failed: " + tool + ": " + err.Error(),
	})
}

// sanitizeToolArgs bounds argument size before tracing. The code-execution
// tool is reduced to a code preview plus the shape of its data payload.
func sanitizeToolArgs(tool string, args map[string]interface{}) map[string]interface{} {
	if args == nil {
		return nil
	}
	if tool == codeExecTool {
		out := map[string]interface{}{
			"code_preview": trimText(asString(args["code"]), codePreviewChars),
		}
		switch data := args["data_json"].(type) {
		case []interface{}:
			out["data_type"] = "list"
			out["data_length"] = len(data)
		case map[string]interface{}:
			out["data_type"] = "object"
			out["data_length"] = len(data)
		case nil:
			out["data_type"] = "none"
		default:
			out["data_type"] = "scalar"
		}
		return out
	}
	sanitized := make(map[string]interface{}, len(args))
	for key, value := range args {
		if s, ok := value.(string); ok {
			sanitized[key] = trimText(s, argPreviewChars)
		} else {
			sanitized[key] = value
		}
	}
	return sanitized
}

func summarizeToolOutput(tool string, output interface{}) map[string]interface{} {
	if tool == codeExecTool {
		if obj, ok := output.(map[string]interface{}); ok {
			return map[string]interface{}{"status": obj["status"], "error": obj["error"]}
		}
		return map[string]interface{}{"status": "unknown", "output_preview": trimText(asString(output), outputPreviewChars)}
	}
	switch t := output.(type) {
	case string:
		return map[string]interface{}{"output_preview": trimText(t, outputPreviewChars)}
	default:
		raw, err := json.Marshal(t)
		if err != nil {
			return map[string]interface{}{"output_preview": trimText(asString(t), outputPreviewChars)}
		}
		return map[string]interface{}{"output_preview": trimText(string(raw), outputPreviewChars)}
	}
}

func trimText(s string, limit int) string {
	s = strings.TrimSpace(s)
	if limit <= 0 || len(s) <= limit {
		return s
	}
	return strings.TrimRight(s[:limit], " \t\n") + "..."
}
