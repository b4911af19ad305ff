package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/finsight-ai/finsight/internal/store"
	"github.com/finsight-ai/finsight/internal/telemetry"
)

const fallbackReply = "I could not produce a grounded answer for this request. Please try rephrasing it."

// quantMissingInput is substituted when the quant stage has neither a symbol
// nor caller-provided data; the underlying agent is not invoked.
const quantMissingInput = `{"as_of": {}, "snapshot": {"data_points": 0}, "limitations": ["Quant request missing symbol or provided_data."]}`

// Result is the outcome of one pipeline run.
type Result struct {
	Reply  string
	Traces []store.TraceEvent
}

// Orchestrator executes the task graph for one chat turn. All runs are
// serialized process-wide through runMu: the shared agent and tool
// configuration is not proven safe for concurrent invocation.
type Orchestrator struct {
	runner     StageRunner
	metrics    *telemetry.Metrics
	logger     *log.Logger
	maxRetries int

	runMu sync.Mutex
}

func NewOrchestrator(runner StageRunner, metrics *telemetry.Metrics, maxRetries int, logger *log.Logger) *Orchestrator {
	if maxRetries < 0 {
		maxRetries = 2
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Orchestrator{runner: runner, metrics: metrics, logger: logger, maxRetries: maxRetries}
}

// Run executes the selected stage subset for the request and returns the
// final reply plus the run's trace events. conversationSummary is the memory
// context injected into every planner invocation.
func (o *Orchestrator) Run(ctx context.Context, req Request, conversationSummary string) (Result, error) {
	return o.RunObserved(ctx, req, conversationSummary, nil)
}

// RunObserved is Run with a live trace observer, invoked for each event as
// the run produces it.
func (o *Orchestrator) RunObserved(ctx context.Context, req Request, conversationSummary string, observe func(store.TraceEvent)) (Result, error) {
	o.runMu.Lock()
	defer o.runMu.Unlock()

	tr := NewObservedCollector(observe)
	res, err := o.run(ctx, req, conversationSummary, tr)
	res.Traces = tr.Events()
	if o.metrics != nil {
		status := "completed"
		if err != nil {
			status = "failed"
		}
		o.metrics.PipelineRuns.WithLabelValues(status).Inc()
	}
	return res, err
}

func (o *Orchestrator) run(ctx context.Context, req Request, conversationSummary string, tr *Collector) (Result, error) {
	defaults := BuildRuntimeDefaults(req)
	defaultsJSON, err := json.Marshal(defaults)
	if err != nil {
		return Result{}, fmt.Errorf("marshal runtime defaults: %w", err)
	}

	plannerInputs := func(researchOutput, quantOutput, auditOutput string) map[string]string {
		return map[string]string{
			"user_request":         req.Message,
			"conversation_summary": conversationSummary,
			"runtime_defaults":     string(defaultsJSON),
			"research_output":      researchOutput,
			"quant_output":         quantOutput,
			"audit_output":         auditOutput,
			"sources_requested":    strconv.FormatBool(req.SourcesRequested),
		}
	}

	plannerRaw, err := o.runStage(ctx, StagePlanner, rolePlanner, plannerInputs("", "", ""), tr)
	if err != nil {
		return Result{}, fmt.Errorf("planner stage: %w", err)
	}
	plannerOut := ParseStageOutput(plannerRaw)
	plan := parsePlan(plannerOut)

	var researchOutput, quantOutput string

	runResearch := func() error {
		reqObj, _ := plannerOut.Get("research_request").(map[string]interface{})
		inputs := NormalizeResearchRequest(reqObj, defaults)
		out, err := o.runStage(ctx, StageResearch, roleResearcher, inputs, tr)
		if err != nil {
			return fmt.Errorf("research stage: %w", err)
		}
		researchOutput = out
		return nil
	}
	runQuant := func() error {
		reqObj, _ := plannerOut.Get("quant_request").(map[string]interface{})
		inputs := NormalizeQuantRequest(reqObj, defaults, req.Message)
		if inputs["symbol"] == "" && inputs["provided_data"] == "" {
			tr.StageSkipped(StageQuant, roleQuant, "no symbol or provided data")
			quantOutput = quantMissingInput
			return nil
		}
		out, err := o.runStage(ctx, StageQuant, roleQuant, inputs, tr)
		if err != nil {
			return fmt.Errorf("quant stage: %w", err)
		}
		quantOutput = out
		return nil
	}

	if plan.UseResearch {
		if err := runResearch(); err != nil {
			return Result{}, err
		}
	}
	if plan.UseQuant {
		if err := runQuant(); err != nil {
			return Result{}, err
		}
	}

	// Any produced output must face the auditor regardless of the plan.
	useAudit := plan.UseAudit
	if researchOutput != "" || quantOutput != "" {
		useAudit = true
	}

	auditOutput := ""
	retries := 0
	for {
		if !useAudit || (researchOutput == "" && quantOutput == "") {
			break
		}
		auditRaw, err := o.runStage(ctx, StageAudit, roleAuditor, map[string]string{
			"user_request":    req.Message,
			"research_output": researchOutput,
			"quant_output":    quantOutput,
			"draft_response":  "",
		}, tr)
		if err != nil {
			return Result{}, fmt.Errorf("audit stage: %w", err)
		}
		auditOut := ParseStageOutput(auditRaw)
		verdict := parseVerdict(auditOut)
		if o.metrics != nil && verdict.Status != "" {
			o.metrics.AuditVerdicts.WithLabelValues(verdict.Status).Inc()
		}
		if auditOut.Structured() {
			raw, _ := json.Marshal(auditOut.Object)
			auditOutput = string(raw)
		} else {
			auditOutput = auditOut.Raw
		}

		if !verdict.Rejected() {
			break
		}
		if retries >= o.maxRetries {
			o.logger.Printf("[ORCH] audit still rejecting after %d retries, proceeding with accumulated context", retries)
			break
		}
		retries++
		if o.metrics != nil {
			o.metrics.PipelineRetries.Inc()
		}
		o.logger.Printf("[ORCH] audit rejected (reruns: %s), repair attempt %d/%d", strings.Join(verdict.RequiredReruns, ","), retries, o.maxRetries)

		plannerRaw, err = o.runStage(ctx, StagePlanner, rolePlanner, plannerInputs(researchOutput, quantOutput, auditOutput), tr)
		if err != nil {
			return Result{}, fmt.Errorf("planner repair stage: %w", err)
		}
		plannerOut = ParseStageOutput(plannerRaw)
		plan = parsePlan(plannerOut)
		useAudit = true

		// Only rerun stages the revised plan still selects; a stage the
		// plan dropped stays dropped even when the auditor asked for it.
		for _, stage := range verdict.RequiredReruns {
			switch stage {
			case StageResearch:
				if plan.UseResearch {
					if err := runResearch(); err != nil {
						return Result{}, err
					}
				}
			case StageQuant:
				if plan.UseQuant {
					if err := runQuant(); err != nil {
						return Result{}, err
					}
				}
			}
		}
	}

	finalRaw, err := o.runStage(ctx, StagePlanner, rolePlanner, plannerInputs(researchOutput, quantOutput, auditOutput), tr)
	if err != nil {
		return Result{}, fmt.Errorf("final report stage: %w", err)
	}
	finalOut := ParseStageOutput(finalRaw)

	reply := strings.TrimSpace(asString(finalOut.Get("final_response")))
	if reply == "" {
		reply = strings.TrimSpace(finalRaw)
	}
	if reply == "" {
		reply = strings.TrimSpace(plannerRaw)
	}
	if reply == "" {
		reply = fallbackReply
	}
	return Result{Reply: reply}, nil
}

func (o *Orchestrator) runStage(ctx context.Context, stage, agent string, inputs map[string]string, tr *Collector) (string, error) {
	tr.StageStarted(stage, agent)
	start := time.Now()
	out, err := o.runner.RunStage(ctx, stage, inputs, tr)
	elapsed := time.Since(start)

	if o.metrics != nil {
		status := "ok"
		if err != nil {
			status = "error"
		}
		o.metrics.StageRuns.WithLabelValues(stage, status).Inc()
		o.metrics.StageDuration.WithLabelValues(stage).Observe(elapsed.Seconds())
	}
	if err != nil {
		tr.StageFailed(stage, agent, err)
		return "", err
	}
	tr.StageCompleted(stage, agent, out)
	return out, nil
}
