// Package pipeline sequences the planner, research, quant and audit agents
// over a shared context map and drives the audit-gated repair loop.
package pipeline

import "context"

// Stage names of the task graph. The planner doubles as the final-report
// stage: its last invocation carries all accumulated outputs and returns the
// user-facing response.
const (
	StagePlanner  = "planner"
	StageResearch = "research"
	StageQuant    = "quant"
	StageAudit    = "audit"
)

// Audit verdicts.
const (
	VerdictApproved = "APPROVED"
	VerdictPartial  = "PARTIAL"
	VerdictRejected = "REJECTED"
)

// StageOutput is the best-effort structured view of one stage's raw text.
// Object is nil when no JSON could be recovered; Raw always carries the
// trimmed original text.
type StageOutput struct {
	Object map[string]interface{}
	List   []interface{}
	Raw    string
}

// Structured reports whether a JSON object was recovered from the raw text.
func (o StageOutput) Structured() bool { return o.Object != nil }

// Get returns a key from the structured object, nil when unstructured.
func (o StageOutput) Get(key string) interface{} {
	if o.Object == nil {
		return nil
	}
	return o.Object[key]
}

// Plan is the planner's routing decision.
type Plan struct {
	UseResearch bool
	UseQuant    bool
	UseAudit    bool
}

// Verdict is the parsed auditor judgment gating the repair loop.
type Verdict struct {
	Status         string
	RequiredReruns []string
}

// Rejected reports whether the verdict demands a repair iteration.
func (v Verdict) Rejected() bool {
	return v.Status == VerdictRejected && len(v.RequiredReruns) > 0
}

// StageRunner executes one named stage. Inputs are always flattened scalar
// strings; structured values are serialized to JSON before injection. The
// collector receives tool start/complete/fail observations for the run.
type StageRunner interface {
	RunStage(ctx context.Context, stage string, inputs map[string]string, tr *Collector) (string, error)
}

// Request is the raw chat payload driving one pipeline run. Tickers, sites
// and provided data accept either strings or JSON lists/objects.
type Request struct {
	Message          string      `json:"message"`
	ThreadID         string      `json:"threadId"`
	Query            string      `json:"query"`
	Tickers          interface{} `json:"tickers"`
	Sites            interface{} `json:"sites"`
	Symbol           string      `json:"symbol"`
	Interval         string      `json:"interval"`
	OutputSize       int         `json:"outputsize"`
	HorizonDays      int         `json:"horizon_days"`
	Days             int         `json:"days"`
	MaxArticles      int         `json:"max_articles"`
	ProvidedData     interface{} `json:"provided_data"`
	SourcesRequested bool        `json:"sources_requested"`
}
