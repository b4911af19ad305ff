package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/finsight-ai/finsight/provider"
	"github.com/finsight-ai/finsight/tools/marketdata"
	"github.com/finsight-ai/finsight/tools/scrape"
	"github.com/finsight-ai/finsight/tools/websearch"
)

// Agent roles reported in traces.
const (
	rolePlanner    = "planner"
	roleResearcher = "researcher"
	roleQuant      = "quant analyst"
	roleAuditor    = "auditor"
)

const articleExcerptChars = 1200

// Runner is the production StageRunner: it formats per-stage prompts, drives
// the search, scrape and market-data tools, and calls the LLM provider.
type Runner struct {
	provider    provider.Provider
	creds       websearch.Credentials
	scraper     *scrape.Scraper
	market      *marketdata.Fetcher
	toolTimeout time.Duration
}

func NewRunner(p provider.Provider, creds websearch.Credentials, market *marketdata.Fetcher, scraper *scrape.Scraper, toolTimeout time.Duration) *Runner {
	if toolTimeout <= 0 {
		toolTimeout = 30 * time.Second
	}
	return &Runner{provider: p, creds: creds, scraper: scraper, market: market, toolTimeout: toolTimeout}
}

func (r *Runner) RunStage(ctx context.Context, stage string, inputs map[string]string, tr *Collector) (string, error) {
	switch stage {
	case StagePlanner:
		return r.runPlanner(ctx, inputs)
	case StageResearch:
		return r.runResearch(ctx, inputs, tr)
	case StageQuant:
		return r.runQuant(ctx, inputs, tr)
	case StageAudit:
		return r.runAudit(ctx, inputs)
	default:
		return "", fmt.Errorf("unknown stage: %s", stage)
	}
}

func (r *Runner) runPlanner(ctx context.Context, inputs map[string]string) (string, error) {
	system := `You are the planning agent of a finance assistant. You are invoked in two modes.

Planning mode (research_output and quant_output are empty): decide which stages to run and respond with ONLY a JSON object:
{"plan": {"use_research": bool, "use_quant": bool, "use_audit": bool},
 "research_request": {"query": str, "tickers": str, "sites": str, "days": int, "max_articles": int},
 "quant_request": {"symbol": str, "interval": str, "outputsize": int, "horizon_days": int}}
Omit research_request or quant_request when the stage is not used. Fill parameters from runtime_defaults unless the request implies otherwise.

Response mode (research_output or quant_output is present): write the final answer for the user, grounded only in the provided outputs, and respond with ONLY:
{"final_response": str}
Include source names/links in the text when sources_requested is "true". If the audit output lists issues, address them.`

	user := fmt.Sprintf(`user_request: %s
conversation_summary: %s
runtime_defaults: %s
research_output: %s
quant_output: %s
audit_output: %s
sources_requested: %s`,
		inputs["user_request"], inputs["conversation_summary"], inputs["runtime_defaults"],
		inputs["research_output"], inputs["quant_output"], inputs["audit_output"],
		inputs["sources_requested"])

	return r.complete(ctx, system, user)
}

func (r *Runner) runResearch(ctx context.Context, inputs map[string]string, tr *Collector) (string, error) {
	searcher, err := websearch.NewWebSearcher(r.creds, r.toolTimeout)
	if err != nil {
		return "", fmt.Errorf("research stage: %w", err)
	}

	days, _ := strconv.Atoi(inputs["days"])
	maxArticles, _ := strconv.Atoi(inputs["max_articles"])
	if maxArticles <= 0 {
		maxArticles = defaultMaxArticles
	}
	query := inputs["search_query"]

	var limitations []string
	tr.ToolStarted(StageResearch, roleResearcher, "web_search", map[string]interface{}{
		"query": query, "days": days, "max_articles": maxArticles,
	})
	results, err := searcher.Discover(ctx, query, maxArticles, days)
	if err != nil {
		tr.ToolFailed(StageResearch, roleResearcher, "web_search", err)
		limitations = append(limitations, "search provider unavailable: "+err.Error())
		results = nil
	} else {
		tr.ToolCompleted(StageResearch, roleResearcher, "web_search", fmt.Sprintf("%d results", len(results)))
	}

	var articles strings.Builder
	for i, res := range results {
		if i >= maxArticles {
			break
		}
		fmt.Fprintf(&articles, "[%d] %s (%s, %s)\nURL: %s\nSnippet: %s\n", i+1, res.Title, res.Source, res.Date, res.URL, res.Snippet)
		if r.scraper != nil {
			tr.ToolStarted(StageResearch, roleResearcher, "scrape_website", map[string]interface{}{"url": res.URL})
			page, err := r.scraper.Fetch(ctx, res.URL)
			if err != nil {
				tr.ToolFailed(StageResearch, roleResearcher, "scrape_website", err)
			} else {
				tr.ToolCompleted(StageResearch, roleResearcher, "scrape_website", fmt.Sprintf("%d chars", len(page.Text)))
				if page.Text != "" {
					fmt.Fprintf(&articles, "Excerpt: %s\n", trimText(page.Text, articleExcerptChars))
				}
			}
		}
		articles.WriteString("\n")
	}
	if articles.Len() == 0 {
		limitations = append(limitations, "no articles found for the search query")
	}

	system := `You are the research agent of a finance assistant. Synthesize the provided articles into a factual brief. Respond with ONLY a JSON object:
{"key_findings": [str], "articles": [{"title": str, "url": str, "takeaway": str}], "limitations": [str]}
Never invent articles or facts not present in the input.`

	user := fmt.Sprintf(`user_request: %s
query: %s
tickers: %s
lookback_days: %d
limitations so far: %s

articles:
%s`,
		inputs["user_request"], inputs["query"], inputs["tickers"], days,
		strings.Join(limitations, "; "), articles.String())

	return r.complete(ctx, system, user)
}

func (r *Runner) runQuant(ctx context.Context, inputs map[string]string, tr *Collector) (string, error) {
	symbol := inputs["symbol"]
	interval := inputs["interval"]
	outputSize, _ := strconv.Atoi(inputs["outputsize"])

	dataJSON := strings.TrimSpace(inputs["provided_data"])
	var limitations []string
	if dataJSON == "" {
		tr.ToolStarted(StageQuant, roleQuant, "market_data_fetch", map[string]interface{}{
			"symbol": symbol, "interval": interval, "outputsize": outputSize,
		})
		series := r.market.Fetch(ctx, symbol, interval, outputSize)
		if series.Error != "" {
			tr.ToolFailed(StageQuant, roleQuant, "market_data_fetch", fmt.Errorf("%s", series.Error))
			limitations = append(limitations, "market data unavailable: "+series.Error)
		} else {
			tr.ToolCompleted(StageQuant, roleQuant, "market_data_fetch", fmt.Sprintf("%s via %s, %d bars", series.Symbol, series.Provider, len(series.Data)))
		}
		raw, err := json.Marshal(series)
		if err != nil {
			return "", fmt.Errorf("marshal series: %w", err)
		}
		dataJSON = string(raw)
	}

	system := `You are the quantitative analyst of a finance assistant. Compute a snapshot from the provided OHLCV data. Respond with ONLY a JSON object:
{"as_of": {"date": str, "close": number},
 "snapshot": {"data_points": int, "return_1m": number, "return_3m": number, "volatility_annualized": number, "sma_50": number, "sma_200": number},
 "outlook": {"horizon_days": int, "commentary": str},
 "limitations": [str]}
Set data_points to the number of bars actually used. List every metric you could not compute under limitations.`

	user := fmt.Sprintf(`request: %s
symbol: %s
interval: %s
horizon_days: %s
limitations so far: %s

data: %s`,
		inputs["request"], symbol, interval, inputs["horizon_days"],
		strings.Join(limitations, "; "), dataJSON)

	return r.complete(ctx, system, user)
}

func (r *Runner) runAudit(ctx context.Context, inputs map[string]string) (string, error) {
	system := `You are the audit agent of a finance assistant. Review the stage outputs for factual grounding, internal consistency and responsiveness to the user request. Respond with ONLY a JSON object:
{"audit_status": "APPROVED" | "PARTIAL" | "REJECTED",
 "issues": [str],
 "required_reruns": [str]}
required_reruns may only contain "research" and/or "quant", and must be non-empty when audit_status is REJECTED.`

	user := fmt.Sprintf(`user_request: %s
research_output: %s
quant_output: %s
draft_response: %s`,
		inputs["user_request"], inputs["research_output"], inputs["quant_output"], inputs["draft_response"])

	return r.complete(ctx, system, user)
}

func (r *Runner) complete(ctx context.Context, system, user string) (string, error) {
	return r.provider.Complete(ctx, []provider.Message{
		{Role: "system", Content: system},
		{Role: "user", Content: user},
	})
}
