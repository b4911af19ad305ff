package pipeline

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Default stage parameters applied when the caller and planner leave them
// unset.
const (
	defaultInterval    = "1day"
	defaultOutputSize  = 260
	defaultHorizonDays = 30
	defaultDays        = 7
	defaultMaxArticles = 8
)

// BuildRuntimeDefaults flattens the raw request into the parameter bag every
// stage draws its fallbacks from. Structured provided data is serialized to
// a JSON string so all values stay scalar.
func BuildRuntimeDefaults(req Request) map[string]interface{} {
	query := strings.TrimSpace(req.Query)
	if query == "" {
		query = req.Message
	}
	interval := req.Interval
	if interval == "" {
		interval = defaultInterval
	}
	return map[string]interface{}{
		"user_request": req.Message,
		"symbol":       req.Symbol,
		"interval":     interval,
		"outputsize":   intOrDefault(req.OutputSize, defaultOutputSize),
		"horizon_days": intOrDefault(req.HorizonDays, defaultHorizonDays),
		"provided_data": providedDataString(req.ProvidedData),
		"query":        query,
		"tickers":      csvString(req.Tickers),
		"sites":        csvString(req.Sites),
		"days":         intOrDefault(req.Days, defaultDays),
		"max_articles": intOrDefault(req.MaxArticles, defaultMaxArticles),
	}
}

// BuildSearchQuery composes the provider query string: the free-text query,
// then ticker alternatives, then site restrictions.
func BuildSearchQuery(query string, tickers, sites interface{}) string {
	var parts []string
	if q := strings.TrimSpace(query); q != "" {
		parts = append(parts, q)
	}
	if list := stringList(tickers); len(list) > 0 {
		parts = append(parts, "("+strings.Join(list, " OR ")+")")
	}
	if list := stringList(sites); len(list) > 0 {
		sited := make([]string, len(list))
		for i, s := range list {
			sited[i] = "site:" + s
		}
		parts = append(parts, "("+strings.Join(sited, " OR ")+")")
	}
	return strings.TrimSpace(strings.Join(parts, " "))
}

// NormalizeResearchRequest merges the planner's research request with the
// runtime defaults into flattened stage inputs.
func NormalizeResearchRequest(req map[string]interface{}, defaults map[string]interface{}) map[string]string {
	query := firstNonEmpty(asString(req["query"]), asString(defaults["query"]))
	tickers := firstDefined(req["tickers"], defaults["tickers"])
	sites := firstDefined(req["sites"], defaults["sites"])
	searchQuery := strings.TrimSpace(asString(req["search_query"]))
	if searchQuery == "" {
		searchQuery = BuildSearchQuery(query, tickers, sites)
	}
	return map[string]string{
		"user_request": firstNonEmpty(asString(req["user_request"]), asString(defaults["user_request"])),
		"query":        query,
		"tickers":      csvString(tickers),
		"sites":        csvString(sites),
		"days":         strconv.Itoa(asInt(firstDefined(req["days"], defaults["days"]), defaultDays)),
		"max_articles": strconv.Itoa(asInt(firstDefined(req["max_articles"], defaults["max_articles"]), defaultMaxArticles)),
		"search_query": searchQuery,
	}
}

// NormalizeQuantRequest merges the planner's quant request with the runtime
// defaults. Only the first of multiple requested symbols is analyzed; the
// request text carries an explicit note when others were dropped.
func NormalizeQuantRequest(req map[string]interface{}, defaults map[string]interface{}, userRequest string) map[string]string {
	symbols := stringList(firstDefined(req["symbol"], defaults["symbol"]))
	symbol := ""
	if len(symbols) > 0 {
		symbol = symbols[0]
	}

	reqText := firstNonEmpty(asString(req["request"]), userRequest)
	if len(symbols) > 1 {
		reqText = fmt.Sprintf("%s (multiple symbols requested; analyzing %s only)", reqText, symbol)
	}

	return map[string]string{
		"symbol":        symbol,
		"interval":      firstNonEmpty(asString(req["interval"]), asString(defaults["interval"]), defaultInterval),
		"outputsize":    strconv.Itoa(asInt(firstDefined(req["outputsize"], defaults["outputsize"]), defaultOutputSize)),
		"horizon_days":  strconv.Itoa(asInt(firstDefined(req["horizon_days"], defaults["horizon_days"]), defaultHorizonDays)),
		"request":       reqText,
		"provided_data": firstNonEmpty(providedDataString(req["provided_data"]), asString(defaults["provided_data"])),
	}
}

func providedDataString(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		raw, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return string(raw)
	}
}

func intOrDefault(v, fallback int) int {
	if v <= 0 {
		return fallback
	}
	return v
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func firstDefined(values ...interface{}) interface{} {
	for _, v := range values {
		switch t := v.(type) {
		case nil:
			continue
		case string:
			if strings.TrimSpace(t) == "" {
				continue
			}
		}
		return v
	}
	return nil
}
