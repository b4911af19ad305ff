package pipeline

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// ParseStageOutput recovers structured JSON from free-text model output.
// It tries a strict parse of the trimmed text, then retries from the first
// `{` and first `[` to skip leading commentary, and finally wraps the text
// as an unstructured fallback. It never fails.
func ParseStageOutput(text string) StageOutput {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return StageOutput{Raw: ""}
	}

	if out, ok := tryParse(trimmed); ok {
		out.Raw = trimmed
		return out
	}
	for _, marker := range []string{"{", "["} {
		if start := strings.Index(trimmed, marker); start > 0 {
			if out, ok := tryParse(trimmed[start:]); ok {
				out.Raw = trimmed
				return out
			}
		}
	}
	return StageOutput{
		Object: map[string]interface{}{"raw_output": trimmed},
		Raw:    trimmed,
	}
}

func tryParse(s string) (StageOutput, bool) {
	switch {
	case strings.HasPrefix(s, "{"):
		var obj map[string]interface{}
		if err := json.Unmarshal([]byte(s), &obj); err == nil {
			return StageOutput{Object: obj}, true
		}
	case strings.HasPrefix(s, "["):
		var list []interface{}
		if err := json.Unmarshal([]byte(s), &list); err == nil {
			return StageOutput{List: list}, true
		}
	}
	return StageOutput{}, false
}

// parsePlan reads the planner's routing flags. use_audit defaults to true
// when absent.
func parsePlan(out StageOutput) Plan {
	plan := Plan{UseAudit: true}
	raw, ok := out.Get("plan").(map[string]interface{})
	if !ok {
		return plan
	}
	plan.UseResearch = asBool(raw["use_research"])
	plan.UseQuant = asBool(raw["use_quant"])
	if v, present := raw["use_audit"]; present {
		plan.UseAudit = asBool(v)
	}
	return plan
}

// parseVerdict reads the auditor's status and rerun demands. Unknown or
// unstructured output yields an empty verdict, which never rejects.
func parseVerdict(out StageOutput) Verdict {
	v := Verdict{Status: strings.ToUpper(strings.TrimSpace(asString(out.Get("audit_status"))))}
	for _, rerun := range stringList(out.Get("required_reruns")) {
		name := strings.ToLower(rerun)
		if name == StageResearch || name == StageQuant {
			v.RequiredReruns = append(v.RequiredReruns, name)
		}
	}
	return v
}

func asBool(v interface{}) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "true", "yes", "1":
			return true
		}
		return false
	case float64:
		return t != 0
	}
	return false
}

func asString(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprintf("%v", t)
	}
}

func asInt(v interface{}, fallback int) int {
	switch t := v.(type) {
	case float64:
		return int(t)
	case int:
		return t
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(t)); err == nil {
			return n
		}
	}
	return fallback
}

// stringList normalizes a JSON list or comma-separated string into trimmed,
// non-empty entries.
func stringList(v interface{}) []string {
	var out []string
	switch t := v.(type) {
	case nil:
		return nil
	case []interface{}:
		for _, item := range t {
			if s := strings.TrimSpace(asString(item)); s != "" {
				out = append(out, s)
			}
		}
	case []string:
		for _, item := range t {
			if s := strings.TrimSpace(item); s != "" {
				out = append(out, s)
			}
		}
	case string:
		for _, part := range strings.Split(t, ",") {
			if s := strings.TrimSpace(part); s != "" {
				out = append(out, s)
			}
		}
	default:
		if s := strings.TrimSpace(asString(t)); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func csvString(v interface{}) string {
	return strings.Join(stringList(v), ", ")
}
