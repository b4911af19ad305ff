package pipeline

import "testing"

func TestBuildRuntimeDefaults(t *testing.T) {
	defaults := BuildRuntimeDefaults(Request{Message: "What is AAPL's outlook?"})

	if defaults["query"] != "What is AAPL's outlook?" {
		t.Fatalf("query should fall back to the message, got %v", defaults["query"])
	}
	if defaults["interval"] != "1day" {
		t.Fatalf("interval default: %v", defaults["interval"])
	}
	if defaults["outputsize"] != 260 || defaults["horizon_days"] != 30 {
		t.Fatalf("quant defaults: %v / %v", defaults["outputsize"], defaults["horizon_days"])
	}
	if defaults["days"] != 7 || defaults["max_articles"] != 8 {
		t.Fatalf("research defaults: %v / %v", defaults["days"], defaults["max_articles"])
	}
}

func TestBuildRuntimeDefaultsSerializesProvidedData(t *testing.T) {
	defaults := BuildRuntimeDefaults(Request{
		Message:      "analyze this",
		ProvidedData: map[string]interface{}{"close": []interface{}{1.0, 2.0}},
	})
	if defaults["provided_data"] != `{"close":[1,2]}` {
		t.Fatalf("provided_data = %v", defaults["provided_data"])
	}
}

func TestBuildSearchQuery(t *testing.T) {
	got := BuildSearchQuery("fed rates", "AAPL, MSFT", []interface{}{"reuters.com", "ft.com"})
	want := "fed rates (AAPL OR MSFT) (site:reuters.com OR site:ft.com)"
	if got != want {
		t.Fatalf("query = %q, want %q", got, want)
	}
	if got := BuildSearchQuery("", nil, nil); got != "" {
		t.Fatalf("empty query = %q", got)
	}
}

func TestNormalizeResearchRequest(t *testing.T) {
	defaults := BuildRuntimeDefaults(Request{Message: "nvidia earnings", Tickers: "NVDA"})
	inputs := NormalizeResearchRequest(map[string]interface{}{
		"query": "NVDA Q2 earnings",
		"days":  3.0,
	}, defaults)

	if inputs["query"] != "NVDA Q2 earnings" {
		t.Fatalf("query = %q", inputs["query"])
	}
	if inputs["days"] != "3" {
		t.Fatalf("days = %q", inputs["days"])
	}
	if inputs["max_articles"] != "8" {
		t.Fatalf("max_articles = %q", inputs["max_articles"])
	}
	if inputs["search_query"] != "NVDA Q2 earnings (NVDA)" {
		t.Fatalf("search_query = %q", inputs["search_query"])
	}
}

func TestNormalizeQuantRequestMultiSymbol(t *testing.T) {
	defaults := BuildRuntimeDefaults(Request{Message: "compare AAPL and MSFT"})
	inputs := NormalizeQuantRequest(map[string]interface{}{
		"symbol": "AAPL, MSFT",
	}, defaults, "compare AAPL and MSFT")

	if inputs["symbol"] != "AAPL" {
		t.Fatalf("symbol = %q", inputs["symbol"])
	}
	want := "compare AAPL and MSFT (multiple symbols requested; analyzing AAPL only)"
	if inputs["request"] != want {
		t.Fatalf("request = %q", inputs["request"])
	}
	if inputs["interval"] != "1day" || inputs["outputsize"] != "260" {
		t.Fatalf("defaults not applied: %v", inputs)
	}
}

func TestNormalizeQuantRequestEmpty(t *testing.T) {
	defaults := BuildRuntimeDefaults(Request{Message: "general question"})
	inputs := NormalizeQuantRequest(nil, defaults, "general question")
	if inputs["symbol"] != "" || inputs["provided_data"] != "" {
		t.Fatalf("expected empty symbol and data: %v", inputs)
	}
}
