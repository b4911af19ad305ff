package websearch

import (
	"context"
	"errors"
	"time"

	"github.com/finsight-ai/finsight/tools/websearch/models"
	"github.com/finsight-ai/finsight/tools/websearch/serpapi"
	"github.com/finsight-ai/finsight/tools/websearch/serper"
)

// WebSearcher discovers recent news/web results for a query.
type WebSearcher interface {
	Discover(ctx context.Context, q string, k int, recencyDays int) ([]models.Result, error)
}

// ErrNoSearchProvider is returned when no search credential is configured.
// The research stage cannot be constructed without one.
var ErrNoSearchProvider = errors.New("no search provider configured: set a SerpAPI or Serper API key")

// Credentials carries the available search provider API keys.
type Credentials struct {
	SerpAPIKey   string
	SerperAPIKey string
}

// NewWebSearcher resolves a searcher from available credentials.
// SerpAPI wins when both are configured.
func NewWebSearcher(creds Credentials, timeout time.Duration) (WebSearcher, error) {
	switch {
	case creds.SerpAPIKey != "":
		return serpapi.Search{APIKey: creds.SerpAPIKey, Timeout: timeout}, nil
	case creds.SerperAPIKey != "":
		return serper.Search{APIKey: creds.SerperAPIKey, Timeout: timeout}, nil
	default:
		return nil, ErrNoSearchProvider
	}
}
