package serpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/finsight-ai/finsight/tools/websearch/models"
)

const defaultBaseURL = "https://serpapi.com"

type Search struct {
	APIKey  string
	BaseURL string // test override
	Timeout time.Duration
}

func (s Search) Discover(ctx context.Context, q string, k int, recencyDays int) ([]models.Result, error) {
	// https://serpapi.com/search-api docs, google_news engine
	params := url.Values{}
	params.Set("engine", "google_news")
	params.Set("q", q)
	params.Set("num", strconv.Itoa(k))
	params.Set("api_key", s.APIKey)

	base := s.BaseURL
	if base == "" {
		base = defaultBaseURL
	}
	req, err := http.NewRequestWithContext(ctx, "GET", base+"/search?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	client := &http.Client{Timeout: s.Timeout}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("serpapi returned status: %d", resp.StatusCode)
	}

	var raw struct {
		NewsResults []struct {
			Title   string `json:"title"`
			Link    string `json:"link"`
			Snippet string `json:"snippet"`
			Date    string `json:"date"`
			Source  struct {
				Name string `json:"name"`
			} `json:"source"`
		} `json:"news_results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, err
	}

	var out []models.Result
	for i, r := range raw.NewsResults {
		if i >= k {
			break
		}
		out = append(out, models.Result{Title: r.Title, URL: r.Link, Snippet: r.Snippet, Source: r.Source.Name, Date: r.Date})
	}
	return out, nil
}
