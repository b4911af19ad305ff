// Package scrape fetches article pages over HTTP and extracts readable text.
package scrape

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	readability "github.com/go-shiori/go-readability"
)

const (
	defaultTimeout = 15 * time.Second
	defaultMaxRead = 2 << 20 // 2 MiB of HTML is plenty for an article page
	userAgent      = "FinsightBot/1.0"
)

// Result is the extracted content of one page.
type Result struct {
	URL    string `json:"url"`
	Title  string `json:"title"`
	Byline string `json:"byline"`
	Text   string `json:"text"`
	Status int    `json:"status"`
}

// Scraper fetches static HTML and runs readability extraction.
// Construct once; call Fetch per URL.
type Scraper struct {
	Timeout  time.Duration
	MaxChars int
	client   *http.Client
}

func New(timeout time.Duration, maxChars int) *Scraper {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if maxChars <= 0 {
		maxChars = 20000
	}
	return &Scraper{
		Timeout:  timeout,
		MaxChars: maxChars,
		client:   &http.Client{Timeout: timeout},
	}
}

// Fetch downloads link and extracts the main article text.
// Parse failures return the result with empty text; network failures return an error.
func (s *Scraper) Fetch(ctx context.Context, link string) (Result, error) {
	if strings.TrimSpace(link) == "" {
		return Result{}, errors.New("invalid url")
	}
	req, err := http.NewRequestWithContext(ctx, "GET", link, nil)
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, defaultMaxRead))
	if err != nil {
		return Result{URL: link, Status: resp.StatusCode}, err
	}

	article, err := readability.FromReader(strings.NewReader(string(body)), mustParseURL(link))
	if err != nil {
		return Result{URL: link, Status: resp.StatusCode}, nil
	}
	text := strings.TrimSpace(article.TextContent)
	if len(text) > s.MaxChars {
		text = text[:s.MaxChars]
	}
	return Result{
		URL:    link,
		Title:  strings.TrimSpace(article.Title),
		Byline: strings.TrimSpace(article.Byline),
		Text:   text,
		Status: resp.StatusCode,
	}, nil
}

func mustParseURL(raw string) *url.URL {
	u, err := url.Parse(raw)
	if err != nil {
		return &url.URL{}
	}
	return u
}
