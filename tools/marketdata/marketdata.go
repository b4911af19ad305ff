// Package marketdata fetches OHLCV time series with provider fallback.
// Twelve Data is used when an API key is configured; Stooq's free CSV
// endpoint is the fallback.
package marketdata

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	twelveDataBaseURL = "https://api.twelvedata.com"
	stooqBaseURL      = "https://stooq.com"
	userAgent         = "FinsightBot/1.0"

	minOutputSize = 10
	maxOutputSize = 2000
)

// Bar is a single OHLCV data point.
type Bar struct {
	Date   string  `json:"date"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"`
}

// Series is the fetch result handed to the quant stage.
type Series struct {
	Provider  string `json:"provider"`
	Symbol    string `json:"symbol"`
	Interval  string `json:"interval"`
	FetchedAt string `json:"fetched_at"`
	Data      []Bar  `json:"data"`
	Error     string `json:"error"`
}

// Fetcher fetches time series with provider fallback.
type Fetcher struct {
	TwelveDataAPIKey string
	TwelveDataURL    string // test override
	StooqURL         string // test override
	client           *http.Client
}

func New(twelveDataAPIKey string, timeout time.Duration) *Fetcher {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Fetcher{
		TwelveDataAPIKey: twelveDataAPIKey,
		client:           &http.Client{Timeout: timeout},
	}
}

// Fetch returns an OHLCV series for symbol. Provider errors are carried in
// Series.Error rather than returned: the quant stage treats missing data as a
// limitation, not a failure.
func (f *Fetcher) Fetch(ctx context.Context, symbol, interval string, outputSize int) Series {
	symbol = strings.TrimSpace(symbol)
	if symbol == "" {
		return Series{FetchedAt: nowUTC(), Error: "symbol is required"}
	}
	interval = strings.ToLower(strings.TrimSpace(interval))
	if interval == "" {
		interval = "1day"
	}
	if outputSize < minOutputSize {
		outputSize = minOutputSize
	}
	if outputSize > maxOutputSize {
		outputSize = maxOutputSize
	}

	if f.TwelveDataAPIKey != "" {
		s := f.fetchTwelveData(ctx, symbol, interval, outputSize)
		if s.Error == "" {
			return s
		}
	}
	return f.fetchStooq(ctx, symbol, interval, outputSize)
}

func (f *Fetcher) fetchTwelveData(ctx context.Context, symbol, interval string, outputSize int) Series {
	base := f.TwelveDataURL
	if base == "" {
		base = twelveDataBaseURL
	}
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("interval", interval)
	q.Set("outputsize", strconv.Itoa(outputSize))
	q.Set("apikey", f.TwelveDataAPIKey)
	q.Set("format", "JSON")

	s := Series{Provider: "twelve_data", Symbol: symbol, Interval: interval, FetchedAt: nowUTC()}
	body, err := f.get(ctx, base+"/time_series?"+q.Encode())
	if err != nil {
		s.Error = fmt.Sprintf("request failed: %v", err)
		return s
	}

	var payload struct {
		Values []struct {
			Datetime string `json:"datetime"`
			Open     string `json:"open"`
			High     string `json:"high"`
			Low      string `json:"low"`
			Close    string `json:"close"`
			Volume   string `json:"volume"`
		} `json:"values"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		s.Error = fmt.Sprintf("unexpected response: %v", err)
		return s
	}
	if len(payload.Values) == 0 {
		s.Error = payload.Message
		if s.Error == "" {
			s.Error = "unexpected response"
		}
		return s
	}

	for _, row := range payload.Values {
		bar, ok := parseBar(row.Datetime, row.Open, row.High, row.Low, row.Close, row.Volume)
		if !ok {
			continue
		}
		s.Data = append(s.Data, bar)
	}
	// Twelve Data returns newest first
	reverse(s.Data)
	s.Data = tail(s.Data, outputSize)
	return s
}

func (f *Fetcher) fetchStooq(ctx context.Context, symbol, interval string, outputSize int) Series {
	base := f.StooqURL
	if base == "" {
		base = stooqBaseURL
	}
	stooqInterval := map[string]string{"1day": "d", "1week": "w", "1month": "m"}[interval]
	if stooqInterval == "" {
		stooqInterval = "d"
	}
	stooqSymbol := strings.ToLower(symbol)
	if !strings.Contains(stooqSymbol, ".") {
		stooqSymbol += ".us"
	}

	s := Series{Provider: "stooq", Symbol: symbol, Interval: interval, FetchedAt: nowUTC()}
	body, err := f.get(ctx, fmt.Sprintf("%s/q/d/l/?s=%s&i=%s", base, url.QueryEscape(stooqSymbol), stooqInterval))
	if err != nil {
		s.Error = fmt.Sprintf("request failed: %v", err)
		return s
	}

	reader := csv.NewReader(strings.NewReader(string(body)))
	records, err := reader.ReadAll()
	if err != nil || len(records) < 2 {
		s.Error = "no data returned"
		return s
	}
	for _, row := range records[1:] {
		if len(row) < 5 || row[0] == "" {
			continue
		}
		volume := "0"
		if len(row) > 5 {
			volume = row[5]
		}
		bar, ok := parseBar(row[0], row[1], row[2], row[3], row[4], volume)
		if !ok {
			continue
		}
		s.Data = append(s.Data, bar)
	}
	if len(s.Data) == 0 {
		s.Error = "no data returned"
		return s
	}
	s.Data = tail(s.Data, outputSize)
	return s
}

func (f *Fetcher) get(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func parseBar(date, open, high, low, closep, volume string) (Bar, bool) {
	o, err1 := strconv.ParseFloat(open, 64)
	h, err2 := strconv.ParseFloat(high, 64)
	l, err3 := strconv.ParseFloat(low, 64)
	c, err4 := strconv.ParseFloat(closep, 64)
	if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
		return Bar{}, false
	}
	v, _ := strconv.ParseFloat(volume, 64)
	return Bar{Date: date, Open: o, High: h, Low: l, Close: c, Volume: v}, true
}

func reverse(bars []Bar) {
	for i, j := 0, len(bars)-1; i < j; i, j = i+1, j-1 {
		bars[i], bars[j] = bars[j], bars[i]
	}
}

func tail(bars []Bar, n int) []Bar {
	if len(bars) > n {
		return bars[len(bars)-n:]
	}
	return bars
}

func nowUTC() string { return time.Now().UTC().Format(time.RFC3339) }
