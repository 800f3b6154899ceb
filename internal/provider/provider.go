// Package provider implements the historical OHLCV client. All workers
// share a single Client so the token bucket protecting the upstream is
// process-wide.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"fxpipeline/internal/model"
	"fxpipeline/internal/timeframe"

	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/time/rate"
)

const (
	defaultTimeout   = 15 * time.Second
	defaultRPM       = 40 // requests per minute
	defaultBurst     = 5
	defaultCacheSize = 512
)

// Config configures the provider client.
type Config struct {
	BaseURL string // e.g. "https://history.example.com"
	Token   string // bearer token, optional
	Timeout time.Duration
	RPM     int // token bucket refill rate, requests per minute
	Burst   int
}

func (c *Config) defaults() {
	if c.Timeout == 0 {
		c.Timeout = defaultTimeout
	}
	if c.RPM == 0 {
		c.RPM = defaultRPM
	}
	if c.Burst == 0 {
		c.Burst = defaultBurst
	}
}

// Client fetches candles from the historical endpoint. Responses for
// fully-historical ranges are cached in an LRU so repeated repair sweeps
// over the same window do not spend rate-limit tokens.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	cache   *lru.Cache
}

// New creates a Client. Returns an error if the base URL is unparseable.
func New(cfg Config) (*Client, error) {
	cfg.defaults()
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("provider base url: %w", err)
	}
	cache, err := lru.New(defaultCacheSize)
	if err != nil {
		return nil, err
	}
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(float64(cfg.RPM)/60.0), cfg.Burst),
		cache:   cache,
	}, nil
}

// histResponse is the provider's parallel-array payload:
//
//	{"status":"ok","t":[...],"o":[...],"h":[...],"l":[...],"c":[...],"v":[...]}
//
// status "no_data" (or empty arrays) is a valid empty result.
type histResponse struct {
	Status string    `json:"status"`
	T      []int64   `json:"t"`
	O      []float64 `json:"o"`
	H      []float64 `json:"h"`
	L      []float64 `json:"l"`
	C      []float64 `json:"c"`
	V      []float64 `json:"v"`
}

// Fetch returns candles for [from, to) aligned to tf. The call waits on
// the shared token bucket, honoring ctx cancellation. Transient upstream
// failures (429, 5xx, network) come back as KindTransient errors for the
// job-level retry/backoff; other 4xx and malformed payloads are
// KindPermanent.
func (c *Client) Fetch(ctx context.Context, symbol string, tf timeframe.Timeframe, from, to time.Time) ([]model.Candle, error) {
	key := cacheKey(symbol, tf, from, to)
	historical := to.Before(time.Now().UTC().Add(-tf.Duration()))
	if historical {
		if v, ok := c.cache.Get(key); ok {
			return v.([]model.Candle), nil
		}
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &model.Error{Kind: model.KindCancelled, Err: err}
	}

	u := fmt.Sprintf("%s/history?symbol=%s&resolution=%s&from=%d&to=%d",
		c.cfg.BaseURL, url.QueryEscape(symbol), tf.Resolution(), from.Unix(), to.Unix())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, model.Permanent(err)
	}
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, &model.Error{Kind: model.KindCancelled, Err: ctx.Err()}
		}
		return nil, model.Transient(fmt.Errorf("provider request: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, model.Transient(fmt.Errorf("provider body: %w", err))
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &model.Error{
			Kind:       model.KindTransient,
			Err:        errors.New("provider rate limited (429)"),
			RetryAfter: retryAfter(resp),
		}
	case resp.StatusCode >= 500:
		return nil, model.Transient(fmt.Errorf("provider %d: %s", resp.StatusCode, truncate(body)))
	case resp.StatusCode >= 400:
		return nil, model.Permanent(fmt.Errorf("provider %d: %s", resp.StatusCode, truncate(body)))
	}

	var hr histResponse
	if err := json.Unmarshal(body, &hr); err != nil {
		return nil, model.Permanent(fmt.Errorf("provider payload: %w", err))
	}
	candles, err := hr.toCandles(symbol, tf)
	if err != nil {
		return nil, err
	}

	if historical {
		c.cache.Add(key, candles)
	}
	return candles, nil
}

// toCandles converts the parallel arrays, dropping (and logging) records
// that violate candle invariants so one bad bar does not poison a batch.
func (r *histResponse) toCandles(symbol string, tf timeframe.Timeframe) ([]model.Candle, error) {
	if r.Status == "no_data" || len(r.T) == 0 {
		return nil, nil
	}
	if r.Status != "" && r.Status != "ok" {
		return nil, model.Permanent(fmt.Errorf("provider status %q", r.Status))
	}
	n := len(r.T)
	if len(r.O) != n || len(r.H) != n || len(r.L) != n || len(r.C) != n {
		return nil, model.Permanent(fmt.Errorf("provider arrays mismatched: t=%d o=%d h=%d l=%d c=%d",
			n, len(r.O), len(r.H), len(r.L), len(r.C)))
	}

	candles := make([]model.Candle, 0, n)
	for i := 0; i < n; i++ {
		c := model.Candle{
			Symbol:    symbol,
			Timeframe: tf,
			TS:        tf.Align(time.Unix(r.T[i], 0)),
			Open:      r.O[i],
			High:      r.H[i],
			Low:       r.L[i],
			Close:     r.C[i],
		}
		if i < len(r.V) {
			c.Volume = r.V[i]
		}
		if err := c.Validate(); err != nil {
			log.Printf("[provider] dropping invalid candle: %v", err)
			continue
		}
		candles = append(candles, c)
	}
	return candles, nil
}

func retryAfter(resp *http.Response) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return 0
}

func cacheKey(symbol string, tf timeframe.Timeframe, from, to time.Time) string {
	return symbol + "|" + string(tf) + "|" + strconv.FormatInt(from.Unix(), 10) + "|" + strconv.FormatInt(to.Unix(), 10)
}

func truncate(b []byte) string {
	const max = 200
	if len(b) > max {
		b = b[:max]
	}
	return string(b)
}
