package scoring

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/upon-ly/qr-claimd/internal/cache"
	"github.com/upon-ly/qr-claimd/internal/circuitbreaker"
	"github.com/upon-ly/qr-claimd/internal/config"
	"github.com/upon-ly/qr-claimd/internal/metrics"
)

// Label values reported by the identity oracle. A confirmed not-spam label
// overrides score-based tiering; a confirmed spam label is recorded as
// claim metadata without changing the amount.
const (
	LabelSpam    int64 = 1
	LabelNotSpam int64 = 2
)

// Result is one identity-score lookup. Score is in [0,1].
type Result struct {
	FID            int64
	Score          float64
	LabelValue     *int64
	LabelConfirmed bool
}

// SpamOverride reports whether the identity carries a confirmed not-spam
// label, which forces the top reward tier regardless of score.
func (r Result) SpamOverride() bool {
	return r.LabelConfirmed && r.LabelValue != nil && *r.LabelValue == LabelNotSpam
}

// Client looks up identity scores from the external scoring oracle. Lookups
// are expensive and rate-limited upstream, so the client carries its own
// token bucket, a TTL cache, and a circuit breaker; scores may be a cache
// window stale, which the tier table tolerates.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	limiter *rate.Limiter
	breaker *circuitbreaker.Breaker
	cache   *cache.LRU[int64, Result]
	logger  *slog.Logger
}

func NewClient(cfg config.ScoringConfig, logger *slog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 5
	}
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 10
	}

	breaker := circuitbreaker.New(circuitbreaker.Config{
		OnStateChange: func(_, to circuitbreaker.State) {
			metrics.ScoringBreakerState.WithLabelValues().Set(float64(to))
		},
	})

	return &Client{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		breaker: breaker,
		cache:   cache.NewLRU[int64, Result](cfg.CacheSize, cfg.CacheTTL),
		logger:  logger.With("component", "scoring"),
	}
}

// Cache exposes the score cache for clock injection in tests.
func (c *Client) Cache() *cache.LRU[int64, Result] {
	return c.cache
}

type scoreResponse struct {
	FID   int64   `json:"fid"`
	Score float64 `json:"score"`
	Label *struct {
		Value     int64 `json:"value"`
		Confirmed bool  `json:"confirmed"`
	} `json:"label"`
}

// Score returns the identity score for a farcaster id. Failures of any kind
// surface as errors; callers fall back to default amounts rather than
// block the claim.
func (c *Client) Score(ctx context.Context, fid int64) (Result, error) {
	if cached, ok := c.cache.Get(fid); ok {
		metrics.ScoringCacheHits.WithLabelValues().Inc()
		return cached, nil
	}
	metrics.ScoringCacheMisses.WithLabelValues().Inc()

	if err := c.breaker.Allow(); err != nil {
		metrics.ScoringRequestsTotal.WithLabelValues("breaker_open").Inc()
		return Result{}, fmt.Errorf("score fid %d: %w", fid, err)
	}

	if err := c.wait(ctx); err != nil {
		return Result{}, fmt.Errorf("score fid %d: %w", fid, err)
	}

	res, err := c.fetch(ctx, fid)
	if err != nil {
		c.breaker.RecordFailure()
		metrics.ScoringRequestsTotal.WithLabelValues("error").Inc()
		return Result{}, err
	}

	c.breaker.RecordSuccess()
	metrics.ScoringRequestsTotal.WithLabelValues("ok").Inc()
	c.cache.Put(fid, res)
	return res, nil
}

// wait blocks until the token bucket allows one request. Reserve is used
// instead of Wait so a canceled context returns its token.
func (c *Client) wait(ctx context.Context) error {
	r := c.limiter.Reserve()
	if !r.OK() {
		return fmt.Errorf("rate: cannot reserve token")
	}
	delay := r.Delay()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			r.Cancel()
			return ctx.Err()
		}
	}
	return nil
}

func (c *Client) fetch(ctx context.Context, fid int64) (Result, error) {
	url := c.baseURL + "/v1/score?fid=" + strconv.FormatInt(fid, 10)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Result{}, fmt.Errorf("create score request: %w", err)
	}
	req.Header.Set("X-API-Key", c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("score fid %d: %w", fid, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return Result{}, fmt.Errorf("score fid %d: oracle returned status %d: %s", fid, resp.StatusCode, snippet)
	}

	var sr scoreResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return Result{}, fmt.Errorf("decode score response: %w", err)
	}
	if sr.Score < 0 || sr.Score > 1 {
		return Result{}, fmt.Errorf("score fid %d: score %f out of range", fid, sr.Score)
	}

	res := Result{FID: fid, Score: sr.Score}
	if sr.Label != nil {
		v := sr.Label.Value
		res.LabelValue = &v
		res.LabelConfirmed = sr.Label.Confirmed
	}
	return res, nil
}
