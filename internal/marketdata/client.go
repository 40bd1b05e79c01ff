package marketdata

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/vikasavnish/agentbridge/internal/config"
	"github.com/vikasavnish/agentbridge/internal/indicators"
)

// CandleSource supplies recent OHLC bars, oldest first.
type CandleSource interface {
	Candles(ctx context.Context, symbol, timeframe string, limit int) ([]indicators.Candle, error)
}

// ErrNoData is returned when the provider has no bars for a symbol.
var ErrNoData = errors.New("no candle data")

const maxRetries = 3

// Client fetches candles from the market-data HTTP service.
type Client struct {
	client  *resty.Client
	logger  *zap.Logger
	limiter *rate.Limiter
	backoff time.Duration
}

var _ CandleSource = (*Client)(nil)

// NewClient creates a new market-data client.
func NewClient(cfg config.MarketDataConfig, logger *zap.Logger) *Client {
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/json")
	if cfg.APIKey != "" {
		client.SetHeader("X-API-Key", cfg.APIKey)
	}

	limit := rate.Limit(cfg.RateLimit)
	if cfg.RateLimit <= 0 {
		limit = rate.Inf
	}
	burst := cfg.RateLimitBurst
	if burst < 1 {
		burst = 1
	}

	return &Client{
		client:  client,
		logger:  logger.Named("marketdata"),
		limiter: rate.NewLimiter(limit, burst),
		backoff: time.Second,
	}
}

type candlesResponse struct {
	Symbol    string              `json:"symbol"`
	Timeframe string              `json:"timeframe"`
	Candles   []indicators.Candle `json:"candles"`
}

// Candles fetches up to limit bars for symbol on timeframe.
func (c *Client) Candles(ctx context.Context, symbol, timeframe string, limit int) ([]indicators.Candle, error) {
	req := c.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"symbol":    symbol,
			"timeframe": timeframe,
			"limit":     strconv.Itoa(limit),
		}).
		SetResult(&candlesResponse{})

	resp, err := c.doRequest(ctx, http.MethodGet, "/candles", req)
	if err != nil {
		return nil, fmt.Errorf("failed to get candles for %s %s: %w", symbol, timeframe, err)
	}

	result := resp.Result().(*candlesResponse)
	if len(result.Candles) == 0 {
		return nil, ErrNoData
	}
	return result.Candles, nil
}

// doRequest executes req with rate limiting. 429 and 5xx responses and
// transport errors are retried with exponential backoff, honoring Retry-After.
func (c *Client) doRequest(ctx context.Context, method, url string, req *resty.Request) (*resty.Response, error) {
	var (
		resp *resty.Response
		err  error
	)

	for i := 0; i < maxRetries; i++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter wait failed: %w", err)
		}

		resp, err = req.Execute(method, url)
		if err == nil && !resp.IsError() {
			return resp, nil
		}

		shouldRetry := false
		var retryAfter time.Duration
		if err == nil {
			status := resp.StatusCode()
			if status == http.StatusTooManyRequests {
				shouldRetry = true
				if seconds, perr := strconv.Atoi(resp.Header().Get("Retry-After")); perr == nil {
					retryAfter = time.Duration(seconds) * time.Second
				}
			} else if status >= 500 {
				shouldRetry = true
			}
			if !shouldRetry {
				return nil, fmt.Errorf("request failed with status %s: %s", resp.Status(), resp.String())
			}
			err = fmt.Errorf("status %s", resp.Status())
		} else if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		if retryAfter == 0 {
			retryAfter = time.Duration(math.Pow(2, float64(i))) * c.backoff
		}
		c.logger.Warn("Candle request failed, retrying",
			zap.Int("attempt", i+1),
			zap.Duration("retry_after", retryAfter),
			zap.Error(err))

		select {
		case <-time.After(retryAfter):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return nil, fmt.Errorf("request failed after %d attempts: %w", maxRetries, err)
}
