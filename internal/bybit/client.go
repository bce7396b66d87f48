// Package bybit implements ExchangeClient: a rate-limited, retrying,
// circuit-broken REST client over Bybit v5's public market-data
// endpoints. No authentication is needed for this surface.
package bybit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/billygk/fundingwatch/internal/models"
)

const defaultMaxPages = 50

// Client is the ExchangeClient described in the component table: a
// paginated, rate-limited, retrying, circuit-broken wrapper around
// Bybit's public v5 market-data REST surface.
type Client struct {
	baseURL    string
	httpClient *http.Client

	limiter *slidingWindowLimiter
	breaker *circuitBreaker

	maxAttempts int
	retryBase   time.Duration
	maxPages    int
}

// Option configures a Client at construction time.
type Option func(*Client)

func WithMaxPages(n int) Option {
	return func(c *Client) { c.maxPages = n }
}

// NewClient builds an ExchangeClient. baseURL is the REST origin (e.g.
// "https://api.bybit.com"); the remaining knobs come straight off
// config.Config so callers don't reach into this package's internals.
func NewClient(baseURL string, httpTimeout time.Duration, rateLimitN int, rateLimitWindow time.Duration,
	maxAttempts int, retryBase time.Duration, breakerFailThreshold int, breakerOpenFor time.Duration, opts ...Option) *Client {

	c := &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: httpTimeout,
		},
		limiter:     newSlidingWindowLimiter(rateLimitN, rateLimitWindow),
		breaker:     newCircuitBreaker(breakerFailThreshold, breakerOpenFor),
		maxAttempts: maxAttempts,
		retryBase:   retryBase,
		maxPages:    defaultMaxPages,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Close releases pooled idle connections. Called last in the shutdown
// sequence, after every goroutine that might still be mid-request.
func (c *Client) Close() {
	c.httpClient.CloseIdleConnections()
}

type envelope struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

type listResult struct {
	List           json.RawMessage `json:"list"`
	NextPageCursor string          `json:"nextPageCursor"`
}

// FetchInstruments pages through /v5/market/instruments-info for the
// given category, following nextPageCursor until it's empty or the
// max-page guard trips.
func (c *Client) FetchInstruments(ctx context.Context, category models.Category) ([]models.InstrumentInfo, error) {
	var out []models.InstrumentInfo

	err := c.paginate(ctx, "/v5/market/instruments-info", map[string]string{
		"category": string(category),
		"limit":    "1000",
	}, func(raw json.RawMessage) error {
		var rows []struct {
			Symbol        string `json:"symbol"`
			ContractType  string `json:"contractType"`
			Status        string `json:"status"`
		}
		if err := json.Unmarshal(raw, &rows); err != nil {
			return &MalformedError{Err: err}
		}
		for _, r := range rows {
			out = append(out, models.InstrumentInfo{
				Symbol:       models.Symbol(r.Symbol),
				Category:     category,
				ContractType: r.ContractType,
				Status:       r.Status,
			})
		}
		return nil
	})
	return out, err
}

// FetchTickers pages through /v5/market/tickers for the given category.
func (c *Client) FetchTickers(ctx context.Context, category models.Category) ([]models.TickerRow, error) {
	var out []models.TickerRow

	err := c.paginate(ctx, "/v5/market/tickers", map[string]string{
		"category": string(category),
		"limit":    "1000",
	}, func(raw json.RawMessage) error {
		var rows []struct {
			Symbol          string `json:"symbol"`
			FundingRate     string `json:"fundingRate"`
			Volume24h       string `json:"volume24h"`
			Bid1Price       string `json:"bid1Price"`
			Ask1Price       string `json:"ask1Price"`
			NextFundingTime string `json:"nextFundingTime"`
			MarkPrice       string `json:"markPrice"`
			LastPrice       string `json:"lastPrice"`
		}
		if err := json.Unmarshal(raw, &rows); err != nil {
			return &MalformedError{Err: err}
		}
		for _, r := range rows {
			nft, _ := strconv.ParseInt(r.NextFundingTime, 10, 64)
			out = append(out, models.TickerRow{
				Symbol:          models.Symbol(r.Symbol),
				FundingRate:     parseDecimalOrZero(r.FundingRate),
				Volume24h:       parseDecimalOrZero(r.Volume24h),
				Bid1Price:       parseDecimalOrZero(r.Bid1Price),
				Ask1Price:       parseDecimalOrZero(r.Ask1Price),
				NextFundingTime: nft,
				MarkPrice:       parseDecimalOrZero(r.MarkPrice),
				LastPrice:       parseDecimalOrZero(r.LastPrice),
			})
		}
		return nil
	})
	return out, err
}

// FetchKline fetches a single page of /v5/market/kline — the endpoint
// doesn't paginate for bounded-limit historical windows, so no cursor
// loop is needed here.
func (c *Client) FetchKline(ctx context.Context, category models.Category, symbol models.Symbol, intervalMinutes int, limit int) ([]models.Candle, error) {
	raw, err := c.doRequest(ctx, "/v5/market/kline", map[string]string{
		"category": string(category),
		"symbol":   string(symbol),
		"interval": strconv.Itoa(intervalMinutes),
		"limit":    strconv.Itoa(limit),
	})
	if err != nil {
		return nil, err
	}

	var lr listResult
	if err := json.Unmarshal(raw, &lr); err != nil {
		return nil, &MalformedError{Err: err}
	}

	var rows [][]string
	if err := json.Unmarshal(lr.List, &rows); err != nil {
		return nil, &MalformedError{Err: err}
	}

	out := make([]models.Candle, 0, len(rows))
	for _, r := range rows {
		if len(r) < 6 {
			continue
		}
		startTime, _ := strconv.ParseInt(r[0], 10, 64)
		out = append(out, models.Candle{
			StartTime: startTime,
			Open:      parseDecimalOrZero(r[1]),
			High:      parseDecimalOrZero(r[2]),
			Low:       parseDecimalOrZero(r[3]),
			Close:     parseDecimalOrZero(r[4]),
			Volume:    parseDecimalOrZero(r[5]),
		})
	}
	return out, nil
}

// paginate drives the shared pagination loop: fetch a page, hand its
// result.list to handle, follow nextPageCursor until empty or maxPages
// is hit.
func (c *Client) paginate(ctx context.Context, path string, params map[string]string, handle func(json.RawMessage) error) error {
	cursor := ""
	for page := 0; page < c.maxPages; page++ {
		p := make(map[string]string, len(params)+1)
		for k, v := range params {
			p[k] = v
		}
		if cursor != "" {
			p["cursor"] = cursor
		}

		raw, err := c.doRequest(ctx, path, p)
		if err != nil {
			return err
		}

		var lr listResult
		if err := json.Unmarshal(raw, &lr); err != nil {
			return &MalformedError{Err: err}
		}

		if err := handle(lr.List); err != nil {
			return err
		}

		if lr.NextPageCursor == "" {
			return nil
		}
		cursor = lr.NextPageCursor
	}
	return nil
}

// doRequest performs one rate-limited, retried, circuit-broken HTTP GET
// and returns the envelope's result payload.
func (c *Client) doRequest(ctx context.Context, path string, params map[string]string) (json.RawMessage, error) {
	if !c.breaker.allow() {
		return nil, &ErrBreakerOpen{}
	}

	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		c.limiter.wait()

		result, err := c.attempt(ctx, path, params)
		if err == nil {
			c.breaker.recordSuccess()
			return result, nil
		}

		lastErr = err
		if !retryable(err) || attempt == c.maxAttempts {
			c.breaker.recordFailure()
			return nil, err
		}

		backoff := c.retryBase * time.Duration(1<<(attempt-1))
		jitter := time.Duration(rand.Int63n(int64(250 * time.Millisecond)))
		select {
		case <-time.After(backoff + jitter):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	c.breaker.recordFailure()
	return nil, lastErr
}

func (c *Client) attempt(ctx context.Context, path string, params map[string]string) (json.RawMessage, error) {
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		return nil, &MalformedError{Err: err}
	}
	q := u.Query()
	for k, v := range params {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, &MalformedError{Err: err}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransientNetworkError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransientNetworkError{Err: err}
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, &RateLimitedError{RetCode: resp.StatusCode, Msg: string(body)}
	}
	if resp.StatusCode >= 500 {
		return nil, &ServerError{StatusCode: resp.StatusCode, Msg: string(body)}
	}
	if resp.StatusCode >= 400 {
		return nil, &APIError{RetCode: resp.StatusCode, Msg: string(body)}
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, &MalformedError{Err: err}
	}

	if env.RetCode != 0 {
		if isRateLimitRetCode(env.RetCode) {
			return nil, &RateLimitedError{RetCode: env.RetCode, Msg: env.RetMsg}
		}
		if isDelistRetCode(env.RetCode) {
			return nil, &DelistedError{Symbol: fmt.Sprintf("retCode=%d", env.RetCode)}
		}
		return nil, &APIError{RetCode: env.RetCode, Msg: env.RetMsg}
	}

	return env.Result, nil
}

// isRateLimitRetCode reports whether a Bybit-documented retCode means
// "you've been throttled" rather than "your request was bad".
func isRateLimitRetCode(code int) bool {
	switch code {
	case 10006, 10018:
		return true
	default:
		return false
	}
}

// isDelistRetCode reports whether a retCode means the instrument no
// longer exists or trades.
func isDelistRetCode(code int) bool {
	switch code {
	case 10001, 110025:
		return true
	default:
		return false
	}
}

func parseDecimalOrZero(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
