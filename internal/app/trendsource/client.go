// Package trendsource は上流のトレンド API から地域ごとのランキングを取得します。
package trendsource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"trendsnap_service/internal/app/metrics"
	"trendsnap_service/internal/app/retry"
)

const (
	DefaultBaseURL   = "https://api.twitter.com/2"
	DefaultMaxTrends = 50
	DefaultTimeout   = 30 * time.Second
	DefaultUserAgent = "trendsnap-batch/1.0"

	maxBodyBytes       = 4 << 20
	maxBodyPreviewSize = 200
)

// Trend は上流が返す 1 件のトレンドです。順位は TrendList 内の並び順です。
type Trend struct {
	Name       string `json:"trend_name"`
	TweetCount *int64 `json:"tweet_count"`
}

// TrendList は上流が返した順のトレンド一覧です。
type TrendList []Trend

type trendResponse struct {
	Data *[]Trend `json:"data"`
}

// Config はクライアント設定です。
type Config struct {
	BaseURL   string
	MaxTrends int
	Timeout   time.Duration // 1 試行あたりのタイムアウト
	Retry     retry.Policy
	// RequestsPerMinute が正なら 1 クレデンシャルあたりのリクエスト数を制限します。
	RequestsPerMinute float64
	UserAgent         string
}

// DefaultConfig は既定値の設定を返します。
func DefaultConfig() Config {
	return Config{
		BaseURL:   DefaultBaseURL,
		MaxTrends: DefaultMaxTrends,
		Timeout:   DefaultTimeout,
		Retry:     retry.DefaultPolicy(),
		UserAgent: DefaultUserAgent,
	}
}

// Client はトレンド取得クライアントです。
type Client struct {
	cfg        Config
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
	retryOpts  []retry.Option
}

// Option は Client の設定を変更します。
type Option func(*Client)

// WithHTTPClient は HTTP クライアントを差し替えます。
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithLogger はロガーを指定します。
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithRetryOptions は再試行の挙動 (待機・ジッター) を差し替えます。
func WithRetryOptions(opts ...retry.Option) Option {
	return func(c *Client) { c.retryOpts = append(c.retryOpts, opts...) }
}

// NewClient はクライアントを作ります。ゼロ値の項目は既定値で補います。
func NewClient(cfg Config, opts ...Option) *Client {
	def := DefaultConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	if cfg.MaxTrends <= 0 {
		cfg.MaxTrends = def.MaxTrends
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = def.Retry
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = def.UserAgent
	}

	c := &Client{
		cfg:        cfg,
		httpClient: &http.Client{},
		logger:     slog.Default(),
	}
	if cfg.RequestsPerMinute > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerMinute/60), 1)
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "trendsource")
	return c
}

// FetchTrends は woeid の地域のトレンド一覧を取得します。
// 失敗時は常に *FetchError を返します。
func (c *Client) FetchTrends(ctx context.Context, woeid int64, credential string) (TrendList, error) {
	url := fmt.Sprintf("%s/trends/by/woeid/%d?max_trends=%d", c.cfg.BaseURL, woeid, c.cfg.MaxTrends)
	logger := c.logger.With("woeid", woeid)

	retrier := retry.NewRetrier(c.cfg.Retry, isRetryable, logger, c.retryOpts...)

	var trends TrendList
	err := retrier.Do(ctx, func(ctx context.Context, attempt int) error {
		list, err := c.attempt(ctx, url, credential, logger.With("attempt", attempt))
		if err != nil {
			return err
		}
		trends = list
		return nil
	})
	if err == nil {
		logger.Debug("fetched trends", "count", len(trends))
		return trends, nil
	}

	var exhausted *retry.ExhaustedError
	if errors.As(err, &exhausted) {
		fe := &FetchError{
			Kind:    KindExhausted,
			Code:    CodeRetryExhausted,
			Message: fmt.Sprintf("gave up after %d attempts", exhausted.Attempts),
			Err:     exhausted.Last,
		}
		var last *FetchError
		if errors.As(exhausted.Last, &last) {
			fe.StatusCode = last.StatusCode
			fe.Message = fmt.Sprintf("%s; last error: %s", fe.Message, last.Message)
		}
		return nil, fe
	}

	var fe *FetchError
	if errors.As(err, &fe) {
		return nil, fe
	}
	// 待機中のキャンセル
	return nil, &FetchError{Kind: KindCanceled, Code: CodeCanceled, Message: err.Error(), Err: err}
}

// attempt は 1 回分のリクエストです。タイムアウト用の context はこの関数内で必ず解放します。
func (c *Client) attempt(ctx context.Context, url, credential string, logger *slog.Logger) (TrendList, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, &FetchError{Kind: KindCanceled, Code: CodeCanceled, Message: "rate limiter wait aborted", Err: err}
		}
	}

	attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, &FetchError{Kind: KindClient, Code: CodeTransport, Message: "build request", Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+credential)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.cfg.UserAgent)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, c.transportError(ctx, err, start, logger)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			logger.Debug("failed to close response body", "error", cerr)
		}
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, c.transportError(ctx, err, start, logger)
	}
	elapsed := time.Since(start).Seconds()

	switch status := resp.StatusCode; {
	case status >= 200 && status < 300:
		var parsed trendResponse
		if err := json.Unmarshal(body, &parsed); err != nil || parsed.Data == nil {
			metrics.RecordFetchAttempt(KindInvalid.String(), elapsed)
			msg := "response data is not an array"
			if err != nil {
				msg = "decode response: " + err.Error()
			}
			return nil, &FetchError{Kind: KindInvalid, StatusCode: status, Code: CodeInvalidResponse, Message: msg, Err: err}
		}
		metrics.RecordFetchAttempt("success", elapsed)
		return TrendList(*parsed.Data), nil

	case status == http.StatusUnauthorized:
		metrics.RecordFetchAttempt(KindFatal.String(), elapsed)
		logger.Error("upstream rejected credential", "status_code", status)
		return nil, statusError(KindFatal, status, "Unauthorized - check bearer token")

	case status == http.StatusForbidden:
		metrics.RecordFetchAttempt(KindFatal.String(), elapsed)
		logger.Error("upstream denied access", "status_code", status)
		return nil, statusError(KindFatal, status, "Forbidden - API access not permitted")

	case status == http.StatusTooManyRequests || status >= 500:
		metrics.RecordFetchAttempt(KindRetryable.String(), elapsed)
		preview := truncateBodyPreview(string(body))
		logger.Warn("received retryable status", "status_code", status, "response_body", preview)
		return nil, statusError(KindRetryable, status, fmt.Sprintf("HTTP %d: %s", status, preview))

	default:
		metrics.RecordFetchAttempt(KindClient.String(), elapsed)
		preview := truncateBodyPreview(string(body))
		logger.Warn("received client error", "status_code", status, "response_body", preview)
		return nil, statusError(KindClient, status, preview)
	}
}

func (c *Client) transportError(ctx context.Context, err error, start time.Time, logger *slog.Logger) *FetchError {
	elapsed := time.Since(start).Seconds()
	if ctx.Err() != nil {
		metrics.RecordFetchAttempt(KindCanceled.String(), elapsed)
		return &FetchError{Kind: KindCanceled, Code: CodeCanceled, Message: ctx.Err().Error(), Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		metrics.RecordFetchAttempt("timeout", elapsed)
		logger.Warn("request timed out", "timeout", c.cfg.Timeout)
		return &FetchError{Kind: KindRetryable, Code: CodeTimeout, Message: "request timeout", Err: err}
	}
	metrics.RecordFetchAttempt("transport_error", elapsed)
	logger.Warn("HTTP request failed", "error", err)
	return &FetchError{Kind: KindRetryable, Code: CodeTransport, Message: err.Error(), Err: err}
}

func isRetryable(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe) && fe.Retryable()
}

func truncateBodyPreview(body string) string {
	if len(body) > maxBodyPreviewSize {
		return body[:maxBodyPreviewSize] + "... (truncated)"
	}
	return body
}
