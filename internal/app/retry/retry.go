// Package retry は指数バックオフ + ジッター付きの再試行を提供します。
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"
)

// ErrExhausted は最大試行回数に達したことを表します。errors.Is で判定できます。
var ErrExhausted = errors.New("retries exhausted")

// Policy は再試行の設定です。
type Policy struct {
	MaxAttempts int           // 初回を含む総試行回数
	BaseDelay   time.Duration // 1 回目の待機時間
	Multiplier  float64       // 待機時間の倍率
	MaxJitter   time.Duration // 待機時間に加える乱数 [0, MaxJitter)
}

// DefaultPolicy は 3 回試行、1s から倍々、ジッター 0〜500ms です。
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		Multiplier:  2,
		MaxJitter:   500 * time.Millisecond,
	}
}

// Delay は attempt 回目の失敗後に待つ時間 (ジッター抜き) です。attempt は 1 始まり。
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := p.Multiplier
	if mult <= 0 {
		mult = 1
	}
	return time.Duration(float64(p.BaseDelay) * math.Pow(mult, float64(attempt-1)))
}

// Classifier は err が再試行可能なら true を返します。
type Classifier func(error) bool

// ExhaustedError は全試行が失敗したときのエラーで、最後のエラーを保持します。
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retries exhausted after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() []error { return []error{ErrExhausted, e.Last} }

// Retrier は Policy に従って操作を再試行します。
type Retrier struct {
	policy      Policy
	isRetryable Classifier
	logger      *slog.Logger
	jitter      func(max time.Duration) time.Duration
	sleep       func(ctx context.Context, d time.Duration) error
}

// Option は Retrier の設定を変更します。
type Option func(*Retrier)

// WithJitter はジッター生成関数を差し替えます (テスト用)。
func WithJitter(fn func(max time.Duration) time.Duration) Option {
	return func(r *Retrier) { r.jitter = fn }
}

// WithSleep は待機関数を差し替えます (テスト用)。
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(r *Retrier) { r.sleep = fn }
}

// NewRetrier は Retrier を作ります。classifier が nil の場合、全てのエラーを再試行します。
func NewRetrier(policy Policy, classifier Classifier, logger *slog.Logger, opts ...Option) *Retrier {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	if classifier == nil {
		classifier = func(error) bool { return true }
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &Retrier{
		policy:      policy,
		isRetryable: classifier,
		logger:      logger,
		jitter:      randomJitter,
		sleep:       SleepContext,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Policy は設定を返します。
func (r *Retrier) Policy() Policy { return r.policy }

// Do は op を成功するまで最大 MaxAttempts 回実行します。
// 再試行不可のエラーはそのまま返し、試行回数を使い切った場合は *ExhaustedError を返します。
func (r *Retrier) Do(ctx context.Context, op func(ctx context.Context, attempt int) error) error {
	var lastErr error

	for attempt := 1; attempt <= r.policy.MaxAttempts; attempt++ {
		lastErr = op(ctx, attempt)
		if lastErr == nil {
			if attempt > 1 {
				r.logger.Info("operation succeeded after retry", "attempt", attempt)
			}
			return nil
		}

		if !r.isRetryable(lastErr) {
			return lastErr
		}
		if attempt == r.policy.MaxAttempts {
			break
		}

		delay := r.policy.Delay(attempt) + r.jitter(r.policy.MaxJitter)
		r.logger.Warn("retry backoff wait",
			"attempt", attempt,
			"max_attempts", r.policy.MaxAttempts,
			"retry_delay_ms", delay.Milliseconds(),
			"error", lastErr)

		if err := r.sleep(ctx, delay); err != nil {
			return fmt.Errorf("retry cancelled: %w", err)
		}
	}

	return &ExhaustedError{Attempts: r.policy.MaxAttempts, Last: lastErr}
}

func randomJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(max)))
}

// SleepContext は d だけ待機します。ctx が先に終わればその理由を返します。
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
