// Package notify は取り込み完了イベントを Redis Streams に発行します。
// 表示側はこのイベントを受けてキャッシュを再検証します。
package notify

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultStream はイベントを書き込むストリーム名です。
const DefaultStream = "trendsnap:ingest"

// defaultMaxLen はストリームに保持するおおよその最大件数です。
const defaultMaxLen = 1000

// RunEvent は取り込み完了イベントです。
type RunEvent struct {
	RunID           string
	Status          string
	CapturedAt      time.Time
	FinishedAt      time.Time
	PlacesSucceeded int
	PlacesFailed    int
	ErrorSummary    string
}

// Publisher は取り込み完了イベントの発行先です。
type Publisher interface {
	PublishRunFinished(ctx context.Context, ev RunEvent) (string, error)
	Close() error
}

// Nop は何もしない Publisher です。REDIS_URL 未設定時に使います。
type Nop struct{}

// PublishRunFinished は何もせず空の ID を返します。
func (Nop) PublishRunFinished(context.Context, RunEvent) (string, error) {
	return "", nil
}

// Close は何もしません。
func (Nop) Close() error {
	return nil
}

// RedisPublisher は Redis Streams に XADD する Publisher です。
type RedisPublisher struct {
	client *redis.Client
	stream string
	maxLen int64
}

// NewRedisPublisher は Redis URL から Publisher を作ります。stream が空なら DefaultStream です。
func NewRedisPublisher(url, stream string) (*RedisPublisher, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return NewRedisPublisherWithClient(redis.NewClient(opts), stream), nil
}

// NewRedisPublisherWithClient は既存のクライアントから Publisher を作ります。
func NewRedisPublisherWithClient(client *redis.Client, stream string) *RedisPublisher {
	if stream == "" {
		stream = DefaultStream
	}
	return &RedisPublisher{client: client, stream: stream, maxLen: defaultMaxLen}
}

// Ping は Redis への接続を確認します。
func (p *RedisPublisher) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

// PublishRunFinished はイベントを発行し、メッセージ ID を返します。
func (p *RedisPublisher) PublishRunFinished(ctx context.Context, ev RunEvent) (string, error) {
	if ev.RunID == "" {
		return "", errors.New("run id is empty")
	}
	id, err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: p.maxLen,
		Approx: true,
		Values: eventToValues(ev),
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", p.stream, err)
	}
	return id, nil
}

// Close は Redis 接続を閉じます。
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}

func eventToValues(ev RunEvent) map[string]any {
	values := map[string]any{
		"event_type":       "ingest.run_finished",
		"run_id":           ev.RunID,
		"status":           ev.Status,
		"captured_at":      ev.CapturedAt.UTC().Format(time.RFC3339),
		"finished_at":      ev.FinishedAt.UTC().Format(time.RFC3339),
		"places_succeeded": strconv.Itoa(ev.PlacesSucceeded),
		"places_failed":    strconv.Itoa(ev.PlacesFailed),
	}
	if ev.ErrorSummary != "" {
		values["error_summary"] = ev.ErrorSummary
	}
	return values
}
