package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trendsnap_service/internal/app/retry"
)

// unreachableDSN は接続が即座に拒否されるアドレスです。
const unreachableDSN = "postgres://u:p@127.0.0.1:1/trends?sslmode=disable&connect_timeout=1"

func TestConnectDatabase_EmptyURL(t *testing.T) {
	_, err := ConnectDatabase(context.Background(), "", Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL")
}

func TestConnectWithRetry_GivesUpAfterMaxRetries(t *testing.T) {
	var waits []time.Duration
	opts := Options{
		MaxRetries:    3,
		RetryInterval: 2 * time.Second,
		sleep: func(_ context.Context, d time.Duration) error {
			waits = append(waits, d)
			return nil
		},
	}

	_, err := connectWithRetry(context.Background(), "postgres", unreachableDSN, opts)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 3 retries")
	assert.Equal(t, []time.Duration{2 * time.Second, 2 * time.Second, 2 * time.Second}, waits)
}

func TestConnectWithRetry_UnknownDriver(t *testing.T) {
	calls := 0
	opts := Options{
		MaxRetries: 2,
		sleep: func(context.Context, time.Duration) error {
			calls++
			return nil
		},
	}

	_, err := connectWithRetry(context.Background(), "nodriver", "x", opts)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown driver")
	assert.Equal(t, 2, calls)
}

func TestConnectWithRetry_StopsOnCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	opts := Options{
		MaxRetries:    5,
		RetryInterval: time.Second,
		sleep: func(ctx context.Context, d time.Duration) error {
			cancel()
			return retry.SleepContext(ctx, d)
		},
	}

	_, err := connectWithRetry(ctx, "nodriver", "x", opts)
	assert.True(t, errors.Is(err, context.Canceled), "got %v", err)
}
