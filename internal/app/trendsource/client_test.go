package trendsource

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"trendsnap_service/internal/app/retry"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const (
	testBaseURL = "https://api.trends.test/2"
	tokyoURL    = testBaseURL + "/trends/by/woeid/1118370"
	testToken   = "test-bearer"
)

// newTestClient は httpmock を有効にした HTTP クライアントでクライアントを作ります。
// 待機時間は記録だけして実際には待ちません。
func newTestClient(t *testing.T, mutate func(*Config)) (*Client, *[]time.Duration) {
	t.Helper()

	hc := &http.Client{}
	httpmock.ActivateNonDefault(hc)
	t.Cleanup(httpmock.DeactivateAndReset)

	cfg := DefaultConfig()
	cfg.BaseURL = testBaseURL
	if mutate != nil {
		mutate(&cfg)
	}

	waits := &[]time.Duration{}
	c := NewClient(cfg,
		WithHTTPClient(hc),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithRetryOptions(retry.WithSleep(func(ctx context.Context, d time.Duration) error {
			*waits = append(*waits, d)
			return ctx.Err()
		})),
	)
	return c, waits
}

// sequenceResponder は呼び出しごとに responses を順に返します。
func sequenceResponder(calls *int32, responses ...httpmock.Responder) httpmock.Responder {
	return func(req *http.Request) (*http.Response, error) {
		n := atomic.AddInt32(calls, 1)
		idx := int(n) - 1
		if idx >= len(responses) {
			idx = len(responses) - 1
		}
		return responses[idx](req)
	}
}

const successBody = `{"data":[
	{"trend_name":"#ＡＩ","tweet_count":12000},
	{"trend_name":"Tokyo","tweet_count":null},
	{"trend_name":"ramen"}
]}`

func TestFetchTrends_Success(t *testing.T) {
	c, waits := newTestClient(t, nil)

	httpmock.RegisterResponder(http.MethodGet, tokyoURL, func(req *http.Request) (*http.Response, error) {
		assert.Equal(t, "Bearer "+testToken, req.Header.Get("Authorization"))
		assert.Equal(t, "application/json", req.Header.Get("Accept"))
		assert.Equal(t, "50", req.URL.Query().Get("max_trends"))
		return httpmock.NewStringResponse(http.StatusOK, successBody), nil
	})

	trends, err := c.FetchTrends(context.Background(), 1118370, testToken)

	require.NoError(t, err)
	require.Len(t, trends, 3)
	assert.Equal(t, "#ＡＩ", trends[0].Name)
	require.NotNil(t, trends[0].TweetCount)
	assert.Equal(t, int64(12000), *trends[0].TweetCount)
	assert.Equal(t, "Tokyo", trends[1].Name)
	assert.Nil(t, trends[1].TweetCount)
	assert.Equal(t, "ramen", trends[2].Name)
	assert.Empty(t, *waits)
}

func TestFetchTrends_EmptyList(t *testing.T) {
	c, _ := newTestClient(t, nil)
	httpmock.RegisterResponder(http.MethodGet, tokyoURL, httpmock.NewStringResponder(http.StatusOK, `{"data":[]}`))

	trends, err := c.FetchTrends(context.Background(), 1118370, testToken)

	require.NoError(t, err)
	assert.Empty(t, trends)
}

func TestFetchTrends_RetriesServerErrorThenSucceeds(t *testing.T) {
	c, waits := newTestClient(t, nil)

	var calls int32
	httpmock.RegisterResponder(http.MethodGet, tokyoURL, sequenceResponder(&calls,
		httpmock.NewStringResponder(http.StatusInternalServerError, "boom"),
		httpmock.NewStringResponder(http.StatusInternalServerError, "boom"),
		httpmock.NewStringResponder(http.StatusOK, successBody),
	))

	trends, err := c.FetchTrends(context.Background(), 1118370, testToken)

	require.NoError(t, err)
	assert.Len(t, trends, 3)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	require.Len(t, *waits, 2)
	// 1s + [0,500ms), 2s + [0,500ms)
	assert.GreaterOrEqual(t, (*waits)[0], time.Second)
	assert.Less(t, (*waits)[0], 1500*time.Millisecond)
	assert.GreaterOrEqual(t, (*waits)[1], 2*time.Second)
	assert.Less(t, (*waits)[1], 2500*time.Millisecond)
}

func TestFetchTrends_FatalStatusNeverRetries(t *testing.T) {
	for _, status := range []int{http.StatusUnauthorized, http.StatusForbidden} {
		t.Run(http.StatusText(status), func(t *testing.T) {
			c, waits := newTestClient(t, nil)

			var calls int32
			httpmock.RegisterResponder(http.MethodGet, tokyoURL, sequenceResponder(&calls,
				httpmock.NewStringResponder(status, `{"title":"Unauthorized"}`),
			))

			trends, err := c.FetchTrends(context.Background(), 1118370, testToken)

			require.Error(t, err)
			assert.Nil(t, trends)
			var fe *FetchError
			require.ErrorAs(t, err, &fe)
			assert.True(t, fe.Fatal())
			assert.Equal(t, KindFatal, fe.Kind)
			assert.Equal(t, status, fe.StatusCode)
			assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
			assert.Empty(t, *waits)
		})
	}
}

func TestFetchTrends_ClientErrorNotRetried(t *testing.T) {
	c, _ := newTestClient(t, nil)

	var calls int32
	httpmock.RegisterResponder(http.MethodGet, tokyoURL, sequenceResponder(&calls,
		httpmock.NewStringResponder(http.StatusNotFound, "unknown woeid"),
	))

	_, err := c.FetchTrends(context.Background(), 1118370, testToken)

	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, KindClient, fe.Kind)
	assert.False(t, fe.Fatal())
	assert.Equal(t, "404", fe.Code)
	assert.Equal(t, "unknown woeid", fe.Message)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestFetchTrends_RateLimitedUntilExhausted(t *testing.T) {
	c, waits := newTestClient(t, nil)

	var calls int32
	httpmock.RegisterResponder(http.MethodGet, tokyoURL, sequenceResponder(&calls,
		httpmock.NewStringResponder(http.StatusTooManyRequests, "slow down"),
	))

	_, err := c.FetchTrends(context.Background(), 1118370, testToken)

	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, KindExhausted, fe.Kind)
	assert.Equal(t, CodeRetryExhausted, fe.Code)
	assert.Equal(t, http.StatusTooManyRequests, fe.StatusCode)
	assert.Contains(t, fe.Message, "slow down")
	assert.False(t, fe.Fatal())
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	assert.Len(t, *waits, 2)

	var last *FetchError
	require.ErrorAs(t, fe.Err, &last)
	assert.Equal(t, KindRetryable, last.Kind)
}

func TestFetchTrends_TransportErrorIsRetried(t *testing.T) {
	c, _ := newTestClient(t, nil)

	var calls int32
	httpmock.RegisterResponder(http.MethodGet, tokyoURL, sequenceResponder(&calls,
		httpmock.NewErrorResponder(errors.New("connection reset by peer")),
		httpmock.NewStringResponder(http.StatusOK, `{"data":[{"trend_name":"a"}]}`),
	))

	trends, err := c.FetchTrends(context.Background(), 1118370, testToken)

	require.NoError(t, err)
	assert.Len(t, trends, 1)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestFetchTrends_PerAttemptTimeout(t *testing.T) {
	c, _ := newTestClient(t, func(cfg *Config) {
		cfg.Timeout = 20 * time.Millisecond
	})

	var calls int32
	httpmock.RegisterResponder(http.MethodGet, tokyoURL, func(req *http.Request) (*http.Response, error) {
		atomic.AddInt32(&calls, 1)
		<-req.Context().Done()
		return nil, req.Context().Err()
	})

	_, err := c.FetchTrends(context.Background(), 1118370, testToken)

	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, KindExhausted, fe.Kind)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))

	var last *FetchError
	require.ErrorAs(t, fe.Err, &last)
	assert.Equal(t, CodeTimeout, last.Code)
}

func TestFetchTrends_InvalidPayload(t *testing.T) {
	bodies := map[string]string{
		"not json":     "<html>maintenance</html>",
		"missing data": `{"errors":[{"message":"oops"}]}`,
		"data object":  `{"data":{"trend_name":"x"}}`,
	}
	for name, body := range bodies {
		t.Run(name, func(t *testing.T) {
			c, waits := newTestClient(t, nil)

			var calls int32
			httpmock.RegisterResponder(http.MethodGet, tokyoURL, sequenceResponder(&calls,
				httpmock.NewStringResponder(http.StatusOK, body),
			))

			_, err := c.FetchTrends(context.Background(), 1118370, testToken)

			var fe *FetchError
			require.ErrorAs(t, err, &fe)
			assert.Equal(t, KindInvalid, fe.Kind)
			assert.Equal(t, CodeInvalidResponse, fe.Code)
			assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
			assert.Empty(t, *waits)
		})
	}
}

func TestFetchTrends_CanceledContext(t *testing.T) {
	c, _ := newTestClient(t, nil)
	httpmock.RegisterResponder(http.MethodGet, tokyoURL, httpmock.NewStringResponder(http.StatusOK, successBody))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.FetchTrends(ctx, 1118370, testToken)

	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, KindCanceled, fe.Kind)
	assert.False(t, fe.Fatal())
}

func TestNewClient_Defaults(t *testing.T) {
	c := NewClient(Config{})
	assert.Equal(t, DefaultBaseURL, c.cfg.BaseURL)
	assert.Equal(t, DefaultMaxTrends, c.cfg.MaxTrends)
	assert.Equal(t, DefaultTimeout, c.cfg.Timeout)
	assert.Equal(t, 3, c.cfg.Retry.MaxAttempts)
	assert.Nil(t, c.limiter)

	limited := NewClient(Config{RequestsPerMinute: 60})
	require.NotNil(t, limited.limiter)
}
