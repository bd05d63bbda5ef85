// Package handler はトレンド取り込みのトリガーと読み出し API の HTTP ハンドラです。
package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/patrickmn/go-cache"

	"trendsnap_service/internal/app/ingest"
	"trendsnap_service/internal/app/model"
	"trendsnap_service/internal/app/signal"
)

// Ingester は取り込みを 1 回実行します。
type Ingester interface {
	Run(ctx context.Context, credential string) *ingest.Result
}

// Reader は読み出し API が使うシグナルエンジンの操作です。
type Reader interface {
	Places(ctx context.Context) ([]model.Place, error)
	ResolveBySlug(ctx context.Context, slug string, offsets []int) (*signal.PlaceView, error)
	Term(ctx context.Context, termID int64) (*model.Term, error)
	TermHistory(ctx context.Context, termID int64, hours int) (*signal.TermHistory, error)
}

const (
	rangeDay  = 24
	rangeWeek = 24 * 7
)

// Handler は HTTP ハンドラをまとめたものです。
type Handler struct {
	ingester   Ingester
	credential string
	reader     Reader
	cache      *cache.Cache
	logger     *slog.Logger
}

// Config は Handler の設定です。
type Config struct {
	Credential string
	// CacheTTL は読み出し API のレスポンスを保持する時間です。0 ならキャッシュしません。
	CacheTTL time.Duration
	Logger   *slog.Logger
}

// New は Handler を作ります。
func New(ingester Ingester, reader Reader, cfg Config) *Handler {
	h := &Handler{
		ingester:   ingester,
		credential: cfg.Credential,
		reader:     reader,
		logger:     cfg.Logger,
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	h.logger = h.logger.With("component", "handler")
	if cfg.CacheTTL > 0 {
		h.cache = cache.New(cfg.CacheTTL, 2*cfg.CacheTTL)
	}
	return h
}

// Register はルートを登録します。
func (h *Handler) Register(e *echo.Echo) {
	e.GET("/health", h.Health)
	e.POST("/ingest", h.Ingest)

	api := e.Group("/api")
	api.GET("/places", h.Places)
	api.GET("/places/:slug/trends", h.PlaceTrends)
	api.GET("/terms/:termKey", h.Term)
	api.GET("/terms/:termKey/history", h.TermHistory)
}

// Health は /health を処理します。
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// Ingest は取り込みを 1 回実行し、結果を返します。失敗したら 500 です。
// 呼び出し元が切断しても取り込みは最後まで行います。
func (h *Handler) Ingest(c echo.Context) error {
	h.logger.Info("received ingest request")
	result := h.ingester.Run(context.WithoutCancel(c.Request().Context()), h.credential)

	status := http.StatusOK
	if result.Failed() {
		status = http.StatusInternalServerError
	} else if h.cache != nil {
		// 新しい取得時刻が入ったので読み出しキャッシュを捨てる
		h.cache.Flush()
	}
	return c.JSON(status, result)
}

// Places は有効な地域一覧を返します。
func (h *Handler) Places(c echo.Context) error {
	return h.cached(c, func(ctx context.Context) (any, error) {
		places, err := h.reader.Places(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{"places": places}, nil
	})
}

// PlaceTrends は地域のオフセットごとのランキングを返します。
func (h *Handler) PlaceTrends(c echo.Context) error {
	offsets, err := parseOffsets(c.QueryParam("offsets"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	slug := c.Param("slug")
	return h.cached(c, func(ctx context.Context) (any, error) {
		return h.reader.ResolveBySlug(ctx, slug, offsets)
	})
}

// Term は語を返します。
func (h *Handler) Term(c echo.Context) error {
	termID, err := parseTermKey(c.Param("termKey"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return h.cached(c, func(ctx context.Context) (any, error) {
		return h.reader.Term(ctx, termID)
	})
}

// TermHistory は語の順位推移を返します。range は 24h か 7d です。
func (h *Handler) TermHistory(c echo.Context) error {
	termID, err := parseTermKey(c.Param("termKey"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	hours := rangeDay
	if c.QueryParam("range") == "7d" {
		hours = rangeWeek
	}
	return h.cached(c, func(ctx context.Context) (any, error) {
		return h.reader.TermHistory(ctx, termID, hours)
	})
}

// cached はリクエスト URI をキーにレスポンスを保持します。エラーは保持しません。
func (h *Handler) cached(c echo.Context, load func(ctx context.Context) (any, error)) error {
	key := c.Request().URL.RequestURI()
	if h.cache != nil {
		if body, ok := h.cache.Get(key); ok {
			c.Response().Header().Set("X-Cache", "HIT")
			return c.JSON(http.StatusOK, body)
		}
	}

	body, err := load(c.Request().Context())
	if err != nil {
		return h.mapError(err)
	}
	if h.cache != nil {
		h.cache.SetDefault(key, body)
		c.Response().Header().Set("X-Cache", "MISS")
	}
	return c.JSON(http.StatusOK, body)
}

func (h *Handler) mapError(err error) *echo.HTTPError {
	switch {
	case errors.Is(err, model.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "not found")
	case errors.Is(err, signal.ErrInvalidOffset), errors.Is(err, signal.ErrInvalidRange):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, context.Canceled):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "request canceled")
	default:
		h.logger.Error("read api failed", "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
}

// parseOffsets は "0,1,3" 形式を読みます。空なら nil を返し、エンジン側で {0} になります。
func parseOffsets(raw string) ([]int, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, errors.New("offsets must be a comma separated list of hours")
		}
		out = append(out, n)
	}
	return out, nil
}

// parseTermKey は "t-<id>" から語 ID を取り出します。
func parseTermKey(key string) (int64, error) {
	rest, ok := strings.CutPrefix(key, "t-")
	if !ok || rest == "" || strings.TrimLeft(rest, "0123456789") != "" {
		return 0, errors.New("invalid term key")
	}
	id, err := strconv.ParseInt(rest, 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New("invalid term key")
	}
	return id, nil
}
