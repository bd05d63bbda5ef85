// Package ingest は全地域のトレンドを取得し、時刻単位のスナップショットとして保存します。
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"trendsnap_service/internal/app/metrics"
	"trendsnap_service/internal/app/model"
	"trendsnap_service/internal/app/normalize"
	"trendsnap_service/internal/app/notify"
	"trendsnap_service/internal/app/trendsource"
)

// MaxTrendsPerPlace は 1 地域あたりに保存する最大件数です。
const MaxTrendsPerPlace = 50

// Store は取り込みが使う書き込み側のストアです。
type Store interface {
	ActivePlaces(ctx context.Context) ([]model.Place, error)
	CreateRun(ctx context.Context, capturedAt time.Time) (string, error)
	FinalizeRun(ctx context.Context, runID string, status model.RunStatus, summary string) error
	RecordPlaceOutcome(ctx context.Context, outcome model.IngestRunPlace) error
	FindOrCreateTerm(ctx context.Context, text, normalizedKey string) (int64, error)
	UpsertSnapshot(ctx context.Context, snap model.TrendSnapshot) error
}

// Fetcher は地域のトレンド一覧を取得します。
type Fetcher interface {
	FetchTrends(ctx context.Context, woeid int64, credential string) (trendsource.TrendList, error)
}

// Orchestrator は取り込み 1 回分の処理を行います。
type Orchestrator struct {
	store     Store
	fetcher   Fetcher
	publisher notify.Publisher
	logger    *slog.Logger
	now       func() time.Time
	maxTrends int
}

// Option は Orchestrator の設定を変更します。
type Option func(*Orchestrator)

// WithClock は現在時刻の取得関数を差し替えます。
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithLogger はロガーを指定します。
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithPublisher は完了イベントの発行先を指定します。
func WithPublisher(p notify.Publisher) Option {
	return func(o *Orchestrator) { o.publisher = p }
}

// WithMaxTrends は 1 地域あたりの保存件数の上限を変えます。
func WithMaxTrends(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxTrends = n
		}
	}
}

// NewOrchestrator は Orchestrator を作ります。
func NewOrchestrator(store Store, fetcher Fetcher, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:     store,
		fetcher:   fetcher,
		publisher: notify.Nop{},
		logger:    slog.Default(),
		now:       time.Now,
		maxTrends: MaxTrendsPerPlace,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With("component", "ingest")
	return o
}

// runState は 1 回の実行中に積み上がる状態です。
type runState struct {
	results    []PlaceResult
	errors     []string
	fatal      bool
	unexpected bool
}

func (st *runState) addError(format string, args ...any) {
	st.errors = append(st.errors, fmt.Sprintf(format, args...))
}

// Run は有効な全地域を順に取り込みます。実行記録は必ず一度だけ確定されます。
func (o *Orchestrator) Run(ctx context.Context, credential string) (result *Result) {
	started := time.Now()
	capturedAt := o.now().UTC().Truncate(time.Hour)
	logger := o.logger.With("captured_at", capturedAt.Format(time.RFC3339))

	runID, err := o.store.CreateRun(ctx, capturedAt)
	if err != nil {
		logger.Error("failed to create ingest run", "error", err)
		res := &Result{
			CapturedAt:   capturedAt,
			Status:       model.RunStatusFailed,
			ErrorSummary: fmt.Sprintf("Unexpected error: %v", err),
		}
		metrics.RecordRun(string(res.Status), time.Since(started).Seconds())
		return res
	}
	logger = logger.With("run_id", runID)
	logger.Info("ingest run started")

	st := &runState{}
	result = &Result{RunID: runID, CapturedAt: capturedAt}

	defer func() {
		if r := recover(); r != nil {
			st.unexpected = true
			st.addError("Unexpected error: %v", r)
			logger.Error("panic during ingest", "panic", r)
		}
		o.finalize(ctx, logger, result, st, started)
	}()

	places, err := o.store.ActivePlaces(ctx)
	if err != nil {
		st.unexpected = true
		st.addError("Unexpected error: %v", err)
		logger.Error("failed to load places", "error", err)
		return result
	}
	if len(places) == 0 {
		st.addError("No active places configured")
		logger.Warn("no active places configured")
		return result
	}
	logger.Info("processing places", "count", len(places))

	for _, place := range places {
		if err := ctx.Err(); err != nil {
			st.unexpected = true
			st.addError("Unexpected error: %v", err)
			logger.Warn("ingest canceled", "error", err)
			break
		}

		pr, fetchErr := o.processPlace(ctx, logger, runID, credential, capturedAt, place)
		o.recordOutcome(ctx, logger, runID, place, &pr)
		st.results = append(st.results, pr)

		if pr.Succeeded() {
			continue
		}
		st.addError("%s: %s", place.NameJa, pr.ErrorMessage)

		var fe *trendsource.FetchError
		if !errors.As(fetchErr, &fe) {
			continue
		}
		if fe.Fatal() {
			logger.Error("fatal upstream error, stopping run", "woeid", place.WOEID, "error_code", fe.Code)
			st.fatal = true
			break
		}
		if fe.Kind == trendsource.KindCanceled {
			st.unexpected = true
			break
		}
		// 壊れたレスポンスは想定外として実行を失敗にするが、残りの地域は続ける
		if fe.Kind == trendsource.KindInvalid {
			st.unexpected = true
		}
	}
	return result
}

// processPlace は 1 地域を取得して保存します。取得エラーは第 2 戻り値で返します。
func (o *Orchestrator) processPlace(ctx context.Context, logger *slog.Logger, runID, credential string, capturedAt time.Time, place model.Place) (PlaceResult, error) {
	pr := PlaceResult{WOEID: place.WOEID, Slug: place.Slug, Status: model.PlaceStatusFailed}
	logger = logger.With("woeid", place.WOEID, "place", place.Slug)

	trends, err := o.fetcher.FetchTrends(ctx, place.WOEID, credential)
	if err != nil {
		pr.ErrorCode, pr.ErrorMessage = classifyFetchError(err)
		logger.Warn("failed to fetch trends", "error_code", pr.ErrorCode, "error", err)
		return pr, err
	}

	unique := dedupTrends(trends)
	if dropped := len(trends) - len(unique); dropped > 0 {
		logger.Info("removed duplicate trends", "count", dropped)
	}
	if len(unique) > o.maxTrends {
		unique = unique[:o.maxTrends]
	}

	written := 0
	var lastErr error
	for i, trend := range unique {
		position := i + 1
		if err := o.writeTrend(ctx, runID, capturedAt, place.WOEID, position, trend); err != nil {
			logger.Error("failed to write trend", "position", position, "error", err)
			lastErr = err
			continue
		}
		written++
	}

	pr.TrendCount = &written
	if written == len(unique) {
		pr.Status = model.PlaceStatusSucceeded
		logger.Info("place ingested", "trend_count", written)
		return pr, nil
	}
	pr.ErrorCode = CodePartialWrite
	pr.ErrorMessage = fmt.Sprintf("Only %d/%d trends written. Last error: %v", written, len(unique), lastErr)
	return pr, nil
}

func (o *Orchestrator) writeTrend(ctx context.Context, runID string, capturedAt time.Time, woeid int64, position int, trend trendsource.Trend) error {
	termID, err := o.store.FindOrCreateTerm(ctx, trend.Name, normalize.Term(trend.Name))
	if err != nil {
		return fmt.Errorf("find or create term: %w", err)
	}
	return o.store.UpsertSnapshot(ctx, model.TrendSnapshot{
		RunID:      runID,
		CapturedAt: capturedAt,
		WOEID:      woeid,
		Position:   position,
		TermID:     termID,
		TweetCount: trend.TweetCount,
		RawName:    trend.Name,
	})
}

// recordOutcome は地域結果を保存します。保存に失敗した地域は失敗扱いにします。
func (o *Orchestrator) recordOutcome(ctx context.Context, logger *slog.Logger, runID string, place model.Place, pr *PlaceResult) {
	err := o.store.RecordPlaceOutcome(ctx, model.IngestRunPlace{
		RunID:        runID,
		WOEID:        place.WOEID,
		Status:       pr.Status,
		ErrorCode:    optional(pr.ErrorCode),
		ErrorMessage: optional(pr.ErrorMessage),
		TrendCount:   pr.TrendCount,
	})
	if err == nil {
		return
	}
	logger.Error("failed to record place result", "woeid", place.WOEID, "error", err)
	pr.Status = model.PlaceStatusFailed
	if pr.ErrorCode == "" {
		pr.ErrorCode = CodeRecordFailed
	}
	if pr.ErrorMessage == "" {
		pr.ErrorMessage = fmt.Sprintf("Record failed: %v", err)
	} else {
		pr.ErrorMessage = fmt.Sprintf("%s; Record failed: %v", pr.ErrorMessage, err)
	}
}

// finalize は状態を決めて実行記録を確定し、完了イベントとメトリクスを出します。
func (o *Orchestrator) finalize(ctx context.Context, logger *slog.Logger, result *Result, st *runState, started time.Time) {
	result.PlaceResults = st.results
	if result.PlaceResults == nil {
		result.PlaceResults = []PlaceResult{}
	}
	result.Status = decideStatus(st.results, st.fatal, st.unexpected)
	if result.Status != model.RunStatusSucceeded {
		result.ErrorSummary = strings.Join(st.errors, "; ")
		if result.ErrorSummary == "" {
			result.ErrorSummary = "No places processed"
		}
	}

	// 呼び出し元がキャンセルされても確定は行う
	finCtx := context.WithoutCancel(ctx)
	if err := o.store.FinalizeRun(finCtx, result.RunID, result.Status, result.ErrorSummary); err != nil {
		logger.Error("failed to finalize ingest run", "error", err)
	}

	succeeded, failed := result.Counts()
	for _, pr := range result.PlaceResults {
		metrics.RecordPlace(string(pr.Status), pr.ErrorCode)
	}
	metrics.RecordRun(string(result.Status), time.Since(started).Seconds())
	logger.Info("ingest run finished",
		"status", result.Status,
		"places_succeeded", succeeded,
		"places_failed", failed,
	)

	if _, err := o.publisher.PublishRunFinished(finCtx, notify.RunEvent{
		RunID:           result.RunID,
		Status:          string(result.Status),
		CapturedAt:      result.CapturedAt,
		FinishedAt:      o.now().UTC(),
		PlacesSucceeded: succeeded,
		PlacesFailed:    failed,
		ErrorSummary:    result.ErrorSummary,
	}); err != nil {
		logger.Warn("failed to publish run event", "error", err)
	}
}

// dedupTrends は名前 (大文字小文字を区別しない) で重複を除きます。先に出たものを残し、空の名前は捨てます。
func dedupTrends(trends trendsource.TrendList) []trendsource.Trend {
	seen := make(map[string]struct{}, len(trends))
	out := make([]trendsource.Trend, 0, len(trends))
	for _, t := range trends {
		key := normalize.LabelKey(t.Name)
		if key == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, t)
	}
	return out
}

func classifyFetchError(err error) (code, message string) {
	var fe *trendsource.FetchError
	if errors.As(err, &fe) {
		return fe.Code, fe.Message
	}
	return "UNEXPECTED", err.Error()
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
