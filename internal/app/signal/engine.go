// Package signal は保存済みスナップショットから時間窓ごとのランキングと
// 順位変動・継続時間・地域数のシグナルを組み立てます。
package signal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"trendsnap_service/internal/app/metrics"
	"trendsnap_service/internal/app/model"
)

// ValidOffsets は指定できるオフセット (時間) です。
var ValidOffsets = []int{0, 1, 3, 6, 12, 24, 48, 72}

const (
	// DefaultLookbackSlack は目標時刻より何時間前までの取得を代用として許すかです。
	DefaultLookbackSlack = 24 * time.Hour
	// MaxDurationHours は継続時間の上限です。
	MaxDurationHours = 24
)

// ErrInvalidOffset は ValidOffsets に無いオフセットが指定されたことを表します。
var ErrInvalidOffset = errors.New("invalid offset")

// ErrInvalidRange は履歴の期間が不正なことを表します。
var ErrInvalidRange = errors.New("invalid history range")

// Store はシグナル計算が使う読み取り側のストアです。
type Store interface {
	LatestCapturedAt(ctx context.Context, woeid int64) (time.Time, bool, error)
	DistinctCapturedAts(ctx context.Context, woeid int64, since time.Time) ([]time.Time, error)
	SnapshotsAt(ctx context.Context, woeid int64, capturedAts []time.Time) ([]model.SnapshotRow, error)
	SnapshotsAtExact(ctx context.Context, woeid int64, capturedAt time.Time, termIDs []int64) ([]model.TermPosition, error)
	SnapshotsForTermsAcrossPlaces(ctx context.Context, capturedAt time.Time, termIDs []int64) ([]model.TermPlace, error)
	SnapshotsForTermsInWindow(ctx context.Context, woeid int64, termIDs []int64, since, until time.Time) ([]model.TermCapture, error)

	ActivePlaces(ctx context.Context) ([]model.Place, error)
	PlaceBySlug(ctx context.Context, slug string) (*model.Place, error)
	TermByID(ctx context.Context, termID int64) (*model.Term, error)
	TermHistory(ctx context.Context, termID int64, since time.Time) ([]model.TermHistoryRow, error)
}

// Engine はシグナル計算エンジンです。
type Engine struct {
	store  Store
	slack  time.Duration
	logger *slog.Logger
	now    func() time.Time
}

// Option は Engine の設定を変更します。
type Option func(*Engine)

// WithLookbackSlack は代用を許す幅を変えます。
func WithLookbackSlack(d time.Duration) Option {
	return func(e *Engine) {
		if d >= 0 {
			e.slack = d
		}
	}
}

// WithLogger はロガーを指定します。
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithClock は履歴の基準時刻を差し替えます。
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine は Engine を作ります。
func NewEngine(store Store, opts ...Option) *Engine {
	e := &Engine{
		store:  store,
		slack:  DefaultLookbackSlack,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "signal")
	return e
}

// ValidateOffsets はオフセットを検証し、重複を除いて返します。空なら {0} です。
func ValidateOffsets(offsets []int) ([]int, error) {
	if len(offsets) == 0 {
		return []int{0}, nil
	}
	out := make([]int, 0, len(offsets))
	for _, off := range offsets {
		if !slices.Contains(ValidOffsets, off) {
			return nil, fmt.Errorf("%w: %d", ErrInvalidOffset, off)
		}
		if !slices.Contains(out, off) {
			out = append(out, off)
		}
	}
	return out, nil
}

// Places は有効な地域を返します。
func (e *Engine) Places(ctx context.Context) ([]model.Place, error) {
	return e.store.ActivePlaces(ctx)
}

// ResolveBySlug は slug の地域について Resolve します。
func (e *Engine) ResolveBySlug(ctx context.Context, slug string, offsets []int) (*PlaceView, error) {
	place, err := e.store.PlaceBySlug(ctx, slug)
	if err != nil {
		return nil, err
	}
	view, err := e.Resolve(ctx, place.WOEID, offsets)
	if err != nil {
		return nil, err
	}
	view.Place = place
	return view, nil
}

// Resolve は地域の各オフセットのランキングを返します。オフセット 0 にはシグナルを付けます。
// クエリは最新時刻・取得時刻一覧・スナップショット本体の 3 回と、シグナル用に最大 3 回です。
func (e *Engine) Resolve(ctx context.Context, woeid int64, offsets []int) (*PlaceView, error) {
	offsets, err := ValidateOffsets(offsets)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	defer func() { metrics.SignalResolveDuration.Observe(time.Since(start).Seconds()) }()

	view := &PlaceView{WOEID: woeid, Windows: make([]Window, 0, len(offsets))}

	latest, ok, err := e.store.LatestCapturedAt(ctx, woeid)
	if err != nil {
		return nil, fmt.Errorf("latest capture for woeid %d: %w", woeid, err)
	}
	if !ok {
		for _, off := range offsets {
			view.Windows = append(view.Windows, Window{OffsetHours: off, Trends: []TrendItem{}})
		}
		return view, nil
	}
	view.LatestCapturedAt = &latest

	maxOffset := max(slices.Max(offsets), 1)
	since := latest.Truncate(time.Hour).Add(-time.Duration(maxOffset)*time.Hour - e.slack)
	captures, err := e.store.DistinctCapturedAts(ctx, woeid, since)
	if err != nil {
		return nil, fmt.Errorf("capture times for woeid %d: %w", woeid, err)
	}

	matched := make(map[int]time.Time, len(offsets))
	var needed []time.Time
	for _, off := range offsets {
		at, ok := e.matchOffset(latest, off, captures)
		if !ok {
			continue
		}
		matched[off] = at
		if !slices.ContainsFunc(needed, at.Equal) {
			needed = append(needed, at)
		}
	}

	byCapture := map[int64][]TrendItem{}
	if len(needed) > 0 {
		rows, err := e.store.SnapshotsAt(ctx, woeid, needed)
		if err != nil {
			return nil, fmt.Errorf("snapshots for woeid %d: %w", woeid, err)
		}
		byCapture = groupRows(rows)
	}

	for _, off := range offsets {
		w := Window{OffsetHours: off, Trends: []TrendItem{}}
		if at, ok := matched[off]; ok {
			w.CapturedAt = &at
			if items := byCapture[at.Unix()]; items != nil {
				w.Trends = items
			}
		}
		view.Windows = append(view.Windows, w)
	}

	if idx := slices.IndexFunc(view.Windows, func(w Window) bool { return w.OffsetHours == 0 }); idx >= 0 && len(view.Windows[idx].Trends) > 0 {
		items := cloneItems(view.Windows[idx].Trends)
		if err := e.attachSignals(ctx, woeid, latest, captures, items); err != nil {
			return nil, err
		}
		view.Windows[idx].Trends = items
	}
	return view, nil
}

// matchOffset はオフセットに対応する取得時刻を探します。captures は新しい順です。
func (e *Engine) matchOffset(latest time.Time, offset int, captures []time.Time) (time.Time, bool) {
	if offset == 0 {
		return latest, true
	}
	target := latest.Add(-time.Duration(offset) * time.Hour).Truncate(time.Hour)
	floor := target.Add(-e.slack)
	for _, at := range captures {
		if at.After(target) {
			continue
		}
		if at.Before(floor) {
			return time.Time{}, false
		}
		return at, true
	}
	return time.Time{}, false
}

// groupRows は取得時刻ごとに行をまとめます。同じ語が複数回あれば最小の順位だけ残します。
func groupRows(rows []model.SnapshotRow) map[int64][]TrendItem {
	out := make(map[int64][]TrendItem)
	seen := make(map[int64]map[int64]int)
	for _, r := range rows {
		key := r.CapturedAt.Unix()
		if seen[key] == nil {
			seen[key] = make(map[int64]int)
		}
		item := TrendItem{Position: r.Position, TermID: r.TermID, TermText: r.TermText, TweetCount: r.TweetCount}
		if idx, dup := seen[key][r.TermID]; dup {
			if r.Position < out[key][idx].Position {
				out[key][idx] = item
			}
			continue
		}
		seen[key][r.TermID] = len(out[key])
		out[key] = append(out[key], item)
	}
	for key := range out {
		slices.SortFunc(out[key], func(a, b TrendItem) int { return a.Position - b.Position })
	}
	return out
}

// attachSignals は順位変動・地域数・継続時間を並行して取得し items に書き込みます。
func (e *Engine) attachSignals(ctx context.Context, woeid int64, latest time.Time, captures []time.Time, items []TrendItem) error {
	termIDs := make([]int64, 0, len(items))
	for _, it := range items {
		termIDs = append(termIDs, it.TermID)
	}

	prevAt := latest.Add(-time.Hour)
	prevExists := slices.ContainsFunc(captures, prevAt.Equal)

	var (
		prevRows   []model.TermPosition
		placeRows  []model.TermPlace
		windowRows []model.TermCapture
	)
	g, gctx := errgroup.WithContext(ctx)
	if prevExists {
		g.Go(func() error {
			rows, err := e.store.SnapshotsAtExact(gctx, woeid, prevAt, termIDs)
			if err != nil {
				return fmt.Errorf("previous positions: %w", err)
			}
			prevRows = rows
			return nil
		})
	}
	g.Go(func() error {
		rows, err := e.store.SnapshotsForTermsAcrossPlaces(gctx, latest, termIDs)
		if err != nil {
			return fmt.Errorf("region counts: %w", err)
		}
		placeRows = rows
		return nil
	})
	g.Go(func() error {
		since := latest.Add(-time.Duration(MaxDurationHours-1) * time.Hour)
		rows, err := e.store.SnapshotsForTermsInWindow(gctx, woeid, termIDs, since, latest)
		if err != nil {
			return fmt.Errorf("duration window: %w", err)
		}
		windowRows = rows
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	prevPos := make(map[int64]int, len(prevRows))
	for _, r := range prevRows {
		if cur, ok := prevPos[r.TermID]; !ok || r.Position < cur {
			prevPos[r.TermID] = r.Position
		}
	}
	regions := make(map[int64]map[int64]struct{})
	for _, r := range placeRows {
		if regions[r.TermID] == nil {
			regions[r.TermID] = make(map[int64]struct{})
		}
		regions[r.TermID][r.WOEID] = struct{}{}
	}
	present := make(map[int64]map[int64]struct{})
	for _, r := range windowRows {
		if present[r.TermID] == nil {
			present[r.TermID] = make(map[int64]struct{})
		}
		present[r.TermID][r.CapturedAt.Unix()] = struct{}{}
	}

	for i := range items {
		it := &items[i]
		if prevExists {
			if p, ok := prevPos[it.TermID]; ok {
				change := p - it.Position
				it.RankChange = &change
			}
		}
		if n := len(regions[it.TermID]); n > 1 {
			it.RegionCount = &n
		}
		if d := consecutiveHours(latest, present[it.TermID]); d > 0 {
			it.DurationHours = &d
		}
	}
	return nil
}

// consecutiveHours は latest から 1 時間ずつ遡り、途切れるまでの出現回数を数えます。
func consecutiveHours(latest time.Time, seen map[int64]struct{}) int {
	n := 0
	for h := 0; h < MaxDurationHours; h++ {
		at := latest.Add(-time.Duration(h) * time.Hour)
		if _, ok := seen[at.Unix()]; !ok {
			break
		}
		n++
	}
	return n
}

func cloneItems(items []TrendItem) []TrendItem {
	out := make([]TrendItem, len(items))
	copy(out, items)
	return out
}

// Term は語を返します。
func (e *Engine) Term(ctx context.Context, termID int64) (*model.Term, error) {
	return e.store.TermByID(ctx, termID)
}

// TermHistory は直近 hours 時間の語の順位推移を返します。
func (e *Engine) TermHistory(ctx context.Context, termID int64, hours int) (*TermHistory, error) {
	if hours <= 0 {
		return nil, fmt.Errorf("%w: %d hours", ErrInvalidRange, hours)
	}
	term, err := e.store.TermByID(ctx, termID)
	if err != nil {
		return nil, err
	}
	since := e.now().UTC().Add(-time.Duration(hours) * time.Hour)
	rows, err := e.store.TermHistory(ctx, termID, since)
	if err != nil {
		return nil, fmt.Errorf("term history %d: %w", termID, err)
	}
	points := make([]HistoryPoint, 0, len(rows))
	for _, r := range rows {
		points = append(points, HistoryPoint(r))
	}
	e.logger.Debug("resolved term history", "term_id", termID, "hours", hours, "points", len(points))
	return &TermHistory{Term: *term, Hours: hours, History: points}, nil
}
