package signal

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trendsnap_service/internal/app/model"
	"trendsnap_service/internal/app/repository/memstore"
)

const (
	tokyo = 1118370
	osaka = 15015370
	japan = 23424856
)

var now = time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)

func hoursAgo(h int) time.Time { return now.Add(-time.Duration(h) * time.Hour) }

func newTestEngine(s *memstore.Store, opts ...Option) *Engine {
	base := []Option{
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithClock(func() time.Time { return now.Add(10 * time.Minute) }),
	}
	return NewEngine(s, append(base, opts...)...)
}

func window(t *testing.T, v *PlaceView, offset int) Window {
	t.Helper()
	w, ok := v.Window(offset)
	require.True(t, ok, "window %d missing", offset)
	return w
}

func item(t *testing.T, w Window, termID int64) TrendItem {
	t.Helper()
	for _, it := range w.Trends {
		if it.TermID == termID {
			return it
		}
	}
	t.Fatalf("term %d not in window", termID)
	return TrendItem{}
}

func TestValidateOffsets(t *testing.T) {
	got, err := ValidateOffsets([]int{0, 3, 3, 72})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 3, 72}, got)

	got, err = ValidateOffsets(nil)
	require.NoError(t, err)
	assert.Equal(t, []int{0}, got)

	_, err = ValidateOffsets([]int{0, 2})
	assert.ErrorIs(t, err, ErrInvalidOffset)
}

func TestResolve_NoData(t *testing.T) {
	s := memstore.New()

	view, err := newTestEngine(s).Resolve(context.Background(), tokyo, []int{0, 1})

	require.NoError(t, err)
	assert.Nil(t, view.LatestCapturedAt)
	require.Len(t, view.Windows, 2)
	for _, w := range view.Windows {
		assert.False(t, w.HasData())
		assert.Empty(t, w.Trends)
	}
	assert.Equal(t, 1, s.ReadCalls())
}

func TestResolve_InvalidOffset(t *testing.T) {
	_, err := newTestEngine(memstore.New()).Resolve(context.Background(), tokyo, []int{5})
	assert.ErrorIs(t, err, ErrInvalidOffset)
}

func TestResolve_OffsetNearestBefore(t *testing.T) {
	s := memstore.New()
	s.PutSnapshot(now, tokyo, 1, "now")
	s.PutSnapshot(hoursAgo(4), tokyo, 1, "four hours ago")
	s.PutSnapshot(hoursAgo(2), tokyo, 1, "two hours ago")

	view, err := newTestEngine(s).Resolve(context.Background(), tokyo, []int{0, 3})
	require.NoError(t, err)

	w3 := window(t, view, 3)
	require.True(t, w3.HasData())
	assert.Equal(t, hoursAgo(4), *w3.CapturedAt)
	require.Len(t, w3.Trends, 1)
	assert.Equal(t, "four hours ago", w3.Trends[0].TermText)
	assert.Nil(t, w3.Trends[0].RankChange)
	assert.Nil(t, w3.Trends[0].DurationHours)

	w0 := window(t, view, 0)
	assert.Equal(t, now, *w0.CapturedAt)
}

func TestResolve_OffsetOutsideSlack(t *testing.T) {
	s := memstore.New()
	s.PutSnapshot(now, tokyo, 1, "a")
	s.PutSnapshot(hoursAgo(40), tokyo, 1, "old")
	s.PutSnapshot(hoursAgo(50), tokyo, 1, "older")

	view, err := newTestEngine(s, WithLookbackSlack(6*time.Hour)).Resolve(context.Background(), tokyo, []int{0, 12, 48})
	require.NoError(t, err)

	// 12h: 目標 00:00 から 6 時間以内に取得が無い
	assert.False(t, window(t, view, 12).HasData())
	assert.Empty(t, window(t, view, 12).Trends)

	w48 := window(t, view, 48)
	require.True(t, w48.HasData())
	assert.Equal(t, hoursAgo(50), *w48.CapturedAt)
	assert.Equal(t, "older", w48.Trends[0].TermText)
}

func TestResolve_OffsetZeroUsesLatestAsStored(t *testing.T) {
	s := memstore.New()
	odd := now.Add(-17 * time.Minute)
	s.PutSnapshot(odd, tokyo, 1, "a")

	view, err := newTestEngine(s).Resolve(context.Background(), tokyo, []int{0})
	require.NoError(t, err)

	w0 := window(t, view, 0)
	assert.Equal(t, odd, *w0.CapturedAt)
	assert.Equal(t, odd, *view.LatestCapturedAt)
}

func TestResolve_ReadDedupKeepsLowestPosition(t *testing.T) {
	s := memstore.New()
	a := s.PutSnapshot(now, tokyo, 1, "a")
	s.PutSnapshot(now, tokyo, 2, "b")
	s.PutSnapshot(now, tokyo, 3, "a")

	view, err := newTestEngine(s).Resolve(context.Background(), tokyo, []int{0})
	require.NoError(t, err)

	w0 := window(t, view, 0)
	require.Len(t, w0.Trends, 2)
	assert.Equal(t, a, w0.Trends[0].TermID)
	assert.Equal(t, 1, w0.Trends[0].Position)
	assert.Equal(t, 2, w0.Trends[1].Position)
}

func TestResolve_RankChange(t *testing.T) {
	s := memstore.New()
	a := s.PutSnapshot(now, tokyo, 1, "a")
	b := s.PutSnapshot(now, tokyo, 2, "b")
	c := s.PutSnapshot(now, tokyo, 3, "c")
	s.PutSnapshot(hoursAgo(1), tokyo, 1, "b")
	s.PutSnapshot(hoursAgo(1), tokyo, 4, "a")

	view, err := newTestEngine(s).Resolve(context.Background(), tokyo, []int{0})
	require.NoError(t, err)
	w0 := window(t, view, 0)

	require.NotNil(t, item(t, w0, a).RankChange)
	assert.Equal(t, 3, *item(t, w0, a).RankChange)
	require.NotNil(t, item(t, w0, b).RankChange)
	assert.Equal(t, -1, *item(t, w0, b).RankChange)
	// 1 時間前に無い語は不明
	assert.Nil(t, item(t, w0, c).RankChange)
}

func TestResolve_RankChangeUnknownWithoutExactPreviousHour(t *testing.T) {
	s := memstore.New()
	a := s.PutSnapshot(now, tokyo, 1, "a")
	s.PutSnapshot(hoursAgo(2), tokyo, 5, "a")

	view, err := newTestEngine(s).Resolve(context.Background(), tokyo, []int{0})
	require.NoError(t, err)

	assert.Nil(t, item(t, window(t, view, 0), a).RankChange)
	assert.Zero(t, s.Calls("SnapshotsAtExact"))
}

func TestResolve_RankChangeZeroIsKnown(t *testing.T) {
	s := memstore.New()
	a := s.PutSnapshot(now, tokyo, 2, "a")
	s.PutSnapshot(now, tokyo, 1, "x")
	s.PutSnapshot(hoursAgo(1), tokyo, 2, "a")

	view, err := newTestEngine(s).Resolve(context.Background(), tokyo, []int{0})
	require.NoError(t, err)

	rc := item(t, window(t, view, 0), a).RankChange
	require.NotNil(t, rc)
	assert.Zero(t, *rc)
}

func TestResolve_DurationStopsAtFirstGap(t *testing.T) {
	s := memstore.New()
	a := s.PutSnapshot(now, tokyo, 1, "a")
	s.PutSnapshot(hoursAgo(1), tokyo, 1, "a")
	s.PutSnapshot(hoursAgo(2), tokyo, 1, "a")
	s.PutSnapshot(hoursAgo(3), tokyo, 1, "other")
	s.PutSnapshot(hoursAgo(5), tokyo, 1, "a")

	view, err := newTestEngine(s).Resolve(context.Background(), tokyo, []int{0})
	require.NoError(t, err)

	d := item(t, window(t, view, 0), a).DurationHours
	require.NotNil(t, d)
	assert.Equal(t, 3, *d)
}

func TestResolve_DurationCappedAt24(t *testing.T) {
	s := memstore.New()
	var a int64
	for h := 0; h < 30; h++ {
		a = s.PutSnapshot(hoursAgo(h), tokyo, 1, "a")
	}

	view, err := newTestEngine(s).Resolve(context.Background(), tokyo, []int{0})
	require.NoError(t, err)

	d := item(t, window(t, view, 0), a).DurationHours
	require.NotNil(t, d)
	assert.Equal(t, MaxDurationHours, *d)
}

func TestResolve_RegionCountOnlyAboveOne(t *testing.T) {
	s := memstore.New()
	a := s.PutSnapshot(now, tokyo, 1, "a")
	b := s.PutSnapshot(now, tokyo, 2, "b")
	s.PutSnapshot(now, osaka, 3, "a")
	s.PutSnapshot(now, japan, 1, "a")
	s.PutSnapshot(hoursAgo(1), osaka, 1, "b")

	view, err := newTestEngine(s).Resolve(context.Background(), tokyo, []int{0})
	require.NoError(t, err)
	w0 := window(t, view, 0)

	rc := item(t, w0, a).RegionCount
	require.NotNil(t, rc)
	assert.Equal(t, 3, *rc)
	assert.Nil(t, item(t, w0, b).RegionCount)
}

func TestResolve_QueryCountBounded(t *testing.T) {
	s := memstore.New()
	for h := 0; h < 80; h++ {
		s.PutSnapshot(hoursAgo(h), tokyo, 1, "a")
		s.PutSnapshot(hoursAgo(h), tokyo, 2, "b")
		s.PutSnapshot(hoursAgo(h), osaka, 1, "a")
	}

	view, err := newTestEngine(s).Resolve(context.Background(), tokyo, ValidOffsets)
	require.NoError(t, err)

	assert.Len(t, view.Windows, len(ValidOffsets))
	for _, w := range view.Windows {
		assert.True(t, w.HasData(), "offset %d", w.OffsetHours)
		assert.Len(t, w.Trends, 2)
	}
	assert.LessOrEqual(t, s.ReadCalls(), 6)
	assert.Equal(t, 1, s.Calls("SnapshotsAt"))

	// シグナルはオフセット 0 のみ
	assert.Nil(t, window(t, view, 1).Trends[0].DurationHours)
}

func TestResolve_SignalQueryError(t *testing.T) {
	s := memstore.New()
	s.PutSnapshot(now, tokyo, 1, "a")
	s.SetFaults(memstore.Faults{Reads: map[string]error{"SnapshotsForTermsInWindow": errors.New("statement timeout")}})

	_, err := newTestEngine(s).Resolve(context.Background(), tokyo, []int{0})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "duration window")
	assert.Contains(t, err.Error(), "statement timeout")
}

func TestResolveBySlug(t *testing.T) {
	s := memstore.New()
	s.AddPlace(model.Place{WOEID: tokyo, Slug: "tokyo", NameJa: "東京", IsActive: true})
	s.PutSnapshot(now, tokyo, 1, "a")

	view, err := newTestEngine(s).ResolveBySlug(context.Background(), "tokyo", nil)
	require.NoError(t, err)
	require.NotNil(t, view.Place)
	assert.Equal(t, "東京", view.Place.NameJa)
	assert.Len(t, window(t, view, 0).Trends, 1)

	_, err = newTestEngine(s).ResolveBySlug(context.Background(), "nowhere", nil)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestTermHistory(t *testing.T) {
	s := memstore.New()
	s.AddPlace(model.Place{WOEID: tokyo, Slug: "tokyo", NameJa: "東京", IsActive: true, SortOrder: 20})
	s.AddPlace(model.Place{WOEID: osaka, Slug: "osaka", NameJa: "大阪", IsActive: true, SortOrder: 30})
	a := s.PutSnapshot(now, osaka, 4, "a")
	s.PutSnapshot(now, tokyo, 2, "a")
	s.PutSnapshot(hoursAgo(3), tokyo, 7, "a")
	s.PutSnapshot(hoursAgo(30), tokyo, 1, "a")

	e := newTestEngine(s)

	h, err := e.TermHistory(context.Background(), a, 24)
	require.NoError(t, err)
	assert.Equal(t, "a", h.Term.TermText)
	require.Len(t, h.History, 3)
	assert.Equal(t, hoursAgo(3), h.History[0].CapturedAt)
	assert.Equal(t, "東京", h.History[1].PlaceName)
	assert.Equal(t, "大阪", h.History[2].PlaceName)

	week, err := e.TermHistory(context.Background(), a, 24*7)
	require.NoError(t, err)
	assert.Len(t, week.History, 4)

	_, err = e.TermHistory(context.Background(), 999, 24)
	assert.ErrorIs(t, err, model.ErrNotFound)
	_, err = e.TermHistory(context.Background(), a, 0)
	assert.ErrorIs(t, err, ErrInvalidRange)
}

func TestPlaces(t *testing.T) {
	s := memstore.New()
	s.AddPlace(model.Place{WOEID: osaka, Slug: "osaka", IsActive: true, SortOrder: 30})
	s.AddPlace(model.Place{WOEID: tokyo, Slug: "tokyo", IsActive: true, SortOrder: 20})

	places, err := newTestEngine(s).Places(context.Background())
	require.NoError(t, err)
	require.Len(t, places, 2)
	assert.Equal(t, "tokyo", places[0].Slug)
}
