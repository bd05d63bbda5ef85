package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"trendsnap_service/internal/app/model"
)

// LatestCapturedAt は地域の最新取得時刻を返します。データが無ければ ok=false です。
func (s *Store) LatestCapturedAt(ctx context.Context, woeid int64) (time.Time, bool, error) {
	var snap model.TrendSnapshot
	err := s.db.WithContext(ctx).
		Select("captured_at").
		Where("woeid = ?", woeid).
		Order("captured_at DESC").
		Take(&snap).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to fetch latest capture: %w", err)
	}
	return snap.CapturedAt.UTC(), true, nil
}

// DistinctCapturedAts は since 以降の取得時刻を新しい順に返します。
func (s *Store) DistinctCapturedAts(ctx context.Context, woeid int64, since time.Time) ([]time.Time, error) {
	var snaps []model.TrendSnapshot
	err := s.db.WithContext(ctx).
		Model(&model.TrendSnapshot{}).
		Distinct("captured_at").
		Where("woeid = ? AND captured_at >= ?", woeid, since.UTC()).
		Order("captured_at DESC").
		Find(&snaps).Error
	if err != nil {
		return nil, fmt.Errorf("failed to fetch capture times: %w", err)
	}
	out := make([]time.Time, 0, len(snaps))
	for _, sn := range snaps {
		out = append(out, sn.CapturedAt.UTC())
	}
	return out, nil
}

// SnapshotsAt は指定時刻群のスナップショットを term_text 付きでまとめて返します。
func (s *Store) SnapshotsAt(ctx context.Context, woeid int64, capturedAts []time.Time) ([]model.SnapshotRow, error) {
	if len(capturedAts) == 0 {
		return nil, nil
	}
	var rows []model.SnapshotRow
	err := s.db.WithContext(ctx).
		Table("trend_snapshot AS s").
		Select("s.captured_at, s.position, s.term_id, s.tweet_count, t.term_text").
		Joins("JOIN term AS t ON t.term_id = s.term_id").
		Where("s.woeid = ? AND s.captured_at IN ?", woeid, utcAll(capturedAts)).
		Order("s.captured_at DESC").Order("s.position ASC").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to fetch trends: %w", err)
	}
	for i := range rows {
		rows[i].CapturedAt = rows[i].CapturedAt.UTC()
	}
	return rows, nil
}

// SnapshotsAtExact は指定時刻ちょうどの語の順位を返します。
func (s *Store) SnapshotsAtExact(ctx context.Context, woeid int64, capturedAt time.Time, termIDs []int64) ([]model.TermPosition, error) {
	if len(termIDs) == 0 {
		return nil, nil
	}
	var rows []model.TermPosition
	err := s.db.WithContext(ctx).
		Model(&model.TrendSnapshot{}).
		Select("term_id, position").
		Where("woeid = ? AND captured_at = ? AND term_id IN ?", woeid, capturedAt.UTC(), termIDs).
		Order("position ASC").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to fetch previous positions: %w", err)
	}
	return rows, nil
}

// SnapshotsForTermsAcrossPlaces は同じ取得時刻に語が出現した地域を返します。
func (s *Store) SnapshotsForTermsAcrossPlaces(ctx context.Context, capturedAt time.Time, termIDs []int64) ([]model.TermPlace, error) {
	if len(termIDs) == 0 {
		return nil, nil
	}
	var rows []model.TermPlace
	err := s.db.WithContext(ctx).
		Model(&model.TrendSnapshot{}).
		Distinct("term_id", "woeid").
		Where("captured_at = ? AND term_id IN ?", capturedAt.UTC(), termIDs).
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to fetch region counts: %w", err)
	}
	return rows, nil
}

// SnapshotsForTermsInWindow は [since, until] の間に語が出現した取得時刻を返します。
func (s *Store) SnapshotsForTermsInWindow(ctx context.Context, woeid int64, termIDs []int64, since, until time.Time) ([]model.TermCapture, error) {
	if len(termIDs) == 0 {
		return nil, nil
	}
	var snaps []model.TrendSnapshot
	err := s.db.WithContext(ctx).
		Select("term_id", "captured_at").
		Where("woeid = ? AND term_id IN ? AND captured_at >= ? AND captured_at <= ?", woeid, termIDs, since.UTC(), until.UTC()).
		Order("captured_at DESC").
		Find(&snaps).Error
	if err != nil {
		return nil, fmt.Errorf("failed to fetch duration window: %w", err)
	}
	rows := make([]model.TermCapture, 0, len(snaps))
	for _, sn := range snaps {
		rows = append(rows, model.TermCapture{TermID: sn.TermID, CapturedAt: sn.CapturedAt.UTC()})
	}
	return rows, nil
}

// TermHistory は since 以降の語の順位推移を地域名付きで古い順に返します。
func (s *Store) TermHistory(ctx context.Context, termID int64, since time.Time) ([]model.TermHistoryRow, error) {
	var rows []model.TermHistoryRow
	err := s.db.WithContext(ctx).
		Table("trend_snapshot AS s").
		Select("s.captured_at, s.position, s.woeid, p.name_ja AS place_name, p.sort_order").
		Joins("JOIN place AS p ON p.woeid = s.woeid").
		Where("s.term_id = ? AND s.captured_at >= ?", termID, since.UTC()).
		Order("s.captured_at ASC").Order("p.sort_order ASC").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to fetch term history: %w", err)
	}
	for i := range rows {
		rows[i].CapturedAt = rows[i].CapturedAt.UTC()
	}
	return rows, nil
}

func utcAll(ts []time.Time) []time.Time {
	out := make([]time.Time, len(ts))
	for i, t := range ts {
		out[i] = t.UTC()
	}
	return out
}
