package repository

import (
	"context"
	"fmt"

	"trendsnap_service/internal/app/model"
)

// DeleteBatchSize は DeleteSnapshots が 1 文で削除する最大件数です。
const DeleteBatchSize = 100

// FindDuplicateSnapshots は同じ (captured_at, woeid, term_id) に複数行あるスナップショットを返します。
// 並びは captured_at, woeid, term_id, position の昇順です。
func (s *Store) FindDuplicateSnapshots(ctx context.Context) ([]model.DuplicateSnapshot, error) {
	db := s.db.WithContext(ctx)

	dupKeys := db.Model(&model.TrendSnapshot{}).
		Select("captured_at, woeid, term_id").
		Group("captured_at, woeid, term_id").
		Having("COUNT(*) > 1")

	var rows []model.DuplicateSnapshot
	err := db.Table("trend_snapshot AS s").
		Select("s.snapshot_id, s.captured_at, s.woeid, s.term_id, s.position, s.raw_name, s.run_id").
		Joins("JOIN (?) AS d ON d.captured_at = s.captured_at AND d.woeid = s.woeid AND d.term_id = s.term_id", dupKeys).
		Order("s.captured_at ASC").Order("s.woeid ASC").Order("s.term_id ASC").Order("s.position ASC").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to find duplicate snapshots: %w", err)
	}
	for i := range rows {
		rows[i].CapturedAt = rows[i].CapturedAt.UTC()
	}
	return rows, nil
}

// DeleteSnapshots は指定 ID のスナップショットを DeleteBatchSize 件ずつ削除し、削除件数を返します。
func (s *Store) DeleteSnapshots(ctx context.Context, ids []int64) (int64, error) {
	var deleted int64
	for start := 0; start < len(ids); start += DeleteBatchSize {
		end := min(start+DeleteBatchSize, len(ids))
		res := s.db.WithContext(ctx).
			Where("snapshot_id IN ?", ids[start:end]).
			Delete(&model.TrendSnapshot{})
		if res.Error != nil {
			return deleted, fmt.Errorf("failed to delete snapshots (batch at %d): %w", start, res.Error)
		}
		deleted += res.RowsAffected
	}
	return deleted, nil
}

// DuplicatesToDelete は重複グループごとに最小 position の行を残し、それ以外の ID を返します。
func DuplicatesToDelete(rows []model.DuplicateSnapshot) []int64 {
	type key struct {
		capturedAt int64
		woeid      int64
		termID     int64
	}
	keep := make(map[key]model.DuplicateSnapshot)
	for _, r := range rows {
		k := key{r.CapturedAt.Unix(), r.WOEID, r.TermID}
		cur, ok := keep[k]
		if !ok || r.Position < cur.Position || (r.Position == cur.Position && r.SnapshotID < cur.SnapshotID) {
			keep[k] = r
		}
	}
	var ids []int64
	for _, r := range rows {
		k := key{r.CapturedAt.Unix(), r.WOEID, r.TermID}
		if keep[k].SnapshotID != r.SnapshotID {
			ids = append(ids, r.SnapshotID)
		}
	}
	return ids
}
