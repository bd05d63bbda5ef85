package memstore

import (
	"context"
	"sort"
	"time"

	"trendsnap_service/internal/app/model"
)

func (s *Store) readFault(op string) error {
	return s.faults.Reads[op]
}

// LatestCapturedAt は地域の最新取得時刻を返します。
func (s *Store) LatestCapturedAt(_ context.Context, woeid int64) (time.Time, bool, error) {
	s.enter("LatestCapturedAt")
	defer s.mu.Unlock()
	if err := s.readFault("LatestCapturedAt"); err != nil {
		return time.Time{}, false, err
	}
	var latest time.Time
	found := false
	for _, snap := range s.snapshots {
		if snap.WOEID == woeid && (!found || snap.CapturedAt.After(latest)) {
			latest = snap.CapturedAt
			found = true
		}
	}
	return latest, found, nil
}

// DistinctCapturedAts は since 以降の取得時刻を新しい順に返します。
func (s *Store) DistinctCapturedAts(_ context.Context, woeid int64, since time.Time) ([]time.Time, error) {
	s.enter("DistinctCapturedAts")
	defer s.mu.Unlock()
	if err := s.readFault("DistinctCapturedAts"); err != nil {
		return nil, err
	}
	seen := make(map[int64]time.Time)
	for _, snap := range s.snapshots {
		if snap.WOEID == woeid && !snap.CapturedAt.Before(since) {
			seen[snap.CapturedAt.Unix()] = snap.CapturedAt
		}
	}
	out := make([]time.Time, 0, len(seen))
	for _, t := range seen {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].After(out[j]) })
	return out, nil
}

// SnapshotsAt は指定時刻群のスナップショットを新しい時刻・position 順に返します。
func (s *Store) SnapshotsAt(_ context.Context, woeid int64, capturedAts []time.Time) ([]model.SnapshotRow, error) {
	s.enter("SnapshotsAt")
	defer s.mu.Unlock()
	if err := s.readFault("SnapshotsAt"); err != nil {
		return nil, err
	}
	want := unixSet(capturedAts)
	var rows []model.SnapshotRow
	for _, snap := range s.snapshots {
		if snap.WOEID != woeid {
			continue
		}
		if _, ok := want[snap.CapturedAt.Unix()]; !ok {
			continue
		}
		rows = append(rows, model.SnapshotRow{
			CapturedAt: snap.CapturedAt,
			Position:   snap.Position,
			TermID:     snap.TermID,
			TweetCount: snap.TweetCount,
			TermText:   s.terms[snap.TermID].TermText,
		})
	}
	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].CapturedAt.Equal(rows[j].CapturedAt) {
			return rows[i].CapturedAt.After(rows[j].CapturedAt)
		}
		return rows[i].Position < rows[j].Position
	})
	return rows, nil
}

// SnapshotsAtExact は指定時刻ちょうどの語の順位を返します。
func (s *Store) SnapshotsAtExact(_ context.Context, woeid int64, capturedAt time.Time, termIDs []int64) ([]model.TermPosition, error) {
	s.enter("SnapshotsAtExact")
	defer s.mu.Unlock()
	if err := s.readFault("SnapshotsAtExact"); err != nil {
		return nil, err
	}
	ids := idSet(termIDs)
	var rows []model.TermPosition
	for _, snap := range s.snapshots {
		if snap.WOEID != woeid || !snap.CapturedAt.Equal(capturedAt) {
			continue
		}
		if _, ok := ids[snap.TermID]; ok {
			rows = append(rows, model.TermPosition{TermID: snap.TermID, Position: snap.Position})
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Position < rows[j].Position })
	return rows, nil
}

// SnapshotsForTermsAcrossPlaces は同じ時刻に語が出現した地域を返します。
func (s *Store) SnapshotsForTermsAcrossPlaces(_ context.Context, capturedAt time.Time, termIDs []int64) ([]model.TermPlace, error) {
	s.enter("SnapshotsForTermsAcrossPlaces")
	defer s.mu.Unlock()
	if err := s.readFault("SnapshotsForTermsAcrossPlaces"); err != nil {
		return nil, err
	}
	ids := idSet(termIDs)
	seen := make(map[model.TermPlace]struct{})
	var rows []model.TermPlace
	for _, snap := range s.snapshots {
		if !snap.CapturedAt.Equal(capturedAt) {
			continue
		}
		if _, ok := ids[snap.TermID]; !ok {
			continue
		}
		tp := model.TermPlace{TermID: snap.TermID, WOEID: snap.WOEID}
		if _, dup := seen[tp]; dup {
			continue
		}
		seen[tp] = struct{}{}
		rows = append(rows, tp)
	}
	return rows, nil
}

// SnapshotsForTermsInWindow は [since, until] で語が出現した取得時刻を返します。
func (s *Store) SnapshotsForTermsInWindow(_ context.Context, woeid int64, termIDs []int64, since, until time.Time) ([]model.TermCapture, error) {
	s.enter("SnapshotsForTermsInWindow")
	defer s.mu.Unlock()
	if err := s.readFault("SnapshotsForTermsInWindow"); err != nil {
		return nil, err
	}
	ids := idSet(termIDs)
	var rows []model.TermCapture
	for _, snap := range s.snapshots {
		if snap.WOEID != woeid || snap.CapturedAt.Before(since) || snap.CapturedAt.After(until) {
			continue
		}
		if _, ok := ids[snap.TermID]; ok {
			rows = append(rows, model.TermCapture{TermID: snap.TermID, CapturedAt: snap.CapturedAt})
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].CapturedAt.After(rows[j].CapturedAt) })
	return rows, nil
}

// TermHistory は since 以降の語の順位推移を古い順に返します。
func (s *Store) TermHistory(_ context.Context, termID int64, since time.Time) ([]model.TermHistoryRow, error) {
	s.enter("TermHistory")
	defer s.mu.Unlock()
	if err := s.readFault("TermHistory"); err != nil {
		return nil, err
	}
	var rows []model.TermHistoryRow
	for _, snap := range s.snapshots {
		if snap.TermID != termID || snap.CapturedAt.Before(since) {
			continue
		}
		p, ok := s.places[snap.WOEID]
		if !ok {
			continue
		}
		rows = append(rows, model.TermHistoryRow{
			CapturedAt: snap.CapturedAt,
			Position:   snap.Position,
			WOEID:      snap.WOEID,
			PlaceName:  p.NameJa,
			SortOrder:  p.SortOrder,
		})
	}
	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].CapturedAt.Equal(rows[j].CapturedAt) {
			return rows[i].CapturedAt.Before(rows[j].CapturedAt)
		}
		return rows[i].SortOrder < rows[j].SortOrder
	})
	return rows, nil
}

// FindDuplicateSnapshots は同じ (captured_at, woeid, term_id) に複数ある行を返します。
func (s *Store) FindDuplicateSnapshots(_ context.Context) ([]model.DuplicateSnapshot, error) {
	s.enter("FindDuplicateSnapshots")
	defer s.mu.Unlock()
	type key struct {
		at, woeid, termID int64
	}
	groups := make(map[key][]model.TrendSnapshot)
	for _, snap := range s.snapshots {
		k := key{snap.CapturedAt.Unix(), snap.WOEID, snap.TermID}
		groups[k] = append(groups[k], snap)
	}
	var rows []model.DuplicateSnapshot
	for _, g := range groups {
		if len(g) < 2 {
			continue
		}
		for _, snap := range g {
			rows = append(rows, model.DuplicateSnapshot{
				SnapshotID: snap.SnapshotID,
				CapturedAt: snap.CapturedAt,
				WOEID:      snap.WOEID,
				TermID:     snap.TermID,
				Position:   snap.Position,
				RawName:    snap.RawName,
				RunID:      snap.RunID,
			})
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		switch {
		case !a.CapturedAt.Equal(b.CapturedAt):
			return a.CapturedAt.Before(b.CapturedAt)
		case a.WOEID != b.WOEID:
			return a.WOEID < b.WOEID
		case a.TermID != b.TermID:
			return a.TermID < b.TermID
		default:
			return a.Position < b.Position
		}
	})
	return rows, nil
}

// DeleteSnapshots は指定 ID の行を削除します。
func (s *Store) DeleteSnapshots(_ context.Context, ids []int64) (int64, error) {
	s.enter("DeleteSnapshots")
	defer s.mu.Unlock()
	del := idSet(ids)
	var n int64
	for k, snap := range s.snapshots {
		if _, ok := del[snap.SnapshotID]; ok {
			delete(s.snapshots, k)
			n++
		}
	}
	return n, nil
}

func idSet(ids []int64) map[int64]struct{} {
	m := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		m[id] = struct{}{}
	}
	return m
}

func unixSet(ts []time.Time) map[int64]struct{} {
	m := make(map[int64]struct{}, len(ts))
	for _, t := range ts {
		m[t.Unix()] = struct{}{}
	}
	return m
}
