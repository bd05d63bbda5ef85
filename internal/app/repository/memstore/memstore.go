// Package memstore はテストとローカル実行用のインメモリ SnapshotStore です。
// repository.Store と同じ並び順・上書き規則に従い、障害注入と呼び出し回数の記録ができます。
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"trendsnap_service/internal/app/model"
)

// Faults は各操作に注入する障害です。nil の項目は正常に動作します。
type Faults struct {
	ActivePlaces       error
	CreateRun          error
	FinalizeRun        error
	RecordPlaceOutcome func(model.IngestRunPlace) error
	FindOrCreateTerm   func(normalizedKey string) error
	UpsertSnapshot     func(model.TrendSnapshot) error
	// Reads は読み取り系の操作名をキーにエラーを返します。
	Reads map[string]error
}

type snapKey struct {
	capturedAt int64
	woeid      int64
	position   int
}

// Store はインメモリのスナップショットストアです。
type Store struct {
	mu sync.Mutex

	places     map[int64]model.Place
	terms      map[int64]model.Term
	termByNorm map[string]int64
	nextTermID int64
	runs       map[string]*model.IngestRun
	runOrder   []string
	outcomes   []model.IngestRunPlace
	snapshots  map[snapKey]model.TrendSnapshot
	nextSnapID int64

	faults Faults
	calls  map[string]int
	now    func() time.Time
}

// New は空のストアを作ります。
func New() *Store {
	return &Store{
		places:     make(map[int64]model.Place),
		terms:      make(map[int64]model.Term),
		termByNorm: make(map[string]int64),
		runs:       make(map[string]*model.IngestRun),
		snapshots:  make(map[snapKey]model.TrendSnapshot),
		calls:      make(map[string]int),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// SetFaults は障害注入を設定します。
func (s *Store) SetFaults(f Faults) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = f
}

// Calls は操作の呼び出し回数を返します。
func (s *Store) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// ReadCalls は読み取り系操作の呼び出し回数の合計です。
func (s *Store) ReadCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, op := range readOps {
		n += s.calls[op]
	}
	return n
}

// ResetCalls は呼び出し回数を 0 に戻します。
func (s *Store) ResetCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = make(map[string]int)
}

var readOps = []string{
	"LatestCapturedAt", "DistinctCapturedAts", "SnapshotsAt", "SnapshotsAtExact",
	"SnapshotsForTermsAcrossPlaces", "SnapshotsForTermsInWindow",
}

// enter はロックを取り呼び出しを記録します。呼び出し側で Unlock します。
func (s *Store) enter(op string) {
	s.mu.Lock()
	s.calls[op]++
}

// AddPlace は地域を登録します。
func (s *Store) AddPlace(p model.Place) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.places[p.WOEID] = p
}

// UpsertPlace は地域を登録・更新します。
func (s *Store) UpsertPlace(_ context.Context, p model.Place) error {
	s.AddPlace(p)
	return nil
}

// ActivePlaces は有効な地域を sort_order 順に返します。
func (s *Store) ActivePlaces(_ context.Context) ([]model.Place, error) {
	s.enter("ActivePlaces")
	defer s.mu.Unlock()
	if s.faults.ActivePlaces != nil {
		return nil, s.faults.ActivePlaces
	}
	var out []model.Place
	for _, p := range s.places {
		if p.IsActive {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SortOrder != out[j].SortOrder {
			return out[i].SortOrder < out[j].SortOrder
		}
		return out[i].WOEID < out[j].WOEID
	})
	return out, nil
}

// PlaceBySlug は slug で地域を探します。
func (s *Store) PlaceBySlug(_ context.Context, slug string) (*model.Place, error) {
	s.enter("PlaceBySlug")
	defer s.mu.Unlock()
	for _, p := range s.places {
		if p.Slug == slug {
			p := p
			return &p, nil
		}
	}
	return nil, model.ErrNotFound
}

// CreateRun は running の実行記録を作ります。
func (s *Store) CreateRun(_ context.Context, capturedAt time.Time) (string, error) {
	s.enter("CreateRun")
	defer s.mu.Unlock()
	if s.faults.CreateRun != nil {
		return "", s.faults.CreateRun
	}
	id := uuid.NewString()
	s.runs[id] = &model.IngestRun{
		RunID:      id,
		CapturedAt: capturedAt.UTC(),
		StartedAt:  s.now(),
		Status:     model.RunStatusRunning,
	}
	s.runOrder = append(s.runOrder, id)
	return id, nil
}

// FinalizeRun は実行記録を確定します。
func (s *Store) FinalizeRun(_ context.Context, runID string, status model.RunStatus, summary string) error {
	s.enter("FinalizeRun")
	defer s.mu.Unlock()
	if s.faults.FinalizeRun != nil {
		return s.faults.FinalizeRun
	}
	run, ok := s.runs[runID]
	if !ok {
		return fmt.Errorf("finalize run %s: %w", runID, model.ErrNotFound)
	}
	finished := s.now()
	run.FinishedAt = &finished
	run.Status = status
	run.ErrorSummary = nil
	if summary != "" {
		run.ErrorSummary = &summary
	}
	return nil
}

// RecordPlaceOutcome は地域結果を追記します。
func (s *Store) RecordPlaceOutcome(_ context.Context, outcome model.IngestRunPlace) error {
	s.enter("RecordPlaceOutcome")
	defer s.mu.Unlock()
	if fn := s.faults.RecordPlaceOutcome; fn != nil {
		if err := fn(outcome); err != nil {
			return err
		}
	}
	outcome.ID = int64(len(s.outcomes) + 1)
	s.outcomes = append(s.outcomes, outcome)
	return nil
}

// RecentRuns は新しい順に実行記録を返します。
func (s *Store) RecentRuns(_ context.Context, limit int) ([]model.IngestRun, error) {
	s.enter("RecentRuns")
	defer s.mu.Unlock()
	var out []model.IngestRun
	for i := len(s.runOrder) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, *s.runs[s.runOrder[i]])
	}
	return out, nil
}

// FindOrCreateTerm は正規化キーに対応する term_id を返します。
func (s *Store) FindOrCreateTerm(_ context.Context, text, normalizedKey string) (int64, error) {
	s.enter("FindOrCreateTerm")
	defer s.mu.Unlock()
	if fn := s.faults.FindOrCreateTerm; fn != nil {
		if err := fn(normalizedKey); err != nil {
			return 0, err
		}
	}
	if id, ok := s.termByNorm[normalizedKey]; ok {
		return id, nil
	}
	s.nextTermID++
	id := s.nextTermID
	s.terms[id] = model.Term{TermID: id, TermText: text, TermNorm: normalizedKey}
	s.termByNorm[normalizedKey] = id
	return id, nil
}

// TermByID は語を返します。
func (s *Store) TermByID(_ context.Context, termID int64) (*model.Term, error) {
	s.enter("TermByID")
	defer s.mu.Unlock()
	t, ok := s.terms[termID]
	if !ok {
		return nil, model.ErrNotFound
	}
	return &t, nil
}

// UpsertSnapshot は (captured_at, woeid, position) をキーに上書きします。
func (s *Store) UpsertSnapshot(_ context.Context, snap model.TrendSnapshot) error {
	s.enter("UpsertSnapshot")
	defer s.mu.Unlock()
	if fn := s.faults.UpsertSnapshot; fn != nil {
		if err := fn(snap); err != nil {
			return err
		}
	}
	snap.CapturedAt = snap.CapturedAt.UTC()
	key := snapKey{snap.CapturedAt.Unix(), snap.WOEID, snap.Position}
	if cur, ok := s.snapshots[key]; ok {
		snap.SnapshotID = cur.SnapshotID
		snap.CreatedAt = cur.CreatedAt
	} else {
		s.nextSnapID++
		snap.SnapshotID = s.nextSnapID
		snap.CreatedAt = s.now()
	}
	s.snapshots[key] = snap
	return nil
}

// PutSnapshot は語を登録しつつスナップショットを直接書き込みます (テストデータ用)。
func (s *Store) PutSnapshot(capturedAt time.Time, woeid int64, position int, text string) int64 {
	id, _ := s.FindOrCreateTerm(context.Background(), text, text)
	_ = s.UpsertSnapshot(context.Background(), model.TrendSnapshot{
		RunID:      "seed",
		CapturedAt: capturedAt,
		WOEID:      woeid,
		Position:   position,
		TermID:     id,
		RawName:    text,
	})
	s.mu.Lock()
	s.calls["FindOrCreateTerm"]--
	s.calls["UpsertSnapshot"]--
	s.mu.Unlock()
	return id
}

// Runs は実行記録を作成順に返します。
func (s *Store) Runs() []model.IngestRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.IngestRun, 0, len(s.runOrder))
	for _, id := range s.runOrder {
		out = append(out, *s.runs[id])
	}
	return out
}

// Outcomes は地域結果を記録順に返します。
func (s *Store) Outcomes(runID string) []model.IngestRunPlace {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.IngestRunPlace
	for _, o := range s.outcomes {
		if o.RunID == runID {
			out = append(out, o)
		}
	}
	return out
}

// Snapshots は地域・時刻のスナップショットを position 順に返します。
func (s *Store) Snapshots(woeid int64, capturedAt time.Time) []model.TrendSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.TrendSnapshot
	for _, snap := range s.snapshots {
		if snap.WOEID == woeid && snap.CapturedAt.Equal(capturedAt) {
			out = append(out, snap)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out
}

// TermCount は登録済みの語の数です。
func (s *Store) TermCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.terms)
}
