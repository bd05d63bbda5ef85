// Package repository はトレンドスナップショットの永続化 (gorm) を提供します。
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"trendsnap_service/internal/app/model"
)

// Store は gorm を使ったスナップショットストアです。
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// NewStore は Store を作ります。
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// Migrate はスキーマを作成・更新します。
func Migrate(ctx context.Context, db *gorm.DB) error {
	if err := db.WithContext(ctx).AutoMigrate(model.All()...); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

// ActivePlaces は有効な地域を sort_order 順に返します。
func (s *Store) ActivePlaces(ctx context.Context) ([]model.Place, error) {
	var places []model.Place
	err := s.db.WithContext(ctx).
		Where("is_active = ?", true).
		Order("sort_order ASC").Order("woeid ASC").
		Find(&places).Error
	if err != nil {
		return nil, fmt.Errorf("failed to fetch places: %w", err)
	}
	return places, nil
}

// PlaceBySlug は slug で地域を探します。
func (s *Store) PlaceBySlug(ctx context.Context, slug string) (*model.Place, error) {
	var place model.Place
	err := s.db.WithContext(ctx).Where("slug = ?", slug).Take(&place).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch place %q: %w", slug, err)
	}
	return &place, nil
}

// UpsertPlace は地域マスタを登録・更新します。is_active=false や sort_order=0 もそのまま書き込みます。
func (s *Store) UpsertPlace(ctx context.Context, place model.Place) error {
	if place.Timezone == "" {
		place.Timezone = "UTC"
	}
	err := s.db.WithContext(ctx).Select("*").Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "woeid"}},
		DoUpdates: clause.AssignmentColumns([]string{"slug", "country_code", "name_ja", "name_en", "timezone", "is_active", "sort_order"}),
	}).Create(&place).Error
	if err != nil {
		return fmt.Errorf("failed to upsert place %d: %w", place.WOEID, err)
	}
	return nil
}

// CreateRun は status=running の実行記録を作り、run_id を返します。
func (s *Store) CreateRun(ctx context.Context, capturedAt time.Time) (string, error) {
	run := model.IngestRun{
		RunID:      uuid.NewString(),
		CapturedAt: capturedAt.UTC(),
		StartedAt:  s.now(),
		Status:     model.RunStatusRunning,
	}
	if err := s.db.WithContext(ctx).Create(&run).Error; err != nil {
		return "", fmt.Errorf("failed to create ingest run: %w", err)
	}
	return run.RunID, nil
}

// FinalizeRun は実行記録を確定します。summary が空なら NULL を書きます。
func (s *Store) FinalizeRun(ctx context.Context, runID string, status model.RunStatus, summary string) error {
	var errorSummary *string
	if summary != "" {
		errorSummary = &summary
	}
	res := s.db.WithContext(ctx).Model(&model.IngestRun{}).
		Where("run_id = ?", runID).
		Updates(map[string]any{
			"finished_at":   s.now(),
			"status":        status,
			"error_summary": errorSummary,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to update ingest run: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("failed to update ingest run %s: %w", runID, model.ErrNotFound)
	}
	return nil
}

// RecordPlaceOutcome は地域ごとの結果を追記します。
func (s *Store) RecordPlaceOutcome(ctx context.Context, outcome model.IngestRunPlace) error {
	outcome.ID = 0
	if err := s.db.WithContext(ctx).Create(&outcome).Error; err != nil {
		return fmt.Errorf("failed to record place result: %w", err)
	}
	return nil
}

// RecentRuns は新しい順に実行記録を返します。
func (s *Store) RecentRuns(ctx context.Context, limit int) ([]model.IngestRun, error) {
	var runs []model.IngestRun
	err := s.db.WithContext(ctx).Order("started_at DESC").Limit(limit).Find(&runs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to fetch runs: %w", err)
	}
	return runs, nil
}

// FindOrCreateTerm は term_norm に対応する term_id を返し、無ければ作ります。
// 同時に INSERT された場合は一意制約に負けた側が再読込して既存の ID を使います。
func (s *Store) FindOrCreateTerm(ctx context.Context, text, normalizedKey string) (int64, error) {
	db := s.db.WithContext(ctx)

	id, err := s.termIDByNorm(db, normalizedKey)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, model.ErrNotFound) {
		return 0, err
	}

	term := model.Term{TermText: text, TermNorm: normalizedKey}
	res := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "term_norm"}},
		DoNothing: true,
	}).Create(&term)
	if res.Error != nil && !errors.Is(res.Error, gorm.ErrDuplicatedKey) {
		return 0, fmt.Errorf("failed to upsert term: %w", res.Error)
	}
	if res.Error == nil && res.RowsAffected > 0 && term.TermID != 0 {
		return term.TermID, nil
	}

	// 競合: 先に書いた側の ID を使う
	id, err = s.termIDByNorm(db, normalizedKey)
	if err != nil {
		return 0, fmt.Errorf("failed to re-read term after conflict: %w", err)
	}
	return id, nil
}

func (s *Store) termIDByNorm(db *gorm.DB, normalizedKey string) (int64, error) {
	var term model.Term
	err := db.Select("term_id").Where("term_norm = ?", normalizedKey).Take(&term).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, model.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to fetch term: %w", err)
	}
	return term.TermID, nil
}

// TermByID は語を返します。
func (s *Store) TermByID(ctx context.Context, termID int64) (*model.Term, error) {
	var term model.Term
	err := s.db.WithContext(ctx).Where("term_id = ?", termID).Take(&term).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch term %d: %w", termID, err)
	}
	return &term, nil
}

// UpsertSnapshot は (captured_at, woeid, position) をキーにスナップショットを書き込みます。
func (s *Store) UpsertSnapshot(ctx context.Context, snap model.TrendSnapshot) error {
	snap.SnapshotID = 0
	snap.CapturedAt = snap.CapturedAt.UTC()
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "captured_at"}, {Name: "woeid"}, {Name: "position"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"run_id", "term_id", "tweet_count", "raw_name",
		}),
	}).Create(&snap).Error
	if err != nil {
		return fmt.Errorf("failed to insert snapshot: %w", err)
	}
	return nil
}
