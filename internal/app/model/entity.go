package model

import (
	"errors"
	"time"
)

// ErrNotFound はストアが該当行を見つけられなかったことを表します。
var ErrNotFound = errors.New("not found")

// RunStatus は IngestRun の状態です。
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusPartial   RunStatus = "partial"
	RunStatusFailed    RunStatus = "failed"
)

// PlaceStatus は 1 回の取り込みにおける地域ごとの結果です。
type PlaceStatus string

const (
	PlaceStatusSucceeded PlaceStatus = "succeeded"
	PlaceStatusFailed    PlaceStatus = "failed"
)

// Place はトレンドを追跡する地域 (WOEID) のマスタです。運用側で登録します。
type Place struct {
	WOEID       int64   `gorm:"column:woeid;primaryKey;autoIncrement:false" json:"woeid"`
	Slug        string  `gorm:"not null;uniqueIndex" json:"slug"`
	CountryCode string  `gorm:"not null;default:''" json:"countryCode"`
	NameJa      string  `gorm:"column:name_ja;not null" json:"nameJa"`
	NameEn      *string `gorm:"column:name_en" json:"nameEn,omitempty"`
	Timezone    string  `gorm:"not null;default:'UTC'" json:"timezone"`
	IsActive    bool    `gorm:"not null;index" json:"isActive"`
	SortOrder   int     `gorm:"not null" json:"sortOrder"`
}

func (Place) TableName() string { return "place" }

// Term は正規化済みのトレンド語です。TermNorm ごとに TermID はひとつだけ存在します。
type Term struct {
	TermID   int64  `gorm:"column:term_id;primaryKey;autoIncrement" json:"termId"`
	TermText string `gorm:"column:term_text;not null" json:"termText"`
	TermNorm string `gorm:"column:term_norm;not null;uniqueIndex" json:"termNorm"`
}

func (Term) TableName() string { return "term" }

// IngestRun は取り込み 1 回分の記録です。開始時に作成し、終了時に一度だけ更新します。
type IngestRun struct {
	RunID        string     `gorm:"column:run_id;primaryKey;size:36" json:"runId"`
	CapturedAt   time.Time  `gorm:"not null;index" json:"capturedAt"`
	StartedAt    time.Time  `gorm:"not null" json:"startedAt"`
	FinishedAt   *time.Time `json:"finishedAt,omitempty"`
	Status       RunStatus  `gorm:"size:16;not null" json:"status"`
	ErrorSummary *string    `json:"errorSummary,omitempty"`
}

func (IngestRun) TableName() string { return "ingest_run" }

// IngestRunPlace は地域ごとの取り込み結果です。追記のみ。
type IngestRunPlace struct {
	ID           int64       `gorm:"primaryKey;autoIncrement" json:"-"`
	RunID        string      `gorm:"column:run_id;size:36;not null;index" json:"runId"`
	WOEID        int64       `gorm:"column:woeid;not null" json:"woeid"`
	Status       PlaceStatus `gorm:"size:16;not null" json:"status"`
	ErrorCode    *string     `json:"errorCode,omitempty"`
	ErrorMessage *string     `json:"errorMessage,omitempty"`
	TrendCount   *int        `json:"trendCount,omitempty"`
}

func (IngestRunPlace) TableName() string { return "ingest_run_place" }

// TrendSnapshot はある時刻・地域における 1 順位分のトレンドです。
// (captured_at, woeid, position) が自然キーで、再取り込み時は上書きされます。
type TrendSnapshot struct {
	SnapshotID int64     `gorm:"column:snapshot_id;primaryKey;autoIncrement" json:"snapshotId"`
	RunID      string    `gorm:"column:run_id;size:36;not null;index" json:"runId"`
	CapturedAt time.Time `gorm:"not null;uniqueIndex:uq_trend_snapshot_natural,priority:1" json:"capturedAt"`
	WOEID      int64     `gorm:"column:woeid;not null;uniqueIndex:uq_trend_snapshot_natural,priority:2;index:idx_trend_snapshot_woeid_term,priority:1" json:"woeid"`
	Position   int       `gorm:"not null;uniqueIndex:uq_trend_snapshot_natural,priority:3" json:"position"`
	TermID     int64     `gorm:"column:term_id;not null;index:idx_trend_snapshot_woeid_term,priority:2;index" json:"termId"`
	TweetCount *int64    `json:"tweetCount,omitempty"`
	RawName    string    `gorm:"not null" json:"rawName"`
	CreatedAt  time.Time `json:"createdAt"`
}

func (TrendSnapshot) TableName() string { return "trend_snapshot" }

// All はマイグレーション対象のエンティティ一覧です。
func All() []any {
	return []any{&Place{}, &Term{}, &IngestRun{}, &IngestRunPlace{}, &TrendSnapshot{}}
}
