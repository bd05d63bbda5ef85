package model

import "time"

// SnapshotRow はある地域の取得時刻ごとの順位行 (term_text 付き) です。
type SnapshotRow struct {
	CapturedAt time.Time
	Position   int
	TermID     int64
	TweetCount *int64
	TermText   string
}

// TermPosition は特定時刻における語の順位です。
type TermPosition struct {
	TermID   int64
	Position int
}

// TermPlace は同一時刻に語が出現した地域です。
type TermPlace struct {
	TermID int64
	WOEID  int64
}

// TermCapture は語がある地域で出現した取得時刻です。
type TermCapture struct {
	TermID     int64
	CapturedAt time.Time
}

// TermHistoryRow は語の順位推移 1 点分です。
type TermHistoryRow struct {
	CapturedAt time.Time
	Position   int
	WOEID      int64
	PlaceName  string
	SortOrder  int
}

// DuplicateSnapshot は同じ (captured_at, woeid, term_id) に複数存在するスナップショット行です。
type DuplicateSnapshot struct {
	SnapshotID int64
	CapturedAt time.Time
	WOEID      int64
	TermID     int64
	Position   int
	RawName    string
	RunID      string
}
