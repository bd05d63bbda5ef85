package signal

import (
	"time"

	"trendsnap_service/internal/app/model"
)

// TrendItem は 1 順位分のトレンドです。シグナルは nil なら「不明」を表します。
type TrendItem struct {
	Position      int    `json:"position"`
	TermID        int64  `json:"termId"`
	TermText      string `json:"termText"`
	TweetCount    *int64 `json:"tweetCount,omitempty"`
	RankChange    *int   `json:"rankChange,omitempty"`
	DurationHours *int   `json:"durationHours,omitempty"`
	RegionCount   *int   `json:"regionCount,omitempty"`
}

// Window はあるオフセットに対応するスナップショットです。CapturedAt が nil ならデータなし。
type Window struct {
	OffsetHours int         `json:"offsetHours"`
	CapturedAt  *time.Time  `json:"capturedAt"`
	Trends      []TrendItem `json:"trends"`
}

// HasData はウィンドウに対応する取得時刻があったかを返します。
func (w Window) HasData() bool { return w.CapturedAt != nil }

// PlaceView は地域のトレンドをオフセットごとに並べたものです。
type PlaceView struct {
	Place            *model.Place `json:"place,omitempty"`
	WOEID            int64        `json:"woeid"`
	LatestCapturedAt *time.Time   `json:"latestCapturedAt"`
	Windows          []Window     `json:"windows"`
}

// Window は offset のウィンドウを返します。無ければ ok=false。
func (v *PlaceView) Window(offset int) (Window, bool) {
	for _, w := range v.Windows {
		if w.OffsetHours == offset {
			return w, true
		}
	}
	return Window{}, false
}

// HistoryPoint は語の順位推移 1 点分です。
type HistoryPoint struct {
	CapturedAt time.Time `json:"capturedAt"`
	Position   int       `json:"position"`
	WOEID      int64     `json:"woeid"`
	PlaceName  string    `json:"placeName"`
	SortOrder  int       `json:"sortOrder"`
}

// TermHistory は語とその順位推移です。
type TermHistory struct {
	Term    model.Term     `json:"term"`
	Hours   int            `json:"hours"`
	History []HistoryPoint `json:"history"`
}
