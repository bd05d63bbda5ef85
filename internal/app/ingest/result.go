package ingest

import (
	"time"

	"trendsnap_service/internal/app/model"
)

// 地域結果に記録する書き込み系のエラーコード
const (
	CodePartialWrite = "PARTIAL_WRITE"
	CodeRecordFailed = "RECORD_FAILED"
)

// PlaceResult は 1 地域分の取り込み結果です。
type PlaceResult struct {
	WOEID        int64             `json:"woeid"`
	Slug         string            `json:"slug"`
	Status       model.PlaceStatus `json:"status"`
	TrendCount   *int              `json:"trendCount,omitempty"`
	ErrorCode    string            `json:"errorCode,omitempty"`
	ErrorMessage string            `json:"errorMessage,omitempty"`
}

// Succeeded は地域の取り込みが成功したかを返します。
func (p PlaceResult) Succeeded() bool { return p.Status == model.PlaceStatusSucceeded }

// Result は取り込み 1 回分の結果です。
type Result struct {
	RunID        string          `json:"runId"`
	CapturedAt   time.Time       `json:"capturedAt"`
	Status       model.RunStatus `json:"status"`
	PlaceResults []PlaceResult   `json:"placeResults"`
	ErrorSummary string          `json:"errorSummary,omitempty"`
}

// Failed は実行全体が失敗したかを返します。
func (r *Result) Failed() bool { return r.Status == model.RunStatusFailed }

// Counts は成功・失敗した地域の数を返します。
func (r *Result) Counts() (succeeded, failed int) {
	for _, p := range r.PlaceResults {
		if p.Succeeded() {
			succeeded++
		} else {
			failed++
		}
	}
	return succeeded, failed
}

// decideStatus は実行全体の状態を決めます。
func decideStatus(results []PlaceResult, fatal, unexpected bool) model.RunStatus {
	succeeded := 0
	for _, p := range results {
		if p.Succeeded() {
			succeeded++
		}
	}
	switch {
	case unexpected || fatal || succeeded == 0:
		return model.RunStatusFailed
	case succeeded == len(results):
		return model.RunStatusSucceeded
	default:
		return model.RunStatusPartial
	}
}
