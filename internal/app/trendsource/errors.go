package trendsource

import (
	"fmt"
	"strconv"
)

// ErrorKind は取得失敗の分類です。
type ErrorKind int

const (
	// KindRetryable は 429 / 5xx / 通信エラー / タイムアウトです。
	KindRetryable ErrorKind = iota
	// KindFatal は認証・認可エラー (401/403) で、以降の地域の処理を打ち切ります。
	KindFatal
	// KindClient はその他の 4xx です。再試行しません。
	KindClient
	// KindExhausted は再試行を使い切った状態です。
	KindExhausted
	// KindInvalid は 2xx だがレスポンスが想定の形でない場合です。
	KindInvalid
	// KindCanceled は呼び出し元のコンテキストが終了した場合です。
	KindCanceled
)

func (k ErrorKind) String() string {
	switch k {
	case KindRetryable:
		return "retryable"
	case KindFatal:
		return "fatal"
	case KindClient:
		return "client_error"
	case KindExhausted:
		return "exhausted"
	case KindInvalid:
		return "invalid"
	case KindCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// 地域結果に記録するエラーコード
const (
	CodeRetryExhausted  = "RETRY_EXHAUSTED"
	CodeInvalidResponse = "INVALID_RESPONSE"
	CodeTransport       = "TRANSPORT_ERROR"
	CodeTimeout         = "TIMEOUT"
	CodeCanceled        = "CANCELED"
)

// FetchError は FetchTrends の失敗です。
type FetchError struct {
	Kind       ErrorKind
	StatusCode int    // HTTP ステータス (通信エラー時は 0)
	Code       string // "401", "RETRY_EXHAUSTED" など
	Message    string
	Err        error // 元のエラー (KindExhausted の場合は最後のエラー)
}

func (e *FetchError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("fetch trends: %s", e.Code)
	}
	return fmt.Sprintf("fetch trends: %s: %s", e.Code, e.Message)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Fatal は実行全体を中断すべきエラーなら true です。
func (e *FetchError) Fatal() bool { return e.Kind == KindFatal }

// Retryable は再試行の対象なら true です。
func (e *FetchError) Retryable() bool { return e.Kind == KindRetryable }

func statusError(kind ErrorKind, status int, message string) *FetchError {
	return &FetchError{
		Kind:       kind,
		StatusCode: status,
		Code:       strconv.Itoa(status),
		Message:    message,
	}
}
