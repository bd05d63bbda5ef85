// Package normalize はトレンド語の照合キーを作ります。
package normalize

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// Term はトレンド語を正規化します。
// NFKC → 前後の空白除去 → 連続空白を半角スペース 1 つに → 小文字化。先頭の # は残します。
//
//	Term("  #ＡＩ　トレンド  ") == "#ai トレンド"
func Term(text string) string {
	s := norm.NFKC.String(text)
	s = strings.Join(strings.FieldsFunc(s, unicode.IsSpace), " ")
	return strings.ToLower(s)
}

// LabelKey は取得リストの重複判定キーです (大文字小文字のみ無視)。
func LabelKey(name string) string {
	return strings.ToLower(name)
}
