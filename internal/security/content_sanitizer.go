// Package security はアプリケーションのセキュリティ機能を提供する。
//
// ContentSanitizer はリモートサーバーから届いた投稿本文のHTMLを
// 許可リストベースで削り、通知表示に安全な断片だけを残す。
// 連合先のサーバーは信頼できないため、主投稿とブースト元投稿の
// 両方に同じポリシーを適用する。
package security

import (
	"github.com/microcosm-cc/bluemonday"
)

// allowedElements は投稿本文で残すタグ。
var allowedElements = []string{
	"p", "code", "b", "i", "em", "strong", "a", "blockquote", "br",
}

// allowedLinkSchemes はaタグのhrefで許可するスキーム。
var allowedLinkSchemes = []string{"http", "https", "mailto"}

// ContentSanitizer は投稿本文のサニタイズを行う。
// bluemondayのPolicyはスレッドセーフなので複数セッションから共有できる。
type ContentSanitizer struct {
	policy *bluemonday.Policy
}

// NewContentSanitizer はContentSanitizerを生成する。
// ポリシーの内容:
//   - 許可タグ: p, code, b, i, em, strong, a, blockquote, br
//   - 許可属性: aタグのhrefのみ（http, https, mailto と相対URL）
//   - 許可外のタグは除去し、テキストは残す
//
// rel や target の自動付与は行わない。出力に href 以外の属性が現れないことを保証するため。
func NewContentSanitizer() *ContentSanitizer {
	p := bluemonday.NewPolicy()

	p.AllowElements(allowedElements...)

	p.AllowAttrs("href").OnElements("a")
	p.RequireParseableURLs(true)
	p.AllowRelativeURLs(true)
	p.AllowURLSchemes(allowedLinkSchemes...)

	return &ContentSanitizer{policy: p}
}

// Sanitize はHTML断片から許可外のタグと属性を除去して返す。
// 壊れた入力でもパニックせず、可能な範囲で除去した結果を返す。
// 空文字列の入力には空文字列を返す。冪等。
func (s *ContentSanitizer) Sanitize(rawHTML string) string {
	if rawHTML == "" {
		return ""
	}
	return s.policy.Sanitize(rawHTML)
}
