package security

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// ClipSanitizerService はクリップ内容のサニタイズ機能のインターフェースを定義する。
// 抽出テキストとユーザーメモは、Notionページに書き込む前に必ずこれを通す。
type ClipSanitizerService interface {
	// PlainText はHTMLタグをすべて除去したプレーンテキストを返す。
	// 抽出テキスト・メモのようにタグを一切含むべきでないフィールドに使う。
	// 同一入力に対して常に同一出力を返す（冪等）。
	PlainText(raw string) string

	// Markdown はMarkdown化された本文から危険なHTML断片を除去する。
	// html-to-markdown変換はインラインHTMLをそのまま残すことがあるため、
	// script/iframe等の混入をここで防ぐ。
	Markdown(raw string) string
}

// clipSanitizer はClipSanitizerServiceの実装。
// bluemondayのポリシーを保持し、スレッドセーフにサニタイズ処理を行う。
type clipSanitizer struct {
	strict   *bluemonday.Policy
	markdown *bluemonday.Policy
}

// NewClipSanitizer はClipSanitizerServiceの新しいインスタンスを生成する。
// strictポリシーは全タグを除去する。markdownポリシーはMarkdown本文に
// 現れうる最小限のインラインタグのみを許可する。
func NewClipSanitizer() *clipSanitizer {
	markdown := bluemonday.NewPolicy()
	markdown.AllowElements("br", "sub", "sup", "kbd")

	return &clipSanitizer{
		strict:   bluemonday.StrictPolicy(),
		markdown: markdown,
	}
}

// PlainText はHTMLタグをすべて除去したプレーンテキストを返す。
// bluemondayはタグ除去後にエンティティエスケープを残すため、
// 表示用にアンエスケープして返す。
func (s *clipSanitizer) PlainText(raw string) string {
	if raw == "" {
		return ""
	}
	return strings.TrimSpace(html.UnescapeString(s.strict.Sanitize(raw)))
}

// Markdown はMarkdown本文から危険なHTML断片を除去する。
func (s *clipSanitizer) Markdown(raw string) string {
	if raw == "" {
		return ""
	}
	return strings.TrimSpace(html.UnescapeString(s.markdown.Sanitize(raw)))
}

// compile-time interface check
var _ ClipSanitizerService = (*clipSanitizer)(nil)
