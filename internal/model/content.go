// Package model はドメインモデルを定義する。
package model

// Video は抽出された動画の情報を表す。
type Video struct {
	URL    string `json:"url"`
	Poster string `json:"poster,omitempty"`
}

// ExtractedContent は1回のクリップ操作で抽出されたページコンテンツ。
// メッセージの往復の間だけ存在し、永続化されない。
// 各フィールドは抽出に失敗しても空のまま残る（部分的成功を許容する）。
type ExtractedContent struct {
	Title     string  `json:"title"`
	URL       string  `json:"url"`
	Text      string  `json:"text"`
	Markdown  string  `json:"markdown,omitempty"`
	Thumbnail string  `json:"thumbnail,omitempty"`
	Images    []string `json:"images,omitempty"`
	Videos    []Video `json:"videos,omitempty"`
	Icon      string  `json:"icon,omitempty"`
}

// IsWeak は抽出結果がフォールバック取得を必要とするほど弱いかを判定する。
// テキストがtextThreshold未満かつ画像が0件の場合に弱いとみなす。
// しきい値はバージョン間で変動してきたため設定値として受け取る。
func (c *ExtractedContent) IsWeak(textThreshold int) bool {
	return len([]rune(c.Text)) < textThreshold && len(c.Images) == 0
}

// WebClipData はクリップ実行リクエストのデータ。
type WebClipData struct {
	Title      string `json:"title"`
	URL        string `json:"url"`
	Memo       string `json:"memo,omitempty"`
	DatabaseID string `json:"databaseId"`
	TabID      int    `json:"tabId,omitempty"`
}
