// Package fetch はページ本体の再取得によるフォールバック抽出を提供する。
// ブラウザ上での抽出結果が弱い（本文が短く画像もない）場合に、
// サーバ側でHTMLを取得し直して同じ収集規則で抽出をやり直す。
package fetch

import (
	"context"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
	"github.com/otagao/raku-raku-notion/internal/model"
	"github.com/otagao/raku-raku-notion/internal/page"
)

// SSRFValidator はSSRF検証のインターフェース。
// security.SSRFGuardServiceを抽象化してテスタビリティを向上させる。
type SSRFValidator interface {
	ValidateURL(rawURL string) error
	NewSafeClient(timeout time.Duration, maxResponseSize int64) *http.Client
}

// Options はフォールバック取得の動作パラメータ。
type Options struct {
	// Timeout はHTTPリクエスト全体のタイムアウト。
	Timeout time.Duration
	// MaxBodySize はレスポンスボディの読み込み上限（バイト）。
	MaxBodySize int64
	// UserAgent はリクエストに付与するUser-Agent。
	UserAgent string
}

// DefaultOptions は既定の取得パラメータを返す。
func DefaultOptions() Options {
	return Options{
		Timeout:     10 * time.Second,
		MaxBodySize: 5 * 1024 * 1024,
		UserAgent:   "RakuRakuNotion/1.0 Web Clipper",
	}
}

// Fetcher はフォールバック抽出を実行する。
// 失敗しても呼び出し元にはエラーを伝播せず、(nil, false)を返す。
// フォールバックは最善努力であり、失敗してもクリップ本体を妨げない。
type Fetcher struct {
	ssrfGuard SSRFValidator
	extractor *page.Extractor
	opts      Options
	logger    *slog.Logger
}

// NewFetcher はFetcherの新しいインスタンスを生成する。
func NewFetcher(ssrfGuard SSRFValidator, extractor *page.Extractor, opts Options, logger *slog.Logger) *Fetcher {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultOptions().Timeout
	}
	if opts.MaxBodySize <= 0 {
		opts.MaxBodySize = DefaultOptions().MaxBodySize
	}
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultOptions().UserAgent
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{
		ssrfGuard: ssrfGuard,
		extractor: extractor,
		opts:      opts,
		logger:    logger,
	}
}

// feedContentTypes はフィードとして認識するContent-Typeのリスト。
var feedContentTypes = []string{
	"application/rss+xml",
	"application/atom+xml",
}

// xmlContentTypes はXMLとして認識するContent-Type（ボディ解析が必要）。
var xmlContentTypes = []string{
	"text/xml",
	"application/xml",
}

// Fetch はURLのHTMLを取得し直して抽出をやり直す。
// 取得先がRSS/Atomフィードの場合はフィードのメタデータから内容を合成する。
// 失敗時は(nil, false)を返し、理由はログに記録する。
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*model.ExtractedContent, bool) {
	if rawURL == "" {
		return nil, false
	}

	// SSRF検証
	if f.ssrfGuard != nil {
		if err := f.ssrfGuard.ValidateURL(rawURL); err != nil {
			f.logger.Warn("フォールバック取得をSSRF検証でブロック", "url", rawURL, "error", err)
			return nil, false
		}
	}

	body, contentType, ok := f.get(ctx, rawURL)
	if !ok {
		return nil, false
	}

	// フィードURLだった場合はフィードメタデータから内容を合成
	if isFeedBody(contentType, body) {
		return f.fromFeed(rawURL, body)
	}

	snap, err := page.NewSnapshotFromString(string(body), rawURL)
	if err != nil {
		f.logger.Warn("フォールバック取得したHTMLの解析に失敗", "url", rawURL, "error", err)
		return nil, false
	}

	content := f.extractor.Extract(snap)
	if content == nil {
		return nil, false
	}
	return content, true
}

// get はHTTPリクエストを送信してボディとContent-Typeを返す。
func (f *Fetcher) get(ctx context.Context, rawURL string) ([]byte, string, bool) {
	client := f.httpClient()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		f.logger.Warn("フォールバック取得のリクエスト生成に失敗", "url", rawURL, "error", err)
		return nil, "", false
	}
	req.Header.Set("User-Agent", f.opts.UserAgent)
	req.Header.Set("Accept", "text/html, application/rss+xml, application/atom+xml, application/xml, text/xml, */*")

	resp, err := client.Do(req)
	if err != nil {
		f.logger.Warn("フォールバック取得のリクエストに失敗", "url", rawURL, "error", err)
		return nil, "", false
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		f.logger.Warn("フォールバック取得が非2xx応答", "url", rawURL, "status", resp.StatusCode)
		return nil, "", false
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.opts.MaxBodySize))
	if err != nil {
		f.logger.Warn("フォールバック取得のボディ読み取りに失敗", "url", rawURL, "error", err)
		return nil, "", false
	}

	return body, resp.Header.Get("Content-Type"), true
}

// fromFeed はRSS/Atomフィードのメタデータからクリップ内容を合成する。
func (f *Fetcher) fromFeed(rawURL string, body []byte) (*model.ExtractedContent, bool) {
	parsed, err := gofeed.NewParser().ParseString(string(body))
	if err != nil {
		f.logger.Warn("フィードの解析に失敗", "url", rawURL, "error", err)
		return nil, false
	}

	content := &model.ExtractedContent{
		Title: parsed.Title,
		URL:   rawURL,
		Text:  parsed.Description,
	}
	if content.Title == "" {
		content.Title = "Untitled"
	}
	if parsed.Image != nil && parsed.Image.URL != "" {
		content.Images = append(content.Images, parsed.Image.URL)
		content.Thumbnail = parsed.Image.URL
	}

	// 最新記事のタイトルを本文に追記してフィードの中身を伝える
	var lines []string
	if content.Text != "" {
		lines = append(lines, content.Text)
	}
	for i, item := range parsed.Items {
		if i >= 5 {
			break
		}
		lines = append(lines, item.Title)
	}
	content.Text = strings.Join(lines, "\n")

	return content, true
}

// isFeedBody はContent-Typeとボディを解析して、
// レスポンスがRSS/Atomフィードかどうかを判定する。
func isFeedBody(contentType string, body []byte) bool {
	// Content-Typeからメディアタイプを抽出（charsetなどのパラメータを除去）
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.TrimSpace(strings.Split(contentType, ";")[0])
	}
	mediaType = strings.ToLower(mediaType)

	for _, feedCT := range feedContentTypes {
		if mediaType == feedCT {
			return true
		}
	}

	// 汎用XML Content-Typeの場合はボディ解析が必要
	isXML := false
	for _, xmlCT := range xmlContentTypes {
		if mediaType == xmlCT {
			isXML = true
			break
		}
	}
	if !isXML || len(body) == 0 {
		return false
	}

	return isRSSOrAtomXML(body)
}

// isRSSOrAtomXML はXMLボディの先頭部分を解析してRSS/Atomフィードかを判定する。
func isRSSOrAtomXML(body []byte) bool {
	// 先頭4KBを検査（XMLプロローグ + ルート要素が含まれるのに十分）
	checkSize := 4096
	if len(body) < checkSize {
		checkSize = len(body)
	}
	prefix := strings.ToLower(string(body[:checkSize]))

	if strings.Contains(prefix, "<rss") {
		return true
	}
	if strings.Contains(prefix, "<rdf:rdf") {
		return true
	}
	if strings.Contains(prefix, "<feed") && strings.Contains(prefix, "http://www.w3.org/2005/atom") {
		return true
	}

	return false
}

// httpClient はHTTPクライアントを取得する。
// SSRFGuardが設定されている場合はSSRF防止付きクライアントを返す。
func (f *Fetcher) httpClient() *http.Client {
	if f.ssrfGuard != nil {
		return f.ssrfGuard.NewSafeClient(f.opts.Timeout, f.opts.MaxBodySize)
	}
	return &http.Client{Timeout: f.opts.Timeout}
}
