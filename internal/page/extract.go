package page

import (
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"

	"github.com/otagao/raku-raku-notion/internal/model"
)

// boilerplateSelectors はbody全体からテキストを抽出する際に除去する領域。
const boilerplateSelectors = "header, footer, nav, aside, [role=\"navigation\"], [role=\"banner\"], [role=\"contentinfo\"], script, style, noscript"

// nonContentSelectors はどの抽出領域からも除去するタグ。
const nonContentSelectors = "script, style, noscript"

// Options は抽出ヒューリスティクスの調整パラメータ。
// しきい値はバージョン間で変動してきたため固定の契約ではなく設定値として扱う。
type Options struct {
	TextLimit       int  // 抽出テキストの最大文字数（ルーン単位）
	MinImageSize    int  // img要素を収集対象とする最小宣言寸法(px)
	MaxImages       int  // 収集する画像の最大数
	DefaultVideoCap int  // 通常ホストでの動画収集上限
	ShortVideoCap   int  // ショート動画ホストでの動画収集上限
	ConvertMarkdown bool // 本文領域のMarkdown変換を行うか
}

// DefaultOptions はデフォルトの抽出パラメータを返す。
func DefaultOptions() Options {
	return Options{
		TextLimit:       5000,
		MinImageSize:    100,
		MaxImages:       20,
		DefaultVideoCap: 1,
		ShortVideoCap:   4,
		ConvertMarkdown: true,
	}
}

// Extractor はSnapshotからExtractedContentを生成する。
type Extractor struct {
	opts   Options
	logger *slog.Logger
}

// NewExtractor はExtractorの新しいインスタンスを生成する。
// loggerがnilの場合はデフォルトロガーを使用する。
func NewExtractor(opts Options, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.TextLimit <= 0 {
		opts.TextLimit = 5000
	}
	if opts.MaxImages <= 0 {
		opts.MaxImages = 20
	}
	if opts.DefaultVideoCap <= 0 {
		opts.DefaultVideoCap = 1
	}
	if opts.ShortVideoCap <= 0 {
		opts.ShortVideoCap = 4
	}
	return &Extractor{opts: opts, logger: logger}
}

// Extract はスナップショットからページコンテンツを抽出する。
// 抽出は決して失敗しない: フィールド単位で内部エラーを握りつぶし、
// 成功したフィールドだけを詰めた結果を返す。
func (e *Extractor) Extract(snap *Snapshot) (content *model.ExtractedContent) {
	content = &model.ExtractedContent{}
	defer func() {
		if rec := recover(); rec != nil {
			e.logger.Warn("コンテンツ抽出中にpanicが発生しました（部分的な結果を返します）",
				slog.Any("panic", rec),
				slog.String("url", content.URL),
			)
		}
	}()

	content.URL = snap.URL()
	content.Title = e.extractTitle(snap)
	content.Text, content.Markdown = e.extractText(snap)
	content.Images = e.extractImages(snap)
	content.Videos = e.extractVideos(snap)
	content.Icon = e.extractIcon(snap)
	content.Thumbnail = e.chooseThumbnail(snap, content.Images, content.Videos)

	e.logger.Debug("コンテンツ抽出が完了しました",
		slog.String("url", content.URL),
		slog.Int("text_len", len([]rune(content.Text))),
		slog.Int("images", len(content.Images)),
		slog.Int("videos", len(content.Videos)),
	)

	return content
}

// extractTitle はog:titleを優先し、なければtitleタグからタイトルを取得する。
func (e *Extractor) extractTitle(snap *Snapshot) string {
	if t := snap.metaContent(`meta[property="og:title"]`); t != "" {
		return t
	}
	if t := strings.TrimSpace(snap.find("title").First().Text()); t != "" {
		return t
	}
	return "Untitled"
}

// extractText はページの本文テキストとMarkdownを抽出する。
// article → main → [role=main] → body（ボイラープレート除去）の順で
// 最初に見つかった構造領域を使用する。ライブツリーは変更せず、
// クローンに対して不要タグの除去を行う。
func (e *Extractor) extractText(snap *Snapshot) (string, string) {
	region, isBody := e.contentRegion(snap)
	if region == nil {
		return "", ""
	}

	clone := cloneSelection(region)
	if clone == nil {
		return "", ""
	}

	if isBody {
		clone.Find(boilerplateSelectors).Remove()
	} else {
		clone.Find(nonContentSelectors).Remove()
	}

	text := normalizeWhitespace(clone.Selection.Text())
	text = truncateRunes(text, e.opts.TextLimit)

	var markdown string
	if e.opts.ConvertMarkdown {
		markdown = e.convertMarkdown(clone)
	}

	return text, markdown
}

// contentRegion は本文の構造領域を選択する。
// 戻り値のboolはbodyフォールバックかどうかを示す。
func (e *Extractor) contentRegion(snap *Snapshot) (*goquery.Selection, bool) {
	for _, selector := range []string{"article", "main", `[role="main"]`} {
		if sel := snap.find(selector).First(); sel.Length() > 0 {
			return sel, false
		}
	}
	if body := snap.find("body").First(); body.Length() > 0 {
		return body, true
	}
	return nil, false
}

// convertMarkdown はクローン済みの本文領域をMarkdownに変換する。
// 変換に失敗した場合は空文字列を返す（本文テキストは既に確保済み）。
func (e *Extractor) convertMarkdown(clone *goquery.Document) string {
	rawHTML, err := clone.Selection.Html()
	if err != nil || strings.TrimSpace(rawHTML) == "" {
		return ""
	}
	converter := md.NewConverter("", true, nil)
	markdown, err := converter.ConvertString(rawHTML)
	if err != nil {
		e.logger.Debug("Markdown変換に失敗しました", slog.String("error", err.Error()))
		return ""
	}
	return strings.TrimSpace(markdown)
}

// backgroundImageRe はstyle属性からbackground-imageのURLを取り出す。
var backgroundImageRe = regexp.MustCompile(`(?i)background(?:-image)?\s*:\s*url\(\s*['"]?([^'")]+)['"]?\s*\)`)

// extractImages は優先順位付きで画像URLを収集する。
// 順序: og:image → twitter:image → 寸法条件を満たすimg → picture source → background-image。
// URL正規化後に重複排除し、除外パターンに一致するものを弾き、上限数でカットする。
func (e *Extractor) extractImages(snap *Snapshot) []string {
	seen := make(map[string]bool)
	var images []string

	add := func(rawURL string) {
		resolved := snap.Resolve(rawURL)
		if resolved == "" || seen[resolved] || shouldIgnoreImage(resolved) {
			return
		}
		if len(images) >= e.opts.MaxImages {
			return
		}
		seen[resolved] = true
		images = append(images, resolved)
	}

	// 1-2. OGP / Twitterカードのメタ画像
	if og := snap.metaContent(`meta[property="og:image"]`); og != "" {
		add(og)
	}
	if tw := snap.metaContent(`meta[name="twitter:image"]`); tw != "" {
		add(tw)
	}

	// 3. 宣言寸法がしきい値以上のimg要素
	snap.find("img").Each(func(_ int, img *goquery.Selection) {
		if !e.hasMinDimensions(img) {
			return
		}
		if src := imageSource(img); src != "" {
			add(src)
		}
	})

	// 4. picture > source のsrcset先頭候補
	snap.find("picture source").Each(func(_ int, source *goquery.Selection) {
		if srcset, ok := source.Attr("srcset"); ok {
			if first := firstSrcsetCandidate(srcset); first != "" {
				add(first)
			}
		}
	})

	// 5. CSS background-image
	snap.find("[style]").Each(func(_ int, el *goquery.Selection) {
		style, _ := el.Attr("style")
		if m := backgroundImageRe.FindStringSubmatch(style); m != nil {
			add(m[1])
		}
	})

	// プラットフォーム固有の補正: 先頭にプレースホルダーを挿入するホストでは
	// 収集結果の1件目を破棄する。
	if dropsLeadingImage(snap.Host()) && len(images) > 0 {
		images = images[1:]
	}

	return images
}

// hasMinDimensions はimg要素の宣言寸法がしきい値以上かを判定する。
// 切り離されたツリーにはレンダリング寸法が存在しないため、
// width/height属性の宣言値のみを判定に使う。宣言がない場合は
// アイコン・スプライトのノイズを避けるため収集しない。
func (e *Extractor) hasMinDimensions(img *goquery.Selection) bool {
	w := attrInt(img, "width")
	h := attrInt(img, "height")
	if w == 0 && h == 0 {
		return false
	}
	min := e.opts.MinImageSize
	return w >= min || h >= min
}

// imageSource はimg要素から画像URLを解決する。
// src → srcset先頭候補 → 遅延読み込み属性（data-src等）の順で探す。
func imageSource(img *goquery.Selection) string {
	if src, ok := img.Attr("src"); ok && strings.TrimSpace(src) != "" {
		return src
	}
	if srcset, ok := img.Attr("srcset"); ok {
		if first := firstSrcsetCandidate(srcset); first != "" {
			return first
		}
	}
	for _, attr := range []string{"data-src", "data-original", "data-lazy"} {
		if v, ok := img.Attr(attr); ok && strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// firstSrcsetCandidate はsrcset属性の最初の候補URLを返す。
func firstSrcsetCandidate(srcset string) string {
	first := strings.Split(srcset, ",")[0]
	fields := strings.Fields(strings.TrimSpace(first))
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// attrInt は属性値を整数として読む。パースに失敗した場合は0を返す。
func attrInt(sel *goquery.Selection, name string) int {
	v, ok := sel.Attr(name)
	if !ok {
		return 0
	}
	v = strings.TrimSuffix(strings.TrimSpace(v), "px")
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

// extractVideos は動画URLとポスター画像を収集する。
// blob: URLと広告配信ドメインは除外する。収集上限はホスト依存:
// ショート動画ホストでは4件、それ以外では1件。
func (e *Extractor) extractVideos(snap *Snapshot) []model.Video {
	limit := e.opts.DefaultVideoCap
	if isShortVideoHost(snap.Host()) {
		limit = e.opts.ShortVideoCap
	}

	seen := make(map[string]bool)
	var videos []model.Video

	add := func(rawURL, poster string) {
		if len(videos) >= limit {
			return
		}
		if strings.HasPrefix(rawURL, "blob:") {
			return
		}
		resolved := snap.Resolve(rawURL)
		if resolved == "" || seen[resolved] || isAdVideoURL(resolved) {
			return
		}
		seen[resolved] = true
		if poster == "" {
			poster = videoHostThumbnail(resolved)
		}
		videos = append(videos, model.Video{URL: resolved, Poster: snap.Resolve(poster)})
	}

	snap.find("video").Each(func(_ int, video *goquery.Selection) {
		poster, _ := video.Attr("poster")
		if src, ok := video.Attr("src"); ok && strings.TrimSpace(src) != "" {
			add(src, poster)
			return
		}
		if src, ok := video.Find("source").First().Attr("src"); ok && strings.TrimSpace(src) != "" {
			add(src, poster)
		}
	})

	// og:video フォールバック
	if len(videos) == 0 {
		if og := snap.metaContent(`meta[property="og:video"]`); og != "" {
			add(og, "")
		} else if og := snap.metaContent(`meta[property="og:video:url"]`); og != "" {
			add(og, "")
		}
	}

	// 既知の動画ホスト上のページでは、ページURL自体からサムネイルを合成できる。
	if len(videos) == 0 {
		if thumb := videoHostThumbnail(snap.URL()); thumb != "" {
			videos = append(videos, model.Video{URL: snap.URL(), Poster: thumb})
		}
	}

	return videos
}

// youtubeIDRe はYouTubeのURLから動画IDを取り出す。
var youtubeIDRe = regexp.MustCompile(`(?:youtube\.com/watch\?(?:.*&)?v=|youtu\.be/|youtube\.com/embed/)([A-Za-z0-9_-]{6,})`)

// videoHostThumbnail は既知の動画ホストのURLから予測可能なCDNパターンで
// サムネイルURLを合成する。合成できない場合は空文字列を返す。
func videoHostThumbnail(rawURL string) string {
	if m := youtubeIDRe.FindStringSubmatch(rawURL); m != nil {
		return "https://i.ytimg.com/vi/" + m[1] + "/hqdefault.jpg"
	}
	return ""
}

// extractIcon はページのfaviconを取得する。
// link rel=icon → shortcut icon → apple-touch-icon → オリジンの/favicon.ico の順。
func (e *Extractor) extractIcon(snap *Snapshot) string {
	for _, selector := range []string{
		`link[rel="icon"]`,
		`link[rel="shortcut icon"]`,
		`link[rel="apple-touch-icon"]`,
	} {
		if href, ok := snap.find(selector).First().Attr("href"); ok && strings.TrimSpace(href) != "" {
			if resolved := snap.Resolve(href); resolved != "" {
				return resolved
			}
		}
	}
	return snap.Resolve("/favicon.ico")
}

// chooseThumbnail はサムネイルを優先順位に従って選択する。
// 動画ポスター > 収集済み画像の先頭 > OGP/Twitterメタの直接参照 >
// 寸法条件を満たす最初のimg の順。
func (e *Extractor) chooseThumbnail(snap *Snapshot, images []string, videos []model.Video) string {
	if len(videos) > 0 && videos[0].Poster != "" {
		return videos[0].Poster
	}
	if len(images) > 0 {
		return images[0]
	}
	if og := snap.metaContent(`meta[property="og:image"]`); og != "" {
		if resolved := snap.Resolve(og); !shouldIgnoreImage(resolved) {
			return resolved
		}
	}
	if tw := snap.metaContent(`meta[name="twitter:image"]`); tw != "" {
		if resolved := snap.Resolve(tw); !shouldIgnoreImage(resolved) {
			return resolved
		}
	}
	var fallback string
	snap.find("img").EachWithBreak(func(_ int, img *goquery.Selection) bool {
		if !e.hasMinDimensions(img) {
			return true
		}
		if src := imageSource(img); src != "" {
			if resolved := snap.Resolve(src); resolved != "" && !shouldIgnoreImage(resolved) {
				fallback = resolved
				return false
			}
		}
		return true
	})
	return fallback
}

// normalizeWhitespace は連続する空白・改行を単一スペースに正規化する。
func normalizeWhitespace(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

// truncateRunes は文字列をルーン単位でlimit文字に切り詰める。
func truncateRunes(text string, limit int) string {
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit])
}
