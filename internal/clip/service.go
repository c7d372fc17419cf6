// Package clip はWebページをNotionに保存するクリップ処理の中核を提供する。
// 抽出 → 弱い結果の判定とフォールバック再取得 → サニタイズ →
// ページ作成 → クリップ先の最終クリップ日時更新、という流れを束ねる。
package clip

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/otagao/raku-raku-notion/internal/bus"
	"github.com/otagao/raku-raku-notion/internal/model"
	"github.com/otagao/raku-raku-notion/internal/page"
	"github.com/otagao/raku-raku-notion/internal/repository"
)

// PageLoader はレンダリング済みHTMLの取得を抽象化する。
// ヘッドレスブラウザ実装のほか、テストでは固定HTMLを返すスタブを使う。
type PageLoader interface {
	Load(ctx context.Context, rawURL string) (string, error)
}

// FallbackFetcher は弱い抽出結果に対するサーバ側再取得を抽象化する。
type FallbackFetcher interface {
	Fetch(ctx context.Context, rawURL string) (*model.ExtractedContent, bool)
}

// Sanitizer はクリップ本文のサニタイズを抽象化する。
type Sanitizer interface {
	PlainText(input string) string
	Markdown(input string) string
}

// PageCreator はNotionへのページ作成を抽象化する。
type PageCreator interface {
	CreatePage(ctx context.Context, databaseID string, clip *model.WebClipData, content *model.ExtractedContent) (string, error)
}

// ClipMetrics はクリップ結果とフォールバック発動の計測を抽象化する。
// nilの場合は計測しない。
type ClipMetrics interface {
	RecordClip(outcome string)
	RecordFallback()
}

// Options はクリップ処理のパラメータ。
type Options struct {
	// WeakTextThreshold は抽出結果を「弱い」と判定する本文文字数の下限。
	WeakTextThreshold int
}

// DefaultOptions は既定のパラメータを返す。
func DefaultOptions() Options {
	return Options{WeakTextThreshold: 100}
}

// Service はクリップ処理を実行する。
type Service struct {
	loader      PageLoader
	extractor   *page.Extractor
	fetcher     FallbackFetcher
	sanitizer   Sanitizer
	notion      PageCreator
	clipboards  repository.ClipboardRepository
	broadcaster *bus.Broadcaster
	metrics     ClipMetrics
	opts        Options
	logger      *slog.Logger
}

// SetMetrics は計測の実装を設定する。
func (s *Service) SetMetrics(m ClipMetrics) {
	s.metrics = m
}

// NewService はServiceを生成する。loaderとfetcherはnil可で、
// その場合は対応する段階がスキップされる。
func NewService(
	loader PageLoader,
	extractor *page.Extractor,
	fetcher FallbackFetcher,
	sanitizer Sanitizer,
	notion PageCreator,
	clipboards repository.ClipboardRepository,
	broadcaster *bus.Broadcaster,
	opts Options,
	logger *slog.Logger,
) *Service {
	if opts.WeakTextThreshold <= 0 {
		opts.WeakTextThreshold = DefaultOptions().WeakTextThreshold
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		loader:      loader,
		extractor:   extractor,
		fetcher:     fetcher,
		sanitizer:   sanitizer,
		notion:      notion,
		clipboards:  clipboards,
		broadcaster: broadcaster,
		opts:        opts,
		logger:      logger,
	}
}

// Request はクリップ要求。HTMLを直接渡すか、URLからのロードに任せる。
type Request struct {
	Clip *model.WebClipData
	// HTML が空でなければこの内容から抽出する。
	// 空の場合はPageLoaderでClip.URLを読み込む。
	HTML string
}

// Result はクリップ結果。
type Result struct {
	PageID string `json:"pageId"`
	// UsedFallback はサーバ側再取得が使われたかどうか。
	UsedFallback bool `json:"usedFallback"`
}

// Do はクリップを実行する。
func (s *Service) Do(ctx context.Context, req Request) (*Result, error) {
	clip := req.Clip
	if clip == nil || strings.TrimSpace(clip.URL) == "" {
		return nil, model.NewInvalidURLError("クリップ対象のURLが指定されていません")
	}
	if clip.DatabaseID == "" {
		return nil, model.NewDatabaseMissingError()
	}

	s.publish("clip-progress", map[string]string{"stage": "extracting", "url": clip.URL})

	content, err := s.extract(ctx, req)
	if err != nil {
		return nil, err
	}

	// 本文が乏しく画像も無い場合はサーバ側で取得し直す
	usedFallback := false
	if content.IsWeak(s.opts.WeakTextThreshold) && s.fetcher != nil {
		s.publish("clip-progress", map[string]string{"stage": "fallback-fetch", "url": clip.URL})
		if refetched, ok := s.fetcher.Fetch(ctx, clip.URL); ok && !refetched.IsWeak(s.opts.WeakTextThreshold) {
			content = refetched
			usedFallback = true
			if s.metrics != nil {
				s.metrics.RecordFallback()
			}
		}
	}

	s.sanitize(content)

	s.publish("clip-progress", map[string]string{"stage": "saving", "url": clip.URL})
	pageID, err := s.notion.CreatePage(ctx, clip.DatabaseID, clip, content)
	if err != nil {
		if s.metrics != nil {
			s.metrics.RecordClip("failure")
		}
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.RecordClip("success")
	}

	if err := s.touchClipboard(ctx, clip.DatabaseID); err != nil {
		// 日時更新の失敗でクリップ自体は失敗にしない
		s.logger.Warn("最終クリップ日時の更新に失敗", "database_id", clip.DatabaseID, "error", err)
	}

	s.publish("clip-progress", map[string]string{"stage": "done", "url": clip.URL})
	s.logger.Info("クリップが完了",
		slog.String("page_id", pageID),
		slog.String("url", clip.URL),
		slog.Bool("used_fallback", usedFallback),
	)
	return &Result{PageID: pageID, UsedFallback: usedFallback}, nil
}

// Extract は保存を行わず抽出結果だけを返す。
// ポップアップのプレビュー表示などクリップ前の確認用途に使う。
func (s *Service) Extract(ctx context.Context, req Request) (*model.ExtractedContent, error) {
	if req.Clip == nil || strings.TrimSpace(req.Clip.URL) == "" {
		return nil, model.NewInvalidURLError("抽出対象のURLが指定されていません")
	}

	content, err := s.extract(ctx, req)
	if err != nil {
		return nil, err
	}
	s.sanitize(content)
	return content, nil
}

// extract はHTMLまたはURLからコンテンツを抽出する。
func (s *Service) extract(ctx context.Context, req Request) (*model.ExtractedContent, error) {
	html := req.HTML
	if html == "" {
		if s.loader == nil {
			return nil, fmt.Errorf("HTMLもページローダーも利用できない")
		}
		loaded, err := s.loader.Load(ctx, req.Clip.URL)
		if err != nil {
			return nil, fmt.Errorf("ページの読み込みに失敗: %w", err)
		}
		html = loaded
	}

	snap, err := page.NewSnapshotFromString(html, req.Clip.URL)
	if err != nil {
		return nil, fmt.Errorf("HTMLの解析に失敗: %w", err)
	}
	return s.extractor.Extract(snap), nil
}

// sanitize は抽出結果のテキスト系フィールドをサニタイズする。
func (s *Service) sanitize(content *model.ExtractedContent) {
	if s.sanitizer == nil || content == nil {
		return
	}
	content.Title = s.sanitizer.PlainText(content.Title)
	content.Text = s.sanitizer.PlainText(content.Text)
	if content.Markdown != "" {
		content.Markdown = s.sanitizer.Markdown(content.Markdown)
	}
}

// touchClipboard はクリップ先の最終クリップ日時を更新する。
func (s *Service) touchClipboard(ctx context.Context, databaseID string) error {
	if s.clipboards == nil {
		return nil
	}
	clipboard, err := s.clipboards.FindByDatabaseID(ctx, databaseID)
	if err != nil {
		return err
	}
	if clipboard == nil {
		return nil
	}
	return s.clipboards.UpdateLastClippedAt(ctx, clipboard.ID)
}

// publish は進捗イベントを配信する。
func (s *Service) publish(eventType string, data any) {
	if s.broadcaster == nil {
		return
	}
	s.broadcaster.Publish(bus.Event{Type: eventType, Data: data})
}

// DecodeRequest はメッセージバスから受け取ったJSONをRequestに変換する。
func DecodeRequest(data json.RawMessage) (Request, error) {
	var payload struct {
		Title      string `json:"title"`
		URL        string `json:"url"`
		Memo       string `json:"memo"`
		DatabaseID string `json:"databaseId"`
		TabID      int    `json:"tabId"`
		HTML       string `json:"html"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return Request{}, fmt.Errorf("クリップ要求の解析に失敗: %w", err)
	}
	return Request{
		Clip: &model.WebClipData{
			Title:      payload.Title,
			URL:        payload.URL,
			Memo:       payload.Memo,
			DatabaseID: payload.DatabaseID,
			TabID:      payload.TabID,
		},
		HTML: payload.HTML,
	}, nil
}
