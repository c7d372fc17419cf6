// Package browser はヘッドレスブラウザによるページ読込を提供する。
// 遅延読込（lazy-load）される画像や無限スクロールの本文は
// 静的なHTTP取得では得られないため、実ブラウザでページを開き、
// 段階的にスクロールして読込を促してからDOMを取り出す。
package browser

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
)

// PageLoader はページのHTML取得を抽象化するインターフェース。
type PageLoader interface {
	// Load はURLを開いてレンダリング後のHTMLを返す。
	Load(ctx context.Context, rawURL string) (string, error)
	// Close はブラウザを終了する。
	Close() error
}

// Options はページ読込の動作パラメータ。
type Options struct {
	// Timeout はナビゲーションを含むページ読込全体のタイムアウト。
	Timeout time.Duration
	// ScrollStepPx は1回のスクロール量（ピクセル）。
	ScrollStepPx int
	// ScrollStepDelay は各スクロール後に遅延読込を待つ時間。
	ScrollStepDelay time.Duration
	// MaxScrollSteps はスクロール回数の上限。無限スクロールページ対策。
	MaxScrollSteps int
}

// DefaultOptions は既定の読込パラメータを返す。
func DefaultOptions() Options {
	return Options{
		Timeout:         30 * time.Second,
		ScrollStepPx:    800,
		ScrollStepDelay: 300 * time.Millisecond,
		MaxScrollSteps:  30,
	}
}

// Loader はヘッドレスChromiumを使ったPageLoader実装。
type Loader struct {
	browser  *rod.Browser
	launcher *launcher.Launcher
	opts     Options
	logger   *slog.Logger
}

var _ PageLoader = (*Loader)(nil)

// NewLoader はヘッドレスブラウザを起動してLoaderを生成する。
func NewLoader(opts Options, logger *slog.Logger) (*Loader, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultOptions().Timeout
	}
	if opts.ScrollStepPx <= 0 {
		opts.ScrollStepPx = DefaultOptions().ScrollStepPx
	}
	if opts.ScrollStepDelay <= 0 {
		opts.ScrollStepDelay = DefaultOptions().ScrollStepDelay
	}
	if opts.MaxScrollSteps <= 0 {
		opts.MaxScrollSteps = DefaultOptions().MaxScrollSteps
	}
	if logger == nil {
		logger = slog.Default()
	}

	l := launcher.New().Headless(true)
	controlURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("ブラウザの起動に失敗: %w", err)
	}

	b := rod.New().ControlURL(controlURL)
	if err := b.Connect(); err != nil {
		l.Kill()
		return nil, fmt.Errorf("ブラウザへの接続に失敗: %w", err)
	}

	return &Loader{
		browser:  b,
		launcher: l,
		opts:     opts,
		logger:   logger,
	}, nil
}

// Load はURLを開き、段階的スクロールで遅延読込を発火させてからHTMLを返す。
func (l *Loader) Load(ctx context.Context, rawURL string) (string, error) {
	page, err := l.browser.Page(proto.TargetCreateTarget{})
	if err != nil {
		return "", fmt.Errorf("ページの作成に失敗: %w", err)
	}
	defer page.Close()

	page = page.Context(ctx)

	if err := page.Timeout(l.opts.Timeout).Navigate(rawURL); err != nil {
		return "", fmt.Errorf("ナビゲーションに失敗: %w", err)
	}
	if err := page.Timeout(l.opts.Timeout).WaitLoad(); err != nil {
		return "", fmt.Errorf("ページ読込の完了待ちに失敗: %w", err)
	}

	if err := l.scrollThrough(ctx, page); err != nil {
		// スクロールの失敗は致命的ではない。読込済みの範囲で続行する。
		l.logger.Warn("ページスクロールに失敗", "url", rawURL, "error", err)
	}

	html, err := page.HTML()
	if err != nil {
		return "", fmt.Errorf("HTMLの取得に失敗: %w", err)
	}
	return html, nil
}

// scrollThrough はページ末尾まで段階的にスクロールし、先頭に戻す。
// 各ステップの後に待機を挟み、lazy-load画像の読込を発火させる。
func (l *Loader) scrollThrough(ctx context.Context, page *rod.Page) error {
	heightObj, err := page.Eval(`() => document.body.scrollHeight`)
	if err != nil {
		return fmt.Errorf("ページ高さの取得に失敗: %w", err)
	}
	height := heightObj.Value.Int()

	pos := 0
	for step := 0; step < l.opts.MaxScrollSteps && pos < height; step++ {
		pos += l.opts.ScrollStepPx
		if _, err := page.Eval(`(y) => window.scrollTo(0, y)`, pos); err != nil {
			return fmt.Errorf("スクロールに失敗: %w", err)
		}
		if err := sleepCtx(ctx, l.opts.ScrollStepDelay); err != nil {
			return err
		}

		// 無限スクロールで高さが伸びても上限回数までは追従する
		if obj, err := page.Eval(`() => document.body.scrollHeight`); err == nil {
			height = obj.Value.Int()
		}
	}

	// 先頭に戻してページ冒頭の表示状態を復元
	if _, err := page.Eval(`() => window.scrollTo(0, 0)`); err != nil {
		return fmt.Errorf("先頭へのスクロールに失敗: %w", err)
	}
	return sleepCtx(ctx, l.opts.ScrollStepDelay)
}

// Close はブラウザとランチャープロセスを終了する。
func (l *Loader) Close() error {
	var err error
	if l.browser != nil {
		err = l.browser.Close()
	}
	if l.launcher != nil {
		l.launcher.Kill()
	}
	return err
}

// sleepCtx はコンテキストのキャンセルを尊重して待機する。
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
