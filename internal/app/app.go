// Package app はアプリケーションの起動・依存関係のワイヤリング・
// グレースフルシャットダウンを提供する。
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/otagao/raku-raku-notion/internal/browser"
	"github.com/otagao/raku-raku-notion/internal/bus"
	"github.com/otagao/raku-raku-notion/internal/clip"
	"github.com/otagao/raku-raku-notion/internal/config"
	"github.com/otagao/raku-raku-notion/internal/database"
	"github.com/otagao/raku-raku-notion/internal/fetch"
	"github.com/otagao/raku-raku-notion/internal/gallery"
	"github.com/otagao/raku-raku-notion/internal/handler"
	"github.com/otagao/raku-raku-notion/internal/internalapi"
	"github.com/otagao/raku-raku-notion/internal/logger"
	"github.com/otagao/raku-raku-notion/internal/metrics"
	"github.com/otagao/raku-raku-notion/internal/middleware"
	"github.com/otagao/raku-raku-notion/internal/oauth"
	"github.com/otagao/raku-raku-notion/internal/page"
	"github.com/otagao/raku-raku-notion/internal/proxy"
	"github.com/otagao/raku-raku-notion/internal/repository"
	"github.com/otagao/raku-raku-notion/internal/security"
	"github.com/otagao/raku-raku-notion/internal/tabs"
	"github.com/otagao/raku-raku-notion/internal/worker/cleanup"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("設定の読み込みに失敗: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("初期化に失敗: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
	)

	switch cmd {
	case CommandServe:
		return runServe(cfg)
	case CommandProxy:
		return runProxy(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// runServe はクリップエージェントモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	db, err := database.Open(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("データベースを開けません: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("データベースに接続できません: %w", err)
	}

	slog.Info("database connection established",
		slog.String("path", cfg.DatabasePath),
	)

	// リポジトリ
	configRepo := repository.NewSQLiteNotionConfigRepo(db)
	clipboardRepo := repository.NewSQLiteClipboardRepo(db)
	stateRepo := repository.NewSQLiteOAuthStateRepo(db)

	// 周辺コンポーネント
	ssrfGuard := security.NewSSRFGuard()
	sanitizer := security.NewClipSanitizer()
	broadcaster := bus.NewBroadcaster()
	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	// 抽出パイプライン
	extractor := page.NewExtractor(page.Options{
		TextLimit:       cfg.TextLimit,
		MinImageSize:    cfg.MinImageSize,
		MaxImages:       cfg.MaxImages,
		ConvertMarkdown: true,
	}, slog.Default())

	fetcher := fetch.NewFetcher(ssrfGuard, extractor, fetch.Options{
		Timeout:     cfg.FetchTimeout,
		MaxBodySize: cfg.FetchMaxSize,
	}, slog.Default())

	// ライブページ読み込みはヘッドレスブラウザ依存のためオプトイン
	var loader clip.PageLoader
	if cfg.BrowserEnabled {
		rodLoader, err := browser.NewLoader(browser.Options{
			Timeout:         cfg.FetchTimeout,
			ScrollStepPx:    cfg.ScrollStepPx,
			ScrollStepDelay: cfg.ScrollStepDelay,
		}, slog.Default())
		if err != nil {
			return fmt.Errorf("ブラウザの起動に失敗: %w", err)
		}
		defer rodLoader.Close()
		loader = rodLoader
	}

	// Notionクライアントはクレデンシャル変更に追従するため呼び出しごとに構築する
	notionGateway := newNotionGateway(configRepo, cfg, slog.Default())
	notionGateway.metrics = collector

	// notion.soヘルパーセッション
	internalClient := internalapi.NewClient(internalapi.Config{
		Cookie:       cfg.NotionCookie,
		ActiveUserID: cfg.NotionActiveUserID,
		BaseURL:      cfg.NotionInternalBaseURL,
	}, nil, slog.Default())
	sessions := tabs.NewManager(internalClient, tabs.Options{
		SettleDelay: cfg.HelperSettleDelay,
	}, slog.Default())
	defer sessions.CloseAll()

	acquirer := &sessionAcquirer{manager: sessions}
	retryPolicy := gallery.RetryPolicy{
		MaxAttempts: cfg.ViewPollMaxAttempts,
		Interval:    cfg.ViewPollInterval,
	}

	// OAuth: シークレットが手元にあれば直接交換、なければプロキシ委譲
	var exchanger oauth.Exchanger
	if cfg.NotionClientSecret != "" {
		exchanger = &oauth.DirectExchanger{
			ClientID:     cfg.NotionClientID,
			ClientSecret: cfg.NotionClientSecret,
			RedirectURI:  cfg.OAuthRedirectURI,
		}
	} else {
		exchanger = &oauth.ProxyExchanger{ProxyURL: cfg.OAuthProxyURL}
	}
	oauthService := oauth.NewService(oauth.ServiceConfig{
		ExtensionID: cfg.ExtensionID,
		Authorize: oauth.AuthorizeConfig{
			ClientID:    cfg.NotionClientID,
			RedirectURI: cfg.OAuthRedirectURI,
		},
		StateTTL: cfg.StateTTL,
	}, stateRepo, configRepo, exchanger, slog.Default())

	// クリップサービスとクリップ先レジストリ
	clipService := clip.NewService(
		loader, extractor, fetcher, sanitizer, notionGateway,
		clipboardRepo, broadcaster,
		clip.Options{WeakTextThreshold: cfg.WeakTextThreshold},
		slog.Default(),
	)
	clipService.SetMetrics(collector)
	clipRegistry := clip.NewRegistry(
		notionGateway,
		&sessionMigrator{
			acquirer:    acquirer,
			policy:      retryPolicy,
			broadcaster: broadcaster,
			metrics:     collector,
		},
		clipboardRepo, configRepo, broadcaster, slog.Default(),
	)

	// メッセージディスパッチャ
	dispatcher := bus.NewDispatcher(slog.Default())
	handler.RegisterMessageHandlers(dispatcher, handler.MessageHandlerDeps{
		Clip:        clipService,
		Registry:    clipRegistry,
		Notion:      notionGateway,
		OAuth:       oauthService,
		Sessions:    acquirer,
		RetryPolicy: retryPolicy,
		Broadcaster: broadcaster,
		Logger:      slog.Default(),
	})

	// ルーター
	rateLimiter := middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig())
	defer rateLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		Dispatcher:     dispatcher,
		Broadcaster:    broadcaster,
		Gatherer:       registry,
		RateLimiter:    rateLimiter,
		AllowedOrigins: []string{cfg.CORSAllowedOrigin},
		Logger:         slog.Default(),
	})

	// 放置されたOAuth stateの定期クリーンアップ
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cleanupJob := cleanup.NewCleanupJob(stateRepo, slog.Default())
	cleanupJob.TTL = cfg.StateTTL
	go cleanupJob.Start(ctx, time.Minute)

	return serveHTTP(router, cfg.ServerPort, cancel)
}

// runProxy はOAuthトークン交換プロキシモードで起動する。
func runProxy(cfg *config.Config) error {
	if cfg.NotionClientSecret == "" {
		return fmt.Errorf("プロキシモードにはNOTION_CLIENT_SECRETが必要です")
	}
	if len(cfg.ProxyAllowedExtensionIDs) == 0 {
		return fmt.Errorf("プロキシモードにはPROXY_ALLOWED_EXTENSION_IDSが必要です")
	}

	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	exchangeHandler := proxy.NewHandler(proxy.ExchangeConfig{
		ClientID:            cfg.NotionClientID,
		ClientSecret:        cfg.NotionClientSecret,
		RedirectURI:         cfg.OAuthRedirectURI,
		AllowedExtensionIDs: cfg.ProxyAllowedExtensionIDs,
	}, &http.Client{Timeout: 15 * time.Second}, collector, slog.Default())

	// 許可リスト上の拡張だけをCORSオリジンとして受け入れる
	origins := make([]string, 0, len(cfg.ProxyAllowedExtensionIDs))
	for _, id := range cfg.ProxyAllowedExtensionIDs {
		origins = append(origins, "chrome-extension://"+id)
	}

	limiterCfg := middleware.DefaultRateLimiterConfig()
	if cfg.ProxyRateLimit > 0 {
		limiterCfg.ExchangeRate = rate.Limit(float64(cfg.ProxyRateLimit) / 60.0)
		limiterCfg.ExchangeBurst = cfg.ProxyRateLimit
	}
	rateLimiter := middleware.NewRateLimiter(limiterCfg)
	defer rateLimiter.Stop()

	router := proxy.NewRouter(&proxy.RouterDeps{
		Handler:        exchangeHandler,
		RateLimiter:    rateLimiter,
		AllowedOrigins: origins,
		Logger:         slog.Default(),
	})

	return serveHTTP(router, cfg.ServerPort, nil)
}

// serveHTTP はHTTPサーバーを起動し、シグナル受信でグレースフルに停止する。
func serveHTTP(router http.Handler, port string, onShutdown func()) error {
	server := &http.Server{
		Addr:         ":" + port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("HTTP server starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server listen error", slog.String("error", err.Error()))
		}
	}()

	<-stop
	slog.Info("shutting down HTTP server...")
	if onShutdown != nil {
		onShutdown()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("サーバーの停止に失敗: %w", err)
	}

	slog.Info("HTTP server stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("path", cfg.DatabasePath),
	)

	if err := database.RunMigrations(cfg.DatabasePath); err != nil {
		return fmt.Errorf("マイグレーションに失敗: %w", err)
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("ヘルスチェックに失敗: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ヘルスチェックがstatus %dを返しました", resp.StatusCode)
	}

	return nil
}
