// Package config は環境変数からのアプリケーション設定の読み込みを提供する。
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabasePath string

	// 拡張機能インスタンス識別子。OAuth stateに埋め込まれる。
	ExtensionID string

	// OAuth
	NotionClientID     string
	NotionClientSecret string // 空の場合はプロキシ経由で交換する
	OAuthRedirectURI   string
	OAuthProxyURL      string

	// Proxy（proxyサブコマンド用）
	ProxyAllowedExtensionIDs []string
	ProxyRateLimit           int // req/min

	// Notion API
	NotionParentPageID    string // データベース作成先の親ページID
	NotionAPIBaseURL      string
	NotionInternalBaseURL string
	NotionCookie          string // notion.soセッションCookie（内部API用）
	NotionActiveUserID    string

	// Extraction
	WeakTextThreshold int           // フォールバック発動のテキスト長しきい値
	MinImageSize      int           // 収集対象とする画像の最小寸法(px)
	MaxImages         int           // 収集する画像の最大数
	TextLimit         int           // 抽出テキストの最大文字数
	FetchTimeout      time.Duration // フォールバック取得のタイムアウト
	FetchMaxSize      int64         // フォールバック取得の最大レスポンスサイズ

	// Browser（ライブページ読み込み）
	BrowserEnabled    bool
	ScrollStepPx      int
	ScrollStepDelay   time.Duration

	// View migration
	ViewPollMaxAttempts int
	ViewPollInterval    time.Duration
	HelperSettleDelay   time.Duration

	// OAuth state cleanup
	StateTTL time.Duration

	// Server
	ServerPort string
	BaseURL    string

	// CORS
	CORSAllowedOrigin string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.ExtensionID = os.Getenv("EXTENSION_ID")
	if cfg.ExtensionID == "" {
		missing = append(missing, "EXTENSION_ID")
	}

	cfg.NotionClientID = os.Getenv("NOTION_CLIENT_ID")
	if cfg.NotionClientID == "" {
		missing = append(missing, "NOTION_CLIENT_ID")
	}

	cfg.OAuthRedirectURI = os.Getenv("OAUTH_REDIRECT_URI")
	if cfg.OAuthRedirectURI == "" {
		missing = append(missing, "OAUTH_REDIRECT_URI")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.DatabasePath = getEnvString("DATABASE_PATH", "raku-raku-notion.db")
	cfg.NotionClientSecret = os.Getenv("NOTION_CLIENT_SECRET")
	cfg.OAuthProxyURL = os.Getenv("OAUTH_PROXY_URL")
	cfg.ProxyAllowedExtensionIDs = splitNonEmpty(os.Getenv("PROXY_ALLOWED_EXTENSION_IDS"))
	cfg.ProxyRateLimit = getEnvInt("PROXY_RATE_LIMIT", 30)
	cfg.NotionParentPageID = os.Getenv("NOTION_PARENT_PAGE_ID")
	cfg.NotionAPIBaseURL = getEnvString("NOTION_API_BASE_URL", "https://api.notion.com")
	cfg.NotionInternalBaseURL = getEnvString("NOTION_INTERNAL_BASE_URL", "https://www.notion.so/api/v3")
	cfg.NotionCookie = os.Getenv("NOTION_COOKIE")
	cfg.NotionActiveUserID = os.Getenv("NOTION_ACTIVE_USER_ID")
	cfg.WeakTextThreshold = getEnvInt("WEAK_TEXT_THRESHOLD", 100)
	cfg.MinImageSize = getEnvInt("MIN_IMAGE_SIZE", 100)
	cfg.MaxImages = getEnvInt("MAX_IMAGES", 20)
	cfg.TextLimit = getEnvInt("TEXT_LIMIT", 5000)
	cfg.FetchTimeout = getEnvDuration("FETCH_TIMEOUT", 10*time.Second)
	cfg.FetchMaxSize = getEnvInt64("FETCH_MAX_SIZE", 5242880)
	cfg.BrowserEnabled = getEnvString("BROWSER_ENABLED", "false") == "true"
	cfg.ScrollStepPx = getEnvInt("SCROLL_STEP_PX", 800)
	cfg.ScrollStepDelay = getEnvDuration("SCROLL_STEP_DELAY", 300*time.Millisecond)
	cfg.ViewPollMaxAttempts = getEnvInt("VIEW_POLL_MAX_ATTEMPTS", 30)
	cfg.ViewPollInterval = getEnvDuration("VIEW_POLL_INTERVAL", time.Second)
	cfg.HelperSettleDelay = getEnvDuration("HELPER_SETTLE_DELAY", 500*time.Millisecond)
	cfg.StateTTL = getEnvDuration("OAUTH_STATE_TTL", 10*time.Minute)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.BaseURL = getEnvString("BASE_URL", "http://localhost:8080")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "chrome-extension://"+cfg.ExtensionID)

	return cfg, nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

// splitNonEmpty はカンマ区切りの環境変数値を空要素を除いて分割する。
func splitNonEmpty(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
