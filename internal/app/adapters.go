package app

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/otagao/raku-raku-notion/internal/bus"
	"github.com/otagao/raku-raku-notion/internal/config"
	"github.com/otagao/raku-raku-notion/internal/gallery"
	"github.com/otagao/raku-raku-notion/internal/handler"
	"github.com/otagao/raku-raku-notion/internal/metrics"
	"github.com/otagao/raku-raku-notion/internal/model"
	"github.com/otagao/raku-raku-notion/internal/notion"
	"github.com/otagao/raku-raku-notion/internal/repository"
	"github.com/otagao/raku-raku-notion/internal/tabs"
)

// notionGateway は保存済みクレデンシャルからNotion APIクライアントを
// 呼び出しごとに構築するアダプタ。OAuth完了や手動設定でクレデンシャルが
// 変わっても再起動なしで追従できる。
type notionGateway struct {
	configs    repository.NotionConfigRepository
	httpClient *http.Client
	baseURL    string
	parentPage string
	metrics    metrics.MetricsCollector
	logger     *slog.Logger
}

func newNotionGateway(configs repository.NotionConfigRepository, cfg *config.Config, logger *slog.Logger) *notionGateway {
	return &notionGateway{
		configs:    configs,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    cfg.NotionAPIBaseURL,
		parentPage: cfg.NotionParentPageID,
		logger:     logger,
	}
}

// client は現在有効なクレデンシャルでクライアントを組み立てる。
func (g *notionGateway) client(ctx context.Context) (*notion.Client, error) {
	nc, err := g.configs.Get(ctx)
	if err != nil {
		return nil, err
	}
	if nc == nil || nc.ActiveCredential() == "" {
		return nil, model.NewCredentialMissingError()
	}

	return notion.NewClient(notion.Config{
		Token:        nc.ActiveCredential(),
		ParentPageID: g.parentPage,
		BaseURL:      g.baseURL,
	}, g.httpClient, g.logger), nil
}

func (g *notionGateway) observe(start time.Time) {
	if g.metrics != nil {
		g.metrics.RecordNotionLatency(time.Since(start))
	}
}

func (g *notionGateway) TestConnection(ctx context.Context) error {
	c, err := g.client(ctx)
	if err != nil {
		return err
	}
	defer g.observe(time.Now())
	return c.TestConnection(ctx)
}

func (g *notionGateway) ListDatabases(ctx context.Context) ([]notion.DatabaseSummary, error) {
	c, err := g.client(ctx)
	if err != nil {
		return nil, err
	}
	defer g.observe(time.Now())
	return c.ListDatabases(ctx)
}

func (g *notionGateway) CreateDatabase(ctx context.Context, name string) (*notion.CreatedDatabase, error) {
	c, err := g.client(ctx)
	if err != nil {
		return nil, err
	}
	defer g.observe(time.Now())
	return c.CreateDatabase(ctx, name)
}

func (g *notionGateway) CreatePage(ctx context.Context, databaseID string, clip *model.WebClipData, content *model.ExtractedContent) (string, error) {
	c, err := g.client(ctx)
	if err != nil {
		return "", err
	}
	defer g.observe(time.Now())
	return c.CreatePage(ctx, databaseID, clip, content)
}

// sessionAcquirer はtabs.Managerのセッション獲得をhandler層の
// インターフェースに合わせる薄いアダプタ。
type sessionAcquirer struct {
	manager *tabs.Manager
}

var _ handler.SessionAcquirer = (*sessionAcquirer)(nil)

func (a *sessionAcquirer) Acquire(ctx context.Context) (gallery.InternalAPI, func(), error) {
	session, release, err := a.manager.Acquire(ctx)
	if err != nil {
		return nil, nil, err
	}
	return session, release, nil
}

// sessionMigrator はヘルパーセッションを獲得してギャラリービュー移行を
// 実行する。移行のたびにセッションを取得・解放する。
type sessionMigrator struct {
	acquirer    *sessionAcquirer
	policy      gallery.RetryPolicy
	broadcaster *bus.Broadcaster
	metrics     metrics.MetricsCollector
}

func (m *sessionMigrator) Migrate(ctx context.Context, req gallery.Request) error {
	if m.metrics != nil {
		m.metrics.RecordMigrationAttempt()
	}

	api, release, err := m.acquirer.Acquire(ctx)
	if err != nil {
		m.recordOutcome("session_unavailable")
		return err
	}
	defer release()

	migrator := gallery.NewMigrator(api, m.policy, slog.Default())
	if m.broadcaster != nil {
		migrator.SetProgressFunc(func(remaining int) {
			m.broadcaster.Publish(bus.Event{
				Type: "migration-progress",
				Data: map[string]int{"remainingAttempts": remaining},
			})
		})
	}

	if err := migrator.Migrate(ctx, req); err != nil {
		m.recordOutcome("failure")
		return err
	}

	m.recordOutcome("success")
	return nil
}

func (m *sessionMigrator) recordOutcome(outcome string) {
	if m.metrics != nil {
		m.metrics.RecordMigrationOutcome(outcome)
	}
}
