package clip

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/otagao/raku-raku-notion/internal/bus"
	"github.com/otagao/raku-raku-notion/internal/gallery"
	"github.com/otagao/raku-raku-notion/internal/model"
	"github.com/otagao/raku-raku-notion/internal/notion"
	"github.com/otagao/raku-raku-notion/internal/repository"
)

// DatabaseCreator はNotionデータベースの作成と検索を抽象化する。
type DatabaseCreator interface {
	CreateDatabase(ctx context.Context, name string) (*notion.CreatedDatabase, error)
	ListDatabases(ctx context.Context) ([]notion.DatabaseSummary, error)
}

// ViewMigrator は既定ビューのギャラリービュー化を抽象化する。
type ViewMigrator interface {
	Migrate(ctx context.Context, req gallery.Request) error
}

// Registry はクリップ先データベースの登録・作成・削除を管理する。
type Registry struct {
	notion      DatabaseCreator
	migrator    ViewMigrator
	clipboards  repository.ClipboardRepository
	configs     repository.NotionConfigRepository
	broadcaster *bus.Broadcaster
	logger      *slog.Logger
}

// NewRegistry はRegistryを生成する。migratorはnil可で、
// その場合はビュー移行をスキップする。
func NewRegistry(
	notionClient DatabaseCreator,
	migrator ViewMigrator,
	clipboards repository.ClipboardRepository,
	configs repository.NotionConfigRepository,
	broadcaster *bus.Broadcaster,
	logger *slog.Logger,
) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		notion:      notionClient,
		migrator:    migrator,
		clipboards:  clipboards,
		configs:     configs,
		broadcaster: broadcaster,
		logger:      logger,
	}
}

// Create はNotionにデータベースを作成してクリップ先として登録する。
// ギャラリービューへの移行は最善努力で、失敗しても登録自体は成功する。
func (r *Registry) Create(ctx context.Context, name string) (*model.Clipboard, error) {
	config, err := r.configs.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("接続設定の取得に失敗: %w", err)
	}
	if config == nil || config.ActiveCredential() == "" {
		return nil, model.NewCredentialMissingError()
	}

	created, err := r.notion.CreateDatabase(ctx, name)
	if err != nil {
		return nil, err
	}

	if r.migrator != nil {
		r.migrateView(ctx, created, config)
	}

	clipboard := &model.Clipboard{
		ID:                 uuid.New().String(),
		Name:               name,
		NotionDatabaseID:   created.ID,
		NotionDatabaseURL:  created.URL,
		CreatedByExtension: true,
		CreatedAt:          time.Now(),
	}
	if err := r.clipboards.Create(ctx, clipboard); err != nil {
		return nil, fmt.Errorf("クリップ先の登録に失敗: %w", err)
	}

	r.logger.Info("クリップ先データベースを作成",
		slog.String("clipboard_id", clipboard.ID),
		slog.String("database_id", created.ID),
	)
	return clipboard, nil
}

// migrateView は作成直後のデータベースのビュー移行を試みる。
// 失敗はログと進捗イベントでユーザーに伝えるのみで、呼び出し元には返さない。
func (r *Registry) migrateView(ctx context.Context, created *notion.CreatedDatabase, config *model.NotionConfig) {
	// ギャラリーカードに表示するのはURLとメモ
	var visible []string
	for _, name := range []string{"URL", "メモ"} {
		if id, ok := created.PropertyIDs[name]; ok {
			visible = append(visible, id)
		}
	}

	err := r.migrator.Migrate(ctx, gallery.Request{
		DatabaseID:        created.ID,
		DatabaseURL:       created.URL,
		WorkspaceID:       config.WorkspaceID,
		VisibleProperties: visible,
	})
	if err != nil {
		r.logger.Warn("ギャラリービューへの移行に失敗（テーブルビューのまま登録を続行）",
			slog.String("database_id", created.ID),
			slog.String("error", err.Error()),
		)
		if r.broadcaster != nil {
			r.broadcaster.Publish(bus.Event{
				Type: "view-migration-failed",
				Data: map[string]string{"databaseId": created.ID, "error": err.Error()},
			})
		}
	}
}

// Import は既存のNotionデータベースをクリップ先として登録する。
func (r *Registry) Import(ctx context.Context, databaseID, name, databaseURL string) (*model.Clipboard, error) {
	existing, err := r.clipboards.FindByDatabaseID(ctx, databaseID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	clipboard := &model.Clipboard{
		ID:                 uuid.New().String(),
		Name:               name,
		NotionDatabaseID:   databaseID,
		NotionDatabaseURL:  databaseURL,
		CreatedByExtension: false,
		CreatedAt:          time.Now(),
	}
	if err := r.clipboards.Create(ctx, clipboard); err != nil {
		return nil, fmt.Errorf("クリップ先の登録に失敗: %w", err)
	}
	return clipboard, nil
}

// List は登録済みクリップ先の一覧を返す。
func (r *Registry) List(ctx context.Context) ([]*model.Clipboard, error) {
	return r.clipboards.FindAll(ctx)
}

// ListRemote はインテグレーションがアクセスできるNotion側の
// データベース一覧を返す。インポート候補の表示に使う。
func (r *Registry) ListRemote(ctx context.Context) ([]notion.DatabaseSummary, error) {
	return r.notion.ListDatabases(ctx)
}

// Delete はクリップ先の登録を解除する。Notion側のデータベースは残る。
func (r *Registry) Delete(ctx context.Context, clipboardID string) error {
	return r.clipboards.Delete(ctx, clipboardID)
}
