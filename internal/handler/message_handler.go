// Package handler はHTTP APIエンドポイントとメッセージディスパッチの接続を提供する。
package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/otagao/raku-raku-notion/internal/bus"
	"github.com/otagao/raku-raku-notion/internal/clip"
	"github.com/otagao/raku-raku-notion/internal/gallery"
	"github.com/otagao/raku-raku-notion/internal/model"
	"github.com/otagao/raku-raku-notion/internal/notion"
)

// ClipServiceInterface はクリップ処理のインターフェース。
type ClipServiceInterface interface {
	Do(ctx context.Context, req clip.Request) (*clip.Result, error)
	Extract(ctx context.Context, req clip.Request) (*model.ExtractedContent, error)
}

// RegistryInterface はクリップ先登録のインターフェース。
type RegistryInterface interface {
	Create(ctx context.Context, name string) (*model.Clipboard, error)
	Import(ctx context.Context, databaseID, name, databaseURL string) (*model.Clipboard, error)
	List(ctx context.Context) ([]*model.Clipboard, error)
	ListRemote(ctx context.Context) ([]notion.DatabaseSummary, error)
	Delete(ctx context.Context, clipboardID string) error
}

// ConnectionTester はNotion接続確認のインターフェース。
type ConnectionTester interface {
	TestConnection(ctx context.Context) error
}

// OAuthServiceInterface はOAuthフローのインターフェース。
type OAuthServiceInterface interface {
	Start(ctx context.Context) (string, error)
	Complete(ctx context.Context, redirectURL string) (*model.NotionConfig, error)
}

// SessionAcquirer はnotion.soヘルパーセッションの取得を抽象化する。
// releaseは必ず呼び出すこと。
type SessionAcquirer interface {
	Acquire(ctx context.Context) (gallery.InternalAPI, func(), error)
}

// MessageHandlerDeps はRegisterMessageHandlersの依存関係。
type MessageHandlerDeps struct {
	Clip        ClipServiceInterface
	Registry    RegistryInterface
	Notion      ConnectionTester
	OAuth       OAuthServiceInterface
	Sessions    SessionAcquirer
	RetryPolicy gallery.RetryPolicy
	Broadcaster *bus.Broadcaster
	Logger      *slog.Logger
}

// RegisterMessageHandlers は全メッセージタイプのハンドラをディスパッチャに登録する。
// どのハンドラもエラーを外に漏らさず、Dispatcher側でResponseに変換される。
func RegisterMessageHandlers(d *bus.Dispatcher, deps MessageHandlerDeps) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	// クリップの実行。ページ抽出からNotionページ作成までを行う
	d.Register("clip-page", func(ctx context.Context, data json.RawMessage) (any, error) {
		req, err := clip.DecodeRequest(data)
		if err != nil {
			return nil, err
		}
		return deps.Clip.Do(ctx, req)
	})

	// 抽出済みコンテンツをそのまま保存する。処理はclip-pageと共通
	d.Register("send-to-notion", func(ctx context.Context, data json.RawMessage) (any, error) {
		req, err := clip.DecodeRequest(data)
		if err != nil {
			return nil, err
		}
		return deps.Clip.Do(ctx, req)
	})

	// 保存せずに抽出結果だけを返す。プレビュー表示用
	d.Register("extract-content", func(ctx context.Context, data json.RawMessage) (any, error) {
		req, err := clip.DecodeRequest(data)
		if err != nil {
			return nil, err
		}
		return deps.Clip.Extract(ctx, req)
	})

	d.Register("test-notion-connection", func(ctx context.Context, data json.RawMessage) (any, error) {
		if err := deps.Notion.TestConnection(ctx); err != nil {
			return nil, err
		}
		return map[string]bool{"connected": true}, nil
	})

	d.Register("list-databases", func(ctx context.Context, data json.RawMessage) (any, error) {
		return deps.Registry.ListRemote(ctx)
	})

	d.Register("create-database", func(ctx context.Context, data json.RawMessage) (any, error) {
		var req struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, fmt.Errorf("リクエストの解釈に失敗: %w", err)
		}
		if req.Name == "" {
			return nil, fmt.Errorf("データベース名が未指定")
		}
		return deps.Registry.Create(ctx, req.Name)
	})

	d.Register("import-database", func(ctx context.Context, data json.RawMessage) (any, error) {
		var req struct {
			DatabaseID  string `json:"databaseId"`
			Name        string `json:"name"`
			DatabaseURL string `json:"databaseUrl"`
		}
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, fmt.Errorf("リクエストの解釈に失敗: %w", err)
		}
		if req.DatabaseID == "" {
			return nil, fmt.Errorf("データベースIDが未指定")
		}
		return deps.Registry.Import(ctx, req.DatabaseID, req.Name, req.DatabaseURL)
	})

	d.Register("list-clipboards", func(ctx context.Context, data json.RawMessage) (any, error) {
		return deps.Registry.List(ctx)
	})

	d.Register("delete-clipboard", func(ctx context.Context, data json.RawMessage) (any, error) {
		var req struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, fmt.Errorf("リクエストの解釈に失敗: %w", err)
		}
		if err := deps.Registry.Delete(ctx, req.ID); err != nil {
			return nil, err
		}
		return map[string]bool{"deleted": true}, nil
	})

	d.Register("start-oauth", func(ctx context.Context, data json.RawMessage) (any, error) {
		authorizeURL, err := deps.OAuth.Start(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]string{"authorizeUrl": authorizeURL}, nil
	})

	d.Register("complete-oauth", func(ctx context.Context, data json.RawMessage) (any, error) {
		var req struct {
			RedirectURL string `json:"redirectUrl"`
		}
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, fmt.Errorf("リクエストの解釈に失敗: %w", err)
		}
		config, err := deps.OAuth.Complete(ctx, req.RedirectURL)
		if err != nil {
			return nil, err
		}
		return map[string]string{
			"workspaceId":   config.WorkspaceID,
			"workspaceName": config.WorkspaceName,
		}, nil
	})

	// ヘルパーセッション経由でギャラリービュー移行を実行する
	d.Register("add-gallery-view-via-content", func(ctx context.Context, data json.RawMessage) (any, error) {
		var req gallery.Request
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, fmt.Errorf("リクエストの解釈に失敗: %w", err)
		}
		if req.DatabaseID == "" {
			return nil, fmt.Errorf("データベースIDが未指定")
		}

		api, release, err := deps.Sessions.Acquire(ctx)
		if err != nil {
			return nil, err
		}
		defer release()

		m := gallery.NewMigrator(api, deps.RetryPolicy, logger)
		if deps.Broadcaster != nil {
			m.SetProgressFunc(func(remaining int) {
				deps.Broadcaster.Publish(bus.Event{
					Type: "migration-progress",
					Data: map[string]int{"remainingAttempts": remaining},
				})
			})
		}
		if err := m.Migrate(ctx, req); err != nil {
			return nil, err
		}
		return map[string]bool{"migrated": true}, nil
	})

	// ヘルパーセッション経由でデータベースのビュー一覧を取得する
	d.Register("get-database-views-via-content", func(ctx context.Context, data json.RawMessage) (any, error) {
		var req struct {
			DatabaseID string `json:"databaseId"`
		}
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, fmt.Errorf("リクエストの解釈に失敗: %w", err)
		}
		if req.DatabaseID == "" {
			return nil, fmt.Errorf("データベースIDが未指定")
		}

		api, release, err := deps.Sessions.Acquire(ctx)
		if err != nil {
			return nil, err
		}
		defer release()

		chunk, err := api.LoadPageChunk(ctx, req.DatabaseID)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"viewIds": chunk.CollectionViewIDs,
			"spaceId": chunk.SpaceID,
		}, nil
	})
}
