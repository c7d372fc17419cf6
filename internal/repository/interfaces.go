// Package repository はデータ永続化層のインターフェースと実装を提供する。
package repository

import (
	"context"

	"github.com/otagao/raku-raku-notion/internal/model"
)

// NotionConfigRepository はNotion接続設定の永続化を抽象化する。
// 設定は常に1件のみ存在する（シングルトンレコード）。
type NotionConfigRepository interface {
	// Get は現在の接続設定を取得する。未設定の場合はnilを返す。
	Get(ctx context.Context) (*model.NotionConfig, error)
	// Save は接続設定を保存する。既存レコードは上書きされる。
	Save(ctx context.Context, config *model.NotionConfig) error
	// Delete は接続設定を削除する。
	Delete(ctx context.Context) error
}

// ClipboardRepository はクリップ先データベース（クリップボード）の永続化を抽象化する。
type ClipboardRepository interface {
	// FindAll は登録済みのクリップボードを登録順で取得する。
	FindAll(ctx context.Context) ([]*model.Clipboard, error)
	// FindByID はIDでクリップボードを取得する。存在しない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Clipboard, error)
	// FindByDatabaseID はNotionデータベースIDでクリップボードを取得する。
	// 存在しない場合はnilを返す。
	FindByDatabaseID(ctx context.Context, databaseID string) (*model.Clipboard, error)
	// Create はクリップボードを登録する。
	Create(ctx context.Context, clipboard *model.Clipboard) error
	// UpdateLastClippedAt は最終クリップ日時を更新する。
	UpdateLastClippedAt(ctx context.Context, id string) error
	// Delete はクリップボードの登録を解除する。Notion側のデータベースは削除しない。
	Delete(ctx context.Context, id string) error
}

// OAuthStateRepository はOAuth認可フローのstate値の永続化を抽象化する。
// stateは1フローにつき1件で、完了または失敗時に必ず削除される。
type OAuthStateRepository interface {
	// Get は進行中フローのstateを取得する。存在しない場合はnilを返す。
	Get(ctx context.Context) (*model.OAuthState, error)
	// Save はstateを保存する。既存のstateは上書きされる。
	Save(ctx context.Context, state *model.OAuthState) error
	// Delete はstateを削除する。
	Delete(ctx context.Context) error
	// DeleteOlderThan は指定秒数より古いstateを削除し、削除件数を返す。
	DeleteOlderThan(ctx context.Context, seconds int64) (int64, error)
}
