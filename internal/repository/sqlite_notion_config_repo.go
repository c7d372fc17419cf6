package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/otagao/raku-raku-notion/internal/model"
)

// SQLiteNotionConfigRepo はSQLiteを使用したNotion接続設定リポジトリ。
// 設定は常にid=1の1行のみ。
type SQLiteNotionConfigRepo struct {
	db *sql.DB
}

var _ NotionConfigRepository = (*SQLiteNotionConfigRepo)(nil)

// NewSQLiteNotionConfigRepo はSQLiteNotionConfigRepoを生成する。
func NewSQLiteNotionConfigRepo(db *sql.DB) *SQLiteNotionConfigRepo {
	return &SQLiteNotionConfigRepo{db: db}
}

// Get は現在の接続設定を取得する。未設定の場合はnilを返す。
func (r *SQLiteNotionConfigRepo) Get(ctx context.Context) (*model.NotionConfig, error) {
	config := &model.NotionConfig{}
	var authMethod string
	var updatedAt int64

	err := r.db.QueryRowContext(ctx,
		`SELECT auth_method, api_key, access_token, workspace_id, workspace_name, bot_id, updated_at
		 FROM notion_config WHERE id = 1`,
	).Scan(
		&authMethod, &config.APIKey, &config.AccessToken,
		&config.WorkspaceID, &config.WorkspaceName, &config.BotID, &updatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("接続設定の取得に失敗しました: %w", err)
	}

	config.AuthMethod = model.AuthMethod(authMethod)
	config.UpdatedAt = time.Unix(updatedAt, 0)

	return config, nil
}

// Save は接続設定を保存する。既存レコードは上書きされる。
func (r *SQLiteNotionConfigRepo) Save(ctx context.Context, config *model.NotionConfig) error {
	updatedAt := config.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO notion_config (id, auth_method, api_key, access_token, workspace_id, workspace_name, bot_id, updated_at)
		 VALUES (1, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		     auth_method = excluded.auth_method,
		     api_key = excluded.api_key,
		     access_token = excluded.access_token,
		     workspace_id = excluded.workspace_id,
		     workspace_name = excluded.workspace_name,
		     bot_id = excluded.bot_id,
		     updated_at = excluded.updated_at`,
		string(config.AuthMethod), config.APIKey, config.AccessToken,
		config.WorkspaceID, config.WorkspaceName, config.BotID, updatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("接続設定の保存に失敗しました: %w", err)
	}
	return nil
}

// Delete は接続設定を削除する。
func (r *SQLiteNotionConfigRepo) Delete(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM notion_config WHERE id = 1`); err != nil {
		return fmt.Errorf("接続設定の削除に失敗しました: %w", err)
	}
	return nil
}
