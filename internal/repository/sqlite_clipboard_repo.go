package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/otagao/raku-raku-notion/internal/model"
)

// SQLiteClipboardRepo はSQLiteを使用したクリップボードリポジトリ。
type SQLiteClipboardRepo struct {
	db *sql.DB
}

var _ ClipboardRepository = (*SQLiteClipboardRepo)(nil)

// NewSQLiteClipboardRepo はSQLiteClipboardRepoを生成する。
func NewSQLiteClipboardRepo(db *sql.DB) *SQLiteClipboardRepo {
	return &SQLiteClipboardRepo{db: db}
}

const clipboardColumns = `id, name, notion_database_id, notion_database_url, created_by_extension, created_at, last_clipped_at`

// FindAll は登録済みのクリップボードを登録順で取得する。
func (r *SQLiteClipboardRepo) FindAll(ctx context.Context) ([]*model.Clipboard, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+clipboardColumns+` FROM clipboards ORDER BY created_at, id`,
	)
	if err != nil {
		return nil, fmt.Errorf("クリップボード一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var clipboards []*model.Clipboard
	for rows.Next() {
		clipboard, err := scanClipboard(rows)
		if err != nil {
			return nil, err
		}
		clipboards = append(clipboards, clipboard)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("クリップボード一覧の読み取りに失敗しました: %w", err)
	}
	return clipboards, nil
}

// FindByID はIDでクリップボードを取得する。存在しない場合はnilを返す。
func (r *SQLiteClipboardRepo) FindByID(ctx context.Context, id string) (*model.Clipboard, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+clipboardColumns+` FROM clipboards WHERE id = ?`, id,
	)
	clipboard, err := scanClipboard(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return clipboard, nil
}

// FindByDatabaseID はNotionデータベースIDでクリップボードを取得する。
// 存在しない場合はnilを返す。
func (r *SQLiteClipboardRepo) FindByDatabaseID(ctx context.Context, databaseID string) (*model.Clipboard, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+clipboardColumns+` FROM clipboards WHERE notion_database_id = ?`, databaseID,
	)
	clipboard, err := scanClipboard(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return clipboard, nil
}

// Create はクリップボードを登録する。
func (r *SQLiteClipboardRepo) Create(ctx context.Context, clipboard *model.Clipboard) error {
	createdAt := clipboard.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	var lastClippedAt *int64
	if clipboard.LastClippedAt != nil {
		v := clipboard.LastClippedAt.Unix()
		lastClippedAt = &v
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO clipboards (id, name, notion_database_id, notion_database_url, created_by_extension, created_at, last_clipped_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		clipboard.ID, clipboard.Name, clipboard.NotionDatabaseID, clipboard.NotionDatabaseURL,
		boolToInt(clipboard.CreatedByExtension), createdAt.Unix(), lastClippedAt,
	)
	if err != nil {
		return fmt.Errorf("クリップボードの登録に失敗しました: %w", err)
	}
	return nil
}

// UpdateLastClippedAt は最終クリップ日時を現在時刻に更新する。
func (r *SQLiteClipboardRepo) UpdateLastClippedAt(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE clipboards SET last_clipped_at = ? WHERE id = ?`,
		time.Now().Unix(), id,
	)
	if err != nil {
		return fmt.Errorf("最終クリップ日時の更新に失敗しました: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("更新結果の確認に失敗しました: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("クリップボードが見つかりません: %s", id)
	}
	return nil
}

// Delete はクリップボードの登録を解除する。Notion側のデータベースは削除しない。
func (r *SQLiteClipboardRepo) Delete(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM clipboards WHERE id = ?`, id); err != nil {
		return fmt.Errorf("クリップボードの削除に失敗しました: %w", err)
	}
	return nil
}

// rowScanner はsql.Rowとsql.Rowsの共通Scanインターフェース。
type rowScanner interface {
	Scan(dest ...any) error
}

func scanClipboard(row rowScanner) (*model.Clipboard, error) {
	clipboard := &model.Clipboard{}
	var createdByExtension int
	var createdAt int64
	var lastClippedAt sql.NullInt64

	err := row.Scan(
		&clipboard.ID, &clipboard.Name, &clipboard.NotionDatabaseID, &clipboard.NotionDatabaseURL,
		&createdByExtension, &createdAt, &lastClippedAt,
	)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("クリップボードの読み取りに失敗しました: %w", err)
	}

	clipboard.CreatedByExtension = createdByExtension != 0
	clipboard.CreatedAt = time.Unix(createdAt, 0)
	if lastClippedAt.Valid {
		t := time.Unix(lastClippedAt.Int64, 0)
		clipboard.LastClippedAt = &t
	}
	return clipboard, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
