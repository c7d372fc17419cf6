package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/otagao/raku-raku-notion/internal/model"
)

// SQLiteOAuthStateRepo はSQLiteを使用したOAuth stateリポジトリ。
// stateは常にid=1の1行のみで、フロー開始ごとに上書きされる。
type SQLiteOAuthStateRepo struct {
	db *sql.DB
}

var _ OAuthStateRepository = (*SQLiteOAuthStateRepo)(nil)

// NewSQLiteOAuthStateRepo はSQLiteOAuthStateRepoを生成する。
func NewSQLiteOAuthStateRepo(db *sql.DB) *SQLiteOAuthStateRepo {
	return &SQLiteOAuthStateRepo{db: db}
}

// Get は進行中フローのstateを取得する。存在しない場合はnilを返す。
func (r *SQLiteOAuthStateRepo) Get(ctx context.Context) (*model.OAuthState, error) {
	state := &model.OAuthState{}
	var pending int
	var createdAt int64

	err := r.db.QueryRowContext(ctx,
		`SELECT value, pending, created_at FROM oauth_state WHERE id = 1`,
	).Scan(&state.Value, &pending, &createdAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("OAuth stateの取得に失敗しました: %w", err)
	}

	state.Pending = pending != 0
	state.CreatedAt = time.Unix(createdAt, 0)
	return state, nil
}

// Save はstateを保存する。既存のstateは上書きされる。
func (r *SQLiteOAuthStateRepo) Save(ctx context.Context, state *model.OAuthState) error {
	createdAt := state.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO oauth_state (id, value, pending, created_at)
		 VALUES (1, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		     value = excluded.value,
		     pending = excluded.pending,
		     created_at = excluded.created_at`,
		state.Value, boolToInt(state.Pending), createdAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("OAuth stateの保存に失敗しました: %w", err)
	}
	return nil
}

// Delete はstateを削除する。
func (r *SQLiteOAuthStateRepo) Delete(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM oauth_state WHERE id = 1`); err != nil {
		return fmt.Errorf("OAuth stateの削除に失敗しました: %w", err)
	}
	return nil
}

// DeleteOlderThan は指定秒数より古いstateを削除し、削除件数を返す。
// 放置されたフローのstateを定期クリーンアップで回収するために使う。
func (r *SQLiteOAuthStateRepo) DeleteOlderThan(ctx context.Context, seconds int64) (int64, error) {
	cutoff := time.Now().Unix() - seconds

	result, err := r.db.ExecContext(ctx,
		`DELETE FROM oauth_state WHERE created_at < ?`, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("期限切れOAuth stateの削除に失敗しました: %w", err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("削除件数の取得に失敗しました: %w", err)
	}
	return deleted, nil
}
