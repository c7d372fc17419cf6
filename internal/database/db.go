package database

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Open はSQLiteデータベース接続を開く。
// 親ディレクトリが存在しない場合は作成する。
// WALモードとbusy_timeoutを接続文字列のpragmaで設定するため、
// プール内の全コネクションに適用される。
func Open(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("データベースディレクトリの作成に失敗: %w", err)
		}
	}

	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("データベースを開けません: %w", err)
	}

	// SQLiteは単一ライターのため、書き込み競合を避けて1接続に絞る
	db.SetMaxOpenConns(1)

	return db, nil
}
