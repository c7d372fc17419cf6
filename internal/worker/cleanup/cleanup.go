// Package cleanup は放置されたOAuth stateの自動削除ジョブを提供する。
// 認可フローが完了しないままTTLを超過したstateを定期バッチで削除し、
// 古いstateでのコールバック再送が受理されないようにする。
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/otagao/raku-raku-notion/internal/repository"
)

// CleanupJob はTTLを超過したOAuth stateの自動削除ジョブ。
// 定期実行のバッチジョブとして設計されており、冪等な削除処理を保証する。
type CleanupJob struct {
	states repository.OAuthStateRepository
	logger *slog.Logger
	TTL    time.Duration // stateの保持期間（デフォルト: 10分）
}

// NewCleanupJob は新しいCleanupJobを生成する。
// デフォルトの保持期間は10分。
func NewCleanupJob(states repository.OAuthStateRepository, logger *slog.Logger) *CleanupJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &CleanupJob{
		states: states,
		logger: logger,
		TTL:    10 * time.Minute,
	}
}

// Run はTTLを超過したstateを削除する。
// 冪等: 削除対象がない場合でもエラーにならない。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := time.Now()

	deleted, err := j.states.DeleteOlderThan(ctx, int64(j.TTL.Seconds()))
	if err != nil {
		j.logger.Error("OAuth stateクリーンアップジョブの実行に失敗しました",
			slog.String("error", err.Error()),
			slog.Duration("ttl", j.TTL),
		)
		return fmt.Errorf("OAuth stateクリーンアップの実行に失敗: %w", err)
	}

	if deleted > 0 {
		j.logger.Info("期限切れOAuth stateを削除しました",
			slog.Int64("deleted_count", deleted),
			slog.Duration("ttl", j.TTL),
			slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
		)
	}

	return nil
}

// Start は指定間隔のティッカーでクリーンアップジョブを起動する。
// コンテキストがキャンセルされるまで実行を継続する。
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	j.logger.Info("OAuth stateクリーンアップジョブを開始しました",
		slog.Duration("interval", interval),
		slog.Duration("ttl", j.TTL),
	)

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("OAuth stateクリーンアップジョブを停止しました")
			return
		case <-ticker.C:
			if err := j.Run(ctx); err != nil {
				// エラーはログ済み。次の周期で再試行する
				continue
			}
		}
	}
}
