// Package gallery は新規作成したNotionデータベースの既定テーブルビューを
// ギャラリービューに置き換える移行処理を提供する。
// 内部APIへの反映には時間がかかるため、ビューが現れるまでポーリングする。
// 移行の失敗は呼び出し側で非致命として扱われる（データベース作成自体は成功）。
package gallery

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/otagao/raku-raku-notion/internal/internalapi"
	"github.com/otagao/raku-raku-notion/internal/model"
)

// galleryViewName は作成するギャラリービューの表示名。
const galleryViewName = "Gallery View (Extension)"

// InternalAPI は移行に必要な内部API操作を抽象化する。
type InternalAPI interface {
	LoadPageChunk(ctx context.Context, pageID string) (*internalapi.PageChunk, error)
	SaveTransactions(ctx context.Context, transactions []internalapi.Transaction) error
}

// RetryPolicy はビュー出現待ちポーリングの設定。
type RetryPolicy struct {
	// MaxAttempts はポーリングの最大試行回数。
	MaxAttempts int
	// Interval は試行間の待機時間。
	Interval time.Duration
}

// DefaultRetryPolicy は既定のポーリング設定を返す。
// データベース作成から内部APIへの反映は通常数秒、遅いと30秒近くかかる。
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 30,
		Interval:    time.Second,
	}
}

// Request はビュー移行の入力。
type Request struct {
	// DatabaseID は移行対象のNotionデータベースID。
	DatabaseID string
	// DatabaseURL はデータベース作成時に返されたURL。
	// v=クエリから既定ビューIDを抽出するのに使う。
	DatabaseURL string
	// WorkspaceID はOAuthで取得済みのワークスペースID。
	// 内部APIからspace IDが取れない場合のフォールバック。
	WorkspaceID string
	// VisibleProperties はギャラリーカードに表示するプロパティID。
	VisibleProperties []string
}

// Migrator はビュー移行を実行する。
type Migrator struct {
	api    InternalAPI
	policy RetryPolicy
	logger *slog.Logger

	// sleep はテストで時間を進めずに待機を差し替えるためのフック。
	sleep func(ctx context.Context, d time.Duration) error
	// progress はポーリングの残り試行回数の通知先。nil可。
	progress func(remaining int)
}

// NewMigrator はMigratorを生成する。
func NewMigrator(api InternalAPI, policy RetryPolicy, logger *slog.Logger) *Migrator {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = DefaultRetryPolicy().MaxAttempts
	}
	if policy.Interval <= 0 {
		policy.Interval = DefaultRetryPolicy().Interval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Migrator{
		api:    api,
		policy: policy,
		logger: logger,
		sleep:  sleepCtx,
	}
}

// SetProgressFunc はポーリング進捗の通知先を設定する。
// remainingには残り試行回数が渡される。
func (m *Migrator) SetProgressFunc(fn func(remaining int)) {
	m.progress = fn
}

// Migrate はデータベースの既定ビューをギャラリービューに置き換える。
// ビューが内部APIに現れるまで待ち、既定ビューの削除と
// ギャラリービューの追加を1トランザクションで適用する。
func (m *Migrator) Migrate(ctx context.Context, req Request) error {
	chunk, err := m.AwaitViews(ctx, req.DatabaseID)
	if err != nil {
		// ビューが現れなくてもURLからビューIDが取れていれば続行できる
		m.logger.Warn("ビューの出現待ちがタイムアウト", "database_id", req.DatabaseID, "error", err)
		if chunk == nil {
			chunk = &internalapi.PageChunk{}
		}
	}

	existingViewID, spaceID := m.ResolveIdentifiers(req, chunk)
	if spaceID == "" {
		return fmt.Errorf("space IDを特定できない: 再認証が必要")
	}

	tx := BuildTransaction(TransactionParams{
		DatabaseID:        req.DatabaseID,
		SpaceID:           spaceID,
		NewViewID:         uuid.New().String(),
		ExistingViewID:    existingViewID,
		VisibleProperties: req.VisibleProperties,
	})

	if err := m.api.SaveTransactions(ctx, []internalapi.Transaction{tx}); err != nil {
		return fmt.Errorf("ビュー移行トランザクションの適用に失敗: %w", err)
	}

	m.logger.Info("ギャラリービューへの移行が完了",
		slog.String("database_id", req.DatabaseID),
		slog.String("removed_view_id", existingViewID),
	)
	return nil
}

// AwaitViews はデータベースのビューが内部APIに現れるまでポーリングする。
// 最初に空でないビュー一覧が得られた時点で打ち切る。
// 上限まで待っても現れない場合はVIEW_NOT_FOUNDを返す。
func (m *Migrator) AwaitViews(ctx context.Context, databaseID string) (*internalapi.PageChunk, error) {
	var last *internalapi.PageChunk

	for attempt := 0; attempt < m.policy.MaxAttempts; attempt++ {
		if m.progress != nil {
			m.progress(m.policy.MaxAttempts - attempt)
		}

		chunk, err := m.api.LoadPageChunk(ctx, databaseID)
		if err != nil {
			// 反映待ちの間は認可エラーも起こりうるため試行を続ける
			m.logger.Debug("loadPageChunkが失敗", "attempt", attempt+1, "error", err)
		} else {
			last = chunk
			if len(chunk.CollectionViewIDs) > 0 {
				m.logger.Info("ビューの出現を確認",
					slog.Int("attempts", attempt+1),
					slog.Int("view_count", len(chunk.CollectionViewIDs)),
				)
				return chunk, nil
			}
		}

		if attempt < m.policy.MaxAttempts-1 {
			if err := m.sleep(ctx, m.policy.Interval); err != nil {
				return last, err
			}
		}
	}

	return last, model.NewViewNotFoundError(databaseID)
}

// ResolveIdentifiers は削除対象ビューIDとspace IDを決定する。
// ビューIDはデータベースURLのv=クエリを優先し、なければポーリング結果の先頭。
// space IDは内部APIの値を優先し、なければOAuthで取得済みのワークスペースID。
func (m *Migrator) ResolveIdentifiers(req Request, chunk *internalapi.PageChunk) (existingViewID, spaceID string) {
	existingViewID = ViewIDFromDatabaseURL(req.DatabaseURL)
	if existingViewID == "" && chunk != nil && len(chunk.CollectionViewIDs) > 0 {
		existingViewID = chunk.CollectionViewIDs[0]
	}

	if chunk != nil && chunk.SpaceID != "" {
		spaceID = chunk.SpaceID
	} else {
		spaceID = req.WorkspaceID
	}
	return existingViewID, spaceID
}

// ViewIDFromDatabaseURL はデータベースURLのv=クエリからビューIDを抽出する。
// 取得できない場合は空文字列を返す。
func ViewIDFromDatabaseURL(rawURL string) string {
	if rawURL == "" {
		return ""
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return internalapi.FormatUUID(u.Query().Get("v"))
}

// TransactionParams はビュー移行トランザクションの構築パラメータ。
type TransactionParams struct {
	DatabaseID        string
	SpaceID           string
	NewViewID         string
	ExistingViewID    string
	VisibleProperties []string
}

// galleryProperty はギャラリーカードのプロパティ表示設定。
type galleryProperty struct {
	Property string `json:"property"`
	Visible  bool   `json:"visible"`
}

// BuildTransaction はビュー移行のトランザクションを構築する。
// 操作順は 既存ビューの削除 → ギャラリービューの作成。
// 逆順にするとNotionのUIが一瞬だけ2ビュー表示になるため削除を先にする。
func BuildTransaction(p TransactionParams) internalapi.Transaction {
	databaseID := internalapi.FormatUUID(p.DatabaseID)

	var ops []internalapi.Operation

	if p.ExistingViewID != "" {
		ops = append(ops,
			internalapi.Operation{
				ID:      databaseID,
				Table:   "block",
				Path:    []string{"view_ids"},
				Command: "listRemove",
				Args:    map[string]string{"id": p.ExistingViewID},
			},
			internalapi.Operation{
				ID:      p.ExistingViewID,
				Table:   "collection_view",
				Path:    []string{},
				Command: "update",
				Args:    map[string]any{"alive": false},
			},
		)
	}

	// カバー画像プロパティは常に先頭・非表示で固定
	properties := []galleryProperty{{Property: "cover", Visible: false}}
	for _, propID := range p.VisibleProperties {
		properties = append(properties, galleryProperty{Property: propID, Visible: true})
	}

	ops = append(ops,
		internalapi.Operation{
			ID:      p.NewViewID,
			Table:   "collection_view",
			Path:    []string{},
			Command: "set",
			Args: map[string]any{
				"id":      p.NewViewID,
				"version": 0,
				"type":    "gallery",
				"name":    galleryViewName,
				"format": map[string]any{
					"gallery_properties":   properties,
					"gallery_cover":        map[string]string{"type": "page_content"},
					"gallery_cover_aspect": "contain",
				},
				"parent_id":    databaseID,
				"parent_table": "block",
				"alive":        true,
			},
		},
		internalapi.Operation{
			ID:      databaseID,
			Table:   "block",
			Path:    []string{"view_ids"},
			Command: "listAfter",
			Args:    map[string]string{"id": p.NewViewID},
		},
	)

	return internalapi.Transaction{
		SpaceID:    internalapi.FormatUUID(p.SpaceID),
		Operations: ops,
	}
}

// sleepCtx はコンテキストのキャンセルを尊重して待機する。
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
