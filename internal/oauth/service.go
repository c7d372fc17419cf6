package oauth

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"time"

	"github.com/otagao/raku-raku-notion/internal/model"
	"github.com/otagao/raku-raku-notion/internal/repository"
)

// ServiceConfig はOAuthサービスの設定。
type ServiceConfig struct {
	// ExtensionID はこのインストールの識別子。state値に埋め込まれる。
	ExtensionID string
	// Authorize は認可URL構築の設定。
	Authorize AuthorizeConfig
	// StateTTL はstateの有効期間。古いstateはクリーンアップ対象になる。
	StateTTL time.Duration
}

// Service はOAuth認可フローの開始から完了までを管理する。
type Service struct {
	config     ServiceConfig
	stateRepo  repository.OAuthStateRepository
	configRepo repository.NotionConfigRepository
	exchanger  Exchanger
	logger     *slog.Logger
}

// NewService はServiceを生成する。
func NewService(
	config ServiceConfig,
	stateRepo repository.OAuthStateRepository,
	configRepo repository.NotionConfigRepository,
	exchanger Exchanger,
	logger *slog.Logger,
) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		config:     config,
		stateRepo:  stateRepo,
		configRepo: configRepo,
		exchanger:  exchanger,
		logger:     logger,
	}
}

// Start はOAuthフローを開始する。
// 新しいstateを生成・保存し、認可URLを返す。
// 既に進行中のフローがあっても新しいstateで上書きする（最後の開始が勝つ）。
func (s *Service) Start(ctx context.Context) (string, error) {
	state, err := GenerateState(s.config.ExtensionID)
	if err != nil {
		return "", fmt.Errorf("stateの生成に失敗: %w", err)
	}

	if err := s.stateRepo.Save(ctx, &model.OAuthState{
		Value:     state,
		Pending:   true,
		CreatedAt: time.Now(),
	}); err != nil {
		return "", fmt.Errorf("stateの保存に失敗: %w", err)
	}

	// 認可画面を開くのは呼び出し側の責務。ここではURLを返すだけ
	authorizeURL := BuildAuthorizeURL(s.config.Authorize, state)

	s.logger.Info("OAuthフローを開始", "authorize_url_host", "api.notion.com")
	return authorizeURL, nil
}

// Complete は認可後のリダイレクトURLを処理してフローを完了する。
// 成功・失敗を問わず保存済みstateは削除される。同じリダイレクトを
// 2回処理しようとすると、2回目はstate未検出で必ず失敗する（リプレイ防止）。
func (s *Service) Complete(ctx context.Context, redirectURL string) (*model.NotionConfig, error) {
	redirect, err := ParseRedirect(redirectURL)
	if err != nil {
		return nil, err
	}

	// 認可拒否。保存済みstateを破棄してフローを閉じる
	if redirect.Error != "" {
		s.clearState(ctx)
		return nil, model.NewOAuthDeniedError(redirect.Error)
	}
	if redirect.Code == "" {
		s.clearState(ctx)
		return nil, model.NewOAuthDeniedError("認可コードがありません")
	}

	stored, err := s.stateRepo.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("保存済みstateの取得に失敗: %w", err)
	}
	if stored == nil || !stored.Pending {
		return nil, model.NewStateMismatchError()
	}

	// TTLを超えたstateは受理しない。放置されたフローの使い回しを防ぐ
	if s.config.StateTTL > 0 && time.Since(stored.CreatedAt) > s.config.StateTTL {
		s.clearState(ctx)
		s.logger.Warn("期限切れのOAuth stateを破棄",
			slog.Time("created_at", stored.CreatedAt),
			slog.Duration("ttl", s.config.StateTTL),
		)
		return nil, model.NewStateExpiredError()
	}

	// 検証の成否に関わらずstateは一度きりで消費する
	defer s.clearState(ctx)

	// CSRF検証: 保存値との完全一致が必須
	if subtle.ConstantTimeCompare([]byte(stored.Value), []byte(redirect.State)) != 1 {
		s.logger.Warn("OAuth stateが保存値と一致しない")
		return nil, model.NewStateMismatchError()
	}

	// state内のextension IDは識別用途であり、不一致は警告にとどめる。
	// 別プロファイルのインストールIDが返るケースがあり、CSRF検証は
	// 上の完全一致で既に担保されている。
	if embeddedID, _, err := ParseState(redirect.State); err == nil && embeddedID != s.config.ExtensionID {
		s.logger.Warn("state内のextension IDが一致しない",
			slog.String("embedded", embeddedID),
			slog.String("expected", s.config.ExtensionID),
		)
	}

	payload, err := s.exchanger.Exchange(ctx, redirect.Code, redirect.State)
	if err != nil {
		s.logger.Error("トークン交換に失敗", "error", err)
		return nil, model.NewExchangeFailedError(err.Error())
	}

	config := &model.NotionConfig{
		AuthMethod:    model.AuthMethodOAuth,
		AccessToken:   payload.AccessToken,
		WorkspaceID:   payload.WorkspaceID,
		WorkspaceName: payload.WorkspaceName,
		BotID:         payload.BotID,
		UpdatedAt:     time.Now(),
	}
	if err := s.configRepo.Save(ctx, config); err != nil {
		return nil, fmt.Errorf("接続設定の保存に失敗: %w", err)
	}

	s.logger.Info("OAuth連携が完了",
		slog.String("workspace_id", payload.WorkspaceID),
		slog.String("workspace_name", payload.WorkspaceName),
	)
	return config, nil
}

// clearState は保存済みstateを削除する。削除失敗はログに残すのみ。
func (s *Service) clearState(ctx context.Context) {
	if err := s.stateRepo.Delete(ctx); err != nil {
		s.logger.Warn("stateの削除に失敗", "error", err)
	}
}
