// Package proxy はブラウザ拡張向けのOAuthトークン交換プロキシを提供する。
// クライアントシークレットを拡張に配布せず、サーバー側でNotionの
// トークンエンドポイントと交換を行う。
package proxy

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/otagao/raku-raku-notion/internal/middleware"
	"github.com/otagao/raku-raku-notion/internal/oauth"
)

const defaultTokenURL = "https://api.notion.com/v1/oauth/token"

// ExchangeConfig はトークン交換の設定を保持する。
type ExchangeConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string

	// AllowedExtensionIDs はstateに埋め込まれた拡張IDの許可リスト。
	// 空の場合はすべて拒否する。
	AllowedExtensionIDs []string

	// TokenURL はテストで差し替え可能なトークンエンドポイント。
	// 空の場合はNotionの本番エンドポイントを使う。
	TokenURL string
}

// Handler はプロキシのHTTPハンドラー群を提供する。
type Handler struct {
	config     ExchangeConfig
	allowlist  map[string]struct{}
	httpClient *http.Client
	logger     *slog.Logger
	metrics    ExchangeMetrics
}

// ExchangeMetrics はトークン交換の結果を記録する。nil実装可。
type ExchangeMetrics interface {
	ObserveExchange(outcome string)
}

// NewHandler はHandlerを生成する。
func NewHandler(config ExchangeConfig, httpClient *http.Client, metrics ExchangeMetrics, logger *slog.Logger) *Handler {
	if config.TokenURL == "" {
		config.TokenURL = defaultTokenURL
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	allowlist := make(map[string]struct{}, len(config.AllowedExtensionIDs))
	for _, id := range config.AllowedExtensionIDs {
		allowlist[id] = struct{}{}
	}
	return &Handler{
		config:     config,
		allowlist:  allowlist,
		httpClient: httpClient,
		logger:     logger,
		metrics:    metrics,
	}
}

// exchangeRequest は拡張から受け取る交換リクエスト。
// ExtensionIDは任意で、指定された場合はstateに埋め込まれたIDとの
// 一致を検証する。
type exchangeRequest struct {
	Code        string `json:"code"`
	State       string `json:"state"`
	ExtensionID string `json:"extensionId"`
}

// TokenPayload は拡張へ返す正規化済みトークンペイロード。
type TokenPayload struct {
	Success       bool   `json:"success"`
	AccessToken   string `json:"access_token"`
	BotID         string `json:"bot_id"`
	WorkspaceID   string `json:"workspace_id"`
	WorkspaceName string `json:"workspace_name,omitempty"`
	WorkspaceIcon string `json:"workspace_icon,omitempty"`
}

// exchangeError は交換エンドポイントのエラーレスポンス。
// 拡張側のExchangerはこのerrorフィールドをそのまま表示に使う。
type exchangeError struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// writeExchangeError は交換エンドポイント固有のエラー形式で応答する。
func writeExchangeError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(exchangeError{Success: false, Error: message})
}

// Health はヘルスチェックエンドポイント。
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// Exchange は認可コードをアクセストークンに交換する。
// stateの形式検証と拡張IDの許可リスト照合を行ってから
// Notionのトークンエンドポイントへ委譲する。
func (h *Handler) Exchange(w http.ResponseWriter, r *http.Request) {
	var req exchangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.observe("invalid_request")
		writeExchangeError(w, http.StatusBadRequest, "リクエストボディを解釈できません。")
		return
	}

	if req.Code == "" || req.State == "" {
		h.observe("invalid_request")
		writeExchangeError(w, http.StatusBadRequest, "codeとstateは必須です。")
		return
	}

	// state形式の検証: base64(extensionId:64桁hex)であること
	extensionID, _, err := oauth.ParseState(req.State)
	if err != nil {
		h.observe("invalid_state")
		h.logger.Warn("malformed oauth state rejected",
			slog.String("client_ip", middleware.ClientIP(r)),
		)
		writeExchangeError(w, http.StatusBadRequest, "stateの形式が不正です。")
		return
	}

	// 呼び出し元が申告したextension IDとstate埋め込みIDの照合。
	// stateを横取りした別の拡張からの交換要求を拒否する
	if req.ExtensionID != "" && req.ExtensionID != extensionID {
		h.observe("forbidden")
		h.logger.Warn("extension id does not match state",
			slog.String("claimed", req.ExtensionID),
			slog.String("embedded", extensionID),
			slog.String("client_ip", middleware.ClientIP(r)),
		)
		writeExchangeError(w, http.StatusForbidden, "extension IDがstateと一致しません。")
		return
	}

	// 許可リスト照合。未知の拡張からの交換要求は拒否する
	if _, ok := h.allowlist[extensionID]; !ok {
		h.observe("forbidden")
		h.logger.Warn("extension id not in allowlist",
			slog.String("extension_id", extensionID),
			slog.String("client_ip", middleware.ClientIP(r)),
		)
		writeExchangeError(w, http.StatusForbidden, "この拡張からのトークン交換は許可されていません。")
		return
	}

	payload, upstreamErr := h.exchangeUpstream(r, req.Code)
	if upstreamErr != nil {
		h.observe("upstream_error")
		h.logger.Error("token exchange failed",
			slog.String("extension_id", extensionID),
			slog.String("error", upstreamErr.Error()),
		)
		writeExchangeError(w, http.StatusBadGateway, upstreamErr.Error())
		return
	}

	h.observe("success")
	h.logger.Info("token exchange completed",
		slog.String("extension_id", extensionID),
		slog.String("workspace_id", payload.WorkspaceID),
	)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(payload)
}

// upstreamTokenResponse はNotionトークンエンドポイントのレスポンス。
type upstreamTokenResponse struct {
	AccessToken   string `json:"access_token"`
	BotID         string `json:"bot_id"`
	WorkspaceID   string `json:"workspace_id"`
	WorkspaceName string `json:"workspace_name"`
	WorkspaceIcon string `json:"workspace_icon"`
	Error         string `json:"error"`
	ErrorDesc     string `json:"error_description"`
}

// exchangeUpstream はNotionのトークンエンドポイントに交換リクエストを送る。
func (h *Handler) exchangeUpstream(r *http.Request, code string) (*TokenPayload, error) {
	body, err := json.Marshal(map[string]string{
		"grant_type":   "authorization_code",
		"code":         code,
		"redirect_uri": h.config.RedirectURI,
	})
	if err != nil {
		return nil, fmt.Errorf("リクエストの生成に失敗: %w", err)
	}

	upstreamReq, err := http.NewRequestWithContext(r.Context(), http.MethodPost, h.config.TokenURL, strings.NewReader(string(body)))
	if err != nil {
		return nil, fmt.Errorf("リクエストの生成に失敗: %w", err)
	}
	credentials := base64.StdEncoding.EncodeToString([]byte(h.config.ClientID + ":" + h.config.ClientSecret))
	upstreamReq.Header.Set("Authorization", "Basic "+credentials)
	upstreamReq.Header.Set("Content-Type", "application/json")

	resp, err := h.httpClient.Do(upstreamReq)
	if err != nil {
		return nil, fmt.Errorf("トークンエンドポイントへの接続に失敗: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("レスポンスの読み取りに失敗: %w", err)
	}

	var token upstreamTokenResponse
	if err := json.Unmarshal(respBody, &token); err != nil {
		return nil, fmt.Errorf("レスポンスの解釈に失敗 (status %d)", resp.StatusCode)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := token.ErrorDesc
		if msg == "" {
			msg = token.Error
		}
		if msg == "" {
			msg = fmt.Sprintf("status %d", resp.StatusCode)
		}
		return nil, fmt.Errorf("トークン交換が拒否されました: %s", msg)
	}

	if token.AccessToken == "" {
		return nil, fmt.Errorf("トークンエンドポイントがaccess_tokenを返しませんでした")
	}

	return &TokenPayload{
		Success:       true,
		AccessToken:   token.AccessToken,
		BotID:         token.BotID,
		WorkspaceID:   token.WorkspaceID,
		WorkspaceName: token.WorkspaceName,
		WorkspaceIcon: token.WorkspaceIcon,
	}, nil
}

func (h *Handler) observe(outcome string) {
	if h.metrics != nil {
		h.metrics.ObserveExchange(outcome)
	}
}
