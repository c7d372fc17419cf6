package oauth

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/otagao/raku-raku-notion/internal/model"
)

// Exchanger は認可コードをアクセストークンに交換する。
// 直接交換（client_secretを保持する構成）とプロキシ経由
// （秘密をプロキシ側に委譲する構成）の2実装がある。
type Exchanger interface {
	Exchange(ctx context.Context, code, state string) (*model.TokenPayload, error)
}

const defaultTokenURL = "https://api.notion.com/v1/oauth/token"

// DirectExchanger はNotionのトークンエンドポイントに直接交換を要求する。
type DirectExchanger struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string

	// テスト用にオーバーライド可能なURL
	TokenURL string

	HTTPClient *http.Client
}

var _ Exchanger = (*DirectExchanger)(nil)

// tokenErrorResponse はNotionのトークンエンドポイントのエラーレスポンス。
type tokenErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// Exchange は認可コードをBasic認証付きでトークンに交換する。
func (e *DirectExchanger) Exchange(ctx context.Context, code, _ string) (*model.TokenPayload, error) {
	tokenURL := e.TokenURL
	if tokenURL == "" {
		tokenURL = defaultTokenURL
	}

	reqBody, err := json.Marshal(map[string]string{
		"grant_type":   "authorization_code",
		"code":         code,
		"redirect_uri": e.RedirectURI,
	})
	if err != nil {
		return nil, fmt.Errorf("交換リクエストの構築に失敗: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("交換リクエストの生成に失敗: %w", err)
	}
	basic := base64.StdEncoding.EncodeToString([]byte(e.ClientID + ":" + e.ClientSecret))
	req.Header.Set("Authorization", "Basic "+basic)
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client().Do(req)
	if err != nil {
		return nil, fmt.Errorf("トークン交換リクエストに失敗: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("トークンレスポンスの読み取りに失敗: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var errResp tokenErrorResponse
		if json.Unmarshal(body, &errResp) == nil && errResp.Error != "" {
			return nil, fmt.Errorf("トークン交換が拒否された (%d %s): %s", resp.StatusCode, errResp.Error, errResp.ErrorDescription)
		}
		return nil, fmt.Errorf("トークン交換が失敗 (status %d): %s", resp.StatusCode, string(body))
	}

	var payload model.TokenPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("トークンレスポンスの解析に失敗: %w", err)
	}
	if payload.AccessToken == "" {
		return nil, fmt.Errorf("トークンレスポンスにaccess_tokenが含まれていない")
	}
	return &payload, nil
}

func (e *DirectExchanger) client() *http.Client {
	if e.HTTPClient != nil {
		return e.HTTPClient
	}
	return http.DefaultClient
}

// ProxyExchanger はトークン交換プロキシ経由で交換を要求する。
// client_secretはプロキシ側のみが保持し、stateを添えて
// 呼び出し元extension IDの検証をプロキシに委ねる。
type ProxyExchanger struct {
	// ProxyURL はプロキシのベースURL。
	ProxyURL string

	HTTPClient *http.Client
}

var _ Exchanger = (*ProxyExchanger)(nil)

// proxyExchangeRequest はプロキシの交換エンドポイントへのリクエスト。
type proxyExchangeRequest struct {
	Code  string `json:"code"`
	State string `json:"state"`
}

// proxyErrorResponse はプロキシのエラーレスポンス。
type proxyErrorResponse struct {
	Error string `json:"error"`
}

// Exchange はプロキシのPOST /api/oauth/exchangeに交換を依頼する。
func (e *ProxyExchanger) Exchange(ctx context.Context, code, state string) (*model.TokenPayload, error) {
	reqBody, err := json.Marshal(proxyExchangeRequest{Code: code, State: state})
	if err != nil {
		return nil, fmt.Errorf("交換リクエストの構築に失敗: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.ProxyURL+"/api/oauth/exchange", bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("交換リクエストの生成に失敗: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client().Do(req)
	if err != nil {
		return nil, fmt.Errorf("プロキシへのリクエストに失敗: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("プロキシレスポンスの読み取りに失敗: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var errResp proxyErrorResponse
		if json.Unmarshal(body, &errResp) == nil && errResp.Error != "" {
			return nil, fmt.Errorf("プロキシが交換を拒否 (status %d): %s", resp.StatusCode, errResp.Error)
		}
		return nil, fmt.Errorf("プロキシ経由の交換が失敗 (status %d)", resp.StatusCode)
	}

	var payload model.TokenPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("プロキシレスポンスの解析に失敗: %w", err)
	}
	if payload.AccessToken == "" {
		return nil, fmt.Errorf("プロキシレスポンスにaccess_tokenが含まれていない")
	}
	return &payload, nil
}

func (e *ProxyExchanger) client() *http.Client {
	if e.HTTPClient != nil {
		return e.HTTPClient
	}
	return http.DefaultClient
}
