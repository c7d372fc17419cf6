// Package oauth はNotion OAuth認可フローを提供する。
// state生成・検証（CSRF対策）、認可URLの構築、リダイレクトの解析、
// 認可コードのトークン交換までを扱う。
package oauth

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
)

// csrfTokenBytes はCSRFトークンの乱数長（バイト）。hex化して64文字になる。
const csrfTokenBytes = 32

// GenerateState はOAuthフロー用のstate値を生成する。
// 形式は base64("<extensionID>:<64文字hexトークン>") で、
// 検証側がどのインストールから開始されたフローかを識別できる。
func GenerateState(extensionID string) (string, error) {
	if extensionID == "" {
		return "", fmt.Errorf("extension IDが未設定")
	}
	b := make([]byte, csrfTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("CSRFトークンの生成に失敗: %w", err)
	}
	token := hex.EncodeToString(b)
	return base64.StdEncoding.EncodeToString([]byte(extensionID + ":" + token)), nil
}

// ParseState はstate値を復号してextension IDとCSRFトークンに分解する。
// 形式が不正な場合はエラーを返す。
func ParseState(state string) (extensionID, csrfToken string, err error) {
	decoded, err := base64.StdEncoding.DecodeString(state)
	if err != nil {
		return "", "", fmt.Errorf("stateのbase64復号に失敗: %w", err)
	}
	parts := strings.SplitN(string(decoded), ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("stateの形式が不正: 要素数が不足")
	}
	if len(parts[1]) != csrfTokenBytes*2 || !isHex(parts[1]) {
		return "", "", fmt.Errorf("stateの形式が不正: CSRFトークンが64文字のhexではない")
	}
	return parts[0], parts[1], nil
}

// isHex は文字列が16進文字のみで構成されるか判定する。
func isHex(s string) bool {
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'f':
		case r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
}

// AuthorizeConfig は認可URL構築の設定。
type AuthorizeConfig struct {
	ClientID    string
	RedirectURI string

	// テスト用にオーバーライド可能なURL
	AuthorizeURL string
}

const defaultAuthorizeURL = "https://api.notion.com/v1/oauth/authorize"

// BuildAuthorizeURL はNotionの認可画面URLを生成する。
// owner=userにより個人ワークスペースへの接続を要求する。
func BuildAuthorizeURL(config AuthorizeConfig, state string) string {
	base := config.AuthorizeURL
	if base == "" {
		base = defaultAuthorizeURL
	}
	params := url.Values{
		"client_id":     {config.ClientID},
		"redirect_uri":  {config.RedirectURI},
		"response_type": {"code"},
		"owner":         {"user"},
		"state":         {state},
	}
	return base + "?" + params.Encode()
}

// Redirect は認可後のリダイレクトURLから取り出したパラメータ。
type Redirect struct {
	Code  string
	State string
	// Error はユーザーが認可を拒否した場合などにNotionが付与するエラーコード。
	Error string
}

// ParseRedirect は認可後のリダイレクトURLを解析する。
func ParseRedirect(rawURL string) (*Redirect, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("リダイレクトURLの解析に失敗: %w", err)
	}
	q := u.Query()
	return &Redirect{
		Code:  q.Get("code"),
		State: q.Get("state"),
		Error: q.Get("error"),
	}, nil
}
