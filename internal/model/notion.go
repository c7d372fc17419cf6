package model

import "time"

// AuthMethod はNotion認証方式を表す。
type AuthMethod string

const (
	// AuthMethodManual はインテグレーショントークンを手入力する方式。
	AuthMethodManual AuthMethod = "manual"
	// AuthMethodOAuth はOAuthフローで取得したトークンを使用する方式。
	AuthMethodOAuth AuthMethod = "oauth"
)

// NotionConfig はNotion接続設定。インストールごとに1レコード。
// authMethodに応じてapiKeyまたはaccessTokenのどちらか一方だけが
// 有効なクレデンシャルとなる。
type NotionConfig struct {
	AuthMethod    AuthMethod `json:"authMethod"`
	APIKey        string     `json:"apiKey,omitempty"`
	AccessToken   string     `json:"accessToken,omitempty"`
	WorkspaceID   string     `json:"workspaceId,omitempty"`
	WorkspaceName string     `json:"workspaceName,omitempty"`
	BotID         string     `json:"botId,omitempty"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// ActiveCredential はauthMethodに対応する有効なクレデンシャルを返す。
// 未設定の場合は空文字列を返す。
func (c *NotionConfig) ActiveCredential() string {
	switch c.AuthMethod {
	case AuthMethodOAuth:
		return c.AccessToken
	case AuthMethodManual:
		return c.APIKey
	default:
		return ""
	}
}

// Clipboard はクリップ先として登録されたNotionデータベースのローカルレコード。
// 削除してもローカルの登録が消えるだけで、リモートのデータベースは削除されない。
type Clipboard struct {
	ID                  string     `json:"id"`
	Name                string     `json:"name"`
	NotionDatabaseID    string     `json:"notionDatabaseId"`
	NotionDatabaseURL   string     `json:"notionDatabaseUrl,omitempty"`
	CreatedByExtension  bool       `json:"createdByExtension"`
	CreatedAt           time.Time  `json:"createdAt"`
	LastClippedAt       *time.Time `json:"lastClippedAt,omitempty"`
}

// OAuthState は1回のOAuth往復の間だけ保存されるCSRFトークン。
// start-oauthごとに再生成され、コールバック消費後は削除される。
type OAuthState struct {
	Value     string    `json:"value"`
	Pending   bool      `json:"pending"`
	CreatedAt time.Time `json:"createdAt"`
}

// TokenPayload はトークン交換の正規化されたレスポンス。
// 直接交換・プロキシ経由のどちらでも同じ形になる。
type TokenPayload struct {
	AccessToken   string `json:"access_token"`
	BotID         string `json:"bot_id"`
	WorkspaceID   string `json:"workspace_id"`
	WorkspaceName string `json:"workspace_name,omitempty"`
	WorkspaceIcon string `json:"workspace_icon,omitempty"`
}
