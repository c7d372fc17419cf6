package model

import (
	"strings"
	"testing"
)

// TestExtractedContent_IsWeak は弱い抽出結果の判定条件をテストする。
// テキストがしきい値未満かつ画像0件の場合のみ弱いとみなす。
func TestExtractedContent_IsWeak(t *testing.T) {
	tests := []struct {
		name   string
		text   string
		images []string
		want   bool
	}{
		{"短いテキストかつ画像なし", "short", nil, true},
		{"短いテキストだが画像あり", "short", []string{"https://x/a.jpg"}, false},
		{"十分なテキストで画像なし", strings.Repeat("a", 200), nil, false},
		{"空のコンテンツ", "", nil, true},
		{"しきい値ちょうど", strings.Repeat("a", 100), nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &ExtractedContent{Text: tt.text, Images: tt.images}
			if got := c.IsWeak(100); got != tt.want {
				t.Errorf("IsWeak(100) = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestNotionConfig_ActiveCredential はauthMethodに応じたクレデンシャル選択をテストする。
func TestNotionConfig_ActiveCredential(t *testing.T) {
	manual := &NotionConfig{AuthMethod: AuthMethodManual, APIKey: "secret_manual", AccessToken: "oauth_token"}
	if got := manual.ActiveCredential(); got != "secret_manual" {
		t.Errorf("manual時のクレデンシャル = %q, want secret_manual", got)
	}

	oauth := &NotionConfig{AuthMethod: AuthMethodOAuth, APIKey: "secret_manual", AccessToken: "oauth_token"}
	if got := oauth.ActiveCredential(); got != "oauth_token" {
		t.Errorf("oauth時のクレデンシャル = %q, want oauth_token", got)
	}

	empty := &NotionConfig{}
	if got := empty.ActiveCredential(); got != "" {
		t.Errorf("authMethod未設定時は空であるべき: %q", got)
	}
}
