package app

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
)

func setTestEnv(t *testing.T) {
	t.Helper()
	t.Setenv("EXTENSION_ID", "abcdefghijklmnopabcdefghijklmnop")
	t.Setenv("NOTION_CLIENT_ID", "test-client-id")
	t.Setenv("OAUTH_REDIRECT_URI", "https://example.com/callback")
	t.Setenv("DATABASE_PATH", filepath.Join(t.TempDir(), "test.db"))
}

func TestInit_WithValidConfig_Succeeds(t *testing.T) {
	setTestEnv(t)

	var buf bytes.Buffer
	cfg, err := Init(&buf)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if cfg == nil {
		t.Fatal("expected non-nil config")
	}

	if cfg.ExtensionID != "abcdefghijklmnopabcdefghijklmnop" {
		t.Errorf("ExtensionID = %q, want abcdefghijklmnopabcdefghijklmnop", cfg.ExtensionID)
	}

	// slogのグローバルロガーがJSON出力に設定されていることを確認
	slog.Default().Info("init test")
	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected JSON log output, got error: %v\nraw: %s", err, buf.String())
	}
	if entry["msg"] != "init test" {
		t.Errorf("msg = %q, want %q", entry["msg"], "init test")
	}
}

func TestInit_WithMissingConfig_ReturnsError(t *testing.T) {
	t.Setenv("EXTENSION_ID", "")
	t.Setenv("NOTION_CLIENT_ID", "")
	t.Setenv("OAUTH_REDIRECT_URI", "")

	var buf bytes.Buffer
	cfg, err := Init(&buf)
	if err == nil {
		t.Fatal("expected error for missing required env vars, got nil")
	}
	if cfg != nil {
		t.Error("expected nil config on error")
	}
}

// TestRun_MigrateCommand はmigrateコマンドがテーブルを作成して正常終了することを検証する。
func TestRun_MigrateCommand(t *testing.T) {
	setTestEnv(t)

	var buf bytes.Buffer
	if err := Run(&buf, []string{"migrate"}); err != nil {
		t.Fatalf("Run(migrate) = %v, want nil", err)
	}

	// 再実行しても冪等
	if err := Run(&buf, []string{"migrate"}); err != nil {
		t.Fatalf("Run(migrate) second run = %v, want nil", err)
	}
}

func TestRun_HealthcheckWithoutServer_ReturnsError(t *testing.T) {
	// どのポートにもサーバーが立っていないことを期待する
	t.Setenv("SERVER_PORT", "59999")

	var buf bytes.Buffer
	err := Run(&buf, []string{"healthcheck"})
	if err == nil {
		t.Fatal("Run(healthcheck) without server should return error")
	}
	if !strings.Contains(err.Error(), "ヘルスチェックに失敗") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestRun_ProxyWithoutSecret_ReturnsError(t *testing.T) {
	setTestEnv(t)
	t.Setenv("NOTION_CLIENT_SECRET", "")

	var buf bytes.Buffer
	err := Run(&buf, []string{"proxy"})
	if err == nil {
		t.Fatal("Run(proxy) without client secret should return error")
	}
	if !strings.Contains(err.Error(), "NOTION_CLIENT_SECRET") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestRun_ProxyWithoutAllowlist_ReturnsError(t *testing.T) {
	setTestEnv(t)
	t.Setenv("NOTION_CLIENT_SECRET", "secret")
	t.Setenv("PROXY_ALLOWED_EXTENSION_IDS", "")

	var buf bytes.Buffer
	err := Run(&buf, []string{"proxy"})
	if err == nil {
		t.Fatal("Run(proxy) without allowlist should return error")
	}
	if !strings.Contains(err.Error(), "PROXY_ALLOWED_EXTENSION_IDS") {
		t.Errorf("unexpected error: %v", err)
	}
}
