package oauth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

// TestDirectExchanger_Exchange はBasic認証付きの直接交換をテストする。
func TestDirectExchanger_Exchange(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wantAuth := "Basic " + base64.StdEncoding.EncodeToString([]byte("cid:csecret"))
		if got := r.Header.Get("Authorization"); got != wantAuth {
			t.Errorf("Authorization = %q, want %q", got, wantAuth)
		}
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("リクエストボディの解析に失敗: %v", err)
		}
		if body["grant_type"] != "authorization_code" || body["code"] != "the-code" {
			t.Errorf("リクエストボディ = %v", body)
		}
		json.NewEncoder(w).Encode(map[string]string{
			"access_token": "tok-1",
			"bot_id":       "bot-1",
			"workspace_id": "ws-1",
		})
	}))
	defer server.Close()

	e := &DirectExchanger{
		ClientID:     "cid",
		ClientSecret: "csecret",
		RedirectURI:  "https://example.com/cb",
		TokenURL:     server.URL,
	}
	payload, err := e.Exchange(context.Background(), "the-code", "ignored")
	if err != nil {
		t.Fatalf("Exchange() error = %v", err)
	}
	if payload.AccessToken != "tok-1" || payload.WorkspaceID != "ws-1" {
		t.Errorf("payload = %+v", payload)
	}
}

// TestDirectExchanger_ErrorResponse はNotion側のエラーレスポンスが
// error_descriptionを含むエラーになることをテストする。
func TestDirectExchanger_ErrorResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{
			"error":             "invalid_grant",
			"error_description": "code expired",
		})
	}))
	defer server.Close()

	e := &DirectExchanger{TokenURL: server.URL}
	if _, err := e.Exchange(context.Background(), "old-code", ""); err == nil {
		t.Error("Exchange() error = nil, want error")
	}
}

// TestDirectExchanger_EmptyAccessToken はaccess_tokenを欠く200応答を
// エラーとして扱うことをテストする。
func TestDirectExchanger_EmptyAccessToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"bot_id": "bot"})
	}))
	defer server.Close()

	e := &DirectExchanger{TokenURL: server.URL}
	if _, err := e.Exchange(context.Background(), "code", ""); err == nil {
		t.Error("Exchange() error = nil, want error")
	}
}

// TestProxyExchanger_Exchange はプロキシ経由の交換でcodeとstateが
// 送信されることをテストする。
func TestProxyExchanger_Exchange(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/oauth/exchange" {
			t.Errorf("Path = %q", r.URL.Path)
		}
		var body proxyExchangeRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatal(err)
		}
		if body.Code != "the-code" || body.State != "the-state" {
			t.Errorf("リクエスト = %+v", body)
		}
		json.NewEncoder(w).Encode(map[string]string{
			"access_token": "tok-2",
			"workspace_id": "ws-2",
		})
	}))
	defer server.Close()

	e := &ProxyExchanger{ProxyURL: server.URL}
	payload, err := e.Exchange(context.Background(), "the-code", "the-state")
	if err != nil {
		t.Fatalf("Exchange() error = %v", err)
	}
	if payload.AccessToken != "tok-2" {
		t.Errorf("payload = %+v", payload)
	}
}

// TestProxyExchanger_Forbidden はプロキシの403応答がエラーになることをテストする。
func TestProxyExchanger_Forbidden(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		json.NewEncoder(w).Encode(map[string]string{"error": "extension not allowed"})
	}))
	defer server.Close()

	e := &ProxyExchanger{ProxyURL: server.URL}
	if _, err := e.Exchange(context.Background(), "code", "state"); err == nil {
		t.Error("Exchange() error = nil, want error")
	}
}
