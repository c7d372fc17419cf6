package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/otagao/raku-raku-notion/internal/model"
)

// --- CORSミドルウェアのテスト ---

func TestCORSMiddleware_AllowsListedOrigin(t *testing.T) {
	mw := NewCORSMiddleware([]string{"chrome-extension://abcdefghijklmnop"})

	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/oauth/exchange", nil)
	req.Header.Set("Origin", "chrome-extension://abcdefghijklmnop")
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	resp := w.Result()
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "chrome-extension://abcdefghijklmnop" {
		t.Errorf("Access-Control-Allow-Origin = %q", got)
	}
	if got := resp.Header.Get("Access-Control-Allow-Methods"); got != "GET, POST, OPTIONS" {
		t.Errorf("Access-Control-Allow-Methods = %q", got)
	}
}

func TestCORSMiddleware_IgnoresUnlistedOrigin(t *testing.T) {
	mw := NewCORSMiddleware([]string{"chrome-extension://abcdefghijklmnop"})

	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/oauth/exchange", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if got := w.Result().Header.Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("許可外オリジンにCORSヘッダーが付与された: %q", got)
	}
}

func TestCORSMiddleware_OptionsRequest_Returns204(t *testing.T) {
	mw := NewCORSMiddleware([]string{"chrome-extension://abcdefghijklmnop"})

	handlerCalled := false
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlerCalled = true
	}))

	req := httptest.NewRequest(http.MethodOptions, "/api/oauth/exchange", nil)
	req.Header.Set("Origin", "chrome-extension://abcdefghijklmnop")
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Result().StatusCode != http.StatusNoContent {
		t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusNoContent)
	}
	if handlerCalled {
		t.Error("プリフライト時に後続ハンドラーが呼ばれた")
	}
}

// --- レート制限ミドルウェアのテスト ---

func TestRateLimitMiddleware_AllowsRequestsWithinLimit(t *testing.T) {
	cfg := RateLimiterConfig{
		GeneralRate:     2,
		GeneralBurst:    5,
		ExchangeRate:    1,
		ExchangeBurst:   10,
		CleanupInterval: 1 * time.Minute,
	}

	rl := NewRateLimiter(cfg)
	defer rl.Stop()

	mw := rl.GeneralMiddleware()

	handlerCallCount := 0
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlerCallCount++
		w.WriteHeader(http.StatusOK)
	}))

	// バースト内の5リクエストは全て通る
	for i := 0; i < 5; i++ {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.RemoteAddr = "192.0.2.1:12345"
		w := httptest.NewRecorder()

		handler.ServeHTTP(w, req)

		if w.Result().StatusCode != http.StatusOK {
			t.Errorf("request %d: status = %d, want %d", i, w.Result().StatusCode, http.StatusOK)
		}
	}

	if handlerCallCount != 5 {
		t.Errorf("handler call count = %d, want 5", handlerCallCount)
	}
}

func TestRateLimitMiddleware_Returns429WhenLimitExceeded(t *testing.T) {
	cfg := RateLimiterConfig{
		GeneralRate:     2,
		GeneralBurst:    5,
		ExchangeRate:    1,
		ExchangeBurst:   2,
		CleanupInterval: 1 * time.Minute,
	}

	rl := NewRateLimiter(cfg)
	defer rl.Stop()

	mw := rl.ExchangeMiddleware()

	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	// バースト分（2回）は通る
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/oauth/exchange", nil)
		req.RemoteAddr = "192.0.2.2:12345"
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		if w.Result().StatusCode != http.StatusOK {
			t.Fatalf("request %d: status = %d", i, w.Result().StatusCode)
		}
	}

	// 3回目は429
	req := httptest.NewRequest(http.MethodPost, "/api/oauth/exchange", nil)
	req.RemoteAddr = "192.0.2.2:12345"
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusTooManyRequests)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Error("Retry-Afterヘッダーがない")
	}

	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["code"] != "rate_limit_exceeded" {
		t.Errorf("code = %q", body["code"])
	}
}

func TestRateLimitMiddleware_IsolatesClients(t *testing.T) {
	cfg := RateLimiterConfig{
		GeneralRate:     1,
		GeneralBurst:    1,
		ExchangeRate:    1,
		ExchangeBurst:   1,
		CleanupInterval: 1 * time.Minute,
	}

	rl := NewRateLimiter(cfg)
	defer rl.Stop()

	handler := rl.ExchangeMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	// client Aがバーストを使い切る
	reqA := httptest.NewRequest(http.MethodPost, "/api/oauth/exchange", nil)
	reqA.RemoteAddr = "192.0.2.10:1000"
	handler.ServeHTTP(httptest.NewRecorder(), reqA)

	// client Bは影響を受けない
	reqB := httptest.NewRequest(http.MethodPost, "/api/oauth/exchange", nil)
	reqB.RemoteAddr = "192.0.2.20:1000"
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, reqB)

	if w.Result().StatusCode != http.StatusOK {
		t.Errorf("別クライアントが巻き込まれた: status = %d", w.Result().StatusCode)
	}

	if rl.ExchangeLimiterCount() != 2 {
		t.Errorf("ExchangeLimiterCount() = %d, want 2", rl.ExchangeLimiterCount())
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		xff        string
		want       string
	}{
		{"RemoteAddrのみ", "203.0.113.5:443", "", "203.0.113.5"},
		{"XFF単一", "10.0.0.1:80", "198.51.100.7", "198.51.100.7"},
		{"XFF複数は先頭を採用", "10.0.0.1:80", "198.51.100.7, 10.0.0.2", "198.51.100.7"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			if got := ClientIP(req); got != tt.want {
				t.Errorf("ClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}

// --- リカバリーミドルウェアのテスト ---

func TestRecoveryMiddleware_RecoversFromPanic(t *testing.T) {
	mw := NewRecoveryMiddleware()

	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	req := httptest.NewRequest(http.MethodGet, "/panic", nil)
	w := httptest.NewRecorder()

	// panicがここまで伝播しないこと
	handler.ServeHTTP(w, req)

	if w.Result().StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusInternalServerError)
	}

	// panic時も統一エラーフォーマットのJSONが返ること
	var body ErrorResponseBody
	if err := json.NewDecoder(w.Result().Body).Decode(&body); err != nil {
		t.Fatalf("panic時のレスポンスがJSONでない: %v", err)
	}
	if body.Code != "INTERNAL_ERROR" {
		t.Errorf("code = %q, want INTERNAL_ERROR", body.Code)
	}
}

// --- ロギングミドルウェアのテスト ---

func TestLoggingMiddleware_LogsRequest(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	mw := NewLoggingMiddleware(logger)
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	req := httptest.NewRequest(http.MethodGet, "/missing", nil)
	req.RemoteAddr = "192.0.2.1:5000"
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("ログがJSONでない: %v", err)
	}
	if entry["msg"] != "http_request" {
		t.Errorf("msg = %v", entry["msg"])
	}
	if entry["status"] != float64(http.StatusNotFound) {
		t.Errorf("status = %v", entry["status"])
	}
	// 4xxはWARNで出力される
	if entry["level"] != "WARN" {
		t.Errorf("level = %v", entry["level"])
	}
}

// --- エラーレスポンスのテスト ---

func TestWriteErrorResponse(t *testing.T) {
	w := httptest.NewRecorder()

	WriteErrorResponse(w, http.StatusForbidden, &model.APIError{
		Code:     "STATE_MISMATCH",
		Message:  "stateが一致しません",
		Category: "auth",
		Action:   "認証をやり直してください",
	})

	resp := w.Result()
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}

	var body ErrorResponseBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Code != "STATE_MISMATCH" || body.Category != "auth" {
		t.Errorf("body = %+v", body)
	}
}

// --- セキュリティヘッダーのテスト ---

func TestSecurityHeadersMiddleware(t *testing.T) {
	mw := NewSecurityHeadersMiddleware()
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	resp := w.Result()
	if got := resp.Header.Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q", got)
	}
	if got := resp.Header.Get("X-Frame-Options"); got != "DENY" {
		t.Errorf("X-Frame-Options = %q", got)
	}
	if got := resp.Header.Get("Cache-Control"); got != "no-store" {
		t.Errorf("Cache-Control = %q", got)
	}
}
