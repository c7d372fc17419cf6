package handler

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/otagao/raku-raku-notion/internal/bus"
	"github.com/otagao/raku-raku-notion/internal/clip"
	"github.com/otagao/raku-raku-notion/internal/gallery"
	"github.com/otagao/raku-raku-notion/internal/internalapi"
	"github.com/otagao/raku-raku-notion/internal/model"
	"github.com/otagao/raku-raku-notion/internal/notion"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// --- スタブ ---

type fakeClipService struct {
	result    *clip.Result
	extracted *model.ExtractedContent
	err       error
	lastReq   clip.Request
}

func (s *fakeClipService) Do(_ context.Context, req clip.Request) (*clip.Result, error) {
	s.lastReq = req
	return s.result, s.err
}

func (s *fakeClipService) Extract(_ context.Context, req clip.Request) (*model.ExtractedContent, error) {
	s.lastReq = req
	return s.extracted, s.err
}

type fakeRegistry struct {
	clipboards []*model.Clipboard
	created    *model.Clipboard
	deletedID  string
}

func (r *fakeRegistry) Create(_ context.Context, name string) (*model.Clipboard, error) {
	r.created = &model.Clipboard{ID: "cb-1", Name: name, NotionDatabaseID: "db-1"}
	return r.created, nil
}

func (r *fakeRegistry) Import(_ context.Context, databaseID, name, databaseURL string) (*model.Clipboard, error) {
	return &model.Clipboard{ID: "cb-import", NotionDatabaseID: databaseID, Name: name}, nil
}

func (r *fakeRegistry) List(context.Context) ([]*model.Clipboard, error) {
	return r.clipboards, nil
}

func (r *fakeRegistry) ListRemote(context.Context) ([]notion.DatabaseSummary, error) {
	return []notion.DatabaseSummary{{ID: "remote-1", Title: "リモートDB"}}, nil
}

func (r *fakeRegistry) Delete(_ context.Context, clipboardID string) error {
	r.deletedID = clipboardID
	return nil
}

type fakeTester struct{ err error }

func (t *fakeTester) TestConnection(context.Context) error { return t.err }

type fakeOAuth struct {
	url    string
	config *model.NotionConfig
	err    error
}

func (o *fakeOAuth) Start(context.Context) (string, error) { return o.url, o.err }
func (o *fakeOAuth) Complete(context.Context, string) (*model.NotionConfig, error) {
	return o.config, o.err
}

// fakeInternalAPI はgallery.InternalAPIスタブ。
type fakeInternalAPI struct {
	chunk    *internalapi.PageChunk
	saveErr  error
	released bool
}

func (a *fakeInternalAPI) LoadPageChunk(context.Context, string) (*internalapi.PageChunk, error) {
	return a.chunk, nil
}

func (a *fakeInternalAPI) SaveTransactions(context.Context, []internalapi.Transaction) error {
	return a.saveErr
}

type fakeAcquirer struct {
	api        *fakeInternalAPI
	acquireErr error
}

func (f *fakeAcquirer) Acquire(context.Context) (gallery.InternalAPI, func(), error) {
	if f.acquireErr != nil {
		return nil, nil, f.acquireErr
	}
	return f.api, func() { f.api.released = true }, nil
}

func newTestRouter(deps MessageHandlerDeps) http.Handler {
	d := bus.NewDispatcher(discardLogger())
	RegisterMessageHandlers(d, deps)
	return NewRouter(&RouterDeps{
		Dispatcher:     d,
		Broadcaster:    deps.Broadcaster,
		AllowedOrigins: []string{"chrome-extension://test"},
		Logger:         discardLogger(),
	})
}

func postMessage(t *testing.T, router http.Handler, body string) bus.Response {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/message", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var resp bus.Response
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	return resp
}

// --- テスト ---

// TestMessageEndpoint_ClipPage はclip-pageメッセージの往復をテストする。
func TestMessageEndpoint_ClipPage(t *testing.T) {
	clipSvc := &fakeClipService{result: &clip.Result{PageID: "page-1"}}
	router := newTestRouter(MessageHandlerDeps{
		Clip:     clipSvc,
		Registry: &fakeRegistry{},
		Notion:   &fakeTester{},
		OAuth:    &fakeOAuth{},
		Sessions: &fakeAcquirer{api: &fakeInternalAPI{}},
		Logger:   discardLogger(),
	})

	resp := postMessage(t, router, `{
		"type": "clip-page",
		"data": {"title": "記事", "url": "https://example.com/a", "databaseId": "db-1"}
	}`)

	if !resp.Success {
		t.Fatalf("resp = %+v", resp)
	}
	var result clip.Result
	if err := json.Unmarshal(resp.Data, &result); err != nil {
		t.Fatal(err)
	}
	if result.PageID != "page-1" {
		t.Errorf("PageID = %q", result.PageID)
	}
	if clipSvc.lastReq.Clip == nil || clipSvc.lastReq.Clip.URL != "https://example.com/a" {
		t.Errorf("lastReq = %+v", clipSvc.lastReq)
	}
}

// TestMessageEndpoint_ExtractContent はextract-contentメッセージが
// 保存を伴わず抽出結果を返すことをテストする。
func TestMessageEndpoint_ExtractContent(t *testing.T) {
	clipSvc := &fakeClipService{
		extracted: &model.ExtractedContent{
			Title: "抽出タイトル",
			Text:  "抽出本文",
		},
	}
	router := newTestRouter(MessageHandlerDeps{
		Clip:     clipSvc,
		Registry: &fakeRegistry{},
		Notion:   &fakeTester{},
		OAuth:    &fakeOAuth{},
		Sessions: &fakeAcquirer{api: &fakeInternalAPI{}},
		Logger:   discardLogger(),
	})

	resp := postMessage(t, router, `{
		"type": "extract-content",
		"data": {"url": "https://example.com/a", "html": "<html><body><p>本文</p></body></html>"}
	}`)

	if !resp.Success {
		t.Fatalf("resp = %+v", resp)
	}
	var content model.ExtractedContent
	if err := json.Unmarshal(resp.Data, &content); err != nil {
		t.Fatal(err)
	}
	if content.Title != "抽出タイトル" || content.Text != "抽出本文" {
		t.Errorf("content = %+v", content)
	}
	if clipSvc.lastReq.HTML == "" {
		t.Error("HTMLがリクエストに渡っていない")
	}
}

// TestMessageEndpoint_UnknownType は未知のメッセージタイプが
// success=falseのレスポンスになることをテストする。
func TestMessageEndpoint_UnknownType(t *testing.T) {
	router := newTestRouter(MessageHandlerDeps{
		Clip:     &fakeClipService{},
		Registry: &fakeRegistry{},
		Notion:   &fakeTester{},
		OAuth:    &fakeOAuth{},
		Sessions: &fakeAcquirer{api: &fakeInternalAPI{}},
	})

	resp := postMessage(t, router, `{"type": "no-such-type"}`)

	if resp.Success {
		t.Fatal("未知のタイプが成功扱い")
	}
	if resp.Error == nil || resp.Error.Code != model.ErrCodeUnknownMessage {
		t.Errorf("error = %+v", resp.Error)
	}
}

// TestMessageEndpoint_InvalidEnvelope はエンベロープ不正が400になることをテストする。
func TestMessageEndpoint_InvalidEnvelope(t *testing.T) {
	router := newTestRouter(MessageHandlerDeps{
		Clip:     &fakeClipService{},
		Registry: &fakeRegistry{},
		Notion:   &fakeTester{},
		OAuth:    &fakeOAuth{},
		Sessions: &fakeAcquirer{api: &fakeInternalAPI{}},
	})

	for _, body := range []string{`not json`, `{"data": {}}`} {
		req := httptest.NewRequest(http.MethodPost, "/api/message", strings.NewReader(body))
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		if w.Code != http.StatusBadRequest {
			t.Errorf("body %q: status = %d, want 400", body, w.Code)
		}
	}
}

// TestMessageEndpoint_CreateDatabase はcreate-databaseの検証と委譲をテストする。
func TestMessageEndpoint_CreateDatabase(t *testing.T) {
	registry := &fakeRegistry{}
	router := newTestRouter(MessageHandlerDeps{
		Clip:     &fakeClipService{},
		Registry: registry,
		Notion:   &fakeTester{},
		OAuth:    &fakeOAuth{},
		Sessions: &fakeAcquirer{api: &fakeInternalAPI{}},
	})

	resp := postMessage(t, router, `{"type": "create-database", "data": {"name": "読書メモ"}}`)
	if !resp.Success {
		t.Fatalf("resp = %+v", resp)
	}
	if registry.created == nil || registry.created.Name != "読書メモ" {
		t.Errorf("created = %+v", registry.created)
	}

	// 名前なしは失敗レスポンス
	resp = postMessage(t, router, `{"type": "create-database", "data": {}}`)
	if resp.Success {
		t.Error("名前なしで成功扱い")
	}
}

// TestMessageEndpoint_TestConnection は接続確認の成否両方をテストする。
func TestMessageEndpoint_TestConnection(t *testing.T) {
	router := newTestRouter(MessageHandlerDeps{
		Clip:     &fakeClipService{},
		Registry: &fakeRegistry{},
		Notion:   &fakeTester{err: model.NewUnauthorizedError()},
		OAuth:    &fakeOAuth{},
		Sessions: &fakeAcquirer{api: &fakeInternalAPI{}},
	})

	resp := postMessage(t, router, `{"type": "test-notion-connection"}`)
	if resp.Success {
		t.Fatal("認証エラーが成功扱い")
	}
	if resp.Error.Code != model.ErrCodeUnauthorized {
		t.Errorf("code = %q", resp.Error.Code)
	}
}

// TestMessageEndpoint_StartOAuth はstart-oauthが認可URLを返すことをテストする。
func TestMessageEndpoint_StartOAuth(t *testing.T) {
	router := newTestRouter(MessageHandlerDeps{
		Clip:     &fakeClipService{},
		Registry: &fakeRegistry{},
		Notion:   &fakeTester{},
		OAuth:    &fakeOAuth{url: "https://api.notion.com/v1/oauth/authorize?state=x"},
		Sessions: &fakeAcquirer{api: &fakeInternalAPI{}},
	})

	resp := postMessage(t, router, `{"type": "start-oauth"}`)
	if !resp.Success {
		t.Fatalf("resp = %+v", resp)
	}
	var data map[string]string
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(data["authorizeUrl"], "oauth/authorize") {
		t.Errorf("authorizeUrl = %q", data["authorizeUrl"])
	}
}

// TestMessageEndpoint_GetDatabaseViews はヘルパーセッション経由の
// ビュー一覧取得とセッション解放をテストする。
func TestMessageEndpoint_GetDatabaseViews(t *testing.T) {
	acquirer := &fakeAcquirer{api: &fakeInternalAPI{
		chunk: &internalapi.PageChunk{
			CollectionViewIDs: []string{"view-1", "view-2"},
			SpaceID:           "space-1",
		},
	}}
	router := newTestRouter(MessageHandlerDeps{
		Clip:     &fakeClipService{},
		Registry: &fakeRegistry{},
		Notion:   &fakeTester{},
		OAuth:    &fakeOAuth{},
		Sessions: acquirer,
	})

	resp := postMessage(t, router, `{"type": "get-database-views-via-content", "data": {"databaseId": "db-1"}}`)
	if !resp.Success {
		t.Fatalf("resp = %+v", resp)
	}

	var data struct {
		ViewIDs []string `json:"viewIds"`
		SpaceID string   `json:"spaceId"`
	}
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		t.Fatal(err)
	}
	if len(data.ViewIDs) != 2 || data.SpaceID != "space-1" {
		t.Errorf("data = %+v", data)
	}
	if !acquirer.api.released {
		t.Error("セッションが解放されていない")
	}
}

// TestMessageEndpoint_SessionNotReady はヘルパー取得失敗が
// HELPER_NOT_READYとして返ることをテストする。
func TestMessageEndpoint_SessionNotReady(t *testing.T) {
	router := newTestRouter(MessageHandlerDeps{
		Clip:     &fakeClipService{},
		Registry: &fakeRegistry{},
		Notion:   &fakeTester{},
		OAuth:    &fakeOAuth{},
		Sessions: &fakeAcquirer{acquireErr: model.NewHelperNotReadyError()},
	})

	resp := postMessage(t, router, `{"type": "get-database-views-via-content", "data": {"databaseId": "db-1"}}`)
	if resp.Success {
		t.Fatal("取得失敗が成功扱い")
	}
	if resp.Error.Code != model.ErrCodeHelperNotReady {
		t.Errorf("code = %q", resp.Error.Code)
	}
}

// TestMessageEndpoint_DeleteClipboard はローカル登録の解除をテストする。
func TestMessageEndpoint_DeleteClipboard(t *testing.T) {
	registry := &fakeRegistry{}
	router := newTestRouter(MessageHandlerDeps{
		Clip:     &fakeClipService{},
		Registry: registry,
		Notion:   &fakeTester{},
		OAuth:    &fakeOAuth{},
		Sessions: &fakeAcquirer{api: &fakeInternalAPI{}},
	})

	resp := postMessage(t, router, `{"type": "delete-clipboard", "data": {"id": "cb-9"}}`)
	if !resp.Success {
		t.Fatalf("resp = %+v", resp)
	}
	if registry.deletedID != "cb-9" {
		t.Errorf("deletedID = %q", registry.deletedID)
	}
}

// TestRouter_Health はヘルスチェックをテストする。
func TestRouter_Health(t *testing.T) {
	router := newTestRouter(MessageHandlerDeps{
		Clip:     &fakeClipService{},
		Registry: &fakeRegistry{},
		Notion:   &fakeTester{},
		OAuth:    &fakeOAuth{},
		Sessions: &fakeAcquirer{api: &fakeInternalAPI{}},
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK {
		t.Errorf("status = %d", w.Code)
	}
}
