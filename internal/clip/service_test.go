package clip

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/otagao/raku-raku-notion/internal/bus"
	"github.com/otagao/raku-raku-notion/internal/model"
	"github.com/otagao/raku-raku-notion/internal/page"
	"github.com/otagao/raku-raku-notion/internal/repository"
)

// fakeCreator はCreatePage呼び出しを記録するPageCreatorスタブ。
type fakeCreator struct {
	pageID   string
	err      error
	captured *model.ExtractedContent
}

func (f *fakeCreator) CreatePage(_ context.Context, _ string, _ *model.WebClipData, content *model.ExtractedContent) (string, error) {
	f.captured = content
	if f.err != nil {
		return "", f.err
	}
	return f.pageID, nil
}

// fakeFetcher は固定の再取得結果を返すFallbackFetcherスタブ。
type fakeFetcher struct {
	content *model.ExtractedContent
	ok      bool
	called  bool
}

func (f *fakeFetcher) Fetch(context.Context, string) (*model.ExtractedContent, bool) {
	f.called = true
	return f.content, f.ok
}

// memoryClipboards はテスト用のインメモリClipboardRepository。
type memoryClipboards struct {
	items   map[string]*model.Clipboard
	touched []string
}

func newMemoryClipboards() *memoryClipboards {
	return &memoryClipboards{items: make(map[string]*model.Clipboard)}
}

func (r *memoryClipboards) FindAll(context.Context) ([]*model.Clipboard, error) {
	var all []*model.Clipboard
	for _, c := range r.items {
		all = append(all, c)
	}
	return all, nil
}

func (r *memoryClipboards) FindByID(_ context.Context, id string) (*model.Clipboard, error) {
	return r.items[id], nil
}

func (r *memoryClipboards) FindByDatabaseID(_ context.Context, databaseID string) (*model.Clipboard, error) {
	for _, c := range r.items {
		if c.NotionDatabaseID == databaseID {
			return c, nil
		}
	}
	return nil, nil
}

func (r *memoryClipboards) Create(_ context.Context, c *model.Clipboard) error {
	r.items[c.ID] = c
	return nil
}

func (r *memoryClipboards) UpdateLastClippedAt(_ context.Context, id string) error {
	r.touched = append(r.touched, id)
	now := time.Now()
	if c, ok := r.items[id]; ok {
		c.LastClippedAt = &now
	}
	return nil
}

func (r *memoryClipboards) Delete(_ context.Context, id string) error {
	delete(r.items, id)
	return nil
}

func newTestService(creator *fakeCreator, fetcher FallbackFetcher, clipboards *memoryClipboards) *Service {
	opts := page.DefaultOptions()
	opts.ConvertMarkdown = false
	extractor := page.NewExtractor(opts, nil)
	var repo repository.ClipboardRepository
	if clipboards != nil {
		repo = clipboards
	}
	return NewService(nil, extractor, fetcher, nil, creator, repo, nil, DefaultOptions(), nil)
}

const richHTML = `<html><head><title>記事</title></head><body><article><p>` +
	`これは十分に長い本文です。クリップ対象のページにはしっかりした本文があり、` +
	`フォールバック再取得は不要です。百文字を超えるように本文を続けます。` +
	`さらに文章を追加して、弱い抽出と判定されないようにしておきます。` +
	`</p></article></body></html>`

// TestService_Do は抽出からページ作成までの正常系をテストする。
func TestService_Do(t *testing.T) {
	creator := &fakeCreator{pageID: "page-1"}
	clipboards := newMemoryClipboards()
	clipboards.Create(context.Background(), &model.Clipboard{ID: "cb-1", NotionDatabaseID: "db-1"})

	svc := newTestService(creator, nil, clipboards)

	result, err := svc.Do(context.Background(), Request{
		Clip: &model.WebClipData{Title: "記事", URL: "https://example.com/a", DatabaseID: "db-1"},
		HTML: richHTML,
	})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if result.PageID != "page-1" || result.UsedFallback {
		t.Errorf("result = %+v", result)
	}
	if creator.captured == nil || !strings.Contains(creator.captured.Text, "十分に長い本文") {
		t.Errorf("抽出内容が渡されていない: %+v", creator.captured)
	}
	if len(clipboards.touched) != 1 || clipboards.touched[0] != "cb-1" {
		t.Errorf("lastClippedAtが更新されていない: %v", clipboards.touched)
	}
}

// TestService_Do_WeakContentTriggersFallback は弱い抽出結果で
// フォールバック再取得が使われることをテストする。
func TestService_Do_WeakContentTriggersFallback(t *testing.T) {
	creator := &fakeCreator{pageID: "page-1"}
	fetcher := &fakeFetcher{
		content: &model.ExtractedContent{
			Title: "再取得",
			Text:  strings.Repeat("本文", 100),
		},
		ok: true,
	}
	svc := newTestService(creator, fetcher, nil)

	result, err := svc.Do(context.Background(), Request{
		Clip: &model.WebClipData{URL: "https://example.com/weak", DatabaseID: "db-1"},
		HTML: `<html><body><p>短い</p></body></html>`,
	})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if !fetcher.called {
		t.Error("フォールバックが呼ばれていない")
	}
	if !result.UsedFallback {
		t.Error("UsedFallback = false")
	}
	if creator.captured.Title != "再取得" {
		t.Errorf("再取得結果が使われていない: %+v", creator.captured)
	}
}

// TestService_Do_FallbackAlsoWeak は再取得結果も弱い場合に
// 元の抽出結果が使われることをテストする。
func TestService_Do_FallbackAlsoWeak(t *testing.T) {
	creator := &fakeCreator{pageID: "page-1"}
	fetcher := &fakeFetcher{content: &model.ExtractedContent{Text: "これも短い"}, ok: true}
	svc := newTestService(creator, fetcher, nil)

	result, err := svc.Do(context.Background(), Request{
		Clip: &model.WebClipData{URL: "https://example.com/weak", DatabaseID: "db-1"},
		HTML: `<html><body><p>短い</p></body></html>`,
	})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if result.UsedFallback {
		t.Error("弱い再取得結果が採用された")
	}
}

// TestService_Do_Validation は入力検証のエラーをテストする。
func TestService_Do_Validation(t *testing.T) {
	svc := newTestService(&fakeCreator{pageID: "p"}, nil, nil)

	tests := []struct {
		name     string
		req      Request
		wantCode string
	}{
		{
			name:     "URLなし",
			req:      Request{Clip: &model.WebClipData{DatabaseID: "db"}},
			wantCode: model.ErrCodeInvalidURL,
		},
		{
			name:     "保存先なし",
			req:      Request{Clip: &model.WebClipData{URL: "https://example.com"}},
			wantCode: model.ErrCodeDatabaseMissing,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Do(context.Background(), tt.req)
			var apiErr *model.APIError
			if !errors.As(err, &apiErr) || apiErr.Code != tt.wantCode {
				t.Errorf("error = %v, want %s", err, tt.wantCode)
			}
		})
	}
}

// TestService_Do_PublishesProgress は進捗イベントが配信されることをテストする。
func TestService_Do_PublishesProgress(t *testing.T) {
	creator := &fakeCreator{pageID: "page-1"}
	broadcaster := bus.NewBroadcaster()
	ch, unsub := broadcaster.Subscribe()
	defer unsub()

	opts := page.DefaultOptions()
	opts.ConvertMarkdown = false
	svc := NewService(nil, page.NewExtractor(opts, nil), nil, nil, creator, nil, broadcaster, DefaultOptions(), nil)

	_, err := svc.Do(context.Background(), Request{
		Clip: &model.WebClipData{URL: "https://example.com/a", DatabaseID: "db-1"},
		HTML: richHTML,
	})
	if err != nil {
		t.Fatal(err)
	}

	var stages []string
	for len(ch) > 0 {
		ev := <-ch
		if m, ok := ev.Data.(map[string]string); ok {
			stages = append(stages, m["stage"])
		}
	}
	if len(stages) < 2 || stages[0] != "extracting" || stages[len(stages)-1] != "done" {
		t.Errorf("stages = %v", stages)
	}
}

// TestDecodeRequest はメッセージペイロードの変換をテストする。
func TestDecodeRequest(t *testing.T) {
	req, err := DecodeRequest([]byte(`{
		"title": "タイトル",
		"url": "https://example.com",
		"memo": "めも",
		"databaseId": "db-1",
		"html": "<html></html>"
	}`))
	if err != nil {
		t.Fatalf("DecodeRequest() error = %v", err)
	}
	if req.Clip.Title != "タイトル" || req.Clip.DatabaseID != "db-1" || req.HTML != "<html></html>" {
		t.Errorf("req = %+v", req)
	}

	if _, err := DecodeRequest([]byte(`not-json`)); err == nil {
		t.Error("不正JSONでエラーにならない")
	}
}

// fakeMetrics はClipMetricsの呼び出しを記録するスタブ。
type fakeMetrics struct {
	outcomes  []string
	fallbacks int
}

func (f *fakeMetrics) RecordClip(outcome string) { f.outcomes = append(f.outcomes, outcome) }
func (f *fakeMetrics) RecordFallback()           { f.fallbacks++ }

// TestService_Do_RecordsMetrics はクリップ結果とフォールバックが
// 計測されることをテストする。
func TestService_Do_RecordsMetrics(t *testing.T) {
	creator := &fakeCreator{pageID: "page-1"}
	fetcher := &fakeFetcher{
		content: &model.ExtractedContent{Title: "再取得", Text: strings.Repeat("本文", 100)},
		ok:      true,
	}
	recorder := &fakeMetrics{}

	svc := newTestService(creator, fetcher, nil)
	svc.SetMetrics(recorder)

	if _, err := svc.Do(context.Background(), Request{
		Clip: &model.WebClipData{URL: "https://example.com/weak", DatabaseID: "db-1"},
		HTML: `<html><body><p>短い</p></body></html>`,
	}); err != nil {
		t.Fatalf("Do() error = %v", err)
	}

	if recorder.fallbacks != 1 {
		t.Errorf("fallbacks = %d, want 1", recorder.fallbacks)
	}
	if len(recorder.outcomes) != 1 || recorder.outcomes[0] != "success" {
		t.Errorf("outcomes = %v, want [success]", recorder.outcomes)
	}

	// 作成失敗時はfailureが記録される
	creator.err = errors.New("API呼び出し失敗")
	if _, err := svc.Do(context.Background(), Request{
		Clip: &model.WebClipData{URL: "https://example.com/weak", DatabaseID: "db-1"},
		HTML: richHTML,
	}); err == nil {
		t.Fatal("expected error from failing creator")
	}
	if len(recorder.outcomes) != 2 || recorder.outcomes[1] != "failure" {
		t.Errorf("outcomes = %v, want [success failure]", recorder.outcomes)
	}
}

// TestService_Extract は保存なしの抽出がコンテンツを返し、
// Notionへのページ作成もクリップ先の更新も行わないことをテストする。
func TestService_Extract(t *testing.T) {
	creator := &fakeCreator{pageID: "page-1"}
	clipboards := newMemoryClipboards()
	clipboards.Create(context.Background(), &model.Clipboard{ID: "cb-1", NotionDatabaseID: "db-1"})

	svc := newTestService(creator, nil, clipboards)

	content, err := svc.Extract(context.Background(), Request{
		Clip: &model.WebClipData{URL: "https://example.com/a"},
		HTML: richHTML,
	})
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if !strings.Contains(content.Text, "十分に長い本文") {
		t.Errorf("Text = %q", content.Text)
	}

	// 保存系の副作用がないこと
	if creator.captured != nil {
		t.Error("Extractなのにページが作成された")
	}
	if len(clipboards.touched) != 0 {
		t.Errorf("lastClippedAtが更新された: %v", clipboards.touched)
	}
}

// TestService_Extract_RequiresURL はURL未指定の抽出要求が
// 入力エラーになることをテストする。
func TestService_Extract_RequiresURL(t *testing.T) {
	svc := newTestService(&fakeCreator{}, nil, nil)

	_, err := svc.Extract(context.Background(), Request{Clip: &model.WebClipData{}})
	if err == nil {
		t.Fatal("expected error for missing URL")
	}
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeInvalidURL {
		t.Errorf("err = %v", err)
	}
}
