// Package notion は公式Notion REST APIのクライアントを提供する。
// クリップ先データベースの作成・検索と、クリップ内容のページ化を扱う。
package notion

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/otagao/raku-raku-notion/internal/model"
)

const (
	defaultBaseURL = "https://api.notion.com"
	apiVersion     = "2022-06-28"
)

// データベースのプロパティ名。ギャラリービューのカード表示にも使われる。
const (
	propertyTitle = "名前"
	propertyURL   = "URL"
	propertyMemo  = "メモ"
)

// Config はRESTクライアントの設定。
type Config struct {
	// Token はBearer認証に使うクレデンシャル
	// （インテグレーショントークンまたはOAuthアクセストークン）。
	Token string
	// ParentPageID はデータベース作成先の親ページID。
	ParentPageID string

	// テスト用にオーバーライド可能なURL
	BaseURL string
}

// Client は公式REST APIのクライアント。
type Client struct {
	config     Config
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient はClientを生成する。httpClientがnilの場合はDefaultClientを使う。
func NewClient(config Config, httpClient *http.Client, logger *slog.Logger) *Client {
	if config.BaseURL == "" {
		config.BaseURL = defaultBaseURL
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		config:     config,
		httpClient: httpClient,
		logger:     logger,
	}
}

// TestConnection はクレデンシャルの有効性を確認する。
func (c *Client) TestConnection(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/v1/users/me", nil, &struct{}{})
}

// DatabaseSummary は検索結果のデータベース概要。
type DatabaseSummary struct {
	ID    string
	Title string
	URL   string
}

// searchRequest はPOST /v1/searchのリクエストボディ。
type searchRequest struct {
	Filter searchFilter `json:"filter"`
}

type searchFilter struct {
	Value    string `json:"value"`
	Property string `json:"property"`
}

// richText はNotionのリッチテキスト要素。
type richText struct {
	Type string `json:"type"`
	Text struct {
		Content string `json:"content"`
	} `json:"text"`
	PlainText string `json:"plain_text,omitempty"`
}

func newRichText(content string) richText {
	var rt richText
	rt.Type = "text"
	rt.Text.Content = content
	return rt
}

// ListDatabases はインテグレーションがアクセスできるデータベースを検索する。
func (c *Client) ListDatabases(ctx context.Context) ([]DatabaseSummary, error) {
	req := searchRequest{Filter: searchFilter{Value: "database", Property: "object"}}

	var resp struct {
		Results []struct {
			ID    string     `json:"id"`
			Title []richText `json:"title"`
			URL   string     `json:"url"`
		} `json:"results"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/search", req, &resp); err != nil {
		return nil, err
	}

	summaries := make([]DatabaseSummary, 0, len(resp.Results))
	for _, result := range resp.Results {
		title := ""
		if len(result.Title) > 0 {
			title = result.Title[0].PlainText
			if title == "" {
				title = result.Title[0].Text.Content
			}
		}
		summaries = append(summaries, DatabaseSummary{
			ID:    result.ID,
			Title: title,
			URL:   result.URL,
		})
	}
	return summaries, nil
}

// CreatedDatabase はデータベース作成の結果。
type CreatedDatabase struct {
	ID  string
	URL string
	// PropertyIDs はプロパティ名からプロパティIDへの対応。
	// ギャラリービューの表示プロパティ指定に使う。
	PropertyIDs map[string]string
}

// createDatabaseRequest はPOST /v1/databasesのリクエストボディ。
type createDatabaseRequest struct {
	Parent     databaseParent `json:"parent"`
	Title      []richText     `json:"title"`
	Properties map[string]any `json:"properties"`
}

type databaseParent struct {
	Type   string `json:"type"`
	PageID string `json:"page_id"`
}

// CreateDatabase はクリップ先データベースを作成する。
// プロパティはタイトル・URL・メモの3つで固定。
// レスポンスのURLにはNotionが自動生成した既定ビューのIDが
// v=クエリとして含まれることがある。
func (c *Client) CreateDatabase(ctx context.Context, name string) (*CreatedDatabase, error) {
	if c.config.ParentPageID == "" {
		return nil, fmt.Errorf("親ページIDが未設定")
	}

	req := createDatabaseRequest{
		Parent: databaseParent{Type: "page_id", PageID: c.config.ParentPageID},
		Title:  []richText{newRichText(name)},
		Properties: map[string]any{
			propertyTitle: map[string]any{"title": map[string]any{}},
			propertyURL:   map[string]any{"url": map[string]any{}},
			propertyMemo:  map[string]any{"rich_text": map[string]any{}},
		},
	}

	var resp struct {
		ID         string `json:"id"`
		URL        string `json:"url"`
		Properties map[string]struct {
			ID string `json:"id"`
		} `json:"properties"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/databases", req, &resp); err != nil {
		return nil, err
	}

	created := &CreatedDatabase{
		ID:          resp.ID,
		URL:         resp.URL,
		PropertyIDs: make(map[string]string, len(resp.Properties)),
	}
	for name, prop := range resp.Properties {
		created.PropertyIDs[name] = prop.ID
	}

	c.logger.Info("データベースを作成",
		slog.String("database_id", resp.ID),
		slog.String("name", name),
	)
	return created, nil
}

// notionTextLimit はリッチテキスト1要素あたりの文字数上限。
const notionTextLimit = 2000

// CreatePage はクリップ内容をデータベースのページとして保存する。
// 返り値は作成されたページのID。
func (c *Client) CreatePage(ctx context.Context, databaseID string, clip *model.WebClipData, content *model.ExtractedContent) (string, error) {
	req := map[string]any{
		"parent":     map[string]string{"database_id": databaseID},
		"properties": buildProperties(clip, content),
	}
	if children := buildChildren(clip, content); len(children) > 0 {
		req["children"] = children
	}
	if content != nil && content.Thumbnail != "" {
		req["cover"] = map[string]any{
			"type":     "external",
			"external": map[string]string{"url": content.Thumbnail},
		}
	}
	if content != nil && content.Icon != "" {
		req["icon"] = map[string]any{
			"type":     "external",
			"external": map[string]string{"url": content.Icon},
		}
	}

	var resp struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/pages", req, &resp); err != nil {
		return "", err
	}

	c.logger.Info("クリップページを作成",
		slog.String("page_id", resp.ID),
		slog.String("database_id", databaseID),
	)
	return resp.ID, nil
}

// buildProperties はページのプロパティ値を構築する。
func buildProperties(clip *model.WebClipData, content *model.ExtractedContent) map[string]any {
	title := clip.Title
	if title == "" && content != nil {
		title = content.Title
	}
	if title == "" {
		title = "Untitled"
	}

	properties := map[string]any{
		propertyTitle: map[string]any{
			"title": []richText{newRichText(truncate(title, notionTextLimit))},
		},
	}
	if clip.URL != "" {
		properties[propertyURL] = map[string]any{"url": clip.URL}
	}
	if clip.Memo != "" {
		properties[propertyMemo] = map[string]any{
			"rich_text": []richText{newRichText(truncate(clip.Memo, notionTextLimit))},
		}
	}
	return properties
}

// buildChildren はページ本文のブロック列を構築する。
// 構成はメモのコールアウト → 本文段落 → 画像 → 動画 → ブックマーク。
func buildChildren(clip *model.WebClipData, content *model.ExtractedContent) []map[string]any {
	var children []map[string]any

	if clip.Memo != "" {
		children = append(children, map[string]any{
			"object": "block",
			"type":   "callout",
			"callout": map[string]any{
				"rich_text": []richText{newRichText(truncate(clip.Memo, notionTextLimit))},
				"icon":      map[string]string{"type": "emoji", "emoji": "📝"},
			},
		})
	}

	if content != nil {
		for _, chunk := range splitRunes(content.Text, notionTextLimit) {
			children = append(children, map[string]any{
				"object": "block",
				"type":   "paragraph",
				"paragraph": map[string]any{
					"rich_text": []richText{newRichText(chunk)},
				},
			})
		}

		for _, imageURL := range content.Images {
			children = append(children, map[string]any{
				"object": "block",
				"type":   "image",
				"image": map[string]any{
					"type":     "external",
					"external": map[string]string{"url": imageURL},
				},
			})
		}

		for _, video := range content.Videos {
			children = append(children, map[string]any{
				"object": "block",
				"type":   "embed",
				"embed":  map[string]string{"url": video.URL},
			})
		}
	}

	if clip.URL != "" {
		children = append(children, map[string]any{
			"object":   "block",
			"type":     "bookmark",
			"bookmark": map[string]string{"url": clip.URL},
		})
	}
	return children
}

// apiErrorResponse は公式APIのエラーレスポンス。
type apiErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// do はREST APIにリクエストを送信する。
func (c *Client) do(ctx context.Context, method, path string, reqBody, respBody any) error {
	var body io.Reader
	if reqBody != nil {
		encoded, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("リクエストの構築に失敗: %w", err)
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.config.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("リクエストの生成に失敗: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.config.Token)
	req.Header.Set("Notion-Version", apiVersion)
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("Notion APIへのリクエストに失敗: %w", err)
	}
	defer resp.Body.Close()

	respBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("レスポンスの読み取りに失敗: %w", err)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		return model.NewUnauthorizedError()
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errResp apiErrorResponse
		if json.Unmarshal(respBytes, &errResp) == nil && errResp.Message != "" {
			c.logger.Warn("Notion APIがエラーを返した",
				slog.String("path", path),
				slog.Int("status", resp.StatusCode),
				slog.String("code", errResp.Code),
			)
			return model.NewNotionAPIError(errResp.Message)
		}
		return model.NewNotionAPIError(fmt.Sprintf("status %d", resp.StatusCode))
	}

	if err := json.Unmarshal(respBytes, respBody); err != nil {
		return fmt.Errorf("レスポンスの解析に失敗: %w", err)
	}
	return nil
}

// truncate は文字列をルーン単位でlimit以内に切り詰める。
func truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}

// splitRunes は文字列をルーン単位でlimitごとの塊に分割する。
// 空文字列からは空のスライスが返る。
func splitRunes(s string, limit int) []string {
	if s == "" {
		return nil
	}
	runes := []rune(s)
	var chunks []string
	for len(runes) > 0 {
		n := limit
		if len(runes) < n {
			n = len(runes)
		}
		chunks = append(chunks, string(runes[:n]))
		runes = runes[n:]
	}
	return chunks
}
