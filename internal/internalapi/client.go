// Package internalapi はNotionの内部API（/api/v3）クライアントを提供する。
// 公式REST APIが公開していない操作（コレクションビューの取得や
// トランザクション適用）に使う。認証はログイン済みブラウザセッションの
// Cookieに依存するため、全操作が失敗しうる前提で設計されている。
package internalapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/otagao/raku-raku-notion/internal/model"
)

const defaultBaseURL = "https://www.notion.so/api/v3"

// Config は内部APIクライアントの設定。
type Config struct {
	// Cookie はnotion.soのセッションCookie（token_v2を含む）。
	Cookie string
	// ActiveUserID はx-notion-active-user-headerに設定するユーザーID。
	ActiveUserID string

	// テスト用にオーバーライド可能なURL
	BaseURL string
}

// Client はNotion内部APIのクライアント。
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

// PageChunk はloadPageChunkの結果のうちビュー移行に必要な部分。
type PageChunk struct {
	// CollectionViewIDs はrecordMap.collection_viewに現れたビューID。
	CollectionViewIDs []string
	// SpaceID はページが属するワークスペースのID。
	SpaceID string
}

// loadPageChunkRequest はloadPageChunkのリクエストボディ。
type loadPageChunkRequest struct {
	PageID          string          `json:"pageId"`
	Limit           int             `json:"limit"`
	Cursor          pageChunkCursor `json:"cursor"`
	ChunkNumber     int             `json:"chunkNumber"`
	VerticalColumns bool            `json:"verticalColumns"`
}

type pageChunkCursor struct {
	Stack []json.RawMessage `json:"stack"`
}

// loadPageChunkResponse はloadPageChunkのレスポンスのうち必要な部分。
type loadPageChunkResponse struct {
	RecordMap struct {
		Block map[string]struct {
			Value struct {
				SpaceID string   `json:"space_id"`
				ViewIDs []string `json:"view_ids"`
			} `json:"value"`
		} `json:"block"`
		CollectionView map[string]json.RawMessage `json:"collection_view"`
	} `json:"recordMap"`
}

// LoadPageChunk はページのレコードマップを取得し、コレクションビューIDと
// ワークスペースIDを返す。作成直後のデータベースはビューが現れるまで
// 時間がかかるため、呼び出し側でのポーリングを前提とする。
func (c *Client) LoadPageChunk(ctx context.Context, pageID string) (*PageChunk, error) {
	req := loadPageChunkRequest{
		PageID:          FormatUUID(pageID),
		Limit:           10,
		Cursor:          pageChunkCursor{Stack: []json.RawMessage{}},
		ChunkNumber:     0,
		VerticalColumns: false,
	}

	var resp loadPageChunkResponse
	if err := c.post(ctx, "/loadPageChunk", req, &resp); err != nil {
		return nil, err
	}

	chunk := &PageChunk{}
	for viewID := range resp.RecordMap.CollectionView {
		chunk.CollectionViewIDs = append(chunk.CollectionViewIDs, viewID)
	}
	for blockID, record := range resp.RecordMap.Block {
		if blockID == req.PageID && record.Value.SpaceID != "" {
			chunk.SpaceID = record.Value.SpaceID
		}
	}
	return chunk, nil
}

// UserContent はloadUserContentの結果のうち必要な部分。
type UserContent struct {
	// SpaceIDs はユーザーが参加しているワークスペースのID。
	SpaceIDs []string
}

// LoadUserContent はログイン中ユーザーのワークスペース情報を取得する。
func (c *Client) LoadUserContent(ctx context.Context) (*UserContent, error) {
	var resp struct {
		RecordMap struct {
			Space map[string]json.RawMessage `json:"space"`
		} `json:"recordMap"`
	}
	if err := c.post(ctx, "/loadUserContent", struct{}{}, &resp); err != nil {
		return nil, err
	}

	content := &UserContent{}
	for spaceID := range resp.RecordMap.Space {
		content.SpaceIDs = append(content.SpaceIDs, spaceID)
	}
	return content, nil
}

// RecordValue は単一レコードの取得結果。
type RecordValue struct {
	ID    string
	Table string
	Value json.RawMessage
}

// getRecordValuesRequest はgetRecordValuesのリクエストボディ。
type getRecordValuesRequest struct {
	Requests []recordPointer `json:"requests"`
}

type recordPointer struct {
	ID    string `json:"id"`
	Table string `json:"table"`
}

// GetRecordValues は指定テーブルのレコードを取得する。
func (c *Client) GetRecordValues(ctx context.Context, table string, ids []string) ([]RecordValue, error) {
	req := getRecordValuesRequest{}
	for _, id := range ids {
		req.Requests = append(req.Requests, recordPointer{ID: FormatUUID(id), Table: table})
	}

	var resp struct {
		Results []struct {
			Value json.RawMessage `json:"value"`
		} `json:"results"`
	}
	if err := c.post(ctx, "/getRecordValues", req, &resp); err != nil {
		return nil, err
	}

	values := make([]RecordValue, 0, len(resp.Results))
	for i, result := range resp.Results {
		values = append(values, RecordValue{
			ID:    FormatUUID(ids[i]),
			Table: table,
			Value: result.Value,
		})
	}
	return values, nil
}

// Operation はsaveTransactionsの1操作。
type Operation struct {
	ID      string   `json:"id"`
	Table   string   `json:"table"`
	Path    []string `json:"path"`
	Command string   `json:"command"`
	Args    any      `json:"args"`
}

// Transaction は同一ワークスペースに対する操作の束。
type Transaction struct {
	ID         string      `json:"id"`
	SpaceID    string      `json:"spaceId"`
	Operations []Operation `json:"operations"`
}

// saveTransactionsRequest はsaveTransactionsのリクエストボディ。
type saveTransactionsRequest struct {
	RequestID    string        `json:"requestId"`
	Transactions []Transaction `json:"transactions"`
}

// SaveTransactions は操作の束をアトミックに適用する。
// トランザクションIDが未設定の場合は生成して埋める。
func (c *Client) SaveTransactions(ctx context.Context, transactions []Transaction) error {
	for i := range transactions {
		if transactions[i].ID == "" {
			transactions[i].ID = uuid.New().String()
		}
	}
	req := saveTransactionsRequest{
		RequestID:    uuid.New().String(),
		Transactions: transactions,
	}
	return c.post(ctx, "/saveTransactions", req, &struct{}{})
}

// apiErrorResponse は内部APIのエラーレスポンス。
// エンドポイントによってdebugMessageとmessageのどちらかが入る。
type apiErrorResponse struct {
	ErrorID      string `json:"errorId"`
	Name         string `json:"name"`
	DebugMessage string `json:"debugMessage"`
	Message      string `json:"message"`
}

// detail はエラーレスポンスから人間向けの詳細文字列を取り出す。
func (e *apiErrorResponse) detail() string {
	if e.DebugMessage != "" {
		return e.DebugMessage
	}
	if e.Message != "" {
		return e.Message
	}
	return e.Name
}

// post は内部APIにJSONリクエストを送信する。
func (c *Client) post(ctx context.Context, path string, reqBody, respBody any) error {
	encoded, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("リクエストの構築に失敗: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("リクエストの生成に失敗: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.config.Cookie != "" {
		req.Header.Set("Cookie", c.config.Cookie)
	}
	if c.config.ActiveUserID != "" {
		req.Header.Set("x-notion-active-user-header", c.config.ActiveUserID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("内部APIへのリクエストに失敗: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("レスポンスの読み取りに失敗: %w", err)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		return model.NewHelperNotReadyError()
	}
	if resp.StatusCode != http.StatusOK {
		var errResp apiErrorResponse
		if json.Unmarshal(body, &errResp) == nil && errResp.detail() != "" {
			c.logger.Warn("内部APIがエラーを返した",
				slog.String("path", path),
				slog.Int("status", resp.StatusCode),
				slog.String("detail", errResp.detail()),
			)
			return model.NewNotionAPIError(errResp.detail())
		}
		return model.NewNotionAPIError(fmt.Sprintf("status %d", resp.StatusCode))
	}

	if err := json.Unmarshal(body, respBody); err != nil {
		return fmt.Errorf("レスポンスの解析に失敗: %w", err)
	}
	return nil
}

// FormatUUID は32文字のhex文字列をハイフン区切りUUID形式に整形する。
// 既にハイフン付きの場合や形式外の文字列はそのまま返す。
func FormatUUID(id string) string {
	if strings.Contains(id, "-") || len(id) != 32 {
		return id
	}
	return fmt.Sprintf("%s-%s-%s-%s-%s", id[0:8], id[8:12], id[12:16], id[16:20], id[20:32])
}
