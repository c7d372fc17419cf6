// Package bus はコンポーネント間の型付きメッセージディスパッチを提供する。
// クリップ操作・OAuth・ヘルパー呼び出しはすべてEnvelopeとして
// ディスパッチャを経由し、ハンドラの成否は必ず1つのResponseとして返る。
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/otagao/raku-raku-notion/internal/model"
)

// Envelope は型タグ付きメッセージ。
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Response はハンドラの実行結果。
// SuccessがfalseのときはErrorにAPIError相当の内容が入る。
type Response struct {
	Success bool            `json:"success"`
	Error   *ErrorDetail    `json:"error,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// ErrorDetail はレスポンスに載せるエラー情報。
type ErrorDetail struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category,omitempty"`
	Action   string `json:"action,omitempty"`
}

// Handler は1つのメッセージタイプを処理する。
// 返り値はJSONとしてResponse.Dataに格納される。
type Handler func(ctx context.Context, data json.RawMessage) (any, error)

// Dispatcher はメッセージタイプごとのハンドラ登録と実行を管理する。
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	logger   *slog.Logger
}

// NewDispatcher はDispatcherを生成する。
func NewDispatcher(logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		handlers: make(map[string]Handler),
		logger:   logger,
	}
}

// Register はメッセージタイプにハンドラを割り当てる。
// 同一タイプへの再登録は上書きになる。
func (d *Dispatcher) Register(msgType string, handler Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[msgType] = handler
}

// Dispatch はEnvelopeを対応するハンドラに渡し、結果をResponseにする。
// ハンドラのエラーもpanicも必ずResponseに変換され、呼び出し元には
// ちょうど1つのレスポンスが返る。
func (d *Dispatcher) Dispatch(ctx context.Context, env Envelope) Response {
	d.mu.RLock()
	handler, ok := d.handlers[env.Type]
	d.mu.RUnlock()

	if !ok {
		return errorResponse(model.NewUnknownMessageError(env.Type))
	}

	result, err := d.invoke(ctx, env, handler)
	if err != nil {
		d.logger.Warn("メッセージ処理が失敗",
			slog.String("type", env.Type),
			slog.String("error", err.Error()),
		)
		return errorResponse(err)
	}

	resp := Response{Success: true}
	if result != nil {
		encoded, err := json.Marshal(result)
		if err != nil {
			return errorResponse(fmt.Errorf("レスポンスのシリアライズに失敗: %w", err))
		}
		resp.Data = encoded
	}
	return resp
}

// invoke はハンドラを実行し、panicをエラーとして回収する。
func (d *Dispatcher) invoke(ctx context.Context, env Envelope, handler Handler) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("メッセージハンドラがpanic",
				slog.String("type", env.Type),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			err = fmt.Errorf("内部エラー: %v", r)
		}
	}()
	return handler(ctx, env.Data)
}

// errorResponse はエラーをResponseに変換する。
// APIErrorはコード・カテゴリ付きで、その他のエラーは汎用コードで格納する。
func errorResponse(err error) Response {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		return Response{
			Success: false,
			Error: &ErrorDetail{
				Code:     apiErr.Code,
				Message:  apiErr.Message,
				Category: apiErr.Category,
				Action:   apiErr.Action,
			},
		}
	}
	return Response{
		Success: false,
		Error: &ErrorDetail{
			Code:    "INTERNAL_ERROR",
			Message: err.Error(),
		},
	}
}
