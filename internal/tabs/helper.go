// Package tabs はNotionヘルパーセッションのライフサイクル管理を提供する。
// 内部APIの呼び出しはログイン済みセッションのCookieを持つヘルパー経由で
// 行う必要があり、呼び出し前にヘルパーの応答確認（ping）と
// 必要に応じた起動（inject）・安定待ち（settle）を行う。
package tabs

import (
	"context"
	"sync"
	"time"

	"github.com/otagao/raku-raku-notion/internal/internalapi"
	"github.com/otagao/raku-raku-notion/internal/model"
)

// requestKind はヘルパーへのリクエスト種別。
type requestKind int

const (
	kindPing requestKind = iota
	kindLoadPageChunk
	kindSaveTransactions
)

// helperRequest はヘルパーワーカーへの1リクエスト。
type helperRequest struct {
	kind         requestKind
	pageID       string
	transactions []internalapi.Transaction
	reply        chan helperResponse
}

type helperResponse struct {
	chunk *internalapi.PageChunk
	err   error
}

// InternalAPI はヘルパーが内部APIを呼ぶための依存。
type InternalAPI interface {
	LoadPageChunk(ctx context.Context, pageID string) (*internalapi.PageChunk, error)
	SaveTransactions(ctx context.Context, transactions []internalapi.Transaction) error
}

// helper は内部APIリクエストを順番に処理するワーカー。
// 実行中は requests から読み続け、クローズで終了する。
type helper struct {
	api      InternalAPI
	requests chan helperRequest
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func newHelper(api InternalAPI) *helper {
	return &helper{
		api:      api,
		requests: make(chan helperRequest),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// start はワーカーゴルーチンを起動する。
func (h *helper) start(ctx context.Context) {
	go func() {
		defer close(h.done)
		for {
			select {
			case <-ctx.Done():
				return
			case <-h.stop:
				return
			case req := <-h.requests:
				req.reply <- h.handle(ctx, req)
			}
		}
	}()
}

// handle は1リクエストを処理する。
func (h *helper) handle(ctx context.Context, req helperRequest) helperResponse {
	switch req.kind {
	case kindPing:
		return helperResponse{}
	case kindLoadPageChunk:
		chunk, err := h.api.LoadPageChunk(ctx, req.pageID)
		return helperResponse{chunk: chunk, err: err}
	case kindSaveTransactions:
		return helperResponse{err: h.api.SaveTransactions(ctx, req.transactions)}
	default:
		return helperResponse{err: model.NewUnknownMessageError("helper request")}
	}
}

// send はリクエストを送信して応答を待つ。ワーカーが停止していて
// timeout以内に受理されない場合はHELPER_NOT_READYを返す。
func (h *helper) send(ctx context.Context, req helperRequest, timeout time.Duration) helperResponse {
	req.reply = make(chan helperResponse, 1)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case h.requests <- req:
	case <-h.done:
		return helperResponse{err: model.NewHelperNotReadyError()}
	case <-timer.C:
		return helperResponse{err: model.NewHelperNotReadyError()}
	case <-ctx.Done():
		return helperResponse{err: ctx.Err()}
	}

	select {
	case resp := <-req.reply:
		return resp
	case <-ctx.Done():
		return helperResponse{err: ctx.Err()}
	}
}

// shutdown はワーカーを終了させる。多重呼び出しは無害。
func (h *helper) shutdown() {
	h.stopOnce.Do(func() { close(h.stop) })
	<-h.done
}
