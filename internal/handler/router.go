package handler

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/otagao/raku-raku-notion/internal/bus"
	"github.com/otagao/raku-raku-notion/internal/metrics"
	"github.com/otagao/raku-raku-notion/internal/middleware"
	"github.com/otagao/raku-raku-notion/internal/model"
	"github.com/prometheus/client_golang/prometheus"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Dispatcher     *bus.Dispatcher
	Broadcaster    *bus.Broadcaster
	Gatherer       prometheus.Gatherer
	RateLimiter    *middleware.RateLimiter
	AllowedOrigins []string
	Logger         *slog.Logger
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成した
// chi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → SecurityHeaders → Logging → CORS → RateLimit
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewLoggingMiddleware(deps.Logger))
	r.Use(middleware.NewCORSMiddleware(deps.AllowedOrigins))

	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})

	if deps.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", metrics.Handler(deps.Gatherer))
	}

	r.Group(func(r chi.Router) {
		if deps.RateLimiter != nil {
			r.Use(deps.RateLimiter.GeneralMiddleware())
		}
		r.Post("/api/message", newMessageEndpoint(deps.Dispatcher))
		if deps.Broadcaster != nil {
			r.Get("/api/events", newEventsEndpoint(deps.Broadcaster))
		}
	})

	return r
}

// newMessageEndpoint はEnvelopeを受けてディスパッチ結果を返すエンドポイントを生成する。
// ハンドラの失敗もDispatcherがResponseに変換するため、HTTPステータスは常に200。
func newMessageEndpoint(d *bus.Dispatcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var env bus.Envelope
		if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
			middleware.WriteErrorResponse(w, http.StatusBadRequest, invalidEnvelopeError())
			return
		}
		if env.Type == "" {
			middleware.WriteErrorResponse(w, http.StatusBadRequest, invalidEnvelopeError())
			return
		}

		resp := d.Dispatch(r.Context(), env)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}
}

// newEventsEndpoint は進捗イベントをServer-Sent Eventsで配信するエンドポイントを生成する。
// クライアント切断またはコンテキストキャンセルまでイベントを流し続ける。
func newEventsEndpoint(b *bus.Broadcaster) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		events, unsubscribe := b.Subscribe()
		defer unsubscribe()

		for {
			select {
			case <-r.Context().Done():
				return
			case event, ok := <-events:
				if !ok {
					return
				}
				payload, err := json.Marshal(event)
				if err != nil {
					continue
				}
				fmt.Fprintf(w, "data: %s\n\n", payload)
				flusher.Flush()
			}
		}
	}
}

func invalidEnvelopeError() *model.APIError {
	return &model.APIError{
		Code:     "INVALID_REQUEST",
		Message:  "メッセージエンベロープを解釈できません。",
		Category: "validation",
		Action:   "type付きのJSONボディを送信してください。",
	}
}
