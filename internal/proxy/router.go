package proxy

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/otagao/raku-raku-notion/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Handler        *Handler
	RateLimiter    *middleware.RateLimiter
	AllowedOrigins []string
	Logger         *slog.Logger
}

// NewRouter はプロキシの全エンドポイントとミドルウェアチェーンを構成した
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

	r.Get("/health", deps.Handler.Health)

	r.Group(func(r chi.Router) {
		if deps.RateLimiter != nil {
			r.Use(deps.RateLimiter.ExchangeMiddleware())
		}
		r.Post("/api/oauth/exchange", deps.Handler.Exchange)
	})

	return r
}
