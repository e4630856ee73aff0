// Package handler はローカルのコントロールAPIのHTTPハンドラーを提供する。
package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/toastodon/internal/metrics"
	"github.com/hitoshi/toastodon/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger       *slog.Logger
	ControlToken string
	Origin       middleware.OriginConfig
	RateLimiter  *middleware.RateLimiter
	Gatherer     prometheus.Gatherer

	Credentials   CredentialStore
	Sessions      SessionController
	Authorizer    Authorizer
	Notifications NotificationSource
}

// NewRouter はコントロールAPIのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → SecurityHeaders → LocalOrigin → ControlAuth → Logging → RateLimit(General)
//
// /health と /metrics は ControlAuth の外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewLocalOriginMiddleware(deps.Origin))

	accountHandler := NewAccountHandler(deps.Credentials, deps.Sessions, deps.Authorizer)
	notificationHandler := NewNotificationHandler(deps.Notifications)

	r.Get("/health", HealthHandler(deps.Sessions, deps.Authorizer))
	if deps.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", metrics.Handler(deps.Gatherer))
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.NewControlAuthMiddleware(deps.ControlToken))
		r.Use(middleware.NewLoggingMiddleware(logger))
		r.Use(deps.RateLimiter.GeneralMiddleware())

		r.Route("/api/accounts", func(r chi.Router) {
			r.Get("/", accountHandler.ListAccounts)
			// 認可開始には専用のレート制限を追加
			r.With(deps.RateLimiter.AuthMiddleware()).Post("/", accountHandler.AddAccount)
			r.Delete("/{domain}/{handle}", accountHandler.DeleteAccount)
		})

		r.Get("/api/auth/{domain}", accountHandler.AuthStatus)
		r.Get("/oauth/callback", accountHandler.Callback)
		r.Get("/api/notifications", notificationHandler.ListNotifications)
	})

	return r
}
