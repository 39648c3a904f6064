package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/clarivex/internal/metrics"
	"github.com/hitoshi/clarivex/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	SessionFinder       middleware.SessionFinder
	CheckoutRateLimiter *middleware.RateLimiter
	CookieSigner        CookieSigner

	// 認証
	AuthService AuthServiceInterface
	AuthConfig  AuthHandlerConfig
	Sanitizer   Sanitizer

	// 決済
	CheckoutCreator CheckoutCreator
	EventVerifier   EventVerifier
	EventHandler    EventHandler
	PremiumChecker  PremiumChecker

	// 静的ファイル
	StaticDir string

	// 運用
	HealthChecker  HealthChecker
	Metrics        metrics.MetricsCollector
	MetricsHandler http.Handler
}

// NewRouter は全エンドポイントのルーティングを構成したchi.Routerを返す。
//
// ログイン必須のルートはSessionMiddlewareのグループに置き、
// 未認証のリクエストはLoginPathへリダイレクトする。
// チェックアウトセッションの作成にはさらにユーザーごとのレート制限を適用する。
// Webhookは署名で認証するためセッションを要求しない。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	authHandler := NewAuthHandler(deps.AuthService, deps.CookieSigner, deps.Sanitizer, deps.Metrics, deps.AuthConfig)
	pageHandler := NewPageHandler(deps.StaticDir)
	meHandler := NewMeHandler(deps.PremiumChecker)
	checkoutHandler := NewCheckoutHandler(deps.CheckoutCreator, deps.Metrics)
	webhookHandler := NewWebhookHandler(deps.EventVerifier, deps.EventHandler)

	guard := middleware.NewSessionMiddleware(deps.SessionFinder, LoginPath, deps.CookieSigner)

	// --- 認証不要のルート ---

	r.Get(LoginPath, authHandler.Login)
	r.Get("/discord", authHandler.Login)
	r.Get("/auth/discord/callback", authHandler.Callback)
	r.Get(FailurePath, authHandler.Failure)
	r.Post("/auth/logout", authHandler.Logout)

	r.Post("/stripe-webhook", webhookHandler.Receive)

	r.Get("/health", Health(deps.HealthChecker))
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	// --- 認証が必要なルート ---
	r.Group(func(r chi.Router) {
		r.Use(guard)

		r.Get("/", pageHandler.ServeProtected)
		r.Get("/pricing.html", pageHandler.ServeProtected)
		r.Get("/api/me", meHandler.Me)

		create := http.Handler(http.HandlerFunc(checkoutHandler.Create))
		if deps.CheckoutRateLimiter != nil {
			create = deps.CheckoutRateLimiter.Middleware()(create)
		}
		r.Method(http.MethodPost, "/create-checkout-session", create)
	})

	// --- 公開ディレクトリ ---
	r.Handle("/*", pageHandler.Static(guard(http.HandlerFunc(pageHandler.ServeProtected))))

	return r
}
