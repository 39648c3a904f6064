// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/hitoshi/clarivex/internal/metrics"
	"github.com/hitoshi/clarivex/internal/middleware"
	"github.com/hitoshi/clarivex/internal/model"
)

const (
	oauthStateCookie = "oauth_state"
	oauthStateMaxAge = 600

	// LoginPath はログインフローの開始パス。未認証アクセスのリダイレクト先。
	LoginPath = "/auth/discord"
	// FailurePath はログイン失敗時のリダイレクト先。
	FailurePath = "/auth/failure"
)

// AuthServiceInterface は認証ハンドラーが必要とするサービスインターフェース。
type AuthServiceInterface interface {
	GetLoginURL(state string) string
	HandleCallback(ctx context.Context, code string) (*model.Session, error)
	Logout(ctx context.Context, sessionID string) error
}

// CookieSigner はCookie値の署名と検証を行う。
type CookieSigner interface {
	Sign(value string) string
	Verify(signed string) (string, bool)
}

// Sanitizer は外部由来の文字列をHTMLに埋め込める形に無害化する。
type Sanitizer interface {
	Sanitize(raw string) string
}

// AuthHandlerConfig は認証ハンドラーの設定。
type AuthHandlerConfig struct {
	CookieDomain  string
	CookieSecure  bool
	SessionMaxAge int // セッションCookieの有効期間（秒）
}

// AuthHandler はDiscord OAuth認証関連のHTTPハンドラー。
type AuthHandler struct {
	service   AuthServiceInterface
	signer    CookieSigner
	sanitizer Sanitizer
	metrics   metrics.MetricsCollector
	config    AuthHandlerConfig
}

// NewAuthHandler はAuthHandlerを生成する。collectorはnilでもよい。
func NewAuthHandler(service AuthServiceInterface, signer CookieSigner, sanitizer Sanitizer, collector metrics.MetricsCollector, config AuthHandlerConfig) *AuthHandler {
	return &AuthHandler{
		service:   service,
		signer:    signer,
		sanitizer: sanitizer,
		metrics:   collector,
		config:    config,
	}
}

// Login はDiscord OAuthフローを開始する。
// GET /auth/discord, GET /discord
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	state, err := generateState()
	if err != nil {
		slog.Error("failed to generate oauth state", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}

	// stateをCookieに保存（CSRF対策）
	h.setCookie(w, oauthStateCookie, h.signer.Sign(state), oauthStateMaxAge)

	http.Redirect(w, r, h.service.GetLoginURL(state), http.StatusTemporaryRedirect)
}

// Callback はDiscordからのOAuthコールバックを処理する。
// 失敗した場合はセッションを作成せず、失敗ページへリダイレクトする。
// GET /auth/discord/callback?code=xxx&state=yyy
func (h *AuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	// stateクッキーは成否にかかわらず削除する
	h.setCookie(w, oauthStateCookie, "", -1)

	// 1. stateの検証（CSRF対策）
	state := q.Get("state")
	stateCookie, err := r.Cookie(oauthStateCookie)
	if err != nil || state == "" {
		h.fail(w, r, "state_mismatch")
		return
	}
	if expected, ok := h.signer.Verify(stateCookie.Value); !ok || expected != state {
		slog.Warn("oauth state mismatch", slog.String("query_state", state))
		h.fail(w, r, "state_mismatch")
		return
	}

	// 2. ユーザーが認可を拒否した場合など
	if providerErr := q.Get("error"); providerErr != "" {
		slog.Warn("oauth provider returned error",
			slog.String("error", providerErr),
			slog.String("error_description", q.Get("error_description")),
		)
		h.fail(w, r, providerErr)
		return
	}

	// 3. 認可コードの交換とセッション作成
	code := q.Get("code")
	if code == "" {
		h.fail(w, r, "missing_code")
		return
	}

	session, err := h.service.HandleCallback(r.Context(), code)
	if err != nil {
		slog.Error("oauth callback failed", slog.String("error", err.Error()))
		h.fail(w, r, "exchange_failed")
		return
	}

	// 4. セッションCookieを設定（HTTP Only）
	h.setCookie(w, middleware.SessionCookieName, h.signer.Sign(session.ID), h.config.SessionMaxAge)
	h.recordLogin(metrics.ResultSuccess)

	http.Redirect(w, r, "/", http.StatusTemporaryRedirect)
}

// Failure はログイン失敗ページを返す。
// GET /auth/failure?reason=xxx
func (h *AuthHandler) Failure(w http.ResponseWriter, r *http.Request) {
	reason := h.sanitizer.Sanitize(r.URL.Query().Get("reason"))

	detail := ""
	if reason != "" {
		detail = fmt.Sprintf("<p>Reason: <code>%s</code></p>\n", reason)
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, failurePage, detail, LoginPath)
}

const failurePage = `<!DOCTYPE html>
<html lang="en">
<head><meta charset="utf-8"><title>Login failed</title></head>
<body>
<h1>Discord login failed</h1>
%s<p><a href="%s">Try again</a></p>
</body>
</html>
`

// Logout はセッションを破棄し、ログイン開始パスへリダイレクトする。
// POST /auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(middleware.SessionCookieName)
	if err == nil && cookie.Value != "" {
		if sessionID, ok := h.signer.Verify(cookie.Value); ok {
			if logoutErr := h.service.Logout(r.Context(), sessionID); logoutErr != nil {
				// ログアウト失敗してもCookieはクリアする
				slog.Error("failed to logout", slog.String("error", logoutErr.Error()))
			}
		}
	}

	h.setCookie(w, middleware.SessionCookieName, "", -1)
	http.Redirect(w, r, LoginPath, http.StatusSeeOther)
}

// fail はログイン失敗を記録し、失敗ページへリダイレクトする。
func (h *AuthHandler) fail(w http.ResponseWriter, r *http.Request, reason string) {
	h.recordLogin(metrics.ResultFailure)
	target := FailurePath + "?" + url.Values{"reason": {reason}}.Encode()
	http.Redirect(w, r, target, http.StatusTemporaryRedirect)
}

func (h *AuthHandler) recordLogin(result string) {
	if h.metrics != nil {
		h.metrics.RecordLogin(result)
	}
}

func (h *AuthHandler) setCookie(w http.ResponseWriter, name, value string, maxAge int) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Domain:   h.config.CookieDomain,
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

// generateState はCSRF対策用のランダムなstate値を生成する。
func generateState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
