// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/hitoshi/clarivex/internal/model"
)

// SessionCookieName はセッションIDを保持するCookie名。
const SessionCookieName = "session_id"

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

// identityContextKey はリクエストコンテキストにIdentityを格納するためのキー。
var identityContextKey = contextKey("identity")

// CookieVerifier は署名付きCookie値を検証し、元の値を返す。
type CookieVerifier interface {
	Verify(signed string) (string, bool)
}

// SessionFinder はセッションの検索に必要なインターフェース。
// repository.SessionRepositoryの部分集合として定義する。
type SessionFinder interface {
	FindByID(ctx context.Context, id string) (*model.Session, error)
}

// NewSessionMiddleware はCookieからセッションを読み取り、保護されたルートへのアクセスを制御する。
// 有効なセッションがある場合はIdentityをコンテキストに注入して次に渡す。
// 無効な場合はコンテンツを返さずloginPathへ302でリダイレクトする。
// ストアの参照エラーはログに記録し、未認証として扱う。
// verifierがnilでない場合はCookieの署名を検証してからセッションを参照する。
func NewSessionMiddleware(sessionFinder SessionFinder, loginPath string, verifier CookieVerifier) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cookie, err := r.Cookie(SessionCookieName)
			if err != nil || cookie.Value == "" {
				http.Redirect(w, r, loginPath, http.StatusFound)
				return
			}

			sessionID := cookie.Value
			if verifier != nil {
				var ok bool
				if sessionID, ok = verifier.Verify(cookie.Value); !ok {
					slog.Warn("invalid session cookie signature")
					http.Redirect(w, r, loginPath, http.StatusFound)
					return
				}
			}

			session, err := sessionFinder.FindByID(r.Context(), sessionID)
			if err != nil {
				slog.Error("failed to find session",
					slog.String("error", err.Error()),
				)
				http.Redirect(w, r, loginPath, http.StatusFound)
				return
			}
			if session == nil {
				http.Redirect(w, r, loginPath, http.StatusFound)
				return
			}

			identity := session.Identity
			setLoggedDiscordID(r.Context(), identity.ExternalID)
			next.ServeHTTP(w, r.WithContext(ContextWithIdentity(r.Context(), &identity)))
		})
	}
}

// IdentityFromContext はリクエストコンテキストからIdentityを取得する。
// セッションミドルウェアを通過したリクエストでのみ有効。
func IdentityFromContext(ctx context.Context) (*model.Identity, error) {
	identity, ok := ctx.Value(identityContextKey).(*model.Identity)
	if !ok || identity == nil || identity.ExternalID == "" {
		return nil, fmt.Errorf("identity not found in context")
	}
	return identity, nil
}

// ContextWithIdentity はコンテキストにIdentityを注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithIdentity(ctx context.Context, identity *model.Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, identity)
}
