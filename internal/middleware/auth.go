// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/hitoshi/toastodon/internal/model"
)

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

// clientIDContextKey はリクエストコンテキストにクライアント識別子を格納するためのキー。
var clientIDContextKey = contextKey("client_id")

// NewControlAuthMiddleware はコントロールAPIへのアクセスを検証するミドルウェアを返す。
// tokenが空でなければ "Authorization: Bearer <token>" を必須とする。
// 検証を通過したリクエストには接続元アドレスをクライアント識別子として注入する。
func NewControlAuthMiddleware(token string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token != "" {
				got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
				if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
					slog.Warn("control API token rejected",
						slog.String("method", r.Method),
						slog.String("path", r.URL.Path),
					)
					WriteErrorResponse(w, http.StatusUnauthorized, &model.AppError{
						Code:     "UNAUTHORIZED",
						Message:  "コントロールAPIのトークンが正しくありません。",
						Category: "auth",
						Action:   "CONTROL_TOKEN の設定を確認してください。",
					})
					return
				}
			}

			ctx := ContextWithClientID(r.Context(), clientAddr(r))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ClientIDFromContext はリクエストコンテキストからクライアント識別子を取得する。
func ClientIDFromContext(ctx context.Context) (string, error) {
	clientID, ok := ctx.Value(clientIDContextKey).(string)
	if !ok || clientID == "" {
		return "", fmt.Errorf("client ID not found in context")
	}
	return clientID, nil
}

// ContextWithClientID はコンテキストにクライアント識別子を注入する。
func ContextWithClientID(ctx context.Context, clientID string) context.Context {
	return context.WithValue(ctx, clientIDContextKey, clientID)
}

// clientAddr は接続元のホスト部分を返す。
func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
