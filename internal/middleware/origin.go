package middleware

import (
	"log/slog"
	"net"
	"net/http"
	"slices"
	"strings"
)

// OriginConfig はローカルアクセス制限の設定。
type OriginConfig struct {
	// AllowedHosts はループバック以外に許可するHostヘッダーのホスト名。
	AllowedHosts []string
	// AllowedOrigins は許可するOriginヘッダーの値。
	AllowedOrigins []string
}

// NewLocalOriginMiddleware はブラウザ経由のクロスサイトリクエストを拒否するミドルウェアを返す。
// Hostはループバックか許可リストのもののみ通し、DNSリバインディングを防ぐ。
// Originヘッダー付きのリクエストは許可リストにあるものだけ通す。
// Sec-Fetch-Site が cross-site または same-site のリクエストは拒否する。
func NewLocalOriginMiddleware(config OriginConfig) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !hostAllowed(r.Host, config.AllowedHosts) {
				rejectOrigin(w, r, "host not allowed")
				return
			}

			if origin := r.Header.Get("Origin"); origin != "" && !slices.Contains(config.AllowedOrigins, origin) {
				rejectOrigin(w, r, "origin not allowed")
				return
			}

			switch r.Header.Get("Sec-Fetch-Site") {
			case "cross-site", "same-site":
				if r.Header.Get("Origin") == "" {
					rejectOrigin(w, r, "cross-site request")
					return
				}
			}

			next.ServeHTTP(w, r)
		})
	}
}

func hostAllowed(hostport string, allowed []string) bool {
	host := hostport
	if h, _, err := net.SplitHostPort(hostport); err == nil {
		host = h
	}
	host = strings.Trim(host, "[]")

	if strings.EqualFold(host, "localhost") {
		return true
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
		return true
	}
	return slices.Contains(allowed, host)
}

func rejectOrigin(w http.ResponseWriter, r *http.Request, reason string) {
	slog.Warn("local origin check failed",
		slog.String("reason", reason),
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("host", r.Host),
	)
	http.Error(w, "forbidden", http.StatusForbidden)
}
