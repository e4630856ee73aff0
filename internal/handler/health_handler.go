package handler

import (
	"net/http"
)

// healthResponse はヘルスチェックのAPIレスポンス。
type healthResponse struct {
	Status         string   `json:"status"`
	ActiveSessions int      `json:"active_sessions"`
	PendingAuth    []string `json:"pending_auth"`
}

// HealthHandler はプロセスの稼働状況を返す。
// GET /health
func HealthHandler(sessions SessionController, authorizer Authorizer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pending := authorizer.Pending()
		if pending == nil {
			pending = []string{}
		}
		writeJSON(w, http.StatusOK, healthResponse{
			Status:         "ok",
			ActiveSessions: len(sessions.Active()),
			PendingAuth:    pending,
		})
	}
}
