package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/toastodon/internal/mastodon"
	"github.com/hitoshi/toastodon/internal/middleware"
	"github.com/hitoshi/toastodon/internal/model"
	"github.com/hitoshi/toastodon/internal/oauth"
)

// CredentialStore はアカウントハンドラーが必要とする認証情報ストア。
type CredentialStore interface {
	List(ctx context.Context) ([]*model.Credential, error)
	Delete(ctx context.Context, key model.AccountKey) (bool, error)
}

// SessionController は実行中のストリーミングセッションを操作する。
type SessionController interface {
	Active() []model.AccountKey
	Remove(key model.AccountKey) bool
}

// Authorizer は認可試行を開始・照会する。
type Authorizer interface {
	// Start はdomainの認可をバックグラウンドで開始する。
	Start(domain string) error
	Status(domain string) oauth.AttemptState
	Pending() []string
	HandleCallback(rawURL string) error
}

// AccountHandler はアカウント管理のHTTPハンドラー。
type AccountHandler struct {
	store      CredentialStore
	sessions   SessionController
	authorizer Authorizer
}

// NewAccountHandler はAccountHandlerを生成する。
func NewAccountHandler(store CredentialStore, sessions SessionController, authorizer Authorizer) *AccountHandler {
	return &AccountHandler{
		store:      store,
		sessions:   sessions,
		authorizer: authorizer,
	}
}

// accountResponse はアカウント情報のAPIレスポンス。秘密情報は含めない。
type accountResponse struct {
	Domain        string    `json:"domain"`
	AccountHandle string    `json:"account_handle"`
	Active        bool      `json:"active"`
	CreatedAt     time.Time `json:"created_at,omitzero"`
	UpdatedAt     time.Time `json:"updated_at,omitzero"`
}

// addAccountRequest はアカウント追加リクエストのボディ。
type addAccountRequest struct {
	Domain string `json:"domain"`
}

// authStatusResponse は認可試行の状態のAPIレスポンス。
type authStatusResponse struct {
	Domain  string `json:"domain"`
	State   string `json:"state"`
	Pending bool   `json:"pending"`
}

// ListAccounts は保存済みのアカウントとセッションの稼働状況を返す。
// GET /api/accounts
func (h *AccountHandler) ListAccounts(w http.ResponseWriter, r *http.Request) {
	creds, err := h.store.List(r.Context())
	if err != nil {
		slog.Error("failed to list credentials", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}

	active := make(map[model.AccountKey]bool)
	for _, k := range h.sessions.Active() {
		active[k] = true
	}

	resp := make([]accountResponse, 0, len(creds))
	for _, c := range creds {
		resp = append(resp, accountResponse{
			Domain:        c.Domain,
			AccountHandle: c.AccountHandle,
			Active:        active[c.Key()],
			CreatedAt:     c.CreatedAt,
			UpdatedAt:     c.UpdatedAt,
		})
	}

	writeJSON(w, http.StatusOK, resp)
}

// AddAccount はdomainの認可を開始する。完了はGET /api/auth/{domain}で確認する。
// POST /api/accounts
func (h *AccountHandler) AddAccount(w http.ResponseWriter, r *http.Request) {
	var req addAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeInvalidRequest(w, "リクエストボディの解析に失敗しました。", "正しいJSON形式でリクエストしてください。")
		return
	}

	domain, err := mastodon.NormalizeDomain(req.Domain)
	if err != nil {
		writeInvalidRequest(w, "ドメイン名が不正です。", "mastodon.social のようなサーバー名を指定してください。")
		return
	}

	if err := h.authorizer.Start(domain); err != nil {
		middleware.WriteError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, authStatusResponse{
		Domain:  domain,
		State:   string(h.authorizer.Status(domain)),
		Pending: true,
	})
}

// DeleteAccount はアカウントのセッションを止め、認証情報を削除する。
// DELETE /api/accounts/{domain}/{handle}
func (h *AccountHandler) DeleteAccount(w http.ResponseWriter, r *http.Request) {
	key := model.AccountKey{
		Domain:        chi.URLParam(r, "domain"),
		AccountHandle: chi.URLParam(r, "handle"),
	}

	h.sessions.Remove(key)

	deleted, err := h.store.Delete(r.Context(), key)
	if err != nil {
		slog.Error("failed to delete credential",
			slog.String("account", key.String()),
			slog.String("error", err.Error()),
		)
		middleware.WriteInternalServerError(w)
		return
	}
	if !deleted {
		middleware.WriteErrorResponse(w, http.StatusNotFound, &model.AppError{
			Code:     "ACCOUNT_NOT_FOUND",
			Message:  "アカウントが見つかりません。",
			Category: "auth",
			Action:   "GET /api/accounts で登録済みのアカウントを確認してください。",
			Domain:   key.Domain,
		})
		return
	}

	slog.Info("account removed", slog.String("account", key.String()))
	w.WriteHeader(http.StatusNoContent)
}

// AuthStatus はdomainの直近の認可試行の状態を返す。
// GET /api/auth/{domain}
func (h *AccountHandler) AuthStatus(w http.ResponseWriter, r *http.Request) {
	domain, err := mastodon.NormalizeDomain(chi.URLParam(r, "domain"))
	if err != nil {
		writeInvalidRequest(w, "ドメイン名が不正です。", "mastodon.social のようなサーバー名を指定してください。")
		return
	}

	pending := false
	for _, d := range h.authorizer.Pending() {
		if d == domain {
			pending = true
			break
		}
	}

	writeJSON(w, http.StatusOK, authStatusResponse{
		Domain:  domain,
		State:   string(h.authorizer.Status(domain)),
		Pending: pending,
	})
}

// Callback はOSから渡されたカスタムスキームのコールバックURLを認可試行に届ける。
// GET /oauth/callback?url=<toastodon://oauth/callback?code=...&state=...>
func (h *AccountHandler) Callback(w http.ResponseWriter, r *http.Request) {
	rawURL := r.URL.Query().Get("url")
	if rawURL == "" {
		writeInvalidRequest(w, "url パラメータがありません。", "コールバックURLを url パラメータで指定してください。")
		return
	}

	if err := h.authorizer.HandleCallback(rawURL); err != nil {
		middleware.WriteError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeInvalidRequest(w http.ResponseWriter, message, action string) {
	middleware.WriteErrorResponse(w, http.StatusBadRequest, &model.AppError{
		Code:     "INVALID_REQUEST",
		Message:  message,
		Category: "validation",
		Action:   action,
	})
}
