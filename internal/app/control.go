package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hitoshi/toastodon/internal/middleware"
)

// controlClient は起動中のプロセスのコントロールAPIを呼び出すクライアント。
// login / logout / callback / accounts / healthcheck サブコマンドが使う。
type controlClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func newControlClient(baseURL, token string) *controlClient {
	return &controlClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}
}

// accountSummary は GET /api/accounts の要素。
type accountSummary struct {
	Domain        string `json:"domain"`
	AccountHandle string `json:"account_handle"`
	Active        bool   `json:"active"`
}

// authStatus は GET /api/auth/{domain} のレスポンス。
type authStatus struct {
	Domain  string `json:"domain"`
	State   string `json:"state"`
	Pending bool   `json:"pending"`
}

// Health は /health が200を返すか確認する。
func (c *controlClient) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, http.StatusOK, nil)
}

// AddAccount はdomainの認可開始を依頼する。
func (c *controlClient) AddAccount(ctx context.Context, domain string) error {
	body := strings.NewReader(fmt.Sprintf(`{"domain":%q}`, domain))
	return c.do(ctx, http.MethodPost, "/api/accounts", body, http.StatusAccepted, nil)
}

// AuthStatus はdomainの認可試行の状態を取得する。
func (c *controlClient) AuthStatus(ctx context.Context, domain string) (*authStatus, error) {
	var st authStatus
	if err := c.do(ctx, http.MethodGet, "/api/auth/"+url.PathEscape(domain), nil, http.StatusOK, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// ListAccounts は登録済みのアカウントを取得する。
func (c *controlClient) ListAccounts(ctx context.Context) ([]accountSummary, error) {
	var accounts []accountSummary
	if err := c.do(ctx, http.MethodGet, "/api/accounts", nil, http.StatusOK, &accounts); err != nil {
		return nil, err
	}
	return accounts, nil
}

// RemoveAccount はアカウントのセッション停止と認証情報の削除を依頼する。
func (c *controlClient) RemoveAccount(ctx context.Context, domain, handle string) error {
	path := "/api/accounts/" + url.PathEscape(domain) + "/" + url.PathEscape(handle)
	return c.do(ctx, http.MethodDelete, path, nil, http.StatusNoContent, nil)
}

// RelayCallback はリダイレクトURLを起動中のプロセスに届ける。
func (c *controlClient) RelayCallback(ctx context.Context, rawURL string) error {
	path := "/oauth/callback?url=" + url.QueryEscape(rawURL)
	return c.do(ctx, http.MethodGet, path, nil, http.StatusOK, nil)
}

func (c *controlClient) do(ctx context.Context, method, path string, body io.Reader, want int, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("control API is not reachable (is `toastodon run` started?): %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		// クエリには認可コードが含まれうるためエラーには含めない
		path, _, _ = strings.Cut(path, "?")
		var eb middleware.ErrorResponseBody
		if err := json.NewDecoder(io.LimitReader(resp.Body, 64*1024)).Decode(&eb); err == nil && eb.Message != "" {
			return fmt.Errorf("%s %s returned status %d: %s %s", method, path, resp.StatusCode, eb.Message, eb.Action)
		}
		return fmt.Errorf("%s %s returned status %d", method, path, resp.StatusCode)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}
