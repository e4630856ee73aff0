// Package mastodon はMastodon互換サーバーのREST APIとストリーミングAPIのクライアントを提供する。
package mastodon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	// Scopes はアプリ登録と認可で要求するスコープ。
	Scopes = "read write follow push"

	defaultScheme    = "https"
	defaultTimeout   = 10 * time.Second
	defaultUserAgent = "toastodon/1.0"
	// defaultStreamReadTimeout はストリームで何も受信しないまま待つ上限。
	defaultStreamReadTimeout = 60 * time.Second
	// maxResponseSize はREST APIレスポンスの読み取り上限（1MB）。
	maxResponseSize = 1 << 20
)

// ClientConfig はClientの設定。
type ClientConfig struct {
	HTTPClient *http.Client
	// Scheme はサーバーへの接続スキーム。通常は https（テストでは http を指定する）。
	Scheme    string
	UserAgent string
	// StreamReadTimeout を過ぎてもメッセージもpongも届かないストリームは切断とみなす。
	StreamReadTimeout time.Duration
}

// Client はドメインを問わず使えるMastodon REST APIクライアント。
type Client struct {
	httpClient        *http.Client
	scheme            string
	userAgent         string
	streamReadTimeout time.Duration
}

// NewClient はClientを生成する。
func NewClient(cfg ClientConfig) *Client {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: defaultTimeout}
	}
	if cfg.Scheme == "" {
		cfg.Scheme = defaultScheme
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	if cfg.StreamReadTimeout <= 0 {
		cfg.StreamReadTimeout = defaultStreamReadTimeout
	}
	return &Client{
		httpClient:        cfg.HTTPClient,
		scheme:            cfg.Scheme,
		userAgent:         cfg.UserAgent,
		streamReadTimeout: cfg.StreamReadTimeout,
	}
}

// StatusError はサーバーが2xx以外を返したことを表す。
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected HTTP status %d", e.StatusCode)
	}
	return fmt.Sprintf("unexpected HTTP status %d: %s", e.StatusCode, e.Body)
}

// IsAuthRejected はerrが認証拒否（401/403）によるものかを返す。
func IsAuthRejected(err error) bool {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode == http.StatusUnauthorized || statusErr.StatusCode == http.StatusForbidden
	}
	return false
}

// AppRegistration はアプリ登録リクエストの内容。
type AppRegistration struct {
	ClientName  string
	RedirectURI string
	Website     string
}

// App は登録されたクライアントアプリケーション。
type App struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
}

// VerifiedAccount は verify_credentials が返す認可済みアカウント。
type VerifiedAccount struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Acct     string `json:"acct"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	Scope       string `json:"scope"`
}

type instanceResponse struct {
	Domain        string `json:"domain"`
	Configuration struct {
		URLs struct {
			Streaming string `json:"streaming"`
		} `json:"urls"`
	} `json:"configuration"`
}

// BaseURL はドメインのAPIベースURLを返す。
func (c *Client) BaseURL(domain string) string {
	return c.scheme + "://" + domain
}

// RegisterApp はサーバーにクライアントアプリを登録する。
func (c *Client) RegisterApp(ctx context.Context, domain string, reg AppRegistration) (*App, error) {
	form := url.Values{
		"client_name":   {reg.ClientName},
		"redirect_uris": {reg.RedirectURI},
		"scopes":        {Scopes},
	}
	if reg.Website != "" {
		form.Set("website", reg.Website)
	}

	var app App
	if err := c.postForm(ctx, c.BaseURL(domain)+"/api/v1/apps", form, &app); err != nil {
		return nil, fmt.Errorf("failed to register app: %w", err)
	}
	if app.ClientID == "" || app.ClientSecret == "" {
		return nil, fmt.Errorf("empty client credentials in app registration response")
	}
	return &app, nil
}

// AuthorizeURL はブラウザで開く認可URLを生成する。
func (c *Client) AuthorizeURL(domain, clientID, redirectURI, state string) string {
	params := url.Values{
		"client_id":     {clientID},
		"redirect_uri":  {redirectURI},
		"response_type": {"code"},
		"scope":         {Scopes},
	}
	if state != "" {
		params.Set("state", state)
	}
	return c.BaseURL(domain) + "/oauth/authorize?" + params.Encode()
}

// ExchangeToken は認可コードをアクセストークンに交換する。
func (c *Client) ExchangeToken(ctx context.Context, domain string, app App, code, redirectURI string) (string, error) {
	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"client_id":     {app.ClientID},
		"client_secret": {app.ClientSecret},
		"redirect_uri":  {redirectURI},
		"scope":         {Scopes},
	}

	var tokenResp tokenResponse
	if err := c.postForm(ctx, c.BaseURL(domain)+"/oauth/token", form, &tokenResp); err != nil {
		return "", fmt.Errorf("failed to exchange token: %w", err)
	}
	if tokenResp.AccessToken == "" {
		return "", fmt.Errorf("empty access token in response")
	}
	return tokenResp.AccessToken, nil
}

// VerifyCredentials はアクセストークンの持ち主のアカウントを取得する。
func (c *Client) VerifyCredentials(ctx context.Context, domain, accessToken string) (*VerifiedAccount, error) {
	var account VerifiedAccount
	if err := c.getJSON(ctx, c.BaseURL(domain)+"/api/v1/accounts/verify_credentials", accessToken, &account); err != nil {
		return nil, fmt.Errorf("failed to verify credentials: %w", err)
	}
	if account.Acct == "" {
		return nil, fmt.Errorf("empty acct in verify_credentials response")
	}
	return &account, nil
}

// FetchStreamingURL はインスタンス情報からストリーミングAPIのベースURLを取得する。
// 広告されていない場合はドメイン自身のwebsocket URLを返す。
func (c *Client) FetchStreamingURL(ctx context.Context, domain, accessToken string) (string, error) {
	var instance instanceResponse
	if err := c.getJSON(ctx, c.BaseURL(domain)+"/api/v2/instance", accessToken, &instance); err != nil {
		return "", fmt.Errorf("failed to fetch instance metadata: %w", err)
	}
	if s := strings.TrimRight(instance.Configuration.URLs.Streaming, "/"); s != "" {
		return s, nil
	}
	return toWebSocketURL(c.BaseURL(domain)), nil
}

func (c *Client) postForm(ctx context.Context, endpoint string, form url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.do(req, out)
}

func (c *Client) getJSON(ctx context.Context, endpoint, accessToken string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// toWebSocketURL はhttp(s)のURLをws(s)に置き換える。
func toWebSocketURL(raw string) string {
	switch {
	case strings.HasPrefix(raw, "https://"):
		return "wss://" + strings.TrimPrefix(raw, "https://")
	case strings.HasPrefix(raw, "http://"):
		return "ws://" + strings.TrimPrefix(raw, "http://")
	default:
		return raw
	}
}
