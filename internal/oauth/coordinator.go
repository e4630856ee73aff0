// Package oauth はサーバードメインごとのOAuth認可フローを管理する。
//
// 認可ごとにランダムなstateトークンを発行してコールバックを振り分けるため、
// 異なるドメインの認可を同時に進めてもコールバックが取り違えられることはない。
// 同一ドメインの認可は直列化される。
package oauth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/hitoshi/toastodon/internal/mastodon"
	"github.com/hitoshi/toastodon/internal/model"
)

// AttemptState は認可試行の状態。
type AttemptState string

const (
	StateIdle                   AttemptState = "idle"
	StateAppRegistered          AttemptState = "app_registered"
	StateAuthorizationRequested AttemptState = "authorization_requested"
	StateAwaitingCallback       AttemptState = "awaiting_callback"
	StateTokenExchanged         AttemptState = "token_exchanged"
	StateIdentityVerified       AttemptState = "identity_verified"
	StatePersisted              AttemptState = "persisted"
	StateErrored                AttemptState = "errored"
)

const (
	// callbackHost, callbackPath はリダイレクトURI <scheme>://oauth/callback の固定部分。
	callbackHost = "oauth"
	callbackPath = "/callback"

	defaultCallbackTimeout = 5 * time.Minute
	defaultRedirectScheme  = "toastodon"
	defaultClientName      = "toastodon"
)

// API はMastodonのOAuth関連API。
type API interface {
	RegisterApp(ctx context.Context, domain string, reg mastodon.AppRegistration) (*mastodon.App, error)
	AuthorizeURL(domain, clientID, redirectURI, state string) string
	ExchangeToken(ctx context.Context, domain string, app mastodon.App, code, redirectURI string) (string, error)
	VerifyCredentials(ctx context.Context, domain, accessToken string) (*mastodon.VerifiedAccount, error)
}

// CredentialSaver は認証情報の保存先。
type CredentialSaver interface {
	Save(ctx context.Context, cred *model.Credential) error
}

// BrowserLauncher は認可URLをユーザーのブラウザで開く。
type BrowserLauncher interface {
	Open(authURL string) error
}

// CompletionListener は認証情報の保存完了を受け取る。
type CompletionListener interface {
	OnAuthorized(cred *model.Credential)
}

// CompletionFunc は関数をCompletionListenerとして使うためのアダプタ。
type CompletionFunc func(cred *model.Credential)

// OnAuthorized はf(cred)を呼ぶ。
func (f CompletionFunc) OnAuthorized(cred *model.Credential) { f(cred) }

// Metrics は認可結果のメトリクス記録先。
type Metrics interface {
	RecordAuthResult(result string)
}

// Config はCoordinatorの設定。
type Config struct {
	RedirectScheme  string
	ClientName      string
	Website         string
	CallbackTimeout time.Duration
}

type callbackResult struct {
	code string
	err  error
}

// attempt はコールバック待ちの認可試行。
type attempt struct {
	domain   string
	resultCh chan callbackResult
	once     sync.Once
}

func (a *attempt) deliver(r callbackResult) {
	a.once.Do(func() {
		a.resultCh <- r
	})
}

// Coordinator はドメインごとの認可フローを進める。
type Coordinator struct {
	api      API
	store    CredentialSaver
	browser  BrowserLauncher
	listener CompletionListener
	metrics  Metrics
	logger   *slog.Logger
	cfg      Config

	mu       sync.Mutex
	pending  map[string]*attempt // stateトークン → 試行
	status   map[string]AttemptState
	inFlight map[string]bool
	locks    map[string]chan struct{}

	newState func() (string, error)
}

// NewCoordinator はCoordinatorを生成する。listenerとmetricsはnilでもよい。
func NewCoordinator(
	api API,
	store CredentialSaver,
	browser BrowserLauncher,
	listener CompletionListener,
	metrics Metrics,
	logger *slog.Logger,
	cfg Config,
) *Coordinator {
	if cfg.RedirectScheme == "" {
		cfg.RedirectScheme = defaultRedirectScheme
	}
	if cfg.ClientName == "" {
		cfg.ClientName = defaultClientName
	}
	if cfg.CallbackTimeout <= 0 {
		cfg.CallbackTimeout = defaultCallbackTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		api:      api,
		store:    store,
		browser:  browser,
		listener: listener,
		metrics:  metrics,
		logger:   logger,
		cfg:      cfg,
		pending:  make(map[string]*attempt),
		status:   make(map[string]AttemptState),
		inFlight: make(map[string]bool),
		locks:    make(map[string]chan struct{}),
		newState: generateState,
	}
}

// RedirectURI は登録・認可・トークン交換で使う固定のリダイレクトURIを返す。
func (c *Coordinator) RedirectURI() string {
	return c.cfg.RedirectScheme + "://" + callbackHost + callbackPath
}

// Authorize はdomainの認可を最初から最後まで進め、保存した認証情報を返す。
// 同じドメインの認可が進行中なら完了を待つ。待機中にctxが終わった場合はAuthInProgressErrorを返す。
// どのステップで失敗しても状態はErroredとなり、そのドメインの途中状態は破棄される。
func (c *Coordinator) Authorize(ctx context.Context, domain string) (*model.Credential, error) {
	release, err := c.acquire(ctx, domain)
	if err != nil {
		return nil, err
	}
	defer release()

	cred, err := c.run(ctx, domain)
	if err != nil {
		c.setStatus(domain, StateErrored)
		c.logger.Error("認可に失敗しました",
			slog.String("domain", domain),
			slog.String("error", err.Error()),
		)
		c.recordResult(err)
		return nil, err
	}

	c.recordResult(nil)
	if c.listener != nil {
		c.listener.OnAuthorized(cred)
	}
	return cred, nil
}

func (c *Coordinator) run(ctx context.Context, domain string) (*model.Credential, error) {
	c.setStatus(domain, StateIdle)
	redirectURI := c.RedirectURI()

	// 1. アプリ登録
	app, err := c.api.RegisterApp(ctx, domain, mastodon.AppRegistration{
		ClientName:  c.cfg.ClientName,
		RedirectURI: redirectURI,
		Website:     c.cfg.Website,
	})
	if err != nil {
		return nil, model.NewRegistrationError(domain, err)
	}
	c.setStatus(domain, StateAppRegistered)

	// 2. 認可URLを作る
	state, err := c.newState()
	if err != nil {
		return nil, model.NewRegistrationError(domain, fmt.Errorf("failed to generate state: %w", err))
	}
	authURL := c.api.AuthorizeURL(domain, app.ClientID, redirectURI, state)
	c.setStatus(domain, StateAuthorizationRequested)

	// 3. このstate専用のコールバック待ちを登録してからブラウザを開く
	att := &attempt{domain: domain, resultCh: make(chan callbackResult, 1)}
	c.mu.Lock()
	c.pending[state] = att
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, state)
		c.mu.Unlock()
	}()
	c.setStatus(domain, StateAwaitingCallback)

	c.logger.Info("ブラウザで認可してください",
		slog.String("domain", domain),
		slog.String("url", authURL),
	)
	if c.browser != nil {
		if err := c.browser.Open(authURL); err != nil {
			c.logger.Warn("ブラウザを起動できませんでした。URLを手動で開いてください",
				slog.String("domain", domain),
				slog.String("error", err.Error()),
			)
		}
	}

	timer := time.NewTimer(c.cfg.CallbackTimeout)
	defer timer.Stop()

	var code string
	select {
	case r := <-att.resultCh:
		if r.err != nil {
			return nil, r.err
		}
		code = r.code
	case <-timer.C:
		return nil, model.NewAuthTimeoutError(domain)
	case <-ctx.Done():
		timeoutErr := model.NewAuthTimeoutError(domain)
		timeoutErr.Err = ctx.Err()
		return nil, timeoutErr
	}

	// 4. トークン交換
	token, err := c.api.ExchangeToken(ctx, domain, *app, code, redirectURI)
	if err != nil {
		return nil, model.NewTokenExchangeError(domain, err)
	}
	c.setStatus(domain, StateTokenExchanged)

	// 5. アカウント確認
	account, err := c.api.VerifyCredentials(ctx, domain, token)
	if err != nil {
		return nil, model.NewIdentityVerificationError(domain, err)
	}
	c.setStatus(domain, StateIdentityVerified)

	// 6. 保存
	now := time.Now()
	cred := &model.Credential{
		Domain:        domain,
		AccountHandle: account.Acct,
		ClientID:      app.ClientID,
		ClientSecret:  app.ClientSecret,
		AccessToken:   token,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := c.store.Save(ctx, cred); err != nil {
		return nil, model.NewPersistError(domain, err)
	}
	c.setStatus(domain, StatePersisted)

	c.logger.Info("認可が完了しました",
		slog.String("domain", domain),
		slog.String("account", cred.Key().String()),
	)
	return cred, nil
}

// HandleCallback はOSから渡されたコールバックURLを対応する認可試行に届ける。
// stateで試行を特定し、スキーム・ホスト・パスの完全一致とcodeの存在を検証する。
// 検証に失敗した場合、そのエラーは特定できた試行にも届けられ、試行はErroredになる。
func (c *Coordinator) HandleCallback(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return model.NewInvalidCallbackError("", "URLを解析できません")
	}

	q := u.Query()
	c.mu.Lock()
	att := c.pending[q.Get("state")]
	c.mu.Unlock()
	if att == nil {
		return model.NewInvalidCallbackError("", "対応する認可が見つかりません")
	}

	var cbErr error
	switch {
	case u.Scheme != c.cfg.RedirectScheme || u.Host != callbackHost || u.Path != callbackPath:
		cbErr = model.NewInvalidCallbackError(att.domain, "リダイレクトURIが一致しません")
	case q.Get("error") != "":
		cbErr = model.NewInvalidCallbackError(att.domain, "認可が拒否されました: "+q.Get("error"))
	case q.Get("code") == "":
		cbErr = model.NewInvalidCallbackError(att.domain, "code がありません")
	}
	if cbErr != nil {
		att.deliver(callbackResult{err: cbErr})
		return cbErr
	}

	att.deliver(callbackResult{code: q.Get("code")})
	return nil
}

// Status はdomainの直近の認可試行の状態を返す。試行がなければIdle。
func (c *Coordinator) Status(domain string) AttemptState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.status[domain]; ok {
		return s
	}
	return StateIdle
}

// Pending は認可が進行中のドメインを返す。
func (c *Coordinator) Pending() []string {
	c.mu.Lock()
	domains := make([]string, 0, len(c.inFlight))
	for d := range c.inFlight {
		domains = append(domains, d)
	}
	c.mu.Unlock()
	sort.Strings(domains)
	return domains
}

// acquire はドメインごとのセマフォを取得する。
func (c *Coordinator) acquire(ctx context.Context, domain string) (func(), error) {
	c.mu.Lock()
	sem, ok := c.locks[domain]
	if !ok {
		sem = make(chan struct{}, 1)
		c.locks[domain] = sem
	}
	c.mu.Unlock()

	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		return nil, model.NewAuthInProgressError(domain, ctx.Err())
	}

	c.mu.Lock()
	c.inFlight[domain] = true
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.inFlight, domain)
		c.mu.Unlock()
		<-sem
	}, nil
}

func (c *Coordinator) setStatus(domain string, s AttemptState) {
	c.mu.Lock()
	c.status[domain] = s
	c.mu.Unlock()
	c.logger.Debug("認可の状態が変わりました",
		slog.String("domain", domain),
		slog.String("state", string(s)),
	)
}

func (c *Coordinator) recordResult(err error) {
	if c.metrics == nil {
		return
	}
	if err == nil {
		c.metrics.RecordAuthResult("success")
		return
	}
	var appErr *model.AppError
	if errors.As(err, &appErr) {
		c.metrics.RecordAuthResult(appErr.Code)
		return
	}
	c.metrics.RecordAuthResult("unknown")
}

// generateState は暗号的に安全なstateトークンを生成する。
func generateState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
