package handler

import (
	"context"
	"log/slog"
	"slices"
	"sort"
	"sync"

	"github.com/hitoshi/toastodon/internal/model"
	"github.com/hitoshi/toastodon/internal/oauth"
)

// CoordinatorInterface はBackgroundAuthorizerが使うoauth.Coordinatorのメソッド。
type CoordinatorInterface interface {
	Authorize(ctx context.Context, domain string) (*model.Credential, error)
	HandleCallback(rawURL string) error
	Status(domain string) oauth.AttemptState
	Pending() []string
}

// ErrorReporter は認可の失敗をユーザーに知らせる。
type ErrorReporter interface {
	ReportError(err error)
}

// BackgroundAuthorizer は oauth.Coordinator を Authorizer に適合させるアダプタ。
// 認可はリクエストとは独立したゴルーチンで進め、ctxの終了で打ち切る。
type BackgroundAuthorizer struct {
	ctx      context.Context
	coord    CoordinatorInterface
	reporter ErrorReporter
	logger   *slog.Logger
	wg       sync.WaitGroup

	mu       sync.Mutex
	starting map[string]bool
}

// NewBackgroundAuthorizer はBackgroundAuthorizerを生成する。reporterはnilでもよい。
func NewBackgroundAuthorizer(ctx context.Context, coord CoordinatorInterface, reporter ErrorReporter, logger *slog.Logger) *BackgroundAuthorizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &BackgroundAuthorizer{
		ctx:      ctx,
		coord:    coord,
		reporter: reporter,
		logger:   logger,
		starting: make(map[string]bool),
	}
}

// Start はdomainの認可をバックグラウンドで開始する。
// 同じドメインの認可が進行中ならAuthInProgressErrorを返す。
// Startが戻った時点から認可が終わるまで、domainはPendingに含まれる。
func (a *BackgroundAuthorizer) Start(domain string) error {
	a.mu.Lock()
	if a.starting[domain] || slices.Contains(a.coord.Pending(), domain) {
		a.mu.Unlock()
		return model.NewAuthInProgressError(domain, nil)
	}
	a.starting[domain] = true
	a.mu.Unlock()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer func() {
			a.mu.Lock()
			delete(a.starting, domain)
			a.mu.Unlock()
		}()

		cred, err := a.coord.Authorize(a.ctx, domain)
		if err != nil {
			if a.reporter != nil && a.ctx.Err() == nil {
				a.reporter.ReportError(err)
			}
			return
		}
		a.logger.Info("account authorized",
			slog.String("domain", cred.Domain),
			slog.String("account", cred.AccountHandle),
		)
	}()
	return nil
}

// Status はdomainの直近の認可試行の状態を返す。
func (a *BackgroundAuthorizer) Status(domain string) oauth.AttemptState {
	return a.coord.Status(domain)
}

// Pending は認可が進行中のドメインを返す。
func (a *BackgroundAuthorizer) Pending() []string {
	domains := a.coord.Pending()

	a.mu.Lock()
	for d := range a.starting {
		if !slices.Contains(domains, d) {
			domains = append(domains, d)
		}
	}
	a.mu.Unlock()

	sort.Strings(domains)
	return domains
}

// HandleCallback はコールバックURLを認可試行に届ける。
func (a *BackgroundAuthorizer) HandleCallback(rawURL string) error {
	return a.coord.HandleCallback(rawURL)
}

// Wait はStartで開始した認可がすべて終わるまで待つ。
func (a *BackgroundAuthorizer) Wait() {
	a.wg.Wait()
}
