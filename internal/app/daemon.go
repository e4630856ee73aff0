package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/hitoshi/toastodon/internal/config"
	"github.com/hitoshi/toastodon/internal/database"
	"github.com/hitoshi/toastodon/internal/display"
	"github.com/hitoshi/toastodon/internal/handler"
	"github.com/hitoshi/toastodon/internal/mastodon"
	"github.com/hitoshi/toastodon/internal/media"
	"github.com/hitoshi/toastodon/internal/metrics"
	"github.com/hitoshi/toastodon/internal/middleware"
	"github.com/hitoshi/toastodon/internal/model"
	"github.com/hitoshi/toastodon/internal/oauth"
	"github.com/hitoshi/toastodon/internal/queue"
	"github.com/hitoshi/toastodon/internal/repository"
	"github.com/hitoshi/toastodon/internal/security"
	"github.com/hitoshi/toastodon/internal/session"
	"github.com/hitoshi/toastodon/internal/transform"
	"github.com/hitoshi/toastodon/internal/worker/cleanup"
)

const (
	appName         = "toastodon"
	shutdownTimeout = 10 * time.Second
	cleanupInterval = time.Hour
)

// Options はNewDaemonで差し替えられる依存。ゼロ値のフィールドは本番用の実装を使う。
type Options struct {
	Store    repository.CredentialRepository
	Notifier display.Notifier
	Browser  oauth.BrowserLauncher
	API      *mastodon.Client
}

// Daemon は常駐プロセスの構成要素をまとめたもの。
// NewDaemonで組み立て、Serveで動かし、Closeで後片付けする。
type Daemon struct {
	cfg    *config.Config
	logger *slog.Logger

	store    repository.CredentialRepository
	closers  []func() error
	api      *mastodon.Client
	browser  oauth.BrowserLauncher
	registry *prometheus.Registry
	metrics  *metrics.Collector
	sink     *display.Sink
	queue    *queue.Queue
	sessions *session.Manager
	limiter  *middleware.RateLimiter
}

// NewDaemon は設定から全依存関係をワイヤリングしたDaemonを返す。
func NewDaemon(cfg *config.Config, logger *slog.Logger, opts Options) (*Daemon, error) {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Daemon{cfg: cfg, logger: logger}

	// 1. 認証情報ストア
	if opts.Store != nil {
		d.store = opts.Store
	} else {
		store, closer, err := openStore(cfg)
		if err != nil {
			return nil, err
		}
		d.store = store
		if closer != nil {
			d.closers = append(d.closers, closer)
		}
	}

	// 2. メトリクス
	d.registry = prometheus.NewRegistry()
	d.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	d.metrics = metrics.NewCollector(d.registry)

	// 3. 表示先とステージングキュー
	notifier := opts.Notifier
	if notifier == nil {
		notifier = display.NewNotifier(appName)
	}
	d.sink = display.NewSink(notifier, logger, display.Config{IconDir: cfg.IconDir})
	d.queue = queue.New(queue.Config{
		Capacity:      cfg.QueueCapacity,
		EvictInterval: cfg.EvictInterval,
	}, queue.Observers{d.sink, d.metrics}, logger)

	// 4. Mastodon APIクライアントと変換パイプライン
	d.api = opts.API
	if d.api == nil {
		d.api = mastodon.NewClient(mastodon.ClientConfig{
			UserAgent:         appName,
			StreamReadTimeout: cfg.StreamReadTimeout,
		})
	}
	materializer := media.NewMaterializer(security.NewSSRFGuard(), logger, d.metrics, media.Config{
		Timeout: cfg.FetchTimeout,
		MaxSize: cfg.FetchMaxSize,
	})
	transformer := transform.NewTransformer(security.NewContentSanitizer(), materializer, logger)

	// 5. セッションマネージャー
	d.sessions = session.NewManager(
		session.NewMastodonDialer(d.api),
		transformer,
		d.queue,
		d.sink,
		d.metrics,
		logger,
		session.Config{
			MaxRetries:     cfg.StreamMaxRetries,
			InitialBackoff: cfg.StreamInitialBackoff,
			MaxBackoff:     cfg.StreamMaxBackoff,
			StableAfter:    cfg.StreamStableAfter,
		},
	)

	d.browser = opts.Browser
	if d.browser == nil {
		d.browser = oauth.SystemBrowser{Command: cfg.Browser}
	}

	d.limiter = middleware.NewRateLimiter(middleware.PerMinuteConfig(cfg.RateLimitPerMinute, cfg.AuthRateLimitPerMinute))
	return d, nil
}

// openStore は設定に応じた認証情報ストアを開く。closerはnilの場合がある。
func openStore(cfg *config.Config) (repository.CredentialRepository, func() error, error) {
	switch cfg.CredentialStore {
	case config.StorePostgres:
		db, err := database.Open(cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open database: %w", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		slog.Info("database connection established")
		return repository.NewPostgresCredentialRepo(db), db.Close, nil
	default:
		return repository.NewFileCredentialRepo(cfg.CredentialFile), nil, nil
	}
}

// Serve は保存済みアカウントのセッションとコントロールAPIを起動し、ctxが終わるまでブロックする。
// 戻る前にHTTPサーバーを停止し、全セッションと進行中の認可の終了を待つ。
func (d *Daemon) Serve(ctx context.Context, ln net.Listener) error {
	creds, err := d.store.List(ctx)
	if err != nil {
		ln.Close()
		return fmt.Errorf("failed to load credentials: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		d.queue.Run(gctx)
		return nil
	})

	// 前回の異常終了で残ったアイコンファイルを定期的に削除する
	if d.cfg.IconDir != "" {
		job := cleanup.NewCleanupJob(d.cfg.IconDir, display.IconPattern, d.logger)
		g.Go(func() error {
			job.Start(gctx, cleanupInterval)
			return nil
		})
	}

	// 認可が完了したアカウントはその場でセッションを開始する
	coord := oauth.NewCoordinator(
		d.api,
		d.store,
		d.browser,
		oauth.CompletionFunc(func(cred *model.Credential) { d.sessions.Add(gctx, cred) }),
		d.metrics,
		d.logger,
		oauth.Config{
			RedirectScheme:  d.cfg.OAuthRedirectScheme,
			ClientName:      d.cfg.OAuthClientName,
			Website:         d.cfg.OAuthWebsite,
			CallbackTimeout: d.cfg.AuthTimeout,
		},
	)
	authorizer := handler.NewBackgroundAuthorizer(gctx, coord, d.sink, d.logger)

	router := handler.NewRouter(&handler.RouterDeps{
		Logger:        d.logger,
		ControlToken:  d.cfg.ControlToken,
		Origin:        middleware.OriginConfig{AllowedHosts: d.cfg.ControlAllowedHosts},
		RateLimiter:   d.limiter,
		Gatherer:      d.registry,
		Credentials:   d.store,
		Sessions:      d.sessions,
		Authorizer:    authorizer,
		Notifications: d.queue,
	})

	server := &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g.Go(func() error {
		d.logger.Info("control API starting",
			slog.String("addr", ln.Addr().String()),
			slog.String("redirect_uri", coord.RedirectURI()),
		)
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("control API server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		d.logger.Info("shutting down control API...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	})

	d.sessions.Start(gctx, creds)
	d.logger.Info("sessions started", slog.Int("accounts", len(creds)))

	err = g.Wait()
	authorizer.Wait()
	d.sessions.Wait()

	d.logger.Info("daemon stopped gracefully")
	return err
}

// Close は表示中の通知を閉じ、開いたリソースを解放する。
func (d *Daemon) Close() error {
	for _, n := range d.queue.Snapshot() {
		d.sink.Dismiss(n.Post)
	}
	d.limiter.Stop()

	var errs []error
	for _, c := range d.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
