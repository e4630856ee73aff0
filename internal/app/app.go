// Package app はサブコマンドの解析と各モードの起動処理を提供する。
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hitoshi/toastodon/internal/config"
	"github.com/hitoshi/toastodon/internal/database"
	"github.com/hitoshi/toastodon/internal/logger"
	"github.com/hitoshi/toastodon/internal/mastodon"
	"github.com/hitoshi/toastodon/internal/oauth"
)

// loginPollInterval はloginサブコマンドが認可状態を確認する間隔。
var loginPollInterval = time.Second

// Init はアプリケーションの初期化を行う。
// JSON構造化ログをセットアップしてから環境変数のConfigを読み込む。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, logger.ParseLevel(os.Getenv("LOG_LEVEL")))

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。wはログ、outはコマンドの結果の出力先。
func Run(w, out io.Writer, args []string) error {
	cmd := ParseCommand(args)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		addr := os.Getenv("CONTROL_ADDR")
		if addr == "" {
			addr = "127.0.0.1:8931"
		}
		return runHealthcheck(ctx, newControlClient("http://"+addr, os.Getenv("CONTROL_TOKEN")))
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Debug("starting application",
		slog.String("command", string(cmd)),
		slog.String("control_addr", cfg.ControlAddr),
		slog.String("credential_store", cfg.CredentialStore),
	)

	control := newControlClient(cfg.ControlURL(), cfg.ControlToken)
	rest := commandArgs(args)

	switch cmd {
	case CommandLogin:
		return runLogin(ctx, control, out, rest, cfg.AuthTimeout)
	case CommandLogout:
		return runLogout(ctx, control, out, rest)
	case CommandAccounts:
		return runAccounts(ctx, control, out)
	case CommandCallback:
		return runCallback(ctx, control, rest)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runDaemon(ctx, cfg)
	}
}

// runDaemon は常駐モードで起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runDaemon(ctx context.Context, cfg *config.Config) error {
	d, err := NewDaemon(cfg, slog.Default(), Options{})
	if err != nil {
		return err
	}
	defer func() {
		if err := d.Close(); err != nil {
			slog.Error("failed to release resources", slog.String("error", err.Error()))
		}
	}()

	ln, err := net.Listen("tcp", cfg.ControlAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.ControlAddr, err)
	}

	return d.Serve(ctx, ln)
}

// runLogin は起動中のプロセスにdomainの認可を依頼し、完了まで待つ。
func runLogin(ctx context.Context, control *controlClient, out io.Writer, args []string, timeout time.Duration) error {
	if len(args) != 1 {
		return errors.New("usage: toastodon login <domain>")
	}
	domain, err := mastodon.NormalizeDomain(args[0])
	if err != nil {
		return err
	}

	if err := control.AddAccount(ctx, domain); err != nil {
		return err
	}
	fmt.Fprintf(out, "Opening the browser to authorize %s...\n", domain)

	// コールバック待ちのタイムアウトに加えてトークン交換などの時間を見込む
	ctx, cancel := context.WithTimeout(ctx, timeout+30*time.Second)
	defer cancel()

	ticker := time.NewTicker(loginPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("gave up waiting for authorization of %s: %w", domain, ctx.Err())
		case <-ticker.C:
		}

		st, err := control.AuthStatus(ctx, domain)
		if err != nil {
			return err
		}
		if st.Pending {
			continue
		}
		if st.State != string(oauth.StatePersisted) {
			return fmt.Errorf("authorization of %s failed (state: %s)", domain, st.State)
		}
		fmt.Fprintf(out, "Authorized %s.\n", domain)
		return nil
	}
}

// runLogout はアカウントのセッション停止と認証情報の削除を依頼する。
func runLogout(ctx context.Context, control *controlClient, out io.Writer, args []string) error {
	if len(args) != 2 {
		return errors.New("usage: toastodon logout <domain> <handle>")
	}
	domain, err := mastodon.NormalizeDomain(args[0])
	if err != nil {
		return err
	}
	if err := control.RemoveAccount(ctx, domain, args[1]); err != nil {
		return err
	}
	fmt.Fprintf(out, "Removed %s@%s.\n", args[1], domain)
	return nil
}

// runAccounts は登録済みアカウントを1行ずつ出力する。
func runAccounts(ctx context.Context, control *controlClient, out io.Writer) error {
	accounts, err := control.ListAccounts(ctx)
	if err != nil {
		return err
	}
	for _, a := range accounts {
		status := "inactive"
		if a.Active {
			status = "active"
		}
		fmt.Fprintf(out, "%s@%s\t%s\n", a.AccountHandle, a.Domain, status)
	}
	return nil
}

// runCallback はOSから渡されたリダイレクトURLを起動中のプロセスに中継する。
func runCallback(ctx context.Context, control *controlClient, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: toastodon callback <url>")
	}
	return control.RelayCallback(ctx, args[0])
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	if cfg.DatabaseURL == "" {
		return errors.New("migrate requires DATABASE_URL")
	}

	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runHealthcheck はコントロールAPIの /health を呼び出して結果を返す。
func runHealthcheck(ctx context.Context, control *controlClient) error {
	if err := control.Health(ctx); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
