package app

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandRun は常駐プロセスとして起動することを示す。
	CommandRun Command = "run"
	// CommandLogin は起動中のプロセスにアカウント追加を依頼することを示す。
	CommandLogin Command = "login"
	// CommandLogout は起動中のプロセスにアカウント削除を依頼することを示す。
	CommandLogout Command = "logout"
	// CommandAccounts は登録済みアカウントの一覧を表示することを示す。
	CommandAccounts Command = "accounts"
	// CommandCallback はOSから渡されたリダイレクトURLを起動中のプロセスに中継することを示す。
	// URLスキームハンドラとして登録して使う。
	CommandCallback Command = "callback"
	// CommandMigrate はデータベースマイグレーションを実行することを示す。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck はヘルスチェックを実行することを示す。
	CommandHealthcheck Command = "healthcheck"
)

// ParseCommand はコマンドライン引数からサブコマンドを解析する。
// 引数が空またはサポート外のコマンドの場合はCommandRunを返す。
func ParseCommand(args []string) Command {
	if len(args) == 0 {
		return CommandRun
	}

	switch args[0] {
	case "run":
		return CommandRun
	case "login":
		return CommandLogin
	case "logout":
		return CommandLogout
	case "accounts":
		return CommandAccounts
	case "callback":
		return CommandCallback
	case "migrate":
		return CommandMigrate
	case "healthcheck":
		return CommandHealthcheck
	default:
		return CommandRun
	}
}

// commandArgs はサブコマンド名を除いた引数を返す。
func commandArgs(args []string) []string {
	if len(args) <= 1 {
		return nil
	}
	return args[1:]
}
