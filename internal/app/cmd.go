package app

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandServe はクリップエージェントモードで起動することを示す。
	CommandServe Command = "serve"
	// CommandProxy はOAuthトークン交換プロキシモードで起動することを示す。
	CommandProxy Command = "proxy"
	// CommandMigrate はデータベースマイグレーションを実行することを示す。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck はヘルスチェックを実行することを示す。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
)

// ParseCommand はコマンドライン引数からサブコマンドを解析する。
// 引数が空またはサポート外のコマンドの場合はCommandServeを返す。
func ParseCommand(args []string) Command {
	if len(args) == 0 {
		return CommandServe
	}

	switch args[0] {
	case "serve":
		return CommandServe
	case "proxy":
		return CommandProxy
	case "migrate":
		return CommandMigrate
	case "healthcheck":
		return CommandHealthcheck
	default:
		return CommandServe
	}
}
