package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, transient, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeCredentialMissing = "CREDENTIAL_MISSING"
	ErrCodeDatabaseMissing   = "DATABASE_MISSING"
	ErrCodeStateMismatch     = "STATE_MISMATCH"
	ErrCodeStateExpired      = "STATE_EXPIRED"
	ErrCodeOAuthDenied       = "OAUTH_DENIED"
	ErrCodeExchangeFailed    = "EXCHANGE_FAILED"
	ErrCodeUnauthorized      = "UNAUTHORIZED"
	ErrCodeNotionAPI         = "NOTION_API_ERROR"
	ErrCodeHelperNotReady    = "HELPER_NOT_READY"
	ErrCodeViewNotFound      = "VIEW_NOT_FOUND"
	ErrCodeUnknownMessage    = "UNKNOWN_MESSAGE_TYPE"
	ErrCodeInvalidURL        = "INVALID_URL"
	ErrCodeSSRFBlocked       = "SSRF_BLOCKED"
)

// NewCredentialMissingError はクレデンシャル未設定エラーを生成する。
func NewCredentialMissingError() *APIError {
	return &APIError{
		Code:     ErrCodeCredentialMissing,
		Message:  "Notionのクレデンシャルが設定されていません。",
		Category: "auth",
		Action:   "設定画面でAPIキーを入力するか、OAuth連携を実行してください。",
	}
}

// NewDatabaseMissingError は保存先データベース未選択エラーを生成する。
func NewDatabaseMissingError() *APIError {
	return &APIError{
		Code:     ErrCodeDatabaseMissing,
		Message:  "保存先のデータベースが選択されていません。",
		Category: "validation",
		Action:   "クリップボード一覧から保存先を選択してください。",
	}
}

// NewStateMismatchError はOAuth stateの不一致エラーを生成する。
// CSRFの疑いがあるため再認証が必要。自動リトライしてはならない。
func NewStateMismatchError() *APIError {
	return &APIError{
		Code:     ErrCodeStateMismatch,
		Message:  "OAuth stateが一致しません。認証フローをやり直してください。",
		Category: "auth",
		Action:   "設定画面からOAuth連携を再実行してください。",
	}
}

// NewStateExpiredError は有効期限切れのOAuth stateに対するエラーを生成する。
func NewStateExpiredError() *APIError {
	return &APIError{
		Code:     ErrCodeStateExpired,
		Message:  "OAuth stateの有効期限が切れています。認証フローをやり直してください。",
		Category: "auth",
		Action:   "設定画面からOAuth連携を再実行してください。",
	}
}

// NewOAuthDeniedError は認可拒否エラーを生成する。
func NewOAuthDeniedError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeOAuthDenied,
		Message:  fmt.Sprintf("Notionの認可が拒否されました: %s", reason),
		Category: "auth",
		Action:   "Notion側でアクセスを許可して再度お試しください。",
	}
}

// NewExchangeFailedError はトークン交換失敗エラーを生成する。
func NewExchangeFailedError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeExchangeFailed,
		Message:  fmt.Sprintf("トークン交換に失敗しました: %s", reason),
		Category: "auth",
		Action:   "しばらく待ってからOAuth連携を再実行してください。",
	}
}

// NewUnauthorizedError は認証エラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "Notion APIの認証に失敗しました。",
		Category: "auth",
		Action:   "クレデンシャルを確認し、再認証してください。",
	}
}

// NewNotionAPIError はNotion APIの呼び出し失敗エラーを生成する。
func NewNotionAPIError(detail string) *APIError {
	return &APIError{
		Code:     ErrCodeNotionAPI,
		Message:  fmt.Sprintf("Notion APIの呼び出しに失敗しました: %s", detail),
		Category: "transient",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewHelperNotReadyError はNotionヘルパー未準備エラーを生成する。
// 注入リトライで回復しうる一時的エラー。
func NewHelperNotReadyError() *APIError {
	return &APIError{
		Code:     ErrCodeHelperNotReady,
		Message:  "Notionタブのヘルパーが応答しません。",
		Category: "transient",
		Action:   "Notionにログインした状態で再度お試しください。",
	}
}

// NewViewNotFoundError はビュー未検出エラーを生成する。
// ポーリング上限まで待っても内部APIにビューが現れなかった場合に使う。
// 呼び出し元はこれを非致命として扱う（データベース登録自体は成功）。
func NewViewNotFoundError(databaseID string) *APIError {
	return &APIError{
		Code:     ErrCodeViewNotFound,
		Message:  fmt.Sprintf("データベースのビューが見つかりませんでした: %s", databaseID),
		Category: "transient",
		Action:   "ビューはテーブルのまま残っている可能性があります。Notion上で手動でギャラリービューを作成できます。",
	}
}

// NewUnknownMessageError は未知のメッセージタイプエラーを生成する。
func NewUnknownMessageError(msgType string) *APIError {
	return &APIError{
		Code:     ErrCodeUnknownMessage,
		Message:  fmt.Sprintf("未知のメッセージタイプです: %s", msgType),
		Category: "validation",
		Action:   "拡張機能のバージョンを確認してください。",
	}
}

// NewInvalidURLError は無効なURLエラーを生成する。
func NewInvalidURLError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidURL,
		Message:  fmt.Sprintf("無効なURLです: %s", reason),
		Category: "validation",
		Action:   "正しいURL形式（http:// または https:// で始まるURL）を指定してください。",
	}
}

// NewSSRFBlockedError はSSRFブロックエラーを生成する。
func NewSSRFBlockedError() *APIError {
	return &APIError{
		Code:     ErrCodeSSRFBlocked,
		Message:  "セキュリティポリシーにより、指定されたURLへのアクセスがブロックされました。",
		Category: "validation",
		Action:   "公開されているWebページのURLを指定してください。",
	}
}
