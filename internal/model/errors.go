// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// AppError は統一エラーフォーマットを表す。
// 通知やAPIレスポンスで表示する原因カテゴリと対処方法を含む。
type AppError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, stream, transform, system
	Action   string // ユーザー向け対処方法
	Domain   string // 対象のサーバードメイン（不明な場合は空）
	Err      error  // 原因となったエラー
}

// Error はerrorインターフェースを実装する。
func (e *AppError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	if e.Domain != "" {
		msg += " (" + e.Domain + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap は原因となったエラーを返す。
func (e *AppError) Unwrap() error {
	return e.Err
}

// 定義済みエラーコード
const (
	ErrCodeRegistration         = "REGISTRATION_FAILED"
	ErrCodeInvalidCallback      = "INVALID_CALLBACK"
	ErrCodeTokenExchange        = "TOKEN_EXCHANGE_FAILED"
	ErrCodeIdentityVerification = "IDENTITY_VERIFICATION_FAILED"
	ErrCodeConnection           = "CONNECTION_FAILED"
	ErrCodeTransform            = "TRANSFORM_FAILED"
	ErrCodeFetch                = "FETCH_FAILED"
	ErrCodeAuthInProgress       = "AUTH_IN_PROGRESS"
	ErrCodeAuthTimeout          = "AUTH_TIMEOUT"
	ErrCodePersist              = "PERSIST_FAILED"
)

// HasCode はerrのチェーンに指定コードのAppErrorが含まれるかを返す。
func HasCode(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// NewRegistrationError はアプリ登録失敗エラーを生成する。
func NewRegistrationError(domain string, err error) *AppError {
	return &AppError{
		Code:     ErrCodeRegistration,
		Message:  "サーバーへのアプリ登録に失敗しました",
		Category: "auth",
		Action:   "ドメイン名が正しいか確認し、しばらく待ってから再度お試しください。",
		Domain:   domain,
		Err:      err,
	}
}

// NewInvalidCallbackError はコールバックURLが不正な場合のエラーを生成する。
func NewInvalidCallbackError(domain string, reason string) *AppError {
	return &AppError{
		Code:     ErrCodeInvalidCallback,
		Message:  fmt.Sprintf("認可コールバックが不正です: %s", reason),
		Category: "auth",
		Action:   "ブラウザで認可をやり直してください。",
		Domain:   domain,
	}
}

// NewTokenExchangeError はアクセストークン交換失敗エラーを生成する。
func NewTokenExchangeError(domain string, err error) *AppError {
	return &AppError{
		Code:     ErrCodeTokenExchange,
		Message:  "認可コードをアクセストークンに交換できませんでした",
		Category: "auth",
		Action:   "認可をやり直してください。",
		Domain:   domain,
		Err:      err,
	}
}

// NewIdentityVerificationError はアカウント確認失敗エラーを生成する。
func NewIdentityVerificationError(domain string, err error) *AppError {
	return &AppError{
		Code:     ErrCodeIdentityVerification,
		Message:  "認可したアカウントを確認できませんでした",
		Category: "auth",
		Action:   "認可をやり直してください。",
		Domain:   domain,
		Err:      err,
	}
}

// NewConnectionError はストリーミング接続の確立・維持に失敗した場合のエラーを生成する。
func NewConnectionError(domain string, err error) *AppError {
	return &AppError{
		Code:     ErrCodeConnection,
		Message:  "ストリーミング接続に失敗しました",
		Category: "stream",
		Action:   "ネットワーク接続を確認し、アプリを再起動してください。認証が拒否された場合は再認可が必要です。",
		Domain:   domain,
		Err:      err,
	}
}

// NewTransformError はイベントの変換に失敗した場合のエラーを生成する。
func NewTransformError(reason string, err error) *AppError {
	return &AppError{
		Code:     ErrCodeTransform,
		Message:  fmt.Sprintf("投稿イベントの変換に失敗しました: %s", reason),
		Category: "transform",
		Action:   "このイベントはスキップされます。",
		Err:      err,
	}
}

// NewFetchError はメディア取得失敗エラーを生成する。
func NewFetchError(url string, err error) *AppError {
	return &AppError{
		Code:     ErrCodeFetch,
		Message:  fmt.Sprintf("メディアの取得に失敗しました: %s", url),
		Category: "transform",
		Action:   "しばらく待ってから再度お試しください。",
		Err:      err,
	}
}

// NewAuthInProgressError は同一ドメインの認可が進行中の場合のエラーを生成する。
func NewAuthInProgressError(domain string, err error) *AppError {
	return &AppError{
		Code:     ErrCodeAuthInProgress,
		Message:  "このドメインの認可は既に進行中です",
		Category: "auth",
		Action:   "ブラウザで進行中の認可を完了してください。",
		Domain:   domain,
		Err:      err,
	}
}

// NewAuthTimeoutError は認可コールバックの待機がタイムアウトした場合のエラーを生成する。
func NewAuthTimeoutError(domain string) *AppError {
	return &AppError{
		Code:     ErrCodeAuthTimeout,
		Message:  "認可コールバックの待機がタイムアウトしました",
		Category: "auth",
		Action:   "認可をやり直してください。",
		Domain:   domain,
	}
}

// NewPersistError は認証情報の保存に失敗した場合のエラーを生成する。
func NewPersistError(domain string, err error) *AppError {
	return &AppError{
		Code:     ErrCodePersist,
		Message:  "認証情報の保存に失敗しました",
		Category: "system",
		Action:   "保存先の権限や接続設定を確認してください。",
		Domain:   domain,
		Err:      err,
	}
}
