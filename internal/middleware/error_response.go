package middleware

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/hitoshi/toastodon/internal/model"
)

// ErrorResponseBody はAPIエラーレスポンスの統一フォーマット。
// 原因カテゴリと対処方法を含む。
type ErrorResponseBody struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category"`
	Action   string `json:"action"`
	Domain   string `json:"domain,omitempty"`
}

// WriteErrorResponse は統一エラーフォーマットでHTTPエラーレスポンスを書き込む。
func WriteErrorResponse(w http.ResponseWriter, statusCode int, appErr *model.AppError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponseBody{
		Code:     appErr.Code,
		Message:  appErr.Message,
		Category: appErr.Category,
		Action:   appErr.Action,
		Domain:   appErr.Domain,
	})
}

// WriteError はerrを統一フォーマットで書き込む。
// AppErrorでなければ内部エラーとして扱い、詳細は返さない。
func WriteError(w http.ResponseWriter, err error) {
	var appErr *model.AppError
	if !errors.As(err, &appErr) {
		WriteInternalServerError(w)
		return
	}
	WriteErrorResponse(w, StatusForCode(appErr.Code), appErr)
}

// StatusForCode はエラーコードに対応するHTTPステータスを返す。
func StatusForCode(code string) int {
	switch code {
	case model.ErrCodeInvalidCallback:
		return http.StatusBadRequest
	case model.ErrCodeAuthInProgress:
		return http.StatusConflict
	case model.ErrCodeAuthTimeout:
		return http.StatusGatewayTimeout
	case model.ErrCodeRegistration, model.ErrCodeTokenExchange,
		model.ErrCodeIdentityVerification, model.ErrCodeConnection, model.ErrCodeFetch:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// WriteInternalServerError は内部サーバーエラーの統一レスポンスを書き込む。
// 詳細はログのみに記録し、ユーザーには一般的なメッセージを返す。
func WriteInternalServerError(w http.ResponseWriter) {
	WriteErrorResponse(w, http.StatusInternalServerError, &model.AppError{
		Code:     "INTERNAL_ERROR",
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	})
}
