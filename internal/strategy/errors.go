package strategy

import (
	"errors"
	"fmt"
	"net/http"
)

// Code は認証エラーの種別。
type Code string

// 認証エラーの種別。
const (
	CodeNoCredential        Code = "no_credential"
	CodeInvalidCredential   Code = "invalid_credential"
	CodeIdentityNotFound    Code = "identity_not_found"
	CodeStrategyUnavailable Code = "strategy_unavailable"
	CodeNotImplemented      Code = "not_implemented"
	CodeInternal            Code = "internal"
)

// AuthError は認証の失敗を表す。
// Messageはクライアントにそのまま返す文言、StatusCodeは対応するHTTPステータス。
type AuthError struct {
	Code       Code
	Message    string
	StatusCode int
	Cause      error
}

// Error はerrorインターフェースを実装する。
func (e *AuthError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap は原因となったエラーを返す。
func (e *AuthError) Unwrap() error {
	return e.Cause
}

// NoCredential は資格情報が無いことを表す。
func NoCredential() *AuthError {
	return &AuthError{Code: CodeNoCredential, Message: "No credential provided", StatusCode: http.StatusBadRequest}
}

// InvalidCredential は資格情報が受け付けられなかったことを表す。
func InvalidCredential(cause error) *AuthError {
	return &AuthError{Code: CodeInvalidCredential, Message: "Invalid token", StatusCode: http.StatusUnauthorized, Cause: cause}
}

// IdentityNotFound は利用者がゲートウェイのストアに存在しないことを表す。
func IdentityNotFound(cause error) *AuthError {
	return &AuthError{Code: CodeIdentityNotFound, Message: "User not found", StatusCode: http.StatusNotFound, Cause: cause}
}

// StrategyUnavailable はサービスに設定された戦略が登録されていないことを表す。
func StrategyUnavailable(cause error) *AuthError {
	return &AuthError{
		Code:       CodeStrategyUnavailable,
		Message:    "Authentication strategy not available",
		StatusCode: http.StatusInternalServerError,
		Cause:      cause,
	}
}

// NotImplemented は戦略が未実装であることを表す。
func NotImplemented(strategy string) *AuthError {
	return &AuthError{
		Code:       CodeNotImplemented,
		Message:    fmt.Sprintf("%s authentication strategy is not implemented", strategy),
		StatusCode: http.StatusNotImplemented,
	}
}

// Internal は依存先の障害など、利用者に原因の無い失敗を表す。
func Internal(message string, cause error) *AuthError {
	return &AuthError{Code: CodeInternal, Message: message, StatusCode: http.StatusInternalServerError, Cause: cause}
}

// AsAuthError はerrを*AuthErrorとして取り出す。
// *AuthErrorを含まないエラーはCodeInternalとして包む。
func AsAuthError(err error) *AuthError {
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return authErr
	}
	return Internal("Authentication failed", err)
}
