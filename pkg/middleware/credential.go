package middleware

import (
	"net/http"
	"strings"
)

// CredentialSource は認証情報を取り出した場所。
type CredentialSource string

const (
	// SourceHeader は Authorization: Bearer ヘッダー。
	SourceHeader CredentialSource = "header"
	// SourceQuery は token クエリパラメータ。
	SourceQuery CredentialSource = "query"
	// SourceCookie は名前付きCookie。
	SourceCookie CredentialSource = "cookie"
)

// TokenQueryParam は認証トークンを運ぶクエリパラメータ名。
// バックエンドへ転送する前に必ず除去する。
const TokenQueryParam = "token"

// ExtractCredential はリクエストから不透明なベアラートークンを取り出す。
// Authorizationヘッダー、tokenクエリパラメータ、cookieNameのCookieの順に確認する。
// Authorizationヘッダーがあってもベアラー形式でなければ次の候補へ進む。
func ExtractCredential(r *http.Request, cookieName string) (string, CredentialSource, bool) {
	if token, ok := bearerToken(r.Header.Get("Authorization")); ok {
		return token, SourceHeader, true
	}

	if token := strings.TrimSpace(r.URL.Query().Get(TokenQueryParam)); token != "" {
		return token, SourceQuery, true
	}

	if cookieName != "" {
		if cookie, err := r.Cookie(cookieName); err == nil {
			if token := strings.TrimSpace(cookie.Value); token != "" {
				return token, SourceCookie, true
			}
		}
	}

	return "", "", false
}

// bearerToken は "Bearer <token>" 形式のヘッダー値からトークンを取り出す。
// スキーム名の大文字小文字は区別しない。
func bearerToken(header string) (string, bool) {
	scheme, token, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
