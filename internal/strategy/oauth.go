package strategy

import (
	"context"

	"golang.org/x/oauth2"

	"github.com/nao1215/authgate/internal/identity"
)

// OAuthStrategy は外部プロバイダーのOAuthで認証するバックエンド向けの戦略。
// プロバイダーの設定のみを保持し、認証とヘッダー生成は未実装。
type OAuthStrategy struct {
	config *oauth2.Config
}

// NewOAuthStrategy は新しいOAuthStrategyを生成する。
func NewOAuthStrategy(config *oauth2.Config) *OAuthStrategy {
	return &OAuthStrategy{config: config}
}

// Name はStrategyインターフェースを実装する。
func (s *OAuthStrategy) Name() string {
	return NameOAuth
}

// AuthCodeURL はプロバイダーの認可エンドポイントのURLを返す。
// プロバイダーが設定されていない場合は空文字列を返す。
func (s *OAuthStrategy) AuthCodeURL(state string) string {
	if s.config == nil || s.config.Endpoint.AuthURL == "" {
		return ""
	}
	return s.config.AuthCodeURL(state, oauth2.AccessTypeOnline)
}

// Authenticate は常にCodeNotImplementedで失敗する。
func (s *OAuthStrategy) Authenticate(context.Context, Request) (*identity.Identity, error) {
	return nil, NotImplemented(NameOAuth)
}

// Headers は常にCodeNotImplementedで失敗する。
func (s *OAuthStrategy) Headers(*identity.Identity, Target) (Headers, error) {
	return Headers{}, NotImplemented(NameOAuth)
}

// JWTStrategy は独自のJWTを要求するバックエンド向けの戦略。未実装。
type JWTStrategy struct{}

// NewJWTStrategy は新しいJWTStrategyを生成する。
func NewJWTStrategy() *JWTStrategy {
	return &JWTStrategy{}
}

// Name はStrategyインターフェースを実装する。
func (s *JWTStrategy) Name() string {
	return NameJWT
}

// Authenticate は常にCodeNotImplementedで失敗する。
func (s *JWTStrategy) Authenticate(context.Context, Request) (*identity.Identity, error) {
	return nil, NotImplemented(NameJWT)
}

// Headers は常にCodeNotImplementedで失敗する。
func (s *JWTStrategy) Headers(*identity.Identity, Target) (Headers, error) {
	return Headers{}, NotImplemented(NameJWT)
}
