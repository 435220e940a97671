package strategy

import (
	"context"
	"errors"

	log "github.com/sirupsen/logrus"

	"github.com/nao1215/authgate/internal/identity"
	"github.com/nao1215/authgate/pkg/middleware"
)

// 身元ヘッダーのキー。
const (
	HeaderUserEmail     = "X-User-Email"
	HeaderUserName      = "X-User-Name"
	HeaderUserID        = "X-User-ID"
	HeaderForwardedAuth = "X-Forwarded-Auth"
	HeaderOutlineAuth   = "X-Outline-Auth"
)

// TokenVerifier はトークンを検証してその持ち主を返す。
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (*identity.Claims, error)
}

// IdentityFinder はゲートウェイのストアから利用者を検索する。
type IdentityFinder interface {
	FindByEmail(ctx context.Context, email string) (*identity.Identity, error)
}

// HeaderConfig はHeaderStrategyの依存。
type HeaderConfig struct {
	// Verifier はIDプロバイダーへの問い合わせ。
	Verifier TokenVerifier
	// Users はゲートウェイのユーザーストア。
	Users IdentityFinder
	// Provisioners はサービス名ごとのバックエンド側の利用者解決。
	// 登録の無いサービスではゲートウェイの利用者をそのまま使う。
	Provisioners map[string]identity.Provisioner
	// Signer は署名付きアサーションの発行者。
	Signer *middleware.AssertionSigner
	// Logger はログ出力先。nilなら標準ロガー。
	Logger log.FieldLogger
}

// HeaderStrategy はゲートウェイを信頼するバックエンド向けの戦略。
// 利用者を特定し、その身元をヘッダーで伝える。
type HeaderStrategy struct {
	verifier     TokenVerifier
	users        IdentityFinder
	provisioners map[string]identity.Provisioner
	signer       *middleware.AssertionSigner
	logger       log.FieldLogger
}

// NewHeaderStrategy は新しいHeaderStrategyを生成する。
func NewHeaderStrategy(cfg HeaderConfig) *HeaderStrategy {
	provisioners := make(map[string]identity.Provisioner, len(cfg.Provisioners))
	for name, p := range cfg.Provisioners {
		provisioners[name] = p
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &HeaderStrategy{
		verifier:     cfg.Verifier,
		users:        cfg.Users,
		provisioners: provisioners,
		signer:       cfg.Signer,
		logger:       logger,
	}
}

// Name はStrategyインターフェースを実装する。
func (s *HeaderStrategy) Name() string {
	return NameHeader
}

// Authenticate はトークンを検証し、ゲートウェイのストアから利用者を特定する。
// 利用者の自動作成は行わない。サービスにProvisionerがあればバックエンド側の利用者に置き換え、
// 解決できなかった場合は警告を出してゲートウェイの利用者を返す。
func (s *HeaderStrategy) Authenticate(ctx context.Context, req Request) (*identity.Identity, error) {
	if req.Token == "" {
		return nil, NoCredential()
	}

	claims, err := s.verifier.Verify(ctx, req.Token)
	if err != nil {
		if errors.Is(err, identity.ErrInvalidToken) {
			return nil, InvalidCredential(err)
		}
		return nil, Internal("Identity provider unavailable", err)
	}

	id, err := s.users.FindByEmail(ctx, claims.Email)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			return nil, IdentityNotFound(err)
		}
		return nil, Internal("Identity store unavailable", err)
	}

	provisioner, ok := s.provisioners[req.Service]
	if !ok {
		return id, nil
	}

	provisioned, err := provisioner.Provision(ctx, id)
	if err != nil {
		s.logger.WithFields(log.Fields{
			"service": req.Service,
			"email":   id.Email,
			"error":   err,
		}).Warn("バックエンドの利用者を解決できないため、ゲートウェイの利用者で転送します")
		return id, nil
	}
	return provisioned, nil
}

// Headers は身元ヘッダーを返す。
// 署名付きアサーションを要求するバックエンドにはX-Auth-TokenとX-Outline-Authを追加する。
func (s *HeaderStrategy) Headers(id *identity.Identity, target Target) (Headers, error) {
	if id == nil {
		return Headers{}, Internal("Identity missing", errors.New("利用者が特定されていません"))
	}

	hs := []Header{
		{Key: HeaderUserEmail, Value: id.Email},
		{Key: HeaderUserName, Value: id.Name},
		{Key: HeaderUserID, Value: id.ID},
		{Key: HeaderForwardedAuth, Value: "true"},
	}

	if target.SignedAssertion {
		if s.signer == nil {
			return Headers{}, Internal("Assertion signer not configured", errors.New("署名者が設定されていません"))
		}
		token, err := s.signer.Sign(middleware.Subject{
			ID:     id.ID,
			Email:  id.Email,
			Name:   id.Name,
			Avatar: id.AvatarURL,
		})
		if err != nil {
			return Headers{}, Internal("Failed to sign assertion", err)
		}
		hs = append(hs,
			Header{Key: middleware.HeaderAssertion, Value: token},
			Header{Key: HeaderOutlineAuth, Value: "proxy-injected"},
		)
	}

	return NewHeaders(hs...), nil
}
