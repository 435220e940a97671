package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// DefaultAssertionTTL は署名付きアサーションの既定の有効期間。
const DefaultAssertionTTL = time.Hour

// HeaderAssertion は署名付きアサーションを運ぶHTTPヘッダーキー。
const HeaderAssertion = "X-Auth-Token"

// assertionIssuer はアサーションのiss。
const assertionIssuer = "authgate"

// ErrInvalidAssertion はアサーションの署名・形式・有効期限のいずれかが不正であることを表す。
var ErrInvalidAssertion = errors.New("アサーションが無効です")

// AssertionClaims はゲートウェイがバックエンドへ渡す署名付きアサーションのクレーム。
// バックエンドはこの内容を信頼し、自前で資格情報を検証しない。
type AssertionClaims struct {
	jwt.RegisteredClaims
	// UserID はバックエンド側で解決されたユーザーの識別子。
	UserID string `json:"user_id"`
	// Email はユーザーのメールアドレス。
	Email string `json:"email"`
	// Name はユーザーの表示名。
	Name string `json:"name"`
	// Avatar はアバター画像の参照。未設定なら省略される。
	Avatar string `json:"avatar,omitempty"`
	// Timestamp は発行時刻（Unixミリ秒）。
	Timestamp int64 `json:"timestamp"`
}

// Subject はアサーションに載せる本人情報。
type Subject struct {
	ID     string
	Email  string
	Name   string
	Avatar string
}

// AssertionSigner は共有シークレットで短命のアサーションに署名する。
// 並行利用しても安全。
type AssertionSigner struct {
	// secret はHS256の署名鍵。
	secret []byte
	// ttl はアサーションの有効期間。
	ttl time.Duration
	// now は現在時刻を返す関数。テストで差し替える。
	now func() time.Time
}

// NewAssertionSigner は新しいAssertionSignerを生成する。
// ttlが0以下の場合はDefaultAssertionTTLを使用する。
func NewAssertionSigner(secret string, ttl time.Duration) *AssertionSigner {
	if ttl <= 0 {
		ttl = DefaultAssertionTTL
	}
	return &AssertionSigner{
		secret: []byte(secret),
		ttl:    ttl,
		now:    time.Now,
	}
}

// Sign はsubjectのアサーションを生成して署名する。
func (s *AssertionSigner) Sign(subject Subject) (string, error) {
	if len(s.secret) == 0 {
		return "", errors.New("アサーション署名用のシークレットが設定されていません")
	}

	now := s.now()
	claims := AssertionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    assertionIssuer,
			Subject:   subject.ID,
		},
		UserID:    subject.ID,
		Email:     subject.Email,
		Name:      subject.Name,
		Avatar:    subject.Avatar,
		Timestamp: now.UnixMilli(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("アサーションの署名に失敗: %w", err)
	}
	return signed, nil
}

// ParseAssertion はアサーションを検証してクレームを返す。
// HS256以外の署名方式は拒否する。
func ParseAssertion(secret, tokenString string) (*AssertionClaims, error) {
	claims := &AssertionClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(_ *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(assertionIssuer))
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAssertion, err)
	}
	return claims, nil
}

// RequireAssertion はゲートウェイの背後にいるバックエンド向けのGinミドルウェアを返す。
// X-Auth-Tokenヘッダーのアサーションを検証し、成功した場合はコンテキストに
// "user_id"・"email"・"name" を設定する。
func RequireAssertion(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := c.GetHeader(HeaderAssertion)
		if tokenString == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "X-Auth-Tokenヘッダーが必要です",
			})
			return
		}

		claims, err := ParseAssertion(secret, tokenString)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "アサーションが無効です",
			})
			return
		}

		c.Set("user_id", claims.UserID)
		c.Set("email", claims.Email)
		c.Set("name", claims.Name)
		c.Next()
	}
}
