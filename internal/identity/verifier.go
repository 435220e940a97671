package identity

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nao1215/authgate/pkg/httpclient"
)

// userInfoPath はトークンの持ち主を返すIDプロバイダーのエンドポイント。
const userInfoPath = "/auth/v1/user"

var (
	// ErrInvalidToken はIDプロバイダーがトークンを受け付けなかったことを表す。
	ErrInvalidToken = errors.New("トークンが無効です")
	// ErrProviderUnavailable はIDプロバイダーに到達できないか、想定外の応答を返したことを表す。
	ErrProviderUnavailable = errors.New("IDプロバイダーを利用できません")
)

// Claims はIDプロバイダーが返すトークンの持ち主。
type Claims struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// Verifier はIDプロバイダーに問い合わせてトークンを検証する。
type Verifier struct {
	client *httpclient.Client
}

// NewVerifier は新しいVerifierを生成する。
// apiKeyは全リクエストのapikeyヘッダーに設定される。
func NewVerifier(baseURL, apiKey string, timeout time.Duration, opts ...httpclient.Option) *Verifier {
	opts = append([]httpclient.Option{
		httpclient.WithTimeout(timeout),
		httpclient.WithHeader("apikey", apiKey),
	}, opts...)
	return &Verifier{client: httpclient.New(baseURL, opts...)}
}

// Verify はトークンを検証し、その持ち主を返す。
// 401と403、およびメールアドレスを含まない応答はErrInvalidTokenとする。
func (v *Verifier) Verify(ctx context.Context, token string) (*Claims, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	var claims Claims
	if err := v.client.GetJSON(ctx, userInfoPath, header, &claims); err != nil {
		var statusErr *httpclient.StatusError
		if errors.As(err, &statusErr) &&
			(statusErr.StatusCode == http.StatusUnauthorized || statusErr.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: status=%d", ErrInvalidToken, statusErr.StatusCode)
		}
		return nil, fmt.Errorf("%w: %w", ErrProviderUnavailable, err)
	}
	if claims.Email == "" {
		return nil, fmt.Errorf("%w: メールアドレスがありません", ErrInvalidToken)
	}
	return &claims, nil
}
