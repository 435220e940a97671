package strategy

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"golang.org/x/oauth2"

	"github.com/nao1215/authgate/internal/identity"
	"github.com/nao1215/authgate/pkg/middleware"
)

const testSecret = "strategy-test-secret"

// fakeVerifier はトークンとメールアドレスの対応表で検証する。
type fakeVerifier struct {
	emails map[string]string
	err    error
}

func (f *fakeVerifier) Verify(_ context.Context, token string) (*identity.Claims, error) {
	if f.err != nil {
		return nil, f.err
	}
	email, ok := f.emails[token]
	if !ok {
		return nil, identity.ErrInvalidToken
	}
	return &identity.Claims{ID: "idp-" + token, Email: email}, nil
}

// fakeFinder はメールアドレスで利用者を返す。
type fakeFinder struct {
	users map[string]*identity.Identity
	err   error
}

func (f *fakeFinder) FindByEmail(_ context.Context, email string) (*identity.Identity, error) {
	if f.err != nil {
		return nil, f.err
	}
	id, ok := f.users[email]
	if !ok {
		return nil, identity.ErrNotFound
	}
	return id, nil
}

// fakeProvisioner は固定の結果を返す。
type fakeProvisioner struct {
	result *identity.Identity
	err    error
	calls  int
}

func (f *fakeProvisioner) Provision(_ context.Context, _ *identity.Identity) (*identity.Identity, error) {
	f.calls++
	return f.result, f.err
}

var alice = &identity.Identity{ID: "gw-1", Email: "alice@example.com", Name: "Alice"}

func newHeaderStrategy(provisioners map[string]identity.Provisioner, logger log.FieldLogger) *HeaderStrategy {
	return NewHeaderStrategy(HeaderConfig{
		Verifier:     &fakeVerifier{emails: map[string]string{"good": "alice@example.com", "ghost": "ghost@example.com"}},
		Users:        &fakeFinder{users: map[string]*identity.Identity{"alice@example.com": alice}},
		Provisioners: provisioners,
		Signer:       middleware.NewAssertionSigner(testSecret, 0),
		Logger:       logger,
	})
}

// codeOf はerrからAuthErrorの種別を取り出す。
func codeOf(t *testing.T, err error) *AuthError {
	t.Helper()

	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("err = %v, want *AuthError", err)
	}
	return authErr
}

// TestHeaderStrategy_Authenticate はHeaderStrategyの利用者特定を検証する。
func TestHeaderStrategy_Authenticate(t *testing.T) {
	t.Parallel()

	t.Run("有効なトークンでゲートウェイの利用者が返ること", func(t *testing.T) {
		t.Parallel()

		s := newHeaderStrategy(nil, nil)
		got, err := s.Authenticate(context.Background(), Request{Token: "good", Service: "wiki"})
		if err != nil {
			t.Fatalf("Authenticate()でエラーが発生: %v", err)
		}
		if got.ID != "gw-1" {
			t.Errorf("ID = %q, want %q", got.ID, "gw-1")
		}
	})

	t.Run("エラーの種別とHTTPステータスが対応すること", func(t *testing.T) {
		t.Parallel()

		tests := []struct {
			name       string
			strategy   *HeaderStrategy
			token      string
			wantCode   Code
			wantStatus int
			wantMsg    string
		}{
			{
				name:       "トークン無し",
				strategy:   newHeaderStrategy(nil, nil),
				token:      "",
				wantCode:   CodeNoCredential,
				wantStatus: http.StatusBadRequest,
				wantMsg:    "No credential provided",
			},
			{
				name:       "無効なトークン",
				strategy:   newHeaderStrategy(nil, nil),
				token:      "bad",
				wantCode:   CodeInvalidCredential,
				wantStatus: http.StatusUnauthorized,
				wantMsg:    "Invalid token",
			},
			{
				name:       "未登録の利用者",
				strategy:   newHeaderStrategy(nil, nil),
				token:      "ghost",
				wantCode:   CodeIdentityNotFound,
				wantStatus: http.StatusNotFound,
				wantMsg:    "User not found",
			},
			{
				name: "IDプロバイダーの障害",
				strategy: NewHeaderStrategy(HeaderConfig{
					Verifier: &fakeVerifier{err: identity.ErrProviderUnavailable},
					Users:    &fakeFinder{},
				}),
				token:      "good",
				wantCode:   CodeInternal,
				wantStatus: http.StatusInternalServerError,
				wantMsg:    "Identity provider unavailable",
			},
			{
				name: "ストアの障害",
				strategy: NewHeaderStrategy(HeaderConfig{
					Verifier: &fakeVerifier{emails: map[string]string{"good": "alice@example.com"}},
					Users:    &fakeFinder{err: errors.New("connection refused")},
				}),
				token:      "good",
				wantCode:   CodeInternal,
				wantStatus: http.StatusInternalServerError,
				wantMsg:    "Identity store unavailable",
			},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				t.Parallel()

				_, err := tt.strategy.Authenticate(context.Background(), Request{Token: tt.token, Service: "wiki"})
				authErr := codeOf(t, err)
				if authErr.Code != tt.wantCode {
					t.Errorf("Code = %q, want %q", authErr.Code, tt.wantCode)
				}
				if authErr.StatusCode != tt.wantStatus {
					t.Errorf("StatusCode = %d, want %d", authErr.StatusCode, tt.wantStatus)
				}
				if authErr.Message != tt.wantMsg {
					t.Errorf("Message = %q, want %q", authErr.Message, tt.wantMsg)
				}
			})
		}
	})

	t.Run("Provisionerがあるサービスではバックエンドの利用者が返ること", func(t *testing.T) {
		t.Parallel()

		backend := &identity.Identity{ID: "outline-9", Email: "alice@example.com", Name: "Alice B"}
		p := &fakeProvisioner{result: backend}
		s := newHeaderStrategy(map[string]identity.Provisioner{"outline": p}, nil)

		got, err := s.Authenticate(context.Background(), Request{Token: "good", Service: "outline"})
		if err != nil {
			t.Fatalf("Authenticate()でエラーが発生: %v", err)
		}
		if got.ID != "outline-9" {
			t.Errorf("ID = %q, want %q", got.ID, "outline-9")
		}

		if _, err := s.Authenticate(context.Background(), Request{Token: "good", Service: "wiki"}); err != nil {
			t.Fatalf("Authenticate()でエラーが発生: %v", err)
		}
		if p.calls != 1 {
			t.Errorf("calls = %d, want 1", p.calls)
		}
	})

	t.Run("Provisionerが失敗した場合は警告を出してゲートウェイの利用者が返ること", func(t *testing.T) {
		t.Parallel()

		logger, hook := test.NewNullLogger()
		p := &fakeProvisioner{err: identity.ErrNotFound}
		s := newHeaderStrategy(map[string]identity.Provisioner{"outline": p}, logger)

		got, err := s.Authenticate(context.Background(), Request{Token: "good", Service: "outline"})
		if err != nil {
			t.Fatalf("Authenticate()でエラーが発生: %v", err)
		}
		if got.ID != "gw-1" {
			t.Errorf("ID = %q, want %q", got.ID, "gw-1")
		}

		entry := hook.LastEntry()
		if entry == nil || entry.Level != log.WarnLevel {
			t.Fatalf("警告ログが出力されるべき: %v", entry)
		}
		if entry.Data["service"] != "outline" {
			t.Errorf("service = %v, want outline", entry.Data["service"])
		}
	})
}

// TestHeaderStrategy_Headers はHeaderStrategyのヘッダー生成を検証する。
func TestHeaderStrategy_Headers(t *testing.T) {
	t.Parallel()

	t.Run("身元ヘッダーが決められた順序で並ぶこと", func(t *testing.T) {
		t.Parallel()

		hs, err := newHeaderStrategy(nil, nil).Headers(alice, Target{Service: "wiki"})
		if err != nil {
			t.Fatalf("Headers()でエラーが発生: %v", err)
		}

		var keys []string
		for k := range hs.All() {
			keys = append(keys, k)
		}
		want := "X-User-Email,X-User-Name,X-User-ID,X-Forwarded-Auth"
		if got := strings.Join(keys, ","); got != want {
			t.Errorf("keys = %s, want %s", got, want)
		}
		if v, _ := hs.Get("x-user-email"); v != "alice@example.com" {
			t.Errorf("X-User-Email = %q", v)
		}
		if v, _ := hs.Get(HeaderForwardedAuth); v != "true" {
			t.Errorf("X-Forwarded-Auth = %q", v)
		}
		if _, ok := hs.Get(middleware.HeaderAssertion); ok {
			t.Error("署名付きアサーションは付与されないはず")
		}
	})

	t.Run("署名付きアサーションを要求するバックエンドにはトークンが付与されること", func(t *testing.T) {
		t.Parallel()

		hs, err := newHeaderStrategy(nil, nil).Headers(alice, Target{Service: "outline", SignedAssertion: true})
		if err != nil {
			t.Fatalf("Headers()でエラーが発生: %v", err)
		}
		if hs.Len() != 6 {
			t.Errorf("Len() = %d, want 6", hs.Len())
		}
		if v, _ := hs.Get(HeaderOutlineAuth); v != "proxy-injected" {
			t.Errorf("X-Outline-Auth = %q", v)
		}

		token, ok := hs.Get(middleware.HeaderAssertion)
		if !ok {
			t.Fatal("X-Auth-Tokenが付与されるべき")
		}
		claims, err := middleware.ParseAssertion(testSecret, token)
		if err != nil {
			t.Fatalf("ParseAssertion()でエラーが発生: %v", err)
		}
		if claims.UserID != "gw-1" || claims.Email != "alice@example.com" || claims.Name != "Alice" {
			t.Errorf("claims = %+v", claims)
		}
	})

	t.Run("利用者が無い場合は内部エラーになること", func(t *testing.T) {
		t.Parallel()

		_, err := newHeaderStrategy(nil, nil).Headers(nil, Target{Service: "wiki"})
		if codeOf(t, err).Code != CodeInternal {
			t.Errorf("err = %v, want internal", err)
		}
	})
}

// TestUnimplementedStrategies は未実装の戦略が501で失敗することを検証する。
func TestUnimplementedStrategies(t *testing.T) {
	t.Parallel()

	oauth := NewOAuthStrategy(&oauth2.Config{
		ClientID: "client",
		Endpoint: oauth2.Endpoint{AuthURL: "https://provider.example.com/authorize"},
	})
	strategies := []Strategy{oauth, NewJWTStrategy()}

	for _, s := range strategies {
		t.Run(s.Name(), func(t *testing.T) {
			t.Parallel()

			_, err := s.Authenticate(context.Background(), Request{Token: "good", Service: "notion"})
			authErr := codeOf(t, err)
			if authErr.Code != CodeNotImplemented || authErr.StatusCode != http.StatusNotImplemented {
				t.Errorf("Authenticate() err = %+v", authErr)
			}

			_, err = s.Headers(alice, Target{Service: "notion"})
			if codeOf(t, err).Code != CodeNotImplemented {
				t.Errorf("Headers() err = %v", err)
			}
		})
	}

	t.Run("OAuthの認可URLにstateが含まれること", func(t *testing.T) {
		t.Parallel()

		u := oauth.AuthCodeURL("abc")
		if !strings.HasPrefix(u, "https://provider.example.com/authorize?") || !strings.Contains(u, "state=abc") {
			t.Errorf("AuthCodeURL() = %q", u)
		}
		if NewOAuthStrategy(nil).AuthCodeURL("abc") != "" {
			t.Error("設定が無い場合は空文字列になるはず")
		}
	})
}

// TestAsAuthError はAsAuthError関数を検証する。
func TestAsAuthError(t *testing.T) {
	t.Parallel()

	wrapped := errors.Join(errors.New("context"), InvalidCredential(nil))
	if AsAuthError(wrapped).Code != CodeInvalidCredential {
		t.Errorf("包まれたAuthErrorを取り出せるべき")
	}

	plain := errors.New("boom")
	got := AsAuthError(plain)
	if got.Code != CodeInternal || !errors.Is(got, plain) {
		t.Errorf("AsAuthError(plain) = %+v", got)
	}
}
