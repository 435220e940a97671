package identity

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nao1215/authgate/internal/storetest"
)

// newProvider はテスト用のIDプロバイダーを起動する。
// validTokenのみを受け付け、受け取ったapikeyヘッダーを検証する。
func newProvider(t *testing.T, validToken string) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/auth/v1/user" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if r.Header.Get("apikey") != "anon-key" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		switch r.Header.Get("Authorization") {
		case "Bearer " + validToken:
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"id":"idp-1","email":"alice@example.com","role":"authenticated"}`)
		case "Bearer no-email":
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"id":"idp-2"}`)
		case "Bearer broken":
			w.WriteHeader(http.StatusInternalServerError)
		default:
			w.WriteHeader(http.StatusUnauthorized)
			fmt.Fprint(w, `{"msg":"invalid JWT"}`)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

// TestVerifier はVerifierのトークン検証を検証する。
func TestVerifier(t *testing.T) {
	t.Parallel()

	t.Run("有効なトークンで持ち主が返ること", func(t *testing.T) {
		t.Parallel()

		srv := newProvider(t, "good")
		v := NewVerifier(srv.URL, "anon-key", time.Second)

		claims, err := v.Verify(context.Background(), "good")
		if err != nil {
			t.Fatalf("Verify()でエラーが発生: %v", err)
		}
		if claims.Email != "alice@example.com" {
			t.Errorf("Email = %q, want %q", claims.Email, "alice@example.com")
		}
		if claims.ID != "idp-1" {
			t.Errorf("ID = %q, want %q", claims.ID, "idp-1")
		}
	})

	t.Run("拒否されたトークンはErrInvalidTokenになること", func(t *testing.T) {
		t.Parallel()

		srv := newProvider(t, "good")
		v := NewVerifier(srv.URL, "anon-key", time.Second)

		if _, err := v.Verify(context.Background(), "bad"); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("err = %v, want ErrInvalidToken", err)
		}
	})

	t.Run("APIキーが誤っている場合もErrInvalidTokenになること", func(t *testing.T) {
		t.Parallel()

		srv := newProvider(t, "good")
		v := NewVerifier(srv.URL, "wrong-key", time.Second)

		if _, err := v.Verify(context.Background(), "good"); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("err = %v, want ErrInvalidToken", err)
		}
	})

	t.Run("メールアドレスが無い応答はErrInvalidTokenになること", func(t *testing.T) {
		t.Parallel()

		srv := newProvider(t, "good")
		v := NewVerifier(srv.URL, "anon-key", time.Second)

		if _, err := v.Verify(context.Background(), "no-email"); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("err = %v, want ErrInvalidToken", err)
		}
	})

	t.Run("プロバイダーの障害はErrProviderUnavailableになること", func(t *testing.T) {
		t.Parallel()

		srv := newProvider(t, "good")
		v := NewVerifier(srv.URL, "anon-key", time.Second)

		_, err := v.Verify(context.Background(), "broken")
		if !errors.Is(err, ErrProviderUnavailable) {
			t.Errorf("err = %v, want ErrProviderUnavailable", err)
		}
		if errors.Is(err, ErrInvalidToken) {
			t.Error("ErrInvalidTokenと区別されるべき")
		}
	})

	t.Run("到達できないプロバイダーはErrProviderUnavailableになること", func(t *testing.T) {
		t.Parallel()

		srv := newProvider(t, "good")
		url := srv.URL
		srv.Close()

		v := NewVerifier(url, "anon-key", time.Second)
		if _, err := v.Verify(context.Background(), "good"); !errors.Is(err, ErrProviderUnavailable) {
			t.Errorf("err = %v, want ErrProviderUnavailable", err)
		}
	})
}

// TestStore_FindByEmail はゲートウェイのユーザー検索を検証する。
func TestStore_FindByEmail(t *testing.T) {
	t.Parallel()

	t.Run("登録済みの利用者が返ること", func(t *testing.T) {
		t.Parallel()

		db := storetest.OpenGateway(t)
		id := storetest.InsertGatewayUser(t, db, "Alice", "alice@example.com")
		store := NewStore(db, time.Second)

		got, err := store.FindByEmail(context.Background(), "alice@example.com")
		if err != nil {
			t.Fatalf("FindByEmail()でエラーが発生: %v", err)
		}
		if got.ID != id {
			t.Errorf("ID = %q, want %q", got.ID, id)
		}
		if got.Name != "Alice" {
			t.Errorf("Name = %q, want %q", got.Name, "Alice")
		}
	})

	t.Run("未登録のメールアドレスはErrNotFoundになること", func(t *testing.T) {
		t.Parallel()

		db := storetest.OpenGateway(t)
		store := NewStore(db, time.Second)

		if _, err := store.FindByEmail(context.Background(), "nobody@example.com"); !errors.Is(err, ErrNotFound) {
			t.Errorf("err = %v, want ErrNotFound", err)
		}
	})

	t.Run("閉じたストアはErrNotFound以外のエラーになること", func(t *testing.T) {
		t.Parallel()

		db := storetest.OpenGateway(t)
		store := NewStore(db, 0)
		db.Close()

		_, err := store.FindByEmail(context.Background(), "alice@example.com")
		if err == nil || errors.Is(err, ErrNotFound) {
			t.Errorf("err = %v, want store error", err)
		}
	})
}
