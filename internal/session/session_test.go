package session

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus/hooks/test"

	"github.com/nao1215/authgate/internal/identity"
	"github.com/nao1215/authgate/internal/registry"
	"github.com/nao1215/authgate/internal/storetest"
)

// fixedNow はテストで使う固定の現在時刻。
var fixedNow = time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)

var alice = &identity.Identity{ID: "gw-1", Email: "alice@example.com", Name: "Alice"}

func newCodec(t *testing.T, secret string) *StateCodec {
	t.Helper()

	codec, err := NewStateCodec([]byte(secret))
	if err != nil {
		t.Fatalf("NewStateCodec()でエラーが発生: %v", err)
	}
	return codec
}

func outlineDescriptor() *registry.Descriptor {
	return &registry.Descriptor{
		Name:         "outline",
		Target:       "http://outline:3000",
		PublicURL:    "https://docs.example.com",
		Enabled:      true,
		SessionCheck: true,
		HandOff: registry.HandOff{
			Path:   "/auth/google",
			Params: map[string]string{"client": "web"},
		},
	}
}

func newReconciler(t *testing.T, db *sqlx.DB) *Reconciler {
	t.Helper()

	logger, _ := test.NewNullLogger()
	return NewReconciler(outlineDescriptor(), NewStore(db, time.Second), newCodec(t, "state-secret"),
		WithClock(func() time.Time { return fixedNow }),
		WithLogger(logger),
	)
}

func at(d time.Duration) *time.Time {
	return storetest.Ptr(fixedNow.Add(d))
}

// TestStateCodec はstateの暗号化と復号を検証する。
func TestStateCodec(t *testing.T) {
	t.Parallel()

	state := State{IdentityID: "gw-1", Email: "alice@example.com", ReturnPath: "/outline/doc/1?x=y", IssuedAt: fixedNow.UnixMilli()}

	t.Run("暗号化したstateを復号すると元に戻ること", func(t *testing.T) {
		t.Parallel()

		codec := newCodec(t, "secret")
		token, err := codec.Encode(state)
		if err != nil {
			t.Fatalf("Encode()でエラーが発生: %v", err)
		}
		if strings.ContainsAny(token, "+/=") {
			t.Errorf("token = %q, URLセーフでパディング無しであるべき", token)
		}
		if strings.Contains(token, "alice") {
			t.Error("平文が漏れてはならない")
		}

		got, err := codec.Decode(token)
		if err != nil {
			t.Fatalf("Decode()でエラーが発生: %v", err)
		}
		if got != state {
			t.Errorf("Decode() = %+v, want %+v", got, state)
		}
	})

	t.Run("同じstateでも毎回異なる文字列になること", func(t *testing.T) {
		t.Parallel()

		codec := newCodec(t, "secret")
		a, _ := codec.Encode(state)
		b, _ := codec.Encode(state)
		if a == b {
			t.Error("ナンスが毎回変わるべき")
		}
	})

	t.Run("改ざんされたstateはErrDecodeStateになること", func(t *testing.T) {
		t.Parallel()

		codec := newCodec(t, "secret")
		token, err := codec.Encode(state)
		if err != nil {
			t.Fatalf("Encode()でエラーが発生: %v", err)
		}

		for _, i := range []int{0, len(token) / 2, len(token) - 2} {
			b := []byte(token)
			if b[i] == 'A' {
				b[i] = 'B'
			} else {
				b[i] = 'A'
			}
			if _, err := codec.Decode(string(b)); !errors.Is(err, ErrDecodeState) {
				t.Errorf("位置%d: err = %v, want ErrDecodeState", i, err)
			}
		}
	})

	t.Run("不正な入力はErrDecodeStateになること", func(t *testing.T) {
		t.Parallel()

		codec := newCodec(t, "secret")
		other, _ := newCodec(t, "other-secret").Encode(state)
		inputs := []string{"", "not base64!", "c2hvcnQ", other}
		for _, in := range inputs {
			if _, err := codec.Decode(in); !errors.Is(err, ErrDecodeState) {
				t.Errorf("Decode(%q) err = %v, want ErrDecodeState", in, err)
			}
		}
	})

	t.Run("空のシークレットは拒否されること", func(t *testing.T) {
		t.Parallel()

		if _, err := NewStateCodec(nil); err == nil {
			t.Error("エラーが返るべき")
		}
	})
}

// TestValidEvidence は有効期限による絞り込みを検証する。
func TestValidEvidence(t *testing.T) {
	t.Parallel()

	records := []Evidence{
		{Kind: KindCredential, ID: "future", ExpiresAt: at(time.Minute)},
		{Kind: KindCredential, ID: "past", ExpiresAt: at(-time.Minute)},
		{Kind: KindOAuth, ID: "null", ExpiresAt: nil},
		{Kind: KindAPIKey, ID: "exact", ExpiresAt: at(0)},
	}

	got := ValidEvidence(records, fixedNow)
	if len(got) != 1 || got[0].ID != "future" {
		t.Errorf("ValidEvidence() = %+v, want [future]", got)
	}
	if ValidEvidence(nil, fixedNow) != nil {
		t.Error("空の入力は空を返すべき")
	}
}

// TestHasRecentActivity は最近の操作の判定を検証する。
func TestHasRecentActivity(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		lastActive   *time.Time
		lastSignedIn *time.Time
		want         bool
	}{
		{name: "どちらも無い", want: false},
		{name: "直近の操作", lastActive: at(-10 * time.Minute), want: true},
		{name: "直近のサインイン", lastSignedIn: at(-59 * time.Minute), want: true},
		{name: "どちらも古い", lastActive: at(-2 * time.Hour), lastSignedIn: at(-90 * time.Minute), want: false},
		{name: "ちょうど境界は含まない", lastActive: at(-time.Hour), want: false},
		{name: "片方だけ新しい", lastActive: at(-3 * time.Hour), lastSignedIn: at(-time.Minute), want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if got := HasRecentActivity(fixedNow, tt.lastActive, tt.lastSignedIn, time.Hour); got != tt.want {
				t.Errorf("HasRecentActivity() = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestIsSessionActive は両方の条件が揃った場合のみ有効になることを検証する。
func TestIsSessionActive(t *testing.T) {
	t.Parallel()

	for _, evidence := range []bool{false, true} {
		for _, recent := range []bool{false, true} {
			if got := IsSessionActive(evidence, recent); got != (evidence && recent) {
				t.Errorf("IsSessionActive(%v, %v) = %v", evidence, recent, got)
			}
		}
	}
}

// TestReconciler_CheckSession はストアを突き合わせたセッション照合を検証する。
func TestReconciler_CheckSession(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("利用者が存在しない場合は存在しない結果になること", func(t *testing.T) {
		t.Parallel()

		db := storetest.OpenTarget(t)
		v, err := newReconciler(t, db).CheckSession(ctx, alice)
		if err != nil {
			t.Fatalf("CheckSession()でエラーが発生: %v", err)
		}
		if v.IdentityExists || v.HasActiveSession {
			t.Errorf("Verdict = %+v", v)
		}
	})

	t.Run("利用停止・削除された利用者は存在しないものとして扱うこと", func(t *testing.T) {
		t.Parallel()

		db := storetest.OpenTarget(t)
		storetest.InsertTargetUser(t, db, storetest.TargetUser{Email: "alice@example.com", SuspendedAt: at(-time.Hour)})
		storetest.InsertTargetUser(t, db, storetest.TargetUser{Email: "alice@example.com", DeletedAt: at(-time.Hour)})

		v, err := newReconciler(t, db).CheckSession(ctx, alice)
		if err != nil {
			t.Fatalf("CheckSession()でエラーが発生: %v", err)
		}
		if v.IdentityExists {
			t.Errorf("Verdict = %+v", v)
		}
	})

	t.Run("有効な根拠と最近の操作があればセッション有りになること", func(t *testing.T) {
		t.Parallel()

		db := storetest.OpenTarget(t)
		userID := storetest.InsertTargetUser(t, db, storetest.TargetUser{Email: "alice@example.com", LastActiveAt: at(-5 * time.Minute)})
		credID := storetest.InsertCredential(t, db, userID, at(time.Hour))
		storetest.InsertCredential(t, db, userID, at(-time.Hour))
		storetest.InsertOAuthGrant(t, db, userID, at(time.Hour), at(-time.Minute))
		storetest.InsertAPIKey(t, db, userID, nil, nil)

		v, err := newReconciler(t, db).CheckSession(ctx, alice)
		if err != nil {
			t.Fatalf("CheckSession()でエラーが発生: %v", err)
		}
		if !v.IdentityExists || !v.HasActiveSession {
			t.Fatalf("Verdict = %+v", v)
		}
		if v.TargetIdentityID != userID {
			t.Errorf("TargetIdentityID = %q, want %q", v.TargetIdentityID, userID)
		}
		if len(v.Evidence) != 1 || v.Evidence[0].ID != credID || v.Evidence[0].Kind != KindCredential {
			t.Errorf("Evidence = %+v, want [%s]", v.Evidence, credID)
		}
	})

	t.Run("根拠の種別ごとに有効性が判定されること", func(t *testing.T) {
		t.Parallel()

		tests := []struct {
			name   string
			insert func(t *testing.T, db *sqlx.DB, userID string)
			want   bool
		}{
			{
				name: "有効なOAuth許可",
				insert: func(t *testing.T, db *sqlx.DB, userID string) {
					storetest.InsertOAuthGrant(t, db, userID, at(time.Minute), nil)
				},
				want: true,
			},
			{
				name: "削除されたOAuth許可",
				insert: func(t *testing.T, db *sqlx.DB, userID string) {
					storetest.InsertOAuthGrant(t, db, userID, at(time.Minute), at(-time.Minute))
				},
				want: false,
			},
			{
				name: "有効なAPIキー",
				insert: func(t *testing.T, db *sqlx.DB, userID string) {
					storetest.InsertAPIKey(t, db, userID, at(24*time.Hour), nil)
				},
				want: true,
			},
			{
				name: "期限がNULLの記録のみ",
				insert: func(t *testing.T, db *sqlx.DB, userID string) {
					storetest.InsertCredential(t, db, userID, nil)
					storetest.InsertAPIKey(t, db, userID, nil, nil)
				},
				want: false,
			},
			{
				name: "期限切れの記録のみ",
				insert: func(t *testing.T, db *sqlx.DB, userID string) {
					storetest.InsertCredential(t, db, userID, at(-time.Second))
				},
				want: false,
			},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				t.Parallel()

				db := storetest.OpenTarget(t)
				userID := storetest.InsertTargetUser(t, db, storetest.TargetUser{Email: "alice@example.com", LastSignedInAt: at(-time.Minute)})
				tt.insert(t, db, userID)

				v, err := newReconciler(t, db).CheckSession(ctx, alice)
				if err != nil {
					t.Fatalf("CheckSession()でエラーが発生: %v", err)
				}
				if v.HasActiveSession != tt.want {
					t.Errorf("HasActiveSession = %v, want %v (%+v)", v.HasActiveSession, tt.want, v)
				}
			})
		}
	})

	t.Run("有効な根拠があっても最近の操作が無ければセッション無しになること", func(t *testing.T) {
		t.Parallel()

		db := storetest.OpenTarget(t)
		userID := storetest.InsertTargetUser(t, db, storetest.TargetUser{
			Email:          "alice@example.com",
			LastActiveAt:   at(-2 * time.Hour),
			LastSignedInAt: at(-3 * time.Hour),
		})
		storetest.InsertCredential(t, db, userID, at(time.Hour))

		v, err := newReconciler(t, db).CheckSession(ctx, alice)
		if err != nil {
			t.Fatalf("CheckSession()でエラーが発生: %v", err)
		}
		if !v.IdentityExists || v.HasActiveSession {
			t.Errorf("Verdict = %+v", v)
		}
		if len(v.Evidence) != 1 {
			t.Errorf("Evidence = %+v, 有効な根拠は返るべき", v.Evidence)
		}
	})

	t.Run("同じ時刻で繰り返し照合しても結果が変わらないこと", func(t *testing.T) {
		t.Parallel()

		db := storetest.OpenTarget(t)
		userID := storetest.InsertTargetUser(t, db, storetest.TargetUser{Email: "alice@example.com", LastActiveAt: at(-time.Minute)})
		storetest.InsertAPIKey(t, db, userID, at(time.Hour), nil)
		r := newReconciler(t, db)

		first, err := r.CheckSession(ctx, alice)
		if err != nil {
			t.Fatalf("CheckSession()でエラーが発生: %v", err)
		}
		for range 3 {
			again, err := r.CheckSession(ctx, alice)
			if err != nil {
				t.Fatalf("CheckSession()でエラーが発生: %v", err)
			}
			if again.HasActiveSession != first.HasActiveSession || again.TargetIdentityID != first.TargetIdentityID ||
				len(again.Evidence) != len(first.Evidence) {
				t.Errorf("結果が変わった: %+v -> %+v", first, again)
			}
		}
	})

	t.Run("ストアに到達できない場合はErrTargetStoreUnreachableになること", func(t *testing.T) {
		t.Parallel()

		db := storetest.OpenTarget(t)
		r := newReconciler(t, db)
		db.Close()

		if _, err := r.CheckSession(ctx, alice); !errors.Is(err, ErrTargetStoreUnreachable) {
			t.Errorf("err = %v, want ErrTargetStoreUnreachable", err)
		}
	})
}

// TestReconciler_Decide は転送とOAuthへの送り出しの判断を検証する。
func TestReconciler_Decide(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("セッションがあれば送り出さないこと", func(t *testing.T) {
		t.Parallel()

		db := storetest.OpenTarget(t)
		userID := storetest.InsertTargetUser(t, db, storetest.TargetUser{Email: "alice@example.com", LastActiveAt: at(-time.Minute)})
		storetest.InsertCredential(t, db, userID, at(time.Hour))

		d, err := newReconciler(t, db).Decide(ctx, alice, "/outline/doc")
		if err != nil {
			t.Fatalf("Decide()でエラーが発生: %v", err)
		}
		if d.RedirectURL != "" {
			t.Errorf("RedirectURL = %q, want empty", d.RedirectURL)
		}
	})

	t.Run("セッションが無ければOAuth開始URLへ送り出すこと", func(t *testing.T) {
		t.Parallel()

		db := storetest.OpenTarget(t)
		storetest.InsertTargetUser(t, db, storetest.TargetUser{Email: "alice@example.com"})
		r := newReconciler(t, db)

		d, err := r.Decide(ctx, alice, "/outline/doc")
		if err != nil {
			t.Fatalf("Decide()でエラーが発生: %v", err)
		}
		if !d.Verdict.IdentityExists || d.Verdict.HasActiveSession {
			t.Errorf("Verdict = %+v", d.Verdict)
		}

		u, err := url.Parse(d.RedirectURL)
		if err != nil {
			t.Fatalf("RedirectURLの解析に失敗: %v", err)
		}
		if u.Scheme != "https" || u.Host != "docs.example.com" || u.Path != "/auth/google" {
			t.Errorf("RedirectURL = %q", d.RedirectURL)
		}
		q := u.Query()
		if q.Get("client") != "web" || q.Get("host") != "docs.example.com" {
			t.Errorf("query = %v", q)
		}

		state, err := r.codec.Decode(q.Get("state"))
		if err != nil {
			t.Fatalf("stateの復号に失敗: %v", err)
		}
		if state.IdentityID != "gw-1" || state.Email != "alice@example.com" || state.ReturnPath != "/outline/doc" {
			t.Errorf("state = %+v", state)
		}
		if state.IssuedAt != fixedNow.UnixMilli() {
			t.Errorf("IssuedAt = %d, want %d", state.IssuedAt, fixedNow.UnixMilli())
		}
	})

	t.Run("ストアに到達できない場合もOAuthへ送り出すこと", func(t *testing.T) {
		t.Parallel()

		db := storetest.OpenTarget(t)
		r := newReconciler(t, db)
		db.Close()

		d, err := r.Decide(ctx, alice, "/outline")
		if err != nil {
			t.Fatalf("Decide()でエラーが発生: %v", err)
		}
		if !strings.HasPrefix(d.RedirectURL, "https://docs.example.com/auth/google?") {
			t.Errorf("RedirectURL = %q", d.RedirectURL)
		}
	})
}

// TestReconciler_Callback はOAuthからの戻りを検証する。
func TestReconciler_Callback(t *testing.T) {
	t.Parallel()

	db := storetest.OpenTarget(t)
	r := newReconciler(t, db)

	t.Run("stateが空なら公開URLへ送ること", func(t *testing.T) {
		t.Parallel()

		got, err := r.Callback("")
		if err != nil {
			t.Fatalf("Callback()でエラーが発生: %v", err)
		}
		if got != "https://docs.example.com" {
			t.Errorf("Callback() = %q", got)
		}
	})

	t.Run("有効なstateなら公開URLへ送ること", func(t *testing.T) {
		t.Parallel()

		token, err := r.codec.Encode(State{IdentityID: "gw-1", Email: "alice@example.com"})
		if err != nil {
			t.Fatalf("Encode()でエラーが発生: %v", err)
		}
		got, err := r.Callback(token)
		if err != nil {
			t.Fatalf("Callback()でエラーが発生: %v", err)
		}
		if got != "https://docs.example.com" {
			t.Errorf("Callback() = %q", got)
		}
	})

	t.Run("不正なstateはErrDecodeStateになること", func(t *testing.T) {
		t.Parallel()

		if _, err := r.Callback("tampered"); !errors.Is(err, ErrDecodeState) {
			t.Errorf("err = %v, want ErrDecodeState", err)
		}
	})
}

// TestStoreProvisioner はバックエンドの利用者解決を検証する。
func TestStoreProvisioner(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("メールアドレスが一致する利用者が返ること", func(t *testing.T) {
		t.Parallel()

		db := storetest.OpenTarget(t)
		userID := storetest.InsertTargetUser(t, db, storetest.TargetUser{
			Name:      "Alice Outline",
			Email:     "alice@example.com",
			AvatarURL: "https://example.com/a.png",
		})

		got, err := NewStoreProvisioner(NewStore(db, time.Second)).Provision(ctx, alice)
		if err != nil {
			t.Fatalf("Provision()でエラーが発生: %v", err)
		}
		if got.ID != userID || got.Name != "Alice Outline" || got.AvatarURL != "https://example.com/a.png" {
			t.Errorf("Provision() = %+v", got)
		}
		if got.CreatedAt.IsZero() {
			t.Error("CreatedAtが設定されるべき")
		}
	})

	t.Run("存在しない利用者は作成せずErrNotFoundになること", func(t *testing.T) {
		t.Parallel()

		db := storetest.OpenTarget(t)
		_, err := NewStoreProvisioner(NewStore(db, time.Second)).Provision(ctx, alice)
		if !errors.Is(err, identity.ErrNotFound) {
			t.Errorf("err = %v, want ErrNotFound", err)
		}

		var count int
		if err := db.Get(&count, "SELECT COUNT(*) FROM users"); err != nil {
			t.Fatalf("件数取得に失敗: %v", err)
		}
		if count != 0 {
			t.Errorf("count = %d, want 0", count)
		}
	})

	t.Run("ストアに到達できない場合はErrTargetStoreUnreachableになること", func(t *testing.T) {
		t.Parallel()

		db := storetest.OpenTarget(t)
		p := NewStoreProvisioner(NewStore(db, time.Second))
		db.Close()

		if _, err := p.Provision(ctx, alice); !errors.Is(err, ErrTargetStoreUnreachable) {
			t.Errorf("err = %v, want ErrTargetStoreUnreachable", err)
		}
	})
}
