package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/nao1215/authgate/internal/identity"
)

// Kind はセッションの根拠となる記録の種別。
type Kind string

// 根拠の種別。
const (
	KindCredential Kind = "credential"
	KindOAuth      Kind = "oauth"
	KindAPIKey     Kind = "api_key"
)

// Evidence はバックエンドのストアにある認証記録。
type Evidence struct {
	Kind Kind   `db:"-" json:"kind"`
	ID   string `db:"id" json:"id"`
	// ExpiresAt は有効期限。NULLは期限不明で、有効な根拠とはみなさない。
	ExpiresAt *time.Time `db:"expiresAt" json:"expiresAt"`
}

// User はバックエンドのストアにある利用者。
type User struct {
	ID        string         `db:"id"`
	Email     string         `db:"email"`
	Name      string         `db:"name"`
	AvatarURL sql.NullString `db:"avatarUrl"`
	CreatedAt time.Time      `db:"createdAt"`
	UpdatedAt time.Time      `db:"updatedAt"`
}

// Activity は利用者の最終操作日時と最終サインイン日時。
type Activity struct {
	LastActiveAt   *time.Time `db:"lastActiveAt"`
	LastSignedInAt *time.Time `db:"lastSignedInAt"`
}

// evidenceQueries は種別ごとの認証記録の取得クエリ。
var evidenceQueries = map[Kind]string{
	KindCredential: `SELECT id, "expiresAt" FROM user_authentications WHERE "userId" = ?`,
	KindOAuth:      `SELECT id, "accessTokenExpiresAt" AS "expiresAt" FROM oauth_authentications WHERE "userId" = ? AND "deletedAt" IS NULL`,
	KindAPIKey:     `SELECT id, "expiresAt" FROM "apiKeys" WHERE "userId" = ? AND "deletedAt" IS NULL`,
}

// Store はバックエンドのユーザー・認証記録ストアへの読み取り専用アクセス。
// 書き込みは一切行わない。
type Store struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewStore は新しいStoreを生成する。timeoutは1クエリあたりの上限で、0以下なら無制限。
func NewStore(db *sqlx.DB, timeout time.Duration) *Store {
	return &Store{db: db, timeout: timeout}
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout > 0 {
		return context.WithTimeout(ctx, s.timeout)
	}
	return context.WithCancel(ctx)
}

// FindUser は削除・利用停止されていない利用者をメールアドレスで検索する。
// 存在しない場合はidentity.ErrNotFoundを返す。
func (s *Store) FindUser(ctx context.Context, email string) (*User, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var u User
	err := s.db.GetContext(ctx, &u, s.db.Rebind(`
		SELECT id, COALESCE(email, '') AS email, COALESCE(name, '') AS name, "avatarUrl", "createdAt", "updatedAt"
		FROM users
		WHERE email = ? AND "deletedAt" IS NULL AND "suspendedAt" IS NULL
		LIMIT 1`), email)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, identity.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("利用者の検索に失敗: %w", err)
	}
	return &u, nil
}

// Evidence は利用者の指定した種別の認証記録を返す。
// 論理削除された記録は含まない。
func (s *Store) Evidence(ctx context.Context, kind Kind, userID string) ([]Evidence, error) {
	query, ok := evidenceQueries[kind]
	if !ok {
		return nil, fmt.Errorf("未知の根拠種別です: %s", kind)
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var records []Evidence
	if err := s.db.SelectContext(ctx, &records, s.db.Rebind(query), userID); err != nil {
		return nil, fmt.Errorf("%s記録の取得に失敗: %w", kind, err)
	}
	for i := range records {
		records[i].Kind = kind
	}
	return records, nil
}

// Activity は利用者の最終操作日時と最終サインイン日時を返す。
func (s *Store) Activity(ctx context.Context, userID string) (Activity, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var a Activity
	if err := s.db.GetContext(ctx, &a, s.db.Rebind(`SELECT "lastActiveAt", "lastSignedInAt" FROM users WHERE id = ?`), userID); err != nil {
		return Activity{}, fmt.Errorf("操作日時の取得に失敗: %w", err)
	}
	return a, nil
}
