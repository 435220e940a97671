// Package storetest はテスト用のリレーショナルストアを提供する。
// t.TempDir()上のSQLiteファイルにゲートウェイとバックエンドのスキーマを適用して返す。
package storetest

import (
	"context"
	"embed"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/nao1215/authgate/pkg/migration"
)

//go:embed migrations
var migrations embed.FS

// OpenGateway はゲートウェイのユーザーストアを生成する。
func OpenGateway(t testing.TB) *sqlx.DB {
	t.Helper()
	return open(t, "gateway")
}

// OpenTarget はバックエンドのユーザー・認証記録ストアを生成する。
func OpenTarget(t testing.TB) *sqlx.DB {
	t.Helper()
	return open(t, "target")
}

func open(t testing.TB, name string) *sqlx.DB {
	t.Helper()

	dsn := filepath.Join(t.TempDir(), name+".db") + "?_time_format=sqlite&_pragma=busy_timeout(5000)"
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		t.Fatalf("DB接続に失敗: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := migration.Run(context.Background(), db, migrations, "migrations/"+name); err != nil {
		t.Fatalf("マイグレーションに失敗: %v", err)
	}
	return db
}

// InsertGatewayUser はゲートウェイのストアに利用者を追加してIDを返す。
func InsertGatewayUser(t testing.TB, db *sqlx.DB, name, email string) string {
	t.Helper()

	id := uuid.NewString()
	exec(t, db, `INSERT INTO "user" (id, name, email) VALUES (?, ?, ?)`, id, name, email)
	return id
}

// TargetUser はバックエンドのストアに追加する利用者。
type TargetUser struct {
	Name           string
	Email          string
	AvatarURL      string
	LastActiveAt   *time.Time
	LastSignedInAt *time.Time
	DeletedAt      *time.Time
	SuspendedAt    *time.Time
}

// InsertTargetUser はバックエンドのストアに利用者を追加してIDを返す。
func InsertTargetUser(t testing.TB, db *sqlx.DB, u TargetUser) string {
	t.Helper()

	id := uuid.NewString()
	var avatar *string
	if u.AvatarURL != "" {
		avatar = &u.AvatarURL
	}
	exec(t, db, `INSERT INTO users (id, name, email, "avatarUrl", "lastActiveAt", "lastSignedInAt", "deletedAt", "suspendedAt")
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, u.Name, u.Email, avatar, u.LastActiveAt, u.LastSignedInAt, u.DeletedAt, u.SuspendedAt)
	return id
}

// InsertCredential は資格情報によるサインインの記録を追加する。
func InsertCredential(t testing.TB, db *sqlx.DB, userID string, expiresAt *time.Time) string {
	t.Helper()

	id := uuid.NewString()
	exec(t, db, `INSERT INTO user_authentications (id, "userId", "expiresAt") VALUES (?, ?, ?)`, id, userID, expiresAt)
	return id
}

// InsertOAuthGrant はOAuthによる許可の記録を追加する。
func InsertOAuthGrant(t testing.TB, db *sqlx.DB, userID string, expiresAt, deletedAt *time.Time) string {
	t.Helper()

	id := uuid.NewString()
	exec(t, db, `INSERT INTO oauth_authentications (id, "userId", "accessTokenExpiresAt", "deletedAt") VALUES (?, ?, ?, ?)`,
		id, userID, expiresAt, deletedAt)
	return id
}

// InsertAPIKey はAPIキーを追加する。
func InsertAPIKey(t testing.TB, db *sqlx.DB, userID string, expiresAt, deletedAt *time.Time) string {
	t.Helper()

	id := uuid.NewString()
	exec(t, db, `INSERT INTO "apiKeys" (id, "userId", "expiresAt", "deletedAt") VALUES (?, ?, ?, ?)`,
		id, userID, expiresAt, deletedAt)
	return id
}

// Ptr はtの値へのポインタを返す。
func Ptr(t time.Time) *time.Time {
	return &t
}

func exec(t testing.TB, db *sqlx.DB, query string, args ...any) {
	t.Helper()

	if _, err := db.Exec(db.Rebind(query), args...); err != nil {
		t.Fatalf("テストデータの投入に失敗: %v", err)
	}
}
