package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// Store はゲートウェイ自身のユーザーストア。
type Store struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewStore は新しいStoreを生成する。timeoutは1クエリあたりの上限で、0以下なら無制限。
func NewStore(db *sqlx.DB, timeout time.Duration) *Store {
	return &Store{db: db, timeout: timeout}
}

// FindByEmail はメールアドレスで利用者を検索する。
// 存在しない場合はErrNotFoundを返す。
func (s *Store) FindByEmail(ctx context.Context, email string) (*Identity, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	var id Identity
	err := s.db.GetContext(ctx, &id, s.db.Rebind(`SELECT id, COALESCE(name, '') AS name, email FROM "user" WHERE email = ? LIMIT 1`), email)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ゲートウェイのユーザー検索に失敗: %w", err)
	}
	return &id, nil
}
