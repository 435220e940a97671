// Package identity はゲートウェイが扱う利用者の身元と、その解決手段を提供する。
//
// 利用者はIDプロバイダーが発行した不透明なトークンで認証され、
// ゲートウェイ自身のユーザーストアとメールアドレスで突き合わされる。
// バックエンドのストアとの対応付けもメールアドレスのみで行う。
package identity

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound はストアに該当する利用者が存在しないことを表す。
var ErrNotFound = errors.New("利用者が見つかりません")

// Identity は認証済みの利用者。
type Identity struct {
	// ID はストア内での識別子。
	ID string `db:"id" json:"id"`
	// Email はストア間の突き合わせに使うメールアドレス。
	Email string `db:"email" json:"email"`
	// Name は表示名。
	Name string `db:"name" json:"name"`
	// AvatarURL はアバター画像のURL。未設定なら空。
	AvatarURL string `db:"avatarUrl" json:"avatarUrl,omitempty"`
	// CreatedAt は作成日時。
	CreatedAt time.Time `db:"createdAt" json:"createdAt"`
	// UpdatedAt は更新日時。
	UpdatedAt time.Time `db:"updatedAt" json:"updatedAt"`
}

// Provisioner はゲートウェイの利用者に対応するバックエンド側の利用者を解決する。
// 見つからない場合はErrNotFoundを返す。新規作成は行わない。
type Provisioner interface {
	Provision(ctx context.Context, id *Identity) (*Identity, error)
}
