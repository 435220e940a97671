package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/nao1215/authgate/internal/identity"
)

// StoreProvisioner はバックエンドのストアからゲートウェイの利用者に対応する利用者を解決する。
// 読み取りのみで、存在しなければ作成せずidentity.ErrNotFoundを返す。
type StoreProvisioner struct {
	store *Store
}

// NewStoreProvisioner は新しいStoreProvisionerを生成する。
func NewStoreProvisioner(store *Store) *StoreProvisioner {
	return &StoreProvisioner{store: store}
}

// Provision はidentity.Provisionerインターフェースを実装する。
func (p *StoreProvisioner) Provision(ctx context.Context, id *identity.Identity) (*identity.Identity, error) {
	u, err := p.store.FindUser(ctx, id.Email)
	if errors.Is(err, identity.ErrNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTargetStoreUnreachable, err)
	}
	return &identity.Identity{
		ID:        u.ID,
		Email:     u.Email,
		Name:      u.Name,
		AvatarURL: u.AvatarURL.String,
		CreatedAt: u.CreatedAt,
		UpdatedAt: u.UpdatedAt,
	}, nil
}
