// Package session はゲートウェイの利用者がバックエンド側で既にセッションを
// 持っているかを、両者のストアを突き合わせて判定する。
//
// ゲートウェイとバックエンドはセッションの仕組みを共有していないため、
// バックエンドのストアにある認証記録と最終操作日時から推定する。
// セッションが無いと判断した場合は、バックエンドのOAuth開始エンドポイントへ
// 利用者を送り出すURLを組み立てる。
package session

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/nao1215/authgate/internal/identity"
	"github.com/nao1215/authgate/internal/registry"
)

// ErrTargetStoreUnreachable はバックエンドのストアに問い合わせできなかったことを表す。
var ErrTargetStoreUnreachable = errors.New("バックエンドのストアに到達できません")

// Verdict はセッション照合の結果。
// HasActiveSessionがtrueならIdentityExistsも必ずtrueになる。
type Verdict struct {
	IdentityExists   bool
	HasActiveSession bool
	// TargetIdentityID はバックエンド側の利用者ID。存在しなければ空。
	TargetIdentityID string
	// Evidence は有効と判定された認証記録。
	Evidence []Evidence
}

// Decision は転送するかOAuthへ送り出すかの判断。
// RedirectURLが空なら転送する。
type Decision struct {
	Verdict     Verdict
	RedirectURL string
}

// Option はReconcilerの生成オプション。
type Option func(*Reconciler)

// WithClock は現在時刻を返す関数を差し替える。
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) {
		r.now = now
	}
}

// WithLogger はログ出力先を設定する。
func WithLogger(logger log.FieldLogger) Option {
	return func(r *Reconciler) {
		r.logger = logger
	}
}

// Reconciler は1つのバックエンドについてセッションを照合する。
type Reconciler struct {
	service *registry.Descriptor
	store   *Store
	codec   *StateCodec
	window  time.Duration
	now     func() time.Time
	logger  log.FieldLogger
}

// NewReconciler は新しいReconcilerを生成する。
func NewReconciler(service *registry.Descriptor, store *Store, codec *StateCodec, opts ...Option) *Reconciler {
	r := &Reconciler{
		service: service,
		store:   store,
		codec:   codec,
		window:  service.ActivityWindow,
		now:     time.Now,
		logger:  log.StandardLogger(),
	}
	if r.window <= 0 {
		r.window = DefaultActivityWindow
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// CheckSession はidがバックエンド側で有効なセッションを持っているかを判定する。
// 利用者が存在しない場合はエラーではなく、IdentityExists=falseの結果を返す。
// ストアへの問い合わせに失敗した場合はErrTargetStoreUnreachableを返す。
func (r *Reconciler) CheckSession(ctx context.Context, id *identity.Identity) (Verdict, error) {
	now := r.now()

	user, err := r.store.FindUser(ctx, id.Email)
	if errors.Is(err, identity.ErrNotFound) {
		return Verdict{}, nil
	}
	if err != nil {
		return Verdict{}, fmt.Errorf("%w: %w", ErrTargetStoreUnreachable, err)
	}

	kinds := []Kind{KindCredential, KindOAuth, KindAPIKey}
	records := make([][]Evidence, len(kinds))
	var activity Activity

	eg, egCtx := errgroup.WithContext(ctx)
	for i, kind := range kinds {
		eg.Go(func() error {
			rs, err := r.store.Evidence(egCtx, kind, user.ID)
			if err != nil {
				return err
			}
			records[i] = rs
			return nil
		})
	}
	eg.Go(func() error {
		a, err := r.store.Activity(egCtx, user.ID)
		if err != nil {
			return err
		}
		activity = a
		return nil
	})
	if err := eg.Wait(); err != nil {
		return Verdict{}, fmt.Errorf("%w: %w", ErrTargetStoreUnreachable, err)
	}

	var all []Evidence
	for _, rs := range records {
		all = append(all, rs...)
	}
	valid := ValidEvidence(all, now)
	recent := HasRecentActivity(now, activity.LastActiveAt, activity.LastSignedInAt, r.window)

	return Verdict{
		IdentityExists:   true,
		HasActiveSession: IsSessionActive(len(valid) > 0, recent),
		TargetIdentityID: user.ID,
		Evidence:         valid,
	}, nil
}

// Decide は転送するかOAuthへ送り出すかを決める。
// 照合に失敗した場合は警告を出してOAuthへ送り出す。
// 送り出し先のURLを組み立てられなかった場合のみエラーを返す。
func (r *Reconciler) Decide(ctx context.Context, id *identity.Identity, returnPath string) (Decision, error) {
	verdict, err := r.CheckSession(ctx, id)
	if err != nil {
		r.logger.WithFields(log.Fields{
			"service": r.service.Name,
			"email":   id.Email,
			"error":   err,
		}).Warn("セッションを照合できないためOAuthへ送り出します")
	} else if verdict.HasActiveSession {
		return Decision{Verdict: verdict}, nil
	}

	redirect, err := r.HandOffURL(id, returnPath)
	if err != nil {
		return Decision{}, err
	}
	return Decision{Verdict: verdict, RedirectURL: redirect}, nil
}

// HandOffURL はバックエンドのOAuth開始エンドポイントへのURLを組み立てる。
// stateには利用者と戻り先を暗号化して載せる。
func (r *Reconciler) HandOffURL(id *identity.Identity, returnPath string) (string, error) {
	token, err := r.codec.Encode(State{
		IdentityID: id.ID,
		Email:      id.Email,
		ReturnPath: returnPath,
		IssuedAt:   r.now().UnixMilli(),
	})
	if err != nil {
		return "", fmt.Errorf("stateの生成に失敗: %w", err)
	}

	u, err := url.Parse(r.service.PublicURL)
	if err != nil {
		return "", fmt.Errorf("公開URLの解析に失敗: %w", err)
	}
	u.Path = strings.TrimRight(u.Path, "/") + r.service.HandOff.Path

	q := url.Values{}
	for k, v := range r.service.HandOff.Params {
		q.Set(k, v)
	}
	if q.Get("host") == "" {
		q.Set("host", u.Host)
	}
	q.Set("state", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Callback はOAuthから戻ってきた利用者の送り先を返す。
// stateが空ならそのまま公開URLへ、復号できなければErrDecodeStateを返す。
func (r *Reconciler) Callback(stateParam string) (string, error) {
	if stateParam == "" {
		return r.service.PublicURL, nil
	}
	state, err := r.codec.Decode(stateParam)
	if err != nil {
		return "", err
	}
	r.logger.WithFields(log.Fields{
		"service": r.service.Name,
		"email":   state.Email,
	}).Info("OAuthから戻りました")
	return r.service.PublicURL, nil
}
