// Package registry はゲートウェイ配下のサービス定義と認証戦略、
// および各サービスの稼働状態を保持する。
//
// サービス定義と戦略は起動時にのみ登録され、以後は読み取り専用となる。
// 稼働状態はリクエストごとに更新されるためRWMutexで保護する。
package registry

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/nao1215/authgate/internal/strategy"
)

var (
	// ErrInvalidName はサービス名が許可された文字以外を含むことを表す。
	ErrInvalidName = errors.New("サービス名が不正です")
	// ErrInvalidTarget は転送先URLまたは書き換え規則が不正であることを表す。
	ErrInvalidTarget = errors.New("転送先の設定が不正です")
	// ErrDuplicateService は同名のサービスが登録済みであることを表す。
	ErrDuplicateService = errors.New("サービスが登録済みです")
	// ErrServiceNotFound はサービスが登録されていないことを表す。
	ErrServiceNotFound = errors.New("サービスが見つかりません")
	// ErrStrategyNotFound は認証戦略が登録されていないことを表す。
	ErrStrategyNotFound = errors.New("認証戦略が見つかりません")
	// ErrDisabled は無効なサービスを登録しようとしたことを表す。
	ErrDisabled = errors.New("サービスが無効です")
)

// namePattern はサービス名として許可する文字列。
var namePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// reservedNames はゲートウェイ自身のエンドポイントと衝突するため使えないサービス名。
var reservedNames = map[string]struct{}{
	"health":   {},
	"services": {},
}

// DefaultHandOffPath はバックエンドのOAuth開始エンドポイントの既定パス。
const DefaultHandOffPath = "/auth/google"

// Rewrite はパス書き換え規則。
type Rewrite struct {
	// Pattern はマウント接頭辞を除いたパスに適用する正規表現。
	Pattern *regexp.Regexp
	// Replacement は置換文字列。$1などの参照が使える。
	Replacement string
}

// HandOff はバックエンドのOAuth開始エンドポイント。
type HandOff struct {
	// Path はPublicURLからの相対パス。
	Path string
	// Params は固定で付与するクエリパラメータ。
	Params map[string]string
}

// Descriptor はゲートウェイ配下のサービス定義。登録後は変更しない。
type Descriptor struct {
	Name         string
	DisplayName  string
	AuthStrategy string
	// Target は転送先のURL。
	Target string
	// PublicURL は利用者から見たバックエンドのURL。空ならTargetを使う。
	PublicURL string
	Enabled   bool
	// Headers は転送時に必ず付与する固定ヘッダー。戦略のヘッダーより優先される。
	Headers  map[string]string
	Rewrites []Rewrite
	// ChangeOrigin はHostヘッダーを転送先のホストに書き換えるかどうか。
	ChangeOrigin bool
	// SignedAssertion はバックエンドが署名付きアサーションを要求するかどうか。
	SignedAssertion bool
	// SessionCheck はバックエンドのストアとセッションを照合するかどうか。
	SessionCheck bool
	HandOff      HandOff
	// ActivityWindow はセッション照合で最近の操作とみなす期間。0なら既定値。
	ActivityWindow time.Duration
}

// Status はサービスの稼働状態。
type Status struct {
	Name         string         `json:"name"`
	Healthy      bool           `json:"healthy"`
	LastCheck    time.Time      `json:"lastCheck"`
	ResponseTime *time.Duration `json:"responseTime,omitempty"`
	Error        string         `json:"error,omitempty"`
}

// Registry はサービス定義・認証戦略・稼働状態を保持する。
type Registry struct {
	logger log.FieldLogger

	mu         sync.RWMutex
	services   map[string]*Descriptor
	order      []string
	strategies map[string]strategy.Strategy
	statuses   map[string]Status
}

// New は空のRegistryを生成する。loggerがnilなら標準ロガーを使う。
func New(logger log.FieldLogger) *Registry {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Registry{
		logger:     logger,
		services:   make(map[string]*Descriptor),
		strategies: make(map[string]strategy.Strategy),
		statuses:   make(map[string]Status),
	}
}

// Register はサービス定義を検証して登録する。
// 不正な定義はログに記録したうえでエラーを返し、登録しない。
// 無効なサービスと重複した名前も登録しない（先に登録したものが残る）。
func (r *Registry) Register(d Descriptor) error {
	if !d.Enabled {
		r.logger.WithField("service", d.Name).Info("無効なサービスのため登録しません")
		return fmt.Errorf("%w: %s", ErrDisabled, d.Name)
	}
	if err := validate(&d); err != nil {
		r.logger.WithFields(log.Fields{"service": d.Name, "error": err}).Error("サービス定義が不正なため登録しません")
		return err
	}

	if d.PublicURL == "" {
		d.PublicURL = d.Target
	}
	if d.DisplayName == "" {
		d.DisplayName = d.Name
	}
	if d.HandOff.Path == "" {
		d.HandOff.Path = DefaultHandOffPath
	}
	d.Headers = cloneMap(d.Headers)
	d.HandOff.Params = cloneMap(d.HandOff.Params)
	d.Rewrites = append([]Rewrite(nil), d.Rewrites...)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.services[d.Name]; exists {
		r.logger.WithField("service", d.Name).Warn("同名のサービスが登録済みのため無視します")
		return fmt.Errorf("%w: %s", ErrDuplicateService, d.Name)
	}
	r.services[d.Name] = &d
	r.order = append(r.order, d.Name)
	return nil
}

// RegisterStrategy は認証戦略を登録する。同名の戦略は先に登録したものが残る。
func (r *Registry) RegisterStrategy(s strategy.Strategy) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.strategies[s.Name()]; exists {
		return fmt.Errorf("認証戦略 %s は登録済みです", s.Name())
	}
	r.strategies[s.Name()] = s
	return nil
}

// Service は名前でサービス定義を返す。
func (r *Registry) Service(name string) (*Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.services[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrServiceNotFound, name)
	}
	return d, nil
}

// Strategy は名前で認証戦略を返す。
func (r *Registry) Strategy(name string) (strategy.Strategy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.strategies[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrStrategyNotFound, name)
	}
	return s, nil
}

// EnabledServices は登録済みのサービス定義を登録順に返す。
func (r *Registry) EnabledServices() []*Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Descriptor, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.services[name])
	}
	return out
}

// RecordStatus はサービスの稼働状態を記録する。後から記録したものが優先される。
func (r *Registry) RecordStatus(s Status) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.statuses[s.Name] = s
}

// Status はサービスの最新の稼働状態を返す。
func (r *Registry) Status(name string) (Status, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.statuses[name]
	return s, ok
}

// Statuses は記録済みの稼働状態を名前順に返す。
func (r *Registry) Statuses() []Status {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Status, 0, len(r.statuses))
	for _, s := range r.statuses {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Name < out[j].Name
	})
	return out
}

// ValidName はnameがサービス名として有効かどうかを返す。
// 予約されたパスと同じ名前は無効とする。
func ValidName(name string) bool {
	if _, reserved := reservedNames[name]; reserved {
		return false
	}
	return namePattern.MatchString(name)
}

func validate(d *Descriptor) error {
	if !ValidName(d.Name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, d.Name)
	}
	if err := validateURL(d.Target); err != nil {
		return fmt.Errorf("%w: target: %w", ErrInvalidTarget, err)
	}
	if d.PublicURL != "" {
		if err := validateURL(d.PublicURL); err != nil {
			return fmt.Errorf("%w: publicUrl: %w", ErrInvalidTarget, err)
		}
	}
	for i, rw := range d.Rewrites {
		if rw.Pattern == nil {
			return fmt.Errorf("%w: rewrite[%d]にパターンがありません", ErrInvalidTarget, i)
		}
	}
	return nil
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("スキームはhttpまたはhttpsである必要があります: %q", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("ホストがありません: %q", raw)
	}
	return nil
}

func cloneMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
