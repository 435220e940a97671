// Package config はゲートウェイの設定を環境変数・.envファイル・サービスカタログから読み込む。
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// 既定値。
const (
	defaultPort           = "8000"
	defaultCookieName     = "sb-access-token"
	defaultAssertionTTL   = time.Hour
	defaultIDPTimeout     = 5 * time.Second
	defaultDBTimeout      = 5 * time.Second
	defaultForwardTimeout = 30 * time.Second
	defaultActivityWindow = time.Hour
	defaultHandOffPath    = "/auth/google"
)

// Config はゲートウェイ全体の設定。
type Config struct {
	// Port はリッスンポート。
	Port string
	// Environment は実行環境（development / production）。
	Environment string
	// AllowedOrigins はCORSを許可するオリジン。
	AllowedOrigins []string
	// JWTSecret はバックエンド向けアサーションの署名鍵。
	JWTSecret string
	// AssertionTTL はアサーションの有効期間。
	AssertionTTL time.Duration
	// StateSecret はOAuth stateの暗号化鍵の元になるシークレット。
	StateSecret string
	// CookieName は認証トークンを運ぶCookie名。
	CookieName string
	// IdentityProvider はトークンを検証するIDプロバイダーの設定。
	IdentityProvider IdentityProviderConfig
	// GatewayDatabaseURL はゲートウェイ自身のユーザーストアのDSN。
	GatewayDatabaseURL string
	// DatabaseTimeout はストアへの1クエリあたりのタイムアウト。
	DatabaseTimeout time.Duration
	// ForwardTimeout はバックエンドへの転送タイムアウト。
	ForwardTimeout time.Duration
	// LogLevel はログレベル。
	LogLevel string
	// LogFile は空でなければログをファイルにも出力する。
	LogFile string
	// Services はサービスカタログ。
	Services []ServiceConfig
}

// IdentityProviderConfig はIDプロバイダーの接続設定。
type IdentityProviderConfig struct {
	URL     string
	APIKey  string
	Timeout time.Duration
}

// ServiceConfig はサービスカタログの1エントリ。
type ServiceConfig struct {
	Name            string            `yaml:"name"`
	DisplayName     string            `yaml:"display_name"`
	AuthStrategy    string            `yaml:"auth_strategy"`
	Target          string            `yaml:"target"`
	PublicURL       string            `yaml:"public_url"`
	Enabled         bool              `yaml:"enabled"`
	ChangeOrigin    bool              `yaml:"change_origin"`
	SignedAssertion bool              `yaml:"signed_assertion"`
	Headers         map[string]string `yaml:"headers"`
	Rewrites        []RewriteConfig   `yaml:"rewrites"`
	Session         *SessionConfig    `yaml:"session"`
}

// RewriteConfig はパス書き換え規則。Fromは正規表現。
type RewriteConfig struct {
	From string `yaml:"from"`
	To   string `yaml:"to"`
}

// SessionConfig はバックエンドのストアを参照するセッション照合の設定。
// 設定されたサービスだけが照合とユーザー解決の対象になる。
type SessionConfig struct {
	// DatabaseURL はバックエンドのユーザー・認証記録テーブルを持つDBのDSN。
	DatabaseURL string `yaml:"database_url"`
	// HandOffPath はバックエンドのOAuth開始エンドポイントのパス。
	HandOffPath string `yaml:"hand_off_path"`
	// HandOffParams はOAuth開始URLに付与する固定クエリ。
	HandOffParams map[string]string `yaml:"hand_off_params"`
	// ActivityWindow は「最近の操作」とみなす期間。
	ActivityWindow time.Duration `yaml:"activity_window"`
}

// catalogFile はSERVICES_FILEのYAML構造。
type catalogFile struct {
	Services []ServiceConfig `yaml:"services"`
}

// IsProduction は本番環境かどうかを返す。
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// Load は.envファイル（存在する場合）と環境変数から設定を読み込む。
// SERVICES_FILEが指定されていればYAMLのサービスカタログを使い、なければ既定のカタログを使う。
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf(".envファイルの読み込みに失敗: %w", err)
	}
	return FromEnv(os.LookupEnv)
}

// FromEnv はlookupで得られる環境変数から設定を組み立てる。
func FromEnv(lookup func(string) (string, bool)) (*Config, error) {
	get := func(key, def string) string {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
		return def
	}

	cfg := &Config{
		Port:               get("PORT", defaultPort),
		Environment:        get("APP_ENV", "development"),
		AllowedOrigins:     splitList(get("ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:3001")),
		JWTSecret:          get("JWT_SECRET", ""),
		StateSecret:        get("STATE_SECRET", ""),
		CookieName:         get("AUTH_COOKIE_NAME", defaultCookieName),
		GatewayDatabaseURL: get("GATEWAY_DATABASE_URL", ""),
		LogLevel:           get("LOG_LEVEL", "info"),
		LogFile:            get("LOG_FILE", ""),
		IdentityProvider: IdentityProviderConfig{
			URL:    get("IDP_URL", ""),
			APIKey: get("IDP_API_KEY", ""),
		},
	}

	var err error
	if cfg.AssertionTTL, err = ParseLifetime(get("JWT_EXPIRES_IN", "")); err != nil {
		return nil, fmt.Errorf("JWT_EXPIRES_INの解析に失敗: %w", err)
	}
	if cfg.IdentityProvider.Timeout, err = durationOr(get("IDP_TIMEOUT", ""), defaultIDPTimeout); err != nil {
		return nil, fmt.Errorf("IDP_TIMEOUTの解析に失敗: %w", err)
	}
	if cfg.DatabaseTimeout, err = durationOr(get("DATABASE_TIMEOUT", ""), defaultDBTimeout); err != nil {
		return nil, fmt.Errorf("DATABASE_TIMEOUTの解析に失敗: %w", err)
	}
	if cfg.ForwardTimeout, err = durationOr(get("FORWARD_TIMEOUT", ""), defaultForwardTimeout); err != nil {
		return nil, fmt.Errorf("FORWARD_TIMEOUTの解析に失敗: %w", err)
	}

	if path := get("SERVICES_FILE", ""); path != "" {
		services, err := LoadCatalog(path)
		if err != nil {
			return nil, err
		}
		cfg.Services = services
	} else {
		cfg.Services = DefaultCatalog(get)
	}
	for i := range cfg.Services {
		applyServiceDefaults(&cfg.Services[i])
	}

	return cfg, nil
}

// Validate は起動に必要な設定が揃っているかを検証する。
// 本番環境ではシークレットの未設定をエラーとする。
func (c *Config) Validate() error {
	var errs []error
	if c.IdentityProvider.URL == "" {
		errs = append(errs, errors.New("IDP_URLが設定されていません"))
	}
	if c.GatewayDatabaseURL == "" {
		errs = append(errs, errors.New("GATEWAY_DATABASE_URLが設定されていません"))
	}
	if c.IsProduction() {
		if c.JWTSecret == "" {
			errs = append(errs, errors.New("JWT_SECRETが設定されていません"))
		}
		if c.StateSecret == "" {
			errs = append(errs, errors.New("STATE_SECRETが設定されていません"))
		}
	}
	return errors.Join(errs...)
}

// LoadCatalog はYAMLファイルからサービスカタログを読み込む。
func LoadCatalog(path string) ([]ServiceConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("サービスカタログの読み込みに失敗: %w", err)
	}
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("サービスカタログの解析に失敗: %w", err)
	}
	return file.Services, nil
}

// DefaultCatalog は既定のサービスカタログを返す。
// outlineのみ有効で、notionとslackは戦略の実装待ちのため無効。
func DefaultCatalog(get func(key, def string) string) []ServiceConfig {
	outlineURL := get("OUTLINE_URL", "http://localhost:3000")
	return []ServiceConfig{
		{
			Name:            "outline",
			DisplayName:     "Outline Docs",
			AuthStrategy:    "header",
			Target:          outlineURL,
			PublicURL:       get("OUTLINE_PUBLIC_URL", outlineURL),
			Enabled:         true,
			ChangeOrigin:    true,
			SignedAssertion: true,
			Headers: map[string]string{
				"X-Forwarded-Proto": "https",
			},
			Session: &SessionConfig{
				DatabaseURL: get("OUTLINE_DATABASE_URL", ""),
			},
		},
		{
			Name:         "notion",
			DisplayName:  "Notion Workspace",
			AuthStrategy: "oauth",
			Target:       get("NOTION_BASE_URL", ""),
			ChangeOrigin: true,
			Enabled:      false,
		},
		{
			Name:         "slack",
			DisplayName:  "Slack Integration",
			AuthStrategy: "jwt",
			Target:       get("SLACK_BASE_URL", ""),
			ChangeOrigin: true,
			Enabled:      false,
		},
	}
}

// applyServiceDefaults はサービス設定の省略値を補う。
func applyServiceDefaults(s *ServiceConfig) {
	if s.DisplayName == "" {
		s.DisplayName = s.Name
	}
	if s.PublicURL == "" {
		s.PublicURL = s.Target
	}
	if s.Session == nil {
		return
	}
	if s.Session.HandOffPath == "" {
		s.Session.HandOffPath = defaultHandOffPath
	}
	if s.Session.HandOffParams == nil {
		s.Session.HandOffParams = map[string]string{"client": "web"}
	}
	if s.Session.ActivityWindow <= 0 {
		s.Session.ActivityWindow = defaultActivityWindow
	}
}

// ParseLifetime はアサーションの有効期間を解析する。
// 数値のみの場合は秒数、それ以外はGoのduration形式（例: "1h", "90m"）として扱う。
// 空文字列は既定の1時間を返す。
func ParseLifetime(v string) (time.Duration, error) {
	if v == "" {
		return defaultAssertionTTL, nil
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs <= 0 {
			return 0, fmt.Errorf("有効期間は正の値である必要があります: %q", v)
		}
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("有効期間は正の値である必要があります: %q", v)
	}
	return d, nil
}

func durationOr(v string, def time.Duration) (time.Duration, error) {
	if v == "" {
		return def, nil
	}
	return time.ParseDuration(v)
}

func splitList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
