// 認証ゲートウェイのエントリポイント。
// 外部からアクセス可能な唯一のサービスであり、セキュリティの境界線となる。
package main

import (
	"crypto/rand"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	log "github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	"github.com/nao1215/authgate/internal/config"
	"github.com/nao1215/authgate/internal/gateway"
	"github.com/nao1215/authgate/internal/identity"
	"github.com/nao1215/authgate/internal/logging"
	"github.com/nao1215/authgate/internal/registry"
	"github.com/nao1215/authgate/internal/session"
	"github.com/nao1215/authgate/internal/strategy"
	"github.com/nao1215/authgate/pkg/middleware"
)

func main() {
	if err := run(); err != nil {
		log.WithError(err).Fatal("ゲートウェイの起動に失敗")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("設定が不正です: %w", err)
	}
	if err := logging.Setup(logging.Options{Level: cfg.LogLevel, File: cfg.LogFile, JSON: cfg.IsProduction()}); err != nil {
		return err
	}
	defer logging.Close()

	logger := log.StandardLogger()

	jwtSecret := secretOrRandom(cfg.JWTSecret, "JWT_SECRET")
	codec, err := session.NewStateCodec([]byte(secretOrRandom(cfg.StateSecret, "STATE_SECRET")))
	if err != nil {
		return err
	}

	gatewayDB, err := sqlx.Open("pgx", cfg.GatewayDatabaseURL)
	if err != nil {
		return fmt.Errorf("ゲートウェイDBへの接続に失敗: %w", err)
	}
	defer gatewayDB.Close()

	reg := registry.New(logger)
	provisioners := map[string]identity.Provisioner{}
	reconcilers := map[string]*session.Reconciler{}

	for _, sc := range cfg.Services {
		d, err := registry.FromConfig(sc)
		if err != nil {
			logger.WithFields(log.Fields{"service": sc.Name, "error": err}).Error("サービス定義を読み込めません")
			continue
		}
		if err := reg.Register(d); err != nil {
			continue
		}
		if !d.SessionCheck {
			continue
		}

		if sc.Session.DatabaseURL == "" {
			logger.WithField("service", d.Name).Warn("バックエンドDBが未設定のためセッション照合を行いません")
			continue
		}
		targetDB, err := sqlx.Open("pgx", sc.Session.DatabaseURL)
		if err != nil {
			return fmt.Errorf("%sのDBへの接続に失敗: %w", d.Name, err)
		}
		defer targetDB.Close()

		registered, err := reg.Service(d.Name)
		if err != nil {
			return err
		}
		store := session.NewStore(targetDB, cfg.DatabaseTimeout)
		provisioners[d.Name] = session.NewStoreProvisioner(store)
		reconcilers[d.Name] = session.NewReconciler(registered, store, codec, session.WithLogger(logger))
	}

	header := strategy.NewHeaderStrategy(strategy.HeaderConfig{
		Verifier:     identity.NewVerifier(cfg.IdentityProvider.URL, cfg.IdentityProvider.APIKey, cfg.IdentityProvider.Timeout),
		Users:        identity.NewStore(gatewayDB, cfg.DatabaseTimeout),
		Provisioners: provisioners,
		Signer:       middleware.NewAssertionSigner(jwtSecret, cfg.AssertionTTL),
		Logger:       logger,
	})
	// OAuthプロバイダーはまだ設定していない。
	for _, s := range []strategy.Strategy{header, strategy.NewOAuthStrategy(&oauth2.Config{}), strategy.NewJWTStrategy()} {
		if err := reg.RegisterStrategy(s); err != nil {
			return err
		}
	}

	server := gateway.NewServer(reg, gateway.Options{
		Port:           cfg.Port,
		AllowedOrigins: cfg.AllowedOrigins,
		Development:    !cfg.IsProduction(),
		CookieName:     cfg.CookieName,
		ForwardTimeout: cfg.ForwardTimeout,
		Reconcilers:    reconcilers,
		Logger:         logger,
	})

	logger.WithField("environment", cfg.Environment).Infof("ゲートウェイを起動します: :%s", cfg.Port)
	return server.Run()
}

// secretOrRandom はsecretが空ならランダムなシークレットを生成する。
// 生成したシークレットはプロセスの再起動で変わるため警告を出す。
func secretOrRandom(secret, name string) string {
	if secret != "" {
		return secret
	}
	log.Warnf("%sが未設定のためランダムな値を使います。再起動すると発行済みの値は無効になります", name)
	return rand.Text()
}
