package gateway

import (
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/nao1215/authgate/internal/logging"
	"github.com/nao1215/authgate/internal/proxy"
	"github.com/nao1215/authgate/internal/registry"
	"github.com/nao1215/authgate/internal/session"
	"github.com/nao1215/authgate/internal/strategy"
	"github.com/nao1215/authgate/pkg/middleware"
)

// callbackPath はOAuthから戻ってくるパス（マウント接頭辞からの相対）。
const callbackPath = "/oauth/callback"

// Options はServerの生成オプション。
type Options struct {
	// Port はリッスンポート。
	Port string
	// AllowedOrigins はCORSを許可するオリジン。
	AllowedOrigins []string
	// Development は開発環境かどうか。trueならパニックの内容を応答に含める。
	Development bool
	// CookieName は認証トークンを運ぶCookie名。
	CookieName string
	// ForwardTimeout はバックエンドへの転送タイムアウト。
	ForwardTimeout time.Duration
	// Transport は転送に使うRoundTripper。nilなら既定。
	Transport http.RoundTripper
	// Reconcilers はセッション照合を行うサービスごとのReconciler。
	Reconcilers map[string]*session.Reconciler
	// Logger はログ出力先。nilなら標準ロガー。
	Logger log.FieldLogger
}

// Server は認証ゲートウェイのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// port はサーバーのリッスンポート。
	port string
	// registry はサービス定義・認証戦略・稼働状態。
	registry *registry.Registry
	// reconcilers はサービス名ごとのセッション照合。
	reconcilers map[string]*session.Reconciler
	// cookieName は認証トークンを運ぶCookie名。
	cookieName string
	logger     log.FieldLogger
	now        func() time.Time
}

// NewServer は新しいゲートウェイサーバーを生成する。
// 転送先の設定が不正なサービスはログに記録してマウントしない。
func NewServer(reg *registry.Registry, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = log.StandardLogger()
	}

	router := gin.New()
	router.Use(middleware.Recovery(opts.Development))
	router.Use(logging.GinLogger())
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.CORS(opts.AllowedOrigins))

	s := &Server{
		router:      router,
		port:        opts.Port,
		registry:    reg,
		reconcilers: opts.Reconcilers,
		cookieName:  opts.CookieName,
		logger:      logger,
		now:         time.Now,
	}
	s.setupRoutes(opts)

	return s
}

// Handler はHTTPハンドラを返す。
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run はHTTPサーバーを起動する。
func (s *Server) Run() error {
	return s.router.Run(fmt.Sprintf(":%s", s.port))
}

// setupRoutes はルーティングを設定する。
func (s *Server) setupRoutes(opts Options) {
	s.router.GET("/health", s.handleHealth())
	s.router.GET("/services", s.handleServices())

	for _, d := range s.registry.EnabledServices() {
		aug, err := proxy.New(s.registry, d, proxy.Options{
			Timeout:   opts.ForwardTimeout,
			Logger:    s.logger,
			Transport: opts.Transport,
		})
		if err != nil {
			s.logger.WithFields(log.Fields{"service": d.Name, "error": err}).Error("サービスをマウントできません")
			continue
		}

		h := s.handleService(d, aug)
		s.router.Any("/"+d.Name, h)
		s.router.Any("/"+d.Name+"/*path", h)
		s.logger.WithFields(log.Fields{"service": d.Name, "strategy": d.AuthStrategy}).Infof("/%s -> %s", d.Name, d.Target)
	}

	s.router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":  "Route not found",
			"method": c.Request.Method,
			"path":   c.Request.URL.Path,
		})
	})
}

// handleService はサービスへのリクエストを認証して転送するハンドラを返す。
// 認証、セッション照合、転送の順に処理する。
func (s *Server) handleService(d *registry.Descriptor, aug *proxy.Augmenter) gin.HandlerFunc {
	reconciler := s.reconcilers[d.Name]

	return func(c *gin.Context) {
		start := s.now()

		if reconciler != nil && c.Param("path") == callbackPath {
			s.handleCallback(c, reconciler)
			return
		}

		strat, err := s.registry.Strategy(d.AuthStrategy)
		if err != nil {
			s.abortAuth(c, d, strategy.StrategyUnavailable(err))
			return
		}

		token, source, ok := middleware.ExtractCredential(c.Request, s.cookieName)
		if !ok {
			s.abortAuth(c, d, strategy.NoCredential())
			return
		}

		id, err := strat.Authenticate(c.Request.Context(), strategy.Request{Token: token, Service: d.Name})
		if err != nil {
			s.abortAuth(c, d, err)
			return
		}

		entry := logging.Entry(c).WithFields(log.Fields{
			"service":     d.Name,
			"strategy":    strat.Name(),
			"email":       id.Email,
			"identity_id": id.ID,
			"source":      string(source),
		})

		if reconciler != nil {
			decision, err := reconciler.Decide(c.Request.Context(), id, returnPath(c.Request.URL))
			if err != nil {
				entry.WithField("error", err).Error("OAuth開始URLを組み立てられません")
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Failed to start authentication"})
				return
			}
			if decision.RedirectURL != "" {
				entry.Info("バックエンドのセッションが無いためOAuthへ送り出します")
				c.Redirect(http.StatusFound, decision.RedirectURL)
				c.Abort()
				return
			}
		}

		headers, err := strat.Headers(id, strategy.Target{Service: d.Name, SignedAssertion: d.SignedAssertion})
		if err != nil {
			s.abortAuth(c, d, err)
			return
		}

		entry.Debug("認証済みリクエストを転送します")
		pc := &proxy.Context{Identity: id, Headers: headers, Start: start, Service: d.Name}
		c.Request = c.Request.WithContext(proxy.WithContext(c.Request.Context(), pc))
		aug.ServeHTTP(c.Writer, c.Request)
	}
}

// handleCallback はOAuthから戻ってきた利用者をバックエンドへ送る。
func (s *Server) handleCallback(c *gin.Context, reconciler *session.Reconciler) {
	redirect, err := reconciler.Callback(c.Query("state"))
	if err != nil {
		logging.Entry(c).WithField("error", err).Warn("OAuthのstateを復号できません")
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "Invalid callback state"})
		return
	}
	c.Redirect(http.StatusFound, redirect)
}

// returnPath はOAuthからの戻り先として保存するパスを返す。tokenクエリパラメータは含めない。
func returnPath(u *url.URL) string {
	r := *u
	if q := r.Query(); q.Has(middleware.TokenQueryParam) {
		q.Del(middleware.TokenQueryParam)
		r.RawQuery = q.Encode()
	}
	return r.RequestURI()
}

// abortAuth は認証の失敗をJSONで返す。
func (s *Server) abortAuth(c *gin.Context, d *registry.Descriptor, err error) {
	authErr := strategy.AsAuthError(err)

	entry := logging.Entry(c).WithFields(log.Fields{
		"service":  d.Name,
		"strategy": d.AuthStrategy,
		"status":   authErr.StatusCode,
	})
	if authErr.Cause != nil {
		entry = entry.WithField("error", authErr.Cause)
	}
	if authErr.StatusCode >= http.StatusInternalServerError && authErr.Code != strategy.CodeNotImplemented {
		entry.Errorf("認証に失敗しました: %s", authErr.Code)
	} else {
		entry.Warnf("認証に失敗しました: %s", authErr.Code)
	}

	c.AbortWithStatusJSON(authErr.StatusCode, gin.H{"error": authErr.Message})
}
