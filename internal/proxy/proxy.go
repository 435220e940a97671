// Package proxy は認証済みのリクエストをバックエンドへ転送する。
//
// 転送そのものはnet/http/httputil.ReverseProxyに任せ、このパッケージは
// マウント接頭辞の除去、パス書き換え、トークンの除去、身元ヘッダーの付与、
// 稼働状態の記録、転送失敗時の502応答を担う。
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/nao1215/authgate/internal/identity"
	"github.com/nao1215/authgate/internal/registry"
	"github.com/nao1215/authgate/internal/strategy"
	"github.com/nao1215/authgate/pkg/middleware"
)

// DefaultTimeout は転送の既定タイムアウト。
const DefaultTimeout = 30 * time.Second

// ErrInvalidTargetConfiguration は転送先の設定が不正でサービスをマウントできないことを表す。
var ErrInvalidTargetConfiguration = errors.New("転送先の設定が不正です")

// identityHeaders はクライアントから送られてきても必ず取り除く身元ヘッダー。
var identityHeaders = []string{
	strategy.HeaderUserEmail,
	strategy.HeaderUserName,
	strategy.HeaderUserID,
	strategy.HeaderForwardedAuth,
	strategy.HeaderOutlineAuth,
	middleware.HeaderAssertion,
}

// Context は1リクエスト分の転送情報。リクエストのcontextに載せて運ぶ。
type Context struct {
	Identity *identity.Identity
	Headers  strategy.Headers
	Start    time.Time
	Service  string
}

type contextKey struct{}

// WithContext はpcを載せたcontextを返す。
func WithContext(ctx context.Context, pc *Context) context.Context {
	return context.WithValue(ctx, contextKey{}, pc)
}

// FromContext はcontextに載っている転送情報を返す。
func FromContext(ctx context.Context) (*Context, bool) {
	pc, ok := ctx.Value(contextKey{}).(*Context)
	return pc, ok && pc != nil
}

// StatusRecorder はサービスの稼働状態の記録先。
type StatusRecorder interface {
	RecordStatus(registry.Status)
}

// Options はAugmenterの生成オプション。
type Options struct {
	// Timeout は接続と応答ヘッダー受信それぞれの上限。0以下ならDefaultTimeout。
	Timeout time.Duration
	// Logger はログ出力先。nilなら標準ロガー。
	Logger log.FieldLogger
	// Transport は転送に使うRoundTripper。nilならTimeoutを設定したTransportを生成する。
	Transport http.RoundTripper
}

// Augmenter は1つのサービスへの転送を担う。
type Augmenter struct {
	service  *registry.Descriptor
	target   *url.URL
	recorder StatusRecorder
	logger   log.FieldLogger
	proxy    *httputil.ReverseProxy
	now      func() time.Time
}

// New は新しいAugmenterを生成する。
// 転送先URLが不正な場合はErrInvalidTargetConfigurationを返す。
func New(recorder StatusRecorder, service *registry.Descriptor, opts Options) (*Augmenter, error) {
	target, err := url.Parse(service.Target)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalidTargetConfiguration, service.Name, err)
	}
	if (target.Scheme != "http" && target.Scheme != "https") || target.Host == "" {
		return nil, fmt.Errorf("%w: %s: %q", ErrInvalidTargetConfiguration, service.Name, service.Target)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.StandardLogger()
	}
	transport := opts.Transport
	if transport == nil {
		transport = newTransport(timeout)
	}

	a := &Augmenter{
		service:  service,
		target:   target,
		recorder: recorder,
		logger:   logger.WithField("service", service.Name),
		now:      time.Now,
	}
	a.proxy = &httputil.ReverseProxy{
		Rewrite:        a.rewrite,
		Transport:      transport,
		ModifyResponse: a.modifyResponse,
		ErrorHandler:   a.handleError,
	}
	return a, nil
}

// newTransport は接続と応答ヘッダー受信に上限を設けたTransportを生成する。
func newTransport(timeout time.Duration) *http.Transport {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.DialContext = (&net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}).DialContext
	t.ResponseHeaderTimeout = timeout
	t.TLSHandshakeTimeout = timeout
	return t
}

// ServeHTTP はhttp.Handlerインターフェースを実装する。
// サービスのルートパスへのリクエストは転送せず公開URLへリダイレクトする。
func (a *Augmenter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if a.isRoot(r.URL.Path) {
		http.Redirect(w, r, a.service.PublicURL, http.StatusFound)
		return
	}

	// ReverseProxyはDoneの無いcontextだとCloseNotifierに頼るため、常にキャンセル可能なcontextを渡す。
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	if _, ok := FromContext(ctx); !ok {
		ctx = WithContext(ctx, &Context{Start: a.now(), Service: a.service.Name})
	}
	ctx = context.WithValue(ctx, responseHeaderKey{}, w.Header())
	a.proxy.ServeHTTP(w, r.WithContext(ctx))
}

// responseHeaderKey はクライアントへの応答ヘッダーをcontextに載せるキー。
type responseHeaderKey struct{}

func (a *Augmenter) isRoot(path string) bool {
	mount := "/" + a.service.Name
	return path == mount || path == mount+"/"
}

// StripPath はマウント接頭辞を除去し、書き換え規則を順に適用したパスを返す。
// エスケープ済みのパスを渡した場合はエスケープを保ったまま返す。
func (a *Augmenter) StripPath(path string) string {
	stripped := strings.TrimPrefix(path, "/"+a.service.Name)
	if stripped == "" || stripped[0] != '/' {
		stripped = "/" + stripped
	}
	for _, rw := range a.service.Rewrites {
		stripped = rw.Pattern.ReplaceAllString(stripped, rw.Replacement)
	}
	return stripped
}

// rewrite は転送するリクエストを組み立てる。
// 戦略のヘッダーを付与した後で固定ヘッダーを付与するため、衝突した場合は固定ヘッダーが優先される。
func (a *Augmenter) rewrite(pr *httputil.ProxyRequest) {
	escaped := a.StripPath(pr.In.URL.EscapedPath())
	if path, err := url.PathUnescape(escaped); err == nil {
		pr.Out.URL.Path = path
		pr.Out.URL.RawPath = escaped
	} else {
		pr.Out.URL.Path = a.StripPath(pr.In.URL.Path)
		pr.Out.URL.RawPath = ""
	}

	if q := pr.Out.URL.Query(); q.Has(middleware.TokenQueryParam) {
		q.Del(middleware.TokenQueryParam)
		pr.Out.URL.RawQuery = q.Encode()
	}

	pr.SetURL(a.target)
	pr.SetXForwarded()
	if !a.service.ChangeOrigin {
		pr.Out.Host = pr.In.Host
	}

	for _, key := range identityHeaders {
		pr.Out.Header.Del(key)
	}
	if pc, ok := FromContext(pr.In.Context()); ok {
		for k, v := range pc.Headers.All() {
			pr.Out.Header.Set(k, v)
		}
	}
	for k, v := range a.service.Headers {
		pr.Out.Header.Set(k, v)
	}
}

// modifyResponse はバックエンドの応答を稼働状態として記録する。
// バックエンドが返したヘッダーは、ゲートウェイが先に設定した同名のヘッダーを置き換える。
// クライアントが既に切断している場合は記録しない。
func (a *Augmenter) modifyResponse(resp *http.Response) error {
	if resp.Request != nil {
		if h, ok := resp.Request.Context().Value(responseHeaderKey{}).(http.Header); ok {
			for k := range resp.Header {
				h.Del(k)
			}
		}
	}
	if resp.Request != nil && resp.Request.Context().Err() != nil {
		return nil
	}

	status := registry.Status{
		Name:      a.service.Name,
		Healthy:   resp.StatusCode < http.StatusInternalServerError,
		LastCheck: a.now(),
	}
	if resp.Request != nil {
		if pc, ok := FromContext(resp.Request.Context()); ok && !pc.Start.IsZero() {
			elapsed := status.LastCheck.Sub(pc.Start)
			status.ResponseTime = &elapsed
		}
	}
	a.recorder.RecordStatus(status)
	return nil
}

// handleError は転送の失敗を502として返す。
// クライアントが既に切断している場合は何も記録せず応答もしない。
func (a *Augmenter) handleError(w http.ResponseWriter, r *http.Request, err error) {
	if r.Context().Err() != nil {
		a.logger.WithField("error", err).Debug("クライアントが切断したため転送を中止しました")
		return
	}

	a.logger.WithField("error", err).Error("バックエンドへの転送に失敗しました")
	a.recorder.RecordStatus(registry.Status{
		Name:      a.service.Name,
		Healthy:   false,
		LastCheck: a.now(),
		Error:     err.Error(),
	})

	if gw, ok := w.(interface{ Written() bool }); ok && gw.Written() {
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusBadGateway)
	json.NewEncoder(w).Encode(map[string]string{ //nolint:errcheck
		"error":   "Bad Gateway",
		"service": a.service.Name,
		"message": err.Error(),
	})
}
