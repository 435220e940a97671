// Package strategy はサービスごとの認証戦略を提供する。
//
// 戦略はリクエストの資格情報から利用者を特定し（Authenticate）、
// 転送先のバックエンドが信頼する身元ヘッダーを組み立てる（Headers）。
// 戦略はステートレスなシングルトンとしてレジストリに登録され、
// サービス定義の戦略名で選択される。
package strategy

import (
	"context"
	"iter"
	"strings"

	"github.com/nao1215/authgate/internal/identity"
)

// 戦略名。
const (
	NameHeader = "header"
	NameOAuth  = "oauth"
	NameJWT    = "jwt"
)

// Strategy は認証戦略。
type Strategy interface {
	// Name はレジストリに登録する戦略名を返す。
	Name() string
	// Authenticate はリクエストの資格情報から利用者を特定する。
	// 失敗時は*AuthErrorを返す。
	Authenticate(ctx context.Context, req Request) (*identity.Identity, error)
	// Headers は転送先に付与する身元ヘッダーを返す。
	Headers(id *identity.Identity, target Target) (Headers, error)
}

// Request は認証対象のリクエスト。
type Request struct {
	// Token はリクエストから取り出した不透明なベアラートークン。
	Token string
	// Service は転送先のサービス名。
	Service string
}

// Target はヘッダーの送り先となるバックエンド。
type Target struct {
	// Service はサービス名。
	Service string
	// SignedAssertion はバックエンドが署名付きアサーションを要求するかどうか。
	SignedAssertion bool
}

// Header はヘッダーの1項目。
type Header struct {
	Key   string
	Value string
}

// Headers は順序付きで変更不可のヘッダー列。
type Headers struct {
	list []Header
}

// NewHeaders はhsを複製してHeadersを生成する。
func NewHeaders(hs ...Header) Headers {
	return Headers{list: append([]Header(nil), hs...)}
}

// All は登録順にキーと値を返すイテレータを返す。
func (h Headers) All() iter.Seq2[string, string] {
	return func(yield func(string, string) bool) {
		for _, e := range h.list {
			if !yield(e.Key, e.Value) {
				return
			}
		}
	}
}

// Get はkeyに一致する最初の値を返す。キーの大文字小文字は区別しない。
func (h Headers) Get(key string) (string, bool) {
	for _, e := range h.list {
		if strings.EqualFold(e.Key, key) {
			return e.Value, true
		}
	}
	return "", false
}

// Len は項目数を返す。
func (h Headers) Len() int {
	return len(h.list)
}
