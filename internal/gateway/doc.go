// Package gateway は認証ゲートウェイのHTTPサーバーを提供する。
//
// 外部からアクセス可能な唯一の入口であり、セキュリティの境界線として機能する。
// /<サービス名> 配下のリクエストを認証戦略で認証し、必要ならバックエンドの
// セッションを照合してOAuthへ送り出し、身元ヘッダーを付与してバックエンドへ転送する。
package gateway
