// Package httpclient は外部サービスへのJSON APIを呼び出すHTTPクライアントを提供する。
//
// ゲートウェイがIDプロバイダーにトークンを照会する際に使用する。
// すべての呼び出しにタイムアウトを設定し、2xx以外の応答はStatusErrorとして返す。
package httpclient
