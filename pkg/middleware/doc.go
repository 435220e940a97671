// Package middleware はGinベースのHTTP APIで使用する共通ミドルウェアと認証補助を提供する。
//
// バックエンドへ渡す署名付きアサーショントークンの発行と検証、
// リクエストからの認証情報の抽出、パニックリカバリ、CORS設定を含む。
package middleware
