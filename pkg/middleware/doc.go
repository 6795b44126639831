// Package middleware はGinベースのHTTP APIで使用する共通ミドルウェアを提供する。
//
// Bearerトークンによる認証、プロジェクト単位の権限チェック、リクエストID付与、
// パニックリカバリ、CORS設定など、全サービスで共通して使用するミドルウェアを含む。
// 認証失敗は401、権限不足は403、権限の確認自体に失敗した場合は503を返す。
package middleware
