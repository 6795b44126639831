// Package gateway はAPI Gatewayサービスの内部実装を提供する。
//
// 外部からアクセス可能な唯一のサービスとして、Bearerトークンを検証した上で
// プロジェクトサービスと通知サービスへリクエストを転送する。転送時には
// AuthorizationヘッダーとリクエストIDを引き継ぎ、下流のサービスでも同じトークンで
// 認証・認可が行われる。
//
// 開発用にユーザーIDとロールを指定してトークンを発行するエンドポイントを持つ。
// /health は下流サービスの /health を集約し、通知コンシューマーの致命的な停止を
// Gatewayからも観測できるようにする。
package gateway
