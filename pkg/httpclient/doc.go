// Package httpclient はサービス間のHTTP通信を行うクライアントを提供する。
//
// gatewayが各バックエンドサービスのヘルスチェックを集約する際などに使用する。
// リクエストIDをコンテキスト経由で伝播し、2xx以外の応答はStatusErrorとして返す。
package httpclient
