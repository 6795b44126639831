// Package notification は通知サービスの内部実装を提供する。
//
// ブローカーのトピックを購読するConsumerが通知イベントを受け取り、
// 受信者ごとの通知としてStoreに永続化する。配送は少なくとも1回（at-least-once）であり、
// 永続化に成功したメッセージだけオフセットをコミットする。永続化に失敗した
// メッセージはコミットせずに同じものを再試行し、デシリアライズできないメッセージは
// ログに記録して破棄カウンターを増やした上でコミットする。
//
// 保存済みの通知は認証済みユーザー本人に対してHTTP APIで一覧・既読管理を提供する。
// /health はコンシューマーが致命的なエラーで停止した場合に503を返す。
package notification
