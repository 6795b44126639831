// Package project はプロジェクトサービスの内部実装を提供する。
//
// プロジェクト・タスク・成果物・メンバーと、プロジェクト単位の権限付与（Grant）を管理する。
// 通知の発生源となる変更操作（担当者の割り当て、ステータス変更、フェーズ変更、
// メンバーの追加と削除）は書き込みの前に認可ゲートで判定し、書き込みが
// コミットされた後にイベントをブローカーへ発行する。発行の失敗はログに記録するのみで、
// 変更操作そのものの結果には影響しない。
//
// Storeはauthz.GrantStoreを満たし、認可ゲートの権限付与の参照先として使われる。
package project
