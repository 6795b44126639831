// Package authz はイベントを発生させる操作の認可を行うゲートを提供する。
//
// Bearerトークンから呼び出し元のユーザーIDとロールを復元する認証と、
// プロジェクト単位の権限付与（Grant）に基づく認可の2段階で判定する。
// 管理者・プロジェクトマネージャーといった上位ロールはプロジェクト単位の
// 付与を参照せずに許可され、それ以外はGrantに対象の権限が含まれる場合のみ許可される。
// Grantが存在しないことは「権限なし」と同義であり、判定は常に拒否側に倒れる。
//
// 認証失敗（ErrUnauthenticated）と認可失敗（ErrForbidden）は別のエラーとして扱い、
// 呼び出し側で401と403を区別できるようにする。
package authz
