package event

import (
	"time"
)

// CurrentSchemaVersion はこのパッケージが生成・解釈できるエンベロープのスキーマバージョン。
// バージョンが省略されたペイロードは1として扱う。
const CurrentSchemaVersion = 1

// Type はイベントの種類を表す。
// ドット区切りで「対象エンティティ.発生した事象」を表現する。
type Type string

const (
	// TypeTaskAssigned はタスクの担当者に割り当てられたことを表す。
	TypeTaskAssigned Type = "task.assigned"
	// TypeTaskUnassigned はタスクの担当から外されたことを表す。
	TypeTaskUnassigned Type = "task.unassigned"
	// TypeProjectStatusChanged はプロジェクトのステータスが変更されたことを表す。
	TypeProjectStatusChanged Type = "project.status_changed"
	// TypeDeliverablePhaseChanged は成果物のフェーズが変更されたことを表す。
	TypeDeliverablePhaseChanged Type = "deliverable.phase_changed"
	// TypeProjectMemberAdded はプロジェクトのメンバーに追加されたことを表す。
	TypeProjectMemberAdded Type = "project.member_added"
	// TypeProjectMemberRemoved はプロジェクトのメンバーから外されたことを表す。
	TypeProjectMemberRemoved Type = "project.member_removed"
)

// knownTypes は受け付けるイベント種別の集合。
var knownTypes = map[Type]struct{}{
	TypeTaskAssigned:            {},
	TypeTaskUnassigned:          {},
	TypeProjectStatusChanged:    {},
	TypeDeliverablePhaseChanged: {},
	TypeProjectMemberAdded:      {},
	TypeProjectMemberRemoved:    {},
}

// Valid はイベント種別が既知のものかどうかを返す。
func (t Type) Valid() bool {
	_, ok := knownTypes[t]
	return ok
}

// String はイベント種別の文字列表現を返す。
func (t Type) String() string {
	return string(t)
}

// Envelope はサービス間で受け渡される通知イベントのワイヤ形式を表す。
// 一度発行されたエンベロープは変更しない。外部のスキーマレジストリを前提とせず、
// フラットで自己記述的なJSONとしてブローカーのトピックに書き込まれる。
type Envelope struct {
	// EventID はプロデューサーが採番するイベントの一意識別子（UUID）。
	// 追跡用であり、コンシューマーは必須としない。
	EventID string `json:"eventId,omitempty"`
	// SchemaVersion はエンベロープのスキーマバージョン。
	SchemaVersion int `json:"schemaVersion,omitempty"`
	// EventType はイベントの種類。
	EventType Type `json:"eventType"`
	// SubjectUserID は通知の宛先となるユーザーのID。
	SubjectUserID string `json:"subjectUserId"`
	// ContextID は関連するビジネスエンティティ（プロジェクト、成果物、タスク）の識別子。
	// 不透明な文字列であり、コンシューマーは参照整合性を検証しない。
	ContextID string `json:"contextId"`
	// Message はプロデューサーが整形済みの通知本文。
	Message string `json:"message"`
	// OccurredAt はプロデューサーが付与した事象の発生日時。保存日時とは別物。
	OccurredAt time.Time `json:"occurredAt"`
}
