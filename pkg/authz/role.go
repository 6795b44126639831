package authz

import (
	"fmt"
	"strings"
)

// Role はプラットフォーム全体で有効なユーザーのロールを表す。
// 数値の大小比較は行わず、定義済みの値のみを扱う。
type Role string

const (
	// RoleAdmin はシステム管理者。
	RoleAdmin Role = "admin"
	// RoleProjectManager はプロジェクトマネージャー。
	RoleProjectManager Role = "project_manager"
	// RoleTeamMember はチームメンバー。
	RoleTeamMember Role = "team_member"
	// RoleClient は発注元のクライアント。
	RoleClient Role = "client"
)

// ParseRole は文字列をRoleに変換する。未知の値はエラーになる。
func ParseRole(raw string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(raw)))
	switch r {
	case RoleAdmin, RoleProjectManager, RoleTeamMember, RoleClient:
		return r, nil
	default:
		return "", fmt.Errorf("未知のロールです: %q", raw)
	}
}

// Elevated はプロジェクト単位の権限付与を参照せずに許可されるロールかどうかを返す。
func (r Role) Elevated() bool {
	switch r {
	case RoleAdmin, RoleProjectManager:
		return true
	default:
		return false
	}
}

// String はロールの文字列表現を返す。
func (r Role) String() string {
	return string(r)
}

// Capability はプロジェクト単位で付与される権限の名前を表す。
type Capability string

const (
	// CapabilityAssignTask はタスクの担当者を変更する権限。
	CapabilityAssignTask Capability = "assign_task"
	// CapabilityChangeProjectStatus はプロジェクトのステータスを変更する権限。
	CapabilityChangeProjectStatus Capability = "change_project_status"
	// CapabilityChangeDeliverablePhase は成果物のフェーズを変更する権限。
	CapabilityChangeDeliverablePhase Capability = "change_deliverable_phase"
	// CapabilityManageMembers はプロジェクトのメンバーと権限付与を管理する権限。
	CapabilityManageMembers Capability = "manage_members"
)

// ParseCapability は文字列をCapabilityに変換する。未知の値はエラーになる。
func ParseCapability(raw string) (Capability, error) {
	c := Capability(strings.TrimSpace(raw))
	switch c {
	case CapabilityAssignTask, CapabilityChangeProjectStatus, CapabilityChangeDeliverablePhase, CapabilityManageMembers:
		return c, nil
	default:
		return "", fmt.Errorf("未知の権限です: %q", raw)
	}
}
