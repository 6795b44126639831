package project

import (
	"fmt"
	"strings"
	"time"
)

// Status はプロジェクトのステータス。
type Status string

const (
	// StatusPlanning は計画中。
	StatusPlanning Status = "planning"
	// StatusInProgress は進行中。
	StatusInProgress Status = "in_progress"
	// StatusOnHold は保留中。
	StatusOnHold Status = "on_hold"
	// StatusCompleted は完了。
	StatusCompleted Status = "completed"
	// StatusCancelled は中止。
	StatusCancelled Status = "cancelled"
)

// ParseStatus は文字列をStatusに変換する。
func ParseStatus(raw string) (Status, error) {
	s := Status(strings.ToLower(strings.TrimSpace(raw)))
	switch s {
	case StatusPlanning, StatusInProgress, StatusOnHold, StatusCompleted, StatusCancelled:
		return s, nil
	default:
		return "", fmt.Errorf("%w: 未知のステータスです: %q", ErrInvalidInput, raw)
	}
}

// Label は通知メッセージに使う表示名を返す。
func (s Status) Label() string {
	switch s {
	case StatusPlanning:
		return "計画中"
	case StatusInProgress:
		return "進行中"
	case StatusOnHold:
		return "保留中"
	case StatusCompleted:
		return "完了"
	case StatusCancelled:
		return "中止"
	default:
		return string(s)
	}
}

// Phase は成果物のフェーズ。
type Phase string

const (
	// PhaseDraft は作成中。
	PhaseDraft Phase = "draft"
	// PhaseReview はレビュー中。
	PhaseReview Phase = "review"
	// PhaseApproved は承認済み。
	PhaseApproved Phase = "approved"
	// PhaseDelivered は納品済み。
	PhaseDelivered Phase = "delivered"
)

// ParsePhase は文字列をPhaseに変換する。
func ParsePhase(raw string) (Phase, error) {
	p := Phase(strings.ToLower(strings.TrimSpace(raw)))
	switch p {
	case PhaseDraft, PhaseReview, PhaseApproved, PhaseDelivered:
		return p, nil
	default:
		return "", fmt.Errorf("%w: 未知のフェーズです: %q", ErrInvalidInput, raw)
	}
}

// Label は通知メッセージに使う表示名を返す。
func (p Phase) Label() string {
	switch p {
	case PhaseDraft:
		return "作成中"
	case PhaseReview:
		return "レビュー中"
	case PhaseApproved:
		return "承認済み"
	case PhaseDelivered:
		return "納品済み"
	default:
		return string(p)
	}
}

// Project はプロジェクトを表す。
type Project struct {
	// ID はプロジェクトの一意識別子。
	ID string
	// Name はプロジェクト名。
	Name string
	// Status は現在のステータス。
	Status Status
	// CreatedBy はプロジェクトを作成したユーザーのID。
	CreatedBy string
	// Members はメンバーのユーザーID一覧。
	Members []string
	// CreatedAt は作成日時。
	CreatedAt time.Time
	// UpdatedAt は更新日時。
	UpdatedAt time.Time
}

// Task はタスクを表す。
type Task struct {
	// ID はタスクの一意識別子。
	ID string
	// ProjectID は所属するプロジェクトのID。
	ProjectID string
	// Title はタスク名。
	Title string
	// AssigneeID は担当者のユーザーID。未割り当ての場合は空文字列。
	AssigneeID string
	// CreatedAt は作成日時。
	CreatedAt time.Time
	// UpdatedAt は更新日時。
	UpdatedAt time.Time
}

// Deliverable は成果物を表す。
type Deliverable struct {
	// ID は成果物の一意識別子。
	ID string
	// ProjectID は所属するプロジェクトのID。
	ProjectID string
	// Name は成果物名。
	Name string
	// Phase は現在のフェーズ。
	Phase Phase
	// CreatedAt は作成日時。
	CreatedAt time.Time
	// UpdatedAt は更新日時。
	UpdatedAt time.Time
}
