package project

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/nao1215/projecthub/pkg/authz"
)

var (
	// ErrNotFound は対象のプロジェクト・タスク・成果物・メンバーが存在しないことを表す。
	ErrNotFound = errors.New("対象が見つかりません")
	// ErrConflict は既に同じ状態であることを表す。
	ErrConflict = errors.New("既に登録されています")
	// ErrInvalidInput は入力値が不正であることを表す。
	ErrInvalidInput = errors.New("入力が不正です")
	// ErrNotMember は指定されたユーザーがプロジェクトのメンバーでないことを表す。
	ErrNotMember = errors.New("プロジェクトのメンバーではありません")
)

// timeLayout は日時カラムの保存形式。
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

type projectRow struct {
	ID        string `db:"id"`
	Name      string `db:"name"`
	Status    string `db:"status"`
	CreatedBy string `db:"created_by"`
	CreatedAt string `db:"created_at"`
	UpdatedAt string `db:"updated_at"`
}

type taskRow struct {
	ID         string `db:"id"`
	ProjectID  string `db:"project_id"`
	Title      string `db:"title"`
	AssigneeID string `db:"assignee_id"`
	CreatedAt  string `db:"created_at"`
	UpdatedAt  string `db:"updated_at"`
}

func (r taskRow) toTask() Task {
	return Task{
		ID:         r.ID,
		ProjectID:  r.ProjectID,
		Title:      r.Title,
		AssigneeID: r.AssigneeID,
		CreatedAt:  parseTime(r.CreatedAt),
		UpdatedAt:  parseTime(r.UpdatedAt),
	}
}

type deliverableRow struct {
	ID        string `db:"id"`
	ProjectID string `db:"project_id"`
	Name      string `db:"name"`
	Phase     string `db:"phase"`
	CreatedAt string `db:"created_at"`
	UpdatedAt string `db:"updated_at"`
}

func (r deliverableRow) toDeliverable() Deliverable {
	return Deliverable{
		ID:        r.ID,
		ProjectID: r.ProjectID,
		Name:      r.Name,
		Phase:     Phase(r.Phase),
		CreatedAt: parseTime(r.CreatedAt),
		UpdatedAt: parseTime(r.UpdatedAt),
	}
}

// Store はプロジェクトと権限付与をSQLiteに保存するストア。
// authz.GrantStoreを満たす。
type Store struct {
	db  *sqlx.DB
	now func() time.Time
}

var _ authz.GrantStore = (*Store)(nil)

// OpenStore はdsnで示すSQLiteデータベースを開き、スキーマを適用する。
func OpenStore(ctx context.Context, dsn string, logger *slog.Logger) (*Store, error) {
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("データベースへの疎通確認に失敗: %w", err)
	}
	if err := initSchema(ctx, db, logger); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db, now: time.Now}, nil
}

// withTx はトランザクション内でfnを実行する。fnがエラーを返した場合はロールバックする。
func (s *Store) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクションの開始に失敗: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("トランザクションのコミットに失敗: %w", err)
	}
	return nil
}

func requireProject(ctx context.Context, tx *sqlx.Tx, projectID string) error {
	var exists int
	err := tx.GetContext(ctx, &exists, `SELECT 1 FROM projects WHERE id = ?`, projectID)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: プロジェクト %s", ErrNotFound, projectID)
	}
	if err != nil {
		return fmt.Errorf("プロジェクトの取得に失敗: %w", err)
	}
	return nil
}

func isMember(ctx context.Context, tx *sqlx.Tx, projectID, userID string) (bool, error) {
	var n int
	if err := tx.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM project_members WHERE project_id = ? AND user_id = ?`, projectID, userID); err != nil {
		return false, fmt.Errorf("メンバーの確認に失敗: %w", err)
	}
	return n > 0, nil
}

// CreateProject はプロジェクトを作成する。作成者とmembersはメンバーとして登録される。
func (s *Store) CreateProject(ctx context.Context, name, createdBy string, members []string) (Project, error) {
	name = strings.TrimSpace(name)
	if name == "" || createdBy == "" {
		return Project{}, fmt.Errorf("%w: プロジェクト名と作成者は必須です", ErrInvalidInput)
	}

	now := formatTime(s.now())
	p := projectRow{
		ID:        uuid.NewString(),
		Name:      name,
		Status:    string(StatusPlanning),
		CreatedBy: createdBy,
		CreatedAt: now,
		UpdatedAt: now,
	}

	seen := map[string]struct{}{}
	memberIDs := make([]string, 0, len(members)+1)
	for _, m := range append([]string{createdBy}, members...) {
		m = strings.TrimSpace(m)
		if _, ok := seen[m]; ok || m == "" {
			continue
		}
		seen[m] = struct{}{}
		memberIDs = append(memberIDs, m)
	}

	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.NamedExecContext(ctx, `
			INSERT INTO projects (id, name, status, created_by, created_at, updated_at)
			VALUES (:id, :name, :status, :created_by, :created_at, :updated_at)`, p); err != nil {
			return fmt.Errorf("プロジェクトの作成に失敗: %w", err)
		}
		for _, m := range memberIDs {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO project_members (project_id, user_id, added_at) VALUES (?, ?, ?)`, p.ID, m, now); err != nil {
				return fmt.Errorf("メンバーの登録に失敗: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return Project{}, err
	}

	return Project{
		ID:        p.ID,
		Name:      p.Name,
		Status:    StatusPlanning,
		CreatedBy: createdBy,
		Members:   memberIDs,
		CreatedAt: parseTime(now),
		UpdatedAt: parseTime(now),
	}, nil
}

// GetProject はプロジェクトをメンバー一覧とともに取得する。
func (s *Store) GetProject(ctx context.Context, projectID string) (Project, error) {
	var row projectRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, name, status, created_by, created_at, updated_at
		FROM projects WHERE id = ?`, projectID)
	if errors.Is(err, sql.ErrNoRows) {
		return Project{}, fmt.Errorf("%w: プロジェクト %s", ErrNotFound, projectID)
	}
	if err != nil {
		return Project{}, fmt.Errorf("プロジェクトの取得に失敗: %w", err)
	}

	members, err := s.Members(ctx, projectID)
	if err != nil {
		return Project{}, err
	}

	return Project{
		ID:        row.ID,
		Name:      row.Name,
		Status:    Status(row.Status),
		CreatedBy: row.CreatedBy,
		Members:   members,
		CreatedAt: parseTime(row.CreatedAt),
		UpdatedAt: parseTime(row.UpdatedAt),
	}, nil
}

// Members はプロジェクトのメンバーのユーザーIDを追加順に返す。
func (s *Store) Members(ctx context.Context, projectID string) ([]string, error) {
	members := []string{}
	if err := s.db.SelectContext(ctx, &members, `
		SELECT user_id FROM project_members
		WHERE project_id = ?
		ORDER BY added_at, user_id`, projectID); err != nil {
		return nil, fmt.Errorf("メンバー一覧の取得に失敗: %w", err)
	}
	return members, nil
}

// SetStatus はプロジェクトのステータスを変更し、変更前のステータスを返す。
func (s *Store) SetStatus(ctx context.Context, projectID string, status Status) (Status, error) {
	var previous string
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		err := tx.GetContext(ctx, &previous, `SELECT status FROM projects WHERE id = ?`, projectID)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: プロジェクト %s", ErrNotFound, projectID)
		}
		if err != nil {
			return fmt.Errorf("プロジェクトの取得に失敗: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE projects SET status = ?, updated_at = ? WHERE id = ?`,
			string(status), formatTime(s.now()), projectID); err != nil {
			return fmt.Errorf("ステータスの更新に失敗: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return Status(previous), nil
}

// AddMember はプロジェクトにメンバーを追加する。既にメンバーの場合はErrConflictを返す。
func (s *Store) AddMember(ctx context.Context, projectID, userID string) error {
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("%w: ユーザーIDは必須です", ErrInvalidInput)
	}
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		if err := requireProject(ctx, tx, projectID); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO project_members (project_id, user_id, added_at)
			VALUES (?, ?, ?)`, projectID, userID, formatTime(s.now()))
		if err != nil {
			return fmt.Errorf("メンバーの追加に失敗: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("更新件数の取得に失敗: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("%w: %s", ErrConflict, userID)
		}
		return nil
	})
}

// RemoveMember はプロジェクトからメンバーを削除し、そのメンバーへの権限付与も取り消す。
func (s *Store) RemoveMember(ctx context.Context, projectID, userID string) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM project_members WHERE project_id = ? AND user_id = ?`, projectID, userID)
		if err != nil {
			return fmt.Errorf("メンバーの削除に失敗: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("更新件数の取得に失敗: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("%w: メンバー %s", ErrNotFound, userID)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM project_grants WHERE project_id = ? AND user_id = ?`, projectID, userID); err != nil {
			return fmt.Errorf("権限付与の削除に失敗: %w", err)
		}
		return nil
	})
}

// Grant はユーザーにプロジェクト単位の権限を付与する。付与済みの場合は何もしない。
func (s *Store) Grant(ctx context.Context, projectID, userID string, capability authz.Capability) error {
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("%w: ユーザーIDは必須です", ErrInvalidInput)
	}
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		if err := requireProject(ctx, tx, projectID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO project_grants (project_id, user_id, capability, granted_at)
			VALUES (?, ?, ?, ?)`, projectID, userID, string(capability), formatTime(s.now())); err != nil {
			return fmt.Errorf("権限の付与に失敗: %w", err)
		}
		return nil
	})
}

// Revoke はユーザーからプロジェクト単位の権限を取り消す。
func (s *Store) Revoke(ctx context.Context, projectID, userID string, capability authz.Capability) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM project_grants WHERE project_id = ? AND user_id = ? AND capability = ?`,
		projectID, userID, string(capability))
	if err != nil {
		return fmt.Errorf("権限の取り消しに失敗: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("更新件数の取得に失敗: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: 権限付与 %s/%s", ErrNotFound, userID, capability)
	}
	return nil
}

// Capabilities は(projectID, userID)に付与された権限の一覧を返す。
// 付与が存在しない場合は空のスライスを返す。
func (s *Store) Capabilities(ctx context.Context, projectID, userID string) ([]authz.Capability, error) {
	var raw []string
	if err := s.db.SelectContext(ctx, &raw, `
		SELECT capability FROM project_grants
		WHERE project_id = ? AND user_id = ?
		ORDER BY capability`, projectID, userID); err != nil {
		return nil, fmt.Errorf("権限付与の取得に失敗: %w", err)
	}
	caps := make([]authz.Capability, 0, len(raw))
	for _, r := range raw {
		caps = append(caps, authz.Capability(r))
	}
	return caps, nil
}

// CreateTask はプロジェクトにタスクを作成する。
func (s *Store) CreateTask(ctx context.Context, projectID, title string) (Task, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return Task{}, fmt.Errorf("%w: タスク名は必須です", ErrInvalidInput)
	}

	now := formatTime(s.now())
	row := taskRow{ID: uuid.NewString(), ProjectID: projectID, Title: title, CreatedAt: now, UpdatedAt: now}
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		if err := requireProject(ctx, tx, projectID); err != nil {
			return err
		}
		if _, err := tx.NamedExecContext(ctx, `
			INSERT INTO tasks (id, project_id, title, assignee_id, created_at, updated_at)
			VALUES (:id, :project_id, :title, :assignee_id, :created_at, :updated_at)`, row); err != nil {
			return fmt.Errorf("タスクの作成に失敗: %w", err)
		}
		return nil
	})
	if err != nil {
		return Task{}, err
	}
	return row.toTask(), nil
}

// GetTask はプロジェクト内のタスクを取得する。
func (s *Store) GetTask(ctx context.Context, projectID, taskID string) (Task, error) {
	var row taskRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, project_id, title, assignee_id, created_at, updated_at
		FROM tasks WHERE id = ? AND project_id = ?`, taskID, projectID)
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, fmt.Errorf("%w: タスク %s", ErrNotFound, taskID)
	}
	if err != nil {
		return Task{}, fmt.Errorf("タスクの取得に失敗: %w", err)
	}
	return row.toTask(), nil
}

// AssignTask はタスクの担当者を変更し、変更後のタスクと変更前の担当者IDを返す。
// assigneeIDが空文字列の場合は担当者を外す。担当者はプロジェクトのメンバーである必要がある。
func (s *Store) AssignTask(ctx context.Context, projectID, taskID, assigneeID string) (Task, string, error) {
	assigneeID = strings.TrimSpace(assigneeID)

	var row taskRow
	var previous string
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		err := tx.GetContext(ctx, &row, `
			SELECT id, project_id, title, assignee_id, created_at, updated_at
			FROM tasks WHERE id = ? AND project_id = ?`, taskID, projectID)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: タスク %s", ErrNotFound, taskID)
		}
		if err != nil {
			return fmt.Errorf("タスクの取得に失敗: %w", err)
		}

		if assigneeID != "" {
			member, err := isMember(ctx, tx, projectID, assigneeID)
			if err != nil {
				return err
			}
			if !member {
				return fmt.Errorf("%w: %s", ErrNotMember, assigneeID)
			}
		}

		previous = row.AssigneeID
		row.AssigneeID = assigneeID
		row.UpdatedAt = formatTime(s.now())
		if _, err := tx.ExecContext(ctx,
			`UPDATE tasks SET assignee_id = ?, updated_at = ? WHERE id = ?`,
			row.AssigneeID, row.UpdatedAt, row.ID); err != nil {
			return fmt.Errorf("担当者の更新に失敗: %w", err)
		}
		return nil
	})
	if err != nil {
		return Task{}, "", err
	}
	return row.toTask(), previous, nil
}

// CreateDeliverable はプロジェクトに成果物を作成する。
func (s *Store) CreateDeliverable(ctx context.Context, projectID, name string) (Deliverable, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Deliverable{}, fmt.Errorf("%w: 成果物名は必須です", ErrInvalidInput)
	}

	now := formatTime(s.now())
	row := deliverableRow{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		Name:      name,
		Phase:     string(PhaseDraft),
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		if err := requireProject(ctx, tx, projectID); err != nil {
			return err
		}
		if _, err := tx.NamedExecContext(ctx, `
			INSERT INTO deliverables (id, project_id, name, phase, created_at, updated_at)
			VALUES (:id, :project_id, :name, :phase, :created_at, :updated_at)`, row); err != nil {
			return fmt.Errorf("成果物の作成に失敗: %w", err)
		}
		return nil
	})
	if err != nil {
		return Deliverable{}, err
	}
	return row.toDeliverable(), nil
}

// SetDeliverablePhase は成果物のフェーズを変更し、変更後の成果物と変更前のフェーズを返す。
func (s *Store) SetDeliverablePhase(ctx context.Context, projectID, deliverableID string, phase Phase) (Deliverable, Phase, error) {
	var row deliverableRow
	var previous Phase
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		err := tx.GetContext(ctx, &row, `
			SELECT id, project_id, name, phase, created_at, updated_at
			FROM deliverables WHERE id = ? AND project_id = ?`, deliverableID, projectID)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: 成果物 %s", ErrNotFound, deliverableID)
		}
		if err != nil {
			return fmt.Errorf("成果物の取得に失敗: %w", err)
		}

		previous = Phase(row.Phase)
		row.Phase = string(phase)
		row.UpdatedAt = formatTime(s.now())
		if _, err := tx.ExecContext(ctx,
			`UPDATE deliverables SET phase = ?, updated_at = ? WHERE id = ?`,
			row.Phase, row.UpdatedAt, row.ID); err != nil {
			return fmt.Errorf("フェーズの更新に失敗: %w", err)
		}
		return nil
	})
	if err != nil {
		return Deliverable{}, "", err
	}
	return row.toDeliverable(), previous, nil
}

// Ping はデータベースへの疎通を確認する。
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close はデータベース接続を閉じる。
func (s *Store) Close() error {
	return s.db.Close()
}
