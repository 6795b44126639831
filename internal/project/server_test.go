package project

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/segmentio/kafka-go"

	"github.com/nao1215/projecthub/pkg/authz"
	"github.com/nao1215/projecthub/pkg/broker"
	"github.com/nao1215/projecthub/pkg/event"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testSecret はテスト用のトークン署名鍵。
const testSecret = "project-test-secret"

// publisherStub は発行されたイベントを記録するPublisher。
type publisherStub struct {
	mu   sync.Mutex
	envs []event.Envelope
	err  error
}

func (p *publisherStub) Publish(_ context.Context, env event.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.envs = append(p.envs, env)
	return nil
}

func (p *publisherStub) published() []event.Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.envs)
}

// fixture はテスト用のサーバーと初期データ。
// pm-1（プロジェクトマネージャー）が作成したプロジェクトにuser-bとuser-cが所属し、
// 担当者のいないタスクと作成中の成果物が1つずつある。
type fixture struct {
	store       *Store
	handler     http.Handler
	publisher   *publisherStub
	project     Project
	task        Task
	deliverable Deliverable
}

func newFixture(t *testing.T, publisher Publisher) *fixture {
	t.Helper()
	store := newTestStore(t)
	gate := authz.NewGate(testSecret, store, discardLogger())

	stub, _ := publisher.(*publisherStub)
	s := NewServer("0", gate, store, publisher, discardLogger())

	ctx := context.Background()
	p := mustCreateProject(t, store, "pm-1", "user-b", "user-c")
	task, err := store.CreateTask(ctx, p.ID, "設計レビュー")
	if err != nil {
		t.Fatalf("CreateTask()でエラーが発生: %v", err)
	}
	d, err := store.CreateDeliverable(ctx, p.ID, "要件定義書")
	if err != nil {
		t.Fatalf("CreateDeliverable()でエラーが発生: %v", err)
	}

	return &fixture{store: store, handler: s.Handler(), publisher: stub, project: p, task: task, deliverable: d}
}

func token(t *testing.T, userID string, role authz.Role) string {
	t.Helper()
	tok, err := authz.IssueToken(testSecret, userID, role, time.Hour)
	if err != nil {
		t.Fatalf("IssueToken()でエラーが発生: %v", err)
	}
	return tok
}

func (f *fixture) do(t *testing.T, method, path, tok string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("リクエストボディのエンコードに失敗: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)
	return w
}

func (f *fixture) assigneePath() string {
	return "/api/v1/projects/" + f.project.ID + "/tasks/" + f.task.ID + "/assignee"
}

func (f *fixture) currentAssignee(t *testing.T) string {
	t.Helper()
	task, err := f.store.GetTask(context.Background(), f.project.ID, f.task.ID)
	if err != nil {
		t.Fatalf("GetTask()でエラーが発生: %v", err)
	}
	return task.AssigneeID
}

func recipients(envs []event.Envelope) []string {
	out := make([]string, 0, len(envs))
	for _, e := range envs {
		out = append(out, e.SubjectUserID)
	}
	slices.Sort(out)
	return out
}

// TestAssignTask はタスクの担当者変更と、それに伴う認可・イベント発行を検証する。
func TestAssignTask(t *testing.T) {
	t.Parallel()

	t.Run("権限付与の無いチームメンバーは403となり変更もイベントも発生しないこと", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t, &publisherStub{})
		w := f.do(t, http.MethodPut, f.assigneePath(), token(t, "user-b", authz.RoleTeamMember), gin.H{"assignee_id": "user-c"})

		if w.Code != http.StatusForbidden {
			t.Fatalf("ステータスコード = %d, want %d: %s", w.Code, http.StatusForbidden, w.Body.String())
		}
		if got := f.currentAssignee(t); got != "" {
			t.Errorf("担当者 = %q, 変更されてはいけない", got)
		}
		if envs := f.publisher.published(); len(envs) != 0 {
			t.Errorf("イベントが発行された: %+v", envs)
		}
	})

	t.Run("プロジェクトマネージャーが割り当てると担当者宛てのtask.assignedが発行されること", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t, &publisherStub{})
		w := f.do(t, http.MethodPut, f.assigneePath(), token(t, "pm-1", authz.RoleProjectManager), gin.H{"assignee_id": "user-c"})

		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード = %d, want %d: %s", w.Code, http.StatusOK, w.Body.String())
		}
		if got := f.currentAssignee(t); got != "user-c" {
			t.Errorf("担当者 = %q, want user-c", got)
		}
		envs := f.publisher.published()
		if len(envs) != 1 {
			t.Fatalf("発行件数 = %d, want 1", len(envs))
		}
		env := envs[0]
		if env.EventType != event.TypeTaskAssigned || env.SubjectUserID != "user-c" || env.ContextID != f.task.ID {
			t.Errorf("env = %+v", env)
		}
		if env.EventID == "" || env.OccurredAt.IsZero() || env.Message == "" {
			t.Errorf("必須項目が欠けている: %+v", env)
		}
	})

	t.Run("権限を付与されたチームメンバーは割り当てできること", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t, &publisherStub{})
		if err := f.store.Grant(context.Background(), f.project.ID, "user-b", authz.CapabilityAssignTask); err != nil {
			t.Fatalf("Grant()でエラーが発生: %v", err)
		}
		w := f.do(t, http.MethodPut, f.assigneePath(), token(t, "user-b", authz.RoleTeamMember), gin.H{"assignee_id": "user-c"})
		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード = %d, want %d: %s", w.Code, http.StatusOK, w.Body.String())
		}
		if len(f.publisher.published()) != 1 {
			t.Errorf("発行件数 = %d, want 1", len(f.publisher.published()))
		}
	})

	t.Run("別の権限しか持たないチームメンバーは403となること", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t, &publisherStub{})
		if err := f.store.Grant(context.Background(), f.project.ID, "user-b", authz.CapabilityChangeDeliverablePhase); err != nil {
			t.Fatalf("Grant()でエラーが発生: %v", err)
		}
		w := f.do(t, http.MethodPut, f.assigneePath(), token(t, "user-b", authz.RoleTeamMember), gin.H{"assignee_id": "user-c"})
		if w.Code != http.StatusForbidden {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusForbidden)
		}
	})

	t.Run("担当者の付け替えで新旧の担当者にそれぞれ通知されること", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t, &publisherStub{})
		pm := token(t, "pm-1", authz.RoleProjectManager)
		f.do(t, http.MethodPut, f.assigneePath(), pm, gin.H{"assignee_id": "user-b"})
		w := f.do(t, http.MethodPut, f.assigneePath(), pm, gin.H{"assignee_id": "user-c"})
		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
		}

		envs := f.publisher.published()
		if len(envs) != 3 {
			t.Fatalf("発行件数 = %d, want 3", len(envs))
		}
		if envs[1].EventType != event.TypeTaskAssigned || envs[1].SubjectUserID != "user-c" {
			t.Errorf("envs[1] = %+v", envs[1])
		}
		if envs[2].EventType != event.TypeTaskUnassigned || envs[2].SubjectUserID != "user-b" {
			t.Errorf("envs[2] = %+v", envs[2])
		}
	})

	t.Run("同じ担当者への再割り当てではイベントが発行されないこと", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t, &publisherStub{})
		pm := token(t, "pm-1", authz.RoleProjectManager)
		f.do(t, http.MethodPut, f.assigneePath(), pm, gin.H{"assignee_id": "user-c"})
		f.do(t, http.MethodPut, f.assigneePath(), pm, gin.H{"assignee_id": "user-c"})

		if n := len(f.publisher.published()); n != 1 {
			t.Errorf("発行件数 = %d, want 1", n)
		}
	})

	t.Run("不正なトークンでは401となり変更もイベントも発生しないこと", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t, &publisherStub{})
		forged, err := authz.IssueToken("wrong-secret", "pm-1", authz.RoleAdmin, time.Hour)
		if err != nil {
			t.Fatalf("IssueToken()でエラーが発生: %v", err)
		}
		for _, tok := range []string{"", "not-a-token", forged} {
			w := f.do(t, http.MethodPut, f.assigneePath(), tok, gin.H{"assignee_id": "user-c"})
			if w.Code != http.StatusUnauthorized {
				t.Errorf("token=%q: ステータスコード = %d, want %d", tok, w.Code, http.StatusUnauthorized)
			}
		}
		if got := f.currentAssignee(t); got != "" {
			t.Errorf("担当者 = %q, 変更されてはいけない", got)
		}
		if envs := f.publisher.published(); len(envs) != 0 {
			t.Errorf("イベントが発行された: %+v", envs)
		}
	})

	t.Run("書き込みに失敗した場合はイベントが発行されないこと", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t, &publisherStub{})
		pm := token(t, "pm-1", authz.RoleProjectManager)

		w := f.do(t, http.MethodPut, f.assigneePath(), pm, gin.H{"assignee_id": "outsider"})
		if w.Code != http.StatusBadRequest {
			t.Errorf("メンバー外: ステータスコード = %d, want %d", w.Code, http.StatusBadRequest)
		}
		w = f.do(t, http.MethodPut, "/api/v1/projects/"+f.project.ID+"/tasks/missing/assignee", pm, gin.H{"assignee_id": "user-c"})
		if w.Code != http.StatusNotFound {
			t.Errorf("存在しないタスク: ステータスコード = %d, want %d", w.Code, http.StatusNotFound)
		}

		_ = f.store.Close()
		w = f.do(t, http.MethodPut, f.assigneePath(), pm, gin.H{"assignee_id": "user-c"})
		if w.Code != http.StatusInternalServerError {
			t.Errorf("ストア停止: ステータスコード = %d, want %d", w.Code, http.StatusInternalServerError)
		}

		if envs := f.publisher.published(); len(envs) != 0 {
			t.Errorf("イベントが発行された: %+v", envs)
		}
	})

	t.Run("権限付与の取得に失敗した場合は503となること", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t, &publisherStub{})
		_ = f.store.Close()

		w := f.do(t, http.MethodPut, f.assigneePath(), token(t, "user-b", authz.RoleTeamMember), gin.H{"assignee_id": "user-c"})
		if w.Code != http.StatusServiceUnavailable {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusServiceUnavailable)
		}
		if envs := f.publisher.published(); len(envs) != 0 {
			t.Errorf("イベントが発行された: %+v", envs)
		}
	})

	t.Run("イベントの発行に失敗しても変更は成功として返ること", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t, &publisherStub{err: broker.ErrPublishFailed})
		w := f.do(t, http.MethodPut, f.assigneePath(), token(t, "pm-1", authz.RoleProjectManager), gin.H{"assignee_id": "user-c"})

		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
		}
		if got := f.currentAssignee(t); got != "user-c" {
			t.Errorf("担当者 = %q, want user-c", got)
		}
	})
}

// writerStub はProducerの書き込み先を記録するMessageWriter。
type writerStub struct {
	mu   sync.Mutex
	msgs []kafka.Message
}

func (w *writerStub) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *writerStub) Close() error { return nil }

// TestAssignTaskThroughProducer はProducerを経由した場合のメッセージのキーと本文を検証する。
func TestAssignTaskThroughProducer(t *testing.T) {
	t.Parallel()

	writer := &writerStub{}
	f := newFixture(t, broker.NewProducer(writer, discardLogger()))

	w := f.do(t, http.MethodPut, f.assigneePath(), token(t, "pm-1", authz.RoleProjectManager), gin.H{"assignee_id": "user-c"})
	if w.Code != http.StatusOK {
		t.Fatalf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
	}

	writer.mu.Lock()
	defer writer.mu.Unlock()
	if len(writer.msgs) != 1 {
		t.Fatalf("書き込み件数 = %d, want 1", len(writer.msgs))
	}
	msg := writer.msgs[0]
	if string(msg.Key) != "user-c" {
		t.Errorf("キー = %q, want user-c（宛先ユーザーごとに順序を保つ）", msg.Key)
	}
	env, err := event.Decode(msg.Value)
	if err != nil {
		t.Fatalf("Decode()でエラーが発生: %v", err)
	}
	if env.EventType != event.TypeTaskAssigned || env.SubjectUserID != "user-c" || env.ContextID != f.task.ID {
		t.Errorf("env = %+v", env)
	}
}

// TestChangeStatus はステータス変更の通知先を検証する。
func TestChangeStatus(t *testing.T) {
	t.Parallel()

	t.Run("操作者以外のメンバー全員に通知されること", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t, &publisherStub{})
		w := f.do(t, http.MethodPut, "/api/v1/projects/"+f.project.ID+"/status",
			token(t, "pm-1", authz.RoleProjectManager), gin.H{"status": "in_progress"})
		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード = %d, want %d: %s", w.Code, http.StatusOK, w.Body.String())
		}

		envs := f.publisher.published()
		if got := recipients(envs); !slices.Equal(got, []string{"user-b", "user-c"}) {
			t.Errorf("通知先 = %v, want [user-b user-c]", got)
		}
		for _, e := range envs {
			if e.EventType != event.TypeProjectStatusChanged || e.ContextID != f.project.ID {
				t.Errorf("env = %+v", e)
			}
		}
	})

	t.Run("未知のステータスで400となりイベントが発行されないこと", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t, &publisherStub{})
		w := f.do(t, http.MethodPut, "/api/v1/projects/"+f.project.ID+"/status",
			token(t, "pm-1", authz.RoleProjectManager), gin.H{"status": "archived"})
		if w.Code != http.StatusBadRequest {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusBadRequest)
		}
		if len(f.publisher.published()) != 0 {
			t.Error("イベントが発行された")
		}
	})

	t.Run("存在しないプロジェクトで404となること", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t, &publisherStub{})
		w := f.do(t, http.MethodPut, "/api/v1/projects/missing/status",
			token(t, "admin-1", authz.RoleAdmin), gin.H{"status": "completed"})
		if w.Code != http.StatusNotFound {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusNotFound)
		}
	})
}

// TestChangePhase は成果物のフェーズ変更を検証する。
func TestChangePhase(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &publisherStub{})
	if err := f.store.Grant(context.Background(), f.project.ID, "user-b", authz.CapabilityChangeDeliverablePhase); err != nil {
		t.Fatalf("Grant()でエラーが発生: %v", err)
	}

	w := f.do(t, http.MethodPut, "/api/v1/projects/"+f.project.ID+"/deliverables/"+f.deliverable.ID+"/phase",
		token(t, "user-b", authz.RoleTeamMember), gin.H{"phase": "review"})
	if w.Code != http.StatusOK {
		t.Fatalf("ステータスコード = %d, want %d: %s", w.Code, http.StatusOK, w.Body.String())
	}

	envs := f.publisher.published()
	if got := recipients(envs); !slices.Equal(got, []string{"pm-1", "user-c"}) {
		t.Errorf("通知先 = %v, want [pm-1 user-c]", got)
	}
	for _, e := range envs {
		if e.EventType != event.TypeDeliverablePhaseChanged || e.ContextID != f.deliverable.ID {
			t.Errorf("env = %+v", e)
		}
	}
}

// TestMembers はメンバーの追加・削除と権限付与のエンドポイントを検証する。
func TestMembers(t *testing.T) {
	t.Parallel()

	t.Run("メンバーの追加と削除で対象ユーザーに通知されること", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t, &publisherStub{})
		pm := token(t, "pm-1", authz.RoleProjectManager)

		w := f.do(t, http.MethodPost, "/api/v1/projects/"+f.project.ID+"/members", pm, gin.H{"user_id": "user-d"})
		if w.Code != http.StatusCreated {
			t.Fatalf("追加: ステータスコード = %d, want %d", w.Code, http.StatusCreated)
		}
		w = f.do(t, http.MethodPost, "/api/v1/projects/"+f.project.ID+"/members", pm, gin.H{"user_id": "user-d"})
		if w.Code != http.StatusConflict {
			t.Errorf("重複追加: ステータスコード = %d, want %d", w.Code, http.StatusConflict)
		}
		w = f.do(t, http.MethodDelete, "/api/v1/projects/"+f.project.ID+"/members/user-d", pm, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("削除: ステータスコード = %d, want %d", w.Code, http.StatusOK)
		}

		envs := f.publisher.published()
		if len(envs) != 2 {
			t.Fatalf("発行件数 = %d, want 2", len(envs))
		}
		if envs[0].EventType != event.TypeProjectMemberAdded || envs[0].SubjectUserID != "user-d" {
			t.Errorf("envs[0] = %+v", envs[0])
		}
		if envs[1].EventType != event.TypeProjectMemberRemoved || envs[1].SubjectUserID != "user-d" {
			t.Errorf("envs[1] = %+v", envs[1])
		}
	})

	t.Run("メンバー管理権限を付与されたユーザーが権限を付与できること", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t, &publisherStub{})
		if err := f.store.Grant(context.Background(), f.project.ID, "user-b", authz.CapabilityManageMembers); err != nil {
			t.Fatalf("Grant()でエラーが発生: %v", err)
		}
		member := token(t, "user-b", authz.RoleTeamMember)

		w := f.do(t, http.MethodPost, "/api/v1/projects/"+f.project.ID+"/grants", member,
			gin.H{"user_id": "user-c", "capability": "assign_task"})
		if w.Code != http.StatusCreated {
			t.Fatalf("付与: ステータスコード = %d, want %d: %s", w.Code, http.StatusCreated, w.Body.String())
		}

		w = f.do(t, http.MethodPut, f.assigneePath(), token(t, "user-c", authz.RoleTeamMember), gin.H{"assignee_id": "user-b"})
		if w.Code != http.StatusOK {
			t.Errorf("付与後の割り当て: ステータスコード = %d, want %d", w.Code, http.StatusOK)
		}

		w = f.do(t, http.MethodDelete, "/api/v1/projects/"+f.project.ID+"/grants/user-c/assign_task", member, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("取り消し: ステータスコード = %d, want %d", w.Code, http.StatusOK)
		}
		w = f.do(t, http.MethodPut, f.assigneePath(), token(t, "user-c", authz.RoleTeamMember), gin.H{"assignee_id": "user-c"})
		if w.Code != http.StatusForbidden {
			t.Errorf("取り消し後の割り当て: ステータスコード = %d, want %d", w.Code, http.StatusForbidden)
		}
	})

	t.Run("未知の権限名で400となること", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t, &publisherStub{})
		w := f.do(t, http.MethodPost, "/api/v1/projects/"+f.project.ID+"/grants",
			token(t, "pm-1", authz.RoleProjectManager), gin.H{"user_id": "user-c", "capability": "delete_everything"})
		if w.Code != http.StatusBadRequest {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusBadRequest)
		}
	})
}

// TestCreateProject はプロジェクト作成の認可を検証する。
func TestCreateProject(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &publisherStub{})

	w := f.do(t, http.MethodPost, "/api/v1/projects", token(t, "user-b", authz.RoleTeamMember), gin.H{"name": "新規案件"})
	if w.Code != http.StatusForbidden {
		t.Errorf("チームメンバー: ステータスコード = %d, want %d", w.Code, http.StatusForbidden)
	}

	w = f.do(t, http.MethodPost, "/api/v1/projects", token(t, "pm-2", authz.RoleProjectManager),
		gin.H{"name": "新規案件", "members": []string{"user-b"}})
	if w.Code != http.StatusCreated {
		t.Fatalf("プロジェクトマネージャー: ステータスコード = %d, want %d: %s", w.Code, http.StatusCreated, w.Body.String())
	}
	var body projectResponse
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("レスポンスのパースに失敗: %v", err)
	}
	if body.ID == "" || body.Status != "planning" || !slices.Equal(body.Members, []string{"pm-2", "user-b"}) {
		t.Errorf("body = %+v", body)
	}

	w = f.do(t, http.MethodGet, "/api/v1/projects/"+body.ID, token(t, "user-b", authz.RoleTeamMember), nil)
	if w.Code != http.StatusOK {
		t.Errorf("取得: ステータスコード = %d, want %d", w.Code, http.StatusOK)
	}
}

// TestHealth はヘルスチェックを検証する。
func TestHealth(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &publisherStub{})
	w := f.do(t, http.MethodGet, "/health", "", nil)
	if w.Code != http.StatusOK {
		t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
	}

	_ = f.store.Close()
	w = f.do(t, http.MethodGet, "/health", "", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("ストア停止後: ステータスコード = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
}

var _ Publisher = (*broker.Producer)(nil)

func TestPublisherErrorIsLoggedOnly(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &publisherStub{err: errors.New("broker down")})
	w := f.do(t, http.MethodPut, "/api/v1/projects/"+f.project.ID+"/status",
		token(t, "pm-1", authz.RoleProjectManager), gin.H{"status": "on_hold"})
	if w.Code != http.StatusOK {
		t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
	}
	p, err := f.store.GetProject(context.Background(), f.project.ID)
	if err != nil || p.Status != StatusOnHold {
		t.Errorf("Status = %q, err = %v", p.Status, err)
	}
}
