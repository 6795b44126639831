package project

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nao1215/projecthub/pkg/authz"
	"github.com/nao1215/projecthub/pkg/event"
	"github.com/nao1215/projecthub/pkg/logging"
	"github.com/nao1215/projecthub/pkg/middleware"
)

// projectParam はプロジェクトIDを表すパスパラメータ名。
const projectParam = "project_id"

// Publisher はイベントをブローカーへ発行する抽象。*broker.Producer がこれを満たす。
type Publisher interface {
	Publish(ctx context.Context, env event.Envelope) error
}

// Server はプロジェクトサービスのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// httpServer はグレースフルシャットダウンのために保持するHTTPサーバー。
	httpServer *http.Server
	// store はプロジェクトストア。
	store *Store
	// publisher は通知イベントの発行先。
	publisher Publisher
	// logger はハンドラーのエラーを出力するロガー。
	logger *slog.Logger
}

// NewServer は新しいプロジェクトサーバーを生成する。
func NewServer(port string, gate *authz.Gate, store *Store, publisher Publisher, logger *slog.Logger) *Server {
	logger = logging.OrDefault(logger)

	router := gin.New()
	router.Use(middleware.RequestID())
	router.Use(middleware.Recovery(logger))
	router.Use(gin.Logger())

	s := &Server{
		router:    router,
		store:     store,
		publisher: publisher,
		logger:    logger,
	}
	s.httpServer = &http.Server{
		Addr:              ":" + port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.setupRoutes(gate)

	return s
}

// Handler はHTTPハンドラーを返す。
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run はHTTPサーバーを起動する。Shutdownで停止した場合はnilを返す。
func (s *Server) Run() error {
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown は処理中のリクエストの完了を待ってからHTTPサーバーを停止する。
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// setupRoutes はAPIルーティングを設定する。
func (s *Server) setupRoutes(gate *authz.Gate) {
	require := func(capability authz.Capability) gin.HandlerFunc {
		return middleware.RequireCapability(gate, capability, projectParam)
	}

	api := s.router.Group("/api/v1")
	api.Use(middleware.Authenticate(gate))
	{
		projects := api.Group("/projects")
		{
			// プロジェクト作成（上位ロールのみ）
			projects.POST("", middleware.RequireElevated(), s.handleCreateProject())
			// プロジェクト詳細取得
			projects.GET("/:project_id", s.handleGetProject())
			// ステータス変更
			projects.PUT("/:project_id/status", require(authz.CapabilityChangeProjectStatus), s.handleChangeStatus())

			// メンバー管理
			projects.POST("/:project_id/members", require(authz.CapabilityManageMembers), s.handleAddMember())
			projects.DELETE("/:project_id/members/:user_id", require(authz.CapabilityManageMembers), s.handleRemoveMember())

			// 権限付与の管理
			projects.GET("/:project_id/grants/:user_id", require(authz.CapabilityManageMembers), s.handleListGrants())
			projects.POST("/:project_id/grants", require(authz.CapabilityManageMembers), s.handleGrant())
			projects.DELETE("/:project_id/grants/:user_id/:capability", require(authz.CapabilityManageMembers), s.handleRevoke())

			// タスク
			projects.POST("/:project_id/tasks", require(authz.CapabilityAssignTask), s.handleCreateTask())
			projects.PUT("/:project_id/tasks/:task_id/assignee", require(authz.CapabilityAssignTask), s.handleAssignTask())

			// 成果物
			projects.POST("/:project_id/deliverables", require(authz.CapabilityChangeDeliverablePhase), s.handleCreateDeliverable())
			projects.PUT("/:project_id/deliverables/:deliverable_id/phase", require(authz.CapabilityChangeDeliverablePhase), s.handleChangePhase())
		}
	}

	// ヘルスチェック
	s.router.GET("/health", s.handleHealth())
}

// writeStoreError はストアのエラーをHTTPステータスに変換して返す。
func (s *Server) writeStoreError(c *gin.Context, op string, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, ErrInvalidInput), errors.Is(err, ErrNotMember):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		s.logger.Error(op+"に失敗しました",
			slog.String("request_id", middleware.GetRequestID(c)),
			slog.String("project_id", c.Param(projectParam)),
			slog.Any("error", err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": op + "に失敗しました"})
	}
}

// notification は発行する通知1件分の内容。
type notification struct {
	eventType event.Type
	recipient string
	contextID string
	message   string
}

// publish は書き込みのコミット後に通知イベントを発行する。
// 発行に失敗してもログに記録するのみで、呼び出し元の処理結果には影響させない。
func (s *Server) publish(c *gin.Context, notifications ...notification) {
	if s.publisher == nil {
		return
	}
	for _, n := range notifications {
		env, err := event.New(n.eventType, n.recipient, n.contextID, n.message)
		if err != nil {
			s.logger.Error("イベントの組み立てに失敗しました",
				slog.String("event_type", n.eventType.String()),
				slog.String("subject_user_id", n.recipient),
				slog.Any("error", err),
			)
			continue
		}
		if err := s.publisher.Publish(c.Request.Context(), env); err != nil {
			s.logger.Error("イベントの発行に失敗しました。変更は保存済みです",
				slog.String("request_id", middleware.GetRequestID(c)),
				slog.String("event_id", env.EventID),
				slog.String("event_type", env.EventType.String()),
				slog.String("subject_user_id", env.SubjectUserID),
				slog.Any("error", err),
			)
		}
	}
}

// membersExcept はプロジェクトのメンバーからexcludeを除いた通知先を返す。
func (s *Server) membersExcept(c *gin.Context, projectID, exclude string) []string {
	members, err := s.store.Members(c.Request.Context(), projectID)
	if err != nil {
		s.logger.Error("通知先の取得に失敗しました",
			slog.String("project_id", projectID),
			slog.Any("error", err),
		)
		return nil
	}
	recipients := make([]string, 0, len(members))
	for _, m := range members {
		if m != exclude {
			recipients = append(recipients, m)
		}
	}
	return recipients
}

// projectResponse はプロジェクトのJSONレスポンス構造。
type projectResponse struct {
	// ID はプロジェクトの一意識別子。
	ID string `json:"id"`
	// Name はプロジェクト名。
	Name string `json:"name"`
	// Status はステータス。
	Status string `json:"status"`
	// CreatedBy は作成者のユーザーID。
	CreatedBy string `json:"created_by"`
	// Members はメンバーのユーザーID一覧。
	Members []string `json:"members"`
	// CreatedAt は作成日時。
	CreatedAt string `json:"created_at"`
	// UpdatedAt は更新日時。
	UpdatedAt string `json:"updated_at"`
}

func toProjectResponse(p Project) projectResponse {
	members := p.Members
	if members == nil {
		members = []string{}
	}
	return projectResponse{
		ID:        p.ID,
		Name:      p.Name,
		Status:    string(p.Status),
		CreatedBy: p.CreatedBy,
		Members:   members,
		CreatedAt: p.CreatedAt.Format(time.RFC3339),
		UpdatedAt: p.UpdatedAt.Format(time.RFC3339),
	}
}

// taskResponse はタスクのJSONレスポンス構造。
type taskResponse struct {
	ID         string `json:"id"`
	ProjectID  string `json:"project_id"`
	Title      string `json:"title"`
	AssigneeID string `json:"assignee_id"`
	UpdatedAt  string `json:"updated_at"`
}

func toTaskResponse(t Task) taskResponse {
	return taskResponse{
		ID:         t.ID,
		ProjectID:  t.ProjectID,
		Title:      t.Title,
		AssigneeID: t.AssigneeID,
		UpdatedAt:  t.UpdatedAt.Format(time.RFC3339),
	}
}

// deliverableResponse は成果物のJSONレスポンス構造。
type deliverableResponse struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	Name      string `json:"name"`
	Phase     string `json:"phase"`
	UpdatedAt string `json:"updated_at"`
}

func toDeliverableResponse(d Deliverable) deliverableResponse {
	return deliverableResponse{
		ID:        d.ID,
		ProjectID: d.ProjectID,
		Name:      d.Name,
		Phase:     string(d.Phase),
		UpdatedAt: d.UpdatedAt.Format(time.RFC3339),
	}
}

// createProjectRequest はプロジェクト作成リクエストのJSON構造。
type createProjectRequest struct {
	// Name はプロジェクト名。
	Name string `json:"name" binding:"required"`
	// Members は初期メンバーのユーザーID一覧。作成者は自動的に追加される。
	Members []string `json:"members"`
}

// handleCreateProject はプロジェクトを作成するハンドラ。
func (s *Server) handleCreateProject() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req createProjectRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}

		p, err := s.store.CreateProject(c.Request.Context(), req.Name, middleware.GetUserID(c), req.Members)
		if err != nil {
			s.writeStoreError(c, "プロジェクトの作成", err)
			return
		}
		c.JSON(http.StatusCreated, toProjectResponse(p))
	}
}

// handleGetProject はプロジェクト詳細を返すハンドラ。
func (s *Server) handleGetProject() gin.HandlerFunc {
	return func(c *gin.Context) {
		p, err := s.store.GetProject(c.Request.Context(), c.Param(projectParam))
		if err != nil {
			s.writeStoreError(c, "プロジェクトの取得", err)
			return
		}
		c.JSON(http.StatusOK, toProjectResponse(p))
	}
}

// changeStatusRequest はステータス変更リクエストのJSON構造。
type changeStatusRequest struct {
	// Status は変更後のステータス。
	Status string `json:"status" binding:"required"`
}

// handleChangeStatus はプロジェクトのステータスを変更し、操作者以外のメンバーに通知するハンドラ。
func (s *Server) handleChangeStatus() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req changeStatusRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}
		status, err := ParseStatus(req.Status)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		projectID := c.Param(projectParam)
		previous, err := s.store.SetStatus(c.Request.Context(), projectID, status)
		if err != nil {
			s.writeStoreError(c, "ステータスの変更", err)
			return
		}

		if previous != status {
			p, err := s.store.GetProject(c.Request.Context(), projectID)
			name := projectID
			if err == nil {
				name = p.Name
			}
			var ns []notification
			for _, m := range s.membersExcept(c, projectID, middleware.GetUserID(c)) {
				ns = append(ns, notification{
					eventType: event.TypeProjectStatusChanged,
					recipient: m,
					contextID: projectID,
					message:   fmt.Sprintf("プロジェクト「%s」のステータスが「%s」から「%s」に変更されました", name, previous.Label(), status.Label()),
				})
			}
			s.publish(c, ns...)
		}

		c.JSON(http.StatusOK, gin.H{"id": projectID, "status": string(status), "previous_status": string(previous)})
	}
}

// memberRequest はメンバー追加リクエストのJSON構造。
type memberRequest struct {
	// UserID は追加するユーザーのID。
	UserID string `json:"user_id" binding:"required"`
}

// handleAddMember はプロジェクトにメンバーを追加し、追加されたユーザーに通知するハンドラ。
func (s *Server) handleAddMember() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req memberRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}

		projectID := c.Param(projectParam)
		if err := s.store.AddMember(c.Request.Context(), projectID, req.UserID); err != nil {
			s.writeStoreError(c, "メンバーの追加", err)
			return
		}

		s.publish(c, notification{
			eventType: event.TypeProjectMemberAdded,
			recipient: req.UserID,
			contextID: projectID,
			message:   "プロジェクトのメンバーに追加されました",
		})
		c.JSON(http.StatusCreated, gin.H{"project_id": projectID, "user_id": req.UserID})
	}
}

// handleRemoveMember はプロジェクトからメンバーを削除し、削除されたユーザーに通知するハンドラ。
func (s *Server) handleRemoveMember() gin.HandlerFunc {
	return func(c *gin.Context) {
		projectID := c.Param(projectParam)
		userID := c.Param("user_id")
		if err := s.store.RemoveMember(c.Request.Context(), projectID, userID); err != nil {
			s.writeStoreError(c, "メンバーの削除", err)
			return
		}

		s.publish(c, notification{
			eventType: event.TypeProjectMemberRemoved,
			recipient: userID,
			contextID: projectID,
			message:   "プロジェクトのメンバーから外されました",
		})
		c.JSON(http.StatusOK, gin.H{"message": "メンバーを削除しました"})
	}
}

// grantRequest は権限付与リクエストのJSON構造。
type grantRequest struct {
	// UserID は付与先のユーザーID。
	UserID string `json:"user_id" binding:"required"`
	// Capability は付与する権限名。
	Capability string `json:"capability" binding:"required"`
}

// handleListGrants はユーザーに付与された権限の一覧を返すハンドラ。
func (s *Server) handleListGrants() gin.HandlerFunc {
	return func(c *gin.Context) {
		caps, err := s.store.Capabilities(c.Request.Context(), c.Param(projectParam), c.Param("user_id"))
		if err != nil {
			s.writeStoreError(c, "権限付与の取得", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"user_id": c.Param("user_id"), "capabilities": caps})
	}
}

// handleGrant はユーザーにプロジェクト単位の権限を付与するハンドラ。
func (s *Server) handleGrant() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req grantRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}
		capability, err := authz.ParseCapability(req.Capability)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		if err := s.store.Grant(c.Request.Context(), c.Param(projectParam), req.UserID, capability); err != nil {
			s.writeStoreError(c, "権限の付与", err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{"user_id": req.UserID, "capability": capability})
	}
}

// handleRevoke はユーザーからプロジェクト単位の権限を取り消すハンドラ。
func (s *Server) handleRevoke() gin.HandlerFunc {
	return func(c *gin.Context) {
		capability, err := authz.ParseCapability(c.Param("capability"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := s.store.Revoke(c.Request.Context(), c.Param(projectParam), c.Param("user_id"), capability); err != nil {
			s.writeStoreError(c, "権限の取り消し", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "権限を取り消しました"})
	}
}

// createTaskRequest はタスク作成リクエストのJSON構造。
type createTaskRequest struct {
	// Title はタスク名。
	Title string `json:"title" binding:"required"`
}

// handleCreateTask はタスクを作成するハンドラ。
func (s *Server) handleCreateTask() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req createTaskRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}

		task, err := s.store.CreateTask(c.Request.Context(), c.Param(projectParam), req.Title)
		if err != nil {
			s.writeStoreError(c, "タスクの作成", err)
			return
		}
		c.JSON(http.StatusCreated, toTaskResponse(task))
	}
}

// assignTaskRequest は担当者変更リクエストのJSON構造。
type assignTaskRequest struct {
	// AssigneeID は新しい担当者のユーザーID。空文字列の場合は担当者を外す。
	AssigneeID string `json:"assignee_id"`
}

// handleAssignTask はタスクの担当者を変更するハンドラ。
// 新しい担当者にはtask.assigned、外れた担当者にはtask.unassignedを通知する。
func (s *Server) handleAssignTask() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req assignTaskRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}

		task, previous, err := s.store.AssignTask(c.Request.Context(), c.Param(projectParam), c.Param("task_id"), req.AssigneeID)
		if err != nil {
			s.writeStoreError(c, "担当者の変更", err)
			return
		}

		if previous != task.AssigneeID {
			var ns []notification
			if task.AssigneeID != "" {
				ns = append(ns, notification{
					eventType: event.TypeTaskAssigned,
					recipient: task.AssigneeID,
					contextID: task.ID,
					message:   fmt.Sprintf("タスク「%s」の担当者に割り当てられました", task.Title),
				})
			}
			if previous != "" {
				ns = append(ns, notification{
					eventType: event.TypeTaskUnassigned,
					recipient: previous,
					contextID: task.ID,
					message:   fmt.Sprintf("タスク「%s」の担当から外れました", task.Title),
				})
			}
			s.publish(c, ns...)
		}

		c.JSON(http.StatusOK, toTaskResponse(task))
	}
}

// createDeliverableRequest は成果物作成リクエストのJSON構造。
type createDeliverableRequest struct {
	// Name は成果物名。
	Name string `json:"name" binding:"required"`
}

// handleCreateDeliverable は成果物を作成するハンドラ。
func (s *Server) handleCreateDeliverable() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req createDeliverableRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}

		d, err := s.store.CreateDeliverable(c.Request.Context(), c.Param(projectParam), req.Name)
		if err != nil {
			s.writeStoreError(c, "成果物の作成", err)
			return
		}
		c.JSON(http.StatusCreated, toDeliverableResponse(d))
	}
}

// changePhaseRequest はフェーズ変更リクエストのJSON構造。
type changePhaseRequest struct {
	// Phase は変更後のフェーズ。
	Phase string `json:"phase" binding:"required"`
}

// handleChangePhase は成果物のフェーズを変更し、操作者以外のメンバーに通知するハンドラ。
func (s *Server) handleChangePhase() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req changePhaseRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}
		phase, err := ParsePhase(req.Phase)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		projectID := c.Param(projectParam)
		d, previous, err := s.store.SetDeliverablePhase(c.Request.Context(), projectID, c.Param("deliverable_id"), phase)
		if err != nil {
			s.writeStoreError(c, "フェーズの変更", err)
			return
		}

		if previous != phase {
			var ns []notification
			for _, m := range s.membersExcept(c, projectID, middleware.GetUserID(c)) {
				ns = append(ns, notification{
					eventType: event.TypeDeliverablePhaseChanged,
					recipient: m,
					contextID: d.ID,
					message:   fmt.Sprintf("成果物「%s」のフェーズが「%s」から「%s」に変更されました", d.Name, previous.Label(), phase.Label()),
				})
			}
			s.publish(c, ns...)
		}

		c.JSON(http.StatusOK, toDeliverableResponse(d))
	}
}

// handleHealth はストアの疎通を確認するハンドラ。
func (s *Server) handleHealth() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := s.store.Ping(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "service": "project", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "project"})
	}
}
