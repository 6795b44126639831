package notification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nao1215/projecthub/pkg/authz"
	"github.com/nao1215/projecthub/pkg/logging"
	"github.com/nao1215/projecthub/pkg/middleware"
)

// ConsumerStatus はヘルスチェックで参照するコンシューマーの状態。*Consumer がこれを満たす。
type ConsumerStatus interface {
	State() State
	Err() error
	Stats() ConsumerStats
}

// Server は通知サービスのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// httpServer はグレースフルシャットダウンのために保持するHTTPサーバー。
	httpServer *http.Server
	// store は読み取りAPI用の通知ストア。
	store *Store
	// consumer はヘルスチェックで参照するコンシューマー。
	consumer ConsumerStatus
	// logger はハンドラーのエラーを出力するロガー。
	logger *slog.Logger
}

// NewServer は新しい通知サーバーを生成する。
// consumerがnilの場合、ヘルスチェックはストアの疎通のみを確認する。
func NewServer(port string, gate *authz.Gate, store *Store, consumer ConsumerStatus, logger *slog.Logger) *Server {
	logger = logging.OrDefault(logger)

	router := gin.New()
	router.Use(middleware.RequestID())
	router.Use(middleware.Recovery(logger))
	router.Use(gin.Logger())

	s := &Server{
		router:   router,
		store:    store,
		consumer: consumer,
		logger:   logger,
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
	api := s.router.Group("/api/v1")
	api.Use(middleware.Authenticate(gate))
	{
		notifications := api.Group("/notifications")
		{
			// 通知一覧取得
			notifications.GET("", s.handleList())
			// 未読通知一覧取得
			notifications.GET("/unread", s.handleListUnread())
			// 未読件数取得
			notifications.GET("/unread/count", s.handleCountUnread())
			// 通知を既読にする
			notifications.PUT("/:id/read", s.handleMarkAsRead())
			// 全通知を既読にする
			notifications.PUT("/read-all", s.handleMarkAllAsRead())
		}
	}

	// ヘルスチェック
	s.router.GET("/health", s.handleHealth())
}

// notificationResponse は通知のJSONレスポンス構造。
type notificationResponse struct {
	// ID は通知の一意識別子。
	ID int64 `json:"id"`
	// RecipientID は通知先のユーザーID。
	RecipientID string `json:"recipient_id"`
	// ContextID は通知の対象エンティティのID。
	ContextID string `json:"context_id"`
	// EventType は元になったイベントの種類。
	EventType string `json:"event_type"`
	// EventID は元になったイベントのID。
	EventID string `json:"event_id,omitempty"`
	// Message は通知メッセージ。
	Message string `json:"message"`
	// IsRead は通知の既読状態。
	IsRead bool `json:"is_read"`
	// OccurredAt はイベントの発生日時（RFC3339形式）。
	OccurredAt string `json:"occurred_at"`
	// CreatedAt は通知の作成日時（RFC3339形式）。
	CreatedAt string `json:"created_at"`
}

func toNotificationResponses(notifications []Notification) []notificationResponse {
	responses := make([]notificationResponse, 0, len(notifications))
	for _, n := range notifications {
		responses = append(responses, notificationResponse{
			ID:          n.ID,
			RecipientID: n.RecipientID,
			ContextID:   n.ContextID,
			EventType:   n.EventType.String(),
			EventID:     n.EventID,
			Message:     n.Message,
			IsRead:      n.IsRead,
			OccurredAt:  n.OccurredAt.Format(time.RFC3339Nano),
			CreatedAt:   n.CreatedAt.Format(time.RFC3339Nano),
		})
	}
	return responses
}

// parseLimit はクエリパラメータlimitを解析する。省略時は0（デフォルト件数）を返す。
func parseLimit(c *gin.Context) (int, error) {
	raw := c.Query("limit")
	if raw == "" {
		return 0, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 0, fmt.Errorf("limitは正の整数で指定してください: %q", raw)
	}
	return limit, nil
}

// handleList は認証済みユーザーの通知一覧を新しい順に返すハンドラ。
func (s *Server) handleList() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.GetUserID(c)
		limit, err := parseLimit(c)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		notifications, err := s.store.ListByRecipient(c.Request.Context(), userID, limit)
		if err != nil {
			s.logger.Error("通知一覧の取得に失敗しました", slog.String("user_id", userID), slog.Any("error", err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "通知一覧の取得に失敗しました"})
			return
		}

		c.JSON(http.StatusOK, toNotificationResponses(notifications))
	}
}

// handleListUnread は認証済みユーザーの未読通知一覧を返すハンドラ。
func (s *Server) handleListUnread() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.GetUserID(c)
		limit, err := parseLimit(c)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		notifications, err := s.store.ListUnread(c.Request.Context(), userID, limit)
		if err != nil {
			s.logger.Error("未読通知一覧の取得に失敗しました", slog.String("user_id", userID), slog.Any("error", err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "未読通知一覧の取得に失敗しました"})
			return
		}

		c.JSON(http.StatusOK, toNotificationResponses(notifications))
	}
}

// handleCountUnread は認証済みユーザーの未読件数を返すハンドラ。
func (s *Server) handleCountUnread() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.GetUserID(c)
		count, err := s.store.CountUnread(c.Request.Context(), userID)
		if err != nil {
			s.logger.Error("未読件数の取得に失敗しました", slog.String("user_id", userID), slog.Any("error", err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "未読件数の取得に失敗しました"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"unread": count})
	}
}

// handleMarkAsRead は指定された通知を既読にするハンドラ。
func (s *Server) handleMarkAsRead() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.GetUserID(c)

		notificationID, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "通知IDが不正です"})
			return
		}

		// 通知の存在確認と所有者チェック
		n, err := s.store.GetByID(c.Request.Context(), notificationID)
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "通知が見つかりません"})
			return
		}
		if err != nil {
			s.logger.Error("通知の取得に失敗しました", slog.Int64("notification_id", notificationID), slog.Any("error", err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "通知の取得に失敗しました"})
			return
		}

		if n.RecipientID != userID {
			c.JSON(http.StatusForbidden, gin.H{"error": "この通知を操作する権限がありません"})
			return
		}

		if err := s.store.MarkAsRead(c.Request.Context(), notificationID); err != nil {
			s.logger.Error("通知の既読処理に失敗しました", slog.Int64("notification_id", notificationID), slog.Any("error", err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "通知の既読処理に失敗しました"})
			return
		}

		c.JSON(http.StatusOK, gin.H{"message": "通知を既読にしました"})
	}
}

// handleMarkAllAsRead は認証済みユーザーの全通知を既読にするハンドラ。
func (s *Server) handleMarkAllAsRead() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.GetUserID(c)

		updated, err := s.store.MarkAllAsRead(c.Request.Context(), userID)
		if err != nil {
			s.logger.Error("全通知の既読処理に失敗しました", slog.String("user_id", userID), slog.Any("error", err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "全通知の既読処理に失敗しました"})
			return
		}

		c.JSON(http.StatusOK, gin.H{"message": "全通知を既読にしました", "updated": updated})
	}
}

// handleHealth はストアとコンシューマーの状態を返すハンドラ。
// コンシューマーが致命的なエラーで停止している場合は503を返す。
func (s *Server) handleHealth() gin.HandlerFunc {
	return func(c *gin.Context) {
		status := http.StatusOK
		body := gin.H{"status": "ok", "service": "notification"}

		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := s.store.Ping(ctx); err != nil {
			status = http.StatusServiceUnavailable
			body["status"] = "unhealthy"
			body["store_error"] = err.Error()
		}

		if s.consumer != nil {
			consumer := gin.H{
				"state": s.consumer.State().String(),
				"stats": s.consumer.Stats(),
			}
			if err := s.consumer.Err(); err != nil {
				status = http.StatusServiceUnavailable
				body["status"] = "unhealthy"
				consumer["error"] = err.Error()
			}
			body["consumer"] = consumer
		}

		c.JSON(status, body)
	}
}
