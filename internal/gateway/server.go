package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nao1215/projecthub/pkg/authz"
	"github.com/nao1215/projecthub/pkg/httpclient"
	"github.com/nao1215/projecthub/pkg/logging"
	"github.com/nao1215/projecthub/pkg/middleware"
)

// Options はGatewayの動作設定。
type Options struct {
	// ProjectURL はプロジェクトサービスのベースURL。
	ProjectURL string
	// NotificationURL は通知サービスのベースURL。
	NotificationURL string
	// AllowedOrigins はCORSで許可するオリジン。
	AllowedOrigins []string
	// DevTokenEnabled は開発用トークン発行エンドポイントを有効にするかどうか。
	DevTokenEnabled bool
	// TokenSecret は開発用トークンの署名鍵。
	TokenSecret string
	// TokenTTL は開発用トークンの有効期間。
	TokenTTL time.Duration
	// HealthTimeout は下流サービスのヘルスチェックのタイムアウト。
	HealthTimeout time.Duration
}

// Server はAPI GatewayサービスのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// httpServer はグレースフルシャットダウンのために保持するHTTPサーバー。
	httpServer *http.Server
	// users は開発用ユーザーのストア。
	users *UserStore
	// opts は動作設定。
	opts Options
	// proxyClient は下流サービスへの転送に使うHTTPクライアント。
	proxyClient *http.Client
	// downstream はヘルスチェック対象の下流サービス。
	downstream map[string]*httpclient.Client
	// logger はハンドラーのエラーを出力するロガー。
	logger *slog.Logger
}

// NewServer は新しいGatewayサーバーを生成する。
func NewServer(port string, opts Options, gate *authz.Gate, users *UserStore, logger *slog.Logger) *Server {
	logger = logging.OrDefault(logger)
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = 24 * time.Hour
	}
	if opts.HealthTimeout <= 0 {
		opts.HealthTimeout = 3 * time.Second
	}

	router := gin.New()
	router.Use(middleware.RequestID())
	router.Use(middleware.Recovery(logger))
	router.Use(gin.Logger())
	router.Use(middleware.CORS(opts.AllowedOrigins))

	s := &Server{
		router:      router,
		users:       users,
		opts:        opts,
		proxyClient: &http.Client{Timeout: 30 * time.Second},
		downstream: map[string]*httpclient.Client{
			"project":      httpclient.New(opts.ProjectURL, httpclient.WithTimeout(opts.HealthTimeout)),
			"notification": httpclient.New(opts.NotificationURL, httpclient.WithTimeout(opts.HealthTimeout)),
		},
		logger: logger,
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
	auth := s.router.Group("/auth")
	{
		// 開発用トークン発行
		auth.POST("/dev-token", s.handleDevToken())
	}

	// 認証必須のAPIエンドポイント
	api := s.router.Group("/api/v1")
	api.Use(middleware.Authenticate(gate))
	{
		// ユーザー情報
		api.GET("/me", s.handleGetCurrentUser())

		// プロジェクト（プロキシ）
		api.Any("/projects", s.handleProxy(s.opts.ProjectURL))
		api.Any("/projects/*path", s.handleProxy(s.opts.ProjectURL))

		// 通知（プロキシ）
		api.Any("/notifications", s.handleProxy(s.opts.NotificationURL))
		api.Any("/notifications/*path", s.handleProxy(s.opts.NotificationURL))
	}

	// ヘルスチェック
	s.router.GET("/health", s.handleHealth())
}

// devTokenRequest は開発用トークン発行リクエストのJSON構造。
type devTokenRequest struct {
	// UserID はトークンを発行するユーザーのID。
	UserID string `json:"user_id" binding:"required"`
	// Role はユーザーのロール。
	Role string `json:"role" binding:"required"`
	// DisplayName は表示名。
	DisplayName string `json:"display_name"`
}

// handleDevToken は開発用トークンを発行するハンドラを返す。
// 本番環境では無効化すべき。
func (s *Server) handleDevToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.opts.DevTokenEnabled {
			c.JSON(http.StatusNotFound, gin.H{"error": "開発用トークンの発行は無効です"})
			return
		}

		var req devTokenRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}
		userID := strings.TrimSpace(req.UserID)
		role, err := authz.ParseRole(req.Role)
		if err != nil || userID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "ユーザーIDまたはロールが不正です"})
			return
		}

		if _, err := s.users.Upsert(c.Request.Context(), userID, role, strings.TrimSpace(req.DisplayName)); err != nil {
			s.logger.Error("開発ユーザーの登録に失敗しました", slog.String("user_id", userID), slog.Any("error", err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "ユーザーの登録に失敗しました"})
			return
		}

		token, err := authz.IssueToken(s.opts.TokenSecret, userID, role, s.opts.TokenTTL)
		if err != nil {
			s.logger.Error("トークンの発行に失敗しました", slog.String("user_id", userID), slog.Any("error", err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "トークン生成に失敗しました"})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"token":      token,
			"user_id":    userID,
			"role":       role,
			"expires_in": int64(s.opts.TokenTTL.Seconds()),
		})
	}
}

// handleGetCurrentUser は認証済みユーザーの情報を返すハンドラを返す。
// ロールはトークンのクレームを正とし、表示名は登録済みの場合のみ返す。
func (s *Server) handleGetCurrentUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := middleware.GetIdentity(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "ユーザーIDが取得できません"})
			return
		}

		body := gin.H{
			"id":       id.UserID,
			"role":     id.Role,
			"elevated": id.Role.Elevated(),
		}
		user, err := s.users.Get(c.Request.Context(), id.UserID)
		switch {
		case err == nil:
			body["display_name"] = user.DisplayName
		case !errors.Is(err, ErrUserNotFound):
			s.logger.Warn("ユーザー情報の取得に失敗しました", slog.String("user_id", id.UserID), slog.Any("error", err))
		}
		c.JSON(http.StatusOK, body)
	}
}

// handleProxy はリクエストのパスをそのまま指定されたサービスに転送するハンドラを返す。
func (s *Server) handleProxy(baseURL string) gin.HandlerFunc {
	return func(c *gin.Context) {
		proxyURL := strings.TrimRight(baseURL, "/") + c.Request.URL.Path
		if c.Request.URL.RawQuery != "" {
			proxyURL += "?" + c.Request.URL.RawQuery
		}
		s.doProxy(c, c.Request.Method, proxyURL)
	}
}

// doProxy はリクエストを内部サービスにプロキシする共通処理。
// トークンとリクエストIDを転送する。
func (s *Server) doProxy(c *gin.Context, method, url string) {
	req, err := http.NewRequestWithContext(c.Request.Context(), method, url, c.Request.Body)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "プロキシリクエストの作成に失敗しました"})
		return
	}

	// 元のリクエストヘッダーを転送
	if ct := c.GetHeader("Content-Type"); ct != "" {
		req.Header.Set("Content-Type", ct)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", c.GetHeader("Authorization"))
	req.Header.Set(middleware.HeaderKeyRequestID, middleware.GetRequestID(c))

	resp, err := s.proxyClient.Do(req)
	if err != nil {
		s.logger.Error("内部サービスとの通信に失敗しました",
			slog.String("request_id", middleware.GetRequestID(c)),
			slog.String("url", url),
			slog.Any("error", err),
		)
		c.JSON(http.StatusBadGateway, gin.H{"error": "内部サービスとの通信に失敗しました"})
		return
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "レスポンスの読み取りに失敗しました"})
		return
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/json"
	}
	c.Data(resp.StatusCode, contentType, body)
}

// serviceHealth は下流サービス1つ分のヘルスチェック結果。
type serviceHealth struct {
	// StatusCode は下流サービスが返したHTTPステータス。到達できない場合は0。
	StatusCode int `json:"status_code"`
	// Healthy は2xxを返したかどうか。
	Healthy bool `json:"healthy"`
	// Detail は下流サービスが返したボディ。
	Detail map[string]any `json:"detail,omitempty"`
	// Error は到達できなかった場合のエラー。
	Error string `json:"error,omitempty"`
}

// checkService は下流サービスの /health を呼び出す。
func (s *Server) checkService(ctx context.Context, client *httpclient.Client) serviceHealth {
	var detail map[string]any
	err := client.GetJSON(ctx, "/health", &detail)
	if err == nil {
		return serviceHealth{StatusCode: http.StatusOK, Healthy: true, Detail: detail}
	}

	var statusErr *httpclient.StatusError
	if errors.As(err, &statusErr) {
		h := serviceHealth{StatusCode: statusErr.StatusCode}
		if jsonErr := json.Unmarshal([]byte(statusErr.Body), &h.Detail); jsonErr != nil {
			h.Error = statusErr.Body
		}
		return h
	}
	return serviceHealth{Error: err.Error()}
}

// handleHealth は下流サービスのヘルスチェックを集約するハンドラを返す。
// いずれかが不健全であれば503を返す。
func (s *Server) handleHealth() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := httpclient.WithRequestID(c.Request.Context(), middleware.GetRequestID(c))

		var (
			mu      sync.Mutex
			wg      sync.WaitGroup
			results = make(map[string]serviceHealth, len(s.downstream))
		)
		for name, client := range s.downstream {
			wg.Add(1)
			go func() {
				defer wg.Done()
				h := s.checkService(ctx, client)
				mu.Lock()
				results[name] = h
				mu.Unlock()
			}()
		}
		wg.Wait()

		status := http.StatusOK
		body := gin.H{"status": "ok", "service": "gateway", "services": results}
		for name, h := range results {
			if !h.Healthy {
				status = http.StatusServiceUnavailable
				body["status"] = "degraded"
				s.logger.Warn("下流サービスが不健全です",
					slog.String("service", name),
					slog.Int("status_code", h.StatusCode),
					slog.String("error", h.Error),
				)
			}
		}

		pingCtx, cancel := context.WithTimeout(c.Request.Context(), s.opts.HealthTimeout)
		defer cancel()
		if err := s.users.Ping(pingCtx); err != nil {
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
			body["store_error"] = err.Error()
		}

		c.JSON(status, body)
	}
}
