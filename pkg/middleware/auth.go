package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/nao1215/projecthub/pkg/authz"
)

const (
	// ctxKeyUserID はGinコンテキストに認証済みユーザーIDを格納するキー。
	ctxKeyUserID = "user_id"
	// ctxKeyRole はGinコンテキストに認証済みユーザーのロールを格納するキー。
	ctxKeyRole = "role"
	// headerKeyUserID はサービス間でユーザーIDを伝播するためのHTTPヘッダーキー。
	headerKeyUserID = "X-User-ID"
)

// Authenticate はBearerトークンを検証するGinミドルウェアを返す。
// 検証に成功した場合、コンテキストに "user_id" と "role" を設定する。
func Authenticate(gate *authz.Gate) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Authorizationヘッダーが必要です",
			})
			return
		}

		token := authz.BearerToken(authHeader)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Bearer トークン形式が不正です",
			})
			return
		}

		id, err := gate.Authenticate(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "トークンが無効です",
			})
			return
		}

		c.Set(ctxKeyUserID, id.UserID)
		c.Set(ctxKeyRole, id.Role)
		c.Header(headerKeyUserID, id.UserID)
		c.Next()
	}
}

// RequireCapability はパスパラメータprojectParamで示すプロジェクトに対して
// capabilityを行使できるかを確認するGinミドルウェアを返す。
// Authenticateの後に適用する必要がある。
func RequireCapability(gate *authz.Gate, capability authz.Capability, projectParam string) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := GetIdentity(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "認証が必要です",
			})
			return
		}

		allowed, err := gate.Authorize(c.Request.Context(), id, c.Param(projectParam), capability)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"error": "権限の確認に失敗しました",
			})
			return
		}
		if !allowed {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "この操作を行う権限がありません",
			})
			return
		}
		c.Next()
	}
}

// RequireElevated は上位ロール（管理者・プロジェクトマネージャー）のみを通すGinミドルウェアを返す。
func RequireElevated() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := GetIdentity(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "認証が必要です",
			})
			return
		}
		if !id.Role.Elevated() {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "この操作を行う権限がありません",
			})
			return
		}
		c.Next()
	}
}

// GetUserID はGinコンテキストからユーザーIDを取得する。
// Authenticateミドルウェアが事前に適用されている必要がある。
func GetUserID(c *gin.Context) string {
	userID, _ := c.Get(ctxKeyUserID)
	if id, ok := userID.(string); ok {
		return id
	}
	return ""
}

// GetIdentity はGinコンテキストから認証済みのIdentityを取得する。
func GetIdentity(c *gin.Context) (authz.Identity, bool) {
	userID := GetUserID(c)
	if userID == "" {
		return authz.Identity{}, false
	}
	v, _ := c.Get(ctxKeyRole)
	role, ok := v.(authz.Role)
	if !ok {
		return authz.Identity{}, false
	}
	return authz.Identity{UserID: userID, Role: role}, true
}
