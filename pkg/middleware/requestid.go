package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// HeaderKeyRequestID はリクエストを追跡するためのHTTPヘッダーキー。
const HeaderKeyRequestID = "X-Request-ID"

const ctxKeyRequestID = "request_id"

// RequestID はリクエストIDを付与するGinミドルウェアを返す。
// 受信したX-Request-IDがあればそれを引き継ぎ、無ければ新たに採番する。
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(HeaderKeyRequestID)
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		c.Set(ctxKeyRequestID, id)
		c.Header(HeaderKeyRequestID, id)
		c.Next()
	}
}

// GetRequestID はGinコンテキストからリクエストIDを取得する。
func GetRequestID(c *gin.Context) string {
	v, _ := c.Get(ctxKeyRequestID)
	id, _ := v.(string)
	return id
}
