package authz

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// tokenIssuer はトークンのiss クレームに設定する発行者名。
const tokenIssuer = "projecthub-gateway"

// Claims はBearerトークンのクレーム（ペイロード）を表す。
type Claims struct {
	jwt.RegisteredClaims
	// UserID は認証済みユーザーの一意識別子。
	UserID string `json:"user_id"`
	// Role はユーザーのロール。
	Role string `json:"role"`
}

// IssueToken はユーザーIDとロールからHS256署名のトークンを発行する。
// トークン発行そのものは認証基盤の責務であり、gatewayの開発用エンドポイントとテストでのみ使用する。
func IssueToken(secret, userID string, role Role, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    tokenIssuer,
		},
		UserID: userID,
		Role:   string(role),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("トークンの署名に失敗: %w", err)
	}
	return signed, nil
}
