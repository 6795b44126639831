package authz

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/nao1215/projecthub/pkg/logging"
)

var (
	// ErrUnauthenticated はトークンが無い・不正・期限切れのいずれかであることを表す（401）。
	ErrUnauthenticated = errors.New("認証に失敗しました")
	// ErrForbidden は認証済みだが必要な権限を持たないことを表す（403）。
	ErrForbidden = errors.New("この操作を行う権限がありません")
)

// tokenLeeway はトークンの有効期限判定で許容する時刻のずれ。
const tokenLeeway = 5 * time.Second

// Identity はトークンから復元した呼び出し元の情報。
type Identity struct {
	// UserID はユーザーの一意識別子。
	UserID string
	// Role はユーザーのロール。
	Role Role
}

// GrantStore はプロジェクト単位の権限付与を参照するための抽象。
type GrantStore interface {
	// Capabilities は(projectID, userID)に付与された権限の一覧を返す。
	// 付与が存在しない場合は空のスライスを返し、エラーにはしない。
	Capabilities(ctx context.Context, projectID, userID string) ([]Capability, error)
}

// Gate は認証と認可を行うゲート。
type Gate struct {
	// secret はトークン検証用のHMAC鍵。
	secret []byte
	// grants はプロジェクト単位の権限付与ストア。
	grants GrantStore
	// logger は判定結果を出力するロガー。
	logger *slog.Logger
}

// NewGate は新しいGateを生成する。
func NewGate(secret string, grants GrantStore, logger *slog.Logger) *Gate {
	return &Gate{
		secret: []byte(strings.TrimSpace(secret)),
		grants: grants,
		logger: logging.OrDefault(logger),
	}
}

// Authenticate はBearerトークンを検証し、呼び出し元のIdentityを返す。
// 失敗時のエラーは必ずErrUnauthenticatedをラップする。
func (g *Gate) Authenticate(token string) (Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, fmt.Errorf("%w: トークンがありません", ErrUnauthenticated)
	}
	if len(g.secret) == 0 {
		return Identity{}, fmt.Errorf("%w: 署名鍵が設定されていません", ErrUnauthenticated)
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(_ *jwt.Token) (any, error) {
		return g.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(tokenLeeway),
	)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	if !parsed.Valid {
		return Identity{}, fmt.Errorf("%w: トークンが無効です", ErrUnauthenticated)
	}

	userID := strings.TrimSpace(claims.UserID)
	if userID == "" {
		userID = strings.TrimSpace(claims.Subject)
	}
	if userID == "" {
		return Identity{}, fmt.Errorf("%w: ユーザーIDがありません", ErrUnauthenticated)
	}

	role, err := ParseRole(claims.Role)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}

	return Identity{UserID: userID, Role: role}, nil
}

// Authorize はIdentityがprojectIDに対してcapabilityを行使できるかを判定する。
// 上位ロールであれば常に許可し、それ以外はGrantに含まれる場合のみ許可する。
// Grantの取得に失敗した場合はfalseとエラーを返す（拒否側に倒す）。
func (g *Gate) Authorize(ctx context.Context, id Identity, projectID string, capability Capability) (bool, error) {
	if id.UserID == "" {
		return false, nil
	}
	if id.Role.Elevated() {
		return true, nil
	}
	if strings.TrimSpace(projectID) == "" || g.grants == nil {
		return false, nil
	}

	granted, err := g.grants.Capabilities(ctx, projectID, id.UserID)
	if err != nil {
		g.logger.Error("権限付与の取得に失敗したため拒否します",
			slog.String("user_id", id.UserID),
			slog.String("project_id", projectID),
			slog.String("capability", string(capability)),
			slog.Any("error", err),
		)
		return false, fmt.Errorf("権限付与の取得に失敗: %w", err)
	}

	if slices.Contains(granted, capability) {
		return true, nil
	}

	g.logger.Warn("権限が無いため拒否しました",
		slog.String("user_id", id.UserID),
		slog.String("role", string(id.Role)),
		slog.String("project_id", projectID),
		slog.String("capability", string(capability)),
	)
	return false, nil
}

// Require はAuthorizeの結果をエラーとして返す。拒否された場合はErrForbiddenをラップする。
func (g *Gate) Require(ctx context.Context, id Identity, projectID string, capability Capability) error {
	ok, err := g.Authorize(ctx, id, projectID, capability)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrForbidden, capability)
	}
	return nil
}

// BearerToken はAuthorizationヘッダーの値からトークン部分を取り出す。
// Bearer形式でない場合は空文字列を返す。
func BearerToken(header string) string {
	header = strings.TrimSpace(header)
	const prefix = "bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}
