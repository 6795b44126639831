package gateway

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/nao1215/projecthub/pkg/authz"
)

// ErrUserNotFound は指定されたユーザーが登録されていないことを表す。
var ErrUserNotFound = errors.New("ユーザーが見つかりません")

const timeLayout = "2006-01-02T15:04:05.000000000Z"

// User は開発用トークンを発行したユーザー。
type User struct {
	// ID はユーザーID。
	ID string `db:"id"`
	// Role は最後に発行したトークンのロール。
	Role authz.Role `db:"role"`
	// DisplayName は表示名。
	DisplayName string `db:"display_name"`
	// CreatedAt は作成日時。
	CreatedAt string `db:"created_at"`
	// LastLoginAt は最終ログイン日時。
	LastLoginAt string `db:"last_login_at"`
}

// UserStore はユーザーをSQLiteに保存するストア。
type UserStore struct {
	db  *sqlx.DB
	now func() time.Time
}

// OpenUserStore はdsnで示すSQLiteデータベースを開き、スキーマを適用する。
func OpenUserStore(ctx context.Context, dsn string, logger *slog.Logger) (*UserStore, error) {
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
	return &UserStore{db: db, now: time.Now}, nil
}

// Upsert はユーザーを登録する。既に存在する場合はロールと表示名、最終ログイン日時を更新する。
func (s *UserStore) Upsert(ctx context.Context, id string, role authz.Role, displayName string) (User, error) {
	now := s.now().UTC().Format(timeLayout)
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, role, display_name, created_at, last_login_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			role = excluded.role,
			display_name = CASE WHEN excluded.display_name = '' THEN users.display_name ELSE excluded.display_name END,
			last_login_at = excluded.last_login_at`,
		id, string(role), displayName, now, now); err != nil {
		return User{}, fmt.Errorf("ユーザーの登録に失敗: %w", err)
	}
	return s.Get(ctx, id)
}

// Get はユーザーを取得する。
func (s *UserStore) Get(ctx context.Context, id string) (User, error) {
	var u User
	err := s.db.GetContext(ctx, &u, `
		SELECT id, role, display_name, created_at, last_login_at
		FROM users WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrUserNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("ユーザーの取得に失敗: %w", err)
	}
	return u, nil
}

// Ping はデータベースへの疎通を確認する。
func (s *UserStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close はデータベース接続を閉じる。
func (s *UserStore) Close() error {
	return s.db.Close()
}
