package notification

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/nao1215/projecthub/pkg/event"
)

var (
	// ErrPersistence は通知を保存できなかったことを表す。
	ErrPersistence = errors.New("通知の永続化に失敗しました")
	// ErrNotFound は指定された通知が存在しないことを表す。
	ErrNotFound = errors.New("通知が見つかりません")
)

const (
	// DefaultListLimit は一覧取得時のデフォルト件数。
	DefaultListLimit = 50
	// MaxListLimit は一覧取得時の最大件数。
	MaxListLimit = 200
)

// timeLayout は日時カラムの保存形式。UTC固定・固定長にして文字列比較でも順序が保たれるようにする。
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Notification は受信者ごとに保存された通知を表す。
type Notification struct {
	// ID はストアが採番する通知の一意識別子。
	ID int64
	// RecipientID は通知先のユーザーID。
	RecipientID string
	// ContextID は通知の対象エンティティのID。
	ContextID string
	// Message は表示用のメッセージ。
	Message string
	// EventType は元になったイベントの種類。
	EventType event.Type
	// EventID は元になったイベントのID。無い場合は空文字列。
	EventID string
	// OccurredAt はイベントの発生日時。
	OccurredAt time.Time
	// CreatedAt は通知の保存日時。
	CreatedAt time.Time
	// IsRead は既読状態。
	IsRead bool
}

// FromEnvelope はイベントエンベロープから保存前の通知を組み立てる。
func FromEnvelope(env event.Envelope) Notification {
	return Notification{
		RecipientID: env.SubjectUserID,
		ContextID:   env.ContextID,
		Message:     env.Message,
		EventType:   env.EventType,
		EventID:     env.EventID,
		OccurredAt:  env.OccurredAt,
	}
}

// notificationRow はnotificationsテーブルの1行。
type notificationRow struct {
	ID          int64  `db:"id"`
	RecipientID string `db:"recipient_id"`
	ContextID   string `db:"context_id"`
	Message     string `db:"message"`
	EventType   string `db:"event_type"`
	EventID     string `db:"event_id"`
	OccurredAt  string `db:"occurred_at"`
	CreatedAt   string `db:"created_at"`
	IsRead      bool   `db:"is_read"`
}

func (r notificationRow) toNotification() (Notification, error) {
	occurredAt, err := time.Parse(timeLayout, r.OccurredAt)
	if err != nil {
		return Notification{}, fmt.Errorf("occurred_atの解析に失敗: %w", err)
	}
	createdAt, err := time.Parse(timeLayout, r.CreatedAt)
	if err != nil {
		return Notification{}, fmt.Errorf("created_atの解析に失敗: %w", err)
	}
	return Notification{
		ID:          r.ID,
		RecipientID: r.RecipientID,
		ContextID:   r.ContextID,
		Message:     r.Message,
		EventType:   event.Type(r.EventType),
		EventID:     r.EventID,
		OccurredAt:  occurredAt,
		CreatedAt:   createdAt,
		IsRead:      r.IsRead,
	}, nil
}

const selectColumns = `id, recipient_id, context_id, message, event_type, event_id, occurred_at, created_at, is_read`

// Store は通知をSQLiteに保存するストア。並行して呼び出しても安全。
type Store struct {
	db  *sqlx.DB
	now func() time.Time
}

// OpenStore はdsnで示すSQLiteデータベースを開き、スキーマを適用する。
// 書き込みを直列化するため接続は1本に制限する。
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

// Append は通知を1件保存し、採番したIDを返す。
// 同じ内容の通知であってもまとめずに別の行として保存する。
func (s *Store) Append(ctx context.Context, n Notification) (int64, error) {
	if n.RecipientID == "" {
		return 0, fmt.Errorf("%w: 通知先のユーザーIDがありません", ErrPersistence)
	}
	if n.OccurredAt.IsZero() {
		n.OccurredAt = s.now()
	}

	res, err := s.db.NamedExecContext(ctx, `
		INSERT INTO notifications (recipient_id, context_id, message, event_type, event_id, occurred_at, created_at)
		VALUES (:recipient_id, :context_id, :message, :event_type, :event_id, :occurred_at, :created_at)`,
		notificationRow{
			RecipientID: n.RecipientID,
			ContextID:   n.ContextID,
			Message:     n.Message,
			EventType:   string(n.EventType),
			EventID:     n.EventID,
			OccurredAt:  n.OccurredAt.UTC().Format(timeLayout),
			CreatedAt:   s.now().UTC().Format(timeLayout),
		},
	)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("%w: IDの取得に失敗: %v", ErrPersistence, err)
	}
	return id, nil
}

// ListByRecipient は受信者の通知を新しい順に最大limit件返す。
func (s *Store) ListByRecipient(ctx context.Context, recipientID string, limit int) ([]Notification, error) {
	return s.list(ctx, `SELECT `+selectColumns+` FROM notifications
		WHERE recipient_id = ? ORDER BY id DESC LIMIT ?`, recipientID, normalizeLimit(limit))
}

// ListUnread は受信者の未読通知を新しい順に最大limit件返す。
func (s *Store) ListUnread(ctx context.Context, recipientID string, limit int) ([]Notification, error) {
	return s.list(ctx, `SELECT `+selectColumns+` FROM notifications
		WHERE recipient_id = ? AND is_read = 0 ORDER BY id DESC LIMIT ?`, recipientID, normalizeLimit(limit))
}

func (s *Store) list(ctx context.Context, query string, args ...any) ([]Notification, error) {
	var rows []notificationRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("通知一覧の取得に失敗: %w", err)
	}

	notifications := make([]Notification, 0, len(rows))
	for _, r := range rows {
		n, err := r.toNotification()
		if err != nil {
			return nil, err
		}
		notifications = append(notifications, n)
	}
	return notifications, nil
}

// GetByID はIDで通知を取得する。存在しない場合はErrNotFoundを返す。
func (s *Store) GetByID(ctx context.Context, id int64) (Notification, error) {
	var row notificationRow
	err := s.db.GetContext(ctx, &row, `SELECT `+selectColumns+` FROM notifications WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return Notification{}, ErrNotFound
	}
	if err != nil {
		return Notification{}, fmt.Errorf("通知の取得に失敗: %w", err)
	}
	return row.toNotification()
}

// MarkAsRead は通知を既読にする。存在しない場合はErrNotFoundを返す。
func (s *Store) MarkAsRead(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE notifications SET is_read = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("通知の既読化に失敗: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("更新件数の取得に失敗: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkAllAsRead は受信者の未読通知を全て既読にし、更新した件数を返す。
func (s *Store) MarkAllAsRead(ctx context.Context, recipientID string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE notifications SET is_read = 1 WHERE recipient_id = ? AND is_read = 0`, recipientID)
	if err != nil {
		return 0, fmt.Errorf("全通知の既読化に失敗: %w", err)
	}
	return res.RowsAffected()
}

// CountUnread は受信者の未読通知の件数を返す。
func (s *Store) CountUnread(ctx context.Context, recipientID string) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM notifications WHERE recipient_id = ? AND is_read = 0`, recipientID)
	if err != nil {
		return 0, fmt.Errorf("未読件数の取得に失敗: %w", err)
	}
	return count, nil
}

// Ping はデータベースへの疎通を確認する。
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close はデータベース接続を閉じる。
func (s *Store) Close() error {
	return s.db.Close()
}

func normalizeLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultListLimit
	case limit > MaxListLimit:
		return MaxListLimit
	default:
		return limit
	}
}
