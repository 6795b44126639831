package notification

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/nao1215/projecthub/pkg/event"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestStore はインメモリSQLiteのストアを生成する。
func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := OpenStore(context.Background(), ":memory:", discardLogger())
	if err != nil {
		t.Fatalf("ストアの作成に失敗: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testNotification(recipientID, message string) Notification {
	return Notification{
		RecipientID: recipientID,
		ContextID:   "task-1",
		Message:     message,
		EventType:   event.TypeTaskAssigned,
		EventID:     "evt-" + message,
		OccurredAt:  time.Date(2026, 1, 2, 3, 4, 5, 123456789, time.UTC),
	}
}

func mustAppend(t *testing.T, store *Store, n Notification) int64 {
	t.Helper()
	id, err := store.Append(context.Background(), n)
	if err != nil {
		t.Fatalf("Append()でエラーが発生: %v", err)
	}
	return id
}

func TestStoreAppend(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("保存した通知を取得できること", func(t *testing.T) {
		t.Parallel()

		store := newTestStore(t)
		want := testNotification("user-c", "m1")
		id := mustAppend(t, store, want)

		got, err := store.GetByID(ctx, id)
		if err != nil {
			t.Fatalf("GetByID()でエラーが発生: %v", err)
		}
		if got.ID != id || got.RecipientID != "user-c" || got.ContextID != "task-1" || got.Message != "m1" {
			t.Errorf("got = %+v", got)
		}
		if got.EventType != event.TypeTaskAssigned || got.EventID != "evt-m1" {
			t.Errorf("EventType = %q, EventID = %q", got.EventType, got.EventID)
		}
		if !got.OccurredAt.Equal(want.OccurredAt) {
			t.Errorf("OccurredAt = %v, want %v", got.OccurredAt, want.OccurredAt)
		}
		if got.CreatedAt.IsZero() || got.IsRead {
			t.Errorf("CreatedAt = %v, IsRead = %v", got.CreatedAt, got.IsRead)
		}
	})

	t.Run("同じ内容の通知も別の行として保存されること", func(t *testing.T) {
		t.Parallel()

		store := newTestStore(t)
		n := testNotification("user-c", "dup")
		first := mustAppend(t, store, n)
		second := mustAppend(t, store, n)

		if second <= first {
			t.Errorf("IDが単調増加していない: %d, %d", first, second)
		}
		list, err := store.ListByRecipient(ctx, "user-c", 0)
		if err != nil {
			t.Fatalf("ListByRecipient()でエラーが発生: %v", err)
		}
		if len(list) != 2 {
			t.Errorf("件数 = %d, want 2", len(list))
		}
	})

	t.Run("受信者IDが無い場合はErrPersistenceになること", func(t *testing.T) {
		t.Parallel()

		store := newTestStore(t)
		_, err := store.Append(ctx, testNotification("", "x"))
		if !errors.Is(err, ErrPersistence) {
			t.Errorf("err = %v, want ErrPersistence", err)
		}
	})

	t.Run("クローズ済みのストアではErrPersistenceになること", func(t *testing.T) {
		t.Parallel()

		store := newTestStore(t)
		if err := store.Close(); err != nil {
			t.Fatalf("Close()でエラーが発生: %v", err)
		}
		_, err := store.Append(ctx, testNotification("user-c", "x"))
		if !errors.Is(err, ErrPersistence) {
			t.Errorf("err = %v, want ErrPersistence", err)
		}
	})

	t.Run("並行に保存しても全件保存されること", func(t *testing.T) {
		t.Parallel()

		store := newTestStore(t)
		const workers, perWorker = 8, 25

		var wg sync.WaitGroup
		errCh := make(chan error, workers*perWorker)
		for w := range workers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := range perWorker {
					if _, err := store.Append(ctx, testNotification("user-c", fmt.Sprintf("%d-%d", w, i))); err != nil {
						errCh <- err
					}
				}
			}()
		}
		wg.Wait()
		close(errCh)
		for err := range errCh {
			t.Errorf("Append()でエラーが発生: %v", err)
		}

		list, err := store.ListByRecipient(ctx, "user-c", MaxListLimit)
		if err != nil {
			t.Fatalf("ListByRecipient()でエラーが発生: %v", err)
		}
		if len(list) != workers*perWorker {
			t.Errorf("件数 = %d, want %d", len(list), workers*perWorker)
		}
	})
}

func TestStoreListByRecipient(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newTestStore(t)
	for i := range 5 {
		mustAppend(t, store, testNotification("user-c", fmt.Sprintf("c-%d", i)))
	}
	mustAppend(t, store, testNotification("user-d", "d-0"))

	t.Run("新しい順に返すこと", func(t *testing.T) {
		t.Parallel()

		list, err := store.ListByRecipient(ctx, "user-c", 0)
		if err != nil {
			t.Fatalf("ListByRecipient()でエラーが発生: %v", err)
		}
		if len(list) != 5 {
			t.Fatalf("件数 = %d, want 5", len(list))
		}
		for i := 1; i < len(list); i++ {
			if list[i-1].ID <= list[i].ID {
				t.Errorf("新しい順になっていない: %d, %d", list[i-1].ID, list[i].ID)
			}
		}
		if list[0].Message != "c-4" {
			t.Errorf("先頭 = %q, want c-4", list[0].Message)
		}
	})

	t.Run("limit件に制限されること", func(t *testing.T) {
		t.Parallel()

		list, err := store.ListByRecipient(ctx, "user-c", 2)
		if err != nil {
			t.Fatalf("ListByRecipient()でエラーが発生: %v", err)
		}
		if len(list) != 2 || list[0].Message != "c-4" || list[1].Message != "c-3" {
			t.Errorf("list = %+v", list)
		}
	})

	t.Run("他の受信者の通知は含まれないこと", func(t *testing.T) {
		t.Parallel()

		list, err := store.ListByRecipient(ctx, "user-d", 0)
		if err != nil {
			t.Fatalf("ListByRecipient()でエラーが発生: %v", err)
		}
		if len(list) != 1 || list[0].RecipientID != "user-d" {
			t.Errorf("list = %+v", list)
		}

		none, err := store.ListByRecipient(ctx, "user-x", 0)
		if err != nil {
			t.Fatalf("ListByRecipient()でエラーが発生: %v", err)
		}
		if none == nil || len(none) != 0 {
			t.Errorf("空のスライスを返すべき: %#v", none)
		}
	})
}

func TestStoreReadState(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newTestStore(t)
	first := mustAppend(t, store, testNotification("user-c", "a"))
	mustAppend(t, store, testNotification("user-c", "b"))
	mustAppend(t, store, testNotification("user-d", "c"))

	if err := store.MarkAsRead(ctx, first); err != nil {
		t.Fatalf("MarkAsRead()でエラーが発生: %v", err)
	}

	unread, err := store.ListUnread(ctx, "user-c", 0)
	if err != nil {
		t.Fatalf("ListUnread()でエラーが発生: %v", err)
	}
	if len(unread) != 1 || unread[0].Message != "b" {
		t.Errorf("unread = %+v", unread)
	}

	count, err := store.CountUnread(ctx, "user-c")
	if err != nil || count != 1 {
		t.Errorf("CountUnread() = %d, %v, want 1", count, err)
	}

	updated, err := store.MarkAllAsRead(ctx, "user-c")
	if err != nil || updated != 1 {
		t.Errorf("MarkAllAsRead() = %d, %v, want 1", updated, err)
	}
	if count, _ := store.CountUnread(ctx, "user-c"); count != 0 {
		t.Errorf("既読化後の未読件数 = %d, want 0", count)
	}
	if count, _ := store.CountUnread(ctx, "user-d"); count != 1 {
		t.Errorf("他ユーザーの未読件数 = %d, want 1", count)
	}

	if err := store.MarkAsRead(ctx, 9999); !errors.Is(err, ErrNotFound) {
		t.Errorf("MarkAsRead(存在しないID) = %v, want ErrNotFound", err)
	}
	if _, err := store.GetByID(ctx, 9999); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetByID(存在しないID) = %v, want ErrNotFound", err)
	}
}

func TestFromEnvelope(t *testing.T) {
	t.Parallel()

	env, err := event.New(event.TypeProjectStatusChanged, "user-c", "project-9", "ステータスが進行中になりました")
	if err != nil {
		t.Fatalf("event.New()でエラーが発生: %v", err)
	}

	n := FromEnvelope(env)
	if n.RecipientID != "user-c" || n.ContextID != "project-9" || n.Message != env.Message {
		t.Errorf("n = %+v", n)
	}
	if n.EventType != event.TypeProjectStatusChanged || n.EventID != env.EventID || !n.OccurredAt.Equal(env.OccurredAt) {
		t.Errorf("n = %+v", n)
	}
	if n.ID != 0 || n.IsRead {
		t.Errorf("保存前の通知はIDと既読状態を持たないべき: %+v", n)
	}
}
