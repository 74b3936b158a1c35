// internal/state/thread_test.go
package state

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/user/deskmate/internal/types"
)

func stores(t *testing.T) map[string]types.ThreadStore {
	t.Helper()
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "threads.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return map[string]types.ThreadStore{
		"file":   NewFileStore(t.TempDir()),
		"sqlite": db,
	}
}

func message(role types.Role, content string) *types.Message {
	return &types.Message{
		ID:        types.NewMessageID(),
		Role:      role,
		Content:   content,
		Timestamp: time.Now(),
	}
}

func TestThreadStoreRoundTrip(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			th, err := store.CreateThread(ctx, "")
			if err != nil {
				t.Fatal(err)
			}
			if th.ID == "" {
				t.Fatal("expected non-empty thread ID")
			}

			user := message(types.RoleUser, "What is on my   calendar today?")
			user.ClientID = types.NewClientID()
			user.Status = types.Committed
			reply := message(types.RoleAssistant, "Two meetings.")
			reply.Agent = types.AgentSecretary
			reply.RunID = types.NewRunID()
			reply.ToolExecutions = []types.ToolExecution{{ID: "t1", Name: "calendar", Status: types.ToolCompleted}}
			reply.Citations = []types.Citation{{ID: "c1", URL: "https://example.com/cal"}}

			for _, m := range []*types.Message{user, reply} {
				if err := store.AppendMessage(ctx, th.ID, m); err != nil {
					t.Fatal(err)
				}
			}

			msgs, err := store.Messages(ctx, th.ID, 0)
			if err != nil {
				t.Fatal(err)
			}
			if len(msgs) != 2 {
				t.Fatalf("expected 2 messages, got %d", len(msgs))
			}
			if msgs[0].ID != user.ID || msgs[0].Status != types.Committed {
				t.Errorf("unexpected first message %+v", msgs[0])
			}
			if msgs[1].Agent != types.AgentSecretary || len(msgs[1].ToolExecutions) != 1 || len(msgs[1].Citations) != 1 {
				t.Errorf("unexpected reply %+v", msgs[1])
			}

			got, err := store.GetThread(ctx, th.ID)
			if err != nil {
				t.Fatal(err)
			}
			if got.Title != "What is on my calendar today?" {
				t.Errorf("expected title from first user message, got %q", got.Title)
			}
			if !got.UpdatedAt.After(th.CreatedAt) && !got.UpdatedAt.Equal(th.CreatedAt) {
				t.Errorf("expected updated_at to move forward")
			}
		})
	}
}

func TestThreadStoreMessagesLimit(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			th, err := store.CreateThread(ctx, "limits")
			if err != nil {
				t.Fatal(err)
			}
			for i := 0; i < 5; i++ {
				if err := store.AppendMessage(ctx, th.ID, message(types.RoleUser, fmt.Sprintf("m%d", i))); err != nil {
					t.Fatal(err)
				}
			}

			msgs, err := store.Messages(ctx, th.ID, 2)
			if err != nil {
				t.Fatal(err)
			}
			if len(msgs) != 2 || msgs[0].Content != "m3" || msgs[1].Content != "m4" {
				t.Errorf("expected last two messages in order, got %v", msgs)
			}

			got, _ := store.GetThread(ctx, th.ID)
			if got.Title != "limits" {
				t.Errorf("explicit title should be kept, got %q", got.Title)
			}
		})
	}
}

func TestThreadStoreUnknownThread(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if _, err := store.GetThread(ctx, "missing"); !errors.Is(err, ErrThreadNotFound) {
				t.Errorf("GetThread: expected ErrThreadNotFound, got %v", err)
			}
			if err := store.AppendMessage(ctx, "missing", message(types.RoleUser, "hi")); !errors.Is(err, ErrThreadNotFound) {
				t.Errorf("AppendMessage: expected ErrThreadNotFound, got %v", err)
			}
			msgs, err := store.Messages(ctx, "missing", 10)
			if err != nil || len(msgs) != 0 {
				t.Errorf("expected no messages, got %v (%v)", msgs, err)
			}
		})
	}
}

func TestThreadStoreListOrder(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			older, err := store.CreateThread(ctx, "older")
			if err != nil {
				t.Fatal(err)
			}
			newer, err := store.CreateThread(ctx, "newer")
			if err != nil {
				t.Fatal(err)
			}
			time.Sleep(5 * time.Millisecond)
			if err := store.AppendMessage(ctx, older.ID, message(types.RoleUser, "bump")); err != nil {
				t.Fatal(err)
			}

			threads, err := store.ListThreads(ctx)
			if err != nil {
				t.Fatal(err)
			}
			if len(threads) != 2 {
				t.Fatalf("expected 2 threads, got %d", len(threads))
			}
			if threads[0].ID != older.ID || threads[1].ID != newer.ID {
				t.Errorf("expected most recently updated first, got %s then %s", threads[0].Title, threads[1].Title)
			}
		})
	}
}

func TestFileStorePersistence(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	th, err := NewFileStore(dir).CreateThread(ctx, "kept")
	if err != nil {
		t.Fatal(err)
	}
	if err := NewFileStore(dir).AppendMessage(ctx, th.ID, message(types.RoleUser, "still here")); err != nil {
		t.Fatal(err)
	}

	msgs, err := NewFileStore(dir).Messages(ctx, th.ID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Content != "still here" {
		t.Errorf("expected persisted message, got %v", msgs)
	}
}

func TestOpenBackends(t *testing.T) {
	dir := t.TempDir()
	for _, backend := range []string{"", BackendFile, BackendSQLite} {
		store, closeFn, err := Open(backend, dir)
		if err != nil {
			t.Fatalf("Open(%q): %v", backend, err)
		}
		if store == nil {
			t.Fatalf("Open(%q) returned nil store", backend)
		}
		if err := closeFn(); err != nil {
			t.Errorf("close %q: %v", backend, err)
		}
	}
	if _, _, err := Open("postgres", dir); err == nil {
		t.Error("expected error for unknown backend")
	}
}
