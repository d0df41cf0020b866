package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/nevindra/mirage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "chats.db"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	created, err := s.Create(ctx, "abc", "New Chat")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if created.CreatedAt == 0 {
		t.Error("created_at not set")
	}

	got, err := s.Get(ctx, "abc")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ID != "abc" || got.Title != "New Chat" || len(got.Messages) != 0 {
		t.Errorf("got %+v", got)
	}
}

func TestGetMissing(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get(context.Background(), "nope")
	if !errors.Is(err, mirage.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestSaveMessagesRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	s.Create(ctx, "abc", "New Chat")

	messages := []mirage.Message{
		mirage.UserMessage("run ls"),
		{Role: "assistant", Content: "", ToolCalls: []mirage.ToolCall{
			{ID: "call_1", Name: "execute_command", Arguments: `{"command":"ls"}`},
		}},
		mirage.ToolResultMessage("call_1", `{"success":true,"stdout":"a\n"}`),
		mirage.AssistantMessage("there is one file"),
	}
	if err := s.SaveMessages(ctx, "abc", messages); err != nil {
		t.Fatalf("SaveMessages: %v", err)
	}

	got, err := s.Get(ctx, "abc")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(got.Messages) != 4 {
		t.Fatalf("got %d messages", len(got.Messages))
	}
	if got.Messages[1].ToolCalls[0].Arguments != `{"command":"ls"}` {
		t.Errorf("tool call arguments did not round-trip: %+v", got.Messages[1])
	}
	if got.Messages[2].ToolCallID != "call_1" {
		t.Errorf("tool message = %+v", got.Messages[2])
	}
}

func TestListNewestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// created_at has second precision; force distinct timestamps.
	s.Create(ctx, "old", "Old")
	time.Sleep(1100 * time.Millisecond)
	s.Create(ctx, "new", "New")

	chats, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(chats) != 2 {
		t.Fatalf("got %d chats", len(chats))
	}
	if chats[0].ID != "new" || chats[1].ID != "old" {
		t.Errorf("order = %s, %s; want newest first", chats[0].ID, chats[1].ID)
	}
}

func TestUpdateTitle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	s.Create(ctx, "abc", "New Chat")

	if err := s.UpdateTitle(ctx, "abc", "What is in this repo"); err != nil {
		t.Fatalf("UpdateTitle: %v", err)
	}
	got, _ := s.Get(ctx, "abc")
	if got.Title != "What is in this repo" {
		t.Errorf("title = %q", got.Title)
	}
}

func TestDeleteIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	s.Create(ctx, "abc", "New Chat")

	if err := s.Delete(ctx, "abc"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(ctx, "abc"); !errors.Is(err, mirage.ErrNotFound) {
		t.Errorf("Get after delete: %v", err)
	}
	if err := s.Delete(ctx, "abc"); err != nil {
		t.Errorf("second Delete: %v", err)
	}
}

func TestCreateDuplicateFails(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	s.Create(ctx, "abc", "New Chat")
	if _, err := s.Create(ctx, "abc", "Again"); err == nil {
		t.Error("duplicate create succeeded")
	}
}
