package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mood-agency/funny/internal/errors"
	"github.com/mood-agency/funny/internal/thread"
)

var ctx = context.Background()

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "data", FileName))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newThread(project string) *thread.Thread {
	return &thread.Thread{
		ID:        thread.NewID(),
		ProjectID: project,
		Title:     "test",
		Mode:      thread.ModeLocal,
		Status:    thread.StatusIdle,
		CreatedAt: time.Now(),
	}
}

func TestCreateAndGetThread(t *testing.T) {
	s := openTestStore(t)
	th := newThread("p1")
	th.Mode = thread.ModeWorktree
	th.WorktreePath = "/tmp/wt"
	th.Branch = "funny-abc"
	th.BaseBranch = "main"

	if err := s.CreateThread(ctx, th); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetThread(ctx, th.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Branch != "funny-abc" || got.Mode != thread.ModeWorktree || got.BaseBranch != "main" {
		t.Errorf("round trip lost binding: %+v", got)
	}
	if !got.CreatedAt.Equal(th.CreatedAt) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, th.CreatedAt)
	}

	if _, err := s.GetThread(ctx, "missing"); !errors.Is(err, errors.KindNotFound) {
		t.Errorf("GetThread(missing) = %v", err)
	}
}

func TestCreateThread_RejectsPartialBinding(t *testing.T) {
	s := openTestStore(t)
	th := newThread("p1")
	th.Mode = thread.ModeWorktree
	th.WorktreePath = "/tmp/wt"

	if err := s.CreateThread(ctx, th); !errors.Is(err, errors.KindValidation) {
		t.Fatalf("CreateThread = %v, want validation error", err)
	}
	if s.ThreadExists(ctx, th.ID) {
		t.Error("invalid thread was stored")
	}
}

func TestUpdateThread(t *testing.T) {
	s := openTestStore(t)
	th := newThread("p1")
	s.CreateThread(ctx, th)

	updated, err := s.UpdateThread(ctx, th.ID, func(th *thread.Thread) error {
		return th.Transition(thread.StatusRunning)
	})
	if err != nil {
		t.Fatal(err)
	}
	if updated.Status != thread.StatusRunning {
		t.Errorf("Status = %s", updated.Status)
	}
	got, _ := s.GetThread(ctx, th.ID)
	if got.Status != thread.StatusRunning {
		t.Errorf("persisted Status = %s", got.Status)
	}
}

func TestUpdateThread_NoWriteOnFailure(t *testing.T) {
	s := openTestStore(t)
	th := newThread("p1")
	s.CreateThread(ctx, th)

	// Callback error
	_, err := s.UpdateThread(ctx, th.ID, func(th *thread.Thread) error {
		th.Title = "changed"
		return fmt.Errorf("boom")
	})
	if err == nil {
		t.Fatal("expected callback error")
	}

	// Validation error: half a binding
	_, err = s.UpdateThread(ctx, th.ID, func(th *thread.Thread) error {
		th.Title = "changed"
		th.Branch = "funny-x"
		return nil
	})
	if !errors.Is(err, errors.KindValidation) {
		t.Fatalf("err = %v, want validation", err)
	}

	// Identity change
	_, err = s.UpdateThread(ctx, th.ID, func(th *thread.Thread) error {
		th.ProjectID = "other"
		return nil
	})
	if !errors.Is(err, errors.KindValidation) {
		t.Fatalf("err = %v, want validation", err)
	}

	got, _ := s.GetThread(ctx, th.ID)
	if got.Title != "test" || got.Branch != "" || got.ProjectID != "p1" {
		t.Errorf("failed update was written: %+v", got)
	}

	if _, err := s.UpdateThread(ctx, "missing", func(*thread.Thread) error { return nil }); !errors.Is(err, errors.KindNotFound) {
		t.Errorf("update missing = %v", err)
	}
}

func TestUpdateThread_Serialized(t *testing.T) {
	s := openTestStore(t)
	th := newThread("p1")
	s.CreateThread(ctx, th)

	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.UpdateThread(ctx, th.ID, func(th *thread.Thread) error {
				th.QueuedCount++
				return nil
			})
			if err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	got, _ := s.GetThread(ctx, th.ID)
	if got.QueuedCount != 25 {
		t.Errorf("QueuedCount = %d, want 25 (lost updates)", got.QueuedCount)
	}
}

func TestListThreads(t *testing.T) {
	s := openTestStore(t)
	base := time.Now()

	older := newThread("p1")
	older.CreatedAt = base
	newer := newThread("p1")
	newer.CreatedAt = base.Add(time.Second)
	pinned := newThread("p1")
	pinned.CreatedAt = base.Add(-time.Hour)
	pinned.Pinned = true
	archived := newThread("p1")
	archived.Archived = true
	other := newThread("p2")

	for _, th := range []*thread.Thread{older, newer, pinned, archived, other} {
		if err := s.CreateThread(ctx, th); err != nil {
			t.Fatal(err)
		}
	}

	list, err := s.ListThreads(ctx, Filter{ProjectID: "p1"})
	if err != nil {
		t.Fatal(err)
	}
	want := []string{pinned.ID, newer.ID, older.ID}
	if len(list) != len(want) {
		t.Fatalf("got %d threads, want %d", len(list), len(want))
	}
	for i, id := range want {
		if list[i].ID != id {
			t.Errorf("list[%d] = %s, want %s", i, list[i].ID, id)
		}
	}

	all, _ := s.ListThreads(ctx, Filter{IncludeArchived: true})
	if len(all) != 5 {
		t.Errorf("all threads = %d, want 5", len(all))
	}

	s.UpdateThread(ctx, newer.ID, func(th *thread.Thread) error { return th.Transition(thread.StatusRunning) })
	running, _ := s.ListThreads(ctx, Filter{Statuses: []thread.Status{thread.StatusRunning, thread.StatusWaiting}})
	if len(running) != 1 || running[0].ID != newer.ID {
		t.Errorf("status filter = %v", running)
	}
}

func TestMessages_SeqAndPagination(t *testing.T) {
	s := openTestStore(t)
	th := newThread("p1")
	s.CreateThread(ctx, th)

	for i := 1; i <= 5; i++ {
		m := &thread.Message{ThreadID: th.ID, Role: thread.RoleUser, Content: fmt.Sprintf("m%d", i)}
		if err := s.AppendMessage(ctx, m); err != nil {
			t.Fatal(err)
		}
		if m.Seq != int64(i) {
			t.Errorf("Seq = %d, want %d", m.Seq, i)
		}
	}

	page, hasMore, err := s.ListMessages(ctx, th.ID, Page{Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if !hasMore || len(page) != 2 || page[0].Content != "m4" || page[1].Content != "m5" {
		t.Fatalf("newest page = %v hasMore=%v", contents(page), hasMore)
	}

	page, hasMore, _ = s.ListMessages(ctx, th.ID, Page{BeforeSeq: page[0].Seq, Limit: 2})
	if !hasMore || contents(page) != "m2,m3" {
		t.Errorf("second page = %v hasMore=%v", contents(page), hasMore)
	}

	page, hasMore, _ = s.ListMessages(ctx, th.ID, Page{BeforeSeq: 2, Limit: 2})
	if hasMore || contents(page) != "m1" {
		t.Errorf("last page = %v hasMore=%v", contents(page), hasMore)
	}

	if err := s.AppendMessage(ctx, &thread.Message{ThreadID: "missing", Role: thread.RoleUser}); !errors.Is(err, errors.KindNotFound) {
		t.Errorf("append to missing thread = %v", err)
	}
	if err := s.AppendMessage(ctx, &thread.Message{ThreadID: th.ID, Role: "system"}); !errors.Is(err, errors.KindValidation) {
		t.Errorf("append bad role = %v", err)
	}
}

func contents(msgs []thread.Message) string {
	out := ""
	for i, m := range msgs {
		if i > 0 {
			out += ","
		}
		out += m.Content
	}
	return out
}

func TestToolCalls(t *testing.T) {
	s := openTestStore(t)
	th := newThread("p1")
	s.CreateThread(ctx, th)
	m := &thread.Message{ThreadID: th.ID, Role: thread.RoleAssistant, Content: "working"}
	s.AppendMessage(ctx, m)

	bash := &thread.ToolCall{MessageID: m.ID, Name: "Bash", Input: json.RawMessage(`{"command":"ls"}`)}
	ask := &thread.ToolCall{MessageID: m.ID, Name: thread.ToolAskUserQuestion}
	for _, tc := range []*thread.ToolCall{bash, ask} {
		if err := s.AppendToolCall(ctx, tc); err != nil {
			t.Fatal(err)
		}
	}
	if bash.Seq != 1 || ask.Seq != 2 {
		t.Errorf("seqs = %d,%d", bash.Seq, ask.Seq)
	}
	if ask.Kind != thread.KindQuestion || bash.Kind != thread.KindStandard {
		t.Errorf("kinds = %s,%s", bash.Kind, ask.Kind)
	}

	pending, err := s.PendingInteractiveCall(ctx, th.ID)
	if err != nil || pending == nil || pending.ID != ask.ID {
		t.Fatalf("PendingInteractiveCall = %+v, %v", pending, err)
	}

	set, err := s.SetToolCallOutput(ctx, ask.ID, "blue")
	if err != nil || !set {
		t.Fatalf("SetToolCallOutput = %v, %v", set, err)
	}
	if set, _ := s.SetToolCallOutput(ctx, ask.ID, "red"); set {
		t.Error("second output should be ignored")
	}
	if _, err := s.SetToolCallOutput(ctx, "missing", "x"); !errors.Is(err, errors.KindNotFound) {
		t.Errorf("output for missing call = %v", err)
	}
	if pending, _ := s.PendingInteractiveCall(ctx, th.ID); pending != nil {
		t.Errorf("answered call still pending: %+v", pending)
	}

	msgs, _, _ := s.ListMessages(ctx, th.ID, Page{})
	if len(msgs) != 1 || len(msgs[0].ToolCalls) != 2 {
		t.Fatalf("messages = %+v", msgs)
	}
	calls := msgs[0].ToolCalls
	if calls[0].Output != nil {
		t.Error("bash output should be nil until reported")
	}
	if calls[1].Output == nil || *calls[1].Output != "blue" {
		t.Errorf("question output = %v", calls[1].Output)
	}
	if string(calls[0].Input) != `{"command":"ls"}` {
		t.Errorf("input = %s", calls[0].Input)
	}
}

func TestDeleteThread_Cascades(t *testing.T) {
	s := openTestStore(t)
	th := newThread("p1")
	s.CreateThread(ctx, th)
	m := &thread.Message{ThreadID: th.ID, Role: thread.RoleAssistant}
	s.AppendMessage(ctx, m)
	tc := &thread.ToolCall{MessageID: m.ID, Name: "Read"}
	s.AppendToolCall(ctx, tc)

	if err := s.DeleteThread(ctx, th.ID); err != nil {
		t.Fatal(err)
	}
	if s.ThreadExists(ctx, th.ID) {
		t.Error("thread still exists")
	}
	if _, err := s.GetMessage(ctx, m.ID); !errors.Is(err, errors.KindNotFound) {
		t.Errorf("message survived delete: %v", err)
	}
	if _, err := s.GetToolCall(ctx, tc.ID); !errors.Is(err, errors.KindNotFound) {
		t.Errorf("tool call survived delete: %v", err)
	}
	if err := s.DeleteThread(ctx, th.ID); !errors.Is(err, errors.KindNotFound) {
		t.Errorf("second delete = %v", err)
	}
}

func TestOpen_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	th := newThread("p1")
	s.CreateThread(ctx, th)
	s.Close()

	s2, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()
	if !s2.ThreadExists(ctx, th.ID) {
		t.Error("thread not persisted across reopen")
	}
}
