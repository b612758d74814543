package orchestrator

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mood-agency/funny/internal/broadcast"
	"github.com/mood-agency/funny/internal/config"
	"github.com/mood-agency/funny/internal/errors"
	"github.com/mood-agency/funny/internal/registry"
	"github.com/mood-agency/funny/internal/runtime"
	"github.com/mood-agency/funny/internal/thread"
	"github.com/mood-agency/funny/internal/worktree"
)

func TestCreateThread_Idle(t *testing.T) {
	h := newHarness(t, "")
	th := h.create(t, CreateRequest{Title: "Empty"})

	if th.Status != thread.StatusIdle || th.Mode != thread.ModeLocal || th.Title != "Empty" {
		t.Errorf("created thread = %+v", th)
	}
	if len(h.rt.Requests()) != 0 {
		t.Error("idle thread should not start a runtime")
	}
	waitFor(t, "thread_created delta", func() bool { return h.rec.has(broadcast.DeltaThreadCreated, th.ID) })

	if _, err := h.o.CreateThread(ctx, CreateRequest{ProjectID: "missing"}); !errors.Is(err, errors.KindNotFound) {
		t.Errorf("unknown project err = %v", err)
	}
	if _, err := h.o.CreateThread(ctx, CreateRequest{ProjectID: h.project.ID, Mode: "remote"}); !errors.Is(err, errors.KindValidation) {
		t.Errorf("bad mode err = %v", err)
	}
}

func TestCreateThread_PromptRunsTurn(t *testing.T) {
	h := newHarness(t, "")
	h.rt.Queue(func(r *runtime.MockRun) {
		r.Emit(runtime.Event{Type: runtime.EventInit, SessionID: "sess-1", Model: "opus", Cwd: r.Request.Cwd, Tools: []string{"Read"}})
		r.Emit(runtime.Event{Type: runtime.EventAssistantText, Text: "hel", Partial: true})
		r.Emit(runtime.Event{Type: runtime.EventAssistantText, Text: "hello"})
		r.Emit(runtime.Event{Type: runtime.EventTurnResult, Result: &runtime.Result{Success: true, Text: "hello", Cost: 0.02, DurationMS: 900}})
	})

	th := h.create(t, CreateRequest{Prompt: "Say hello\nplease"})
	if th.Status != thread.StatusRunning {
		t.Errorf("status after create = %s, want running", th.Status)
	}
	if th.Title != "Say hello" {
		t.Errorf("title = %q", th.Title)
	}

	final := h.settle(t, th.ID)
	if final.Status != thread.StatusCompleted || final.CompletedAt == nil {
		t.Fatalf("final = %+v", final)
	}
	if final.ResultInfo == nil || final.ResultInfo.Status != thread.StatusCompleted || final.ResultInfo.Cost != 0.02 {
		t.Errorf("result info = %+v", final.ResultInfo)
	}
	if final.InitInfo == nil || final.InitInfo.Model != "opus" || final.AgentSessionID != "sess-1" {
		t.Errorf("init info = %+v session = %q", final.InitInfo, final.AgentSessionID)
	}
	if got := transcript(h.messages(t, th.ID)); got != "user:Say hello\nplease | assistant:hello" {
		t.Errorf("transcript = %q", got)
	}
	req := h.rt.Requests()[0]
	if req.Cwd != h.project.Path || req.ResumeSessionID != "" || req.ThreadID != th.ID {
		t.Errorf("first request = %+v", req)
	}
	waitFor(t, "streamed text", func() bool { return h.rec.has(broadcast.DeltaAssistantText, th.ID) })

	// The next turn continues the agent session.
	h.send(t, th.ID, "again")
	final = h.settle(t, th.ID)
	if final.Status != thread.StatusCompleted {
		t.Errorf("second turn status = %s", final.Status)
	}
	if reqs := h.rt.Requests(); len(reqs) != 2 || reqs[1].ResumeSessionID != "sess-1" {
		t.Errorf("second request = %+v", reqs)
	}
	if final.InitInfo.Model != "opus" {
		t.Error("init info changed after the first run")
	}
}

func TestSendMessage_Empty(t *testing.T) {
	h := newHarness(t, "")
	th := h.create(t, CreateRequest{})
	if _, err := h.o.SendMessage(ctx, th.ID, SendRequest{Content: "  "}); !errors.Is(err, errors.KindValidation) {
		t.Errorf("empty message err = %v", err)
	}
	if _, err := h.o.SendMessage(ctx, "missing", SendRequest{Content: "hi"}); !errors.Is(err, errors.KindNotFound) {
		t.Errorf("unknown thread err = %v", err)
	}
}

func TestCreateThread_Worktree(t *testing.T) {
	h := newHarness(t, "")
	th := h.create(t, CreateRequest{Mode: thread.ModeWorktree, Prompt: "work"})

	if th.Mode != thread.ModeWorktree || th.BaseBranch != "main" {
		t.Fatalf("thread = %+v", th)
	}
	if want := worktree.Path(h.project.Path, h.project.Name, th.ID); th.WorktreePath != want {
		t.Errorf("worktree path = %q, want %q", th.WorktreePath, want)
	}
	if want := worktree.BranchName("", th.ID); th.Branch != want {
		t.Errorf("branch = %q, want %q", th.Branch, want)
	}
	h.settle(t, th.ID)
	if cwd := h.rt.Requests()[0].Cwd; cwd != th.WorktreePath {
		t.Errorf("runtime cwd = %q, want worktree", cwd)
	}
}

func TestCreateThread_ProvisionFailureRollsBack(t *testing.T) {
	h := newHarness(t, "")
	h.vcs.addErr = errors.GitFailed(errors.Op("git.AddWorktree"), errors.ReasonWorktreeExists, "x", os.ErrExist)

	_, err := h.o.CreateThread(ctx, CreateRequest{ProjectID: h.project.ID, Mode: thread.ModeWorktree, Prompt: "work"})
	if !errors.Is(err, errors.KindResource) {
		t.Fatalf("err = %v, want resource error", err)
	}
	threads, _ := h.o.ListThreads(ctx, registry.Filter{ProjectID: h.project.ID, IncludeArchived: true})
	if len(threads) != 0 {
		t.Errorf("failed provisioning left %d threads", len(threads))
	}
	if h.vcs.count("RemoveBranch") != 1 {
		t.Error("created branch was not rolled back")
	}
	if len(h.rt.Requests()) != 0 {
		t.Error("runtime started for a thread that was never created")
	}
}

func TestBindingInvariantHoldsInEveryDelta(t *testing.T) {
	h := newHarness(t, "")
	th := h.create(t, CreateRequest{Mode: thread.ModeWorktree, Prompt: "work"})
	h.settle(t, th.ID)
	if _, err := h.o.MergeAndCleanup(ctx, th.ID, MergeRequest{Cleanup: true}); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "unbind delta", func() bool {
		for _, d := range h.rec.all() {
			if d.ThreadID == th.ID && d.Thread != nil && d.Thread.Mode == thread.ModeLocal {
				return true
			}
		}
		return false
	})
	for _, d := range h.rec.all() {
		if d.Thread == nil {
			continue
		}
		if err := d.Thread.CheckBinding(); err != nil {
			t.Errorf("delta %d (%s) broke the binding invariant: %v", d.Seq, d.Type, err)
		}
	}
}

func TestPinAndArchive(t *testing.T) {
	h := newHarness(t, "")
	th := h.create(t, CreateRequest{})

	pinned, err := h.o.PinThread(ctx, th.ID, true)
	if err != nil || !pinned.Pinned {
		t.Fatalf("PinThread = %+v, %v", pinned, err)
	}
	archived, err := h.o.ArchiveThread(ctx, th.ID, true)
	if err != nil || !archived.Archived {
		t.Fatalf("ArchiveThread = %+v, %v", archived, err)
	}
	visible, _ := h.o.ListThreads(ctx, registry.Filter{ProjectID: h.project.ID})
	all, _ := h.o.ListThreads(ctx, registry.Filter{ProjectID: h.project.ID, IncludeArchived: true})
	if len(visible) != 0 || len(all) != 1 {
		t.Errorf("visible=%d all=%d", len(visible), len(all))
	}

	h.rt.Queue(runtime.Block(""))
	busy := h.create(t, CreateRequest{Prompt: "long task"})
	if _, err := h.o.ArchiveThread(ctx, busy.ID, true); !errors.Is(err, errors.KindValidation) {
		t.Errorf("archiving an active thread err = %v", err)
	}
	if _, err := h.o.PinThread(ctx, "missing", true); !errors.Is(err, errors.KindNotFound) {
		t.Errorf("pin unknown thread err = %v", err)
	}
}

func TestDeleteThread(t *testing.T) {
	h := newHarness(t, "")
	h.rt.Queue(runtime.Block("thinking"))
	th := h.create(t, CreateRequest{Mode: thread.ModeWorktree, Prompt: "work"})
	if err := os.MkdirAll(th.WorktreePath, 0o755); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "runtime start", func() bool { return len(h.rt.Runs()) == 1 })

	if err := h.o.DeleteThread(ctx, th.ID); err != nil {
		t.Fatalf("DeleteThread: %v", err)
	}
	if _, err := h.o.GetThread(ctx, th.ID); !errors.Is(err, errors.KindNotFound) {
		t.Errorf("thread still exists: %v", err)
	}
	if !h.rt.Runs()[0].WasCancelled() {
		t.Error("runtime was not cancelled")
	}
	if h.vcs.count("RemoveWorktree "+th.WorktreePath) != 1 || h.vcs.count("RemoveBranch "+th.Branch) != 1 {
		t.Errorf("worktree not torn down: %v", h.vcs.calls)
	}
	waitFor(t, "thread_deleted delta", func() bool { return h.rec.has(broadcast.DeltaThreadDeleted, th.ID) })
	if err := h.o.DeleteThread(ctx, th.ID); !errors.Is(err, errors.KindNotFound) {
		t.Errorf("second delete err = %v", err)
	}
}

func TestRecover(t *testing.T) {
	h := newHarness(t, "")
	mk := func(status thread.Status, reason thread.WaitingReason) *thread.Thread {
		th := &thread.Thread{
			ID: thread.NewID(), ProjectID: h.project.ID, Mode: thread.ModeLocal,
			Status: status, WaitingReason: reason, QueuedCount: 2, CreatedAt: time.Now(),
		}
		if status != thread.StatusRunning && status != thread.StatusWaiting {
			th.QueuedCount = 0
		}
		if err := h.store.CreateThread(ctx, th); err != nil {
			t.Fatal(err)
		}
		return th
	}
	running := mk(thread.StatusRunning, "")
	waiting := mk(thread.StatusWaiting, thread.WaitingQuestion)
	idle := mk(thread.StatusIdle, "")

	n, err := h.o.Recover(ctx)
	if err != nil || n != 2 {
		t.Fatalf("Recover = %d, %v", n, err)
	}
	for _, id := range []string{running.ID, waiting.ID} {
		th := h.get(t, id)
		if th.Status != thread.StatusInterrupted || th.QueuedCount != 0 || th.WaitingReason != "" {
			t.Errorf("recovered thread = %+v", th)
		}
	}
	if h.get(t, idle.ID).Status != thread.StatusIdle {
		t.Error("idle thread was touched")
	}

	h.send(t, running.ID, "continue")
	if final := h.settle(t, running.ID); final.Status != thread.StatusCompleted {
		t.Errorf("interrupted thread did not resume: %s", final.Status)
	}
}

func TestRecover_ResetsStaleQueuedCount(t *testing.T) {
	h := newHarness(t, config.FollowUpQueue)
	stopped := &thread.Thread{
		ID: thread.NewID(), ProjectID: h.project.ID, Mode: thread.ModeLocal,
		Status: thread.StatusStopped, QueuedCount: 3, CreatedAt: time.Now(),
	}
	if err := h.store.CreateThread(ctx, stopped); err != nil {
		t.Fatal(err)
	}

	n, err := h.o.Recover(ctx)
	if err != nil || n != 0 {
		t.Fatalf("Recover = %d, %v", n, err)
	}
	got := h.get(t, stopped.ID)
	if got.Status != thread.StatusStopped || got.QueuedCount != 0 {
		t.Errorf("after recover = %s queued=%d, want stopped queued=0", got.Status, got.QueuedCount)
	}
	waitFor(t, "update delta", func() bool { return h.rec.has(broadcast.DeltaThreadUpdated, stopped.ID) })

	h.send(t, stopped.ID, "resume")
	if final := h.settle(t, stopped.ID); final.Status != thread.StatusCompleted || final.QueuedCount != 0 {
		t.Errorf("final = %s queued=%d", final.Status, final.QueuedCount)
	}
	if got := strings.Join(prompts(h.rt), ","); got != "resume" {
		t.Errorf("prompts = %s", got)
	}
}

func TestShutdown(t *testing.T) {
	h := newHarness(t, "")
	h.rt.Queue(runtime.Block("half"))
	th := h.create(t, CreateRequest{Prompt: "long task"})
	waitFor(t, "partial text", func() bool { return h.rec.has(broadcast.DeltaAssistantText, th.ID) })

	if err := h.o.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}
	final := h.get(t, th.ID)
	if final.Status != thread.StatusInterrupted {
		t.Errorf("status after shutdown = %s", final.Status)
	}
	if got := transcript(h.messages(t, th.ID)); got != "user:long task | assistant:half" {
		t.Errorf("partial output not kept: %q", got)
	}
	if _, err := h.o.SendMessage(ctx, th.ID, SendRequest{Content: "more"}); !errors.Is(err, errors.KindRuntime) {
		t.Errorf("send after shutdown err = %v", err)
	}
	if _, err := h.o.CreateThread(ctx, CreateRequest{ProjectID: h.project.ID}); err == nil {
		t.Error("create after shutdown should fail")
	}
}

func TestSnapshot(t *testing.T) {
	h := newHarness(t, "")
	wt := h.create(t, CreateRequest{Mode: thread.ModeWorktree})
	h.create(t, CreateRequest{})

	snap, err := h.o.Snapshot(ctx, h.project.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(snap.Threads) != 2 || len(snap.Status.Worktrees) != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}
	if ws := snap.Status.Worktrees[0]; ws.ThreadID != wt.ID || ws.Ahead != 1 {
		t.Errorf("worktree status = %+v", ws)
	}
	if snap.Seq == 0 || snap.Seq > h.hub.Seq() {
		t.Errorf("snapshot seq = %d, hub seq = %d", snap.Seq, h.hub.Seq())
	}
	if _, err := h.o.Snapshot(ctx, "missing"); !errors.Is(err, errors.KindNotFound) {
		t.Errorf("unknown project err = %v", err)
	}
	if _, _, err := h.o.ListMessages(ctx, "missing", registry.Page{}); !errors.Is(err, errors.KindNotFound) {
		t.Errorf("ListMessages unknown thread err = %v", err)
	}
}

func TestPolicyFileMakesToolSensitive(t *testing.T) {
	h := newHarness(t, "")
	dir := filepath.Join(h.project.Path, ".funny")
	os.MkdirAll(dir, 0o755)
	if err := os.WriteFile(filepath.Join(dir, "policy.yaml"), []byte("sensitive_tools: [Read]\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	h.rt.Queue(runtime.AskPermission("tu1", "Read", []byte(`{"file_path":"secrets.env"}`)))
	th := h.create(t, CreateRequest{Prompt: "read it"})

	waiting := h.waitStatus(t, th.ID, thread.StatusWaiting)
	if waiting.PendingPermission == nil || waiting.PendingPermission.ToolName != "Read" {
		t.Fatalf("pending = %+v", waiting.PendingPermission)
	}
	if _, err := h.o.ApproveTool(ctx, th.ID, ApproveRequest{ToolName: "Read", Approved: true}); err != nil {
		t.Fatal(err)
	}
	if final := h.settle(t, th.ID); final.Status != thread.StatusCompleted {
		t.Errorf("final = %s", final.Status)
	}
}

func TestRuntimeStartFailure(t *testing.T) {
	h := newHarness(t, "")
	h.rt.StartErr = os.ErrNotExist
	th := h.create(t, CreateRequest{Prompt: "go"})

	final := h.settle(t, th.ID)
	if final.Status != thread.StatusFailed || final.ResultInfo == nil ||
		!strings.Contains(final.ResultInfo.Error, "failed to start runtime") {
		t.Errorf("final = %+v result = %+v", final, final.ResultInfo)
	}
}

func TestReloadPolicy_AppliesToLiveSession(t *testing.T) {
	h := newHarness(t, "")
	h.rt.Queue(
		runtime.Block("working"),
		runtime.AskPermission("r1", "Read", []byte(`{"file_path":".env"}`)),
	)
	th := h.create(t, CreateRequest{Prompt: "start"})
	waitFor(t, "runtime start", func() bool { return len(h.rt.Runs()) == 1 })

	dir := filepath.Join(h.project.Path, ".funny")
	os.MkdirAll(dir, 0o755)
	policyYAML := "sensitive_tools: [Read]\nfollow_up_mode: queue\n"
	if err := os.WriteFile(filepath.Join(dir, "policy.yaml"), []byte(policyYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	h.o.ReloadPolicy(h.project.ID)

	// Queue mode now applies: the follow-up waits instead of interrupting.
	queued := h.send(t, th.ID, "read the env file")
	if queued.QueuedCount != 1 || h.rt.Runs()[0].WasCancelled() {
		t.Fatalf("follow-up was not queued: %+v", queued)
	}
	if _, err := h.o.StopThread(ctx, th.ID, StopRequest{}); err != nil {
		t.Fatal(err)
	}
	h.settle(t, th.ID)
	h.send(t, th.ID, "go on")

	waiting := h.waitStatus(t, th.ID, thread.StatusWaiting)
	if waiting.PendingPermission == nil || waiting.PendingPermission.ToolName != "Read" {
		t.Errorf("reloaded policy not applied: %+v", waiting.PendingPermission)
	}
}
