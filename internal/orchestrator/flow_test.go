package orchestrator

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/mood-agency/funny/internal/broadcast"
	"github.com/mood-agency/funny/internal/config"
	"github.com/mood-agency/funny/internal/errors"
	"github.com/mood-agency/funny/internal/runtime"
	"github.com/mood-agency/funny/internal/thread"
)

func TestQueueMode_DeliversFollowUpsInOrder(t *testing.T) {
	h := newHarness(t, config.FollowUpQueue)
	release := make(chan struct{})
	h.rt.Queue(runtime.Gated("working", release))

	th := h.create(t, CreateRequest{Prompt: "first"})
	waitFor(t, "runtime start", func() bool { return h.rt.Live() == 1 })
	for i, msg := range []string{"a", "b", "c"} {
		got := h.send(t, th.ID, msg)
		if got.QueuedCount != i+1 {
			t.Errorf("after %q queued = %d, want %d", msg, got.QueuedCount, i+1)
		}
		if got.Status != thread.StatusRunning {
			t.Errorf("queueing changed status to %s", got.Status)
		}
	}
	close(release)

	final := h.settle(t, th.ID)
	if final.Status != thread.StatusCompleted || final.QueuedCount != 0 {
		t.Fatalf("final = %s queued=%d", final.Status, final.QueuedCount)
	}
	if got := strings.Join(prompts(h.rt), ","); got != "first,a,b,c" {
		t.Errorf("prompts = %s", got)
	}
	h.waitRecorded(t, th.ID, thread.StatusCompleted)
	statuses := h.rec.statuses(th.ID)
	if count(statuses, thread.StatusCompleted) != 1 || statuses[len(statuses)-1] != thread.StatusCompleted {
		t.Errorf("thread completed before the queue drained: %v", statuses)
	}
	for _, r := range h.rt.Runs() {
		if r.WasCancelled() {
			t.Error("queue mode cancelled a run")
		}
	}
}

func TestQueueMode_ConcurrentSendsUseOneRuntime(t *testing.T) {
	h := newHarness(t, config.FollowUpQueue)
	var overlap atomic.Int32
	h.rt.OnStart = func(*runtime.MockRun) {
		if h.rt.Live() > 1 {
			overlap.Add(1)
		}
	}
	th := h.create(t, CreateRequest{})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := h.o.SendMessage(ctx, th.ID, SendRequest{Content: fmt.Sprintf("msg %d", i)}); err != nil {
				t.Errorf("send %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	final := h.settle(t, th.ID)
	if final.Status != thread.StatusCompleted {
		t.Errorf("final status = %s", final.Status)
	}
	if n := len(h.rt.Requests()); n != 20 {
		t.Errorf("runtime started %d times, want 20", n)
	}
	if overlap.Load() != 0 {
		t.Error("two runtimes were live for one thread")
	}
	users := 0
	for _, m := range h.messages(t, th.ID) {
		if m.Role == thread.RoleUser {
			users++
		}
	}
	if users != 20 {
		t.Errorf("stored %d user messages, want 20", users)
	}
}

func TestQueueMode_RacingFirstSendsQueueTheLoser(t *testing.T) {
	h := newHarness(t, config.FollowUpQueue)
	release := make(chan struct{})
	const threads = 5
	for i := 0; i < threads; i++ {
		h.rt.Queue(runtime.Gated("working", release))
	}

	var ids []string
	for i := 0; i < threads; i++ {
		ids = append(ids, h.create(t, CreateRequest{}).ID)
	}
	var wg sync.WaitGroup
	for _, id := range ids {
		for _, msg := range []string{"left", "right"} {
			wg.Add(1)
			go func(id, msg string) {
				defer wg.Done()
				if _, err := h.o.SendMessage(ctx, id, SendRequest{Content: msg}); err != nil {
					t.Errorf("send %s: %v", msg, err)
				}
			}(id, msg)
		}
	}
	wg.Wait()
	waitFor(t, "first turns", func() bool { return h.rt.Live() == threads })

	for _, id := range ids {
		if got := h.get(t, id); got.Status != thread.StatusRunning || got.QueuedCount != 1 {
			t.Errorf("thread %s: status=%s queued=%d, want running queued=1", id, got.Status, got.QueuedCount)
		}
	}
	close(release)
	for _, id := range ids {
		if final := h.settle(t, id); final.Status != thread.StatusCompleted || final.QueuedCount != 0 {
			t.Errorf("thread %s final = %s queued=%d", id, final.Status, final.QueuedCount)
		}
	}
	if n := len(h.rt.Requests()); n != 2*threads {
		t.Errorf("runtime started %d times, want %d", n, 2*threads)
	}
	for _, r := range h.rt.Runs() {
		if r.WasCancelled() {
			t.Error("queue mode cancelled a run")
		}
	}
}

func TestInterruptMode_FlushesPartialOutput(t *testing.T) {
	h := newHarness(t, "")
	h.rt.Queue(runtime.Block("partial answer"))
	th := h.create(t, CreateRequest{Prompt: "start"})
	waitFor(t, "partial text", func() bool { return h.rec.has(broadcast.DeltaAssistantText, th.ID) })

	got := h.send(t, th.ID, "new direction")
	if got.Status != thread.StatusRunning {
		t.Errorf("status after interrupt = %s", got.Status)
	}

	final := h.settle(t, th.ID)
	if final.Status != thread.StatusCompleted {
		t.Fatalf("final = %s", final.Status)
	}
	if !h.rt.Runs()[0].WasCancelled() {
		t.Error("first run was not cancelled")
	}
	want := "user:start | assistant:partial answer | user:new direction | assistant:ok"
	if got := transcript(h.messages(t, th.ID)); got != want {
		t.Errorf("transcript = %q\nwant %q", got, want)
	}
	if statuses := h.rec.statuses(th.ID); count(statuses, thread.StatusFailed) != 0 {
		t.Errorf("interrupt marked the thread failed: %v", statuses)
	}
}

func TestStopThread(t *testing.T) {
	h := newHarness(t, "")
	h.rt.Queue(runtime.Block("half"))
	th := h.create(t, CreateRequest{Prompt: "long task"})
	waitFor(t, "runtime start", func() bool { return len(h.rt.Runs()) == 1 })

	stopped, err := h.o.StopThread(ctx, th.ID, StopRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if stopped.Status != thread.StatusStopped || stopped.CompletedAt == nil {
		t.Errorf("stopped = %+v", stopped)
	}
	final := h.settle(t, th.ID)
	if final.Status != thread.StatusStopped {
		t.Errorf("status after loop exit = %s", final.Status)
	}
	if !h.rt.Runs()[0].WasCancelled() {
		t.Error("runtime was not cancelled")
	}
	if got := transcript(h.messages(t, th.ID)); got != "user:long task | assistant:half" {
		t.Errorf("transcript = %q", got)
	}

	if _, err := h.o.StopThread(ctx, th.ID, StopRequest{}); !errors.Is(err, errors.KindValidation) {
		t.Errorf("second stop err = %v", err)
	}
	idle := h.create(t, CreateRequest{})
	if _, err := h.o.StopThread(ctx, idle.ID, StopRequest{}); !errors.Is(err, errors.KindValidation) {
		t.Errorf("stopping an idle thread err = %v", err)
	}
}

func TestStopThread_KeepsQueue(t *testing.T) {
	h := newHarness(t, config.FollowUpQueue)
	h.rt.Queue(runtime.Block(""))
	th := h.create(t, CreateRequest{Prompt: "first"})
	waitFor(t, "runtime start", func() bool { return h.rt.Live() == 1 })
	h.send(t, th.ID, "q1")
	h.send(t, th.ID, "q2")

	stopped, err := h.o.StopThread(ctx, th.ID, StopRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if stopped.QueuedCount != 2 {
		t.Errorf("queued after stop = %d", stopped.QueuedCount)
	}
	h.settle(t, th.ID)
	if n := len(h.rt.Requests()); n != 1 {
		t.Fatalf("queue drained after stop: %d runs", n)
	}

	h.send(t, th.ID, "next")
	final := h.settle(t, th.ID)
	if final.Status != thread.StatusCompleted || final.QueuedCount != 0 {
		t.Errorf("final = %s queued=%d", final.Status, final.QueuedCount)
	}
	if got := strings.Join(prompts(h.rt), ","); got != "first,q1,q2,next" {
		t.Errorf("prompts = %s", got)
	}
}

func TestStopThread_ClearQueue(t *testing.T) {
	h := newHarness(t, config.FollowUpQueue)
	h.rt.Queue(runtime.Block(""))
	th := h.create(t, CreateRequest{Prompt: "first"})
	waitFor(t, "runtime start", func() bool { return h.rt.Live() == 1 })
	h.send(t, th.ID, "q1")

	stopped, err := h.o.StopThread(ctx, th.ID, StopRequest{ClearQueue: true})
	if err != nil {
		t.Fatal(err)
	}
	if stopped.QueuedCount != 0 {
		t.Errorf("queued = %d, want 0", stopped.QueuedCount)
	}
	h.settle(t, th.ID)
	h.send(t, th.ID, "next")
	h.settle(t, th.ID)
	if got := strings.Join(prompts(h.rt), ","); got != "first,next" {
		t.Errorf("prompts = %s", got)
	}
}

// held is a script that emits partial text and keeps running, even when
// cancelled, until release is closed.
func held(partial string, release <-chan struct{}) runtime.Script {
	return func(r *runtime.MockRun) {
		r.Emit(runtime.Event{Type: runtime.EventAssistantText, Text: partial, Partial: true})
		<-release
	}
}

func TestStopThread_KeepsInterruptFollowUp(t *testing.T) {
	h := newHarness(t, "")
	release := make(chan struct{})
	h.rt.Queue(held("partial", release))
	th := h.create(t, CreateRequest{Prompt: "start"})
	waitFor(t, "partial text", func() bool { return h.rec.has(broadcast.DeltaAssistantText, th.ID) })

	// The cancelled run is still winding down when the stop arrives.
	h.send(t, th.ID, "follow-up")
	stopped, err := h.o.StopThread(ctx, th.ID, StopRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if stopped.Status != thread.StatusStopped || stopped.QueuedCount != 1 {
		t.Errorf("stopped = %s queued=%d, want stopped queued=1", stopped.Status, stopped.QueuedCount)
	}
	close(release)
	if final := h.settle(t, th.ID); final.Status != thread.StatusStopped || final.QueuedCount != 1 {
		t.Errorf("after loop exit = %s queued=%d", final.Status, final.QueuedCount)
	}
	if got := strings.Join(prompts(h.rt), ","); got != "start" {
		t.Fatalf("follow-up ran after stop: %s", got)
	}

	h.send(t, th.ID, "next")
	final := h.settle(t, th.ID)
	if final.Status != thread.StatusCompleted || final.QueuedCount != 0 {
		t.Errorf("final = %s queued=%d", final.Status, final.QueuedCount)
	}
	if got := strings.Join(prompts(h.rt), ","); got != "start,follow-up,next" {
		t.Errorf("prompts = %s", got)
	}
}

func TestStopThread_ClearQueueDropsInterruptFollowUp(t *testing.T) {
	h := newHarness(t, "")
	release := make(chan struct{})
	h.rt.Queue(held("partial", release))
	th := h.create(t, CreateRequest{Prompt: "start"})
	waitFor(t, "partial text", func() bool { return h.rec.has(broadcast.DeltaAssistantText, th.ID) })

	h.send(t, th.ID, "follow-up")
	stopped, err := h.o.StopThread(ctx, th.ID, StopRequest{ClearQueue: true})
	if err != nil {
		t.Fatal(err)
	}
	if stopped.QueuedCount != 0 {
		t.Errorf("queued = %d, want 0", stopped.QueuedCount)
	}
	close(release)
	h.settle(t, th.ID)

	h.send(t, th.ID, "next")
	h.settle(t, th.ID)
	if got := strings.Join(prompts(h.rt), ","); got != "start,next" {
		t.Errorf("prompts = %s", got)
	}
}

func TestStopThread_AfterResultIsRejected(t *testing.T) {
	h := newHarness(t, "")
	th := h.create(t, CreateRequest{Prompt: "quick"})
	h.settle(t, th.ID)

	if _, err := h.o.StopThread(ctx, th.ID, StopRequest{}); !errors.Is(err, errors.KindValidation) {
		t.Errorf("stop after result err = %v", err)
	}
	if got := h.get(t, th.ID); got.Status != thread.StatusCompleted {
		t.Errorf("status = %s, want completed", got.Status)
	}
}

func TestApproveTool_RememberApproval(t *testing.T) {
	h := newHarness(t, config.FollowUpQueue)
	h.rt.Queue(
		runtime.AskPermission("tu1", "Bash", []byte(`{"command":"make clean"}`)),
		runtime.AskPermission("tu2", "Bash", []byte(`{"command":"make dist"}`)),
	)
	th := h.create(t, CreateRequest{Prompt: "clean up"})

	waiting := h.waitStatus(t, th.ID, thread.StatusWaiting)
	if waiting.WaitingReason != thread.WaitingPermission || waiting.PendingPermission == nil ||
		waiting.PendingPermission.ToolName != "Bash" || waiting.PendingPermission.ToolCallID == "" {
		t.Fatalf("waiting = %+v", waiting)
	}
	queued := h.send(t, th.ID, "then package it")
	if queued.Status != thread.StatusWaiting || queued.QueuedCount != 1 {
		t.Errorf("follow-up while waiting: status=%s queued=%d", queued.Status, queued.QueuedCount)
	}

	if _, err := h.o.ApproveTool(ctx, th.ID, ApproveRequest{ToolName: "Write", Approved: true}); !errors.Is(err, errors.KindValidation) {
		t.Errorf("mismatched tool err = %v", err)
	}
	if got := h.get(t, th.ID); got.Status != thread.StatusWaiting || got.WaitingReason != thread.WaitingPermission ||
		got.PendingPermission == nil || got.PendingPermission.ToolName != "Bash" ||
		got.PendingPermission.ToolCallID != waiting.PendingPermission.ToolCallID {
		t.Errorf("mismatched approval changed the thread: %+v", got)
	}
	if rep := h.rt.Runs()[0].Received(); len(rep) != 0 {
		t.Errorf("mismatched approval reached the runtime: %+v", rep)
	}

	approved, err := h.o.ApproveTool(ctx, th.ID, ApproveRequest{ToolName: "Bash", Approved: true, Remember: true})
	if err != nil {
		t.Fatal(err)
	}
	if approved.Status != thread.StatusRunning || approved.PendingPermission != nil {
		t.Errorf("approved = %+v", approved)
	}

	final := h.settle(t, th.ID)
	if final.Status != thread.StatusCompleted {
		t.Fatalf("final = %s", final.Status)
	}
	if n := count(h.rec.statuses(th.ID), thread.StatusWaiting); n != 1 {
		t.Errorf("waited %d times, want 1", n)
	}
	runs := h.rt.Runs()
	if len(runs) != 2 {
		t.Fatalf("runs = %d", len(runs))
	}
	for i, r := range runs {
		rep := r.Received()
		if len(rep) != 1 || rep[0].Kind != runtime.ReplyPermission || !rep[0].Approved {
			t.Errorf("run %d replies = %+v", i, rep)
		}
	}
	if rep := runs[0].Received()[0]; rep.ToolCallID != "tu1" {
		t.Errorf("reply tool call = %q, want runtime id", rep.ToolCallID)
	}

	var outputs []string
	for _, m := range h.messages(t, th.ID) {
		for _, tc := range m.ToolCalls {
			if tc.Output != nil {
				outputs = append(outputs, *tc.Output)
			}
		}
	}
	if strings.Join(outputs, ",") != "done,done" {
		t.Errorf("tool outputs = %v", outputs)
	}
}

func TestApproveTool_RememberRejection(t *testing.T) {
	h := newHarness(t, config.FollowUpQueue)
	h.rt.Queue(
		runtime.AskPermission("tu1", "Bash", []byte(`{"command":"rm -rf build"}`)),
		runtime.AskPermission("tu2", "Bash", []byte(`{"command":"rm -rf dist"}`)),
	)
	th := h.create(t, CreateRequest{Prompt: "clean"})
	h.waitStatus(t, th.ID, thread.StatusWaiting)
	h.send(t, th.ID, "and dist")

	if _, err := h.o.ApproveTool(ctx, th.ID, ApproveRequest{ToolName: "Bash", Remember: true, Message: "not now"}); err != nil {
		t.Fatal(err)
	}
	h.settle(t, th.ID)

	runs := h.rt.Runs()
	if len(runs) != 2 {
		t.Fatalf("runs = %d", len(runs))
	}
	if rep := runs[0].Received()[0]; rep.Approved || rep.Answer != "not now" {
		t.Errorf("first reply = %+v", rep)
	}
	if rep := runs[1].Received()[0]; rep.Approved || rep.Answer == "" {
		t.Errorf("second reply should be an automatic denial, got %+v", rep)
	}
	if n := count(h.rec.statuses(th.ID), thread.StatusWaiting); n != 1 {
		t.Errorf("waited %d times, want 1", n)
	}
}

func TestPermission_AutoAllowed(t *testing.T) {
	h := newHarness(t, "")
	if err := h.cfg.AddAllowedTool(h.project.ID, "Bash(ls:*)"); err != nil {
		t.Fatal(err)
	}
	h.rt.Queue(
		runtime.AskPermission("r1", "Read", []byte(`{"file_path":"go.mod"}`)),
		runtime.AskPermission("b1", "Bash", []byte(`{"command":"ls -la"}`)),
	)
	th := h.create(t, CreateRequest{Prompt: "look around"})
	h.settle(t, th.ID)
	h.send(t, th.ID, "list files")
	final := h.settle(t, th.ID)

	if final.Status != thread.StatusCompleted {
		t.Errorf("final = %s", final.Status)
	}
	if n := count(h.rec.statuses(th.ID), thread.StatusWaiting); n != 0 {
		t.Errorf("auto-allowed tools waited %d times", n)
	}
	for i, r := range h.rt.Runs() {
		if rep := r.Received(); len(rep) != 1 || !rep[0].Approved {
			t.Errorf("run %d replies = %+v", i, rep)
		}
	}
}

func TestApproveTool_NotWaiting(t *testing.T) {
	h := newHarness(t, "")
	th := h.create(t, CreateRequest{})
	if _, err := h.o.ApproveTool(ctx, th.ID, ApproveRequest{ToolName: "Bash", Approved: true}); !errors.Is(err, errors.KindValidation) {
		t.Errorf("approve idle thread err = %v", err)
	}
	if _, err := h.o.ApproveTool(ctx, "missing", ApproveRequest{ToolName: "Bash"}); !errors.Is(err, errors.KindNotFound) {
		t.Errorf("approve unknown thread err = %v", err)
	}
}

func TestQuestion_AnsweredByNextMessage(t *testing.T) {
	h := newHarness(t, "")
	h.rt.Queue(runtime.AskQuestion("q1", thread.ToolAskUserQuestion))
	th := h.create(t, CreateRequest{Prompt: "pick a color"})

	waiting := h.waitStatus(t, th.ID, thread.StatusWaiting)
	if waiting.WaitingReason != thread.WaitingQuestion || waiting.PendingPermission != nil {
		t.Fatalf("waiting = %+v", waiting)
	}
	if got := h.send(t, th.ID, "blue"); got.Status != thread.StatusRunning {
		t.Errorf("status after answer = %s", got.Status)
	}
	final := h.settle(t, th.ID)
	if final.Status != thread.StatusCompleted {
		t.Fatalf("final = %s", final.Status)
	}

	rep := h.rt.Runs()[0].Received()
	if len(rep) != 1 || rep[0].Kind != runtime.ReplyAnswer || rep[0].Answer != "blue" ||
		!rep[0].Approved || rep[0].ToolCallID != "q1" {
		t.Errorf("reply = %+v", rep)
	}
	if len(h.rt.Requests()) != 1 {
		t.Error("an answer must not start a new turn")
	}

	msgs := h.messages(t, th.ID)
	var question *thread.ToolCall
	for _, m := range msgs {
		for i := range m.ToolCalls {
			if m.ToolCalls[i].Name == thread.ToolAskUserQuestion {
				question = &m.ToolCalls[i]
			}
		}
	}
	if question == nil || question.Output == nil || *question.Output != "blue" || question.Kind != thread.KindQuestion {
		t.Errorf("question tool call = %+v", question)
	}
	if last := msgs[len(msgs)-1]; last.Role != thread.RoleAssistant || last.Content != "answered: blue" {
		t.Errorf("last message = %+v", last)
	}
}

func TestPlan_ApprovalWords(t *testing.T) {
	tests := []struct {
		answer   string
		approved bool
	}{
		{"LGTM", true},
		{"yes!", true},
		{"please add tests first", false},
	}
	for _, tt := range tests {
		t.Run(tt.answer, func(t *testing.T) {
			h := newHarness(t, "")
			h.rt.Queue(runtime.AskQuestion("p1", thread.ToolExitPlanMode))
			th := h.create(t, CreateRequest{Prompt: "plan it"})

			waiting := h.waitStatus(t, th.ID, thread.StatusWaiting)
			if waiting.WaitingReason != thread.WaitingPlan {
				t.Fatalf("reason = %q", waiting.WaitingReason)
			}
			h.send(t, th.ID, tt.answer)
			h.settle(t, th.ID)

			rep := h.rt.Runs()[0].Received()
			if len(rep) != 1 || rep[0].Approved != tt.approved || rep[0].Answer != tt.answer {
				t.Errorf("reply = %+v", rep)
			}
		})
	}
}

func TestRuntimeFailure(t *testing.T) {
	h := newHarness(t, "")
	h.rt.Queue(runtime.Fail("boom"))
	th := h.create(t, CreateRequest{Prompt: "go"})

	final := h.settle(t, th.ID)
	if final.Status != thread.StatusFailed || final.CompletedAt == nil {
		t.Fatalf("final = %+v", final)
	}
	if final.ResultInfo == nil || !strings.Contains(final.ResultInfo.Error, "boom") {
		t.Errorf("result info = %+v", final.ResultInfo)
	}

	h.send(t, th.ID, "retry")
	if again := h.settle(t, th.ID); again.Status != thread.StatusCompleted {
		t.Errorf("thread did not recover: %s", again.Status)
	}
}

func TestRunLoopPanicFailsThread(t *testing.T) {
	h := newHarness(t, "")
	var fired atomic.Bool
	h.rt.OnStart = func(*runtime.MockRun) {
		if fired.CompareAndSwap(false, true) {
			panic("kaboom")
		}
	}
	th := h.create(t, CreateRequest{Prompt: "go"})

	final := h.settle(t, th.ID)
	if final.Status != thread.StatusFailed || final.ResultInfo == nil ||
		!strings.Contains(final.ResultInfo.Error, "kaboom") {
		t.Fatalf("final = %+v result = %+v", final, final.ResultInfo)
	}

	h.send(t, th.ID, "again")
	if again := h.settle(t, th.ID); again.Status != thread.StatusCompleted {
		t.Errorf("thread did not recover after panic: %s", again.Status)
	}
}

func TestMergeAndCleanup(t *testing.T) {
	h := newHarness(t, "")
	th := h.create(t, CreateRequest{Mode: thread.ModeWorktree, Prompt: "work"})
	h.settle(t, th.ID)
	if err := os.MkdirAll(th.WorktreePath, 0o755); err != nil {
		t.Fatal(err)
	}

	out, err := h.o.MergeAndCleanup(ctx, th.ID, MergeRequest{Cleanup: true})
	if err != nil {
		t.Fatal(err)
	}
	if !out.Result.Merged || !out.Result.CleanedUp || out.Result.Pushed || out.Result.Target != "main" {
		t.Errorf("result = %+v", out.Result)
	}
	if out.Thread.Mode != thread.ModeLocal || out.Thread.WorktreePath != "" || out.Thread.Branch != "" ||
		out.Thread.BaseBranch != "main" {
		t.Errorf("thread after cleanup = %+v", out.Thread)
	}
	if h.vcs.count("MergeBranch "+th.Branch+" main") != 1 || h.vcs.count("RemoveWorktree") != 1 {
		t.Errorf("vcs calls = %v", h.vcs.calls)
	}

	again, err := h.o.MergeAndCleanup(ctx, th.ID, MergeRequest{Cleanup: true})
	if err != nil {
		t.Fatal(err)
	}
	if !again.Result.AlreadyClean || again.Result.Merged {
		t.Errorf("second merge = %+v", again.Result)
	}
	if h.vcs.count("MergeBranch") != 1 {
		t.Error("second merge ran git again")
	}
}

func TestMergeAndCleanup_CleanupFailureKeepsBinding(t *testing.T) {
	h := newHarness(t, "")
	th := h.create(t, CreateRequest{Mode: thread.ModeWorktree})
	if err := os.MkdirAll(th.WorktreePath, 0o755); err != nil {
		t.Fatal(err)
	}
	h.vcs.setRemoveErr(errors.GitFailed(errors.Op("git.RemoveWorktree"), errors.ReasonDirtyWorktree, th.WorktreePath, os.ErrPermission))

	out, err := h.o.MergeAndCleanup(ctx, th.ID, MergeRequest{Cleanup: true})
	if err != nil {
		t.Fatalf("cleanup failure must not fail the merge: %v", err)
	}
	if !out.Result.Merged || out.Result.CleanedUp || out.CleanupError == "" {
		t.Errorf("outcome = %+v", out)
	}
	if out.Thread.Mode != thread.ModeWorktree || out.Thread.WorktreePath != th.WorktreePath {
		t.Errorf("binding lost after failed cleanup: %+v", out.Thread)
	}
}

func TestMergeAndCleanup_BusyWhileRunning(t *testing.T) {
	h := newHarness(t, "")
	h.rt.Queue(runtime.Block(""))
	th := h.create(t, CreateRequest{Mode: thread.ModeWorktree, Prompt: "long"})
	waitFor(t, "runtime start", func() bool { return len(h.rt.Runs()) == 1 })

	out, err := h.o.MergeAndCleanup(ctx, th.ID, MergeRequest{Cleanup: true})
	if err != nil {
		t.Fatal(err)
	}
	if !out.Result.Merged || out.Result.CleanedUp || errors.ReasonOf(out.Result.CleanupErr) != errors.ReasonBusy {
		t.Errorf("result = %+v", out.Result)
	}
	if h.vcs.count("RemoveWorktree") != 0 {
		t.Error("worktree removed under a live runtime")
	}
	if out.Thread.Mode != thread.ModeWorktree {
		t.Error("binding cleared while busy")
	}
}

func TestMergeAndCleanup_LocalThread(t *testing.T) {
	h := newHarness(t, "")
	th := h.create(t, CreateRequest{})
	if _, err := h.o.MergeAndCleanup(ctx, th.ID, MergeRequest{}); !errors.Is(err, errors.KindValidation) {
		t.Errorf("merge local thread err = %v", err)
	}
}
