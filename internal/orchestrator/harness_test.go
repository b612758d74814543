package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mood-agency/funny/internal/broadcast"
	"github.com/mood-agency/funny/internal/config"
	"github.com/mood-agency/funny/internal/git"
	"github.com/mood-agency/funny/internal/registry"
	"github.com/mood-agency/funny/internal/runtime"
	"github.com/mood-agency/funny/internal/thread"
)

var ctx = context.Background()

type harness struct {
	o       *Orchestrator
	rt      *runtime.MockRuntime
	store   *registry.Store
	cfg     *config.Config
	project config.Project
	vcs     *fakeVCS
	hub     *broadcast.Hub
	rec     *recorder
}

func newHarness(t *testing.T, mode config.FollowUpMode) *harness {
	t.Helper()
	dir := t.TempDir()
	repo := filepath.Join(dir, "repo")
	if err := os.MkdirAll(repo, 0o755); err != nil {
		t.Fatal(err)
	}

	store, err := registry.Open(filepath.Join(dir, registry.FileName))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	cfg := &config.Config{}
	p, err := cfg.AddProject(repo, "demo")
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.UpdateProject(p.ID, func(p *config.Project) { p.FollowUpMode = mode }); err != nil {
		t.Fatal(err)
	}
	p, _ = cfg.GetProject(p.ID)

	h := &harness{
		rt:      runtime.NewMockRuntime(),
		store:   store,
		cfg:     cfg,
		project: p,
		vcs:     &fakeVCS{},
		hub:     broadcast.NewHub(4096),
	}
	h.rec = record(t, h.hub)
	h.o = New(Options{
		Store:       store,
		Projects:    cfg,
		VCS:         h.vcs,
		Runtime:     h.rt,
		Hub:         h.hub,
		CancelGrace: time.Second,
	})
	t.Cleanup(func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		h.o.Shutdown(sctx)
	})
	return h
}

func (h *harness) create(t *testing.T, req CreateRequest) *thread.Thread {
	t.Helper()
	req.ProjectID = h.project.ID
	th, err := h.o.CreateThread(ctx, req)
	if err != nil {
		t.Fatalf("CreateThread: %v", err)
	}
	return th
}

func (h *harness) send(t *testing.T, id, content string) *thread.Thread {
	t.Helper()
	th, err := h.o.SendMessage(ctx, id, SendRequest{Content: content})
	if err != nil {
		t.Fatalf("SendMessage(%q): %v", content, err)
	}
	return th
}

func (h *harness) get(t *testing.T, id string) *thread.Thread {
	t.Helper()
	th, err := h.o.GetThread(ctx, id)
	if err != nil {
		t.Fatalf("GetThread: %v", err)
	}
	return th
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// waitStatus polls until the thread reaches status.
func (h *harness) waitStatus(t *testing.T, id string, status thread.Status) *thread.Thread {
	t.Helper()
	var th *thread.Thread
	waitFor(t, "status "+string(status), func() bool {
		th = h.get(t, id)
		return th.Status == status
	})
	return th
}

// settle waits until the thread's run loop has exited and returns the thread.
func (h *harness) settle(t *testing.T, id string) *thread.Thread {
	t.Helper()
	waitFor(t, "run loop to exit", func() bool {
		return !h.o.Active(id) && !h.o.tokens.Held(id)
	})
	return h.get(t, id)
}

func (h *harness) messages(t *testing.T, id string) []thread.Message {
	t.Helper()
	msgs, _, err := h.o.ListMessages(ctx, id, registry.Page{Limit: 500})
	if err != nil {
		t.Fatal(err)
	}
	return msgs
}

func prompts(rt *runtime.MockRuntime) []string {
	var out []string
	for _, r := range rt.Requests() {
		out = append(out, r.Prompt)
	}
	return out
}

func transcript(msgs []thread.Message) string {
	var parts []string
	for _, m := range msgs {
		parts = append(parts, string(m.Role)+":"+m.Content)
	}
	return strings.Join(parts, " | ")
}

// recorder keeps every delta published on the hub.
type recorder struct {
	mu     sync.Mutex
	deltas []broadcast.Delta
}

func record(t *testing.T, hub *broadcast.Hub) *recorder {
	r := &recorder{}
	ch, cancel := hub.Subscribe(nil)
	t.Cleanup(cancel)
	go func() {
		for d := range ch {
			r.mu.Lock()
			r.deltas = append(r.deltas, d)
			r.mu.Unlock()
		}
	}()
	return r
}

func (r *recorder) all() []broadcast.Delta {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]broadcast.Delta(nil), r.deltas...)
}

func (r *recorder) has(typ broadcast.DeltaType, threadID string) bool {
	for _, d := range r.all() {
		if d.Type == typ && d.ThreadID == threadID {
			return true
		}
	}
	return false
}

// statuses lists the status carried by each thread delta for id, collapsing repeats.
func (r *recorder) statuses(id string) []thread.Status {
	var out []thread.Status
	for _, d := range r.all() {
		if d.Thread == nil || d.ThreadID != id {
			continue
		}
		if len(out) == 0 || out[len(out)-1] != d.Thread.Status {
			out = append(out, d.Thread.Status)
		}
	}
	return out
}

// waitRecorded waits until the last thread delta the recorder holds for id
// carries status.
func (h *harness) waitRecorded(t *testing.T, id string, status thread.Status) {
	t.Helper()
	waitFor(t, "recorded status "+string(status), func() bool {
		st := h.rec.statuses(id)
		return len(st) > 0 && st[len(st)-1] == status
	})
}

func count[T comparable](list []T, v T) int {
	n := 0
	for _, x := range list {
		if x == v {
			n++
		}
	}
	return n
}

// fakeVCS records calls and returns scripted errors.
type fakeVCS struct {
	mu        sync.Mutex
	calls     []string
	addErr    error
	mergeErr  error
	removeErr error
}

func (f *fakeVCS) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeVCS) count(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

func (f *fakeVCS) setRemoveErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removeErr = err
}

func (f *fakeVCS) CreateBranch(_ context.Context, _, branch, _ string) error {
	f.record("CreateBranch " + branch)
	return nil
}
func (f *fakeVCS) AddWorktree(_ context.Context, _, path, branch string) error {
	f.record("AddWorktree " + branch)
	return f.addErr
}
func (f *fakeVCS) RemoveWorktree(_ context.Context, _, path string) error {
	f.record("RemoveWorktree " + path)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.removeErr
}
func (f *fakeVCS) PruneWorktrees(context.Context, string) error { return nil }
func (f *fakeVCS) RemoveBranch(_ context.Context, _, branch string) error {
	f.record("RemoveBranch " + branch)
	return nil
}
func (f *fakeVCS) MergeBranch(_ context.Context, _, branch, target string) error {
	f.record("MergeBranch " + branch + " " + target)
	return f.mergeErr
}
func (f *fakeVCS) Push(_ context.Context, _, branch string) error {
	f.record("Push " + branch)
	return nil
}
func (f *fakeVCS) CommitAll(_ context.Context, _, msg string) error {
	f.record("CommitAll " + msg)
	return nil
}
func (f *fakeVCS) GetWorktreeStatus(context.Context, string) (*git.WorktreeStatus, error) {
	return &git.WorktreeStatus{Summary: "No changes", Files: []string{}}, nil
}
func (f *fakeVCS) AheadBehind(context.Context, string, string, string) (int, int, error) {
	return 1, 0, nil
}
func (f *fakeVCS) CurrentBranch(context.Context, string) (string, error) { return "main", nil }
func (f *fakeVCS) BranchExists(context.Context, string, string) bool    { return true }
func (f *fakeVCS) HasRemoteOrigin(context.Context, string) bool         { return false }
func (f *fakeVCS) GetDefaultBranch(context.Context, string) string      { return "main" }
