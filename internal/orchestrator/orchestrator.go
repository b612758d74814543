// Package orchestrator owns the thread lifecycle. Commands validate against
// the registry, sequence worktree operations, and drive one run loop per
// active thread that owns the agent runtime and turns its events into
// registry writes and broadcast deltas.
package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mood-agency/funny/internal/broadcast"
	"github.com/mood-agency/funny/internal/config"
	"github.com/mood-agency/funny/internal/errors"
	"github.com/mood-agency/funny/internal/git"
	"github.com/mood-agency/funny/internal/lock"
	"github.com/mood-agency/funny/internal/logger"
	"github.com/mood-agency/funny/internal/policy"
	"github.com/mood-agency/funny/internal/queue"
	"github.com/mood-agency/funny/internal/registry"
	"github.com/mood-agency/funny/internal/runtime"
	"github.com/mood-agency/funny/internal/thread"
	"github.com/mood-agency/funny/internal/worktree"
)

// Projects resolves project configuration. *config.Config satisfies it.
type Projects interface {
	GetProject(id string) (config.Project, error)
	GetProjects() []config.Project
}

// PolicyResolver computes the effective permission policy for a project.
type PolicyResolver func(config.Project) (*policy.Effective, error)

// Options wires an Orchestrator.
type Options struct {
	Store    *registry.Store
	Projects Projects
	VCS      git.Backend
	Runtime  runtime.Runtime
	Hub      *broadcast.Hub

	// StatusTTL is how long project worktree status is cached.
	StatusTTL time.Duration
	// CancelGrace bounds how long a cancelled runtime may take to stop.
	CancelGrace time.Duration

	DefaultModel          string
	DefaultPermissionMode string
	DefaultBranchPrefix   string

	// ResolvePolicy defaults to policy.Resolve.
	ResolvePolicy PolicyResolver
}

// Orchestrator is the command surface for threads.
type Orchestrator struct {
	store     *registry.Store
	projects  Projects
	runtime   runtime.Runtime
	hub       *broadcast.Hub
	tokens    *lock.Keyed
	queue     *queue.Queue
	worktrees *worktree.Manager
	snapshots *broadcast.Snapshotter
	resolve   PolicyResolver

	cancelGrace           time.Duration
	defaultModel          string
	defaultPermissionMode string
	defaultBranchPrefix   string

	baseCtx    context.Context
	cancelBase context.CancelFunc
	log        *slog.Logger

	mu      sync.Mutex
	live    map[string]*session
	closing map[string]*session
	closed  bool
}

// New creates an Orchestrator. Call Recover before accepting commands.
func New(opts Options) *Orchestrator {
	tokens := lock.NewKeyed()
	grace := opts.CancelGrace
	if grace <= 0 {
		grace = runtime.CancelGrace
	}
	resolve := opts.ResolvePolicy
	if resolve == nil {
		resolve = policy.Resolve
	}
	hub := opts.Hub
	if hub == nil {
		hub = broadcast.NewHub(0)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		store:                 opts.Store,
		projects:              opts.Projects,
		runtime:               opts.Runtime,
		hub:                   hub,
		tokens:                tokens,
		queue:                 queue.New(),
		worktrees:             worktree.NewManager(opts.VCS, tokens),
		snapshots:             broadcast.NewSnapshotter(opts.Store, opts.VCS, hub, broadcast.NewStatusCache[broadcast.ProjectStatus](opts.StatusTTL, nil)),
		resolve:               resolve,
		cancelGrace:           grace,
		defaultModel:          opts.DefaultModel,
		defaultPermissionMode: opts.DefaultPermissionMode,
		defaultBranchPrefix:   opts.DefaultBranchPrefix,
		baseCtx:               ctx,
		cancelBase:            cancel,
		log:                   logger.ComponentLogger("orchestrator"),
		live:                  make(map[string]*session),
		closing:               make(map[string]*session),
	}
}

// Hub returns the broadcaster deltas are published on.
func (o *Orchestrator) Hub() *broadcast.Hub { return o.hub }

// Worktrees returns the worktree manager, used for orphan cleanup.
func (o *Orchestrator) Worktrees() *worktree.Manager { return o.worktrees }

// Active reports whether a run loop is live for the thread.
func (o *Orchestrator) Active(threadID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.live[threadID]
	return ok
}

// CreateRequest describes a new thread.
type CreateRequest struct {
	ProjectID string
	Title     string
	Mode      thread.Mode
	// BaseBranch and Branch apply to worktree mode; both default sensibly.
	BaseBranch string
	Branch     string

	Model          string
	PermissionMode string

	// Prompt, when set, starts the first turn immediately.
	Prompt string
	Images []string
}

// CreateThread registers a thread, provisioning its worktree first when
// asked. With a prompt the thread goes straight to running.
func (o *Orchestrator) CreateThread(ctx context.Context, req CreateRequest) (*thread.Thread, error) {
	op := errors.Op("orchestrator.CreateThread")
	if o.isClosed() {
		return nil, errShuttingDown(op)
	}
	project, err := o.projects.GetProject(req.ProjectID)
	if err != nil {
		return nil, err
	}
	mode := req.Mode
	if mode == "" {
		mode = thread.ModeLocal
	}
	if mode != thread.ModeLocal && mode != thread.ModeWorktree {
		return nil, errors.Invalid(op, "mode must be local or worktree")
	}

	th := &thread.Thread{
		ID:             thread.NewID(),
		ProjectID:      project.ID,
		Title:          req.Title,
		Mode:           thread.ModeLocal,
		Status:         thread.StatusIdle,
		Model:          req.Model,
		PermissionMode: req.PermissionMode,
		CreatedAt:      time.Now(),
	}
	if th.Title == "" && req.Prompt != "" {
		th.Title = thread.Title(req.Prompt)
	}

	if mode == thread.ModeWorktree {
		base := req.BaseBranch
		if base == "" {
			base = project.DefaultBaseBranch
		}
		prefix := project.BranchPrefix
		if prefix == "" {
			prefix = o.defaultBranchPrefix
		}
		b, err := o.worktrees.Provision(ctx, worktree.ProvisionRequest{
			ThreadID:     th.ID,
			ProjectPath:  project.Path,
			ProjectName:  project.Name,
			BaseBranch:   base,
			Branch:       req.Branch,
			BranchPrefix: prefix,
		})
		if err != nil {
			return nil, err
		}
		th.Mode, th.WorktreePath, th.Branch, th.BaseBranch = thread.ModeWorktree, b.WorktreePath, b.Branch, b.BaseBranch
	}

	if err := o.store.CreateThread(ctx, th); err != nil {
		if th.Mode == thread.ModeWorktree {
			if tdErr := o.worktrees.Teardown(context.Background(), project.Path, th); tdErr != nil {
				o.log.Warn("rollback of worktree after failed create", "threadID", th.ID, "error", tdErr)
			}
		}
		return nil, err
	}
	logger.WithThread(th.ID).Info("thread created", "project", project.ID, "mode", th.Mode, "branch", th.Branch)
	o.publishThread(broadcast.DeltaThreadCreated, th)
	if th.Mode == thread.ModeWorktree {
		o.snapshots.Invalidate(project.ID)
	}

	if req.Prompt == "" && len(req.Images) == 0 {
		return th, nil
	}
	return o.SendMessage(ctx, th.ID, SendRequest{
		Content:        req.Prompt,
		Images:         req.Images,
		Model:          req.Model,
		PermissionMode: req.PermissionMode,
	})
}

// GetThread returns one thread.
func (o *Orchestrator) GetThread(ctx context.Context, id string) (*thread.Thread, error) {
	return o.store.GetThread(ctx, id)
}

// ListThreads returns threads matching f.
func (o *Orchestrator) ListThreads(ctx context.Context, f registry.Filter) ([]*thread.Thread, error) {
	return o.store.ListThreads(ctx, f)
}

// ListMessages returns a page of a thread's messages in order.
func (o *Orchestrator) ListMessages(ctx context.Context, threadID string, p registry.Page) ([]thread.Message, bool, error) {
	if !o.store.ThreadExists(ctx, threadID) {
		return nil, false, errors.ThreadNotFound(threadID)
	}
	return o.store.ListMessages(ctx, threadID, p)
}

// Snapshot returns a project's threads and worktree status.
func (o *Orchestrator) Snapshot(ctx context.Context, projectID string) (*broadcast.Snapshot, error) {
	project, err := o.projects.GetProject(projectID)
	if err != nil {
		return nil, err
	}
	return o.snapshots.Snapshot(ctx, project.ID, project.Path)
}

// PinThread pins or unpins a thread.
func (o *Orchestrator) PinThread(ctx context.Context, id string, pinned bool) (*thread.Thread, error) {
	th, err := o.store.UpdateThread(ctx, id, func(t *thread.Thread) error {
		t.Pinned = pinned
		return nil
	})
	if err != nil {
		return nil, err
	}
	o.publishThread(broadcast.DeltaThreadUpdated, th)
	return th, nil
}

// ArchiveThread hides or restores a thread. Active threads cannot be archived.
func (o *Orchestrator) ArchiveThread(ctx context.Context, id string, archived bool) (*thread.Thread, error) {
	op := errors.Op("orchestrator.ArchiveThread")
	th, err := o.store.UpdateThread(ctx, id, func(t *thread.Thread) error {
		if archived && t.IsActive() {
			return errors.InvalidState(op, t.ID, string(t.Status))
		}
		t.Archived = archived
		return nil
	})
	if err != nil {
		return nil, err
	}
	o.publishThread(broadcast.DeltaThreadUpdated, th)
	return th, nil
}

// DeleteThread stops the thread if needed, tears down its worktree and
// removes it with its messages.
func (o *Orchestrator) DeleteThread(ctx context.Context, id string) error {
	op := errors.Op("orchestrator.DeleteThread")
	th, err := o.store.GetThread(ctx, id)
	if err != nil {
		return err
	}
	log := logger.WithThread(id)

	if th.IsActive() {
		if _, err := o.StopThread(ctx, id, StopRequest{ClearQueue: true}); err != nil && !errors.Is(err, errors.KindValidation) {
			return err
		}
	}
	o.queue.Clear(id)

	project, perr := o.projects.GetProject(th.ProjectID)
	if th.Mode == thread.ModeWorktree && perr == nil {
		// Teardown waits for the run loop to release the thread's token.
		if err := o.worktrees.Teardown(ctx, project.Path, th); err != nil {
			return err
		}
	} else {
		if th.Mode == thread.ModeWorktree {
			log.Warn("project missing, leaving worktree in place", "worktree", th.WorktreePath, "error", perr)
		}
		tok, err := o.tokens.Acquire(ctx, id)
		if err != nil {
			return errors.E(op, errors.KindResource, errors.ReasonBusy, err)
		}
		tok.Release()
	}

	if err := o.store.DeleteThread(ctx, id); err != nil {
		return err
	}
	log.Info("thread deleted")
	o.hub.Publish(broadcast.Delta{Type: broadcast.DeltaThreadDeleted, ThreadID: id, ProjectID: th.ProjectID})
	if th.Mode == thread.ModeWorktree {
		o.snapshots.Invalidate(th.ProjectID)
	}
	return nil
}

// Recover marks threads that were running or waiting when the process last
// stopped as interrupted. Queued follow-ups live in memory only, so a
// QueuedCount left behind by the previous process is reset as well. It
// returns how many threads it marked interrupted.
func (o *Orchestrator) Recover(ctx context.Context) (int, error) {
	threads, err := o.store.ListThreads(ctx, registry.Filter{IncludeArchived: true})
	if err != nil {
		return 0, err
	}
	n, reset := 0, 0
	for _, th := range threads {
		if o.Active(th.ID) {
			continue
		}
		stale := th.IsActive()
		queued := o.queue.Len(th.ID)
		if !stale && th.QueuedCount == queued {
			continue
		}
		updated, err := o.store.UpdateThread(ctx, th.ID, func(t *thread.Thread) error {
			t.QueuedCount = queued
			if stale {
				return t.Transition(thread.StatusInterrupted)
			}
			return nil
		})
		if err != nil {
			o.log.Warn("failed to recover thread", "threadID", th.ID, "error", err)
			continue
		}
		if stale {
			n++
		} else {
			reset++
		}
		o.publishThread(broadcast.DeltaThreadUpdated, updated)
	}
	if n > 0 || reset > 0 {
		o.log.Info("recovered threads", "interrupted", n, "queueReset", reset)
	}
	return n, nil
}

// ReloadPolicy re-resolves the tool policy of the project's live sessions.
// Permission requests already waiting on a human are not re-decided. A policy
// that fails to load leaves the previous one in place.
func (o *Orchestrator) ReloadPolicy(projectID string) {
	project, err := o.projects.GetProject(projectID)
	if err != nil {
		o.log.Warn("policy reload for unknown project", "project", projectID)
		return
	}
	eff, err := o.resolve(project)
	if err != nil {
		o.log.Error("policy reload failed, keeping previous policy", "project", projectID, "error", err)
		return
	}

	o.mu.Lock()
	var sessions []*session
	for _, s := range o.live {
		if s.projectID == projectID {
			sessions = append(sessions, s)
		}
	}
	o.mu.Unlock()

	for _, s := range sessions {
		s.mu.Lock()
		s.project = project
		s.effective = eff
		s.mu.Unlock()
	}
	o.log.Info("policy reloaded", "project", projectID, "liveSessions", len(sessions), "followUp", eff.FollowUpMode)
}

// Shutdown cancels every live runtime and waits for the run loops to exit.
// Threads cut short are left interrupted. New commands are rejected.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	var sessions []*session
	for _, s := range o.live {
		sessions = append(sessions, s)
	}
	for _, s := range o.closing {
		sessions = append(sessions, s)
	}
	o.mu.Unlock()

	o.log.Info("shutting down", "liveSessions", len(sessions))
	for _, s := range sessions {
		s.mu.Lock()
		s.shutdown = true
		o.requeuePendingLocked(s)
		if n := o.queue.Len(s.threadID); n > 0 {
			s.log.Warn("queued follow-ups end with the process", "count", n)
		}
		if s.turn != nil {
			s.turn.cancel()
		}
		s.mu.Unlock()
	}
	defer o.cancelBase()
	for _, s := range sessions {
		select {
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (o *Orchestrator) isClosed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

func errShuttingDown(op errors.Op) error {
	return errors.E(op, errors.KindRuntime, "orchestrator is shutting down")
}

func (o *Orchestrator) publishThread(typ broadcast.DeltaType, th *thread.Thread) {
	o.hub.Publish(broadcast.Delta{Type: typ, ThreadID: th.ID, ProjectID: th.ProjectID, Thread: th})
}
