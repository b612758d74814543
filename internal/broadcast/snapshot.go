package broadcast

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mood-agency/funny/internal/git"
	"github.com/mood-agency/funny/internal/registry"
	"github.com/mood-agency/funny/internal/thread"
)

// statusConcurrency bounds parallel git status calls per project.
const statusConcurrency = 4

// WorktreeStatus is the git state of one worktree thread.
type WorktreeStatus struct {
	ThreadID     string   `json:"threadId"`
	Branch       string   `json:"branch"`
	WorktreePath string   `json:"worktreePath"`
	HasChanges   bool     `json:"hasChanges"`
	Summary      string   `json:"summary"`
	Files        []string `json:"files,omitempty"`
	Ahead        int      `json:"ahead"`
	Behind       int      `json:"behind"`
	Error        string   `json:"error,omitempty"`
}

// ProjectStatus aggregates worktree status for a project.
type ProjectStatus struct {
	ProjectID  string           `json:"projectId"`
	Worktrees  []WorktreeStatus `json:"worktrees"`
	Dirty      int              `json:"dirty"`
	ComputedAt time.Time        `json:"computedAt"`
}

// Snapshot is the full state of a project at a point in the delta stream.
// Deltas with a Seq above Snapshot.Seq may or may not be reflected in it;
// applying them again is harmless because they carry whole entities.
type Snapshot struct {
	ProjectID string           `json:"projectId"`
	Seq       int64            `json:"seq"`
	Threads   []*thread.Thread `json:"threads"`
	Status    ProjectStatus    `json:"status"`
}

// ThreadLister is the registry surface snapshots read.
type ThreadLister interface {
	ListThreads(ctx context.Context, f registry.Filter) ([]*thread.Thread, error)
}

// StatusSource is the VCS surface snapshots read.
type StatusSource interface {
	GetWorktreeStatus(ctx context.Context, dir string) (*git.WorktreeStatus, error)
	AheadBehind(ctx context.Context, repoPath, base, branch string) (ahead, behind int, err error)
}

// Snapshotter builds snapshots from the registry and the VCS backend,
// caching worktree status per project.
type Snapshotter struct {
	threads ThreadLister
	vcs     StatusSource
	hub     *Hub
	cache   *StatusCache[ProjectStatus]
	clock   Clock
}

// NewSnapshotter wires a snapshotter. cache may be shared with the code that
// invalidates it.
func NewSnapshotter(threads ThreadLister, vcs StatusSource, hub *Hub, cache *StatusCache[ProjectStatus]) *Snapshotter {
	return &Snapshotter{threads: threads, vcs: vcs, hub: hub, cache: cache, clock: time.Now}
}

// Snapshot returns the project's threads and worktree status.
func (s *Snapshotter) Snapshot(ctx context.Context, projectID, projectPath string) (*Snapshot, error) {
	seq := s.hub.Seq()
	threads, err := s.threads.ListThreads(ctx, registry.Filter{ProjectID: projectID})
	if err != nil {
		return nil, err
	}
	status, err := s.cache.Get(ctx, projectID, func(ctx context.Context) (ProjectStatus, error) {
		return s.computeStatus(ctx, projectID, projectPath, threads)
	})
	if err != nil {
		return nil, err
	}
	return &Snapshot{ProjectID: projectID, Seq: seq, Threads: threads, Status: status}, nil
}

// Invalidate drops the cached status for a project and tells observers to
// refresh it.
func (s *Snapshotter) Invalidate(projectID string) {
	s.cache.Invalidate(projectID)
	s.hub.Publish(Delta{Type: DeltaStatusChanged, ProjectID: projectID})
}

// computeStatus queries every worktree thread concurrently. A failing
// worktree is reported in its entry rather than failing the snapshot.
func (s *Snapshotter) computeStatus(ctx context.Context, projectID, projectPath string, threads []*thread.Thread) (ProjectStatus, error) {
	var bound []*thread.Thread
	for _, th := range threads {
		if th.Mode == thread.ModeWorktree {
			bound = append(bound, th)
		}
	}

	results := make([]WorktreeStatus, len(bound))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(statusConcurrency)
	for i, th := range bound {
		g.Go(func() error {
			ws := WorktreeStatus{ThreadID: th.ID, Branch: th.Branch, WorktreePath: th.WorktreePath}
			st, err := s.vcs.GetWorktreeStatus(gctx, th.WorktreePath)
			if err != nil {
				ws.Error = err.Error()
				results[i] = ws
				return nil
			}
			ws.HasChanges, ws.Summary, ws.Files = st.HasChanges, st.Summary, st.Files
			if th.BaseBranch != "" {
				if ahead, behind, err := s.vcs.AheadBehind(gctx, projectPath, th.BaseBranch, th.Branch); err == nil {
					ws.Ahead, ws.Behind = ahead, behind
				}
			}
			results[i] = ws
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return ProjectStatus{}, err
	}

	ps := ProjectStatus{ProjectID: projectID, Worktrees: results, ComputedAt: s.clock()}
	for _, ws := range results {
		if ws.HasChanges {
			ps.Dirty++
		}
	}
	return ps, nil
}
