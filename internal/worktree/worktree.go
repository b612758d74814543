package worktree

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mood-agency/funny/internal/errors"
	"github.com/mood-agency/funny/internal/git"
	"github.com/mood-agency/funny/internal/lock"
	"github.com/mood-agency/funny/internal/logger"
	"github.com/mood-agency/funny/internal/thread"
)

// DirName is the directory created next to each project that holds worktrees.
const DirName = ".funny-worktrees"

// BranchMarker appears in every generated branch name.
const BranchMarker = "funny-"

// Manager sequences VCS commands for worktree threads.
type Manager struct {
	vcs    git.Backend
	tokens *lock.Keyed
}

// NewManager creates a manager. tokens must be the table the orchestrator
// uses for runtimes so teardown can detect a live session.
func NewManager(vcs git.Backend, tokens *lock.Keyed) *Manager {
	return &Manager{vcs: vcs, tokens: tokens}
}

// Root returns the directory holding worktrees for the project at projectPath.
func Root(projectPath, projectName string) string {
	if projectName == "" {
		projectName = filepath.Base(projectPath)
	}
	return filepath.Join(filepath.Dir(projectPath), DirName, projectName)
}

// Path returns the worktree directory for a thread.
func Path(projectPath, projectName, threadID string) string {
	return filepath.Join(Root(projectPath, projectName), threadID)
}

// BranchName returns the generated branch for a thread.
func BranchName(prefix, threadID string) string {
	return prefix + BranchMarker + thread.ShortID(threadID)
}

// ProvisionRequest describes the worktree to create.
type ProvisionRequest struct {
	ThreadID     string
	ProjectPath  string
	ProjectName  string
	BaseBranch   string // defaults to the project's current branch
	Branch       string // defaults to BranchName(BranchPrefix, ThreadID)
	BranchPrefix string
}

// Binding is the result of provisioning, written onto the thread by the caller.
type Binding struct {
	WorktreePath string
	Branch       string
	BaseBranch   string
}

// Provision creates the branch and worktree for a thread. Any failure rolls
// back what was created before returning a resource error.
func (m *Manager) Provision(ctx context.Context, req ProvisionRequest) (Binding, error) {
	start := time.Now()
	log := logger.WithThread(req.ThreadID)

	branch := req.Branch
	if branch == "" {
		branch = BranchName(req.BranchPrefix, req.ThreadID)
	}
	if err := git.ValidateBranchName(branch); err != nil {
		return Binding{}, err
	}

	base := req.BaseBranch
	if base == "" {
		current, err := m.vcs.CurrentBranch(ctx, req.ProjectPath)
		if err != nil {
			return Binding{}, errors.WorktreeFailed(branch, err)
		}
		base = current
	}

	path := Path(req.ProjectPath, req.ProjectName, req.ThreadID)
	if _, err := os.Stat(path); err == nil {
		return Binding{}, errors.WorktreeFailed(branch,
			errors.GitFailed(errors.Op("worktree.Provision"), errors.ReasonWorktreeExists, path, fmt.Errorf("path already exists")))
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return Binding{}, errors.E(errors.Op("worktree.Provision"), errors.KindIO, err)
	}

	log.Info("provisioning worktree", "branch", branch, "base", base, "path", path)
	if err := m.vcs.CreateBranch(ctx, req.ProjectPath, branch, base); err != nil {
		return Binding{}, errors.WorktreeFailed(branch, err)
	}

	if err := m.vcs.AddWorktree(ctx, req.ProjectPath, path, branch); err != nil {
		log.Warn("worktree add failed, rolling back branch", "error", err)
		// Rollback uses a fresh context so a cancelled request still cleans up.
		rbCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, statErr := os.Stat(path); statErr == nil {
			if rmErr := m.vcs.RemoveWorktree(rbCtx, req.ProjectPath, path); rmErr != nil {
				os.RemoveAll(path)
			}
		}
		if rbErr := m.vcs.RemoveBranch(rbCtx, req.ProjectPath, branch); rbErr != nil {
			log.Warn("rollback branch delete failed", "branch", branch, "error", rbErr)
		}
		return Binding{}, errors.WorktreeFailed(branch, err)
	}

	log.Info("worktree provisioned", "elapsed", time.Since(start))
	return Binding{WorktreePath: path, Branch: branch, BaseBranch: base}, nil
}

// MergeOptions controls MergeAndCleanup.
type MergeOptions struct {
	Target        string // defaults to the thread's base branch
	Push          bool
	Cleanup       bool
	CommitMessage string // commit pending worktree changes first when set
	// Unbind runs while the thread's token is held, after the worktree and
	// branch are gone. The orchestrator clears the registry binding here.
	Unbind func(ctx context.Context) error
}

// MergeResult reports each step separately; partial success is not a failure.
type MergeResult struct {
	Target       string `json:"target"`
	Committed    bool   `json:"committed"`
	Merged       bool   `json:"merged"`
	Pushed       bool   `json:"pushed"`
	CleanedUp    bool   `json:"cleanedUp"`
	AlreadyClean bool   `json:"alreadyClean,omitempty"`
	PushErr      error  `json:"-"`
	CleanupErr   error  `json:"-"`
}

// PushError returns the push failure message, if any.
func (r MergeResult) PushError() string {
	if r.PushErr == nil {
		return ""
	}
	return r.PushErr.Error()
}

// CleanupError returns the cleanup failure message, if any.
func (r MergeResult) CleanupError() string {
	if r.CleanupErr == nil {
		return ""
	}
	return r.CleanupErr.Error()
}

// MergeAndCleanup merges th's branch into the target in the project checkout.
// It returns an error only when the merge itself (or a requested commit)
// fails; push and cleanup outcomes are reported in the result.
func (m *Manager) MergeAndCleanup(ctx context.Context, projectPath string, th *thread.Thread, opts MergeOptions) (MergeResult, error) {
	op := errors.Op("worktree.MergeAndCleanup")
	log := logger.WithThread(th.ID)

	if th.Mode == thread.ModeLocal {
		if th.BaseBranch != "" {
			// Merged and cleaned by an earlier call.
			return MergeResult{Target: th.BaseBranch, AlreadyClean: true}, nil
		}
		return MergeResult{}, errors.Invalid(op, fmt.Sprintf("thread %s has no worktree", th.ID))
	}

	result := MergeResult{Target: opts.Target}
	if result.Target == "" {
		result.Target = th.BaseBranch
	}
	if result.Target == "" {
		result.Target = m.vcs.GetDefaultBranch(ctx, projectPath)
	}

	if msg := strings.TrimSpace(opts.CommitMessage); msg != "" {
		status, err := m.vcs.GetWorktreeStatus(ctx, th.WorktreePath)
		if err != nil {
			return result, err
		}
		if status.HasChanges {
			if err := m.vcs.CommitAll(ctx, th.WorktreePath, msg); err != nil {
				return result, err
			}
			result.Committed = true
		}
	}

	if err := m.vcs.MergeBranch(ctx, projectPath, th.Branch, result.Target); err != nil {
		log.Warn("merge failed", "branch", th.Branch, "target", result.Target, "error", err)
		return result, err
	}
	result.Merged = true
	log.Info("merged", "branch", th.Branch, "target", result.Target)

	if opts.Push {
		if err := m.vcs.Push(ctx, projectPath, result.Target); err != nil {
			log.Warn("push failed", "target", result.Target, "error", err)
			result.PushErr = err
			return result, nil
		}
		result.Pushed = true
	}

	if !opts.Cleanup {
		return result, nil
	}

	tok, ok := m.tokens.TryAcquire(th.ID)
	if !ok {
		result.CleanupErr = errors.E(op, errors.KindResource, errors.ReasonBusy, fmt.Sprintf("thread %s has a live runtime", th.ID))
		log.Warn("cleanup skipped, runtime is live")
		return result, nil
	}
	defer tok.Release()

	if err := m.remove(ctx, projectPath, th.WorktreePath, th.Branch); err != nil {
		log.Error("cleanup failed after merge", "error", err)
		result.CleanupErr = err
		return result, nil
	}
	if opts.Unbind != nil {
		if err := opts.Unbind(ctx); err != nil {
			log.Error("clearing binding failed", "error", err)
			result.CleanupErr = err
			return result, nil
		}
	}
	result.CleanedUp = true
	return result, nil
}

// Teardown removes a thread's worktree and branch, waiting until no runtime
// holds the thread's token or ctx ends.
func (m *Manager) Teardown(ctx context.Context, projectPath string, th *thread.Thread) error {
	if th.Mode != thread.ModeWorktree {
		return nil
	}
	tok, err := m.tokens.Acquire(ctx, th.ID)
	if err != nil {
		return errors.E(errors.Op("worktree.Teardown"), errors.KindResource, errors.ReasonBusy, err)
	}
	defer tok.Release()
	return m.remove(ctx, projectPath, th.WorktreePath, th.Branch)
}

// remove deletes the worktree, then the branch. Either may already be gone.
func (m *Manager) remove(ctx context.Context, projectPath, worktreePath, branch string) error {
	if _, err := os.Stat(worktreePath); err == nil {
		if err := m.vcs.RemoveWorktree(ctx, projectPath, worktreePath); err != nil {
			return err
		}
	} else {
		logger.Warn("Worktree: %s already gone", worktreePath)
	}
	if m.vcs.BranchExists(ctx, projectPath, branch) {
		if err := m.vcs.RemoveBranch(ctx, projectPath, branch); err != nil {
			return err
		}
	}
	return nil
}
