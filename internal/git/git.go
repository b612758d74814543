// Package git sequences the git commands funny needs: branch and worktree
// management, merge, push, commit and status. Every command goes through an
// injectable exec.CommandExecutor and failures come back as resource errors
// carrying a Reason.
package git

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/mood-agency/funny/internal/errors"
	pexec "github.com/mood-agency/funny/internal/exec"
	"github.com/mood-agency/funny/internal/logger"
)

// Backend is the VCS surface the worktree manager and status cache use.
type Backend interface {
	CreateBranch(ctx context.Context, repoPath, branch, base string) error
	AddWorktree(ctx context.Context, repoPath, worktreePath, branch string) error
	RemoveWorktree(ctx context.Context, repoPath, worktreePath string) error
	PruneWorktrees(ctx context.Context, repoPath string) error
	RemoveBranch(ctx context.Context, repoPath, branch string) error
	MergeBranch(ctx context.Context, repoPath, branch, target string) error
	Push(ctx context.Context, repoPath, branch string) error
	CommitAll(ctx context.Context, dir, message string) error
	GetWorktreeStatus(ctx context.Context, dir string) (*WorktreeStatus, error)
	AheadBehind(ctx context.Context, repoPath, base, branch string) (ahead, behind int, err error)
	CurrentBranch(ctx context.Context, dir string) (string, error)
	BranchExists(ctx context.Context, repoPath, branch string) bool
	HasRemoteOrigin(ctx context.Context, repoPath string) bool
	GetDefaultBranch(ctx context.Context, repoPath string) string
}

// GitService runs git through a CommandExecutor.
type GitService struct {
	executor pexec.CommandExecutor
}

var _ Backend = (*GitService)(nil)

// NewGitService returns a service backed by the real git binary.
func NewGitService() *GitService {
	return &GitService{executor: pexec.NewRealExecutor()}
}

// NewGitServiceWithExecutor returns a service that runs commands through e.
func NewGitServiceWithExecutor(e pexec.CommandExecutor) *GitService {
	return &GitService{executor: e}
}

// WorktreeStatus describes uncommitted changes in a checkout.
type WorktreeStatus struct {
	HasChanges bool     `json:"hasChanges"`
	Summary    string   `json:"summary"`
	Files      []string `json:"files"`
}

// run executes git and converts a failure into a resource error classified from output.
func (s *GitService) run(ctx context.Context, op errors.Op, dir string, args ...string) (string, error) {
	output, err := s.executor.CombinedOutput(ctx, dir, "git", args...)
	out := strings.TrimSpace(string(output))
	if err != nil {
		if ctx.Err() != nil {
			return out, errors.E(op, errors.KindResource, ctx.Err())
		}
		detail := fmt.Sprintf("git %s", strings.Join(args, " "))
		if out != "" {
			detail = fmt.Sprintf("%s: %s", detail, out)
		}
		return out, errors.GitFailed(op, classify(out), detail, err)
	}
	return out, nil
}

// classify maps git's output to a failure reason.
func classify(output string) errors.Reason {
	lower := strings.ToLower(output)
	switch {
	case strings.Contains(lower, "not a git repository"):
		return errors.ReasonNotARepo
	case strings.Contains(lower, "conflict") || strings.Contains(lower, "automatic merge failed"):
		return errors.ReasonMergeConflict
	case strings.Contains(lower, "would be overwritten") ||
		strings.Contains(lower, "contains modified or untracked files") ||
		strings.Contains(lower, "please commit your changes"):
		return errors.ReasonDirtyWorktree
	case strings.Contains(lower, "[rejected]") || strings.Contains(lower, "failed to push"):
		return errors.ReasonPushRejected
	case strings.Contains(lower, "a branch named") && strings.Contains(lower, "already exists"):
		return errors.ReasonBranchExists
	case strings.Contains(lower, "already exists") || strings.Contains(lower, "is already checked out"):
		return errors.ReasonWorktreeExists
	}
	return ""
}

// ValidateBranchName rejects names git would refuse or that would escape a ref.
func ValidateBranchName(branch string) error {
	op := errors.Op("git.ValidateBranchName")
	if branch == "" {
		return errors.Invalid(op, "branch name cannot be empty")
	}
	if len(branch) > 100 {
		return errors.Invalid(op, "branch name too long (max 100 characters)")
	}
	if strings.HasPrefix(branch, "-") || strings.HasPrefix(branch, "/") || strings.HasSuffix(branch, "/") {
		return errors.Invalid(op, fmt.Sprintf("invalid branch name %q", branch))
	}
	if strings.HasSuffix(branch, ".lock") || strings.HasSuffix(branch, ".") {
		return errors.Invalid(op, fmt.Sprintf("invalid branch name %q", branch))
	}
	for _, bad := range []string{"..", "@{", "//", " ", "~", "^", ":", "?", "*", "[", "\\"} {
		if strings.Contains(branch, bad) {
			return errors.Invalid(op, fmt.Sprintf("branch name %q contains %q", branch, bad))
		}
	}
	for _, r := range branch {
		if r < 0x20 || r == 0x7f {
			return errors.Invalid(op, "branch name contains control characters")
		}
	}
	return nil
}

// CreateBranch creates branch at base without checking it out.
func (s *GitService) CreateBranch(ctx context.Context, repoPath, branch, base string) error {
	logger.Debug("Git: creating branch %s from %s in %s", branch, base, repoPath)
	args := []string{"branch", branch}
	if base != "" {
		args = append(args, base)
	}
	_, err := s.run(ctx, errors.Op("git.CreateBranch"), repoPath, args...)
	return err
}

// AddWorktree checks out an existing branch into worktreePath.
func (s *GitService) AddWorktree(ctx context.Context, repoPath, worktreePath, branch string) error {
	logger.Debug("Git: adding worktree %s for %s", worktreePath, branch)
	_, err := s.run(ctx, errors.Op("git.AddWorktree"), repoPath, "worktree", "add", worktreePath, branch)
	return err
}

// RemoveWorktree force-removes a worktree and prunes stale entries.
func (s *GitService) RemoveWorktree(ctx context.Context, repoPath, worktreePath string) error {
	logger.Debug("Git: removing worktree %s", worktreePath)
	if _, err := s.run(ctx, errors.Op("git.RemoveWorktree"), repoPath, "worktree", "remove", worktreePath, "--force"); err != nil {
		return err
	}
	// Prune is best-effort; the worktree itself is gone.
	if _, err := s.run(ctx, errors.Op("git.RemoveWorktree"), repoPath, "worktree", "prune"); err != nil {
		logger.Warn("Git: worktree prune failed: %v", err)
	}
	return nil
}

// PruneWorktrees drops administrative entries for worktrees that no longer exist.
func (s *GitService) PruneWorktrees(ctx context.Context, repoPath string) error {
	_, err := s.run(ctx, errors.Op("git.PruneWorktrees"), repoPath, "worktree", "prune")
	return err
}

// RemoveBranch force-deletes a local branch.
func (s *GitService) RemoveBranch(ctx context.Context, repoPath, branch string) error {
	logger.Debug("Git: deleting branch %s", branch)
	_, err := s.run(ctx, errors.Op("git.RemoveBranch"), repoPath, "branch", "-D", branch)
	return err
}

// MergeBranch merges branch into target inside the project checkout.
// target is checked out first when it is not the current branch. A
// conflicting merge is aborted so the checkout is left clean.
func (s *GitService) MergeBranch(ctx context.Context, repoPath, branch, target string) error {
	op := errors.Op("git.MergeBranch")
	logger.Info("Git: merging %s into %s in %s", branch, target, repoPath)

	current, err := s.CurrentBranch(ctx, repoPath)
	if err != nil {
		return err
	}
	if current != target {
		if _, err := s.run(ctx, op, repoPath, "checkout", target); err != nil {
			return err
		}
	}

	if _, err := s.run(ctx, op, repoPath, "merge", branch, "--no-edit"); err != nil {
		if errors.ReasonOf(err) == errors.ReasonMergeConflict {
			if _, abortErr := s.run(ctx, op, repoPath, "merge", "--abort"); abortErr != nil {
				logger.Warn("Git: merge --abort failed: %v", abortErr)
			}
		}
		return err
	}
	return nil
}

// Push pushes branch to origin.
func (s *GitService) Push(ctx context.Context, repoPath, branch string) error {
	logger.Info("Git: pushing %s to origin", branch)
	_, err := s.run(ctx, errors.Op("git.Push"), repoPath, "push", "-u", "origin", branch)
	return err
}

// CommitAll stages every change in dir and commits it with message.
func (s *GitService) CommitAll(ctx context.Context, dir, message string) error {
	op := errors.Op("git.CommitAll")
	if strings.TrimSpace(message) == "" {
		return errors.Invalid(op, "commit message cannot be empty")
	}
	if _, err := s.run(ctx, op, dir, "add", "-A"); err != nil {
		return err
	}
	_, err := s.run(ctx, op, dir, "commit", "-m", message)
	return err
}

// GetWorktreeStatus lists uncommitted changes in dir.
func (s *GitService) GetWorktreeStatus(ctx context.Context, dir string) (*WorktreeStatus, error) {
	out, err := s.executor.Output(ctx, dir, "git", "status", "--porcelain")
	if err != nil {
		return nil, errors.GitFailed(errors.Op("git.GetWorktreeStatus"), errors.ReasonNotARepo, dir, err)
	}

	status := &WorktreeStatus{Files: []string{}}
	for _, line := range strings.Split(string(out), "\n") {
		if len(line) < 4 {
			continue
		}
		status.Files = append(status.Files, strings.TrimSpace(line[3:]))
	}
	status.HasChanges = len(status.Files) > 0
	switch len(status.Files) {
	case 0:
		status.Summary = "No changes"
	case 1:
		status.Summary = "1 file changed"
	default:
		status.Summary = fmt.Sprintf("%d files changed", len(status.Files))
	}
	return status, nil
}

// AheadBehind counts commits on branch not in base (ahead) and on base not in branch (behind).
func (s *GitService) AheadBehind(ctx context.Context, repoPath, base, branch string) (int, int, error) {
	op := errors.Op("git.AheadBehind")
	out, err := s.run(ctx, op, repoPath, "rev-list", "--left-right", "--count", fmt.Sprintf("%s...%s", base, branch))
	if err != nil {
		return 0, 0, err
	}
	fields := strings.Fields(out)
	if len(fields) != 2 {
		return 0, 0, errors.E(op, errors.KindResource, fmt.Sprintf("unexpected rev-list output %q", out))
	}
	behind, err1 := strconv.Atoi(fields[0])
	ahead, err2 := strconv.Atoi(fields[1])
	if err1 != nil || err2 != nil {
		return 0, 0, errors.E(op, errors.KindResource, fmt.Sprintf("unexpected rev-list output %q", out))
	}
	return ahead, behind, nil
}

// CurrentBranch returns the branch checked out in dir.
func (s *GitService) CurrentBranch(ctx context.Context, dir string) (string, error) {
	out, err := s.run(ctx, errors.Op("git.CurrentBranch"), dir, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", err
	}
	return out, nil
}

// BranchExists checks whether a local branch exists.
func (s *GitService) BranchExists(ctx context.Context, repoPath, branch string) bool {
	_, _, err := s.executor.Run(ctx, repoPath, "git", "rev-parse", "--verify", "--quiet", "refs/heads/"+branch)
	return err == nil
}

// HasRemoteOrigin checks if the repository has a remote named "origin".
func (s *GitService) HasRemoteOrigin(ctx context.Context, repoPath string) bool {
	_, _, err := s.executor.Run(ctx, repoPath, "git", "remote", "get-url", "origin")
	return err == nil
}

// GetDefaultBranch returns origin's HEAD branch, falling back to main or master.
func (s *GitService) GetDefaultBranch(ctx context.Context, repoPath string) string {
	output, err := s.executor.Output(ctx, repoPath, "git", "symbolic-ref", "refs/remotes/origin/HEAD")
	if err == nil {
		// Output is like "refs/remotes/origin/main"
		ref := strings.TrimSpace(string(output))
		if i := strings.LastIndex(ref, "/"); i >= 0 && i < len(ref)-1 {
			return ref[i+1:]
		}
	}
	if s.BranchExists(ctx, repoPath, "main") {
		return "main"
	}
	return "master"
}

// ValidateRepo checks that path is inside a git repository.
func (s *GitService) ValidateRepo(ctx context.Context, path string) error {
	_, err := s.run(ctx, errors.Op("git.ValidateRepo"), path, "rev-parse", "--git-dir")
	return err
}

// ListWorktrees returns the paths of every worktree registered for repoPath.
func (s *GitService) ListWorktrees(ctx context.Context, repoPath string) ([]string, error) {
	out, err := s.run(ctx, errors.Op("git.ListWorktrees"), repoPath, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, line := range strings.Split(out, "\n") {
		if p, ok := strings.CutPrefix(line, "worktree "); ok {
			paths = append(paths, p)
		}
	}
	return paths, nil
}
