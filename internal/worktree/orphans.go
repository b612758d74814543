package worktree

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/mood-agency/funny/internal/logger"
)

// Project is the slice of project configuration orphan detection needs.
type Project struct {
	Name string
	Path string
}

// Orphan is a worktree directory with no matching thread.
type Orphan struct {
	Path        string // Full path to the worktree
	ProjectPath string // Repository the worktree belongs to
	ThreadID    string // Directory name
}

// FindOrphans lists worktree directories of the given projects whose
// thread ID is not known.
func FindOrphans(projects []Project, known func(threadID string) bool) []Orphan {
	var orphans []Orphan
	checked := make(map[string]bool)
	for _, p := range projects {
		root := Root(p.Path, p.Name)
		if checked[root] {
			continue
		}
		checked[root] = true

		entries, err := os.ReadDir(root)
		if err != nil {
			continue // Skip if directory doesn't exist or can't be read
		}
		for _, entry := range entries {
			if !entry.IsDir() || known(entry.Name()) {
				continue
			}
			orphans = append(orphans, Orphan{
				Path:        filepath.Join(root, entry.Name()),
				ProjectPath: p.Path,
				ThreadID:    entry.Name(),
			})
		}
	}
	logger.Info("Worktree: found %d orphaned worktrees", len(orphans))
	return orphans
}

// PruneOrphans removes orphaned worktrees and the generated branches they had
// checked out. Returns how many directories were removed.
func (m *Manager) PruneOrphans(ctx context.Context, orphans []Orphan) int {
	pruned := 0
	for _, o := range orphans {
		logger.Info("Worktree: pruning orphan %s", o.Path)

		branch, _ := m.vcs.CurrentBranch(ctx, o.Path)

		if err := m.vcs.RemoveWorktree(ctx, o.ProjectPath, o.Path); err != nil {
			logger.Warn("Worktree: git worktree remove failed, trying direct removal: %v", err)
			if err := os.RemoveAll(o.Path); err != nil {
				logger.Error("Worktree: failed to remove orphan %s: %v", o.Path, err)
				continue
			}
			if err := m.vcs.PruneWorktrees(ctx, o.ProjectPath); err != nil {
				logger.Debug("Worktree: prune after direct removal: %v", err)
			}
		}

		// Only branches this tool generated are deleted.
		if strings.Contains(branch, BranchMarker) {
			if err := m.vcs.RemoveBranch(ctx, o.ProjectPath, branch); err != nil {
				logger.Warn("Worktree: failed to delete orphan branch %s: %v", branch, err)
			}
		}
		pruned++
	}
	return pruned
}
