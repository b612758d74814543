package orchestrator

import (
	"context"

	"github.com/mood-agency/funny/internal/broadcast"
	"github.com/mood-agency/funny/internal/errors"
	"github.com/mood-agency/funny/internal/thread"
	"github.com/mood-agency/funny/internal/worktree"
)

// MergeRequest controls MergeAndCleanup.
type MergeRequest struct {
	// Target defaults to the branch the worktree was forked from.
	Target string
	// Push defaults to the project's push_on_merge setting.
	Push    *bool
	Cleanup bool
	// CommitMessage commits pending worktree changes before merging.
	CommitMessage string
}

// MergeOutcome is the thread after the merge and what each step did.
type MergeOutcome struct {
	Thread *thread.Thread       `json:"thread"`
	Result worktree.MergeResult `json:"result"`
	// PushError and CleanupError describe steps that failed after a
	// successful merge.
	PushError    string `json:"pushError,omitempty"`
	CleanupError string `json:"cleanupError,omitempty"`
}

// MergeAndCleanup merges a worktree thread's branch and optionally removes
// the worktree. Cleanup is refused while a runtime is live; its failure is
// reported in the outcome and never undoes the merge. Merging a thread that
// was already cleaned up is a no-op.
func (o *Orchestrator) MergeAndCleanup(ctx context.Context, id string, req MergeRequest) (*MergeOutcome, error) {
	op := errors.Op("orchestrator.MergeAndCleanup")
	if o.isClosed() {
		return nil, errShuttingDown(op)
	}
	th, err := o.store.GetThread(ctx, id)
	if err != nil {
		return nil, err
	}
	project, err := o.projects.GetProject(th.ProjectID)
	if err != nil {
		return nil, err
	}
	push := project.PushOnMerge
	if req.Push != nil {
		push = *req.Push
	}

	res, err := o.worktrees.MergeAndCleanup(ctx, project.Path, th, worktree.MergeOptions{
		Target:        req.Target,
		Push:          push,
		Cleanup:       req.Cleanup,
		CommitMessage: req.CommitMessage,
		Unbind: func(ctx context.Context) error {
			updated, err := o.store.UpdateThread(ctx, id, func(t *thread.Thread) error {
				t.ClearBinding()
				return nil
			})
			if err != nil {
				return err
			}
			o.publishThread(broadcast.DeltaThreadUpdated, updated)
			return nil
		},
	})
	if !res.AlreadyClean {
		o.snapshots.Invalidate(project.ID)
	}
	if err != nil {
		return nil, err
	}

	if th, err = o.store.GetThread(ctx, id); err != nil {
		return nil, err
	}
	return &MergeOutcome{
		Thread:       th,
		Result:       res,
		PushError:    res.PushError(),
		CleanupError: res.CleanupError(),
	}, nil
}
