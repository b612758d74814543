// Package worktree provisions and tears down the git worktree a thread may own.
//
// # Layout
//
// Given a project at /path/to/repo, thread worktrees live next to it:
//
//	/path/to/.funny-worktrees/<project-name>/<thread-id>/
//
// Each worktree checks out its own branch, <prefix>funny-<short-id> unless the
// caller names one, forked from the thread's base branch.
//
// # Lifecycle
//
//  1. Provision creates the branch, then the worktree. If the worktree step
//     fails the branch is removed again before the error is returned.
//  2. MergeAndCleanup merges the branch into the target branch in the project
//     checkout, optionally pushes, and only when both succeed removes the
//     worktree and branch. Cleanup failures are reported, never rolled back.
//  3. Teardown removes worktree and branch when a thread is deleted.
//
// Teardown never runs while a runtime holds the thread's token.
package worktree
