package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	pexec "github.com/mood-agency/funny/internal/exec"
	"github.com/mood-agency/funny/internal/git"
	"github.com/mood-agency/funny/internal/lock"
	"github.com/mood-agency/funny/internal/logger"
	"github.com/mood-agency/funny/internal/process"
	"github.com/mood-agency/funny/internal/registry"
	"github.com/mood-agency/funny/internal/worktree"
)

var (
	skipConfirm    bool
	cleanProcesses bool
)

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Remove orphaned worktrees, stray agent processes, and logs",
	Long: `Prunes worktree directories that no thread in the registry owns and
removes the server log file. With --processes it also kills agent CLI
processes still holding the session of a funny thread.

The server must not be running. It will prompt for confirmation before
proceeding unless the --yes flag is used.`,
	RunE: runClean,
}

func init() {
	cleanCmd.Flags().BoolVarP(&skipConfirm, "yes", "y", false, "Skip confirmation prompt")
	cleanCmd.Flags().BoolVar(&cleanProcesses, "processes", false, "Also kill orphaned agent processes")
	rootCmd.AddCommand(cleanCmd)
}

func runClean(cmd *cobra.Command, args []string) error {
	return runCleanWithReader(os.Stdin)
}

// runCleanWithReader allows injecting a reader for testing
func runCleanWithReader(input io.Reader) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	dataDir, err := cfg.GetDataDir()
	if err != nil {
		return err
	}

	// Holding the server lock guarantees no thread is live while we prune.
	fl, err := lock.AcquireFile(dataDir)
	if err != nil {
		return fmt.Errorf("stop the server before cleaning: %w", err)
	}
	defer fl.Release()

	store, err := registry.Open(filepath.Join(dataDir, registry.FileName))
	if err != nil {
		return fmt.Errorf("error opening registry: %w", err)
	}
	defer store.Close()

	ctx := context.Background()
	threads, err := store.ListThreads(ctx, registry.Filter{IncludeArchived: true})
	if err != nil {
		return err
	}
	known := make(map[string]bool, len(threads))
	sessions := make(map[string]bool)
	for _, th := range threads {
		known[th.ID] = true
		if th.AgentSessionID != "" {
			sessions[th.AgentSessionID] = false
		}
	}

	var projects []worktree.Project
	for _, p := range cfg.GetProjects() {
		projects = append(projects, worktree.Project{Name: p.Name, Path: p.Path})
	}
	orphanWorktrees := worktree.FindOrphans(projects, func(id string) bool { return known[id] })

	finder := process.NewFinder(pexec.NewRealExecutor(), cfg.GetClaudeBinary())
	var orphanProcesses []process.AgentProcess
	if cleanProcesses {
		orphanProcesses, err = finder.Orphans(ctx, sessions)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: error finding orphaned processes: %v\n", err)
		}
	}

	_, logErr := os.Stat(logger.DefaultLogPath)
	hasLog := logErr == nil

	if len(orphanWorktrees) == 0 && len(orphanProcesses) == 0 && !hasLog {
		fmt.Println("Nothing to clean.")
		return nil
	}

	fmt.Println("This will clean:")
	if len(orphanWorktrees) > 0 {
		fmt.Printf("  - %d orphaned worktree(s)\n", len(orphanWorktrees))
		for _, orphan := range orphanWorktrees {
			fmt.Printf("      %s\n", orphan.Path)
		}
	}
	if len(orphanProcesses) > 0 {
		fmt.Printf("  - %d orphaned process(es)\n", len(orphanProcesses))
		for _, proc := range orphanProcesses {
			fmt.Printf("      PID %d (session %s)\n", proc.PID, proc.SessionID)
		}
	}
	if hasLog {
		fmt.Printf("  - Log file %s\n", logger.DefaultLogPath)
	}

	if !skipConfirm {
		if !confirm(input, "Continue?") {
			fmt.Println("Aborted.")
			return nil
		}
	}

	var prunedWorktrees, killedProcesses int
	var processesErr error

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		mgr := worktree.NewManager(git.NewGitService(), lock.NewKeyed())
		prunedWorktrees = mgr.PruneOrphans(ctx, orphanWorktrees)
	}()
	go func() {
		defer wg.Done()
		if len(orphanProcesses) > 0 {
			killedProcesses, processesErr = finder.Cleanup(ctx, sessions)
		}
	}()
	wg.Wait()

	logsCleared, err := logger.ClearLogs()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: error clearing logs: %v\n", err)
	}
	if processesErr != nil {
		fmt.Fprintf(os.Stderr, "Warning: error killing orphaned processes: %v\n", processesErr)
	}

	fmt.Println()
	fmt.Println("Cleaned:")
	if prunedWorktrees > 0 {
		fmt.Printf("  - %d orphaned worktree(s) pruned\n", prunedWorktrees)
	}
	if killedProcesses > 0 {
		fmt.Printf("  - %d orphaned process(es) killed\n", killedProcesses)
	}
	if logsCleared > 0 {
		fmt.Printf("  - %d log file(s) removed\n", logsCleared)
	}
	return nil
}

// confirm prompts the user for y/n confirmation
func confirm(input io.Reader, prompt string) bool {
	reader := bufio.NewReader(input)
	fmt.Printf("%s [y/N]: ", prompt)
	response, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	response = strings.ToLower(strings.TrimSpace(response))
	return response == "y" || response == "yes"
}
