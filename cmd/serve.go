package cmd

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mood-agency/funny/internal/broadcast"
	"github.com/mood-agency/funny/internal/claude"
	"github.com/mood-agency/funny/internal/config"
	"github.com/mood-agency/funny/internal/errors"
	pexec "github.com/mood-agency/funny/internal/exec"
	"github.com/mood-agency/funny/internal/git"
	"github.com/mood-agency/funny/internal/lock"
	"github.com/mood-agency/funny/internal/logger"
	"github.com/mood-agency/funny/internal/notification"
	"github.com/mood-agency/funny/internal/orchestrator"
	"github.com/mood-agency/funny/internal/policy"
	"github.com/mood-agency/funny/internal/registry"
	"github.com/mood-agency/funny/internal/server"
)

const shutdownGrace = 15 * time.Second

var (
	serveAddr      string
	logFile        string
	allowedOrigins []string
)

// lookPath is swapped in tests.
var lookPath = exec.LookPath

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP and websocket server",
	Long: `Starts the orchestrator and serves its command API and delta stream.

Threads left running or waiting by a previous server are marked interrupted
on startup. Edits to a project's .funny/policy.yaml apply to live threads
without a restart.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (default from config, "+config.DefaultAddr+")")
	serveCmd.Flags().StringVar(&logFile, "log-file", "", "Log file (default "+logger.DefaultLogPath+")")
	serveCmd.Flags().StringSliceVar(&allowedOrigins, "allow-origin", nil, "Extra websocket origin to accept (repeatable)")
	rootCmd.AddCommand(serveCmd)
}

// checkPrereqs verifies the external tools the server shells out to.
func checkPrereqs(claudeBinary string) error {
	for _, name := range []string{"git", claudeBinary} {
		if _, err := lookPath(name); err != nil {
			return errors.CLINotFound(name)
		}
	}
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if serveAddr != "" {
		cfg.SetAddr(serveAddr)
	}
	if logFile != "" {
		if err := logger.Init(logFile); err != nil {
			return err
		}
	}
	if !quietMode {
		logger.Tee(os.Stderr)
	}
	defer logger.Close()

	if err := checkPrereqs(cfg.GetClaudeBinary()); err != nil {
		return fmt.Errorf("%v\n\nInstall required tools and try again", err)
	}

	dataDir, err := cfg.GetDataDir()
	if err != nil {
		return fmt.Errorf("error resolving data directory: %w", err)
	}
	fl, err := lock.AcquireFile(dataDir)
	if err != nil {
		return err
	}
	defer fl.Release()

	store, err := registry.Open(filepath.Join(dataDir, registry.FileName))
	if err != nil {
		return fmt.Errorf("error opening registry: %w", err)
	}
	defer store.Close()

	hub := broadcast.NewHub(0)
	defer hub.Close()

	orch := orchestrator.New(orchestrator.Options{
		Store:                 store,
		Projects:              cfg,
		VCS:                   git.NewGitService(),
		Runtime:               claude.New(cfg.GetClaudeBinary(), pexec.NewRealExecutor()),
		Hub:                   hub,
		StatusTTL:             cfg.GetStatusCacheTTL(),
		DefaultModel:          cfg.GetDefaultModel(),
		DefaultPermissionMode: cfg.GetDefaultPermissionMode(),
		DefaultBranchPrefix:   cfg.GetDefaultBranchPrefix(),
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if _, err := orch.Recover(ctx); err != nil {
		logger.Warn("Recovery of interrupted threads failed: %v", err)
	}

	go notification.NewObserver(hub, cfg.GetNotificationsEnabled).Run(ctx)

	watcher, err := policy.NewWatcher(orch.ReloadPolicy)
	if err != nil {
		logger.Warn("Policy watcher disabled: %v", err)
	} else {
		defer watcher.Close()
		for _, p := range cfg.GetProjects() {
			if err := watcher.Watch(p.ID, p.Path); err != nil {
				logger.Warn("Not watching policy for project %s: %v", p.Name, err)
			}
		}
	}

	fmt.Printf("funny listening on http://%s\n", cfg.GetAddr())
	serveErr := server.New(orch, cfg, allowedOrigins).ListenAndServe(ctx, cfg.GetAddr())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := orch.Shutdown(shutdownCtx); err != nil {
		logger.Error("Shutdown did not finish cleanly: %v", err)
	}
	return serveErr
}
