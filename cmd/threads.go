package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/mood-agency/funny/internal/registry"
	"github.com/mood-agency/funny/internal/thread"
)

var (
	threadsProject string
	threadsAll     bool
)

var threadsCmd = &cobra.Command{
	Use:   "threads",
	Short: "List threads in the registry",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		dataDir, err := cfg.GetDataDir()
		if err != nil {
			return err
		}
		store, err := registry.Open(filepath.Join(dataDir, registry.FileName))
		if err != nil {
			return fmt.Errorf("error opening registry: %w", err)
		}
		defer store.Close()

		threads, err := store.ListThreads(context.Background(), registry.Filter{
			ProjectID:       threadsProject,
			IncludeArchived: threadsAll,
		})
		if err != nil {
			return err
		}
		printThreads(os.Stdout, threads)
		return nil
	},
}

func init() {
	threadsCmd.Flags().StringVarP(&threadsProject, "project", "p", "", "Only list threads of this project ID")
	threadsCmd.Flags().BoolVarP(&threadsAll, "all", "a", false, "Include archived threads")
	rootCmd.AddCommand(threadsCmd)
}

func printThreads(out io.Writer, threads []*thread.Thread) {
	if len(threads) == 0 {
		fmt.Fprintln(out, "No threads.")
		return
	}
	t := newTable(out, "ID", "STATUS", "MODE", "BRANCH", "TITLE")
	for _, th := range threads {
		status := string(th.Status)
		if th.WaitingReason != thread.WaitingNone {
			status += " (" + string(th.WaitingReason) + ")"
		}
		if st, ok := statusStyles[th.Status]; ok {
			status = t.style(st, status)
		}
		title := th.Title
		if th.Pinned {
			title = "* " + title
		}
		t.row(thread.ShortID(th.ID), status, string(th.Mode), th.Branch, title)
	}
	t.render(out)
}
