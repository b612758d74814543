package cmd

import (
	"context"
	"fmt"
	"io"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/mood-agency/funny/internal/config"
	"github.com/mood-agency/funny/internal/git"
	"github.com/mood-agency/funny/internal/policy"
)

var projectName string

var projectCmd = &cobra.Command{
	Use:   "project",
	Short: "Manage registered projects",
}

var projectAddCmd = &cobra.Command{
	Use:   "add <repo-path>",
	Short: "Register a git repository as a project",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		p, err := addProject(cfg, args[0], projectName)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Added project %s (%s)\n", p.Name, p.ID)
		return nil
	},
}

var projectListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered projects",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		printProjects(cmd.OutOrStdout(), cfg.GetProjects())
		return nil
	},
}

var projectRemoveCmd = &cobra.Command{
	Use:   "remove <project-id>",
	Short: "Unregister a project (threads and worktrees are left alone)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if !cfg.RemoveProject(args[0]) {
			return fmt.Errorf("project %s not found", args[0])
		}
		return cfg.Save()
	},
}

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Manage per-repository tool policies",
}

var policyInitCmd = &cobra.Command{
	Use:   "init [repo-path]",
	Short: "Write a starter .funny/policy.yaml",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		repo := "."
		if len(args) == 1 {
			repo = args[0]
		}
		fp, err := policy.WriteTemplate(repo)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", fp)
		return nil
	},
}

var policyCheckCmd = &cobra.Command{
	Use:   "check [repo-path]",
	Short: "Validate .funny/policy.yaml",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		repo := "."
		if len(args) == 1 {
			repo = args[0]
		}
		f, err := policy.Load(repo)
		if err != nil {
			return err
		}
		if f == nil {
			fmt.Fprintf(cmd.OutOrStdout(), "No policy file at %s\n", policy.Path(repo))
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s is valid\n", policy.Path(repo))
		return nil
	},
}

func init() {
	projectAddCmd.Flags().StringVar(&projectName, "name", "", "Display name (default: directory name)")
	projectCmd.AddCommand(projectAddCmd, projectListCmd, projectRemoveCmd)
	policyCmd.AddCommand(policyInitCmd, policyCheckCmd)
	rootCmd.AddCommand(projectCmd, policyCmd)
}

func addProject(cfg *config.Config, path, name string) (config.Project, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return config.Project{}, err
	}
	if err := git.NewGitService().ValidateRepo(context.Background(), abs); err != nil {
		return config.Project{}, err
	}
	p, err := cfg.AddProject(abs, name)
	if err != nil {
		return config.Project{}, err
	}
	if err := cfg.Save(); err != nil {
		return config.Project{}, err
	}
	return p, nil
}

func printProjects(out io.Writer, projects []config.Project) {
	if len(projects) == 0 {
		fmt.Fprintln(out, "No projects. Add one with: funny project add <repo-path>")
		return
	}
	t := newTable(out, "ID", "NAME", "FOLLOW-UP", "PATH")
	for _, p := range projects {
		t.row(p.ID, p.Name, string(p.EffectiveFollowUpMode()), p.Path)
	}
	t.render(out)
}
