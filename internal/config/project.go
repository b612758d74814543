package config

import (
	"fmt"
	"path/filepath"
	"slices"

	"github.com/google/uuid"

	"github.com/mood-agency/funny/internal/errors"
)

// FollowUpMode decides what a message sent to a running thread does.
type FollowUpMode string

const (
	// FollowUpInterrupt cancels the running turn and makes the new message the next input.
	FollowUpInterrupt FollowUpMode = "interrupt"
	// FollowUpQueue delivers the message after the running turn concludes.
	FollowUpQueue FollowUpMode = "queue"
)

// Valid reports whether m is a known mode. Empty means the default.
func (m FollowUpMode) Valid() bool {
	switch m {
	case "", FollowUpInterrupt, FollowUpQueue:
		return true
	}
	return false
}

// Project is a source repository that threads run against.
type Project struct {
	ID                string       `json:"id"`
	Name              string       `json:"name"`
	Path              string       `json:"path"`
	FollowUpMode      FollowUpMode `json:"follow_up_mode,omitempty"`
	AllowedTools      []string     `json:"allowed_tools,omitempty"`
	DisallowedTools   []string     `json:"disallowed_tools,omitempty"`
	DefaultBaseBranch string       `json:"default_base_branch,omitempty"`
	BranchPrefix      string       `json:"branch_prefix,omitempty"`
	PushOnMerge       bool         `json:"push_on_merge,omitempty"`
}

// EffectiveFollowUpMode returns the project's follow-up mode, defaulting to interrupt.
func (p Project) EffectiveFollowUpMode() FollowUpMode {
	if p.FollowUpMode == "" {
		return FollowUpInterrupt
	}
	return p.FollowUpMode
}

func (p Project) clone() Project {
	p.AllowedTools = slices.Clone(p.AllowedTools)
	p.DisallowedTools = slices.Clone(p.DisallowedTools)
	return p
}

// AddProject registers a repository. The ID is generated and the name defaults
// to the directory name. Adding an already registered path returns the existing project.
func (c *Config) AddProject(path, name string) (Project, error) {
	if path == "" {
		return Project{}, errors.Invalid(errors.Op("config.AddProject"), "project path is required")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return Project{}, errors.E(errors.Op("config.AddProject"), errors.KindValidation, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, p := range c.Projects {
		if p.Path == abs {
			return p.clone(), nil
		}
	}
	if name == "" {
		name = filepath.Base(abs)
	}
	p := Project{
		ID:              uuid.New().String()[:8],
		Name:            name,
		Path:            abs,
		AllowedTools:    []string{},
		DisallowedTools: []string{},
	}
	c.Projects = append(c.Projects, p)
	return p.clone(), nil
}

// RemoveProject removes a project by ID.
// Returns true if the project was found and removed, false otherwise.
func (c *Config) RemoveProject(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, p := range c.Projects {
		if p.ID == id {
			c.Projects = append(c.Projects[:i], c.Projects[i+1:]...)
			return true
		}
	}
	return false
}

// GetProject returns a copy of the project with the given ID.
func (c *Config) GetProject(id string) (Project, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, p := range c.Projects {
		if p.ID == id {
			return p.clone(), nil
		}
	}
	return Project{}, errors.ProjectNotFound(id)
}

// GetProjects returns a copy of all projects
func (c *Config) GetProjects() []Project {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Project, len(c.Projects))
	for i, p := range c.Projects {
		out[i] = p.clone()
	}
	return out
}

// UpdateProject applies fn to the project with the given ID under the write lock.
func (c *Config) UpdateProject(id string, fn func(*Project)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range c.Projects {
		if c.Projects[i].ID == id {
			fn(&c.Projects[i])
			if !c.Projects[i].FollowUpMode.Valid() {
				return errors.ConfigInvalid(fmt.Sprintf("unknown follow_up_mode %q", c.Projects[i].FollowUpMode))
			}
			return nil
		}
	}
	return errors.ProjectNotFound(id)
}

// AddAllowedTool persists tool in the project's allow list.
func (c *Config) AddAllowedTool(projectID, tool string) error {
	return c.UpdateProject(projectID, func(p *Project) {
		if !slices.Contains(p.AllowedTools, tool) {
			p.AllowedTools = append(p.AllowedTools, tool)
		}
	})
}
