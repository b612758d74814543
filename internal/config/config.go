package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mood-agency/funny/internal/errors"
)

// HomeEnv overrides the funny home directory (default ~/.funny).
const HomeEnv = "FUNNY_HOME"

const (
	DefaultAddr           = "127.0.0.1:3001"
	DefaultStatusCacheTTL = 30 * time.Second
	DefaultClaudeBinary   = "claude"
)

// Config holds the application configuration
type Config struct {
	Projects []Project `json:"projects"`

	Addr                  string `json:"addr,omitempty"`                     // HTTP listen address
	DataDir               string `json:"data_dir,omitempty"`                 // Registry database directory (default: funny home)
	StatusCacheTTLSeconds int    `json:"status_cache_ttl_seconds,omitempty"` // Worktree status cache TTL
	ClaudeBinary          string `json:"claude_binary,omitempty"`            // Agent CLI executable
	DefaultModel          string `json:"default_model,omitempty"`            // Model for threads that do not pick one
	DefaultPermissionMode string `json:"default_permission_mode,omitempty"`  // e.g. "default", "plan", "acceptEdits"
	DefaultBranchPrefix   string `json:"default_branch_prefix,omitempty"`    // Prefix for generated worktree branches
	NotificationsEnabled  bool   `json:"notifications_enabled,omitempty"`    // Desktop notifications on thread completion

	mu       sync.RWMutex
	filePath string
}

// Dir returns the funny home directory, honoring FUNNY_HOME.
func Dir() (string, error) {
	if dir := os.Getenv(HomeEnv); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".funny"), nil
}

// DefaultPath returns the path to the config file
func DefaultPath() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.json"), nil
}

// Load reads the config from the default path.
func Load() (*Config, error) {
	path, err := DefaultPath()
	if err != nil {
		return nil, err
	}
	return LoadFrom(path)
}

// LoadFrom reads the config from path, or returns an empty config bound to
// path if the file doesn't exist.
func LoadFrom(path string) (*Config, error) {
	cfg := &Config{
		Projects: []Project{},
		filePath: path,
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, errors.ConfigLoadFailed(path, err)
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, errors.ConfigLoadFailed(path, err)
	}

	// Must run before Validate, which only reads.
	cfg.ensureInitialized()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ensureInitialized ensures all slices are initialized (not nil).
// NOT thread-safe; only called from LoadFrom before the Config is shared.
func (c *Config) ensureInitialized() {
	if c.Projects == nil {
		c.Projects = []Project{}
	}
	for i := range c.Projects {
		if c.Projects[i].AllowedTools == nil {
			c.Projects[i].AllowedTools = []string{}
		}
		if c.Projects[i].DisallowedTools == nil {
			c.Projects[i].DisallowedTools = []string{}
		}
	}
}

// Validate checks that the config is internally consistent.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	seenIDs := make(map[string]bool)
	seenPaths := make(map[string]bool)
	for _, p := range c.Projects {
		if p.ID == "" {
			return errors.ConfigInvalid("project with empty ID found")
		}
		if seenIDs[p.ID] {
			return errors.ConfigInvalid(fmt.Sprintf("duplicate project ID: %s", p.ID))
		}
		seenIDs[p.ID] = true

		if p.Path == "" {
			return errors.ConfigInvalid(fmt.Sprintf("project %s has empty path", p.ID))
		}
		if seenPaths[p.Path] {
			return errors.ConfigInvalid(fmt.Sprintf("duplicate project path: %s", p.Path))
		}
		seenPaths[p.Path] = true

		if !p.FollowUpMode.Valid() {
			return errors.ConfigInvalid(fmt.Sprintf("project %s has unknown follow_up_mode %q", p.ID, p.FollowUpMode))
		}
	}

	if c.StatusCacheTTLSeconds < 0 {
		return errors.ConfigInvalid("status_cache_ttl_seconds must not be negative")
	}

	return nil
}

// Save writes the config to disk
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.filePath == "" {
		return errors.ConfigSaveFailed("", fmt.Errorf("config has no file path"))
	}
	if err := os.MkdirAll(filepath.Dir(c.filePath), 0755); err != nil {
		return errors.ConfigSaveFailed(c.filePath, err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return errors.ConfigSaveFailed(c.filePath, err)
	}

	if err := os.WriteFile(c.filePath, data, 0644); err != nil {
		return errors.ConfigSaveFailed(c.filePath, err)
	}
	return nil
}

// Path returns the file the config is saved to.
func (c *Config) Path() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.filePath
}

// GetAddr returns the HTTP listen address
func (c *Config) GetAddr() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Addr == "" {
		return DefaultAddr
	}
	return c.Addr
}

// SetAddr sets the HTTP listen address
func (c *Config) SetAddr(addr string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Addr = addr
}

// GetDataDir returns the directory holding the thread registry.
func (c *Config) GetDataDir() (string, error) {
	c.mu.RLock()
	dir := c.DataDir
	c.mu.RUnlock()
	if dir != "" {
		return dir, nil
	}
	return Dir()
}

// GetStatusCacheTTL returns the worktree status cache TTL
func (c *Config) GetStatusCacheTTL() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.StatusCacheTTLSeconds == 0 {
		return DefaultStatusCacheTTL
	}
	return time.Duration(c.StatusCacheTTLSeconds) * time.Second
}

// GetClaudeBinary returns the agent CLI executable
func (c *Config) GetClaudeBinary() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.ClaudeBinary == "" {
		return DefaultClaudeBinary
	}
	return c.ClaudeBinary
}

// GetDefaultModel returns the model used when a thread does not set one
func (c *Config) GetDefaultModel() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.DefaultModel
}

// GetDefaultPermissionMode returns the agent permission mode for new threads
func (c *Config) GetDefaultPermissionMode() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.DefaultPermissionMode == "" {
		return "default"
	}
	return c.DefaultPermissionMode
}

// GetDefaultBranchPrefix returns the default branch prefix
func (c *Config) GetDefaultBranchPrefix() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.DefaultBranchPrefix
}

// SetDefaultBranchPrefix sets the default branch prefix
func (c *Config) SetDefaultBranchPrefix(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.DefaultBranchPrefix = prefix
}

// GetNotificationsEnabled returns whether desktop notifications are enabled
func (c *Config) GetNotificationsEnabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.NotificationsEnabled
}

// SetNotificationsEnabled sets whether desktop notifications are enabled
func (c *Config) SetNotificationsEnabled(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.NotificationsEnabled = enabled
}
