// Package policy loads the optional per-repository tool policy file
// (.funny/policy.yaml) and merges it over the project's configuration.
package policy

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/mood-agency/funny/internal/config"
	"github.com/mood-agency/funny/internal/errors"
	"github.com/mood-agency/funny/internal/permission"
)

const (
	policyFileName = "policy.yaml"
	policyDir      = ".funny"
)

// File is the on-disk shape of .funny/policy.yaml. A nil list means the file
// does not set it.
type File struct {
	SensitiveTools  []string `yaml:"sensitive_tools"`
	AllowedTools    []string `yaml:"allowed_tools"`
	DisallowedTools []string `yaml:"disallowed_tools"`
	FollowUpMode    string   `yaml:"follow_up_mode"`
}

// Path returns the policy file location for a repository.
func Path(repoPath string) string {
	return filepath.Join(repoPath, policyDir, policyFileName)
}

// Load reads and parses the policy file from the given repo path.
// Returns nil, nil if the file does not exist.
func Load(repoPath string) (*File, error) {
	op := errors.Op("policy.Load")
	fp := Path(repoPath)

	data, err := os.ReadFile(fp)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.E(op, errors.KindConfig, fmt.Sprintf("failed to read %s", fp), err)
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, errors.E(op, errors.KindConfig, fmt.Sprintf("failed to parse %s", fp), err)
	}
	return &f, nil
}

// Effective is the tool policy a thread of the project runs under.
type Effective struct {
	Policy       permission.Policy
	Allow        []string
	Deny         []string
	FollowUpMode config.FollowUpMode
}

// Resolve loads the project's policy file, validates it and merges it over
// the project configuration. Lists the file sets replace the project's.
func Resolve(p config.Project) (*Effective, error) {
	f, err := Load(p.Path)
	if err != nil {
		return nil, err
	}
	if f != nil {
		if errs := Validate(f); len(errs) > 0 {
			return nil, errors.E(errors.Op("policy.Resolve"), errors.KindConfig, Path(p.Path), errs[0])
		}
	}
	return Merge(f, p), nil
}

// Merge combines a (possibly nil) policy file with the project configuration.
func Merge(f *File, p config.Project) *Effective {
	eff := &Effective{
		Policy:       permission.DefaultPolicy(),
		Allow:        slices.Clone(p.AllowedTools),
		Deny:         slices.Clone(p.DisallowedTools),
		FollowUpMode: p.EffectiveFollowUpMode(),
	}
	if f == nil {
		return eff
	}
	if f.SensitiveTools != nil {
		eff.Policy = permission.Policy{SensitiveTools: slices.Clone(f.SensitiveTools)}
	}
	if f.AllowedTools != nil {
		eff.Allow = slices.Clone(f.AllowedTools)
	}
	if f.DisallowedTools != nil {
		eff.Deny = slices.Clone(f.DisallowedTools)
	}
	if f.FollowUpMode != "" {
		eff.FollowUpMode = config.FollowUpMode(f.FollowUpMode)
	}
	return eff
}
