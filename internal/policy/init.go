package policy

import (
	"fmt"
	"os"
	"path/filepath"
)

// Template is the default policy.yaml content with commented optional entries.
const Template = `# funny tool policy
#
# Lists set here replace the project's lists from the funny config.
# Patterns: "Read", "mcp__*", "Bash(git status:*)", "Bash(*)".

# Tools that require approval unless allowed below.
sensitive_tools:
  - Edit
  - Write
  - MultiEdit
  - NotebookEdit
  - Bash
  - BashOutput
  - KillShell

# allowed_tools:
#   - "Bash(ls:*)"
#   - "Bash(git status:*)"

# disallowed_tools:
#   - "Bash(rm:*)"

# What a message sent to a running thread does: interrupt or queue.
# follow_up_mode: interrupt
`

// WriteTemplate creates .funny/policy.yaml in repoPath. It refuses to
// overwrite an existing file. Returns the path written.
func WriteTemplate(repoPath string) (string, error) {
	fp := Path(repoPath)
	if _, err := os.Stat(fp); err == nil {
		return "", fmt.Errorf("%s already exists", fp)
	}
	if err := os.MkdirAll(filepath.Dir(fp), 0o755); err != nil {
		return "", fmt.Errorf("failed to create %s: %w", filepath.Dir(fp), err)
	}
	if err := os.WriteFile(fp, []byte(Template), 0o644); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", fp, err)
	}
	return fp, nil
}
