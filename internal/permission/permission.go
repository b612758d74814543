// Package permission decides whether a tool call may run without asking the user.
package permission

import (
	"encoding/json"
	"slices"
	"strings"
)

// Decision is the outcome of a permission check.
type Decision int

const (
	// Allow lets the tool run immediately.
	Allow Decision = iota
	// Ask suspends the thread until a human approves or rejects the call.
	Ask
)

func (d Decision) String() string {
	if d == Allow {
		return "allow"
	}
	return "ask"
}

// DefaultSensitiveTools mutate files or execute commands.
var DefaultSensitiveTools = []string{
	"Edit",
	"Write",
	"MultiEdit",
	"NotebookEdit",
	"Bash",
	"BashOutput",
	"KillShell",
}

// Policy is the per-project classification of tools.
type Policy struct {
	SensitiveTools []string
}

// DefaultPolicy marks the file-mutating and command tools as sensitive.
func DefaultPolicy() Policy {
	return Policy{SensitiveTools: slices.Clone(DefaultSensitiveTools)}
}

// IsSensitive reports whether calls to name require approval unless allowed.
func (p Policy) IsSensitive(name string) bool {
	for _, s := range p.SensitiveTools {
		if s == "*" || s == name {
			return true
		}
	}
	return false
}

// Tool is a proposed tool call.
type Tool struct {
	Name  string
	Input json.RawMessage
}

// Decide applies allow and deny lists and the policy to a tool call.
// Deny wins over allow; denied or sensitive tools ask, everything else is allowed.
func Decide(tool Tool, allow, deny []string, policy Policy) Decision {
	denied := MatchesAny(deny, tool)
	if !denied && MatchesAny(allow, tool) {
		return Allow
	}
	if denied || policy.IsSensitive(tool.Name) {
		return Ask
	}
	return Allow
}

// MatchesAny reports whether any pattern in list matches tool.
func MatchesAny(list []string, tool Tool) bool {
	for _, pattern := range list {
		if Matches(pattern, tool) {
			return true
		}
	}
	return false
}

// Matches reports whether pattern matches tool. Supported forms:
//
//	*               every tool
//	Read            the tool by name
//	mcp__github__*  tool names with a prefix
//	Bash(ls:*)      Bash calls whose subject starts with "ls"
//	Bash(git status) Bash calls whose subject is exactly "git status"
func Matches(pattern string, tool Tool) bool {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return false
	}
	if pattern == "*" {
		return true
	}

	name, arg, hasArg := strings.Cut(pattern, "(")
	if !hasArg {
		if prefix, ok := strings.CutSuffix(name, "*"); ok {
			return strings.HasPrefix(tool.Name, prefix)
		}
		return name == tool.Name
	}

	if name != tool.Name {
		return false
	}
	arg, ok := strings.CutSuffix(arg, ")")
	if !ok {
		return false
	}
	subject := Subject(tool.Input)
	if prefix, ok := strings.CutSuffix(arg, ":*"); ok {
		return subject == prefix || strings.HasPrefix(subject, prefix+" ")
	}
	if prefix, ok := strings.CutSuffix(arg, "*"); ok {
		return strings.HasPrefix(subject, prefix)
	}
	return subject == arg
}

// subjectKeys are the input fields a pattern argument is compared with, in order.
var subjectKeys = []string{"command", "file_path", "notebook_path", "path", "url", "pattern"}

// Subject extracts the string a pattern argument applies to from a tool input.
func Subject(input json.RawMessage) string {
	if len(input) == 0 {
		return ""
	}
	var fields map[string]any
	if err := json.Unmarshal(input, &fields); err != nil {
		return ""
	}
	for _, key := range subjectKeys {
		if s, ok := fields[key].(string); ok {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

// SessionLists holds the allow and deny lists widened by "remember" answers
// for the lifetime of a live session.
type SessionLists struct {
	Allow []string
	Deny  []string
}

// Remember adds tool to the allow list (approved) or the deny list (rejected).
func (s *SessionLists) Remember(tool string, approved bool) {
	if approved {
		if !slices.Contains(s.Allow, tool) {
			s.Allow = append(s.Allow, tool)
		}
		return
	}
	if !slices.Contains(s.Deny, tool) {
		s.Deny = append(s.Deny, tool)
	}
}
