package policy

import (
	"fmt"
	"strings"

	"github.com/mood-agency/funny/internal/config"
)

// ValidationError describes a single validation problem.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate checks a policy file and returns all problems found.
func Validate(f *File) []ValidationError {
	var errs []ValidationError

	if !config.FollowUpMode(f.FollowUpMode).Valid() {
		errs = append(errs, ValidationError{
			Field:   "follow_up_mode",
			Message: fmt.Sprintf("unknown mode %q (must be interrupt or queue)", f.FollowUpMode),
		})
	}

	lists := []struct {
		field    string
		patterns []string
	}{
		{"sensitive_tools", f.SensitiveTools},
		{"allowed_tools", f.AllowedTools},
		{"disallowed_tools", f.DisallowedTools},
	}
	for _, l := range lists {
		for i, p := range l.patterns {
			if msg := checkPattern(p); msg != "" {
				errs = append(errs, ValidationError{
					Field:   fmt.Sprintf("%s[%d]", l.field, i),
					Message: msg,
				})
			}
		}
	}

	return errs
}

// checkPattern returns a problem description for a malformed tool pattern.
func checkPattern(p string) string {
	if strings.TrimSpace(p) == "" {
		return "pattern is empty"
	}
	open := strings.IndexByte(p, '(')
	if open < 0 {
		if strings.Contains(p, ")") {
			return fmt.Sprintf("unbalanced parenthesis in %q", p)
		}
		return ""
	}
	if open == 0 {
		return fmt.Sprintf("pattern %q has no tool name", p)
	}
	if !strings.HasSuffix(p, ")") || strings.Count(p, "(") != 1 || strings.Count(p, ")") != 1 {
		return fmt.Sprintf("unbalanced parenthesis in %q", p)
	}
	if p[open+1:len(p)-1] == "" {
		return fmt.Sprintf("pattern %q has an empty argument", p)
	}
	return ""
}
