package claude

import "github.com/mood-agency/funny/internal/runtime"

// PermissionPromptTool routes permission checks back to us as control
// requests on stdout.
const PermissionPromptTool = "stdio"

// BuildCommandArgs builds the command line for one turn.
func BuildCommandArgs(req runtime.Request) []string {
	args := []string{
		"--print",
		"--output-format", "stream-json",
		"--input-format", "stream-json",
		"--verbose",
		"--include-partial-messages",
		"--permission-prompt-tool", PermissionPromptTool,
	}
	if req.ResumeSessionID != "" {
		args = append(args, "--resume", req.ResumeSessionID)
	}
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	if req.PermissionMode != "" {
		args = append(args, "--permission-mode", req.PermissionMode)
	}
	return args
}
