package thread

// ToolKind classifies a tool call when it is created.
type ToolKind string

const (
	// KindStandard tools run without human input beyond permission.
	KindStandard ToolKind = "standard"
	// KindQuestion tools ask the user a question; the answer becomes the output.
	KindQuestion ToolKind = "question"
	// KindPlan tools present a plan for the user to accept or revise.
	KindPlan ToolKind = "plan"
)

const (
	ToolAskUserQuestion = "AskUserQuestion"
	ToolExitPlanMode    = "ExitPlanMode"
)

// KindOf resolves the kind for a tool name.
func KindOf(name string) ToolKind {
	switch name {
	case ToolAskUserQuestion:
		return KindQuestion
	case ToolExitPlanMode:
		return KindPlan
	default:
		return KindStandard
	}
}

// Interactive reports whether calls of this kind wait on a human reply.
func (k ToolKind) Interactive() bool {
	return k == KindQuestion || k == KindPlan
}

// WaitingReason maps an interactive kind to the waiting reason it produces.
func (k ToolKind) WaitingReason() WaitingReason {
	switch k {
	case KindQuestion:
		return WaitingQuestion
	case KindPlan:
		return WaitingPlan
	default:
		return WaitingNone
	}
}
