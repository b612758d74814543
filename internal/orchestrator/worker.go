package orchestrator

import (
	"context"
	"fmt"
	rtdebug "runtime/debug"
	"time"

	"github.com/mood-agency/funny/internal/broadcast"
	"github.com/mood-agency/funny/internal/errors"
	"github.com/mood-agency/funny/internal/permission"
	"github.com/mood-agency/funny/internal/queue"
	"github.com/mood-agency/funny/internal/runtime"
	"github.com/mood-agency/funny/internal/thread"
)

// runLoop owns the thread's runtime. It runs turns until no input is left,
// then releases the thread's token.
func (o *Orchestrator) runLoop(s *session) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("run loop panicked", "panic", r, "stack", string(rtdebug.Stack()))
			o.failAfterPanic(s, r)
		}
		o.mu.Lock()
		if o.live[s.threadID] == s {
			delete(o.live, s.threadID)
		}
		o.closing[s.threadID] = s
		o.mu.Unlock()

		s.token.Release()

		o.mu.Lock()
		if o.closing[s.threadID] == s {
			delete(o.closing, s.threadID)
		}
		o.mu.Unlock()
		close(s.done)
		s.log.Debug("run loop exited")
	}()

	for {
		item, t, ok := o.nextInput(s)
		if !ok {
			return
		}
		o.runTurn(s, t, item)
	}
}

// nextInput takes the next message to run: interrupt follow-ups first, then
// the queue. With nothing left the session is closed and unregistered while
// both locks are held, so a concurrent send either sees the live session
// before this point or starts a new one after it.
func (o *Orchestrator) nextInput(s *session) (queue.Item, *turn, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()

	s.turn = nil
	var item queue.Item
	switch {
	case len(s.pending) > 0:
		item = s.pending[0]
		s.pending = s.pending[1:]
	case !s.stopped && !s.shutdown && o.queue.Len(s.threadID) > 0:
		item, _ = o.queue.Pop(s.threadID)
	default:
		s.closed = true
		delete(o.live, s.threadID)
		o.closing[s.threadID] = s
		return queue.Item{}, nil, false
	}
	s.turn = newTurn()
	return item, s.turn, true
}

// requeuePendingLocked moves follow-ups that never reached the runtime to the
// front of the queue, so they run first once the thread is restarted. Caller
// holds s.mu.
func (o *Orchestrator) requeuePendingLocked(s *session) int {
	if len(s.pending) == 0 {
		return 0
	}
	n := len(s.pending)
	o.queue.PushFront(s.threadID, s.pending...)
	s.pending = nil
	s.log.Debug("pending follow-ups requeued", "count", n)
	return n
}

// hasMoreInput reports whether another turn will follow. Caller holds s.mu.
func (o *Orchestrator) hasMoreInput(s *session) bool {
	if s.shutdown {
		return false
	}
	return len(s.pending) > 0 || (!s.stopped && o.queue.Len(s.threadID) > 0)
}

func (o *Orchestrator) runTurn(s *session, t *turn, item queue.Item) {
	ctx, cancel := context.WithCancel(o.baseCtx)
	defer cancel()

	req, err := o.beginTurn(ctx, s, item)
	if err != nil {
		s.log.Error("failed to begin turn", "error", err)
		t.fatal = err
		o.endTurn(s, t)
		return
	}

	s.mu.Lock()
	aborted := t.aborted()
	s.mu.Unlock()
	if aborted {
		o.endTurn(s, t)
		return
	}

	run, err := o.runtime.Start(ctx, req)
	if err != nil {
		s.log.Error("runtime failed to start", "error", err)
		t.fatal = errors.RuntimeStartFailed(s.threadID, err)
		o.endTurn(s, t)
		return
	}

	s.mu.Lock()
	t.run = run
	if t.aborted() {
		run.Cancel()
	}
	s.mu.Unlock()

	o.consume(s, t)
	if !t.abandoned {
		select {
		case <-run.Done():
		case <-time.After(o.cancelGrace):
			s.log.Warn("runtime still running after its events closed")
		}
	}
	o.endTurn(s, t)
}

// beginTurn persists the user message and builds the runtime request.
func (o *Orchestrator) beginTurn(ctx context.Context, s *session, item queue.Item) (runtime.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg := &thread.Message{
		ThreadID:       s.threadID,
		Role:           thread.RoleUser,
		Content:        item.Content,
		Images:         item.Images,
		Model:          item.Model,
		PermissionMode: item.PermissionMode,
	}
	if err := o.store.AppendMessage(ctx, msg); err != nil {
		return runtime.Request{}, err
	}
	o.publishMessage(s, msg)

	th, err := o.store.UpdateThread(ctx, s.threadID, func(t *thread.Thread) error {
		if t.Title == "" {
			t.Title = thread.Title(item.Content)
		}
		if item.Model != "" {
			t.Model = item.Model
		}
		if item.PermissionMode != "" {
			t.PermissionMode = item.PermissionMode
		}
		t.QueuedCount = o.queue.Len(s.threadID)
		return nil
	})
	if err != nil {
		return runtime.Request{}, err
	}
	o.publishThread(broadcast.DeltaThreadUpdated, th)

	cwd := s.project.Path
	if th.Mode == thread.ModeWorktree {
		cwd = th.WorktreePath
	}
	return runtime.Request{
		ThreadID:        th.ID,
		Cwd:             cwd,
		Prompt:          item.Content,
		Images:          item.Images,
		Model:           firstNonEmpty(th.Model, o.defaultModel),
		PermissionMode:  firstNonEmpty(th.PermissionMode, o.defaultPermissionMode),
		ResumeSessionID: th.AgentSessionID,
	}, nil
}

// consume handles events until the run ends. Once the turn is cancelled the
// runtime gets cancelGrace to finish before it is abandoned.
func (o *Orchestrator) consume(s *session, t *turn) {
	events := t.run.Events()
	abort := (<-chan struct{})(t.abort)
	var grace <-chan time.Time
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			o.handleEvent(s, t, ev)
		case <-abort:
			abort = nil
			timer := time.NewTimer(o.cancelGrace)
			defer timer.Stop()
			grace = timer.C
		case <-grace:
			s.log.Warn("runtime did not stop within grace period, abandoning it", "grace", o.cancelGrace)
			t.abandoned = true
			return
		}
	}
}

func (o *Orchestrator) handleEvent(s *session, t *turn, ev runtime.Event) {
	ctx := o.baseCtx
	if ev.Type == runtime.EventAssistantText && ev.Partial {
		s.mu.Lock()
		t.partial.WriteString(ev.Text)
		s.mu.Unlock()
		o.hub.Publish(broadcast.Delta{Type: broadcast.DeltaAssistantText, ThreadID: s.threadID, ProjectID: s.projectID, Text: ev.Text})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch ev.Type {
	case runtime.EventInit:
		o.updateThread(ctx, s, func(th *thread.Thread) error {
			if th.InitInfo == nil {
				th.InitInfo = &thread.InitInfo{Model: ev.Model, Cwd: ev.Cwd, Tools: ev.Tools}
			}
			if ev.SessionID != "" {
				th.AgentSessionID = ev.SessionID
			}
			return nil
		})

	case runtime.EventAssistantText:
		t.text.WriteString(ev.Text)
		t.partial.Reset()

	case runtime.EventToolCallStart:
		tc := o.recordToolCall(ctx, s, t, ev)
		if tc == nil || !tc.Kind.Interactive() {
			return
		}
		t.interactiveCall = ev.ToolCallID
		if s.stopped || s.shutdown || t.aborted() {
			return
		}
		o.updateThread(ctx, s, func(th *thread.Thread) error {
			return th.Wait(tc.Kind.WaitingReason(), nil)
		})

	case runtime.EventToolCallOutput:
		tc := t.calls[ev.ToolCallID]
		if tc == nil {
			return
		}
		set, err := o.store.SetToolCallOutput(ctx, tc.ID, ev.Output)
		if err != nil {
			s.log.Warn("failed to record tool output", "toolCallID", tc.ID, "error", err)
			return
		}
		if set {
			o.publishToolCall(s, broadcast.DeltaToolCallUpdated, tc.ID)
		}

	case runtime.EventPermissionRequest:
		o.handlePermission(ctx, s, t, ev)

	case runtime.EventTurnResult:
		t.gotResult = true
		o.flushText(ctx, s, t, false)
		if !t.wroteText && ev.Result != nil && ev.Result.Text != "" {
			t.text.WriteString(ev.Result.Text)
			o.flushText(ctx, s, t, false)
		}
		o.concludeTurn(ctx, s, resultInfo(ev.Result), ev.SessionID)

	case runtime.EventFatalError:
		t.fatal = ev.Err
		s.log.Error("runtime reported a fatal error", "error", ev.Err)
	}
}

// handlePermission decides a permission request, asking the user when the
// policy says so. Tools rejected with remember are denied for the session.
func (o *Orchestrator) handlePermission(ctx context.Context, s *session, t *turn, ev runtime.Event) {
	tc := o.recordToolCall(ctx, s, t, ev)
	if tc == nil || s.stopped || s.shutdown || t.aborted() {
		return
	}
	tool := permission.Tool{Name: ev.ToolName, Input: ev.Input}
	reply := runtime.Reply{Kind: runtime.ReplyPermission, ToolCallID: ev.ToolCallID, ToolName: ev.ToolName}

	if permission.MatchesAny(s.lists.Deny, tool) {
		reply.Answer = "The user rejected this tool for the rest of the session."
		s.log.Debug("tool denied by session list", "tool", ev.ToolName)
		o.respond(s, t, reply)
		return
	}
	allow := append(append([]string{}, s.effective.Allow...), s.lists.Allow...)
	if permission.Decide(tool, allow, s.effective.Deny, s.effective.Policy) == permission.Allow {
		reply.Approved = true
		s.log.Debug("tool allowed by policy", "tool", ev.ToolName)
		o.respond(s, t, reply)
		return
	}

	t.permissionCall = ev.ToolCallID
	o.updateThread(ctx, s, func(th *thread.Thread) error {
		return th.Wait(thread.WaitingPermission, &thread.PendingPermission{
			ToolName:   ev.ToolName,
			ToolCallID: tc.ID,
			Input:      ev.Input,
		})
	})
	s.log.Info("waiting for permission", "tool", ev.ToolName, "subject", permission.Subject(ev.Input))
}

func (o *Orchestrator) respond(s *session, t *turn, reply runtime.Reply) {
	if err := t.run.Respond(reply); err != nil {
		s.log.Warn("failed to answer runtime", "tool", reply.ToolName, "error", err)
	}
}

// recordToolCall stores the tool call the first time its runtime ID is seen.
func (o *Orchestrator) recordToolCall(ctx context.Context, s *session, t *turn, ev runtime.Event) *thread.ToolCall {
	if tc, ok := t.calls[ev.ToolCallID]; ok {
		return tc
	}
	msgID, err := o.flushText(ctx, s, t, true)
	if err != nil {
		s.log.Error("failed to store assistant message", "error", err)
		return nil
	}
	tc := &thread.ToolCall{MessageID: msgID, Name: ev.ToolName, Input: ev.Input}
	if err := o.store.AppendToolCall(ctx, tc); err != nil {
		s.log.Error("failed to store tool call", "tool", ev.ToolName, "error", err)
		return nil
	}
	t.calls[ev.ToolCallID] = tc
	o.hub.Publish(broadcast.Delta{Type: broadcast.DeltaToolCallAdded, ThreadID: s.threadID, ProjectID: s.projectID, ToolCall: tc})
	return tc
}

// flushText stores accumulated assistant text as a message. With force set a
// message is returned even without new text, so tool calls have a parent.
func (o *Orchestrator) flushText(ctx context.Context, s *session, t *turn, force bool) (string, error) {
	text := t.takeText()
	if text == "" {
		if t.messageID != "" || !force {
			return t.messageID, nil
		}
	}
	msg := &thread.Message{ThreadID: s.threadID, Role: thread.RoleAssistant, Content: text}
	if err := o.store.AppendMessage(ctx, msg); err != nil {
		return "", err
	}
	t.messageID = msg.ID
	if text != "" {
		t.wroteText = true
	}
	o.publishMessage(s, msg)
	return msg.ID, nil
}

// concludeTurn records how a turn ended. A stopped thread keeps its status;
// with more input pending the thread stays running. Caller holds s.mu.
func (o *Orchestrator) concludeTurn(ctx context.Context, s *session, info *thread.ResultInfo, sessionID string) {
	more := o.hasMoreInput(s)
	o.updateThread(ctx, s, func(th *thread.Thread) error {
		if info != nil {
			th.ResultInfo = info
		}
		if sessionID != "" {
			th.AgentSessionID = sessionID
		}
		th.QueuedCount = o.queue.Len(s.threadID)
		switch {
		case s.stopped || th.Status == thread.StatusStopped:
			return nil
		case s.shutdown && info == nil:
			th.QueuedCount = 0
			return th.Transition(thread.StatusInterrupted)
		case more:
			return th.Transition(thread.StatusRunning)
		}
		status := thread.StatusFailed
		if info != nil {
			status = info.Status
		}
		if err := th.Transition(status); err != nil {
			return err
		}
		now := time.Now()
		th.CompletedAt = &now
		return nil
	})
}

// endTurn runs after the runtime's events have closed. A turn without a
// result keeps its partial text and fails unless it was stopped or
// interrupted on purpose.
func (o *Orchestrator) endTurn(s *session, t *turn) {
	ctx := o.baseCtx
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.gotResult {
		return
	}
	if _, err := o.flushText(ctx, s, t, false); err != nil {
		s.log.Error("failed to flush partial output", "error", err)
	}

	var info *thread.ResultInfo
	switch {
	case t.fatal != nil:
		info = &thread.ResultInfo{Status: thread.StatusFailed, Error: t.fatal.Error()}
	case t.interrupted || s.stopped || s.shutdown:
	default:
		info = &thread.ResultInfo{Status: thread.StatusFailed, Error: "runtime exited without a result"}
	}
	o.concludeTurn(ctx, s, info, "")
}

// failAfterPanic records a run loop panic as a runtime failure.
func (o *Orchestrator) failAfterPanic(s *session, r any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t := s.turn; t != nil {
		t.cancel()
	}
	s.pending = nil
	s.closed = true
	msg := fmt.Sprintf("internal error: %v", r)
	o.updateThread(o.baseCtx, s, func(th *thread.Thread) error {
		th.ResultInfo = &thread.ResultInfo{Status: thread.StatusFailed, Error: msg}
		if !th.IsActive() {
			return nil
		}
		now := time.Now()
		th.CompletedAt = &now
		return th.Transition(thread.StatusFailed)
	})
}

// updateThread applies fn and publishes the result. Failures are logged: the
// run loop has nobody to return them to.
func (o *Orchestrator) updateThread(ctx context.Context, s *session, fn func(*thread.Thread) error) {
	th, err := o.store.UpdateThread(ctx, s.threadID, fn)
	if err != nil {
		s.log.Error("failed to update thread", "error", err)
		return
	}
	o.publishThread(broadcast.DeltaThreadUpdated, th)
}

func (o *Orchestrator) publishMessage(s *session, m *thread.Message) {
	o.hub.Publish(broadcast.Delta{Type: broadcast.DeltaMessageAdded, ThreadID: s.threadID, ProjectID: s.projectID, Message: m})
}

func (o *Orchestrator) publishToolCall(s *session, typ broadcast.DeltaType, id string) {
	tc, err := o.store.GetToolCall(o.baseCtx, id)
	if err != nil {
		s.log.Warn("failed to load tool call", "toolCallID", id, "error", err)
		return
	}
	o.hub.Publish(broadcast.Delta{Type: typ, ThreadID: s.threadID, ProjectID: s.projectID, ToolCall: tc})
}

func resultInfo(r *runtime.Result) *thread.ResultInfo {
	if r == nil {
		return &thread.ResultInfo{Status: thread.StatusFailed, Error: "turn ended without a result"}
	}
	info := &thread.ResultInfo{Status: thread.StatusCompleted, Cost: r.Cost, DurationMS: r.DurationMS}
	if !r.Success {
		info.Status = thread.StatusFailed
		info.Error = r.Error
	}
	return info
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
