package orchestrator

import (
	"context"
	"strings"
	"time"

	"github.com/mood-agency/funny/internal/broadcast"
	"github.com/mood-agency/funny/internal/config"
	"github.com/mood-agency/funny/internal/errors"
	"github.com/mood-agency/funny/internal/lock"
	"github.com/mood-agency/funny/internal/logger"
	"github.com/mood-agency/funny/internal/queue"
	"github.com/mood-agency/funny/internal/runtime"
	"github.com/mood-agency/funny/internal/thread"
)

// SendRequest is a user message for a thread.
type SendRequest struct {
	Content        string
	Images         []string
	Model          string
	PermissionMode string
}

// SendMessage delivers a user message. An inactive thread starts a new turn.
// A running thread gets the message as an interrupt or a queued follow-up
// depending on the project's follow-up mode. A thread waiting on a question
// or plan takes the message as the answer.
func (o *Orchestrator) SendMessage(ctx context.Context, threadID string, req SendRequest) (*thread.Thread, error) {
	op := errors.Op("orchestrator.SendMessage")
	if strings.TrimSpace(req.Content) == "" && len(req.Images) == 0 {
		return nil, errors.Invalid(op, "message is empty")
	}
	item := queue.Item{
		Content:        req.Content,
		Images:         req.Images,
		Model:          req.Model,
		PermissionMode: req.PermissionMode,
	}

	th, err := o.store.GetThread(ctx, threadID)
	if err != nil {
		return nil, err
	}
	project, err := o.projects.GetProject(th.ProjectID)
	if err != nil {
		return nil, err
	}

	for {
		o.mu.Lock()
		if o.closed {
			o.mu.Unlock()
			return nil, errShuttingDown(op)
		}
		s, created := o.live[threadID], false
		var winding *session
		if s == nil {
			if tok, ok := o.tokens.TryAcquire(threadID); ok {
				s = o.newSession(th, project, tok)
				// Held until startSession returns, so a concurrent send
				// sees the thread running rather than idle.
				s.mu.Lock()
				o.live[threadID] = s
				created = true
			} else {
				winding = o.closing[threadID]
			}
		}
		o.mu.Unlock()

		switch {
		case created:
			return o.startSession(ctx, s, item)
		case s != nil:
			updated, err, retry := o.sendLive(ctx, s, item)
			if retry {
				continue
			}
			return updated, err
		case winding != nil:
			// The previous run loop is releasing its token.
			select {
			case <-winding.done:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		default:
			return nil, errors.E(op, errors.KindResource, errors.ReasonBusy, "thread "+threadID+" is busy with a worktree operation")
		}
	}
}

func (o *Orchestrator) newSession(th *thread.Thread, project config.Project, tok *lock.Token) *session {
	return &session{
		threadID:  th.ID,
		projectID: th.ProjectID,
		project:   project,
		token:     tok,
		log:       logger.WithThread(th.ID),
		done:      make(chan struct{}),
	}
}

// startSession moves an inactive thread to running and launches its run loop.
// The caller holds the thread's token, has registered s as live and holds
// s.mu, which startSession releases.
func (o *Orchestrator) startSession(ctx context.Context, s *session, item queue.Item) (*thread.Thread, error) {
	defer s.mu.Unlock()

	fail := func(err error) (*thread.Thread, error) {
		s.closed = true
		o.mu.Lock()
		delete(o.live, s.threadID)
		o.closing[s.threadID] = s
		o.mu.Unlock()
		s.token.Release()
		o.mu.Lock()
		if o.closing[s.threadID] == s {
			delete(o.closing, s.threadID)
		}
		o.mu.Unlock()
		close(s.done)
		return nil, err
	}

	eff, err := o.resolve(s.project)
	if err != nil {
		return fail(err)
	}
	s.effective = eff

	// Messages left queued by an earlier stop go first.
	toQueue := o.queue.Len(s.threadID) > 0
	th, err := o.store.UpdateThread(ctx, s.threadID, func(t *thread.Thread) error {
		if err := t.Transition(thread.StatusRunning); err != nil {
			return err
		}
		t.CompletedAt = nil
		t.QueuedCount = o.queue.Len(s.threadID)
		if toQueue {
			t.QueuedCount++
		}
		return nil
	})
	if err != nil {
		return fail(err)
	}
	if toQueue {
		o.queue.Push(s.threadID, item)
	} else {
		s.pending = append(s.pending, item)
	}

	s.log.Info("session started", "followUp", eff.FollowUpMode, "queued", th.QueuedCount)
	o.publishThread(broadcast.DeltaThreadUpdated, th)
	go o.runLoop(s)
	return th, nil
}

// sendLive handles a message for a thread with a live run loop. retry is set
// when the loop finished before the session lock was taken.
func (o *Orchestrator) sendLive(ctx context.Context, s *session, item queue.Item) (th *thread.Thread, err error, retry bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, nil, true
	}

	current, err := o.store.GetThread(ctx, s.threadID)
	if err != nil {
		return nil, err, false
	}

	switch {
	case current.Status == thread.StatusWaiting &&
		(current.WaitingReason == thread.WaitingQuestion || current.WaitingReason == thread.WaitingPlan):
		th, err = o.answerLocked(ctx, s, item.Content)

	case current.IsActive():
		if s.effective.FollowUpMode == config.FollowUpQueue {
			th, err = o.enqueueLocked(ctx, s, item)
		} else {
			th, err = o.interruptLocked(ctx, s, item)
		}

	default:
		// The last turn concluded but the loop has not exited yet. Nothing
		// is running, so this starts the next turn in either mode.
		th, err = o.store.UpdateThread(ctx, s.threadID, func(t *thread.Thread) error {
			if err := t.Transition(thread.StatusRunning); err != nil {
				return err
			}
			t.CompletedAt = nil
			return nil
		})
		if err != nil {
			return nil, err, false
		}
		s.stopped = false
		if o.queue.Len(s.threadID) > 0 {
			th, err = o.enqueueLocked(ctx, s, item)
		} else {
			s.pending = append(s.pending, item)
		}
	}
	if err != nil {
		return nil, err, false
	}
	o.publishThread(broadcast.DeltaThreadUpdated, th)
	return th, nil, false
}

func (o *Orchestrator) enqueueLocked(ctx context.Context, s *session, item queue.Item) (*thread.Thread, error) {
	n := o.queue.Push(s.threadID, item)
	th, err := o.store.UpdateThread(ctx, s.threadID, func(t *thread.Thread) error {
		t.QueuedCount = n
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Debug("follow-up queued", "queued", n)
	return th, nil
}

// interruptLocked cancels the current turn and makes item the next input.
// The run loop flushes whatever the agent had written so far.
func (o *Orchestrator) interruptLocked(ctx context.Context, s *session, item queue.Item) (*thread.Thread, error) {
	th, err := o.store.UpdateThread(ctx, s.threadID, func(t *thread.Thread) error {
		return t.Transition(thread.StatusRunning)
	})
	if err != nil {
		return nil, err
	}
	s.pending = append(s.pending, item)
	if t := s.turn; t != nil {
		t.interrupted = true
		t.permissionCall = ""
		t.interactiveCall = ""
		t.cancel()
	}
	s.log.Info("turn interrupted by follow-up")
	return th, nil
}

// answerLocked delivers a human answer to the pending question or plan.
func (o *Orchestrator) answerLocked(ctx context.Context, s *session, answer string) (*thread.Thread, error) {
	op := errors.Op("orchestrator.SendMessage")
	t := s.turn
	if t == nil || t.run == nil || t.interactiveCall == "" {
		return nil, errors.E(op, errors.KindValidation, "thread "+s.threadID+" has no pending question")
	}
	tc := t.calls[t.interactiveCall]

	reply := runtime.Reply{
		Kind:       runtime.ReplyAnswer,
		ToolCallID: t.interactiveCall,
		ToolName:   tc.Name,
		Approved:   tc.Kind != thread.KindPlan || isApproval(answer),
		Answer:     answer,
	}
	if err := t.run.Respond(reply); err != nil {
		return nil, errors.E(op, errors.KindRuntime, "delivering answer", err)
	}
	t.interactiveCall = ""

	if set, err := o.store.SetToolCallOutput(ctx, tc.ID, answer); err != nil {
		s.log.Warn("failed to record answer", "toolCallID", tc.ID, "error", err)
	} else if set {
		o.publishToolCall(s, broadcast.DeltaToolCallUpdated, tc.ID)
	}

	th, err := o.store.UpdateThread(ctx, s.threadID, func(t *thread.Thread) error {
		return t.Transition(thread.StatusRunning)
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("answer delivered", "tool", tc.Name, "approved", reply.Approved)
	return th, nil
}

// StopRequest controls StopThread.
type StopRequest struct {
	// ClearQueue drops queued follow-ups, including interrupt follow-ups not
	// yet delivered. By default they are kept and delivered, oldest first,
	// once the next message restarts the thread.
	ClearQueue bool
}

// StopThread cancels the thread's runtime and marks it stopped. Only running
// or waiting threads can be stopped.
func (o *Orchestrator) StopThread(ctx context.Context, id string, req StopRequest) (*thread.Thread, error) {
	op := errors.Op("orchestrator.StopThread")

	o.mu.Lock()
	s := o.live[id]
	o.mu.Unlock()
	if s != nil {
		s.mu.Lock()
		defer s.mu.Unlock()
	}

	th, err := o.store.UpdateThread(ctx, id, func(t *thread.Thread) error {
		if !t.IsActive() {
			return errors.InvalidState(op, t.ID, string(t.Status))
		}
		if err := t.Transition(thread.StatusStopped); err != nil {
			return err
		}
		now := time.Now()
		t.CompletedAt = &now
		t.QueuedCount = o.queue.Len(id)
		if s != nil {
			t.QueuedCount += len(s.pending)
		}
		if req.ClearQueue {
			t.QueuedCount = 0
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if req.ClearQueue {
		o.queue.Clear(id)
	}
	if s != nil {
		if !req.ClearQueue {
			o.requeuePendingLocked(s)
		}
		s.stopped = true
		s.pending = nil
		if s.turn != nil {
			s.turn.cancel()
		}
	}
	logger.WithThread(id).Info("thread stopped", "clearQueue", req.ClearQueue)
	o.publishThread(broadcast.DeltaThreadUpdated, th)
	return th, nil
}

// ApproveRequest answers a pending permission request.
type ApproveRequest struct {
	ToolName string
	Approved bool
	// Remember applies the answer to this tool for the rest of the session.
	Remember bool
	// Message is passed to the agent with a rejection.
	Message string
}

// ApproveTool resolves the thread's pending permission request. The tool name
// must match the pending request.
func (o *Orchestrator) ApproveTool(ctx context.Context, id string, req ApproveRequest) (*thread.Thread, error) {
	op := errors.Op("orchestrator.ApproveTool")

	o.mu.Lock()
	s := o.live[id]
	o.mu.Unlock()

	current, err := o.store.GetThread(ctx, id)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, errors.InvalidState(op, id, string(current.Status))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if current, err = o.store.GetThread(ctx, id); err != nil {
		return nil, err
	}
	if current.WaitingReason != thread.WaitingPermission || s.turn == nil || s.turn.permissionCall == "" {
		return nil, errors.InvalidState(op, id, string(current.Status))
	}
	if current.PendingPermission.ToolName != req.ToolName {
		return nil, errors.ToolMismatch(id, current.PendingPermission.ToolName, req.ToolName)
	}

	t := s.turn
	err = t.run.Respond(runtime.Reply{
		Kind:       runtime.ReplyPermission,
		ToolCallID: t.permissionCall,
		ToolName:   req.ToolName,
		Approved:   req.Approved,
		Answer:     req.Message,
	})
	if err != nil {
		return nil, errors.E(op, errors.KindRuntime, "delivering permission reply", err)
	}
	t.permissionCall = ""
	if req.Remember {
		s.lists.Remember(req.ToolName, req.Approved)
	}

	th, err := o.store.UpdateThread(ctx, id, func(t *thread.Thread) error {
		return t.Transition(thread.StatusRunning)
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("permission answered", "tool", req.ToolName, "approved", req.Approved, "remember", req.Remember)
	o.publishThread(broadcast.DeltaThreadUpdated, th)
	return th, nil
}
