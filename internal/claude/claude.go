// Package claude runs agent turns through the Claude Code CLI in stream-json
// mode. Permission checks come back as control requests and are surfaced as
// runtime events; replies are written back as control responses.
package claude

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/mood-agency/funny/internal/errors"
	pexec "github.com/mood-agency/funny/internal/exec"
	"github.com/mood-agency/funny/internal/logger"
	"github.com/mood-agency/funny/internal/process"
	"github.com/mood-agency/funny/internal/runtime"
	"github.com/mood-agency/funny/internal/thread"
)

const (
	// DefaultBinary is the CLI looked up on PATH.
	DefaultBinary = "claude"

	// EventBuffer is the size of a run's event channel.
	EventBuffer = 256

	// maxLineSize bounds a single stream-json line.
	maxLineSize = 10 * 1024 * 1024

	// maxStderr is how much stderr is kept for error reports.
	maxStderr = 4096
)

// Runtime starts Claude CLI processes.
type Runtime struct {
	binary   string
	executor pexec.CommandExecutor
	grace    time.Duration
}

// New creates a runtime for the given CLI binary.
func New(binary string, executor pexec.CommandExecutor) *Runtime {
	if binary == "" {
		binary = DefaultBinary
	}
	return &Runtime{binary: binary, executor: executor, grace: runtime.CancelGrace}
}

// Start implements runtime.Runtime. The process lives for one turn: stdin is
// closed once the result arrives so the CLI exits.
func (rt *Runtime) Start(ctx context.Context, req runtime.Request) (runtime.Run, error) {
	log := logger.WithThread(req.ThreadID).With("component", "claude")
	args := BuildCommandArgs(req)
	log.Debug("starting process", "command", rt.binary+" "+strings.Join(args, " "), "cwd", req.Cwd)

	proc, err := rt.executor.Start(ctx, req.Cwd, rt.binary, args...)
	if err != nil {
		return nil, errors.RuntimeStartFailed(req.ThreadID, err)
	}

	r := &run{
		proc:      proc,
		log:       log,
		grace:     rt.grace,
		events:    make(chan runtime.Event, EventBuffer),
		done:      make(chan struct{}),
		killed:    make(chan struct{}),
		stderrEOF: make(chan struct{}),
		pending:   make(map[string]pendingRequest),
		answers:   make(map[string]runtime.Reply),
		toolKinds: make(map[string]thread.ToolKind),
	}

	msg, skipped := userMessage(req.Prompt, req.Images)
	for _, img := range skipped {
		log.Warn("skipping image that is not a base64 data URL", "prefix", truncate(img, 32))
	}
	if err := r.write(msg); err != nil {
		proc.Kill()
		proc.Wait()
		return nil, errors.RuntimeStartFailed(req.ThreadID, err)
	}

	go r.drainStderr(proc.Stderr())
	go r.readOutput(proc.Stdout())
	log.Info("process started", "pid", proc.Pid())
	return r, nil
}

type pendingRequest struct {
	requestID string
	kind      thread.ToolKind
	input     json.RawMessage
}

type run struct {
	proc  pexec.Process
	log   *slog.Logger
	grace time.Duration

	events    chan runtime.Event
	done      chan struct{}
	killed    chan struct{}
	stderrEOF chan struct{}

	writeMu sync.Mutex

	mu         sync.Mutex
	pending    map[string]pendingRequest  // by tool call ID
	answers    map[string]runtime.Reply   // replies that arrived before their request
	toolKinds  map[string]thread.ToolKind // tool calls seen so far
	gotResult  bool
	cancelled  bool
	stdinShut  bool
	stderrTail string
	reqSeq     int
}

func (r *run) Events() <-chan runtime.Event { return r.events }
func (r *run) Done() <-chan struct{}        { return r.done }

func (r *run) write(line []byte) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	r.mu.Lock()
	shut := r.stdinShut
	r.mu.Unlock()
	if shut {
		return fmt.Errorf("stdin closed")
	}
	_, err := r.proc.Stdin().Write(append(line, '\n'))
	return err
}

func (r *run) closeStdin() {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.stdinShut {
		r.stdinShut = true
		r.proc.Stdin().Close()
	}
}

// emit delivers an event unless the process has been killed after the grace
// period, in which case nobody is reading anymore.
func (r *run) emit(ev runtime.Event) {
	select {
	case r.events <- ev:
	case <-r.killed:
	}
}

// Respond implements runtime.Run.
func (r *run) Respond(rep runtime.Reply) error {
	select {
	case <-r.done:
		return fmt.Errorf("run ended")
	default:
	}

	r.mu.Lock()
	req, ok := r.pending[rep.ToolCallID]
	if ok {
		delete(r.pending, rep.ToolCallID)
	} else if rep.Kind == runtime.ReplyAnswer {
		// The answer can beat the CLI's permission request for the tool.
		r.answers[rep.ToolCallID] = rep
	}
	r.mu.Unlock()

	if !ok {
		if rep.Kind == runtime.ReplyAnswer {
			return nil
		}
		return fmt.Errorf("no pending permission request for tool call %s", rep.ToolCallID)
	}
	return r.write(replyLine(req, rep))
}

// replyLine encodes the control response for a reply.
func replyLine(req pendingRequest, rep runtime.Reply) []byte {
	switch req.kind {
	case thread.KindQuestion:
		return allowResponse(req.requestID, answerInput(req.input, rep.Answer))
	case thread.KindPlan:
		if rep.Approved {
			return allowResponse(req.requestID, req.input)
		}
		return denyResponse(req.requestID, "The user wants changes to the plan: "+rep.Answer)
	}
	if rep.Approved {
		return allowResponse(req.requestID, req.input)
	}
	msg := "The user rejected this tool call."
	if rep.Answer != "" {
		msg += " " + rep.Answer
	}
	return denyResponse(req.requestID, msg)
}

// Cancel implements runtime.Run. It interrupts the turn, closes stdin and
// kills the process if it has not exited within the grace period.
func (r *run) Cancel() {
	r.mu.Lock()
	if r.cancelled {
		r.mu.Unlock()
		return
	}
	r.cancelled = true
	r.reqSeq++
	reqID := fmt.Sprintf("interrupt_%d", r.reqSeq)
	r.mu.Unlock()

	r.log.Info("cancelling run")
	if err := r.write(interruptRequest(reqID)); err != nil {
		r.log.Debug("interrupt not delivered", "error", err)
	}
	r.closeStdin()

	go func() {
		select {
		case <-r.done:
		case <-time.After(r.grace):
			r.log.Warn("process did not stop within grace period, killing", "grace", r.grace)
			close(r.killed)
			if err := r.proc.Kill(); err != nil {
				r.log.Debug("kill failed", "error", err)
			}
		}
	}()
}

func (r *run) drainStderr(stderr io.Reader) {
	defer close(r.stderrEOF)
	data, err := io.ReadAll(io.LimitReader(stderr, 1<<20))
	if err != nil {
		r.log.Debug("error reading stderr", "error", err)
	}
	io.Copy(io.Discard, stderr)
	text := strings.TrimSpace(string(data))
	if len(text) > maxStderr {
		text = text[len(text)-maxStderr:]
	}
	if text != "" {
		r.log.Debug("captured stderr", "content", text)
	}
	r.mu.Lock()
	r.stderrTail = text
	r.mu.Unlock()
}

func (r *run) readOutput(stdout io.Reader) {
	defer close(r.done)
	defer close(r.events)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		msg, err := parseLine(scanner.Text())
		if err != nil {
			r.log.Warn("failed to parse stream message", "error", err, "line", truncate(scanner.Text(), 200))
			continue
		}
		if msg != nil {
			r.handle(msg)
		}
	}
	if err := scanner.Err(); err != nil {
		r.log.Warn("stdout read failed", "error", err)
	}

	// Wait closes the pipes, so stderr must be drained first.
	<-r.stderrEOF
	waitErr := r.proc.Wait()

	r.mu.Lock()
	gotResult, cancelled, stderr := r.gotResult, r.cancelled, r.stderrTail
	r.mu.Unlock()

	r.log.Info("process exited", "error", waitErr, "result", gotResult, "cancelled", cancelled)
	if gotResult || cancelled {
		return
	}
	detail := "process exited before the turn completed"
	if waitErr != nil {
		detail = waitErr.Error()
	}
	if stderr != "" {
		detail += ": " + stderr
	}
	if process.IsSessionInUseError(stderr) {
		detail += " (an orphaned agent process may hold the session; run `funny clean --processes`)"
	}
	r.emit(runtime.Event{
		Type: runtime.EventFatalError,
		Err:  errors.E(errors.Op("claude.Run"), errors.KindRuntime, detail),
	})
}

func (r *run) handle(msg *streamMessage) {
	switch msg.Type {
	case "system":
		if msg.Subtype == "init" {
			r.emit(runtime.Event{
				Type:      runtime.EventInit,
				SessionID: msg.SessionID,
				Model:     msg.Model,
				Cwd:       msg.Cwd,
				Tools:     msg.Tools,
			})
		}

	case "stream_event":
		if msg.ParentToolUseID != "" || msg.Event == nil {
			return
		}
		if msg.Event.Type == "content_block_delta" && msg.Event.Delta.Type == "text_delta" && msg.Event.Delta.Text != "" {
			r.emit(runtime.Event{Type: runtime.EventAssistantText, Text: msg.Event.Delta.Text, Partial: true})
		}

	case "assistant":
		if msg.ParentToolUseID != "" {
			return
		}
		for _, block := range msg.Message.Content {
			switch block.Type {
			case "text":
				if block.Text != "" {
					r.emit(runtime.Event{Type: runtime.EventAssistantText, Text: block.Text})
				}
			case "tool_use":
				r.toolStarted(block.ID, block.Name, block.Input)
			}
		}

	case "user":
		if msg.ParentToolUseID != "" {
			return
		}
		for _, block := range msg.Message.Content {
			if block.Type != "tool_result" || block.ToolUseID == "" {
				continue
			}
			r.emit(runtime.Event{
				Type:       runtime.EventToolCallOutput,
				ToolCallID: block.ToolUseID,
				Output:     toolResultText(block.Content),
			})
		}

	case "control_request":
		r.handleControlRequest(msg)

	case "result":
		res := &runtime.Result{
			Success:    !msg.failed(),
			Text:       msg.Result,
			Cost:       msg.TotalCostUSD,
			DurationMS: msg.DurationMs,
		}
		if !res.Success {
			res.Error = resultError(msg)
		}
		r.mu.Lock()
		r.gotResult = true
		r.mu.Unlock()
		r.emit(runtime.Event{Type: runtime.EventTurnResult, SessionID: msg.SessionID, Result: res})
		r.closeStdin()
	}
}

// toolStarted emits a tool call start once per tool call ID and returns the
// kind resolved when the call was first seen.
func (r *run) toolStarted(id, name string, input json.RawMessage) thread.ToolKind {
	r.mu.Lock()
	kind, seen := r.toolKinds[id]
	if !seen {
		kind = thread.KindOf(name)
		r.toolKinds[id] = kind
	}
	r.mu.Unlock()
	if !seen {
		r.emit(runtime.Event{Type: runtime.EventToolCallStart, ToolCallID: id, ToolName: name, Input: input})
	}
	return kind
}

func (r *run) handleControlRequest(msg *streamMessage) {
	if msg.Request == nil || msg.Request.Subtype != "can_use_tool" {
		subtype := ""
		if msg.Request != nil {
			subtype = msg.Request.Subtype
		}
		r.log.Debug("unsupported control request", "subtype", subtype)
		if err := r.write(errorResponse(msg.RequestID, "unsupported control request: "+subtype)); err != nil {
			r.log.Debug("control response not delivered", "error", err)
		}
		return
	}

	cr := msg.Request
	toolCallID := cr.ToolUseID
	if toolCallID == "" {
		toolCallID = msg.RequestID
	}
	kind := r.toolStarted(toolCallID, cr.ToolName, cr.Input)

	req := pendingRequest{requestID: msg.RequestID, kind: kind, input: cr.Input}
	interactive := kind.Interactive()

	r.mu.Lock()
	early, answered := r.answers[toolCallID]
	if answered {
		delete(r.answers, toolCallID)
	} else {
		r.pending[toolCallID] = req
	}
	r.mu.Unlock()

	if answered {
		if err := r.write(replyLine(req, early)); err != nil {
			r.log.Warn("failed to deliver early answer", "error", err)
		}
		return
	}
	// Interactive tools wait on the human answer; the tool call start is
	// what moves the thread to waiting.
	if interactive {
		return
	}
	r.emit(runtime.Event{
		Type:       runtime.EventPermissionRequest,
		ToolCallID: toolCallID,
		ToolName:   cr.ToolName,
		Input:      cr.Input,
	})
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
