// Package server exposes the orchestrator over HTTP: a JSON command API and
// the websocket delta stream.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/mood-agency/funny/internal/broadcast"
	"github.com/mood-agency/funny/internal/logger"
	"github.com/mood-agency/funny/internal/orchestrator"
	"github.com/mood-agency/funny/internal/registry"
	"github.com/mood-agency/funny/internal/thread"
)

const (
	maxBodyBytes    = 8 << 20 // prompts may carry base64 images
	shutdownTimeout = 10 * time.Second
)

// Server routes HTTP requests to the orchestrator.
type Server struct {
	orch     *orchestrator.Orchestrator
	projects orchestrator.Projects
	ws       http.Handler
	mux      *http.ServeMux
	log      *slog.Logger
}

// New builds the route table. allowedOrigins lists the extra origins the
// websocket accepts besides same-origin requests.
func New(orch *orchestrator.Orchestrator, projects orchestrator.Projects, allowedOrigins []string) *Server {
	s := &Server{
		orch:     orch,
		projects: projects,
		ws:       broadcast.NewWSHandler(orch.Hub(), allowedOrigins),
		mux:      http.NewServeMux(),
		log:      logger.ComponentLogger("server"),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.handle("POST /api/threads", s.createThread)
	s.handle("GET /api/threads", s.listThreads)
	s.handle("GET /api/threads/{id}", s.getThread)
	s.handle("DELETE /api/threads/{id}", s.deleteThread)
	s.handle("GET /api/threads/{id}/messages", s.listMessages)
	s.handle("POST /api/threads/{id}/messages", s.sendMessage)
	s.handle("POST /api/threads/{id}/stop", s.stopThread)
	s.handle("POST /api/threads/{id}/approve", s.approveTool)
	s.handle("POST /api/threads/{id}/merge", s.mergeThread)
	s.handle("POST /api/threads/{id}/archive", s.archiveThread)
	s.handle("POST /api/threads/{id}/pin", s.pinThread)
	s.handle("GET /api/projects", s.listProjects)
	s.handle("GET /api/projects/{id}/snapshot", s.snapshot)
	s.mux.Handle("GET /ws", s.ws)
	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
}

func (s *Server) handle(pattern string, h apiHandler) {
	s.mux.Handle(pattern, s.jsonErrors(h))
}

// Handler returns the root handler with request logging.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		w.Header().Set("X-Content-Type-Options", "nosniff")
		s.mux.ServeHTTP(w, r)
		s.log.Debug("request", "method", r.Method, "path", r.URL.Path, "elapsed", time.Since(start))
	})
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is ListenAndServe on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.log.Info("listening", "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) jsonErrors(next apiHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := next(w, r); err != nil {
			if err.Status >= http.StatusInternalServerError {
				s.log.Error("request failed", "method", r.Method, "path", r.URL.Path, "status", err.Status, "error", err.Message)
			}
			writeJSONError(w, err)
		}
	})
}

// decode reads a JSON body into v. An empty body leaves v unchanged.
func decode(w http.ResponseWriter, r *http.Request, v any) *apiError {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return &apiError{Status: http.StatusRequestEntityTooLarge, Message: "request body too large"}
		}
		return badRequest(fmt.Sprintf("invalid JSON body: %v", err))
	}
	return nil
}

type createThreadRequest struct {
	ProjectID      string      `json:"projectId"`
	Title          string      `json:"title"`
	Mode           thread.Mode `json:"mode"`
	BaseBranch     string      `json:"baseBranch"`
	Branch         string      `json:"branch"`
	Model          string      `json:"model"`
	PermissionMode string      `json:"permissionMode"`
	Prompt         string      `json:"prompt"`
	Images         []string    `json:"images"`
}

func (s *Server) createThread(w http.ResponseWriter, r *http.Request) *apiError {
	var req createThreadRequest
	if err := decode(w, r, &req); err != nil {
		return err
	}
	if req.ProjectID == "" {
		return badRequest("projectId is required")
	}
	th, err := s.orch.CreateThread(r.Context(), orchestrator.CreateRequest{
		ProjectID:      req.ProjectID,
		Title:          req.Title,
		Mode:           req.Mode,
		BaseBranch:     req.BaseBranch,
		Branch:         req.Branch,
		Model:          req.Model,
		PermissionMode: req.PermissionMode,
		Prompt:         req.Prompt,
		Images:         req.Images,
	})
	if err != nil {
		return errorFor(err)
	}
	writeJSON(w, http.StatusCreated, th)
	return nil
}

func (s *Server) listThreads(w http.ResponseWriter, r *http.Request) *apiError {
	q := r.URL.Query()
	f := registry.Filter{ProjectID: q.Get("project")}
	if v := q.Get("archived"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return badRequest("archived must be a boolean")
		}
		f.IncludeArchived = b
	}
	for _, st := range q["status"] {
		status := thread.Status(st)
		if !status.Valid() {
			return badRequest(fmt.Sprintf("unknown status %q", st))
		}
		f.Statuses = append(f.Statuses, status)
	}
	threads, err := s.orch.ListThreads(r.Context(), f)
	if err != nil {
		return errorFor(err)
	}
	if threads == nil {
		threads = []*thread.Thread{}
	}
	writeJSON(w, http.StatusOK, threads)
	return nil
}

func (s *Server) getThread(w http.ResponseWriter, r *http.Request) *apiError {
	th, err := s.orch.GetThread(r.Context(), r.PathValue("id"))
	if err != nil {
		return errorFor(err)
	}
	writeJSON(w, http.StatusOK, th)
	return nil
}

func (s *Server) deleteThread(w http.ResponseWriter, r *http.Request) *apiError {
	if err := s.orch.DeleteThread(r.Context(), r.PathValue("id")); err != nil {
		return errorFor(err)
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

type messagesResponse struct {
	Messages []thread.Message `json:"messages"`
	HasMore  bool             `json:"hasMore"`
}

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) *apiError {
	q := r.URL.Query()
	var page registry.Page
	if v := q.Get("before"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			return badRequest("before must be a non-negative integer")
		}
		page.BeforeSeq = n
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return badRequest("limit must be a non-negative integer")
		}
		page.Limit = n
	}
	msgs, more, err := s.orch.ListMessages(r.Context(), r.PathValue("id"), page)
	if err != nil {
		return errorFor(err)
	}
	if msgs == nil {
		msgs = []thread.Message{}
	}
	writeJSON(w, http.StatusOK, messagesResponse{Messages: msgs, HasMore: more})
	return nil
}

type sendMessageRequest struct {
	Content        string   `json:"content"`
	Images         []string `json:"images"`
	Model          string   `json:"model"`
	PermissionMode string   `json:"permissionMode"`
}

func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) *apiError {
	var req sendMessageRequest
	if err := decode(w, r, &req); err != nil {
		return err
	}
	th, err := s.orch.SendMessage(r.Context(), r.PathValue("id"), orchestrator.SendRequest(req))
	if err != nil {
		return errorFor(err)
	}
	writeJSON(w, http.StatusAccepted, th)
	return nil
}

type stopRequest struct {
	ClearQueue bool `json:"clearQueue"`
}

func (s *Server) stopThread(w http.ResponseWriter, r *http.Request) *apiError {
	var req stopRequest
	if err := decode(w, r, &req); err != nil {
		return err
	}
	th, err := s.orch.StopThread(r.Context(), r.PathValue("id"), orchestrator.StopRequest{ClearQueue: req.ClearQueue})
	if err != nil {
		return errorFor(err)
	}
	writeJSON(w, http.StatusOK, th)
	return nil
}

type approveRequest struct {
	ToolName string `json:"toolName"`
	Approved bool   `json:"approved"`
	Remember bool   `json:"remember"`
	Message  string `json:"message"`
}

func (s *Server) approveTool(w http.ResponseWriter, r *http.Request) *apiError {
	var req approveRequest
	if err := decode(w, r, &req); err != nil {
		return err
	}
	if req.ToolName == "" {
		return badRequest("toolName is required")
	}
	th, err := s.orch.ApproveTool(r.Context(), r.PathValue("id"), orchestrator.ApproveRequest(req))
	if err != nil {
		return errorFor(err)
	}
	writeJSON(w, http.StatusOK, th)
	return nil
}

type mergeRequest struct {
	Target        string `json:"target"`
	Push          *bool  `json:"push"`
	Cleanup       bool   `json:"cleanup"`
	CommitMessage string `json:"commitMessage"`
}

func (s *Server) mergeThread(w http.ResponseWriter, r *http.Request) *apiError {
	var req mergeRequest
	if err := decode(w, r, &req); err != nil {
		return err
	}
	out, err := s.orch.MergeAndCleanup(r.Context(), r.PathValue("id"), orchestrator.MergeRequest(req))
	if err != nil {
		return errorFor(err)
	}
	writeJSON(w, http.StatusOK, out)
	return nil
}

type flagRequest struct {
	Archived *bool `json:"archived,omitempty"`
	Pinned   *bool `json:"pinned,omitempty"`
}

func (s *Server) archiveThread(w http.ResponseWriter, r *http.Request) *apiError {
	req := flagRequest{Archived: new(bool)}
	*req.Archived = true
	if err := decode(w, r, &req); err != nil {
		return err
	}
	if req.Archived == nil {
		return badRequest("archived must be a boolean")
	}
	th, err := s.orch.ArchiveThread(r.Context(), r.PathValue("id"), *req.Archived)
	if err != nil {
		return errorFor(err)
	}
	writeJSON(w, http.StatusOK, th)
	return nil
}

func (s *Server) pinThread(w http.ResponseWriter, r *http.Request) *apiError {
	req := flagRequest{Pinned: new(bool)}
	*req.Pinned = true
	if err := decode(w, r, &req); err != nil {
		return err
	}
	if req.Pinned == nil {
		return badRequest("pinned must be a boolean")
	}
	th, err := s.orch.PinThread(r.Context(), r.PathValue("id"), *req.Pinned)
	if err != nil {
		return errorFor(err)
	}
	writeJSON(w, http.StatusOK, th)
	return nil
}

func (s *Server) listProjects(w http.ResponseWriter, r *http.Request) *apiError {
	projects := s.projects.GetProjects()
	if projects == nil {
		writeJSON(w, http.StatusOK, []struct{}{})
		return nil
	}
	writeJSON(w, http.StatusOK, projects)
	return nil
}

func (s *Server) snapshot(w http.ResponseWriter, r *http.Request) *apiError {
	snap, err := s.orch.Snapshot(r.Context(), r.PathValue("id"))
	if err != nil {
		return errorFor(err)
	}
	writeJSON(w, http.StatusOK, snap)
	return nil
}
