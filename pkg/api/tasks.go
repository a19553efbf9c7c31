package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/mandatehq/mandate/pkg/contracts"
)

// taskCreateRequest is the intake body. title and agent_id are required;
// everything else is optional context the runner and the audit surfaces
// carry along.
type taskCreateRequest struct {
	Title         string         `json:"title"`
	Goal          string         `json:"goal,omitempty"`
	AgentID       string         `json:"agent_id"`
	SessionID     string         `json:"session_id,omitempty"`
	ProjectID     string         `json:"project_id,omitempty"`
	RepoID        string         `json:"repo_id,omitempty"`
	MaxIterations int            `json:"max_iterations,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

func (s *Server) handleTaskCreate(w http.ResponseWriter, r *http.Request) {
	var req taskCreateRequest
	if err := readJSON(w, r, &req); err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	if req.Title == "" || req.AgentID == "" {
		WriteBadRequest(w, "title and agent_id are required")
		return
	}
	if req.MaxIterations < 0 {
		WriteBadRequest(w, "max_iterations must not be negative")
		return
	}
	if req.MaxIterations == 0 {
		req.MaxIterations = s.maxIterations
	}

	task := &contracts.Task{
		Title:         req.Title,
		Goal:          req.Goal,
		AgentID:       req.AgentID,
		SessionID:     req.SessionID,
		ProjectID:     req.ProjectID,
		RepoID:        req.RepoID,
		MaxIterations: req.MaxIterations,
		Metadata:      req.Metadata,
	}
	if err := s.deps.Tasks.Create(r.Context(), task); err != nil {
		writeDomainError(w, r, err)
		return
	}
	if err := s.deps.Runner.Start(r.Context(), task.ID); err != nil {
		// The row and its work item are durable; the queue scan picks the
		// task up even when the immediate start loses a race.
		s.log.Warn("task start deferred", "task_id", task.ID, "error", err)
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"task_id": task.ID,
		"status":  task.Status,
	})
}

func (s *Server) handleTaskList(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	tasks, err := s.deps.Tasks.List(r.Context(), limit)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if tasks == nil {
		tasks = []*contracts.Task{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) handleTaskGet(w http.ResponseWriter, r *http.Request) {
	task, err := s.deps.Tasks.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleTaskEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.deps.Tasks.Get(r.Context(), id); err != nil {
		writeDomainError(w, r, err)
		return
	}
	since, err := queryInt64(r, "since_seq", 0)
	if err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		WriteBadRequest(w, err.Error())
		return
	}

	events, err := s.deps.Events.List(r.Context(), id, since, limit)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	next := since
	if len(events) > 0 {
		next = events[len(events)-1].Seq
	}
	if events == nil {
		events = []*contracts.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"task_id":  id,
		"events":   events,
		"next_seq": next,
	})
}

func (s *Server) handleTaskExecutions(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.deps.Tasks.Get(r.Context(), id); err != nil {
		writeDomainError(w, r, err)
		return
	}
	execs, err := s.deps.Executor.ListByTask(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if execs == nil {
		execs = []*contracts.ActionExecution{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"task_id":    id,
		"executions": execs,
	})
}

func (s *Server) handleTaskCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	task, err := s.deps.Tasks.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if task.Status.Terminal() {
		WriteConflict(w, fmt.Sprintf("task %s is already %s", id, task.Status))
		return
	}

	var req struct {
		Reason string `json:"reason,omitempty"`
	}
	if r.ContentLength > 0 {
		if err := readJSON(w, r, &req); err != nil {
			WriteBadRequest(w, err.Error())
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "operator_request"
	}

	if err := s.deps.Tasks.RequestCancel(r.Context(), id); err != nil {
		writeDomainError(w, r, err)
		return
	}
	// A live run notices via its status checks; the event wakes every
	// tailing stream.
	if err := s.deps.Events.Append(r.Context(), &contracts.Event{
		TaskID:  id,
		Type:    contracts.EventTaskCanceled,
		Actor:   contracts.ActorSupervisor,
		Payload: map[string]any{"reason": req.Reason},
	}); err != nil {
		s.log.Error("cancel event append", "task_id", id, "error", err)
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"task_id": id,
		"status":  contracts.TaskCanceled,
	})
}

// graphEvent is one event reference inside a span node.
type graphEvent struct {
	Seq  int64  `json:"seq"`
	Type string `json:"type"`
}

// spanNode groups a span's events and nests under its parent span.
type spanNode struct {
	SpanID       string          `json:"span_id"`
	ParentSpanID string          `json:"parent_span_id,omitempty"`
	Phase        contracts.Phase `json:"phase,omitempty"`
	Label        string          `json:"label"`
	FirstSeq     int64           `json:"first_seq"`
	LastSeq      int64           `json:"last_seq"`
	StartedAt    time.Time       `json:"started_at"`
	EndedAt      time.Time       `json:"ended_at"`
	Events       []graphEvent    `json:"events"`
	Children     []*spanNode     `json:"children,omitempty"`
}

func (s *Server) handleTaskGraph(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.deps.Tasks.Get(r.Context(), id); err != nil {
		writeDomainError(w, r, err)
		return
	}
	events, err := s.allEvents(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	spans := buildSpanTree(events)
	if spans == nil {
		spans = []*spanNode{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"task_id": id,
		"spans":   spans,
	})
}

func (s *Server) allEvents(ctx context.Context, taskID string) ([]*contracts.Event, error) {
	var (
		out   []*contracts.Event
		since int64
	)
	for {
		page, err := s.deps.Events.List(ctx, taskID, since, 1000)
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
		if len(page) < 1000 {
			return out, nil
		}
		since = page[len(page)-1].Seq
	}
}

// buildSpanTree groups events by span and nests spans under their
// parents. Events arrive seq-ordered, so event lists and sibling order
// stay chronological. A span whose parent never logged an event becomes
// a root rather than disappearing.
func buildSpanTree(events []*contracts.Event) []*spanNode {
	nodes := make(map[string]*spanNode)
	var order []*spanNode
	for _, ev := range events {
		node, ok := nodes[ev.SpanID]
		if !ok {
			node = &spanNode{
				SpanID:       ev.SpanID,
				ParentSpanID: ev.ParentSpanID,
				Phase:        ev.Phase,
				Label:        ev.Type,
				FirstSeq:     ev.Seq,
				StartedAt:    ev.CreatedAt,
			}
			nodes[ev.SpanID] = node
			order = append(order, node)
		}
		node.LastSeq = ev.Seq
		node.EndedAt = ev.CreatedAt
		node.Events = append(node.Events, graphEvent{Seq: ev.Seq, Type: ev.Type})
	}

	var roots []*spanNode
	for _, node := range order {
		parent := nodes[node.ParentSpanID]
		if node.ParentSpanID == "" || parent == nil || parent == node {
			roots = append(roots, node)
			continue
		}
		parent.Children = append(parent.Children, node)
	}
	return roots
}

func queryInt64(r *http.Request, name string, def int64) (int64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", name)
	}
	return v, nil
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	v, err := queryInt64(r, name, int64(def))
	return int(v), err
}
