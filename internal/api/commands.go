package api

import (
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"grimm.is/foreman/internal/auth"
	"grimm.is/foreman/internal/model"
	"grimm.is/foreman/internal/protocol"
	"grimm.is/foreman/internal/state"
	"grimm.is/foreman/internal/trace"
)

// CommandResponse wraps a command with the job created for it.
type CommandResponse struct {
	Command *model.Command `json:"command"`
	JobID   string         `json:"jobId,omitempty"`
}

// InterruptBody is the optional body of POST /api/commands/{id}/interrupt.
type InterruptBody struct {
	Reason    string `json:"reason,omitempty"`
	Force     bool   `json:"force,omitempty"`
	TimeoutMs int64  `json:"timeoutMs,omitempty"`
}

// TraceResponse is the tree and statistics of one command.
type TraceResponse struct {
	Tree  trace.Tree  `json:"tree"`
	Stats trace.Stats `json:"stats"`
}

func (s *Server) handleCreateCommand(w http.ResponseWriter, r *http.Request) {
	var p protocol.CommandSubmitPayload
	if err := readJSON(w, r, &p); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if err := p.Validate(); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid command", err.Error())
		return
	}
	user := auth.UserFromContext(r.Context())
	if !s.limiter.Allow(user) {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(s.limiter.RetryAfter(user).Seconds()))))
		WriteError(w, http.StatusTooManyRequests, "too many commands", "submission rate exceeded")
		return
	}
	cmd, job, err := s.lifecycle.CreateCommand(r.Context(), submitRequest(&p, user))
	if err != nil {
		WriteError(w, httpStatus(err), "create command failed", err.Error())
		return
	}
	resp := CommandResponse{Command: cmd}
	if job != nil {
		resp.JobID = job.ID
	}
	WriteJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleListCommands(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := state.CommandFilter{UserID: q.Get("user")}
	if v := q.Get("status"); v != "" {
		for _, st := range strings.Split(v, ",") {
			f.Statuses = append(f.Statuses, model.CommandStatus(strings.ToUpper(strings.TrimSpace(st))))
		}
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			WriteError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		f.Limit = n
	}
	cmds, err := s.lifecycle.ListCommands(r.Context(), f)
	if err != nil {
		WriteError(w, httpStatus(err), "list commands failed", err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, cmds)
}

func (s *Server) handleGetCommand(w http.ResponseWriter, r *http.Request) {
	cmd, err := s.lifecycle.GetCommand(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteError(w, httpStatus(err), "command not available", err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, cmd)
}

func (s *Server) handleExecuteCommand(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.lifecycle.ExecuteCommand(r.Context(), id); err != nil {
		WriteError(w, httpStatus(err), "execute failed", err.Error())
		return
	}
	cmd, err := s.lifecycle.GetCommand(r.Context(), id)
	if err != nil {
		WriteError(w, httpStatus(err), "command not available", err.Error())
		return
	}
	WriteJSON(w, http.StatusAccepted, cmd)
}

func (s *Server) handleInterruptCommand(w http.ResponseWriter, r *http.Request) {
	var body InterruptBody
	if r.ContentLength != 0 {
		if err := readJSON(w, r, &body); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body", err.Error())
			return
		}
	}
	res, err := s.lifecycle.InterruptCommand(r.Context(), model.InterruptRequest{
		CommandID: r.PathValue("id"),
		Reason:    body.Reason,
		Force:     body.Force,
		Timeout:   time.Duration(body.TimeoutMs) * time.Millisecond,
		UserID:    auth.UserFromContext(r.Context()),
	})
	if err != nil {
		WriteJSON(w, httpStatus(err), res)
		return
	}
	WriteJSON(w, http.StatusOK, res)
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, s.registry.List())
}

func (s *Server) handleConnections(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, s.broker.Connections())
}

func (s *Server) handleQueueMetrics(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, s.lifecycle.GetQueueMetrics())
}

func (s *Server) handleTrace(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("commandId")
	tree, err := s.traces.GetTree(id)
	if err != nil {
		WriteError(w, httpStatus(err), "trace not available", err.Error())
		return
	}
	stats, err := s.traces.GetStats(id)
	if err != nil {
		WriteError(w, httpStatus(err), "trace not available", err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, TraceResponse{Tree: tree, Stats: stats})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"connections": len(s.broker.Connections()),
	})
}
