// Package server exposes the scheduler over HTTP: task submission, task
// status, the web log, and Prometheus metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/mkarlsen/memsched/internal/log"
	"github.com/mkarlsen/memsched/internal/memory"
	"github.com/mkarlsen/memsched/internal/ratelimit"
	"github.com/mkarlsen/memsched/internal/scheduler"
	"github.com/mkarlsen/memsched/internal/scheduler/metrics"
	"github.com/mkarlsen/memsched/internal/scheduler/queue"
)

// Server is the HTTP front of the scheduler.
type Server struct {
	sched    *scheduler.Scheduler
	httpSrv  *http.Server
	listener net.Listener
}

// New creates a server bound to addr.
func New(sched *scheduler.Scheduler, addr string) (*Server, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}

	s := &Server{sched: sched, listener: listener}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/tasks", s.handleSubmit)
	mux.HandleFunc("GET /api/v1/tasks/{id}", s.handleTaskStatus)
	mux.HandleFunc("DELETE /api/v1/tasks/{id}", s.handleTaskCancel)
	mux.HandleFunc("GET /api/v1/status", s.handleStatus)
	mux.HandleFunc("GET /api/v1/weblog", s.handleWebLog)
	mux.Handle("GET /metrics", metrics.Handler())

	s.httpSrv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s, nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() string { return s.listener.Addr().String() }

// Start serves requests until Stop. Blocks.
func (s *Server) Start() error {
	err := s.httpSrv.Serve(s.listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

type submitResponse struct {
	ItemID string `json:"item_id"`
	Queued bool   `json:"queued"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var msg memory.Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode message: %w", err))
		return
	}
	if msg.ItemID == "" {
		msg = withFreshID(msg)
	}

	err := s.sched.Submit(r.Context(), msg)
	switch {
	case err == nil:
	case errors.Is(err, ratelimit.ErrRateLimited):
		writeError(w, http.StatusTooManyRequests, err)
		return
	case errors.Is(err, queue.ErrQueueFull):
		writeError(w, http.StatusServiceUnavailable, err)
		return
	case errors.Is(err, scheduler.ErrNotRunning):
		writeError(w, http.StatusServiceUnavailable, err)
		return
	default:
		writeError(w, http.StatusBadRequest, err)
		return
	}

	writeJSON(w, http.StatusAccepted, submitResponse{
		ItemID: msg.ItemID,
		Queued: memory.Priority(msg.Label) != memory.PriorityLevel1,
	})
}

func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	record, ok := s.sched.TaskStatus(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("task %s not found", r.PathValue("id")))
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleTaskCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := s.sched.TaskStatus(id); !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("task %s not found", id))
		return
	}
	s.sched.CancelTask(id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.sched.TaskStatuses())
}

func (s *Server) handleWebLog(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.sched.WebLog().Drain())
}

func withFreshID(msg memory.Message) memory.Message {
	fresh := memory.NewMessage(msg.UserID, msg.MemCubeID, msg.Label, msg.Content)
	fresh.TaskID = msg.TaskID
	fresh.SessionID = msg.SessionID
	fresh.UserName = msg.UserName
	fresh.TraceID = msg.TraceID
	fresh.Info = msg.Info
	fresh.ChatHistory = msg.ChatHistory
	fresh.UserContext = msg.UserContext
	if !msg.Timestamp.IsZero() {
		fresh.Timestamp = msg.Timestamp
	}
	return fresh
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.ErrorErr(log.CatSched, "Failed to encode response", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
