// Package observer exposes a run's state over HTTP: the DAG's shape, one
// thunk's status, and a live event stream. It is grounded on two pack
// sources: the teacher's healthcheck_webserver.go for the
// mux-on-a-goroutine shape, and wilke-GoWe's handler_sse.go for the
// Server-Sent-Events framing. Every handler reads through Run's snapshot
// methods, which take the state store's lock only for the duration of the
// read — the observer never contends with the scheduler loop for longer
// than a single map copy.
package observer

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/vk/taskgrid/internal/compute"
	"github.com/vk/taskgrid/internal/runctx"
	"github.com/vk/taskgrid/internal/thunk"
)

// Server serves read-only observability endpoints for a single Run.
type Server struct {
	run    *compute.Run
	events *runctx.Context
	logger *slog.Logger
	mux    chi.Router
}

// New builds a Server over run, whose events are published through rc.
func New(run *compute.Run, rc *runctx.Context, logger *slog.Logger) *Server {
	s := &Server{run: run, events: rc, logger: logger}
	r := chi.NewRouter()
	r.Get("/dag", s.handleDag)
	r.Get("/thunks/{id}", s.handleThunk)
	r.Get("/events", s.handleEvents)
	s.mux = r
	return s
}

// Handler returns the server's router for embedding in another mux or
// passing directly to http.ListenAndServe.
func (s *Server) Handler() http.Handler { return s.mux }

// ListenAndServe starts serving on addr, logging the listen address the
// way the teacher's health check server announces itself.
func (s *Server) ListenAndServe(addr string) {
	go func() {
		s.logger.Info("observer server starting", "address", fmt.Sprintf("http://localhost%s", addr))
		if err := http.ListenAndServe(addr, s.mux); err != nil {
			s.logger.Error("observer server failed", "error", err)
		}
	}()
}

type dagResponse struct {
	Dependents map[string][]string `json:"dependents"`
}

func (s *Server) handleDag(w http.ResponseWriter, r *http.Request) {
	snapshot := s.run.DagIDs()
	resp := dagResponse{Dependents: make(map[string][]string, len(snapshot))}
	for id, deps := range snapshot {
		strs := make([]string, 0, len(deps))
		for _, d := range deps {
			strs = append(strs, d.String())
		}
		resp.Dependents[id.String()] = strs
	}
	writeJSON(w, http.StatusOK, resp)
}

type thunkResponse struct {
	ID       string         `json:"id"`
	FuncName string         `json:"func_name"`
	State    string         `json:"state"`
	Result   any            `json:"result,omitempty"`
	Error    string         `json:"error,omitempty"`
	Meta     map[string]any `json:"meta,omitempty"`
}

func (s *Server) handleThunk(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "id")
	var id int64
	if _, err := fmt.Sscanf(raw, "%d", &id); err != nil {
		http.Error(w, "invalid thunk id", http.StatusBadRequest)
		return
	}

	status, ok := s.run.Status(thunk.ID(id))
	if !ok {
		http.Error(w, "thunk not found", http.StatusNotFound)
		return
	}

	resp := thunkResponse{
		ID:       status.ID.String(),
		FuncName: status.FuncName,
		State:    status.State,
		Result:   status.Result,
		Meta:     status.Meta,
	}
	if status.Err != nil {
		resp.Error = status.Err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleEvents streams the run's event feed as Server-Sent Events,
// sending a heartbeat comment whenever nothing new has happened in a
// while, matching wilke-GoWe's SSE handler cadence.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-s.events.Events():
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, data); err != nil {
				s.logger.Debug("sse client disconnected", "error", err)
				return
			}
			flusher.Flush()
		case <-heartbeat.C:
			fmt.Fprintf(w, ": heartbeat\n\n")
			flusher.Flush()
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
