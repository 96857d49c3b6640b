package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/pprof"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"taskx/internal/domain"
	"taskx/internal/queue"
	"taskx/internal/worker"
)

type Server struct {
	r *chi.Mux
	w *worker.Worker
}

func NewServer(w *worker.Worker) http.Handler {
	return NewServerWithDebug(w, false)
}

func NewServerWithDebug(w *worker.Worker, enableDebug bool) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)
	r.Use(middleware.SetHeader("X-Worker-ID", w.ID()))

	s := &Server{r: r, w: w}

	r.Get("/health", s.health)
	r.Handle("/metrics", promhttp.Handler())
	r.Post("/api/tasks", s.submitTask)
	r.Get("/api/tasks", s.listTasks)
	r.Get("/api/tasks/{id}", s.getTask)
	r.Get("/api/registry", s.registry)

	// Debug routes (pprof)
	if enableDebug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	}

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if s.w.Store() == nil {
		http.Error(w, "not initialized", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

type submitReq struct {
	Task        string         `json:"task"`
	Payload     domain.Payload `json:"payload"`
	ScheduledAt *time.Time     `json:"scheduled_at"`
}

type submitResp struct {
	ID int64 `json:"id"`
}

func (s *Server) submitTask(w http.ResponseWriter, r *http.Request) {
	var req submitReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.Task == "" {
		http.Error(w, "task is required", 400)
		return
	}
	if !s.w.Registry().Has(req.Task) {
		http.Error(w, "unknown task: "+strconv.Quote(req.Task), 400)
		return
	}
	var at time.Time
	if req.ScheduledAt != nil {
		at = *req.ScheduledAt
	}
	id, err := s.w.ApplyAt(r.Context(), req.Task, at, req.Payload)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, http.StatusAccepted, submitResp{ID: id})
}

type taskResp struct {
	domain.Invocation
	State   string `json:"state"`
	Failure string `json:"failure,omitempty"`
}

func toResp(inv domain.Invocation) taskResp {
	return taskResp{Invocation: inv, State: inv.State(), Failure: inv.Failure()}
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid id", 400)
		return
	}
	inv, err := s.w.Store().Get(r.Context(), id)
	if errors.Is(err, queue.ErrNotFound) {
		http.Error(w, "not found", 404)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, toResp(inv))
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", 400)
			return
		}
		limit = n
	}
	invs, err := s.w.Store().ListRecent(r.Context(), limit)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	out := make([]taskResp, 0, len(invs))
	for _, inv := range invs {
		out = append(out, toResp(inv))
	}
	writeJSON(w, 200, out)
}

func (s *Server) registry(w http.ResponseWriter, r *http.Request) {
	reg := s.w.Registry()
	crons := []map[string]any{}
	for _, c := range reg.Crons() {
		entry := map[string]any{"name": c.Name, "spec": c.Trigger.Spec()}
		next, err := c.Trigger.Next(s.w.Location(), time.Now())
		switch {
		case err != nil:
			entry["error"] = err.Error()
		case !next.IsZero():
			entry["next_run"] = next
		}
		crons = append(crons, entry)
	}
	dates := []string{}
	for _, d := range reg.Dates() {
		dates = append(dates, d.Name)
	}
	writeJSON(w, 200, map[string]any{
		"tasks": reg.Names(),
		"crons": crons,
		"dates": dates,
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
