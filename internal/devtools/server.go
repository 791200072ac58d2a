// Package devtools serves a live inspector for a store: a JSON HTTP API for
// state, dispatch, subscriptions and traces, plus a websocket stream of
// trace batches.
package devtools

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/roach88/reframe"
	"github.com/roach88/reframe/internal/events"
	"github.com/roach88/reframe/internal/trace"
	"github.com/roach88/reframe/internal/tracestore"
)

// CallbackID is the trace callback id the server registers on its store.
const CallbackID = "devtools"

// DefaultHistory is how many traces the server keeps in memory.
const DefaultHistory = 500

// Option configures a Server.
type Option func(*Server)

// WithHistory sets the in-memory trace history size. Non-positive keeps
// the default.
func WithHistory(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.history = n
		}
	}
}

// WithTraceStore serves /api/traces from a persistent trace store instead
// of the in-memory history.
func WithTraceStore(ts *tracestore.Store) Option {
	return func(s *Server) { s.traceStore = ts }
}

// WithDispatchTimeout bounds how long POST /api/dispatch waits for the
// event to be handled. Zero waits for the request context only.
func WithDispatchTimeout(d time.Duration) Option {
	return func(s *Server) { s.dispatchTimeout = d }
}

// WithMetrics serves the gatherer's metrics at /metrics.
func WithMetrics(g prometheus.Gatherer) Option {
	return func(s *Server) { s.metrics = g }
}

// Server is the inspector for one store.
type Server struct {
	store           *reframe.Store
	traceStore      *tracestore.Store
	history         int
	dispatchTimeout time.Duration
	metrics         prometheus.Gatherer

	mu     sync.RWMutex
	traces []TraceView

	hub       *hub
	router    chi.Router
	closeOnce sync.Once
}

// New creates a server for store and registers its trace callback. Tracing
// must be enabled on the store for traces to show up.
func New(store *reframe.Store, opts ...Option) *Server {
	s := &Server{
		store:   store,
		history: DefaultHistory,
		hub:     newHub(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.routes()
	store.RegisterTraceCallback(CallbackID, s.onTraces)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close detaches the server from its store and disconnects stream clients.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		s.store.RemoveTraceCallback(CallbackID)
		s.hub.close()
	})
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	if s.metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.metrics, promhttp.HandlerOpts{}))
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/state", s.handleState)
		r.Post("/dispatch", s.handleDispatch)
		r.Get("/subscriptions/{key}", s.handleQuery)
		r.Get("/traces", s.handleTraces)
		r.Get("/stream", s.handleStream)
	})
	return r
}

// GET /api/state?path=a.b
func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	db := s.store.GetState()
	if p := r.URL.Query().Get("path"); p != "" {
		db = events.GetIn(db, strings.Split(p, "."))
	}
	writeJSON(w, http.StatusOK, map[string]any{"state": db})
}

// DispatchRequest is the body of POST /api/dispatch.
type DispatchRequest struct {
	Event   string `json:"event"`
	Payload any    `json:"payload,omitempty"`
}

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	var req DispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Event == "" {
		writeError(w, http.StatusBadRequest, "event is required")
		return
	}

	ctx := r.Context()
	if s.dispatchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.dispatchTimeout)
		defer cancel()
	}

	err := s.store.Dispatch(ctx, req.Event, req.Payload)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	case errors.Is(err, reframe.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, err.Error())
	default:
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	}
}

// GET /api/subscriptions/{key}?params=[...]
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	var params []any
	if raw := r.URL.Query().Get("params"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &params); err != nil {
			writeError(w, http.StatusBadRequest, "params must be a JSON array: "+err.Error())
			return
		}
	}

	result, err := s.store.Query(key, params)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"key": key, "params": params, "result": result})
}

// GET /api/traces?event=&after=&limit=
func (s *Server) handleTraces(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := tracestore.Filter{Event: q.Get("event")}
	var err error
	if v := q.Get("after"); v != "" {
		if f.AfterSeq, err = strconv.ParseInt(v, 10, 64); err != nil {
			writeError(w, http.StatusBadRequest, "after must be an integer")
			return
		}
	}
	if v := q.Get("limit"); v != "" {
		if f.Limit, err = strconv.Atoi(v); err != nil || f.Limit < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
	}

	if s.traceStore != nil {
		recs, err := s.traceStore.List(r.Context(), f)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		views := make([]TraceView, len(recs))
		for i, rec := range recs {
			views[i] = newTraceView(rec.Trace)
		}
		writeJSON(w, http.StatusOK, map[string]any{"traces": views})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"traces": s.Traces(f)})
}

// Traces returns the in-memory history matching f, oldest first.
func (s *Server) Traces(f tracestore.Filter) []TraceView {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []TraceView{}
	for _, tv := range s.traces {
		if f.Event != "" && tv.Event != f.Event {
			continue
		}
		if tv.Seq <= f.AfterSeq {
			continue
		}
		out = append(out, tv)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out
}

func (s *Server) onTraces(batch []trace.Trace) {
	views := make([]TraceView, len(batch))
	for i, tr := range batch {
		views[i] = newTraceView(tr)
	}

	s.mu.Lock()
	s.traces = append(s.traces, views...)
	if over := len(s.traces) - s.history; over > 0 {
		s.traces = append([]TraceView(nil), s.traces[over:]...)
	}
	s.mu.Unlock()

	s.hub.broadcast(StreamMessage{Type: MessageTraces, Traces: views})
}

// TraceView is a trace without the state snapshots.
type TraceView struct {
	ID           string            `json:"id"`
	Seq          int64             `json:"seq"`
	Event        string            `json:"event"`
	Payload      any               `json:"payload,omitempty"`
	Interceptors []string          `json:"interceptors"`
	Effects      []trace.EffectRun `json:"effects"`
	StateChanged bool              `json:"state_changed"`
	Start        time.Time         `json:"start"`
	Duration     time.Duration     `json:"duration_ns"`
	Error        string            `json:"error,omitempty"`
}

func newTraceView(tr trace.Trace) TraceView {
	return TraceView{
		ID:           tr.ID,
		Seq:          tr.Seq,
		Event:        tr.EventKey,
		Payload:      tr.Payload,
		Interceptors: tr.Interceptors,
		Effects:      tr.Effects,
		StateChanged: tr.StateChanged,
		Start:        tr.Start,
		Duration:     tr.Duration,
		Error:        tr.Error,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		slog.Debug("devtools request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
