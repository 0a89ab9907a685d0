package odeon

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/i2y/odeon/correlation"
	"github.com/i2y/odeon/internal/storage"
)

// maxRequestBodySize is the maximum accepted message body (1 MB).
const maxRequestBodySize = 1 << 20

// Handler returns the HTTP admin surface of the App:
//
//	GET    /health/live
//	GET    /health/ready
//	GET    /metrics
//	POST   /processes/{processID}/messages
//	GET    /jobs
//	DELETE /jobs/{jobID}
//
// It can be mounted on any router:
//
//	r := chi.NewRouter()
//	r.Mount("/odeon", app.Handler())
func (a *App) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Get("/health/live", a.handleLivenessProbe)
	r.Get("/health/ready", a.handleReadinessProbe)
	r.Handle("/metrics", promhttp.HandlerFor(a.config.metricsGatherer, promhttp.HandlerOpts{}))

	r.Post("/processes/{processID}/messages", a.handleDeliver)
	r.Get("/jobs", a.handleListJobs)
	r.Delete("/jobs/{jobID}", a.handleCancelJob)
	return r
}

// ListenAndServe serves Handler on addr.
// For integration with existing HTTP routers, use Handler() instead.
func (a *App) ListenAndServe(addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return srv.ListenAndServe()
}

// requestLogger logs HTTP requests with structured logging.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

// handleLivenessProbe handles the liveness probe.
func (a *App) handleLivenessProbe(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReadinessProbe handles the readiness probe.
func (a *App) handleReadinessProbe(w http.ResponseWriter, r *http.Request) {
	if a.Running() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("Not Ready"))
}

// KeyJSON is the JSON form of a correlation key.
type KeyJSON struct {
	Set    string   `json:"set"`
	Values []string `json:"values"`
}

// DeliverRequest is the body of POST /processes/{processID}/messages.
// Keys may be given as a list or as a canonical key set string.
type DeliverRequest struct {
	PartnerLink string          `json:"partnerLink"`
	Operation   string          `json:"operation"`
	Keys        []KeyJSON       `json:"keys,omitempty"`
	KeySet      string          `json:"keySet,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

func (req *DeliverRequest) keySet() (correlation.KeySet, error) {
	if req.KeySet != "" {
		return correlation.ParseKeySet(req.KeySet)
	}
	keys := make([]correlation.Key, len(req.Keys))
	for i, k := range req.Keys {
		keys[i] = correlation.NewKey(k.Set, k.Values...)
	}
	return correlation.NewKeySet(keys...), nil
}

func (a *App) handleDeliver(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	var req DeliverRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.PartnerLink == "" || req.Operation == "" {
		writeError(w, http.StatusBadRequest, "partnerLink and operation are required")
		return
	}
	ks, err := req.keySet()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := a.Deliver(r.Context(), &InboundMessage{
		ProcessID:   chi.URLParam(r, "processID"),
		PartnerLink: req.PartnerLink,
		Operation:   req.Operation,
		KeySet:      ks,
		Payload:     req.Payload,
	})
	switch {
	case errors.Is(err, ErrProcessNotRegistered), errors.Is(err, ErrUnknownOperation):
		writeError(w, http.StatusNotFound, err.Error())
		return
	case errors.Is(err, ErrAppNotRunning):
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	case err != nil:
		slog.Error("message delivery failed", "process_id", chi.URLParam(r, "processID"), "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

// JobJSON is the JSON form of a stored job.
type JobJSON struct {
	JobID       string          `json:"jobId"`
	NodeID      string          `json:"nodeId,omitempty"`
	ScheduledAt time.Time       `json:"scheduledAt"`
	Loaded      bool            `json:"loaded"`
	Details     json.RawMessage `json:"details,omitempty"`
}

func (a *App) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := storage.JobFilter{NodeID: q.Get("node")}
	if v := q.Get("unassigned"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid unassigned: "+v)
			return
		}
		filter.Unassigned = b
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit: "+v)
			return
		}
		filter.Limit = n
	}

	jobs, err := a.storage.ListJobs(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]JobJSON, 0, len(jobs))
	for _, j := range jobs {
		jj := JobJSON{JobID: j.JobID, NodeID: j.NodeID, ScheduledAt: j.ScheduledAt, Loaded: j.Loaded}
		if json.Valid(j.Details) {
			jj.Details = j.Details
		}
		out = append(out, jj)
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": out})
}

func (a *App) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	if err := a.CancelTimer(r.Context(), jobID); err != nil {
		if errors.Is(err, ErrAppNotRunning) {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
