// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package api serves the HTTP surface: ingest, DAU/MAU releases, budget
// snapshots, health, metrics, and the operator endpoints the CLI drives in
// remote mode. Handlers translate pipeline errors into the documented status
// codes and leave all engine semantics to the pipeline.
package api

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"dpcount/internal/engine/accountant"
	"dpcount/internal/engine/config"
	"dpcount/internal/engine/events"
	"dpcount/internal/engine/pipeline"
	"dpcount/internal/engine/telemetry"
)

// maxEventBody bounds a single ingest request.
const maxEventBody = 32 << 20

// Server routes HTTP traffic into the pipeline.
type Server struct {
	cfg     *config.Config
	pipe    *pipeline.Pipeline
	metrics *telemetry.Metrics
	limiter *rateLimiter
	log     *logrus.Entry
	mux     *http.ServeMux
}

// NewServer builds the router. The returned server is ready to be wrapped in
// an http.Server by the caller.
func NewServer(cfg *config.Config, pipe *pipeline.Pipeline, metrics *telemetry.Metrics, log *logrus.Entry) *Server {
	s := &Server{
		cfg:     cfg,
		pipe:    pipe,
		metrics: metrics,
		limiter: newRateLimiter(cfg.Service.RequestsPerMinute),
		log:     log,
		mux:     http.NewServeMux(),
	}

	s.route("POST /event", "/event", s.rateLimited(s.handleEvent))
	s.route("GET /dau/{day}", "/dau/{day}", s.handleDAU)
	s.route("GET /mau", "/mau", s.handleMAU)
	s.route("GET /budget/{metric}", "/budget/{metric}", s.handleBudget)
	s.route("POST /admin/flush-deletes", "/admin/flush-deletes", s.handleFlushDeletes)
	s.route("POST /admin/reset-budget", "/admin/reset-budget", s.handleResetBudget)
	s.route("POST /admin/rotate-salt", "/admin/rotate-salt", s.handleRotateSalt)

	// Health and metrics stay reachable without a key so probes and scrapers
	// need no credentials.
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.Handle("GET /metrics", metrics.Handler())
	return s
}

// Handler is the root handler for the http.Server.
func (s *Server) Handler() http.Handler { return s.mux }

// route registers an authenticated, instrumented handler. The pattern label
// keeps metrics cardinality bounded regardless of path parameters.
func (s *Server) route(pattern, label string, fn http.HandlerFunc) {
	s.mux.HandleFunc(pattern, func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		if s.authorized(req) {
			fn(rec, req)
		} else {
			writeJSON(rec, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		}
		s.metrics.Observe(label, req.Method, rec.status, time.Since(start))
	})
}

func (s *Server) authorized(req *http.Request) bool {
	want := s.cfg.Security.APIKey
	if want == "" {
		return true
	}
	got := req.Header.Get("X-API-Key")
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// rateLimited enforces the per-client ingest budget and sets the advisory
// headers either way.
func (s *Server) rateLimited(fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		ok, remaining, retryAfter := s.limiter.allow(clientKey(req))
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(s.limiter.limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		if !ok {
			secs := int(retryAfter.Seconds()) + 1
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate_limited"})
			return
		}
		fn(w, req)
	}
}

type eventRequest struct {
	Events []events.Event `json:"events"`
}

func (s *Server) handleEvent(w http.ResponseWriter, req *http.Request) {
	var body eventRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, req.Body, maxEventBody))
	if err := dec.Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "validation_error", "detail": "malformed JSON body: " + err.Error(),
		})
		return
	}
	n, err := s.pipe.IngestBatch(req.Context(), body.Events)
	if err != nil {
		s.writeError(w, req, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]int{"accepted": n})
}

func (s *Server) handleDAU(w http.ResponseWriter, req *http.Request) {
	rel, err := s.pipe.ReleaseDAU(req.Context(), req.PathValue("day"))
	if err != nil {
		s.writeError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, rel)
}

func (s *Server) handleMAU(w http.ResponseWriter, req *http.Request) {
	q := req.URL.Query()
	end := q.Get("end")
	if end == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "validation_error", "detail": "end query parameter is required",
		})
		return
	}
	window := 0
	if raw := q.Get("window"); raw != "" {
		var err error
		if window, err = strconv.Atoi(raw); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "validation_error", "detail": "window must be an integer",
			})
			return
		}
	}
	rel, err := s.pipe.ReleaseMAU(req.Context(), end, window)
	if err != nil {
		s.writeError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, rel)
}

func (s *Server) handleBudget(w http.ResponseWriter, req *http.Request) {
	day := req.URL.Query().Get("day")
	if day == "" {
		day = time.Now().In(s.cfg.Timezone).Format("2006-01-02")
	}
	snap, err := s.pipe.BudgetSnapshot(req.Context(), req.PathValue("metric"), day)
	if err != nil {
		s.writeError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleFlushDeletes(w http.ResponseWriter, req *http.Request) {
	if err := s.pipe.ReplayDeletions(req.Context()); err != nil {
		s.writeError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type resetBudgetRequest struct {
	Metric string `json:"metric"`
	Month  string `json:"month"`
}

func (s *Server) handleResetBudget(w http.ResponseWriter, req *http.Request) {
	var body resetBudgetRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "validation_error", "detail": "malformed JSON body: " + err.Error(),
		})
		return
	}
	if err := s.pipe.ResetBudget(req.Context(), body.Metric, body.Month); err != nil {
		s.writeError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type rotateSaltRequest struct {
	EffectiveDate string `json:"effective_date"`
	RotationDays  int    `json:"rotation_days"`
}

func (s *Server) handleRotateSalt(w http.ResponseWriter, req *http.Request) {
	var body rotateSaltRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "validation_error", "detail": "malformed JSON body: " + err.Error(),
		})
		return
	}
	row, err := s.pipe.RotateSalt(req.Context(), body.EffectiveDate, body.RotationDays)
	if err != nil {
		s.writeError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "ok",
		"epoch_id":       row.ID,
		"effective_date": row.EffectiveDate,
		"rotation_days":  row.RotationDays,
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": s.cfg.Version,
	})
}

// writeError maps pipeline errors onto the documented status codes. Budget
// denials carry the structured payload; anything unclassified is a 500.
func (s *Server) writeError(w http.ResponseWriter, req *http.Request, err error) {
	var vErr *pipeline.ValidationError
	if errors.As(err, &vErr) {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "validation_error", "detail": vErr.Reason,
		})
		return
	}
	var bErr *accountant.ExhaustedError
	if errors.As(err, &bErr) {
		writeJSON(w, http.StatusTooManyRequests, struct {
			Error string `json:"error"`
			*accountant.ExhaustedError
		}{"budget_exhausted", bErr})
		return
	}
	var cErr *pipeline.ConflictError
	if errors.As(err, &cErr) {
		writeJSON(w, http.StatusConflict, map[string]string{
			"error": "conflict", "detail": cErr.Reason,
		})
		return
	}
	s.log.WithError(err).WithFields(logrus.Fields{
		"method": req.Method,
		"path":   req.URL.Path,
	}).Error("request failed")
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal_error"})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// statusRecorder captures the response code for metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
