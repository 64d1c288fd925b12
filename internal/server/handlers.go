package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-anomaly/internal/analytics"
	"github.com/kubilitics/kubilitics-anomaly/internal/analytics/anomaly"
	"github.com/kubilitics/kubilitics-anomaly/internal/remediation"
	"github.com/kubilitics/kubilitics-anomaly/internal/tracking"
)

const (
	maxBodyBytes = 10 << 20
	defaultLimit = 100
	maxLimit     = 1000
)

// pointsRequest is the body of train and detect.
type pointsRequest struct {
	Points []anomaly.DataPoint `json:"points"`
}

type evaluateRequest struct {
	Points []analytics.LabelledPoint `json:"points"`
}

// trainResponse is a TrainReport with its pair-keyed maps flattened to
// "service/metric" keys.
type trainResponse struct {
	RunID     string            `json:"run_id"`
	Trained   []anomaly.Pair    `json:"trained"`
	Skipped   map[string]int    `json:"skipped"`
	Failed    map[string]string `json:"failed"`
	Persisted map[string]string `json:"persisted"`
	Models    int               `json:"models"`
}

func newTrainResponse(r anomaly.TrainReport, models int) *trainResponse {
	resp := &trainResponse{
		RunID:     r.RunID,
		Trained:   r.Trained,
		Skipped:   make(map[string]int, len(r.Skipped)),
		Failed:    make(map[string]string, len(r.Failed)),
		Persisted: make(map[string]string, len(r.Persisted)),
		Models:    models,
	}
	if resp.Trained == nil {
		resp.Trained = []anomaly.Pair{}
	}
	for p, n := range r.Skipped {
		resp.Skipped[p.String()] = n
	}
	for p, msg := range r.Failed {
		resp.Failed[p.String()] = msg
	}
	for p, key := range r.Persisted {
		resp.Persisted[p.String()] = key
	}
	return resp
}

type detectResponse struct {
	analytics.IngestResult
	Retrained *trainResponse `json:"retrained,omitempty"`
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
	})
}

// handleReady reports ready once at least one pair model is installed.
func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	models := s.opts.Pipeline.Engine().Registry().Len()
	if models == 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status": "not_ready",
			"reason": "no models trained",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ready",
		"models": models,
	})
}

// handleInfo handles server info requests.
func (s *Server) handleInfo(w http.ResponseWriter, _ *http.Request) {
	engine := s.opts.Pipeline.Engine()
	cfg := engine.Config()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"name":           "kubilitics-anomaly",
		"version":        s.opts.Version,
		"uptime_seconds": int(time.Since(s.startedAt).Seconds()),
		"models":         engine.Registry().Len(),
		"history":        s.opts.Pipeline.HistoryLen(),
		"tracking":       s.opts.Runs != nil,
		"stream":         s.opts.Stream != nil,
		"model": map[string]interface{}{
			"contamination":   cfg.Contamination,
			"num_trees":       cfg.NumTrees,
			"sub_sample_size": cfg.SubSampleSize,
			"min_samples":     cfg.MinSamples,
			"persist_models":  cfg.PersistModels,
		},
		"severity": map[string]float64{
			"low":  cfg.Thresholds.Low,
			"high": cfg.Thresholds.High,
		},
	})
}

// handleTrain fits pair models from the posted points.
func (s *Server) handleTrain(w http.ResponseWriter, r *http.Request) {
	var req pointsRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if len(req.Points) == 0 {
		writeError(w, http.StatusBadRequest, "points must not be empty")
		return
	}

	report := s.opts.Pipeline.Train(r.Context(), req.Points)
	s.refreshHealth()
	writeJSON(w, http.StatusOK, newTrainResponse(report, s.opts.Pipeline.Engine().Registry().Len()))
}

// handleDetect runs one batch through the pipeline.
func (s *Server) handleDetect(w http.ResponseWriter, r *http.Request) {
	var req pointsRequest
	if !decodeBody(w, r, &req) {
		return
	}

	result := s.opts.Pipeline.Ingest(r.Context(), req.Points)
	resp := detectResponse{IngestResult: result}
	if result.Anomalies == nil {
		resp.Anomalies = []anomaly.AnomalyRecord{}
	}
	if result.Actions == nil {
		resp.Actions = []remediation.Action{}
	}
	if result.Retrained != nil {
		resp.Retrained = newTrainResponse(*result.Retrained, s.opts.Pipeline.Engine().Registry().Len())
		s.refreshHealth()
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleEvaluate scores labelled points and returns the cumulative summary.
func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req evaluateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if len(req.Points) == 0 {
		writeError(w, http.StatusBadRequest, "points must not be empty")
		return
	}
	writeJSON(w, http.StatusOK, s.opts.Pipeline.Evaluate(r.Context(), req.Points))
}

func (s *Server) handleEvaluation(w http.ResponseWriter, _ *http.Request) {
	ev := s.opts.Pipeline.Evaluator()
	if ev == nil {
		writeError(w, http.StatusNotFound, "evaluation is not enabled")
		return
	}
	writeJSON(w, http.StatusOK, ev.Summary())
}

func (s *Server) handleListModels(w http.ResponseWriter, _ *http.Request) {
	models := s.opts.Pipeline.Engine().Registry().Pairs()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"models": models,
		"count":  len(models),
	})
}

func (s *Server) handleGetModel(w http.ResponseWriter, r *http.Request) {
	service, metric := r.PathValue("service"), r.PathValue("metric")
	for _, info := range s.opts.Pipeline.Engine().Registry().Pairs() {
		if info.Service == service && info.Metric == metric {
			writeJSON(w, http.StatusOK, info)
			return
		}
	}
	writeError(w, http.StatusNotFound, fmt.Sprintf("no model for %s/%s", service, metric))
}

// handleDetectionRuns returns the in-memory detection run history.
func (s *Server) handleDetectionRuns(w http.ResponseWriter, _ *http.Request) {
	runs := s.opts.Pipeline.Engine().Runs().History()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"runs":  runs,
		"count": len(runs),
	})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if s.opts.Runs == nil {
		writeError(w, http.StatusServiceUnavailable, "run tracking is disabled")
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	runs, err := s.opts.Runs.ListRuns(r.Context(), limit)
	if err != nil {
		s.logger.Error("Failed to list runs", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"runs":  runs,
		"count": len(runs),
	})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	if s.opts.Runs == nil {
		writeError(w, http.StatusServiceUnavailable, "run tracking is disabled")
		return
	}
	id := r.PathValue("id")
	run, err := s.opts.Runs.GetRun(r.Context(), id)
	if errors.Is(err, tracking.ErrRunNotFound) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("run %s not found", id))
		return
	}
	if err != nil {
		s.logger.Error("Failed to get run", zap.String("run_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to get run")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// handleAnomalies queries the anomaly history. Supported query parameters:
// service, metric, severity, from, to (RFC3339) and limit.
func (s *Server) handleAnomalies(w http.ResponseWriter, r *http.Request) {
	q, err := parseAnomalyQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var records []anomaly.AnomalyRecord
	if s.opts.Runs != nil {
		records, err = s.opts.Runs.QueryAnomalies(r.Context(), q)
		if err != nil {
			s.logger.Error("Failed to query anomalies", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to query anomalies")
			return
		}
	} else {
		records = filterRecent(s.opts.Pipeline.RecentAnomalies(q.Service), q)
	}
	if records == nil {
		records = []anomaly.AnomalyRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"anomalies": records,
		"count":     len(records),
	})
}

func (s *Server) handleAnomalySummary(w http.ResponseWriter, r *http.Request) {
	bySeverity := map[anomaly.Severity]int{
		anomaly.SeverityLow:    0,
		anomaly.SeverityMedium: 0,
		anomaly.SeverityHigh:   0,
	}
	if s.opts.Runs != nil {
		counts, err := s.opts.Runs.AnomalySummary(r.Context())
		if err != nil {
			s.logger.Error("Failed to summarize anomalies", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to summarize anomalies")
			return
		}
		for sev, n := range counts {
			bySeverity[sev] = n
		}
	} else {
		for _, rec := range s.opts.Pipeline.RecentAnomalies("") {
			bySeverity[rec.Severity]++
		}
	}

	total := 0
	for _, n := range bySeverity {
		total += n
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"total":       total,
		"by_severity": bySeverity,
	})
}

func (s *Server) handleRemediations(w http.ResponseWriter, _ *http.Request) {
	actions := s.opts.Pipeline.RecentActions()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"actions": actions,
		"count":   len(actions),
	})
}

// ─── Helpers ──────────────────────────────────────────────────────────────────

func parseLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("invalid limit %q", raw)
	}
	if n > maxLimit {
		n = maxLimit
	}
	return n, nil
}

func parseAnomalyQuery(r *http.Request) (tracking.AnomalyQuery, error) {
	v := r.URL.Query()
	q := tracking.AnomalyQuery{
		Service: v.Get("service"),
		Metric:  v.Get("metric"),
	}
	var err error
	if q.Limit, err = parseLimit(r); err != nil {
		return q, err
	}
	if raw := v.Get("severity"); raw != "" {
		if q.Severity, err = anomaly.ParseSeverity(raw); err != nil {
			return q, err
		}
	}
	if raw := v.Get("from"); raw != "" {
		if q.From, err = time.Parse(time.RFC3339, raw); err != nil {
			return q, fmt.Errorf("invalid from: %w", err)
		}
	}
	if raw := v.Get("to"); raw != "" {
		if q.To, err = time.Parse(time.RFC3339, raw); err != nil {
			return q, fmt.Errorf("invalid to: %w", err)
		}
	}
	return q, nil
}

// filterRecent applies q to cached records, newest first.
func filterRecent(records []anomaly.AnomalyRecord, q tracking.AnomalyQuery) []anomaly.AnomalyRecord {
	out := make([]anomaly.AnomalyRecord, 0, len(records))
	for i := len(records) - 1; i >= 0 && len(out) < q.Limit; i-- {
		rec := records[i]
		switch {
		case q.Metric != "" && rec.Metric != q.Metric:
		case q.Severity != "" && rec.Severity != q.Severity:
		case !q.From.IsZero() && rec.Timestamp.Before(q.From):
		case !q.To.IsZero() && rec.Timestamp.After(q.To):
		default:
			out = append(out, rec)
		}
	}
	return out
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return false
	}
	return true
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeJSON writes v as JSON with the given status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}
