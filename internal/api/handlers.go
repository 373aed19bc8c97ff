package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/mapgen/internal/jobstore"
	"github.com/sells-group/mapgen/internal/model"
	"github.com/sells-group/mapgen/internal/registry"
	"github.com/sells-group/mapgen/internal/resilience"
	"github.com/sells-group/mapgen/internal/scheduler"
)

const (
	maxActionBody    = 64 << 10
	maxQuestionsBody = 16 << 20
)

var errBadRequest = eris.New("api: bad request")

type registerRequest struct {
	Questions []model.Question `json:"questions"`
	// Replace allows dropping or editing questions that already have jobs.
	Replace bool `json:"replace,omitempty"`
}

// GenerateResponse is the 202 body of the single-question action.
type GenerateResponse struct {
	Status     string `json:"status"`
	RunID      string `json:"run_id"`
	QuestionID string `json:"question_id"`
	JobID      string `json:"job_id"`
}

// GenerateAllResponse is the 202 body of the run-wide action.
type GenerateAllResponse struct {
	Status   string               `json:"status"`
	RunID    string               `json:"run_id"`
	Accepted []scheduler.Accepted `json:"accepted"`
	Skipped  []scheduler.Skipped  `json:"skipped"`
}

// HealthResponse is the body of GET /health. Status is "degraded" while any
// collaborator circuit is open; the server still accepts requests.
type HealthResponse struct {
	Status   string            `json:"status"`
	Circuits map[string]string `json:"circuits,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok"}
	if s.cfg.Circuits != nil {
		resp.Circuits = s.cfg.Circuits()
		for _, state := range resp.Circuits {
			if state == resilience.CircuitOpen.String() {
				resp.Status = "degraded"
			}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRegisterQuestions(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	var req registerRequest
	if err := decodeBody(w, r, maxQuestionsBody, &req, false); err != nil {
		writeError(w, err)
		return
	}
	if err := registry.Validate(req.Questions); err != nil {
		writeError(w, eris.Wrap(errBadRequest, err.Error()))
		return
	}
	register := s.jobs.RegisterRun
	if req.Replace {
		register = s.jobs.ReplaceRun
	}
	if err := register(r.Context(), runID, req.Questions); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run_id": runID, "questions": len(req.Questions)})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	body, version, err := s.agg.JSON(runID)
	if err != nil {
		writeError(w, err)
		return
	}

	etag := s.etag(version)
	s.pollHeader(w)
	w.Header().Set("ETag", etag)
	w.Header().Set("X-Snapshot-Version", strconv.FormatUint(version, 10))
	w.Header().Set("Cache-Control", "no-cache")
	if match := r.Header.Get("If-None-Match"); match != "" && match == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(body) //nolint:errcheck
}

func (s *Server) handleGenerateOne(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	questionID := chi.URLParam(r, "questionID")

	var opts scheduler.Options
	if err := decodeBody(w, r, maxActionBody, &opts, true); err != nil {
		writeError(w, err)
		return
	}
	jobID, err := s.sched.GenerateOne(r.Context(), runID, questionID, opts)
	if err != nil {
		writeError(w, err)
		return
	}
	s.pollHeader(w)
	writeJSON(w, http.StatusAccepted, GenerateResponse{
		Status:     "accepted",
		RunID:      runID,
		QuestionID: questionID,
		JobID:      jobID,
	})
}

func (s *Server) handleGenerateAll(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	var opts scheduler.Options
	if err := decodeBody(w, r, maxActionBody, &opts, true); err != nil {
		writeError(w, err)
		return
	}
	res, err := s.sched.GenerateAll(r.Context(), runID, opts)
	if err != nil {
		writeError(w, err)
		return
	}
	s.pollHeader(w)
	writeJSON(w, http.StatusAccepted, GenerateAllResponse{
		Status:   "accepted",
		RunID:    runID,
		Accepted: res.Accepted,
		Skipped:  res.Skipped,
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	questionID := chi.URLParam(r, "questionID")

	jobs, err := s.jobs.History(runID, questionID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run_id": runID, "question_id": questionID, "jobs": jobs})
}

func (s *Server) handlePromotion(w http.ResponseWriter, r *http.Request) {
	d, err := s.gate.Evaluate(chi.URLParam(r, "runID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// decodeBody decodes a JSON request body into v. An empty body is accepted
// when optional is set and leaves v untouched.
func decodeBody(w http.ResponseWriter, r *http.Request, limit int64, v any, optional bool) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, limit))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return nil
		}
		return eris.Wrapf(errBadRequest, "invalid request body: %v", err)
	}
	return nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, jobstore.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, jobstore.ErrRunNotFound), errors.Is(err, jobstore.ErrQuestionNotFound):
		return http.StatusNotFound
	case errors.Is(err, errBadRequest), errors.Is(err, scheduler.ErrInvalidOptions), errors.Is(err, jobstore.ErrInvalidRun):
		return http.StatusBadRequest
	case errors.Is(err, scheduler.ErrShuttingDown):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// etag is built from the process epoch and the snapshot version only; the
// request path already names the run.
func (s *Server) etag(version uint64) string {
	return `"` + s.epoch + "-" + strconv.FormatUint(version, 10) + `"`
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		zap.L().Error("api: request failed", zap.Error(err))
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}
