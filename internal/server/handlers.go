package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/emiliopalmerini/mbandit/internal/domain"
	"github.com/emiliopalmerini/mbandit/internal/engine"
)

type decisionResponse struct {
	ExperimentID string `json:"experiment_id"`
	Flag         string `json:"flag,omitempty"`
	Arm          int    `json:"arm"`
	Active       bool   `json:"active"`
	Phase        string `json:"phase,omitempty"`
}

type experimentResponse struct {
	ID                string     `json:"id"`
	Flag              string     `json:"flag"`
	Name              string     `json:"name"`
	Description       *string    `json:"description,omitempty"`
	Strategy          string     `json:"strategy"`
	Epsilon           float64    `json:"epsilon"`
	ExplorationC      float64    `json:"exploration_c"`
	SignificanceLevel float64    `json:"significance_level"`
	MinViews          int64      `json:"min_views"`
	Gate              string     `json:"gate"`
	IsActive          bool       `json:"is_active"`
	WinningArm        *int       `json:"winning_arm"`
	LockedAt          *time.Time `json:"locked_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	EndedAt           *time.Time `json:"ended_at,omitempty"`
}

type intervalResponse struct {
	Low  float64 `json:"low"`
	High float64 `json:"high"`
}

type armResponse struct {
	Arm         int               `json:"arm"`
	Views       int64             `json:"views"`
	Conversions int64             `json:"conversions"`
	Rate        float64           `json:"rate"`
	Interval    *intervalResponse `json:"interval"`
}

type summaryResponse struct {
	Experiment            experimentResponse `json:"experiment"`
	Phase                 string             `json:"phase"`
	Arms                  []armResponse      `json:"arms"`
	Decidable             bool               `json:"decidable"`
	PValue                float64            `json:"p_value"`
	TStatistic            float64            `json:"t_statistic"`
	ActivationProbability float64            `json:"activation_probability"`
}

type finalizeResponse struct {
	WinningArm *int `json:"winning_arm"`
}

// outcomeRequest accepts either {"arm": 0|1} or {"active": bool}.
type outcomeRequest struct {
	Arm    *int  `json:"arm"`
	Active *bool `json:"active"`
}

func (o outcomeRequest) arm() (domain.Arm, error) {
	switch {
	case o.Arm != nil:
		a := domain.Arm(*o.Arm)
		if !a.Valid() {
			return 0, fmt.Errorf("%w: %d", domain.ErrInvalidArm, *o.Arm)
		}
		return a, nil
	case o.Active != nil:
		return domain.ArmFromBool(*o.Active), nil
	}
	return 0, fmt.Errorf("%w: request needs arm or active", domain.ErrInvalidArm)
}

func (s *Server) handleDecideFlag(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	d, err := s.engine.DecideFlag(ctx, chi.URLParam(r, "flag"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if record, _ := strconv.ParseBool(r.URL.Query().Get("record")); record {
		if err := s.engine.RecordView(ctx, d.ExperimentID, d.Arm); err != nil {
			s.writeError(w, r, err)
			return
		}
	}

	writeJSON(w, http.StatusOK, decisionResponse{
		ExperimentID: d.ExperimentID,
		Flag:         d.Flag,
		Arm:          int(d.Arm),
		Active:       d.Active(),
		Phase:        d.Phase.String(),
	})
}

func (s *Server) handleDecide(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	arm, err := s.engine.Decide(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, decisionResponse{ExperimentID: id, Arm: int(arm), Active: arm.Active()})
}

func (s *Server) handleRecordView(w http.ResponseWriter, r *http.Request) {
	s.handleOutcome(w, r, s.engine.RecordView)
}

func (s *Server) handleRecordConversion(w http.ResponseWriter, r *http.Request) {
	s.handleOutcome(w, r, s.engine.RecordConversion)
}

func (s *Server) handleOutcome(w http.ResponseWriter, r *http.Request, record func(ctx context.Context, id string, arm domain.Arm) error) {
	var req outcomeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body"})
		return
	}
	arm, err := req.arm()
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if err := record(r.Context(), chi.URLParam(r, "id"), arm); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleFinalize(w http.ResponseWriter, r *http.Request) {
	arm, err := s.engine.MaybeFinalize(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, finalizeResponse{WinningArm: armPtrToInt(arm)})
}

func (s *Server) handleListExperiments(w http.ResponseWriter, r *http.Request) {
	experiments, err := s.engine.List(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	out := make([]experimentResponse, len(experiments))
	for i, e := range experiments {
		out[i] = toExperimentResponse(e)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	sum, err := s.engine.Summarize(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSummaryResponse(sum))
}

func toExperimentResponse(e *domain.Experiment) experimentResponse {
	return experimentResponse{
		ID:                e.ID,
		Flag:              e.Flag,
		Name:              e.Name,
		Description:       e.Description,
		Strategy:          string(e.Strategy),
		Epsilon:           e.Epsilon,
		ExplorationC:      e.ExplorationC,
		SignificanceLevel: e.SignificanceLevel,
		MinViews:          e.MinViews,
		Gate:              string(e.Gate),
		IsActive:          e.IsActive,
		WinningArm:        armPtrToInt(e.WinningArm),
		LockedAt:          e.LockedAt,
		CreatedAt:         e.CreatedAt,
		EndedAt:           e.EndedAt,
	}
}

func toSummaryResponse(sum *engine.Summary) summaryResponse {
	resp := summaryResponse{
		Experiment:            toExperimentResponse(sum.Experiment),
		Phase:                 sum.Phase.String(),
		Decidable:             sum.Evaluation.Decidable,
		PValue:                sum.Evaluation.PValue,
		TStatistic:            sum.Evaluation.TStatistic,
		ActivationProbability: sum.ActivationProbability,
	}
	for _, arm := range []domain.Arm{domain.ArmControl, domain.ArmTreatment} {
		a := armResponse{
			Arm:         int(arm),
			Views:       sum.Counters.Views[arm],
			Conversions: sum.Counters.Conversions[arm],
			Rate:        sum.Rates[arm],
		}
		if ci := sum.Intervals[arm]; ci != nil {
			a.Interval = &intervalResponse{Low: ci.Low, High: ci.High}
		}
		resp.Arms = append(resp.Arms, a)
	}
	return resp
}

func armPtrToInt(a *domain.Arm) *int {
	if a == nil {
		return nil
	}
	v := int(*a)
	return &v
}

type errorResponse struct {
	Error string `json:"error"`
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrExperimentNotFound), errors.Is(err, domain.ErrNoActiveExperiment):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidArm), errors.Is(err, domain.ErrInvalidConfig):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrWinnerConflict),
		errors.Is(err, domain.ErrActiveExperimentExists),
		errors.Is(err, domain.ErrDuplicateExperiment),
		errors.Is(err, domain.ErrConversionExceedsViews):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "error", err)
		writeJSON(w, status, errorResponse{Error: "internal error"})
		return
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
