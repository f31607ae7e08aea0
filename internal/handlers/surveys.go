package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/surveyhelp/backend/internal/awards"
	"github.com/surveyhelp/backend/internal/rates"
)

const defaultHelpAction = "surveyformverification"

type stakeBoostRequest struct {
	BoostMarks int `json:"boost_marks"`
}

// StakeBoost handles POST /api/surveys/{id}/boost.
func (h *Handler) StakeBoost(w http.ResponseWriter, r *http.Request) {
	p, ok := caller(w, r)
	if !ok {
		return
	}
	survey, ok := pathID(w, r)
	if !ok {
		return
	}
	var req stakeBoostRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	balance, err := h.Awards.StakeBoost(r.Context(), p.UserID, survey, req.BoostMarks)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"survey_id":   survey,
		"boost_marks": req.BoostMarks,
		"new_balance": balance,
	})
}

type surveyHelpRequest struct {
	UserID     uuid.UUID       `json:"user_id"`
	BoostMarks int             `json:"boost_marks"`
	GoalCount  int             `json:"goal_count"`
	Proof      json.RawMessage `json:"proof,omitempty"`
	Action     string          `json:"action,omitempty"`
	Signal     string          `json:"signal,omitempty"`
}

type surveyHelpResponse struct {
	awards.HelpResult
	AwardFailed bool `json:"award_failed,omitempty"`
}

// SurveyHelp handles POST /api/surveys/{id}/help, called by the survey
// service once a helper's response is counted. The helper's own flow must not
// fail on an award problem, so award errors are reported in the body with 200.
func (h *Handler) SurveyHelp(w http.ResponseWriter, r *http.Request) {
	survey, ok := pathID(w, r)
	if !ok {
		return
	}
	var req surveyHelpRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if req.UserID == uuid.Nil {
		h.writeError(w, r, fmt.Errorf("%w: user_id is required", rates.ErrValidation))
		return
	}
	if _, err := awards.Distribute(req.BoostMarks, req.GoalCount); err != nil {
		h.writeError(w, r, err)
		return
	}
	if len(req.Proof) > 0 && h.Verifier != nil {
		action := req.Action
		if action == "" {
			action = defaultHelpAction
		}
		if _, err := h.Verifier.Verify(r.Context(), req.Proof, action, req.Signal); err != nil {
			h.writeError(w, r, err)
			return
		}
	}

	res, ok := h.Awards.TryAwardSurveyHelp(r.Context(), awards.HelpEvent{
		UserID:   req.UserID,
		SurveyID: survey,
		Boost:    req.BoostMarks,
		Goal:     req.GoalCount,
	})
	if ok && res.Awarded > 0 && !res.Replayed {
		h.log().Info("survey help awarded",
			zap.String("user_id", req.UserID.String()),
			zap.String("survey_id", survey.String()),
			zap.Int("awarded", res.Awarded))
	}
	writeJSON(w, http.StatusOK, surveyHelpResponse{HelpResult: res, AwardFailed: !ok})
}
