package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/danielpatrickdp/adaptive-policy/internal/belief"
	"github.com/danielpatrickdp/adaptive-policy/internal/catalog"
	"github.com/danielpatrickdp/adaptive-policy/internal/engine"
	"github.com/danielpatrickdp/adaptive-policy/internal/experiment"
	"github.com/danielpatrickdp/adaptive-policy/internal/identity"
	"github.com/danielpatrickdp/adaptive-policy/internal/planner"
	"github.com/danielpatrickdp/adaptive-policy/internal/telemetry"
)

// #region clinician
func (a *API) handlePlan(w http.ResponseWriter, r *http.Request, user identity.User) {
	var ids []string
	if raw := r.URL.Query().Get("features"); raw != "" {
		for _, id := range strings.Split(raw, ",") {
			if id = strings.TrimSpace(id); id != "" {
				ids = append(ids, id)
			}
		}
	}
	plan, err := a.engine.Plan(r.Context(), user, ids)
	if err != nil {
		if errors.Is(err, catalog.ErrUnknownFeature) {
			jsonError(w, err.Error(), http.StatusBadRequest)
			return
		}
		a.log.Error("plan", "user_id", user.ID, "error", err)
		jsonError(w, "plan failed", http.StatusInternalServerError)
		return
	}
	jsonResp(w, http.StatusOK, plan)
}

type eventRequest struct {
	FeatureID string   `json:"feature_id" validate:"required,max=128"`
	Outcome   *bool    `json:"outcome"`
	Reward    *float64 `json:"reward" validate:"omitempty,gte=0,lte=1"`
	EventID   string   `json:"event_id" validate:"max=128"`
}

// handleEvent accepts one behavioral signal. The response does not wait on
// persistence; a 202 means the event was applied in memory.
func (a *API) handleEvent(w http.ResponseWriter, r *http.Request, user identity.User) {
	if !a.limiter.allow(user.ID, a.now()) {
		telemetry.RateLimited.Inc()
		jsonError(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}
	var req eventRequest
	if err := a.decode(w, r, &req); err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	_, err := a.engine.Observe(r.Context(), user, engine.Event{
		FeatureID: req.FeatureID,
		Outcome:   req.Outcome,
		Reward:    req.Reward,
		EventID:   req.EventID,
	})
	switch {
	case err == nil:
		jsonResp(w, http.StatusAccepted, map[string]string{"status": "accepted"})
	case errors.Is(err, engine.ErrDuplicateEvent):
		jsonResp(w, http.StatusAccepted, map[string]string{"status": "duplicate"})
	case errors.Is(err, catalog.ErrUnknownFeature), errors.Is(err, belief.ErrInvalidObservation):
		jsonError(w, err.Error(), http.StatusBadRequest)
	default:
		a.log.Error("observe", "user_id", user.ID, "feature_id", req.FeatureID, "error", err)
		jsonError(w, "event not applied", http.StatusInternalServerError)
	}
}

func (a *API) handleBanditStatus(w http.ResponseWriter, r *http.Request, user identity.User) {
	status, err := a.engine.BanditStatus(r.Context(), user, intParam(r, "recent", 20))
	if err != nil {
		a.log.Error("bandit status", "user_id", user.ID, "error", err)
		jsonError(w, "bandit status unavailable", http.StatusInternalServerError)
		return
	}
	jsonResp(w, http.StatusOK, status)
}

func (a *API) handleTransferStatus(w http.ResponseWriter, r *http.Request, user identity.User) {
	status, err := a.engine.TransferStatus(r.Context(), user)
	if err != nil {
		a.log.Error("transfer status", "user_id", user.ID, "error", err)
		jsonError(w, "transfer status unavailable", http.StatusInternalServerError)
		return
	}
	jsonResp(w, http.StatusOK, status)
}

func (a *API) handleRegretReport(w http.ResponseWriter, r *http.Request, user identity.User) {
	switch scope := r.URL.Query().Get("scope"); scope {
	case "", "user":
		jsonResp(w, http.StatusOK, a.engine.RegretReport(user.ID))
	case "global":
		jsonResp(w, http.StatusOK, a.engine.RegretReport(""))
	default:
		jsonError(w, fmt.Sprintf("unknown scope %q", scope), http.StatusBadRequest)
	}
}

// #endregion clinician

// #region operator
func (a *API) handleDashboard(w http.ResponseWriter, r *http.Request, _ identity.User) {
	d, err := a.engine.AssuranceDashboard(r.Context(), intParam(r, "recent", 20))
	if err != nil {
		a.log.Error("dashboard", "error", err)
		jsonError(w, "dashboard unavailable", http.StatusInternalServerError)
		return
	}
	jsonResp(w, http.StatusOK, d)
}

func (a *API) handleListStudies(w http.ResponseWriter, _ *http.Request, _ identity.User) {
	jsonResp(w, http.StatusOK, map[string]interface{}{"studies": a.engine.Studies()})
}

type createStudyRequest struct {
	Name          string         `json:"name" validate:"required,max=128"`
	Policy        planner.Policy `json:"policy"`
	ShadowFirst   bool           `json:"shadow_first"`
	ShadowPercent int            `json:"shadow_percent" validate:"omitempty,min=1,max=100"`
	Stages        []int          `json:"stages" validate:"omitempty,dive,min=1,max=100"`
	StageDuration string         `json:"stage_duration"`
}

func (a *API) handleCreateStudy(w http.ResponseWriter, r *http.Request, user identity.User) {
	var req createStudyRequest
	if err := a.decode(w, r, &req); err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	spec := experiment.Spec{
		Name:          req.Name,
		Policy:        req.Policy,
		ShadowFirst:   req.ShadowFirst,
		ShadowPercent: req.ShadowPercent,
		Stages:        req.Stages,
	}
	if req.StageDuration != "" {
		d, err := time.ParseDuration(req.StageDuration)
		if err != nil || d <= 0 {
			jsonError(w, "invalid stage_duration", http.StatusBadRequest)
			return
		}
		spec.StageDuration = d
	}
	s, err := a.engine.CreateStudy(r.Context(), spec)
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	a.log.Info("study created", "study_id", s.ID, "policy", s.Policy.Name, "by", user.ID)
	jsonResp(w, http.StatusCreated, s)
}

func (a *API) handleGetStudy(w http.ResponseWriter, r *http.Request, _ identity.User) {
	id := r.PathValue("id")
	s, err := a.engine.Study(id)
	if err != nil {
		a.studyError(w, err)
		return
	}
	analysis, err := a.engine.StudyAnalysis(id)
	if err != nil {
		a.studyError(w, err)
		return
	}
	jsonResp(w, http.StatusOK, map[string]interface{}{"study": s, "analysis": analysis})
}

type studyActionRequest struct {
	Reason string `json:"reason" validate:"max=512"`
}

func (a *API) handleStudyAction(w http.ResponseWriter, r *http.Request, user identity.User) {
	var req studyActionRequest
	if r.ContentLength != 0 {
		if err := a.decode(w, r, &req); err != nil && !errors.Is(err, io.EOF) {
			jsonError(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	id, action := r.PathValue("id"), r.PathValue("action")
	s, decision, err := a.engine.StudyAction(r.Context(), id, action, req.Reason)
	resp := map[string]interface{}{"study": s}
	if decision != nil {
		resp["decision"] = decision
	}
	if err != nil {
		if errors.Is(err, experiment.ErrAdvanceBlocked) {
			resp["error"] = err.Error()
			jsonResp(w, http.StatusConflict, resp)
			return
		}
		a.studyError(w, err)
		return
	}
	a.log.Info("study action", "study_id", id, "action", action, "by", user.ID)
	jsonResp(w, http.StatusOK, resp)
}

func (a *API) studyError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, experiment.ErrStudyNotFound), errors.Is(err, engine.ErrUnknownAction):
		jsonError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, experiment.ErrStudyTransitionInvalid):
		jsonError(w, err.Error(), http.StatusConflict)
	default:
		a.log.Error("study", "error", err)
		jsonError(w, "study operation failed", http.StatusInternalServerError)
	}
}

// #endregion operator
