package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/GiftExplain/internal/experiment"
	"github.com/BTreeMap/GiftExplain/internal/export"
	"github.com/BTreeMap/GiftExplain/internal/models"
)

type startResult struct {
	ID              string                 `json:"id"`
	OrderAssignment models.OrderAssignment `json:"experimentOrder"`
	Product         models.Product         `json:"product"`
	Explanations    models.Explanations    `json:"explanations"`
	CurrentStep     int                    `json:"currentStep"`
}

type stepRequest struct {
	Step *int `json:"step"`
}

type stepResult struct {
	CurrentStep int `json:"currentStep"`
}

type completionResult struct {
	CurrentStep int        `json:"currentStep"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

type resumeResult struct {
	Experiment *models.ExperimentRecord `json:"experiment"`
	Screen     experiment.Screen        `json:"screen"`
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]string{"status": "healthy"}))
}

// startHandler handles POST /experiment/start
func (s *Server) startHandler(w http.ResponseWriter, r *http.Request) {
	var persona models.Persona
	if !decodeJSON(w, r, &persona) {
		return
	}
	rec, err := s.svc.Start(r.Context(), persona)
	if err != nil {
		writeServiceError(w, "start", err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, models.SuccessWithMessage("Experiment started", startResult{
		ID:              rec.ID,
		OrderAssignment: rec.OrderAssignment,
		Product:         rec.Product,
		Explanations:    rec.Explanations,
		CurrentStep:     rec.CurrentStep,
	}))
}

// getExperimentHandler handles GET /experiment/{id}
func (s *Server) getExperimentHandler(w http.ResponseWriter, r *http.Request) {
	rec, err := s.svc.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, "get", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(rec))
}

// resumeHandler handles GET /experiment/{id}/resume
func (s *Server) resumeHandler(w http.ResponseWriter, r *http.Request) {
	rec, screen, err := s.svc.Resume(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, "resume", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(resumeResult{Experiment: rec, Screen: screen}))
}

// advanceStepHandler handles PATCH /experiment/{id}/step
func (s *Server) advanceStepHandler(w http.ResponseWriter, r *http.Request) {
	var req stepRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Step == nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("step: is required"))
		return
	}
	rec, err := s.svc.AdvanceStep(r.Context(), r.PathValue("id"), *req.Step)
	if err != nil {
		writeServiceError(w, "advance", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(stepResult{CurrentStep: rec.CurrentStep}))
}

// surveyHandler handles POST /experiment/{id}/survey
func (s *Server) surveyHandler(w http.ResponseWriter, r *http.Request) {
	var sub models.SurveySubmission
	if !decodeJSON(w, r, &sub) {
		return
	}
	rec, err := s.svc.SubmitSurvey(r.Context(), r.PathValue("id"), sub)
	if err != nil {
		writeServiceError(w, "survey", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.RecordedWithMessage("Survey response recorded", stepResult{CurrentStep: rec.CurrentStep}))
}

// comparisonHandler handles POST /experiment/{id}/comparison
func (s *Server) comparisonHandler(w http.ResponseWriter, r *http.Request) {
	var fc models.FinalComparison
	if !decodeJSON(w, r, &fc) {
		return
	}
	rec, err := s.svc.SubmitComparison(r.Context(), r.PathValue("id"), fc)
	if err != nil {
		writeServiceError(w, "comparison", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.RecordedWithMessage("Comparison recorded", stepResult{CurrentStep: rec.CurrentStep}))
}

// demographicsHandler handles POST /experiment/{id}/demographics
func (s *Server) demographicsHandler(w http.ResponseWriter, r *http.Request) {
	var d models.Demographics
	if !decodeJSON(w, r, &d) {
		return
	}
	rec, err := s.svc.SubmitDemographics(r.Context(), r.PathValue("id"), d)
	if err != nil {
		writeServiceError(w, "demographics", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.RecordedWithMessage("Demographics recorded", completionResult{
		CurrentStep: rec.CurrentStep,
		CompletedAt: rec.CompletedAt,
	}))
}

// trackingHandler handles POST /experiment/{id}/tracking
func (s *Server) trackingHandler(w http.ResponseWriter, r *http.Request) {
	var batch models.TrackingBatch
	if !decodeJSON(w, r, &batch) {
		return
	}
	_, applied, err := s.svc.RecordTracking(r.Context(), r.PathValue("id"), batch)
	if err != nil {
		writeServiceError(w, "tracking", err)
		return
	}
	msg := "Tracking data recorded"
	if !applied {
		msg = "Tracking batch already recorded"
	}
	writeJSONResponse(w, http.StatusOK, models.RecordedWithMessage(msg, map[string]bool{"applied": applied}))
}

// clickEventHandler handles POST /experiment/{id}/click-event
func (s *Server) clickEventHandler(w http.ResponseWriter, r *http.Request) {
	var click models.ButtonClick
	if !decodeJSON(w, r, &click) {
		return
	}
	if _, err := s.svc.RecordClick(r.Context(), r.PathValue("id"), click); err != nil {
		writeServiceError(w, "click", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.RecordedWithMessage("Click event recorded", nil))
}

// recipientHandler handles PATCH /experiment/{id}/recipient
func (s *Server) recipientHandler(w http.ResponseWriter, r *http.Request) {
	var upd models.RecipientUpdate
	if !decodeJSON(w, r, &upd) {
		return
	}
	rec, err := s.svc.UpdateRecipient(r.Context(), r.PathValue("id"), upd)
	if err != nil {
		writeServiceError(w, "recipient", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Recipient updated", rec.Persona))
}

// shareHandler handles POST /experiment/{id}/share
func (s *Server) shareHandler(w http.ResponseWriter, r *http.Request) {
	msg, err := s.svc.ShareMessage(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, "share", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]string{"message": msg}))
}

// listExperimentsHandler handles GET /experiments
func (s *Server) listExperimentsHandler(w http.ResponseWriter, r *http.Request) {
	recs, err := s.svc.List(r.Context())
	if err != nil {
		writeServiceError(w, "list", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(recs))
}

// exportHandler handles GET /experiments/export?format=json|csv|xlsx
func (s *Server) exportHandler(w http.ResponseWriter, r *http.Request) {
	format, err := export.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	recs, err := s.svc.List(r.Context())
	if err != nil {
		writeServiceError(w, "export", err)
		return
	}
	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", "attachment; filename="+format.Filename())
	if err := export.Write(w, format, recs); err != nil {
		// headers are already sent; the client sees a truncated file
		slog.Error("Server.exportHandler: export failed", "format", format, "error", err)
		return
	}
	slog.Info("Server.exportHandler: export completed", "format", format, "experiments", len(recs))
}

// balanceHandler handles GET /experiments/balance
func (s *Server) balanceHandler(w http.ResponseWriter, r *http.Request) {
	report, err := s.svc.Balance(r.Context())
	if err != nil {
		writeServiceError(w, "balance", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(report))
}
