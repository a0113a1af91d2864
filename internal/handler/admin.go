package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pavelanni/schoolexam/internal/gradeband"
	appI18n "github.com/pavelanni/schoolexam/internal/i18n"
	"github.com/pavelanni/schoolexam/internal/model"
)

func (h *Handler) adminRoutes(r chi.Router) {
	r.Post("/exams", h.handleCreateExam)
	r.Get("/exams/{examID}/questions", h.handleListQuestions)
	r.Put("/exams/{examID}/questions", h.handleReplaceQuestions)
	r.Get("/exams/{examID}/export", h.handleExport)
	r.Post("/exams/{examID}/analysis", h.handleRunAnalysis)
	r.Get("/exams/{examID}/analysis", h.handleGetAnalysis)
	r.Post("/schedules", h.handleCreateSchedule)
	r.Put("/grade-bands", h.handlePutGradeBands)
}

func (h *Handler) handleCreateExam(w http.ResponseWriter, r *http.Request) {
	var in model.ExamImport
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	out, err := h.svc.CreateExam(r.Context(), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

func (h *Handler) handleListQuestions(w http.ResponseWriter, r *http.Request) {
	qs, err := h.svc.Questions(r.Context(), chi.URLParam(r, "examID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, qs)
}

func (h *Handler) handleReplaceQuestions(w http.ResponseWriter, r *http.Request) {
	var qs []model.Question
	if err := decodeJSON(w, r, &qs); err != nil {
		writeError(w, r, err)
		return
	}
	out, err := h.svc.ReplaceQuestions(r.Context(), chi.URLParam(r, "examID"), qs)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	var sc model.Schedule
	if err := decodeJSON(w, r, &sc); err != nil {
		writeError(w, r, err)
		return
	}
	out, err := h.svc.CreateSchedule(r.Context(), sc)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

type gradeBandsRequest struct {
	Scope model.BandScope   `json:"scope"`
	Ref   string            `json:"ref"`
	Bands []model.GradeBand `json:"bands"`
}

type gradeBandsResponse struct {
	Complete bool            `json:"complete"`
	Gaps     []gradeband.Gap `json:"gaps,omitempty"`
	Overlaps [][2]int        `json:"overlaps,omitempty"`
	Notice   string          `json:"notice,omitempty"`
}

func (h *Handler) handlePutGradeBands(w http.ResponseWriter, r *http.Request) {
	var req gradeBandsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	rep, err := h.svc.ConfigureBands(r.Context(), req.Scope, req.Ref, req.Bands)
	if err != nil {
		writeError(w, r, err)
		return
	}
	resp := gradeBandsResponse{Complete: rep.Complete(), Gaps: rep.Gaps, Overlaps: rep.Overlaps}
	if !rep.Complete() {
		resp.Notice = appI18n.Tp(r.Context(), "BandGaps", len(rep.Gaps))
	}
	writeJSON(w, http.StatusOK, resp)
}

// itemAnalysisView adds localized narratives to a stored result.
type itemAnalysisView struct {
	model.ItemAnalysis
	QualityText        string `json:"quality_text"`
	RecommendationText string `json:"recommendation_text"`
}

type analysisResponse struct {
	ExamID  string             `json:"exam_id"`
	Summary string             `json:"summary,omitempty"`
	Items   []itemAnalysisView `json:"items"`
}

var qualityMessages = map[model.DiscriminationQuality]string{
	model.DiscriminationUndefined:  "QualityUndefined",
	model.DiscriminationPoor:       "QualityPoor",
	model.DiscriminationAcceptable: "QualityAcceptable",
	model.DiscriminationGood:       "QualityGood",
}

var recommendationMessages = map[model.Recommendation]string{
	model.RecommendKeep:             "RecommendKeep",
	model.RecommendReviewKey:        "RecommendReviewKey",
	model.RecommendRevise:           "RecommendRevise",
	model.RecommendTooEasy:          "RecommendTooEasy",
	model.RecommendTooHard:          "RecommendTooHard",
	model.RecommendManualReview:     "RecommendManualReview",
	model.RecommendInsufficientData: "RecommendInsufficientData",
}

func (h *Handler) analysisResponse(r *http.Request, examID string, items []model.ItemAnalysis) analysisResponse {
	resp := analysisResponse{ExamID: examID, Items: make([]itemAnalysisView, 0, len(items))}
	for _, it := range items {
		resp.Items = append(resp.Items, itemAnalysisView{
			ItemAnalysis:       it,
			QualityText:        appI18n.T(r.Context(), qualityMessages[it.DiscriminationQuality]),
			RecommendationText: appI18n.T(r.Context(), recommendationMessages[it.Recommendation]),
		})
	}
	return resp
}

func (h *Handler) handleRunAnalysis(w http.ResponseWriter, r *http.Request) {
	examID := chi.URLParam(r, "examID")
	run, err := h.svc.RunItemAnalysis(r.Context(), examID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	resp := h.analysisResponse(r, examID, run.Items)
	resp.Summary = appI18n.Tp(r.Context(), "AttemptsAnalyzed", run.Attempts)
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleGetAnalysis(w http.ResponseWriter, r *http.Request) {
	examID := chi.URLParam(r, "examID")
	items, err := h.svc.GetItemAnalysis(r.Context(), examID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.analysisResponse(r, examID, items))
}

func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	exp, err := h.svc.Export(r.Context(), chi.URLParam(r, "examID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, exp)
}
