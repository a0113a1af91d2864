package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pavelanni/schoolexam/internal/assessment"
	appI18n "github.com/pavelanni/schoolexam/internal/i18n"
	"github.com/pavelanni/schoolexam/internal/model"
)

const maxBodyBytes = 1 << 20

var (
	errForbidden  = errors.New("forbidden")
	errBadRequest = errors.New("bad request")
)

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	svc  *assessment.Service
	auth *Auth
}

// New creates a new Handler.
func New(svc *assessment.Service, auth *Auth) *Handler {
	return &Handler{svc: svc, auth: auth}
}

// Routes registers all API routes. Every route needs a bearer token.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Use(h.authenticate)

		r.Group(func(r chi.Router) {
			r.Use(requireRole(model.UserRoleStudent))
			r.Post("/schedules/{scheduleID}/attempts", h.handleStartAttempt)
		r.Get("/schedules/{scheduleID}/attempts", h.handleListAttempts)
			r.Get("/attempts/{attemptID}/questions", h.handleAttemptQuestions)
			r.Put("/attempts/{attemptID}/answers/{questionID}", h.handleRecordAnswer)
			r.Post("/attempts/{attemptID}/submit", h.handleSubmit)
		})

		r.Get("/attempts/{attemptID}", h.handleGetAttempt)

		r.Group(func(r chi.Router) {
			r.Use(requireRole(model.UserRoleTeacher, model.UserRoleAdmin))
			h.adminRoutes(r)
		})
	})
}

// attemptResponse is an attempt result plus a localized notice when the
// attempt closed because time ran out.
type attemptResponse struct {
	model.AttemptResult
	Notice string `json:"notice,omitempty"`
}

func (h *Handler) handleStartAttempt(w http.ResponseWriter, r *http.Request) {
	meta := model.ClientMeta{IP: clientIP(r), UserAgent: r.UserAgent()}
	a, err := h.svc.Start(r.Context(), chi.URLParam(r, "scheduleID"), meta)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func (h *Handler) handleListAttempts(w http.ResponseWriter, r *http.Request) {
	attempts, err := h.svc.StudentAttempts(r.Context(), chi.URLParam(r, "scheduleID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if attempts == nil {
		attempts = []model.Attempt{}
	}
	writeJSON(w, http.StatusOK, attempts)
}

func (h *Handler) handleAttemptQuestions(w http.ResponseWriter, r *http.Request) {
	qs, err := h.svc.AttemptQuestions(r.Context(), chi.URLParam(r, "attemptID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, qs)
}

func (h *Handler) handleRecordAnswer(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, r, errBadRequest)
		return
	}
	ans, err := model.DecodeAnswer(raw)
	if err != nil {
		writeError(w, r, err)
		return
	}
	saved, err := h.svc.RecordAnswer(r.Context(), chi.URLParam(r, "attemptID"), chi.URLParam(r, "questionID"), ans)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.Submit(r.Context(), chi.URLParam(r, "attemptID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.attemptResponse(r, res))
}

func (h *Handler) handleGetAttempt(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "attemptID")
	var (
		res model.AttemptResult
		err error
	)
	var role model.UserRole
	if p := model.PrincipalFromContext(r.Context()); p != nil {
		role = p.Role
	}
	switch role {
	case model.UserRoleStudent:
		res, err = h.svc.GetResult(r.Context(), id)
	case model.UserRoleTeacher, model.UserRoleAdmin:
		res, err = h.svc.ReviewAttempt(r.Context(), id)
	default:
		err = errForbidden
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.attemptResponse(r, res))
}

func (h *Handler) attemptResponse(r *http.Request, res model.AttemptResult) attemptResponse {
	out := attemptResponse{AttemptResult: res}
	if res.AutoSubmitted {
		out.Notice = appI18n.T(r.Context(), "NoticeAutoSubmitted")
	}
	return out
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		slog.Debug("decode request body", "path", r.URL.Path, "error", err)
		return errBadRequest
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// errorKinds maps domain errors to a status, a stable code and a message id.
var errorKinds = []struct {
	err    error
	status int
	code   string
	msgID  string
}{
	{model.ErrOutOfWindow, http.StatusConflict, "out_of_window", "ErrOutOfWindow"},
	{model.ErrAttemptLimitExceeded, http.StatusConflict, "attempt_limit_exceeded", "ErrAttemptLimitExceeded"},
	{model.ErrAttemptAlreadyActive, http.StatusConflict, "attempt_already_active", "ErrAttemptAlreadyActive"},
	{model.ErrAttemptNotActive, http.StatusConflict, "attempt_not_active", "ErrAttemptNotActive"},
	{model.ErrDeadlinePassed, http.StatusConflict, "deadline_passed", "ErrDeadlinePassed"},
	{model.ErrExamLocked, http.StatusConflict, "exam_locked", "ErrExamLocked"},
	{model.ErrQuestionNotInAttempt, http.StatusUnprocessableEntity, "question_not_in_attempt", "ErrQuestionNotInAttempt"},
	{model.ErrNoMatchingBand, http.StatusUnprocessableEntity, "no_matching_band", "ErrNoMatchingBand"},
	{model.ErrInsufficientData, http.StatusUnprocessableEntity, "insufficient_data", "ErrInsufficientData"},
	{model.ErrInvalidExam, http.StatusUnprocessableEntity, "invalid_exam", "ErrInvalidExam"},
	{model.ErrInvalidAnswer, http.StatusUnprocessableEntity, "invalid_answer", "ErrInvalidAnswer"},
	{model.ErrInvalidSchedule, http.StatusUnprocessableEntity, "invalid_schedule", "ErrInvalidSchedule"},
	{model.ErrInvalidBands, http.StatusUnprocessableEntity, "invalid_bands", "ErrInvalidBands"},
	{model.ErrNotFound, http.StatusNotFound, "not_found", "ErrNotFound"},
	{model.ErrUnauthenticated, http.StatusUnauthorized, "unauthenticated", "ErrUnauthenticated"},
	{errForbidden, http.StatusForbidden, "forbidden", "ErrForbidden"},
	{errBadRequest, http.StatusBadRequest, "bad_request", "ErrBadRequest"},
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	for _, k := range errorKinds {
		if errors.Is(err, k.err) {
			writeJSON(w, k.status, errorBody{Error: k.code, Message: appI18n.T(r.Context(), k.msgID)})
			return
		}
	}
	slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	writeJSON(w, http.StatusInternalServerError, errorBody{
		Error:   "internal",
		Message: appI18n.T(r.Context(), "ErrInternal"),
	})
}
