package assessment

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pavelanni/schoolexam/internal/gradeband"
	"github.com/pavelanni/schoolexam/internal/model"
)

// CreateExam validates and stores an exam with its questions for the caller's
// tenant.
func (s *Service) CreateExam(ctx context.Context, in model.ExamImport) (model.ExamImport, error) {
	tenantID, err := s.tenant(ctx)
	if err != nil {
		return model.ExamImport{}, err
	}
	if err := validateExam(in); err != nil {
		return model.ExamImport{}, err
	}
	in.Exam.TenantID = tenantID
	in.Exam.ID = ""
	in.Exam.CreatedAt = s.clock()
	exam, questions, err := s.store.CreateExam(ctx, in.Exam, in.Questions)
	if err != nil {
		return model.ExamImport{}, err
	}
	slog.Info("exam created", "exam_id", exam.ID, "tenant", tenantID, "questions", len(questions))
	return model.ExamImport{Exam: exam, Questions: questions}, nil
}

// ReplaceQuestions swaps the question set of an exam that has no attempts yet.
func (s *Service) ReplaceQuestions(ctx context.Context, examID string, questions []model.Question) ([]model.Question, error) {
	tenantID, err := s.tenant(ctx)
	if err != nil {
		return nil, err
	}
	exam, err := s.store.GetExam(ctx, tenantID, examID)
	if err != nil {
		return nil, err
	}
	if err := validateExam(model.ExamImport{Exam: exam, Questions: questions}); err != nil {
		return nil, err
	}
	return s.store.PutQuestions(ctx, examID, questions)
}

// Questions returns every question of an exam of the caller's tenant,
// answer keys included.
func (s *Service) Questions(ctx context.Context, examID string) ([]model.Question, error) {
	tenantID, err := s.tenant(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := s.store.GetExam(ctx, tenantID, examID); err != nil {
		return nil, err
	}
	return s.store.GetQuestionsForExam(ctx, examID)
}

// CreateSchedule stores a sitting of an exam for the caller's tenant.
func (s *Service) CreateSchedule(ctx context.Context, sc model.Schedule) (model.Schedule, error) {
	tenantID, err := s.tenant(ctx)
	if err != nil {
		return model.Schedule{}, err
	}
	sc.TenantID = tenantID
	sc.ID = ""
	sc, err = s.store.CreateSchedule(ctx, sc)
	if err != nil {
		return model.Schedule{}, err
	}
	slog.Info("schedule created", "schedule_id", sc.ID, "exam_id", sc.ExamID,
		"start", sc.StartTime, "end", sc.EndTime)
	return sc, nil
}

// ConfigureBands validates and stores the grade bands of one scope. Gaps in
// coverage are accepted and reported; attempts falling into a gap get no
// label.
func (s *Service) ConfigureBands(ctx context.Context, scope model.BandScope, ref string, bands []model.GradeBand) (gradeband.Report, error) {
	tenantID, err := s.tenant(ctx)
	if err != nil {
		return gradeband.Report{}, err
	}
	switch scope {
	case model.ScopeTenant:
	case model.ScopeExam, model.ScopeClass, model.ScopeSubject:
		if ref == "" {
			return gradeband.Report{}, fmt.Errorf("%w: %s scope needs a reference", model.ErrInvalidBands, scope)
		}
	default:
		return gradeband.Report{}, fmt.Errorf("%w: unknown scope %q", model.ErrInvalidBands, scope)
	}
	rep, err := gradeband.CheckCoverage(bands)
	if err != nil {
		return gradeband.Report{}, err
	}
	if err := s.store.PutGradeBands(ctx, tenantID, scope, ref, bands); err != nil {
		return gradeband.Report{}, err
	}
	if !rep.Complete() {
		slog.Warn("grade bands leave gaps", "tenant", tenantID, "scope", scope, "ref", ref, "gaps", len(rep.Gaps))
	}
	return rep, nil
}

// Export builds the result export of an exam of the caller's tenant.
func (s *Service) Export(ctx context.Context, examID string) (model.ExamExport, error) {
	tenantID, err := s.tenant(ctx)
	if err != nil {
		return model.ExamExport{}, err
	}
	return s.store.ExportExam(ctx, tenantID, examID)
}

func validateExam(in model.ExamImport) error {
	if in.Exam.Title == "" {
		return fmt.Errorf("%w: title is required", model.ErrInvalidExam)
	}
	switch in.Exam.Type {
	case "", model.ExamQuiz, model.ExamMidterm, model.ExamFinal, model.ExamAssignment, model.ExamPractice:
	default:
		return fmt.Errorf("%w: unknown exam type %q", model.ErrInvalidExam, in.Exam.Type)
	}
	for i, q := range in.Questions {
		if err := validateQuestion(q); err != nil {
			return fmt.Errorf("question %d: %w", i+1, err)
		}
	}
	return nil
}

func validateQuestion(q model.Question) error {
	if !q.Type.Valid() {
		return fmt.Errorf("%w: unknown question type %q", model.ErrInvalidExam, q.Type)
	}
	if q.Points < 0 {
		return fmt.Errorf("%w: negative points", model.ErrInvalidExam)
	}
	switch q.Type {
	case model.QuestionMultipleChoice:
		if len(q.Options) < 2 {
			return fmt.Errorf("%w: multiple choice needs at least two options", model.ErrInvalidExam)
		}
		seen := make(map[string]bool, len(q.Options))
		for _, o := range q.Options {
			if o.Key == "" || seen[o.Key] {
				return fmt.Errorf("%w: option keys must be unique and non-empty", model.ErrInvalidExam)
			}
			seen[o.Key] = true
		}
		if !seen[q.CorrectAnswer] {
			return fmt.Errorf("%w: correct answer %q is not an option", model.ErrInvalidExam, q.CorrectAnswer)
		}
	case model.QuestionTrueFalse:
		if !q.HasOption(q.CorrectAnswer) {
			return fmt.Errorf("%w: true/false answer must be \"true\" or \"false\"", model.ErrInvalidExam)
		}
	}
	return nil
}
