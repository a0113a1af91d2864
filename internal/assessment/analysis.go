package assessment

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pavelanni/schoolexam/internal/analysis"
	"github.com/pavelanni/schoolexam/internal/model"
)

// AnalysisRun is the outcome of one item analysis run.
type AnalysisRun struct {
	ExamID   string
	Attempts int // graded attempts considered
	Items    []model.ItemAnalysis
}

// RunItemAnalysis recomputes the item analysis of an exam from all of its
// graded attempts and replaces the stored results. Concurrent runs for the
// same exam share one computation, which outlives any single caller.
func (s *Service) RunItemAnalysis(ctx context.Context, examID string) (AnalysisRun, error) {
	tenantID, err := s.tenant(ctx)
	if err != nil {
		return AnalysisRun{}, err
	}
	if _, err := s.store.GetExam(ctx, tenantID, examID); err != nil {
		return AnalysisRun{}, err
	}
	runCtx := context.WithoutCancel(ctx)
	v, err, shared := s.analysisRuns.Do(examID, func() (any, error) {
		return s.runItemAnalysis(runCtx, examID)
	})
	if err != nil {
		return AnalysisRun{}, err
	}
	if shared {
		slog.Debug("item analysis shared with concurrent run", "exam_id", examID)
	}
	return v.(AnalysisRun), nil
}

func (s *Service) runItemAnalysis(ctx context.Context, examID string) (AnalysisRun, error) {
	questions, err := s.store.GetQuestionsForExam(ctx, examID)
	if err != nil {
		return AnalysisRun{}, fmt.Errorf("get questions: %w", err)
	}
	attempts, err := s.store.ListGradedAttempts(ctx, examID)
	if err != nil {
		return AnalysisRun{}, fmt.Errorf("list graded attempts: %w", err)
	}
	answers, err := s.store.ListGradedAnswers(ctx, examID)
	if err != nil {
		return AnalysisRun{}, fmt.Errorf("list graded answers: %w", err)
	}

	responses := make([]analysis.Response, 0, len(attempts))
	for _, a := range attempts {
		byQuestion := make(map[string]model.StudentAnswer, len(answers[a.ID]))
		for _, ans := range answers[a.ID] {
			byQuestion[ans.QuestionID] = ans
		}
		responses = append(responses, analysis.Response{
			AttemptID:  a.ID,
			Percentage: a.Percentage,
			Presented:  a.QuestionOrder,
			Answers:    byQuestion,
		})
	}

	results, err := analysis.Analyze(examID, questions, responses, s.clock())
	if err != nil {
		return AnalysisRun{}, err
	}
	if err := s.store.ReplaceItemAnalysis(ctx, examID, results); err != nil {
		return AnalysisRun{}, fmt.Errorf("store item analysis: %w", err)
	}
	slog.Info("item analysis finished", "exam_id", examID, "attempts", len(attempts), "questions", len(results))
	return AnalysisRun{ExamID: examID, Attempts: len(attempts), Items: results}, nil
}

// GetItemAnalysis returns the stored item analysis of an exam.
func (s *Service) GetItemAnalysis(ctx context.Context, examID string) ([]model.ItemAnalysis, error) {
	tenantID, err := s.tenant(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := s.store.GetExam(ctx, tenantID, examID); err != nil {
		return nil, err
	}
	return s.store.ListItemAnalysis(ctx, examID)
}
