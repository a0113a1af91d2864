package store

import (
	"context"
	"fmt"
	"time"

	"github.com/pavelanni/schoolexam/internal/model"
)

// ExportExam builds the export document for an exam: every graded attempt
// with per-question outcomes, plus the cached item analysis.
func (s *Store) ExportExam(ctx context.Context, tenantID, examID string) (model.ExamExport, error) {
	exam, err := s.GetExam(ctx, tenantID, examID)
	if err != nil {
		return model.ExamExport{}, fmt.Errorf("get exam: %w", err)
	}
	questions, err := s.GetQuestionsForExam(ctx, examID)
	if err != nil {
		return model.ExamExport{}, fmt.Errorf("list questions: %w", err)
	}
	byID := make(map[string]model.Question, len(questions))
	for _, q := range questions {
		byID[q.ID] = q
	}

	attempts, err := s.ListGradedAttempts(ctx, examID)
	if err != nil {
		return model.ExamExport{}, fmt.Errorf("list attempts: %w", err)
	}
	answers, err := s.ListGradedAnswers(ctx, examID)
	if err != nil {
		return model.ExamExport{}, fmt.Errorf("list answers: %w", err)
	}

	// Attempts arrive ordered by student and start time.
	attemptNumber := make(map[string]int)

	results := make([]model.StudentResult, 0, len(attempts))
	for _, a := range attempts {
		key := a.StudentID + "/" + a.ScheduleID
		attemptNumber[key]++

		given := make(map[string]model.StudentAnswer, len(answers[a.ID]))
		for _, ans := range answers[a.ID] {
			given[ans.QuestionID] = ans
		}

		qs := make([]model.QuestionResult, 0, len(a.QuestionOrder))
		for _, qid := range a.QuestionOrder {
			q := byID[qid]
			qr := model.QuestionResult{
				QuestionID: qid,
				Text:       q.Text,
				Type:       q.Type,
				Points:     q.Points,
				Outcome:    model.OutcomeBlank,
			}
			if ans, ok := given[qid]; ok {
				qr.Answer = ans.Choice
				if qr.Answer == "" {
					qr.Answer = ans.Text
				}
				qr.Outcome = ans.Outcome
				qr.PointsAwarded = ans.PointsAwarded
			}
			qs = append(qs, qr)
		}

		results = append(results, model.StudentResult{
			StudentID:     a.StudentID,
			ScheduleID:    a.ScheduleID,
			AttemptNumber: attemptNumber[key],
			CloseReason:   a.CloseReason,
			StartedAt:     a.StartedAt,
			SubmittedAt:   a.SubmittedAt,
			TimeSpent:     a.TimeSpentSeconds,
			Score:         a.Score,
			TotalPoints:   a.TotalPoints,
			Percentage:    a.Percentage,
			Passed:        a.Passed,
			GradeLabel:    a.GradeLabel,
			Questions:     qs,
		})
	}

	analysis, err := s.ListItemAnalysis(ctx, examID)
	if err != nil {
		return model.ExamExport{}, fmt.Errorf("list item analysis: %w", err)
	}

	return model.ExamExport{
		ExamID:       exam.ID,
		Title:        exam.Title,
		Type:         exam.Type,
		NumQuestions: len(questions),
		ExportedAt:   time.Now().UTC(),
		Results:      results,
		ItemAnalysis: analysis,
	}, nil
}
