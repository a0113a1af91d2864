package assessment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/pavelanni/schoolexam/internal/gradeband"
	"github.com/pavelanni/schoolexam/internal/model"
)

// Start opens a new attempt for the calling student on a schedule.
func (s *Service) Start(ctx context.Context, scheduleID string, meta model.ClientMeta) (model.Attempt, error) {
	studentID, tenantID, err := s.caller(ctx)
	if err != nil {
		return model.Attempt{}, err
	}
	sc, err := s.store.GetSchedule(ctx, tenantID, scheduleID)
	if err != nil {
		return model.Attempt{}, err
	}

	now := s.clock()
	if !sc.InWindow(now) {
		slog.Debug("start rejected: out of window", "student", studentID, "schedule", scheduleID)
		return model.Attempt{}, model.ErrOutOfWindow
	}

	// A stale attempt left in progress past its deadline closes first so it
	// counts toward the limit instead of blocking as active.
	active, err := s.store.ActiveAttempt(ctx, studentID, scheduleID)
	if err != nil {
		return model.Attempt{}, fmt.Errorf("active attempt: %w", err)
	}
	if active != nil && active.Overdue(now) {
		if _, err := s.expire(ctx, *active); err != nil {
			return model.Attempt{}, err
		}
	}

	exam, err := s.store.GetExam(ctx, tenantID, sc.ExamID)
	if err != nil {
		return model.Attempt{}, fmt.Errorf("get exam: %w", err)
	}
	questions, err := s.store.GetQuestionsForExam(ctx, exam.ID)
	if err != nil {
		return model.Attempt{}, fmt.Errorf("get questions: %w", err)
	}

	id := uuid.NewString()
	order, optionOrder := freezeOrder(id, exam, sc, questions)
	a := model.Attempt{
		ID:            id,
		TenantID:      tenantID,
		ScheduleID:    sc.ID,
		ExamID:        exam.ID,
		StudentID:     studentID,
		StartedAt:     now,
		Deadline:      sc.EffectiveDeadline(now),
		QuestionOrder: order,
		OptionOrder:   optionOrder,
		ClientIP:      meta.IP,
		UserAgent:     meta.UserAgent,
	}

	a, err = s.store.StartAttempt(ctx, a, maxAttempts(exam, sc))
	if err != nil {
		if errors.Is(err, model.ErrAttemptLimitExceeded) || errors.Is(err, model.ErrAttemptAlreadyActive) {
			slog.Debug("start rejected", "student", studentID, "schedule", scheduleID, "reason", err)
		}
		return model.Attempt{}, err
	}
	slog.Info("attempt started", "attempt_id", a.ID, "student", studentID,
		"schedule", scheduleID, "questions", len(a.QuestionOrder), "deadline", a.Deadline)
	return a, nil
}

// maxAttempts is the schedule's limit, falling back to the exam's, at least 1.
func maxAttempts(exam model.Exam, sc model.Schedule) int {
	n := sc.MaxAttempts
	if n <= 0 {
		n = exam.MaxAttempts
	}
	if n < 1 {
		n = 1
	}
	return n
}

// RecordAnswer stores the calling student's answer to one question of an
// in-progress attempt, replacing any earlier answer to the same question.
func (s *Service) RecordAnswer(ctx context.Context, attemptID, questionID string, ans model.Answer) (model.StudentAnswer, error) {
	a, err := s.ownAttempt(ctx, attemptID)
	if err != nil {
		return model.StudentAnswer{}, err
	}
	if a.Status != model.AttemptInProgress {
		return model.StudentAnswer{}, model.ErrAttemptNotActive
	}
	now := s.clock()
	if a.Overdue(now) {
		if _, err := s.expire(ctx, a); err != nil {
			return model.StudentAnswer{}, err
		}
		return model.StudentAnswer{}, model.ErrDeadlinePassed
	}
	if !a.Includes(questionID) {
		return model.StudentAnswer{}, model.ErrQuestionNotInAttempt
	}
	q, err := s.store.GetQuestion(ctx, questionID)
	if errors.Is(err, model.ErrNotFound) || (err == nil && q.ExamID != a.ExamID) {
		return model.StudentAnswer{}, model.ErrQuestionNotInAttempt
	}
	if err != nil {
		return model.StudentAnswer{}, err
	}
	if err := ans.Check(q); err != nil {
		return model.StudentAnswer{}, err
	}

	sa := model.StudentAnswer{
		AttemptID:        a.ID,
		QuestionID:       questionID,
		Choice:           ans.Choice,
		Text:             ans.Text,
		TimeSpentSeconds: ans.TimeSpentSeconds,
		AnsweredAt:       now,
	}
	if err := s.store.SaveAnswer(ctx, sa); err != nil {
		return model.StudentAnswer{}, err
	}
	slog.Debug("answer recorded", "attempt_id", a.ID, "question_id", questionID, "blank", ans.Blank())
	return sa, nil
}

// Submit closes the calling student's attempt and grades it. Submitting an
// attempt that is already closed returns its stored result. An attempt past
// its deadline is closed as expired instead.
func (s *Service) Submit(ctx context.Context, attemptID string) (model.AttemptResult, error) {
	a, err := s.ownAttempt(ctx, attemptID)
	if err != nil {
		return model.AttemptResult{}, err
	}
	switch a.Status {
	case model.AttemptInProgress:
	case model.AttemptSubmitted, model.AttemptExpired, model.AttemptGraded:
		return s.result(ctx, a, true)
	default:
		return model.AttemptResult{}, model.ErrAttemptNotActive
	}

	now := s.clock()
	if a.Overdue(now) {
		a, err = s.expire(ctx, a)
	} else {
		a, err = s.closeAttempt(ctx, a, model.CloseSubmitted, now)
	}
	if err != nil {
		return model.AttemptResult{}, err
	}
	return s.result(ctx, a, true)
}

// Expire closes an attempt whose deadline has passed. It is a no-op for
// attempts that are already closed or still within their time.
func (s *Service) Expire(ctx context.Context, attemptID string) (model.Attempt, error) {
	a, err := s.store.GetAttempt(ctx, attemptID)
	if err != nil {
		return model.Attempt{}, err
	}
	if !a.Overdue(s.clock()) {
		return a, nil
	}
	return s.expire(ctx, a)
}

// GetResult returns the calling student's attempt, closing it first if its
// deadline passed unnoticed. Answers of a graded attempt are only included
// when the exam allows review.
func (s *Service) GetResult(ctx context.Context, attemptID string) (model.AttemptResult, error) {
	a, err := s.ownAttempt(ctx, attemptID)
	if err != nil {
		return model.AttemptResult{}, err
	}
	if a, err = s.touch(ctx, a); err != nil {
		return model.AttemptResult{}, err
	}
	exam, err := s.store.GetExam(ctx, a.TenantID, a.ExamID)
	if err != nil {
		return model.AttemptResult{}, err
	}
	return s.result(ctx, a, a.Status == model.AttemptInProgress || exam.AllowReview)
}

// ReviewAttempt returns any attempt of the caller's tenant with its answers.
func (s *Service) ReviewAttempt(ctx context.Context, attemptID string) (model.AttemptResult, error) {
	tenantID, err := s.tenant(ctx)
	if err != nil {
		return model.AttemptResult{}, err
	}
	a, err := s.store.GetAttempt(ctx, attemptID)
	if err != nil {
		return model.AttemptResult{}, err
	}
	if a.TenantID != tenantID {
		return model.AttemptResult{}, model.ErrNotFound
	}
	if a, err = s.touch(ctx, a); err != nil {
		return model.AttemptResult{}, err
	}
	return s.result(ctx, a, true)
}

// StudentAttempts lists the calling student's attempts on a schedule, oldest
// first. Attempts whose deadline passed unnoticed are closed on the way.
func (s *Service) StudentAttempts(ctx context.Context, scheduleID string) ([]model.Attempt, error) {
	studentID, tenantID, err := s.caller(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := s.store.GetSchedule(ctx, tenantID, scheduleID); err != nil {
		return nil, err
	}
	attempts, err := s.store.ListStudentAttempts(ctx, studentID, scheduleID)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	for i, a := range attempts {
		if attempts[i], err = s.touch(ctx, a); err != nil {
			return nil, err
		}
	}
	return attempts, nil
}

// AttemptQuestions returns the questions of the calling student's attempt in
// frozen order, with options in frozen order. Answer keys are hidden unless
// the attempt is graded and the exam shows correct answers.
func (s *Service) AttemptQuestions(ctx context.Context, attemptID string) ([]model.Question, error) {
	a, err := s.ownAttempt(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	if a, err = s.touch(ctx, a); err != nil {
		return nil, err
	}
	exam, err := s.store.GetExam(ctx, a.TenantID, a.ExamID)
	if err != nil {
		return nil, err
	}
	all, err := s.store.GetQuestionsForExam(ctx, a.ExamID)
	if err != nil {
		return nil, err
	}
	reveal := a.Status == model.AttemptGraded && exam.ShowCorrectAnswers

	out := presented(a, all)
	for i := range out {
		out[i].Options = orderOptions(out[i].Options, a.OptionOrder[out[i].ID])
		if !reveal {
			out[i].CorrectAnswer = ""
			out[i].Explanation = ""
		}
	}
	return out, nil
}

// SweepExpired closes every in-progress attempt whose deadline has passed, up
// to limit attempts (0 means no limit). It returns how many it closed.
func (s *Service) SweepExpired(ctx context.Context, limit int) (int, error) {
	attempts, err := s.store.ListInProgress(ctx)
	if err != nil {
		return 0, fmt.Errorf("list in-progress attempts: %w", err)
	}
	now := s.clock()
	closed := 0
	var errs []error
	for _, a := range attempts {
		if limit > 0 && closed >= limit {
			break
		}
		// Ordered by deadline: nothing after this one is overdue.
		if !a.Overdue(now) {
			break
		}
		got, err := s.Expire(ctx, a.ID)
		if err != nil {
			slog.Error("sweep: expire attempt", "attempt_id", a.ID, "error", err)
			errs = append(errs, err)
			continue
		}
		// A concurrent submit may have closed it first.
		if got.CloseReason == model.CloseExpired {
			closed++
		}
	}
	if err := s.store.SetLastSweep(ctx, now); err != nil {
		errs = append(errs, err)
	}
	if closed > 0 {
		slog.Info("sweep finished", "expired", closed)
	}
	return closed, errors.Join(errs...)
}

func (s *Service) ownAttempt(ctx context.Context, attemptID string) (model.Attempt, error) {
	studentID, tenantID, err := s.caller(ctx)
	if err != nil {
		return model.Attempt{}, err
	}
	a, err := s.store.GetAttempt(ctx, attemptID)
	if err != nil {
		return model.Attempt{}, err
	}
	if a.TenantID != tenantID || a.StudentID != studentID {
		return model.Attempt{}, model.ErrNotFound
	}
	return a, nil
}

// touch applies lazy expiry on read.
func (s *Service) touch(ctx context.Context, a model.Attempt) (model.Attempt, error) {
	if !a.Overdue(s.clock()) {
		return a, nil
	}
	return s.expire(ctx, a)
}

// expire closes a with submittedAt at its deadline, so time spent never
// exceeds the allotted duration.
func (s *Service) expire(ctx context.Context, a model.Attempt) (model.Attempt, error) {
	return s.closeAttempt(ctx, a, model.CloseExpired, a.Deadline)
}

// closeAttempt runs the close-and-score path. Questions, schedule and bands are read
// before the closing transaction starts.
func (s *Service) closeAttempt(ctx context.Context, a model.Attempt, reason model.CloseReason, closedAt time.Time) (model.Attempt, error) {
	sc, err := s.store.GetSchedule(ctx, a.TenantID, a.ScheduleID)
	if err != nil {
		return model.Attempt{}, fmt.Errorf("get schedule: %w", err)
	}
	all, err := s.store.GetQuestionsForExam(ctx, a.ExamID)
	if err != nil {
		return model.Attempt{}, fmt.Errorf("get questions: %w", err)
	}
	sets, err := s.store.GradeBandSets(ctx, a.TenantID)
	if err != nil {
		return model.Attempt{}, fmt.Errorf("grade bands: %w", err)
	}
	bands := gradeband.Resolve(sets, a.ExamID, sc.ClassName, sc.Subject)
	questions := presented(a, all)

	grade := func(at model.Attempt, answers []model.StudentAnswer) (model.Attempt, []model.StudentAnswer) {
		res := s.scorer.Score(questions, answers, sc.PassingScore)
		at.Score = res.Score
		at.TotalPoints = res.TotalPoints
		at.Percentage = res.Percentage
		at.Passed = res.Passed
		at.CorrectCount = res.Correct
		at.IncorrectCount = res.Incorrect
		at.BlankCount = res.Blank
		at.UngradedCount = res.Ungraded
		at.GradeLabel = ""
		if len(bands) > 0 {
			b, err := gradeband.Convert(res.Percentage, bands)
			if err != nil {
				slog.Warn("grade conversion", "attempt_id", at.ID, "percentage", res.Percentage, "error", err)
			} else {
				at.GradeLabel = b.Label
			}
		}
		return at, res.Answers
	}

	closed, didClose, err := s.store.CloseAttempt(ctx, a.ID, reason, closedAt, grade)
	if err != nil {
		slog.Error("close attempt", "attempt_id", a.ID, "reason", reason, "error", err)
		return model.Attempt{}, err
	}
	if didClose {
		slog.Info("attempt closed", "attempt_id", a.ID, "reason", reason,
			"score", closed.Score, "percentage", closed.Percentage, "grade", closed.GradeLabel)
	}
	return closed, nil
}

func (s *Service) result(ctx context.Context, a model.Attempt, withAnswers bool) (model.AttemptResult, error) {
	res := model.AttemptResult{
		Attempt:       a,
		AutoSubmitted: a.CloseReason == model.CloseExpired,
	}
	if !withAnswers {
		return res, nil
	}
	answers, err := s.store.ListAnswers(ctx, a.ID)
	if err != nil {
		return model.AttemptResult{}, fmt.Errorf("list answers: %w", err)
	}
	res.Answers = answers
	return res, nil
}

// presented returns the attempt's questions in frozen order.
func presented(a model.Attempt, all []model.Question) []model.Question {
	byID := make(map[string]model.Question, len(all))
	for _, q := range all {
		byID[q.ID] = q
	}
	out := make([]model.Question, 0, len(a.QuestionOrder))
	for _, id := range a.QuestionOrder {
		if q, ok := byID[id]; ok {
			out = append(out, q)
		}
	}
	return out
}
