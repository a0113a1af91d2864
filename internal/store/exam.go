package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/pavelanni/schoolexam/internal/model"
)

const examColumns = `id, tenant_id, title, type, instructions, randomize_questions,
	randomize_answers, allow_review, show_correct_answers, max_attempts, created_at`

const questionColumns = `id, exam_id, text, type, options, correct_answer, explanation,
	points, difficulty, active, display_order`

const scheduleColumns = `id, tenant_id, exam_id, class_name, subject, teacher_id,
	start_time, end_time, duration_minutes, total_questions, total_score,
	passing_score, max_attempts`

// CreateExam inserts an exam together with its questions. Missing ids are
// generated; questions without an explicit order keep their slice position.
func (s *Store) CreateExam(ctx context.Context, e model.Exam, questions []model.Question) (model.Exam, []model.Question, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Type == "" {
		e.Type = model.ExamQuiz
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	questions = prepareQuestions(e.ID, questions)

	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, s.rebind(
			`INSERT INTO exams (`+examColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			e.ID, e.TenantID, e.Title, e.Type, e.Instructions, e.RandomizeQuestions,
			e.RandomizeAnswers, e.AllowReview, e.ShowCorrectAnswers, e.MaxAttempts, e.CreatedAt.UTC(),
		)
		if err != nil {
			return fmt.Errorf("insert exam: %w", err)
		}
		return s.insertQuestions(ctx, tx, questions)
	})
	if err != nil {
		return model.Exam{}, nil, err
	}
	return e, questions, nil
}

// PutQuestions replaces the question set of an exam. Once any attempt exists
// the exam is locked and ErrExamLocked is returned.
func (s *Store) PutQuestions(ctx context.Context, examID string, questions []model.Question) ([]model.Question, error) {
	questions = prepareQuestions(examID, questions)
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		n, err := s.countAttempts(ctx, tx, examID)
		if err != nil {
			return err
		}
		if n > 0 {
			return model.ErrExamLocked
		}
		if _, err := tx.ExecContext(ctx, s.rebind(
			`DELETE FROM exam_questions WHERE exam_id = ?`), examID); err != nil {
			return err
		}
		return s.insertQuestions(ctx, tx, questions)
	})
	if err != nil {
		return nil, err
	}
	return questions, nil
}

func prepareQuestions(examID string, questions []model.Question) []model.Question {
	out := make([]model.Question, len(questions))
	for i, q := range questions {
		if q.ID == "" {
			q.ID = uuid.NewString()
		}
		q.ExamID = examID
		if q.DisplayOrder == 0 {
			q.DisplayOrder = i + 1
		}
		if q.Difficulty == "" {
			q.Difficulty = model.DifficultyMedium
		}
		out[i] = q
	}
	return out
}

func (s *Store) insertQuestions(ctx context.Context, tx *sqlx.Tx, questions []model.Question) error {
	query := s.rebind(`INSERT INTO exam_questions (` + questionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	for _, q := range questions {
		_, err := tx.ExecContext(ctx, query,
			q.ID, q.ExamID, q.Text, q.Type, q.Options, q.CorrectAnswer, q.Explanation,
			q.Points, q.Difficulty, q.Active, q.DisplayOrder,
		)
		if err != nil {
			return fmt.Errorf("insert question %s: %w", q.ID, err)
		}
	}
	return nil
}

// GetExam returns an exam of the tenant, or ErrNotFound.
func (s *Store) GetExam(ctx context.Context, tenantID, id string) (model.Exam, error) {
	var e model.Exam
	err := s.db.GetContext(ctx, &e, s.rebind(
		`SELECT `+examColumns+` FROM exams WHERE id = ? AND tenant_id = ?`), id, tenantID)
	if errors.Is(err, sql.ErrNoRows) {
		return e, model.ErrNotFound
	}
	return e, err
}

// ListExams returns the tenant's exams, newest first.
func (s *Store) ListExams(ctx context.Context, tenantID string) ([]model.Exam, error) {
	var exams []model.Exam
	err := s.db.SelectContext(ctx, &exams, s.rebind(
		`SELECT `+examColumns+` FROM exams WHERE tenant_id = ? ORDER BY created_at DESC, id`), tenantID)
	return exams, err
}

// GetQuestionsForExam returns every question of an exam in authored order,
// including inactive ones.
func (s *Store) GetQuestionsForExam(ctx context.Context, examID string) ([]model.Question, error) {
	var qs []model.Question
	err := s.db.SelectContext(ctx, &qs, s.rebind(
		`SELECT `+questionColumns+` FROM exam_questions WHERE exam_id = ? ORDER BY display_order, id`), examID)
	return qs, err
}

// GetQuestion returns a single question, or ErrNotFound.
func (s *Store) GetQuestion(ctx context.Context, id string) (model.Question, error) {
	var q model.Question
	err := s.db.GetContext(ctx, &q, s.rebind(
		`SELECT `+questionColumns+` FROM exam_questions WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return q, model.ErrNotFound
	}
	return q, err
}

// CreateSchedule validates and inserts a schedule. The exam must belong to the
// same tenant.
func (s *Store) CreateSchedule(ctx context.Context, sc model.Schedule) (model.Schedule, error) {
	if err := sc.Validate(); err != nil {
		return sc, err
	}
	if _, err := s.GetExam(ctx, sc.TenantID, sc.ExamID); err != nil {
		return sc, err
	}
	if sc.ID == "" {
		sc.ID = uuid.NewString()
	}
	sc.StartTime = sc.StartTime.UTC()
	sc.EndTime = sc.EndTime.UTC()
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO exam_schedules (`+scheduleColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		sc.ID, sc.TenantID, sc.ExamID, sc.ClassName, sc.Subject, sc.TeacherID,
		sc.StartTime, sc.EndTime, sc.DurationMinutes, sc.TotalQuestions, sc.TotalScore,
		sc.PassingScore, sc.MaxAttempts,
	)
	if err != nil {
		return sc, fmt.Errorf("insert schedule: %w", err)
	}
	return sc, nil
}

// GetSchedule returns a schedule of the tenant, or ErrNotFound.
func (s *Store) GetSchedule(ctx context.Context, tenantID, id string) (model.Schedule, error) {
	var sc model.Schedule
	err := s.db.GetContext(ctx, &sc, s.rebind(
		`SELECT `+scheduleColumns+` FROM exam_schedules WHERE id = ? AND tenant_id = ?`), id, tenantID)
	if errors.Is(err, sql.ErrNoRows) {
		return sc, model.ErrNotFound
	}
	return sc, err
}

// ListSchedules returns the schedules of an exam ordered by start time.
func (s *Store) ListSchedules(ctx context.Context, tenantID, examID string) ([]model.Schedule, error) {
	var out []model.Schedule
	err := s.db.SelectContext(ctx, &out, s.rebind(
		`SELECT `+scheduleColumns+` FROM exam_schedules
		 WHERE tenant_id = ? AND exam_id = ? ORDER BY start_time, id`), tenantID, examID)
	return out, err
}
