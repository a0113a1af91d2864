package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/pavelanni/schoolexam/internal/model"
)

const attemptColumns = `id, tenant_id, schedule_id, exam_id, student_id, status, close_reason,
	started_at, deadline, submitted_at, question_order, option_order, time_spent_seconds,
	score, total_points, percentage, passed, grade_label, correct_count, incorrect_count,
	blank_count, ungraded_count, client_ip, user_agent`

const answerColumns = `attempt_id, question_id, choice, text, is_correct, outcome,
	points_awarded, time_spent_seconds, answered_at`

// GradeFunc scores a closed attempt inside the closing transaction. It returns
// the attempt with its score fields filled and the answers with their outcome.
type GradeFunc func(a model.Attempt, answers []model.StudentAnswer) (model.Attempt, []model.StudentAnswer)

// StartAttempt inserts a new in-progress attempt after checking the attempt
// limit and that no other attempt is active for the same student and schedule.
// A uniqueness or lock conflict is retried once; a second conflict means a
// concurrent start won and ErrAttemptAlreadyActive is returned.
func (s *Store) StartAttempt(ctx context.Context, a model.Attempt, maxAttempts int) (model.Attempt, error) {
	a.Status = model.AttemptInProgress
	a.StartedAt = a.StartedAt.UTC()
	a.Deadline = a.Deadline.UTC()

	var err error
	for try := 0; try < 2; try++ {
		err = s.withTx(ctx, func(tx *sqlx.Tx) error {
			return s.insertAttempt(ctx, tx, a, maxAttempts)
		})
		if !isConflict(err) {
			break
		}
		slog.Debug("attempt start conflict", "student", a.StudentID, "schedule", a.ScheduleID, "try", try, "err", err)
	}
	if isConflict(err) {
		return model.Attempt{}, model.ErrAttemptAlreadyActive
	}
	if err != nil {
		return model.Attempt{}, err
	}
	return a, nil
}

func (s *Store) insertAttempt(ctx context.Context, tx *sqlx.Tx, a model.Attempt, maxAttempts int) error {
	var counts struct {
		Closed int `db:"closed"`
		Active int `db:"active"`
	}
	err := tx.GetContext(ctx, &counts, s.rebind(
		`SELECT
			COALESCE(SUM(CASE WHEN status <> ? THEN 1 ELSE 0 END), 0) AS closed,
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS active
		 FROM exam_attempts WHERE student_id = ? AND schedule_id = ?`),
		model.AttemptInProgress, model.AttemptInProgress, a.StudentID, a.ScheduleID)
	if err != nil {
		return fmt.Errorf("count attempts: %w", err)
	}
	if maxAttempts > 0 && counts.Closed >= maxAttempts {
		return model.ErrAttemptLimitExceeded
	}
	if counts.Active > 0 {
		return model.ErrAttemptAlreadyActive
	}

	_, err = tx.ExecContext(ctx, s.rebind(
		`INSERT INTO exam_attempts (id, tenant_id, schedule_id, exam_id, student_id, status,
			started_at, deadline, question_order, option_order, client_ip, user_agent)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		a.ID, a.TenantID, a.ScheduleID, a.ExamID, a.StudentID, a.Status,
		a.StartedAt, a.Deadline, a.QuestionOrder, a.OptionOrder, a.ClientIP, a.UserAgent,
	)
	if err != nil {
		return fmt.Errorf("insert attempt: %w", err)
	}
	return nil
}

// GetAttempt returns an attempt by id, or ErrNotFound.
func (s *Store) GetAttempt(ctx context.Context, id string) (model.Attempt, error) {
	var a model.Attempt
	err := s.db.GetContext(ctx, &a, s.rebind(
		`SELECT `+attemptColumns+` FROM exam_attempts WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return a, model.ErrNotFound
	}
	return a, err
}

// ActiveAttempt returns the in-progress attempt of a student for a schedule,
// or nil if there is none.
func (s *Store) ActiveAttempt(ctx context.Context, studentID, scheduleID string) (*model.Attempt, error) {
	var a model.Attempt
	err := s.db.GetContext(ctx, &a, s.rebind(
		`SELECT `+attemptColumns+` FROM exam_attempts
		 WHERE student_id = ? AND schedule_id = ? AND status = ?`),
		studentID, scheduleID, model.AttemptInProgress)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// ListInProgress returns in-progress attempts ordered by deadline.
func (s *Store) ListInProgress(ctx context.Context) ([]model.Attempt, error) {
	var out []model.Attempt
	err := s.db.SelectContext(ctx, &out, s.rebind(
		`SELECT `+attemptColumns+` FROM exam_attempts WHERE status = ? ORDER BY deadline, id`),
		model.AttemptInProgress)
	return out, err
}

// ListStudentAttempts returns a student's attempts for a schedule, oldest first.
func (s *Store) ListStudentAttempts(ctx context.Context, studentID, scheduleID string) ([]model.Attempt, error) {
	var out []model.Attempt
	err := s.db.SelectContext(ctx, &out, s.rebind(
		`SELECT `+attemptColumns+` FROM exam_attempts
		 WHERE student_id = ? AND schedule_id = ? ORDER BY started_at, id`),
		studentID, scheduleID)
	return out, err
}

// ListGradedAttempts returns every graded attempt of an exam.
func (s *Store) ListGradedAttempts(ctx context.Context, examID string) ([]model.Attempt, error) {
	var out []model.Attempt
	err := s.db.SelectContext(ctx, &out, s.rebind(
		`SELECT `+attemptColumns+` FROM exam_attempts
		 WHERE exam_id = ? AND status = ? ORDER BY student_id, started_at, id`),
		examID, model.AttemptGraded)
	return out, err
}

// SaveAnswer upserts the answer for (attempt, question). The write only lands
// while the attempt is in progress; otherwise ErrAttemptNotActive is returned
// and nothing changes.
func (s *Store) SaveAnswer(ctx context.Context, ans model.StudentAnswer) error {
	ans.AnsweredAt = ans.AnsweredAt.UTC()
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		var status model.AttemptStatus
		err := tx.GetContext(ctx, &status, s.rebind(
			`SELECT status FROM exam_attempts WHERE id = ?`+s.forUpdate()), ans.AttemptID)
		if errors.Is(err, sql.ErrNoRows) {
			return model.ErrNotFound
		}
		if err != nil {
			return err
		}
		if status != model.AttemptInProgress {
			return model.ErrAttemptNotActive
		}
		_, err = tx.ExecContext(ctx, s.rebind(
			`INSERT INTO student_answers (attempt_id, question_id, choice, text, time_spent_seconds, answered_at)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT(attempt_id, question_id) DO UPDATE SET
				choice = excluded.choice,
				text = excluded.text,
				time_spent_seconds = excluded.time_spent_seconds,
				answered_at = excluded.answered_at`),
			ans.AttemptID, ans.QuestionID, ans.Choice, ans.Text, ans.TimeSpentSeconds, ans.AnsweredAt,
		)
		return err
	})
}

// ListAnswers returns the stored answers of an attempt.
func (s *Store) ListAnswers(ctx context.Context, attemptID string) ([]model.StudentAnswer, error) {
	var out []model.StudentAnswer
	err := s.db.SelectContext(ctx, &out, s.rebind(
		`SELECT `+answerColumns+` FROM student_answers WHERE attempt_id = ? ORDER BY question_id`), attemptID)
	return out, err
}

// ListGradedAnswers returns the answers of every graded attempt of an exam,
// keyed by attempt id.
func (s *Store) ListGradedAnswers(ctx context.Context, examID string) (map[string][]model.StudentAnswer, error) {
	var rows []model.StudentAnswer
	err := s.db.SelectContext(ctx, &rows, s.rebind(
		`SELECT sa.attempt_id, sa.question_id, sa.choice, sa.text, sa.is_correct, sa.outcome,
			sa.points_awarded, sa.time_spent_seconds, sa.answered_at
		 FROM student_answers sa
		 JOIN exam_attempts ea ON ea.id = sa.attempt_id
		 WHERE ea.exam_id = ? AND ea.status = ?
		 ORDER BY sa.attempt_id, sa.question_id`), examID, model.AttemptGraded)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]model.StudentAnswer)
	for _, r := range rows {
		out[r.AttemptID] = append(out[r.AttemptID], r)
	}
	return out, nil
}

// CloseAttempt moves an in-progress attempt to SUBMITTED or EXPIRED, scores it
// with grade and marks it GRADED, all in one transaction. If the attempt was
// already closed nothing is written and the stored attempt is returned with
// closed=false.
func (s *Store) CloseAttempt(ctx context.Context, id string, reason model.CloseReason, closedAt time.Time, grade GradeFunc) (model.Attempt, bool, error) {
	closedAt = closedAt.UTC()
	status := model.AttemptSubmitted
	if reason == model.CloseExpired {
		status = model.AttemptExpired
	}

	var closed bool
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var a model.Attempt
		err := tx.GetContext(ctx, &a, s.rebind(
			`SELECT `+attemptColumns+` FROM exam_attempts WHERE id = ?`+s.forUpdate()), id)
		if errors.Is(err, sql.ErrNoRows) {
			return model.ErrNotFound
		}
		if err != nil {
			return err
		}
		if a.Status != model.AttemptInProgress {
			return nil
		}

		spent := int(closedAt.Sub(a.StartedAt) / time.Second)
		if spent < 0 {
			spent = 0
		}
		res, err := tx.ExecContext(ctx, s.rebind(
			`UPDATE exam_attempts SET status = ?, close_reason = ?, submitted_at = ?, time_spent_seconds = ?
			 WHERE id = ? AND status = ?`),
			status, reason, closedAt, spent, id, model.AttemptInProgress)
		if err != nil {
			return fmt.Errorf("close attempt: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("close attempt: %w", err)
		}
		if n == 0 {
			return nil
		}
		a.Status = status
		a.CloseReason = reason
		a.SubmittedAt = &closedAt
		a.TimeSpentSeconds = spent

		var answers []model.StudentAnswer
		if err := tx.SelectContext(ctx, &answers, s.rebind(
			`SELECT `+answerColumns+` FROM student_answers WHERE attempt_id = ?`), id); err != nil {
			return fmt.Errorf("load answers: %w", err)
		}

		graded, scored := grade(a, answers)

		update := s.rebind(`UPDATE student_answers SET outcome = ?, is_correct = ?, points_awarded = ?
			WHERE attempt_id = ? AND question_id = ?`)
		for _, ans := range scored {
			if _, err := tx.ExecContext(ctx, update,
				ans.Outcome, ans.IsCorrect, ans.PointsAwarded, id, ans.QuestionID); err != nil {
				return fmt.Errorf("grade answer %s: %w", ans.QuestionID, err)
			}
		}

		_, err = tx.ExecContext(ctx, s.rebind(
			`UPDATE exam_attempts SET status = ?, score = ?, total_points = ?, percentage = ?,
				passed = ?, grade_label = ?, correct_count = ?, incorrect_count = ?,
				blank_count = ?, ungraded_count = ?
			 WHERE id = ?`),
			model.AttemptGraded, graded.Score, graded.TotalPoints, graded.Percentage,
			graded.Passed, graded.GradeLabel, graded.CorrectCount, graded.IncorrectCount,
			graded.BlankCount, graded.UngradedCount, id)
		if err != nil {
			return fmt.Errorf("store grade: %w", err)
		}
		closed = true
		return nil
	})
	if err != nil {
		return model.Attempt{}, false, err
	}
	a, err := s.GetAttempt(ctx, id)
	return a, closed, err
}

// CountAttempts returns the number of attempts recorded for an exam,
// restricted to the given statuses when any are passed.
func (s *Store) CountAttempts(ctx context.Context, examID string, statuses ...model.AttemptStatus) (int, error) {
	return s.countAttempts(ctx, s.db, examID, statuses...)
}

func (s *Store) countAttempts(ctx context.Context, q sqlx.QueryerContext, examID string, statuses ...model.AttemptStatus) (int, error) {
	query := `SELECT COUNT(*) FROM exam_attempts WHERE exam_id = ?`
	args := []any{examID}
	if len(statuses) > 0 {
		query += ` AND status IN (?` + strings.Repeat(`, ?`, len(statuses)-1) + `)`
		for _, st := range statuses {
			args = append(args, st)
		}
	}
	var n int
	err := sqlx.GetContext(ctx, q, &n, s.rebind(query), args...)
	return n, err
}
