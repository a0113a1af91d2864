package store

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/pavelanni/schoolexam/internal/model"
)

const itemAnalysisColumns = `exam_id, question_id, total_attempts, correct_count, incorrect_count,
	blank_count, ungraded_count, difficulty_index, discrimination_index, discrimination_quality,
	group_size, top_group_correct, bottom_group_correct, option_statistics, recommendation, computed_at`

// ReplaceItemAnalysis overwrites the cached analysis of an exam with results.
// Readers see either the previous set or the new one, never a mix.
func (s *Store) ReplaceItemAnalysis(ctx context.Context, examID string, results []model.ItemAnalysis) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, s.rebind(
			`DELETE FROM item_analysis WHERE exam_id = ?`), examID); err != nil {
			return err
		}
		query := s.rebind(`INSERT INTO item_analysis (` + itemAnalysisColumns + `)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		for _, r := range results {
			_, err := tx.ExecContext(ctx, query,
				examID, r.QuestionID, r.TotalAttempts, r.CorrectCount, r.IncorrectCount,
				r.BlankCount, r.UngradedCount, r.DifficultyIndex, r.DiscriminationIndex,
				r.DiscriminationQuality, r.GroupSize, r.TopGroupCorrect, r.BottomGroupCorrect,
				r.OptionStatistics, r.Recommendation, r.ComputedAt.UTC(),
			)
			if err != nil {
				return fmt.Errorf("insert item analysis %s: %w", r.QuestionID, err)
			}
		}
		return nil
	})
}

// ListItemAnalysis returns the cached analysis of an exam.
func (s *Store) ListItemAnalysis(ctx context.Context, examID string) ([]model.ItemAnalysis, error) {
	var out []model.ItemAnalysis
	err := s.db.SelectContext(ctx, &out, s.rebind(
		`SELECT `+itemAnalysisColumns+` FROM item_analysis WHERE exam_id = ? ORDER BY question_id`), examID)
	return out, err
}
