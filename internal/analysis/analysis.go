// Package analysis implements classical-test-theory item analysis over graded
// attempts: difficulty index, discrimination index from the top and bottom
// 27% groups, and option selection statistics.
package analysis

import (
	"math"
	"sort"
	"strings"
	"time"

	"github.com/pavelanni/schoolexam/internal/model"
)

// GroupFraction is the share of ranked attempts in each comparison group.
const GroupFraction = 0.27

// Difficulty bounds used for recommendations.
const (
	tooEasyAbove = 0.9
	tooHardBelow = 0.2
)

// Response is one graded attempt as seen by the analysis.
type Response struct {
	AttemptID  string
	Percentage float64
	// Presented lists the question ids served to the attempt.
	Presented []string
	Answers   map[string]model.StudentAnswer
}

func (r Response) includes(questionID string) bool {
	for _, id := range r.Presented {
		if id == questionID {
			return true
		}
	}
	return false
}

func (r Response) outcome(questionID string) model.AnswerOutcome {
	a, ok := r.Answers[questionID]
	if !ok || a.Outcome == model.OutcomeBlank || a.Blank() {
		return model.OutcomeBlank
	}
	switch a.Outcome {
	case model.OutcomeCorrect, model.OutcomeIncorrect:
		return a.Outcome
	}
	return model.OutcomeUngraded
}

// GroupSize returns round(total * 0.27), at least 1.
func GroupSize(total int) int {
	n := int(math.Round(float64(total) * GroupFraction))
	if n < 1 {
		n = 1
	}
	return n
}

// Quality buckets a discrimination index: < 0.2 poor, 0.2-0.4 acceptable,
// > 0.4 good.
func Quality(d float64) model.DiscriminationQuality {
	switch {
	case d < 0.2:
		return model.DiscriminationPoor
	case d <= 0.4:
		return model.DiscriminationAcceptable
	default:
		return model.DiscriminationGood
	}
}

// Analyze computes one result per question. Results are derived fresh from
// responses; nothing is carried over from previous runs.
func Analyze(examID string, questions []model.Question, responses []Response, now time.Time) ([]model.ItemAnalysis, error) {
	if len(responses) == 0 {
		return nil, model.ErrInsufficientData
	}
	results := make([]model.ItemAnalysis, 0, len(questions))
	for _, q := range questions {
		results = append(results, analyzeQuestion(examID, q, responses, now))
	}
	return results, nil
}

func analyzeQuestion(examID string, q model.Question, responses []Response, now time.Time) model.ItemAnalysis {
	res := model.ItemAnalysis{
		ExamID:                examID,
		QuestionID:            q.ID,
		DiscriminationQuality: model.DiscriminationUndefined,
		ComputedAt:            now,
	}

	var contributing []Response
	for _, r := range responses {
		if r.includes(q.ID) {
			contributing = append(contributing, r)
		}
	}
	res.TotalAttempts = len(contributing)

	for _, r := range contributing {
		switch r.outcome(q.ID) {
		case model.OutcomeCorrect:
			res.CorrectCount++
		case model.OutcomeIncorrect:
			res.IncorrectCount++
		case model.OutcomeBlank:
			res.BlankCount++
		default:
			res.UngradedCount++
		}
	}

	if res.TotalAttempts > 0 {
		res.DifficultyIndex = float64(res.CorrectCount) / float64(res.TotalAttempts)
	}

	if res.TotalAttempts >= 2 {
		discriminate(&res, q.ID, contributing)
	}

	if q.Type.IsChoice() && res.TotalAttempts > 0 {
		res.OptionStatistics = optionStatistics(q, contributing)
	}

	res.Recommendation = recommend(q, res)
	return res
}

// discriminate ranks attempts by overall percentage (ties by attempt id) and
// compares correct rates of the top and bottom groups.
func discriminate(res *model.ItemAnalysis, questionID string, contributing []Response) {
	ranked := make([]Response, len(contributing))
	copy(ranked, contributing)
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Percentage != ranked[j].Percentage {
			return ranked[i].Percentage > ranked[j].Percentage
		}
		return ranked[i].AttemptID < ranked[j].AttemptID
	})

	n := GroupSize(len(ranked))
	top, bottom := 0, 0
	for _, r := range ranked[:n] {
		if r.outcome(questionID) == model.OutcomeCorrect {
			top++
		}
	}
	for _, r := range ranked[len(ranked)-n:] {
		if r.outcome(questionID) == model.OutcomeCorrect {
			bottom++
		}
	}

	d := float64(top-bottom) / float64(n)
	d = math.Max(-1, math.Min(1, d))

	res.GroupSize = n
	res.TopGroupCorrect = float64(top) / float64(n)
	res.BottomGroupCorrect = float64(bottom) / float64(n)
	res.DiscriminationIndex = &d
	res.DiscriminationQuality = Quality(d)
}

func optionStatistics(q model.Question, contributing []Response) model.OptionStatistics {
	stats := make(model.OptionStatistics)
	for _, key := range q.OptionKeys() {
		stats[key] = model.OptionStat{IsCorrect: optionIsCorrect(q, key)}
	}
	for _, r := range contributing {
		a, ok := r.Answers[q.ID]
		if !ok || a.Choice == "" {
			continue
		}
		st, known := stats[a.Choice]
		if !known {
			continue
		}
		st.SelectedCount++
		stats[a.Choice] = st
	}
	total := float64(len(contributing))
	for key, st := range stats {
		st.Percentage = float64(st.SelectedCount) / total * 100
		stats[key] = st
	}
	return stats
}

func optionIsCorrect(q model.Question, key string) bool {
	if q.Type == model.QuestionTrueFalse {
		return strings.EqualFold(key, strings.TrimSpace(q.CorrectAnswer))
	}
	return key == q.CorrectAnswer
}

func recommend(q model.Question, res model.ItemAnalysis) model.Recommendation {
	switch {
	case !q.Type.IsChoice():
		return model.RecommendManualReview
	case res.DiscriminationIndex == nil:
		return model.RecommendInsufficientData
	case *res.DiscriminationIndex < 0:
		return model.RecommendReviewKey
	case res.DifficultyIndex > tooEasyAbove:
		return model.RecommendTooEasy
	case res.DifficultyIndex < tooHardBelow:
		return model.RecommendTooHard
	case res.DiscriminationQuality == model.DiscriminationPoor:
		return model.RecommendRevise
	}
	return model.RecommendKeep
}
