// Package scoring computes per-answer correctness and attempt totals once an
// attempt closes. It is a pure function of the presented questions and the
// stored answers.
package scoring

import (
	"strings"

	"github.com/pavelanni/schoolexam/internal/model"
)

// Strategy decides the outcome of one non-blank answer.
type Strategy interface {
	Grade(q model.Question, a model.StudentAnswer) model.AnswerOutcome
}

// Result is the outcome of scoring one attempt.
type Result struct {
	Score       float64
	TotalPoints float64
	Percentage  float64
	Passed      bool
	Correct     int
	Incorrect   int
	Blank       int
	Ungraded    int
	// Answers holds the stored answers with correctness fields filled in, in
	// presentation order. Questions without a stored answer are not included.
	Answers []model.StudentAnswer
}

// Engine routes each question type to a Strategy.
type Engine struct {
	strategies map[model.QuestionType]Strategy
}

// New installs the built-in strategies.
func New() *Engine {
	return &Engine{
		strategies: map[model.QuestionType]Strategy{
			model.QuestionMultipleChoice: choiceStrategy{},
			model.QuestionTrueFalse:      choiceStrategy{fold: true},
			model.QuestionShortAnswer:    freeTextStrategy{},
			model.QuestionEssay:          freeTextStrategy{},
		},
	}
}

// Score grades answers against the questions presented to the attempt.
// totalPoints sums only the presented questions, so a served subset is scored
// against its own total rather than the exam's nominal one.
func (e *Engine) Score(presented []model.Question, answers []model.StudentAnswer, passingScore float64) Result {
	byQuestion := make(map[string]model.StudentAnswer, len(answers))
	for _, a := range answers {
		byQuestion[a.QuestionID] = a
	}

	var res Result
	for _, q := range presented {
		res.TotalPoints += q.Points

		a, ok := byQuestion[q.ID]
		if !ok {
			res.Blank++
			continue
		}

		outcome := e.outcome(q, a)
		a.Outcome = outcome
		a.PointsAwarded = 0
		a.IsCorrect = nil
		switch outcome {
		case model.OutcomeCorrect:
			a.IsCorrect = boolPtr(true)
			a.PointsAwarded = q.Points
			res.Score += q.Points
			res.Correct++
		case model.OutcomeIncorrect:
			a.IsCorrect = boolPtr(false)
			res.Incorrect++
		case model.OutcomeBlank:
			res.Blank++
		case model.OutcomeUngraded:
			res.Ungraded++
		}
		res.Answers = append(res.Answers, a)
	}

	if res.TotalPoints > 0 {
		res.Percentage = res.Score * 100 / res.TotalPoints
	}
	res.Passed = res.Percentage >= passingScore
	return res
}

func (e *Engine) outcome(q model.Question, a model.StudentAnswer) model.AnswerOutcome {
	if a.Blank() {
		return model.OutcomeBlank
	}
	s, ok := e.strategies[q.Type]
	if !ok {
		return model.OutcomeUngraded
	}
	return s.Grade(q, a)
}

// choiceStrategy is an exact match of the selected option key.
type choiceStrategy struct{ fold bool }

func (s choiceStrategy) Grade(q model.Question, a model.StudentAnswer) model.AnswerOutcome {
	if q.CorrectAnswer == "" {
		return model.OutcomeUngraded
	}
	match := a.Choice == q.CorrectAnswer
	if s.fold {
		match = strings.EqualFold(a.Choice, strings.TrimSpace(q.CorrectAnswer))
	}
	if match {
		return model.OutcomeCorrect
	}
	return model.OutcomeIncorrect
}

// freeTextStrategy never auto-grades; a manual grade is applied elsewhere.
type freeTextStrategy struct{}

func (freeTextStrategy) Grade(model.Question, model.StudentAnswer) model.AnswerOutcome {
	return model.OutcomeUngraded
}

func boolPtr(b bool) *bool { return &b }
