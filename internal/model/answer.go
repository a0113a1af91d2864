package model

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// AnswerPayload is the wire shape of a submitted answer. Which field is
// meaningful depends on Type:
//
//	multiple_choice: Option
//	true_false:      Value
//	short_answer:    Text
//	essay:           Text
type AnswerPayload struct {
	Type             QuestionType `json:"type"`
	Option           string       `json:"option,omitempty"`
	Value            *bool        `json:"value,omitempty"`
	Text             string       `json:"text,omitempty"`
	TimeSpentSeconds int          `json:"time_spent_seconds,omitempty"`
}

// Answer is the fixed representation persisted and scored.
type Answer struct {
	Type             QuestionType
	Choice           string
	Text             string
	TimeSpentSeconds int
}

// Blank reports whether the answer carries no content.
func (a Answer) Blank() bool {
	return a.Choice == "" && strings.TrimSpace(a.Text) == ""
}

// DecodeAnswer parses a JSON answer payload.
func DecodeAnswer(raw []byte) (Answer, error) {
	var p AnswerPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return Answer{}, fmt.Errorf("%w: %v", ErrInvalidAnswer, err)
	}
	return p.Normalize()
}

// Normalize converts the payload into an Answer, rejecting fields that do not
// belong to the declared type.
func (p AnswerPayload) Normalize() (Answer, error) {
	if p.TimeSpentSeconds < 0 {
		return Answer{}, fmt.Errorf("%w: negative time spent", ErrInvalidAnswer)
	}
	a := Answer{Type: p.Type, TimeSpentSeconds: p.TimeSpentSeconds}
	switch p.Type {
	case QuestionMultipleChoice:
		if p.Value != nil || p.Text != "" {
			return Answer{}, fmt.Errorf("%w: multiple_choice takes an option", ErrInvalidAnswer)
		}
		a.Choice = strings.TrimSpace(p.Option)
	case QuestionTrueFalse:
		if p.Text != "" {
			return Answer{}, fmt.Errorf("%w: true_false takes a value", ErrInvalidAnswer)
		}
		if p.Value != nil {
			a.Choice = strconv.FormatBool(*p.Value)
		} else if p.Option != "" {
			b, err := strconv.ParseBool(strings.TrimSpace(p.Option))
			if err != nil {
				return Answer{}, fmt.Errorf("%w: %q is not a boolean", ErrInvalidAnswer, p.Option)
			}
			a.Choice = strconv.FormatBool(b)
		}
	case QuestionShortAnswer, QuestionEssay:
		if p.Option != "" || p.Value != nil {
			return Answer{}, fmt.Errorf("%w: %s takes text", ErrInvalidAnswer, p.Type)
		}
		a.Text = p.Text
	default:
		return Answer{}, fmt.Errorf("%w: unknown type %q", ErrInvalidAnswer, p.Type)
	}
	return a, nil
}

// Check validates the answer against the question it targets.
func (a Answer) Check(q Question) error {
	if a.Type != q.Type {
		return fmt.Errorf("%w: got %s for %s question", ErrInvalidAnswer, a.Type, q.Type)
	}
	if q.Type.IsChoice() && a.Choice != "" && !q.HasOption(a.Choice) {
		return fmt.Errorf("%w: unknown option %q", ErrInvalidAnswer, a.Choice)
	}
	return nil
}
