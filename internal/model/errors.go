package model

import "errors"

// Expected domain outcomes. They surface to callers verbatim and are never
// retried automatically.
var (
	ErrOutOfWindow          = errors.New("exam schedule is not open")
	ErrAttemptLimitExceeded = errors.New("attempt limit exceeded")
	ErrAttemptAlreadyActive = errors.New("an attempt is already in progress")
	ErrAttemptNotActive     = errors.New("attempt is not in progress")
	ErrDeadlinePassed       = errors.New("attempt deadline has passed")
	ErrQuestionNotInAttempt = errors.New("question is not part of this attempt")
	ErrNoMatchingBand       = errors.New("no grade band matches the percentage")
	ErrInsufficientData     = errors.New("no graded attempts to analyze")
)

var (
	ErrNotFound        = errors.New("not found")
	ErrExamLocked      = errors.New("exam has attempts and cannot change")
	ErrInvalidExam     = errors.New("invalid exam")
	ErrInvalidAnswer   = errors.New("answer does not match question")
	ErrInvalidSchedule = errors.New("invalid schedule")
	ErrInvalidBands    = errors.New("invalid grade bands")
	ErrUnauthenticated = errors.New("unauthenticated")
)
