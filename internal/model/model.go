package model

import (
	"context"
	"time"
)

// UserRole represents a caller's access level.
type UserRole string

const (
	// UserRoleStudent is a student user role.
	UserRoleStudent UserRole = "student"
	// UserRoleTeacher is a teacher user role.
	UserRoleTeacher UserRole = "teacher"
	// UserRoleAdmin is an admin user role.
	UserRoleAdmin UserRole = "admin"
)

// Principal is the authenticated caller as asserted by the identity provider.
type Principal struct {
	Subject  string   `json:"sub"`
	TenantID string   `json:"tenant"`
	Role     UserRole `json:"role"`
}

type principalCtxKey struct{}

// ContextWithPrincipal stores the caller in the request context.
func ContextWithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalCtxKey{}, p)
}

// PrincipalFromContext retrieves the authenticated caller from context, or nil.
func PrincipalFromContext(ctx context.Context) *Principal {
	p, _ := ctx.Value(principalCtxKey{}).(*Principal)
	return p
}

// IdentityProvider scopes queries to the current student and tenant.
// No authorization decisions are made through it.
type IdentityProvider interface {
	CurrentStudentID(ctx context.Context) (string, error)
	CurrentTenantID(ctx context.Context) (string, error)
}

// ContextIdentity reads identity from the Principal stored in the context.
type ContextIdentity struct{}

// CurrentStudentID returns the caller's subject.
func (ContextIdentity) CurrentStudentID(ctx context.Context) (string, error) {
	p := PrincipalFromContext(ctx)
	if p == nil || p.Subject == "" {
		return "", ErrUnauthenticated
	}
	return p.Subject, nil
}

// CurrentTenantID returns the caller's tenant.
func (ContextIdentity) CurrentTenantID(ctx context.Context) (string, error) {
	p := PrincipalFromContext(ctx)
	if p == nil || p.TenantID == "" {
		return "", ErrUnauthenticated
	}
	return p.TenantID, nil
}

// ExamType classifies an exam.
type ExamType string

const (
	ExamQuiz       ExamType = "quiz"
	ExamMidterm    ExamType = "midterm"
	ExamFinal      ExamType = "final"
	ExamAssignment ExamType = "assignment"
	ExamPractice   ExamType = "practice"
)

// QuestionType determines how an answer is captured and scored.
type QuestionType string

const (
	QuestionMultipleChoice QuestionType = "multiple_choice"
	QuestionTrueFalse      QuestionType = "true_false"
	QuestionShortAnswer    QuestionType = "short_answer"
	QuestionEssay          QuestionType = "essay"
)

// Valid reports whether t is a known question type.
func (t QuestionType) Valid() bool {
	switch t {
	case QuestionMultipleChoice, QuestionTrueFalse, QuestionShortAnswer, QuestionEssay:
		return true
	}
	return false
}

// IsChoice reports whether answers are an option key.
func (t QuestionType) IsChoice() bool {
	return t == QuestionMultipleChoice || t == QuestionTrueFalse
}

// Difficulty represents the authored difficulty tag of a question.
type Difficulty string

const (
	DifficultyEasy   Difficulty = "easy"
	DifficultyMedium Difficulty = "medium"
	DifficultyHard   Difficulty = "hard"
)

// Exam is a reusable assessment definition.
type Exam struct {
	ID                 string    `json:"id" db:"id"`
	TenantID           string    `json:"tenant_id" db:"tenant_id"`
	Title              string    `json:"title" db:"title"`
	Type               ExamType  `json:"type" db:"type"`
	Instructions       string    `json:"instructions" db:"instructions"`
	RandomizeQuestions bool      `json:"randomize_questions" db:"randomize_questions"`
	RandomizeAnswers   bool      `json:"randomize_answers" db:"randomize_answers"`
	AllowReview        bool      `json:"allow_review" db:"allow_review"`
	ShowCorrectAnswers bool      `json:"show_correct_answers" db:"show_correct_answers"`
	MaxAttempts        int       `json:"max_attempts" db:"max_attempts"`
	CreatedAt          time.Time `json:"created_at" db:"created_at"`
}

// Question belongs to an exam.
type Question struct {
	ID            string       `json:"id" db:"id"`
	ExamID        string       `json:"exam_id" db:"exam_id"`
	Text          string       `json:"text" db:"text"`
	Type          QuestionType `json:"type" db:"type"`
	Options       Options      `json:"options,omitempty" db:"options"`
	CorrectAnswer string       `json:"correct_answer,omitempty" db:"correct_answer"`
	Explanation   string       `json:"explanation,omitempty" db:"explanation"`
	Points        float64      `json:"points" db:"points"`
	Difficulty    Difficulty   `json:"difficulty" db:"difficulty"`
	Active        bool         `json:"active" db:"active"`
	DisplayOrder  int          `json:"display_order" db:"display_order"`
}

// OptionKeys returns the selectable keys for a choice question.
// True/false questions always offer "true" and "false".
func (q Question) OptionKeys() []string {
	if q.Type == QuestionTrueFalse {
		return []string{"true", "false"}
	}
	keys := make([]string, 0, len(q.Options))
	for _, o := range q.Options {
		keys = append(keys, o.Key)
	}
	return keys
}

// HasOption reports whether key is a selectable option of q.
func (q Question) HasOption(key string) bool {
	for _, k := range q.OptionKeys() {
		if k == key {
			return true
		}
	}
	return false
}

// Schedule is one concrete sitting of an exam.
type Schedule struct {
	ID              string    `json:"id" db:"id"`
	TenantID        string    `json:"tenant_id" db:"tenant_id"`
	ExamID          string    `json:"exam_id" db:"exam_id"`
	ClassName       string    `json:"class_name" db:"class_name"`
	Subject         string    `json:"subject" db:"subject"`
	TeacherID       string    `json:"teacher_id" db:"teacher_id"`
	StartTime       time.Time `json:"start_time" db:"start_time"`
	EndTime         time.Time `json:"end_time" db:"end_time"`
	DurationMinutes int       `json:"duration_minutes" db:"duration_minutes"`
	TotalQuestions  int       `json:"total_questions" db:"total_questions"`
	TotalScore      float64   `json:"total_score" db:"total_score"`
	PassingScore    float64   `json:"passing_score" db:"passing_score"`
	MaxAttempts     int       `json:"max_attempts" db:"max_attempts"`
}

// Duration is the per-attempt time allowance.
func (s Schedule) Duration() time.Duration {
	return time.Duration(s.DurationMinutes) * time.Minute
}

// InWindow reports whether t falls in [StartTime, EndTime].
func (s Schedule) InWindow(t time.Time) bool {
	return !t.Before(s.StartTime) && !t.After(s.EndTime)
}

// EffectiveDeadline is the earlier of startedAt+duration and the window end.
func (s Schedule) EffectiveDeadline(startedAt time.Time) time.Time {
	d := startedAt.Add(s.Duration())
	if s.EndTime.Before(d) {
		return s.EndTime
	}
	return d
}

// Validate checks the schedule invariants.
func (s Schedule) Validate() error {
	switch {
	case s.ExamID == "":
		return ErrInvalidSchedule
	case !s.StartTime.Before(s.EndTime):
		return ErrInvalidSchedule
	case s.DurationMinutes <= 0:
		return ErrInvalidSchedule
	case s.MaxAttempts < 0 || s.TotalQuestions < 0:
		return ErrInvalidSchedule
	case s.PassingScore < 0 || s.PassingScore > 100:
		return ErrInvalidSchedule
	}
	return nil
}

// AttemptStatus is the lifecycle state of an attempt.
type AttemptStatus string

const (
	AttemptNotStarted AttemptStatus = "not_started"
	AttemptInProgress AttemptStatus = "in_progress"
	AttemptSubmitted  AttemptStatus = "submitted"
	AttemptExpired    AttemptStatus = "expired"
	AttemptGraded     AttemptStatus = "graded"
)

// CloseReason records how an attempt left IN_PROGRESS.
type CloseReason string

const (
	CloseSubmitted CloseReason = "submitted"
	CloseExpired   CloseReason = "expired"
)

// Attempt is one student's sitting of one schedule.
type Attempt struct {
	ID               string        `json:"id" db:"id"`
	TenantID         string        `json:"tenant_id" db:"tenant_id"`
	ScheduleID       string        `json:"schedule_id" db:"schedule_id"`
	ExamID           string        `json:"exam_id" db:"exam_id"`
	StudentID        string        `json:"student_id" db:"student_id"`
	Status           AttemptStatus `json:"status" db:"status"`
	CloseReason      CloseReason   `json:"close_reason,omitempty" db:"close_reason"`
	StartedAt        time.Time     `json:"started_at" db:"started_at"`
	Deadline         time.Time     `json:"deadline" db:"deadline"`
	SubmittedAt      *time.Time    `json:"submitted_at,omitempty" db:"submitted_at"`
	QuestionOrder    IDList        `json:"question_order" db:"question_order"`
	OptionOrder      OptionOrder   `json:"option_order,omitempty" db:"option_order"`
	TimeSpentSeconds int           `json:"time_spent_seconds" db:"time_spent_seconds"`
	Score            float64       `json:"score" db:"score"`
	TotalPoints      float64       `json:"total_points" db:"total_points"`
	Percentage       float64       `json:"percentage" db:"percentage"`
	Passed           bool          `json:"passed" db:"passed"`
	GradeLabel       string        `json:"grade_label,omitempty" db:"grade_label"`
	CorrectCount     int           `json:"correct_count" db:"correct_count"`
	IncorrectCount   int           `json:"incorrect_count" db:"incorrect_count"`
	BlankCount       int           `json:"blank_count" db:"blank_count"`
	UngradedCount    int           `json:"ungraded_count" db:"ungraded_count"`
	ClientIP         string        `json:"-" db:"client_ip"`
	UserAgent        string        `json:"-" db:"user_agent"`
}

// Includes reports whether questionID is part of the frozen order.
func (a Attempt) Includes(questionID string) bool {
	for _, id := range a.QuestionOrder {
		if id == questionID {
			return true
		}
	}
	return false
}

// Overdue reports whether an in-progress attempt has passed its deadline at now.
func (a Attempt) Overdue(now time.Time) bool {
	return a.Status == AttemptInProgress && now.After(a.Deadline)
}

// ClientMeta is request metadata captured when an attempt starts.
type ClientMeta struct {
	IP        string
	UserAgent string
}

// AnswerOutcome is the per-answer scoring result.
type AnswerOutcome string

const (
	OutcomePending   AnswerOutcome = ""
	OutcomeCorrect   AnswerOutcome = "correct"
	OutcomeIncorrect AnswerOutcome = "incorrect"
	OutcomeBlank     AnswerOutcome = "blank"
	OutcomeUngraded  AnswerOutcome = "ungraded"
)

// StudentAnswer is keyed by (attempt, question).
type StudentAnswer struct {
	AttemptID        string        `json:"attempt_id" db:"attempt_id"`
	QuestionID       string        `json:"question_id" db:"question_id"`
	Choice           string        `json:"choice,omitempty" db:"choice"`
	Text             string        `json:"text,omitempty" db:"text"`
	IsCorrect        *bool         `json:"is_correct,omitempty" db:"is_correct"`
	Outcome          AnswerOutcome `json:"outcome,omitempty" db:"outcome"`
	PointsAwarded    float64       `json:"points_awarded" db:"points_awarded"`
	TimeSpentSeconds int           `json:"time_spent_seconds" db:"time_spent_seconds"`
	AnsweredAt       time.Time     `json:"answered_at" db:"answered_at"`
}

// Blank reports whether the stored answer carries no content.
func (a StudentAnswer) Blank() bool {
	return a.Choice == "" && a.Text == ""
}

// DiscriminationQuality buckets a discrimination index for display.
type DiscriminationQuality string

const (
	DiscriminationUndefined  DiscriminationQuality = "undefined"
	DiscriminationPoor       DiscriminationQuality = "poor"
	DiscriminationAcceptable DiscriminationQuality = "acceptable"
	DiscriminationGood       DiscriminationQuality = "good"
)

// Recommendation is a machine-readable review hint for a question.
type Recommendation string

const (
	RecommendKeep             Recommendation = "keep"
	RecommendReviewKey        Recommendation = "review_key"
	RecommendRevise           Recommendation = "revise"
	RecommendTooEasy          Recommendation = "too_easy"
	RecommendTooHard          Recommendation = "too_hard"
	RecommendManualReview     Recommendation = "manual_review"
	RecommendInsufficientData Recommendation = "insufficient_data"
)

// OptionStat is the selection distribution of one option.
type OptionStat struct {
	SelectedCount int     `json:"selected_count"`
	Percentage    float64 `json:"percentage"`
	IsCorrect     bool    `json:"is_correct"`
}

// ItemAnalysis summarizes one question over all graded attempts of an exam.
// DiscriminationIndex is nil when fewer than two attempts contributed.
type ItemAnalysis struct {
	ExamID                string                `json:"exam_id" db:"exam_id"`
	QuestionID            string                `json:"question_id" db:"question_id"`
	TotalAttempts         int                   `json:"total_attempts" db:"total_attempts"`
	CorrectCount          int                   `json:"correct_count" db:"correct_count"`
	IncorrectCount        int                   `json:"incorrect_count" db:"incorrect_count"`
	BlankCount            int                   `json:"blank_count" db:"blank_count"`
	UngradedCount         int                   `json:"ungraded_count" db:"ungraded_count"`
	DifficultyIndex       float64               `json:"difficulty_index" db:"difficulty_index"`
	DiscriminationIndex   *float64              `json:"discrimination_index" db:"discrimination_index"`
	DiscriminationQuality DiscriminationQuality `json:"discrimination_quality" db:"discrimination_quality"`
	GroupSize             int                   `json:"group_size" db:"group_size"`
	TopGroupCorrect       float64               `json:"top_group_correct" db:"top_group_correct"`
	BottomGroupCorrect    float64               `json:"bottom_group_correct" db:"bottom_group_correct"`
	OptionStatistics      OptionStatistics      `json:"option_statistics,omitempty" db:"option_statistics"`
	Recommendation        Recommendation        `json:"recommendation" db:"recommendation"`
	ComputedAt            time.Time             `json:"computed_at" db:"computed_at"`
}

// BandScope selects which configuration level a set of grade bands belongs to.
type BandScope string

const (
	ScopeExam    BandScope = "exam"
	ScopeClass   BandScope = "class"
	ScopeSubject BandScope = "subject"
	ScopeTenant  BandScope = "tenant"
)

// GradeBand maps a closed percentage interval to a qualitative label.
type GradeBand struct {
	TenantID  string    `json:"tenant_id" db:"tenant_id"`
	ScopeKind BandScope `json:"scope_kind" db:"scope_kind"`
	ScopeRef  string    `json:"scope_ref" db:"scope_ref"`
	Position  int       `json:"position" db:"position"`
	MinScore  float64   `json:"min_score" db:"min_score"`
	MaxScore  float64   `json:"max_score" db:"max_score"`
	Label     string    `json:"label" db:"label"`
	Passing   bool      `json:"passing" db:"passing"`
}

// Contains reports whether p lies in the band's closed interval.
func (b GradeBand) Contains(p float64) bool {
	return p >= b.MinScore && p <= b.MaxScore
}

// AttemptResult is what a student (or teacher) sees for an attempt.
type AttemptResult struct {
	Attempt Attempt         `json:"attempt"`
	Answers []StudentAnswer `json:"answers,omitempty"`
	// AutoSubmitted is true when the attempt closed because time ran out.
	AutoSubmitted bool `json:"auto_submitted"`
}

// ExamImport is used for loading an exam with its questions from JSON.
type ExamImport struct {
	Exam      Exam       `json:"exam"`
	Questions []Question `json:"questions"`
}
