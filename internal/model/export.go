package model

import "time"

// ExamExport is the top-level JSON structure for exam result export.
type ExamExport struct {
	ExamID       string          `json:"exam_id"`
	Title        string          `json:"title"`
	Type         ExamType        `json:"type"`
	NumQuestions int             `json:"num_questions"`
	ExportedAt   time.Time       `json:"exported_at"`
	Results      []StudentResult `json:"results"`
	ItemAnalysis []ItemAnalysis  `json:"item_analysis,omitempty"`
}

// StudentResult holds one graded attempt for export.
type StudentResult struct {
	StudentID     string           `json:"student_id"`
	ScheduleID    string           `json:"schedule_id"`
	AttemptNumber int              `json:"attempt_number"`
	CloseReason   CloseReason      `json:"close_reason"`
	StartedAt     time.Time        `json:"started_at"`
	SubmittedAt   *time.Time       `json:"submitted_at,omitempty"`
	TimeSpent     int              `json:"time_spent_seconds"`
	Score         float64          `json:"score"`
	TotalPoints   float64          `json:"total_points"`
	Percentage    float64          `json:"percentage"`
	Passed        bool             `json:"passed"`
	GradeLabel    string           `json:"grade_label,omitempty"`
	Questions     []QuestionResult `json:"questions"`
}

// QuestionResult holds per-question data for export.
type QuestionResult struct {
	QuestionID    string        `json:"question_id"`
	Text          string        `json:"text"`
	Type          QuestionType  `json:"type"`
	Points        float64       `json:"points"`
	Answer        string        `json:"answer,omitempty"`
	Outcome       AnswerOutcome `json:"outcome"`
	PointsAwarded float64       `json:"points_awarded"`
}
