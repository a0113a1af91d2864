package assessment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pavelanni/schoolexam/internal/model"
	"github.com/pavelanni/schoolexam/internal/store"
)

const testTenant = "school-1"

var windowStart = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type fixture struct {
	svc       *Service
	store     *store.Store
	clock     *fakeClock
	exam      model.Exam
	questions []model.Question
	schedule  model.Schedule
}

func asStudent(id string) context.Context {
	return model.ContextWithPrincipal(context.Background(),
		&model.Principal{Subject: id, TenantID: testTenant, Role: model.UserRoleStudent})
}

func asTeacher() context.Context {
	return model.ContextWithPrincipal(context.Background(),
		&model.Principal{Subject: "teacher-1", TenantID: testTenant, Role: model.UserRoleTeacher})
}

func choiceQuestions(n int, points float64) []model.Question {
	qs := make([]model.Question, n)
	for i := range qs {
		qs[i] = model.Question{
			Text: fmt.Sprintf("Question %d", i+1),
			Type: model.QuestionMultipleChoice,
			Options: model.Options{
				{Key: "A", Text: "first"}, {Key: "B", Text: "second"},
				{Key: "C", Text: "third"}, {Key: "D", Text: "fourth"},
			},
			CorrectAnswer: "A",
			Points:        points,
			Active:        true,
		}
	}
	return qs
}

// newFixture stores exam and questions and a 09:00-10:00 schedule with a
// 30 minute duration, unless sc overrides those fields.
func newFixture(t *testing.T, exam model.Exam, questions []model.Question, sc model.Schedule) *fixture {
	t.Helper()
	st, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	clock := &fakeClock{now: windowStart}
	svc := New(st, WithClock(clock.Now))

	if exam.Title == "" {
		exam.Title = "Algebra"
	}
	created, err := svc.CreateExam(asTeacher(), model.ExamImport{Exam: exam, Questions: questions})
	if err != nil {
		t.Fatalf("CreateExam: %v", err)
	}

	sc.ExamID = created.Exam.ID
	if sc.StartTime.IsZero() {
		sc.StartTime = windowStart
		sc.EndTime = windowStart.Add(time.Hour)
	}
	if sc.DurationMinutes == 0 {
		sc.DurationMinutes = 30
	}
	sc, err = svc.CreateSchedule(asTeacher(), sc)
	if err != nil {
		t.Fatalf("CreateSchedule: %v", err)
	}
	return &fixture{
		svc:       svc,
		store:     st,
		clock:     clock,
		exam:      created.Exam,
		questions: created.Questions,
		schedule:  sc,
	}
}

func (f *fixture) start(t *testing.T, student string) model.Attempt {
	t.Helper()
	a, err := f.svc.Start(asStudent(student), f.schedule.ID, model.ClientMeta{IP: "10.0.0.1", UserAgent: "test"})
	if err != nil {
		t.Fatalf("Start(%s): %v", student, err)
	}
	return a
}

func (f *fixture) answer(t *testing.T, student string, a model.Attempt, questionID, choice string) {
	t.Helper()
	_, err := f.svc.RecordAnswer(asStudent(student), a.ID, questionID,
		model.Answer{Type: model.QuestionMultipleChoice, Choice: choice})
	if err != nil {
		t.Fatalf("RecordAnswer: %v", err)
	}
}

func TestStartOutOfWindow(t *testing.T) {
	f := newFixture(t, model.Exam{}, choiceQuestions(2, 1), model.Schedule{MaxAttempts: 1})

	tests := []struct {
		name    string
		at      time.Time
		wantErr error
	}{
		{"before window", windowStart.Add(-time.Second), model.ErrOutOfWindow},
		{"after window", windowStart.Add(time.Hour + time.Second), model.ErrOutOfWindow},
		{"at window end", windowStart.Add(time.Hour), nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f.clock.Set(tt.at)
			_, err := f.svc.Start(asStudent("stu-"+tt.name), f.schedule.ID, model.ClientMeta{})
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestSubmitScoresAttempt(t *testing.T) {
	f := newFixture(t, model.Exam{}, choiceQuestions(10, 10), model.Schedule{PassingScore: 70, MaxAttempts: 1})
	f.clock.Set(windowStart.Add(10 * time.Minute))
	a := f.start(t, "stu")
	if len(a.QuestionOrder) != 10 {
		t.Fatalf("expected 10 questions, got %d", len(a.QuestionOrder))
	}

	for i, qid := range a.QuestionOrder {
		switch {
		case i < 7:
			f.answer(t, "stu", a, qid, "A")
		case i < 9:
			f.answer(t, "stu", a, qid, "B")
		}
	}

	f.clock.Set(windowStart.Add(25 * time.Minute))
	res, err := f.svc.Submit(asStudent("stu"), a.ID)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	got := res.Attempt
	if got.Status != model.AttemptGraded || got.CloseReason != model.CloseSubmitted {
		t.Errorf("expected graded/submitted, got %s/%s", got.Status, got.CloseReason)
	}
	if got.Score != 70 || got.Percentage != 70 {
		t.Errorf("expected score 70 (70%%), got %v (%v%%)", got.Score, got.Percentage)
	}
	if got.CorrectCount != 7 || got.IncorrectCount != 2 || got.BlankCount != 1 {
		t.Errorf("expected 7/2/1, got %d/%d/%d", got.CorrectCount, got.IncorrectCount, got.BlankCount)
	}
	if !got.Passed {
		t.Error("expected 70% to pass a 70% threshold")
	}
	if got.TimeSpentSeconds != 900 {
		t.Errorf("expected 900s spent, got %d", got.TimeSpentSeconds)
	}
	if res.AutoSubmitted {
		t.Error("voluntary submit reported as auto-submitted")
	}

	// Retried submit returns the stored result.
	f.clock.Set(windowStart.Add(50 * time.Minute))
	again, err := f.svc.Submit(asStudent("stu"), a.ID)
	if err != nil {
		t.Fatalf("second Submit: %v", err)
	}
	if again.Attempt.Score != got.Score || again.Attempt.TimeSpentSeconds != got.TimeSpentSeconds {
		t.Errorf("second submit changed the result: %+v", again.Attempt)
	}

	// No answers after close.
	_, err = f.svc.RecordAnswer(asStudent("stu"), a.ID, a.QuestionOrder[9],
		model.Answer{Type: model.QuestionMultipleChoice, Choice: "A"})
	if !errors.Is(err, model.ErrAttemptNotActive) {
		t.Errorf("expected ErrAttemptNotActive, got %v", err)
	}
}

func TestDeadlineCappedByWindowEnd(t *testing.T) {
	f := newFixture(t, model.Exam{}, choiceQuestions(3, 1), model.Schedule{MaxAttempts: 1})

	f.clock.Set(windowStart.Add(50 * time.Minute))
	a := f.start(t, "stu")
	wantDeadline := windowStart.Add(time.Hour)
	if !a.Deadline.Equal(wantDeadline) {
		t.Fatalf("expected deadline %v, got %v", wantDeadline, a.Deadline)
	}
	f.answer(t, "stu", a, a.QuestionOrder[0], "A")

	// Nobody touches the attempt until long after the window closed.
	f.clock.Set(windowStart.Add(3 * time.Hour))
	res, err := f.svc.GetResult(asStudent("stu"), a.ID)
	if err != nil {
		t.Fatalf("GetResult: %v", err)
	}
	got := res.Attempt
	if got.Status != model.AttemptGraded || got.CloseReason != model.CloseExpired {
		t.Errorf("expected graded/expired, got %s/%s", got.Status, got.CloseReason)
	}
	if got.TimeSpentSeconds != 600 {
		t.Errorf("expected time spent capped at 600s, got %d", got.TimeSpentSeconds)
	}
	if got.SubmittedAt == nil || !got.SubmittedAt.Equal(wantDeadline) {
		t.Errorf("expected submitted_at at deadline, got %v", got.SubmittedAt)
	}
	if !res.AutoSubmitted {
		t.Error("expected auto-submitted result")
	}
	if got.CorrectCount != 1 || got.BlankCount != 2 {
		t.Errorf("expected 1 correct and 2 blank, got %d/%d", got.CorrectCount, got.BlankCount)
	}

	// The expired/submitted distinction survives a late submit.
	again, err := f.svc.Submit(asStudent("stu"), a.ID)
	if err != nil {
		t.Fatalf("Submit after expiry: %v", err)
	}
	if again.Attempt.CloseReason != model.CloseExpired {
		t.Errorf("expected close reason to stay expired, got %s", again.Attempt.CloseReason)
	}
}

func TestRecordAnswerAfterDeadline(t *testing.T) {
	f := newFixture(t, model.Exam{}, choiceQuestions(2, 1), model.Schedule{DurationMinutes: 10, MaxAttempts: 1})
	f.clock.Set(windowStart.Add(5 * time.Minute))
	a := f.start(t, "stu")

	// At the deadline itself the answer is still accepted.
	f.clock.Set(a.Deadline)
	f.answer(t, "stu", a, a.QuestionOrder[0], "A")

	f.clock.Set(a.Deadline.Add(time.Second))
	_, err := f.svc.RecordAnswer(asStudent("stu"), a.ID, a.QuestionOrder[1],
		model.Answer{Type: model.QuestionMultipleChoice, Choice: "A"})
	if !errors.Is(err, model.ErrDeadlinePassed) {
		t.Fatalf("expected ErrDeadlinePassed, got %v", err)
	}
	stored, err := f.store.GetAttempt(context.Background(), a.ID)
	if err != nil {
		t.Fatalf("GetAttempt: %v", err)
	}
	if stored.Status != model.AttemptGraded || stored.CloseReason != model.CloseExpired {
		t.Errorf("expected attempt expired by the late write, got %s/%s", stored.Status, stored.CloseReason)
	}
	if stored.TimeSpentSeconds != 600 {
		t.Errorf("expected 600s spent, got %d", stored.TimeSpentSeconds)
	}
}

func TestRecordAnswerValidation(t *testing.T) {
	f := newFixture(t, model.Exam{}, choiceQuestions(3, 1), model.Schedule{TotalQuestions: 2, MaxAttempts: 1})
	other := newFixture(t, model.Exam{Title: "Other"}, choiceQuestions(1, 1), model.Schedule{MaxAttempts: 1})
	a := f.start(t, "stu")

	var notServed string
	for _, q := range f.questions {
		if !a.Includes(q.ID) {
			notServed = q.ID
		}
	}
	if notServed == "" {
		t.Fatal("expected one question left out of the subset")
	}

	tests := []struct {
		name       string
		questionID string
		ans        model.Answer
		wantErr    error
	}{
		{"not served", notServed, model.Answer{Type: model.QuestionMultipleChoice, Choice: "A"}, model.ErrQuestionNotInAttempt},
		{"other exam", other.questions[0].ID, model.Answer{Type: model.QuestionMultipleChoice, Choice: "A"}, model.ErrQuestionNotInAttempt},
		{"unknown question", "nope", model.Answer{Type: model.QuestionMultipleChoice, Choice: "A"}, model.ErrQuestionNotInAttempt},
		{"wrong type", a.QuestionOrder[0], model.Answer{Type: model.QuestionEssay, Text: "x"}, model.ErrInvalidAnswer},
		{"unknown option", a.QuestionOrder[0], model.Answer{Type: model.QuestionMultipleChoice, Choice: "Z"}, model.ErrInvalidAnswer},
		{"blank", a.QuestionOrder[0], model.Answer{Type: model.QuestionMultipleChoice}, nil},
		{"ok", a.QuestionOrder[1], model.Answer{Type: model.QuestionMultipleChoice, Choice: "B"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.RecordAnswer(asStudent("stu"), a.ID, tt.questionID, tt.ans)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}

	// Another student cannot write into the attempt.
	_, err := f.svc.RecordAnswer(asStudent("intruder"), a.ID, a.QuestionOrder[0],
		model.Answer{Type: model.QuestionMultipleChoice, Choice: "A"})
	if !errors.Is(err, model.ErrNotFound) {
		t.Errorf("expected ErrNotFound for another student, got %v", err)
	}
}

func TestSubsetScoredAgainstServedPoints(t *testing.T) {
	qs := choiceQuestions(4, 0)
	for i := range qs {
		qs[i].Points = float64(i + 1) // 1, 2, 3, 4
	}
	f := newFixture(t, model.Exam{}, qs, model.Schedule{TotalQuestions: 2, MaxAttempts: 1})
	a := f.start(t, "stu")
	f.answer(t, "stu", a, a.QuestionOrder[0], "A")

	res, err := f.svc.Submit(asStudent("stu"), a.ID)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	// Unshuffled order serves the first two questions: 1 + 2 points.
	if res.Attempt.TotalPoints != 3 {
		t.Errorf("expected total points 3, got %v", res.Attempt.TotalPoints)
	}
	if res.Attempt.Score != 1 {
		t.Errorf("expected score 1, got %v", res.Attempt.Score)
	}
	want := 100.0 / 3
	if diff := res.Attempt.Percentage - want; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("expected percentage %v, got %v", want, res.Attempt.Percentage)
	}
}

func TestConcurrentStartSingleActive(t *testing.T) {
	f := newFixture(t, model.Exam{}, choiceQuestions(3, 1), model.Schedule{MaxAttempts: 3})

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.svc.Start(asStudent("stu"), f.schedule.ID, model.ClientMeta{})
		}(i)
	}
	wg.Wait()

	ok, active := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, model.ErrAttemptAlreadyActive):
			active++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if ok != 1 || active != n-1 {
		t.Errorf("expected 1 success and %d already-active, got %d and %d", n-1, ok, active)
	}

	attempts, err := f.store.ListStudentAttempts(context.Background(), "stu", f.schedule.ID)
	if err != nil {
		t.Fatalf("ListStudentAttempts: %v", err)
	}
	if len(attempts) != 1 {
		t.Errorf("expected exactly one stored attempt, got %d", len(attempts))
	}
}

func TestAttemptLimit(t *testing.T) {
	f := newFixture(t, model.Exam{MaxAttempts: 5}, choiceQuestions(2, 1), model.Schedule{MaxAttempts: 2})

	for i := 0; i < 2; i++ {
		a := f.start(t, "stu")
		if _, err := f.svc.Submit(asStudent("stu"), a.ID); err != nil {
			t.Fatalf("Submit %d: %v", i, err)
		}
	}
	for i := 0; i < 3; i++ {
		if _, err := f.svc.Start(asStudent("stu"), f.schedule.ID, model.ClientMeta{}); !errors.Is(err, model.ErrAttemptLimitExceeded) {
			t.Fatalf("expected ErrAttemptLimitExceeded, got %v", err)
		}
	}
}

func TestAttemptLimitFallsBackToExam(t *testing.T) {
	f := newFixture(t, model.Exam{MaxAttempts: 1}, choiceQuestions(1, 1), model.Schedule{})
	a := f.start(t, "stu")
	if _, err := f.svc.Submit(asStudent("stu"), a.ID); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, err := f.svc.Start(asStudent("stu"), f.schedule.ID, model.ClientMeta{}); !errors.Is(err, model.ErrAttemptLimitExceeded) {
		t.Errorf("expected ErrAttemptLimitExceeded, got %v", err)
	}
}

func TestStartExpiresStaleAttempt(t *testing.T) {
	f := newFixture(t, model.Exam{}, choiceQuestions(2, 1), model.Schedule{DurationMinutes: 10, MaxAttempts: 2})
	first := f.start(t, "stu")

	// Still active: a second start is rejected.
	if _, err := f.svc.Start(asStudent("stu"), f.schedule.ID, model.ClientMeta{}); !errors.Is(err, model.ErrAttemptAlreadyActive) {
		t.Fatalf("expected ErrAttemptAlreadyActive, got %v", err)
	}

	f.clock.Set(windowStart.Add(20 * time.Minute))
	second := f.start(t, "stu")
	if second.ID == first.ID {
		t.Fatal("expected a new attempt")
	}
	old, err := f.store.GetAttempt(context.Background(), first.ID)
	if err != nil {
		t.Fatalf("GetAttempt: %v", err)
	}
	if old.CloseReason != model.CloseExpired || old.Status != model.AttemptGraded {
		t.Errorf("expected stale attempt expired and graded, got %s/%s", old.Status, old.CloseReason)
	}
}

func TestSweepExpired(t *testing.T) {
	f := newFixture(t, model.Exam{}, choiceQuestions(2, 1), model.Schedule{DurationMinutes: 10, MaxAttempts: 1})
	early := f.start(t, "early")
	f.clock.Set(windowStart.Add(30 * time.Minute))
	late := f.start(t, "late")

	f.clock.Set(windowStart.Add(35 * time.Minute))
	n, err := f.svc.SweepExpired(context.Background(), 0)
	if err != nil {
		t.Fatalf("SweepExpired: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 expired attempt, got %d", n)
	}

	ctx := context.Background()
	a, _ := f.store.GetAttempt(ctx, early.ID)
	if a.CloseReason != model.CloseExpired {
		t.Errorf("expected early attempt expired, got %q", a.CloseReason)
	}
	b, _ := f.store.GetAttempt(ctx, late.ID)
	if b.Status != model.AttemptInProgress {
		t.Errorf("expected late attempt still in progress, got %q", b.Status)
	}

	last, err := f.store.LastSweep(ctx)
	if err != nil || !last.Equal(windowStart.Add(35*time.Minute)) {
		t.Errorf("expected last sweep recorded, got %v (%v)", last, err)
	}

	// Running the sweep again is harmless.
	n, err = f.svc.SweepExpired(ctx, 0)
	if err != nil || n != 0 {
		t.Errorf("expected no-op sweep, got %d (%v)", n, err)
	}
}

func TestGradeLabelFromBands(t *testing.T) {
	f := newFixture(t, model.Exam{}, choiceQuestions(4, 1), model.Schedule{ClassName: "9A", MaxAttempts: 2})
	tenantBands := []model.GradeBand{
		{MinScore: 80, MaxScore: 100, Label: "A", Passing: true},
		{MinScore: 0, MaxScore: 79.99, Label: "F"},
	}
	if _, err := f.svc.ConfigureBands(asTeacher(), model.ScopeTenant, "", tenantBands); err != nil {
		t.Fatalf("ConfigureBands tenant: %v", err)
	}
	// The class scope is more specific and leaves 0-50 uncovered.
	classBands := []model.GradeBand{{MinScore: 50, MaxScore: 100, Label: "Pass", Passing: true}}
	rep, err := f.svc.ConfigureBands(asTeacher(), model.ScopeClass, "9A", classBands)
	if err != nil {
		t.Fatalf("ConfigureBands class: %v", err)
	}
	if rep.Complete() {
		t.Error("expected class bands to report a gap")
	}

	a := f.start(t, "stu")
	for _, qid := range a.QuestionOrder[:3] {
		f.answer(t, "stu", a, qid, "A")
	}
	res, err := f.svc.Submit(asStudent("stu"), a.ID)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.Attempt.GradeLabel != "Pass" {
		t.Errorf("expected class label 'Pass', got %q", res.Attempt.GradeLabel)
	}

	// 0% falls into the class gap: graded, but without a label.
	b := f.start(t, "stu")
	res, err = f.svc.Submit(asStudent("stu"), b.ID)
	if err != nil {
		t.Fatalf("Submit gap: %v", err)
	}
	if res.Attempt.Status != model.AttemptGraded || res.Attempt.GradeLabel != "" {
		t.Errorf("expected graded attempt with no label, got %s %q", res.Attempt.Status, res.Attempt.GradeLabel)
	}
}

func TestConfigureBandsValidation(t *testing.T) {
	f := newFixture(t, model.Exam{}, choiceQuestions(1, 1), model.Schedule{})
	tests := []struct {
		name  string
		scope model.BandScope
		ref   string
		bands []model.GradeBand
	}{
		{"empty", model.ScopeTenant, "", nil},
		{"min above max", model.ScopeTenant, "", []model.GradeBand{{MinScore: 90, MaxScore: 10, Label: "X"}}},
		{"out of range", model.ScopeTenant, "", []model.GradeBand{{MinScore: 0, MaxScore: 120, Label: "X"}}},
		{"missing ref", model.ScopeExam, "", []model.GradeBand{{MinScore: 0, MaxScore: 100, Label: "X"}}},
		{"unknown scope", "galaxy", "x", []model.GradeBand{{MinScore: 0, MaxScore: 100, Label: "X"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.ConfigureBands(asTeacher(), tt.scope, tt.ref, tt.bands)
			if !errors.Is(err, model.ErrInvalidBands) {
				t.Errorf("expected ErrInvalidBands, got %v", err)
			}
		})
	}
}

func TestGetResultHidesAnswersWithoutReview(t *testing.T) {
	f := newFixture(t, model.Exam{AllowReview: false}, choiceQuestions(2, 1), model.Schedule{MaxAttempts: 1})
	a := f.start(t, "stu")
	f.answer(t, "stu", a, a.QuestionOrder[0], "A")

	res, err := f.svc.GetResult(asStudent("stu"), a.ID)
	if err != nil {
		t.Fatalf("GetResult: %v", err)
	}
	if len(res.Answers) != 1 {
		t.Errorf("expected own answers while in progress, got %d", len(res.Answers))
	}

	if _, err := f.svc.Submit(asStudent("stu"), a.ID); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	res, err = f.svc.GetResult(asStudent("stu"), a.ID)
	if err != nil {
		t.Fatalf("GetResult: %v", err)
	}
	if len(res.Answers) != 0 {
		t.Errorf("expected answers hidden after grading, got %d", len(res.Answers))
	}

	review, err := f.svc.ReviewAttempt(asTeacher(), a.ID)
	if err != nil {
		t.Fatalf("ReviewAttempt: %v", err)
	}
	if len(review.Answers) != 1 || review.Answers[0].Outcome != model.OutcomeCorrect {
		t.Errorf("expected graded answers for staff, got %+v", review.Answers)
	}

	if _, err := f.svc.GetResult(asStudent("someone-else"), a.ID); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("expected ErrNotFound for another student, got %v", err)
	}
}

func TestAttemptQuestionsHideKeys(t *testing.T) {
	f := newFixture(t, model.Exam{RandomizeQuestions: true, RandomizeAnswers: true, ShowCorrectAnswers: true},
		choiceQuestions(5, 1), model.Schedule{MaxAttempts: 1})
	a := f.start(t, "stu")

	qs, err := f.svc.AttemptQuestions(asStudent("stu"), a.ID)
	if err != nil {
		t.Fatalf("AttemptQuestions: %v", err)
	}
	if len(qs) != 5 {
		t.Fatalf("expected 5 questions, got %d", len(qs))
	}
	for i, q := range qs {
		if q.ID != a.QuestionOrder[i] {
			t.Errorf("question %d out of frozen order", i)
		}
		if q.CorrectAnswer != "" {
			t.Errorf("answer key leaked for %s", q.ID)
		}
		for j, o := range q.Options {
			if o.Key != a.OptionOrder[q.ID][j] {
				t.Errorf("options of %s not in frozen order", q.ID)
				break
			}
		}
	}

	// Re-reading yields the same order.
	again, _ := f.svc.AttemptQuestions(asStudent("stu"), a.ID)
	for i := range qs {
		if again[i].ID != qs[i].ID {
			t.Fatal("question order changed between reads")
		}
	}

	if _, err := f.svc.Submit(asStudent("stu"), a.ID); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	qs, _ = f.svc.AttemptQuestions(asStudent("stu"), a.ID)
	if qs[0].CorrectAnswer != "A" {
		t.Errorf("expected key revealed after grading, got %q", qs[0].CorrectAnswer)
	}
}

func TestRunItemAnalysis(t *testing.T) {
	f := newFixture(t, model.Exam{}, choiceQuestions(2, 1), model.Schedule{MaxAttempts: 1})
	ctx := asTeacher()

	if _, err := f.svc.RunItemAnalysis(ctx, f.exam.ID); !errors.Is(err, model.ErrInsufficientData) {
		t.Fatalf("expected ErrInsufficientData, got %v", err)
	}

	// Four students: the first two answer q1 right, everyone misses q2 except
	// the top scorer.
	students := []struct {
		id      string
		answers []string
	}{
		{"s1", []string{"A", "A"}},
		{"s2", []string{"A", "B"}},
		{"s3", []string{"B", "B"}},
		{"s4", []string{"C", ""}},
	}
	for _, st := range students {
		a := f.start(t, st.id)
		for i, choice := range st.answers {
			if choice != "" {
				f.answer(t, st.id, a, a.QuestionOrder[i], choice)
			}
		}
		if _, err := f.svc.Submit(asStudent(st.id), a.ID); err != nil {
			t.Fatalf("Submit %s: %v", st.id, err)
		}
	}
	// An in-progress attempt is ignored.
	f.start(t, "s5")

	run, err := f.svc.RunItemAnalysis(ctx, f.exam.ID)
	if err != nil {
		t.Fatalf("RunItemAnalysis: %v", err)
	}
	if run.Attempts != 4 {
		t.Errorf("expected 4 graded attempts analyzed, got %d", run.Attempts)
	}
	results := run.Items
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	byQuestion := make(map[string]model.ItemAnalysis)
	for _, r := range results {
		byQuestion[r.QuestionID] = r
	}
	q1 := byQuestion[f.questions[0].ID]
	if q1.TotalAttempts != 4 || q1.CorrectCount != 2 || q1.IncorrectCount != 2 {
		t.Errorf("unexpected q1 counts: %+v", q1)
	}
	if q1.DifficultyIndex != 0.5 {
		t.Errorf("expected q1 difficulty 0.5, got %v", q1.DifficultyIndex)
	}
	if q1.DiscriminationIndex == nil || *q1.DiscriminationIndex != 1 {
		t.Errorf("expected q1 discrimination 1, got %v", q1.DiscriminationIndex)
	}
	q2 := byQuestion[f.questions[1].ID]
	if q2.BlankCount != 1 || q2.IncorrectCount != 2 || q2.CorrectCount != 1 {
		t.Errorf("unexpected q2 counts: %+v", q2)
	}
	if q2.OptionStatistics["B"].SelectedCount != 2 {
		t.Errorf("expected option B selected twice, got %+v", q2.OptionStatistics)
	}

	stored, err := f.svc.GetItemAnalysis(ctx, f.exam.ID)
	if err != nil {
		t.Fatalf("GetItemAnalysis: %v", err)
	}
	if len(stored) != 2 {
		t.Errorf("expected 2 stored results, got %d", len(stored))
	}

	// Another tenant cannot run it.
	foreign := model.ContextWithPrincipal(context.Background(),
		&model.Principal{Subject: "t", TenantID: "school-2", Role: model.UserRoleTeacher})
	if _, err := f.svc.RunItemAnalysis(foreign, f.exam.ID); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("expected ErrNotFound for another tenant, got %v", err)
	}
}

func TestRunItemAnalysisCountsAttemptsOnSubsets(t *testing.T) {
	f := newFixture(t, model.Exam{RandomizeQuestions: true}, choiceQuestions(3, 1),
		model.Schedule{TotalQuestions: 1, MaxAttempts: 1})
	for i := 0; i < 6; i++ {
		id := fmt.Sprintf("s%d", i)
		a := f.start(t, id)
		if _, err := f.svc.Submit(asStudent(id), a.ID); err != nil {
			t.Fatalf("Submit %s: %v", id, err)
		}
	}

	run, err := f.svc.RunItemAnalysis(asTeacher(), f.exam.ID)
	if err != nil {
		t.Fatalf("RunItemAnalysis: %v", err)
	}
	if run.Attempts != 6 {
		t.Errorf("expected 6 graded attempts, got %d", run.Attempts)
	}
	served := 0
	for _, it := range run.Items {
		served += it.TotalAttempts
	}
	if served != 6 {
		t.Errorf("each attempt serves one question, got %d servings", served)
	}
}

func TestRunItemAnalysisOutlivesCaller(t *testing.T) {
	f := newFixture(t, model.Exam{}, choiceQuestions(2, 1), model.Schedule{MaxAttempts: 1})
	for _, id := range []string{"s1", "s2"} {
		a := f.start(t, id)
		if _, err := f.svc.Submit(asStudent(id), a.ID); err != nil {
			t.Fatalf("Submit %s: %v", id, err)
		}
	}

	// The analysis reads the clock once it is computing; cancel the
	// caller's context at that point.
	ctx, cancel := context.WithCancel(asTeacher())
	defer cancel()
	svc := New(f.store, WithClock(func() time.Time {
		cancel()
		return windowStart.Add(2 * time.Hour)
	}))
	run, err := svc.RunItemAnalysis(ctx, f.exam.ID)
	if err != nil {
		t.Fatalf("RunItemAnalysis after caller went away: %v", err)
	}
	if len(run.Items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(run.Items))
	}
	stored, err := f.svc.GetItemAnalysis(asTeacher(), f.exam.ID)
	if err != nil || len(stored) != 2 {
		t.Errorf("expected stored results, got %d (%v)", len(stored), err)
	}
}

func TestExpire(t *testing.T) {
	f := newFixture(t, model.Exam{}, choiceQuestions(2, 1), model.Schedule{MaxAttempts: 1})
	ctx := context.Background()
	a := f.start(t, "stu")
	f.answer(t, "stu", a, a.QuestionOrder[0], "A")

	f.clock.Set(windowStart.Add(29 * time.Minute))
	got, err := f.svc.Expire(ctx, a.ID)
	if err != nil {
		t.Fatalf("Expire before deadline: %v", err)
	}
	if got.Status != model.AttemptInProgress || got.SubmittedAt != nil {
		t.Errorf("expected no-op before deadline, got %+v", got)
	}

	f.clock.Set(windowStart.Add(40 * time.Minute))
	got, err = f.svc.Expire(ctx, a.ID)
	if err != nil {
		t.Fatalf("Expire: %v", err)
	}
	if got.Status != model.AttemptGraded || got.CloseReason != model.CloseExpired {
		t.Errorf("expected graded expired attempt, got %s/%s", got.Status, got.CloseReason)
	}
	if got.SubmittedAt == nil || !got.SubmittedAt.Equal(a.Deadline) {
		t.Errorf("expected submitted_at at deadline %v, got %v", a.Deadline, got.SubmittedAt)
	}
	if got.TimeSpentSeconds != 30*60 || got.Score != 1 {
		t.Errorf("unexpected time spent or score: %+v", got)
	}

	f.clock.Set(windowStart.Add(50 * time.Minute))
	again, err := f.svc.Expire(ctx, a.ID)
	if err != nil {
		t.Fatalf("second Expire: %v", err)
	}
	if again.Status != model.AttemptGraded || !again.SubmittedAt.Equal(*got.SubmittedAt) || again.Score != got.Score {
		t.Errorf("second expire changed the attempt: %+v", again)
	}

	if _, err := f.svc.Expire(ctx, "missing"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestStudentAttempts(t *testing.T) {
	f := newFixture(t, model.Exam{}, choiceQuestions(2, 1), model.Schedule{MaxAttempts: 2})
	first := f.start(t, "stu")
	if _, err := f.svc.Submit(asStudent("stu"), first.ID); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	f.clock.Set(windowStart.Add(5 * time.Minute))
	second := f.start(t, "stu")
	f.start(t, "other")

	// The second attempt runs out unnoticed and is closed by the listing.
	f.clock.Set(windowStart.Add(40 * time.Minute))
	attempts, err := f.svc.StudentAttempts(asStudent("stu"), f.schedule.ID)
	if err != nil {
		t.Fatalf("StudentAttempts: %v", err)
	}
	if len(attempts) != 2 || attempts[0].ID != first.ID || attempts[1].ID != second.ID {
		t.Fatalf("expected the student's two attempts in order, got %+v", attempts)
	}
	if attempts[1].CloseReason != model.CloseExpired {
		t.Errorf("expected second attempt expired, got %q", attempts[1].CloseReason)
	}

	if _, err := f.svc.StudentAttempts(asStudent("stu"), "missing"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestCreateExamValidation(t *testing.T) {
	f := newFixture(t, model.Exam{}, choiceQuestions(1, 1), model.Schedule{})
	tf := model.Question{Text: "Sky is blue", Type: model.QuestionTrueFalse, CorrectAnswer: "true", Points: 1, Active: true}

	tests := []struct {
		name    string
		in      model.ExamImport
		wantErr error
	}{
		{"no title", model.ExamImport{}, model.ErrInvalidExam},
		{"bad type", model.ExamImport{Exam: model.Exam{Title: "x", Type: "oral"}}, model.ErrInvalidExam},
		{"key not an option", model.ExamImport{Exam: model.Exam{Title: "x"}, Questions: []model.Question{
			{Type: model.QuestionMultipleChoice, Options: model.Options{{Key: "A"}, {Key: "B"}}, CorrectAnswer: "C"},
		}}, model.ErrInvalidExam},
		{"duplicate keys", model.ExamImport{Exam: model.Exam{Title: "x"}, Questions: []model.Question{
			{Type: model.QuestionMultipleChoice, Options: model.Options{{Key: "A"}, {Key: "A"}}, CorrectAnswer: "A"},
		}}, model.ErrInvalidExam},
		{"bad true/false key", model.ExamImport{Exam: model.Exam{Title: "x"}, Questions: []model.Question{
			{Type: model.QuestionTrueFalse, CorrectAnswer: "yes"},
		}}, model.ErrInvalidExam},
		{"ok", model.ExamImport{Exam: model.Exam{Title: "x"}, Questions: []model.Question{tf}}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.CreateExam(asTeacher(), tt.in)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestReplaceQuestionsLocked(t *testing.T) {
	f := newFixture(t, model.Exam{}, choiceQuestions(2, 1), model.Schedule{MaxAttempts: 1})
	if _, err := f.svc.ReplaceQuestions(asTeacher(), f.exam.ID, choiceQuestions(3, 1)); err != nil {
		t.Fatalf("ReplaceQuestions: %v", err)
	}
	f.start(t, "stu")
	if _, err := f.svc.ReplaceQuestions(asTeacher(), f.exam.ID, choiceQuestions(1, 1)); !errors.Is(err, model.ErrExamLocked) {
		t.Errorf("expected ErrExamLocked, got %v", err)
	}
}

func TestFreezeOrderDeterministic(t *testing.T) {
	qs := choiceQuestions(10, 1)
	for i := range qs {
		qs[i].ID = fmt.Sprintf("q%02d", i)
	}
	exam := model.Exam{RandomizeQuestions: true, RandomizeAnswers: true}
	sc := model.Schedule{}

	o1, opt1 := freezeOrder("attempt-1", exam, sc, qs)
	o2, opt2 := freezeOrder("attempt-1", exam, sc, qs)
	if fmt.Sprint(o1) != fmt.Sprint(o2) || fmt.Sprint(opt1) != fmt.Sprint(opt2) {
		t.Error("same attempt id produced different orders")
	}
	seen := make(map[string]bool)
	for _, id := range o1 {
		seen[id] = true
	}
	if len(seen) != 10 {
		t.Errorf("expected a permutation of 10 questions, got %v", o1)
	}

	plain, opts := freezeOrder("attempt-1", model.Exam{}, sc, qs)
	for i, id := range plain {
		if id != qs[i].ID {
			t.Fatalf("expected authored order without randomization, got %v", plain)
		}
	}
	if opts != nil {
		t.Errorf("expected no option order, got %v", opts)
	}

	qs[3].Active = false
	subset, _ := freezeOrder("attempt-1", model.Exam{}, model.Schedule{TotalQuestions: 4}, qs)
	if fmt.Sprint(subset) != "[q00 q01 q02 q04]" {
		t.Errorf("expected first four active questions, got %v", subset)
	}
}
