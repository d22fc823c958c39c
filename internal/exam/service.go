package exam

import (
	"context"
	"fmt"
	"sort"
	"time"

	"crewtrain/internal/events"
	"crewtrain/internal/platform/clock"
	"crewtrain/internal/platform/logger"
)

type eventPublisher interface {
	Publish(ctx context.Context, ev events.Event) error
}

type Service struct {
	store  Store
	clock  clock.Clock
	log    *logger.Logger
	events eventPublisher
}

type StartResult struct {
	Attempt   Attempt             `json:"attempt"`
	ExamTitle string              `json:"exam_title"`
	ExpiresAt *time.Time          `json:"expires_at,omitempty"`
	Questions []PresentedQuestion `json:"questions"`
}

type AnswerInput struct {
	QuestionID int64      `json:"question_id"`
	UserAnswer UserAnswer `json:"user_answer"`
}

type SubmitInput struct {
	UserID    int64
	ExamID    int64
	Answers   []AnswerInput
	TimeSpent *int
}

type SubmitResult struct {
	AttemptID      int64      `json:"exam_record_id"`
	ExamID         int64      `json:"exam_id"`
	ExamTitle      string     `json:"exam_title"`
	Score          float64    `json:"score"`
	Passed         bool       `json:"passed"`
	Status         string     `json:"status"`
	AttemptNumber  int        `json:"attempt_number"`
	MaxAttempts    int        `json:"max_attempts"`
	CanRetake      bool       `json:"can_retake"`
	NextRetakeAt   *time.Time `json:"next_retake_at,omitempty"`
	CorrectCount   int        `json:"correct_count"`
	TotalQuestions int        `json:"total_questions"`
	TimeSpent      *int       `json:"time_spent,omitempty"`
}

func NewService(store Store, clk clock.Clock, log *logger.Logger, pub eventPublisher) *Service {
	if clk == nil {
		clk = clock.System{}
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Service{
		store:  store,
		clock:  clk,
		log:    log.With("service", "ExamService"),
		events: pub,
	}
}

// StartAttempt opens the next attempt for (user, exam) after checking
// publication, attempt budget and retake cooldown.
func (s *Service) StartAttempt(ctx context.Context, userID, examID int64) (*StartResult, error) {
	if userID <= 0 {
		return nil, &ValidationError{Field: "user_id", Reason: "is required"}
	}
	if examID <= 0 {
		return nil, &ValidationError{Field: "exam_id", Reason: "is required"}
	}

	exam, err := s.store.GetExam(ctx, examID)
	if err != nil {
		return nil, err
	}
	if !exam.IsPublished {
		return nil, ErrExamUnpublished
	}
	if !exam.IsActive {
		return nil, ErrExamInactive
	}
	if err := exam.Validate(); err != nil {
		s.log.Warn("exam configuration invalid", "exam_id", exam.ID, "error", err)
		return nil, err
	}

	prior, err := s.store.ListAttempts(ctx, userID, &examID)
	if err != nil {
		return nil, fmt.Errorf("list prior attempts: %w", err)
	}

	attemptNumber := len(prior) + 1
	if attemptNumber > exam.MaxAttempts {
		return nil, &ExhaustedError{MaxAttempts: exam.MaxAttempts, Attempts: len(prior)}
	}

	now := s.clock.Now()
	if len(prior) > 0 {
		last := prior[0]
		if last.NextRetakeAt != nil && now.Before(*last.NextRetakeAt) {
			return nil, &CooldownError{NextRetakeAt: *last.NextRetakeAt}
		}
	}

	questions, err := s.selectQuestions(ctx, exam)
	if err != nil {
		return nil, err
	}
	if len(questions) != exam.TotalQuestions {
		s.log.Warn("presented question count differs from total_questions",
			"exam_id", exam.ID, "presented", len(questions), "total_questions", exam.TotalQuestions)
	}

	ids := make([]int64, 0, len(questions))
	presented := make([]PresentedQuestion, 0, len(questions))
	for _, q := range questions {
		ids = append(ids, q.ID)
		presented = append(presented, q.Present())
	}

	attempt := &Attempt{
		UserID:         userID,
		ExamID:         exam.ID,
		AttemptNumber:  attemptNumber,
		Status:         StatusInProgress,
		TotalQuestions: exam.TotalQuestions,
		QuestionIDs:    ids,
		StartedAt:      now,
		Version:        1,
	}
	if err := s.store.CreateAttempt(ctx, attempt); err != nil {
		return nil, err
	}

	s.publish(ctx, events.Event{
		Kind:          events.AttemptStarted,
		OccurredAt:    now,
		UserID:        userID,
		ExamID:        exam.ID,
		AttemptID:     attempt.ID,
		AttemptNumber: attempt.AttemptNumber,
		Status:        string(attempt.Status),
	})

	res := &StartResult{
		Attempt:   *attempt,
		ExamTitle: exam.Title,
		Questions: presented,
	}
	if exam.TimeLimitMinutes != nil {
		expires := now.Add(time.Duration(*exam.TimeLimitMinutes) * time.Minute)
		res.ExpiresAt = &expires
	}
	return res, nil
}

func (s *Service) selectQuestions(ctx context.Context, exam *Exam) ([]Question, error) {
	if len(exam.QuestionIDs) > 0 {
		byID, err := s.store.GetQuestions(ctx, exam.QuestionIDs)
		if err != nil {
			return nil, fmt.Errorf("load exam questions: %w", err)
		}
		out := make([]Question, 0, len(exam.QuestionIDs))
		for _, id := range exam.QuestionIDs {
			q, ok := byID[id]
			if !ok || !q.Active {
				s.log.Warn("exam references missing or inactive question", "exam_id", exam.ID, "question_id", id)
				continue
			}
			out = append(out, q)
		}
		return out, nil
	}

	if len(exam.Distribution) == 0 {
		return nil, nil
	}
	categories := make([]string, 0, len(exam.Distribution))
	for c := range exam.Distribution {
		categories = append(categories, c)
	}
	sort.Strings(categories)

	out := make([]Question, 0, exam.TotalQuestions)
	for _, c := range categories {
		want := exam.Distribution[c]
		qs, err := s.store.ListActiveQuestionsByCategory(ctx, c, exam.CourseID, exam.ChapterID, want)
		if err != nil {
			return nil, fmt.Errorf("load %s questions: %w", c, err)
		}
		if len(qs) < want {
			s.log.Warn("question bank short for category", "exam_id", exam.ID, "category", c, "want", want, "got", len(qs))
		}
		out = append(out, qs...)
	}
	return out, nil
}

// SubmitAttempt grades the in-progress attempt for (user, exam) and closes it.
func (s *Service) SubmitAttempt(ctx context.Context, in SubmitInput) (*SubmitResult, error) {
	if in.UserID <= 0 {
		return nil, &ValidationError{Field: "user_id", Reason: "is required"}
	}
	if in.ExamID <= 0 {
		return nil, &ValidationError{Field: "exam_id", Reason: "is required"}
	}
	if in.TimeSpent != nil && *in.TimeSpent < 0 {
		return nil, &ValidationError{Field: "time_spent", Reason: "must not be negative"}
	}

	exam, err := s.store.GetExam(ctx, in.ExamID)
	if err != nil {
		return nil, err
	}

	prior, err := s.store.ListAttempts(ctx, in.UserID, &in.ExamID)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	if len(prior) == 0 {
		return nil, ErrNoActiveAttempt
	}
	current := prior[0]
	if current.Graded() {
		return nil, ErrAlreadySubmitted
	}

	if err := validateAnswers(in.Answers, current.QuestionIDs); err != nil {
		return nil, err
	}

	ids := make([]int64, 0, len(in.Answers))
	for _, a := range in.Answers {
		ids = append(ids, a.QuestionID)
	}
	var byID map[int64]Question
	if len(ids) > 0 {
		byID, err = s.store.GetQuestions(ctx, ids)
		if err != nil {
			return nil, fmt.Errorf("load answered questions: %w", err)
		}
	}

	graded := make([]GradedAnswer, 0, len(in.Answers))
	wrong := make([]GradedAnswer, 0)
	correct := 0
	for _, a := range in.Answers {
		q, ok := byID[a.QuestionID]
		if !ok {
			s.log.Warn("answer references missing question", "attempt_id", current.ID, "question_id", a.QuestionID)
			graded = append(graded, GradedAnswer{QuestionID: a.QuestionID, UserAnswer: a.UserAnswer})
			continue
		}
		if !q.Active {
			s.log.Warn("answer references inactive question", "attempt_id", current.ID, "question_id", q.ID)
		}
		if k, ok := q.Key.(UnsupportedKey); ok && k.Reason != "" {
			s.log.Warn("question definition is malformed", "question_id", q.ID, "reason", k.Reason)
		}

		ga := GradedAnswer{QuestionID: a.QuestionID, UserAnswer: a.UserAnswer, IsCorrect: Grade(q, a.UserAnswer)}
		if ga.IsCorrect {
			correct++
		} else {
			wrong = append(wrong, ga)
		}
		graded = append(graded, ga)
	}

	if exam.TotalQuestions != current.TotalQuestions {
		s.log.Warn("exam total_questions changed since attempt start",
			"attempt_id", current.ID, "attempt_total", current.TotalQuestions, "exam_total", exam.TotalQuestions)
	}
	if correct > current.TotalQuestions {
		s.log.Warn("correct answers exceed total_questions", "attempt_id", current.ID, "correct", correct, "total_questions", current.TotalQuestions)
	}

	now := s.clock.Now()
	score := computeScore(correct, current.TotalQuestions)
	passed := score >= exam.PassScore
	status, canRetake, nextRetakeAt := retakeDecision(exam, current.AttemptNumber, passed, now)

	updated, err := s.store.GradeAttempt(ctx, Grading{
		AttemptID:    current.ID,
		UserID:       in.UserID,
		Version:      current.Version,
		Status:       status,
		Score:        score,
		CorrectCount: correct,
		Answers:      graded,
		Wrong:        wrong,
		GradedAt:     now,
		TimeSpent:    in.TimeSpent,
		CanRetake:    canRetake,
		NextRetakeAt: nextRetakeAt,
	})
	if err != nil {
		return nil, err
	}

	ev := events.Event{
		Kind:          events.AttemptGraded,
		OccurredAt:    now,
		UserID:        in.UserID,
		ExamID:        exam.ID,
		AttemptID:     updated.ID,
		AttemptNumber: updated.AttemptNumber,
		Status:        string(updated.Status),
		Score:         score,
		Passed:        passed,
	}
	if exam.CourseID != nil {
		ev.CourseID = *exam.CourseID
	}
	if exam.ChapterID != nil {
		ev.ChapterID = *exam.ChapterID
	}
	s.publish(ctx, ev)

	return &SubmitResult{
		AttemptID:      updated.ID,
		ExamID:         exam.ID,
		ExamTitle:      exam.Title,
		Score:          score,
		Passed:         passed,
		Status:         string(updated.Status),
		AttemptNumber:  updated.AttemptNumber,
		MaxAttempts:    exam.MaxAttempts,
		CanRetake:      canRetake,
		NextRetakeAt:   nextRetakeAt,
		CorrectCount:   correct,
		TotalQuestions: current.TotalQuestions,
		TimeSpent:      in.TimeSpent,
	}, nil
}

// ListAttempts returns a user's attempts, most recent first. A nil examID
// lists across exams.
func (s *Service) ListAttempts(ctx context.Context, userID int64, examID *int64) ([]Attempt, error) {
	if userID <= 0 {
		return nil, &ValidationError{Field: "user_id", Reason: "is required"}
	}
	items, err := s.store.ListAttempts(ctx, userID, examID)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	return items, nil
}

func (s *Service) ListWrongQuestions(ctx context.Context, userID int64, includeMastered bool) ([]WrongQuestion, error) {
	if userID <= 0 {
		return nil, &ValidationError{Field: "user_id", Reason: "is required"}
	}
	items, err := s.store.ListWrongQuestions(ctx, userID, includeMastered)
	if err != nil {
		return nil, fmt.Errorf("list wrong questions: %w", err)
	}
	return items, nil
}

func (s *Service) MarkWrongQuestionMastered(ctx context.Context, userID, id int64) (*WrongQuestion, error) {
	if userID <= 0 || id <= 0 {
		return nil, &ValidationError{Field: "id", Reason: "is required"}
	}
	return s.store.MarkWrongQuestionMastered(ctx, userID, id, s.clock.Now())
}

func (s *Service) publish(ctx context.Context, ev events.Event) {
	if s.events == nil {
		return
	}
	if err := s.events.Publish(ctx, ev); err != nil {
		s.log.Warn("publish event failed", "kind", ev.Kind, "attempt_id", ev.AttemptID, "error", err)
	}
}

func validateAnswers(answers []AnswerInput, presented []int64) error {
	allowed := make(map[int64]struct{}, len(presented))
	for _, id := range presented {
		allowed[id] = struct{}{}
	}
	seen := make(map[int64]struct{}, len(answers))
	for _, a := range answers {
		if a.QuestionID <= 0 {
			return &ValidationError{Field: "answers", Reason: "question_id must be positive"}
		}
		if _, dup := seen[a.QuestionID]; dup {
			return &ValidationError{Field: "answers", Reason: fmt.Sprintf("question %d answered twice", a.QuestionID)}
		}
		seen[a.QuestionID] = struct{}{}
		if len(allowed) > 0 {
			if _, ok := allowed[a.QuestionID]; !ok {
				return &ValidationError{Field: "answers", Reason: fmt.Sprintf("question %d was not presented in this attempt", a.QuestionID)}
			}
		}
	}
	return nil
}

// computeScore returns a percentage in [0,100]. The denominator is the
// total captured when the attempt started.
func computeScore(correct, total int) float64 {
	if total <= 0 {
		return 0
	}
	if correct > total {
		correct = total
	}
	if correct < 0 {
		correct = 0
	}
	return float64(correct) * 100 / float64(total)
}

func retakeDecision(exam *Exam, attemptNumber int, passed bool, now time.Time) (AttemptStatus, bool, *time.Time) {
	if passed {
		return StatusPassed, false, nil
	}
	if exam.AllowRetake && attemptNumber < exam.MaxAttempts {
		next := now.Add(exam.RetakeCooldown())
		return StatusPendingRetake, true, &next
	}
	return StatusFailed, false, nil
}
