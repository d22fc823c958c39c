package exam

import (
	"context"
	"time"
)

type AttemptStatus string

const (
	StatusInProgress    AttemptStatus = "in_progress"
	StatusPassed        AttemptStatus = "passed"
	StatusFailed        AttemptStatus = "failed"
	StatusPendingRetake AttemptStatus = "pending_retake"
)

func (s AttemptStatus) Terminal() bool {
	switch s {
	case StatusPassed, StatusFailed, StatusPendingRetake:
		return true
	default:
		return false
	}
}

type GradedAnswer struct {
	QuestionID int64      `json:"question_id"`
	UserAnswer UserAnswer `json:"user_answer"`
	IsCorrect  bool       `json:"is_correct"`
}

// Attempt is one try at an exam. It is created IN_PROGRESS by StartAttempt
// and written exactly once more by SubmitAttempt.
type Attempt struct {
	ID             int64          `json:"id"`
	UserID         int64          `json:"user_id"`
	ExamID         int64          `json:"exam_id"`
	AttemptNumber  int            `json:"attempt_number"`
	Status         AttemptStatus  `json:"status"`
	Score          *float64       `json:"score,omitempty"`
	CorrectCount   *int           `json:"correct_count,omitempty"`
	TotalQuestions int            `json:"total_questions"`
	QuestionIDs    []int64        `json:"question_ids"`
	Answers        []GradedAnswer `json:"answers,omitempty"`
	StartedAt      time.Time      `json:"started_at"`
	SubmittedAt    *time.Time     `json:"submitted_at,omitempty"`
	GradedAt       *time.Time     `json:"graded_at,omitempty"`
	TimeSpent      *int           `json:"time_spent,omitempty"`
	CanRetake      bool           `json:"can_retake"`
	NextRetakeAt   *time.Time     `json:"next_retake_at,omitempty"`
	Version        int            `json:"-"`
}

func (a *Attempt) Graded() bool {
	return a.SubmittedAt != nil || a.Status.Terminal()
}

type WrongQuestion struct {
	ID            int64      `json:"id"`
	UserID        int64      `json:"user_id"`
	QuestionID    int64      `json:"question_id"`
	ExamAttemptID *int64     `json:"exam_attempt_id,omitempty"`
	WrongCount    int        `json:"wrong_count"`
	LastWrongAt   time.Time  `json:"last_wrong_at"`
	MyAnswer      string     `json:"my_answer"`
	Mastered      bool       `json:"mastered"`
	MasteredAt    *time.Time `json:"mastered_at,omitempty"`
}

// Grading is the single write that closes an attempt. Version must match
// the row read by the caller.
type Grading struct {
	AttemptID    int64
	UserID       int64
	Version      int
	Status       AttemptStatus
	Score        float64
	CorrectCount int
	Answers      []GradedAnswer
	Wrong        []GradedAnswer
	GradedAt     time.Time
	TimeSpent    *int
	CanRetake    bool
	NextRetakeAt *time.Time
}

// Store persists exam definitions and attempts. Implementations must
// reject a second IN_PROGRESS attempt or a duplicate attempt number with
// ErrConcurrentAttempt, and must apply a Grading only while the attempt is
// still unsubmitted, returning ErrAlreadySubmitted otherwise.
type Store interface {
	GetExam(ctx context.Context, examID int64) (*Exam, error)
	GetQuestions(ctx context.Context, ids []int64) (map[int64]Question, error)
	ListActiveQuestionsByCategory(ctx context.Context, category string, courseID, chapterID *int64, limit int) ([]Question, error)

	// ListAttempts returns newest first: by attempt_number when examID is
	// set, by started_at otherwise.
	ListAttempts(ctx context.Context, userID int64, examID *int64) ([]Attempt, error)
	CreateAttempt(ctx context.Context, a *Attempt) error
	GradeAttempt(ctx context.Context, g Grading) (*Attempt, error)

	ListWrongQuestions(ctx context.Context, userID int64, includeMastered bool) ([]WrongQuestion, error)
	MarkWrongQuestionMastered(ctx context.Context, userID, id int64, at time.Time) (*WrongQuestion, error)
}
