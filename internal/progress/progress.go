package progress

import (
	"context"
	"errors"
	"time"
)

var (
	ErrChapterNotFound = errors.New("chapter not found")
	ErrContentNotFound = errors.New("content not found")
	ErrCourseNotFound  = errors.New("course not found")
	ErrInvalidInput    = errors.New("invalid input")
)

type Status string

const (
	StatusNotStarted Status = "not_started"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
)

type ChapterProgress struct {
	ID                int64      `json:"id"`
	UserID            int64      `json:"user_id"`
	ChapterID         int64      `json:"chapter_id"`
	CourseID          int64      `json:"course_id"`
	Status            Status     `json:"status"`
	CompletedContents int        `json:"completed_contents"`
	TotalContents     int        `json:"total_contents"`
	QuizPassed        bool       `json:"quiz_passed"`
	QuizScore         *float64   `json:"quiz_score,omitempty"`
	StartedAt         *time.Time `json:"started_at,omitempty"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

type CourseProgress struct {
	ID                 int64      `json:"id"`
	UserID             int64      `json:"user_id"`
	CourseID           int64      `json:"course_id"`
	Status             Status     `json:"status"`
	CompletedChapters  int        `json:"completed_chapters"`
	TotalChapters      int        `json:"total_chapters"`
	ProgressPercentage float64    `json:"progress_percentage"`
	StartedAt          *time.Time `json:"started_at,omitempty"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`
	LastAccessedAt     *time.Time `json:"last_accessed_at,omitempty"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

type Stats struct {
	TotalCourses      int     `json:"total_courses"`
	CompletedCourses  int     `json:"completed_courses"`
	InProgressCourses int     `json:"in_progress_courses"`
	TotalChapters     int     `json:"total_chapters"`
	CompletedChapters int     `json:"completed_chapters"`
	OverallProgress   float64 `json:"overall_progress"`
}

type Chapter struct {
	ID       int64
	CourseID int64
}

type Content struct {
	ID        int64
	ChapterID int64
}

// Catalog is the read side of course content. Counts are always taken from
// here, never from stored progress rows.
type Catalog interface {
	Chapter(ctx context.Context, chapterID int64) (Chapter, error)
	Content(ctx context.Context, contentID int64) (Content, error)
	ChapterContentIDs(ctx context.Context, chapterID int64) ([]int64, error)
	// CourseChapterIDs returns ErrCourseNotFound when the course is gone.
	CourseChapterIDs(ctx context.Context, courseID int64) ([]int64, error)
}

// Store persists progress rows. Get methods return nil, nil when no row
// exists. Save methods upsert and never clear started_at or completed_at.
type Store interface {
	GetChapterProgress(ctx context.Context, userID, chapterID int64) (*ChapterProgress, error)
	SaveChapterProgress(ctx context.Context, p *ChapterProgress) error
	ListChapterProgress(ctx context.Context, userID int64, courseID *int64) ([]ChapterProgress, error)
	GetCourseProgress(ctx context.Context, userID, courseID int64) (*CourseProgress, error)
	SaveCourseProgress(ctx context.Context, p *CourseProgress) error
	ListCourseProgress(ctx context.Context, userID int64) ([]CourseProgress, error)
	RecordContentCompletion(ctx context.Context, userID, contentID int64, at time.Time) error
	CountCompletedContents(ctx context.Context, userID int64, contentIDs []int64) (int, error)
}
