package progress

import (
	"context"
	"errors"
	"fmt"
	"time"

	"crewtrain/internal/events"
	"crewtrain/internal/platform/clock"
	"crewtrain/internal/platform/logger"
)

type eventPublisher interface {
	Publish(ctx context.Context, ev events.Event) error
}

const (
	reasonStart   = "chapter_started"
	reasonDone    = "chapter_completed"
	reasonContent = "content_completed"
	reasonQuiz    = "quiz_graded"
)

type Service struct {
	store   Store
	catalog Catalog
	clock   clock.Clock
	log     *logger.Logger
	events  eventPublisher
}

func NewService(store Store, catalog Catalog, clk clock.Clock, log *logger.Logger, pub eventPublisher) *Service {
	if clk == nil {
		clk = clock.System{}
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Service{
		store:   store,
		catalog: catalog,
		clock:   clk,
		log:     log.With("service", "ProgressService"),
		events:  pub,
	}
}

// chapterRow loads the user's row for a chapter, or a fresh NOT_STARTED row
// sized from the live content list.
func (s *Service) chapterRow(ctx context.Context, userID, chapterID int64) (*ChapterProgress, []int64, error) {
	if userID <= 0 || chapterID <= 0 {
		return nil, nil, ErrInvalidInput
	}
	ch, err := s.catalog.Chapter(ctx, chapterID)
	if err != nil {
		return nil, nil, err
	}
	contentIDs, err := s.catalog.ChapterContentIDs(ctx, chapterID)
	if err != nil {
		return nil, nil, fmt.Errorf("load chapter contents: %w", err)
	}

	row, err := s.store.GetChapterProgress(ctx, userID, chapterID)
	if err != nil {
		return nil, nil, fmt.Errorf("load chapter progress: %w", err)
	}
	if row == nil {
		row = &ChapterProgress{
			UserID:    userID,
			ChapterID: chapterID,
			Status:    StatusNotStarted,
		}
	}
	row.CourseID = ch.CourseID
	row.TotalContents = len(contentIDs)
	return row, contentIDs, nil
}

func (s *Service) StartChapter(ctx context.Context, userID, chapterID int64) (*ChapterProgress, error) {
	row, _, err := s.chapterRow(ctx, userID, chapterID)
	if err != nil {
		return nil, err
	}
	before := *row
	now := s.clock.Now()
	if row.Status == StatusNotStarted {
		row.Status = StatusInProgress
		row.StartedAt = &now
	}
	return s.saveChapter(ctx, &before, row, reasonStart, now)
}

// CompleteChapter marks the chapter done regardless of content completions.
func (s *Service) CompleteChapter(ctx context.Context, userID, chapterID int64) (*ChapterProgress, error) {
	row, _, err := s.chapterRow(ctx, userID, chapterID)
	if err != nil {
		return nil, err
	}
	before := *row
	now := s.clock.Now()
	row.Status = StatusCompleted
	row.CompletedContents = row.TotalContents
	if row.StartedAt == nil {
		row.StartedAt = &now
	}
	if row.CompletedAt == nil {
		row.CompletedAt = &now
	}
	return s.saveChapter(ctx, &before, row, reasonDone, now)
}

// CompleteContent records one finished content item and recounts the
// chapter from completion rows. Finishing every live content item completes
// the chapter.
func (s *Service) CompleteContent(ctx context.Context, userID, contentID int64) (*ChapterProgress, error) {
	if userID <= 0 || contentID <= 0 {
		return nil, ErrInvalidInput
	}
	content, err := s.catalog.Content(ctx, contentID)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	if err := s.store.RecordContentCompletion(ctx, userID, contentID, now); err != nil {
		return nil, fmt.Errorf("record content completion: %w", err)
	}

	row, contentIDs, err := s.chapterRow(ctx, userID, content.ChapterID)
	if err != nil {
		return nil, err
	}
	before := *row
	done, err := s.store.CountCompletedContents(ctx, userID, contentIDs)
	if err != nil {
		return nil, fmt.Errorf("count completed contents: %w", err)
	}
	row.CompletedContents = done

	if row.Status == StatusNotStarted {
		row.Status = StatusInProgress
	}
	if row.StartedAt == nil {
		row.StartedAt = &now
	}
	if row.TotalContents > 0 && done >= row.TotalContents {
		row.Status = StatusCompleted
		if row.CompletedAt == nil {
			row.CompletedAt = &now
		}
	}
	return s.saveChapter(ctx, &before, row, reasonContent, now)
}

// RecordQuizResult folds a graded chapter quiz into the chapter row:
// quiz_passed never reverts and quiz_score keeps the best result.
func (s *Service) RecordQuizResult(ctx context.Context, userID, chapterID int64, score float64, passed bool) (*ChapterProgress, error) {
	row, _, err := s.chapterRow(ctx, userID, chapterID)
	if err != nil {
		return nil, err
	}
	before := *row
	now := s.clock.Now()
	if passed {
		row.QuizPassed = true
	}
	if row.QuizScore == nil || score > *row.QuizScore {
		v := score
		row.QuizScore = &v
	}
	if row.Status == StatusNotStarted {
		row.Status = StatusInProgress
	}
	if row.StartedAt == nil {
		row.StartedAt = &now
	}
	return s.saveChapter(ctx, &before, row, reasonQuiz, now)
}

// HandleAttemptGraded is the bus subscriber for graded attempts. Attempts on
// exams that are not tied to a chapter are ignored.
func (s *Service) HandleAttemptGraded(ctx context.Context, ev events.Event) error {
	if ev.ChapterID <= 0 || ev.UserID <= 0 {
		return nil
	}
	_, err := s.RecordQuizResult(ctx, ev.UserID, ev.ChapterID, ev.Score, ev.Passed)
	if errors.Is(err, ErrChapterNotFound) {
		s.log.Warn("graded attempt references missing chapter", "attempt_id", ev.AttemptID, "chapter_id", ev.ChapterID)
		return nil
	}
	return err
}

func (s *Service) saveChapter(ctx context.Context, before, row *ChapterProgress, reason string, now time.Time) (*ChapterProgress, error) {
	if row.ID != 0 && !chapterChanged(before, row) {
		return row, nil
	}
	row.UpdatedAt = now
	if err := s.store.SaveChapterProgress(ctx, row); err != nil {
		return nil, fmt.Errorf("save chapter progress: %w", err)
	}
	if s.events != nil {
		err := s.events.Publish(ctx, events.Event{
			Kind:       events.ChapterProgressChanged,
			OccurredAt: now,
			UserID:     row.UserID,
			CourseID:   row.CourseID,
			ChapterID:  row.ChapterID,
			Status:     string(row.Status),
			Reason:     reason,
		})
		if err != nil {
			return nil, fmt.Errorf("propagate chapter progress: %w", err)
		}
	}
	return row, nil
}

func chapterChanged(a, b *ChapterProgress) bool {
	return a.Status != b.Status ||
		a.CourseID != b.CourseID ||
		a.CompletedContents != b.CompletedContents ||
		a.TotalContents != b.TotalContents ||
		a.QuizPassed != b.QuizPassed ||
		!sameScore(a.QuizScore, b.QuizScore) ||
		!sameTime(a.StartedAt, b.StartedAt) ||
		!sameTime(a.CompletedAt, b.CompletedAt)
}

func sameScore(a, b *float64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// GetCourseProgress returns the user's course row, creating a NOT_STARTED
// row on first access.
func (s *Service) GetCourseProgress(ctx context.Context, userID, courseID int64) (*CourseProgress, error) {
	if userID <= 0 || courseID <= 0 {
		return nil, ErrInvalidInput
	}
	chapterIDs, err := s.catalog.CourseChapterIDs(ctx, courseID)
	if err != nil {
		return nil, err
	}
	row, err := s.store.GetCourseProgress(ctx, userID, courseID)
	if err != nil {
		return nil, fmt.Errorf("load course progress: %w", err)
	}
	if row != nil {
		return row, nil
	}

	row = &CourseProgress{
		UserID:        userID,
		CourseID:      courseID,
		Status:        StatusNotStarted,
		TotalChapters: len(chapterIDs),
		UpdatedAt:     s.clock.Now(),
	}
	if err := s.store.SaveCourseProgress(ctx, row); err != nil {
		return nil, fmt.Errorf("create course progress: %w", err)
	}
	return row, nil
}

// StartCourse marks the course opened: NOT_STARTED becomes IN_PROGRESS and
// last_accessed_at moves forward. Chapter counters stay with the aggregator.
func (s *Service) StartCourse(ctx context.Context, userID, courseID int64) (*CourseProgress, error) {
	row, err := s.GetCourseProgress(ctx, userID, courseID)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	next := *row
	if next.Status == StatusNotStarted {
		next.Status = StatusInProgress
	}
	if next.StartedAt == nil {
		t := now
		next.StartedAt = &t
	}
	if next.LastAccessedAt == nil || now.After(*next.LastAccessedAt) {
		t := now
		next.LastAccessedAt = &t
	}
	next.UpdatedAt = now
	if err := s.store.SaveCourseProgress(ctx, &next); err != nil {
		return nil, fmt.Errorf("start course: %w", err)
	}
	return &next, nil
}

func (s *Service) ListChapterProgress(ctx context.Context, userID int64, courseID *int64) ([]ChapterProgress, error) {
	if userID <= 0 {
		return nil, ErrInvalidInput
	}
	items, err := s.store.ListChapterProgress(ctx, userID, courseID)
	if err != nil {
		return nil, fmt.Errorf("list chapter progress: %w", err)
	}
	return items, nil
}

func (s *Service) ListCourseProgress(ctx context.Context, userID int64) ([]CourseProgress, error) {
	if userID <= 0 {
		return nil, ErrInvalidInput
	}
	items, err := s.store.ListCourseProgress(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list course progress: %w", err)
	}
	return items, nil
}

func (s *Service) Stats(ctx context.Context, userID int64) (*Stats, error) {
	courses, err := s.ListCourseProgress(ctx, userID)
	if err != nil {
		return nil, err
	}
	chapters, err := s.ListChapterProgress(ctx, userID, nil)
	if err != nil {
		return nil, err
	}

	out := &Stats{TotalCourses: len(courses), TotalChapters: len(chapters)}
	for _, c := range courses {
		switch c.Status {
		case StatusCompleted:
			out.CompletedCourses++
		case StatusInProgress:
			out.InProgressCourses++
		}
	}
	for _, c := range chapters {
		if c.Status == StatusCompleted {
			out.CompletedChapters++
		}
	}
	if out.TotalCourses > 0 {
		out.OverallProgress = float64(out.CompletedCourses) / float64(out.TotalCourses) * 100
	}
	return out, nil
}
