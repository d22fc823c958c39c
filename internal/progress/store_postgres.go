package progress

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

const chapterColumns = `
	id, user_id, chapter_id, course_id, status,
	completed_contents, total_contents, quiz_passed, quiz_score,
	started_at, completed_at, updated_at`

const courseColumns = `
	id, user_id, course_id, status,
	completed_chapters, total_chapters, progress_percentage,
	started_at, completed_at, last_accessed_at, updated_at`

func (s *PostgresStore) GetChapterProgress(ctx context.Context, userID, chapterID int64) (*ChapterProgress, error) {
	p, err := scanChapter(s.db.QueryRowContext(ctx, `
		SELECT `+chapterColumns+`
		FROM chapter_progress
		WHERE user_id = $1 AND chapter_id = $2
	`, userID, chapterID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// SaveChapterProgress upserts the row. started_at and completed_at keep the
// first value written and quiz_passed never reverts.
func (s *PostgresStore) SaveChapterProgress(ctx context.Context, p *ChapterProgress) error {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO chapter_progress (
			user_id, chapter_id, course_id, status,
			completed_contents, total_contents, quiz_passed, quiz_score,
			started_at, completed_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (user_id, chapter_id) DO UPDATE SET
			course_id = EXCLUDED.course_id,
			status = EXCLUDED.status,
			completed_contents = EXCLUDED.completed_contents,
			total_contents = EXCLUDED.total_contents,
			quiz_passed = chapter_progress.quiz_passed OR EXCLUDED.quiz_passed,
			quiz_score = GREATEST(chapter_progress.quiz_score, EXCLUDED.quiz_score),
			started_at = COALESCE(chapter_progress.started_at, EXCLUDED.started_at),
			completed_at = COALESCE(chapter_progress.completed_at, EXCLUDED.completed_at),
			updated_at = EXCLUDED.updated_at
		RETURNING id
	`,
		p.UserID,
		p.ChapterID,
		p.CourseID,
		string(p.Status),
		p.CompletedContents,
		p.TotalContents,
		p.QuizPassed,
		nullableFloat(p.QuizScore),
		nullableTime(p.StartedAt),
		nullableTime(p.CompletedAt),
		p.UpdatedAt,
	).Scan(&p.ID)
	if err != nil {
		return fmt.Errorf("upsert chapter progress: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListChapterProgress(ctx context.Context, userID int64, courseID *int64) ([]ChapterProgress, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+chapterColumns+`
		FROM chapter_progress
		WHERE user_id = $1
			AND ($2::bigint IS NULL OR course_id = $2)
		ORDER BY course_id ASC, chapter_id ASC
	`, userID, nullableID(courseID))
	if err != nil {
		return nil, fmt.Errorf("query chapter progress: %w", err)
	}
	defer rows.Close()

	out := make([]ChapterProgress, 0)
	for rows.Next() {
		p, err := scanChapter(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chapter progress: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) GetCourseProgress(ctx context.Context, userID, courseID int64) (*CourseProgress, error) {
	p, err := scanCourse(s.db.QueryRowContext(ctx, `
		SELECT `+courseColumns+`
		FROM course_progress
		WHERE user_id = $1 AND course_id = $2
	`, userID, courseID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (s *PostgresStore) SaveCourseProgress(ctx context.Context, p *CourseProgress) error {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO course_progress (
			user_id, course_id, status,
			completed_chapters, total_chapters, progress_percentage,
			started_at, completed_at, last_accessed_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (user_id, course_id) DO UPDATE SET
			status = EXCLUDED.status,
			completed_chapters = EXCLUDED.completed_chapters,
			total_chapters = EXCLUDED.total_chapters,
			progress_percentage = EXCLUDED.progress_percentage,
			started_at = COALESCE(course_progress.started_at, EXCLUDED.started_at),
			completed_at = COALESCE(course_progress.completed_at, EXCLUDED.completed_at),
			last_accessed_at = GREATEST(course_progress.last_accessed_at, EXCLUDED.last_accessed_at),
			updated_at = EXCLUDED.updated_at
		RETURNING id
	`,
		p.UserID,
		p.CourseID,
		string(p.Status),
		p.CompletedChapters,
		p.TotalChapters,
		p.ProgressPercentage,
		nullableTime(p.StartedAt),
		nullableTime(p.CompletedAt),
		nullableTime(p.LastAccessedAt),
		p.UpdatedAt,
	).Scan(&p.ID)
	if err != nil {
		return fmt.Errorf("upsert course progress: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListCourseProgress(ctx context.Context, userID int64) ([]CourseProgress, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+courseColumns+`
		FROM course_progress
		WHERE user_id = $1
		ORDER BY last_accessed_at DESC NULLS LAST, course_id ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("query course progress: %w", err)
	}
	defer rows.Close()

	out := make([]CourseProgress, 0)
	for rows.Next() {
		p, err := scanCourse(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate course progress: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) RecordContentCompletion(ctx context.Context, userID, contentID int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO content_completions (user_id, content_id, completed_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, content_id) DO NOTHING
	`, userID, contentID, at)
	if err != nil {
		return fmt.Errorf("insert content completion: %w", err)
	}
	return nil
}

func (s *PostgresStore) CountCompletedContents(ctx context.Context, userID int64, contentIDs []int64) (int, error) {
	if len(contentIDs) == 0 {
		return 0, nil
	}
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM content_completions
		WHERE user_id = $1 AND content_id = ANY($2)
	`, userID, contentIDs).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count content completions: %w", err)
	}
	return n, nil
}

func scanChapter(r rowScanner) (*ChapterProgress, error) {
	var (
		p           ChapterProgress
		status      string
		quizScore   sql.NullFloat64
		startedAt   sql.NullTime
		completedAt sql.NullTime
	)
	if err := r.Scan(
		&p.ID,
		&p.UserID,
		&p.ChapterID,
		&p.CourseID,
		&status,
		&p.CompletedContents,
		&p.TotalContents,
		&p.QuizPassed,
		&quizScore,
		&startedAt,
		&completedAt,
		&p.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan chapter progress: %w", err)
	}
	p.Status = Status(status)
	if quizScore.Valid {
		v := quizScore.Float64
		p.QuizScore = &v
	}
	p.StartedAt = timePtr(startedAt)
	p.CompletedAt = timePtr(completedAt)
	return &p, nil
}

func scanCourse(r rowScanner) (*CourseProgress, error) {
	var (
		p            CourseProgress
		status       string
		startedAt    sql.NullTime
		completedAt  sql.NullTime
		lastAccessed sql.NullTime
	)
	if err := r.Scan(
		&p.ID,
		&p.UserID,
		&p.CourseID,
		&status,
		&p.CompletedChapters,
		&p.TotalChapters,
		&p.ProgressPercentage,
		&startedAt,
		&completedAt,
		&lastAccessed,
		&p.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan course progress: %w", err)
	}
	p.Status = Status(status)
	p.StartedAt = timePtr(startedAt)
	p.CompletedAt = timePtr(completedAt)
	p.LastAccessedAt = timePtr(lastAccessed)
	return &p, nil
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}

func nullableFloat(v *float64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func nullableID(v *int64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}
