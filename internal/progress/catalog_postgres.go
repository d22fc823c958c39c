package progress

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

type PostgresCatalog struct {
	db *sql.DB
}

func NewPostgresCatalog(db *sql.DB) *PostgresCatalog {
	return &PostgresCatalog{db: db}
}

func (c *PostgresCatalog) Chapter(ctx context.Context, chapterID int64) (Chapter, error) {
	var ch Chapter
	err := c.db.QueryRowContext(ctx, `
		SELECT id, course_id
		FROM chapters
		WHERE id = $1
	`, chapterID).Scan(&ch.ID, &ch.CourseID)
	if errors.Is(err, sql.ErrNoRows) {
		return Chapter{}, ErrChapterNotFound
	}
	if err != nil {
		return Chapter{}, fmt.Errorf("load chapter: %w", err)
	}
	return ch, nil
}

func (c *PostgresCatalog) Content(ctx context.Context, contentID int64) (Content, error) {
	var ct Content
	err := c.db.QueryRowContext(ctx, `
		SELECT id, chapter_id
		FROM contents
		WHERE id = $1
	`, contentID).Scan(&ct.ID, &ct.ChapterID)
	if errors.Is(err, sql.ErrNoRows) {
		return Content{}, ErrContentNotFound
	}
	if err != nil {
		return Content{}, fmt.Errorf("load content: %w", err)
	}
	return ct, nil
}

func (c *PostgresCatalog) ChapterContentIDs(ctx context.Context, chapterID int64) ([]int64, error) {
	return c.ids(ctx, `
		SELECT id
		FROM contents
		WHERE chapter_id = $1
		ORDER BY seq_no ASC, id ASC
	`, chapterID)
}

func (c *PostgresCatalog) CourseChapterIDs(ctx context.Context, courseID int64) ([]int64, error) {
	var exists bool
	if err := c.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM courses WHERE id = $1)`, courseID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("check course: %w", err)
	}
	if !exists {
		return nil, ErrCourseNotFound
	}
	return c.ids(ctx, `
		SELECT id
		FROM chapters
		WHERE course_id = $1
		ORDER BY seq_no ASC, id ASC
	`, courseID)
}

func (c *PostgresCatalog) ids(ctx context.Context, query string, arg int64) ([]int64, error) {
	rows, err := c.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("query catalog: %w", err)
	}
	defer rows.Close()

	out := make([]int64, 0)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan catalog id: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate catalog: %w", err)
	}
	return out, nil
}
