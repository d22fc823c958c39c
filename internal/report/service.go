package report

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/xuri/excelize/v2"
)

var ErrExamNotFound = errors.New("exam not found")

type AttemptRow struct {
	AttemptID      int64
	UserID         int64
	Username       string
	FullName       string
	StoreCode      string
	AttemptNumber  int
	Status         string
	Score          *float64
	CorrectCount   *int
	TotalQuestions int
	StartedAt      time.Time
	SubmittedAt    *time.Time
	TimeSpent      *int
}

type ExamSummary struct {
	ExamID         int64   `json:"exam_id"`
	ExamTitle      string  `json:"exam_title"`
	Participants   int     `json:"participants"`
	GradedAttempts int     `json:"graded_attempts"`
	InProgress     int     `json:"in_progress"`
	PassedUsers    int     `json:"passed_users"`
	PassRate       float64 `json:"pass_rate"`
	AverageScore   float64 `json:"average_score"`
	HighestScore   float64 `json:"highest_score"`
	LowestScore    float64 `json:"lowest_score"`
}

type attemptSource interface {
	ExamTitle(ctx context.Context, examID int64) (string, error)
	ListExamAttempts(ctx context.Context, examID int64) ([]AttemptRow, error)
}

type Service struct {
	src attemptSource
}

func NewService(src attemptSource) *Service {
	return &Service{src: src}
}

// SummaryByExam aggregates graded attempts. Participants counts distinct
// users with at least one graded attempt; a user passes if any attempt did.
func (s *Service) SummaryByExam(ctx context.Context, examID int64) (*ExamSummary, error) {
	title, err := s.src.ExamTitle(ctx, examID)
	if err != nil {
		return nil, err
	}
	rows, err := s.src.ListExamAttempts(ctx, examID)
	if err != nil {
		return nil, err
	}

	out := &ExamSummary{ExamID: examID, ExamTitle: title}
	users := make(map[int64]bool)
	var sum float64
	for _, r := range rows {
		if r.Score == nil {
			if r.Status == "in_progress" {
				out.InProgress++
			}
			continue
		}
		score := *r.Score
		if out.GradedAttempts == 0 || score > out.HighestScore {
			out.HighestScore = score
		}
		if out.GradedAttempts == 0 || score < out.LowestScore {
			out.LowestScore = score
		}
		out.GradedAttempts++
		sum += score
		users[r.UserID] = users[r.UserID] || r.Status == "passed"
	}

	out.Participants = len(users)
	for _, passed := range users {
		if passed {
			out.PassedUsers++
		}
	}
	if out.GradedAttempts > 0 {
		out.AverageScore = sum / float64(out.GradedAttempts)
	}
	if out.Participants > 0 {
		out.PassRate = float64(out.PassedUsers) / float64(out.Participants) * 100
	}
	return out, nil
}

var attemptHeaders = []string{
	"attempt_id", "username", "full_name", "store_code", "attempt_number",
	"status", "score", "correct_count", "total_questions", "started_at", "submitted_at", "time_spent_seconds",
}

func (s *Service) ExportAttemptsXLSX(ctx context.Context, examID int64) ([]byte, error) {
	if _, err := s.src.ExamTitle(ctx, examID); err != nil {
		return nil, err
	}
	rows, err := s.src.ListExamAttempts(ctx, examID)
	if err != nil {
		return nil, err
	}

	f := excelize.NewFile()
	defer func() { _ = f.Close() }()
	sheet := f.GetSheetName(0)
	for i, h := range attemptHeaders {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheet, cell, h)
	}
	for i, it := range rows {
		values := []any{
			it.AttemptID,
			it.Username,
			it.FullName,
			it.StoreCode,
			it.AttemptNumber,
			it.Status,
			"",
			"",
			it.TotalQuestions,
			it.StartedAt.Format("2006-01-02 15:04:05"),
			"",
			"",
		}
		if it.Score != nil {
			values[6] = *it.Score
		}
		if it.CorrectCount != nil {
			values[7] = *it.CorrectCount
		}
		if it.SubmittedAt != nil {
			values[10] = it.SubmittedAt.Format("2006-01-02 15:04:05")
		}
		if it.TimeSpent != nil {
			values[11] = *it.TimeSpent
		}
		for col, v := range values {
			cell, _ := excelize.CoordinatesToCellName(col+1, i+2)
			_ = f.SetCellValue(sheet, cell, v)
		}
	}
	_ = f.SetColWidth(sheet, "A", "L", 18)

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, fmt.Errorf("write excel: %w", err)
	}
	return buf.Bytes(), nil
}

type PostgresSource struct {
	db *sql.DB
}

func NewPostgresSource(db *sql.DB) *PostgresSource {
	return &PostgresSource{db: db}
}

func (p *PostgresSource) ExamTitle(ctx context.Context, examID int64) (string, error) {
	var title string
	err := p.db.QueryRowContext(ctx, `SELECT title FROM exams WHERE id = $1`, examID).Scan(&title)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrExamNotFound
	}
	if err != nil {
		return "", fmt.Errorf("load exam: %w", err)
	}
	return title, nil
}

func (p *PostgresSource) ListExamAttempts(ctx context.Context, examID int64) ([]AttemptRow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT
			a.id,
			a.user_id,
			COALESCE(u.username, ''),
			COALESCE(u.full_name, ''),
			COALESCE(u.store_code, ''),
			a.attempt_number,
			a.status,
			a.score,
			a.correct_count,
			a.total_questions,
			a.started_at,
			a.submitted_at,
			a.time_spent
		FROM exam_attempts a
		LEFT JOIN users u ON u.id = a.user_id
		WHERE a.exam_id = $1
		ORDER BY a.user_id ASC, a.attempt_number ASC
	`, examID)
	if err != nil {
		return nil, fmt.Errorf("query exam attempts: %w", err)
	}
	defer rows.Close()

	out := make([]AttemptRow, 0)
	for rows.Next() {
		var (
			r           AttemptRow
			score       sql.NullFloat64
			correct     sql.NullInt64
			submittedAt sql.NullTime
			timeSpent   sql.NullInt64
		)
		if err := rows.Scan(
			&r.AttemptID,
			&r.UserID,
			&r.Username,
			&r.FullName,
			&r.StoreCode,
			&r.AttemptNumber,
			&r.Status,
			&score,
			&correct,
			&r.TotalQuestions,
			&r.StartedAt,
			&submittedAt,
			&timeSpent,
		); err != nil {
			return nil, fmt.Errorf("scan exam attempt: %w", err)
		}
		if score.Valid {
			v := score.Float64
			r.Score = &v
		}
		if correct.Valid {
			v := int(correct.Int64)
			r.CorrectCount = &v
		}
		if submittedAt.Valid {
			v := submittedAt.Time
			r.SubmittedAt = &v
		}
		if timeSpent.Valid {
			v := int(timeSpent.Int64)
			r.TimeSpent = &v
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate exam attempts: %w", err)
	}
	return out, nil
}
